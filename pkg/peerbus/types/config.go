package types

// Hard per-user maxima. Every User starts its remaining counters at
// these values; peer-local budgets start here as well.
type Limits struct {
	// How many messages a single user may hold inflight.
	MaxMessages int64

	// How many handles a single user may hold inflight.
	MaxHandles int64

	// How many file descriptors a single user may hold inflight.
	MaxFDs int64
}

// Configuration for a single peer.
type PeerConfiguration struct {
	// Name used on log output and test harnesses.
	Name string

	// The uid the peer is accounted against. Peers of the same uid
	// share one User object and its global budgets.
	UID uint32

	// Size in bytes of the receive pool.
	PoolSize uint64

	// Budgets applied to this peer's local accounting.
	Limits Limits

	// Hard per-user maxima backing the global counters. Left zero,
	// they default to a multiple of the peer budgets so the local
	// fairness rule is the binding one.
	UserLimits Limits

	// Peer logger.
	Logger Logger
}

// Configuration for the whole bus.
type Configuration struct {
	// Name of this bus instance.
	Name string

	// Pool size used when a peer is created without one.
	DefaultPoolSize uint64

	// Budgets handed to every peer.
	Limits Limits

	// Hard per-user maxima across all peers of one uid.
	UserLimits Limits

	// Logger shared by the bus and its peers.
	Logger Logger
}
