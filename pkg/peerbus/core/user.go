package core

import (
	"sync"
	"sync/atomic"

	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// Per-UID accounting object, one per distinct uid process-wide. The
// remaining counters start at the configured hard maxima and shrink
// while resources are inflight; they are only ever touched through
// atomics, there is no user-level lock.
type User struct {
	// The uid this object accounts for.
	uid uint32

	// Small dense id, the index into each peer's per-user stats
	// table.
	index int

	// Remaining global budgets. Memory has no global cap, it is
	// bounded per peer by the pool.
	messages int64
	handles  int64
	fds      int64
}

func (u *User) UID() uint32 {
	return u.uid
}

// Remaining global budgets, for tests and introspection.
func (u *User) Remaining() (messages, handles, fds int64) {
	return atomic.LoadInt64(&u.messages), atomic.LoadInt64(&u.handles), atomic.LoadInt64(&u.fds)
}

// Attempts to subtract charge from the remaining counter at addr,
// requiring that afterwards at least floor stays available. One
// atomic compare-and-sub, as many retries as contention demands.
func chargeGlobal(addr *int64, charge, floor int64) bool {
	if charge == 0 {
		return true
	}
	for {
		cur := atomic.LoadInt64(addr)
		if cur-charge < floor {
			return false
		}
		if atomic.CompareAndSwapInt64(addr, cur, cur-charge) {
			return true
		}
	}
}

func dischargeGlobal(addr *int64, charge int64) {
	atomic.AddInt64(addr, charge)
}

// The process-wide user registry. Users are created on first lookup
// and live for the process lifetime; their dense index never moves.
type userRegistry struct {
	mutex sync.Mutex
	users map[uint32]*User
	next  int
}

var registry = &userRegistry{users: make(map[uint32]*User)}

// Returns the singleton user for uid, creating it with the given
// limits on first sight. Later lookups keep the original limits.
func LookupUser(uid uint32, limits types.Limits) *User {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if u, ok := registry.users[uid]; ok {
		return u
	}
	u := &User{
		uid:      uid,
		index:    registry.next,
		messages: limits.MaxMessages,
		handles:  limits.MaxHandles,
		fds:      limits.MaxFDs,
	}
	registry.next++
	registry.users[uid] = u
	return u
}
