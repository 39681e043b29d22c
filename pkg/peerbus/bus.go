package peerbus

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/jabolina/go-peerbus/pkg/peerbus/core"
	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// Holds information for shutting down the whole bus.
type poweroff struct {
	shutdown bool
	ch       chan struct{}
	mutex    *sync.Mutex
}

// Bus is the container owning the peers. It services the command
// surface the device layer calls into: peer lifecycle, send,
// receive, destruction and release. Every command either succeeds or
// fails with one of the contract errors; partial effects are never
// observable across a command boundary.
type Bus struct {
	// Mutex guarding the peer table.
	mutex sync.Mutex

	// Holds configuration about the bus: default pool size, budgets,
	// logger utilities.
	configuration *types.Configuration

	// The peers by name.
	peers map[string]*core.Peer

	// Used to spawn and control go routines, mainly for teardown.
	invoker core.Invoker

	// Shutdown guard, protected to prevent concurrent exits.
	off poweroff

	// Bus logger.
	log types.Logger
}

func NewBus(configuration *types.Configuration) *Bus {
	return &Bus{
		configuration: configuration,
		peers:         make(map[string]*core.Peer),
		invoker:       core.InvokerInstance(),
		off: poweroff{
			ch:    make(chan struct{}),
			mutex: &sync.Mutex{},
		},
		log: configuration.Logger,
	}
}

func (b *Bus) peerConfiguration(name string, uid uint32, poolSize uint64) types.PeerConfiguration {
	if poolSize == 0 {
		poolSize = b.configuration.DefaultPoolSize
	}
	return types.PeerConfiguration{
		Name:       name,
		UID:        uid,
		PoolSize:   poolSize,
		Limits:     b.configuration.Limits,
		UserLimits: b.configuration.UserLimits,
		Logger:     b.log,
	}
}

func (b *Bus) lookupPeer(name string) (*core.Peer, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.off.shutdown {
		return nil, types.ErrShutdown
	}
	p, ok := b.peers[name]
	if !ok {
		return nil, errors.Wrapf(types.ErrNotInit, "peer %s", name)
	}
	return p, nil
}

// Creates a peer with an empty queue, empty indexes and a pool of
// the given size.
func (b *Bus) PeerInit(name string, uid uint32, poolSize uint64) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.off.shutdown {
		return types.ErrShutdown
	}
	if _, ok := b.peers[name]; ok {
		return errors.Wrapf(types.ErrAlreadyInit, "peer %s", name)
	}
	b.peers[name] = core.NewPeer(b.peerConfiguration(name, uid, poolSize))
	livePeers.Inc()
	b.log.Debugf("peer %s initialized", name)
	return nil
}

// Returns the peer's pool size.
func (b *Bus) PeerQuery(name string) (uint64, error) {
	p, err := b.lookupPeer(name)
	if err != nil {
		return 0, err
	}
	return p.PoolSize(), nil
}

// Flushes the peer's handles, queue and per-user statistics. One
// handle may be preserved; it keeps its node but comes back under a
// fresh id. Pass InvalidID to preserve nothing.
func (b *Bus) PeerReset(name string, preserve types.HandleID) error {
	p, err := b.lookupPeer(name)
	if err != nil {
		return err
	}
	return p.Reset(preserve)
}

// Allocates a sibling peer plus a cross-linked node and handle pair.
// The returned id is the parent's handle to the child's fresh node.
func (b *Bus) PeerClone(parent, name string, poolSize uint64) (types.HandleID, error) {
	p, err := b.lookupPeer(parent)
	if err != nil {
		return types.InvalidID, err
	}
	b.mutex.Lock()
	if _, ok := b.peers[name]; ok {
		b.mutex.Unlock()
		return types.InvalidID, errors.Wrapf(types.ErrAlreadyInit, "peer %s", name)
	}
	b.mutex.Unlock()

	child, id, err := core.ClonePeer(p, b.peerConfiguration(name, p.User().UID(), poolSize))
	if err != nil {
		return types.InvalidID, err
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, ok := b.peers[name]; ok {
		// Lost the naming race; undo the clone.
		_ = child.Shutdown()
		return types.InvalidID, errors.Wrapf(types.ErrAlreadyInit, "peer %s", name)
	}
	b.peers[name] = child
	livePeers.Inc()
	return id, nil
}

// Tears a single peer down and forgets it.
func (b *Bus) PeerShutdown(name string) error {
	p, err := b.lookupPeer(name)
	if err != nil {
		return err
	}
	if err := p.Shutdown(); err != nil {
		return err
	}
	b.mutex.Lock()
	delete(b.peers, name)
	b.mutex.Unlock()
	livePeers.Dec()
	return nil
}

// Creates a node owned by the peer, returning the owner handle id.
func (b *Bus) NodeCreate(peer string) (types.HandleID, error) {
	p, err := b.lookupPeer(peer)
	if err != nil {
		return types.InvalidID, err
	}
	return p.CreateNode()
}

// Runs the destruction protocol for the node behind the given id.
// Restricted to the owner handle.
func (b *Bus) NodeDestroy(peer string, id types.HandleID) error {
	p, err := b.lookupPeer(peer)
	if err != nil {
		return err
	}
	h, err := p.LookupID(id)
	if err != nil {
		return err
	}
	if !h.IsOwner() {
		return errors.Wrapf(types.ErrNotOwner, "id %#x", uint64(id))
	}
	if err := core.DestroyNode(p, h.Node()); err != nil {
		return err
	}
	destroyedNodes.Inc()
	return nil
}

// Drops one user-space reference from the handle. The last one takes
// the inflight pin with it, releasing the handle.
func (b *Bus) HandleRelease(peer string, id types.HandleID) error {
	p, err := b.lookupPeer(peer)
	if err != nil {
		return err
	}
	return p.ReleaseUserHandle(id)
}

// Duplicates the node reference behind one peer's handle into
// another peer, user-visibly. The in-process analogue of passing a
// peer file reference around outside the bus.
func (b *Bus) HandleGrant(from string, id types.HandleID, to string) (types.HandleID, error) {
	src, err := b.lookupPeer(from)
	if err != nil {
		return types.InvalidID, err
	}
	dst, err := b.lookupPeer(to)
	if err != nil {
		return types.InvalidID, err
	}
	return core.Grant(src, id, dst)
}

// Forwards a payload range release to the peer's pool.
func (b *Bus) SliceRelease(peer string, offset uint64) error {
	p, err := b.lookupPeer(peer)
	if err != nil {
		return err
	}
	return p.ReleaseSlice(offset)
}

// Issues a send on behalf of the named peer. The message is staged
// into the queue of every destination node's owner and commits under
// one transaction stamp, so all observers agree on its position.
func (b *Bus) Send(peer string, req core.SendRequest) error {
	p, err := b.lookupPeer(peer)
	if err != nil {
		return err
	}
	if err := core.Send(p, req); err != nil {
		if types.Code(err) == types.CodeQuota {
			quotaRejections.Inc()
		}
		return err
	}
	sendsTotal.Inc()
	return nil
}

// Dequeues one committed entry from the peer's queue.
func (b *Bus) Recv(peer string) (*types.Delivery, error) {
	p, err := b.lookupPeer(peer)
	if err != nil {
		return nil, err
	}
	d, err := p.Recv()
	if err != nil {
		return nil, err
	}
	deliveries.Inc()
	return d, nil
}

// Shutdown tears every peer down and closes the bus. Returns false
// when the bus was already shut down.
func (b *Bus) Shutdown() bool {
	b.off.mutex.Lock()
	defer b.off.mutex.Unlock()
	if b.off.shutdown {
		return false
	}
	b.off.shutdown = true
	close(b.off.ch)

	b.mutex.Lock()
	peers := make([]*core.Peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.peers = make(map[string]*core.Peer)
	b.mutex.Unlock()

	for _, p := range peers {
		peer := p
		b.invoker.Spawn(func() {
			if err := peer.Shutdown(); err != nil {
				b.log.Errorf("failed shutting down peer %s. %v", peer.Name(), err)
			}
			livePeers.Dec()
		})
	}
	b.invoker.Stop()
	return true
}

// Direct access to a peer, for tests and embedders.
func (b *Bus) Peer(name string) (*core.Peer, error) {
	return b.lookupPeer(name)
}
