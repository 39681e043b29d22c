package core

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// Index item keyed by the holder-local handle id.
type byIDItem struct {
	id types.HandleID
	h  *Handle
}

func (i byIDItem) Less(than btree.Item) bool {
	return i.id < than.(byIDItem).id
}

// Index item keyed by node identity.
type byNodeItem struct {
	nodeID uint64
	h      *Handle
}

func (i byNodeItem) Less(than btree.Item) bool {
	return i.nodeID < than.(byNodeItem).nodeID
}

// This structure defines a single peer on the bus. A peer owns its
// reception queue, its clock, its pool and two indexes over the
// handles it holds: one by local id, one by node identity.
//
// Writers mutate the indexes under the peer lock by cloning the tree
// and swapping the root, so lock-free readers always observe a
// consistent snapshot: a hit is authoritative because ids are never
// reused, a miss retries once under the lock.
type Peer struct {
	// Mutex for synchronizing operations.
	mutex sync.Mutex

	// Identity drawn from the same sequence as node identities, used
	// as the sender tiebreak for entries this peer originates.
	id uint64

	// Configuration for the peer.
	conf types.PeerConfiguration

	// The peer clock for sequencing queue entries.
	clock Clock

	// The peer reception queue, ordering messages and destruction
	// notifications by commit stamp.
	queue *Queue

	// Allocator backing receive memory.
	pool types.Pool

	// The user this peer is accounted against.
	user *User

	// Local budgets and per-user statistics.
	ledger quota

	// Current value of the handle id counter. Only grows, never
	// recycled, even across reset.
	handleIDs uint64

	// Index roots, swapped atomically on every write.
	byID   atomic.Pointer[btree.BTree]
	byNode atomic.Pointer[btree.BTree]

	// Memory charges still owed for delivered slices, by pool
	// offset. Settled on slice release.
	sliceCharges map[uint64]*sliceRef

	// Set once the peer was torn down; every later operation fails
	// with ErrShutdown.
	down bool

	// Peer logger.
	log types.Logger
}

// Creates a new peer with an empty queue and empty indexes, backed
// by a fresh slab pool of the configured size.
func NewPeer(conf types.PeerConfiguration) *Peer {
	userLimits := conf.UserLimits
	if userLimits == (types.Limits{}) {
		userLimits = types.Limits{
			MaxMessages: 4 * conf.Limits.MaxMessages,
			MaxHandles:  4 * conf.Limits.MaxHandles,
			MaxFDs:      4 * conf.Limits.MaxFDs,
		}
	}
	p := &Peer{
		id:           nextIdentity(),
		conf:         conf,
		queue:        NewQueue(),
		pool:         NewSlabPool(conf.PoolSize),
		user:         LookupUser(conf.UID, userLimits),
		ledger:       newQuota(conf.PoolSize, conf.Limits),
		sliceCharges: make(map[uint64]*sliceRef),
		log:          conf.Logger,
	}
	p.byID.Store(btree.New(2))
	p.byNode.Store(btree.New(2))
	return p
}

func (p *Peer) Name() string {
	return p.conf.Name
}

func (p *Peer) User() *User {
	return p.user
}

func (p *Peer) Pool() types.Pool {
	return p.pool
}

// Total pool size, answering the query command.
func (p *Peer) PoolSize() uint64 {
	return p.pool.Size()
}

func (p *Peer) Clock() *Clock {
	return &p.clock
}

// Reports whether the peer was shut down. Racy by nature; the
// locked paths re-check.
func (p *Peer) Down() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.down
}

// Allocates the next handle id under the lock. Strictly increasing,
// low bits carry the managed flag.
func (p *Peer) nextID() types.HandleID {
	p.handleIDs++
	return types.MakeHandleID(p.handleIDs)
}

// Swaps a mutated clone of the by-id index into place. Caller holds
// the lock.
func (p *Peer) updateByID(mutate func(*btree.BTree)) {
	t := p.byID.Load().Clone()
	mutate(t)
	p.byID.Store(t)
}

func (p *Peer) updateByNode(mutate func(*btree.BTree)) {
	t := p.byNode.Load().Clone()
	mutate(t)
	p.byNode.Store(t)
}

// Looks up a handle by its local id. The optimistic snapshot read
// makes a hit authoritative; a miss is re-run once under the lock to
// decide between a racing install, a stale id and one that never
// existed.
func (p *Peer) LookupID(id types.HandleID) (*Handle, error) {
	if !id.IsManaged() || id.WantsAllocation() {
		return nil, errors.Wrapf(types.ErrNoSuch, "id %#x", uint64(id))
	}
	if it := p.byID.Load().Get(byIDItem{id: id}); it != nil {
		return it.(byIDItem).h, nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.down {
		return nil, types.ErrShutdown
	}
	if it := p.byID.Load().Get(byIDItem{id: id}); it != nil {
		return it.(byIDItem).h, nil
	}
	if uint64(id)>>2 > p.handleIDs {
		return nil, errors.Wrapf(types.ErrNoSuch, "id %#x", uint64(id))
	}
	return nil, errors.Wrapf(types.ErrStale, "id %#x", uint64(id))
}

// Looks up this peer's handle for the given node and acquires an
// object reference on it. A snapshot hit racing its finalisation
// (object count already zero) retries under the lock; a miss under
// the lock is final and returns nil.
func (p *Peer) LookupNode(n *Node) *Handle {
	if it := p.byNode.Load().Get(byNodeItem{nodeID: n.id}); it != nil {
		h := it.(byNodeItem).h
		if h.TryAcquireRef() {
			return h
		}
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.down {
		return nil
	}
	if it := p.byNode.Load().Get(byNodeItem{nodeID: n.id}); it != nil {
		h := it.(byNodeItem).h
		if h.TryAcquireRef() {
			return h
		}
	}
	return nil
}

// Attaches a freshly allocated, already node-attached handle to this
// peer: assigns its id and links it into both indexes. When a
// sibling handle for the same node is already installed, the sibling
// is returned acquired and referenced instead and the caller must
// fall back to it, releasing its own candidate. The candidate is
// left untouched in that case.
func (p *Peer) Install(h *Handle) (*Handle, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.installLocked(h)
}

func (p *Peer) installLocked(h *Handle) (*Handle, error) {
	n := h.Node()
	if n == nil || n.Destroyed() {
		return nil, types.ErrNoSuch
	}
	if p.down {
		return nil, types.ErrNoSuch
	}

	if it := p.byNode.Load().Get(byNodeItem{nodeID: n.id}); it != nil {
		sibling := it.(byNodeItem).h
		if sibling == h {
			return h, nil
		}
		if !sibling.AcquireInflight() {
			// An installed sibling cannot be mid-release under our
			// lock; releases unlink before dropping the last pin.
			return nil, types.ErrInvariant
		}
		sibling.AcquireRef()
		return sibling, nil
	}

	h.id = p.nextID()
	h.holder.Store(p)
	h.AcquireRef()
	p.updateByID(func(t *btree.BTree) {
		t.ReplaceOrInsert(byIDItem{id: h.id, h: h})
	})
	p.updateByNode(func(t *btree.BTree) {
		t.ReplaceOrInsert(byNodeItem{nodeID: n.id, h: h})
	})
	return h, nil
}

// Unlinks the handle from both indexes and nulls its holder. Caller
// holds the lock; the index reference is dropped.
func (p *Peer) uninstallLocked(h *Handle) {
	if h.Holder() != p {
		return
	}
	p.updateByID(func(t *btree.BTree) {
		t.Delete(byIDItem{id: h.id})
	})
	p.updateByNode(func(t *btree.BTree) {
		t.Delete(byNodeItem{nodeID: h.nodeID})
	})
	h.holder.Store(nil)
	h.ReleaseRef()
}

// Number of handles currently installed.
func (p *Peer) HandleCount() int {
	return p.byID.Load().Len()
}

// Walks the installed handles under the lock. The callback must not
// touch the indexes.
func (p *Peer) forEachHandleLocked(fn func(*Handle)) {
	p.byID.Load().Ascend(func(i btree.Item) bool {
		fn(i.(byIDItem).h)
		return true
	})
}

// Drops n inflight references from a handle, running the release
// protocol when the pin count hits zero: the handle leaves its
// holder's indexes and the node's handle list. The holder lock and
// the node owner lock are taken one after another, never nested, as
// transfers between arbitrary peers make a global order impossible.
func ReleaseInflight(h *Handle, n int32) {
	if n <= 0 || !h.ReleaseInflight(n) {
		return
	}

	if holder := h.Holder(); holder != nil {
		holder.mutex.Lock()
		// Re-check under the lock; a racing acquire may have
		// revived the handle.
		if _, inflight, _ := h.Counters(); inflight == 0 {
			holder.uninstallLocked(h)
		} else {
			holder.mutex.Unlock()
			return
		}
		holder.mutex.Unlock()
	}

	node := h.Node()
	if node == nil {
		return
	}
	if owner := node.Owner().Holder(); owner != nil {
		owner.mutex.Lock()
		node.unlinkHandle(h)
		owner.mutex.Unlock()
	}
	h.ReleaseRef()
}

// Creates a node owned by this peer and installs its owner handle
// user-visibly. The bootstrap for a peer that wants to be talked to;
// further nodes usually arrive through allocate-flag sends or clone.
func (p *Peer) CreateNode() (types.HandleID, error) {
	n := NewNode()
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.down {
		return types.InvalidID, types.ErrShutdown
	}
	if err := n.Owner().Attach(); err != nil {
		return types.InvalidID, err
	}
	h, err := p.installLocked(n.Owner())
	if err != nil {
		n.Owner().Detach()
		return types.InvalidID, err
	}
	h.bumpUser()
	return h.ID(), nil
}

// Handles the user-space release of one id: drops one user-visible
// reference and the inflight pin that carried it. Releasing the
// owner handle's last pin starts the node destruction protocol.
func (p *Peer) ReleaseUserHandle(id types.HandleID) error {
	h, err := p.LookupID(id)
	if err != nil {
		return err
	}
	if h.dropUser() < 0 {
		// Restore; user space released more than it was shown.
		h.bumpUser()
		return errors.Wrapf(types.ErrStale, "id %#x has no user reference", uint64(id))
	}
	if h.IsOwner() {
		if h.ReleaseInflight(1) {
			return DestroyNode(p, h.Node())
		}
		return nil
	}
	ReleaseInflight(h, 1)
	return nil
}
