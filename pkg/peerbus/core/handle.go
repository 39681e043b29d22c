package core

import (
	"sync/atomic"

	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// Sentinel value of the inflight counter before the handle was
// attached to its node.
const handleUninstalled = int32(-1)

// A reference held by exactly one peer to exactly one node. The
// handle embedded in a node is the owner handle, every other one is
// remote. Three counters interact:
//
// ref pins the object itself. A remote handle is reclaimable once it
// drops to zero; an owner handle is embedded in its node and never
// freed on its own.
//
// inflight pins the linkage into the holder peer and the node handle
// list. Dropping it to zero releases the handle: it is unlinked and
// its holder forgets the id forever.
//
// user is the subset of inflight user space knows about. A release
// from user space only ever drops this one, taking an inflight pin
// with it.
type Handle struct {
	// The node the handle points at. Nulled during finalisation of a
	// destruction; readers must treat nil as a dead handle.
	node atomic.Pointer[Node]

	// Identity of the node, kept past finalisation so the handle can
	// still be removed from the by-node index.
	nodeID uint64

	// True for the handle embedded in its node.
	owner bool

	// Weak backlink to the holding peer. Nulled when the handle is
	// released or the peer torn down; re-acquired by readers before
	// use.
	holder atomic.Pointer[Peer]

	// Holder-local id. Zero until installed.
	id types.HandleID

	ref      int64
	inflight int32
	user     int32

	// Node handle list linkage, guarded by the owner peer's lock.
	nextHandle *Handle
	prevHandle *Handle
	onList     bool
}

// Allocates a remote handle for the given node, unattached.
func NewHandle(n *Node) *Handle {
	h := &Handle{
		nodeID:   n.id,
		ref:      1,
		inflight: handleUninstalled,
	}
	h.node.Store(n)
	return h
}

// True for the handle embedded in its node.
func (h *Handle) IsOwner() bool {
	return h.owner
}

// The node this handle points at, nil once finalised.
func (h *Handle) Node() *Node {
	return h.node.Load()
}

// Identity of the node the handle was created for. Stable across
// finalisation.
func (h *Handle) NodeID() uint64 {
	return h.nodeID
}

// The holder-local id, valid once installed.
func (h *Handle) ID() types.HandleID {
	return h.id
}

// The peer currently holding the handle, or nil.
func (h *Handle) Holder() *Peer {
	return h.holder.Load()
}

// Takes another object reference. The caller must already hold one.
func (h *Handle) AcquireRef() *Handle {
	atomic.AddInt64(&h.ref, 1)
	return h
}

// Takes an object reference only if the handle is still live. Used
// by the optimistic by-node lookup, which may find an entry racing
// its finalisation.
func (h *Handle) TryAcquireRef() bool {
	for {
		cur := atomic.LoadInt64(&h.ref)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&h.ref, cur, cur+1) {
			return true
		}
	}
}

// Drops an object reference. Memory reclamation is deferred to the
// garbage collector; owner handles are embedded in their node and
// share its lifetime.
func (h *Handle) ReleaseRef() {
	atomic.AddInt64(&h.ref, -1)
}

func (h *Handle) loadRef() int64 {
	return atomic.LoadInt64(&h.ref)
}

// Takes an inflight reference. Succeeds while the counter is
// positive, or always for the owner handle: owner validity is
// decided by the node timestamp, not by the pin count.
func (h *Handle) AcquireInflight() bool {
	for {
		cur := atomic.LoadInt32(&h.inflight)
		if cur >= 1 {
			if atomic.CompareAndSwapInt32(&h.inflight, cur, cur+1) {
				return true
			}
			continue
		}
		if !h.owner {
			return false
		}
		if atomic.CompareAndSwapInt32(&h.inflight, cur, 1) {
			return true
		}
	}
}

// First inflight reference, taken when the handle is attached to its
// node. The counter must still be at the uninstalled sentinel.
func (h *Handle) acquireFirstInflight() bool {
	return atomic.CompareAndSwapInt32(&h.inflight, handleUninstalled, 1)
}

// Drops n inflight references. Returns true when the counter reached
// zero, meaning the caller must unlink the handle from its holder
// and the node list.
func (h *Handle) ReleaseInflight(n int32) bool {
	return atomic.AddInt32(&h.inflight, -n) == 0
}

// Makes the handle user-visible once. Returns true on the 0 to 1
// transition; redeliveries of an already visible handle keep the
// count and the caller drops the inflight pin that carried them.
func (h *Handle) bumpUser() bool {
	return atomic.AddInt32(&h.user, 1) == 1
}

// Drops one user reference, returning the new count.
func (h *Handle) dropUser() int32 {
	return atomic.AddInt32(&h.user, -1)
}

// Current counter values, for accounting and tests.
func (h *Handle) Counters() (ref int64, inflight, user int32) {
	return atomic.LoadInt64(&h.ref), atomic.LoadInt32(&h.inflight), atomic.LoadInt32(&h.user)
}

// Attaches the handle to its node: first inflight pin plus the node
// list linkage. The caller holds the node owner peer's lock. Fails
// once the node entered destruction, the handle then stays
// unattached and is dropped by the caller.
func (h *Handle) Attach() error {
	n := h.node.Load()
	if n == nil || n.Destroyed() {
		return types.ErrNoSuch
	}
	if !h.acquireFirstInflight() {
		return types.ErrInvariant
	}
	n.linkHandle(h)
	return nil
}

// Undoes a never-installed attach, leaving the node exactly as it
// was. The caller holds the node owner peer's lock.
func (h *Handle) Detach() {
	if n := h.node.Load(); n != nil {
		n.unlinkHandle(h)
	}
	atomic.StoreInt32(&h.inflight, handleUninstalled)
}
