package core

import (
	"sync/atomic"

	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// Global source for node and peer identities, one shared sequence.
// A node identity doubles as the ordering key of the per-peer
// by-node index and as the sender identity breaking stamp ties in
// receiver queues.
var identityIDs uint64

func nextIdentity() uint64 {
	return atomic.AddUint64(&identityIDs, 1)
}

// Node destruction states held in Node.timestamp. Anything even and
// greater than destroying is a committed destruction stamp.
const (
	nodeAlive      = 0
	nodeDestroying = 1
)

// An addressable destination. The node is ownerless in the sense
// that it is only reachable through handles; its identity is the
// identity of its embedded owner handle. The node stays alive as
// long as any handle references it.
type Node struct {
	// Identity, unique process-wide, assigned at creation.
	id uint64

	// The owner handle, embedded so node and owner share one
	// lifetime. Freeing one never frees the other.
	owner Handle

	// Destruction timestamp: nodeAlive, nodeDestroying, or the even
	// committed destruction stamp. Written under the owner peer's
	// lock, read anywhere.
	timestamp uint64

	// Head of the list of handles linked to this node, the owner
	// included. Guarded by the owner peer's lock.
	handles *Handle

	// Number of handles on the list.
	nHandles int
}

// Allocates a node together with its owner handle. Neither is
// attached yet; the owner must go through Attach and Install on the
// owning peer like any other handle.
func NewNode() *Node {
	n := &Node{id: nextIdentity()}
	n.owner.owner = true
	n.owner.nodeID = n.id
	n.owner.ref = 1
	n.owner.inflight = handleUninstalled
	n.owner.node.Store(n)
	return n
}

// The node identity.
func (n *Node) ID() uint64 {
	return n.id
}

// The embedded owner handle.
func (n *Node) Owner() *Handle {
	return &n.owner
}

func (n *Node) loadTimestamp() uint64 {
	return atomic.LoadUint64(&n.timestamp)
}

// Reports how the node relates to a transaction stamped ts: alive
// when the node was not destroyed by then, dead otherwise. A node in
// teardown without a committed stamp yet counts as alive, the reader
// races finalisation. Destruction wins exact ties.
func (n *Node) AliveAt(ts types.Stamp) bool {
	t := n.loadTimestamp()
	switch {
	case t == nodeAlive:
		return true
	case t == nodeDestroying:
		return true
	default:
		return uint64(ts) < t
	}
}

// True once a destruction committed or is in flight.
func (n *Node) Destroyed() bool {
	return n.loadTimestamp() != nodeAlive
}

// The committed destruction stamp, or zero while alive or still
// tearing down.
func (n *Node) DestructionStamp() types.Stamp {
	t := n.loadTimestamp()
	if t == nodeAlive || t == nodeDestroying {
		return 0
	}
	return types.Stamp(t)
}

// Links h into the node handle list. Caller holds the owner peer's
// lock.
func (n *Node) linkHandle(h *Handle) {
	h.nextHandle = n.handles
	h.prevHandle = nil
	if n.handles != nil {
		n.handles.prevHandle = h
	}
	n.handles = h
	h.onList = true
	n.nHandles++
}

// Unlinks h from the node handle list. Caller holds the owner peer's
// lock. Safe to call twice.
func (n *Node) unlinkHandle(h *Handle) {
	if !h.onList {
		return
	}
	if h.prevHandle != nil {
		h.prevHandle.nextHandle = h.nextHandle
	} else {
		n.handles = h.nextHandle
	}
	if h.nextHandle != nil {
		h.nextHandle.prevHandle = h.prevHandle
	}
	h.nextHandle, h.prevHandle = nil, nil
	h.onList = false
	n.nHandles--
}

// Number of handles currently linked to the node, owner included.
// Caller holds the owner peer's lock.
func (n *Node) HandleCount() int {
	return n.nHandles
}
