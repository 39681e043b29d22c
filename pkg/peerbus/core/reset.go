package core

import (
	"github.com/google/btree"

	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// Flushes the peer back to a blank state: every queue entry is
// settled, every handle released, nodes owned by the peer are
// destroyed and the per-user statistics drop to zero. One handle may
// be preserved; it survives attached to the same node but under a
// fresh id, as if it had just been installed.
func (p *Peer) Reset(preserve types.HandleID) error {
	var keep *Handle
	if preserve != types.InvalidID {
		h, err := p.LookupID(preserve)
		if err != nil {
			return err
		}
		keep = h
	}

	p.mutex.Lock()
	if p.down {
		p.mutex.Unlock()
		return types.ErrShutdown
	}

	for _, e := range p.queue.Flush() {
		p.settleFlushed(e)
	}
	for _, ref := range p.sliceCharges {
		_ = p.pool.Free(ref.slice)
		ref.charge.ReleaseMemory()
	}
	p.sliceCharges = make(map[uint64]*sliceRef)

	var ownedNodes []*Node
	var remote []*Handle
	p.forEachHandleLocked(func(h *Handle) {
		if h == keep {
			return
		}
		if h.IsOwner() {
			ownedNodes = append(ownedNodes, h.Node())
		} else {
			remote = append(remote, h)
		}
	})

	if keep != nil {
		// Same node, fresh id: the old id dies with the reset.
		old := keep.id
		keep.id = p.nextID()
		p.updateByID(func(t *btree.BTree) {
			t.Delete(byIDItem{id: old})
			t.ReplaceOrInsert(byIDItem{id: keep.id, h: keep})
		})
	}

	p.ledger.resetStats()
	p.ledger.messages = p.conf.Limits.MaxMessages
	p.ledger.handles = p.conf.Limits.MaxHandles
	p.ledger.fds = p.conf.Limits.MaxFDs
	p.mutex.Unlock()

	// Handle and node teardown walks other peers, so it runs with
	// the local lock dropped.
	for _, h := range remote {
		if _, inflight, _ := h.Counters(); inflight > 0 {
			ReleaseInflight(h, inflight)
		}
	}
	for _, n := range ownedNodes {
		_ = DestroyNode(p, n)
	}

	// Memory budget recovers once everything above gave its ranges
	// back.
	p.mutex.Lock()
	p.ledger.memory = int64(p.pool.Size())
	p.mutex.Unlock()
	return nil
}

// Tears the peer down for good. Same walk as a reset without a
// preserved handle; afterwards every operation fails with
// ErrShutdown.
func (p *Peer) Shutdown() error {
	if err := p.Reset(types.InvalidID); err != nil {
		return err
	}
	p.mutex.Lock()
	p.down = true
	p.mutex.Unlock()
	return nil
}

// Installs a user-visible handle on holder for the node behind one
// of from's handles: the in-process stand-in for handing a peer
// reference across the device layer. Returns the holder-local id,
// or the sibling's id when holder already had one for the node.
func Grant(from *Peer, id types.HandleID, holder *Peer) (types.HandleID, error) {
	src, err := from.LookupID(id)
	if err != nil {
		return types.InvalidID, err
	}
	node := src.Node()
	if node == nil || node.Destroyed() {
		return types.InvalidID, types.ErrNoSuch
	}
	owner := node.Owner().Holder()
	if owner == nil {
		return types.InvalidID, types.ErrNoSuch
	}

	h := NewHandle(node)
	owner.mutex.Lock()
	err = h.Attach()
	owner.mutex.Unlock()
	if err != nil {
		return types.InvalidID, err
	}

	installed, err := holder.Install(h)
	if err != nil {
		owner.mutex.Lock()
		h.Detach()
		owner.mutex.Unlock()
		h.ReleaseRef()
		return types.InvalidID, err
	}
	if installed != h {
		owner.mutex.Lock()
		h.Detach()
		owner.mutex.Unlock()
		h.ReleaseRef()
	}
	if !installed.bumpUser() {
		// Already user-visible; the extra pin goes back.
		installed.dropUser()
		ReleaseInflight(installed, 1)
	}
	if installed != h {
		installed.ReleaseRef()
	}
	return installed.ID(), nil
}

// Allocates a sibling peer plus one cross-linked node and handle
// pair: the child owns a fresh node and the parent is installed with
// a user-visible handle to it, so the two can talk immediately.
func ClonePeer(parent *Peer, conf types.PeerConfiguration) (*Peer, types.HandleID, error) {
	if parent.Down() {
		return nil, types.InvalidID, types.ErrShutdown
	}
	child := NewPeer(conf)

	n := NewNode()
	child.mutex.Lock()
	if err := n.Owner().Attach(); err != nil {
		child.mutex.Unlock()
		return nil, types.InvalidID, err
	}
	if _, err := child.installLocked(n.Owner()); err != nil {
		child.mutex.Unlock()
		return nil, types.InvalidID, err
	}
	child.mutex.Unlock()

	h := NewHandle(n)
	child.mutex.Lock()
	err := h.Attach()
	child.mutex.Unlock()
	if err != nil {
		return nil, types.InvalidID, err
	}
	installed, err := parent.Install(h)
	if err != nil {
		return nil, types.InvalidID, err
	}
	installed.bumpUser()
	return child, installed.ID(), nil
}
