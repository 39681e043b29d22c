package core

import (
	"github.com/pkg/errors"

	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// One slot of a transfer batch: the id user space supplied and the
// sender handle it resolved to. A stale id leaves the handle nil and
// the slot delivers the invalid sentinel. Ids carrying the allocate
// flag create a fresh node owned by the sender instead.
type TransferEntry struct {
	id     types.HandleID
	handle *Handle

	// Set when the slot allocated a node; the handle then is the
	// node's owner, installed on the sender during install.
	newNode *Node
}

// The sender-side carrier of one send: every transferred handle
// resolved and pinned for the duration of the transaction.
type Transfer struct {
	peer    *Peer
	entries []TransferEntry

	// The sender's reply handle riding along, nil when none was
	// supplied.
	source *Handle

	// Number of allocate-requests among the slots.
	nNew int
}

// Resolves a slot id on the sender: pin the handle inflight and take
// a batch reference. Stale handles resolve to nil.
func resolveTransferHandle(sender *Peer, id types.HandleID) (*Handle, error) {
	h, err := sender.LookupID(id)
	if err != nil {
		if errors.Is(err, types.ErrStale) {
			return nil, nil
		}
		return nil, err
	}
	if !h.AcquireInflight() {
		// Raced the final release; same outcome as a stale id.
		return nil, nil
	}
	h.AcquireRef()
	return h, nil
}

// Imports the user-supplied ids into a transfer batch. Ids with the
// allocate flag produce a fresh node plus owner handle, not yet
// attached; ordinary ids resolve on the sender. An id that never
// existed fails the whole send.
func InstantiateTransfer(sender *Peer, source types.HandleID, ids []types.HandleID) (*Transfer, error) {
	t := &Transfer{peer: sender, entries: make([]TransferEntry, 0, len(ids))}
	for _, id := range ids {
		e := TransferEntry{id: id}
		if id.WantsAllocation() {
			e.newNode = NewNode()
			e.handle = e.newNode.Owner()
			t.nNew++
		} else {
			h, err := resolveTransferHandle(sender, id)
			if err != nil {
				t.Release()
				return nil, err
			}
			e.handle = h
		}
		t.entries = append(t.entries, e)
	}
	if source != types.InvalidID {
		h, err := resolveTransferHandle(sender, source)
		if err != nil {
			t.Release()
			return nil, err
		}
		t.source = h
	}
	return t, nil
}

// Attaches and installs the allocate-created nodes on the sender,
// assigning their owner ids. A node that cannot attach is dropped;
// its slot delivers the invalid sentinel. Caller does not hold the
// sender lock.
func (t *Transfer) InstallNew() {
	if t.nNew == 0 {
		return
	}
	t.peer.mutex.Lock()
	defer t.peer.mutex.Unlock()
	for i := range t.entries {
		e := &t.entries[i]
		if e.newNode == nil {
			continue
		}
		if err := e.handle.Attach(); err != nil {
			e.handle = nil
			continue
		}
		if _, err := t.peer.installLocked(e.handle); err != nil {
			e.handle.Detach()
			e.handle = nil
		}
	}
}

// Drops the batch pins taken at instantiation. New-node slots keep
// their owner pin, it carries the node's liveness; everything else
// gives back one inflight reference and the batch object reference.
func (t *Transfer) Release() {
	for i := range t.entries {
		e := &t.entries[i]
		if e.handle == nil {
			continue
		}
		if e.newNode == nil {
			ReleaseInflight(e.handle, 1)
			e.handle.ReleaseRef()
		}
	}
	if t.source != nil {
		ReleaseInflight(t.source, 1)
		t.source.ReleaseRef()
		t.source = nil
	}
}

// One slot of an inflight batch: the receiver-side handle matching a
// transfer slot.
type InflightEntry struct {
	handle *Handle

	// True when the handle was freshly allocated on the receiver and
	// still needs attach plus install.
	isNew bool

	// True once attached, until installed into the receiver indexes.
	install bool
}

// The per-receiver carrier of one send: for every transferred
// handle, the matching handle on the receiver, resolved or freshly
// allocated. Each slot carries exactly one inflight pin, consumed
// when the transaction commits.
type Inflight struct {
	peer    *Peer
	entries []InflightEntry
	source  InflightEntry

	// New handles on this peer, and the subset pointing at nodes the
	// receiver itself owns.
	nNew      int
	nNewLocal int
}

func (f *Inflight) resolveSlot(h *Handle) InflightEntry {
	if h == nil {
		return InflightEntry{}
	}
	node := h.Node()
	if node == nil {
		return InflightEntry{}
	}
	if existing := f.peer.LookupNode(node); existing != nil {
		if existing.AcquireInflight() {
			return InflightEntry{handle: existing}
		}
		existing.ReleaseRef()
	}
	fresh := NewHandle(node)
	f.nNew++
	if node.Owner().Holder() == f.peer {
		f.nNewLocal++
	}
	return InflightEntry{handle: fresh, isNew: true}
}

// Walks the transfer and builds the receiver-side batch.
func InstantiateInflight(receiver *Peer, t *Transfer) *Inflight {
	f := &Inflight{peer: receiver, entries: make([]InflightEntry, 0, len(t.entries))}
	for i := range t.entries {
		f.entries = append(f.entries, f.resolveSlot(t.entries[i].handle))
	}
	f.source = f.resolveSlot(t.source)
	return f
}

func (f *Inflight) slots() []*InflightEntry {
	all := make([]*InflightEntry, 0, len(f.entries)+1)
	for i := range f.entries {
		all = append(all, &f.entries[i])
	}
	all = append(all, &f.source)
	return all
}

// Attaches every new handle to its node, each under the node owner's
// lock, then installs the batch on the receiver. Handles whose node
// died underneath resolve to the invalid sentinel; an install that
// reports a sibling switches the slot over to it.
func (f *Inflight) Install(t *Transfer) {
	sender := t.peer

	// Nodes owned by the sender attach in one critical section; the
	// sender is the attach-authoritative lock holder for them.
	sender.mutex.Lock()
	for _, e := range f.slots() {
		if !e.isNew || e.handle == nil {
			continue
		}
		node := e.handle.Node()
		if node != nil && node.Owner().Holder() == sender {
			if err := e.handle.Attach(); err != nil {
				e.handle = nil
				continue
			}
			e.isNew = false
			e.install = true
		}
	}
	sender.mutex.Unlock()

	// Third-party nodes attach one by one under their owner's lock,
	// no lock held across iterations.
	for _, e := range f.slots() {
		if !e.isNew || e.handle == nil {
			continue
		}
		node := e.handle.Node()
		owner := (*Peer)(nil)
		if node != nil {
			owner = node.Owner().Holder()
		}
		if owner == nil {
			e.handle = nil
			continue
		}
		owner.mutex.Lock()
		err := e.handle.Attach()
		owner.mutex.Unlock()
		if err != nil {
			e.handle = nil
			continue
		}
		e.isNew = false
		e.install = true
	}

	// Install everything attached but not yet indexed, under the
	// receiver lock.
	f.peer.mutex.Lock()
	for _, e := range f.slots() {
		if e.handle == nil || !e.install {
			continue
		}
		installed, err := f.peer.installLocked(e.handle)
		if err != nil {
			f.peer.mutex.Unlock()
			f.dropAttached(e)
			f.peer.mutex.Lock()
			continue
		}
		if installed != e.handle {
			// A sibling won the race; release the candidate and
			// switch over.
			f.peer.mutex.Unlock()
			f.dropAttached(e)
			f.peer.mutex.Lock()
			e.handle = installed
		}
		e.install = false
	}
	f.peer.mutex.Unlock()
}

// Detaches a handle that was attached but lost the install race or
// failed it, dropping the slot's pin under the node owner's lock.
func (f *Inflight) dropAttached(e *InflightEntry) {
	h := e.handle
	e.handle = nil
	e.install = false
	if node := h.Node(); node != nil {
		if owner := node.Owner().Holder(); owner != nil {
			owner.mutex.Lock()
			h.Detach()
			owner.mutex.Unlock()
		}
	}
	h.ReleaseRef()
}

// Converts one slot to its final delivered id. The node must still
// have been alive from the transaction's point of view, destruction
// wins ties. The slot's inflight pin is consumed: kept as the user
// pin when this delivery makes the handle user-visible for the first
// time, given back otherwise.
func releaseToInflight(h *Handle, tx types.Stamp) types.HandleID {
	if h == nil {
		return types.InvalidID
	}
	node := h.Node()
	if node == nil || !node.AliveAt(tx) {
		ReleaseInflight(h, 1)
		return types.InvalidID
	}
	id := h.ID()
	if !h.bumpUser() {
		// Already user-visible; this copy's pin goes back.
		h.dropUser()
		ReleaseInflight(h, 1)
	}
	return id
}

// Commits the batch under the transaction stamp, yielding the
// delivered ids and the source id. Batch references are dropped.
func (f *Inflight) Commit(tx types.Stamp) (ids []types.HandleID, source types.HandleID) {
	ids = make([]types.HandleID, 0, len(f.entries))
	for i := range f.entries {
		ids = append(ids, releaseToInflight(f.entries[i].handle, tx))
	}
	source = releaseToInflight(f.source.handle, tx)
	f.releaseRefs()
	return ids, source
}

// Undoes an inflight batch that will never commit.
func (f *Inflight) Abort() {
	for _, e := range f.slots() {
		if e.handle == nil {
			continue
		}
		if e.install || e.isNew {
			f.dropAttached(e)
			continue
		}
		ReleaseInflight(e.handle, 1)
	}
	f.releaseRefs()
}

func (f *Inflight) releaseRefs() {
	for _, e := range f.slots() {
		if e.handle != nil {
			e.handle.ReleaseRef()
			e.handle = nil
		}
	}
}

// Owner clocks involved in this batch, for the transaction stamp.
func (f *Inflight) ownerClocks() []*Clock {
	var clocks []*Clock
	for _, e := range f.slots() {
		if e.handle == nil {
			continue
		}
		node := e.handle.Node()
		if node == nil {
			continue
		}
		if owner := node.Owner().Holder(); owner != nil {
			clocks = append(clocks, &owner.clock)
		}
	}
	return clocks
}
