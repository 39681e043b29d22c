package core

import (
	"github.com/pkg/errors"

	"github.com/jabolina/go-peerbus/pkg/peerbus/helper"
	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// A single send as user space hands it in: destination handle ids on
// the sender, an optional reply handle, the handles riding along,
// the payload and how many descriptors travel outside the bus.
type SendRequest struct {
	// Sender-local ids naming the destination nodes. A message goes
	// to the queue of each destination node's owning peer.
	Destinations []types.HandleID

	// Sender-local id of a node the receivers may answer to, or
	// InvalidID. The zero value also means no source.
	Source types.HandleID

	// Sender-local ids of the handles to transfer. Allocate-flag ids
	// create fresh sender-owned nodes.
	Handles []types.HandleID

	// Payload bytes, copied into each receiver's pool.
	Payload []byte

	// Number of file descriptors accompanying the message. Passing
	// mechanics are external; the bus only accounts them.
	FDs int64

	// Message identifier; generated when empty.
	Identifier types.UID
}

// Per-destination state while a send is in flight.
type destination struct {
	// The sender's pinned handle naming the destination node.
	handle *Handle

	// The peer owning the destination node.
	receiver *Peer

	// Receiver side of the transaction.
	inflight *Inflight

	entry  *Entry
	charge *Charge
	staged bool
}

// The in-process fanout: resolves destinations, instantiates the
// transfer and the per-receiver inflight batches, stages one entry
// in every receiver queue, agrees on a single transaction stamp and
// relinks everything under it. Either every receiver observes the
// transaction under the same even stamp or none does.
func Send(sender *Peer, req SendRequest) error {
	if len(req.Destinations) == 0 {
		return errors.Wrap(types.ErrNoSuch, "send without destination")
	}
	if req.Identifier == "" {
		req.Identifier = helper.GenerateUID()
	}
	if req.Source == 0 {
		// Never a managed id; an unset source means none.
		req.Source = types.InvalidID
	}

	dests, err := resolveDestinations(sender, req.Destinations)
	if err != nil {
		return err
	}

	t, err := InstantiateTransfer(sender, req.Source, req.Handles)
	if err != nil {
		releaseDestinations(dests)
		return err
	}
	t.InstallNew()

	for _, d := range dests {
		d.inflight = InstantiateInflight(d.receiver, t)
		d.inflight.Install(t)
	}

	nHandles := int64(len(req.Handles))
	if t.source != nil {
		nHandles++
	}
	if err := stageAll(sender, dests, req, nHandles); err != nil {
		unwind(dests)
		t.Release()
		return err
	}

	tx := transactionStamp(sender, dests)
	commitAll(tx, dests)

	t.Release()
	releaseDestinations(dests)
	return nil
}

// Resolves every destination id to its node's owning peer, pinning
// the sender handle for the duration of the send.
func resolveDestinations(sender *Peer, ids []types.HandleID) ([]*destination, error) {
	dests := make([]*destination, 0, len(ids))
	fail := func(err error) ([]*destination, error) {
		releaseDestinations(dests)
		return nil, err
	}
	for _, id := range ids {
		h, err := sender.LookupID(id)
		if err != nil {
			return fail(err)
		}
		if !h.AcquireInflight() {
			return fail(errors.Wrapf(types.ErrStale, "destination %#x", uint64(id)))
		}
		h.AcquireRef()
		d := &destination{handle: h}
		dests = append(dests, d)

		node := h.Node()
		if node == nil || node.Destroyed() {
			return fail(errors.Wrapf(types.ErrNoSuch, "destination %#x is gone", uint64(id)))
		}
		d.receiver = node.Owner().Holder()
		if d.receiver == nil {
			return fail(errors.Wrapf(types.ErrNoSuch, "destination %#x has no owner", uint64(id)))
		}
	}
	return dests, nil
}

func releaseDestinations(dests []*destination) {
	for _, d := range dests {
		if d.handle != nil {
			ReleaseInflight(d.handle, 1)
			d.handle.ReleaseRef()
			d.handle = nil
		}
	}
}

// Charges each receiver, copies the payload into its pool and links
// a staged entry into its queue. Fully unwound by the caller on
// failure.
func stageAll(sender *Peer, dests []*destination, req SendRequest, nHandles int64) error {
	for _, d := range dests {
		node := d.handle.Node()
		if node == nil {
			return types.ErrNoSuch
		}

		d.receiver.mutex.Lock()
		if d.receiver.down {
			d.receiver.mutex.Unlock()
			return types.ErrShutdown
		}
		charge, err := d.receiver.ledger.charge(sender.user, int64(len(req.Payload)), nHandles, req.FDs)
		if err != nil {
			d.receiver.mutex.Unlock()
			return err
		}
		d.charge = charge
		d.receiver.mutex.Unlock()

		slice, err := d.receiver.pool.Alloc(uint64(len(req.Payload)))
		if err != nil {
			return err
		}
		if err := d.receiver.pool.Write(slice, req.Payload); err != nil {
			return err
		}

		d.entry = &Entry{
			kind:        types.KindMessage,
			identifier:  req.Identifier,
			sender:      sender.id,
			destination: node.Owner(),
			payload:     slice,
			charge:      charge,
		}

		d.receiver.mutex.Lock()
		if d.receiver.down {
			d.receiver.mutex.Unlock()
			return types.ErrShutdown
		}
		d.receiver.queue.Link(d.entry, d.receiver.clock.Stage())
		d.staged = true
		d.receiver.mutex.Unlock()
	}
	return nil
}

// Computes the single even stamp every participant commits under:
// past the sender clock, every receiver clock and the owner clock of
// every node the transaction touched, each of which leaps to it.
func transactionStamp(sender *Peer, dests []*destination) types.Stamp {
	clocks := []*Clock{&sender.clock}
	for _, d := range dests {
		clocks = append(clocks, &d.receiver.clock)
		clocks = append(clocks, d.inflight.ownerClocks()...)
	}

	stamps := make([]types.Stamp, 0, len(clocks))
	for _, c := range clocks {
		stamps = append(stamps, c.Tock())
	}
	tx := sender.clock.Reserve(helper.MaxStamp(stamps...))

	for _, c := range clocks {
		c.Leap(tx)
	}
	return tx
}

// Converts every staged entry to the committed stamp. The delivered
// ids are materialized first, outside any peer lock, because
// consuming inflight pins may walk other peers.
func commitAll(tx types.Stamp, dests []*destination) {
	for _, d := range dests {
		ids, source := d.inflight.Commit(tx)
		d.entry.handles = ids
		d.entry.source = source

		d.receiver.mutex.Lock()
		d.receiver.queue.Relink(d.entry, tx)
		d.receiver.mutex.Unlock()
	}
}

// Rolls a partially staged send back so no receiver can tell it was
// ever attempted.
func unwind(dests []*destination) {
	for _, d := range dests {
		if d.staged {
			d.receiver.mutex.Lock()
			d.receiver.queue.Unlink(d.entry)
			d.receiver.mutex.Unlock()
		}
		if d.entry != nil && d.entry.payload.Len != 0 {
			_ = d.receiver.pool.Free(d.entry.payload)
		}
		if d.charge != nil {
			d.receiver.mutex.Lock()
			d.charge.Discharge()
			d.receiver.mutex.Unlock()
		}
		if d.inflight != nil {
			d.inflight.Abort()
			d.inflight = nil
		}
	}
	releaseDestinations(dests)
}
