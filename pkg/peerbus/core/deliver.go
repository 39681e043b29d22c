package core

import (
	"github.com/pkg/errors"

	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// A delivered payload slice still owed by the receiver: released
// when user space gives the pool range back.
type sliceRef struct {
	slice  types.Slice
	charge *Charge
}

// Dequeues the committed front of the reception queue and exposes it
// to user space. The message's quota charge is committed: message,
// handle and fd shares recover, the memory share stays owed until
// the slice is released. Returns ErrAgain while nothing committed is
// ready; staged entries block the front by design.
func (p *Peer) Recv() (*types.Delivery, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.down {
		return nil, types.ErrShutdown
	}
	e := p.queue.Pop()
	if e == nil {
		return nil, types.ErrAgain
	}

	e.charge.Commit()
	if e.charge != nil && e.payload.Len != 0 {
		p.sliceCharges[e.payload.Offset] = &sliceRef{slice: e.payload, charge: e.charge}
	}

	return &types.Delivery{
		Kind:        e.kind,
		Identifier:  e.identifier,
		Destination: e.destination.ID(),
		Source:      e.source,
		Handles:     e.handles,
		Payload:     e.payload,
		Stamp:       e.stamp,
	}, nil
}

// Gives a delivered payload range back to the pool and returns its
// memory share to the quota ledger.
func (p *Peer) ReleaseSlice(offset uint64) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.down {
		return types.ErrShutdown
	}
	ref, ok := p.sliceCharges[offset]
	if !ok {
		return errors.Wrapf(types.ErrNoSuch, "slice at offset %d", offset)
	}
	delete(p.sliceCharges, offset)
	if err := p.pool.Free(ref.slice); err != nil {
		return err
	}
	ref.charge.ReleaseMemory()
	return nil
}

// Settles a flushed queue entry: undelivered charges reverse fully,
// already-committed ones only return their memory share, and the
// payload range goes back to the pool. Caller holds the peer lock.
func (p *Peer) settleFlushed(e *Entry) {
	e.charge.Discharge()
	e.charge.ReleaseMemory()
	if e.payload.Len != 0 {
		_ = p.pool.Free(e.payload)
	}
}
