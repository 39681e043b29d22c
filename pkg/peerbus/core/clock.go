package core

import (
	"sync/atomic"

	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// The per-peer clock for sequencing queue entries. The counter is
// held at an even value at all times; staging stamps are drawn one
// past it so they sort after everything already committed.
type Clock struct {
	now uint64
}

// Reads the current committed stamp.
func (c *Clock) Tock() types.Stamp {
	return types.Stamp(atomic.LoadUint64(&c.now))
}

// Advances the clock by one committed step and returns the new
// stamp.
func (c *Clock) Tick() types.Stamp {
	return types.Stamp(atomic.AddUint64(&c.now, 2))
}

// Returns the odd staging stamp directly past the current value. The
// clock itself does not move; a staged entry is relinked under a real
// committed stamp later.
func (c *Clock) Stage() types.Stamp {
	return c.Tock() + 1
}

// Reserves a fresh committed stamp strictly past both the clock and
// min: the transaction stamp allocation. Unique per clock, so two
// transactions originated by the same peer never share a stamp.
func (c *Clock) Reserve(min types.Stamp) types.Stamp {
	floor := uint64(min.NextCommitted())
	for {
		cur := atomic.LoadUint64(&c.now)
		next := cur
		if floor > next {
			next = floor
		}
		next += 2
		if atomic.CompareAndSwapUint64(&c.now, cur, next) {
			return types.Stamp(next)
		}
	}
}

// Jumps the clock forward so it is at least t, rounded up to even.
// Clocks never move backwards.
func (c *Clock) Leap(t types.Stamp) types.Stamp {
	target := uint64(t.NextCommitted())
	for {
		cur := atomic.LoadUint64(&c.now)
		if cur >= target {
			return types.Stamp(cur)
		}
		if atomic.CompareAndSwapUint64(&c.now, cur, target) {
			return types.Stamp(target)
		}
	}
}
