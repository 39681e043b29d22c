package core

import (
	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// Per-peer per-user statistics. Tracks what a single user currently
// has inflight on this peer. Guarded by the peer lock.
type UserStats struct {
	user *User

	// Pool bytes held by inflight or undelivered slices.
	allocated int64

	// Messages staged or queued but not yet received.
	messages int64

	// Handles inflight on behalf of this user.
	handles int64

	// File descriptors inflight on behalf of this user.
	fds int64
}

// The peer-local side of the quota engine: remaining local budgets
// plus the dense per-user stats table. Guarded by the peer lock;
// only the global user counters are touched with atomics.
type quota struct {
	stats []*UserStats

	memory   int64
	messages int64
	handles  int64
	fds      int64
}

func newQuota(poolSize uint64, limits types.Limits) quota {
	return quota{
		memory:   int64(poolSize),
		messages: limits.MaxMessages,
		handles:  limits.MaxHandles,
		fds:      limits.MaxFDs,
	}
}

// The stats slot for u, grown on demand. The dense user index makes
// this a plain slice access.
func (q *quota) statsFor(u *User) *UserStats {
	for len(q.stats) <= u.index {
		q.stats = append(q.stats, nil)
	}
	if q.stats[u.index] == nil {
		q.stats[u.index] = &UserStats{user: u}
	}
	return q.stats[u.index]
}

// Drops every per-user stat, used by peer reset. Remaining local
// budgets are restored to their configured values by the caller.
func (q *quota) resetStats() {
	q.stats = nil
}

// One applied charge against a peer's quota on behalf of a user.
// Either fully applied or not at all; the entry that carried it
// settles it exactly once, through Discharge or Commit.
type Charge struct {
	q    *quota
	user *User

	size     int64
	messages int64
	handles  int64
	fds      int64

	committed bool
}

// Checks one local budget: after subtracting the charge, the
// remaining space must still cover the user's total footprint plus
// the charge. No single user can ever hold more than half of what
// is left.
func localFits(remaining, share, charge int64) bool {
	if charge == 0 {
		return true
	}
	return remaining >= charge && remaining-charge >= share+charge
}

// Charges the peer-local and user-global budgets for one message of
// size bytes transferring nHandles handles and nFDs descriptors.
// Fully rolled back on any failure. Caller holds the peer lock.
func (q *quota) charge(user *User, size, nHandles, nFDs int64) (*Charge, error) {
	s := q.statsFor(user)
	c := &Charge{q: q, user: user, size: size, messages: 1, handles: nHandles, fds: nFDs}

	if !localFits(q.memory, s.allocated, size) {
		return nil, types.ErrQuota
	}
	q.memory -= size
	s.allocated += size

	if !localFits(q.messages, s.messages, 1) || !chargeGlobal(&user.messages, 1, s.messages+2) {
		c.rollbackMemory()
		return nil, types.ErrQuota
	}
	q.messages--
	s.messages++

	if !localFits(q.handles, s.handles, nHandles) ||
		!chargeGlobal(&user.handles, nHandles, s.handles+2*nHandles) {
		c.rollbackMessages()
		c.rollbackMemory()
		return nil, types.ErrQuota
	}
	q.handles -= nHandles
	s.handles += nHandles

	if !localFits(q.fds, s.fds, nFDs) ||
		!chargeGlobal(&user.fds, nFDs, s.fds+2*nFDs) {
		c.rollbackHandles()
		c.rollbackMessages()
		c.rollbackMemory()
		return nil, types.ErrQuota
	}
	q.fds -= nFDs
	s.fds += nFDs

	return c, nil
}

func (c *Charge) rollbackMemory() {
	s := c.q.statsFor(c.user)
	c.q.memory += c.size
	s.allocated -= c.size
}

func (c *Charge) rollbackMessages() {
	s := c.q.statsFor(c.user)
	c.q.messages++
	s.messages--
	dischargeGlobal(&c.user.messages, 1)
}

func (c *Charge) rollbackHandles() {
	s := c.q.statsFor(c.user)
	c.q.handles += c.handles
	s.handles -= c.handles
	dischargeGlobal(&c.user.handles, c.handles)
}

func (c *Charge) rollbackFDs() {
	s := c.q.statsFor(c.user)
	c.q.fds += c.fds
	s.fds -= c.fds
	dischargeGlobal(&c.user.fds, c.fds)
}

// The exact inverse of the charge, for entries that never reach the
// receiver. Caller holds the peer lock.
func (c *Charge) Discharge() {
	if c == nil || c.committed {
		return
	}
	c.rollbackFDs()
	c.rollbackHandles()
	c.rollbackMessages()
	c.rollbackMemory()
	c.size = 0
	c.committed = true
}

// Finalises the charge when the entry is received: the message,
// handle and fd shares stop being inflight and the user-global
// budgets recover. The memory share stays owed until the receiver
// releases the slice. Caller holds the peer lock.
func (c *Charge) Commit() {
	if c == nil || c.committed {
		return
	}
	c.rollbackFDs()
	c.rollbackHandles()
	c.rollbackMessages()
	c.committed = true
}

// Returns the memory share once the receiver released the payload
// slice. Caller holds the peer lock.
func (c *Charge) ReleaseMemory() {
	if c == nil {
		return
	}
	if c.size != 0 {
		c.rollbackMemory()
		c.size = 0
	}
}
