package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

func TestQuota_ChargeDischargeIsANoop(t *testing.T) {
	user := LookupUser(nextUID(), testLimits())
	q := newQuota(1024, testLimits())
	gm0, gh0, gf0 := user.Remaining()

	c, err := q.charge(user, 100, 3, 1)
	require.NoError(t, err)
	c.Discharge()

	require.Equal(t, int64(1024), q.memory)
	require.Equal(t, testLimits().MaxMessages, q.messages)
	require.Equal(t, testLimits().MaxHandles, q.handles)
	require.Equal(t, testLimits().MaxFDs, q.fds)

	gm, gh, gf := user.Remaining()
	require.Equal(t, gm0, gm)
	require.Equal(t, gh0, gh)
	require.Equal(t, gf0, gf)

	s := q.statsFor(user)
	require.Zero(t, s.allocated)
	require.Zero(t, s.messages)
	require.Zero(t, s.handles)
	require.Zero(t, s.fds)
}

func TestQuota_DischargeIsIdempotent(t *testing.T) {
	user := LookupUser(nextUID(), testLimits())
	q := newQuota(1024, testLimits())

	c, err := q.charge(user, 10, 0, 0)
	require.NoError(t, err)
	c.Discharge()
	c.Discharge()
	require.Equal(t, int64(1024), q.memory)
	require.Equal(t, testLimits().MaxMessages, q.messages)
}

// A user can never hold more than half of the remaining budget: on a
// message budget of 8 the fifth charge fails with 4 inflight, and a
// second user shrinks the first one's cap further.
func TestQuota_HalfOfRemainingFairness(t *testing.T) {
	limits := types.Limits{MaxMessages: 8, MaxHandles: 64, MaxFDs: 8}
	global := types.Limits{MaxMessages: 1024, MaxHandles: 1024, MaxFDs: 1024}
	u1 := LookupUser(nextUID(), global)
	u2 := LookupUser(nextUID(), global)
	q := newQuota(1<<20, limits)

	for i := 0; i < 4; i++ {
		_, err := q.charge(u1, 0, 0, 0)
		require.NoError(t, err, "charge %d", i)
	}
	_, err := q.charge(u1, 0, 0, 0)
	require.ErrorIs(t, err, types.ErrQuota, "fifth charge must exceed the fairness bound")

	// The second user still fits, and its presence keeps the first
	// one capped even though only 5 of 8 are used.
	_, err = q.charge(u2, 0, 0, 0)
	require.NoError(t, err)
	_, err = q.charge(u1, 0, 0, 0)
	require.ErrorIs(t, err, types.ErrQuota)
}

func TestQuota_FailedChargeRollsBackEarlierResources(t *testing.T) {
	limits := types.Limits{MaxMessages: 64, MaxHandles: 4, MaxFDs: 8}
	user := LookupUser(nextUID(), limits)
	q := newQuota(1024, limits)
	gm0, gh0, gf0 := user.Remaining()

	// Handle budget of 4 can never admit 3 handles at once, the
	// memory and message shares applied before it must roll back.
	_, err := q.charge(user, 16, 3, 0)
	require.ErrorIs(t, err, types.ErrQuota)

	require.Equal(t, int64(1024), q.memory)
	require.Equal(t, limits.MaxMessages, q.messages)
	require.Equal(t, limits.MaxHandles, q.handles)

	gm, gh, gf := user.Remaining()
	require.Equal(t, gm0, gm)
	require.Equal(t, gh0, gh)
	require.Equal(t, gf0, gf)
}

func TestQuota_CommitKeepsOnlyTheMemoryShare(t *testing.T) {
	user := LookupUser(nextUID(), testLimits())
	q := newQuota(1024, testLimits())

	c, err := q.charge(user, 64, 2, 1)
	require.NoError(t, err)
	c.Commit()

	s := q.statsFor(user)
	require.Equal(t, int64(64), s.allocated)
	require.Zero(t, s.messages)
	require.Zero(t, s.handles)
	require.Zero(t, s.fds)
	require.Equal(t, int64(1024-64), q.memory)

	gm, gh, gf := user.Remaining()
	require.Equal(t, testLimits().MaxMessages, gm)
	require.Equal(t, testLimits().MaxHandles, gh)
	require.Equal(t, testLimits().MaxFDs, gf)

	c.ReleaseMemory()
	require.Equal(t, int64(1024), q.memory)
	require.Zero(t, s.allocated)
}
