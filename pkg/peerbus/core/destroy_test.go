package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// Gives holder an installed, user-visible handle to the node behind
// ownerID on owner, the way a committed transfer would.
func installRemote(t *testing.T, owner *Peer, ownerID types.HandleID, holder *Peer) *Handle {
	t.Helper()
	oh, err := owner.LookupID(ownerID)
	require.NoError(t, err)

	h := NewHandle(oh.Node())
	owner.mutex.Lock()
	require.NoError(t, h.Attach())
	owner.mutex.Unlock()
	installed, err := holder.Install(h)
	require.NoError(t, err)
	require.Same(t, h, installed)
	h.bumpUser()
	return h
}

func TestDestroy_RequiresTheOwner(t *testing.T) {
	owner := newTestPeer("destroy-owner")
	other := newTestPeer("destroy-other")
	id, err := owner.CreateNode()
	require.NoError(t, err)
	oh, err := owner.LookupID(id)
	require.NoError(t, err)

	require.ErrorIs(t, DestroyNode(other, oh.Node()), types.ErrNotOwner)
	require.NoError(t, DestroyNode(owner, oh.Node()))
	require.ErrorIs(t, DestroyNode(owner, oh.Node()), types.ErrInProgress)
}

func TestDestroy_NotifiesEveryHolderUnderOneStamp(t *testing.T) {
	owner := newTestPeer("notify-owner")
	id, err := owner.CreateNode()
	require.NoError(t, err)
	oh, err := owner.LookupID(id)
	require.NoError(t, err)
	node := oh.Node()

	holders := []*Peer{
		newTestPeer("notify-p1"),
		newTestPeer("notify-p2"),
		newTestPeer("notify-p3"),
	}
	handles := make([]*Handle, 0, len(holders))
	for _, holder := range holders {
		handles = append(handles, installRemote(t, owner, id, holder))
	}

	require.NoError(t, DestroyNode(owner, node))
	stamp := node.DestructionStamp()
	require.True(t, stamp.IsCommitted())
	require.NotZero(t, stamp)

	for i, holder := range holders {
		d, err := holder.Recv()
		require.NoError(t, err, "holder %d", i)
		require.Equal(t, types.KindNodeDestroy, d.Kind)
		require.Equal(t, handles[i].ID(), d.Destination)
		require.Equal(t, stamp, d.Stamp, "all holders agree on the destruction stamp")

		// Receiving the notification is the signal that the id is
		// permanently dead; the index already forgot it.
		_, err = holder.LookupID(d.Destination)
		require.ErrorIs(t, err, types.ErrStale)
		require.Nil(t, handles[i].Node(), "finalisation nulls the node backlink")
	}

	// The owner side is gone as well.
	require.Zero(t, owner.HandleCount())
	_, err = owner.LookupID(id)
	require.ErrorIs(t, err, types.ErrStale)
}

func TestDestroy_DestructionWinsStampTies(t *testing.T) {
	owner := newTestPeer("tie-owner")
	id, err := owner.CreateNode()
	require.NoError(t, err)
	oh, err := owner.LookupID(id)
	require.NoError(t, err)
	node := oh.Node()

	require.NoError(t, DestroyNode(owner, node))
	stamp := node.DestructionStamp()

	require.False(t, node.AliveAt(stamp), "a transaction stamped at the destruction stamp sees the node dead")
	require.True(t, node.AliveAt(stamp-2), "earlier transactions saw it alive")
	require.False(t, node.AliveAt(stamp+2))
}

func TestDestroy_NodeInTeardownCountsAsAlive(t *testing.T) {
	n := NewNode()
	n.timestamp = nodeDestroying
	require.True(t, n.AliveAt(4), "readers racing finalisation treat the node as alive")
	require.True(t, n.Destroyed())
	require.Zero(t, n.DestructionStamp())
}
