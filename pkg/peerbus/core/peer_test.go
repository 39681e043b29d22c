package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

func TestPeer_IdsAreMonotonicAndFlagged(t *testing.T) {
	p := newTestPeer("monotonic-ids")
	var last types.HandleID
	for i := 0; i < 16; i++ {
		id, err := p.CreateNode()
		require.NoError(t, err)
		require.True(t, id.IsManaged())
		require.False(t, id.WantsAllocation())
		require.Greater(t, id, last, "ids must strictly increase")
		last = id
	}
}

func TestPeer_LookupDistinguishesNoSuchFromStale(t *testing.T) {
	p := newTestPeer("lookup-errors")
	id, err := p.CreateNode()
	require.NoError(t, err)

	// Beyond the counter: never assigned.
	_, err = p.LookupID(types.MakeHandleID(uint64(id)>>2 + 100))
	require.ErrorIs(t, err, types.ErrNoSuch)

	// Unmanaged ids never resolve.
	_, err = p.LookupID(types.HandleID(4))
	require.ErrorIs(t, err, types.ErrNoSuch)

	// Assigned, then fully released: stale forever.
	require.NoError(t, p.ReleaseUserHandle(id))
	_, err = p.LookupID(id)
	require.ErrorIs(t, err, types.ErrStale)
}

func TestPeer_ReleaseOwnerHandleDestroysTheNode(t *testing.T) {
	p := newTestPeer("release-owner")
	id, err := p.CreateNode()
	require.NoError(t, err)
	h, err := p.LookupID(id)
	require.NoError(t, err)
	n := h.Node()

	require.NoError(t, p.ReleaseUserHandle(id))
	require.True(t, n.Destroyed())
	require.True(t, n.DestructionStamp().IsCommitted())
	require.Zero(t, p.HandleCount())
}

// While a peer installs new handles, concurrent readers either miss
// authoritatively or observe the fully installed handle; nobody sees
// a partial insert.
func TestPeer_OptimisticLookupDuringInstalls(t *testing.T) {
	p := newTestPeer("optimistic-lookup")
	const installs = 200
	const readers = 8

	ids := make(chan types.HandleID, installs)
	stop := make(chan struct{})
	var group sync.WaitGroup

	for r := 0; r < readers; r++ {
		group.Add(1)
		go func() {
			defer group.Done()
			var seen []types.HandleID
			for {
				select {
				case <-stop:
					return
				case id, ok := <-ids:
					if !ok {
						return
					}
					seen = append(seen, id)
				default:
					for _, id := range seen {
						h, err := p.LookupID(id)
						if err != nil {
							t.Errorf("published id %#x failed lookup: %v", uint64(id), err)
							return
						}
						if h.ID() != id {
							t.Errorf("lookup of %#x returned handle %#x", uint64(id), uint64(h.ID()))
							return
						}
					}
				}
			}
		}()
	}

	for i := 0; i < installs; i++ {
		id, err := p.CreateNode()
		require.NoError(t, err)
		ids <- id
	}
	close(ids)
	close(stop)
	group.Wait()
}

func TestPeer_ResetPreservesOneHandleUnderFreshID(t *testing.T) {
	p := newTestPeer("reset-preserve")
	var keep types.HandleID
	for i := 0; i < 10; i++ {
		id, err := p.CreateNode()
		require.NoError(t, err)
		if i == 6 {
			keep = id
		}
	}
	kept, err := p.LookupID(keep)
	require.NoError(t, err)
	node := kept.Node()

	// Park a few queue entries, staged and committed, to verify the
	// flush settles everything.
	p.mutex.Lock()
	p.queue.Link(&Entry{kind: types.KindMessage, sender: 1}, 2)
	p.queue.Link(&Entry{kind: types.KindMessage, sender: 1}, 4)
	p.queue.Link(&Entry{kind: types.KindMessage, sender: 1}, p.clock.Stage())
	p.mutex.Unlock()

	require.NoError(t, p.Reset(keep))

	require.Equal(t, 1, p.HandleCount())
	require.Zero(t, p.queue.Len())

	// The old id died with the reset, the handle came back fresh on
	// the same node.
	_, err = p.LookupID(keep)
	require.ErrorIs(t, err, types.ErrStale)
	require.Greater(t, kept.ID(), keep)
	require.Same(t, node, kept.Node())

	fresh, err := p.LookupID(kept.ID())
	require.NoError(t, err)
	require.Same(t, kept, fresh)
}

func TestPeer_ShutdownRefusesFurtherWork(t *testing.T) {
	p := newTestPeer("shutdown")
	_, err := p.CreateNode()
	require.NoError(t, err)
	require.NoError(t, p.Shutdown())

	_, err = p.CreateNode()
	require.ErrorIs(t, err, types.ErrShutdown)
	_, err = p.Recv()
	require.ErrorIs(t, err, types.ErrShutdown)
	require.ErrorIs(t, p.Reset(types.InvalidID), types.ErrShutdown)
}
