package fuzzy

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/jabolina/go-peerbus/pkg/peerbus/core"
	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
	"github.com/jabolina/go-peerbus/test"
)

// Several senders hammer one hub concurrently while a drainer keeps
// receiving. As many messages as were accepted must come out, in
// committed stamp order that never goes backwards.
func Test_ConcurrentSendsDrainInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := test.CreateBus("storm-sends")
	defer b.Shutdown()
	test.InitPeer(t, b, "s0")

	hub, err := b.PeerClone("s0", "hub", 0)
	if err != nil {
		t.Fatalf("failed cloning hub. %v", err)
	}

	senders := []string{"s0", "s1", "s2", "s3"}
	dests := map[string]types.HandleID{"s0": hub}
	for _, name := range senders[1:] {
		test.InitPeer(t, b, name)
		d, err := b.HandleGrant("s0", hub, name)
		if err != nil {
			t.Fatalf("failed granting hub handle to %s. %v", name, err)
		}
		dests[name] = d
	}

	const perSender = 50
	var accepted int64
	var mutex sync.Mutex

	group := errgroup.Group{}
	for _, name := range senders {
		name := name
		group.Go(func() error {
			for i := 0; i < perSender; i++ {
				err := b.Send(name, core.SendRequest{
					Destinations: []types.HandleID{dests[name]},
					Payload:      []byte{byte(i)},
				})
				if err != nil {
					return err
				}
				mutex.Lock()
				accepted++
				mutex.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("send storm failed. %v", err)
	}

	var last types.Stamp
	received := int64(0)
	deadline := time.Now().Add(10 * time.Second)
	for received < accepted {
		if time.Now().After(deadline) {
			t.Fatalf("drained %d of %d before the deadline", received, accepted)
		}
		d, err := b.Recv("hub")
		if err != nil {
			if types.Code(err) == types.CodeAgain {
				time.Sleep(time.Millisecond)
				continue
			}
			t.Fatalf("failed receiving. %v", err)
		}
		// Distinct transactions may share a stamp across senders;
		// within one queue the order never goes backwards.
		if !d.Stamp.IsCommitted() || d.Stamp < last {
			t.Fatalf("stamp %d delivered after %d", d.Stamp, last)
		}
		last = d.Stamp
		received++
		if err := b.SliceRelease("hub", d.Payload.Offset); err != nil {
			t.Fatalf("failed releasing slice. %v", err)
		}
	}
}

// Transfers race the destruction of the node they carry. Either the
// receiver observes the id and later its destruction notification,
// or the slot arrives as the invalid sentinel; nothing is ever both
// delivered and silently dropped.
func Test_TransferRacesDestruction(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := test.CreateBus("storm-destroy")
	defer b.Shutdown()
	test.InitPeer(t, b, "a")
	hub, err := b.PeerClone("a", "hub", 0)
	if err != nil {
		t.Fatalf("failed cloning hub. %v", err)
	}

	const rounds = 64
	for i := 0; i < rounds; i++ {
		n := test.OwnNode(t, b, "a")
		round := errgroup.Group{}
		round.Go(func() error {
			return b.Send("a", core.SendRequest{
				Destinations: []types.HandleID{hub},
				Handles:      []types.HandleID{n},
			})
		})
		round.Go(func() error {
			err := b.NodeDestroy("a", n)
			switch types.Code(err) {
			case types.CodeOK, types.CodeInProgress, types.CodeStale:
				return nil
			}
			return err
		})
		if err := round.Wait(); err != nil {
			t.Fatalf("round %d failed. %v", i, err)
		}
	}

	// Drain the hub: every valid transferred id must be followed,
	// eventually, by a destruction notification for exactly that id.
	pending := make(map[types.HandleID]bool)
	messages := 0
	for messages < rounds {
		d, err := b.Recv("hub")
		if err != nil {
			if types.Code(err) == types.CodeAgain {
				time.Sleep(time.Millisecond)
				continue
			}
			t.Fatalf("failed receiving. %v", err)
		}
		switch d.Kind {
		case types.KindMessage:
			messages++
			if id := d.Handles[0]; id != types.InvalidID {
				pending[id] = true
			}
		case types.KindNodeDestroy:
			// Notifications may also name an id whose transfer was
			// rewritten to invalid after the install; only ids the
			// receiver actually saw need to be matched.
			delete(pending, d.Destination)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for len(pending) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d delivered ids never saw their notification", len(pending))
		}
		d, err := b.Recv("hub")
		if err != nil {
			time.Sleep(time.Millisecond)
			continue
		}
		if d.Kind == types.KindNodeDestroy {
			delete(pending, d.Destination)
		}
	}
}
