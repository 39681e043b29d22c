package test

import (
	"sync/atomic"
	"testing"

	"github.com/jabolina/go-peerbus/pkg/peerbus"
	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

var uidSeq uint32 = 5000

// Every test peer gets its own uid so the process-wide user registry
// never bleeds budgets between tests.
func NextUID() uint32 {
	return atomic.AddUint32(&uidSeq, 1)
}

// A bus with roomy budgets, for tests that are not about quota.
func CreateBus(name string) *peerbus.Bus {
	conf := peerbus.DefaultConfiguration(name)
	conf.DefaultPoolSize = 1 << 16
	return peerbus.NewBus(conf)
}

// A bus with an explicit per-peer message budget, for the fairness
// scenarios. The user-global maxima stay roomy so the local rule is
// the one under test.
func CreateBusWithMessageBudget(name string, messages int64) *peerbus.Bus {
	conf := peerbus.DefaultConfiguration(name)
	conf.DefaultPoolSize = 1 << 16
	conf.Limits = types.Limits{MaxMessages: messages, MaxHandles: 256, MaxFDs: 32}
	conf.UserLimits = types.Limits{MaxMessages: 1 << 20, MaxHandles: 1 << 20, MaxFDs: 1 << 20}
	return peerbus.NewBus(conf)
}

// Initializes a peer under a fresh uid, failing the test on error.
func InitPeer(t *testing.T, b *peerbus.Bus, name string) {
	t.Helper()
	if err := b.PeerInit(name, NextUID(), 0); err != nil {
		t.Fatalf("failed initializing peer %s. %v", name, err)
	}
}

// Creates a node owned by the peer and returns the owner id.
func OwnNode(t *testing.T, b *peerbus.Bus, peer string) types.HandleID {
	t.Helper()
	id, err := b.NodeCreate(peer)
	if err != nil {
		t.Fatalf("failed creating node on %s. %v", peer, err)
	}
	return id
}

// Reads the payload of a delivery back from the peer's pool.
func PayloadOf(t *testing.T, b *peerbus.Bus, peer string, d *types.Delivery) []byte {
	t.Helper()
	p, err := b.Peer(peer)
	if err != nil {
		t.Fatalf("failed resolving peer %s. %v", peer, err)
	}
	data, err := p.Pool().Read(d.Payload)
	if err != nil {
		t.Fatalf("failed reading payload slice. %v", err)
	}
	return data
}
