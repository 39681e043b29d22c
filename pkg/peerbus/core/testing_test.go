package core

import (
	"sync/atomic"

	"github.com/jabolina/go-peerbus/pkg/peerbus/definition"
	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

var uidSeq uint32 = 1000

// Every test works against its own uid, the user registry is a
// process singleton and budgets would bleed between tests otherwise.
func nextUID() uint32 {
	return atomic.AddUint32(&uidSeq, 1)
}

func testLimits() types.Limits {
	return types.Limits{
		MaxMessages: 64,
		MaxHandles:  256,
		MaxFDs:      32,
	}
}

func newTestPeer(name string) *Peer {
	return newTestPeerUID(name, nextUID())
}

func newTestPeerUID(name string, uid uint32) *Peer {
	return NewPeer(types.PeerConfiguration{
		Name:     name,
		UID:      uid,
		PoolSize: 1 << 16,
		Limits:   testLimits(),
		Logger:   definition.NewDefaultLogger(),
	})
}
