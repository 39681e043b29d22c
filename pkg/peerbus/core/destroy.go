package core

import (
	"sync/atomic"

	"github.com/jabolina/go-peerbus/pkg/peerbus/helper"
	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// A destruction notification staged into one holder's queue, waiting
// for the committed destruction stamp.
type notification struct {
	handle *Handle
	holder *Peer
	entry  *Entry
}

// Runs the three-phase node destruction protocol. Applies both to an
// explicit owner request and to the natural teardown when the
// owner's last inflight reference disappears.
//
// Phase A commits the decision under the owner lock: the node flips
// to the destroying state, the owner handle leaves the node list and
// every remote handle is spliced onto a local to-notify list. The
// owner lock is dropped for every batch of notifications staged into
// holder queues, so attaches racing the teardown are picked up when
// it is re-taken. The phase ends by allocating the final even stamp
// and unlinking the owner from its peer.
//
// Phase B relinks every staged notification to the committed stamp,
// each under its receiver's lock.
//
// Phase C finalises: remote handles lose their node backlink and
// their index entries. Nothing past phase A can fail; finalisation
// is best effort and never surfaces an error.
func DestroyNode(owner *Peer, n *Node) error {
	if n == nil {
		return types.ErrNoSuch
	}

	owner.mutex.Lock()
	if n.loadTimestamp() != nodeAlive {
		owner.mutex.Unlock()
		return types.ErrInProgress
	}
	if n.Owner().Holder() != owner {
		owner.mutex.Unlock()
		return types.ErrNotOwner
	}
	atomic.StoreUint64(&n.timestamp, nodeDestroying)
	n.unlinkHandle(n.Owner())

	var notifications []*notification
	for n.handles != nil {
		// Splice off one batch, then stage its notifications with
		// the owner lock dropped. Handles attached concurrently show
		// up on the list once the lock is re-taken.
		var batch []*Handle
		for n.handles != nil && len(batch) < destroyBatch {
			h := n.handles
			n.unlinkHandle(h)
			h.AcquireRef()
			batch = append(batch, h)
		}
		owner.mutex.Unlock()

		for _, h := range batch {
			holder := h.Holder()
			if holder == nil {
				// Holder already torn down; nothing to notify, the
				// handle still finalises below.
				notifications = append(notifications, &notification{handle: h})
				continue
			}
			entry := &Entry{
				kind:        types.KindNodeDestroy,
				identifier:  helper.GenerateUID(),
				sender:      n.id,
				destination: h,
				source:      types.InvalidID,
			}
			holder.mutex.Lock()
			if holder.down {
				holder.mutex.Unlock()
				notifications = append(notifications, &notification{handle: h})
				continue
			}
			holder.queue.Link(entry, holder.clock.Stage())
			holder.mutex.Unlock()
			notifications = append(notifications, &notification{handle: h, holder: holder, entry: entry})
		}
		owner.mutex.Lock()
	}

	// Allocate the destruction stamp across every involved clock and
	// commit it into the node.
	clocks := []*Clock{&owner.clock}
	for _, nt := range notifications {
		if nt.holder != nil {
			clocks = append(clocks, &nt.holder.clock)
		}
	}
	stamps := make([]types.Stamp, 0, len(clocks))
	for _, c := range clocks {
		stamps = append(stamps, c.Tock())
	}
	tx := owner.clock.Reserve(helper.MaxStamp(stamps...))
	for _, c := range clocks {
		c.Leap(tx)
	}
	atomic.StoreUint64(&n.timestamp, uint64(tx))
	owner.uninstallLocked(n.Owner())
	owner.mutex.Unlock()

	// Phase B: commit the staged notifications under the final
	// stamp.
	for _, nt := range notifications {
		if nt.entry == nil {
			continue
		}
		nt.holder.mutex.Lock()
		nt.holder.queue.Relink(nt.entry, tx)
		nt.holder.mutex.Unlock()
	}

	// Phase C: finalise the remote handles. The notification stays
	// queued; dequeuing it is what tells the receiver the id is
	// permanently dead.
	for _, nt := range notifications {
		h := nt.handle
		h.node.Store(nil)
		if holder := h.Holder(); holder != nil {
			holder.mutex.Lock()
			holder.uninstallLocked(h)
			holder.mutex.Unlock()
		}
		h.ReleaseRef()
	}
	return nil
}

// How many remote handles are spliced per locked section while
// fanning out destruction notifications. Keeping batches small lets
// concurrent attaches make progress mid-destruction.
const destroyBatch = 8
