package core

import (
	"sync/atomic"

	"github.com/google/btree"

	"github.com/jabolina/go-peerbus/pkg/peerbus/helper"
	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// A single event inside a peer's reception queue. Entries start
// staged under an odd stamp and are relinked to the final even stamp
// once the transaction that produced them commits.
type Entry struct {
	// Current queue position. Odd while staged.
	stamp types.Stamp

	// Identity of the originator: the sending peer for a message, the
	// dying node for a destruction notification. Ties between entries
	// relinked to the same committed stamp break on this, so every
	// receiver orders them identically.
	sender uint64

	// Insertion sequence, unique per queue. Keeps equal-keyed staged
	// entries apart.
	seq uint64

	// What the entry carries.
	kind types.EntryKind

	// Message identifier from the sender.
	identifier types.UID

	// Receiver-local handle for the destination node.
	destination *Handle

	// Payload range inside the receiver's pool.
	payload types.Slice

	// Quota charged against the receiver for this entry. Settled at
	// dequeue or flush.
	charge *Charge

	// Ids as delivered to the receiver, filled at commit.
	handles []types.HandleID

	// Delivered source id, filled at commit.
	source types.HandleID
}

func (e *Entry) Less(than btree.Item) bool {
	o := than.(*Entry)
	if e.stamp != o.stamp {
		return e.stamp < o.stamp
	}
	if e.sender != o.sender {
		return e.sender < o.sender
	}
	return e.seq < o.seq
}

// Stamp the entry currently sits at.
func (e *Entry) Stamp() types.Stamp {
	return e.stamp
}

// The per-peer reception queue: a search tree keyed by stamp with a
// cached pointer to the left-most committed entry. A staged entry
// left of everything blocks the front, so receivers never observe an
// event whose transaction did not commit yet.
//
// The queue has a single writer, the peer lock holder. Readers peek
// the front through a sequence counter, so a racing writer either
// forces a retry or is invisible.
type Queue struct {
	tree    *btree.BTree
	front   atomic.Pointer[Entry]
	seq     helper.Seqcount
	nextSeq uint64
}

func NewQueue() *Queue {
	return &Queue{tree: btree.New(2)}
}

func (q *Queue) recomputeFront() {
	var front *Entry
	if min := q.tree.Min(); min != nil {
		e := min.(*Entry)
		if e.stamp.IsCommitted() {
			front = e
		}
	}
	q.seq.WriteBegin()
	q.front.Store(front)
	q.seq.WriteEnd()
}

// Inserts the entry at the given stamp, which may be odd. Returns
// true iff the entry became the readable front, i.e. the queue just
// became readable at this entry. Staged entries never become the
// front.
func (q *Queue) Link(e *Entry, stamp types.Stamp) bool {
	q.nextSeq++
	e.seq = q.nextSeq
	e.stamp = stamp
	q.tree.ReplaceOrInsert(e)
	q.recomputeFront()
	return q.front.Load() == e
}

// Moves a staged entry to its final stamp. Returns true iff the
// front pointer became non-nil as a result, meaning a reader should
// be woken.
func (q *Queue) Relink(e *Entry, stamp types.Stamp) bool {
	if !e.stamp.IsStaging() {
		return false
	}
	wasBlocked := q.front.Load() == nil
	q.tree.Delete(e)
	e.stamp = stamp
	q.tree.ReplaceOrInsert(e)
	q.recomputeFront()
	return wasBlocked && q.front.Load() != nil
}

// Removes the entry. Returns true iff removing it exposed a
// committed successor, i.e. the entry was the staged front blocking
// the queue.
func (q *Queue) Unlink(e *Entry) bool {
	wasBlocked := q.front.Load() == nil && q.tree.Len() > 0
	q.tree.Delete(e)
	q.recomputeFront()
	return wasBlocked && q.front.Load() != nil
}

// Returns the committed front without removing it, or nil. Safe to
// call without the peer lock.
func (q *Queue) Peek() *Entry {
	for {
		v := q.seq.ReadBegin()
		e := q.front.Load()
		if !q.seq.ReadRetry(v) {
			return e
		}
	}
}

// Removes and returns the committed front, or nil.
func (q *Queue) Pop() *Entry {
	e := q.front.Load()
	if e == nil {
		return nil
	}
	q.tree.Delete(e)
	q.recomputeFront()
	return e
}

// Drains every entry, staged and committed, and hands them back so
// the caller can settle their resources.
func (q *Queue) Flush() []*Entry {
	drained := make([]*Entry, 0, q.tree.Len())
	q.tree.Ascend(func(i btree.Item) bool {
		drained = append(drained, i.(*Entry))
		return true
	})
	q.tree.Clear(false)
	q.recomputeFront()
	return drained
}

// Number of entries currently linked, staged included.
func (q *Queue) Len() int {
	return q.tree.Len()
}
