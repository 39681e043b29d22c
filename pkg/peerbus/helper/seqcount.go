package helper

import (
	"runtime"
	"sync/atomic"
)

// A sequence counter guarding optimistic readers against a racing
// writer. Writers wrap their critical section in WriteBegin/WriteEnd,
// leaving the counter odd while a write runs. Readers sample an even
// value before reading and retry when the value moved.
type Seqcount struct {
	seq uint32
}

// Marks the begin of a write section. The caller must already hold
// the lock serializing writers.
func (s *Seqcount) WriteBegin() {
	atomic.AddUint32(&s.seq, 1)
}

// Marks the end of a write section.
func (s *Seqcount) WriteEnd() {
	atomic.AddUint32(&s.seq, 1)
}

// Samples the counter for an optimistic read, spinning while a write
// is in flight.
func (s *Seqcount) ReadBegin() uint32 {
	for {
		v := atomic.LoadUint32(&s.seq)
		if v&1 == 0 {
			return v
		}
		runtime.Gosched()
	}
}

// Reports whether a read started at v raced a writer and must retry.
func (s *Seqcount) ReadRetry(v uint32) bool {
	return atomic.LoadUint32(&s.seq) != v
}
