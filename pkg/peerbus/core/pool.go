package core

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/jabolina/go-peerbus/pkg/peerbus/types"
)

// A contiguous free range inside the slab.
type span struct {
	off uint64
	len uint64
}

// Default implementation of the Pool interface: one contiguous
// backing buffer carved by a first-fit free list. Freed ranges are
// coalesced with their neighbours so the pool does not fragment
// under steady send/receive traffic.
type SlabPool struct {
	mutex sync.Mutex

	size uint64
	data []byte

	// Free ranges, sorted by offset, never overlapping.
	free []span

	// Live allocations, offset to length. Also validates releases
	// coming in from user space.
	allocated map[uint64]uint64
}

func NewSlabPool(size uint64) *SlabPool {
	return &SlabPool{
		size:      size,
		data:      make([]byte, size),
		free:      []span{{off: 0, len: size}},
		allocated: make(map[uint64]uint64),
	}
}

// SlabPool implements the Pool interface.
func (p *SlabPool) Size() uint64 {
	return p.size
}

// SlabPool implements the Pool interface.
func (p *SlabPool) Alloc(n uint64) (types.Slice, error) {
	if n == 0 {
		return types.NilSlice, nil
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for i, f := range p.free {
		if f.len < n {
			continue
		}
		s := types.Slice{Offset: f.off, Len: n}
		if f.len == n {
			p.free = append(p.free[:i], p.free[i+1:]...)
		} else {
			p.free[i] = span{off: f.off + n, len: f.len - n}
		}
		p.allocated[s.Offset] = n
		return s, nil
	}
	return types.NilSlice, errors.Wrapf(types.ErrNoMem, "allocating %d bytes", n)
}

// SlabPool implements the Pool interface.
func (p *SlabPool) Write(s types.Slice, b []byte) error {
	if s.Len == 0 && len(b) == 0 {
		return nil
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if got, ok := p.allocated[s.Offset]; !ok || got != s.Len || uint64(len(b)) > s.Len {
		return errors.Wrap(types.ErrInvariant, "write outside an allocated slice")
	}
	copy(p.data[s.Offset:s.Offset+s.Len], b)
	return nil
}

// SlabPool implements the Pool interface.
func (p *SlabPool) Read(s types.Slice) ([]byte, error) {
	if s.Len == 0 {
		return nil, nil
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if got, ok := p.allocated[s.Offset]; !ok || got != s.Len {
		return nil, errors.Wrap(types.ErrNoSuch, "read outside an allocated slice")
	}
	out := make([]byte, s.Len)
	copy(out, p.data[s.Offset:s.Offset+s.Len])
	return out, nil
}

// SlabPool implements the Pool interface.
func (p *SlabPool) Free(s types.Slice) error {
	if s.Len == 0 {
		return nil
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if got, ok := p.allocated[s.Offset]; !ok || got != s.Len {
		return errors.Wrap(types.ErrNoSuch, "free of an unallocated slice")
	}
	delete(p.allocated, s.Offset)

	// Insert sorted by offset, then coalesce with both neighbours.
	i := 0
	for i < len(p.free) && p.free[i].off < s.Offset {
		i++
	}
	p.free = append(p.free, span{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = span{off: s.Offset, len: s.Len}

	if i+1 < len(p.free) && p.free[i].off+p.free[i].len == p.free[i+1].off {
		p.free[i].len += p.free[i+1].len
		p.free = append(p.free[:i+1], p.free[i+2:]...)
	}
	if i > 0 && p.free[i-1].off+p.free[i-1].len == p.free[i].off {
		p.free[i-1].len += p.free[i].len
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
	return nil
}

// Bytes currently free, for tests.
func (p *SlabPool) FreeBytes() uint64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	var total uint64
	for _, f := range p.free {
		total += f.len
	}
	return total
}
