// Package arena implements the kernel's lowest-level free-list
// allocator over one contiguous physical region (spec.md §4.2). It
// serves coarse allocations: page frames for the page pool, and mass
// blocks for the heap's bucket allocator.
//
// Free memory is modeled as an address-ordered list of cells. Unlike
// the source design's doubly-linked list of inline {prev, next, size}
// headers packed into the freed bytes themselves, cells here are plain
// Go structs kept in a side slice; Go's garbage collector and race
// detector both assume byte slices don't secretly encode live
// pointers, so cell bookkeeping stays out of the region's bytes and
// only offsets/lengths are handed back to callers as sub-slices.
package arena

import (
	"sort"

	"github.com/gokernel/gokernel/internal/kernel/ipl"
	"github.com/gokernel/gokernel/internal/kernel/kerrors"
)

// region is the raw backing memory for one Arena.
type region struct {
	bytes   []byte
	mmapped bool
}

type cell struct {
	offset int
	size   int
}

// Arena is a coarse free-list allocator over one physical region.
// Concurrency: one spinlock per arena (spec.md §4.2).
type Arena struct {
	lock   ipl.TightLock
	region region
	free   []cell // address-ordered, non-overlapping, non-adjacent
}

// New creates an Arena over a freshly allocated region of size bytes.
func New(size int) (*Arena, error) {
	if size <= 0 {
		return nil, kerrors.Wrap(kerrors.ErrInvalidArgument, "arena: size %d", size)
	}
	r, err := newRegion(size)
	if err != nil {
		return nil, err
	}
	return &Arena{
		region: r,
		free:   []cell{{offset: 0, size: size}},
	}, nil
}

// Close releases the backing region.
func (a *Arena) Close() error {
	return a.region.close()
}

// Base returns the start of the arena's backing bytes, for callers
// (e.g. the page pool) that need to compute an index from an address.
func (a *Arena) Base() []byte {
	return a.region.bytes
}

func align(offset, alignment int) int {
	if alignment <= 1 {
		return offset
	}
	rem := offset % alignment
	if rem == 0 {
		return offset
	}
	return offset + (alignment - rem)
}

// Alloc scans from the low end for the first cell large enough to
// carve an aligned region of size bytes out of, and returns its
// offset (for a later Free) plus the backing sub-slice.
// O(n_free_cells).
func (a *Arena) Alloc(size, alignment int) (offset int, buf []byte, err error) {
	prior := a.lock.Lock()
	defer a.lock.Unlock(prior)
	ipl.MustNotSuspendHere()

	for i, c := range a.free {
		start := align(c.offset, alignment)
		end := start + size
		if end <= c.offset+c.size {
			a.carve(i, c, start, end)
			return start, a.region.bytes[start:end], nil
		}
	}
	return 0, nil, kerrors.ErrOutOfResource
}

// AllocLast is the symmetric high-end scan: it returns the
// highest-addressed aligned fit.
func (a *Arena) AllocLast(size, alignment int) (offset int, buf []byte, err error) {
	prior := a.lock.Lock()
	defer a.lock.Unlock(prior)
	ipl.MustNotSuspendHere()

	for i := len(a.free) - 1; i >= 0; i-- {
		c := a.free[i]
		end := c.offset + c.size
		start := alignDown(end-size, alignment)
		if start >= c.offset {
			a.carve(i, c, start, start+size)
			return start, a.region.bytes[start : start+size], nil
		}
	}
	return 0, nil, kerrors.ErrOutOfResource
}

func alignDown(offset, alignment int) int {
	if alignment <= 1 {
		return offset
	}
	return offset - offset%alignment
}

// carve removes [start,end) from free cell i (which covers it),
// leaving behind the leading and trailing remainders, if any.
func (a *Arena) carve(i int, c cell, start, end int) {
	var remainder []cell
	if start > c.offset {
		remainder = append(remainder, cell{offset: c.offset, size: start - c.offset})
	}
	if end < c.offset+c.size {
		remainder = append(remainder, cell{offset: end, size: c.offset + c.size - end})
	}
	a.free = append(a.free[:i], append(remainder, a.free[i+1:]...)...)
}

// Free inserts [place, place+size) back into the free list and
// coalesces with any abutting neighbors. place is an offset into the
// arena's backing region (recover it with buf[0]'s address minus
// Base(), or track it as returned from Alloc).
func (a *Arena) Free(place, size int) error {
	if place < 0 || size <= 0 || place+size > len(a.region.bytes) {
		return kerrors.Wrap(kerrors.ErrInvalidArgument, "arena: free(%d,%d) out of range", place, size)
	}
	prior := a.lock.Lock()
	defer a.lock.Unlock(prior)
	ipl.MustNotSuspendHere()

	idx := sort.Search(len(a.free), func(i int) bool { return a.free[i].offset >= place })
	merged := cell{offset: place, size: size}

	// Coalesce with predecessor.
	if idx > 0 && a.free[idx-1].offset+a.free[idx-1].size == merged.offset {
		merged.offset = a.free[idx-1].offset
		merged.size += a.free[idx-1].size
		idx--
		a.free = append(a.free[:idx], a.free[idx+1:]...)
	}
	// Coalesce with successor.
	if idx < len(a.free) && merged.offset+merged.size == a.free[idx].offset {
		merged.size += a.free[idx].size
		a.free = append(a.free[:idx], a.free[idx+1:]...)
	}

	a.free = append(a.free, cell{})
	copy(a.free[idx+1:], a.free[idx:])
	a.free[idx] = merged
	return nil
}

// Size returns total free bytes.
func (a *Arena) Size() int {
	prior := a.lock.Lock()
	defer a.lock.Unlock(prior)
	total := 0
	for _, c := range a.free {
		total += c.size
	}
	return total
}
