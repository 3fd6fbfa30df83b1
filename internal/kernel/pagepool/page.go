// Package pagepool implements the global physical page pool: the
// fixed-size Page descriptor array, the (cache, offset) hash table,
// and the free/standby PageSet trees layered over it (spec.md §4.4).
//
// Page identity is its index into a single backing array allocated
// once from an Arena at startup (spec.md §9 design notes: "an
// arena-plus-index pattern where Page is indexed by its physical-
// frame number... `page_index = (phys_addr - arena_base) >>
// page_shift` is a stable identity"). This sidesteps the source's
// intrusive-list reference-counting scheme entirely: Go's garbage
// collector has no trouble with the *Page pointers used for list
// membership below, since they all point into one slice that outlives
// every Page value it contains.
package pagepool

import (
	"io"
	"sync/atomic"

	"github.com/gokernel/gokernel/internal/kernel/ipl"
	"github.com/gokernel/gokernel/internal/kernel/monitor"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

// Page is the descriptor for one physical frame (spec.md §3).
type Page struct {
	Num  int
	data []byte

	spin ipl.TightLock // guards flags and the sector-dirty bitmap
	mon  *monitor.Monitor

	refcount atomic.Int32

	cache    any
	offset   int64
	changed  bool
	free     bool
	dirty    uint64 // per-sector dirty bitmap
	created  int64
	lastSync int64
	filled   bool
	onDetach func()

	pageSet *PageSet

	// list membership: exactly one of (free list, standby list) at a
	// time, never both (spec.md §3 Page invariants).
	listNext, listPrev *Page
}

// Data returns the frame's raw bytes.
func (p *Page) Data() []byte { return p.data }

// Monitor returns the page's fill/sync monitor (lock order: Cache
// monitor, then Page monitor, then Page spinlock — never reversed).
func (p *Page) Monitor() *monitor.Monitor { return p.mon }

// Refcount returns the current reference count.
func (p *Page) Refcount() int32 { return p.refcount.Load() }

func (p *Page) addRef() int32 { return p.refcount.Add(1) }

// AddRef pins p with an extra reference, for callers outside this
// package that need to keep a page resident across an Unlock/Release
// pair (Cache.change pins a page while it sits on the changed list, so
// PageSet.Release never routes a Changed page onto the standby list).
func (p *Page) AddRef() int32 { return p.addRef() }

// Cache returns the opaque cache identity this page is bound to, or
// nil if unbound.
func (p *Page) Cache() any { return p.cache }

// Offset returns the page-aligned offset within its owning cache.
func (p *Page) Offset() int64 { return p.offset }

// IsChanged reports the Changed flag under the page spinlock.
func (p *Page) IsChanged() bool {
	prior := p.spin.Lock()
	defer p.spin.Unlock(prior)
	return p.changed
}

// SetChanged sets or clears the Changed flag.
func (p *Page) SetChanged(v bool) {
	prior := p.spin.Lock()
	p.changed = v
	p.spin.Unlock(prior)
}

// IsFree reports the Free flag: whether this page's home is the free
// list (vs. standby) once its refcount reaches zero.
func (p *Page) IsFree() bool {
	prior := p.spin.Lock()
	defer p.spin.Unlock(prior)
	return p.free
}

func (p *Page) setFree(v bool) {
	prior := p.spin.Lock()
	p.free = v
	p.spin.Unlock(prior)
}

// MarkForFree flips the Free flag so the next reference-count drop to
// zero routes p to the free list instead of standby (spec.md §3 Page
// invariants), used by Cache.SetSize when shrinking past a resident
// page's offset.
func (p *Page) MarkForFree() { p.setFree(true) }

// IsFilled reports whether Fill has completed at least once since the
// page was last bound.
func (p *Page) IsFilled() bool {
	prior := p.spin.Lock()
	defer p.spin.Unlock(prior)
	return p.filled
}

// SetOnDetach installs a callback PageSet.Steal invokes just before
// rebinding this page to a new (cache, offset), so the cache package
// can decrement the former owner's resident-page count without
// pagepool needing to know about Cache.
func (p *Page) SetOnDetach(fn func()) {
	prior := p.spin.Lock()
	p.onDetach = fn
	p.spin.Unlock(prior)
}

func (p *Page) invokeDetach() {
	prior := p.spin.Lock()
	fn := p.onDetach
	p.onDetach = nil
	p.spin.Unlock(prior)
	if fn != nil {
		fn()
	}
}

// MarkSectorsDirty sets the dirty bits covering byte range
// [start,start+n) within the page, given sectorSize.
func (p *Page) MarkSectorsDirty(start, n, sectorSize int) {
	first := start / sectorSize
	last := (start + n - 1) / sectorSize
	prior := p.spin.Lock()
	for s := first; s <= last; s++ {
		p.dirty |= 1 << uint(s)
	}
	p.spin.Unlock(prior)
}

// Fill reads this page's full contents from store starting at
// pageOffset, looping until a full page is read or the store reports
// EOF (the remainder is zeroed), per spec.md §4.5 Page::fill.
// Idempotent: a second call on an already-filled page is a no-op.
func (p *Page) Fill(t *sched.Thread, store BackingStore, pageOffset int64) error {
	if err := p.mon.Lock(t); err != nil {
		return err
	}
	defer p.mon.Unlock(t)

	if p.IsFilled() {
		return nil
	}
	total := 0
	for total < len(p.data) {
		n, err := store.ReadAt(p.data[total:], pageOffset+int64(total))
		total += n
		if err == io.EOF || n == 0 {
			break
		}
		if err != nil {
			return err
		}
	}
	for i := total; i < len(p.data); i++ {
		p.data[i] = 0
	}
	prior := p.spin.Lock()
	p.filled = true
	p.spin.Unlock(prior)
	return nil
}

// Sync consumes and clears the dirty bitmap, writing contiguous dirty
// sector runs to store with one call each (spec.md §4.5 Page::sync).
// Partial failures leave already-written bytes cleared from the
// bitmap and return the error, so a retried sync only resends the
// sectors that did not make it out.
func (p *Page) Sync(t *sched.Thread, store BackingStore, pageOffset int64, sectorSize int) (int, error) {
	if err := p.mon.Lock(t); err != nil {
		return 0, err
	}
	defer p.mon.Unlock(t)

	prior := p.spin.Lock()
	bitmap := p.dirty
	p.spin.Unlock(prior)

	nsectors := len(p.data) / sectorSize
	written := 0
	s := 0
	for s < nsectors {
		if bitmap&(1<<uint(s)) == 0 {
			s++
			continue
		}
		runStart := s
		for s < nsectors && bitmap&(1<<uint(s)) != 0 {
			s++
		}
		runLen := (s - runStart) * sectorSize
		off := runStart * sectorSize
		n, err := store.WriteAt(p.data[off:off+runLen], pageOffset+int64(off))
		written += n
		clearedBits := uint64(0)
		for b := runStart; b < runStart+(n/sectorSize); b++ {
			clearedBits |= 1 << uint(b)
		}
		ps := p.spin.Lock()
		p.dirty &^= clearedBits
		p.spin.Unlock(ps)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// SetLastSync records the tick at which this page was last
// synchronized, used by Cache's aging pass to pick stale pages.
func (p *Page) SetLastSync(tick int64) {
	prior := p.spin.Lock()
	p.lastSync = tick
	p.spin.Unlock(prior)
}

// LastSync returns the tick of the last successful sync.
func (p *Page) LastSync() int64 {
	prior := p.spin.Lock()
	defer p.spin.Unlock(prior)
	return p.lastSync
}

func (p *Page) bind(cache any, offset int64) {
	prior := p.spin.Lock()
	p.cache = cache
	p.offset = offset
	p.filled = false
	p.dirty = 0
	p.changed = false
	p.free = false
	p.spin.Unlock(prior)
}

func (p *Page) resetForFree() {
	prior := p.spin.Lock()
	p.cache = nil
	p.offset = 0
	p.filled = false
	p.dirty = 0
	p.changed = false
	p.free = true
	p.onDetach = nil
	p.spin.Unlock(prior)
}
