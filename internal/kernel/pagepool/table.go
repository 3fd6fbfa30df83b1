package pagepool

import (
	"github.com/gokernel/gokernel/internal/kernel/arena"
	"github.com/gokernel/gokernel/internal/kernel/ipl"
	"github.com/gokernel/gokernel/internal/kernel/monitor"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

type pageKey struct {
	cache  any
	offset int64
}

// PageTable owns the fixed descriptor array for every physical frame,
// the (cache, offset) hash table identifying resident pages, and the
// root PageSet every other set ultimately forks from (spec.md §4.4).
//
// The hash table is a native Go map guarded by a spinlock rather than
// the source's hand-chained buckets keyed by
// `(cache XOR (offset >> pageShift)) mod pageCount` — Go's built-in
// map already gives the same expected O(1) lookup the source's scheme
// was built to approximate by hand, so reimplementing the chaining
// arithmetic would only be slower and harder to read.
type PageTable struct {
	pages    []Page
	pageSize int

	hashLock ipl.TightLock
	hash     map[pageKey]*Page

	root *PageSet

	lowMemory *monitor.Monitor
}

// New carves numPages*pageSize bytes from a and builds a PageTable
// covering them, all initially owned by the root PageSet's free list.
func New(s *sched.Scheduler, a *arena.Arena, numPages, pageSize int) (*PageTable, error) {
	_, buf, err := a.Alloc(numPages*pageSize, pageSize)
	if err != nil {
		return nil, err
	}

	pt := &PageTable{
		pageSize:  pageSize,
		hash:      make(map[pageKey]*Page, numPages),
		lowMemory: monitor.New(s),
	}
	root := &PageSet{table: pt}
	pt.root = root

	pt.pages = make([]Page, numPages)
	now := s.Clock().Now()
	for i := range pt.pages {
		pg := &pt.pages[i]
		*pg = Page{Num: i, data: buf[i*pageSize : (i+1)*pageSize], mon: monitor.New(s), free: true, created: now, pageSet: root}
		root.pushFreeTail(pg)
	}
	root.freeCount = numPages
	return pt, nil
}

// Root returns the page set owning every page not yet reserved by a
// descendant set.
func (pt *PageTable) Root() *PageSet { return pt.root }

// PageSize returns the fixed frame size this table was built with.
func (pt *PageTable) PageSize() int { return pt.pageSize }

// NumPages returns the total number of physical frames managed.
func (pt *PageTable) NumPages() int { return len(pt.pages) }

// Lookup returns the resident page for (cache, offset), incrementing
// its refcount, or nil on a miss. A page found with refcount
// transitioning 0→1 is removed from its set's standby list, since it
// is no longer merely "clean and reclaimable" (spec.md §4.4 lookup).
func (pt *PageTable) Lookup(cache any, offset int64) *Page {
	prior := pt.hashLock.Lock()
	p, ok := pt.hash[pageKey{cache, offset}]
	pt.hashLock.Unlock(prior)
	if !ok {
		return nil
	}
	if p.addRef() == 1 {
		p.pageSet.removeFromStandby(p)
	}
	return p
}

// Add inserts p into the hash table keyed by its current (cache,
// offset) binding.
func (pt *PageTable) Add(p *Page) {
	prior := pt.hashLock.Lock()
	pt.hash[pageKey{p.cache, p.offset}] = p
	pt.hashLock.Unlock(prior)
}

// Remove deletes p's current binding from the hash table.
func (pt *PageTable) Remove(p *Page) {
	prior := pt.hashLock.Lock()
	delete(pt.hash, pageKey{p.cache, p.offset})
	pt.hashLock.Unlock(prior)
}

// Steal attempts to reclaim p: it succeeds iff p's refcount rises to
// exactly 1 (no other referent) and can be dropped back to 0
// immediately, in which case p is removed from the hash table
// (spec.md §4.4 steal).
func (pt *PageTable) Steal(p *Page) bool {
	if p.addRef() != 1 {
		p.refcount.Add(-1)
		return false
	}
	pt.Remove(p)
	p.refcount.Add(-1)
	return true
}

// Wait blocks t on the kernel-wide low-memory rendezvous, released by
// Notify once the writeback thread has reclaimed pages (spec.md §4.4:
// "producer threads call wait after flushing").
func (pt *PageTable) Wait(t *sched.Thread) error {
	if err := pt.lowMemory.Lock(t); err != nil {
		return err
	}
	err := pt.lowMemory.Wait(t)
	pt.lowMemory.Unlock(t)
	return err
}

// WaitTimeout is Wait bounded by ticks, used by the writeback thread
// (spec.md §4.9) to combine "wait on a low-memory event" and "wake up
// periodically anyway" into the single rendezvous tinySQL's own aging
// pass loops on. Reports whether it returned because the timeout
// elapsed rather than a real Notify.
func (pt *PageTable) WaitTimeout(t *sched.Thread, ticks int64) (timedOut bool, err error) {
	if err := pt.lowMemory.Lock(t); err != nil {
		return false, err
	}
	timedOut, err = pt.lowMemory.WaitTimeout(t, ticks)
	pt.lowMemory.Unlock(t)
	return timedOut, err
}

// Notify wakes every thread blocked in Wait (spec.md §4.4: "the
// writeback thread calls notify after reclaim").
func (pt *PageTable) Notify(t *sched.Thread) {
	if err := pt.lowMemory.Lock(t); err != nil {
		return
	}
	pt.lowMemory.NotifyAll(t)
	pt.lowMemory.Unlock(t)
}

// Stats is a snapshot for introspection.
type Stats struct {
	Total   int
	Free    int
	Standby int
	InUse   int
}

func (pt *PageTable) Stats() Stats {
	free, standby := pt.root.counts()
	total := len(pt.pages)
	return Stats{Total: total, Free: free, Standby: standby, InUse: total - free - standby}
}
