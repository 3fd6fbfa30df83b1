package pagepool

import (
	"github.com/gokernel/gokernel/internal/kernel/ipl"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

// PageSet is a named pool of pages with free and standby lists,
// organized in a parent tree (spec.md §4.4). The root set, owned by
// PageTable, holds every page at startup; descendants are created
// with Fork and stocked with Reserve.
type PageSet struct {
	table  *PageTable
	parent *PageSet

	mu ipl.TightLock

	freeHead, freeTail         *Page
	freeCount                  int
	standbyHead, standbyTail   *Page
	standbyCount               int
}

// Fork creates a child set whose reclamation falls back to ps
// (spec.md §4.4 fork, §6 PageSet.fork).
func (ps *PageSet) Fork() *PageSet {
	return &PageSet{table: ps.table, parent: ps}
}

// GetFreeCount returns the number of pages on this set's free list.
func (ps *PageSet) GetFreeCount() uint64 {
	prior := ps.mu.Lock()
	defer ps.mu.Unlock(prior)
	return uint64(ps.freeCount)
}

// GetStandbyCount returns the number of pages on this set's standby
// list.
func (ps *PageSet) GetStandbyCount() uint64 {
	prior := ps.mu.Lock()
	defer ps.mu.Unlock(prior)
	return uint64(ps.standbyCount)
}

func (ps *PageSet) counts() (free, standby int) {
	prior := ps.mu.Lock()
	defer ps.mu.Unlock(prior)
	return ps.freeCount, ps.standbyCount
}

// --- intrusive free/standby list helpers, caller holds ps.mu ---

func (ps *PageSet) pushFreeTail(p *Page) {
	p.listPrev, p.listNext = ps.freeTail, nil
	if ps.freeTail != nil {
		ps.freeTail.listNext = p
	} else {
		ps.freeHead = p
	}
	ps.freeTail = p
}

func (ps *PageSet) popFreeHead() *Page {
	p := ps.freeHead
	if p == nil {
		return nil
	}
	ps.freeHead = p.listNext
	if ps.freeHead != nil {
		ps.freeHead.listPrev = nil
	} else {
		ps.freeTail = nil
	}
	p.listNext, p.listPrev = nil, nil
	return p
}

func (ps *PageSet) pushStandbyTail(p *Page) {
	p.listPrev, p.listNext = ps.standbyTail, nil
	if ps.standbyTail != nil {
		ps.standbyTail.listNext = p
	} else {
		ps.standbyHead = p
	}
	ps.standbyTail = p
}

func (ps *PageSet) unlinkStandby(p *Page) {
	if p.listPrev != nil {
		p.listPrev.listNext = p.listNext
	} else {
		ps.standbyHead = p.listNext
	}
	if p.listNext != nil {
		p.listNext.listPrev = p.listPrev
	} else {
		ps.standbyTail = p.listPrev
	}
	p.listNext, p.listPrev = nil, nil
}

// removeFromStandby detaches p from its set's standby list if it is
// there (called by PageTable.Lookup when a standby page regains a
// reference).
func (ps *PageSet) removeFromStandby(p *Page) {
	prior := ps.mu.Lock()
	defer ps.mu.Unlock(prior)
	if p.listPrev == nil && p.listNext == nil && ps.standbyHead != p {
		return // not actually queued
	}
	ps.unlinkStandby(p)
	ps.standbyCount--
}

// Alloc pops the head of the local free list, returning it with
// refcount 1, or nil if the local list is empty (spec.md §4.4
// PageSet.alloc). Callers fall back to Steal on a miss.
func (ps *PageSet) Alloc() *Page {
	prior := ps.mu.Lock()
	p := ps.popFreeHead()
	if p != nil {
		ps.freeCount--
	}
	ps.mu.Unlock(prior)
	if p == nil {
		return nil
	}
	p.refcount.Store(1)
	return p
}

// Steal walks the standby list looking for a clean page the global
// hash table will relinquish, detaches it from its former cache, and
// returns it with refcount 1 (spec.md §4.4 PageSet.steal). A dirty
// page on the standby list is skipped rather than reclaimed: its
// content has no copy anywhere but the frame itself, so handing it
// out here would silently drop a write the writeback thread has not
// synced yet. The caller falls back to Cache.Flush + PageTable.Wait
// when Steal comes back empty (spec.md §8 scenario 6).
func (ps *PageSet) Steal() *Page {
	prior := ps.mu.Lock()
	var found *Page
	for p := ps.standbyHead; p != nil; p = p.listNext {
		if p.IsChanged() {
			continue
		}
		if ps.table.Steal(p) {
			found = p
			ps.unlinkStandby(p)
			ps.standbyCount--
			break
		}
	}
	ps.mu.Unlock(prior)
	if found == nil {
		return nil
	}
	found.invokeDetach()
	found.refcount.Store(1)
	return found
}

// AllocBound is PageSet.alloc(cache, offset): obtain a page via Alloc
// (falling back to the parent set when this one is exhausted), bind
// it to (cache, offset), and register it in the global hash table.
func (ps *PageSet) AllocBound(cache any, offset int64) *Page {
	p := ps.Alloc()
	if p == nil && ps.parent != nil {
		p = ps.parent.allocForChild(ps)
	}
	if p == nil {
		return nil
	}
	p.bind(cache, offset)
	ps.table.Add(p)
	return p
}

// StealBound is PageSet.steal(cache, offset): the Steal counterpart
// of AllocBound.
func (ps *PageSet) StealBound(cache any, offset int64) *Page {
	p := ps.Steal()
	if p == nil && ps.parent != nil {
		p = ps.parent.stealForChild(ps)
	}
	if p == nil {
		return nil
	}
	p.bind(cache, offset)
	ps.table.Add(p)
	return p
}

// allocForChild/stealForChild hand a page to a descendant set,
// recursing up the parent chain per spec.md §4.4: "If this set has
// none, recurse into the parent set."
func (ps *PageSet) allocForChild(child *PageSet) *Page {
	p := ps.Alloc()
	if p == nil && ps.parent != nil {
		p = ps.parent.allocForChild(child)
	}
	if p != nil {
		p.pageSet = child
	}
	return p
}

func (ps *PageSet) stealForChild(child *PageSet) *Page {
	p := ps.Steal()
	if p == nil && ps.parent != nil {
		p = ps.parent.stealForChild(child)
	}
	if p != nil {
		p.pageSet = child
	}
	return p
}

// Release drops p's reference count; at zero it routes p to this
// set's free list (if p.IsFree()) or standby list (spec.md §3 Page
// invariants, §4.4 PageSet.free/standby). t is the calling thread,
// needed to signal the low-memory monitor if the free list had been
// empty.
func (ps *PageSet) Release(t *sched.Thread, p *Page) {
	if p.refcount.Add(-1) != 0 {
		return
	}
	if p.IsFree() {
		ps.putFree(t, p)
	} else {
		ps.putStandby(p)
	}
}

func (ps *PageSet) putFree(t *sched.Thread, p *Page) {
	p.resetForFree()
	prior := ps.mu.Lock()
	wasEmpty := ps.freeCount == 0
	ps.pushFreeTail(p)
	ps.freeCount++
	ps.mu.Unlock(prior)
	if wasEmpty {
		ps.table.Notify(t)
	}
}

func (ps *PageSet) putStandby(p *Page) {
	prior := ps.mu.Lock()
	ps.pushStandbyTail(p)
	ps.standbyCount++
	ps.mu.Unlock(prior)
}

// Reserve moves up to n pages from the parent set into ps (taking
// from the parent's free list, then falling back to steal), returning
// the number actually moved. Best-effort by design: earlier revisions
// of this scheme disagreed on whether an unsatisfiable request should
// block forever or fail silently; this implementation always returns
// promptly with whatever it could get (spec.md §9 open question).
func (ps *PageSet) Reserve(n int) int {
	if ps.parent == nil {
		return 0
	}
	moved := 0
	for moved < n {
		p := ps.parent.Alloc()
		if p == nil {
			p = ps.parent.Steal()
		}
		if p == nil {
			break
		}
		p.pageSet = ps
		p.setFree(true)
		prior := ps.mu.Lock()
		ps.pushFreeTail(p)
		ps.freeCount++
		ps.mu.Unlock(prior)
		moved++
	}
	return moved
}
