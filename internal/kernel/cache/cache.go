package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/gokernel/gokernel/internal/kernel/ipl"
	"github.com/gokernel/gokernel/internal/kernel/kerrors"
	"github.com/gokernel/gokernel/internal/kernel/monitor"
	"github.com/gokernel/gokernel/internal/kernel/pagepool"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

// Cache maps one BackingStore to its resident pages (spec.md §3
// Cache, §4.5). Its own pointer identity doubles as the opaque "cache"
// key pagepool.PageTable hashes pages by, so no separate ID type is
// needed to cross the package boundary.
type Cache struct {
	sched      *sched.Scheduler
	table      *pagepool.PageTable
	pageSet    *pagepool.PageSet
	store      pagepool.BackingStore
	sectorSize int

	mon *monitor.Monitor // serializes size/changedList mutation

	refcount atomic.Int32

	sizeMu sync.Mutex
	size   int64

	changedMu   ipl.TightLock
	changed     *list.List // of *pagepool.Page
	changedElem map[*pagepool.Page]*list.Element

	pageCount   atomic.Int32
	lastUpdated atomic.Int64

	// onDirtyTransition, if set by a Factory, is invoked with true when
	// the changed list goes from empty to non-empty and false on the
	// reverse transition, so the factory can keep its own standby/
	// changed cache membership current without polling every cache on
	// every writeback pass.
	onDirtyTransition func(dirty bool)
}

// New creates a Cache over store, serving pages from pageSet.
func New(s *sched.Scheduler, table *pagepool.PageTable, store pagepool.BackingStore, pageSet *pagepool.PageSet, sectorSize int) (*Cache, error) {
	size, err := store.Size()
	if err != nil {
		return nil, err
	}
	c := &Cache{
		sched:       s,
		table:       table,
		pageSet:     pageSet,
		store:       store,
		sectorSize:  sectorSize,
		mon:         monitor.New(s),
		size:        size,
		changed:     list.New(),
		changedElem: make(map[*pagepool.Page]*list.Element),
	}
	return c, nil
}

// AddRef increments the cache's reference count, called when a Stream
// is constructed over it.
func (c *Cache) AddRef() { c.refcount.Add(1) }

// Release decrements the cache's reference count, called when a
// Stream referencing it is destroyed.
func (c *Cache) Release() int32 { return c.refcount.Add(-1) }

// Size returns the cache's current nominal size.
func (c *Cache) Size() int64 {
	c.sizeMu.Lock()
	defer c.sizeMu.Unlock()
	return c.size
}

// PageCount returns the number of pages currently resident for this
// cache (spec.md §3 Cache invariant: equals the hash-table membership
// count for this cache key).
func (c *Cache) PageCount() int32 { return c.pageCount.Load() }

func (c *Cache) pageSizeOf() int { return c.table.PageSize() }

func pageAlign(offset int64, pageSize int) int64 {
	return offset - offset%int64(pageSize)
}

// getPage returns the resident page covering offset, bound and
// refcounted, obtaining it from the page pool or the backing store as
// needed (spec.md §4.5 getPage). It blocks (suspending t) when memory
// is tight, retrying after the writeback thread makes room.
func (c *Cache) getPage(t *sched.Thread, offset int64) (*pagepool.Page, error) {
	pageSize := c.pageSizeOf()
	aligned := pageAlign(offset, pageSize)

	for {
		if err := c.mon.Lock(t); err != nil {
			return nil, err
		}
		if aligned >= c.Size() {
			c.mon.Unlock(t)
			return nil, kerrors.Wrap(kerrors.ErrInvalidArgument, "cache: offset %d beyond size", offset)
		}

		if p := c.table.Lookup(c, aligned); p != nil {
			c.mon.Unlock(t)
			return p, nil
		}
		if p := c.pageSet.AllocBound(c, aligned); p != nil {
			c.onBind(p)
			c.mon.Unlock(t)
			return p, nil
		}
		if p := c.pageSet.StealBound(c, aligned); p != nil {
			c.onBind(p)
			c.mon.Unlock(t)
			return p, nil
		}
		c.mon.Unlock(t)

		if err := c.Flush(t); err != nil {
			return nil, err
		}
		if err := c.table.Wait(t); err != nil {
			return nil, err
		}
		if t.TestCancel() {
			return nil, kerrors.ErrCancelled
		}
	}
}

// onBind wires a freshly bound page's detach callback so stealing it
// later decrements this cache's resident-page count, and bumps that
// count now that it is ours.
func (c *Cache) onBind(p *pagepool.Page) {
	c.pageCount.Add(1)
	p.SetOnDetach(func() { c.pageCount.Add(-1) })
}

// Read copies up to len(dst) bytes starting at offset into dst,
// returning the short count truthfully at end-of-cache (spec.md §4.5
// read).
func (c *Cache) Read(t *sched.Thread, dst []byte, offset int64) (int, error) {
	pageSize := c.pageSizeOf()
	total := 0
	for total < len(dst) {
		if offset+int64(total) >= c.Size() {
			break
		}
		p, err := c.getPage(t, offset+int64(total))
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		aligned := pageAlign(offset+int64(total), pageSize)
		if err := p.Fill(t, c.store, aligned); err != nil {
			c.pageSet.Release(t, p)
			return total, err
		}
		inPage := int(offset + int64(total) - aligned)
		n := copy(dst[total:], p.Data()[inPage:])
		remaining := c.Size() - (offset + int64(total))
		if int64(n) > remaining {
			n = int(remaining)
		}
		c.pageSet.Release(t, p)
		total += n
		if n == 0 {
			break
		}
	}
	return total, nil
}

// Write copies len(src) bytes from src into the cache at offset,
// growing Size (and the backing store) first if the write extends
// past it (spec.md §4.5 write).
func (c *Cache) Write(t *sched.Thread, src []byte, offset int64) (int, error) {
	if offset+int64(len(src)) > c.Size() {
		if err := c.SetSize(t, offset+int64(len(src))); err != nil {
			return 0, err
		}
	}

	pageSize := c.pageSizeOf()
	total := 0
	for total < len(src) {
		cur := offset + int64(total)
		aligned := pageAlign(cur, pageSize)
		inPage := int(cur - aligned)
		n := len(src) - total
		if n > pageSize-inPage {
			n = pageSize - inPage
		}

		p, err := c.getPage(t, cur)
		if err != nil {
			return total, err
		}
		if n < pageSize {
			if err := p.Fill(t, c.store, aligned); err != nil {
				c.pageSet.Release(t, p)
				return total, err
			}
		}
		copy(p.Data()[inPage:inPage+n], src[total:total+n])
		p.MarkSectorsDirty(inPage, n, c.sectorSize)
		c.change(t, p)
		c.pageSet.Release(t, p)
		total += n
	}
	c.lastUpdated.Store(c.sched.Clock().Now())
	return total, nil
}

// change marks p Changed, linking it into this cache's changed list
// if it was not already present, and pins it with an extra reference
// (spec.md §4.5 change: "set Changed, increment refcount, add to
// changedList"). The pin is what keeps a dirty page off the standby
// list once the caller's own reference is released: CleanPage drops
// it again when the page is synced and unlinked.
func (c *Cache) change(t *sched.Thread, p *pagepool.Page) {
	if err := c.mon.Lock(t); err != nil {
		return
	}
	defer c.mon.Unlock(t)

	if p.IsChanged() || p.IsFree() {
		return
	}
	p.SetChanged(true)
	p.AddRef()

	prior := c.changedMu.Lock()
	wasEmpty := c.changed.Len() == 0
	elem := c.changed.PushBack(p)
	c.changedElem[p] = elem
	c.changedMu.Unlock(prior)

	if wasEmpty && c.onDirtyTransition != nil {
		c.onDirtyTransition(true)
	}
}

// CleanPage reverses change: clears Changed, unlinks p from the
// changed list, and releases the reference change pinned it with
// (spec.md §4.5 clean(page)). Flush and Age are the only callers that
// hand CleanPage a page still on the changed list, so the removal and
// the factory's changed-list-emptiness check always happen together
// here rather than being split across a caller that already popped
// the list.
func (c *Cache) CleanPage(t *sched.Thread, p *pagepool.Page) {
	if err := c.mon.Lock(t); err != nil {
		return
	}
	defer c.mon.Unlock(t)

	if !p.IsChanged() {
		return
	}
	p.SetChanged(false)

	prior := c.changedMu.Lock()
	var nowEmpty bool
	if elem, ok := c.changedElem[p]; ok {
		c.changed.Remove(elem)
		delete(c.changedElem, p)
		nowEmpty = c.changed.Len() == 0
	}
	c.changedMu.Unlock(prior)

	c.pageSet.Release(t, p)

	if nowEmpty && c.onDirtyTransition != nil {
		c.onDirtyTransition(false)
	}
}

// SetSize changes the cache's nominal size, propagating to the
// backing store and freeing any page wholly beyond the new size
// (spec.md §4.5 setSize).
func (c *Cache) SetSize(t *sched.Thread, newSize int64) error {
	if newSize < 0 {
		return kerrors.Wrap(kerrors.ErrInvalidArgument, "cache: negative size %d", newSize)
	}
	c.sizeMu.Lock()
	old := c.size
	c.size = newSize
	c.sizeMu.Unlock()

	if err := c.store.SetSize(newSize); err != nil {
		return err
	}
	if newSize >= old {
		return nil
	}

	pageSize := c.pageSizeOf()
	for off := pageAlign(newSize+int64(pageSize)-1, pageSize); off < old; off += int64(pageSize) {
		p := c.table.Lookup(c, off)
		if p == nil {
			continue
		}
		c.CleanPage(t, p)
		c.table.Remove(p)
		c.pageCount.Add(-1)
		p.MarkForFree()
		c.pageSet.Release(t, p) // drop the reference Lookup just took
	}
	return nil
}

// Flush syncs every page on the changed list (spec.md §4.5 flush). It
// does not pop pages itself, leaving CleanPage as the single place
// that unlinks a page from the list and drives the factory's
// dirty/clean transition (mirroring getChangedPage()/clean() in
// cache.cpp, where getChangedPage only addRefs the front page and
// clean() is what removes it). Errors from individual pages are
// aggregated so one failing page does not hide others; a page whose
// sync fails stays on the changed list and is not retried within the
// same call, so Flush always terminates.
func (c *Cache) Flush(t *sched.Thread) error {
	var errs *multierror.Error
	failed := make(map[*pagepool.Page]bool)
	for {
		var p *pagepool.Page
		for _, cand := range c.changedSnapshot() {
			if !failed[cand] {
				p = cand
				break
			}
		}
		if p == nil {
			break
		}
		pageSize := c.pageSizeOf()
		_, err := p.Sync(t, c.store, pageAlign(p.Offset(), pageSize), c.sectorSize)
		if err != nil {
			errs = multierror.Append(errs, err)
			failed[p] = true
			continue
		}
		p.SetLastSync(c.sched.Clock().Now())
		c.CleanPage(t, p)
	}
	return errs.ErrorOrNil()
}

// Age is the periodic (non-flush) counterpart: it only syncs pages
// whose last sync is older than threshold ticks, or every dirty page
// when force is set (spec.md §4.5 clean() aging pass, invoked by the
// writeback thread under low memory).
func (c *Cache) Age(t *sched.Thread, threshold int64, force bool) error {
	now := c.sched.Clock().Now()
	var errs *multierror.Error
	for _, p := range c.changedSnapshot() {
		if !force && now-p.LastSync() < threshold {
			continue
		}
		pageSize := c.pageSizeOf()
		_, err := p.Sync(t, c.store, pageAlign(p.Offset(), pageSize), c.sectorSize)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		p.SetLastSync(now)
		c.CleanPage(t, p)
	}
	return errs.ErrorOrNil()
}

// TryAge behaves like Age but only proceeds if c's monitor is
// immediately acquirable, reporting tried=false without blocking if a
// reader or writer currently holds it (spec.md §4.9: "try its monitor
// without blocking (yield if contended)").
func (c *Cache) TryAge(t *sched.Thread, threshold int64, force bool) (tried bool, err error) {
	if !c.mon.TryLock(t) {
		return false, nil
	}
	defer c.mon.Unlock(t)
	return true, c.Age(t, threshold, force)
}

// Invalidate drops every changed page without writing it back.
func (c *Cache) Invalidate(t *sched.Thread) {
	for _, p := range c.changedSnapshot() {
		c.CleanPage(t, p)
	}
}

// HasDirtyPages reports whether this cache currently has any changed
// pages, used by the writeback factory's standby/changed membership.
func (c *Cache) HasDirtyPages() bool {
	prior := c.changedMu.Lock()
	defer c.changedMu.Unlock(prior)
	return c.changed.Len() > 0
}

// peekChangedFront returns the front of the changed list without
// removing it; only CleanPage unlinks a page from the list.
func (c *Cache) peekChangedFront() *pagepool.Page {
	prior := c.changedMu.Lock()
	defer c.changedMu.Unlock(prior)
	front := c.changed.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*pagepool.Page)
}

func (c *Cache) changedSnapshot() []*pagepool.Page {
	prior := c.changedMu.Lock()
	defer c.changedMu.Unlock(prior)
	out := make([]*pagepool.Page, 0, c.changed.Len())
	for e := c.changed.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*pagepool.Page))
	}
	return out
}
