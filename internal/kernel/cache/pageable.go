package cache

import (
	"github.com/gokernel/gokernel/internal/kernel/kerrors"
	"github.com/gokernel/gokernel/internal/kernel/pagepool"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

// PTE is the page-table-entry payload an address-space layer installs
// for one mapped offset: a pin on the resident frame backing it, plus
// the hardware dirty bit the mapping owner reports back through Put.
// This stands in for the raw physical-address-plus-flags word
// cache.h's IPageable produces as an `unsigned long long`: nothing in
// this tree walks real page tables, so the pin is the only part of a
// PTE this kernel actually needs to hand back.
type PTE struct {
	Page  *pagepool.Page
	Dirty bool
}

// Pageable maps a page-addressable object into an address space
// (spec.md §6 Pageable), the same pairing cache.h declares by
// inheriting `es::Pageable` alongside `es::Cache`: Get faults a page
// in on demand, Put reports a mapping's dirty bit back so the backing
// store eventually sees the write.
type Pageable interface {
	Get(t *sched.Thread, offset int64) (PTE, error)
	Put(t *sched.Thread, offset int64, pte PTE) error
}

var _ Pageable = (*Cache)(nil)

// Get implements Pageable.Get: fault the page covering offset into
// residency and pin it for the caller's mapping. The pin is released
// by the matching Put once the address-space layer is done with the
// mapping (torn down, or synced back).
func (c *Cache) Get(t *sched.Thread, offset int64) (PTE, error) {
	pageSize := c.pageSizeOf()
	aligned := pageAlign(offset, pageSize)

	p, err := c.getPage(t, aligned)
	if err != nil {
		return PTE{}, err
	}
	if err := p.Fill(t, c.store, aligned); err != nil {
		c.pageSet.Release(t, p)
		return PTE{}, err
	}
	return PTE{Page: p}, nil
}

// Put implements Pageable.Put: if the mapping's hardware dirty bit is
// set, mark the page Changed so the next Flush or Age pass writes it
// back, then release the pin Get took.
func (c *Cache) Put(t *sched.Thread, offset int64, pte PTE) error {
	if pte.Page == nil {
		return kerrors.Wrap(kerrors.ErrInvalidArgument, "cache: put with nil PTE")
	}
	if pte.Dirty {
		pte.Page.MarkSectorsDirty(0, c.pageSizeOf(), c.sectorSize)
		c.change(t, pte.Page)
	}
	c.pageSet.Release(t, pte.Page)
	return nil
}
