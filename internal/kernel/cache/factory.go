package cache

import (
	"sync"

	"github.com/gokernel/gokernel/internal/kernel/pagepool"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

// Factory is the cache constructor and registry the writeback thread
// walks (spec.md §6 Cache.Constructor, §3 Cache invariant: "membership
// in the factory's {standby, changed} list is exclusive and reflects
// whether changedList is empty"). Every Cache a Factory creates keeps
// its dirty/clean transitions synced back here so the writeback thread
// never needs to poll every live cache to find the dirty ones.
type Factory struct {
	s          *sched.Scheduler
	table      *pagepool.PageTable
	sectorSize int

	mu      sync.Mutex
	changed map[*Cache]struct{}
	standby map[*Cache]struct{}
}

// NewFactory creates a Factory whose caches are served pages from
// table (via the pool's root PageSet, unless CreateInstanceWithSet
// names a different one) and synced in units of sectorSize bytes.
func NewFactory(s *sched.Scheduler, table *pagepool.PageTable, sectorSize int) *Factory {
	return &Factory{
		s:          s,
		table:      table,
		sectorSize: sectorSize,
		changed:    make(map[*Cache]struct{}),
		standby:    make(map[*Cache]struct{}),
	}
}

// CreateInstance builds a Cache over store using the page pool's root
// PageSet.
func (f *Factory) CreateInstance(store pagepool.BackingStore) (*Cache, error) {
	return f.CreateInstanceWithSet(store, f.table.Root())
}

// CreateInstanceWithSet builds a Cache over store, served from
// pageSet, registering it with the factory's standby list until it
// first picks up a dirty page.
func (f *Factory) CreateInstanceWithSet(store pagepool.BackingStore, pageSet *pagepool.PageSet) (*Cache, error) {
	c, err := New(f.s, f.table, store, pageSet, f.sectorSize)
	if err != nil {
		return nil, err
	}
	c.onDirtyTransition = func(dirty bool) { f.noteTransition(c, dirty) }

	f.mu.Lock()
	f.standby[c] = struct{}{}
	f.mu.Unlock()
	return c, nil
}

func (f *Factory) noteTransition(c *Cache, dirty bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dirty {
		delete(f.standby, c)
		f.changed[c] = struct{}{}
	} else {
		delete(f.changed, c)
		f.standby[c] = struct{}{}
	}
}

// Forget drops c from the factory's bookkeeping, e.g. when its last
// Stream is closed and the caller has no further use for it.
func (f *Factory) Forget(c *Cache) {
	f.mu.Lock()
	delete(f.changed, c)
	delete(f.standby, c)
	f.mu.Unlock()
}

// ChangedCaches returns a snapshot of every cache currently holding at
// least one dirty page, for the writeback thread to age.
func (f *Factory) ChangedCaches() []*Cache {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Cache, 0, len(f.changed))
	for c := range f.changed {
		out = append(out, c)
	}
	return out
}

// Stats is a point-in-time snapshot of factory registry membership.
type Stats struct {
	Changed int
	Standby int
}

func (f *Factory) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{Changed: len(f.changed), Standby: len(f.standby)}
}
