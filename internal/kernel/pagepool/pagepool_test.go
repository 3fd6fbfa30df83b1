package pagepool

import (
	"testing"

	"github.com/gokernel/gokernel/internal/kernel/arena"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

func newTestTable(t *testing.T, numPages, pageSize int) (*PageTable, *sched.Scheduler) {
	t.Helper()
	a, err := arena.New(numPages * pageSize * 2)
	if err != nil {
		t.Fatalf("arena.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	s := sched.New(2)
	pt, err := New(s, a, numPages, pageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pt, s
}

func TestAllocReleaseConservesCounts(t *testing.T) {
	pt, s := newTestTable(t, 8, 4096)
	th := s.NewThread(1)

	root := pt.Root()
	if got := root.GetFreeCount(); got != 8 {
		t.Fatalf("initial free count = %d, want 8", got)
	}

	p := root.AllocBound("cacheA", 0)
	if p == nil {
		t.Fatal("AllocBound returned nil")
	}
	if got := root.GetFreeCount(); got != 7 {
		t.Fatalf("free count after alloc = %d, want 7", got)
	}

	p.SetChanged(false) // clean page releases to standby, not free
	root.Release(th, p)

	stats := pt.Stats()
	if stats.Total != 8 || stats.Free+stats.Standby+stats.InUse != 8 {
		t.Fatalf("invariant broken: %+v", stats)
	}
	if stats.Standby != 1 {
		t.Fatalf("Standby = %d, want 1 after releasing a non-Free page", stats.Standby)
	}
}

func TestLookupIncrementsRefAndClearsStandby(t *testing.T) {
	pt, s := newTestTable(t, 4, 4096)
	th := s.NewThread(1)
	root := pt.Root()

	p := root.AllocBound("cacheA", 0)
	root.Release(th, p) // refcount -> 0, goes to standby (IsFree is false by default)

	if got := root.GetStandbyCount(); got != 1 {
		t.Fatalf("standby count = %d, want 1", got)
	}

	found := pt.Lookup("cacheA", 0)
	if found != p {
		t.Fatal("Lookup did not return the same page")
	}
	if found.Refcount() != 1 {
		t.Fatalf("Refcount = %d, want 1", found.Refcount())
	}
	if got := root.GetStandbyCount(); got != 0 {
		t.Fatalf("standby count after lookup = %d, want 0", got)
	}
}

func TestStealReclaimsStandbyPageUnderChildSet(t *testing.T) {
	pt, s := newTestTable(t, 2, 4096)
	th := s.NewThread(1)
	root := pt.Root()

	p1 := root.AllocBound("cacheA", 0)
	root.Release(th, p1) // -> standby

	child := root.Fork()
	moved := child.Reserve(1)
	if moved != 1 {
		t.Fatalf("Reserve moved %d, want 1", moved)
	}
	if got := root.GetFreeCount(); got != 0 {
		t.Fatalf("root free count after reserve = %d, want 0", got)
	}

	// The remaining page is on root's standby list; child set has no
	// free pages of its own left (it consumed the one reserved one in
	// a moment), so StealBound must recurse to the parent and reclaim
	// the standby page (spec.md §8 scenario 6).
	child.Alloc() // drain the reserved page so the next alloc must steal
	p2 := child.StealBound("cacheB", 0)
	if p2 == nil {
		t.Fatal("StealBound returned nil, want reclaimed standby page")
	}
	if p2 != p1 {
		t.Fatal("expected the previously-standby page to be reclaimed")
	}
}

func TestStealSkipsDirtyStandbyPage(t *testing.T) {
	pt, s := newTestTable(t, 2, 4096)
	th := s.NewThread(1)
	root := pt.Root()

	dirty := root.AllocBound("cacheA", 0)
	dirty.SetChanged(true)
	root.Release(th, dirty) // standby, but dirty

	clean := root.AllocBound("cacheA", 4096)
	root.Release(th, clean) // standby, clean

	p := root.StealBound("cacheB", 0)
	if p == nil {
		t.Fatal("StealBound returned nil, want the clean standby page")
	}
	if p != clean {
		t.Fatal("StealBound reclaimed the dirty standby page instead of the clean one")
	}
	if got := root.StealBound("cacheB", 4096); got != nil {
		t.Fatal("StealBound should return nil once only a dirty page remains on standby")
	}
}

func TestPageFillThenSyncRoundTrip(t *testing.T) {
	pt, s := newTestTable(t, 1, 4096)
	th := s.NewThread(1)
	root := pt.Root()
	p := root.AllocBound("cacheA", 0)

	store := newMemStore(4096)
	copy(store.buf, []byte("hello world"))

	if err := p.Fill(th, store, 0); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if string(p.Data()[:11]) != "hello world" {
		t.Fatalf("Fill content = %q", p.Data()[:11])
	}

	copy(p.Data()[:5], []byte("HELLO"))
	p.MarkSectorsDirty(0, 5, 512)
	n, err := p.Sync(th, store, 0, 512)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 512 {
		t.Fatalf("Sync wrote %d bytes, want 512 (one sector)", n)
	}
	if string(store.buf[:5]) != "HELLO" {
		t.Fatalf("backing store after sync = %q", store.buf[:5])
	}
}

// memStore is a minimal in-test BackingStore, standing in for the
// cache package's own MemoryStore so this package's tests don't
// depend on cache.
type memStore struct{ buf []byte }

func newMemStore(size int) *memStore { return &memStore{buf: make([]byte, size)} }

func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	if int(off) >= len(m.buf) {
		return 0, nil
	}
	n := copy(p, m.buf[off:])
	return n, nil
}
func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	need := int(off) + len(p)
	if need > len(m.buf) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	return copy(m.buf[off:], p), nil
}
func (m *memStore) Size() (int64, error)   { return int64(len(m.buf)), nil }
func (m *memStore) SetSize(n int64) error  { return nil }
func (m *memStore) Flush() error           { return nil }
