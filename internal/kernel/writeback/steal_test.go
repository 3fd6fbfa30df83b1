package writeback

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gokernel/gokernel/internal/kernel/arena"
	"github.com/gokernel/gokernel/internal/kernel/cache"
	"github.com/gokernel/gokernel/internal/kernel/pagepool"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

// TestStealWaitsForWritebackWhenEveryFrameIsDirty is spec.md §8
// scenario 6's second accepted outcome: with every physical frame
// dirty and pinned, a fresh allocation finds nothing on the free or
// standby list and cannot proceed until the writeback thread syncs and
// cleans a page (unpinning it onto standby), at which point the
// allocation completes without deadlock.
func TestStealWaitsForWritebackWhenEveryFrameIsDirty(t *testing.T) {
	a, err := arena.New(2 * 4096 * 2)
	if err != nil {
		t.Fatalf("arena.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	s := sched.New(3)
	pt, err := pagepool.New(s, a, 2, 4096)
	if err != nil {
		t.Fatalf("pagepool.New: %v", err)
	}
	factory := cache.NewFactory(s, pt, 512)

	full, err := factory.CreateInstance(cache.NewMemoryStore())
	if err != nil {
		t.Fatalf("CreateInstance(full): %v", err)
	}
	filler := s.NewThread(1)
	s.Start(filler, func(th *sched.Thread) {
		if _, err := full.Write(th, make([]byte, 4096), 0); err != nil {
			t.Errorf("fill write 0: %v", err)
		}
		if _, err := full.Write(th, make([]byte, 4096), 4096); err != nil {
			t.Errorf("fill write 1: %v", err)
		}
	})
	if err := s.Join(filler); err != nil {
		t.Fatalf("Join(filler): %v", err)
	}

	// Both frames are dirty and still pinned by Cache.change, so they
	// are in use, not standby: a Changed page is never on the standby
	// list (pageSet.cpp's standby()/report() assert exactly this).
	if got := pt.Stats(); got.Free != 0 || got.Standby != 0 || got.InUse != 2 {
		t.Fatalf("pool stats after fill = %+v, want Free=0 Standby=0 InUse=2", got)
	}

	w := New(s, pt, factory, 5, 0, zerolog.Nop())
	wt := w.Start(0)
	defer func() {
		wt.Cancel()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			select {
			case <-wt.Done():
				return
			default:
				s.Clock().Advance(5)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	needy, err := factory.CreateInstance(cache.NewMemoryStore())
	if err != nil {
		t.Fatalf("CreateInstance(needy): %v", err)
	}
	reader := s.NewThread(1)
	readerErr := make(chan error, 1)
	s.Start(reader, func(th *sched.Thread) {
		_, err := needy.Write(th, []byte("new page"), 0)
		readerErr <- err
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-readerErr:
			if err != nil {
				t.Fatalf("needy.Write: %v", err)
			}
			return
		default:
			s.Clock().Advance(1)
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("allocation for the needy cache never completed; writeback never freed a standby page")
}
