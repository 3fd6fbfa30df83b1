package gokernel

import (
	"testing"
	"time"

	"github.com/gokernel/gokernel/internal/kernel/cache"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

func TestNewWiresAndClosesCleanly(t *testing.T) {
	k, err := New(WithPages(8, 4096), WithTickInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		if err := k.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}()

	st := k.Stats()
	if st.Pages.Total != 8 {
		t.Fatalf("Pages.Total = %d, want 8", st.Pages.Total)
	}
	if st.Pages.Free != 8 {
		t.Fatalf("Pages.Free = %d, want 8 before any cache writes", st.Pages.Free)
	}
}

func TestNewCacheRoundTripsThroughKernel(t *testing.T) {
	k, err := New(WithPages(8, 4096), WithTickInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Close()

	c, err := k.NewCache(cache.NewMemoryStore())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	done := make(chan struct{})
	k.NewThread(1, func(th *sched.Thread) {
		defer close(done)
		if _, err := c.Write(th, []byte("hello kernel"), 0); err != nil {
			t.Errorf("Write: %v", err)
			return
		}
		if err := c.Flush(th); err != nil {
			t.Errorf("Flush: %v", err)
			return
		}
		buf := make([]byte, len("hello kernel"))
		if _, err := c.Read(th, buf, 0); err != nil {
			t.Errorf("Read: %v", err)
			return
		}
		if string(buf) != "hello kernel" {
			t.Errorf("Read back %q, want %q", buf, "hello kernel")
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("kernel thread never finished")
	}

	if st := k.Stats(); st.Caches.Standby != 1 {
		t.Fatalf("Caches.Standby = %d, want 1 after flush", st.Caches.Standby)
	}
}

func TestHeapAllocFreeRoundTrips(t *testing.T) {
	k, err := New(WithPages(4, 4096), WithTickInterval(time.Millisecond), WithHeapSize(64*1024))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Close()

	buf, err := k.Heap().Alloc(100)
	if err != nil {
		t.Fatalf("Heap().Alloc: %v", err)
	}
	copy(buf, []byte("device descriptor"))
	if string(buf[:18]) != "device descriptor" {
		t.Fatalf("heap buffer content = %q", buf[:18])
	}
	if err := k.Heap().Free(buf); err != nil {
		t.Fatalf("Heap().Free: %v", err)
	}
}

func TestMetricsHandlerServesExposition(t *testing.T) {
	k, err := New(WithPages(4, 4096), WithTickInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Close()

	k.Stats()
	h := k.MetricsHandler()
	if h == nil {
		t.Fatal("MetricsHandler returned nil")
	}
}
