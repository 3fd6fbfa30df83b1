package arena

import "testing"

func TestAllocFreeRoundTrip(t *testing.T) {
	a, err := New(64 * 1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	before := a.Size()

	off, buf, err := a.Alloc(4096, 4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(buf) != 4096 {
		t.Fatalf("len(buf) = %d, want 4096", len(buf))
	}
	if off%4096 != 0 {
		t.Fatalf("offset %d not 4096-aligned", off)
	}

	if err := a.Free(off, 4096); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if got := a.Size(); got != before {
		t.Fatalf("Size after round trip = %d, want %d", got, before)
	}
}

func TestAllocLastReturnsHighEnd(t *testing.T) {
	a, err := New(3 * 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	off, _, err := a.AllocLast(4096, 4096)
	if err != nil {
		t.Fatalf("AllocLast: %v", err)
	}
	if off != 2*4096 {
		t.Fatalf("AllocLast offset = %d, want %d", off, 2*4096)
	}
}

func TestFreeCoalescesNeighbors(t *testing.T) {
	a, err := New(3 * 1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	o1, _, _ := a.Alloc(1024, 1)
	o2, _, _ := a.Alloc(1024, 1)
	o3, _, _ := a.Alloc(1024, 1)

	if err := a.Free(o1, 1024); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(o3, 1024); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(o2, 1024); err != nil {
		t.Fatal(err)
	}

	if got := a.Size(); got != 3*1024 {
		t.Fatalf("Size = %d, want %d after full coalesce", got, 3*1024)
	}
	if len(a.free) != 1 {
		t.Fatalf("free list has %d cells, want 1 after full coalesce", len(a.free))
	}
}

func TestAllocExhaustion(t *testing.T) {
	a, err := New(4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if _, _, err := a.Alloc(4096, 1); err != nil {
		t.Fatalf("first Alloc: %v", err)
	}
	if _, _, err := a.Alloc(1, 1); err == nil {
		t.Fatal("expected ErrOutOfResource on exhausted arena")
	}
}
