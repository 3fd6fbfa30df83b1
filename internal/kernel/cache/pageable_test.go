package cache

import "testing"

// TestPageableGetPutRoundTrip exercises Cache as a Pageable: Get faults
// a page in for mapping, Put reports the mapping's dirty bit back, and
// a subsequent Flush must see the page as changed.
func TestPageableGetPutRoundTrip(t *testing.T) {
	c, _, th := newTestCache(t, 4, 4096)

	if err := c.SetSize(th, 4096); err != nil {
		t.Fatalf("SetSize: %v", err)
	}

	pte, err := c.Get(th, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pte.Page == nil {
		t.Fatal("Get returned a PTE with no page")
	}
	copy(pte.Page.Data()[:5], []byte("mmap!"))
	pte.Dirty = true

	if err := c.Put(th, 0, pte); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !c.HasDirtyPages() {
		t.Fatal("Put with Dirty=true should have marked the page changed")
	}

	if err := c.Flush(th); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if c.HasDirtyPages() {
		t.Fatal("Flush should have cleared the page Put marked changed")
	}

	got := make([]byte, 5)
	if _, err := c.Read(th, got, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "mmap!" {
		t.Fatalf("Read back %q, want %q", got, "mmap!")
	}
}

// TestPageableGetPutCleanReleasesWithoutMarkingChanged checks that a
// Put with Dirty=false just releases the pin Get took, leaving a
// previously clean page off the changed list.
func TestPageableGetPutCleanReleasesWithoutMarkingChanged(t *testing.T) {
	c, _, th := newTestCache(t, 4, 4096)

	if err := c.SetSize(th, 4096); err != nil {
		t.Fatalf("SetSize: %v", err)
	}

	pte, err := c.Get(th, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := c.Put(th, 0, pte); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if c.HasDirtyPages() {
		t.Fatal("Put with Dirty=false must not mark the page changed")
	}
}
