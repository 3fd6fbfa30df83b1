//go:build linux

package arena

import "golang.org/x/sys/unix"

// newRegion allocates the backing bytes for an Arena as one real
// anonymous mmap'd mapping, standing in for a physical memory region
// (spec.md §4.2: "a lowest-level free-list allocator over one or more
// physical memory regions"). Grounded on tinySQL's own indirect
// golang.org/x/sys dependency; munmap on Close actually returns the
// pages to the OS instead of merely dropping a Go slice.
func newRegion(size int) (region, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return region{}, err
	}
	return region{bytes: buf, mmapped: true}, nil
}

func (r region) close() error {
	if !r.mmapped {
		return nil
	}
	return unix.Munmap(r.bytes)
}
