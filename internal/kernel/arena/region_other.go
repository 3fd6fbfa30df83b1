//go:build !linux

package arena

// newRegion is the portable fallback: a plain heap-backed slice. Only
// Linux gets the real mmap'd mapping; every other GOOS still compiles
// and runs the same allocator logic against ordinary Go memory.
func newRegion(size int) (region, error) {
	return region{bytes: make([]byte, size)}, nil
}

func (r region) close() error {
	return nil
}
