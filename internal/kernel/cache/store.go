// Package cache implements the unified page cache: it binds a
// pagepool.PageSet and a BackingStore together, serves positioned
// reads and writes through resident pages, and runs the writeback
// protocol described in spec.md §4.5.
package cache

import (
	"sync"

	"github.com/gokernel/gokernel/internal/kernel/kerrors"
)

// MemoryStore is a BackingStore over an in-memory byte slice,
// grounded on the corpus's own memory-backed storage engine
// (SimonWaldherr-tinySQL's internal/storage backend_memory.go keeps
// all pages in a Go map rather than on disk; this is the same idea
// applied to a flat byte buffer).
type MemoryStore struct {
	mu  sync.Mutex
	buf []byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 {
		return 0, kerrors.Wrap(kerrors.ErrInvalidArgument, "memstore: negative offset")
	}
	if off >= int64(len(m.buf)) {
		return 0, nil
	}
	return copy(p, m.buf[off:]), nil
}

func (m *MemoryStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 {
		return 0, kerrors.Wrap(kerrors.ErrInvalidArgument, "memstore: negative offset")
	}
	need := int(off) + len(p)
	if need > len(m.buf) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	return copy(m.buf[off:], p), nil
}

func (m *MemoryStore) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.buf)), nil
}

func (m *MemoryStore) SetSize(n int64) error {
	if n < 0 {
		return kerrors.Wrap(kerrors.ErrInvalidArgument, "memstore: negative size %d", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(n) <= len(m.buf) {
		m.buf = m.buf[:n]
		return nil
	}
	grown := make([]byte, n)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

func (m *MemoryStore) Flush() error { return nil }
