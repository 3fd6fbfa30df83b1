package cache

import (
	"sync"

	"github.com/gokernel/gokernel/internal/kernel/kerrors"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

// Stream is a positioned byte-channel view over a Cache (spec.md §3,
// §4.6). Its lifetime is bounded by the Cache: construction adds a
// reference, Close releases it.
type Stream struct {
	c   *Cache
	mu  sync.Mutex // guards position for the at-current-position variants
	pos int64
}

func newStream(c *Cache) *Stream {
	c.AddRef()
	return &Stream{c: c}
}

// NewStream opens a read/write Stream over c.
func NewStream(c *Cache) *Stream { return newStream(c) }

// Position returns the stream's current read/write cursor.
func (s *Stream) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// SetPosition moves the cursor.
func (s *Stream) SetPosition(p int64) {
	s.mu.Lock()
	s.pos = p
	s.mu.Unlock()
}

// Size returns the underlying cache's nominal size.
func (s *Stream) Size() int64 { return s.c.Size() }

// SetSize resizes the underlying cache.
func (s *Stream) SetSize(t *sched.Thread, n int64) error { return s.c.SetSize(t, n) }

// Read reads into buf at the stream's current position and advances
// it by the number of bytes read.
func (s *Stream) Read(t *sched.Thread, buf []byte) (int, error) {
	s.mu.Lock()
	pos := s.pos
	n, err := s.c.Read(t, buf, pos)
	s.pos = pos + int64(n)
	s.mu.Unlock()
	return n, err
}

// ReadAt reads into buf at offset without touching the stream's
// position.
func (s *Stream) ReadAt(t *sched.Thread, buf []byte, offset int64) (int, error) {
	return s.c.Read(t, buf, offset)
}

// Write writes buf at the stream's current position and advances it.
func (s *Stream) Write(t *sched.Thread, buf []byte) (int, error) {
	s.mu.Lock()
	pos := s.pos
	n, err := s.c.Write(t, buf, pos)
	s.pos = pos + int64(n)
	s.mu.Unlock()
	return n, err
}

// WriteAt writes buf at offset without touching the stream's
// position.
func (s *Stream) WriteAt(t *sched.Thread, buf []byte, offset int64) (int, error) {
	return s.c.Write(t, buf, offset)
}

// Flush forces dirty pages for the underlying cache out to its
// backing store.
func (s *Stream) Flush(t *sched.Thread) error { return s.c.Flush(t) }

// Close releases this stream's reference to its cache.
func (s *Stream) Close() { s.c.Release() }

// InputStream is a Stream that refuses writes (spec.md §4.6).
type InputStream struct{ *Stream }

func NewInputStream(c *Cache) *InputStream { return &InputStream{newStream(c)} }

func (s *InputStream) Write(t *sched.Thread, buf []byte) (int, error) {
	return 0, kerrors.Wrap(kerrors.ErrAccessDenied, "cache: write on InputStream")
}

func (s *InputStream) WriteAt(t *sched.Thread, buf []byte, offset int64) (int, error) {
	return 0, kerrors.Wrap(kerrors.ErrAccessDenied, "cache: write on InputStream")
}

// OutputStream is a Stream that refuses reads (spec.md §4.6).
type OutputStream struct{ *Stream }

func NewOutputStream(c *Cache) *OutputStream { return &OutputStream{newStream(c)} }

func (s *OutputStream) Read(t *sched.Thread, buf []byte) (int, error) {
	return 0, kerrors.Wrap(kerrors.ErrAccessDenied, "cache: read on OutputStream")
}

func (s *OutputStream) ReadAt(t *sched.Thread, buf []byte, offset int64) (int, error) {
	return 0, kerrors.Wrap(kerrors.ErrAccessDenied, "cache: read on OutputStream")
}
