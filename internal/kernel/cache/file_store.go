package cache

import (
	"errors"
	"io"
	"os"

	"github.com/gokernel/gokernel/internal/kernel/kerrors"
)

// FileStore is a BackingStore over a real file, grounded on the
// corpus's own disk-backed storage engine (SimonWaldherr-tinySQL's
// internal/storage backend_disk.go wraps an *os.File the same way:
// positioned reads/writes plus an explicit Sync on flush).
type FileStore struct {
	f *os.File
}

// OpenFileStore opens (creating if necessary) path as a FileStore.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ErrIO, "filestore: open %s: %v", path, err)
	}
	return &FileStore{f: f}, nil
}

func (fs *FileStore) ReadAt(p []byte, off int64) (int, error) {
	n, err := fs.f.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, kerrors.Wrap(kerrors.ErrIO, "filestore: read: %v", err)
	}
	return n, nil
}

func (fs *FileStore) WriteAt(p []byte, off int64) (int, error) {
	n, err := fs.f.WriteAt(p, off)
	if err != nil {
		return n, kerrors.Wrap(kerrors.ErrIO, "filestore: write: %v", err)
	}
	return n, nil
}

func (fs *FileStore) Size() (int64, error) {
	st, err := fs.f.Stat()
	if err != nil {
		return 0, kerrors.Wrap(kerrors.ErrIO, "filestore: stat: %v", err)
	}
	return st.Size(), nil
}

func (fs *FileStore) SetSize(n int64) error {
	if n < 0 {
		return kerrors.Wrap(kerrors.ErrInvalidArgument, "filestore: negative size %d", n)
	}
	if err := fs.f.Truncate(n); err != nil {
		return kerrors.Wrap(kerrors.ErrIO, "filestore: truncate: %v", err)
	}
	return nil
}

func (fs *FileStore) Flush() error {
	if err := fs.f.Sync(); err != nil {
		return kerrors.Wrap(kerrors.ErrIO, "filestore: sync: %v", err)
	}
	return nil
}

func (fs *FileStore) Close() error { return fs.f.Close() }
