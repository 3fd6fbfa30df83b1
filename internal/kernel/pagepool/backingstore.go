package pagepool

// BackingStore is the abstract byte channel a Page reads from and
// writes to (spec.md §4.4/§4.5: "any implementation of the Stream
// interface that a Cache wraps"). It is declared here rather than in
// the cache package so Page's Fill/Sync methods can depend on it
// without pagepool importing cache — cache's concrete stores just
// need to satisfy this method set.
type BackingStore interface {
	ReadAt(p []byte, offset int64) (int, error)
	WriteAt(p []byte, offset int64) (int, error)
	Size() (int64, error)
	SetSize(int64) error
	Flush() error
}
