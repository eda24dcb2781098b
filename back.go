package xdom

import (
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"tlog.app/go/errors"
)

type (
	// Back is the storage a paged file lives on.
	Back interface {
		io.ReaderAt
		io.WriterAt

		Size() int64
		Truncate(size int64) error
		Sync() error
		Close() error
	}

	MemBack struct {
		mu sync.RWMutex
		d  []byte
	}

	FileBack struct {
		f *os.File
	}
)

var ErrLocked = errors.New("file is locked by another process")

func NewMemBack(size int64) *MemBack {
	return &MemBack{
		d: make([]byte, size),
	}
}

func (b *MemBack) ReadAt(p []byte, off int64) (int, error) {
	defer b.mu.RUnlock()
	b.mu.RLock()

	if off >= int64(len(b.d)) {
		return 0, io.EOF
	}

	n := copy(p, b.d[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (b *MemBack) WriteAt(p []byte, off int64) (int, error) {
	defer b.mu.Unlock()
	b.mu.Lock()

	if end := off + int64(len(p)); end > int64(len(b.d)) {
		b.grow(end)
	}

	return copy(b.d[off:], p), nil
}

func (b *MemBack) Truncate(s int64) error {
	defer b.mu.Unlock()
	b.mu.Lock()

	if s <= int64(len(b.d)) {
		b.d = b.d[:s]
		return nil
	}

	b.grow(s)

	return nil
}

func (b *MemBack) grow(s int64) {
	if cap(b.d) >= int(s) {
		b.d = b.d[:s]
		return
	}

	c := make([]byte, s, s*5/4)
	copy(c, b.d)
	b.d = c
}

func (b *MemBack) Size() int64 {
	defer b.mu.RUnlock()
	b.mu.RLock()

	return int64(len(b.d))
}

// Bytes returns a copy of the contents.
func (b *MemBack) Bytes() []byte {
	defer b.mu.RUnlock()
	b.mu.RLock()

	return append([]byte{}, b.d...)
}

func (b *MemBack) Sync() error  { return nil }
func (b *MemBack) Close() error { return nil }

// OpenFile opens or creates a file and takes an exclusive flock on it.
func OpenFile(name string, flags int) (*FileBack, error) {
	if flags == 0 {
		flags = os.O_CREATE | os.O_RDWR
	}

	f, err := os.OpenFile(name, flags, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}

	how := unix.LOCK_EX
	if flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		how = unix.LOCK_SH
	}

	err = unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(ErrLocked, "%v", name)
	}

	return &FileBack{f: f}, nil
}

func (b *FileBack) ReadAt(p []byte, off int64) (int, error)  { return b.f.ReadAt(p, off) }
func (b *FileBack) WriteAt(p []byte, off int64) (int, error) { return b.f.WriteAt(p, off) }

func (b *FileBack) Size() int64 {
	inf, err := b.f.Stat()
	if err != nil {
		return 0
	}

	return inf.Size()
}

func (b *FileBack) Truncate(s int64) error { return b.f.Truncate(s) }
func (b *FileBack) Sync() error            { return b.f.Sync() }
func (b *FileBack) Close() error           { return b.f.Close() }

func (b *FileBack) Name() string { return b.f.Name() }
