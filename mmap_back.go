//go:build linux || darwin

package xdom

import (
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"tlog.app/go/errors"
)

// MmapBack is a read-only mapping of a data file.
// It is used to inspect files without going through the page cache.
type MmapBack struct {
	mu sync.RWMutex
	f  *os.File
	d  []byte
}

var _ Back = &MmapBack{}

func Mmap(name string) (_ *MmapBack, err error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(ErrLocked, "%v", name)
	}

	b := &MmapBack{f: f}

	inf, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "stat")
	}

	if inf.Size() == 0 {
		return b, nil
	}

	b.d, err = unix.Mmap(int(f.Fd()), 0, int(inf.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "mmap")
	}

	return b, nil
}

func (b *MmapBack) ReadAt(p []byte, off int64) (int, error) {
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

func (b *MmapBack) WriteAt(p []byte, off int64) (int, error) { return 0, ErrReadOnly }
func (b *MmapBack) Truncate(s int64) error                   { return ErrReadOnly }
func (b *MmapBack) Sync() error                              { return nil }

func (b *MmapBack) Size() int64 {
	defer b.mu.RUnlock()
	b.mu.RLock()

	return int64(len(b.d))
}

func (b *MmapBack) Close() (err error) {
	defer b.mu.Unlock()
	b.mu.Lock()

	if b.d != nil {
		err = unix.Munmap(b.d)
		b.d = nil
	}

	if e := b.f.Close(); err == nil {
		err = e
	}

	return err
}
