package journal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/nikandfor/hacked/low"
	"golang.org/x/sys/unix"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

/*
	Journal file

	00: 0e 0d 0b 01 VV VV         // magic, version
	06: entry*

	Entry

	00: TT                        // type
	01: XX XX XX XX XX XX XX XX   // transaction id
	09: LL LL                     // data length
	0b: data[LL]
	  : BB BB                     // back link: 0x0b + LL
	  : SS SS SS SS SS SS SS SS   // xxhash64 over header, data and back link
*/

const (
	FileHeaderSize   = 6
	EntryHeaderSize  = 11
	EntryTrailerSize = 10
	EntryOverhead    = EntryHeaderSize + EntryTrailerSize

	MaxDataSize = 0xffff

	Version = 1

	FileSuffix = ".log"
	LockFile   = "journal.lck"

	flushAt = 64 << 10
)

var Magic = [4]byte{0x0e, 0x0d, 0x0b, 0x01}

var (
	ErrClosed        = errors.New("journal closed")
	ErrLocked        = errors.New("journal is locked by another process")
	ErrEntryTooLarge = errors.New("journal entry too large")
	ErrSizeMismatch  = errors.New("journal entry size mismatch")
	ErrFileFull      = errors.New("journal file offset overflow")
	ErrFailed        = errors.New("journal failed")
)

type Journal struct {
	dir string
	l   *tlog.Logger

	mu   sync.Mutex
	lock *os.File
	f    *os.File
	num  uint32
	off  int64 // end of the file including buffered entries
	buf  low.Buf

	// err is the first write or sync failure.
	// Entries after it have no place in the file.
	err error
}

// Open locks the journal directory and finds the last journal file.
// Nothing is written until SwitchFiles is called.
func Open(dir string, l *tlog.Logger) (_ *Journal, err error) {
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, errors.Wrap(err, "create journal dir")
	}

	lock, err := os.OpenFile(filepath.Join(dir, LockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}

	err = unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = lock.Close()
		return nil, errors.Wrap(ErrLocked, "%v", dir)
	}

	j := &Journal{
		dir:  dir,
		l:    l,
		lock: lock,
	}

	files, err := Files(dir)
	if err != nil {
		_ = j.Close()
		return nil, err
	}

	if len(files) != 0 {
		j.num = files[len(files)-1]
	}

	return j, nil
}

func (j *Journal) Dir() string { return j.dir }

// Write appends l to the journal buffer and assigns its LSN.
func (j *Journal) Write(l Loggable) (lsn LSN, err error) {
	size := l.LogSize()
	if size > MaxDataSize {
		return 0, errors.Wrap(ErrEntryTooLarge, "%v: %d bytes", l, size)
	}

	defer j.mu.Unlock()
	j.mu.Lock()

	if j.f == nil {
		return 0, ErrClosed
	}

	if j.err != nil {
		return 0, j.err
	}

	if j.off+int64(size+EntryOverhead) > 1<<32-1 {
		return 0, ErrFileFull
	}

	st := len(j.buf)

	j.buf = append(j.buf, l.Type())
	j.buf = binary.BigEndian.AppendUint64(j.buf, uint64(l.Txn()))
	j.buf = binary.BigEndian.AppendUint16(j.buf, uint16(size))

	data := len(j.buf)
	j.buf = l.Write(j.buf)

	if n := len(j.buf) - data; n != size {
		j.buf = j.buf[:st]
		return 0, errors.Wrap(ErrSizeMismatch, "%v: wrote %d, log size %d", l, n, size)
	}

	j.buf = binary.BigEndian.AppendUint16(j.buf, uint16(EntryHeaderSize+size))

	sum := xxhash.Checksum64(j.buf[st:])
	j.buf = binary.BigEndian.AppendUint64(j.buf, sum)

	lsn = MakeLSN(j.num, j.off)
	l.SetLSN(lsn)

	j.off += int64(len(j.buf) - st)

	if j.l.V("journal") != nil {
		j.l.Printw("write", "lsn", lsn, "txn", l.Txn(), "size", size, "rec", l.String())
	}

	if len(j.buf) >= flushAt {
		err = j.flush()
	}

	return lsn, err
}

// Flush writes buffered entries to the file, syncing it if requested.
func (j *Journal) Flush(sync bool) error {
	defer j.mu.Unlock()
	j.mu.Lock()

	if j.f == nil {
		return nil
	}

	err := j.flush()
	if err != nil {
		return err
	}

	if !sync {
		return nil
	}

	return j.sync()
}

func (j *Journal) flush() error {
	if j.err != nil {
		return j.err
	}

	if len(j.buf) == 0 {
		return nil
	}

	_, err := j.f.Write(j.buf)
	if err != nil {
		return j.fail(errors.Wrap(err, "write journal"))
	}

	j.buf = j.buf[:0]

	return nil
}

func (j *Journal) sync() error {
	if j.err != nil {
		return j.err
	}

	err := j.f.Sync()
	if err != nil {
		return j.fail(errors.Wrap(err, "sync journal"))
	}

	return nil
}

// fail stops the journal: the entries already numbered
// may be partially written, so nothing else can follow them.
func (j *Journal) fail(err error) error {
	j.err = errors.Wrap(ErrFailed, "%v", err)

	j.l.Printw("journal failed", "file", j.num, "off", j.off, "err", err)

	return j.err
}

// Err returns the failure that stopped the journal, if any.
func (j *Journal) Err() error {
	defer j.mu.Unlock()
	j.mu.Lock()

	return j.err
}

// SwitchFiles closes the current file and starts the next one.
func (j *Journal) SwitchFiles() (err error) {
	defer j.mu.Unlock()
	j.mu.Lock()

	if j.f != nil {
		err = j.closeFile()
		if err != nil {
			return err
		}
	}

	j.num++
	name := FileName(j.dir, j.num)

	if _, err := os.Stat(name); err == nil {
		err = os.Rename(name, name+".bak")
		if err != nil {
			return errors.Wrap(err, "move aside existing journal")
		}
	}

	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "create journal file")
	}

	var hdr [FileHeaderSize]byte
	copy(hdr[:], Magic[:])
	binary.BigEndian.PutUint16(hdr[4:], Version)

	_, err = f.Write(hdr[:])
	if err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write journal header")
	}

	j.f = f
	j.off = FileHeaderSize

	j.l.Printw("journal file", "file", name)

	return nil
}

// File returns the number of the current journal file.
func (j *Journal) File() uint32 {
	defer j.mu.Unlock()
	j.mu.Lock()

	return j.num
}

// Size returns the size of the current journal file including buffered entries.
func (j *Journal) Size() int64 {
	defer j.mu.Unlock()
	j.mu.Lock()

	return j.off
}

// Prune removes journal files older than keep.
func (j *Journal) Prune(keep uint32) error {
	files, err := Files(j.dir)
	if err != nil {
		return err
	}

	for _, n := range files {
		if n >= keep {
			break
		}

		err = os.Remove(FileName(j.dir, n))
		if err != nil {
			return errors.Wrap(err, "remove journal file")
		}

		if j.l.V("journal") != nil {
			j.l.Printw("pruned journal file", "file", n)
		}
	}

	return nil
}

func (j *Journal) Close() (err error) {
	defer j.mu.Unlock()
	j.mu.Lock()

	if j.f != nil {
		err = j.closeFile()
	}

	if j.lock != nil {
		if e := j.lock.Close(); err == nil {
			err = e
		}

		j.lock = nil
	}

	return err
}

func (j *Journal) closeFile() error {
	err := j.flush()
	if err == nil {
		err = j.sync()
	}

	if e := j.f.Close(); err == nil {
		err = e
	}

	j.f = nil

	return err
}

func FileName(dir string, num uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%010x%s", num, FileSuffix))
}

// Files lists journal file numbers in dir in ascending order.
func Files(dir string) ([]uint32, error) {
	es, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read journal dir")
	}

	var r []uint32

	for _, e := range es {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, FileSuffix) {
			continue
		}

		n, err := strconv.ParseUint(strings.TrimSuffix(name, FileSuffix), 16, 32)
		if err != nil {
			continue
		}

		r = append(r, uint32(n))
	}

	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })

	return r, nil
}
