package journal

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/OneOfOne/xxhash"
	"tlog.app/go/errors"
)

var (
	ErrBadFile  = errors.New("not a journal file")
	ErrChecksum = errors.New("journal entry checksum mismatch")
	ErrTorn     = errors.New("journal entry truncated")
	ErrBackLink = errors.New("journal entry back link mismatch")
	ErrTrailing = errors.New("journal entry has trailing data")
)

// Reader scans one journal file forward or backward.
type Reader struct {
	reg *Registry
	num uint32
	b   []byte
	pos int
}

func OpenReader(dir string, num uint32, reg *Registry) (*Reader, error) {
	b, err := os.ReadFile(FileName(dir, num))
	if err != nil {
		return nil, errors.Wrap(err, "read journal file")
	}

	return NewReader(b, num, reg)
}

func NewReader(b []byte, num uint32, reg *Registry) (*Reader, error) {
	if len(b) < FileHeaderSize || !bytes.Equal(b[:4], Magic[:]) {
		return nil, errors.Wrap(ErrBadFile, "file %x", num)
	}

	if v := binary.BigEndian.Uint16(b[4:]); v != Version {
		return nil, errors.Wrap(ErrBadFile, "file %x: version %d", num, v)
	}

	return &Reader{
		reg: reg,
		num: num,
		b:   b,
		pos: FileHeaderSize,
	}, nil
}

func (r *Reader) File() uint32 { return r.num }

// Pos is the offset of the next entry Next would return.
func (r *Reader) Pos() int64 { return int64(r.pos) }

func (r *Reader) Size() int64 { return int64(len(r.b)) }

func (r *Reader) SeekTo(off int64) { r.pos = int(off) }

func (r *Reader) SeekEnd() { r.pos = len(r.b) }

// Next decodes the entry at Pos and advances past it.
// It returns io.EOF at the clean end of the file.
func (r *Reader) Next() (Loggable, error) {
	if r.pos == len(r.b) {
		return nil, io.EOF
	}

	l, end, err := r.decode(r.pos)
	if err != nil {
		return nil, err
	}

	r.pos = end

	return l, nil
}

// Prev decodes the entry ending at Pos and moves Pos to its start.
// It returns io.EOF at the beginning of the file.
func (r *Reader) Prev() (Loggable, error) {
	if r.pos <= FileHeaderSize {
		return nil, io.EOF
	}

	if r.pos < FileHeaderSize+EntryOverhead {
		return nil, errors.Wrap(ErrTorn, "file %x off %x", r.num, r.pos)
	}

	back := int(binary.BigEndian.Uint16(r.b[r.pos-EntryTrailerSize:]))
	st := r.pos - EntryTrailerSize - back

	if st < FileHeaderSize {
		return nil, errors.Wrap(ErrBackLink, "file %x off %x", r.num, r.pos)
	}

	l, end, err := r.decode(st)
	if err != nil {
		return nil, err
	}

	if end != r.pos {
		return nil, errors.Wrap(ErrBackLink, "file %x off %x", r.num, r.pos)
	}

	r.pos = st

	return l, nil
}

func (r *Reader) decode(st int) (l Loggable, end int, err error) {
	b := r.b[st:]

	if len(b) < EntryHeaderSize {
		return nil, 0, errors.Wrap(ErrTorn, "file %x off %x: header", r.num, st)
	}

	typ := b[0]
	txn := TxnID(binary.BigEndian.Uint64(b[1:]))
	size := int(binary.BigEndian.Uint16(b[9:]))

	total := EntryOverhead + size
	if len(b) < total {
		return nil, 0, errors.Wrap(ErrTorn, "file %x off %x: need %d bytes, have %d", r.num, st, total, len(b))
	}

	sum := binary.BigEndian.Uint64(b[total-8:])
	if xxhash.Checksum64(b[:total-8]) != sum {
		return nil, 0, errors.Wrap(ErrChecksum, "file %x off %x", r.num, st)
	}

	if back := int(binary.BigEndian.Uint16(b[total-EntryTrailerSize:])); back != EntryHeaderSize+size {
		return nil, 0, errors.Wrap(ErrBackLink, "file %x off %x", r.num, st)
	}

	l, err = r.reg.New(typ, txn)
	if err != nil {
		return nil, 0, errors.Wrap(err, "file %x off %x", r.num, st)
	}

	n, err := l.Read(b[EntryHeaderSize : EntryHeaderSize+size])
	if err != nil {
		return nil, 0, errors.Wrap(err, "file %x off %x: read %v", r.num, st, r.reg.Name(typ))
	}

	if n != size {
		return nil, 0, errors.Wrap(ErrTrailing, "file %x off %x: read %d of %d", r.num, st, n, size)
	}

	l.SetLSN(MakeLSN(r.num, int64(st)))

	return l, st + total, nil
}

// Truncate cuts a journal file at off. Used to drop a torn tail.
func Truncate(dir string, num uint32, off int64) error {
	err := os.Truncate(FileName(dir, num), off)
	if err != nil {
		return errors.Wrap(err, "truncate journal")
	}

	return nil
}
