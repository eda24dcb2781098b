package xdom

import (
	"encoding/binary"
	"fmt"

	"tlog.app/go/errors"
)

/*
	Data page, after the common page header

	20: <prev page>
	28: RR RR TT TT __ __ __ __   // record count, next tid
	30: records

	Record

		tid    uint16 // flags in the high bits
		len    uint16 // 0xffff: data is the first page of an overflow chain
		back   int64  // original address, relocated records only
		data   []byte

	Link, a record moved to another page

		tid    uint16 // tidLink set
		addr   int64

	Overflow page

	20: data, dataLen bytes
*/

const (
	domPrev     = 0x20
	domRecCount = 0x28
	domNextTid  = 0x2a
	domData     = 0x30

	tidLink      = 0x8000
	tidRelocated = 0x4000
	tidMask      = 0x3fff
	maxTid       = tidMask

	lenOverflow = 0xffff

	linkSize = 2 + 8
)

// NoAddr is the nil record address.
const NoAddr int64 = -1

// MakeAddr makes a record address of a page and a tid.
func MakeAddr(page int64, tid uint16) int64 { return page<<16 | int64(tid&tidMask) }

func AddrPage(a int64) int64 { return a >> 16 }
func AddrTid(a int64) uint16 { return uint16(a) & tidMask }

func isLink(tid uint16) bool      { return tid&tidLink != 0 }
func isRelocated(tid uint16) bool { return tid&tidRelocated != 0 }

type record struct {
	off  int // from domData
	size int

	tid  uint16
	link int64 // links only
	back int64 // relocated only

	overflow bool
	data     []byte
}

func initDataPage(b []byte, prev, next int64, tid uint16) {
	for i := pageHeaderSize; i < len(b); i++ {
		b[i] = 0
	}

	b[offStatus] = pageData
	setDataLen(b, 0)
	setInt64(b, offNext, next)
	setInt64(b, domPrev, prev)
	setRecCount(b, 0)
	setNextTid(b, tid)
}

func recCount(b []byte) int       { return int(binary.BigEndian.Uint16(b[domRecCount:])) }
func setRecCount(b []byte, n int) { binary.BigEndian.PutUint16(b[domRecCount:], uint16(n)) }

func nextTid(b []byte) uint16       { return binary.BigEndian.Uint16(b[domNextTid:]) }
func setNextTid(b []byte, t uint16) { binary.BigEndian.PutUint16(b[domNextTid:], t) }

func bumpTid(b []byte, tid uint16) {
	if t := tid&tidMask + 1; t > nextTid(b) {
		setNextTid(b, t)
	}
}

func recData(b []byte) []byte {
	return b[domData : domData+dataLen(b)]
}

// recAt parses the record at off.
func recAt(b []byte, off int) (r record, err error) {
	d := recData(b)

	if off+2 > len(d) {
		return r, errors.Wrap(ErrCorrupted, "record at %x: page end %x", off, len(d))
	}

	r.off = off
	r.tid = binary.BigEndian.Uint16(d[off:])
	r.back = NoAddr
	r.link = NoAddr

	if isLink(r.tid) {
		if off+linkSize > len(d) {
			return r, errors.Wrap(ErrCorrupted, "link at %x: page end %x", off, len(d))
		}

		r.link = int64(binary.BigEndian.Uint64(d[off+2:]))
		r.size = linkSize

		return r, nil
	}

	if off+4 > len(d) {
		return r, errors.Wrap(ErrCorrupted, "record at %x: page end %x", off, len(d))
	}

	l := int(binary.BigEndian.Uint16(d[off+2:]))
	st := off + 4

	if l == lenOverflow {
		r.overflow = true
		l = 8
	}

	if isRelocated(r.tid) {
		if st+8 > len(d) {
			return r, errors.Wrap(ErrCorrupted, "record at %x: no back link", off)
		}

		r.back = int64(binary.BigEndian.Uint64(d[st:]))
		st += 8
	}

	if st+l > len(d) {
		return r, errors.Wrap(ErrCorrupted, "record at %x: len %x: page end %x", off, l, len(d))
	}

	r.data = d[st : st+l]
	r.size = st + l - off

	return r, nil
}

// records parses records starting at off.
func records(b []byte, off int) ([]record, error) {
	var rs []record

	end := dataLen(b)

	for off < end {
		r, err := recAt(b, off)
		if err != nil {
			return nil, err
		}

		rs = append(rs, r)
		off += r.size
	}

	return rs, nil
}

func findTid(b []byte, tid uint16) (record, bool, error) {
	end := dataLen(b)

	for off := 0; off < end; {
		r, err := recAt(b, off)
		if err != nil {
			return r, false, err
		}

		if r.tid&tidMask == tid&tidMask {
			return r, true, nil
		}

		off += r.size
	}

	return record{}, false, nil
}

// findLink finds the link pointing to addr.
func findLink(b []byte, hint int, addr int64) (record, bool, error) {
	if r, err := recAt(b, hint); err == nil && isLink(r.tid) && r.link == addr {
		return r, true, nil
	}

	rs, err := records(b, 0)
	if err != nil {
		return record{}, false, err
	}

	for _, r := range rs {
		if isLink(r.tid) && r.link == addr {
			return r, true, nil
		}
	}

	return record{}, false, nil
}

// reserved is the page space records hold, counting each of them
// at least as big as a link, so any record can be replaced by a link in place.
func reserved(b []byte) (int, error) {
	rs, err := records(b, 0)
	if err != nil {
		return 0, err
	}

	s := 0
	for _, r := range rs {
		s += footprint(r.size)
	}

	return s, nil
}

func footprint(size int) int {
	if size < linkSize {
		return linkSize
	}

	return size
}

func rawValue(tid uint16, back int64, overflow bool, data []byte) []byte {
	raw := make([]byte, 0, 12+len(data))

	if back != NoAddr {
		tid |= tidRelocated
	}

	raw = binary.BigEndian.AppendUint16(raw, tid)

	if overflow {
		raw = binary.BigEndian.AppendUint16(raw, lenOverflow)
	} else {
		raw = binary.BigEndian.AppendUint16(raw, uint16(len(data)))
	}

	if back != NoAddr {
		raw = binary.BigEndian.AppendUint64(raw, uint64(back))
	}

	return append(raw, data...)
}

func rawLink(tid uint16, addr int64) []byte {
	raw := make([]byte, 0, linkSize)
	raw = binary.BigEndian.AppendUint16(raw, tid&tidMask|tidLink)

	return binary.BigEndian.AppendUint64(raw, uint64(addr))
}

func insertRaw(b []byte, off int, raw []byte) {
	end := dataLen(b)
	if off > end {
		off = end
	}

	d := b[domData:]
	copy(d[off+len(raw):], d[off:end])
	copy(d[off:], raw)

	setDataLen(b, end+len(raw))
	setRecCount(b, recCount(b)+1)
}

func removeRaw(b []byte, off, size int) {
	end := dataLen(b)
	d := b[domData:]

	copy(d[off:], d[off+size:end])

	for i := end - size; i < end; i++ {
		d[i] = 0
	}

	setDataLen(b, end-size)
	setRecCount(b, recCount(b)-1)
}

// truncateData drops records from off on.
func truncateData(b []byte, off int) error {
	end := dataLen(b)
	d := b[domData:]

	for i := off; i < end; i++ {
		d[i] = 0
	}

	setDataLen(b, off)

	rs, err := records(b, 0)
	if err != nil {
		return err
	}

	setRecCount(b, len(rs))

	return nil
}

// setData replaces all the records of the page.
func setData(b []byte, data []byte) error {
	d := b[domData:]

	for i := range d {
		d[i] = 0
	}

	copy(d, data)
	setDataLen(b, len(data))

	rs, err := records(b, 0)
	if err != nil {
		return err
	}

	setRecCount(b, len(rs))

	return nil
}

func dumpDataPage(no int64, b []byte) string {
	s := fmt.Sprintf("data page %x  prev %x next %x  records %d  next tid %d  len %x\n",
		no, getInt64(b, domPrev), getInt64(b, offNext), recCount(b), nextTid(b), dataLen(b))

	rs, err := records(b, 0)
	if err != nil {
		return s + fmt.Sprintf("    %v\n", err)
	}

	for _, r := range rs {
		switch {
		case isLink(r.tid):
			s += fmt.Sprintf("    %4x  tid %4d  link -> %x\n", r.off, r.tid&tidMask, r.link)
		case r.overflow:
			s += fmt.Sprintf("    %4x  tid %4d  overflow %x\n", r.off, r.tid&tidMask, getInt64(r.data, 0))
		default:
			s += fmt.Sprintf("    %4x  tid %4d  back %x  %q\n", r.off, r.tid&tidMask, r.back, r.data)
		}
	}

	return s
}
