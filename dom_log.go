package xdom

import (
	"encoding/binary"
	"fmt"

	"tlog.app/go/errors"

	"nikand.dev/go/xdom/journal"
)

// Data page records. Page numbers are written as 4 bytes.
//
// Redo is physical and skipped if the page is newer than the record.
// Undo finds records by tid, so it doesn't depend on where in the page
// they are now. Records freeing pages redo nothing: the images of the
// freed pages and the file header follow them.
const (
	TypeCreatePage byte = 0x20 + iota
	TypeAddValue
	TypeAddMovedValue
	TypeInsertValue
	TypeRemoveValue
	TypeUpdateValue
	TypeRemovePage
	TypeSplitPage
	TypeUpdateHeader
	TypeAddLink
	TypeUpdateLink
	TypeWriteOverflow
	TypeRemoveOverflow
)

type (
	domRecord struct {
		journal.Base

		fs *Files

		Page int64
	}

	CreatePage struct {
		domRecord

		Prev, Next int64
		NextTid    uint16
	}

	AddValue struct {
		domRecord

		Overflow bool
		Tid      uint16
		Data     []byte
	}

	// AddMovedValue adds a record relocated from BackLink.
	AddMovedValue struct {
		AddValue

		BackLink int64
	}

	// InsertValue inserts a record at Offset.
	// Tid carries the relocated flag, then Data starts with the back link.
	InsertValue struct {
		domRecord

		Overflow bool
		Offset   int
		Tid      uint16
		Data     []byte
	}

	// RemoveValue removes a record or a link.
	// Old is the record as stored, without the tid.
	RemoveValue struct {
		domRecord

		Offset int
		Tid    uint16
		Old    []byte
	}

	UpdateValue struct {
		domRecord

		Tid      uint16
		Offset   int
		Old, New []byte
	}

	RemovePage struct {
		domRecord

		Prev, Next  int64
		Old         []byte
		OldTid      uint16
		OldRecCount uint16
	}

	// SplitPage cuts the records from Offset on.
	SplitPage struct {
		domRecord

		Offset int
		Old    []byte
	}

	UpdateHeader struct {
		domRecord

		NewPrev, NewNext int64
		OldPrev, OldNext int64
	}

	AddLink struct {
		domRecord

		Tid  uint16
		Link int64
	}

	UpdateLink struct {
		domRecord

		Offset   int
		New, Old int64
	}

	WriteOverflow struct {
		domRecord

		Next int64
		Data []byte
	}

	RemoveOverflow struct {
		domRecord

		Next int64
		Old  []byte
	}

	logReader struct {
		b   []byte
		i   int
		err error
	}
)

func registerDOMRecords(r *journal.Registry, fs *Files) {
	base := func() domRecord { return domRecord{fs: fs} }

	r.Register(TypeCreatePage, "create_page", func() journal.Loggable { return &CreatePage{domRecord: base()} })
	r.Register(TypeAddValue, "add_value", func() journal.Loggable { return &AddValue{domRecord: base()} })
	r.Register(TypeAddMovedValue, "add_moved_value", func() journal.Loggable { return &AddMovedValue{AddValue: AddValue{domRecord: base()}} })
	r.Register(TypeInsertValue, "insert_value", func() journal.Loggable { return &InsertValue{domRecord: base()} })
	r.Register(TypeRemoveValue, "remove_value", func() journal.Loggable { return &RemoveValue{domRecord: base()} })
	r.Register(TypeUpdateValue, "update_value", func() journal.Loggable { return &UpdateValue{domRecord: base()} })
	r.Register(TypeRemovePage, "remove_page", func() journal.Loggable { return &RemovePage{domRecord: base()} })
	r.Register(TypeSplitPage, "split_page", func() journal.Loggable { return &SplitPage{domRecord: base()} })
	r.Register(TypeUpdateHeader, "update_header", func() journal.Loggable { return &UpdateHeader{domRecord: base()} })
	r.Register(TypeAddLink, "add_link", func() journal.Loggable { return &AddLink{domRecord: base()} })
	r.Register(TypeUpdateLink, "update_link", func() journal.Loggable { return &UpdateLink{domRecord: base()} })
	r.Register(TypeWriteOverflow, "write_overflow", func() journal.Loggable { return &WriteOverflow{domRecord: base()} })
	r.Register(TypeRemoveOverflow, "remove_overflow", func() journal.Loggable { return &RemoveOverflow{domRecord: base()} })
}

func (*domRecord) FileID() byte { return domFileID }

// redo applies f to the page unless it already has the change.
func (l *domRecord) redo(f func(b []byte) error) error {
	d, err := l.fs.DOM()
	if err != nil {
		return err
	}

	b, err := d.p.redoPage(l.Page, l.LSN())
	if err != nil || b == nil {
		return err
	}

	err = f(b)
	if err != nil {
		return errors.Wrap(err, "page %x", l.Page)
	}

	setLSN(b, l.LSN())

	return nil
}

// redoNew is redo for records creating the page.
func (l *domRecord) redoNew(f func(b []byte)) error {
	d, err := l.fs.DOM()
	if err != nil {
		return err
	}

	b, err := d.p.redoNewPage(l.Page, l.LSN())
	if err != nil || b == nil {
		return err
	}

	f(b)
	setLSN(b, l.LSN())

	return nil
}

// undo applies f to the page if it's a live data page.
func (l *domRecord) undo(f func(b []byte) error) error {
	d, err := l.fs.DOM()
	if err != nil {
		return err
	}

	if d.p.isFree(l.Page) {
		return nil
	}

	b, err := d.p.write(l.Page)
	if err != nil {
		return err
	}

	if b[offStatus] != pageData {
		return errors.Wrap(ErrCorrupted, "undo: page %x: status %d", l.Page, b[offStatus])
	}

	err = f(b)
	if err != nil {
		return errors.Wrap(err, "page %x", l.Page)
	}

	return nil
}

func appendPage(b []byte, no int64) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(int32(no)))
}

func (r *logReader) short(n int) bool {
	if r.err == nil && r.i+n > len(r.b) {
		r.err = journal.ErrShortBuffer
	}

	return r.err != nil
}

func (r *logReader) u8() byte {
	if r.short(1) {
		return 0
	}

	r.i++

	return r.b[r.i-1]
}

func (r *logReader) u16() uint16 {
	if r.short(2) {
		return 0
	}

	r.i += 2

	return binary.BigEndian.Uint16(r.b[r.i-2:])
}

func (r *logReader) u32() uint32 {
	if r.short(4) {
		return 0
	}

	r.i += 4

	return binary.BigEndian.Uint32(r.b[r.i-4:])
}

func (r *logReader) u64() uint64 {
	if r.short(8) {
		return 0
	}

	r.i += 8

	return binary.BigEndian.Uint64(r.b[r.i-8:])
}

func (r *logReader) page() int64 { return int64(int32(r.u32())) }

func (r *logReader) bytes(n int) []byte {
	if r.short(n) {
		return nil
	}

	r.i += n

	return append([]byte{}, r.b[r.i-n:r.i]...)
}

func (r *logReader) done() (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	return r.i, nil
}

func bool2byte(v bool) byte {
	if v {
		return 1
	}

	return 0
}

// create page

func (*CreatePage) Type() byte   { return TypeCreatePage }
func (*CreatePage) LogSize() int { return 14 }

func (l *CreatePage) Write(b []byte) []byte {
	b = appendPage(b, l.Prev)
	b = appendPage(b, l.Page)
	b = appendPage(b, l.Next)

	return binary.BigEndian.AppendUint16(b, l.NextTid)
}

func (l *CreatePage) Read(b []byte) (int, error) {
	r := logReader{b: b}

	l.Prev = r.page()
	l.Page = r.page()
	l.Next = r.page()
	l.NextTid = r.u16()

	return r.done()
}

func (l *CreatePage) Redo() error {
	return l.redoNew(func(b []byte) {
		initDataPage(b, l.Prev, l.Next, l.NextTid)
	})
}

func (l *CreatePage) Undo() error {
	d, err := l.fs.DOM()
	if err != nil {
		return err
	}

	if d.p.isFree(l.Page) {
		return nil
	}

	err = d.p.free(l.Page)
	if err != nil {
		return err
	}

	if d.p.hdr(fhFirst) == l.Page {
		setInt64(d.p.header(), fhFirst, l.Next)
	}

	if d.p.hdr(fhLast) == l.Page {
		setInt64(d.p.header(), fhLast, l.Prev)
	}

	return nil
}

func (l *CreatePage) String() string {
	return fmt.Sprintf("create_page  txn %d  page %x  prev %x next %x  tid %d", l.Txn(), l.Page, l.Prev, l.Next, l.NextTid)
}

// add value

func (*AddValue) Type() byte     { return TypeAddValue }
func (l *AddValue) LogSize() int { return 9 + len(l.Data) }

func (l *AddValue) Write(b []byte) []byte {
	b = appendPage(b, l.Page)
	b = append(b, bool2byte(l.Overflow))
	b = binary.BigEndian.AppendUint16(b, l.Tid)
	b = binary.BigEndian.AppendUint16(b, uint16(len(l.Data)))

	return append(b, l.Data...)
}

func (l *AddValue) Read(b []byte) (int, error) {
	r := logReader{b: b}
	l.read(&r)

	return r.done()
}

func (l *AddValue) read(r *logReader) {
	l.Page = r.page()
	l.Overflow = r.u8() != 0
	l.Tid = r.u16()
	l.Data = r.bytes(int(r.u16()))
}

func (l *AddValue) Redo() error {
	return l.add(NoAddr)
}

func (l *AddValue) add(back int64) error {
	return l.redo(func(b []byte) error {
		_, ok, err := findTid(b, l.Tid)
		if err != nil || ok {
			return err
		}

		insertRaw(b, dataLen(b), rawValue(l.Tid, back, l.Overflow, l.Data))
		bumpTid(b, l.Tid)

		return nil
	})
}

func (l *AddValue) Undo() error {
	return l.undo(func(b []byte) error {
		r, ok, err := findTid(b, l.Tid)
		if err != nil || !ok || isLink(r.tid) {
			return err
		}

		removeRaw(b, r.off, r.size)

		return nil
	})
}

func (l *AddValue) String() string {
	return fmt.Sprintf("add_value  txn %d  page %x tid %d  overflow %v  len %d", l.Txn(), l.Page, l.Tid, l.Overflow, len(l.Data))
}

// add moved value

func (*AddMovedValue) Type() byte     { return TypeAddMovedValue }
func (l *AddMovedValue) LogSize() int { return 17 + len(l.Data) }

func (l *AddMovedValue) Write(b []byte) []byte {
	b = l.AddValue.Write(b)
	return binary.BigEndian.AppendUint64(b, uint64(l.BackLink))
}

func (l *AddMovedValue) Read(b []byte) (int, error) {
	r := logReader{b: b}

	l.read(&r)
	l.BackLink = int64(r.u64())

	return r.done()
}

func (l *AddMovedValue) Redo() error {
	return l.add(l.BackLink)
}

func (l *AddMovedValue) String() string {
	return fmt.Sprintf("add_moved_value  txn %d  page %x tid %d  back %x  overflow %v  len %d", l.Txn(), l.Page, l.Tid, l.BackLink, l.Overflow, len(l.Data))
}

// insert value

func (*InsertValue) Type() byte     { return TypeInsertValue }
func (l *InsertValue) LogSize() int { return 13 + len(l.Data) }

func (l *InsertValue) Write(b []byte) []byte {
	b = appendPage(b, l.Page)
	b = append(b, bool2byte(l.Overflow))
	b = binary.BigEndian.AppendUint32(b, uint32(l.Offset))
	b = binary.BigEndian.AppendUint16(b, l.Tid)
	b = binary.BigEndian.AppendUint16(b, uint16(len(l.Data)))

	return append(b, l.Data...)
}

func (l *InsertValue) Read(b []byte) (int, error) {
	r := logReader{b: b}

	l.Page = r.page()
	l.Overflow = r.u8() != 0
	l.Offset = int(r.u32())
	l.Tid = r.u16()
	l.Data = r.bytes(int(r.u16()))

	return r.done()
}

func (l *InsertValue) raw() []byte {
	if !isRelocated(l.Tid) || len(l.Data) < 8 {
		return rawValue(l.Tid, NoAddr, l.Overflow, l.Data)
	}

	return rawValue(l.Tid, int64(binary.BigEndian.Uint64(l.Data)), l.Overflow, l.Data[8:])
}

func (l *InsertValue) Redo() error {
	return l.redo(func(b []byte) error {
		_, ok, err := findTid(b, l.Tid)
		if err != nil || ok {
			return err
		}

		insertRaw(b, l.Offset, l.raw())
		bumpTid(b, l.Tid)

		return nil
	})
}

func (l *InsertValue) Undo() error {
	return l.undo(func(b []byte) error {
		r, ok, err := findTid(b, l.Tid)
		if err != nil || !ok || isLink(r.tid) {
			return err
		}

		removeRaw(b, r.off, r.size)

		return nil
	})
}

func (l *InsertValue) String() string {
	return fmt.Sprintf("insert_value  txn %d  page %x tid %d  off %x  overflow %v  len %d", l.Txn(), l.Page, l.Tid&tidMask, l.Offset, l.Overflow, len(l.Data))
}

// remove value

func (*RemoveValue) Type() byte     { return TypeRemoveValue }
func (l *RemoveValue) LogSize() int { return 12 + len(l.Old) }

func (l *RemoveValue) Write(b []byte) []byte {
	b = appendPage(b, l.Page)
	b = binary.BigEndian.AppendUint32(b, uint32(l.Offset))
	b = binary.BigEndian.AppendUint16(b, l.Tid)
	b = binary.BigEndian.AppendUint16(b, uint16(len(l.Old)))

	return append(b, l.Old...)
}

func (l *RemoveValue) Read(b []byte) (int, error) {
	r := logReader{b: b}

	l.Page = r.page()
	l.Offset = int(r.u32())
	l.Tid = r.u16()
	l.Old = r.bytes(int(r.u16()))

	return r.done()
}

func (l *RemoveValue) Redo() error {
	return l.redo(func(b []byte) error {
		r, ok, err := findTid(b, l.Tid)
		if err != nil || !ok {
			return err
		}

		removeRaw(b, r.off, r.size)

		return nil
	})
}

func (l *RemoveValue) Undo() error {
	return l.undo(func(b []byte) error {
		_, ok, err := findTid(b, l.Tid)
		if err != nil || ok {
			return err
		}

		raw := binary.BigEndian.AppendUint16(nil, l.Tid)
		raw = append(raw, l.Old...)

		insertRaw(b, l.Offset, raw)
		bumpTid(b, l.Tid)

		return nil
	})
}

func (l *RemoveValue) String() string {
	return fmt.Sprintf("remove_value  txn %d  page %x tid %d  off %x  link %v  len %d", l.Txn(), l.Page, l.Tid&tidMask, l.Offset, isLink(l.Tid), len(l.Old))
}

// update value

func (*UpdateValue) Type() byte     { return TypeUpdateValue }
func (l *UpdateValue) LogSize() int { return 12 + 2*len(l.New) }

func (l *UpdateValue) Write(b []byte) []byte {
	b = appendPage(b, l.Page)
	b = binary.BigEndian.AppendUint16(b, l.Tid)
	b = binary.BigEndian.AppendUint32(b, uint32(l.Offset))
	b = binary.BigEndian.AppendUint16(b, uint16(len(l.New)))
	b = append(b, l.Old...)

	return append(b, l.New...)
}

func (l *UpdateValue) Read(b []byte) (int, error) {
	r := logReader{b: b}

	l.Page = r.page()
	l.Tid = r.u16()
	l.Offset = int(r.u32())
	n := int(r.u16())
	l.Old = r.bytes(n)
	l.New = r.bytes(n)

	return r.done()
}

func (l *UpdateValue) set(v []byte) func(b []byte) error {
	return func(b []byte) error {
		r, ok, err := findTid(b, l.Tid)
		if err != nil || !ok {
			return err
		}

		if isLink(r.tid) || len(r.data) != len(v) {
			return errors.Wrap(ErrCorrupted, "update tid %d: len %d, want %d", l.Tid&tidMask, len(r.data), len(v))
		}

		copy(r.data, v)

		return nil
	}
}

func (l *UpdateValue) Redo() error { return l.redo(l.set(l.New)) }
func (l *UpdateValue) Undo() error { return l.undo(l.set(l.Old)) }

func (l *UpdateValue) String() string {
	return fmt.Sprintf("update_value  txn %d  page %x tid %d  off %x  len %d", l.Txn(), l.Page, l.Tid&tidMask, l.Offset, len(l.New))
}

// remove page

func (*RemovePage) Type() byte     { return TypeRemovePage }
func (l *RemovePage) LogSize() int { return 18 + len(l.Old) }

func (l *RemovePage) Write(b []byte) []byte {
	b = appendPage(b, l.Page)
	b = appendPage(b, l.Prev)
	b = appendPage(b, l.Next)
	b = binary.BigEndian.AppendUint16(b, uint16(len(l.Old)))
	b = append(b, l.Old...)
	b = binary.BigEndian.AppendUint16(b, l.OldTid)

	return binary.BigEndian.AppendUint16(b, l.OldRecCount)
}

func (l *RemovePage) Read(b []byte) (int, error) {
	r := logReader{b: b}

	l.Page = r.page()
	l.Prev = r.page()
	l.Next = r.page()
	l.Old = r.bytes(int(r.u16()))
	l.OldTid = r.u16()
	l.OldRecCount = r.u16()

	return r.done()
}

func (l *RemovePage) Redo() error { return nil }

func (l *RemovePage) Undo() error {
	d, err := l.fs.DOM()
	if err != nil {
		return err
	}

	var b []byte

	if d.p.isFree(l.Page) {
		b, err = d.p.reclaim(l.Page, pageData)
	} else {
		b, err = d.p.write(l.Page)
	}
	if err != nil {
		return err
	}

	initDataPage(b, l.Prev, l.Next, l.OldTid)

	err = setData(b, l.Old)
	if err != nil {
		return err
	}

	if l.Prev == NoPage {
		setInt64(d.p.header(), fhFirst, l.Page)
	}

	if l.Next == NoPage {
		setInt64(d.p.header(), fhLast, l.Page)
	}

	return nil
}

func (l *RemovePage) String() string {
	return fmt.Sprintf("remove_page  txn %d  page %x  prev %x next %x  records %d  len %d", l.Txn(), l.Page, l.Prev, l.Next, l.OldRecCount, len(l.Old))
}

// split page

func (*SplitPage) Type() byte     { return TypeSplitPage }
func (l *SplitPage) LogSize() int { return 10 + len(l.Old) }

func (l *SplitPage) Write(b []byte) []byte {
	b = appendPage(b, l.Page)
	b = binary.BigEndian.AppendUint32(b, uint32(l.Offset))
	b = binary.BigEndian.AppendUint16(b, uint16(len(l.Old)))

	return append(b, l.Old...)
}

func (l *SplitPage) Read(b []byte) (int, error) {
	r := logReader{b: b}

	l.Page = r.page()
	l.Offset = int(r.u32())
	l.Old = r.bytes(int(r.u16()))

	return r.done()
}

func (l *SplitPage) Redo() error {
	return l.redo(func(b []byte) error {
		return truncateData(b, l.Offset)
	})
}

func (l *SplitPage) Undo() error {
	return l.undo(func(b []byte) error {
		return setData(b, l.Old)
	})
}

func (l *SplitPage) String() string {
	return fmt.Sprintf("split_page  txn %d  page %x  at %x of %x", l.Txn(), l.Page, l.Offset, len(l.Old))
}

// update header

func (*UpdateHeader) Type() byte   { return TypeUpdateHeader }
func (*UpdateHeader) LogSize() int { return 20 }

func (l *UpdateHeader) Write(b []byte) []byte {
	b = appendPage(b, l.Page)
	b = appendPage(b, l.NewPrev)
	b = appendPage(b, l.NewNext)
	b = appendPage(b, l.OldPrev)

	return appendPage(b, l.OldNext)
}

func (l *UpdateHeader) Read(b []byte) (int, error) {
	r := logReader{b: b}

	l.Page = r.page()
	l.NewPrev = r.page()
	l.NewNext = r.page()
	l.OldPrev = r.page()
	l.OldNext = r.page()

	return r.done()
}

func setPageLinks(prev, next int64) func(b []byte) error {
	return func(b []byte) error {
		setInt64(b, domPrev, prev)
		setInt64(b, offNext, next)

		return nil
	}
}

func (l *UpdateHeader) Redo() error { return l.redo(setPageLinks(l.NewPrev, l.NewNext)) }
func (l *UpdateHeader) Undo() error { return l.undo(setPageLinks(l.OldPrev, l.OldNext)) }

func (l *UpdateHeader) String() string {
	return fmt.Sprintf("update_header  txn %d  page %x  prev %x -> %x  next %x -> %x", l.Txn(), l.Page, l.OldPrev, l.NewPrev, l.OldNext, l.NewNext)
}

// add link

func (*AddLink) Type() byte   { return TypeAddLink }
func (*AddLink) LogSize() int { return 14 }

func (l *AddLink) Write(b []byte) []byte {
	b = appendPage(b, l.Page)
	b = binary.BigEndian.AppendUint16(b, l.Tid)

	return binary.BigEndian.AppendUint64(b, uint64(l.Link))
}

func (l *AddLink) Read(b []byte) (int, error) {
	r := logReader{b: b}

	l.Page = r.page()
	l.Tid = r.u16()
	l.Link = int64(r.u64())

	return r.done()
}

func (l *AddLink) Redo() error {
	return l.redo(func(b []byte) error {
		_, ok, err := findTid(b, l.Tid)
		if err != nil || ok {
			return err
		}

		insertRaw(b, dataLen(b), rawLink(l.Tid, l.Link))
		bumpTid(b, l.Tid)

		return nil
	})
}

func (l *AddLink) Undo() error {
	return l.undo(func(b []byte) error {
		r, ok, err := findTid(b, l.Tid)
		if err != nil || !ok || !isLink(r.tid) {
			return err
		}

		removeRaw(b, r.off, r.size)

		return nil
	})
}

func (l *AddLink) String() string {
	return fmt.Sprintf("add_link  txn %d  page %x tid %d  -> %x", l.Txn(), l.Page, l.Tid&tidMask, l.Link)
}

// update link

func (*UpdateLink) Type() byte   { return TypeUpdateLink }
func (*UpdateLink) LogSize() int { return 24 }

func (l *UpdateLink) Write(b []byte) []byte {
	b = appendPage(b, l.Page)
	b = binary.BigEndian.AppendUint32(b, uint32(l.Offset))
	b = binary.BigEndian.AppendUint64(b, uint64(l.New))

	return binary.BigEndian.AppendUint64(b, uint64(l.Old))
}

func (l *UpdateLink) Read(b []byte) (int, error) {
	r := logReader{b: b}

	l.Page = r.page()
	l.Offset = int(r.u32())
	l.New = int64(r.u64())
	l.Old = int64(r.u64())

	return r.done()
}

func (l *UpdateLink) relink(from, to int64) func(b []byte) error {
	return func(b []byte) error {
		r, ok, err := findLink(b, l.Offset, from)
		if err != nil || !ok {
			return err
		}

		binary.BigEndian.PutUint64(b[domData+r.off+2:], uint64(to))

		return nil
	}
}

func (l *UpdateLink) Redo() error { return l.redo(l.relink(l.Old, l.New)) }
func (l *UpdateLink) Undo() error { return l.undo(l.relink(l.New, l.Old)) }

func (l *UpdateLink) String() string {
	return fmt.Sprintf("update_link  txn %d  page %x off %x  %x -> %x", l.Txn(), l.Page, l.Offset, l.Old, l.New)
}

// write overflow

func (*WriteOverflow) Type() byte     { return TypeWriteOverflow }
func (l *WriteOverflow) LogSize() int { return 12 + len(l.Data) }

func (l *WriteOverflow) Write(b []byte) []byte {
	b = appendPage(b, l.Page)
	b = appendPage(b, l.Next)
	b = binary.BigEndian.AppendUint32(b, uint32(len(l.Data)))

	return append(b, l.Data...)
}

func (l *WriteOverflow) Read(b []byte) (int, error) {
	r := logReader{b: b}

	l.Page = r.page()
	l.Next = r.page()
	l.Data = r.bytes(int(r.u32()))

	return r.done()
}

func initOverflowPage(b []byte, next int64, data []byte) {
	for i := pageHeaderSize; i < len(b); i++ {
		b[i] = 0
	}

	b[offStatus] = pageOverflow
	setInt64(b, offNext, next)
	setDataLen(b, len(data))
	copy(b[pageHeaderSize:], data)
}

func (l *WriteOverflow) Redo() error {
	return l.redoNew(func(b []byte) {
		initOverflowPage(b, l.Next, l.Data)
	})
}

func (l *WriteOverflow) Undo() error {
	d, err := l.fs.DOM()
	if err != nil {
		return err
	}

	if d.p.isFree(l.Page) {
		return nil
	}

	return d.p.free(l.Page)
}

func (l *WriteOverflow) String() string {
	return fmt.Sprintf("write_overflow  txn %d  page %x  next %x  len %d", l.Txn(), l.Page, l.Next, len(l.Data))
}

// remove overflow

func (*RemoveOverflow) Type() byte     { return TypeRemoveOverflow }
func (l *RemoveOverflow) LogSize() int { return 10 + len(l.Old) }

func (l *RemoveOverflow) Write(b []byte) []byte {
	b = appendPage(b, l.Page)
	b = appendPage(b, l.Next)
	b = binary.BigEndian.AppendUint16(b, uint16(len(l.Old)))

	return append(b, l.Old...)
}

func (l *RemoveOverflow) Read(b []byte) (int, error) {
	r := logReader{b: b}

	l.Page = r.page()
	l.Next = r.page()
	l.Old = r.bytes(int(r.u16()))

	return r.done()
}

func (l *RemoveOverflow) Redo() error { return nil }

func (l *RemoveOverflow) Undo() error {
	d, err := l.fs.DOM()
	if err != nil {
		return err
	}

	var b []byte

	if d.p.isFree(l.Page) {
		b, err = d.p.reclaim(l.Page, pageOverflow)
	} else {
		b, err = d.p.write(l.Page)
	}
	if err != nil {
		return err
	}

	initOverflowPage(b, l.Next, l.Old)

	return nil
}

func (l *RemoveOverflow) String() string {
	return fmt.Sprintf("remove_overflow  txn %d  page %x  next %x  len %d", l.Txn(), l.Page, l.Next, len(l.Old))
}
