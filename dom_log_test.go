package xdom

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nikand.dev/go/xdom/journal"
)

func TestDOMRecordsRoundTrip(t *testing.T) {
	reg := NewRegistry(NewFiles())

	back := binary.BigEndian.AppendUint64(nil, uint64(MakeAddr(3, 4)))

	for _, l := range []journal.Loggable{
		&CreatePage{domRecord: domRecord{Page: 2}, Prev: 1, Next: NoPage, NextTid: 5},
		&AddValue{domRecord: domRecord{Page: 2}, Tid: 3, Data: []byte("value")},
		&AddValue{domRecord: domRecord{Page: 2}, Overflow: true, Tid: 4, Data: make([]byte, 8)},
		&AddMovedValue{AddValue: AddValue{domRecord: domRecord{Page: 4}, Tid: 1, Data: []byte("moved")}, BackLink: MakeAddr(2, 3)},
		&InsertValue{domRecord: domRecord{Page: 2}, Offset: 0x10, Tid: 6, Data: []byte("ins")},
		&InsertValue{domRecord: domRecord{Page: 2}, Offset: 0, Tid: 7 | tidRelocated, Data: append(back, "rel"...)},
		&RemoveValue{domRecord: domRecord{Page: 2}, Offset: 0x20, Tid: 2, Old: []byte("\x00\x03old")},
		&RemoveValue{domRecord: domRecord{Page: 2}, Offset: 0x20, Tid: 2 | tidLink, Old: make([]byte, 8)},
		&UpdateValue{domRecord: domRecord{Page: 2}, Tid: 1, Offset: 4, Old: []byte("aaa"), New: []byte("bbb")},
		&RemovePage{domRecord: domRecord{Page: 5}, Prev: 4, Next: NoPage, Old: []byte("\x00\x01\x00\x01x"), OldTid: 2, OldRecCount: 1},
		&SplitPage{domRecord: domRecord{Page: 2}, Offset: 0x18, Old: make([]byte, 0x30)},
		&UpdateHeader{domRecord: domRecord{Page: 2}, NewPrev: 1, NewNext: 3, OldPrev: NoPage, OldNext: NoPage},
		&AddLink{domRecord: domRecord{Page: 2}, Tid: 9, Link: MakeAddr(7, 1)},
		&UpdateLink{domRecord: domRecord{Page: 2}, Offset: 0x0a, New: MakeAddr(8, 2), Old: MakeAddr(7, 1)},
		&WriteOverflow{domRecord: domRecord{Page: 9}, Next: 10, Data: []byte("chunk of a big value")},
		&RemoveOverflow{domRecord: domRecord{Page: 9}, Next: NoPage, Old: []byte("chunk")},
	} {
		l.SetTxn(11)

		r := roundTrip(t, reg, l)
		assert.Equal(t, journal.TxnID(11), r.Txn())

		if f, ok := r.(interface{ FileID() byte }); assert.True(t, ok, "%v", r) {
			assert.Equal(t, domFileID, f.FileID())
		}
	}
}

type domLogPage struct {
	t   testing.TB
	d   *DOMFile
	no  int64
	lsn int64
}

// newDOMLogPage makes a data page holding vals.
func newDOMLogPage(t testing.TB, vals ...string) *domLogPage {
	t.Helper()

	ctx := context.Background()
	d := newTestDOM(t, 0x200)

	no := NoPage

	for _, v := range vals {
		addr, err := d.Add(ctx, nil, []byte(v))
		require.NoError(t, err)

		no = AddrPage(addr)
	}

	return &domLogPage{t: t, d: d, no: no, lsn: 0x100}
}

func (p *domLogPage) page() []byte {
	b, err := p.d.p.write(p.no)
	require.NoError(p.t, err)

	return b
}

func (p *domLogPage) data() []byte {
	return append([]byte{}, recData(p.page())...)
}

// state is the page data and links.
func (p *domLogPage) state() []byte {
	b := p.page()

	s := p.data()
	s = append(s, b[domPrev:domPrev+8]...)

	return append(s, b[offNext:offNext+8]...)
}

func (p *domLogPage) records() []record {
	rs, err := records(p.page(), 0)
	require.NoError(p.t, err)

	return rs
}

func (p *domLogPage) rec() domRecord {
	return domRecord{fs: p.d.fs, Page: p.no}
}

func (p *domLogPage) redo(l journal.Loggable) {
	p.t.Helper()

	p.lsn += 0x40
	l.SetLSN(journal.MakeLSN(1, p.lsn))

	require.NoError(p.t, l.Redo(), "%v", l)
}

func (p *domLogPage) undo(l journal.Loggable) {
	p.t.Helper()

	require.NoError(p.t, l.Undo(), "%v", l)
}

func TestDOMRecordUndoInvertsRedo(t *testing.T) {
	p := newDOMLogPage(t, "first", "second value", "third")
	b := p.page()

	rs := p.records()
	require.Len(t, rs, 3)

	tid := nextTid(b)
	back := binary.BigEndian.AppendUint64(nil, uint64(MakeAddr(6, 2)))

	for _, tc := range []struct {
		name string
		l    func() journal.Loggable
	}{
		{"add", func() journal.Loggable {
			return &AddValue{domRecord: p.rec(), Tid: tid, Data: []byte("added")}
		}},
		{"add_moved", func() journal.Loggable {
			return &AddMovedValue{AddValue: AddValue{domRecord: p.rec(), Tid: tid, Data: []byte("moved")}, BackLink: MakeAddr(6, 2)}
		}},
		{"insert", func() journal.Loggable {
			return &InsertValue{domRecord: p.rec(), Offset: rs[1].off, Tid: tid, Data: []byte("inserted")}
		}},
		{"insert_relocated", func() journal.Loggable {
			return &InsertValue{domRecord: p.rec(), Offset: 0, Tid: tid | tidRelocated, Data: append(back, "relocated"...)}
		}},
		{"remove", func() journal.Loggable {
			r := rs[1]
			return &RemoveValue{domRecord: p.rec(), Offset: r.off, Tid: r.tid, Old: p.data()[r.off+2 : r.off+r.size]}
		}},
		{"update", func() journal.Loggable {
			r := rs[2]
			return &UpdateValue{domRecord: p.rec(), Tid: r.tid, Offset: r.off, Old: []byte("third"), New: []byte("THIRD")}
		}},
		{"split", func() journal.Loggable {
			return &SplitPage{domRecord: p.rec(), Offset: rs[1].off, Old: p.data()}
		}},
		{"header", func() journal.Loggable {
			return &UpdateHeader{domRecord: p.rec(), NewPrev: 3, NewNext: 4, OldPrev: NoPage, OldNext: NoPage}
		}},
		{"link", func() journal.Loggable {
			return &AddLink{domRecord: p.rec(), Tid: tid, Link: MakeAddr(7, 1)}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			st := p.state()
			cnt := recCount(p.page())

			l := tc.l()

			p.redo(l)
			assert.NotEqual(t, st, p.state(), "redo changed nothing")

			p.undo(l)
			assert.Equal(t, st, p.state())
			assert.Equal(t, cnt, recCount(p.page()))
		})
	}
}

func TestDOMRecordRedoIdempotent(t *testing.T) {
	p := newDOMLogPage(t, "one", "two")
	tid := nextTid(p.page())

	l := &AddValue{domRecord: p.rec(), Tid: tid, Data: []byte("three")}

	p.redo(l)
	once := p.data()

	require.NoError(t, l.Redo())
	assert.Equal(t, once, p.data())

	assert.Equal(t, l.LSN(), p.d.p.pageLSN(p.no))

	old := &AddValue{domRecord: p.rec(), Tid: tid + 1, Data: []byte("stale")}
	old.SetLSN(journal.MakeLSN(1, 0x10))

	require.NoError(t, old.Redo())
	assert.Equal(t, once, p.data(), "record older than the page applied")

	rs := p.records()
	require.Len(t, rs, 3)
	assert.Equal(t, "three", string(rs[2].data))
	assert.Equal(t, tid+1, nextTid(p.page()))
}

func TestDOMRecordLinks(t *testing.T) {
	p := newDOMLogPage(t, "value")
	data := p.data()
	tid := nextTid(p.page())

	add := &AddLink{domRecord: p.rec(), Tid: tid, Link: MakeAddr(7, 1)}
	p.redo(add)

	r, ok, err := findTid(p.page(), tid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, isLink(r.tid))
	assert.Equal(t, MakeAddr(7, 1), r.link)

	upd := &UpdateLink{domRecord: p.rec(), Offset: r.off, Old: MakeAddr(7, 1), New: MakeAddr(8, 3)}
	p.redo(upd)

	r, _, err = findTid(p.page(), tid)
	require.NoError(t, err)
	assert.Equal(t, MakeAddr(8, 3), r.link)

	p.undo(upd)

	r, _, err = findTid(p.page(), tid)
	require.NoError(t, err)
	assert.Equal(t, MakeAddr(7, 1), r.link)

	rm := &RemoveValue{domRecord: p.rec(), Offset: r.off, Tid: r.tid, Old: p.data()[r.off+2 : r.off+r.size]}
	p.redo(rm)
	assert.Equal(t, data, p.data())

	p.undo(rm)

	r, ok, err = findTid(p.page(), tid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MakeAddr(7, 1), r.link)

	p.undo(add)
	assert.Equal(t, data, p.data())
}

func TestDOMRecordNewPages(t *testing.T) {
	p := newDOMLogPage(t, "value")
	d := p.d

	no := d.p.pageCount()

	cp := &CreatePage{domRecord: domRecord{fs: d.fs, Page: no}, Prev: p.no, Next: NoPage, NextTid: 1}
	p.redo(cp)

	b, err := d.dataPage(no)
	require.NoError(t, err)
	assert.Equal(t, p.no, getInt64(b, domPrev))
	assert.Equal(t, uint16(1), nextTid(b))
	assert.Equal(t, no+1, d.p.pageCount())

	setInt64(d.p.header(), fhLast, no)

	p.undo(cp)
	assert.True(t, d.p.isFree(no))
	assert.Equal(t, p.no, d.p.hdr(fhLast))

	p.undo(cp)

	ovf := d.p.pageCount()

	wo := &WriteOverflow{domRecord: domRecord{fs: d.fs, Page: ovf}, Next: NoPage, Data: []byte("overflow chunk")}
	p.redo(wo)

	b, err = d.p.page(ovf, pageOverflow)
	require.NoError(t, err)
	assert.Equal(t, "overflow chunk", string(b[pageHeaderSize:pageHeaderSize+dataLen(b)]))

	p.undo(wo)
	assert.True(t, d.p.isFree(ovf))

	ro := &RemoveOverflow{domRecord: domRecord{fs: d.fs, Page: ovf}, Next: NoPage, Old: []byte("restored")}
	p.undo(ro)

	b, err = d.p.page(ovf, pageOverflow)
	require.NoError(t, err)
	assert.Equal(t, "restored", string(b[pageHeaderSize:pageHeaderSize+dataLen(b)]))
}

func TestDOMRecordRemovePageUndo(t *testing.T) {
	p := newDOMLogPage(t, "a", "b")
	d := p.d

	b := p.page()
	data := p.data()
	tid := nextTid(b)
	cnt := recCount(b)

	require.NoError(t, d.p.free(p.no))
	setInt64(d.p.header(), fhFirst, NoPage)
	setInt64(d.p.header(), fhLast, NoPage)

	rp := &RemovePage{domRecord: p.rec(), Prev: NoPage, Next: NoPage, Old: data, OldTid: tid, OldRecCount: uint16(cnt)}
	require.NoError(t, rp.Redo())

	p.undo(rp)

	assert.False(t, d.p.isFree(p.no))
	assert.Equal(t, data, p.data())
	assert.Equal(t, tid, nextTid(p.page()))
	assert.Equal(t, p.no, d.p.hdr(fhFirst))
	assert.Equal(t, p.no, d.p.hdr(fhLast))

	_, vals := scanAll(t, d)
	assert.Equal(t, []string{"a", "b"}, vals)
}
