package xdom

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"go.uber.org/atomic"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"nikand.dev/go/xdom/journal"
)

const domFileID byte = 0

type (
	// DOMFile stores variable length records in a chain of data pages.
	// A record is addressed by its page and tid. The address stays valid
	// when the record is moved: a link is left in its place.
	// Keys are mapped to addresses by the b+tree in the same file.
	DOMFile struct {
		*BTree

		p  *Paged
		l  *tlog.Logger
		fs *Files

		splits    atomic.Int64
		relocated atomic.Int64
		overflows atomic.Int64
		dropped   atomic.Int64
	}

	DOMStats struct {
		Pages     int
		Records   int
		Links     int
		Relocated int
		Overflow  int
		Fill      float64

		Splits       int64
		Moved        int64
		OverflowPuts int64
		PagesDropped int64

		Tree TreeStats
	}

	// ScanFunc is called with the record address and its value.
	// Returning false stops the scan.
	ScanFunc func(addr int64, value []byte) bool

	// placement is a value to put into a new page on a split.
	// ext is the address the value is known by for moved records, NoAddr for new ones.
	placement struct {
		data     []byte
		overflow bool

		ext       int64
		relocated bool // the link to ext lives on another page
	}
)

func NewDOMFile(p *Paged, splitFactor float64) *DOMFile {
	return &DOMFile{
		BTree: NewBTree(p, splitFactor),
		p:     p,
		l:     p.l,
	}
}

// work is the space for records in a data page.
func (d *DOMFile) work() int { return int(d.p.psize) - domData }

// MaxInline is the largest value stored in a data page.
// Bigger values go to overflow pages.
func (d *DOMFile) MaxInline() int { return d.work()/2 - 12 }

// Add appends a value after the last record.
func (d *DOMFile) Add(ctx context.Context, tx *Txn, value []byte) (int64, error) {
	return writeDoc(ctx, d.p, func(ctx context.Context) (addr int64, err error) {
		err = tx.change(d.p, func() (err error) {
			addr, err = d.add(tx, value)
			return err
		})
		if err != nil {
			return NoAddr, err
		}

		return addr, d.p.maybeFlush()
	})
}

// Insert puts a value right after the record at after.
func (d *DOMFile) Insert(ctx context.Context, tx *Txn, after int64, value []byte) (int64, error) {
	return writeDoc(ctx, d.p, func(ctx context.Context) (addr int64, err error) {
		err = tx.change(d.p, func() (err error) {
			addr, err = d.insert(tx, after, value)
			return err
		})
		if err != nil {
			return NoAddr, err
		}

		return addr, d.p.maybeFlush()
	})
}

func (d *DOMFile) Get(ctx context.Context, addr int64) ([]byte, error) {
	return Read(ctx, d.p, func(ctx context.Context) ([]byte, error) {
		_, r, err := d.locate(addr)
		if err != nil {
			return nil, err
		}

		return d.value(r)
	})
}

// Update replaces the value keeping its address.
func (d *DOMFile) Update(ctx context.Context, tx *Txn, addr int64, value []byte) error {
	_, err := writeDoc(ctx, d.p, func(ctx context.Context) (struct{}, error) {
		err := tx.change(d.p, func() error {
			return d.update(tx, addr, value)
		})
		if err != nil {
			return struct{}{}, err
		}

		return struct{}{}, d.p.maybeFlush()
	})

	return err
}

func (d *DOMFile) Remove(ctx context.Context, tx *Txn, addr int64) error {
	_, err := writeDoc(ctx, d.p, func(ctx context.Context) (struct{}, error) {
		err := tx.change(d.p, func() error {
			return d.remove(tx, addr)
		})
		if err != nil {
			return struct{}{}, err
		}

		return struct{}{}, d.p.maybeFlush()
	})

	return err
}

// Scan calls cb for each record in storage order.
func (d *DOMFile) Scan(ctx context.Context, cb ScanFunc) error {
	_, err := Read(ctx, d.p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.scan(ctx, cb)
	})

	return err
}

// Put stores value under key, updating the record the key points to if any.
func (d *DOMFile) Put(ctx context.Context, tx *Txn, key Value, value []byte) (int64, error) {
	return writeDoc(ctx, d.p, func(ctx context.Context) (int64, error) {
		addr, err := d.BTree.find(ctx, key)
		if err != nil {
			return NoAddr, err
		}

		if addr != KeyNotFound {
			err = tx.change(d.p, func() error {
				return d.update(tx, addr, value)
			})
			if err != nil {
				return addr, err
			}

			return addr, d.p.maybeFlush()
		}

		err = tx.change(d.p, func() (err error) {
			addr, err = d.add(tx, value)
			if err != nil {
				return err
			}

			_, err = d.BTree.AddValue(ctx, tx, key, addr)

			return err
		})
		if err != nil {
			return NoAddr, err
		}

		return addr, d.p.maybeFlush()
	})
}

// Find returns the value stored under key, nil if there is none.
func (d *DOMFile) Find(ctx context.Context, key Value) ([]byte, error) {
	return Read(ctx, d.p, func(ctx context.Context) ([]byte, error) {
		addr, err := d.BTree.find(ctx, key)
		if err != nil || addr == KeyNotFound {
			return nil, err
		}

		_, r, err := d.locate(addr)
		if err != nil {
			return nil, errors.Wrap(err, "key %q", []byte(key))
		}

		return d.value(r)
	})
}

// Delete removes the key and its record. It reports whether the key was there.
func (d *DOMFile) Delete(ctx context.Context, tx *Txn, key Value) (bool, error) {
	return writeDoc(ctx, d.p, func(ctx context.Context) (bool, error) {
		addr, err := d.BTree.find(ctx, key)
		if err != nil || addr == KeyNotFound {
			return false, err
		}

		err = tx.change(d.p, func() error {
			err := d.remove(tx, addr)
			if err != nil {
				return err
			}

			_, err = d.BTree.RemoveValue(ctx, tx, key)

			return err
		})
		if err != nil {
			return false, err
		}

		return true, d.p.maybeFlush()
	})
}

func (d *DOMFile) Stats(ctx context.Context) (s DOMStats, err error) {
	return Read(ctx, d.p, func(ctx context.Context) (DOMStats, error) {
		s.Splits = d.splits.Load()
		s.Moved = d.relocated.Load()
		s.OverflowPuts = d.overflows.Load()
		s.PagesDropped = d.dropped.Load()

		var used int

		err := d.pages(ctx, func(no int64, b []byte) error {
			rs, err := records(b, 0)
			if err != nil {
				return err
			}

			s.Pages++
			used += dataLen(b)

			for _, r := range rs {
				switch {
				case isLink(r.tid):
					s.Links++
					continue
				case r.overflow:
					s.Overflow++
				}

				if isRelocated(r.tid) {
					s.Relocated++
				}

				s.Records++
			}

			return nil
		})
		if err != nil {
			return s, err
		}

		if s.Pages != 0 {
			s.Fill = float64(used) / float64(s.Pages*d.work())
		}

		s.Tree, err = d.BTree.stats(ctx)

		return s, err
	})
}

// Dump writes the data page chain in a human readable form.
func (d *DOMFile) Dump(ctx context.Context, w io.Writer) error {
	_, err := Read(ctx, d.p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.pages(ctx, func(no int64, b []byte) error {
			_, err := io.WriteString(w, dumpDataPage(no, b))
			return err
		})
	})

	return err
}

// op runs f, which logs its records with d.log, and logs
// the images of the file header and the pages f freed.
func (d *DOMFile) op(tx *Txn, f func() error) error {
	if tx == nil || !d.p.startTrack() {
		return f()
	}

	err := f()

	pages := d.p.stopTrack()

	if err != nil {
		return err
	}

	imgs := pages[:0]

	for _, no := range pages {
		if no == 0 || d.p.isFree(no) {
			imgs = append(imgs, no)
		}
	}

	return tx.logImages(d.p, imgs)
}

func (d *DOMFile) log(tx *Txn, no int64, rec journal.Loggable) error {
	lsn, err := tx.log(rec)
	if err != nil {
		return err
	}

	d.p.stamp(no, lsn)

	return nil
}

func (d *DOMFile) rec(no int64) domRecord {
	return domRecord{fs: d.fs, Page: no}
}

func (d *DOMFile) dataPage(no int64) ([]byte, error) {
	return d.p.page(no, pageData)
}

// writePage returns a modifiable buffer of a data page.
func (d *DOMFile) writePage(no int64) ([]byte, error) {
	if _, err := d.dataPage(no); err != nil {
		return nil, err
	}

	return d.p.write(no)
}

func (d *DOMFile) fits(b []byte, size int) (bool, error) {
	if nextTid(b) > maxTid {
		return false, nil
	}

	return d.fitsSpace(b, size)
}

func (d *DOMFile) fitsSpace(b []byte, size int) (bool, error) {
	r, err := reserved(b)
	if err != nil {
		return false, err
	}

	return r+footprint(size) <= d.work(), nil
}

// locate finds the record at addr following the link if it was moved.
func (d *DOMFile) locate(addr int64) (no int64, r record, err error) {
	no = AddrPage(addr)

	b, err := d.dataPage(no)
	if err != nil {
		return no, r, errors.Wrap(err, "record %x", addr)
	}

	r, ok, err := findTid(b, AddrTid(addr))
	if err != nil {
		return no, r, err
	}

	if !ok {
		return no, r, errors.Wrap(ErrNoRecord, "record %x", addr)
	}

	if !isLink(r.tid) {
		return no, r, nil
	}

	link := r.link
	no = AddrPage(link)

	b, err = d.dataPage(no)
	if err != nil {
		return no, r, errors.Wrap(err, "record %x -> %x", addr, link)
	}

	r, ok, err = findTid(b, AddrTid(link))
	if err != nil {
		return no, r, err
	}

	if !ok || isLink(r.tid) || r.back != addr {
		return no, r, errors.Wrap(ErrCorrupted, "broken link %x -> %x", addr, link)
	}

	return no, r, nil
}

// value returns a copy of the record value.
func (d *DOMFile) value(r record) ([]byte, error) {
	if !r.overflow {
		return append([]byte{}, r.data...), nil
	}

	var v []byte

	no := getInt64(r.data, 0)

	for n := int64(0); no != NoPage; n++ {
		if n > d.p.pageCount() {
			return nil, errors.Wrap(ErrCorrupted, "overflow chain loop at %x", no)
		}

		b, err := d.p.page(no, pageOverflow)
		if err != nil {
			return nil, errors.Wrap(err, "overflow")
		}

		v = append(v, b[pageHeaderSize:pageHeaderSize+dataLen(b)]...)
		no = getInt64(b, offNext)
	}

	return v, nil
}

// storeValue returns the record data for value,
// writing it to a chain of overflow pages if it's too big.
func (d *DOMFile) storeValue(tx *Txn, value []byte) (data []byte, overflow bool, err error) {
	if len(value) <= d.MaxInline() {
		return append([]byte{}, value...), false, nil
	}

	chunk := int(d.p.psize) - pageHeaderSize
	n := (len(value) + chunk - 1) / chunk

	pages := make([]int64, n)
	bufs := make([][]byte, n)

	for i := range pages {
		pages[i], bufs[i], err = d.p.allocate(pageOverflow)
		if err != nil {
			return nil, false, err
		}
	}

	for i, no := range pages {
		next := NoPage
		if i+1 < n {
			next = pages[i+1]
		}

		part := value[i*chunk : min((i+1)*chunk, len(value))]

		initOverflowPage(bufs[i], next, part)

		err = d.log(tx, no, &WriteOverflow{domRecord: d.rec(no), Next: next, Data: part})
		if err != nil {
			return nil, false, err
		}
	}

	d.overflows.Inc()

	if d.l.V("dom") != nil {
		d.l.Printw("overflow value", "file", d.p.name, "first", pages[0], "pages", n, "len", len(value))
	}

	return binary.BigEndian.AppendUint64(nil, uint64(pages[0])), true, nil
}

func (d *DOMFile) freeOverflow(tx *Txn, no int64) error {
	for no != NoPage {
		b, err := d.p.page(no, pageOverflow)
		if err != nil {
			return errors.Wrap(err, "overflow")
		}

		next := getInt64(b, offNext)

		err = d.log(tx, no, &RemoveOverflow{
			domRecord: d.rec(no),
			Next:      next,
			Old:       append([]byte{}, b[pageHeaderSize:pageHeaderSize+dataLen(b)]...),
		})
		if err != nil {
			return err
		}

		err = d.p.free(no)
		if err != nil {
			return err
		}

		no = next
	}

	return nil
}

// relink sets page links logging the change.
func (d *DOMFile) relink(tx *Txn, no, prev, next int64) error {
	b, err := d.writePage(no)
	if err != nil {
		return err
	}

	rec := &UpdateHeader{
		domRecord: d.rec(no),
		NewPrev:   prev,
		NewNext:   next,
		OldPrev:   getInt64(b, domPrev),
		OldNext:   getInt64(b, offNext),
	}

	setInt64(b, domPrev, prev)
	setInt64(b, offNext, next)

	return d.log(tx, no, rec)
}

func (d *DOMFile) setNext(tx *Txn, no, next int64) error {
	b, err := d.dataPage(no)
	if err != nil {
		return err
	}

	return d.relink(tx, no, getInt64(b, domPrev), next)
}

func (d *DOMFile) setPrev(tx *Txn, no, prev int64) error {
	b, err := d.dataPage(no)
	if err != nil {
		return err
	}

	return d.relink(tx, no, prev, getInt64(b, offNext))
}

// newPageAfter puts a new data page into the chain after page after,
// or first if after is NoPage.
func (d *DOMFile) newPageAfter(tx *Txn, after int64) (int64, []byte, error) {
	next := d.p.hdr(fhFirst)

	if after != NoPage {
		ab, err := d.dataPage(after)
		if err != nil {
			return NoPage, nil, err
		}

		next = getInt64(ab, offNext)
	}

	no, b, err := d.p.allocate(pageData)
	if err != nil {
		return NoPage, nil, err
	}

	initDataPage(b, after, next, 1)

	err = d.log(tx, no, &CreatePage{domRecord: d.rec(no), Prev: after, Next: next, NextTid: 1})
	if err != nil {
		return NoPage, nil, err
	}

	if after != NoPage {
		err = d.setNext(tx, after, no)
	} else {
		setInt64(d.p.header(), fhFirst, no)
	}
	if err != nil {
		return NoPage, nil, err
	}

	if next != NoPage {
		err = d.setPrev(tx, next, no)
	} else {
		setInt64(d.p.header(), fhLast, no)
	}
	if err != nil {
		return NoPage, nil, err
	}

	return no, b, nil
}

// removePage drops an empty page from the chain.
func (d *DOMFile) removePage(tx *Txn, no int64) error {
	b, err := d.writePage(no)
	if err != nil {
		return err
	}

	prev, next := getInt64(b, domPrev), getInt64(b, offNext)

	err = d.log(tx, no, &RemovePage{
		domRecord:   d.rec(no),
		Prev:        prev,
		Next:        next,
		Old:         append([]byte{}, recData(b)...),
		OldTid:      nextTid(b),
		OldRecCount: uint16(recCount(b)),
	})
	if err != nil {
		return err
	}

	if prev != NoPage {
		err = d.setNext(tx, prev, next)
	} else {
		setInt64(d.p.header(), fhFirst, next)
	}
	if err != nil {
		return err
	}

	if next != NoPage {
		err = d.setPrev(tx, next, prev)
	} else {
		setInt64(d.p.header(), fhLast, prev)
	}
	if err != nil {
		return err
	}

	err = d.p.free(no)
	if err != nil {
		return err
	}

	d.dropped.Inc()

	if d.l.V("dom") != nil {
		d.l.Printw("remove page", "file", d.p.name, "page", no, "prev", prev, "next", next)
	}

	return nil
}

func (d *DOMFile) add(tx *Txn, value []byte) (addr int64, err error) {
	err = d.op(tx, func() error {
		data, ovf, err := d.storeValue(tx, value)
		if err != nil {
			return err
		}

		no := d.p.hdr(fhLast)

		var b []byte

		if no != NoPage {
			b, err = d.writePage(no)
			if err != nil {
				return err
			}

			ok, err := d.fits(b, 4+len(data))
			if err != nil {
				return err
			}

			if !ok {
				b = nil
			}
		}

		if b == nil {
			no, b, err = d.newPageAfter(tx, no)
			if err != nil {
				return err
			}
		}

		tid := nextTid(b)

		insertRaw(b, dataLen(b), rawValue(tid, NoAddr, ovf, data))
		setNextTid(b, tid+1)

		addr = MakeAddr(no, tid)

		return d.log(tx, no, &AddValue{domRecord: d.rec(no), Overflow: ovf, Tid: tid, Data: data})
	})

	return addr, err
}

func (d *DOMFile) insert(tx *Txn, after int64, value []byte) (addr int64, err error) {
	err = d.op(tx, func() error {
		no, r, err := d.locate(after)
		if err != nil {
			return err
		}

		data, ovf, err := d.storeValue(tx, value)
		if err != nil {
			return err
		}

		b, err := d.p.write(no)
		if err != nil {
			return err
		}

		pos := r.off + r.size

		ok, err := d.fits(b, 4+len(data))
		if err != nil {
			return err
		}

		if !ok {
			addr, err = d.split(tx, no, pos, placement{data: data, overflow: ovf, ext: NoAddr})
			return err
		}

		tid := nextTid(b)

		insertRaw(b, pos, rawValue(tid, NoAddr, ovf, data))
		setNextTid(b, tid+1)

		addr = MakeAddr(no, tid)

		return d.log(tx, no, &InsertValue{domRecord: d.rec(no), Overflow: ovf, Offset: pos, Tid: tid, Data: data})
	})

	return addr, err
}

// split moves the records of page no from pos on to new pages after it,
// leaving links for them, and places v before them.
// It returns the address of v.
func (d *DOMFile) split(tx *Txn, no int64, pos int, v placement) (addr int64, err error) {
	b, err := d.p.write(no)
	if err != nil {
		return NoAddr, err
	}

	rs, err := records(b, pos)
	if err != nil {
		return NoAddr, err
	}

	var links []record
	var moved []placement

	for _, r := range rs {
		if isLink(r.tid) {
			links = append(links, r)
			continue
		}

		p := placement{
			data:     append([]byte{}, r.data...),
			overflow: r.overflow,
			ext:      MakeAddr(no, r.tid),
		}

		if isRelocated(r.tid) {
			p.ext = r.back
			p.relocated = true
		}

		moved = append(moved, p)
	}

	if len(moved) != 0 {
		err = d.log(tx, no, &SplitPage{
			domRecord: d.rec(no),
			Offset:    pos,
			Old:       append([]byte{}, recData(b)...),
		})
		if err != nil {
			return NoAddr, err
		}

		err = truncateData(b, pos)
		if err != nil {
			return NoAddr, err
		}

		for _, r := range links {
			insertRaw(b, dataLen(b), rawLink(r.tid, r.link))

			err = d.log(tx, no, &AddLink{domRecord: d.rec(no), Tid: r.tid & tidMask, Link: r.link})
			if err != nil {
				return NoAddr, err
			}
		}

		d.splits.Inc()
	}

	if d.l.V("dom") != nil {
		d.l.Printw("split page", "file", d.p.name, "page", no, "at", pos, "moved", len(moved), "links", len(links), "doc", d.p.CurrentDoc())
	}

	here := false

	if v.ext == NoAddr {
		here, err = d.fitsAfterSplit(b, v, moved)
		if err != nil {
			return NoAddr, err
		}
	}

	if here {
		tid := nextTid(b)

		insertRaw(b, dataLen(b), rawValue(tid, NoAddr, v.overflow, v.data))
		setNextTid(b, tid+1)

		addr = MakeAddr(no, tid)

		err = d.log(tx, no, &AddValue{domRecord: d.rec(no), Overflow: v.overflow, Tid: tid, Data: v.data})
		if err != nil {
			return NoAddr, err
		}
	} else {
		moved = append([]placement{v}, moved...)
	}

	w := pageWriter{d: d, tx: tx, after: no}

	for i, m := range moved {
		a, err := w.put(m)
		if err != nil {
			return NoAddr, err
		}

		if i == 0 && !here {
			addr = a
		}

		if m.ext == NoAddr {
			continue
		}

		err = d.pointTo(tx, no, m, a)
		if err != nil {
			return NoAddr, err
		}
	}

	return addr, nil
}

// fitsAfterSplit reports whether a new value fits the split page
// along with the links to the moved records.
func (d *DOMFile) fitsAfterSplit(b []byte, v placement, moved []placement) (bool, error) {
	if nextTid(b) > maxTid {
		return false, nil
	}

	r, err := reserved(b)
	if err != nil {
		return false, err
	}

	for _, m := range moved {
		if !m.relocated {
			r += linkSize
		}
	}

	return r+footprint(4+len(v.data)) <= d.work(), nil
}

// pointTo makes the address of a moved record lead to its new place.
func (d *DOMFile) pointTo(tx *Txn, no int64, m placement, to int64) error {
	if !m.relocated {
		b, err := d.p.write(no)
		if err != nil {
			return err
		}

		tid := AddrTid(m.ext)

		insertRaw(b, dataLen(b), rawLink(tid, to))

		return d.log(tx, no, &AddLink{domRecord: d.rec(no), Tid: tid, Link: to})
	}

	lno := AddrPage(m.ext)

	b, err := d.writePage(lno)
	if err != nil {
		return err
	}

	r, ok, err := findTid(b, AddrTid(m.ext))
	if err != nil {
		return err
	}

	if !ok || !isLink(r.tid) {
		return errors.Wrap(ErrCorrupted, "no link for relocated record %x", m.ext)
	}

	binary.BigEndian.PutUint64(b[domData+r.off+2:], uint64(to))

	return d.log(tx, lno, &UpdateLink{domRecord: d.rec(lno), Offset: r.off, New: to, Old: r.link})
}

type pageWriter struct {
	d  *DOMFile
	tx *Txn

	after int64
	no    int64
	b     []byte
}

// put appends a record to the current new page, starting another one when it's full.
func (w *pageWriter) put(m placement) (addr int64, err error) {
	d := w.d

	back := m.ext
	size := 4 + len(m.data)

	if back != NoAddr {
		size += 8
	}

	ok := false
	if w.b != nil {
		ok, err = d.fits(w.b, size)
		if err != nil {
			return NoAddr, err
		}
	}

	if !ok {
		w.no, w.b, err = d.newPageAfter(w.tx, w.after)
		if err != nil {
			return NoAddr, err
		}

		w.after = w.no
	}

	tid := nextTid(w.b)

	insertRaw(w.b, dataLen(w.b), rawValue(tid, back, m.overflow, m.data))
	setNextTid(w.b, tid+1)

	rec := AddValue{domRecord: d.rec(w.no), Overflow: m.overflow, Tid: tid, Data: m.data}

	if back == NoAddr {
		err = d.log(w.tx, w.no, &rec)
	} else {
		d.relocated.Inc()
		err = d.log(w.tx, w.no, &AddMovedValue{AddValue: rec, BackLink: back})
	}
	if err != nil {
		return NoAddr, err
	}

	return MakeAddr(w.no, tid), nil
}

func (d *DOMFile) update(tx *Txn, addr int64, value []byte) error {
	return d.op(tx, func() error {
		no, r, err := d.locate(addr)
		if err != nil {
			return err
		}

		b, err := d.p.write(no)
		if err != nil {
			return err
		}

		r, err = recAt(b, r.off)
		if err != nil {
			return err
		}

		if !r.overflow && len(value) <= d.MaxInline() && len(value) == len(r.data) {
			old := append([]byte{}, r.data...)
			copy(r.data, value)

			return d.log(tx, no, &UpdateValue{domRecord: d.rec(no), Tid: r.tid, Offset: r.off, Old: old, New: append([]byte{}, value...)})
		}

		err = d.drop(tx, no, b, r)
		if err != nil {
			return err
		}

		data, ovf, err := d.storeValue(tx, value)
		if err != nil {
			return err
		}

		raw := rawValue(r.tid&tidMask, r.back, ovf, data)

		ok, err := d.fitsSpace(b, len(raw))
		if err != nil {
			return err
		}

		if ok {
			insertRaw(b, r.off, raw)

			return d.log(tx, no, &InsertValue{
				domRecord: d.rec(no),
				Overflow:  ovf,
				Offset:    r.off,
				Tid:       binary.BigEndian.Uint16(raw),
				Data:      raw[4:],
			})
		}

		m := placement{data: data, overflow: ovf, ext: MakeAddr(no, r.tid)}

		if isRelocated(r.tid) {
			m.ext = r.back
			m.relocated = true
		}

		_, err = d.split(tx, no, r.off, m)
		if err != nil {
			return err
		}

		return d.dropEmpty(tx, no)
	})
}

func (d *DOMFile) remove(tx *Txn, addr int64) error {
	return d.op(tx, func() error {
		no := AddrPage(addr)

		b, err := d.writePage(no)
		if err != nil {
			return errors.Wrap(err, "record %x", addr)
		}

		r, ok, err := findTid(b, AddrTid(addr))
		if err != nil {
			return err
		}

		if !ok {
			return errors.Wrap(ErrNoRecord, "record %x", addr)
		}

		if isLink(r.tid) {
			tno := AddrPage(r.link)

			tb, err := d.writePage(tno)
			if err != nil {
				return errors.Wrap(err, "record %x -> %x", addr, r.link)
			}

			tr, ok, err := findTid(tb, AddrTid(r.link))
			if err != nil {
				return err
			}

			if !ok || isLink(tr.tid) {
				return errors.Wrap(ErrCorrupted, "broken link %x -> %x", addr, r.link)
			}

			err = d.drop(tx, tno, tb, tr)
			if err != nil {
				return err
			}

			err = d.dropEmpty(tx, tno)
			if err != nil {
				return err
			}
		}

		err = d.drop(tx, no, b, r)
		if err != nil {
			return err
		}

		return d.dropEmpty(tx, no)
	})
}

// drop removes a record from the page freeing its overflow pages.
func (d *DOMFile) drop(tx *Txn, no int64, b []byte, r record) error {
	if r.overflow {
		err := d.freeOverflow(tx, getInt64(r.data, 0))
		if err != nil {
			return err
		}
	}

	old := append([]byte{}, recData(b)[r.off+2:r.off+r.size]...)

	removeRaw(b, r.off, r.size)

	return d.log(tx, no, &RemoveValue{domRecord: d.rec(no), Offset: r.off, Tid: r.tid, Old: old})
}

func (d *DOMFile) dropEmpty(tx *Txn, no int64) error {
	b, err := d.dataPage(no)
	if err != nil {
		return err
	}

	if recCount(b) != 0 {
		return nil
	}

	return d.removePage(tx, no)
}

// pages calls f for each data page in chain order.
func (d *DOMFile) pages(ctx context.Context, f func(no int64, b []byte) error) error {
	no := d.p.hdr(fhFirst)

	for n := int64(0); no != NoPage; n++ {
		if err := terminated(ctx); err != nil {
			return err
		}

		if n > d.p.pageCount() {
			return errors.Wrap(ErrCorrupted, "data page chain loop at %x", no)
		}

		b, err := d.dataPage(no)
		if err != nil {
			return errors.Wrap(err, "data chain")
		}

		err = f(no, b)
		if err != nil {
			return err
		}

		no = getInt64(b, offNext)
	}

	return nil
}

var errStop = errors.New("stop")

func (d *DOMFile) scan(ctx context.Context, cb ScanFunc) error {
	err := d.pages(ctx, func(no int64, b []byte) error {
		rs, err := records(b, 0)
		if err != nil {
			return err
		}

		for _, r := range rs {
			if isLink(r.tid) {
				continue
			}

			addr := MakeAddr(no, r.tid)
			if isRelocated(r.tid) {
				addr = r.back
			}

			v, err := d.value(r)
			if err != nil {
				return err
			}

			if !cb(addr, v) {
				return errStop
			}
		}

		return nil
	})

	if errors.Is(err, errStop) {
		return nil
	}

	return err
}

func (s DOMStats) String() string {
	return fmt.Sprintf("pages %d  records %d (relocated %d, overflow %d)  links %d  fill %.2f  splits %d  tree depth %d keys %d",
		s.Pages, s.Records, s.Relocated, s.Overflow, s.Links, s.Fill, s.Splits, s.Tree.Depth, s.Tree.Keys)
}
