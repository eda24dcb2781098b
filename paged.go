package xdom

import (
	"encoding/binary"
	"io"
	"sort"
	"time"

	"github.com/OneOfOne/xxhash"
	"go.uber.org/atomic"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"nikand.dev/go/xdom/journal"
)

/*
	Page header, common to every page

	00: SS FF __ __ LL LL LL LL   // status, flags, data length
	08: NN NN NN NN NN NN NN NN   // next page
	10: QQ QQ QQ QQ QQ QQ QQ QQ   // lsn of the last record applied
	18: CC CC CC CC __ __ __ __   // xxhash32 of the page with this field zeroed
	20: body

	File header, body of page 0

	20: x  d  o  m  f  i  l  e
	28: VV VV II __ PP PP PP PP   // version, file id, page size
	30: <page count>
	38: <first free page>
	40: <free pages>
	48: <b+tree root>
	50: <first data page>
	58: <last data page>
*/

const (
	pageFree byte = iota
	pageHeader
	pageLeaf
	pageBranch
	pageData
	pageOverflow
)

const (
	offStatus  = 0x00
	offFlags   = 0x01
	offDataLen = 0x04
	offNext    = 0x08
	offLSN     = 0x10
	offSum     = 0x18

	pageHeaderSize = 0x20

	fhMagic     = 0x20
	fhVersion   = 0x28
	fhFileID    = 0x2a
	fhPageSize  = 0x2c
	fhPageCount = 0x30
	fhFirstFree = 0x38
	fhFreeCount = 0x40
	fhRoot      = 0x48
	fhFirst     = 0x50
	fhLast      = 0x58
	fhEnd       = 0x60

	fileVersion = 1

	MinPageSize = 0x100
	MaxPageSize = 0x8000
)

// NoPage is the nil page number.
const NoPage int64 = -1

var fileMagic = []byte("xdomfile")

type (
	walFlusher interface {
		Flush(sync bool) error
	}

	// Paged is a file of fixed-size pages with a free list,
	// dirty page buffers and checksummed writes.
	Paged struct {
		b     Back
		l     *tlog.Logger
		name  string
		id    byte
		psize int64

		lock *Lock
		wal  walFlusher
		c    *PageCache

		head     []byte
		dirty    map[int64][]byte
		track    map[int64]struct{}
		saved    map[int64]savedPage
		maxDirty int

		owner *Owner
		doc   interface{}

		closed bool

		stats PagedStats
	}

	savedPage struct {
		img   []byte
		dirty bool
	}

	PagedStats struct {
		Reads   atomic.Int64
		Hits    atomic.Int64
		Writes  atomic.Int64
		Flushes atomic.Int64
	}

	PagedOptions struct {
		Logger      *tlog.Logger
		Name        string
		Cache       *PageCache
		WAL         walFlusher
		LockTimeout time.Duration
		MaxDirty    int
	}
)

// CreatePaged initializes a new file on b.
func CreatePaged(b Back, id byte, psize int64, opts PagedOptions) (*Paged, error) {
	if psize < MinPageSize || psize > MaxPageSize || psize&(psize-1) != 0 {
		return nil, errors.New("bad page size: %#x", psize)
	}

	err := b.Truncate(0)
	if err != nil {
		return nil, errors.Wrap(err, "truncate")
	}

	p := newPaged(b, id, psize, opts)

	h := make([]byte, psize)
	h[offStatus] = pageHeader
	copy(h[fhMagic:], fileMagic)
	binary.BigEndian.PutUint16(h[fhVersion:], fileVersion)
	h[fhFileID] = id
	binary.BigEndian.PutUint32(h[fhPageSize:], uint32(psize))

	setInt64(h, fhPageCount, 1)
	setInt64(h, fhFirstFree, NoPage)
	setInt64(h, fhRoot, NoPage)
	setInt64(h, fhFirst, NoPage)
	setInt64(h, fhLast, NoPage)
	setInt64(h, offNext, NoPage)

	p.head = h
	p.dirty[0] = h

	err = p.flush()
	if err != nil {
		return nil, err
	}

	return p, nil
}

// OpenPaged reads and verifies the file header of an existing file.
func OpenPaged(b Back, opts PagedOptions) (*Paged, error) {
	var hb [fhEnd]byte

	_, err := b.ReadAt(hb[:], 0)
	if err != nil {
		return nil, errors.Wrap(err, "read file header")
	}

	if string(hb[fhMagic:fhMagic+8]) != string(fileMagic) {
		return nil, errors.Wrap(ErrBadHeader, "magic %q", hb[fhMagic:fhMagic+8])
	}

	if v := binary.BigEndian.Uint16(hb[fhVersion:]); v != fileVersion {
		return nil, errors.Wrap(ErrBadHeader, "version %d", v)
	}

	psize := int64(binary.BigEndian.Uint32(hb[fhPageSize:]))
	if psize < MinPageSize || psize > MaxPageSize || psize&(psize-1) != 0 {
		return nil, errors.Wrap(ErrBadHeader, "page size %#x", psize)
	}

	p := newPaged(b, hb[fhFileID], psize, opts)

	h, err := p.read(0)
	if err != nil {
		return nil, errors.Wrap(err, "file header")
	}

	p.head = append([]byte{}, h...)

	return p, nil
}

func newPaged(b Back, id byte, psize int64, opts PagedOptions) *Paged {
	l := opts.Logger
	if l == nil {
		l = tlog.DefaultLogger
	}

	name := opts.Name
	if name == "" {
		name = "paged"
	}

	if opts.MaxDirty == 0 {
		opts.MaxDirty = 1024
	}

	return &Paged{
		b:        b,
		l:        l,
		name:     name,
		id:       id,
		psize:    psize,
		lock:     NewLock(name, opts.LockTimeout),
		wal:      opts.WAL,
		c:        opts.Cache,
		dirty:    make(map[int64][]byte),
		maxDirty: opts.MaxDirty,
	}
}

func (p *Paged) ID() byte           { return p.id }
func (p *Paged) Name() string       { return p.name }
func (p *Paged) PageSize() int64    { return p.psize }
func (p *Paged) Lock() *Lock        { return p.lock }
func (p *Paged) Stats() *PagedStats { return &p.stats }

// WorkSize is the usable body size of a page.
func (p *Paged) WorkSize() int { return int(p.psize) - pageHeaderSize }

// read returns the current image of a page. It must not be modified.
func (p *Paged) read(no int64) ([]byte, error) {
	if no == 0 && p.head != nil {
		return p.head, nil
	}

	if d, ok := p.dirty[no]; ok {
		return d, nil
	}

	if b, ok := p.c.get(p.id, no); ok {
		p.stats.Hits.Inc()
		return b, nil
	}

	if no < 0 || (no+1)*p.psize > p.b.Size() {
		return nil, errors.Wrap(ErrPageNotFound, "%v: page %x", p.name, no)
	}

	b := make([]byte, p.psize)

	_, err := p.b.ReadAt(b, no*p.psize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "%v: read page %x", p.name, no)
	}

	p.stats.Reads.Inc()

	sum := binary.BigEndian.Uint32(b[offSum:])
	binary.BigEndian.PutUint32(b[offSum:], 0)

	if xxhash.Checksum32(b) != sum {
		return nil, errors.Wrap(ErrChecksum, "%v: page %x", p.name, no)
	}

	binary.BigEndian.PutUint32(b[offSum:], sum)

	p.c.set(p.id, no, b)

	return b, nil
}

// page returns the image of a live page of the given status.
func (p *Paged) page(no int64, status ...byte) ([]byte, error) {
	if no <= 0 || no >= p.pageCount() {
		return nil, errors.Wrap(ErrPageNotFound, "%v: page %x", p.name, no)
	}

	b, err := p.read(no)
	if err != nil {
		return nil, err
	}

	if b[offStatus] == pageFree {
		return nil, errors.Wrap(ErrPageNotFound, "%v: page %x is free", p.name, no)
	}

	if len(status) == 0 {
		return b, nil
	}

	for _, s := range status {
		if b[offStatus] == s {
			return b, nil
		}
	}

	return nil, errors.Wrap(ErrCorrupted, "%v: page %x: status %d, want %v", p.name, no, b[offStatus], status)
}

// write returns a buffer of the page the caller may modify.
func (p *Paged) write(no int64) ([]byte, error) {
	p.touch(no)

	if no == 0 {
		p.dirty[0] = p.head
		return p.head, nil
	}

	if d, ok := p.dirty[no]; ok {
		return d, nil
	}

	b, err := p.read(no)
	if err != nil {
		return nil, err
	}

	d := make([]byte, p.psize)
	copy(d, b)

	p.dirty[no] = d
	p.c.del(p.id, no)

	return d, nil
}

// header returns the file header page for modification.
// It stays in memory for the life of the file.
func (p *Paged) header() []byte {
	p.touch(0)

	p.dirty[0] = p.head

	return p.head
}

func (p *Paged) hdr(off int) int64 {
	return getInt64(p.head, off)
}

func (p *Paged) pageCount() int64 { return p.hdr(fhPageCount) }

// allocate takes a page from the free list or extends the file.
func (p *Paged) allocate(status byte) (no int64, b []byte, err error) {
	no = p.hdr(fhFirstFree)

	if no != NoPage {
		b, err = p.write(no)
		if err != nil {
			return
		}

		if b[offStatus] != pageFree {
			return 0, nil, errors.Wrap(ErrCorrupted, "%v: free list page %x status %d", p.name, no, b[offStatus])
		}

		h := p.header()
		setInt64(h, fhFirstFree, getInt64(b, offNext))
		setInt64(h, fhFreeCount, getInt64(h, fhFreeCount)-1)
	} else {
		h := p.header()
		no = getInt64(h, fhPageCount)
		setInt64(h, fhPageCount, no+1)

		p.touch(no)

		b = make([]byte, p.psize)
		p.dirty[no] = b
	}

	lsn := getLSN(b)

	for i := range b {
		b[i] = 0
	}

	b[offStatus] = status
	setInt64(b, offNext, NoPage)
	setLSN(b, lsn)

	if p.l.V("paged") != nil {
		p.l.Printw("allocate", "file", p.name, "page", no, "status", status)
	}

	return no, b, nil
}

// free puts a page to the free list.
func (p *Paged) free(no int64) error {
	b, err := p.write(no)
	if err != nil {
		return err
	}

	if b[offStatus] == pageFree || no == 0 {
		return errors.Wrap(ErrPageNotFound, "%v: free page %x twice", p.name, no)
	}

	lsn := getLSN(b)

	for i := range b {
		b[i] = 0
	}

	h := p.header()

	b[offStatus] = pageFree
	setInt64(b, offNext, getInt64(h, fhFirstFree))
	setLSN(b, lsn)

	setInt64(h, fhFirstFree, no)
	setInt64(h, fhFreeCount, getInt64(h, fhFreeCount)+1)

	if p.l.V("paged") != nil {
		p.l.Printw("free", "file", p.name, "page", no)
	}

	return nil
}

// image returns a copy of the current page image.
func (p *Paged) image(no int64) ([]byte, error) {
	b, err := p.read(no)
	if err != nil {
		return nil, err
	}

	return append([]byte{}, b...), nil
}

// setImage replaces a page. The file is extended to hold it if needed.
func (p *Paged) setImage(no int64, img []byte) error {
	if int64(len(img)) != p.psize {
		return errors.Wrap(ErrCorrupted, "%v: image of page %x: size %d", p.name, no, len(img))
	}

	if no == 0 {
		copy(p.header(), img)
		return nil
	}

	p.touch(no)

	d, ok := p.dirty[no]
	if !ok {
		d = make([]byte, p.psize)
		p.dirty[no] = d
		p.c.del(p.id, no)
	}

	copy(d, img)

	return nil
}

// pageLSN returns the lsn of a page, NoLSN for pages past the end of the file.
func (p *Paged) pageLSN(no int64) journal.LSN {
	b, err := p.read(no)
	if err != nil {
		return journal.NoLSN
	}

	return getLSN(b)
}

// redoPage returns the buffer to apply the record at lsn to,
// nil if the page already reflects it.
func (p *Paged) redoPage(no int64, lsn journal.LSN) ([]byte, error) {
	b, err := p.read(no)
	if err != nil {
		return nil, err
	}

	if getLSN(b) >= lsn {
		return nil, nil
	}

	return p.write(no)
}

// redoNewPage is redoPage for records creating the page,
// which may be missing from the file.
func (p *Paged) redoNewPage(no int64, lsn journal.LSN) ([]byte, error) {
	b, err := p.read(no)
	if err == nil && getLSN(b) >= lsn {
		return nil, nil
	}

	if err != nil && !errors.Is(err, ErrPageNotFound) && !errors.Is(err, ErrChecksum) {
		return nil, err
	}

	p.touch(no)

	d, ok := p.dirty[no]
	if !ok {
		d = make([]byte, p.psize)
		p.dirty[no] = d
		p.c.del(p.id, no)
	}

	if no >= p.pageCount() {
		setInt64(p.header(), fhPageCount, no+1)
	}

	return d, nil
}

// reclaim takes a particular page out of the free list.
func (p *Paged) reclaim(no int64, status byte) ([]byte, error) {
	prev := NoPage

	for cur := p.hdr(fhFirstFree); cur != NoPage; {
		b, err := p.read(cur)
		if err != nil {
			return nil, err
		}

		next := getInt64(b, offNext)

		if cur != no {
			prev, cur = cur, next
			continue
		}

		if prev == NoPage {
			setInt64(p.header(), fhFirstFree, next)
		} else {
			pb, err := p.write(prev)
			if err != nil {
				return nil, err
			}

			setInt64(pb, offNext, next)
		}

		h := p.header()
		setInt64(h, fhFreeCount, getInt64(h, fhFreeCount)-1)

		d, err := p.write(no)
		if err != nil {
			return nil, err
		}

		d[offStatus] = status
		setInt64(d, offNext, NoPage)

		if p.l.V("paged") != nil {
			p.l.Printw("reclaim", "file", p.name, "page", no, "status", status)
		}

		return d, nil
	}

	return nil, errors.Wrap(ErrPageNotFound, "%v: page %x is not free", p.name, no)
}

// isFree reports whether the page is in the free list or past the end of the file.
func (p *Paged) isFree(no int64) bool {
	if no <= 0 || no >= p.pageCount() {
		return true
	}

	b, err := p.read(no)

	return err != nil || b[offStatus] == pageFree
}

// stamp sets the lsn of a modified page.
func (p *Paged) stamp(no int64, lsn journal.LSN) {
	if lsn == journal.NoLSN {
		return
	}

	if no == 0 {
		setLSN(p.head, lsn)
		return
	}

	if b, ok := p.dirty[no]; ok {
		setLSN(b, lsn)
	}
}

// touch notes that page no is about to change.
func (p *Paged) touch(no int64) {
	if p.track != nil {
		p.track[no] = struct{}{}
	}

	if p.saved == nil {
		return
	}

	if _, ok := p.saved[no]; ok {
		return
	}

	var sp savedPage

	if no == 0 {
		_, sp.dirty = p.dirty[0]
		sp.img = append([]byte{}, p.head...)
	} else if d, ok := p.dirty[no]; ok {
		sp.dirty = true
		sp.img = append([]byte{}, d...)
	}

	p.saved[no] = sp
}

// save starts keeping the images pages had before they are changed,
// so rollback can bring them back.
// It reports false if the pages are already being saved.
func (p *Paged) save() bool {
	if p.saved != nil {
		return false
	}

	p.saved = make(map[int64]savedPage)

	return true
}

// release drops the saved images.
func (p *Paged) release() {
	p.saved = nil
}

// rollback restores the pages changed since save.
// It returns their numbers, the ones past the end of the file excluded.
func (p *Paged) rollback() []int64 {
	saved := p.saved
	p.saved = nil

	r := make([]int64, 0, len(saved))

	for no, sp := range saved {
		switch {
		case no == 0:
			copy(p.head, sp.img)

			if !sp.dirty {
				delete(p.dirty, 0)
			}
		case sp.dirty:
			copy(p.dirty[no], sp.img)
		default:
			delete(p.dirty, no)
		}

		r = append(r, no)
	}

	pages := p.pageCount()

	i := 0
	for _, no := range r {
		if no < pages {
			r[i] = no
			i++
		}
	}

	r = r[:i]

	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })

	if p.l.V("paged") != nil {
		p.l.Printw("rollback", "file", p.name, "pages", len(saved))
	}

	return r
}

// startTrack records every page modified until stopTrack.
// It reports false if somebody is already tracking.
func (p *Paged) startTrack() bool {
	if p.track != nil {
		return false
	}

	p.track = make(map[int64]struct{})

	return true
}

func (p *Paged) stopTrack() []int64 {
	r := make([]int64, 0, len(p.track))
	for no := range p.track {
		r = append(r, no)
	}

	p.track = nil

	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })

	return r
}

// Flush writes dirty pages after flushing the journal they depend on.
func (p *Paged) Flush() error {
	if p.closed {
		return ErrClosed
	}

	return p.flush()
}

func (p *Paged) flush() (err error) {
	if len(p.dirty) == 0 {
		return nil
	}

	if p.wal != nil {
		err = p.wal.Flush(true)
		if err != nil {
			return errors.Wrap(err, "flush journal")
		}
	}

	pages := make([]int64, 0, len(p.dirty))
	for no := range p.dirty {
		pages = append(pages, no)
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })

	for _, no := range pages {
		b := p.dirty[no]

		binary.BigEndian.PutUint32(b[offSum:], 0)
		binary.BigEndian.PutUint32(b[offSum:], xxhash.Checksum32(b))

		_, err = p.b.WriteAt(b, no*p.psize)
		if err != nil {
			return errors.Wrap(err, "%v: write page %x", p.name, no)
		}
	}

	err = p.b.Sync()
	if err != nil {
		return errors.Wrap(err, "%v: sync", p.name)
	}

	p.c.wait()

	for _, no := range pages {
		p.c.del(p.id, no)
		delete(p.dirty, no)
	}

	p.stats.Writes.Add(int64(len(pages)))
	p.stats.Flushes.Inc()

	if p.l.V("paged") != nil {
		p.l.Printw("flushed", "file", p.name, "pages", len(pages))
	}

	return nil
}

// maybeFlush flushes when too many pages are dirty.
// Called at the end of write operations only.
func (p *Paged) maybeFlush() error {
	if len(p.dirty) < p.maxDirty || p.saved != nil {
		return nil
	}

	return p.flush()
}

// Dirty is the number of modified pages not yet written.
func (p *Paged) Dirty() int { return len(p.dirty) }

func (p *Paged) Close() error {
	if p.closed {
		return nil
	}

	err := p.flush()

	if e := p.b.Close(); err == nil {
		err = e
	}

	p.closed = true

	return err
}

func getInt64(b []byte, off int) int64 {
	return int64(binary.BigEndian.Uint64(b[off:]))
}

func setInt64(b []byte, off int, v int64) {
	binary.BigEndian.PutUint64(b[off:], uint64(v))
}

func getLSN(b []byte) journal.LSN {
	return journal.LSN(binary.BigEndian.Uint64(b[offLSN:]))
}

func setLSN(b []byte, lsn journal.LSN) {
	binary.BigEndian.PutUint64(b[offLSN:], uint64(lsn))
}

func dataLen(b []byte) int {
	return int(binary.BigEndian.Uint32(b[offDataLen:]))
}

func setDataLen(b []byte, n int) {
	binary.BigEndian.PutUint32(b[offDataLen:], uint32(n))
}
