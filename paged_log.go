package xdom

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"tlog.app/go/errors"

	"nikand.dev/go/xdom/journal"
)

const TypePageImage byte = 0x08

type (
	// Files is the set of open files journal records are applied to.
	Files struct {
		mu    sync.RWMutex
		paged map[byte]*Paged
		trees map[byte]*BTree
		dom   *DOMFile
	}

	// PageImage is the full image of a page after a change.
	// It is written for structural changes and while undoing,
	// and is never undone itself.
	PageImage struct {
		journal.Base

		fs *Files

		File  byte
		Page  int64
		Image []byte
	}

	// fileRecord is a record changing pages of a single file.
	fileRecord interface {
		FileID() byte
	}
)

func NewFiles() *Files {
	return &Files{
		paged: make(map[byte]*Paged),
		trees: make(map[byte]*BTree),
	}
}

func (fs *Files) addTree(t *BTree) {
	defer fs.mu.Unlock()
	fs.mu.Lock()

	t.fs = fs

	fs.paged[t.p.id] = t.p
	fs.trees[t.p.id] = t
}

func (fs *Files) setDOM(d *DOMFile) {
	defer fs.mu.Unlock()
	fs.mu.Lock()

	d.fs = fs
	d.BTree.fs = fs

	fs.dom = d
	fs.paged[d.p.id] = d.p
	fs.trees[d.p.id] = d.BTree
}

func (fs *Files) Paged(id byte) (*Paged, error) {
	defer fs.mu.RUnlock()
	fs.mu.RLock()

	p, ok := fs.paged[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownFile, "file %x", id)
	}

	return p, nil
}

func (fs *Files) Tree(id byte) (*BTree, error) {
	defer fs.mu.RUnlock()
	fs.mu.RLock()

	t, ok := fs.trees[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownFile, "b+tree %x", id)
	}

	return t, nil
}

func (fs *Files) DOM() (*DOMFile, error) {
	defer fs.mu.RUnlock()
	fs.mu.RLock()

	if fs.dom == nil {
		return nil, errors.Wrap(ErrUnknownFile, "dom file")
	}

	return fs.dom, nil
}

// All returns open files ordered by id.
func (fs *Files) All() []*Paged {
	defer fs.mu.RUnlock()
	fs.mu.RLock()

	r := make([]*Paged, 0, len(fs.paged))
	for _, p := range fs.paged {
		r = append(r, p)
	}

	sort.Slice(r, func(i, j int) bool { return r[i].id < r[j].id })

	return r
}

// NewRegistry knows all the record types applied to fs.
func NewRegistry(fs *Files) *journal.Registry {
	r := journal.NewRegistry()

	registerPagedRecords(r, fs)
	registerBTreeRecords(r, fs)
	registerDOMRecords(r, fs)

	return r
}

func registerPagedRecords(r *journal.Registry, fs *Files) {
	r.Register(TypePageImage, "page_image", func() journal.Loggable { return &PageImage{fs: fs} })
}

func (*PageImage) Type() byte       { return TypePageImage }
func (l *PageImage) FileID() byte   { return l.File }
func (l *PageImage) LogSize() int   { return 11 + len(l.Image) }
func (l *PageImage) Undo() error    { return nil }
func (l *PageImage) redoOnly() bool { return true }

func (l *PageImage) Write(b []byte) []byte {
	b = append(b, l.File)
	b = binary.BigEndian.AppendUint64(b, uint64(l.Page))
	b = binary.BigEndian.AppendUint16(b, uint16(len(l.Image)))

	return append(b, l.Image...)
}

func (l *PageImage) Read(b []byte) (int, error) {
	if len(b) < 11 {
		return 0, journal.ErrShortBuffer
	}

	l.File = b[0]
	l.Page = int64(binary.BigEndian.Uint64(b[1:]))
	n := int(binary.BigEndian.Uint16(b[9:]))

	if len(b) < 11+n {
		return 0, journal.ErrShortBuffer
	}

	l.Image = append([]byte{}, b[11:11+n]...)

	return 11 + n, nil
}

func (l *PageImage) Redo() error {
	p, err := l.fs.Paged(l.File)
	if err != nil {
		return err
	}

	if p.pageLSN(l.Page) >= l.LSN() {
		return nil
	}

	err = p.setImage(l.Page, l.Image)
	if err != nil {
		return err
	}

	p.stamp(l.Page, l.LSN())

	return nil
}

func (l *PageImage) String() string {
	return fmt.Sprintf("page_image  txn %d  file %x page %x  status %d", l.Txn(), l.File, l.Page, l.status())
}

func (l *PageImage) status() byte {
	if len(l.Image) == 0 {
		return pageFree
	}

	return l.Image[offStatus]
}
