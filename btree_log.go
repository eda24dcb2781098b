package xdom

import (
	"context"
	"encoding/binary"
	"fmt"

	"tlog.app/go/errors"

	"nikand.dev/go/xdom/journal"
)

// Key records. Redo replays the change on the leaf it was made on.
// Records with Page == NoPage were part of a structural change
// which is redone by the page images following them.
// Undo goes through the tree, so it works whatever pages the key lives in now.
const (
	TypeInsertKey byte = 0x10 + iota
	TypeUpdateKey
	TypeRemoveKey
)

type (
	keyRecord struct {
		journal.Base

		fs *Files

		File byte
		Page int64
		Key  Value
	}

	InsertKey struct {
		keyRecord

		Ptr int64
	}

	UpdateKey struct {
		keyRecord

		Old, New int64
	}

	RemoveKey struct {
		keyRecord

		Ptr int64
	}
)

func registerBTreeRecords(r *journal.Registry, fs *Files) {
	r.Register(TypeInsertKey, "insert_key", func() journal.Loggable { return &InsertKey{keyRecord: keyRecord{fs: fs}} })
	r.Register(TypeUpdateKey, "update_key", func() journal.Loggable { return &UpdateKey{keyRecord: keyRecord{fs: fs}} })
	r.Register(TypeRemoveKey, "remove_key", func() journal.Loggable { return &RemoveKey{keyRecord: keyRecord{fs: fs}} })
}

func (l *keyRecord) FileID() byte { return l.File }

func (l *keyRecord) size() int { return 11 + len(l.Key) }

func (l *keyRecord) write(b []byte) []byte {
	b = append(b, l.File)
	b = binary.BigEndian.AppendUint64(b, uint64(l.Page))
	b = binary.BigEndian.AppendUint16(b, uint16(len(l.Key)))

	return append(b, l.Key...)
}

func (l *keyRecord) read(b []byte) (int, error) {
	if len(b) < 11 {
		return 0, journal.ErrShortBuffer
	}

	l.File = b[0]
	l.Page = int64(binary.BigEndian.Uint64(b[1:]))
	n := int(binary.BigEndian.Uint16(b[9:]))

	if len(b) < 11+n {
		return 0, journal.ErrShortBuffer
	}

	l.Key = Value(b[11 : 11+n]).Copy()

	return 11 + n, nil
}

// redoLeaf applies f to the leaf unless it already has the change.
func (l *keyRecord) redoLeaf(f func(n *node)) error {
	if l.Page == NoPage {
		return nil
	}

	t, err := l.fs.Tree(l.File)
	if err != nil {
		return err
	}

	b, err := t.p.redoPage(l.Page, l.LSN())
	if err != nil {
		return err
	}

	if b == nil {
		return nil
	}

	n, err := decodeNode(l.Page, b)
	if err != nil {
		return err
	}

	if !n.leaf {
		return errors.Wrap(ErrBadNode, "page %x: not a leaf", l.Page)
	}

	f(n)

	if n.size(0, len(n.keys)) > len(b) {
		return errors.Wrap(ErrBadNode, "page %x: overflow on redo", l.Page)
	}

	n.encode(b)
	setLSN(b, l.LSN())

	return nil
}

func (l *keyRecord) tree() (*BTree, error) {
	return l.fs.Tree(l.File)
}

func (*InsertKey) Type() byte     { return TypeInsertKey }
func (l *InsertKey) LogSize() int { return l.size() + 8 }

func (l *InsertKey) Write(b []byte) []byte {
	b = l.write(b)
	return binary.BigEndian.AppendUint64(b, uint64(l.Ptr))
}

func (l *InsertKey) Read(b []byte) (int, error) {
	n, err := l.read(b)
	if err != nil {
		return n, err
	}

	if len(b) < n+8 {
		return 0, journal.ErrShortBuffer
	}

	l.Ptr = int64(binary.BigEndian.Uint64(b[n:]))

	return n + 8, nil
}

func (l *InsertKey) Redo() error {
	return l.redoLeaf(func(n *node) {
		i, eq := n.search(l.Key)
		if eq {
			n.ptrs[i] = l.Ptr
			return
		}

		n.insertLeaf(i, l.Key, l.Ptr)
	})
}

func (l *InsertKey) Undo() error {
	t, err := l.tree()
	if err != nil {
		return err
	}

	ctx := context.Background()

	ptr, err := t.find(ctx, l.Key)
	if err != nil || ptr != l.Ptr {
		return err
	}

	_, err = t.remove(ctx, nil, l.Key)

	return err
}

func (l *InsertKey) String() string {
	return fmt.Sprintf("insert_key  txn %d  file %x page %x  key %q  ptr %x", l.Txn(), l.File, l.Page, []byte(l.Key), l.Ptr)
}

func (*UpdateKey) Type() byte     { return TypeUpdateKey }
func (l *UpdateKey) LogSize() int { return l.size() + 16 }

func (l *UpdateKey) Write(b []byte) []byte {
	b = l.write(b)
	b = binary.BigEndian.AppendUint64(b, uint64(l.Old))
	return binary.BigEndian.AppendUint64(b, uint64(l.New))
}

func (l *UpdateKey) Read(b []byte) (int, error) {
	n, err := l.read(b)
	if err != nil {
		return n, err
	}

	if len(b) < n+16 {
		return 0, journal.ErrShortBuffer
	}

	l.Old = int64(binary.BigEndian.Uint64(b[n:]))
	l.New = int64(binary.BigEndian.Uint64(b[n+8:]))

	return n + 16, nil
}

func (l *UpdateKey) Redo() error {
	return l.redoLeaf(func(n *node) {
		i, eq := n.search(l.Key)
		if eq {
			n.ptrs[i] = l.New
			return
		}

		n.insertLeaf(i, l.Key, l.New)
	})
}

func (l *UpdateKey) Undo() error {
	t, err := l.tree()
	if err != nil {
		return err
	}

	_, err = t.add(context.Background(), nil, l.Key, l.Old)

	return err
}

func (l *UpdateKey) String() string {
	return fmt.Sprintf("update_key  txn %d  file %x page %x  key %q  ptr %x -> %x", l.Txn(), l.File, l.Page, []byte(l.Key), l.Old, l.New)
}

func (*RemoveKey) Type() byte     { return TypeRemoveKey }
func (l *RemoveKey) LogSize() int { return l.size() + 8 }

func (l *RemoveKey) Write(b []byte) []byte {
	b = l.write(b)
	return binary.BigEndian.AppendUint64(b, uint64(l.Ptr))
}

func (l *RemoveKey) Read(b []byte) (int, error) {
	n, err := l.read(b)
	if err != nil {
		return n, err
	}

	if len(b) < n+8 {
		return 0, journal.ErrShortBuffer
	}

	l.Ptr = int64(binary.BigEndian.Uint64(b[n:]))

	return n + 8, nil
}

func (l *RemoveKey) Redo() error {
	return l.redoLeaf(func(n *node) {
		i, eq := n.search(l.Key)
		if eq {
			n.removeLeaf(i)
		}
	})
}

func (l *RemoveKey) Undo() error {
	t, err := l.tree()
	if err != nil {
		return err
	}

	_, err = t.add(context.Background(), nil, l.Key, l.Ptr)

	return err
}

func (l *RemoveKey) String() string {
	return fmt.Sprintf("remove_key  txn %d  file %x page %x  key %q  ptr %x", l.Txn(), l.File, l.Page, []byte(l.Key), l.Ptr)
}
