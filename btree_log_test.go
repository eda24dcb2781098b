package xdom

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nikand.dev/go/xdom/journal"
)

// roundTrip encodes l, decodes it with a fresh record of the registry
// and checks both encode to the same bytes.
func roundTrip(t testing.TB, reg *journal.Registry, l journal.Loggable) journal.Loggable {
	t.Helper()

	b := l.Write(nil)
	require.Len(t, b, l.LogSize(), "%v", l)

	r, err := reg.New(l.Type(), l.Txn())
	require.NoError(t, err)

	n, err := r.Read(b)
	require.NoError(t, err, "%v", l)
	assert.Equal(t, len(b), n, "%v", l)

	assert.Equal(t, b, r.Write(nil), "%v", l)
	assert.Equal(t, l.String(), r.String())

	_, err = r.Read(b[:len(b)-1])
	assert.Error(t, err, "short buffer: %v", l)

	return r
}

func TestKeyRecordsRoundTrip(t *testing.T) {
	reg := NewRegistry(NewFiles())

	for _, l := range []journal.Loggable{
		&InsertKey{keyRecord: keyRecord{File: 1, Page: 5, Key: Value("key")}, Ptr: 0x1234},
		&UpdateKey{keyRecord: keyRecord{File: 2, Page: NoPage, Key: Value("k2")}, Old: 1, New: 2},
		&RemoveKey{keyRecord: keyRecord{File: 3, Page: 7, Key: Value("")}, Ptr: -1},
		&PageImage{File: 1, Page: 3, Image: make([]byte, 0x100)},
	} {
		l.SetTxn(5)

		r := roundTrip(t, reg, l)
		assert.Equal(t, journal.TxnID(5), r.Txn())
	}
}

func newTestFilesTree(t testing.TB) (*Files, *BTree) {
	fs := NewFiles()
	tr := newTestTree(t, 0x100)

	fs.addTree(tr)

	return fs, tr
}

func TestKeyRecordRedo(t *testing.T) {
	ctx := context.Background()
	_, tr := newTestFilesTree(t)

	_, err := tr.AddValue(ctx, nil, Value("a"), 1)
	require.NoError(t, err)

	leaf := tr.root()

	ins := &InsertKey{keyRecord: keyRecord{fs: tr.fs, File: 1, Page: leaf, Key: Value("b")}, Ptr: 2}
	ins.SetLSN(journal.MakeLSN(1, 0x10))

	require.NoError(t, ins.Redo())
	require.NoError(t, ins.Redo())

	assert.Equal(t, journal.MakeLSN(1, 0x10), tr.p.pageLSN(leaf))

	n, keys := countQuery(t, tr, nil, nil)
	assert.Equal(t, 2, n)
	assert.Equal(t, []Value{Value("a"), Value("b")}, keys)

	upd := &UpdateKey{keyRecord: keyRecord{fs: tr.fs, File: 1, Page: leaf, Key: Value("b")}, Old: 2, New: 20}
	upd.SetLSN(journal.MakeLSN(1, 0x08))

	require.NoError(t, upd.Redo())

	ptr, err := tr.FindValue(ctx, Value("b"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), ptr, "older record is skipped")

	upd.SetLSN(journal.MakeLSN(1, 0x20))
	require.NoError(t, upd.Redo())

	ptr, err = tr.FindValue(ctx, Value("b"))
	require.NoError(t, err)
	assert.Equal(t, int64(20), ptr)

	rm := &RemoveKey{keyRecord: keyRecord{fs: tr.fs, File: 1, Page: leaf, Key: Value("a")}, Ptr: 1}
	rm.SetLSN(journal.MakeLSN(1, 0x30))

	require.NoError(t, rm.Redo())

	ptr, err = tr.FindValue(ctx, Value("a"))
	require.NoError(t, err)
	assert.Equal(t, KeyNotFound, ptr)

	structural := &InsertKey{keyRecord: keyRecord{fs: tr.fs, File: 1, Page: NoPage, Key: Value("z")}, Ptr: 9}
	structural.SetLSN(journal.MakeLSN(1, 0x40))

	require.NoError(t, structural.Redo(), "redone by images")

	ptr, err = tr.FindValue(ctx, Value("z"))
	require.NoError(t, err)
	assert.Equal(t, KeyNotFound, ptr)
}

func TestKeyRecordUndo(t *testing.T) {
	ctx := context.Background()
	_, tr := newTestFilesTree(t)

	for i := 0; i < 200; i++ {
		_, err := tr.AddValue(ctx, nil, Value(fmt.Sprintf("k%03d", i)), int64(i))
		require.NoError(t, err)
	}

	k := func(i int) keyRecord {
		return keyRecord{fs: tr.fs, File: 1, Page: NoPage, Key: Value(fmt.Sprintf("k%03d", i))}
	}

	require.NoError(t, (&InsertKey{keyRecord: k(10), Ptr: 10}).Undo())
	require.NoError(t, (&InsertKey{keyRecord: k(11), Ptr: 999}).Undo(), "pointer changed since")
	require.NoError(t, (&UpdateKey{keyRecord: k(12), Old: 112, New: 12}).Undo())
	require.NoError(t, (&RemoveKey{keyRecord: k(500), Ptr: 500}).Undo())

	for _, tc := range []struct {
		key string
		ptr int64
	}{
		{"k010", KeyNotFound},
		{"k011", 11},
		{"k012", 112},
		{"k500", 500},
	} {
		ptr, err := tr.FindValue(ctx, Value(tc.key))
		require.NoError(t, err)
		assert.Equal(t, tc.ptr, ptr, "%v", tc.key)
	}
}

func TestPageImageRedo(t *testing.T) {
	fs := NewFiles()
	tr := newTestTree(t, 0x100)
	fs.addTree(tr)

	img := make([]byte, 0x100)
	img[offStatus] = pageData
	copy(img[pageHeaderSize:], "image")

	l := &PageImage{fs: fs, File: 1, Page: 2, Image: img}
	l.SetLSN(journal.MakeLSN(2, 0x10))

	// page past the end of the file
	_, err := tr.p.redoNewPage(2, journal.MakeLSN(1, 0))
	require.NoError(t, err)

	require.NoError(t, l.Redo())

	b, err := tr.p.read(2)
	require.NoError(t, err)
	assert.Equal(t, "image", string(b[pageHeaderSize:pageHeaderSize+5]))
	assert.Equal(t, journal.MakeLSN(2, 0x10), getLSN(b))

	old := &PageImage{fs: fs, File: 1, Page: 2, Image: make([]byte, 0x100)}
	old.SetLSN(journal.MakeLSN(1, 0x10))

	require.NoError(t, old.Redo())

	b, err = tr.p.read(2)
	require.NoError(t, err)
	assert.Equal(t, "image", string(b[pageHeaderSize:pageHeaderSize+5]), "older image skipped")

	unknown := &PageImage{fs: fs, File: 9, Page: 2, Image: img}
	assert.ErrorIs(t, unknown.Redo(), ErrUnknownFile)
}
