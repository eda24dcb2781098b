package xdom

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nikand.dev/go/xdom/journal"
)

func newTestPaged(t testing.TB, id byte, psize int64) *Paged {
	t.Helper()

	p, err := CreatePaged(NewMemBack(0), id, psize, PagedOptions{
		Logger: initLogger(t),
		Name:   "test",
	})
	require.NoError(t, err)

	return p
}

func TestPagedCreateOpen(t *testing.T) {
	name := filepath.Join(t.TempDir(), "paged.dbx")

	b, err := OpenFile(name, 0)
	require.NoError(t, err)

	p, err := CreatePaged(b, 3, 0x200, PagedOptions{Logger: initLogger(t)})
	require.NoError(t, err)

	no, pb, err := p.allocate(pageData)
	require.NoError(t, err)
	assert.Equal(t, int64(1), no)

	copy(pb[pageHeaderSize:], "page one")

	require.NoError(t, p.Close())

	b, err = OpenFile(name, 0)
	require.NoError(t, err)

	p, err = OpenPaged(b, PagedOptions{Logger: initLogger(t)})
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, p.Close())
	}()

	assert.Equal(t, byte(3), p.ID())
	assert.Equal(t, int64(0x200), p.PageSize())
	assert.Equal(t, int64(2), p.pageCount())

	pb, err = p.page(1, pageData)
	require.NoError(t, err)
	assert.Equal(t, "page one", string(pb[pageHeaderSize:pageHeaderSize+8]))

	_, err = p.page(1, pageLeaf)
	assert.ErrorIs(t, err, ErrCorrupted)

	_, err = p.page(2)
	assert.ErrorIs(t, err, ErrPageNotFound)
}

func TestPagedBadPageSize(t *testing.T) {
	_, err := CreatePaged(NewMemBack(0), 1, 0x300, PagedOptions{})
	assert.Error(t, err)

	_, err = CreatePaged(NewMemBack(0), 1, MinPageSize/2, PagedOptions{})
	assert.Error(t, err)

	_, err = OpenPaged(NewMemBack(0x100), PagedOptions{})
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestPagedChecksum(t *testing.T) {
	mb := NewMemBack(0)

	p, err := CreatePaged(mb, 1, 0x100, PagedOptions{Logger: initLogger(t)})
	require.NoError(t, err)

	_, pb, err := p.allocate(pageData)
	require.NoError(t, err)

	copy(pb[pageHeaderSize:], "data")

	require.NoError(t, p.Flush())

	_, err = mb.WriteAt([]byte("DATA"), 0x100+pageHeaderSize)
	require.NoError(t, err)

	_, err = p.read(1)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestPagedFreeList(t *testing.T) {
	p := newTestPaged(t, 1, 0x100)

	var pages []int64

	for i := 0; i < 4; i++ {
		no, _, err := p.allocate(pageData)
		require.NoError(t, err)

		pages = append(pages, no)
	}

	assert.Equal(t, []int64{1, 2, 3, 4}, pages)

	require.NoError(t, p.free(2))
	require.NoError(t, p.free(4))

	assert.Error(t, p.free(4), "double free")

	assert.Equal(t, int64(2), p.hdr(fhFreeCount))
	assert.True(t, p.isFree(2))
	assert.True(t, p.isFree(4))
	assert.False(t, p.isFree(3))
	assert.True(t, p.isFree(10))

	no, _, err := p.allocate(pageLeaf)
	require.NoError(t, err)
	assert.Equal(t, int64(4), no, "last freed first")

	no, _, err = p.allocate(pageLeaf)
	require.NoError(t, err)
	assert.Equal(t, int64(2), no)

	no, _, err = p.allocate(pageLeaf)
	require.NoError(t, err)
	assert.Equal(t, int64(5), no, "file extended")

	assert.Equal(t, int64(0), p.hdr(fhFreeCount))
}

func TestPagedReclaim(t *testing.T) {
	p := newTestPaged(t, 1, 0x100)

	for i := 0; i < 4; i++ {
		_, _, err := p.allocate(pageData)
		require.NoError(t, err)
	}

	for _, no := range []int64{1, 2, 3} {
		require.NoError(t, p.free(no))
	}

	// free list: 3 -> 2 -> 1

	b, err := p.reclaim(2, pageOverflow)
	require.NoError(t, err)
	assert.Equal(t, pageOverflow, b[offStatus])

	assert.Equal(t, int64(2), p.hdr(fhFreeCount))

	_, err = p.reclaim(2, pageOverflow)
	assert.ErrorIs(t, err, ErrPageNotFound)

	var free []int64
	for no := p.hdr(fhFirstFree); no != NoPage; {
		free = append(free, no)

		b, err := p.read(no)
		require.NoError(t, err)

		no = getInt64(b, offNext)
	}

	assert.Equal(t, []int64{3, 1}, free)

	_, err = p.reclaim(3, pageData)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.hdr(fhFirstFree))
}

func TestPagedRedoNewPage(t *testing.T) {
	p := newTestPaged(t, 1, 0x100)

	b, err := p.redoNewPage(3, journal.MakeLSN(1, 0x10))
	require.NoError(t, err)
	require.NotNil(t, b)

	assert.Equal(t, int64(4), p.pageCount())

	setLSN(b, journal.MakeLSN(1, 0x10))
	b[offStatus] = pageData

	b, err = p.redoNewPage(3, journal.MakeLSN(1, 0x10))
	require.NoError(t, err)
	assert.Nil(t, b, "already applied")

	b, err = p.redoPage(3, journal.MakeLSN(1, 0x20))
	require.NoError(t, err)
	assert.NotNil(t, b)

	assert.Equal(t, journal.MakeLSN(1, 0x10), p.pageLSN(3))
	assert.Equal(t, journal.NoLSN, p.pageLSN(100))
}

func TestPagedTrackAndImages(t *testing.T) {
	p := newTestPaged(t, 1, 0x100)

	assert.True(t, p.startTrack())
	assert.False(t, p.startTrack())

	no, _, err := p.allocate(pageData)
	require.NoError(t, err)

	pages := p.stopTrack()
	assert.Equal(t, []int64{0, no}, pages)

	img, err := p.image(no)
	require.NoError(t, err)

	img[pageHeaderSize] = 'x'

	b, err := p.read(no)
	require.NoError(t, err)
	assert.NotEqual(t, byte('x'), b[pageHeaderSize], "image is a copy")

	require.NoError(t, p.setImage(no, img))

	b, err = p.read(no)
	require.NoError(t, err)
	assert.Equal(t, byte('x'), b[pageHeaderSize])

	assert.Error(t, p.setImage(no, img[:10]))
}

func TestPagedCache(t *testing.T) {
	c, err := NewPageCache(1 << 20)
	require.NoError(t, err)

	defer c.Close()

	p, err := CreatePaged(NewMemBack(0), 1, 0x100, PagedOptions{Logger: initLogger(t), Cache: c})
	require.NoError(t, err)

	no, _, err := p.allocate(pageData)
	require.NoError(t, err)

	require.NoError(t, p.Flush())

	_, err = p.read(no)
	require.NoError(t, err)

	c.wait()

	_, err = p.read(no)
	require.NoError(t, err)

	assert.Equal(t, int64(1), p.Stats().Reads.Load())
	assert.Equal(t, int64(1), p.Stats().Hits.Load())

	nc, err := NewPageCache(0)
	assert.NoError(t, err)
	assert.Nil(t, nc)
}
