package xdom

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemBack(t *testing.T) {
	b := NewMemBack(0)

	assert.Equal(t, int64(0), b.Size())

	err := b.Truncate(0x200)
	assert.NoError(t, err)

	_, err = b.WriteAt([]byte("PAGE2 content"), 0x100)
	assert.NoError(t, err)

	_, err = b.WriteAt([]byte("PAGE1 content"), 0)
	assert.NoError(t, err)

	p := make([]byte, 13)

	_, err = b.ReadAt(p, 0x100)
	assert.NoError(t, err)
	assert.Equal(t, "PAGE2 content", string(p))

	assert.Equal(t, int64(0x200), b.Size())

	err = b.Truncate(0x100)
	assert.NoError(t, err)

	_, err = b.ReadAt(p, 0)
	assert.NoError(t, err)
	assert.Equal(t, "PAGE1 content", string(p))

	_, err = b.ReadAt(p, 0x100)
	assert.ErrorIs(t, err, io.EOF)

	_, err = b.WriteAt([]byte("tail"), 0x1fc)
	assert.NoError(t, err)
	assert.Equal(t, int64(0x200), b.Size())
}

func TestFileBackMmap(t *testing.T) {
	name := filepath.Join(t.TempDir(), "back.dbx")

	f, err := OpenFile(name, 0)
	require.NoError(t, err)

	_, err = OpenFile(name, 0)
	assert.ErrorIs(t, err, ErrLocked)

	_, err = f.WriteAt([]byte("mapped content"), 0x40)
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	assert.Equal(t, int64(0x40+14), f.Size())
	require.NoError(t, f.Close())

	m, err := Mmap(name)
	require.NoError(t, err)
	defer m.Close()

	p := make([]byte, 14)
	_, err = m.ReadAt(p, 0x40)
	require.NoError(t, err)
	assert.Equal(t, "mapped content", string(p))

	_, err = m.WriteAt(p, 0)
	assert.ErrorIs(t, err, ErrReadOnly)
}
