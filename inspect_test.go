//go:build linux || darwin

package xdom

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspect(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(t)

	d := openTestDB(t, dir, cfg)

	kv := testValues(200, "inspected")
	putAll(t, d, kv)

	err := d.Update(ctx, func(ctx context.Context, tx *Txn) error {
		for i := 0; i < 150; i++ {
			_, err := d.DOM().Delete(ctx, tx, Value(fmt.Sprintf("key_%04d", i)))
			if err != nil {
				return err
			}
		}

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, d.Close())

	name := filepath.Join(dir, DOMFileName)

	fi, err := Inspect(ctx, name)
	require.NoError(t, err)

	assert.Equal(t, domFileID, fi.ID)
	assert.Equal(t, cfg.PageSize, fi.PageSize)
	assert.Empty(t, fi.Bad)
	assert.Equal(t, fi.FreeCount, fi.Free)
	assert.Equal(t, fi.Free, fi.Statuses[pageFree])
	assert.Equal(t, int64(1), fi.Statuses[pageHeader])
	assert.NotZero(t, fi.Statuses[pageData])
	assert.NotZero(t, fi.Statuses[pageLeaf])

	var sum int64
	for _, n := range fi.Statuses {
		sum += n
	}

	assert.Equal(t, fi.Pages, sum)

	t.Logf("%v", fi)

	b, err := OpenFile(name, 0)
	require.NoError(t, err)

	p, err := OpenPaged(b, PagedOptions{Name: name})
	require.NoError(t, err)

	root := p.hdr(fhRoot)
	require.NoError(t, b.Close())

	f, err := os.OpenFile(name, os.O_WRONLY, 0)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("garbage"), root*cfg.PageSize+pageHeaderSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fi, err = Inspect(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []int64{root}, fi.Bad)
}
