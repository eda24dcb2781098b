package xdom

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	d := openTestDB(t, t.TempDir(), cfg)

	kv := testValues(300, "backed up")
	kv["big"] = string(bytes.Repeat([]byte("large "), 500))
	putAll(t, d, kv)

	idx, err := d.Index(2)
	require.NoError(t, err)

	err = d.Update(ctx, func(ctx context.Context, tx *Txn) error {
		_, err := idx.AddValue(ctx, tx, Value("secondary"), 77)
		return err
	})
	require.NoError(t, err)

	for _, codec := range []string{"none", "snappy", "lz4"} {
		t.Run(codec, func(t *testing.T) {
			var buf bytes.Buffer

			s, err := d.Backup(ctx, &buf, codec)
			require.NoError(t, err)

			assert.Equal(t, 2, s.Files)
			assert.Equal(t, int64(buf.Len()), s.Written)
			assert.Equal(t, s.Pages*cfg.PageSize, s.Raw)

			if codec != "none" {
				assert.Less(t, s.Written, s.Raw)
			}

			dir := filepath.Join(t.TempDir(), "restored")

			rs, err := Restore(ctx, bytes.NewReader(buf.Bytes()), dir)
			require.NoError(t, err)
			assert.Equal(t, s.Files, rs.Files)
			assert.Equal(t, s.Pages, rs.Pages)

			_, err = Restore(ctx, bytes.NewReader(buf.Bytes()), dir)
			assert.Error(t, err, "restored over a database")

			r := openTestDB(t, dir, cfg)
			defer func() {
				assert.NoError(t, r.Close())
			}()

			checkState(t, r, kv)

			ri, err := r.Index(2)
			require.NoError(t, err)

			ptr, err := ri.FindValue(ctx, Value("secondary"))
			require.NoError(t, err)
			assert.Equal(t, int64(77), ptr)
		})
	}

	_, err = d.Backup(ctx, &bytes.Buffer{}, "zip")
	assert.ErrorIs(t, err, ErrUnknownCodec)

	tx, err := d.Begin(ctx)
	require.NoError(t, err)

	_, err = d.Backup(ctx, &bytes.Buffer{}, "none")
	assert.ErrorIs(t, err, ErrTxnActive)

	require.NoError(t, tx.Commit())
	require.NoError(t, d.Close())
}

func TestRestoreCorrupted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	d := openTestDB(t, t.TempDir(), cfg)
	putAll(t, d, testValues(20, "v"))

	var buf bytes.Buffer

	_, err := d.Backup(ctx, &buf, "none")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	b := buf.Bytes()

	_, err = Restore(ctx, bytes.NewReader(b[:len(b)-3]), t.TempDir())
	assert.Error(t, err)

	bad := append([]byte{}, b...)
	bad[len(bad)-20] ^= 0xff

	_, err = Restore(ctx, bytes.NewReader(bad), t.TempDir())
	assert.ErrorIs(t, err, ErrBadBackup)

	bad = append([]byte{}, b...)
	bad[0] = 'X'

	_, err = Restore(ctx, bytes.NewReader(bad), t.TempDir())
	assert.ErrorIs(t, err, ErrBadBackup)
}
