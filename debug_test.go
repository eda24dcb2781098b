package xdom

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugDump(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t, t.TempDir(), testConfig(t))

	defer func() {
		assert.NoError(t, d.Close())
	}()

	putAll(t, d, map[string]string{"alpha": "first", "beta": "second"})

	idx, err := d.Index(5)
	require.NoError(t, err)

	err = d.Update(ctx, func(ctx context.Context, tx *Txn) error {
		_, err := idx.AddValue(ctx, tx, Value("by_name"), 1)
		return err
	})
	require.NoError(t, err)

	var buf bytes.Buffer

	err = DebugDump(ctx, &buf, d)
	require.NoError(t, err)

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")

	require.Len(t, lines, 4, "%s", out)
	assert.Contains(t, lines[0], `"alpha"`)
	assert.Contains(t, lines[0], `"first"`)
	assert.Contains(t, lines[1], `"second"`)
	assert.Contains(t, lines[2], "index 05")
	assert.True(t, strings.HasPrefix(lines[3], "    "))
	assert.Contains(t, lines[3], `"by_name"`)
}
