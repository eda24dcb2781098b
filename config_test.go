package xdom

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigParse(t *testing.T) {
	c, err := ParseConfig([]byte(`
page_size = 8192
lock_timeout = "250ms"
group_commit = false
journal_dir = "/var/lib/xdom/journal"
`))
	require.NoError(t, err)

	assert.Equal(t, int64(8192), c.PageSize)
	assert.Equal(t, "250ms", c.LockTimeout)
	assert.False(t, c.GroupCommit)
	assert.Equal(t, "/var/lib/xdom/journal", c.JournalDir)

	d := DefaultConfig()

	assert.Equal(t, d.SplitFactor, c.SplitFactor)
	assert.Equal(t, d.CacheSize, c.CacheSize)
	assert.Equal(t, d.SyncOnCommit, c.SyncOnCommit)

	_, err = ParseConfig([]byte(`lock_timeout = "soon"`))
	assert.Error(t, err)

	_, err = ParseConfig([]byte(`page_size = `))
	assert.Error(t, err)
}

func TestConfigParseKeepsDefaults(t *testing.T) {
	c, err := ParseConfig([]byte(`page_size = 8192`))
	require.NoError(t, err)

	d := DefaultConfig()
	d.PageSize = 8192

	assert.Equal(t, d, c)
	assert.True(t, c.SyncOnCommit)
	assert.True(t, c.GroupCommit)

	c, err = ParseConfig([]byte(`
sync_on_commit = false
cache_size = 0
`))
	require.NoError(t, err)

	assert.False(t, c.SyncOnCommit)
	assert.Zero(t, c.CacheSize)
	assert.True(t, c.GroupCommit)
	assert.Equal(t, DefaultConfig().SplitFactor, c.SplitFactor)
}

func TestConfigMarshal(t *testing.T) {
	c := DefaultConfig()
	c.PageSize = 0x400
	c.MaxDirty = 7

	data, err := c.Marshal()
	require.NoError(t, err)

	name := filepath.Join(t.TempDir(), "xdom.toml")
	require.NoError(t, os.WriteFile(name, data, 0644))

	c2, err := LoadConfig(name)
	require.NoError(t, err)

	assert.Equal(t, c, c2)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestConfigFill(t *testing.T) {
	var c Config

	c.fill()

	d := DefaultConfig()

	assert.Equal(t, d.PageSize, c.PageSize)
	assert.Equal(t, d.SplitFactor, c.SplitFactor)
	assert.Equal(t, d.MaxDirty, c.MaxDirty)
	assert.Equal(t, d.JournalDir, c.JournalDir)
	assert.NotNil(t, c.Logger)

	to, err := c.lockTimeout()
	require.NoError(t, err)
	assert.Zero(t, to)
}
