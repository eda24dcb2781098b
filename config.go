package xdom

import (
	"os"
	"reflect"
	"time"

	"github.com/pelletier/go-toml"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// Config of a database. Zero fields take defaults.
type Config struct {
	PageSize    int64   `toml:"page_size"`
	SplitFactor float64 `toml:"split_factor"`

	// LockTimeout is a time.Duration string, "0" waits forever.
	LockTimeout string `toml:"lock_timeout"`

	// CacheSize is the clean page cache size in bytes, 0 disables it.
	CacheSize int64 `toml:"cache_size"`
	MaxDirty  int   `toml:"max_dirty"`

	SyncOnCommit bool `toml:"sync_on_commit"`
	GroupCommit  bool `toml:"group_commit"`

	JournalDir       string `toml:"journal_dir"`
	JournalSizeLimit int64  `toml:"journal_size_limit"`

	Logger *tlog.Logger `toml:"-"`
}

const KB, MB = 1 << 10, 1 << 20

func DefaultConfig() *Config {
	return &Config{
		PageSize:         4 * KB,
		SplitFactor:      0.1,
		LockTimeout:      "10s",
		CacheSize:        16 * MB,
		MaxDirty:         1024,
		SyncOnCommit:     true,
		GroupCommit:      true,
		JournalDir:       "journal",
		JournalSizeLimit: 64 * MB,
	}
}

// LoadConfig reads a toml file over the defaults.
func LoadConfig(name string) (*Config, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	var f Config

	err = tree.Unmarshal(&f)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	c := DefaultConfig()

	// Unmarshal zeroes the missing keys, they keep defaults
	cv := reflect.ValueOf(c).Elem()
	fv := reflect.ValueOf(&f).Elem()

	for i := 0; i < cv.NumField(); i++ {
		key := cv.Type().Field(i).Tag.Get("toml")
		if key == "" || key == "-" || !tree.Has(key) {
			continue
		}

		cv.Field(i).Set(fv.Field(i))
	}

	_, err = c.lockTimeout()
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Marshal encodes the config as toml.
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(*c)
}

func (c *Config) lockTimeout() (time.Duration, error) {
	if c.LockTimeout == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(c.LockTimeout)
	if err != nil {
		return 0, errors.Wrap(err, "lock_timeout")
	}

	return d, nil
}

// fill sets defaults for zero fields.
func (c *Config) fill() {
	d := DefaultConfig()

	if c.PageSize == 0 {
		c.PageSize = d.PageSize
	}

	if c.SplitFactor == 0 {
		c.SplitFactor = d.SplitFactor
	}

	if c.MaxDirty == 0 {
		c.MaxDirty = d.MaxDirty
	}

	if c.JournalDir == "" {
		c.JournalDir = d.JournalDir
	}

	if c.JournalSizeLimit == 0 {
		c.JournalSizeLimit = d.JournalSizeLimit
	}

	if c.Logger == nil {
		c.Logger = tlog.DefaultLogger
	}
}
