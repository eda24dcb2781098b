package xdom

import (
	"github.com/dgraph-io/ristretto/v2"
	"tlog.app/go/errors"
)

// PageCache keeps clean page images of all files of a database.
// Dirty pages never live here; they are owned by their file until flushed.
type PageCache struct {
	c *ristretto.Cache[uint64, []byte]
}

func NewPageCache(size int64) (*PageCache, error) {
	if size <= 0 {
		return nil, nil
	}

	c, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: size / 256 * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new page cache")
	}

	return &PageCache{c: c}, nil
}

func cacheKey(id byte, no int64) uint64 {
	return uint64(id)<<56 | uint64(no)
}

func (c *PageCache) get(id byte, no int64) ([]byte, bool) {
	if c == nil {
		return nil, false
	}

	return c.c.Get(cacheKey(id, no))
}

func (c *PageCache) set(id byte, no int64, p []byte) {
	if c == nil {
		return
	}

	c.c.Set(cacheKey(id, no), p, int64(len(p)))
}

func (c *PageCache) del(id byte, no int64) {
	if c == nil {
		return
	}

	c.c.Del(cacheKey(id, no))
}

// wait applies buffered sets so a following del cannot be overtaken.
func (c *PageCache) wait() {
	if c == nil {
		return
	}

	c.c.Wait()
}

func (c *PageCache) Close() {
	if c == nil {
		return
	}

	c.c.Close()
}
