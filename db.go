package xdom

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"nikand.dev/go/xdom/journal"
)

/*
	Database directory

	dom.dbx            // records and the primary key index, file id 0
	index_XX.dbx       // secondary b+tree indexes, file id XX
	journal/           // journal files, journal.lck
*/

const (
	DOMFileName = "dom.dbx"
	IndexPrefix = "index_"
	FileSuffix  = ".dbx"
)

type DB struct {
	dir string
	cfg Config
	l   *tlog.Logger

	j     *journal.Journal
	reg   *journal.Registry
	fs    *Files
	cache *PageCache

	txns *TxnManager
	docs *LockTable

	dom *DOMFile

	mu      sync.Mutex
	indexes map[byte]*BTree
	closed  bool

	Recovered RecoveryStats
}

// Open opens the database in dir creating it if needed
// and recovers it from the journal.
func Open(ctx context.Context, dir string, cfg *Config) (_ *DB, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c := *cfg
	c.fill()

	timeout, err := c.lockTimeout()
	if err != nil {
		return nil, err
	}

	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, errors.Wrap(err, "create database dir")
	}

	d := &DB{
		dir:     dir,
		cfg:     c,
		l:       c.Logger,
		fs:      NewFiles(),
		docs:    NewLockTable("doc", timeout),
		indexes: make(map[byte]*BTree),
	}

	defer func() {
		if err != nil {
			_ = d.closeFiles()
		}
	}()

	jdir := c.JournalDir
	if !filepath.IsAbs(jdir) {
		jdir = filepath.Join(dir, jdir)
	}

	d.j, err = journal.Open(jdir, d.l)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}

	d.cache, err = NewPageCache(c.CacheSize)
	if err != nil {
		return nil, err
	}

	d.reg = NewRegistry(d.fs)

	d.txns = newTxnManager(d.j, d.fs, d.l, c.SyncOnCommit, c.JournalSizeLimit)

	p, err := d.openPaged(DOMFileName, domFileID, timeout)
	if err != nil {
		return nil, err
	}

	d.dom = NewDOMFile(p, c.SplitFactor)
	d.fs.setDOM(d.dom)

	ids, err := indexFiles(dir)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		p, err := d.openPaged(indexName(id), id, timeout)
		if err != nil {
			return nil, err
		}

		t := NewBTree(p, c.SplitFactor)

		d.fs.addTree(t)
		d.indexes[id] = t
	}

	d.Recovered, err = d.txns.Recover(ctx, d.reg)
	if err != nil {
		return nil, errors.Wrap(err, "recover")
	}

	if c.GroupCommit {
		d.txns.start()
	}

	if d.l.V("db") != nil {
		d.l.Printw("opened", "dir", dir, "indexes", len(ids), "page_size", c.PageSize)
	}

	return d, nil
}

func (d *DB) openPaged(name string, id byte, timeout time.Duration) (*Paged, error) {
	b, err := OpenFile(filepath.Join(d.dir, name), 0)
	if err != nil {
		return nil, errors.Wrap(err, "%v", name)
	}

	opts := PagedOptions{
		Logger:      d.l,
		Name:        name,
		Cache:       d.cache,
		WAL:         d.j,
		LockTimeout: timeout,
		MaxDirty:    d.cfg.MaxDirty,
	}

	var p *Paged

	if b.Size() == 0 {
		p, err = CreatePaged(b, id, d.cfg.PageSize, opts)
	} else {
		p, err = OpenPaged(b, opts)
	}
	if err != nil {
		_ = b.Close()
		return nil, errors.Wrap(err, "%v", name)
	}

	if p.ID() != id {
		_ = p.Close()
		return nil, errors.Wrap(ErrBadHeader, "%v: file id %x, want %x", name, p.ID(), id)
	}

	return p, nil
}

func (d *DB) Dir() string                 { return d.dir }
func (d *DB) Config() Config              { return d.cfg }
func (d *DB) DOM() *DOMFile               { return d.dom }
func (d *DB) Journal() *journal.Journal   { return d.j }
func (d *DB) Registry() *journal.Registry { return d.reg }

// Index returns the secondary index id, creating it if needed.
func (d *DB) Index(id byte) (*BTree, error) {
	if id == domFileID {
		return nil, errors.New("index id %x is reserved", id)
	}

	defer d.mu.Unlock()
	d.mu.Lock()

	if d.closed {
		return nil, ErrClosed
	}

	if t, ok := d.indexes[id]; ok {
		return t, nil
	}

	timeout, _ := d.cfg.lockTimeout()

	p, err := d.openPaged(indexName(id), id, timeout)
	if err != nil {
		return nil, err
	}

	t := NewBTree(p, d.cfg.SplitFactor)

	d.fs.addTree(t)
	d.indexes[id] = t

	d.l.Printw("index created", "id", id, "file", p.Name())

	return t, nil
}

// Indexes lists open secondary index ids.
func (d *DB) Indexes() []byte {
	defer d.mu.Unlock()
	d.mu.Lock()

	r := make([]byte, 0, len(d.indexes))
	for id := range d.indexes {
		r = append(r, id)
	}

	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })

	return r
}

func (d *DB) Begin(ctx context.Context) (*Txn, error) {
	return d.txns.Begin(ctx)
}

// Update runs f in a transaction committing it if f returns nil
// and aborting it otherwise.
func (d *DB) Update(ctx context.Context, f func(ctx context.Context, tx *Txn) error) (err error) {
	tx, err := d.txns.Begin(ctx)
	if err != nil {
		return err
	}

	ctx = tx.Context(ctx)

	err = f(ctx, tx)
	if err != nil {
		if e := tx.Abort(ctx); e != nil {
			d.l.Printw("abort", "txn", tx.ID(), "err", e, "cause", err)
		}

		return err
	}

	err = tx.Commit()
	if err != nil {
		if e := tx.Abort(ctx); e != nil {
			d.l.Printw("abort", "txn", tx.ID(), "err", e, "cause", err)
		}
	}

	return err
}

// LockDocument isolates a document from other transactions
// until the returned func is called.
func (d *DB) LockDocument(ctx context.Context, tx *Txn, doc string, mode LockMode) (release func(), err error) {
	return d.docs.Acquire(tx.Context(ctx), doc, mode)
}

// Checkpoint flushes everything and marks the journal. It fails
// while transactions are running.
func (d *DB) Checkpoint(ctx context.Context) error {
	return d.txns.Checkpoint(ctx)
}

func (d *DB) Close() (err error) {
	d.mu.Lock()
	closed := d.closed
	d.closed = true
	d.mu.Unlock()

	if closed {
		return nil
	}

	d.txns.stop()

	if n := d.txns.Active(); n != 0 {
		d.l.Printw("closing with running transactions", "active", n)
	} else if err = d.txns.Checkpoint(context.Background()); err != nil {
		err = errors.Wrap(err, "final checkpoint")
	}

	if e := d.closeFiles(); err == nil {
		err = e
	}

	return err
}

func (d *DB) closeFiles() (err error) {
	for _, p := range d.fs.All() {
		if e := p.Close(); err == nil && e != nil {
			err = errors.Wrap(e, "close %v", p.Name())
		}
	}

	if d.j != nil {
		if e := d.j.Close(); err == nil && e != nil {
			err = errors.Wrap(e, "close journal")
		}
	}

	d.cache.Close()

	return err
}

func indexName(id byte) string {
	return fmt.Sprintf("%s%02x%s", IndexPrefix, id, FileSuffix)
}

func indexFiles(dir string) ([]byte, error) {
	names, err := filepath.Glob(filepath.Join(dir, IndexPrefix+"*"+FileSuffix))
	if err != nil {
		return nil, errors.Wrap(err, "list indexes")
	}

	var ids []byte

	for _, n := range names {
		n = strings.TrimSuffix(strings.TrimPrefix(filepath.Base(n), IndexPrefix), FileSuffix)

		id, err := strconv.ParseUint(n, 16, 8)
		if err != nil || id == uint64(domFileID) {
			continue
		}

		ids = append(ids, byte(id))
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, nil
}
