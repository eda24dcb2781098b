package xdom

import (
	"context"
	"sort"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"nikand.dev/go/xdom/journal"
)

type (
	// BTree is an ordered index of keys to int64 pointers
	// kept in a paged file. The root page is stored in the file header.
	BTree struct {
		p  *Paged
		l  *tlog.Logger
		fs *Files

		// split at the insertion point if it is past this share of the node
		splitFactor float64
	}

	TreeStats struct {
		Depth    int
		Leaves   int
		Branches int
		Keys     int64

		// Fill is used bytes of all the nodes over their total size.
		Fill float64
	}
)

func NewBTree(p *Paged, splitFactor float64) *BTree {
	return &BTree{
		p:           p,
		l:           p.l,
		splitFactor: splitFactor,
	}
}

func (t *BTree) File() *Paged { return t.p }

// MaxKeySize is the largest key the tree accepts.
func (t *BTree) MaxKeySize() int {
	return (int(t.p.psize)-nodeData)/4 - 11
}

// AddValue sets key to ptr. It returns the previous pointer or KeyNotFound.
func (t *BTree) AddValue(ctx context.Context, tx *Txn, key Value, ptr int64) (int64, error) {
	return Write(ctx, t.p, func(ctx context.Context) (old int64, err error) {
		err = tx.change(t.p, func() (err error) {
			old, err = t.add(ctx, tx, key, ptr)
			return err
		})
		if err != nil {
			return old, err
		}

		return old, t.p.maybeFlush()
	})
}

// FindValue returns the pointer of key or KeyNotFound.
func (t *BTree) FindValue(ctx context.Context, key Value) (int64, error) {
	return Read(ctx, t.p, func(ctx context.Context) (int64, error) {
		return t.find(ctx, key)
	})
}

// Query calls cb for each matching key in ascending order.
// cb must not modify the tree.
func (t *BTree) Query(ctx context.Context, q *IndexQuery, cb Callback) error {
	_, err := Read(ctx, t.p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.query(ctx, q, nil, cb)
	})

	return err
}

// QueryPrefix is Query limited to keys starting with prefix.
func (t *BTree) QueryPrefix(ctx context.Context, q *IndexQuery, prefix Value, cb Callback) error {
	_, err := Read(ctx, t.p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.query(ctx, q, prefix, cb)
	})

	return err
}

// Remove deletes every key matching q. cb, if not nil, is called for each
// key before it's removed; returning false stops the removal.
func (t *BTree) Remove(ctx context.Context, tx *Txn, q *IndexQuery, cb Callback) (int, error) {
	return Write(ctx, t.p, func(ctx context.Context) (int, error) {
		var keys []Value

		err := t.query(ctx, q, nil, func(k Value, ptr int64) bool {
			if cb != nil && !cb(k, ptr) {
				return false
			}

			keys = append(keys, k)

			return true
		})
		if err != nil {
			return 0, err
		}

		for i, k := range keys {
			if err = terminated(ctx); err != nil {
				return i, err
			}

			err = tx.change(t.p, func() error {
				_, err := t.remove(ctx, tx, k)
				return err
			})
			if err != nil {
				return i, err
			}
		}

		return len(keys), t.p.maybeFlush()
	})
}

// RemoveValue deletes key and returns its pointer or KeyNotFound.
func (t *BTree) RemoveValue(ctx context.Context, tx *Txn, key Value) (int64, error) {
	return Write(ctx, t.p, func(ctx context.Context) (old int64, err error) {
		err = tx.change(t.p, func() (err error) {
			old, err = t.remove(ctx, tx, key)
			return err
		})
		if err != nil {
			return old, err
		}

		return old, t.p.maybeFlush()
	})
}

// RawScan calls cb for matching keys of every leaf, in page order
// rather than key order. It doesn't need the branch pages to be intact.
func (t *BTree) RawScan(ctx context.Context, q *IndexQuery, cb Callback) error {
	_, err := Read(ctx, t.p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.rawScan(ctx, q, cb)
	})

	return err
}

// Rebuild rewrites the tree into densely filled fresh pages.
func (t *BTree) Rebuild(ctx context.Context, tx *Txn) error {
	_, err := Write(ctx, t.p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, tx.change(t.p, func() error {
			return t.structural(tx, nil, func() error {
				return t.rebuild(ctx)
			})
		})
	})

	return err
}

func (t *BTree) Stats(ctx context.Context) (TreeStats, error) {
	return Read(ctx, t.p, t.stats)
}

func (t *BTree) Flush() error {
	_, err := Write(context.Background(), t.p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.p.flush()
	})

	return err
}

func (t *BTree) Close() error {
	_, err := Write(context.Background(), t.p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.p.Close()
	})

	return err
}

func (t *BTree) root() int64 { return t.p.hdr(fhRoot) }

func (t *BTree) setRoot(no int64) {
	setInt64(t.p.header(), fhRoot, no)
}

func (t *BTree) readNode(no int64) (*node, error) {
	b, err := t.p.page(no, pageLeaf, pageBranch)
	if err != nil {
		return nil, err
	}

	return decodeNode(no, b)
}

func (t *BTree) writeNode(n *node) ([]byte, error) {
	b, err := t.p.write(n.no)
	if err != nil {
		return nil, err
	}

	n.encode(b)

	return b, nil
}

// seek descends to the leaf k belongs to, collecting the path of branches.
// nil k finds the first leaf. It returns nil node for an empty tree.
func (t *BTree) seek(ctx context.Context, k Value, st []keylink) ([]keylink, *node, error) {
	no := t.root()
	if no == NoPage {
		return st, nil, nil
	}

	for {
		if err := terminated(ctx); err != nil {
			return st, nil, err
		}

		n, err := t.readNode(no)
		if err != nil {
			return st, nil, errors.Wrap(err, "seek")
		}

		if n.leaf {
			return st, n, nil
		}

		i := n.child(k)
		st = append(st, mklink(no, i))

		no = n.ptrs[i]
	}
}

func (t *BTree) find(ctx context.Context, k Value) (int64, error) {
	_, n, err := t.seek(ctx, k, nil)
	if err != nil || n == nil {
		return KeyNotFound, err
	}

	i, eq := n.search(k)
	if !eq {
		return KeyNotFound, nil
	}

	return n.ptrs[i], nil
}

func (t *BTree) add(ctx context.Context, tx *Txn, k Value, ptr int64) (old int64, err error) {
	if len(k) > t.MaxKeySize() {
		return KeyNotFound, errors.Wrap(ErrKeyTooLarge, "%d > %d", len(k), t.MaxKeySize())
	}

	st, n, err := t.seek(ctx, k, nil)
	if err != nil {
		return KeyNotFound, err
	}

	rec := &InsertKey{
		keyRecord: keyRecord{fs: t.fs, File: t.p.id, Page: NoPage, Key: k},
		Ptr:       ptr,
	}

	if n == nil {
		return KeyNotFound, t.structural(tx, rec, func() error {
			no, b, err := t.p.allocate(pageLeaf)
			if err != nil {
				return err
			}

			n := newLeaf(no)
			n.insertLeaf(0, k, ptr)
			n.encode(b)

			t.setRoot(no)

			return nil
		})
	}

	i, eq := n.search(k)

	if eq {
		old = n.ptrs[i]
		if old == ptr {
			return old, nil
		}

		n.ptrs[i] = ptr

		b, err := t.writeNode(n)
		if err != nil {
			return old, err
		}

		return old, t.logKey(tx, b, &UpdateKey{
			keyRecord: keyRecord{fs: t.fs, File: t.p.id, Page: n.no, Key: k},
			Old:       old,
			New:       ptr,
		})
	}

	n.insertLeaf(i, k, ptr)

	if n.size(0, len(n.keys)) <= int(t.p.psize) {
		b, err := t.writeNode(n)
		if err != nil {
			return KeyNotFound, err
		}

		rec.Page = n.no

		return KeyNotFound, t.logKey(tx, b, rec)
	}

	if t.l.V("btree") != nil {
		t.l.Printw("split leaf", "file", t.p.name, "page", n.no, "keys", len(n.keys), "at", i)
	}

	return KeyNotFound, t.structural(tx, rec, func() error {
		return t.splitLeaf(st, n, i)
	})
}

func (t *BTree) remove(ctx context.Context, tx *Txn, k Value) (old int64, err error) {
	st, n, err := t.seek(ctx, k, nil)
	if err != nil || n == nil {
		return KeyNotFound, err
	}

	i, eq := n.search(k)
	if !eq {
		return KeyNotFound, nil
	}

	old = n.ptrs[i]
	n.removeLeaf(i)

	rec := &RemoveKey{
		keyRecord: keyRecord{fs: t.fs, File: t.p.id, Page: NoPage, Key: k},
		Ptr:       old,
	}

	if len(n.keys) != 0 || len(st) == 0 {
		b, err := t.writeNode(n)
		if err != nil {
			return old, err
		}

		rec.Page = n.no

		return old, t.logKey(tx, b, rec)
	}

	return old, t.structural(tx, rec, func() error {
		return t.dropLeaf(st, n)
	})
}

// logKey logs a change of a single leaf and stamps the page.
func (t *BTree) logKey(tx *Txn, b []byte, rec journal.Loggable) error {
	lsn, err := tx.log(rec)
	if err != nil {
		return err
	}

	if lsn != journal.NoLSN {
		setLSN(b, lsn)
	}

	return nil
}

// structural runs f, which may change any pages, logs rec for undo
// and the images of all the changed pages for redo.
func (t *BTree) structural(tx *Txn, rec journal.Loggable, f func() error) error {
	if tx == nil || !t.p.startTrack() {
		return f()
	}

	err := f()

	pages := t.p.stopTrack()

	if err != nil {
		return err
	}

	if rec != nil {
		_, err = tx.log(rec)
		if err != nil {
			return err
		}
	}

	return tx.logImages(t.p, pages)
}

func (t *BTree) splitLeaf(st []keylink, n *node, idx int) error {
	piv := n.pivot()

	if t.splitFactor > 0 && float64(idx) > float64(len(n.keys)-1)*t.splitFactor {
		p := idx
		if p == 0 {
			p = 1
		}

		if p < len(n.keys) && t.fits(n, 0, p) && t.fits(n, p, len(n.keys)) {
			piv = p
		}
	}

	piv = t.fitPivot(n, piv)

	no, _, err := t.p.allocate(pageLeaf)
	if err != nil {
		return err
	}

	r := newLeaf(no)
	r.keys = append(r.keys, n.keys[piv:]...)
	r.ptrs = append(r.ptrs, n.ptrs[piv:]...)
	r.prev = n.no
	r.next = n.next

	n.keys = n.keys[:piv]
	n.ptrs = n.ptrs[:piv]
	n.next = r.no

	if r.next != NoPage {
		b, err := t.p.write(r.next)
		if err != nil {
			return err
		}

		setInt64(b, nodePrev, r.no)
	}

	if _, err = t.writeNode(n); err != nil {
		return err
	}

	if _, err = t.writeNode(r); err != nil {
		return err
	}

	return t.insertUp(st, n.no, r.keys[0], r.no)
}

// insertUp puts separator sep with right subtree r into the parents.
func (t *BTree) insertUp(st []keylink, l int64, sep Value, r int64) error {
	for d := len(st) - 1; d >= 0; d-- {
		par, err := t.readNode(st[d].Page())
		if err != nil {
			return err
		}

		par.insertBranch(st[d].Index(), sep, r)

		if t.fits(par, 0, len(par.keys)) {
			_, err = t.writeNode(par)
			return err
		}

		piv := t.fitPivot(par, par.pivot())
		if piv > len(par.keys)-2 {
			piv = len(par.keys) - 2
		}

		no, _, err := t.p.allocate(pageBranch)
		if err != nil {
			return err
		}

		rn := &node{no: no, next: NoPage, prev: NoPage}
		rn.keys = append(rn.keys, par.keys[piv+1:]...)
		rn.ptrs = append(rn.ptrs, par.ptrs[piv+1:]...)

		sep = par.keys[piv]

		par.keys = par.keys[:piv]
		par.ptrs = par.ptrs[:piv+1]

		if _, err = t.writeNode(par); err != nil {
			return err
		}

		if _, err = t.writeNode(rn); err != nil {
			return err
		}

		if t.l.V("btree") != nil {
			t.l.Printw("split branch", "file", t.p.name, "page", par.no, "new", rn.no, "depth", d)
		}

		l, r = par.no, rn.no
	}

	no, _, err := t.p.allocate(pageBranch)
	if err != nil {
		return err
	}

	root := &node{
		no:   no,
		keys: []Value{sep},
		ptrs: []int64{l, r},
		next: NoPage,
		prev: NoPage,
	}

	if _, err = t.writeNode(root); err != nil {
		return err
	}

	t.setRoot(no)

	if t.l.V("btree") != nil {
		t.l.Printw("new root", "file", t.p.name, "root", no)
	}

	return nil
}

// dropLeaf removes an empty leaf from the chain and from its parents.
func (t *BTree) dropLeaf(st []keylink, n *node) error {
	if n.prev != NoPage {
		b, err := t.p.write(n.prev)
		if err != nil {
			return err
		}

		setInt64(b, offNext, n.next)
	}

	if n.next != NoPage {
		b, err := t.p.write(n.next)
		if err != nil {
			return err
		}

		setInt64(b, nodePrev, n.prev)
	}

	err := t.p.free(n.no)
	if err != nil {
		return err
	}

	for d := len(st) - 1; d >= 0; d-- {
		par, err := t.readNode(st[d].Page())
		if err != nil {
			return err
		}

		par.removeChild(st[d].Index())

		if len(par.ptrs) == 0 {
			err = t.p.free(par.no)
			if err != nil {
				return err
			}

			continue
		}

		if d == 0 && len(par.keys) == 0 {
			err = t.p.free(par.no)
			if err != nil {
				return err
			}

			t.setRoot(par.ptrs[0])

			if t.l.V("btree") != nil {
				t.l.Printw("collapse root", "file", t.p.name, "root", par.ptrs[0])
			}

			return nil
		}

		_, err = t.writeNode(par)

		return err
	}

	t.setRoot(NoPage)

	return nil
}

func (t *BTree) fits(n *node, i, j int) bool {
	return n.size(i, j) <= int(t.p.psize)
}

// fitPivot moves the pivot until both parts fit their pages.
func (t *BTree) fitPivot(n *node, piv int) int {
	for piv > 1 && !t.fits(n, 0, piv) {
		piv--
	}

	for piv < len(n.keys)-1 && !t.fits(n, piv, len(n.keys)) {
		piv++
	}

	return piv
}

func (t *BTree) query(ctx context.Context, q *IndexQuery, prefix Value, cb Callback) error {
	if err := q.check(); err != nil {
		return err
	}

	start := q.lower()
	if prefix != nil && start.Compare(prefix) < 0 {
		start = prefix
	}

	_, n, err := t.seek(ctx, start, nil)
	if err != nil || n == nil {
		return err
	}

	i := 0
	if start != nil {
		i, _ = n.search(start)
	}

	for {
		for ; i < len(n.keys); i++ {
			k := n.keys[i]

			if prefix != nil && !k.HasPrefix(prefix) {
				if k.Compare(prefix) > 0 {
					return nil
				}

				continue
			}

			if q.past(k) {
				return nil
			}

			if !q.Test(k) {
				continue
			}

			if !cb(k, n.ptrs[i]) {
				return nil
			}
		}

		if n.next == NoPage {
			return nil
		}

		if err = terminated(ctx); err != nil {
			return err
		}

		n, err = t.readNode(n.next)
		if err != nil {
			return errors.Wrap(err, "next leaf")
		}

		i = 0
	}
}

func (t *BTree) rawScan(ctx context.Context, q *IndexQuery, cb Callback) error {
	if err := q.check(); err != nil {
		return err
	}

	for no := int64(1); no < t.p.pageCount(); no++ {
		if err := terminated(ctx); err != nil {
			return err
		}

		b, err := t.p.read(no)
		if err != nil {
			return err
		}

		if b[offStatus] != pageLeaf {
			continue
		}

		n, err := decodeNode(no, b)
		if err != nil {
			return err
		}

		for i, k := range n.keys {
			if q.Test(k) && !cb(k, n.ptrs[i]) {
				return nil
			}
		}
	}

	return nil
}

func (t *BTree) rebuild(ctx context.Context) error {
	type kv struct {
		k Value
		p int64
	}

	var all []kv

	err := t.rawScan(ctx, nil, func(k Value, p int64) bool {
		all = append(all, kv{k, p})
		return true
	})
	if err != nil {
		return err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].k.Compare(all[j].k) < 0 })

	for no := int64(1); no < t.p.pageCount(); no++ {
		b, err := t.p.read(no)
		if err != nil {
			return err
		}

		if b[offStatus] != pageLeaf && b[offStatus] != pageBranch {
			continue
		}

		if err = t.p.free(no); err != nil {
			return err
		}
	}

	t.setRoot(NoPage)

	sf := t.splitFactor
	t.splitFactor = 0.99

	defer func() {
		t.splitFactor = sf
	}()

	for _, e := range all {
		if _, err = t.add(ctx, nil, e.k, e.p); err != nil {
			return err
		}
	}

	if t.l.V("btree") != nil {
		t.l.Printw("rebuilt", "file", t.p.name, "keys", len(all))
	}

	return nil
}

func (t *BTree) stats(ctx context.Context) (s TreeStats, err error) {
	var used, total int64

	var walk func(no int64, d int) error

	walk = func(no int64, d int) error {
		if err := terminated(ctx); err != nil {
			return err
		}

		n, err := t.readNode(no)
		if err != nil {
			return err
		}

		used += int64(n.size(0, len(n.keys)))
		total += t.p.psize

		if d > s.Depth {
			s.Depth = d
		}

		if n.leaf {
			s.Leaves++
			s.Keys += int64(len(n.keys))

			return nil
		}

		s.Branches++

		for _, p := range n.ptrs {
			if err = walk(p, d+1); err != nil {
				return err
			}
		}

		return nil
	}

	root := t.root()
	if root == NoPage {
		return s, nil
	}

	if err = walk(root, 1); err != nil {
		return s, err
	}

	s.Fill = float64(used) / float64(total)

	return s, nil
}
