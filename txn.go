package xdom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"nikand.dev/go/xdom/journal"
)

type (
	// TxnManager starts transactions, writes their records to the journal
	// and rolls them back.
	//
	// Transactions are not isolated from each other by the manager.
	// Callers lock the documents they work on in a LockTable.
	TxnManager struct {
		j  *journal.Journal
		fs *Files
		l  *tlog.Logger

		b       *Batcher
		bmu     sync.Mutex
		sync    bool
		batched bool
		bdone   chan struct{}

		sizeLimit int64

		ids atomic.Uint64

		mu     sync.Mutex
		active map[journal.TxnID]*Txn
	}

	Txn struct {
		id    journal.TxnID
		m     *TxnManager
		owner *Owner

		mu     sync.Mutex
		recs   []journal.Loggable
		writes int
		done   bool
	}

	redoOnly interface {
		redoOnly() bool
	}
)

func newTxnManager(j *journal.Journal, fs *Files, l *tlog.Logger, sync bool, sizeLimit int64) *TxnManager {
	m := &TxnManager{
		j:         j,
		fs:        fs,
		l:         l,
		sync:      sync,
		sizeLimit: sizeLimit,
		active:    make(map[journal.TxnID]*Txn),
	}

	m.b = NewBatcher(&m.bmu, func() error {
		return j.Flush(m.sync)
	})

	return m
}

// start runs group commit in the background.
func (m *TxnManager) start() {
	m.batched = true
	m.bdone = make(chan struct{})

	go func() {
		defer close(m.bdone)

		err := m.b.Run()
		if err != nil && !errors.Is(err, ErrClosed) {
			m.l.Printw("group commit stopped", "err", err)
		}
	}()
}

func (m *TxnManager) stop() {
	if !m.batched {
		return
	}

	m.b.Stop()
	<-m.bdone

	m.batched = false
}

// Begin starts a transaction. Locks taken with tx.Context are owned by it.
func (m *TxnManager) Begin(ctx context.Context) (*Txn, error) {
	defer m.mu.Unlock()
	m.mu.Lock()

	tx := m.txn(journal.TxnID(m.ids.Inc()))

	if o := OwnerFrom(ctx); o != nil {
		tx.owner = o
	}

	_, err := tx.write(&journal.Start{})
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}

	m.active[tx.id] = tx

	if m.l.V("txn") != nil {
		m.l.Printw("begin", "txn", tx.id)
	}

	return tx, nil
}

func (m *TxnManager) txn(id journal.TxnID) *Txn {
	return &Txn{
		id:    id,
		m:     m,
		owner: NewOwner(fmt.Sprintf("txn%d", id)),
	}
}

// Active is the number of running transactions.
func (m *TxnManager) Active() int {
	defer m.mu.Unlock()
	m.mu.Lock()

	return len(m.active)
}

func (m *TxnManager) finish(tx *Txn) {
	defer m.mu.Unlock()
	m.mu.Lock()

	delete(m.active, tx.id)
}

// Checkpoint writes all the files and marks the journal so recovery
// can start from here. It fails if any transaction is running.
func (m *TxnManager) Checkpoint(ctx context.Context) error {
	defer m.mu.Unlock()
	m.mu.Lock()

	if len(m.active) != 0 {
		return errors.Wrap(ErrTxnActive, "checkpoint: %d running", len(m.active))
	}

	for _, p := range m.fs.All() {
		_, err := Write(ctx, p, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.flush()
		})
		if err != nil {
			return errors.Wrap(err, "flush %v", p.name)
		}
	}

	if m.j.Size() > m.sizeLimit {
		err := m.j.SwitchFiles()
		if err != nil {
			return errors.Wrap(err, "switch journal")
		}
	}

	lsn, err := m.j.Write(&journal.Checkpoint{
		LastTxn: journal.TxnID(m.ids.Load()),
		Time:    time.Now().UnixNano(),
	})
	if err != nil {
		return errors.Wrap(err, "write checkpoint")
	}

	err = m.j.Flush(true)
	if err != nil {
		return errors.Wrap(err, "flush journal")
	}

	err = m.j.Prune(lsn.File())
	if err != nil {
		return errors.Wrap(err, "prune journal")
	}

	if m.l.V("txn") != nil {
		m.l.Printw("checkpoint", "lsn", lsn)
	}

	return nil
}

// undo reverts a single record under the write lock of its file
// and logs the pages it changed as the compensation.
func (m *TxnManager) undo(ctx context.Context, tx *Txn, l journal.Loggable) error {
	if ro, ok := l.(redoOnly); journal.IsMarker(l) || ok && ro.redoOnly() {
		return nil
	}

	fr, ok := l.(fileRecord)
	if !ok {
		return errors.New("undo %v: no file", l)
	}

	p, err := m.fs.Paged(fr.FileID())
	if err != nil {
		return err
	}

	_, err = Unit[struct{}]{
		Owner: tx.owner,
		Mode:  WriteLock,
		Start: func(ctx context.Context) (struct{}, error) {
			p.startTrack()

			err := l.Undo()

			pages := p.stopTrack()

			if err != nil {
				return struct{}{}, errors.Wrap(err, "undo %v at %v", l, l.LSN())
			}

			err = tx.logImages(p, pages)
			if err != nil {
				return struct{}{}, err
			}

			_, err = tx.write(&journal.Compensated{Of: l.LSN()})
			if err != nil {
				return struct{}{}, err
			}

			return struct{}{}, p.maybeFlush()
		},
	}.Run(ctx, p)

	if m.l.V("txn") != nil {
		m.l.Printw("undo", "txn", tx.id, "lsn", l.LSN(), "rec", l.String(), "err", err)
	}

	return err
}

func (tx *Txn) ID() journal.TxnID { return tx.id }
func (tx *Txn) Owner() *Owner     { return tx.owner }

// Context binds the transaction owner to ctx.
func (tx *Txn) Context(ctx context.Context) context.Context {
	return WithOwner(ctx, tx.owner)
}

// log writes a page record. A nil transaction logs nothing.
func (tx *Txn) log(l journal.Loggable) (journal.LSN, error) {
	if tx == nil {
		return journal.NoLSN, nil
	}

	lsn, err := tx.write(l)
	if err != nil {
		return lsn, err
	}

	if ro, ok := l.(redoOnly); !ok || !ro.redoOnly() {
		defer tx.mu.Unlock()
		tx.mu.Lock()

		tx.recs = append(tx.recs, l)
	}

	return lsn, nil
}

func (tx *Txn) write(l journal.Loggable) (journal.LSN, error) {
	tx.mu.Lock()
	done := tx.done
	tx.mu.Unlock()

	if done {
		return journal.NoLSN, ErrTxnDone
	}

	l.SetTxn(tx.id)

	lsn, err := tx.m.j.Write(l)
	if err != nil {
		return lsn, err
	}

	tx.mu.Lock()
	tx.writes++
	tx.mu.Unlock()

	return lsn, nil
}

// change runs f as a single change of p.
// If f fails, the pages it modified are restored. The records it
// managed to log are compensated by the images of the restored pages
// and dropped from the transaction.
func (tx *Txn) change(p *Paged, f func() error) error {
	if !p.save() {
		return f()
	}

	var recs, writes int

	if tx != nil {
		tx.mu.Lock()
		recs, writes = len(tx.recs), tx.writes
		tx.mu.Unlock()
	}

	err := f()
	if err == nil {
		p.release()
		return nil
	}

	pages := p.rollback()

	if tx == nil {
		return err
	}

	tx.mu.Lock()
	logged := tx.writes != writes
	recs = min(recs, len(tx.recs))
	dropped := append([]journal.Loggable{}, tx.recs[recs:]...)
	tx.recs = tx.recs[:recs]
	tx.mu.Unlock()

	if !logged {
		return err
	}

	cerr := tx.logImages(p, pages)

	for _, l := range dropped {
		if cerr != nil {
			break
		}

		_, cerr = tx.write(&journal.Compensated{Of: l.LSN()})
	}

	if tx.m.l.V("txn") != nil {
		tx.m.l.Printw("change rolled back", "txn", tx.id, "file", p.name, "pages", len(pages), "dropped", len(dropped), "err", err, "compensation_err", cerr)
	}

	if cerr != nil {
		return errors.Wrap(err, "compensate: %v", cerr)
	}

	return err
}

// logImages logs the current images of pages and stamps them.
func (tx *Txn) logImages(p *Paged, pages []int64) error {
	if tx == nil {
		return nil
	}

	for _, no := range pages {
		img, err := p.image(no)
		if err != nil {
			return errors.Wrap(err, "page image")
		}

		lsn, err := tx.log(&PageImage{
			File:  p.id,
			Page:  no,
			Image: img,
		})
		if err != nil {
			return err
		}

		p.stamp(no, lsn)
	}

	return nil
}

// Commit writes the commit record and waits for it to reach the disk.
// A transaction failed to commit stays active until it's aborted.
func (tx *Txn) Commit() (err error) {
	m := tx.m

	if m.batched {
		func() {
			defer m.b.Unlock()
			bt := m.b.Lock()

			_, err = tx.write(&journal.Commit{})
			if err != nil {
				return
			}

			err = m.b.Wait(bt)
		}()
	} else {
		_, err = tx.write(&journal.Commit{})
		if err == nil {
			err = m.j.Flush(m.sync)
		}
	}

	if err != nil {
		return errors.Wrap(err, "commit txn %d", tx.id)
	}

	if m.l.V("txn") != nil {
		m.l.Printw("commit", "txn", tx.id, "records", len(tx.recs))
	}

	tx.close()
	m.finish(tx)

	return nil
}

// Abort undoes all the changes of the transaction in reverse order.
// If it fails the transaction stays active, recovery finishes the undo.
func (tx *Txn) Abort(ctx context.Context) error {
	m := tx.m

	tx.mu.Lock()
	done := tx.done
	recs := tx.recs
	tx.mu.Unlock()

	if done {
		return ErrTxnDone
	}

	for i := len(recs) - 1; i >= 0; i-- {
		err := m.undo(ctx, tx, recs[i])
		if err != nil {
			return errors.Wrap(err, "abort txn %d", tx.id)
		}

		tx.mu.Lock()
		tx.recs = tx.recs[:i]
		tx.mu.Unlock()
	}

	_, err := tx.write(&journal.Abort{})
	if err != nil {
		return errors.Wrap(err, "abort txn %d", tx.id)
	}

	tx.close()
	m.finish(tx)

	if m.l.V("txn") != nil {
		m.l.Printw("abort", "txn", tx.id, "undone", len(recs))
	}

	return nil
}

func (tx *Txn) close() {
	defer tx.mu.Unlock()
	tx.mu.Lock()

	tx.done = true
	tx.recs = nil
}
