package xdom

import (
	"context"
	"io"
	"os"
	"sort"

	"tlog.app/go/errors"

	"nikand.dev/go/xdom/journal"
)

type RecoveryStats struct {
	Files     int
	Records   int
	Redone    int
	Committed int
	Aborted   int
	Losers    int
	Undone    int

	// Truncated is the number of bytes of a torn journal tail dropped.
	Truncated int64

	Checkpoint journal.LSN
	LastTxn    journal.TxnID
}

// Recover brings the files to the state of the journal end.
// Every change since the last checkpoint is redone, including the ones
// of transactions that never finished, then those are undone in reverse order.
// The journal must be opened and not yet switched to a new file.
func (m *TxnManager) Recover(ctx context.Context, reg *journal.Registry) (s RecoveryStats, err error) {
	dir := m.j.Dir()

	files, err := journal.Files(dir)
	if err != nil {
		return s, err
	}

	if len(files) != 0 {
		s.Truncated, files, err = m.repairTail(dir, files, reg)
		if err != nil {
			return s, err
		}
	}

	s.Files = len(files)

	ckFile, ckOff, err := m.lastCheckpoint(dir, files, reg, &s)
	if err != nil {
		return s, err
	}

	type loser struct {
		recs []journal.Loggable
	}

	losers := map[journal.TxnID]*loser{}
	compensated := map[journal.LSN]struct{}{}

	for i := ckFile; i < len(files); i++ {
		r, err := journal.OpenReader(dir, files[i], reg)
		if err != nil {
			return s, errors.Wrap(ErrRecovery, "%v", err)
		}

		if i == ckFile && ckOff != 0 {
			r.SeekTo(ckOff)

			if _, err = r.Next(); err != nil { // the checkpoint itself
				return s, errors.Wrap(ErrRecovery, "reread checkpoint: %v", err)
			}
		}

		for {
			if err = terminated(ctx); err != nil {
				return s, err
			}

			l, err := r.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return s, errors.Wrap(ErrRecovery, "%v", err)
			}

			s.Records++

			if l.Txn() > s.LastTxn {
				s.LastTxn = l.Txn()
			}

			switch l := l.(type) {
			case *journal.Start:
				losers[l.Txn()] = &loser{}
				continue
			case *journal.Commit:
				delete(losers, l.Txn())
				s.Committed++
				continue
			case *journal.Abort:
				delete(losers, l.Txn())
				s.Aborted++
				continue
			case *journal.Compensated:
				compensated[l.Of] = struct{}{}
				continue
			case *journal.Checkpoint:
				if l.LastTxn > s.LastTxn {
					s.LastTxn = l.LastTxn
				}

				continue
			}

			err = l.Redo()
			if err != nil {
				return s, errors.Wrap(ErrRecovery, "redo %v at %v: %v", l, l.LSN(), err)
			}

			s.Redone++

			if m.l.V("recovery") != nil {
				m.l.Printw("redo", "lsn", l.LSN(), "rec", l.String())
			}

			if ls, ok := losers[l.Txn()]; ok {
				ls.recs = append(ls.recs, l)
			}

			if fr, ok := l.(fileRecord); ok {
				if p, err := m.fs.Paged(fr.FileID()); err == nil {
					err = p.maybeFlush()
					if err != nil {
						return s, errors.Wrap(err, "flush while redoing")
					}
				}
			}
		}
	}

	m.ids.Store(uint64(s.LastTxn))

	err = m.j.SwitchFiles()
	if err != nil {
		return s, errors.Wrap(err, "switch journal")
	}

	s.Losers = len(losers)

	var undo []journal.Loggable
	txns := map[journal.TxnID]*Txn{}

	for id, ls := range losers {
		txns[id] = m.txn(id)

		for _, l := range ls.recs {
			if _, ok := compensated[l.LSN()]; ok {
				continue
			}

			if ro, ok := l.(redoOnly); ok && ro.redoOnly() {
				continue
			}

			undo = append(undo, l)
		}
	}

	sort.Slice(undo, func(i, j int) bool { return undo[i].LSN() > undo[j].LSN() })

	for _, l := range undo {
		err = m.undo(ctx, txns[l.Txn()], l)
		if err != nil {
			return s, errors.Wrap(ErrRecovery, "%v", err)
		}

		s.Undone++
	}

	ids := make([]journal.TxnID, 0, len(txns))
	for id := range txns {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		_, err = txns[id].write(&journal.Abort{})
		if err != nil {
			return s, errors.Wrap(err, "abort txn %d", id)
		}

		txns[id].close()
	}

	err = m.Checkpoint(ctx)
	if err != nil {
		return s, errors.Wrap(err, "checkpoint")
	}

	m.l.Printw("recovered", "files", s.Files, "records", s.Records, "redone", s.Redone,
		"committed", s.Committed, "aborted", s.Aborted, "losers", s.Losers, "undone", s.Undone,
		"truncated", s.Truncated, "checkpoint", s.Checkpoint, "last_txn", s.LastTxn)

	return s, nil
}

// repairTail cuts a torn write at the end of the last journal file.
// A last file too short to hold even the header is removed.
func (m *TxnManager) repairTail(dir string, files []uint32, reg *journal.Registry) (int64, []uint32, error) {
	last := files[len(files)-1]

	b, err := os.ReadFile(journal.FileName(dir, last))
	if err != nil {
		return 0, files, errors.Wrap(err, "read journal")
	}

	if len(b) < journal.FileHeaderSize {
		m.l.Printw("remove torn journal file", "file", last, "size", len(b))

		err = os.Remove(journal.FileName(dir, last))
		if err != nil {
			return 0, files, errors.Wrap(err, "remove torn journal file")
		}

		return int64(len(b)), files[:len(files)-1], nil
	}

	r, err := journal.NewReader(b, last, reg)
	if err != nil {
		return 0, files, errors.Wrap(ErrRecovery, "%v", err)
	}

	for {
		_, err = r.Next()
		if errors.Is(err, io.EOF) {
			return 0, files, nil
		}

		if errors.Is(err, journal.ErrTorn) || errors.Is(err, journal.ErrChecksum) || errors.Is(err, journal.ErrBackLink) {
			break
		}

		if err != nil {
			return 0, files, errors.Wrap(ErrRecovery, "%v", err)
		}
	}

	cut := r.Size() - r.Pos()

	m.l.Printw("truncate torn journal tail", "file", last, "at", r.Pos(), "dropped", cut, "err", err)

	err = journal.Truncate(dir, last, r.Pos())
	if err != nil {
		return 0, files, err
	}

	return cut, files, nil
}

// lastCheckpoint finds the file index and offset of the last checkpoint.
// Zero offset means there is none and recovery reads everything.
func (m *TxnManager) lastCheckpoint(dir string, files []uint32, reg *journal.Registry, s *RecoveryStats) (int, int64, error) {
	for i := len(files) - 1; i >= 0; i-- {
		r, err := journal.OpenReader(dir, files[i], reg)
		if err != nil {
			return 0, 0, errors.Wrap(ErrRecovery, "%v", err)
		}

		r.SeekEnd()

		for {
			l, err := r.Prev()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return 0, 0, errors.Wrap(ErrRecovery, "scan back: %v", err)
			}

			ck, ok := l.(*journal.Checkpoint)
			if !ok {
				continue
			}

			s.Checkpoint = ck.LSN()
			s.LastTxn = ck.LastTxn

			if m.l.V("recovery") != nil {
				m.l.Printw("checkpoint found", "lsn", ck.LSN(), "last_txn", ck.LastTxn)
			}

			return i, r.Pos(), nil
		}
	}

	return 0, 0, nil
}
