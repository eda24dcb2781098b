package journal

import (
	"encoding/binary"
	"fmt"
	"sync"

	"tlog.app/go/errors"
)

type (
	// LSN is a position in the journal: file number in the high 32 bits,
	// offset of the entry in the file in the low 32 bits.
	LSN uint64

	TxnID uint64

	// Loggable is one journal record.
	// Write must append exactly LogSize bytes.
	Loggable interface {
		Type() byte
		Txn() TxnID
		SetTxn(TxnID)
		LSN() LSN
		SetLSN(LSN)

		LogSize() int
		Write(b []byte) []byte
		Read(b []byte) (int, error)

		Redo() error
		Undo() error

		String() string
	}

	// Base carries the framing fields every record has.
	Base struct {
		txn TxnID
		lsn LSN
	}

	Ctor func() Loggable

	Registry struct {
		mu    sync.RWMutex
		ctors map[byte]Ctor
		names map[byte]string
	}
)

// Record types reserved by the journal itself.
const (
	TypeStart byte = iota
	TypeCommit
	TypeAbort
	TypeCheckpoint
	TypeCompensated
)

const NoLSN LSN = 0

var (
	ErrUnknownType = errors.New("unknown journal entry type")
	ErrShortBuffer = errors.New("short buffer")
)

func MakeLSN(file uint32, off int64) LSN {
	return LSN(file)<<32 | LSN(uint32(off))
}

func (l LSN) File() uint32  { return uint32(l >> 32) }
func (l LSN) Offset() int64 { return int64(uint32(l)) }

func (l LSN) String() string {
	return fmt.Sprintf("%x:%x", l.File(), l.Offset())
}

func (b *Base) Txn() TxnID       { return b.txn }
func (b *Base) SetTxn(txn TxnID) { b.txn = txn }
func (b *Base) LSN() LSN         { return b.lsn }
func (b *Base) SetLSN(lsn LSN)   { b.lsn = lsn }

func NewRegistry() *Registry {
	r := &Registry{
		ctors: make(map[byte]Ctor),
		names: make(map[byte]string),
	}

	r.Register(TypeStart, "txn_start", func() Loggable { return &Start{} })
	r.Register(TypeCommit, "txn_commit", func() Loggable { return &Commit{} })
	r.Register(TypeAbort, "txn_abort", func() Loggable { return &Abort{} })
	r.Register(TypeCheckpoint, "checkpoint", func() Loggable { return &Checkpoint{} })
	r.Register(TypeCompensated, "compensated", func() Loggable { return &Compensated{} })

	return r
}

func (r *Registry) Register(typ byte, name string, c Ctor) {
	defer r.mu.Unlock()
	r.mu.Lock()

	if _, ok := r.ctors[typ]; ok {
		panic(fmt.Sprintf("journal entry type %#x registered twice (%v)", typ, name))
	}

	r.ctors[typ] = c
	r.names[typ] = name
}

func (r *Registry) New(typ byte, txn TxnID) (Loggable, error) {
	r.mu.RLock()
	c := r.ctors[typ]
	r.mu.RUnlock()

	if c == nil {
		return nil, errors.Wrap(ErrUnknownType, "type %#x", typ)
	}

	l := c()
	l.SetTxn(txn)

	return l, nil
}

func (r *Registry) Name(typ byte) string {
	defer r.mu.RUnlock()
	r.mu.RLock()

	if n, ok := r.names[typ]; ok {
		return n
	}

	return fmt.Sprintf("type_%02x", typ)
}

// IsMarker reports whether l only marks transaction or journal state
// and carries no page change.
func IsMarker(l Loggable) bool {
	return l.Type() <= TypeCompensated
}

type (
	marker struct {
		Base
	}

	Start  struct{ marker }
	Commit struct{ marker }
	Abort  struct{ marker }

	// Checkpoint is written after all data files were flushed.
	// Recovery starts after the last one.
	Checkpoint struct {
		Base

		LastTxn TxnID
		Time    int64
	}

	// Compensated marks the record at Of as undone.
	// Undo skips marked records.
	Compensated struct {
		Base

		Of LSN
	}
)

func (*marker) LogSize() int               { return 0 }
func (*marker) Write(b []byte) []byte      { return b }
func (*marker) Read(b []byte) (int, error) { return 0, nil }
func (*marker) Redo() error                { return nil }
func (*marker) Undo() error                { return nil }

func (*Start) Type() byte  { return TypeStart }
func (*Commit) Type() byte { return TypeCommit }
func (*Abort) Type() byte  { return TypeAbort }

func (l *Start) String() string  { return fmt.Sprintf("txn_start  txn %d", l.txn) }
func (l *Commit) String() string { return fmt.Sprintf("txn_commit txn %d", l.txn) }
func (l *Abort) String() string  { return fmt.Sprintf("txn_abort  txn %d", l.txn) }

func (*Checkpoint) Type() byte   { return TypeCheckpoint }
func (*Checkpoint) LogSize() int { return 16 }
func (*Checkpoint) Redo() error  { return nil }
func (*Checkpoint) Undo() error  { return nil }

func (l *Checkpoint) Write(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(l.LastTxn))
	return binary.BigEndian.AppendUint64(b, uint64(l.Time))
}

func (l *Checkpoint) Read(b []byte) (int, error) {
	if len(b) < 16 {
		return 0, ErrShortBuffer
	}

	l.LastTxn = TxnID(binary.BigEndian.Uint64(b))
	l.Time = int64(binary.BigEndian.Uint64(b[8:]))

	return 16, nil
}

func (l *Checkpoint) String() string {
	return fmt.Sprintf("checkpoint last txn %d  time %d", l.LastTxn, l.Time)
}

func (*Compensated) Type() byte   { return TypeCompensated }
func (*Compensated) LogSize() int { return 8 }
func (*Compensated) Redo() error  { return nil }
func (*Compensated) Undo() error  { return nil }

func (l *Compensated) Write(b []byte) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(l.Of))
}

func (l *Compensated) Read(b []byte) (int, error) {
	if len(b) < 8 {
		return 0, ErrShortBuffer
	}

	l.Of = LSN(binary.BigEndian.Uint64(b))

	return 8, nil
}

func (l *Compensated) String() string {
	return fmt.Sprintf("compensated txn %d  of %v", l.txn, l.Of)
}
