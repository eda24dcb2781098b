package xdom

import (
	"context"

	"tlog.app/go/errors"
)

// Kind is a closed set of failure classes.
type Kind int

const (
	KindIO Kind = iota
	KindLock
	KindDB
	KindBTree
	KindTerminated
)

// Error is a sentinel error of a Kind.
// Compare with errors.Is; wrapped errors keep their Kind.
type Error struct {
	Kind Kind
	Msg  string
}

var ( // lock
	ErrLockTimeout = &Error{KindLock, "lock timeout"}
	ErrNotLocked   = &Error{KindLock, "lock not held"}
)

var ( // database
	ErrPageNotFound = &Error{KindDB, "page not found"}
	ErrChecksum     = &Error{KindDB, "page checksum mismatch"}
	ErrCorrupted    = &Error{KindDB, "corrupted page"}
	ErrBadHeader    = &Error{KindDB, "bad file header"}
	ErrClosed       = &Error{KindDB, "file closed"}
	ErrReadOnly     = &Error{KindDB, "read only"}
	ErrTidOverflow  = &Error{KindDB, "page tid space exhausted"}
	ErrNoRecord     = &Error{KindDB, "no such record"}
	ErrUnknownFile  = &Error{KindDB, "unknown file"}
	ErrRecovery     = &Error{KindDB, "recovery failed"}
	ErrTxnDone      = &Error{KindDB, "transaction already finished"}
	ErrTxnActive    = &Error{KindDB, "transactions are running"}
)

var ( // b+tree
	ErrKeyTooLarge = &Error{KindBTree, "key too large"}
	ErrBadNode     = &Error{KindBTree, "invalid node"}
)

var ErrTerminated = &Error{KindTerminated, "terminated"}

func (e *Error) Error() string { return e.Msg }

func (k Kind) String() string {
	switch k {
	case KindLock:
		return "lock"
	case KindDB:
		return "db"
	case KindBTree:
		return "btree"
	case KindTerminated:
		return "terminated"
	default:
		return "io"
	}
}

// KindOf classifies err. Errors of unknown origin are IO failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTerminated
	}

	return KindIO
}

func terminated(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrTerminated, "%v", err)
	}

	return nil
}
