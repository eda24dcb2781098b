package xdom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"tlog.app/go/errors"
	"tlog.app/go/loc"
)

type (
	LockMode int

	// Owner identifies the holder of locks.
	// The same Owner may take a lock again without blocking.
	Owner struct {
		name string
		id   int64
	}

	// Lock is a reentrant multi-reader single-writer lock.
	//
	// A writer waiting for the lock blocks new readers except
	// the ones already holding it. A reader becomes the writer
	// only if it is the sole reader.
	Lock struct {
		name    string
		timeout time.Duration

		mu sync.Mutex

		writer  *Owner
		wdepth  int
		readers map[*Owner]int

		waiting int // writers

		wake chan struct{}

		holder loc.PC
	}

	ownerKey struct{}
)

const (
	ReadLock LockMode = iota + 1
	WriteLock
)

var ownerSeq atomic.Int64

func NewOwner(name string) *Owner {
	return &Owner{
		name: name,
		id:   ownerSeq.Inc(),
	}
}

func (o *Owner) String() string {
	if o == nil {
		return "<nobody>"
	}

	return fmt.Sprintf("%v#%d", o.name, o.id)
}

// WithOwner binds o to ctx. Locks taken with the context
// are reentrant for the same owner.
func WithOwner(ctx context.Context, o *Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, o)
}

// OwnerFrom returns the owner bound to ctx or nil.
func OwnerFrom(ctx context.Context) *Owner {
	o, _ := ctx.Value(ownerKey{}).(*Owner)
	return o
}

func ownerOf(ctx context.Context) *Owner {
	if o := OwnerFrom(ctx); o != nil {
		return o
	}

	return NewOwner("anonymous")
}

func NewLock(name string, timeout time.Duration) *Lock {
	return &Lock{
		name:    name,
		timeout: timeout,
		readers: make(map[*Owner]int),
		wake:    make(chan struct{}),
	}
}

// Acquire blocks until the lock is granted in the mode,
// the timeout expires or ctx is done.
func (l *Lock) Acquire(ctx context.Context, o *Owner, mode LockMode) error {
	if mode != ReadLock && mode != WriteLock {
		return errors.New("bad lock mode: %v", mode)
	}

	var deadline <-chan time.Time

	if l.timeout > 0 {
		t := time.NewTimer(l.timeout)
		defer t.Stop()

		deadline = t.C
	}

	waiting := false

	defer func() {
		if !waiting {
			return
		}

		defer l.mu.Unlock()
		l.mu.Lock()

		l.waiting--

		// readers held back by a writer that gave up
		if l.waiting == 0 && l.writer != o {
			close(l.wake)
			l.wake = make(chan struct{})
		}
	}()

	for {
		l.mu.Lock()

		if l.grant(o, mode) {
			l.holder = loc.Caller(2)
			l.mu.Unlock()

			return nil
		}

		if mode == WriteLock && !waiting {
			waiting = true
			l.waiting++
		}

		wake := l.wake
		holder, hpc := l.holderLocked()

		l.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return terminated(ctx)
		case <-deadline:
			return errors.Wrap(ErrLockTimeout, "%v: %v by %v after %v: held by %v at %v", l.name, mode, o, l.timeout, holder, hpc)
		}
	}
}

func (l *Lock) grant(o *Owner, mode LockMode) bool {
	switch {
	case l.writer == o:
		if mode == WriteLock {
			l.wdepth++
		} else {
			l.readers[o]++
		}

		return true
	case l.writer != nil:
		return false
	case mode == ReadLock:
		if l.waiting != 0 && l.readers[o] == 0 {
			return false
		}

		l.readers[o]++

		return true
	}

	if len(l.readers) > 1 || len(l.readers) == 1 && l.readers[o] == 0 {
		return false
	}

	l.writer = o
	l.wdepth = 1

	return true
}

// Release gives back one acquisition of the mode.
func (l *Lock) Release(o *Owner, mode LockMode) {
	defer l.mu.Unlock()
	l.mu.Lock()

	switch mode {
	case WriteLock:
		if l.writer != o {
			panic(errors.Wrap(ErrNotLocked, "%v: release write lock by %v, held by %v", l.name, o, l.writer))
		}

		l.wdepth--
		if l.wdepth == 0 {
			l.writer = nil
		}
	case ReadLock:
		n := l.readers[o]
		if n == 0 {
			panic(errors.Wrap(ErrNotLocked, "%v: release read lock by %v", l.name, o))
		}

		if n == 1 {
			delete(l.readers, o)
		} else {
			l.readers[o] = n - 1
		}
	}

	close(l.wake)
	l.wake = make(chan struct{})
}

// HasLock reports whether o holds the lock in at least the given mode.
func (l *Lock) HasLock(o *Owner, mode LockMode) bool {
	defer l.mu.Unlock()
	l.mu.Lock()

	if l.writer == o {
		return true
	}

	return mode == ReadLock && l.readers[o] != 0
}

// Locked reports whether anybody holds the lock.
func (l *Lock) Locked() bool {
	defer l.mu.Unlock()
	l.mu.Lock()

	return l.writer != nil || len(l.readers) != 0
}

func (l *Lock) holderLocked() (*Owner, loc.PC) {
	if l.writer != nil {
		return l.writer, l.holder
	}

	for o := range l.readers {
		return o, l.holder
	}

	return nil, l.holder
}

func (m LockMode) String() string {
	switch m {
	case ReadLock:
		return "read lock"
	case WriteLock:
		return "write lock"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}
