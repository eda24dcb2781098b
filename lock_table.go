package xdom

import (
	"context"
	"sync"
	"time"
)

type (
	// LockTable holds a lock per key, created on first use
	// and dropped when nobody holds or waits for it.
	//
	// Transactions use it to isolate documents from each other:
	// file locks are only held for a single operation.
	LockTable struct {
		name    string
		timeout time.Duration

		mu    sync.Mutex
		locks map[string]*tableLock
	}

	tableLock struct {
		*Lock
		refs int
	}
)

func NewLockTable(name string, timeout time.Duration) *LockTable {
	return &LockTable{
		name:    name,
		timeout: timeout,
		locks:   make(map[string]*tableLock),
	}
}

// Acquire takes the lock of key. The returned func releases it.
func (t *LockTable) Acquire(ctx context.Context, key string, mode LockMode) (release func(), err error) {
	o := ownerOf(ctx)

	t.mu.Lock()

	l, ok := t.locks[key]
	if !ok {
		l = &tableLock{Lock: NewLock(t.name+":"+key, t.timeout)}
		t.locks[key] = l
	}

	l.refs++

	t.mu.Unlock()

	err = l.Acquire(ctx, o, mode)
	if err != nil {
		t.unref(key, l)
		return nil, err
	}

	return func() {
		l.Release(o, mode)
		t.unref(key, l)
	}, nil
}

func (t *LockTable) unref(key string, l *tableLock) {
	defer t.mu.Unlock()
	t.mu.Lock()

	l.refs--

	if l.refs == 0 {
		delete(t.locks, key)
	}
}

// Len is the number of keys with a live lock.
func (t *LockTable) Len() int {
	defer t.mu.Unlock()
	t.mu.Lock()

	return len(t.locks)
}
