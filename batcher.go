package xdom

import (
	"sync"
)

// Batcher groups commits into a single sync.
//
//	defer b.Unlock()
//	bt := b.Lock()
//	// write commit record
//	err = b.Wait(bt)
type Batcher struct {
	l      sync.Locker
	cond   sync.Cond
	batch  int // odd while a sync is running
	flushc chan struct{}
	stopc  chan struct{}
	sync   func() error
	err    error
}

func NewBatcher(l sync.Locker, s func() error) *Batcher {
	b := &Batcher{
		l:      l,
		flushc: make(chan struct{}, 1),
		stopc:  make(chan struct{}),
		sync:   s,
	}
	b.cond.L = l
	return b
}

func (b *Batcher) Run() error {
loop:
	for {
		select {
		case <-b.stopc:
			break loop
		case <-b.flushc:
		}

		b.l.Lock()
		b.batch++
		b.l.Unlock()

		err := b.sync()

		b.l.Lock()
		b.batch++
		b.err = err
		b.cond.Broadcast()
		b.l.Unlock()

		if err != nil {
			break
		}
	}

	b.l.Lock()
	if b.err == nil {
		b.err = ErrClosed
	}
	b.cond.Broadcast()
	b.l.Unlock()

	return b.err // it's ok to read it without mutex here. We are the only routine can write it
}

func (b *Batcher) Err() error {
	defer b.l.Unlock()
	b.l.Lock()

	return b.err
}

// Lock returns the batch number the caller's writes get synced in.
func (b *Batcher) Lock() int {
	b.l.Lock()

	select {
	case b.flushc <- struct{}{}:
	default:
	}

	// a running sync may have missed our writes, wait for the next one then
	return b.batch + 2 + b.batch&1
}

func (b *Batcher) Wait(bt int) error {
	for bt > b.batch && b.err == nil { // wait for batch to full
		b.cond.Wait()
	}

	return b.err
}

func (b *Batcher) Unlock() {
	b.l.Unlock()
}

func (b *Batcher) Stop() {
	close(b.stopc)
}
