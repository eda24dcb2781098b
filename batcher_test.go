package xdom

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tlog.app/go/errors"
)

type batchLog struct {
	mu sync.Mutex

	written []int
	synced  int
	syncs   int
}

func (l *batchLog) sync() error {
	time.Sleep(time.Millisecond)

	l.mu.Lock()
	l.synced = len(l.written)
	l.syncs++
	l.mu.Unlock()

	return nil
}

func TestBatcherGroupsSyncs(t *testing.T) {
	var l batchLog

	b := NewBatcher(&l.mu, l.sync)

	done := make(chan error, 1)
	go func() {
		done <- b.Run()
	}()

	const N = 50

	var wg sync.WaitGroup

	for i := 0; i < N; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			defer b.Unlock()
			bt := b.Lock()

			l.written = append(l.written, i)
			pos := len(l.written)

			err := b.Wait(bt)
			assert.NoError(t, err)

			assert.GreaterOrEqual(t, l.synced, pos, "record %d returned before synced", i)
		}(i)
	}

	wg.Wait()

	b.Stop()

	err := <-done
	assert.ErrorIs(t, err, ErrClosed)

	assert.Len(t, l.written, N)
	assert.Less(t, l.syncs, N)

	t.Logf("%d commits in %d syncs", N, l.syncs)
}

func TestBatcherSyncError(t *testing.T) {
	var mu sync.Mutex

	fail := errors.New("disk full")

	b := NewBatcher(&mu, func() error { return fail })

	done := make(chan error, 1)
	go func() {
		done <- b.Run()
	}()

	bt := b.Lock()
	err := b.Wait(bt)
	b.Unlock()

	assert.ErrorIs(t, err, fail)

	err = <-done
	assert.ErrorIs(t, err, fail)

	assert.ErrorIs(t, b.Err(), fail)

	bt = b.Lock()
	err = b.Wait(bt)
	b.Unlock()

	require.ErrorIs(t, err, fail)
}

func BenchmarkBatcher(t *testing.B) {
	var l batchLog

	b := NewBatcher(&l.mu, func() error { return nil })

	go func() {
		_ = b.Run()
	}()

	defer b.Stop()

	t.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			bt := b.Lock()
			l.written = append(l.written[:0], 1)
			_ = b.Wait(bt)
			b.Unlock()
		}
	})
}
