package sync

import (
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpinlockMutualExclusion(t *testing.T) {
	var (
		lock    Spinlock
		wg      gosync.WaitGroup
		counter int
	)

	const workers = 8
	const rounds = 1000

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				lock.Acquire()
				counter++
				lock.Release()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, workers*rounds, counter)
}

func TestSpinlockTryToAcquire(t *testing.T) {
	var lock Spinlock

	require.True(t, lock.TryToAcquire())
	require.False(t, lock.TryToAcquire())

	lock.Release()
	require.True(t, lock.TryToAcquire())
}
