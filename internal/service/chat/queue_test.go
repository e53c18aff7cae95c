package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedQueueRunsInArrivalOrder(t *testing.T) {
	var q keyedQueue
	release := make(chan struct{})

	var (
		mu    sync.Mutex
		order []int
	)
	record := func(i int) func() error {
		return func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Do("s1", func() error {
			<-release
			return record(0)()
		})
	}()
	require.Eventually(t, func() bool { return q.Len("s1") == 1 }, time.Second, time.Millisecond)

	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Do("s1", record(i))
		}(i)
		want := i + 1
		require.Eventually(t, func() bool { return q.Len("s1") == want }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
	assert.Zero(t, q.Len("s1"))
}

func TestKeyedQueueKeysAreIndependent(t *testing.T) {
	var q keyedQueue
	block := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = q.Do("busy", func() error {
			<-block
			return nil
		})
	}()
	require.Eventually(t, func() bool { return q.Len("busy") == 1 }, time.Second, time.Millisecond)

	ran := false
	require.NoError(t, q.Do("free", func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	close(block)
	<-done
}

func TestKeyedQueueReleasesAfterPanic(t *testing.T) {
	var q keyedQueue

	assert.Panics(t, func() {
		_ = q.Do("s", func() error { panic("boom") })
	})
	assert.Zero(t, q.Len("s"))
	assert.NoError(t, q.Do("s", func() error { return nil }))
}
