package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFreeQueue_FIFOAndBounds(t *testing.T) {
	q := NewLockFreeQueue[int](5)
	require.Equal(t, 8, q.Cap())

	for i := 0; i < 8; i++ {
		require.True(t, q.Enqueue(i), "enqueue %d", i)
	}
	assert.False(t, q.Enqueue(99), "queue must report full")
	assert.Equal(t, 8, q.Len())

	for i := 0; i < 8; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := q.Dequeue()
	assert.False(t, ok, "queue must report empty")
	assert.Equal(t, 0, q.Len())
}

func TestLockFreeQueue_MPMC(t *testing.T) {
	q := NewLockFreeQueue[int](1024)
	const producers, consumers, itemsPerProducer = 8, 8, 10000
	totalItems := int64(producers * itemsPerProducer)

	var sentSum, receivedSum, receivedCount atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				val := pid*itemsPerProducer + i + 1
				for !q.Enqueue(val) {
					runtime.Gosched()
				}
				sentSum.Add(int64(val))
			}
		}(p)
	}

	var consumerWg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		consumerWg.Add(1)
		go func() {
			defer consumerWg.Done()
			for receivedCount.Load() < totalItems {
				if val, ok := q.Dequeue(); ok {
					receivedSum.Add(int64(val))
					receivedCount.Add(1)
					continue
				}
				runtime.Gosched()
			}
		}()
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		consumerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		assert.Equal(t, sentSum.Load(), receivedSum.Load(), "checksum mismatch")
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for consumers, received %d/%d", receivedCount.Load(), totalItems)
	}
}
