// pkg/sched/sched_test.go

package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerFIFO(t *testing.T) {
	w := NewWorker("fifo")
	var got []int
	for i := 0; i < 1000; i++ {
		i := i
		require.True(t, w.Post(func() { got = append(got, i) }))
	}
	w.Stop()
	w.Wait()
	require.Len(t, got, 1000)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, int64(0), w.Pending())
	assert.False(t, w.Post(func() {}))
}

func TestWorkerSerializes(t *testing.T) {
	w := NewWorker("serial")
	var running, maxRunning int32
	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				w.Post(func() {
					n := atomic.AddInt32(&running, 1)
					if n > atomic.LoadInt32(&maxRunning) {
						atomic.StoreInt32(&maxRunning, n)
					}
					atomic.AddInt32(&running, -1)
				})
			}
		}()
	}
	wg.Wait()
	w.Stop()
	w.Wait()
	assert.Equal(t, int32(1), maxRunning)
}

func TestPostAfter(t *testing.T) {
	w := NewWorker("delayed")
	defer func() {
		w.Stop()
		w.Wait()
	}()
	done := make(chan time.Duration, 1)
	start := time.Now()
	w.PostAfter(20*time.Millisecond, func() { done <- time.Since(start) })
	select {
	case d := <-done:
		assert.GreaterOrEqual(t, d, 20*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed work never ran")
	}

	tm := w.PostAfter(time.Hour, func() { t.Error("canceled work ran") })
	assert.True(t, tm.Stop())
}

func TestSchedulerAffinity(t *testing.T) {
	s := NewScheduler("db", 3)
	defer s.Stop()
	assert.Equal(t, 3, s.Len())
	assert.Same(t, s.Worker(1), s.Worker(4))
	assert.Equal(t, 2, s.Worker(2).ID())
	assert.Equal(t, "db-2", s.Worker(2).String())

	block := make(chan struct{})
	s.Worker(0).Post(func() { <-block })
	s.Worker(1).Post(func() { <-block })
	assert.Equal(t, 2, s.Worker(-1).ID())
	close(block)
}
