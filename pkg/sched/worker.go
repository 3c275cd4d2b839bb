// pkg/sched/worker.go

// Package sched runs units of work on dedicated goroutines.
//
// A Worker executes everything posted to it one at a time, in the order it was
// posted. Code that owns a resource exclusively binds to a single Worker and only
// touches the resource from work posted there.
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"AveCache/pkg/utils"
)

var logger = utils.GetLogger("avecache")

type Worker struct {
	id   int
	name string

	mu      sync.Mutex
	cond    *utils.Cond
	queue   []func()
	stopped bool
	pending int64 // queued and not finished, read without mu
	done    chan struct{}
}

// NewWorker starts a worker goroutine.
func NewWorker(name string) *Worker {
	return newWorker(0, name)
}

func newWorker(id int, name string) *Worker {
	w := &Worker{id: id, name: name, done: make(chan struct{})}
	w.cond = utils.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *Worker) ID() int { return w.id }

func (w *Worker) String() string { return w.name }

// Post enqueues fn and returns false if the worker is stopped.
// It never blocks on the work already queued.
func (w *Worker) Post(fn func()) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, fn)
	atomic.AddInt64(&w.pending, 1)
	w.mu.Unlock()
	w.cond.Signal()
	return true
}

// PostAfter enqueues fn once d has elapsed. The returned timer can cancel it
// before it is queued.
func (w *Worker) PostAfter(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		if !w.Post(fn) {
			logger.Debugf("worker %s stopped, drop delayed work", w.name)
		}
	})
}

// Pending returns the number of units queued or running.
func (w *Worker) Pending() int64 {
	return atomic.LoadInt64(&w.pending)
}

// Stop rejects new work; everything already queued still runs.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cond.Signal()
}

// Wait blocks until the worker goroutine exits after Stop.
func (w *Worker) Wait() {
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	w.mu.Lock()
	for {
		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()
		for i, fn := range batch {
			w.exec(fn)
			batch[i] = nil
			atomic.AddInt64(&w.pending, -1)
		}
		w.mu.Lock()
	}
}

func (w *Worker) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("worker %s: panic in queued work: %v", w.name, r)
			panic(r)
		}
	}()
	fn()
}
