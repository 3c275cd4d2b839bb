// pkg/sched/scheduler.go

package sched

import (
	"fmt"
)

// Scheduler owns a fixed set of workers.
type Scheduler struct {
	workers []*Worker
}

// NewScheduler starts n workers named "<name>-<id>".
func NewScheduler(name string, n int) *Scheduler {
	if n <= 0 {
		n = 1
	}
	s := &Scheduler{workers: make([]*Worker, n)}
	for i := range s.workers {
		s.workers[i] = newWorker(i, fmt.Sprintf("%s-%d", name, i))
	}
	return s
}

func (s *Scheduler) Len() int { return len(s.workers) }

// Worker returns the worker with the given id. A negative id picks the worker
// with the least pending work; ids beyond the range wrap around.
func (s *Scheduler) Worker(id int) *Worker {
	if id >= 0 {
		return s.workers[id%len(s.workers)]
	}
	best := s.workers[0]
	for _, w := range s.workers[1:] {
		if w.Pending() < best.Pending() {
			best = w
		}
	}
	return best
}

// Stop stops all workers and waits for the queued work to finish.
func (s *Scheduler) Stop() {
	for _, w := range s.workers {
		w.Stop()
	}
	for _, w := range s.workers {
		w.Wait()
	}
}
