// pkg/utils/cond.go

package utils

import "sync"

// Cond is similar to sync.Cond, but a Signal sent while nobody waits is kept
// for the next Wait, so a single consumer never misses a wakeup.
type Cond struct {
	L      sync.Locker
	signal chan struct{}
}

// Signal wakes up the waiter, or the next one if nobody is waiting.
func (c *Cond) Signal() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Wait until Signal() is called.
func (c *Cond) Wait() {
	c.L.Unlock()
	defer c.L.Lock()
	<-c.signal
}

// NewCond creates a Cond.
func NewCond(lock sync.Locker) *Cond {
	return &Cond{lock, make(chan struct{}, 1)}
}
