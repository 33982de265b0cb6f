package queue

import "sync"

// AtomicCounter is a thread-safe signed integer counter used by
// QueueService to track in-flight invalidate-fanout RPCs: incremented
// before dispatch, decremented in the callback, so the sweeper
// (missingOperations) can tell "an invalidate is still re-deriving
// operations" from "it's safe to scan for missing work" (spec.md §4.6,
// §9 "Sweeper blockers").
type AtomicCounter struct {
	mu    sync.Mutex
	value int
}

// Get returns the current value.
func (c *AtomicCounter) Get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// GetAndAdd adds delta to the counter and returns the value prior to the
// add, atomically.
func (c *AtomicCounter) GetAndAdd(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.value
	c.value += delta
	return prev
}

// Incr is shorthand for GetAndAdd(1), discarding the prior value.
func (c *AtomicCounter) Incr() {
	c.GetAndAdd(1)
}

// Decr is shorthand for GetAndAdd(-1), discarding the prior value.
func (c *AtomicCounter) Decr() {
	c.GetAndAdd(-1)
}
