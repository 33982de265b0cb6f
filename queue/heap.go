package queue

import (
	"container/heap"
	"time"

	"github.com/cms-dev/judgecore/operation"
)

// Entry is one item in the priority queue: an Operation plus the
// (priority, timestamp) it was enqueued with. Lower Priority is more
// urgent; ties broken by older Timestamp first (spec.md §3 "Priority").
//
// There is no ready-made third-party priority-queue library in the
// project's dependency surface (nomad and the rest of the retrieved
// corpus all hand-roll container/heap.Interface for this), so Entry/
// priorityHeap follow that same idiom rather than hand-rolling a binary
// heap from scratch: see DESIGN.md for the justification.
type Entry struct {
	Operation operation.Operation
	Priority  int
	Timestamp time.Time

	index int // maintained by container/heap; ignore outside heap.go
}

// Less reports whether e sorts before other: lower priority first, older
// timestamp first on ties.
func (e *Entry) Less(other *Entry) bool {
	if e.Priority != other.Priority {
		return e.Priority < other.Priority
	}
	return e.Timestamp.Before(other.Timestamp)
}

// priorityHeap implements container/heap.Interface over *Entry, keyed by
// (Priority, Timestamp).
type priorityHeap []*Entry

func (h priorityHeap) Len() int            { return len(h) }
func (h priorityHeap) Less(i, j int) bool  { return h[i].Less(h[j]) }
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x interface{}) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// priorityQueue is a min-heap of *Entry keyed by (priority, timestamp),
// with an operation.Key -> *Entry index so Dequeue and Contains can run
// without a linear scan.
type priorityQueue struct {
	h     priorityHeap
	index map[operation.Key]*Entry
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{index: make(map[operation.Key]*Entry)}
}

func (q *priorityQueue) Len() int {
	return len(q.h)
}

// Contains reports whether op's identity is already queued.
func (q *priorityQueue) Contains(op operation.Operation) bool {
	_, ok := q.index[op.Key()]
	return ok
}

// Push inserts op with the given priority/timestamp. Returns false without
// modifying the queue if an entry with the same identity is already
// present (spec.md §4.6 "Insert into the priority queue... iff the insert
// produced a new entry").
func (q *priorityQueue) Push(op operation.Operation, priority int, timestamp time.Time) bool {
	key := op.Key()
	if _, ok := q.index[key]; ok {
		return false
	}
	e := &Entry{Operation: op, Priority: priority, Timestamp: timestamp}
	heap.Push(&q.h, e)
	q.index[key] = e
	return true
}

// Pop removes and returns the most urgent entry. Returns nil if empty.
func (q *priorityQueue) Pop() *Entry {
	if len(q.h) == 0 {
		return nil
	}
	e := heap.Pop(&q.h).(*Entry)
	delete(q.index, e.Operation.Key())
	return e
}

// Dequeue removes the entry for op's identity, wherever it sits in the
// heap. Returns false if not present.
func (q *priorityQueue) Dequeue(op operation.Operation) bool {
	e, ok := q.index[op.Key()]
	if !ok {
		return false
	}
	heap.Remove(&q.h, e.index)
	delete(q.index, op.Key())
	return true
}

// Entries returns a snapshot of every queued entry, in no particular
// order; callers that need priority order should sort it themselves (as
// QueueService.QueueStatus does).
func (q *priorityQueue) Entries() []*Entry {
	out := make([]*Entry, len(q.h))
	copy(out, q.h)
	return out
}
