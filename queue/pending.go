package queue

import (
	"errors"
	"sync"

	"github.com/cms-dev/judgecore/helper/event"
	"github.com/cms-dev/judgecore/operation"
)

// ErrNoResultsAvailable is returned by PendingResults.Pop when results is
// empty (spec.md §4.2).
var ErrNoResultsAvailable = errors.New("queue: no pending results available")

// ErrOperationNotPending is returned by PendingResults.Finalize when the
// operation is not in writes (spec.md §4.2).
var ErrOperationNotPending = errors.New("queue: operation not pending a write")

// PendingResults is a two-set store guarding a wake-up event (spec.md
// §4.2). An operation is pending results delivery to EvaluationService
// either because a worker's result arrived and has not yet been handed to
// ES (results), or because it was handed to ES and ES has not yet
// acknowledged the write (writes). No ordering guarantees are made by Pop:
// results are delivered to ES in essentially random order, matching the
// original's dict.popitem() semantics.
type PendingResults struct {
	mu      sync.Mutex
	woken   *event.Event
	results map[operation.Key]pendingEntry
	writes  map[operation.Key]struct{}
}

type pendingEntry struct {
	op  operation.Operation
	job operation.Job
}

// NewPendingResults returns an empty PendingResults.
func NewPendingResults() *PendingResults {
	return &PendingResults{
		woken:   event.New(),
		results: make(map[operation.Key]pendingEntry),
		writes:  make(map[operation.Key]struct{}),
	}
}

// Contains reports whether op is pending: either awaiting a hand-off to ES,
// or handed off and awaiting write confirmation.
func (p *PendingResults) Contains(op operation.Operation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contains(op.Key())
}

func (p *PendingResults) contains(key operation.Key) bool {
	if _, ok := p.results[key]; ok {
		return true
	}
	_, ok := p.writes[key]
	return ok
}

// Add records a worker's result for op and wakes any waiter blocked in
// Wait.
func (p *PendingResults) Add(op operation.Operation, job operation.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[op.Key()] = pendingEntry{op: op, job: job}
	p.woken.Set()
}

// Pop atomically removes one arbitrary entry from results and moves it
// into writes, returning it. It clears the wake-up event iff results
// becomes empty as a result. Returns ErrNoResultsAvailable if results was
// empty.
func (p *PendingResults) Pop() (operation.Operation, operation.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, entry := range p.results {
		delete(p.results, key)
		if len(p.results) == 0 {
			p.woken.Clear()
		}
		p.writes[key] = struct{}{}
		return entry.op, entry.job, nil
	}
	return operation.Operation{}, operation.Job{}, ErrNoResultsAvailable
}

// Finalize marks op as fully committed, removing it from writes. Returns
// ErrOperationNotPending if op was not in writes.
func (p *PendingResults) Finalize(op operation.Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := op.Key()
	if _, ok := p.writes[key]; !ok {
		return ErrOperationNotPending
	}
	delete(p.writes, key)
	return nil
}

// Wait blocks until a result is available to Pop. It never returns
// spuriously when results is empty (spec.md §8 invariant 8), because it
// waits on the same edge-triggered event Add sets and Pop clears.
func (p *PendingResults) Wait() {
	p.woken.Wait()
}

// WaitChan exposes the underlying wake-up channel so callers (notably the
// result dispatcher) can select on it alongside a shutdown signal instead
// of blocking unconditionally.
func (p *PendingResults) WaitChan() <-chan struct{} {
	return p.woken.WaitChan()
}
