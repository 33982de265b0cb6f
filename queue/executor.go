package queue

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/cms-dev/judgecore/operation"
	"github.com/cms-dev/judgecore/telemetry"
	"github.com/cms-dev/judgecore/worker"
)

// maxOperationsPerBatch caps how many operations are ever sent to a
// single worker at once, regardless of how favorable the queue/worker
// ratio is (spec.md §4.5 "MAX_OPERATIONS_PER_BATCH").
const maxOperationsPerBatch = 25

// JobGroupBuilder turns a batch of operation identities into the wire
// JobGroup a worker actually executes (file payloads, limits, etc).
// QueueService is deliberately ignorant of how that happens: it is
// implemented by EvaluationService, which owns the datamodel.Store.
type JobGroupBuilder interface {
	BuildJobGroup(ctx context.Context, ops []operation.Operation) (operation.JobGroup, error)
}

// Executor pulls batches of operations off the priority queue and hands
// them to the worker pool, one batch per free worker at a time
// (spec.md §4.5, grounded on QueueService.py's EvaluationExecutor).
type Executor struct {
	log     hclog.Logger
	pool    *worker.Pool
	builder JobGroupBuilder

	mu                 sync.Mutex
	queue              *priorityQueue
	currentlyExecuting []operation.Operation
}

// NewExecutor returns an Executor backed by pool, using builder to turn
// dequeued operations into wire JobGroups before dispatch.
func NewExecutor(log hclog.Logger, pool *worker.Pool, builder JobGroupBuilder) *Executor {
	return &Executor{
		log:     log.Named("executor"),
		pool:    pool,
		builder: builder,
		queue:   newPriorityQueue(),
	}
}

// Len returns the number of operations sitting in the queue, not
// counting anything already extracted into a batch.
func (x *Executor) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.queue.Len()
}

// Contains reports whether op is queued, extracted into the current
// batch, or assigned to a worker.
func (x *Executor) Contains(op operation.Operation) bool {
	x.mu.Lock()
	inQueueOrBatch := x.queue.Contains(op)
	if !inQueueOrBatch {
		for _, o := range x.currentlyExecuting {
			if o.Equal(op) {
				inQueueOrBatch = true
				break
			}
		}
	}
	x.mu.Unlock()
	return inQueueOrBatch || x.pool.Contains(op)
}

// Enqueue inserts op at the given priority/timestamp. Returns false if
// an operation with the same identity was already queued.
func (x *Executor) Enqueue(op operation.Operation, priority int, timestamp time.Time) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	pushed := x.queue.Push(op, priority, timestamp)
	if pushed {
		telemetry.QueueDepth(x.queue.Len())
	}
	return pushed
}

// Dequeue removes op, whether it is still sitting in the queue or has
// already been extracted into the batch currently being dispatched
// (spec.md §4.5 "dequeue must also search currentlyExecuting").
func (x *Executor) Dequeue(op operation.Operation) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.queue.Dequeue(op) {
		return true
	}
	for i, o := range x.currentlyExecuting {
		if o.Equal(op) {
			x.currentlyExecuting = append(x.currentlyExecuting[:i], x.currentlyExecuting[i+1:]...)
			return true
		}
	}
	return false
}

// Entries returns a snapshot of everything still sitting in the queue,
// for status reporting.
func (x *Executor) Entries() []*Entry {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.queue.Entries()
}

// maxBatchSize derives the batch size from the queue/worker ratio,
// capped at maxOperationsPerBatch (spec.md §4.5).
func (x *Executor) maxBatchSize() int {
	workers := x.pool.Len()
	if workers == 0 {
		return 1
	}
	x.mu.Lock()
	qlen := x.queue.Len()
	x.mu.Unlock()
	ratio := qlen/workers + 1
	if ratio < 1 {
		ratio = 1
	}
	if ratio > maxOperationsPerBatch {
		ratio = maxOperationsPerBatch
	}
	return ratio
}

// Run drains the queue, dispatching one batch of operations to a free
// worker at a time, until ctx is cancelled. Each batch is pulled
// entirely from the priority queue (most urgent first), attached side
// data for re-enqueueing if the worker is lost, and dispatched to
// exactly one worker as a single JobGroup (mirroring the original's
// "a batch goes to one worker together" behavior, which lets a worker
// amortize task precaching across the batch).
func (x *Executor) Run(ctx context.Context) {
	for {
		x.fillBatch()

		x.mu.Lock()
		empty := len(x.currentlyExecuting) == 0
		x.mu.Unlock()
		if empty {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		if err := x.pool.WaitForWorkers(ctx); err != nil {
			return
		}

		x.mu.Lock()
		batch := append([]operation.Operation(nil), x.currentlyExecuting...)
		x.mu.Unlock()
		if len(batch) == 0 {
			continue
		}

		jg, err := x.builder.BuildJobGroup(ctx, batch)
		if err != nil {
			x.log.Error("failed to build job group, re-enqueueing", "error", err)
			x.mu.Lock()
			x.currentlyExecuting = nil
			x.mu.Unlock()
			for _, op := range batch {
				x.Enqueue(op, op.SideData.Priority, op.SideData.OriginalTimestamp)
			}
			continue
		}

		if x.pool.AcquireWorker(ctx, batch, jg) {
			telemetry.BatchSize(len(batch))
			x.mu.Lock()
			x.currentlyExecuting = nil
			x.mu.Unlock()
		}
	}
}

// fillBatch extracts up to maxBatchSize entries from the queue into
// currentlyExecuting, if it is currently empty.
func (x *Executor) fillBatch() {
	x.mu.Lock()
	if len(x.currentlyExecuting) > 0 {
		x.mu.Unlock()
		return
	}
	x.mu.Unlock()

	n := x.maxBatchSize()

	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.currentlyExecuting) > 0 {
		return
	}
	var batch []operation.Operation
	for i := 0; i < n; i++ {
		e := x.queue.Pop()
		if e == nil {
			break
		}
		op := e.Operation
		op.SideData = operation.SideData{Priority: e.Priority, OriginalTimestamp: e.Timestamp}
		batch = append(batch, op)
	}
	x.currentlyExecuting = batch
}
