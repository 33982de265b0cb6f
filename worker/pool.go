package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cms-dev/judgecore/helper/event"
	"github.com/cms-dev/judgecore/operation"
	"github.com/cms-dev/judgecore/telemetry"
)

// ActionFinishedFunc is invoked once per completed (or failed) batch,
// after the worker has been released, so the caller can write results
// for toConsider and drop anything in toIgnore (spec.md §4.4's action_finished
// callback, §4.6's worker-to-queue hand-off).
type ActionFinishedFunc func(shard int, result operation.JobGroup, toConsider, toIgnore []operation.Operation, err error)

// Pool is the collection of workers attached to the dispatch core. It
// hands out Inactive, connected workers to callers that have a batch
// ready to run, and reports batch completion back through
// ActionFinishedFunc (spec.md §4.3, §4.4).
type Pool struct {
	mu         sync.Mutex
	workers    map[int]*Data
	freeQueue  []int
	freeEvent  *event.Event
	onFinished ActionFinishedFunc
}

// NewPool returns an empty Pool. onFinished is called from a background
// goroutine for every batch that finishes or errors out.
func NewPool(onFinished ActionFinishedFunc) *Pool {
	return &Pool{
		workers:    make(map[int]*Data),
		freeEvent:  event.New(),
		onFinished: onFinished,
	}
}

// SetOnFinished sets (or replaces) the batch-completion callback. It
// exists because Pool and its eventual owner (queue.Service) are
// usually constructed in two steps: the pool needs to exist before the
// service that consumes its callback can be built.
func (p *Pool) SetOnFinished(fn ActionFinishedFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFinished = fn
}

// AddWorker registers a new worker, initially Inactive and immediately
// eligible for acquisition.
func (p *Pool) AddWorker(shard int, client Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workers[shard]; ok {
		panic(fmt.Sprintf("worker %d already in the pool", shard))
	}
	p.workers[shard] = NewData(shard, client)
	p.markMaybeFree(shard)
}

// markMaybeFree enqueues shard as possibly-free and sets the wake-up
// event. Callers must hold p.mu.
func (p *Pool) markMaybeFree(shard int) {
	p.freeQueue = append(p.freeQueue, shard)
	p.freeEvent.Set()
}

// Len returns the number of workers registered, active or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Contains reports whether op is currently assigned to some worker.
func (p *Pool) Contains(op operation.Operation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.workers {
		for _, o := range d.operations {
			if o.Equal(op) {
				return true
			}
		}
	}
	return false
}

// WaitForWorkers blocks until a worker might be available. As in the
// original, this is a hint, not a guarantee: by the time the caller
// retries AcquireWorker, another goroutine may have taken the worker.
func (p *Pool) WaitForWorkers(ctx context.Context) error {
	select {
	case <-p.freeEvent.WaitChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireWorker tries to hand jg (built from ops) to one Inactive,
// connected worker. It returns false if no worker was available right
// now; callers should WaitForWorkers and retry. On success, execution
// happens asynchronously: the worker's Client is invoked in a new
// goroutine and ActionFinishedFunc runs when it completes.
func (p *Pool) AcquireWorker(ctx context.Context, ops []operation.Operation, jg operation.JobGroup) bool {
	p.mu.Lock()
	var shard int
	var d *Data
	for {
		if len(p.freeQueue) == 0 {
			p.freeEvent.Clear()
			p.mu.Unlock()
			return false
		}
		shard, p.freeQueue = p.freeQueue[0], p.freeQueue[1:]
		candidate, ok := p.workers[shard]
		if !ok {
			continue
		}
		if candidate.IsInactive() && candidate.Client.Connected() {
			d = candidate
			break
		}
		// Worker was disabled/active/disconnected since being queued
		// as free; original semantics simply give up acquisition for
		// this call rather than scanning further.
		p.mu.Unlock()
		return false
	}
	d.SetActive(ops)
	p.mu.Unlock()

	telemetry.WorkerAcquired(shard)
	go p.run(ctx, d, jg)
	return true
}

// run executes jg on d.Client and reports completion.
func (p *Pool) run(ctx context.Context, d *Data, jg operation.JobGroup) {
	result, err := d.Client.ExecuteJobGroup(ctx, jg)

	p.mu.Lock()
	toConsider, toIgnore := d.Release()
	if d.IsInactive() {
		p.markMaybeFree(d.Shard)
	}
	p.mu.Unlock()

	if p.onFinished != nil {
		p.onFinished(d.Shard, result, toConsider, toIgnore, err)
	}
}

// IgnoreOperation marks op, wherever it is currently assigned, to be
// dropped instead of reported on release. Returns false if op is not
// assigned to any worker.
func (p *Pool) IgnoreOperation(op operation.Operation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.workers {
		if d.Ignore(op) {
			return true
		}
	}
	return false
}

// DisableWorker disables shard, returning any operations it was
// executing so the caller can re-enqueue them. Returns an error if
// shard is unknown.
func (p *Pool) DisableWorker(shard int) ([]operation.Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.workers[shard]
	if !ok {
		return nil, fmt.Errorf("worker: unknown shard %d", shard)
	}
	return d.Disable(), nil
}

// EnableWorker re-enables a previously disabled worker, making it
// eligible for acquisition again.
func (p *Pool) EnableWorker(shard int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.workers[shard]
	if !ok {
		return fmt.Errorf("worker: unknown shard %d", shard)
	}
	d.Enable()
	if d.IsInactive() {
		p.markMaybeFree(shard)
	}
	return nil
}

// CheckTimeouts scans for Active workers that have held their batch
// past the staleness timeout, disables them, and returns the stale
// operations so the caller can re-enqueue them (spec.md §4.4 "stale
// worker sweep").
func (p *Pool) CheckTimeouts(now time.Time) map[int][]operation.Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	stale := make(map[int][]operation.Operation)
	for shard, d := range p.workers {
		if d.Stale(now) {
			ops := d.Disable()
			if len(ops) > 0 {
				stale[shard] = ops
			}
		}
	}
	return stale
}

// CheckConnections disables any worker whose Client reports
// disconnected, returning their in-flight operations for re-enqueueing.
func (p *Pool) CheckConnections() map[int][]operation.Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	lost := make(map[int][]operation.Operation)
	for shard, d := range p.workers {
		if !d.Client.Connected() && !d.IsDisabled() {
			ops := d.Disable()
			if len(ops) > 0 {
				lost[shard] = ops
			}
		}
	}
	return lost
}

// Status returns a snapshot of every worker, ordered by shard.
func (p *Pool) Status() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.workers))
	for _, d := range p.workers {
		out = append(out, d.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out
}
