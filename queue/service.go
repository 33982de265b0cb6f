// Package queue implements the grading dispatch core: a priority
// queue of operations, a pool of workers to run them, and the
// bookkeeping needed to hand results back to EvaluationService exactly
// once (spec.md §4).
package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/cms-dev/judgecore/operation"
	"github.com/cms-dev/judgecore/telemetry"
	"github.com/cms-dev/judgecore/worker"
)

// NewOperation is an operation EvaluationService asks to be enqueued as
// a side effect of a successful result write (e.g. "evaluation is now
// unblocked because compilation just finished").
type NewOperation struct {
	Op        operation.Operation
	Priority  int
	Timestamp time.Time
}

// EvaluationClient is QueueService's view of one EvaluationService
// shard: deliver a finished Job and learn whether any further
// operations were unblocked as a result (spec.md §4.2 "process_results").
type EvaluationClient interface {
	WriteResult(ctx context.Context, op operation.Operation, job operation.Job) (success bool, newOps []NewOperation, err error)
}

// Service is the grading dispatch core's queue half: QueueService in
// the original design. It owns the priority queue (via Executor), the
// worker pool, and PendingResults, and is the only component allowed to
// mutate any of the three without holding postFinishLock (spec.md §9
// "post_finish_lock").
type Service struct {
	log hclog.Logger

	// postFinishLock serializes the methods that decide "is this
	// operation already being handled" (Enqueue, the missing-operations
	// sweep) against ActionFinished, so none of
	// them observe an operation mid-handoff between the worker pool and
	// PendingResults. The original used a recursive lock because a few
	// call sites re-enter while holding it; here, recursive call sites
	// use the Locked-suffixed internal method instead of re-acquiring.
	postFinishLock sync.Mutex

	pending  *PendingResults
	executor *Executor
	pool     *worker.Pool

	evaluationClients []EvaluationClient
	inFlightInvalidates *AtomicCounter

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Config bundles Service's dependencies.
type Config struct {
	Log               hclog.Logger
	Pool              *worker.Pool
	Builder           JobGroupBuilder
	EvaluationClients []EvaluationClient
}

// New builds a Service. Call Run to start its background goroutines.
func New(cfg Config) *Service {
	log := cfg.Log.Named("queue")
	s := &Service{
		log:                 log,
		pending:             NewPendingResults(),
		pool:                cfg.Pool,
		evaluationClients:   cfg.EvaluationClients,
		inFlightInvalidates: &AtomicCounter{},
		shutdown:            make(chan struct{}),
	}
	s.executor = NewExecutor(log, cfg.Pool, cfg.Builder)
	cfg.Pool.SetOnFinished(s.ActionFinished)
	return s
}

// Run starts the executor loop and the result dispatcher. It blocks
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.executor.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.processResults(ctx)
	}()
	<-ctx.Done()
	s.wg.Wait()
}

// Enqueue pushes op into the priority queue, unless it is already
// queued, executing, or awaiting result delivery (spec.md §4.6). It
// returns true iff the operation was newly inserted.
func (s *Service) Enqueue(op operation.Operation, priority int, timestamp time.Time) bool {
	s.postFinishLock.Lock()
	defer s.postFinishLock.Unlock()
	return s.enqueueLocked(op, priority, timestamp)
}

func (s *Service) enqueueLocked(op operation.Operation, priority int, timestamp time.Time) bool {
	if s.executor.Contains(op) || s.pending.Contains(op) {
		return false
	}
	return s.executor.Enqueue(op, priority, timestamp)
}

// ActionFinished is the worker pool's completion callback: a batch
// finished (or errored), and its results need to flow into pending
// results unless they were marked to be ignored (spec.md §4.6's
// "action_finished").
func (s *Service) ActionFinished(shard int, result operation.JobGroup, toConsider, toIgnore []operation.Operation, err error) {
	s.postFinishLock.Lock()
	defer s.postFinishLock.Unlock()

	for _, op := range toIgnore {
		s.log.Info("result ignored as requested", "operation", op.String())
	}

	if err != nil {
		s.log.Error("worker reported an error", "shard", shard, "error", err)
		return
	}

	byKey := make(map[operation.Key]operation.Job, len(result.Jobs))
	for _, job := range result.Jobs {
		byKey[job.Operation.Key()] = job
	}

	for _, op := range toConsider {
		job, ok := byKey[op.Key()]
		if !ok {
			s.log.Error("worker result missing job for operation", "operation", op.String())
			continue
		}
		s.log.Info("operation completed", "operation", op.String(), "success", job.Success)
		s.pending.Add(op, job)
	}
}

// processResults drains PendingResults, sending each to a random
// EvaluationService shard, exactly as the original's process_results
// greenlet did with random_service (spec.md §4.2).
func (s *Service) processResults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.pending.WaitChan():
		}

		for {
			op, job, err := s.pending.Pop()
			if err != nil {
				break
			}
			s.deliver(ctx, op, job)
		}
	}
}

func (s *Service) deliver(ctx context.Context, op operation.Operation, job operation.Job) {
	if len(s.evaluationClients) == 0 {
		s.log.Error("no EvaluationService connected, discarding result", "operation", op.String())
		telemetry.ResultDiscarded()
		return
	}
	client := s.evaluationClients[rand.Intn(len(s.evaluationClients))]

	success, newOps, err := client.WriteResult(ctx, op, job)
	s.resultWritten(op, success, newOps, err)
}

// resultWritten is the write_result callback: finalize the operation
// regardless of outcome, then either re-enqueue it (transient failure)
// or enqueue whatever new operations the write unblocked.
func (s *Service) resultWritten(op operation.Operation, success bool, newOps []NewOperation, err error) {
	if ferr := s.pending.Finalize(op); ferr != nil {
		s.log.Warn("result written for operation that was not pending", "operation", op.String())
	}

	if err != nil {
		s.log.Warn("writing result failed, re-enqueueing", "operation", op.String(), "error", err)
		s.Enqueue(op, op.SideData.Priority, op.SideData.OriginalTimestamp)
		return
	}

	s.log.Info("result written", "operation", op.String(), "success", success)
	if !op.SideData.OriginalTimestamp.IsZero() {
		telemetry.OperationLatency(op.Type.String(), time.Since(op.SideData.OriginalTimestamp))
	}
	for _, n := range newOps {
		s.Enqueue(n.Op, n.Priority, n.Timestamp)
	}
}

// Sweep looks for operations that are not queued, executing, or pending
// and enqueues them, taking missing []NewOperation from an external
// scan (EvaluationService.MissingOperations) so QueueService itself
// never touches the datamodel.Store directly (spec.md §4.6 "sweeper").
func (s *Service) Sweep(missing []NewOperation) int {
	s.postFinishLock.Lock()
	defer s.postFinishLock.Unlock()

	if s.inFlightInvalidates.Get() > 0 {
		// An invalidate is still re-deriving operations; scanning now
		// would race with it and could double-enqueue (spec.md §9
		// "Sweeper blockers").
		return 0
	}

	count := 0
	for _, n := range missing {
		if s.enqueueLocked(n.Op, n.Priority, n.Timestamp) {
			count++
		}
	}
	return count
}

// BeginInvalidate/EndInvalidate bracket an invalidate-fanout RPC so the
// sweeper knows to stay out of the way while it runs.
func (s *Service) BeginInvalidate() { s.inFlightInvalidates.Incr() }
func (s *Service) EndInvalidate()   { s.inFlightInvalidates.Decr() }

// CheckWorkerTimeouts re-enqueues operations stuck on workers that have
// gone stale, and returns the count for logging/metrics.
func (s *Service) CheckWorkerTimeouts() int {
	stale := s.pool.CheckTimeouts(time.Now())
	return s.requeueLost(stale, "worker timeout")
}

// CheckWorkerConnections re-enqueues operations stuck on workers that
// have disconnected.
func (s *Service) CheckWorkerConnections() int {
	lost := s.pool.CheckConnections()
	return s.requeueLost(lost, "worker disconnected")
}

func (s *Service) requeueLost(lost map[int][]operation.Operation, reason string) int {
	count := 0
	for shard, ops := range lost {
		for _, op := range ops {
			s.log.Info("operation put back in the queue", "operation", op.String(), "shard", shard, "reason", reason)
			if s.Enqueue(op, op.SideData.Priority, op.SideData.OriginalTimestamp) {
				count++
			}
		}
	}
	return count
}

// DisableWorker disables shard and re-enqueues whatever it was running.
func (s *Service) DisableWorker(shard int) error {
	ops, err := s.pool.DisableWorker(shard)
	if err != nil {
		return err
	}
	for _, op := range ops {
		s.log.Info("operation put back in the queue, worker disabled", "operation", op.String(), "shard", shard)
		s.Enqueue(op, op.SideData.Priority, op.SideData.OriginalTimestamp)
	}
	return nil
}

// EnableWorker re-enables a previously disabled worker.
func (s *Service) EnableWorker(shard int) error {
	return s.pool.EnableWorker(shard)
}

// WorkersStatus returns a point-in-time snapshot of every worker.
func (s *Service) WorkersStatus() []worker.Status {
	return s.pool.Status()
}

// QueueEntry is one row of QueueStatus: a representative operation plus
// how many queued operations share its (type, object, dataset) identity
// (spec.md §6 "queue_status" collapses per-testcase evaluate entries).
type QueueEntry struct {
	Operation   operation.Operation
	Priority    int
	Timestamp   time.Time
	Multiplicity int
}

// QueueStatus collapses the queue to one entry per (type, objectID,
// datasetID), ordered by (priority, timestamp), exactly as the
// original's queue_status RPC does for display purposes.
func (s *Service) QueueStatus() []QueueEntry {
	entries := s.executor.Entries()

	type groupKey struct {
		typ       operation.Type
		objectID  int64
		datasetID int64
	}
	byKey := make(map[groupKey]*QueueEntry)
	var order []groupKey

	for _, e := range entries {
		gk := groupKey{e.Operation.Type, e.Operation.ObjectID, e.Operation.DatasetID}
		if existing, ok := byKey[gk]; ok {
			existing.Multiplicity++
			continue
		}
		order = append(order, gk)
		byKey[gk] = &QueueEntry{
			Operation:    e.Operation,
			Priority:     e.Priority,
			Timestamp:    e.Timestamp,
			Multiplicity: 1,
		}
	}

	out := make([]QueueEntry, 0, len(order))
	for _, gk := range order {
		out = append(out, *byKey[gk])
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if a.Priority > b.Priority || (a.Priority == b.Priority && a.Timestamp.After(b.Timestamp)) {
				out[j-1], out[j] = out[j], out[j-1]
			} else {
				break
			}
		}
	}
	return out
}

// errorsOrNil folds the non-nil errors in errs into one multierror, or
// returns nil if there are none. Nothing in this package calls it yet.
func errorsOrNil(errs ...error) error {
	var merr *multierror.Error
	for _, e := range errs {
		if e != nil {
			merr = multierror.Append(merr, e)
		}
	}
	return merr.ErrorOrNil()
}
