// Package worker tracks the state of the workers attached to the
// grading dispatch core and hands out free ones to the queue's
// executor. It mirrors the original CMS WorkerPool/WorkerData split:
// Data is the per-worker state machine, Pool is the collection plus the
// free-worker wait/acquire protocol (spec.md §4.3, §4.4).
package worker

import (
	"context"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/cms-dev/judgecore/operation"
)

// State is a worker's lifecycle state.
type State int

const (
	// Inactive workers are connected and idle, eligible for acquisition.
	Inactive State = iota
	// Active workers are currently executing a batch of operations.
	Active
	// Disabled workers are excluded from acquisition: an administrator
	// disabled them, or the pool's timeout or connection sweep did.
	Disabled
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// timeout after which an Active worker is declared stale and its
// operations are returned to the queue for re-enqueueing.
const timeout = 600 * time.Second

// Client is the RPC surface a worker exposes to the pool. A real
// implementation dials the worker over the rpcapi transport; tests use
// an in-memory fake.
type Client interface {
	// ExecuteJobGroup ships jg to the worker and blocks until it
	// finishes (or ctx is cancelled). The returned JobGroup carries the
	// Job results (success/outcome/etc. populated).
	ExecuteJobGroup(ctx context.Context, jg operation.JobGroup) (operation.JobGroup, error)
	// Precache asks the worker to pre-fetch files for a task in the
	// background. It is a best-effort hint; Pool never calls it.
	Precache(ctx context.Context, taskID int64) error
	// Connected reports whether the RPC transport believes the worker
	// is currently reachable.
	Connected() bool
}

// Data is the bookkeeping the pool keeps for a single worker: which
// operations (if any) it is currently executing, when it was handed
// them, and how many times in a row it has errored out.
type Data struct {
	Shard  int
	Client Client

	state      State
	operations []operation.Operation
	ignored    map[operation.Key]bool
	startTime  time.Time
	errorCount int

	// batchID identifies the current (or most recent) batch handed to
	// this worker, so log lines and status snapshots can correlate a
	// dispatch with its eventual completion even across shard reuse.
	batchID string
}

// NewData returns a worker in the Inactive state.
func NewData(shard int, client Client) *Data {
	return &Data{
		Shard:   shard,
		Client:  client,
		state:   Inactive,
		ignored: make(map[operation.Key]bool),
	}
}

// IsInactive reports whether the worker is idle and eligible for
// acquisition (spec.md §4.4 "a worker is 'free' iff Inactive and
// Client.Connected()").
func (d *Data) IsInactive() bool { return d.state == Inactive }

// IsActive reports whether the worker currently holds a batch.
func (d *Data) IsActive() bool { return d.state == Active }

// IsDisabled reports whether the worker has been administratively
// excluded from acquisition.
func (d *Data) IsDisabled() bool { return d.state == Disabled }

// SetActive transitions the worker to Active and records the batch it
// was just handed.
func (d *Data) SetActive(ops []operation.Operation) {
	d.state = Active
	d.operations = append([]operation.Operation(nil), ops...)
	d.ignored = make(map[operation.Key]bool)
	d.startTime = time.Now()
	d.errorCount = 0
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = ""
	}
	d.batchID = id
}

// BatchID returns the identifier of the batch currently (or most
// recently) assigned to this worker.
func (d *Data) BatchID() string { return d.batchID }

// Ignore marks one operation in the current batch to be dropped on
// release rather than reported to the queue, used when an invalidate
// races with an in-flight batch (spec.md §9 "race window").
func (d *Data) Ignore(op operation.Operation) bool {
	for _, o := range d.operations {
		if o.Equal(op) {
			d.ignored[op.Key()] = true
			return true
		}
	}
	return false
}

// Release transitions the worker back to Inactive (unless it had been
// Disabled while busy) and returns the operations split into those the
// caller should still report results for (toConsider) and those marked
// Ignore (toIgnore).
func (d *Data) Release() (toConsider, toIgnore []operation.Operation) {
	for _, op := range d.operations {
		if d.ignored[op.Key()] {
			toIgnore = append(toIgnore, op)
		} else {
			toConsider = append(toConsider, op)
		}
	}
	d.operations = nil
	d.ignored = make(map[operation.Key]bool)
	if d.state == Active {
		d.state = Inactive
	}
	return toConsider, toIgnore
}

// Disable marks the worker Disabled at once. If it was Active, its
// operations are returned so the caller can re-enqueue them and the
// worker forgets them; when the in-flight batch later finishes, Release
// returns no operations and leaves the worker Disabled.
func (d *Data) Disable() []operation.Operation {
	wasActive := d.state == Active
	d.state = Disabled
	if !wasActive {
		return nil
	}
	ops := d.operations
	d.operations = nil
	d.ignored = make(map[operation.Key]bool)
	return ops
}

// Enable clears the Disabled state, making the worker eligible for
// acquisition again if it is not also Active.
func (d *Data) Enable() {
	if d.state == Disabled {
		d.state = Inactive
	}
}

// Stale reports whether an Active worker has held its batch longer than
// the staleness timeout, per spec.md §4.4's periodic stale-worker sweep.
func (d *Data) Stale(now time.Time) bool {
	return d.state == Active && now.Sub(d.startTime) > timeout
}

// Operations returns the batch currently assigned to the worker.
func (d *Data) Operations() []operation.Operation {
	return append([]operation.Operation(nil), d.operations...)
}

// IncrErrors records a failed batch and returns the updated error count.
func (d *Data) IncrErrors() int {
	d.errorCount++
	return d.errorCount
}

// Status is a snapshot of a worker's state for administrative/status
// RPCs (spec.md §6 "WorkersStatus").
type Status struct {
	Shard      int
	State      string
	Connected  bool
	Operations []operation.Operation
	StartTime  time.Time
	ErrorCount int
	BatchID    string
}

// Status returns a point-in-time snapshot.
func (d *Data) Status() Status {
	return Status{
		Shard:      d.Shard,
		State:      d.state.String(),
		Connected:  d.Client.Connected(),
		Operations: d.Operations(),
		StartTime:  d.startTime,
		ErrorCount: d.errorCount,
		BatchID:    d.batchID,
	}
}
