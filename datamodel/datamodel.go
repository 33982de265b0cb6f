// Package datamodel defines the interfaces judgecore uses to reach the
// surrounding system's relational store and blob cache (spec.md §1 "OUT OF
// SCOPE... accessed only through the interfaces in §6"). judgecore never
// defines or migrates this schema; it only names the subset of behavior it
// relies on, so EvaluationService never assumes a concrete SQL/ORM shape.
package datamodel

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups for an object that does not exist.
var ErrNotFound = errors.New("datamodel: not found")

// ErrDuplicateResult is returned by Store.CommitSubmissionResult and
// Store.CommitUserTestResult when two writers
// raced to create the same (object, dataset) result row. EvaluationService
// treats this as idempotent success (spec.md §7 "DBIntegrityOnCommit").
var ErrDuplicateResult = errors.New("datamodel: duplicate result row")

// Testcase is one input/expected-output pair within a Dataset.
type Testcase struct {
	Codename string
	Input    string // blob cache digest
	Output   string // blob cache digest
}

// Dataset is a testcase set and grading configuration variant of a task.
type Dataset struct {
	ID               int64
	TaskID           int64
	TimeLimit        float64
	MemoryLimitBytes int64
	Testcases        []Testcase
	Managers         map[string]string // filename -> digest
}

// Submission is a contestant's source bundle for one task.
type Submission struct {
	ID              int64
	TaskID          int64
	ContestID       int64
	ParticipationID int64
	Language        string
	Files           map[string]string // filename -> digest
}

// UserTest is a contestant-initiated trial run against their own input.
type UserTest struct {
	ID       int64
	TaskID   int64
	Language string
	Files    map[string]string
	Input    string
}

// CompilationOutcome mirrors the three-valued outcome CMS stores: unset
// (still to compile / to retry), "ok", or "fail".
type CompilationOutcome int

const (
	CompilationPending CompilationOutcome = iota
	CompilationSucceeded
	CompilationFailed
)

// EvaluationOutcome mirrors the finalized per-dataset evaluation outcome.
type EvaluationOutcome int

const (
	EvaluationPending EvaluationOutcome = iota
	EvaluationDone
)

// Evaluation is one testcase's recorded grading result.
type Evaluation struct {
	TestcaseCodename string
	Outcome          string
	Text             []string
	ExecutionTime    float64
	Memory           int64
}

// SubmissionResult is the row keyed on (SubmissionID, DatasetID) holding
// compile/evaluate outcomes for one submission on one dataset.
type SubmissionResult struct {
	SubmissionID int64
	DatasetID    int64

	CompilationOutcome CompilationOutcome
	CompilationTries   int
	Executables        map[string]string // filename -> digest, set on success

	Evaluations      map[string]Evaluation // keyed by testcase codename
	EvaluationTries  int
	EvaluationOutcome EvaluationOutcome
}

// CompilationSucceeded reports whether compilation finished successfully.
func (r *SubmissionResult) CompilationSucceeded() bool {
	return r.CompilationOutcome == CompilationSucceeded
}

// CompilationFailed reports whether compilation finished with a
// user-visible failure (as opposed to not having run, or an our-fault
// error).
func (r *SubmissionResult) CompilationFailed() bool {
	return r.CompilationOutcome == CompilationFailed
}

// Compiled reports whether compilation has produced an outcome at all.
func (r *SubmissionResult) Compiled() bool {
	return r.CompilationOutcome != CompilationPending
}

// Evaluated reports whether every testcase the dataset defines has a
// recorded evaluation.
func (r *SubmissionResult) Evaluated(testcaseCount int) bool {
	return len(r.Evaluations) == testcaseCount
}

// InvalidateCompilation clears compilation *and* evaluation state: a
// stored evaluation is meaningless once its compiled artifact is gone.
// Grounded on the original's tombstone-triggered
// object_result.invalidate_compilation() call, generalized to the admin
// invalidate path per SPEC_FULL.md §4.7.
func (r *SubmissionResult) InvalidateCompilation() {
	r.CompilationOutcome = CompilationPending
	r.CompilationTries = 0
	r.Executables = nil
	r.InvalidateEvaluation()
}

// InvalidateEvaluation clears only the evaluation half of the row.
func (r *SubmissionResult) InvalidateEvaluation() {
	r.Evaluations = nil
	r.EvaluationTries = 0
	r.EvaluationOutcome = EvaluationPending
}

// UserTestResult is the user-test analogue of SubmissionResult.
type UserTestResult struct {
	UserTestID int64
	DatasetID  int64

	CompilationOutcome CompilationOutcome
	CompilationTries   int
	Executables        map[string]string

	Evaluation      *Evaluation
	EvaluationTries int
}

func (r *UserTestResult) CompilationSucceeded() bool {
	return r.CompilationOutcome == CompilationSucceeded
}

func (r *UserTestResult) CompilationFailed() bool {
	return r.CompilationOutcome == CompilationFailed
}

func (r *UserTestResult) Compiled() bool {
	return r.CompilationOutcome != CompilationPending
}

func (r *UserTestResult) Evaluated() bool {
	return r.Evaluation != nil
}

// InvalidateFilter names the filters InvalidateSubmission accepts
// (spec.md §4.6, §6). Exactly one "anchor" field should be the most
// specific non-zero one; Store.ResolveSubmissions applies the
// broadest-non-none precedence rule documented in SPEC_FULL.md §4.7.
type InvalidateFilter struct {
	ContestID       int64
	SubmissionID    int64
	DatasetID       int64
	ParticipationID int64
	TaskID          int64
}

// InvalidateLevel selects how much of a SubmissionResult to invalidate.
type InvalidateLevel int

const (
	InvalidateCompilation InvalidateLevel = iota
	InvalidateEvaluation
)

// Store is the seam between judgecore and the surrounding system's
// relational store plus blob cache. All methods may block; callers invoke
// them from goroutines, never while holding judgecore's in-process locks
// longer than necessary.
type Store interface {
	GetDataset(ctx context.Context, datasetID int64) (*Dataset, error)
	GetSubmission(ctx context.Context, submissionID int64) (*Submission, error)
	GetUserTest(ctx context.Context, userTestID int64) (*UserTest, error)

	// DatasetsToJudge returns the datasets of taskID that should be
	// judged for ordinary grading (usually the task's live dataset, plus
	// any dataset under "judge on every submission").
	DatasetsToJudge(ctx context.Context, taskID int64) ([]*Dataset, error)

	GetSubmissionResult(ctx context.Context, submissionID, datasetID int64) (*SubmissionResult, error)
	GetOrCreateSubmissionResult(ctx context.Context, submissionID, datasetID int64) (*SubmissionResult, error)
	GetOrCreateUserTestResult(ctx context.Context, userTestID, datasetID int64) (*UserTestResult, error)

	// CommitSubmissionResult persists mutations made to result. Returns
	// ErrDuplicateResult if a concurrent writer already created this row.
	CommitSubmissionResult(ctx context.Context, result *SubmissionResult) error
	CommitUserTestResult(ctx context.Context, result *UserTestResult) error

	// MissingSubmissionOperations and MissingUserTestOperations drive the
	// sweeper: they enumerate operations that ought to exist for
	// contestID (or every contest, if contestID is zero) but are not yet
	// satisfied in the store.
	MissingSubmissionOperations(ctx context.Context, contestID int64) ([]PendingOperation, error)
	MissingUserTestOperations(ctx context.Context, contestID int64) ([]PendingOperation, error)

	// ResolveSubmissions resolves an InvalidateFilter down to the
	// concrete set of submission ids it names, applying the
	// broadest-non-none precedence rule.
	ResolveSubmissions(ctx context.Context, filter InvalidateFilter) ([]int64, error)
}

// PendingOperation is a not-yet-satisfied unit of work the sweeper
// discovers, paired with the priority/timestamp it should be enqueued
// with.
type PendingOperation struct {
	Type             int // operation.Type, duplicated here to avoid an import cycle
	ObjectID         int64
	DatasetID        int64
	TestcaseCodename string
	Priority         int
	TimestampUnix    float64
}

// ScoringClient is the external ScoringService collaborator (spec.md §1,
// §4.7). judgecore calls it fire-and-forget after persisting a finalized
// outcome.
type ScoringClient interface {
	NewEvaluation(ctx context.Context, submissionID, datasetID int64) error
}
