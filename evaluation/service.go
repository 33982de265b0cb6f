// Package evaluation implements EvaluationService: the half of the
// grading dispatch core that knows how to turn a submission or user
// test into operations, and what a worker's finished Job means for the
// database (spec.md §4.1, §4.2).
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/cms-dev/judgecore/datamodel"
	"github.com/cms-dev/judgecore/operation"
	"github.com/cms-dev/judgecore/queue"
)

// maxCompilationTries/maxEvaluationTries bound how many times the
// dispatch core retries a compilation or evaluation that keeps failing
// for our own fault (worker crash, timeout) before giving up on it
// (spec.md §7 "OurFaultComputeFailure").
const (
	maxCompilationTries = 3
	maxEvaluationTries  = 3
)

// QueueClient is EvaluationService's view of QueueService: enqueue an
// operation. Bracketing a fan-out so the sweeper waits is a separate
// interface, InvalidateBracket.
type QueueClient interface {
	Enqueue(op operation.Operation, priority int, timestamp time.Time) bool
}

// Service is EvaluationService: it owns the authoritative copy of
// submission/user-test results, decides what operations are needed
// next, and builds the JobGroups QueueService's executor dispatches to
// workers.
type Service struct {
	log     hclog.Logger
	store   datamodel.Store
	scoring datamodel.ScoringClient
	queue   QueueClient

	mu sync.Mutex
}

// New returns an EvaluationService backed by store and scoring. The
// QueueClient it pushes operations through is wired after construction
// via SetQueueClient, since the two services are often wired to
// reference each other; until then, enqueued operations are dropped.
func New(log hclog.Logger, store datamodel.Store, scoring datamodel.ScoringClient) *Service {
	return &Service{
		log:     log.Named("evaluation"),
		store:   store,
		scoring: scoring,
	}
}

// SetQueueClient wires the QueueService this EvaluationService pushes
// operations through.
func (s *Service) SetQueueClient(q QueueClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
}

func (s *Service) enqueue(op operation.Operation, priority int, timestamp time.Time) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Warn("no queue client wired, dropping operation", "operation", op.String())
		return
	}
	q.Enqueue(op, priority, timestamp)
}

// NewSubmission enqueues the compilation operation for a freshly
// submitted solution, for every dataset that should judge it
// (spec.md §4.1 "new_submission").
func (s *Service) NewSubmission(ctx context.Context, submissionID int64) error {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("evaluation: load submission %d: %w", submissionID, err)
	}
	datasets, err := s.store.DatasetsToJudge(ctx, sub.TaskID)
	if err != nil {
		return fmt.Errorf("evaluation: datasets to judge for task %d: %w", sub.TaskID, err)
	}
	now := time.Now()
	for _, ds := range datasets {
		op := operation.Operation{
			Type:      operation.CompileSubmission,
			ObjectID:  submissionID,
			DatasetID: ds.ID,
		}
		s.enqueue(op, operation.PrioritySubmission, now)
	}
	return nil
}

// NewSubmissions enqueues every missing submission operation (compile
// or evaluate) within contestID (or every contest, if zero), used
// at startup and by the administrative "rejudge all" path (spec.md
// §4.1).
func (s *Service) NewSubmissions(ctx context.Context, contestID int64) (int, error) {
	missing, err := s.store.MissingSubmissionOperations(ctx, contestID)
	if err != nil {
		return 0, fmt.Errorf("evaluation: missing submission operations: %w", err)
	}
	for _, m := range missing {
		s.enqueue(pendingToOperation(m), m.Priority, unixToTime(m.TimestampUnix))
	}
	return len(missing), nil
}

// NewUserTest enqueues the compilation operation for a user test.
func (s *Service) NewUserTest(ctx context.Context, userTestID int64) error {
	ut, err := s.store.GetUserTest(ctx, userTestID)
	if err != nil {
		return fmt.Errorf("evaluation: load user test %d: %w", userTestID, err)
	}
	datasets, err := s.store.DatasetsToJudge(ctx, ut.TaskID)
	if err != nil {
		return fmt.Errorf("evaluation: datasets to judge for task %d: %w", ut.TaskID, err)
	}
	now := time.Now()
	for _, ds := range datasets {
		op := operation.Operation{
			Type:      operation.CompileUserTest,
			ObjectID:  userTestID,
			DatasetID: ds.ID,
		}
		s.enqueue(op, operation.PriorityUserTestInteraction, now)
	}
	return nil
}

// MissingOperations scans the store for pending submission and user
// test operations within contestID (or every contest, if zero),
// returning them as []queue.NewOperation so queue.Service's sweeper can
// enqueue whatever isn't already in flight (spec.md §4.6
// "_missing_operations").
func (s *Service) MissingOperations(ctx context.Context, contestID int64) ([]queue.NewOperation, error) {
	subs, err := s.store.MissingSubmissionOperations(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("evaluation: missing submission operations: %w", err)
	}
	tests, err := s.store.MissingUserTestOperations(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("evaluation: missing user test operations: %w", err)
	}
	out := make([]queue.NewOperation, 0, len(subs)+len(tests))
	for _, m := range subs {
		out = append(out, queue.NewOperation{Op: pendingToOperation(m), Priority: m.Priority, Timestamp: unixToTime(m.TimestampUnix)})
	}
	for _, m := range tests {
		out = append(out, queue.NewOperation{Op: pendingToOperation(m), Priority: m.Priority, Timestamp: unixToTime(m.TimestampUnix)})
	}
	return out, nil
}

// WriteResult implements queue.EvaluationClient: commit a worker's Job
// to the store, derive what happens next, and report both back to
// QueueService (spec.md §4.1 "write_result").
func (s *Service) WriteResult(ctx context.Context, op operation.Operation, job operation.Job) (bool, []queue.NewOperation, error) {
	if op.ForSubmission() {
		return s.writeSubmissionResult(ctx, op, job)
	}
	return s.writeUserTestResult(ctx, op, job)
}

func (s *Service) writeSubmissionResult(ctx context.Context, op operation.Operation, job operation.Job) (bool, []queue.NewOperation, error) {
	result, err := s.store.GetOrCreateSubmissionResult(ctx, op.ObjectID, op.DatasetID)
	if err != nil {
		return false, nil, fmt.Errorf("evaluation: get or create submission result: %w", err)
	}

	switch op.Type {
	case operation.CompileSubmission:
		applyCompilationJob(result, job)
	case operation.EvaluateSubmission:
		if result.Evaluations == nil {
			result.Evaluations = make(map[string]datamodel.Evaluation)
		}
		if _, dup := result.Evaluations[op.TestcaseCodename]; dup {
			if err := s.store.CommitSubmissionResult(ctx, result); err != nil && !errors.Is(err, datamodel.ErrDuplicateResult) {
				return false, nil, err
			}
			return true, nil, nil
		}

		if applyEvaluationJob(result, job, op.TestcaseCodename) {
			// The executable this evaluation ran against is the
			// tombstone: compilation never really succeeded. Undo it
			// and re-derive every operation the submission needs from
			// scratch, short-circuiting the normal ended/commit flow
			// (spec.md §4.7 "TombstoneFailure").
			s.log.Warn("invalidating compilation: evaluation ran against tombstone executable",
				"submission", op.ObjectID, "dataset", op.DatasetID)
			if err := s.store.CommitSubmissionResult(ctx, result); err != nil && !errors.Is(err, datamodel.ErrDuplicateResult) {
				return false, nil, fmt.Errorf("evaluation: commit submission result: %w", err)
			}
			newOps, err := s.submissionOperations(ctx, op.ObjectID)
			if err != nil {
				return false, nil, err
			}
			return true, newOps, nil
		}
		if !job.Success && result.EvaluationTries >= maxEvaluationTries {
			s.log.Error("giving up on evaluation after max tries", "submission", op.ObjectID, "dataset", op.DatasetID, "testcase", op.TestcaseCodename)
		}
	}

	dataset, err := s.store.GetDataset(ctx, op.DatasetID)
	if err != nil {
		return false, nil, fmt.Errorf("evaluation: load dataset %d: %w", op.DatasetID, err)
	}
	if op.Type == operation.EvaluateSubmission && result.Evaluated(len(dataset.Testcases)) {
		result.EvaluationOutcome = datamodel.EvaluationDone
	}

	if err := s.store.CommitSubmissionResult(ctx, result); err != nil {
		if errors.Is(err, datamodel.ErrDuplicateResult) {
			return true, nil, nil
		}
		return false, nil, fmt.Errorf("evaluation: commit submission result: %w", err)
	}

	var newOps []queue.NewOperation
	switch op.Type {
	case operation.CompileSubmission:
		newOps = s.compilationEnded(ctx, op.ObjectID, op.DatasetID, result)
	case operation.EvaluateSubmission:
		if result.Evaluated(len(dataset.Testcases)) {
			newOps = s.evaluationEnded(ctx, op.ObjectID, op.DatasetID, result)
		}
	}
	return true, newOps, nil
}

func applyCompilationJob(result *datamodel.SubmissionResult, job operation.Job) {
	if !job.Success {
		result.CompilationTries++
		return
	}
	if job.Outcome == "ok" {
		result.CompilationOutcome = datamodel.CompilationSucceeded
		result.Executables = job.Executables
	} else {
		result.CompilationOutcome = datamodel.CompilationFailed
	}
}

// applyEvaluationJob records a worker's evaluation result and reports
// whether the submission's compilation must be invalidated: the worker
// failed the evaluation against an executable it had already flagged as
// a tombstone (a placeholder handed back because it could not produce a
// real one), so the "successful" compilation that produced it was never
// real (spec.md §4.7 "TombstoneFailure").
func applyEvaluationJob(result *datamodel.SubmissionResult, job operation.Job, testcase string) bool {
	if !job.Success {
		if job.Plus.Tombstone && tombstonedExecutable(result) {
			result.InvalidateCompilation()
			return true
		}
		result.EvaluationTries++
		return false
	}
	result.Evaluations[testcase] = datamodel.Evaluation{
		TestcaseCodename: testcase,
		Outcome:          job.Outcome,
		Text:             job.Text,
		ExecutionTime:    job.Plus.ExecutionTime,
		Memory:           job.Plus.Memory,
	}
	return false
}

func tombstonedExecutable(result *datamodel.SubmissionResult) bool {
	for _, digest := range result.Executables {
		if digest == operation.TombstoneDigest {
			return true
		}
	}
	return false
}

// submissionOperations re-derives every compile/evaluate operation a
// submission needs across all of its task's datasets, the same set
// get_submission_operations(submission) produces in the original:
// compile where compilation hasn't finished, evaluate whichever
// testcases are still missing where it has (spec.md §4.7).
func (s *Service) submissionOperations(ctx context.Context, submissionID int64) ([]queue.NewOperation, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("evaluation: load submission %d: %w", submissionID, err)
	}
	datasets, err := s.store.DatasetsToJudge(ctx, sub.TaskID)
	if err != nil {
		return nil, fmt.Errorf("evaluation: datasets to judge for task %d: %w", sub.TaskID, err)
	}

	now := time.Now()
	var ops []queue.NewOperation
	for _, ds := range datasets {
		result, err := s.store.GetOrCreateSubmissionResult(ctx, submissionID, ds.ID)
		if err != nil {
			return nil, fmt.Errorf("evaluation: load submission result: %w", err)
		}
		if !result.Compiled() {
			ops = append(ops, queue.NewOperation{
				Op: operation.Operation{
					Type:      operation.CompileSubmission,
					ObjectID:  submissionID,
					DatasetID: ds.ID,
				},
				Priority:  operation.PrioritySubmission,
				Timestamp: now,
			})
			continue
		}
		if result.CompilationSucceeded() {
			for _, tc := range ds.Testcases {
				if _, done := result.Evaluations[tc.Codename]; !done {
					ops = append(ops, queue.NewOperation{
						Op: operation.Operation{
							Type:             operation.EvaluateSubmission,
							ObjectID:         submissionID,
							DatasetID:        ds.ID,
							TestcaseCodename: tc.Codename,
						},
						Priority:  operation.PrioritySubmission,
						Timestamp: now,
					})
				}
			}
		}
	}
	return ops, nil
}

// compilationEnded mirrors EvaluationService.compilation_ended: on
// success it queues evaluation for every testcase; on a submission-fault
// failure it informs the scoring service; on an our-fault failure it
// just logs and returns no operations, logging an error once
// maxCompilationTries is reached.
func (s *Service) compilationEnded(ctx context.Context, submissionID, datasetID int64, result *datamodel.SubmissionResult) []queue.NewOperation {
	switch {
	case result.CompilationSucceeded():
		s.log.Info("submission compiled successfully", "submission", submissionID, "dataset", datasetID)
	case result.CompilationFailed():
		s.log.Info("submission did not compile", "submission", submissionID, "dataset", datasetID)
		if err := s.scoring.NewEvaluation(ctx, submissionID, datasetID); err != nil {
			s.log.Error("failed to notify scoring of compilation failure", "error", err)
		}
		return nil
	default:
		s.log.Warn("worker failed compiling submission", "submission", submissionID, "dataset", datasetID, "tries", result.CompilationTries)
		if result.CompilationTries >= maxCompilationTries {
			s.log.Error("giving up on compilation after max tries", "submission", submissionID, "dataset", datasetID)
		}
		return nil
	}

	dataset, err := s.store.GetDataset(ctx, datasetID)
	if err != nil {
		s.log.Error("failed to load dataset for evaluation fanout", "error", err)
		return nil
	}
	now := time.Now()
	ops := make([]queue.NewOperation, 0, len(dataset.Testcases))
	for _, tc := range dataset.Testcases {
		ops = append(ops, queue.NewOperation{
			Op: operation.Operation{
				Type:             operation.EvaluateSubmission,
				ObjectID:         submissionID,
				DatasetID:        datasetID,
				TestcaseCodename: tc.Codename,
			},
			Priority:  operation.PrioritySubmission,
			Timestamp: now,
		})
	}
	return ops
}

func (s *Service) evaluationEnded(ctx context.Context, submissionID, datasetID int64, result *datamodel.SubmissionResult) []queue.NewOperation {
	s.log.Info("submission evaluated", "submission", submissionID, "dataset", datasetID)
	if err := s.scoring.NewEvaluation(ctx, submissionID, datasetID); err != nil {
		s.log.Error("failed to notify scoring of evaluation", "error", err)
	}
	return nil
}

func (s *Service) writeUserTestResult(ctx context.Context, op operation.Operation, job operation.Job) (bool, []queue.NewOperation, error) {
	result, err := s.store.GetOrCreateUserTestResult(ctx, op.ObjectID, op.DatasetID)
	if err != nil {
		return false, nil, fmt.Errorf("evaluation: get or create user test result: %w", err)
	}

	switch op.Type {
	case operation.CompileUserTest:
		result.CompilationTries++
		if job.Success && job.Outcome == "ok" {
			result.CompilationOutcome = datamodel.CompilationSucceeded
			result.Executables = job.Executables
		} else if job.Success {
			result.CompilationOutcome = datamodel.CompilationFailed
		}
	case operation.EvaluateUserTest:
		result.EvaluationTries++
		if job.Success {
			result.Evaluation = &datamodel.Evaluation{
				Outcome:       job.Outcome,
				Text:          job.Text,
				ExecutionTime: job.Plus.ExecutionTime,
				Memory:        job.Plus.Memory,
			}
		}
	}

	if err := s.store.CommitUserTestResult(ctx, result); err != nil {
		if errors.Is(err, datamodel.ErrDuplicateResult) {
			return true, nil, nil
		}
		return false, nil, fmt.Errorf("evaluation: commit user test result: %w", err)
	}

	var newOps []queue.NewOperation
	if op.Type == operation.CompileUserTest && result.CompilationSucceeded() {
		newOps = append(newOps, queue.NewOperation{
			Op: operation.Operation{
				Type:      operation.EvaluateUserTest,
				ObjectID:  op.ObjectID,
				DatasetID: op.DatasetID,
			},
			Priority:  operation.PriorityUserTestInteraction,
			Timestamp: time.Now(),
		})
	}
	return true, newOps, nil
}

// BuildJobGroup implements queue.JobGroupBuilder: turn a batch of
// operation identities into the wire Job payloads a worker executes,
// fetching files from the store (spec.md §4.5 "Job.from_operation").
func (s *Service) BuildJobGroup(ctx context.Context, ops []operation.Operation) (operation.JobGroup, error) {
	var jobs []operation.Job
	var errs *multierror.Error
	for _, op := range ops {
		job, err := s.buildJob(ctx, op)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return operation.JobGroup{}, errs.ErrorOrNil()
	}
	return operation.JobGroup{Jobs: jobs}, nil
}

func (s *Service) buildJob(ctx context.Context, op operation.Operation) (operation.Job, error) {
	dataset, err := s.store.GetDataset(ctx, op.DatasetID)
	if err != nil {
		return operation.Job{}, fmt.Errorf("evaluation: load dataset %d: %w", op.DatasetID, err)
	}

	limits := operation.Limits{
		TimeLimitSeconds: dataset.TimeLimit,
		MemoryLimitBytes: dataset.MemoryLimitBytes,
	}

	var testcaseInput, testcaseOutput string
	if op.Type.IsEvaluate() {
		for _, tc := range dataset.Testcases {
			if tc.Codename == op.TestcaseCodename {
				testcaseInput, testcaseOutput = tc.Input, tc.Output
				break
			}
		}
	}

	if op.ForSubmission() {
		sub, err := s.store.GetSubmission(ctx, op.ObjectID)
		if err != nil {
			return operation.Job{}, fmt.Errorf("evaluation: load submission %d: %w", op.ObjectID, err)
		}
		files := sub.Files
		if op.Type.IsEvaluate() {
			result, err := s.store.GetSubmissionResult(ctx, op.ObjectID, op.DatasetID)
			if err != nil {
				return operation.Job{}, fmt.Errorf("evaluation: load submission result: %w", err)
			}
			files = mergeFiles(sub.Files, result.Executables)
		}
		return operation.FromOperation(op, sub.Language, files, limits, testcaseInput, testcaseOutput), nil
	}

	ut, err := s.store.GetUserTest(ctx, op.ObjectID)
	if err != nil {
		return operation.Job{}, fmt.Errorf("evaluation: load user test %d: %w", op.ObjectID, err)
	}
	files := ut.Files
	if op.Type.IsEvaluate() {
		testcaseInput = ut.Input
	}
	return operation.FromOperation(op, ut.Language, files, limits, testcaseInput, testcaseOutput), nil
}

func mergeFiles(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func pendingToOperation(p datamodel.PendingOperation) operation.Operation {
	return operation.Operation{
		Type:             operation.Type(p.Type),
		ObjectID:         p.ObjectID,
		DatasetID:        p.DatasetID,
		TestcaseCodename: p.TestcaseCodename,
	}
}

func unixToTime(epochSeconds float64) time.Time {
	return operation.DecodeTimestamp(epochSeconds)
}
