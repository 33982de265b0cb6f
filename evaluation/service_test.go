package evaluation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/cms-dev/judgecore/datamodel"
	"github.com/cms-dev/judgecore/datamodel/memory"
	"github.com/cms-dev/judgecore/evaluation"
	"github.com/cms-dev/judgecore/helper/testlog"
	"github.com/cms-dev/judgecore/operation"
)

type recordingQueueClient struct {
	mu       sync.Mutex
	enqueued []operation.Operation
}

func (q *recordingQueueClient) Enqueue(op operation.Operation, priority int, timestamp time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, op)
	return true
}

func newFixture(t *testing.T) (*memory.Store, *memory.FakeScoringClient, *evaluation.Service, *recordingQueueClient) {
	store := memory.New()
	store.AddDataset(&datamodel.Dataset{
		ID:     1,
		TaskID: 1,
		Testcases: []datamodel.Testcase{
			{Codename: "0"}, {Codename: "1"},
		},
	})
	store.AddSubmission(&datamodel.Submission{ID: 100, TaskID: 1, Language: "c++17", Files: map[string]string{"main.cpp": "digest"}})

	scoring := &memory.FakeScoringClient{}
	svc := evaluation.New(testlog.HCLogger(t), store, scoring)
	qc := &recordingQueueClient{}
	svc.SetQueueClient(qc)
	return store, scoring, svc, qc
}

func TestService_NewSubmissionEnqueuesCompile(t *testing.T) {
	_, _, svc, qc := newFixture(t)
	require.NoError(t, svc.NewSubmission(context.Background(), 100))
	must.Eq(t, 1, len(qc.enqueued))
	must.Eq(t, operation.CompileSubmission, qc.enqueued[0].Type)
}

func TestService_WriteResult_CompilationSuccessFansOutEvaluations(t *testing.T) {
	_, _, svc, qc := newFixture(t)
	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 100, DatasetID: 1}
	job := operation.Job{Operation: op, Success: true, Outcome: "ok", Executables: map[string]string{"main": "digest"}}

	success, newOps, err := svc.WriteResult(context.Background(), op, job)
	require.NoError(t, err)
	must.True(t, success)
	must.Eq(t, 2, len(newOps))
	for _, n := range newOps {
		must.Eq(t, operation.EvaluateSubmission, n.Op.Type)
	}
}

func TestService_WriteResult_CompilationFailureNotifiesScoring(t *testing.T) {
	_, scoring, svc, _ := newFixture(t)
	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 100, DatasetID: 1}
	job := operation.Job{Operation: op, Success: true, Outcome: "fail"}

	success, newOps, err := svc.WriteResult(context.Background(), op, job)
	require.NoError(t, err)
	must.True(t, success)
	must.Eq(t, 0, len(newOps))
	must.Eq(t, 1, scoring.CallCount())
}

func TestService_WriteResult_LastEvaluationFinalizesAndNotifiesScoring(t *testing.T) {
	_, scoring, svc, _ := newFixture(t)
	ctx := context.Background()

	compileOp := operation.Operation{Type: operation.CompileSubmission, ObjectID: 100, DatasetID: 1}
	_, _, err := svc.WriteResult(ctx, compileOp, operation.Job{Operation: compileOp, Success: true, Outcome: "ok"})
	require.NoError(t, err)

	for _, tc := range []string{"0", "1"} {
		op := operation.Operation{Type: operation.EvaluateSubmission, ObjectID: 100, DatasetID: 1, TestcaseCodename: tc}
		_, _, err := svc.WriteResult(ctx, op, operation.Job{Operation: op, Success: true, Outcome: "ok"})
		require.NoError(t, err)
	}

	must.Eq(t, 1, scoring.CallCount())
}

func TestService_MissingOperationsFindsUnjudgedSubmission(t *testing.T) {
	_, _, svc, _ := newFixture(t)
	missing, err := svc.MissingOperations(context.Background(), 0)
	require.NoError(t, err)
	must.Eq(t, 1, len(missing))
	must.Eq(t, operation.CompileSubmission, missing[0].Op.Type)
}

func TestService_WriteResult_TombstoneInvalidatesCompilationAndRederives(t *testing.T) {
	store, _, svc, _ := newFixture(t)
	ctx := context.Background()

	compileOp := operation.Operation{Type: operation.CompileSubmission, ObjectID: 100, DatasetID: 1}
	_, _, err := svc.WriteResult(ctx, compileOp, operation.Job{
		Operation: compileOp, Success: true, Outcome: "ok",
		Executables: map[string]string{"main": operation.TombstoneDigest},
	})
	require.NoError(t, err)

	evalOp := operation.Operation{Type: operation.EvaluateSubmission, ObjectID: 100, DatasetID: 1, TestcaseCodename: "0"}
	success, newOps, err := svc.WriteResult(ctx, evalOp, operation.Job{
		Operation: evalOp, Success: false, Plus: operation.Plus{Tombstone: true},
	})
	require.NoError(t, err)
	must.True(t, success)

	// The submission's compilation needs redoing on every dataset it's
	// judged on, not just the one that failed evaluation.
	must.Eq(t, 1, len(newOps))
	must.Eq(t, operation.CompileSubmission, newOps[0].Op.Type)
	must.Eq(t, int64(1), newOps[0].Op.DatasetID)

	result, err := store.GetSubmissionResult(ctx, 100, 1)
	require.NoError(t, err)
	must.False(t, result.Compiled())
	must.Eq(t, 0, len(result.Evaluations))
}

func TestService_WriteResult_NonTombstoneEvaluationFailureRetriesNormally(t *testing.T) {
	store, _, svc, _ := newFixture(t)
	ctx := context.Background()

	compileOp := operation.Operation{Type: operation.CompileSubmission, ObjectID: 100, DatasetID: 1}
	_, _, err := svc.WriteResult(ctx, compileOp, operation.Job{
		Operation: compileOp, Success: true, Outcome: "ok",
		Executables: map[string]string{"main": "digest"},
	})
	require.NoError(t, err)

	evalOp := operation.Operation{Type: operation.EvaluateSubmission, ObjectID: 100, DatasetID: 1, TestcaseCodename: "0"}
	success, newOps, err := svc.WriteResult(ctx, evalOp, operation.Job{Operation: evalOp, Success: false})
	require.NoError(t, err)
	must.True(t, success)
	must.Eq(t, 0, len(newOps))

	result, err := store.GetSubmissionResult(ctx, 100, 1)
	require.NoError(t, err)
	must.True(t, result.CompilationSucceeded())
	must.Eq(t, 1, result.EvaluationTries)
}

// duplicateOnceStore wraps a *memory.Store and makes its first
// CommitSubmissionResult call fail with datamodel.ErrDuplicateResult,
// simulating a concurrent writer that already inserted the row.
type duplicateOnceStore struct {
	*memory.Store
	mu   sync.Mutex
	left int
}

func (d *duplicateOnceStore) CommitSubmissionResult(ctx context.Context, result *datamodel.SubmissionResult) error {
	d.mu.Lock()
	if d.left > 0 {
		d.left--
		d.mu.Unlock()
		return datamodel.ErrDuplicateResult
	}
	d.mu.Unlock()
	return d.Store.CommitSubmissionResult(ctx, result)
}

func TestService_WriteResult_DuplicateCommitIsIdempotentSuccess(t *testing.T) {
	store := memory.New()
	store.AddDataset(&datamodel.Dataset{ID: 1, TaskID: 1, Testcases: []datamodel.Testcase{{Codename: "0"}}})
	store.AddSubmission(&datamodel.Submission{ID: 100, TaskID: 1, Language: "c++17"})
	wrapped := &duplicateOnceStore{Store: store, left: 1}

	svc := evaluation.New(testlog.HCLogger(t), wrapped, &memory.FakeScoringClient{})
	svc.SetQueueClient(&recordingQueueClient{})

	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 100, DatasetID: 1}
	success, newOps, err := svc.WriteResult(context.Background(), op, operation.Job{Operation: op, Success: true, Outcome: "ok"})
	require.NoError(t, err)
	must.True(t, success)
	must.Eq(t, 0, len(newOps))
}

func TestService_BuildJobGroup(t *testing.T) {
	_, _, svc, _ := newFixture(t)
	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 100, DatasetID: 1}
	jg, err := svc.BuildJobGroup(context.Background(), []operation.Operation{op})
	require.NoError(t, err)
	must.Eq(t, 1, len(jg.Jobs))
	must.Eq(t, "c++17", jg.Jobs[0].Language)
}
