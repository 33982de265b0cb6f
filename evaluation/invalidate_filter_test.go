package evaluation_test

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/cms-dev/judgecore/datamodel"
	"github.com/cms-dev/judgecore/operation"
)

func TestInvalidateSubmission_CompilationImpliesEvaluation(t *testing.T) {
	store, _, svc, qc := newFixture(t)
	ctx := context.Background()

	compileOp := operation.Operation{Type: operation.CompileSubmission, ObjectID: 100, DatasetID: 1}
	_, _, err := svc.WriteResult(ctx, compileOp, operation.Job{Operation: compileOp, Success: true, Outcome: "ok"})
	require.NoError(t, err)
	for _, tc := range []string{"0", "1"} {
		op := operation.Operation{Type: operation.EvaluateSubmission, ObjectID: 100, DatasetID: 1, TestcaseCodename: tc}
		_, _, err := svc.WriteResult(ctx, op, operation.Job{Operation: op, Success: true, Outcome: "ok"})
		require.NoError(t, err)
	}
	qc.enqueued = nil

	count, err := svc.InvalidateSubmission(ctx, datamodel.InvalidateFilter{SubmissionID: 100}, datamodel.InvalidateCompilation, nil)
	require.NoError(t, err)
	must.Eq(t, 1, count)

	result, err := store.GetSubmissionResult(ctx, 100, 1)
	require.NoError(t, err)
	must.False(t, result.Compiled())
	must.Eq(t, 0, len(result.Evaluations))

	must.Eq(t, 1, len(qc.enqueued))
	must.Eq(t, operation.CompileSubmission, qc.enqueued[0].Type)
}

func TestInvalidateSubmission_EvaluationOnlyKeepsCompilation(t *testing.T) {
	store, _, svc, qc := newFixture(t)
	ctx := context.Background()

	compileOp := operation.Operation{Type: operation.CompileSubmission, ObjectID: 100, DatasetID: 1}
	_, _, err := svc.WriteResult(ctx, compileOp, operation.Job{Operation: compileOp, Success: true, Outcome: "ok"})
	require.NoError(t, err)
	qc.enqueued = nil

	count, err := svc.InvalidateSubmission(ctx, datamodel.InvalidateFilter{SubmissionID: 100}, datamodel.InvalidateEvaluation, nil)
	require.NoError(t, err)
	must.Eq(t, 1, count)

	result, err := store.GetSubmissionResult(ctx, 100, 1)
	require.NoError(t, err)
	must.True(t, result.Compiled())
	must.Eq(t, 2, len(qc.enqueued))
}
