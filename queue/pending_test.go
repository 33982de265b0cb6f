package queue_test

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cms-dev/judgecore/operation"
	"github.com/cms-dev/judgecore/queue"
)

func TestPendingResults_AddPopFinalize(t *testing.T) {
	p := queue.NewPendingResults()
	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	job := operation.Job{Operation: op, Success: true}

	must.False(t, p.Contains(op))

	p.Add(op, job)
	must.True(t, p.Contains(op))

	gotOp, gotJob, err := p.Pop()
	require.NoError(t, err)
	must.True(t, op.Equal(gotOp))
	must.Eq(t, job.Success, gotJob.Success)

	// Still pending: now in "writes", not "results".
	must.True(t, p.Contains(op))

	require.NoError(t, p.Finalize(op))
	must.False(t, p.Contains(op))
}

func TestPendingResults_PopEmptyFails(t *testing.T) {
	p := queue.NewPendingResults()
	_, _, err := p.Pop()
	must.ErrorIs(t, err, queue.ErrNoResultsAvailable)
}

func TestPendingResults_FinalizeNotPendingFails(t *testing.T) {
	p := queue.NewPendingResults()
	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	err := p.Finalize(op)
	must.ErrorIs(t, err, queue.ErrOperationNotPending)
}

func TestPendingResults_WaitWakesOnAdd(t *testing.T) {
	p := queue.NewPendingResults()
	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before any result was added")
	case <-time.After(20 * time.Millisecond):
	}

	p.Add(op, operation.Job{Operation: op})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Add")
	}
}

// TestProperty_PendingResultsLaws exercises spec.md §8 invariant 8
// directly: add(op, j); pop() = (op, j); after finalize(op), op not
// pending.
func TestProperty_PendingResultsLaws(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := queue.NewPendingResults()
		op := operation.Operation{
			Type:      operation.Type(rapid.IntRange(0, 3).Draw(rt, "type")),
			ObjectID:  rapid.Int64Range(1, 1000).Draw(rt, "objectID"),
			DatasetID: rapid.Int64Range(1, 1000).Draw(rt, "datasetID"),
		}
		job := operation.Job{Operation: op, Success: rapid.Bool().Draw(rt, "success")}

		p.Add(op, job)
		gotOp, gotJob, err := p.Pop()
		if err != nil {
			rt.Fatalf("pop after add failed: %v", err)
		}
		if !gotOp.Equal(op) || gotJob.Success != job.Success {
			rt.Fatalf("pop returned %v/%v, want %v/%v", gotOp, gotJob, op, job)
		}

		if err := p.Finalize(op); err != nil {
			rt.Fatalf("finalize failed: %v", err)
		}
		if p.Contains(op) {
			rt.Fatalf("operation still pending after finalize")
		}
	})
}
