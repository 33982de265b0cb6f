package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/cms-dev/judgecore/operation"
	"github.com/cms-dev/judgecore/worker"
)

type fakeClient struct {
	connected bool
}

func (f *fakeClient) ExecuteJobGroup(ctx context.Context, jg operation.JobGroup) (operation.JobGroup, error) {
	return jg, nil
}
func (f *fakeClient) Precache(ctx context.Context, taskID int64) error { return nil }
func (f *fakeClient) Connected() bool                                 { return f.connected }

func TestData_SetActiveReleaseRoundTrip(t *testing.T) {
	d := worker.NewData(0, &fakeClient{connected: true})
	must.True(t, d.IsInactive())

	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	d.SetActive([]operation.Operation{op})
	must.True(t, d.IsActive())

	toConsider, toIgnore := d.Release()
	must.True(t, d.IsInactive())
	must.Eq(t, 1, len(toConsider))
	must.Eq(t, 0, len(toIgnore))
}

func TestData_IgnoreSplitsOnRelease(t *testing.T) {
	d := worker.NewData(0, &fakeClient{connected: true})
	op1 := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	op2 := operation.Operation{Type: operation.CompileSubmission, ObjectID: 2, DatasetID: 1}
	d.SetActive([]operation.Operation{op1, op2})

	must.True(t, d.Ignore(op2))

	toConsider, toIgnore := d.Release()
	must.Eq(t, 1, len(toConsider))
	must.Eq(t, 1, len(toIgnore))
	must.True(t, toConsider[0].Equal(op1))
	must.True(t, toIgnore[0].Equal(op2))
}

func TestData_DisableWhileActiveReturnsOperations(t *testing.T) {
	d := worker.NewData(0, &fakeClient{connected: true})
	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	d.SetActive([]operation.Operation{op})

	ops := d.Disable()
	must.Eq(t, 1, len(ops))
	must.True(t, d.IsDisabled())

	d.Enable()
	must.True(t, d.IsInactive())
}

func TestData_SetActiveAssignsBatchID(t *testing.T) {
	d := worker.NewData(0, &fakeClient{connected: true})
	must.Eq(t, "", d.BatchID())

	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	d.SetActive([]operation.Operation{op})
	first := d.BatchID()
	must.NotEq(t, "", first)

	d.SetActive([]operation.Operation{op})
	must.NotEq(t, first, d.BatchID())
}

func TestData_Stale(t *testing.T) {
	d := worker.NewData(0, &fakeClient{connected: true})
	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	d.SetActive([]operation.Operation{op})

	must.False(t, d.Stale(time.Now()))
	must.True(t, d.Stale(time.Now().Add(time.Hour)))
}
