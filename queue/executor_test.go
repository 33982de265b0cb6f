package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/cms-dev/judgecore/helper/testlog"
	"github.com/cms-dev/judgecore/operation"
	"github.com/cms-dev/judgecore/queue"
	"github.com/cms-dev/judgecore/worker"
)

type fakeBuilder struct{}

func (fakeBuilder) BuildJobGroup(ctx context.Context, ops []operation.Operation) (operation.JobGroup, error) {
	jobs := make([]operation.Job, len(ops))
	for i, op := range ops {
		jobs[i] = operation.Job{Operation: op, Success: true}
	}
	return operation.JobGroup{Jobs: jobs}, nil
}

type instantClient struct{}

func (instantClient) ExecuteJobGroup(ctx context.Context, jg operation.JobGroup) (operation.JobGroup, error) {
	return jg, nil
}
func (instantClient) Precache(ctx context.Context, taskID int64) error { return nil }
func (instantClient) Connected() bool                                  { return true }

func TestExecutor_EnqueueDequeue(t *testing.T) {
	pool := worker.NewPool(nil)
	pool.AddWorker(0, instantClient{})
	x := queue.NewExecutor(testlog.HCLogger(t), pool, fakeBuilder{})

	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	must.True(t, x.Enqueue(op, operation.PrioritySubmission, time.Now()))
	must.False(t, x.Enqueue(op, operation.PrioritySubmission, time.Now()))
	must.True(t, x.Contains(op))

	must.True(t, x.Dequeue(op))
	must.False(t, x.Contains(op))
}

func TestExecutor_RunDispatchesToWorker(t *testing.T) {
	var gotShard int
	done := make(chan struct{}, 1)
	pool := worker.NewPool(func(shard int, result operation.JobGroup, toConsider, toIgnore []operation.Operation, err error) {
		gotShard = shard
		done <- struct{}{}
	})
	pool.AddWorker(0, instantClient{})

	x := queue.NewExecutor(testlog.HCLogger(t), pool, fakeBuilder{})
	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	x.Enqueue(op, operation.PrioritySubmission, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go x.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("batch never finished")
	}
	must.Eq(t, 0, gotShard)

	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool { return !x.Contains(op) }),
		wait.Timeout(time.Second),
		wait.Gap(10*time.Millisecond),
	))
}
