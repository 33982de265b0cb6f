package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/cms-dev/judgecore/helper/testlog"
	"github.com/cms-dev/judgecore/operation"
	"github.com/cms-dev/judgecore/queue"
	"github.com/cms-dev/judgecore/worker"
)

type recordingEvalClient struct {
	mu      sync.Mutex
	written []operation.Operation
}

func (c *recordingEvalClient) WriteResult(ctx context.Context, op operation.Operation, job operation.Job) (bool, []queue.NewOperation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, op)
	return job.Success, nil, nil
}

func (c *recordingEvalClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func TestService_EnqueueRejectsDuplicates(t *testing.T) {
	pool := worker.NewPool(nil)
	pool.AddWorker(0, instantClient{})
	svc := queue.New(queue.Config{
		Log:     testlog.HCLogger(t),
		Pool:    pool,
		Builder: fakeBuilder{},
	})

	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	must.True(t, svc.Enqueue(op, operation.PrioritySubmission, time.Now()))
	must.False(t, svc.Enqueue(op, operation.PrioritySubmission, time.Now()))
}

func TestService_EndToEndDelivery(t *testing.T) {
	pool := worker.NewPool(nil)
	pool.AddWorker(0, instantClient{})
	client := &recordingEvalClient{}
	svc := queue.New(queue.Config{
		Log:               testlog.HCLogger(t),
		Pool:              pool,
		Builder:           fakeBuilder{},
		EvaluationClients: []queue.EvaluationClient{client},
	})

	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	svc.Enqueue(op, operation.PrioritySubmission, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go svc.Run(ctx)

	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool { return client.count() == 1 }),
		wait.Timeout(time.Second),
		wait.Gap(10*time.Millisecond),
	))
}
