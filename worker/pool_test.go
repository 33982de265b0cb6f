package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/cms-dev/judgecore/operation"
	"github.com/cms-dev/judgecore/worker"
)

type blockingClient struct {
	connected bool
	release   chan struct{}
}

func newBlockingClient() *blockingClient {
	return &blockingClient{connected: true, release: make(chan struct{})}
}

func (c *blockingClient) ExecuteJobGroup(ctx context.Context, jg operation.JobGroup) (operation.JobGroup, error) {
	<-c.release
	return jg, nil
}
func (c *blockingClient) Precache(ctx context.Context, taskID int64) error { return nil }
func (c *blockingClient) Connected() bool                                 { return c.connected }

func TestPool_AcquireAndRelease(t *testing.T) {
	var mu sync.Mutex
	var finished []int
	p := worker.NewPool(func(shard int, result operation.JobGroup, toConsider, toIgnore []operation.Operation, err error) {
		mu.Lock()
		finished = append(finished, shard)
		mu.Unlock()
	})

	client := newBlockingClient()
	p.AddWorker(0, client)

	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	ctx := context.Background()
	ok := p.AcquireWorker(ctx, []operation.Operation{op}, operation.JobGroup{})
	must.True(t, ok)

	// No free workers left.
	ok = p.AcquireWorker(ctx, []operation.Operation{op}, operation.JobGroup{})
	must.False(t, ok)

	close(client.release)

	must.Wait(t, wait.InitialSuccess(
		wait.ErrorFunc(func() error {
			mu.Lock()
			defer mu.Unlock()
			if len(finished) != 1 {
				return errors.New("waiting for batch to finish")
			}
			return nil
		}),
		wait.Timeout(time.Second),
		wait.Gap(10*time.Millisecond),
	))

	// Worker should be free again.
	must.Wait(t, wait.InitialSuccess(
		wait.ErrorFunc(func() error {
			if !p.AcquireWorker(ctx, []operation.Operation{op}, operation.JobGroup{}) {
				return errors.New("waiting for worker to be free")
			}
			return nil
		}),
		wait.Timeout(time.Second),
		wait.Gap(10*time.Millisecond),
	))
}

func TestPool_DisableExcludesFromAcquisition(t *testing.T) {
	p := worker.NewPool(nil)
	p.AddWorker(0, newBlockingClient())

	_, err := p.DisableWorker(0)
	must.NoError(t, err)

	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	ok := p.AcquireWorker(context.Background(), []operation.Operation{op}, operation.JobGroup{})
	must.False(t, ok)

	must.NoError(t, p.EnableWorker(0))
	ok = p.AcquireWorker(context.Background(), []operation.Operation{op}, operation.JobGroup{})
	must.True(t, ok)
}

func TestPool_CheckTimeoutsDisablesStaleWorkers(t *testing.T) {
	p := worker.NewPool(nil)
	p.AddWorker(0, newBlockingClient())
	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	must.True(t, p.AcquireWorker(context.Background(), []operation.Operation{op}, operation.JobGroup{}))

	stale := p.CheckTimeouts(time.Now().Add(2 * time.Hour))
	must.Eq(t, 1, len(stale[0]))
}
