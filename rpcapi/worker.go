package rpcapi

import (
	"context"
	"fmt"

	"github.com/cms-dev/judgecore/operation"
)

// ExecuteJobGroupArgs/Reply are the wire shapes for the worker-facing
// "execute_job_group" RPC (spec.md §6, grounded on workerpool.py's
// self._worker.execute_job_group call). The worker process itself is
// outside this module's scope: WorkerRPCClient only speaks the client
// half of the protocol.
type ExecuteJobGroupArgs struct {
	JobGroup operation.Dict
}

type ExecuteJobGroupReply struct {
	JobGroup operation.Dict
}

type PrecacheArgs struct{ TaskID int64 }
type PrecacheReply struct{}

// WorkerRPCClient implements worker.Client by calling out to a real
// worker process over msgpack-RPC.
type WorkerRPCClient struct {
	addr   string
	client interface {
		Call(serviceMethod string, args, reply interface{}) error
		Close() error
	}
}

// DialWorker connects to the worker listening at addr.
func DialWorker(addr string) (*WorkerRPCClient, error) {
	c, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	return &WorkerRPCClient{addr: addr, client: c}, nil
}

func (w *WorkerRPCClient) Close() error { return w.client.Close() }

// ExecuteJobGroup implements worker.Client.
func (w *WorkerRPCClient) ExecuteJobGroup(ctx context.Context, jg operation.JobGroup) (operation.JobGroup, error) {
	args := &ExecuteJobGroupArgs{JobGroup: jg.ExportToDict()}
	var reply ExecuteJobGroupReply
	done := make(chan error, 1)
	go func() { done <- w.client.Call("Worker.ExecuteJobGroup", args, &reply) }()
	select {
	case err := <-done:
		if err != nil {
			return operation.JobGroup{}, fmt.Errorf("rpcapi: execute job group on %s: %w", w.addr, err)
		}
		result, err := operation.ImportJobGroupFromDict(reply.JobGroup)
		if err != nil {
			return operation.JobGroup{}, fmt.Errorf("rpcapi: decode job group result: %w", err)
		}
		return result, nil
	case <-ctx.Done():
		return operation.JobGroup{}, ctx.Err()
	}
}

// Precache implements worker.Client.
func (w *WorkerRPCClient) Precache(ctx context.Context, taskID int64) error {
	args := &PrecacheArgs{TaskID: taskID}
	var reply PrecacheReply
	return w.client.Call("Worker.Precache", args, &reply)
}

// Connected implements worker.Client. Connection liveness is not
// tracked: it always reports true, so the pool's CheckConnections sweep
// never disables a worker reached through this client. A failed
// ExecuteJobGroup call still releases the worker through the pool.
func (w *WorkerRPCClient) Connected() bool { return true }
