package rpcapi

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"time"

	"github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"

	"github.com/cms-dev/judgecore/datamodel"
	"github.com/cms-dev/judgecore/operation"
	"github.com/cms-dev/judgecore/queue"
)

// EnqueueArgs/EnqueueReply are the wire shapes for QueueService.Enqueue,
// using operation.List so the operation identity survives a msgpack
// round trip without a registered concrete type (spec.md §6 "Job...
// opaque, msgpack-able").
type EnqueueArgs struct {
	Operation     operation.List
	Priority      int
	TimestampUnix float64
}

type EnqueueReply struct {
	Enqueued bool
}

// DisableWorkerArgs/Reply and EnableWorkerArgs/Reply carry a worker
// shard number.
type DisableWorkerArgs struct{ Shard int }
type DisableWorkerReply struct{ OK bool }
type EnableWorkerArgs struct{ Shard int }
type EnableWorkerReply struct{ OK bool }

// InvalidateResolver resolves an InvalidateFilter and re-derives
// operations for whatever it names. QueueService itself never holds a
// datamodel.Store, so QueueServer.InvalidateSubmission forwards to
// whichever EvaluationService shard does — typically an
// *EvaluationClient dialed over RPC — rather than implementing the
// filter resolution locally. This keeps spec.md §6's documented surface
// (invalidate_submission lives on QueueService) intact while the
// resolution logic itself stays next to the store it needs
// (evaluation.Service.InvalidateSubmission).
type InvalidateResolver interface {
	InvalidateSubmission(ctx context.Context, filter datamodel.InvalidateFilter, level datamodel.InvalidateLevel) (int, error)
}

// QueueServer exposes a queue.Service over net/rpc. Method names match
// the original QueueService RPC surface (spec.md §6).
type QueueServer struct {
	svc      *queue.Service
	log      hclog.Logger
	resolver InvalidateResolver
}

// NewQueueServer wraps svc for RPC exposure.
func NewQueueServer(log hclog.Logger, svc *queue.Service) *QueueServer {
	return &QueueServer{svc: svc, log: log.Named("rpcapi.queue")}
}

// SetInvalidateResolver wires the collaborator InvalidateSubmission
// forwards to. Left unset, InvalidateSubmission fails every call rather
// than silently doing nothing.
func (s *QueueServer) SetInvalidateResolver(r InvalidateResolver) {
	s.resolver = r
}

func (s *QueueServer) Enqueue(args *EnqueueArgs, reply *EnqueueReply) error {
	op, err := operation.FromList(args.Operation)
	if err != nil {
		return fmt.Errorf("rpcapi: decode operation: %w", err)
	}
	ts := operation.DecodeTimestamp(args.TimestampUnix)
	reply.Enqueued = s.svc.Enqueue(op, args.Priority, ts)
	return nil
}

func (s *QueueServer) DisableWorker(args *DisableWorkerArgs, reply *DisableWorkerReply) error {
	err := s.svc.DisableWorker(args.Shard)
	reply.OK = err == nil
	return err
}

func (s *QueueServer) EnableWorker(args *EnableWorkerArgs, reply *EnableWorkerReply) error {
	err := s.svc.EnableWorker(args.Shard)
	reply.OK = err == nil
	return err
}

// BeginInvalidateArgs/Reply and EndInvalidateArgs/Reply carry no data:
// they just bracket an in-flight InvalidateSubmission fanout so the
// sweeper on this QueueService knows to stay out of the way (spec.md
// §9 "Sweeper blockers").
type BeginInvalidateArgs struct{}
type BeginInvalidateReply struct{}
type EndInvalidateArgs struct{}
type EndInvalidateReply struct{}

func (s *QueueServer) BeginInvalidate(_ *BeginInvalidateArgs, _ *BeginInvalidateReply) error {
	s.svc.BeginInvalidate()
	return nil
}

func (s *QueueServer) EndInvalidate(_ *EndInvalidateArgs, _ *EndInvalidateReply) error {
	s.svc.EndInvalidate()
	return nil
}

// WorkersStatusArgs is empty: the RPC takes no parameters.
type WorkersStatusArgs struct{}

// WorkersStatusReply carries a flattened worker status snapshot;
// worker.Status itself is kept simple and msgpack-friendly.
type WorkersStatusReply struct {
	Shards []int
	States []string
}

func (s *QueueServer) WorkersStatus(args *WorkersStatusArgs, reply *WorkersStatusReply) error {
	for _, st := range s.svc.WorkersStatus() {
		reply.Shards = append(reply.Shards, st.Shard)
		reply.States = append(reply.States, st.State)
	}
	return nil
}

// QueueStatusArgs is empty: the RPC takes no parameters.
type QueueStatusArgs struct{}

// QueueStatusEntryWire is the msgpack-friendly form of queue.QueueEntry.
type QueueStatusEntryWire struct {
	Operation     operation.List
	Priority      int
	TimestampUnix float64
	Multiplicity  int
}

type QueueStatusReply struct {
	Entries []QueueStatusEntryWire
}

func (s *QueueServer) QueueStatus(_ *QueueStatusArgs, reply *QueueStatusReply) error {
	for _, e := range s.svc.QueueStatus() {
		reply.Entries = append(reply.Entries, QueueStatusEntryWire{
			Operation:     e.Operation.ToList(),
			Priority:      e.Priority,
			TimestampUnix: operation.EncodeTimestamp(e.Timestamp),
			Multiplicity:  e.Multiplicity,
		})
	}
	return nil
}

// InvalidateSubmission forwards to the wired InvalidateResolver. Args/Reply
// are shared with EvaluationServer.InvalidateSubmission (rpcapi/evaluation.go):
// both expose the same filter/level shape spec.md §6 documents, just at
// different points in this repo's process topology.
func (s *QueueServer) InvalidateSubmission(args *InvalidateSubmissionArgs, reply *InvalidateSubmissionReply) error {
	if s.resolver == nil {
		return fmt.Errorf("rpcapi: queue server has no invalidate resolver wired")
	}
	filter := datamodel.InvalidateFilter{
		ContestID:       args.ContestID,
		SubmissionID:    args.SubmissionID,
		DatasetID:       args.DatasetID,
		ParticipationID: args.ParticipationID,
		TaskID:          args.TaskID,
	}
	count, err := s.resolver.InvalidateSubmission(context.Background(), filter, datamodel.InvalidateLevel(args.Level))
	reply.Count = count
	return err
}

// ListenAndServe runs the QueueService RPC endpoint until ctx is done.
func (s *QueueServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpcapi: listen on %s: %w", addr, err)
	}
	server := rpc.NewServer()
	if err := server.Register(s); err != nil {
		return fmt.Errorf("rpcapi: register queue server: %w", err)
	}
	Serve(ctx, s.log, ln, func(conn net.Conn) {
		server.ServeCodec(msgpackrpc.NewServerCodec(conn))
	})
	return nil
}

// QueueClient dials a remote QueueServer and implements
// evaluation.QueueClient.
type QueueClient struct {
	client *rpc.Client
}

// DialQueue connects to a QueueServer at addr.
func DialQueue(addr string) (*QueueClient, error) {
	c, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	return &QueueClient{client: c}, nil
}

func (c *QueueClient) Close() error { return c.client.Close() }

// Enqueue implements evaluation.QueueClient.
func (c *QueueClient) Enqueue(op operation.Operation, priority int, timestamp time.Time) bool {
	args := &EnqueueArgs{
		Operation:     op.ToList(),
		Priority:      priority,
		TimestampUnix: operation.EncodeTimestamp(timestamp),
	}
	var reply EnqueueReply
	if err := c.client.Call("QueueServer.Enqueue", args, &reply); err != nil {
		return false
	}
	return reply.Enqueued
}

// BeginInvalidate/EndInvalidate implement evaluation.InvalidateBracket
// (the interface queue.Service itself satisfies in-process) over RPC,
// so EvaluationServer.InvalidateSubmission can bracket its fanout
// against a QueueService running in a separate process. Dial errors
// are swallowed: missing the bracket only risks the sweeper racing a
// slow invalidate, not correctness of the invalidate itself.
func (c *QueueClient) BeginInvalidate() {
	var reply BeginInvalidateReply
	_ = c.client.Call("QueueServer.BeginInvalidate", &BeginInvalidateArgs{}, &reply)
}

func (c *QueueClient) EndInvalidate() {
	var reply EndInvalidateReply
	_ = c.client.Call("QueueServer.EndInvalidate", &EndInvalidateArgs{}, &reply)
}

// QueueStatus calls QueueServer.QueueStatus (spec.md §6 "queue_status").
func (c *QueueClient) QueueStatus() ([]queue.QueueEntry, error) {
	var reply QueueStatusReply
	if err := c.client.Call("QueueServer.QueueStatus", &QueueStatusArgs{}, &reply); err != nil {
		return nil, err
	}
	out := make([]queue.QueueEntry, 0, len(reply.Entries))
	for _, e := range reply.Entries {
		op, err := operation.FromList(e.Operation)
		if err != nil {
			return nil, fmt.Errorf("rpcapi: decode queue status operation: %w", err)
		}
		out = append(out, queue.QueueEntry{
			Operation:    op,
			Priority:     e.Priority,
			Timestamp:    operation.DecodeTimestamp(e.TimestampUnix),
			Multiplicity: e.Multiplicity,
		})
	}
	return out, nil
}

// InvalidateSubmission calls QueueServer.InvalidateSubmission (spec.md §6
// "invalidate_submission"), which forwards to whichever EvaluationService
// shard that QueueServer was wired against.
func (c *QueueClient) InvalidateSubmission(filter datamodel.InvalidateFilter, level datamodel.InvalidateLevel) (int, error) {
	args := &InvalidateSubmissionArgs{
		ContestID:       filter.ContestID,
		SubmissionID:    filter.SubmissionID,
		DatasetID:       filter.DatasetID,
		ParticipationID: filter.ParticipationID,
		TaskID:          filter.TaskID,
		Level:           int(level),
	}
	var reply InvalidateSubmissionReply
	if err := c.client.Call("QueueServer.InvalidateSubmission", args, &reply); err != nil {
		return 0, err
	}
	return reply.Count, nil
}
