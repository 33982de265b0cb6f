package rpcapi

import (
	"context"
	"fmt"
	"net"
	"net/rpc"

	"github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"

	"github.com/cms-dev/judgecore/datamodel"
	"github.com/cms-dev/judgecore/evaluation"
	"github.com/cms-dev/judgecore/operation"
	"github.com/cms-dev/judgecore/queue"
)

// WriteResultArgs/Reply are the wire shapes for EvaluationService's
// write_result RPC (spec.md §6 "write_result").
type WriteResultArgs struct {
	Operation operation.List
	Job       operation.Dict
}

// NewOperationWire is the msgpack-friendly form of queue.NewOperation.
type NewOperationWire struct {
	Operation     operation.List
	Priority      int
	TimestampUnix float64
}

type WriteResultReply struct {
	Success       bool
	NewOperations []NewOperationWire
}

type NewSubmissionArgs struct{ SubmissionID int64 }
type NewSubmissionReply struct{}

type NewUserTestArgs struct{ UserTestID int64 }
type NewUserTestReply struct{}

type NewSubmissionsArgs struct{ ContestID int64 }
type NewSubmissionsReply struct{ Count int }

type InvalidateSubmissionArgs struct {
	ContestID       int64
	SubmissionID    int64
	DatasetID       int64
	ParticipationID int64
	TaskID          int64
	Level           int
}
type InvalidateSubmissionReply struct{ Count int }

// BuildJobGroupArgs/Reply let a QueueService running in its own process
// ask an EvaluationService shard to turn operation identities into a
// wire JobGroup, since EvaluationService is the one holding the
// datamodel.Store connection (spec.md §4.5, generalized from
// workerpool.py's set_active, which builds the JobGroup directly from
// the database before dispatch).
type BuildJobGroupArgs struct {
	Operations []operation.List
}

type BuildJobGroupReply struct {
	JobGroup operation.Dict
}

// EvaluationServer exposes an evaluation.Service over net/rpc.
type EvaluationServer struct {
	svc     *evaluation.Service
	log     hclog.Logger
	bracket evaluation.InvalidateBracket
}

func NewEvaluationServer(log hclog.Logger, svc *evaluation.Service) *EvaluationServer {
	return &EvaluationServer{svc: svc, log: log.Named("rpcapi.evaluation")}
}

// SetInvalidateBracket wires the QueueService (local or, typically, a
// *QueueClient dialed over RPC) that InvalidateSubmission should
// bracket its fanout against. Left unset, InvalidateSubmission runs
// without telling the sweeper to stand down.
func (s *EvaluationServer) SetInvalidateBracket(b evaluation.InvalidateBracket) {
	s.bracket = b
}

func (s *EvaluationServer) WriteResult(args *WriteResultArgs, reply *WriteResultReply) error {
	op, err := operation.FromList(args.Operation)
	if err != nil {
		return fmt.Errorf("rpcapi: decode operation: %w", err)
	}
	job, err := operation.ImportFromDict(args.Job)
	if err != nil {
		return fmt.Errorf("rpcapi: decode job: %w", err)
	}
	success, newOps, err := s.svc.WriteResult(context.Background(), op, job)
	if err != nil {
		return err
	}
	reply.Success = success
	for _, n := range newOps {
		reply.NewOperations = append(reply.NewOperations, NewOperationWire{
			Operation:     n.Op.ToList(),
			Priority:      n.Priority,
			TimestampUnix: operation.EncodeTimestamp(n.Timestamp),
		})
	}
	return nil
}

func (s *EvaluationServer) NewSubmission(args *NewSubmissionArgs, _ *NewSubmissionReply) error {
	return s.svc.NewSubmission(context.Background(), args.SubmissionID)
}

func (s *EvaluationServer) NewUserTest(args *NewUserTestArgs, _ *NewUserTestReply) error {
	return s.svc.NewUserTest(context.Background(), args.UserTestID)
}

func (s *EvaluationServer) NewSubmissions(args *NewSubmissionsArgs, reply *NewSubmissionsReply) error {
	count, err := s.svc.NewSubmissions(context.Background(), args.ContestID)
	reply.Count = count
	return err
}

func (s *EvaluationServer) InvalidateSubmission(args *InvalidateSubmissionArgs, reply *InvalidateSubmissionReply) error {
	filter := datamodel.InvalidateFilter{
		ContestID:       args.ContestID,
		SubmissionID:    args.SubmissionID,
		DatasetID:       args.DatasetID,
		ParticipationID: args.ParticipationID,
		TaskID:          args.TaskID,
	}
	count, err := s.svc.InvalidateSubmission(context.Background(), filter, datamodel.InvalidateLevel(args.Level), s.bracket)
	reply.Count = count
	return err
}

func (s *EvaluationServer) BuildJobGroup(args *BuildJobGroupArgs, reply *BuildJobGroupReply) error {
	ops := make([]operation.Operation, 0, len(args.Operations))
	for _, w := range args.Operations {
		op, err := operation.FromList(w)
		if err != nil {
			return fmt.Errorf("rpcapi: decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	jg, err := s.svc.BuildJobGroup(context.Background(), ops)
	if err != nil {
		return err
	}
	reply.JobGroup = jg.ExportToDict()
	return nil
}

// ListenAndServe runs the EvaluationService RPC endpoint until ctx is done.
func (s *EvaluationServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpcapi: listen on %s: %w", addr, err)
	}
	server := rpc.NewServer()
	if err := server.Register(s); err != nil {
		return fmt.Errorf("rpcapi: register evaluation server: %w", err)
	}
	Serve(ctx, s.log, ln, func(conn net.Conn) {
		server.ServeCodec(msgpackrpc.NewServerCodec(conn))
	})
	return nil
}

// EvaluationClient dials a remote EvaluationServer and implements
// queue.EvaluationClient.
type EvaluationClient struct {
	client *rpc.Client
}

func DialEvaluation(addr string) (*EvaluationClient, error) {
	c, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	return &EvaluationClient{client: c}, nil
}

func (c *EvaluationClient) Close() error { return c.client.Close() }

// WriteResult implements queue.EvaluationClient.
func (c *EvaluationClient) WriteResult(ctx context.Context, op operation.Operation, job operation.Job) (bool, []queue.NewOperation, error) {
	args := &WriteResultArgs{Operation: op.ToList(), Job: job.ExportToDict()}
	var reply WriteResultReply
	if err := c.client.Call("EvaluationServer.WriteResult", args, &reply); err != nil {
		return false, nil, err
	}
	newOps := make([]queue.NewOperation, 0, len(reply.NewOperations))
	for _, n := range reply.NewOperations {
		decoded, err := operation.FromList(n.Operation)
		if err != nil {
			return false, nil, fmt.Errorf("rpcapi: decode new operation: %w", err)
		}
		newOps = append(newOps, queue.NewOperation{
			Op:        decoded,
			Priority:  n.Priority,
			Timestamp: operation.DecodeTimestamp(n.TimestampUnix),
		})
	}
	return reply.Success, newOps, nil
}

// InvalidateSubmission implements rpcapi.InvalidateResolver over RPC, so
// a QueueServer running in its own process can forward invalidate_
// submission calls to an EvaluationService shard, which is the one
// holding the datamodel.Store the filter resolution needs.
func (c *EvaluationClient) InvalidateSubmission(ctx context.Context, filter datamodel.InvalidateFilter, level datamodel.InvalidateLevel) (int, error) {
	args := &InvalidateSubmissionArgs{
		ContestID:       filter.ContestID,
		SubmissionID:    filter.SubmissionID,
		DatasetID:       filter.DatasetID,
		ParticipationID: filter.ParticipationID,
		TaskID:          filter.TaskID,
		Level:           int(level),
	}
	var reply InvalidateSubmissionReply
	if err := c.client.Call("EvaluationServer.InvalidateSubmission", args, &reply); err != nil {
		return 0, err
	}
	return reply.Count, nil
}

// BuildJobGroup implements queue.JobGroupBuilder over RPC: it lets a
// QueueService running in its own process ask this EvaluationService
// shard to resolve a batch of operation identities into a wire
// JobGroup, since building one needs the datamodel.Store that only
// EvaluationService holds (grounded on workerpool.py's set_active,
// which does the equivalent lookup in-process against the database
// right before dispatch).
func (c *EvaluationClient) BuildJobGroup(ctx context.Context, ops []operation.Operation) (operation.JobGroup, error) {
	args := &BuildJobGroupArgs{Operations: make([]operation.List, 0, len(ops))}
	for _, op := range ops {
		args.Operations = append(args.Operations, op.ToList())
	}
	var reply BuildJobGroupReply
	if err := c.client.Call("EvaluationServer.BuildJobGroup", args, &reply); err != nil {
		return operation.JobGroup{}, err
	}
	return operation.ImportJobGroupFromDict(reply.JobGroup)
}
