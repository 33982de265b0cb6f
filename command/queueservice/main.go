// Command queueservice runs the QueueService half of the grading
// dispatch core: the priority queue, the worker pool, and the
// background result dispatcher (spec.md §4).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/cms-dev/judgecore/config"
	"github.com/cms-dev/judgecore/queue"
	"github.com/cms-dev/judgecore/rpcapi"
	"github.com/cms-dev/judgecore/telemetry"
	"github.com/cms-dev/judgecore/worker"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "queueservice",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})
	telemetry.Setup("queueservice")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool := worker.NewPool(nil)
	for i, addr := range cfg.WorkerAddrs {
		client, err := rpcapi.DialWorker(addr)
		if err != nil {
			log.Error("failed to dial worker, skipping", "shard", i, "addr", addr, "error", err)
			continue
		}
		pool.AddWorker(i, client)
	}

	var evalClients []queue.EvaluationClient
	var rpcEvalClients []*rpcapi.EvaluationClient
	for _, addr := range cfg.EvaluationServiceAddrs {
		client, err := rpcapi.DialEvaluation(addr)
		if err != nil {
			log.Error("failed to dial evaluation service, skipping", "addr", addr, "error", err)
			continue
		}
		evalClients = append(evalClients, client)
		rpcEvalClients = append(rpcEvalClients, client)
	}

	if len(rpcEvalClients) == 0 {
		log.Error("no evaluation services reachable, cannot build job groups")
		os.Exit(1)
	}

	// Any connected shard can resolve operation identities into a
	// JobGroup; the original does this lookup per batch right before
	// dispatch (workerpool.py's set_active), so picking a fixed shard
	// here just moves that query behind the wire instead of the DB.
	builder := rpcEvalClients[0]
	svc := queue.New(queue.Config{
		Log:               log,
		Pool:              pool,
		Builder:           builder,
		EvaluationClients: evalClients,
	})

	server := rpcapi.NewQueueServer(log, svc)
	server.SetInvalidateResolver(builder)

	go periodicTimeoutChecks(ctx, log, svc)

	go func() {
		if err := server.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
			log.Error("rpc server stopped", "error", err)
		}
	}()

	svc.Run(ctx)
}

func periodicTimeoutChecks(ctx context.Context, log hclog.Logger, svc *queue.Service) {
	timeoutTicker := time.NewTicker(300 * time.Second)
	connTicker := time.NewTicker(10 * time.Second)
	defer timeoutTicker.Stop()
	defer connTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timeoutTicker.C:
			if n := svc.CheckWorkerTimeouts(); n > 0 {
				log.Info("re-enqueued operations after worker timeout", "count", n)
			}
		case <-connTicker.C:
			if n := svc.CheckWorkerConnections(); n > 0 {
				log.Info("re-enqueued operations after worker disconnect", "count", n)
			}
		}
	}
}
