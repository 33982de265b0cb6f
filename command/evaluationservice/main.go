// Command evaluationservice runs the EvaluationService half of the
// grading dispatch core: the authoritative submission/user-test result
// state, the operation-derivation rules, and the JobGroup builder that
// QueueService calls back into at dispatch time (spec.md §4.1, §4.2).
//
// It is wired against an in-memory datamodel.Store and a fake
// datamodel.ScoringClient, since this module defines those interfaces
// but deliberately never implements a database binding or a contest
// management system RPC client (spec.md Non-goals). A real deployment
// links this command against its own Store/ScoringClient
// implementations instead of datamodel/memory.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/cms-dev/judgecore/config"
	"github.com/cms-dev/judgecore/datamodel/memory"
	"github.com/cms-dev/judgecore/evaluation"
	"github.com/cms-dev/judgecore/rpcapi"
	"github.com/cms-dev/judgecore/telemetry"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "evaluationservice",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})
	telemetry.Setup("evaluationservice")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := memory.New()
	scoring := &memory.FakeScoringClient{}
	svc := evaluation.New(log, store, scoring)

	var queueClient *rpcapi.QueueClient
	if cfg.QueueServiceAddr != "" {
		queueClient, err = rpcapi.DialQueue(cfg.QueueServiceAddr)
		if err != nil {
			log.Error("failed to dial queue service", "addr", cfg.QueueServiceAddr, "error", err)
		} else {
			svc.SetQueueClient(queueClient)
			defer queueClient.Close()
		}
	}

	server := rpcapi.NewEvaluationServer(log, svc)
	if queueClient != nil {
		server.SetInvalidateBracket(queueClient)
	}

	if err := server.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		log.Error("rpc server stopped", "error", err)
	}
}
