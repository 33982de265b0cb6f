// Command debugsubmission compiles and evaluates one submission outside
// the normal dispatch flow, for local debugging. It asks a running
// EvaluationService to build the JobGroup (so it exercises the exact
// payload the dispatch core would build) and hands it directly to one
// worker, bypassing the priority queue and PendingResults entirely
// (grounded on cmscontrib/DebugSubmission.py, which compiles and
// evaluates a single submission/testcase pair in-process against the
// database instead of going through QueueService).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/cms-dev/judgecore/operation"
	"github.com/cms-dev/judgecore/rpcapi"
)

func main() {
	var (
		evaluationAddr = flag.String("evaluation-service", "127.0.0.1:9000", "address of the EvaluationService to build job payloads from")
		workerAddr     = flag.String("worker", "127.0.0.1:9100", "address of the worker to run the job group on")
		datasetID      = flag.Int64("dataset-id", 0, "dataset to test against")
		testcase       = flag.String("testcase", "", "codename of the testcase to debug")
	)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: debugsubmission -dataset-id ID -testcase CODENAME SUBMISSION_ID")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 || *datasetID == 0 || *testcase == "" {
		flag.Usage()
		os.Exit(2)
	}
	var submissionID int64
	if _, err := fmt.Sscanf(flag.Arg(0), "%d", &submissionID); err != nil {
		fmt.Fprintln(os.Stderr, "invalid submission id:", flag.Arg(0))
		os.Exit(2)
	}

	log := hclog.New(&hclog.LoggerOptions{Name: "debugsubmission", Level: hclog.Info})

	evalClient, err := rpcapi.DialEvaluation(*evaluationAddr)
	if err != nil {
		log.Error("failed to dial evaluation service", "error", err)
		os.Exit(1)
	}
	defer evalClient.Close()

	workerClient, err := rpcapi.DialWorker(*workerAddr)
	if err != nil {
		log.Error("failed to dial worker", "error", err)
		os.Exit(1)
	}
	defer workerClient.Close()

	ctx := context.Background()

	ops := []operation.Operation{
		{Type: operation.CompileSubmission, ObjectID: submissionID, DatasetID: *datasetID},
		{Type: operation.EvaluateSubmission, ObjectID: submissionID, DatasetID: *datasetID, TestcaseCodename: *testcase},
	}

	jg, err := evalClient.BuildJobGroup(ctx, ops)
	if err != nil {
		log.Error("failed to build job group", "error", err)
		os.Exit(1)
	}

	result, err := workerClient.ExecuteJobGroup(ctx, jg)
	if err != nil {
		log.Error("worker failed to execute job group", "error", err)
		os.Exit(1)
	}

	for _, job := range result.Jobs {
		fmt.Printf("%s: success=%v outcome=%q\n", job.Operation.String(), job.Success, job.Outcome)
		for _, line := range job.Text {
			fmt.Printf("  %s\n", line)
		}
	}
}
