package operation_test

import (
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/cms-dev/judgecore/ci"
	"github.com/cms-dev/judgecore/operation"
)

func TestJob_ExportImportRoundTrip(t *testing.T) {
	ci.Parallel(t)
	op := operation.Operation{Type: operation.EvaluateSubmission, ObjectID: 1, DatasetID: 2, TestcaseCodename: "t1"}
	job := operation.Job{
		Operation:      op,
		Language:       "C++17 / g++",
		Files:          map[string]string{"source": "digest-abc"},
		TestcaseInput:  "digest-in",
		TestcaseOutput: "digest-out",
		Limits:         operation.Limits{TimeLimitSeconds: 2.5, MemoryLimitBytes: 256 << 20},
		Success:        true,
		Plus:           operation.Plus{ExitStatus: "OK", ExecutionTime: 0.42, Memory: 1024},
		Outcome:        "1.0",
		Text:           []string{"Output is correct"},
	}

	decoded, err := operation.ImportFromDict(job.ExportToDict())
	require.NoError(t, err)

	must.True(t, op.Equal(decoded.Operation))
	must.Eq(t, job.Language, decoded.Language)
	must.Eq(t, job.TestcaseInput, decoded.TestcaseInput)
	must.Eq(t, job.TestcaseOutput, decoded.TestcaseOutput)
	must.Eq(t, job.Success, decoded.Success)
	must.Eq(t, job.Plus.ExitStatus, decoded.Plus.ExitStatus)
	must.Eq(t, job.Plus.Memory, decoded.Plus.Memory)
	must.Eq(t, job.Outcome, decoded.Outcome)
}

func TestJobGroup_ExportImportRoundTrip(t *testing.T) {
	ci.Parallel(t)
	group := operation.JobGroup{Jobs: []operation.Job{
		{Operation: operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}},
		{Operation: operation.Operation{Type: operation.EvaluateSubmission, ObjectID: 1, DatasetID: 1, TestcaseCodename: "tc"}},
	}}

	decoded, err := operation.ImportJobGroupFromDict(group.ExportToDict())
	require.NoError(t, err)
	require.Len(t, decoded.Jobs, 2)
	must.True(t, group.Jobs[0].Operation.Equal(decoded.Jobs[0].Operation))
	must.True(t, group.Jobs[1].Operation.Equal(decoded.Jobs[1].Operation))
}

func TestJobGroup_ImportFromGenericWireShape(t *testing.T) {
	ci.Parallel(t)
	// Simulates what a generic msgpack decode into interface{} produces:
	// []interface{} of map[string]interface{}, rather than the concrete
	// []Dict the in-process ExportToDict constructs.
	wire := operation.Dict{
		"jobs": []interface{}{
			map[string]interface{}{
				"operation": map[string]interface{}{
					"type":              "compile_submission",
					"object_id":         int64(5),
					"dataset_id":        int64(6),
					"testcase_codename": nil,
				},
			},
		},
	}
	decoded, err := operation.ImportJobGroupFromDict(wire)
	require.NoError(t, err)
	require.Len(t, decoded.Jobs, 1)
	must.Eq(t, operation.CompileSubmission, decoded.Jobs[0].Operation.Type)
}
