package operation

import "fmt"

// Limits carries the time/memory limits a worker must enforce while
// running a Job. Zero values mean "no limit configured" and are passed
// through to the sandbox as-is; judgecore never interprets them.
type Limits struct {
	TimeLimitSeconds  float64
	MemoryLimitBytes  int64
}

// Plus carries out-of-band information a worker attaches to a result that
// is not part of the grading outcome proper: execution accounting and the
// tombstone flag.
type Plus struct {
	ExitStatus    string
	ExecutionTime float64
	Memory        int64
	Tombstone     bool
}

// TombstoneDigest is the sentinel digest a worker stores as a submission's
// compiled executable when it could not build a real one but still needs
// to hand back *something* so the normal evaluate fan-out can run and fail
// loudly instead of silently never producing a result. An evaluate job
// that fails against an executable carrying this digest means the
// "compilation" was never real; EvaluationService invalidates it instead
// of retrying evaluation.
const TombstoneDigest = "tombstone"

// Job is the payload sent to a worker: an operation's identity plus every
// input the worker needs to execute without talking to the store (source
// digests, manager digests, dataset configuration, limits). It is opaque
// to QueueService, which only ever stores and forwards it.
//
// Fields are a tagged union over (Compile vs Evaluate) x (Submission vs
// UserTest); only the fields relevant to Operation.Type are populated.
// EvaluationService is the only component that inspects them.
type Job struct {
	Operation Operation

	Limits Limits

	// Language is the submission/user-test's language, needed to pick a
	// compiler/grader even though judgecore never runs one itself.
	Language string

	// Files maps a role ("source", a manager filename, ...) to a
	// content-addressed digest in the blob cache. Populated by
	// EvaluationService from the data model; never modified by QS.
	Files map[string]string

	// TestcaseInput / TestcaseOutput name the digests of the input and
	// expected output for an Evaluate* job; empty for Compile* jobs.
	TestcaseInput  string
	TestcaseOutput string

	// Result, populated by the worker on return.
	Success bool
	Plus    Plus

	// Outcome/Text/Executables mirror the grading outcome a successful
	// job produces; judgecore stores but never interprets their content.
	Outcome      string
	Text         []string
	Executables  map[string]string
}

// FromOperation constructs the Job envelope for an operation, given the
// digests and limits EvaluationService resolved from the data model. QS
// never calls this; only ES does, in BuildJobGroup, when QS's executor
// asks for the JobGroup of a batch it is about to dispatch.
func FromOperation(op Operation, language string, files map[string]string, limits Limits, testcaseInput, testcaseOutput string) Job {
	return Job{
		Operation:      op,
		Limits:         limits,
		Language:       language,
		Files:          files,
		TestcaseInput:  testcaseInput,
		TestcaseOutput: testcaseOutput,
	}
}

// ExportToDict encodes the Job as a transit-safe map. Dict (defined in
// operation.go) is reused here: it is the same structured, msgpack-able
// map shape used for operation telemetry, and Job is opaque to
// QueueService regardless of which Go type carries it.
func (j Job) ExportToDict() Dict {
	return Dict{
		"operation":       j.Operation.ToDict(),
		"language":        j.Language,
		"files":           j.Files,
		"testcase_input":  j.TestcaseInput,
		"testcase_output": j.TestcaseOutput,
		"time_limit":      j.Limits.TimeLimitSeconds,
		"memory_limit":    j.Limits.MemoryLimitBytes,
		"success":         j.Success,
		"plus": Dict{
			"exit_status":    j.Plus.ExitStatus,
			"execution_time": j.Plus.ExecutionTime,
			"memory":         j.Plus.Memory,
			"tombstone":      j.Plus.Tombstone,
		},
		"outcome":     j.Outcome,
		"text":        j.Text,
		"executables": j.Executables,
	}
}

// ImportFromDict decodes a Job from its transit form.
func ImportFromDict(d Dict) (Job, error) {
	opDict, err := asDict(d["operation"])
	if err != nil {
		return Job{}, fmt.Errorf("job: operation field: %w", err)
	}
	op, err := FromDict(opDict)
	if err != nil {
		return Job{}, fmt.Errorf("job: %w", err)
	}

	j := Job{Operation: op}
	if l, ok := d["language"].(string); ok {
		j.Language = l
	}
	if f, ok := d["files"].(map[string]string); ok {
		j.Files = f
	}
	if s, ok := d["testcase_input"].(string); ok {
		j.TestcaseInput = s
	}
	if s, ok := d["testcase_output"].(string); ok {
		j.TestcaseOutput = s
	}
	if f, ok := toFloat(d["time_limit"]); ok {
		j.Limits.TimeLimitSeconds = f
	}
	if m, ok := toInt(d["memory_limit"]); ok {
		j.Limits.MemoryLimitBytes = m
	}
	if s, ok := d["success"].(bool); ok {
		j.Success = s
	}
	if plus, err := asDict(d["plus"]); err == nil {
		if s, ok := plus["exit_status"].(string); ok {
			j.Plus.ExitStatus = s
		}
		if f, ok := toFloat(plus["execution_time"]); ok {
			j.Plus.ExecutionTime = f
		}
		if m, ok := toInt(plus["memory"]); ok {
			j.Plus.Memory = m
		}
		if t, ok := plus["tombstone"].(bool); ok {
			j.Plus.Tombstone = t
		}
	}
	if o, ok := d["outcome"].(string); ok {
		j.Outcome = o
	}
	if t, ok := d["text"].([]string); ok {
		j.Text = t
	}
	if e, ok := d["executables"].(map[string]string); ok {
		j.Executables = e
	}
	return j, nil
}

// asDict normalizes the two shapes a decoded map field can arrive in
// (Dict when constructed in-process, map[string]interface{} when decoded
// generically off the wire) into a Dict.
func asDict(v interface{}) (Dict, error) {
	switch m := v.(type) {
	case Dict:
		return m, nil
	case map[string]interface{}:
		return Dict(m), nil
	default:
		return nil, fmt.Errorf("expected a map, got %T", v)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// JobGroup batches several Jobs for delivery to one worker in a single RPC,
// so a worker with multiple cores can pipeline them.
type JobGroup struct {
	Jobs []Job
}

// ExportToDict encodes the JobGroup for transit.
func (g JobGroup) ExportToDict() Dict {
	jobs := make([]Dict, len(g.Jobs))
	for i, j := range g.Jobs {
		jobs[i] = j.ExportToDict()
	}
	return Dict{"jobs": jobs}
}

// ImportJobGroupFromDict decodes a JobGroup from its transit form.
func ImportJobGroupFromDict(d Dict) (JobGroup, error) {
	rawJobs, ok := d["jobs"].([]Dict)
	if !ok {
		// Accept []interface{} of map[string]interface{} too, the shape
		// a generic msgpack decoder produces.
		rawAny, ok := d["jobs"].([]interface{})
		if !ok {
			return JobGroup{}, fmt.Errorf("jobgroup: missing or invalid jobs field")
		}
		rawJobs = make([]Dict, len(rawAny))
		for i, v := range rawAny {
			m, ok := v.(map[string]interface{})
			if !ok {
				return JobGroup{}, fmt.Errorf("jobgroup: invalid job at index %d", i)
			}
			rawJobs[i] = Dict(m)
		}
	}
	jobs := make([]Job, len(rawJobs))
	for i, jd := range rawJobs {
		j, err := ImportFromDict(jd)
		if err != nil {
			return JobGroup{}, fmt.Errorf("jobgroup: job %d: %w", i, err)
		}
		jobs[i] = j
	}
	return JobGroup{Jobs: jobs}, nil
}
