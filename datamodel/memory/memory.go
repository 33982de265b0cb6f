// Package memory provides a deterministic in-memory datamodel.Store, used
// by judgecore's own tests the way hashicorp/nomad's nomad/mock package
// supplies fixtures for scheduler tests: no network, no SQL, fully
// inspectable from the test goroutine.
package memory

import (
	"context"
	"sync"

	"github.com/cms-dev/judgecore/datamodel"
	"github.com/cms-dev/judgecore/operation"
)

// Store is a goroutine-safe, in-memory datamodel.Store.
type Store struct {
	mu sync.Mutex

	datasets    map[int64]*datamodel.Dataset
	submissions map[int64]*datamodel.Submission
	userTests   map[int64]*datamodel.UserTest

	submissionResults map[resultKey]*datamodel.SubmissionResult
	userTestResults   map[resultKey]*datamodel.UserTestResult

	datasetsByTask map[int64][]int64
}

type resultKey struct {
	objectID, datasetID int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		datasets:          make(map[int64]*datamodel.Dataset),
		submissions:       make(map[int64]*datamodel.Submission),
		userTests:         make(map[int64]*datamodel.UserTest),
		submissionResults: make(map[resultKey]*datamodel.SubmissionResult),
		userTestResults:   make(map[resultKey]*datamodel.UserTestResult),
		datasetsByTask:    make(map[int64][]int64),
	}
}

// AddDataset registers a dataset and associates it with its task's
// "datasets to judge" list.
func (s *Store) AddDataset(d *datamodel.Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[d.ID] = d
	s.datasetsByTask[d.TaskID] = append(s.datasetsByTask[d.TaskID], d.ID)
}

// AddSubmission registers a submission.
func (s *Store) AddSubmission(sub *datamodel.Submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[sub.ID] = sub
}

// AddUserTest registers a user test.
func (s *Store) AddUserTest(ut *datamodel.UserTest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userTests[ut.ID] = ut
}

func (s *Store) GetDataset(_ context.Context, datasetID int64) (*datamodel.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[datasetID]
	if !ok {
		return nil, datamodel.ErrNotFound
	}
	return d, nil
}

func (s *Store) GetSubmission(_ context.Context, submissionID int64) (*datamodel.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return nil, datamodel.ErrNotFound
	}
	return sub, nil
}

func (s *Store) GetUserTest(_ context.Context, userTestID int64) (*datamodel.UserTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ut, ok := s.userTests[userTestID]
	if !ok {
		return nil, datamodel.ErrNotFound
	}
	return ut, nil
}

func (s *Store) DatasetsToJudge(_ context.Context, taskID int64) ([]*datamodel.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.datasetsByTask[taskID]
	out := make([]*datamodel.Dataset, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.datasets[id])
	}
	return out, nil
}

func (s *Store) GetSubmissionResult(_ context.Context, submissionID, datasetID int64) (*datamodel.SubmissionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.submissionResults[resultKey{submissionID, datasetID}]
	if !ok {
		return nil, datamodel.ErrNotFound
	}
	return r, nil
}

func (s *Store) GetOrCreateSubmissionResult(_ context.Context, submissionID, datasetID int64) (*datamodel.SubmissionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resultKey{submissionID, datasetID}
	r, ok := s.submissionResults[key]
	if !ok {
		r = &datamodel.SubmissionResult{SubmissionID: submissionID, DatasetID: datasetID}
		s.submissionResults[key] = r
	}
	return r, nil
}

func (s *Store) GetOrCreateUserTestResult(_ context.Context, userTestID, datasetID int64) (*datamodel.UserTestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resultKey{userTestID, datasetID}
	r, ok := s.userTestResults[key]
	if !ok {
		r = &datamodel.UserTestResult{UserTestID: userTestID, DatasetID: datasetID}
		s.userTestResults[key] = r
	}
	return r, nil
}

// CommitSubmissionResult stores result, unless a *different* result object
// is already stored under the same (submission, dataset) key: that shape
// only arises when a caller builds its own result instead of going through
// GetOrCreateSubmissionResult, which is exactly what two racing writers
// each doing get-or-create-then-insert look like against a real database
// (the first insert wins, the second gets a unique-constraint violation).
// The first writer's row stands and ErrDuplicateResult is returned to the
// second, same as a caught IntegrityError.
func (s *Store) CommitSubmissionResult(_ context.Context, result *datamodel.SubmissionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resultKey{result.SubmissionID, result.DatasetID}
	if existing, ok := s.submissionResults[key]; ok && existing != result {
		return datamodel.ErrDuplicateResult
	}
	s.submissionResults[key] = result
	return nil
}

func (s *Store) CommitUserTestResult(_ context.Context, result *datamodel.UserTestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resultKey{result.UserTestID, result.DatasetID}
	if existing, ok := s.userTestResults[key]; ok && existing != result {
		return datamodel.ErrDuplicateResult
	}
	s.userTestResults[key] = result
	return nil
}

// MissingSubmissionOperations inspects, for every known submission and
// every dataset its task should be judged on, the stored result (if
// any) and reports compile/evaluate operations not yet represented in
// it. contestID is ignored by the in-memory fake: submissions of every
// contest are reported, and callers that need contest scoping filter
// the returned slice themselves.
func (s *Store) MissingSubmissionOperations(ctx context.Context, _ int64) ([]datamodel.PendingOperation, error) {
	s.mu.Lock()
	subs := make([]*datamodel.Submission, 0, len(s.submissions))
	for _, sub := range s.submissions {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	var out []datamodel.PendingOperation
	for _, sub := range subs {
		datasets, _ := s.DatasetsToJudge(ctx, sub.TaskID)
		for _, ds := range datasets {
			result, err := s.GetSubmissionResult(ctx, sub.ID, ds.ID)
			if err != nil {
				result = &datamodel.SubmissionResult{SubmissionID: sub.ID, DatasetID: ds.ID}
			}
			out = append(out, missingForResult(sub.ID, ds, result)...)
		}
	}
	return out, nil
}

func missingForResult(objectID int64, ds *datamodel.Dataset, result *datamodel.SubmissionResult) []datamodel.PendingOperation {
	var out []datamodel.PendingOperation
	if !result.Compiled() {
		out = append(out, datamodel.PendingOperation{
			Type: int(operation.CompileSubmission), ObjectID: objectID, DatasetID: ds.ID,
			Priority: operation.PriorityBackgroundSweep,
		})
		return out
	}
	if result.CompilationSucceeded() {
		for _, tc := range ds.Testcases {
			if _, done := result.Evaluations[tc.Codename]; !done {
				out = append(out, datamodel.PendingOperation{
					Type: int(operation.EvaluateSubmission), ObjectID: objectID, DatasetID: ds.ID,
					TestcaseCodename: tc.Codename, Priority: operation.PriorityBackgroundSweep,
				})
			}
		}
	}
	return out
}

func (s *Store) MissingUserTestOperations(ctx context.Context, _ int64) ([]datamodel.PendingOperation, error) {
	s.mu.Lock()
	tests := make([]*datamodel.UserTest, 0, len(s.userTests))
	for _, ut := range s.userTests {
		tests = append(tests, ut)
	}
	s.mu.Unlock()

	var out []datamodel.PendingOperation
	for _, ut := range tests {
		datasets, _ := s.DatasetsToJudge(ctx, ut.TaskID)
		for _, ds := range datasets {
			result, err := s.GetOrCreateUserTestResult(ctx, ut.ID, ds.ID)
			if err != nil {
				continue
			}
			if !result.Compiled() {
				out = append(out, datamodel.PendingOperation{
					Type: int(operation.CompileUserTest), ObjectID: ut.ID, DatasetID: ds.ID,
					Priority: operation.PriorityBackgroundSweep,
				})
				continue
			}
			if result.CompilationSucceeded() && !result.Evaluated() {
				out = append(out, datamodel.PendingOperation{
					Type: int(operation.EvaluateUserTest), ObjectID: ut.ID, DatasetID: ds.ID,
					TestcaseCodename: ds.Testcases[0].Codename, Priority: operation.PriorityBackgroundSweep,
				})
			}
		}
	}
	return out, nil
}

// ResolveSubmissions resolves filter to submission ids. A submission id,
// if given, is returned as-is and every other filter is ignored.
// Otherwise the task/dataset, participation and contest filters that are
// non-zero must all match: they are AND'd, never OR'd, matching the
// admin handler's own filter form. "Task/dataset" is one filter because
// a dataset implies its task (TaskID, if given, wins over DatasetID).
func (s *Store) ResolveSubmissions(_ context.Context, filter datamodel.InvalidateFilter) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if filter.SubmissionID != 0 {
		return []int64{filter.SubmissionID}, nil
	}

	taskID := filter.TaskID
	if taskID == 0 && filter.DatasetID != 0 {
		if ds, ok := s.datasets[filter.DatasetID]; ok {
			taskID = ds.TaskID
		}
	}

	var out []int64
	for id, sub := range s.submissions {
		if taskID != 0 && sub.TaskID != taskID {
			continue
		}
		if filter.ParticipationID != 0 && sub.ParticipationID != filter.ParticipationID {
			continue
		}
		if filter.ContestID != 0 && sub.ContestID != filter.ContestID {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// FakeScoringClient records NewEvaluation calls for test assertions.
type FakeScoringClient struct {
	mu    sync.Mutex
	Calls []FakeScoringCall
}

type FakeScoringCall struct {
	SubmissionID, DatasetID int64
}

func (f *FakeScoringClient) NewEvaluation(_ context.Context, submissionID, datasetID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, FakeScoringCall{submissionID, datasetID})
	return nil
}

func (f *FakeScoringClient) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}
