package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cms-dev/judgecore/datamodel"
	"github.com/cms-dev/judgecore/operation"
	"github.com/cms-dev/judgecore/queue"
)

// invalidateConcurrency bounds how many submissions are invalidated at
// once; each submission's datasets are handled in turn by the same
// goroutine. Unbounded fan-out would otherwise let one large
// contest-wide invalidate open one store round trip per submission
// simultaneously.
const invalidateConcurrency = 8

// InvalidateBracket lets InvalidateSubmission tell QueueService to hold
// off its missing-operations sweep while the invalidate fanout is in
// flight, mirroring the original's "sweeper must not run concurrently
// with an invalidate" constraint (spec.md §9 "Sweeper blockers").
type InvalidateBracket interface {
	BeginInvalidate()
	EndInvalidate()
}

// InvalidateSubmission re-derives and re-enqueues operations for every
// submission named by filter, after clearing the requested level of
// their stored results. filter resolution (datamodel.Store.
// ResolveSubmissions) takes a submission id as an exact match and
// otherwise intersects the task/dataset, participation and contest
// filters given, generalized from the admin handler's filter-resolution
// contract.
//
// Clearing InvalidateCompilation implies clearing evaluation too, since
// a stored evaluation is meaningless once its compiled artifact is
// gone (datamodel.SubmissionResult.InvalidateCompilation already
// encodes this).
func (s *Service) InvalidateSubmission(ctx context.Context, filter datamodel.InvalidateFilter, level datamodel.InvalidateLevel, bracket InvalidateBracket) (int, error) {
	submissionIDs, err := s.store.ResolveSubmissions(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("evaluation: resolve submissions for invalidate: %w", err)
	}

	if bracket != nil {
		bracket.BeginInvalidate()
		defer bracket.EndInvalidate()
	}

	datasetFilter := filter.DatasetID

	var (
		mu    sync.Mutex
		count int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(invalidateConcurrency)

	for _, submissionID := range submissionIDs {
		submissionID := submissionID
		g.Go(func() error {
			sub, err := s.store.GetSubmission(gctx, submissionID)
			if err != nil {
				return fmt.Errorf("evaluation: load submission %d: %w", submissionID, err)
			}

			datasets, err := s.datasetsForInvalidate(gctx, sub.TaskID, datasetFilter)
			if err != nil {
				return err
			}

			for _, ds := range datasets {
				newOps, err := s.invalidateOne(gctx, submissionID, ds, level)
				if err != nil {
					return err
				}
				for _, n := range newOps {
					s.enqueue(n.Op, n.Priority, n.Timestamp)
				}
				mu.Lock()
				count++
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return count, err
	}
	return count, nil
}

func (s *Service) datasetsForInvalidate(ctx context.Context, taskID int64, datasetFilter int64) ([]*datamodel.Dataset, error) {
	if datasetFilter != 0 {
		ds, err := s.store.GetDataset(ctx, datasetFilter)
		if err != nil {
			return nil, fmt.Errorf("evaluation: load dataset %d: %w", datasetFilter, err)
		}
		return []*datamodel.Dataset{ds}, nil
	}
	return s.store.DatasetsToJudge(ctx, taskID)
}

// invalidateOne clears result state for one (submission, dataset) pair
// and re-derives the operations needed to bring it back up to date.
func (s *Service) invalidateOne(ctx context.Context, submissionID int64, ds *datamodel.Dataset, level datamodel.InvalidateLevel) ([]queue.NewOperation, error) {
	result, err := s.store.GetOrCreateSubmissionResult(ctx, submissionID, ds.ID)
	if err != nil {
		return nil, fmt.Errorf("evaluation: get or create submission result: %w", err)
	}

	switch level {
	case datamodel.InvalidateCompilation:
		result.InvalidateCompilation()
	case datamodel.InvalidateEvaluation:
		result.InvalidateEvaluation()
	}

	if err := s.store.CommitSubmissionResult(ctx, result); err != nil && !errors.Is(err, datamodel.ErrDuplicateResult) {
		return nil, fmt.Errorf("evaluation: commit invalidated result: %w", err)
	}

	now := time.Now()
	var newOps []queue.NewOperation

	if !result.Compiled() {
		newOps = append(newOps, queue.NewOperation{
			Op: operation.Operation{
				Type:      operation.CompileSubmission,
				ObjectID:  submissionID,
				DatasetID: ds.ID,
			},
			Priority:  operation.PriorityInvalidated,
			Timestamp: now,
		})
		return newOps, nil
	}

	if result.CompilationSucceeded() {
		for _, tc := range ds.Testcases {
			if _, done := result.Evaluations[tc.Codename]; done {
				continue
			}
			newOps = append(newOps, queue.NewOperation{
				Op: operation.Operation{
					Type:             operation.EvaluateSubmission,
					ObjectID:         submissionID,
					DatasetID:        ds.ID,
					TestcaseCodename: tc.Codename,
				},
				Priority:  operation.PriorityInvalidated,
				Timestamp: now,
			})
		}
	}
	return newOps, nil
}
