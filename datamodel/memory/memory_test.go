package memory_test

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/cms-dev/judgecore/datamodel"
	"github.com/cms-dev/judgecore/datamodel/memory"
)

func TestStore_CommitSubmissionResult_DuplicateRowIsRejected(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	first, err := store.GetOrCreateSubmissionResult(ctx, 1, 1)
	require.NoError(t, err)
	require.NoError(t, store.CommitSubmissionResult(ctx, first))

	// A second writer that raced the get-or-create and built its own
	// row object for the same key, rather than sharing the first's
	// pointer, looks exactly like a concurrent INSERT against the same
	// unique key.
	racer := &datamodel.SubmissionResult{SubmissionID: 1, DatasetID: 1}
	err = store.CommitSubmissionResult(ctx, racer)
	must.ErrorIs(t, err, datamodel.ErrDuplicateResult)

	stored, err := store.GetSubmissionResult(ctx, 1, 1)
	require.NoError(t, err)
	must.True(t, stored == first)
}

func TestStore_CommitUserTestResult_DuplicateRowIsRejected(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	first, err := store.GetOrCreateUserTestResult(ctx, 1, 1)
	require.NoError(t, err)
	require.NoError(t, store.CommitUserTestResult(ctx, first))

	racer := &datamodel.UserTestResult{UserTestID: 1, DatasetID: 1}
	err = store.CommitUserTestResult(ctx, racer)
	must.ErrorIs(t, err, datamodel.ErrDuplicateResult)
}

func TestStore_ResolveSubmissions_Precedence(t *testing.T) {
	store := memory.New()
	store.AddDataset(&datamodel.Dataset{ID: 1, TaskID: 10})
	store.AddDataset(&datamodel.Dataset{ID: 2, TaskID: 20})
	store.AddSubmission(&datamodel.Submission{ID: 100, TaskID: 10, ContestID: 1, ParticipationID: 1})
	store.AddSubmission(&datamodel.Submission{ID: 101, TaskID: 10, ContestID: 1, ParticipationID: 2})
	store.AddSubmission(&datamodel.Submission{ID: 102, TaskID: 20, ContestID: 2, ParticipationID: 3})

	ctx := context.Background()

	ids, err := store.ResolveSubmissions(ctx, datamodel.InvalidateFilter{SubmissionID: 100})
	require.NoError(t, err)
	must.Eq(t, []int64{100}, ids)

	ids, err = store.ResolveSubmissions(ctx, datamodel.InvalidateFilter{DatasetID: 1})
	require.NoError(t, err)
	must.SliceContainsAll(t, []int64{100, 101}, ids)
	must.Len(t, 2, ids)

	ids, err = store.ResolveSubmissions(ctx, datamodel.InvalidateFilter{ParticipationID: 2})
	require.NoError(t, err)
	must.Eq(t, []int64{101}, ids)

	ids, err = store.ResolveSubmissions(ctx, datamodel.InvalidateFilter{ContestID: 1})
	require.NoError(t, err)
	must.SliceContainsAll(t, []int64{100, 101}, ids)
	must.Len(t, 2, ids)

	// A contest-wide invalidate must not also sweep in submissions from
	// a different contest just because no task/dataset/participation
	// was given alongside it.
	ids, err = store.ResolveSubmissions(ctx, datamodel.InvalidateFilter{ContestID: 2})
	require.NoError(t, err)
	must.Eq(t, []int64{102}, ids)
}
