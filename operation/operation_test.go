package operation_test

import (
	"testing"
	"time"

	"github.com/hashicorp/go-set/v3"
	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/cms-dev/judgecore/operation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestOperation_KeyIgnoresSideData(t *testing.T) {
	a := operation.Operation{
		Type: operation.EvaluateSubmission, ObjectID: 1, DatasetID: 2, TestcaseCodename: "tc1",
		SideData: operation.SideData{Priority: 0, OriginalTimestamp: time.Now()},
	}
	b := a
	b.SideData = operation.SideData{Priority: 99, OriginalTimestamp: time.Now().Add(time.Hour)}

	must.True(t, a.Equal(b))
	must.Eq(t, a.Key(), b.Key())
}

func TestOperation_ListRoundTrip(t *testing.T) {
	cases := []operation.Operation{
		{Type: operation.CompileSubmission, ObjectID: 10, DatasetID: 20},
		{Type: operation.EvaluateSubmission, ObjectID: 10, DatasetID: 20, TestcaseCodename: "case-1"},
		{Type: operation.CompileUserTest, ObjectID: 30, DatasetID: 40},
		{Type: operation.EvaluateUserTest, ObjectID: 30, DatasetID: 40, TestcaseCodename: "case-2"},
	}
	for _, op := range cases {
		decoded, err := operation.FromList(op.ToList())
		require.NoError(t, err)
		must.True(t, op.Equal(decoded))
	}
}

func TestOperation_DictRoundTrip(t *testing.T) {
	op := operation.Operation{Type: operation.EvaluateSubmission, ObjectID: 7, DatasetID: 8, TestcaseCodename: "x"}
	decoded, err := operation.FromDict(op.ToDict())
	require.NoError(t, err)
	must.True(t, op.Equal(decoded))
}

func TestOperation_FromList_RejectsUnknownType(t *testing.T) {
	_, err := operation.FromList(operation.List{99, int64(1), int64(2), nil})
	must.Error(t, err)
}

func TestOperation_ForSubmission(t *testing.T) {
	must.True(t, operation.CompileSubmission.ForSubmission())
	must.True(t, operation.EvaluateSubmission.ForSubmission())
	must.False(t, operation.CompileUserTest.ForSubmission())
	must.False(t, operation.EvaluateUserTest.ForSubmission())
}

// TestProperty_ListRoundTripIsLossless checks the wire-list codec
// round-trips every identity-defining field for arbitrary inputs, matching
// spec.md §4.1's "no behavior beyond encoding" claim.
func TestProperty_ListRoundTripIsLossless(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		typeTag := rapid.IntRange(0, 3).Draw(rt, "type")
		objectID := rapid.Int64Range(0, 1_000_000).Draw(rt, "objectID")
		datasetID := rapid.Int64Range(0, 1_000_000).Draw(rt, "datasetID")

		op := operation.Operation{
			Type:      operation.Type(typeTag),
			ObjectID:  objectID,
			DatasetID: datasetID,
		}
		if op.Type.IsEvaluate() {
			op.TestcaseCodename = rapid.StringMatching(`[a-z0-9]{1,8}`).Draw(rt, "testcase")
		}

		decoded, err := operation.FromList(op.ToList())
		if err != nil {
			rt.Fatalf("unexpected decode error: %v", err)
		}
		if !op.Equal(decoded) {
			rt.Fatalf("round trip mismatch: %v != %v", op, decoded)
		}
	})
}

// TestOperation_KeySetDeduplicates shows operation.Key is suitable as the
// element type for a hashicorp/go-set: it is comparable, the same
// property PendingResults and the priority queue rely on when keying
// their maps by it.
func TestOperation_KeySetDeduplicates(t *testing.T) {
	s := set.New[operation.Key](0)
	op := operation.Operation{Type: operation.CompileSubmission, ObjectID: 1, DatasetID: 1}
	s.Insert(op.Key())
	s.Insert(op.Key())
	must.Eq(t, 1, s.Size())
}

func TestTimestamp_RoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	got := operation.DecodeTimestamp(operation.EncodeTimestamp(now))
	must.True(t, now.Sub(got) < time.Millisecond && got.Sub(now) < time.Millisecond)
}
