package eval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_EmptyDatasetAborts(t *testing.T) {
	run, err := Execute(context.Background(), nil, func(context.Context, string) ([]string, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrEmptyDataset)
	assert.Equal(t, StatusFailed, run.Status)
}

func TestExecute_PerfectRetrieval(t *testing.T) {
	dataset := []DatasetEntry{
		{Query: "q1", ExpectedFilePaths: []string{"a.go"}},
	}
	search := func(context.Context, string) ([]string, error) {
		return []string{"a.go", "b.go"}, nil
	}
	run, err := Execute(context.Background(), dataset, search)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 1.0, run.Metrics.MRR)
	assert.Equal(t, 1.0, run.Metrics.HitRate)
}

func TestExecute_PerQueryErrorDoesNotAbort(t *testing.T) {
	dataset := []DatasetEntry{
		{Query: "good", ExpectedFilePaths: []string{"a.go"}},
		{Query: "bad", ExpectedFilePaths: []string{"b.go"}},
	}
	search := func(_ context.Context, query string) ([]string, error) {
		if query == "bad" {
			return nil, errors.New("index unavailable")
		}
		return []string{"a.go"}, nil
	}
	run, err := Execute(context.Background(), dataset, search)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	require.Len(t, run.Queries, 2)
	assert.Equal(t, "index unavailable", run.Queries[1].Err)
	assert.Zero(t, run.Queries[1].RR)
}

func TestReciprocalRank(t *testing.T) {
	assert.Equal(t, 1.0, reciprocalRank([]bool{true, false}))
	assert.Equal(t, 0.5, reciprocalRank([]bool{false, true}))
	assert.Equal(t, 0.0, reciprocalRank([]bool{false, false}))
}

func TestPrecisionRecallAtK(t *testing.T) {
	relevant := []bool{true, false, true, false, false}
	assert.InDelta(t, 2.0/5, precisionAtK(relevant, 5), 0.0001)
	assert.InDelta(t, 2.0/3, recallAtK(relevant, 3, 5), 0.0001)
}

func TestNDCGAtK_PerfectOrderingScoresOne(t *testing.T) {
	relevant := []bool{true, true, false}
	assert.InDelta(t, 1.0, ndcgAtK(relevant, 2, 10), 0.0001)
}

func TestAveragePrecision(t *testing.T) {
	relevant := []bool{true, false, true}
	// hits at rank1 (1/1) and rank3 (2/3), averaged over 2 total expected.
	expected := (1.0 + 2.0/3) / 2
	assert.InDelta(t, expected, averagePrecision(relevant, 2), 0.0001)
}

func TestCompareToPrior_FlagsRegressionAndImprovement(t *testing.T) {
	current := Metrics{MRR: 0.5, HitRate: 0.9}
	prior := Metrics{MRR: 0.6, HitRate: 0.5}
	deltas := CompareToPrior(current, prior)

	byName := make(map[string]MetricDelta, len(deltas))
	for _, d := range deltas {
		byName[d.Name] = d
	}
	assert.True(t, byName["mrr"].IsRegressed)
	assert.True(t, byName["hit_rate"].IsImproved)
	assert.False(t, byName["recall"].IsRegressed)
	assert.False(t, byName["recall"].IsImproved)
}
