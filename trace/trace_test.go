package trace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldSample_RateZeroNeverSamples(t *testing.T) {
	r, err := Open(":memory:", 0)
	require.NoError(t, err)
	defer r.Close()
	for i := 0; i < 20; i++ {
		assert.False(t, r.ShouldSample())
	}
}

func TestShouldSample_RateOneAlwaysSamples(t *testing.T) {
	r, err := Open(":memory:", 1)
	require.NoError(t, err)
	defer r.Close()
	for i := 0; i < 20; i++ {
		assert.True(t, r.ShouldSample())
	}
}

func TestRecord_WritesRow(t *testing.T) {
	r, err := Open(":memory:", 1)
	require.NoError(t, err)
	defer r.Close()

	r.Record(context.Background(), Record{
		Timestamp:       time.Now(),
		ProjectIDs:      []string{"p1"},
		Query:           "how does retry work",
		RetrievedPaths:  []string{"retry.go"},
		TopK:            10,
		RetrievalMethod: "fusion",
		RoutingMethod:   "heuristic",
	})

	var count int
	require.NoError(t, r.db.QueryRow(`SELECT COUNT(*) FROM eval_traces`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRecord_SkipsCancelledContext(t *testing.T) {
	r, err := Open(":memory:", 1)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, Record{Timestamp: time.Now(), Query: "q"})

	var count int
	require.NoError(t, r.db.QueryRow(`SELECT COUNT(*) FROM eval_traces`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestOpen_ClampsSampleRate(t *testing.T) {
	r, err := Open(":memory:", 5)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 1.0, r.sampleRate)

	r2, err := Open(":memory:", -1)
	require.NoError(t, err)
	defer r2.Close()
	assert.Equal(t, 0.0, r2.sampleRate)
}
