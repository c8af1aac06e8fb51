package multiproject

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesearch-dev/codesearch/retrieval/fusion"
	"github.com/codesearch-dev/codesearch/store"
)

type fakeRetriever struct {
	hits []*fusion.SearchHit
	err  error
}

func (f *fakeRetriever) Search(context.Context, string, fusion.SearchOptions) (*fusion.SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &fusion.SearchResult{Hits: f.hits}, nil
}

func chunkHit(id string, score float64) *fusion.SearchHit {
	return &fusion.SearchHit{Chunk: &store.Chunk{ID: id, Content: "content " + id}, FusedScore: score}
}

func TestSearch_NoTargetsReturnsEmpty(t *testing.T) {
	f := New()
	res, err := f.Search(context.Background(), "q", nil, fusion.SearchOptions{FinalK: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestSearch_MergesAndSortsByScore(t *testing.T) {
	targets := []Target{
		{ProjectID: "p1", ProjectName: "alpha", EmbeddingModel: "m1", Retriever: &fakeRetriever{hits: []*fusion.SearchHit{chunkHit("a", 0.4)}}},
		{ProjectID: "p2", ProjectName: "beta", EmbeddingModel: "m1", Retriever: &fakeRetriever{hits: []*fusion.SearchHit{chunkHit("b", 0.9)}}},
	}
	f := New()
	res, err := f.Search(context.Background(), "q", targets, fusion.SearchOptions{FinalK: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "b", res.Hits[0].Chunk.ID)
	assert.Equal(t, "p2", res.Hits[0].ProjectID)
}

func TestSearch_EmbeddingModelMismatchFailsFast(t *testing.T) {
	targets := []Target{
		{ProjectID: "p1", EmbeddingModel: "m1", Retriever: &fakeRetriever{}},
		{ProjectID: "p2", EmbeddingModel: "m2", Retriever: &fakeRetriever{}},
	}
	f := New()
	_, err := f.Search(context.Background(), "q", targets, fusion.SearchOptions{FinalK: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding model mismatch")
}

func TestSearch_PartialFailureDoesNotAbort(t *testing.T) {
	targets := []Target{
		{ProjectID: "p1", ProjectName: "alpha", EmbeddingModel: "m1", Retriever: &fakeRetriever{err: errors.New("down")}},
		{ProjectID: "p2", ProjectName: "beta", EmbeddingModel: "m1", Retriever: &fakeRetriever{hits: []*fusion.SearchHit{chunkHit("b", 0.9)}}},
	}
	f := New()
	res, err := f.Search(context.Background(), "q", targets, fusion.SearchOptions{FinalK: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	require.Len(t, res.PartialFailures, 1)
	assert.Equal(t, "p1", res.PartialFailures[0].ProjectID)
}

func TestSearch_TruncatesToFinalK(t *testing.T) {
	targets := []Target{
		{ProjectID: "p1", EmbeddingModel: "m1", Retriever: &fakeRetriever{hits: []*fusion.SearchHit{chunkHit("a", 0.9), chunkHit("b", 0.8)}}},
	}
	f := New()
	res, err := f.Search(context.Background(), "q", targets, fusion.SearchOptions{FinalK: 1})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 1)
}

func TestValidateEmbeddingIdentity_SingleTargetNeverMismatches(t *testing.T) {
	targets := []Target{{ProjectID: "p1", EmbeddingModel: "m1"}}
	assert.Nil(t, validateEmbeddingIdentity(targets))
}
