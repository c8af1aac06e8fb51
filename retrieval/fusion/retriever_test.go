package fusion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesearch-dev/codesearch/store"
)

type fakeVectorIndex struct {
	results []*store.VectorResult
	err     error
	calls   int
}

func (f *fakeVectorIndex) Search(_ context.Context, _ []float32, k int, _ store.MetadataFilter) ([]*store.VectorResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.results) {
		return f.results[:k], nil
	}
	return f.results, nil
}
func (f *fakeVectorIndex) Count() int   { return len(f.results) }
func (f *fakeVectorIndex) Close() error { return nil }

type fakeLexicalIndex struct {
	results []*store.LexicalResult
	err     error
}

func (f *fakeLexicalIndex) Search(_ context.Context, _ string, k int, _ store.MetadataFilter) ([]*store.LexicalResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.results) {
		return f.results[:k], nil
	}
	return f.results, nil
}
func (f *fakeLexicalIndex) Count() int   { return len(f.results) }
func (f *fakeLexicalIndex) Close() error { return nil }

type fakeChunkLookup struct {
	chunks map[string]*store.Chunk
}

func (f *fakeChunkLookup) GetChunks(_ context.Context, ids []string) ([]*store.Chunk, error) {
	out := make([]*store.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func newFixture() (*fakeVectorIndex, *fakeLexicalIndex, *fakeChunkLookup, *fakeEmbedder) {
	chunks := map[string]*store.Chunk{
		"a": {ID: "a", Content: "func A() {}", FilePath: "a.go"},
		"b": {ID: "b", Content: "func B() {}", FilePath: "b.go"},
		"c": {ID: "c", Content: "func C() {}", FilePath: "c.go"},
	}
	vec := &fakeVectorIndex{results: []*store.VectorResult{
		{ChunkID: "a", Score: 0.9},
		{ChunkID: "b", Score: 0.7},
	}}
	lex := &fakeLexicalIndex{results: []*store.LexicalResult{
		{ChunkID: "c", Score: 3.0, MatchedTerms: []string{"func"}},
	}}
	lookup := &fakeChunkLookup{chunks: chunks}
	embed := &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}}
	return vec, lex, lookup, embed
}

func TestNew_RequiresAllDependencies(t *testing.T) {
	vec, lex, lookup, embed := newFixture()
	_, err := New(nil, lex, lookup, embed)
	assert.Error(t, err)
	_, err = New(vec, nil, lookup, embed)
	assert.Error(t, err)
	_, err = New(vec, lex, nil, embed)
	assert.Error(t, err)
	_, err = New(vec, lex, lookup, nil)
	assert.Error(t, err)
}

func TestSearch_FusesDenseAndLexical(t *testing.T) {
	vec, lex, lookup, embed := newFixture()
	r, err := New(vec, lex, lookup, embed)
	require.NoError(t, err)

	res, err := r.Search(context.Background(), "find a func", SearchOptions{FinalK: 10})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Len(t, res.Hits, 3)
}

func TestSearch_CachesEmbedding(t *testing.T) {
	vec, lex, lookup, embed := newFixture()
	r, err := New(vec, lex, lookup, embed)
	require.NoError(t, err)

	_, err = r.Search(context.Background(), "repeat me", SearchOptions{FinalK: 10})
	require.NoError(t, err)
	_, err = r.Search(context.Background(), "repeat me", SearchOptions{FinalK: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, embed.calls)
}

func TestSearch_DegradesWhenDenseFails(t *testing.T) {
	vec, lex, lookup, embed := newFixture()
	vec.err = errors.New("vector backend down")
	r, err := New(vec, lex, lookup, embed)
	require.NoError(t, err)

	res, err := r.Search(context.Background(), "q", SearchOptions{FinalK: 10})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
}

func TestSearch_FailsWhenBothIndicesFail(t *testing.T) {
	vec, lex, lookup, embed := newFixture()
	vec.err = errors.New("vector down")
	lex.err = errors.New("lexical down")
	r, err := New(vec, lex, lookup, embed)
	require.NoError(t, err)

	_, err = r.Search(context.Background(), "q", SearchOptions{FinalK: 10})
	assert.Error(t, err)
}

func TestSearch_TruncatesToFinalK(t *testing.T) {
	vec, lex, lookup, embed := newFixture()
	r, err := New(vec, lex, lookup, embed)
	require.NoError(t, err)

	res, err := r.Search(context.Background(), "q", SearchOptions{FinalK: 1})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 1)
}

func TestSearch_FiltersByMinScore(t *testing.T) {
	vec, lex, lookup, embed := newFixture()
	r, err := New(vec, lex, lookup, embed)
	require.NoError(t, err)

	res, err := r.Search(context.Background(), "q", SearchOptions{FinalK: 10, MinScore: 1.1})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestSearch_EmbeddingErrorPropagates(t *testing.T) {
	vec, lex, lookup, embed := newFixture()
	embed.err = errors.New("embed provider unavailable")
	r, err := New(vec, lex, lookup, embed)
	require.NoError(t, err)

	_, err = r.Search(context.Background(), "q", SearchOptions{FinalK: 10})
	assert.Error(t, err)
}
