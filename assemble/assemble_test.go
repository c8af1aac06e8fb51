package assemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesearch-dev/codesearch/store"
)

func hit(id, path string, start, end int, score float64, content string) *Hit {
	return &Hit{
		ChunkID:   id,
		Content:   content,
		FilePath:  path,
		LineRange: store.LineRange{Start: start, End: end},
		Score:     score,
	}
}

func TestAssemble_OrdersByRelevanceByDefault(t *testing.T) {
	a := New()
	hits := []*Hit{
		hit("a", "a.go", 1, 10, 0.9, "package a"),
		hit("b", "b.go", 1, 10, 0.5, "package b"),
	}
	res := a.Assemble(hits, 1000, OrderingRelevance)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "a", res.Sources[0].ChunkID)
	assert.Equal(t, "b", res.Sources[1].ChunkID)
}

func TestAssemble_DedupsOverlappingRanges(t *testing.T) {
	a := New()
	hits := []*Hit{
		hit("a", "f.go", 10, 30, 0.9, "high score chunk"),
		hit("b", "f.go", 15, 25, 0.4, "overlapping lower score chunk"),
	}
	res := a.Assemble(hits, 1000, OrderingRelevance)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "a", res.Sources[0].ChunkID)
	assert.Equal(t, 1, res.DeduplicatedCount)
}

func TestAssemble_NoDedupAcrossDifferentFiles(t *testing.T) {
	a := New()
	hits := []*Hit{
		hit("a", "f.go", 10, 30, 0.9, "chunk a"),
		hit("b", "g.go", 10, 30, 0.4, "chunk b"),
	}
	res := a.Assemble(hits, 1000, OrderingRelevance)
	assert.Len(t, res.Sources, 2)
	assert.Equal(t, 0, res.DeduplicatedCount)
}

func TestAssemble_ChronologicalOrdersByFileThenLine(t *testing.T) {
	a := New()
	hits := []*Hit{
		hit("a", "b.go", 1, 10, 0.9, "x"),
		hit("b", "a.go", 20, 30, 0.5, "y"),
		hit("c", "a.go", 1, 10, 0.4, "z"),
	}
	res := a.Assemble(hits, 1000, OrderingChronological)
	require.Len(t, res.Sources, 3)
	assert.Equal(t, "c", res.Sources[0].ChunkID)
	assert.Equal(t, "b", res.Sources[1].ChunkID)
	assert.Equal(t, "a", res.Sources[2].ChunkID)
}

func TestAssemble_SandwichAlternatesHighestAndLowest(t *testing.T) {
	a := New()
	hits := []*Hit{
		hit("a", "a.go", 1, 10, 0.9, "x"),
		hit("b", "b.go", 1, 10, 0.7, "y"),
		hit("c", "c.go", 1, 10, 0.5, "z"),
		hit("d", "d.go", 1, 10, 0.3, "w"),
	}
	res := a.Assemble(hits, 1000, OrderingSandwich)
	require.Len(t, res.Sources, 4)
	ids := []string{res.Sources[0].ChunkID, res.Sources[1].ChunkID, res.Sources[2].ChunkID, res.Sources[3].ChunkID}
	assert.Equal(t, []string{"a", "d", "b", "c"}, ids)
}

func TestAssemble_TruncatesSingleChunkExceedingBudget(t *testing.T) {
	a := New(WithTokenEstimator(func(s string) int { return len(s) }))
	hits := []*Hit{hit("a", "a.go", 1, 3, 0.9, "line one\nline two\nline three")}
	res := a.Assemble(hits, 10, OrderingRelevance)
	require.Len(t, res.Sources, 1)
	assert.True(t, res.Sources[0].Truncated)
	assert.LessOrEqual(t, res.TokensUsed, 10)
}

func TestAssemble_DropsHitsThatWouldExceedBudget(t *testing.T) {
	a := New(WithTokenEstimator(func(s string) int { return len(s) }))
	hits := []*Hit{
		hit("a", "a.go", 1, 3, 0.9, "12345"),
		hit("b", "b.go", 1, 3, 0.5, "67890"),
		hit("c", "c.go", 1, 3, 0.4, "abcdef"),
	}
	res := a.Assemble(hits, 10, OrderingRelevance)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, 1, res.DroppedCount)
}

func TestDefaultTokenEstimator(t *testing.T) {
	assert.Equal(t, 0, DefaultTokenEstimator(""))
	assert.Equal(t, 1, DefaultTokenEstimator("abcd"))
	assert.Equal(t, 2, DefaultTokenEstimator("abcde"))
}
