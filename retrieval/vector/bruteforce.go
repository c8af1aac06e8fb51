package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/codesearch-dev/codesearch/store"
)

// BruteForceIndex is an exhaustive cosine-similarity scan, selectable per
// build for small projects (<1000 chunks) or for deterministic evaluation
// runs where ANN's approximation would make metrics non-reproducible.
type BruteForceIndex struct {
	mu      sync.RWMutex
	vectors []normalizedVec
	config  store.VectorIndexConfig
	closed  bool
}

type normalizedVec struct {
	chunk *store.Chunk
	vec   []float32
}

func BuildBruteForce(ctx context.Context, chunks []*store.Chunk, config store.VectorIndexConfig) (*BruteForceIndex, error) {
	idx := &BruteForceIndex{config: config}
	idx.vectors = make([]normalizedVec, 0, len(chunks))

	for _, c := range chunks {
		if len(c.Embedding) != config.Dimensions {
			return nil, store.ErrDimensionMismatch{
				ProjectID: c.ProjectID,
				Expected:  config.Dimensions,
				Got:       len(c.Embedding),
			}
		}
		vec := make([]float32, len(c.Embedding))
		copy(vec, c.Embedding)
		normalizeInPlace(vec)
		idx.vectors = append(idx.vectors, normalizedVec{chunk: c, vec: vec})
	}

	return idx, nil
}

func (idx *BruteForceIndex) Search(ctx context.Context, query []float32, k int, filter store.MetadataFilter) ([]*store.VectorResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if len(query) != idx.config.Dimensions {
		return nil, store.ErrDimensionMismatch{Expected: idx.config.Dimensions, Got: len(query)}
	}
	for _, v := range query {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, store.ErrInvalidQueryVector{Reason: "query vector contains NaN/Inf"}
		}
	}
	if len(idx.vectors) == 0 {
		return []*store.VectorResult{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	type scored struct {
		chunk *store.Chunk
		score float32
	}
	all := make([]scored, 0, len(idx.vectors))
	for _, nv := range idx.vectors {
		if filter != nil && !filter(nv.chunk) {
			continue
		}
		all = append(all, scored{chunk: nv.chunk, score: dot(normalized, nv.vec)})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > k {
		all = all[:k]
	}

	results := make([]*store.VectorResult, 0, len(all))
	for _, s := range all {
		results = append(results, &store.VectorResult{
			ChunkID:  s.chunk.ID,
			Distance: 1 - s.score,
			Score:    (s.score + 1) / 2,
		})
	}
	return results, nil
}

func (idx *BruteForceIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return 0
	}
	return len(idx.vectors)
}

func (idx *BruteForceIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.closed = true
	idx.vectors = nil
	return nil
}

var _ store.VectorIndex = (*BruteForceIndex)(nil)

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
