// Package vector implements C2: an in-memory approximate nearest-neighbor
// index built once per project from its chunk embeddings, with an
// exhaustive brute-force alternative for small projects or deterministic
// evaluation runs.
package vector

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"

	"github.com/codesearch-dev/codesearch/store"
)

// HNSWIndex wraps coder/hnsw, a pure-Go HNSW implementation, behind the
// store.VectorIndex contract. It is the default backend.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config store.VectorIndexConfig

	keyToChunk map[uint64]*store.Chunk
	closed     bool
}

// BuildHNSW constructs an index over chunks. Vectors are normalized
// in-place before insertion so cosine search is a dot product.
func BuildHNSW(ctx context.Context, chunks []*store.Chunk, config store.VectorIndexConfig) (*HNSWIndex, error) {
	if config.Metric == "" {
		config.Metric = "cos"
	}
	if config.M == 0 {
		config.M = 32
	}
	if config.EfSearch == 0 {
		config.EfSearch = 64
	}

	graph := hnsw.NewGraph[uint64]()
	switch config.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = config.M
	graph.EfSearch = config.EfSearch
	graph.Ml = 0.25

	idx := &HNSWIndex{
		graph:      graph,
		config:     config,
		keyToChunk: make(map[uint64]*store.Chunk, len(chunks)),
	}

	var key uint64
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
		if config.Metric == "cos" {
			normalizeInPlace(vec)
		}
		graph.Add(hnsw.MakeNode(key, vec))
		idx.keyToChunk[key] = c
		key++
	}

	return idx, nil
}

// Search implements store.VectorIndex.
func (idx *HNSWIndex) Search(ctx context.Context, query []float32, k int, filter store.MetadataFilter) ([]*store.VectorResult, error) {
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
	if idx.graph.Len() == 0 {
		return []*store.VectorResult{}, nil
	}

	searchK := k
	if filter != nil {
		searchK = k * 4
		if searchK < k {
			searchK = k
		}
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	if idx.config.Metric == "cos" {
		normalizeInPlace(normalized)
	}

	nodes := idx.graph.Search(normalized, searchK)

	results := make([]*store.VectorResult, 0, len(nodes))
	for _, node := range nodes {
		c, ok := idx.keyToChunk[node.Key]
		if !ok {
			continue
		}
		if filter != nil && !filter(c) {
			continue
		}
		distance := idx.graph.Distance(normalized, node.Value)
		results = append(results, &store.VectorResult{
			ChunkID:  c.ID,
			Distance: distance,
			Score:    distanceToScore(distance, idx.config.Metric),
		})
		if len(results) >= k {
			break
		}
	}

	return results, nil
}

func (idx *HNSWIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return 0
	}
	return idx.graph.Len()
}

func (idx *HNSWIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.closed = true
	idx.graph = nil
	return nil
}

var _ store.VectorIndex = (*HNSWIndex)(nil)

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore maps a distance into [0,1], higher is more similar.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		// cosine distance ranges 0 (identical) to 2 (opposite)
		return 1.0 - distance/2.0
	}
}
