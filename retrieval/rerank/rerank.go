// Package rerank implements C4: an optional cross-encoder re-scoring stage
// over a fused candidate set, with a structural identity fallback so the
// pipeline never depends on a loaded model being present.
package rerank

import (
	"context"
	"sort"
)

// Result is one reranked candidate.
type Result struct {
	// Index is the candidate's position in the input slice passed to Rerank.
	Index int
	Score float64
}

// Reranker jointly scores (query, document) pairs, more accurately than
// bi-encoder retrieval but at higher latency. Implementations must preserve
// input order on score ties and never introduce or drop ids: the output is
// strictly a permutation-and-truncation of the input.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error)
	Available(ctx context.Context) bool
	Close() error
}

// NoOp returns documents in their original order with synthetic decreasing
// scores. Used directly when reranking is disabled, and as the transparent
// degradation target when a real model fails to load.
type NoOp struct{}

func (NoOp) Rerank(_ context.Context, _ string, documents []string, topN int) ([]Result, error) {
	results := make([]Result, len(documents))
	for i := range documents {
		results[i] = Result{Index: i, Score: 1.0 - float64(i)*0.01}
	}
	if topN > 0 && topN < len(results) {
		results = results[:topN]
	}
	return results, nil
}

func (NoOp) Available(context.Context) bool { return true }
func (NoOp) Close() error                    { return nil }

var _ Reranker = NoOp{}

// CrossEncoderScorer is the capability a real cross-encoder model exposes:
// score a single (query, document) pair. Rerank() batches over it.
type CrossEncoderScorer interface {
	Score(ctx context.Context, query, document string) (float64, error)
	Close() error
}

// CrossEncoder reranks via an injected CrossEncoderScorer, degrading to
// NoOp (and logging exactly once) the first time the scorer fails, rather
// than failing every subsequent search.
type CrossEncoder struct {
	scorer   CrossEncoderScorer
	degraded bool
	onDegrade func(error)
}

// NewCrossEncoder wraps scorer. onDegrade is called at most once, the first
// time the scorer errors, so the caller can log a single warning.
func NewCrossEncoder(scorer CrossEncoderScorer, onDegrade func(error)) *CrossEncoder {
	return &CrossEncoder{scorer: scorer, onDegrade: onDegrade}
}

func (c *CrossEncoder) Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error) {
	if c.degraded {
		return NoOp{}.Rerank(ctx, query, documents, topN)
	}

	results := make([]Result, len(documents))
	for i, doc := range documents {
		score, err := c.scorer.Score(ctx, query, doc)
		if err != nil {
			c.degraded = true
			if c.onDegrade != nil {
				c.onDegrade(err)
			}
			return NoOp{}.Rerank(ctx, query, documents, topN)
		}
		results[i] = Result{Index: i, Score: score}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topN > 0 && topN < len(results) {
		results = results[:topN]
	}
	return results, nil
}

func (c *CrossEncoder) Available(ctx context.Context) bool {
	return !c.degraded
}

func (c *CrossEncoder) Close() error {
	if c.scorer != nil {
		return c.scorer.Close()
	}
	return nil
}

var _ Reranker = (*CrossEncoder)(nil)
