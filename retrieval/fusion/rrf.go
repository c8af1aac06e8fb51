// Package fusion implements C5: the Reciprocal Rank Fusion of a project's
// dense (C2) and lexical (C3) rankings, with optional reranking (C4).
package fusion

import (
	"sort"

	"github.com/codesearch-dev/codesearch/store"
)

// DefaultRRFConstant (κ) is the standard RRF smoothing parameter, used by
// Azure AI Search, OpenSearch, and other production hybrid-search systems.
const DefaultRRFConstant = 60

// Weights controls how much each ranking contributes to the fused score.
type Weights struct {
	BM25     float64
	Semantic float64
}

func DefaultWeights() Weights {
	return Weights{BM25: 0.5, Semantic: 0.5}
}

// FusedResult is one chunk after RRF, before reranking.
type FusedResult struct {
	ChunkID      string
	RRFScore     float64
	LexicalScore float64
	LexicalRank  int
	DenseScore   float64
	DenseRank    int
	InBothLists  bool
	MatchedTerms []string
}

// RRF combines a dense ranking and a lexical ranking via Reciprocal Rank
// Fusion: rrf_score(c) = Σ weight_i / (κ + rank_i(c)), κ = RRF.K.
type RRF struct {
	K int
}

func NewRRF() *RRF {
	return &RRF{K: DefaultRRFConstant}
}

func NewRRFWithK(k int) *RRF {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRF{K: k}
}

// Fuse merges dense and lexical result lists. Chunks present in only one
// list receive that list's contribution at missing_rank = max(len(dense),
// len(lexical)) + 1 for the absent side. Results are sorted by RRFScore
// desc, then larger individual dense score, then chunk id ascending, and
// finally normalized to [0,1] against the top score.
func (f *RRF) Fuse(dense []*store.VectorResult, lexical []*store.LexicalResult, w Weights) []*FusedResult {
	if len(dense) == 0 && len(lexical) == 0 {
		return []*FusedResult{}
	}

	scores := make(map[string]*FusedResult, len(dense)+len(lexical))
	getOrCreate := func(id string) *FusedResult {
		if r, ok := scores[id]; ok {
			return r
		}
		r := &FusedResult{ChunkID: id}
		scores[id] = r
		return r
	}

	for rank, r := range lexical {
		fr := getOrCreate(r.ChunkID)
		fr.LexicalScore = r.Score
		fr.LexicalRank = rank + 1
		fr.MatchedTerms = r.MatchedTerms
		fr.RRFScore += w.BM25 / float64(f.K+rank+1)
	}

	for rank, r := range dense {
		fr := getOrCreate(r.ChunkID)
		fr.DenseScore = float64(r.Score)
		fr.DenseRank = rank + 1
		fr.RRFScore += w.Semantic / float64(f.K+rank+1)
		if fr.LexicalRank > 0 {
			fr.InBothLists = true
		}
	}

	missingRank := len(dense)
	if len(lexical) > missingRank {
		missingRank = len(lexical)
	}
	missingRank++

	for _, r := range scores {
		if r.LexicalRank == 0 && r.DenseRank > 0 {
			r.RRFScore += w.BM25 / float64(f.K+missingRank)
		}
		if r.DenseRank == 0 && r.LexicalRank > 0 {
			r.RRFScore += w.Semantic / float64(f.K+missingRank)
		}
	}

	results := make([]*FusedResult, 0, len(scores))
	for _, r := range scores {
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return compare(results[i], results[j])
	})

	normalize(results)
	return results
}

// compare implements the fusion tie-break: RRFScore desc, then larger
// individual dense score, then chunk id ascending.
func compare(a, b *FusedResult) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}
	if a.DenseScore != b.DenseScore {
		return a.DenseScore > b.DenseScore
	}
	return a.ChunkID < b.ChunkID
}

func normalize(results []*FusedResult) {
	if len(results) == 0 {
		return
	}
	max := results[0].RRFScore
	if max == 0 {
		return
	}
	for _, r := range results {
		r.RRFScore /= max
	}
}
