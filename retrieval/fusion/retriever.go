package fusion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/codesearch-dev/codesearch/internal/cerr"
	"github.com/codesearch-dev/codesearch/retrieval/rerank"
	"github.com/codesearch-dev/codesearch/store"
)

// EmbeddingProvider is the capability used to embed a query string. The
// concrete provider (and its advertised dimension) lives outside the core.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkLookup resolves chunk ids to their full content, satisfied by
// store.ChunkStore.
type ChunkLookup interface {
	GetChunks(ctx context.Context, ids []string) ([]*store.Chunk, error)
}

// SearchOptions configures a single-project search.
type SearchOptions struct {
	FinalK        int
	MinScore      float64 // applied to the normalized [0,1] post-fusion score
	Filter        store.MetadataFilter
	Weights       Weights
	RerankEnabled bool
}

// SearchHit is one chunk in a search result, carrying every sub-score so a
// caller (or trace recorder) can explain how it was ranked.
type SearchHit struct {
	Chunk        *store.Chunk
	DenseScore   float64
	LexicalScore float64
	FusedScore   float64
	RerankScore  float64
	Reranked     bool
	MatchedTerms []string
}

// SearchResult is the output of FusionRetriever.Search.
type SearchResult struct {
	Hits     []*SearchHit
	Degraded bool // true if one of C2/C3 failed and the other's ranking was used alone
}

// Retriever is C5: the single-project hybrid retriever.
type Retriever struct {
	vector   store.VectorIndex
	lexical  store.LexicalIndex
	chunks   ChunkLookup
	embedder EmbeddingProvider
	reranker rerank.Reranker

	rrf           *RRF
	embedCache    *lru.Cache[string, []float32]
	rerankPoolCap int
}

// Option configures a Retriever.
type Option func(*Retriever)

func WithReranker(r rerank.Reranker) Option {
	return func(ret *Retriever) { ret.reranker = r }
}

func WithRRFConstant(k int) Option {
	return func(ret *Retriever) { ret.rrf = NewRRFWithK(k) }
}

func WithRerankPoolCap(n int) Option {
	return func(ret *Retriever) {
		if n > 0 {
			ret.rerankPoolCap = n
		}
	}
}

// New builds a Retriever over an already-built C2/C3 pair for one project.
func New(vectorIdx store.VectorIndex, lexicalIdx store.LexicalIndex, chunks ChunkLookup, embedder EmbeddingProvider, opts ...Option) (*Retriever, error) {
	if vectorIdx == nil || lexicalIdx == nil || chunks == nil || embedder == nil {
		return nil, fmt.Errorf("fusion.New: vectorIdx, lexicalIdx, chunks, and embedder are all required")
	}

	cache, err := lru.New[string, []float32](256)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	ret := &Retriever{
		vector:        vectorIdx,
		lexical:       lexicalIdx,
		chunks:        chunks,
		embedder:      embedder,
		reranker:      rerank.NoOp{},
		rrf:           NewRRF(),
		embedCache:    cache,
		rerankPoolCap: 40,
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret, nil
}

// Search runs the C5 pipeline: embed (cached) -> parallel C2+C3 -> RRF ->
// optional rerank -> truncate to FinalK, filtering by MinScore.
func (r *Retriever) Search(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error) {
	finalK := opts.FinalK
	if finalK <= 0 {
		finalK = 10
	}
	weights := opts.Weights
	if weights.BM25 == 0 && weights.Semantic == 0 {
		weights = DefaultWeights()
	}
	poolSize := 2 * finalK
	if poolSize < 40 {
		poolSize = 40
	}

	vec, err := r.embed(ctx, query)
	if err != nil {
		return nil, cerr.Wrap(cerr.CodeProviderUnavailable, err)
	}

	var dense []*store.VectorResult
	var lexical []*store.LexicalResult
	var denseErr, lexicalErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dense, denseErr = r.vector.Search(gctx, vec, poolSize, opts.Filter)
		return nil // capability errors degrade rather than abort the group
	})
	g.Go(func() error {
		lexical, lexicalErr = r.lexical.Search(gctx, query, poolSize, opts.Filter)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	degraded := false
	switch {
	case denseErr != nil && lexicalErr != nil:
		return nil, cerr.New(cerr.CodeRetrievalUnavailable, "both dense and lexical retrieval failed", denseErr)
	case denseErr != nil:
		slog.Warn("dense_retrieval_failed_degrading_to_lexical", slog.String("error", denseErr.Error()))
		dense = nil
		degraded = true
	case lexicalErr != nil:
		slog.Warn("lexical_retrieval_failed_degrading_to_dense", slog.String("error", lexicalErr.Error()))
		lexical = nil
		degraded = true
	}

	fused := r.rrf.Fuse(dense, lexical, weights)
	if len(fused) > poolSize {
		fused = fused[:poolSize]
	}

	hits, err := r.toHits(ctx, fused)
	if err != nil {
		return nil, err
	}

	if opts.RerankEnabled && len(hits) >= 2 {
		hits, err = r.applyRerank(ctx, query, hits)
		if err != nil {
			slog.Warn("rerank_failed_keeping_fused_order", slog.String("error", err.Error()))
		}
	}

	if opts.MinScore > 0 {
		filtered := hits[:0]
		for _, h := range hits {
			if h.FusedScore >= opts.MinScore {
				filtered = append(filtered, h)
			}
		}
		hits = filtered
	}

	if len(hits) > finalK {
		hits = hits[:finalK]
	}

	return &SearchResult{Hits: hits, Degraded: degraded}, nil
}

func (r *Retriever) embed(ctx context.Context, query string) ([]float32, error) {
	if v, ok := r.embedCache.Get(query); ok {
		return v, nil
	}
	v, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	r.embedCache.Add(query, v)
	return v, nil
}

func (r *Retriever) toHits(ctx context.Context, fused []*FusedResult) ([]*SearchHit, error) {
	if len(fused) == 0 {
		return []*SearchHit{}, nil
	}
	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.ChunkID
	}
	chunks, err := r.chunks.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve chunk content: %w", err)
	}
	byID := make(map[string]*store.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	hits := make([]*SearchHit, 0, len(fused))
	for _, f := range fused {
		c, ok := byID[f.ChunkID]
		if !ok {
			continue // chunk deleted between index build and this read
		}
		hits = append(hits, &SearchHit{
			Chunk:        c,
			DenseScore:   f.DenseScore,
			LexicalScore: f.LexicalScore,
			FusedScore:   f.RRFScore,
			MatchedTerms: f.MatchedTerms,
		})
	}
	return hits, nil
}

// applyRerank reorders the top rerankPoolCap hits using r.reranker, leaving
// any hits beyond that cap in their fused order appended at the end.
func (r *Retriever) applyRerank(ctx context.Context, query string, hits []*SearchHit) ([]*SearchHit, error) {
	poolCap := r.rerankPoolCap
	if poolCap > len(hits) {
		poolCap = len(hits)
	}
	head, tail := hits[:poolCap], hits[poolCap:]

	docs := make([]string, len(head))
	for i, h := range head {
		docs[i] = h.Chunk.Content
	}

	results, err := r.reranker.Rerank(ctx, query, docs, 0)
	if err != nil {
		return hits, err
	}

	reordered := make([]*SearchHit, 0, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(head) {
			continue
		}
		h := head[res.Index]
		h.RerankScore = res.Score
		h.Reranked = true
		reordered = append(reordered, h)
	}
	sort.SliceStable(reordered, func(i, j int) bool { return reordered[i].RerankScore > reordered[j].RerankScore })
	return append(reordered, tail...), nil
}
