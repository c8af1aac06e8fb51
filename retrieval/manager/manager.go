// Package manager implements C6: a per-process singleton that owns the C2
// (vector) and C3 (lexical) indices for every project, building them lazily
// from C1 and caching the result until explicitly invalidated.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/codesearch-dev/codesearch/retrieval/fusion"
	"github.com/codesearch-dev/codesearch/retrieval/lexical"
	"github.com/codesearch-dev/codesearch/retrieval/rerank"
	"github.com/codesearch-dev/codesearch/retrieval/vector"
	"github.com/codesearch-dev/codesearch/store"
)

// VectorBackend selects which store.VectorIndex implementation to build.
type VectorBackend string

const (
	VectorBackendHNSW       VectorBackend = "hnsw"
	VectorBackendBruteForce VectorBackend = "bruteforce"
)

// entry holds one project's built indices (and the C5 retriever wrapping
// them), or an in-flight build future shared by every caller that arrives
// while it is running. The retriever is built lazily on first use and
// invalidated together with the indices it wraps.
type entry struct {
	vectorIdx  store.VectorIndex
	lexicalIdx store.LexicalIndex
	retriever  *fusion.Retriever

	building bool
	done     chan struct{}
	err      error
}

// Manager is C6. Safe for concurrent use.
type Manager struct {
	chunks   store.ChunkStore
	backend  VectorBackend
	pageSize int
	vecCfgFn func(dimensions int) store.VectorIndexConfig
	bm25Cfg  store.BM25Config
	embedder fusion.EmbeddingProvider
	reranker rerank.Reranker
	rrfK     int
	rerankPoolCap int

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a Manager.
type Option func(*Manager)

func WithVectorBackend(b VectorBackend) Option {
	return func(m *Manager) { m.backend = b }
}

func WithPageSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// WithVectorIndexConfig overrides the HNSW parameters (M, EfConstruction,
// EfSearch) used to build every project's C2 index. Dimensions is still
// filled in per-project at build time.
func WithVectorIndexConfig(m_, efConstruction, efSearch int) Option {
	return func(m *Manager) {
		m.vecCfgFn = func(dimensions int) store.VectorIndexConfig {
			cfg := store.DefaultVectorIndexConfig(dimensions)
			if m_ > 0 {
				cfg.M = m_
			}
			if efConstruction > 0 {
				cfg.EfConstruction = efConstruction
			}
			if efSearch > 0 {
				cfg.EfSearch = efSearch
			}
			return cfg
		}
	}
}

// WithBM25Config overrides the k1/b parameters used to build every
// project's C3 index.
func WithBM25Config(k1, b float64) Option {
	return func(m *Manager) {
		if k1 > 0 {
			m.bm25Cfg.K1 = k1
		}
		if b > 0 {
			m.bm25Cfg.B = b
		}
	}
}

// WithEmbedder and WithReranker supply the capabilities used to build the
// cached C5 retriever for each project. Without an embedder, GetRetriever
// fails fast.
func WithEmbedder(e fusion.EmbeddingProvider) Option {
	return func(m *Manager) { m.embedder = e }
}

func WithReranker(r rerank.Reranker) Option {
	return func(m *Manager) { m.reranker = r }
}

// WithRRFConstant and WithRerankPoolCap tune the cached retriever's fusion
// behavior; see fusion.WithRRFConstant/WithRerankPoolCap.
func WithRRFConstant(k int) Option {
	return func(m *Manager) { m.rrfK = k }
}

func WithRerankPoolCap(n int) Option {
	return func(m *Manager) { m.rerankPoolCap = n }
}

func New(chunks store.ChunkStore, opts ...Option) *Manager {
	m := &Manager{
		chunks:   chunks,
		backend:  VectorBackendHNSW,
		pageSize: 1000,
		vecCfgFn: store.DefaultVectorIndexConfig,
		bm25Cfg:  store.DefaultBM25Config(),
		reranker: rerank.NoOp{},
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetIndices returns the built (or freshly-built) vector and lexical index
// for projectID, sharing an in-flight build with any concurrent caller.
func (m *Manager) GetIndices(ctx context.Context, projectID string, dimensions int) (store.VectorIndex, store.LexicalIndex, error) {
	for {
		m.mu.Lock()
		e, ok := m.entries[projectID]
		if ok && !e.building {
			m.mu.Unlock()
			return e.vectorIdx, e.lexicalIdx, nil
		}
		if ok && e.building {
			done := e.done
			m.mu.Unlock()
			select {
			case <-done:
				continue // re-check: either populated, or cleared after a failed build
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		// No entry: claim the build ourselves.
		e = &entry{building: true, done: make(chan struct{})}
		m.entries[projectID] = e
		m.mu.Unlock()

		vectorIdx, lexicalIdx, err := m.build(ctx, projectID, dimensions)

		m.mu.Lock()
		if err != nil {
			delete(m.entries, projectID)
		} else {
			e.vectorIdx = vectorIdx
			e.lexicalIdx = lexicalIdx
			e.building = false
		}
		close(e.done)
		m.mu.Unlock()

		if err != nil {
			return nil, nil, err
		}
		return vectorIdx, lexicalIdx, nil
	}
}

// build reads every chunk for projectID via C1's paged stream, checks the
// dimension sentinel against the first chunk, and constructs both indices.
func (m *Manager) build(ctx context.Context, projectID string, dimensions int) (store.VectorIndex, store.LexicalIndex, error) {
	var chunks []*store.Chunk
	checked := false

	err := m.chunks.IterChunks(ctx, projectID, m.pageSize, func(page []*store.Chunk) error {
		if !checked && len(page) > 0 {
			checked = true
			if len(page[0].Embedding) != dimensions {
				return store.ErrDimensionMismatch{
					ProjectID: projectID,
					Expected:  dimensions,
					Got:       len(page[0].Embedding),
				}
			}
		}
		chunks = append(chunks, page...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	vecConfig := m.vecCfgFn(dimensions)
	var vectorIdx store.VectorIndex
	switch m.backend {
	case VectorBackendBruteForce:
		vectorIdx, err = vector.BuildBruteForce(ctx, chunks, vecConfig)
	default:
		vectorIdx, err = vector.BuildHNSW(ctx, chunks, vecConfig)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("build vector index for project %s: %w", projectID, err)
	}

	lexicalIdx, err := lexical.Build(ctx, chunks, m.bm25Cfg)
	if err != nil {
		vectorIdx.Close()
		return nil, nil, fmt.Errorf("build lexical index for project %s: %w", projectID, err)
	}

	return vectorIdx, lexicalIdx, nil
}

// GetRetriever returns the cached C5 retriever for projectID, building its
// indices (via GetIndices) and wrapping them the first time it's requested.
// The retriever is invalidated together with the indices it wraps.
func (m *Manager) GetRetriever(ctx context.Context, projectID string, dimensions int) (*fusion.Retriever, error) {
	if m.embedder == nil {
		return nil, fmt.Errorf("manager: no embedder configured, cannot build retriever")
	}

	vectorIdx, lexicalIdx, err := m.GetIndices(ctx, projectID, dimensions)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if e, ok := m.entries[projectID]; ok && e.retriever != nil && e.vectorIdx == vectorIdx {
		r := e.retriever
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	opts := []fusion.Option{fusion.WithReranker(m.reranker)}
	if m.rrfK > 0 {
		opts = append(opts, fusion.WithRRFConstant(m.rrfK))
	}
	if m.rerankPoolCap > 0 {
		opts = append(opts, fusion.WithRerankPoolCap(m.rerankPoolCap))
	}
	retr, err := fusion.New(vectorIdx, lexicalIdx, m.chunks, m.embedder, opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[projectID]
	if !ok || e.vectorIdx != vectorIdx {
		// Invalidated or rebuilt while we constructed retr: hand it back
		// unwired rather than cache it against a stale entry.
		return retr, nil
	}
	if e.retriever == nil {
		e.retriever = retr
	}
	return e.retriever, nil
}

// Invalidate drops both indices for a project. Any in-flight build for it
// completes but its result is discarded. Triggered by chunk insertion or
// deletion, project deletion, or a dimension change.
func (m *Manager) Invalidate(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[projectID]
	if !ok {
		return
	}
	if e.building {
		// Mark stale so the in-progress build's result is dropped on arrival.
		delete(m.entries, projectID)
		return
	}
	if e.vectorIdx != nil {
		e.vectorIdx.Close()
	}
	if e.lexicalIdx != nil {
		e.lexicalIdx.Close()
	}
	delete(m.entries, projectID)
}

// Dispose tears down every held index. Call once at process shutdown; the
// core keeps no LRU eviction or background reaper.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.vectorIdx != nil {
			e.vectorIdx.Close()
		}
		if e.lexicalIdx != nil {
			e.lexicalIdx.Close()
		}
		delete(m.entries, id)
	}
}
