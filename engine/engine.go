// Package engine wires C1-C12 into the invocation surface a frontend
// calls into: index_open, chunks_upsert, project CRUD, search, ask, and
// eval_run.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/codesearch-dev/codesearch/assemble"
	"github.com/codesearch-dev/codesearch/config"
	"github.com/codesearch-dev/codesearch/eval"
	"github.com/codesearch-dev/codesearch/retrieval/fusion"
	"github.com/codesearch-dev/codesearch/retrieval/manager"
	"github.com/codesearch-dev/codesearch/retrieval/multiproject"
	"github.com/codesearch-dev/codesearch/retrieval/rerank"
	"github.com/codesearch-dev/codesearch/routing"
	"github.com/codesearch-dev/codesearch/routing/classify"
	"github.com/codesearch-dev/codesearch/store"
	"github.com/codesearch-dev/codesearch/trace"
)

// Engine is the process-local retrieval core. One Engine serves every
// project in a single chunk store.
type Engine struct {
	cfg        config.Config
	chunks     store.ChunkStore
	manager    *manager.Manager
	router     *routing.Router
	classifier *classify.Classifier
	assembler  *assemble.Assembler
	recorder   *trace.Recorder
	reranker   rerank.Reranker
	writeLock  *store.WriteLock
}

// Deps are the external capabilities the engine needs injected: the
// project-scoped embedding provider and an optional cross-encoder.
type Deps struct {
	Embedder fusion.EmbeddingProvider
	Reranker rerank.Reranker
	LLM      routing.LLMRouter // optional: enables C8's language-model fallback
}

// Open implements index_open: opens/creates the on-disk store, runs
// migrations, and wires every component over it.
func Open(dbPath string, cfg config.Config, deps Deps) (*Engine, error) {
	chunkStore, err := store.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}

	backend := manager.VectorBackendHNSW
	if cfg.Store.VectorBackend == string(manager.VectorBackendBruteForce) {
		backend = manager.VectorBackendBruteForce
	}

	reranker := deps.Reranker
	if reranker == nil {
		reranker = rerank.NoOp{}
	}

	mgr := manager.New(chunkStore,
		manager.WithVectorBackend(backend),
		manager.WithVectorIndexConfig(cfg.Store.M, cfg.Store.EfConstruction, cfg.Store.EfSearch),
		manager.WithBM25Config(cfg.Store.BM25K1, cfg.Store.BM25B),
		manager.WithEmbedder(deps.Embedder),
		manager.WithReranker(reranker),
		manager.WithRRFConstant(cfg.Retrieval.RRFConstant),
		manager.WithRerankPoolCap(cfg.Retrieval.RerankPoolCap),
	)

	routerOpts := []routing.Option{
		routing.WithForceRAG(cfg.Routing.ForceRAG),
		routing.WithLLMFallbackEnabled(cfg.Routing.LLMFallbackEnabled),
	}
	if cfg.Routing.HeuristicConfidence > 0 {
		routerOpts = append(routerOpts, routing.WithHeuristicConfidence(cfg.Routing.HeuristicConfidence))
	}
	if cfg.Routing.ContextHintConfidence > 0 {
		routerOpts = append(routerOpts, routing.WithContextHintConfidence(cfg.Routing.ContextHintConfidence))
	}
	if deps.LLM != nil {
		routerOpts = append(routerOpts, routing.WithLLMRouter(deps.LLM))
	}

	traceDBPath := strings.TrimSuffix(dbPath, ".db") + "-traces.db"
	recorder, err := trace.Open(traceDBPath, cfg.Trace.SampleRate)
	if err != nil {
		chunkStore.Close()
		return nil, fmt.Errorf("open trace recorder: %w", err)
	}

	return &Engine{
		cfg:        cfg,
		chunks:     chunkStore,
		manager:    mgr,
		router:     routing.New(routerOpts...),
		classifier: classify.New(cfg.Routing.ClassifierCacheSize),
		assembler:  assemble.New(),
		recorder:   recorder,
		reranker:   reranker,
		writeLock:  store.NewWriteLock(filepath.Dir(dbPath)),
	}, nil
}

// Close releases every held resource: indices, the chunk store, and the
// trace recorder.
func (e *Engine) Close() error {
	e.manager.Dispose()
	if err := e.recorder.Close(); err != nil {
		return err
	}
	return e.chunks.Close()
}

// ProjectCreate registers a new project. name must be unique.
func (e *Engine) ProjectCreate(ctx context.Context, p *store.Project) error {
	return e.chunks.CreateProject(ctx, p)
}

// ProjectDelete cascades to chunks, file hashes, and eval rows, and
// invalidates any cached indices.
func (e *Engine) ProjectDelete(ctx context.Context, projectID string) error {
	if err := e.writeLock.Lock(); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	defer e.writeLock.Unlock()

	if err := e.chunks.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	e.manager.Invalidate(projectID)
	return nil
}

func (e *Engine) ProjectList(ctx context.Context) ([]*store.Project, error) {
	return e.chunks.ListProjects(ctx)
}

// ChunksUpsert implements chunks_upsert: a transactional replace of one
// file's chunks, keyed by its content hash to skip unchanged files.
func (e *Engine) ChunksUpsert(ctx context.Context, projectID, filePath, hash string, newChunks []*store.Chunk) error {
	if err := e.writeLock.Lock(); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	defer e.writeLock.Unlock()

	existing, err := e.chunks.GetFileHash(ctx, projectID, filePath)
	if err != nil {
		return fmt.Errorf("read file hash: %w", err)
	}
	if existing != nil && existing.Hash == hash {
		return nil // unchanged, skip re-chunking
	}

	if err := e.chunks.DeleteChunksForFile(ctx, projectID, filePath); err != nil {
		return fmt.Errorf("delete stale chunks: %w", err)
	}
	if err := e.chunks.InsertChunks(ctx, projectID, newChunks); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	ids := make([]string, len(newChunks))
	for i, c := range newChunks {
		ids[i] = c.ID
	}
	if err := e.chunks.SaveFileHash(ctx, &store.FileHash{
		ProjectID: projectID,
		FilePath:  filePath,
		Hash:      hash,
		ChunkIDs:  ids,
	}); err != nil {
		return fmt.Errorf("save file hash: %w", err)
	}

	e.manager.Invalidate(projectID)
	return nil
}

// SearchOptions is the caller-facing options bag for Search/Ask.
type SearchOptions struct {
	ProjectID        string // explicit routing target, if known
	CurrentProjectID string // for C8's context-hint strategy
	FinalK           int
	MinScore         float64
	RerankEnabled    bool
	HasPriorTurn     bool
}

// SearchResult is the top-level result of Search: the assembled context
// plus every routing/classification decision that produced it, for the
// caller to log or forward to trace.
type SearchResult struct {
	Hits            []*assemble.Hit
	Assembled       assemble.Result
	RoutingDecision routing.Decision
	ClassDecision   classify.Decision
	Degraded        bool
	PartialFailures []multiproject.PartialFailure
}

// Search implements the full C9 -> C8 -> (C5 | C7) -> C10 query path.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error) {
	start := time.Now()

	decision := e.classifier.Classify(ctx, query, opts.HasPriorTurn)
	if decision.SkipRetrieval {
		return &SearchResult{ClassDecision: decision}, nil
	}

	catalogue, err := e.catalogue(ctx)
	if err != nil {
		return nil, err
	}

	route := e.router.Route(ctx, query, opts.ProjectID, opts.CurrentProjectID, catalogue)

	finalK := opts.FinalK
	if finalK <= 0 {
		finalK = e.cfg.Retrieval.FusionPoolSize / 2
		if finalK <= 0 {
			finalK = 10
		}
	}
	if decision.FinalKScale > 0 {
		finalK = ceilScale(finalK, decision.FinalKScale)
	}

	fusionOpts := fusion.SearchOptions{
		FinalK:        finalK,
		MinScore:      opts.MinScore,
		RerankEnabled: opts.RerankEnabled || decision.RerankEnabled,
		Weights:       fusion.Weights{BM25: e.cfg.Retrieval.BM25Weight, Semantic: e.cfg.Retrieval.SemanticWeight},
	}

	var hits []*assemble.Hit
	degraded := false
	var partialFailures []multiproject.PartialFailure

	if len(route.ProjectIDs) == 1 {
		retr, _, err := e.retrieverFor(ctx, route.ProjectIDs[0])
		// An unknown project is an empty result for a query, not an error.
		_, notFound := err.(store.ErrProjectNotFound)
		if err != nil && !notFound {
			return nil, err
		}
		if !notFound {
			res, err := retr.Search(ctx, query, fusionOpts)
			if err != nil {
				return nil, err
			}
			degraded = res.Degraded
			hits = toAssembleHits(res.Hits)
		}
	} else {
		targets := make([]multiproject.Target, 0, len(route.ProjectIDs))
		for _, id := range route.ProjectIDs {
			retr, project, err := e.retrieverFor(ctx, id)
			if err != nil {
				continue
			}
			targets = append(targets, multiproject.Target{
				ProjectID:      project.ID,
				ProjectName:    project.Name,
				EmbeddingModel: project.EmbeddingModel,
				Retriever:      retr,
			})
		}
		fuser := multiproject.New(
			multiproject.WithParallelism(e.cfg.Retrieval.MultiProjectParallelism),
			multiproject.WithReranker(e.reranker),
		)
		res, err := fuser.Search(ctx, query, targets, fusionOpts)
		if err != nil {
			return nil, err
		}
		partialFailures = res.PartialFailures
		hits = toAssembleHitsMulti(res.Hits)
	}

	retrievalLatency := time.Since(start)
	assembled := e.assembler.Assemble(hits, e.cfg.Context.DefaultTokenBudget, assemble.Ordering(e.cfg.Context.DefaultOrdering))

	if ctx.Err() == nil && e.recorder.ShouldSample() {
		paths := make([]string, len(assembled.Sources))
		for i, s := range assembled.Sources {
			paths[i] = s.FilePath
		}
		method := "fusion"
		if len(route.ProjectIDs) > 1 {
			method = "multi-project"
		}
		rec := trace.Record{
			Timestamp:         start,
			ProjectIDs:        route.ProjectIDs,
			Query:             query,
			RetrievedPaths:    paths,
			TopK:              finalK,
			RetrievalMethod:   method,
			RoutingMethod:     string(route.Method),
			RoutingConfidence: route.Confidence,
			LatencyRetrieval:  retrievalLatency,
			LatencyAssembly:   time.Since(start) - retrievalLatency,
			LatencyTotal:      time.Since(start),
		}
		// Dispatched off the request path: tracing is best-effort and must
		// never add latency to the caller's response. A query whose ctx is
		// already cancelled is not traced; otherwise the write is detached
		// from ctx's cancellation since the caller is free to cancel the
		// instant Search returns.
		recordCtx := context.WithoutCancel(ctx)
		go e.recorder.Record(recordCtx, rec)
	}

	return &SearchResult{
		Hits:            hits,
		Assembled:       assembled,
		RoutingDecision: route,
		ClassDecision:   decision,
		Degraded:        degraded,
		PartialFailures: partialFailures,
	}, nil
}

// Ask runs Search then hands the assembled context to the caller; answer
// synthesis itself (streaming from a LanguageModelProvider) is a frontend
// concern the core never requires.
func (e *Engine) Ask(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error) {
	return e.Search(ctx, query, opts)
}

// EvalRun implements eval_run: runs dataset through a single-project
// search, scores it, persists the run to the store, and compares it
// against the most recent prior run for the project (if any).
func (e *Engine) EvalRun(ctx context.Context, projectID string, dataset []eval.DatasetEntry, opts SearchOptions) (*eval.Run, error) {
	opts.ProjectID = projectID
	startedAt := time.Now()
	search := func(ctx context.Context, query string) ([]string, error) {
		res, err := e.Search(ctx, query, opts)
		if err != nil {
			return nil, err
		}
		paths := make([]string, len(res.Assembled.Sources))
		for i, s := range res.Assembled.Sources {
			paths[i] = s.FilePath
		}
		return paths, nil
	}

	run, err := eval.Execute(ctx, dataset, search)
	if err != nil {
		return run, err
	}

	prior, err := e.chunks.LoadPriorEvalRun(ctx, projectID, startedAt)
	if err != nil {
		slog.Warn("eval_load_prior_run_failed", slog.String("error", err.Error()))
	} else if prior != nil {
		run.Comparison = eval.CompareToPrior(run.Metrics, prior.Metrics)
	}

	if err := e.chunks.SaveEvalRun(ctx, toStoreEvalRun(projectID, startedAt, run)); err != nil {
		slog.Warn("eval_save_run_failed", slog.String("error", err.Error()))
	}

	return run, nil
}

func toStoreEvalRun(projectID string, startedAt time.Time, run *eval.Run) *store.EvalRun {
	queries := make([]store.EvalQueryResult, len(run.Queries))
	for i, q := range run.Queries {
		queries[i] = store.EvalQueryResult{
			Query:     q.Query,
			Err:       q.Err,
			RR:        q.RR,
			HitRate:   q.HitRate,
			Precision: q.Precision,
			Recall:    q.Recall,
			NDCG:      q.NDCG,
			AP:        q.AP,
		}
	}
	return &store.EvalRun{
		ProjectID: projectID,
		StartedAt: startedAt,
		Status:    string(run.Status),
		Metrics: store.EvalMetrics{
			MRR:       run.Metrics.MRR,
			HitRate:   run.Metrics.HitRate,
			Precision: run.Metrics.Precision,
			Recall:    run.Metrics.Recall,
			NDCG:      run.Metrics.NDCG,
			MAP:       run.Metrics.MAP,
		},
		Queries: queries,
	}
}

func (e *Engine) catalogue(ctx context.Context) ([]routing.ProjectDescriptor, error) {
	projects, err := e.chunks.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects for routing: %w", err)
	}
	catalogue := make([]routing.ProjectDescriptor, len(projects))
	for i, p := range projects {
		catalogue[i] = routing.ProjectDescriptor{ID: p.ID, Name: p.Name, Description: p.Description, Tags: p.Tags}
	}
	return catalogue, nil
}

// retrieverFor returns the project's cached C5 retriever from the manager,
// built once and reused across calls (and across multi-project fan-out
// targets) so its embed cache and per-project state actually accumulate.
func (e *Engine) retrieverFor(ctx context.Context, projectID string) (*fusion.Retriever, *store.Project, error) {
	project, err := e.chunks.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	retr, err := e.manager.GetRetriever(ctx, projectID, project.Dimensions)
	if err != nil {
		return nil, nil, err
	}
	return retr, project, nil
}

func toAssembleHits(hits []*fusion.SearchHit) []*assemble.Hit {
	out := make([]*assemble.Hit, len(hits))
	for i, h := range hits {
		score := h.FusedScore
		if h.Reranked {
			score = h.RerankScore
		}
		out[i] = &assemble.Hit{
			ChunkID:   h.Chunk.ID,
			Content:   h.Chunk.Content,
			FilePath:  h.Chunk.FilePath,
			LineRange: h.Chunk.LineRange,
			Score:     score,
		}
	}
	return out
}

func toAssembleHitsMulti(hits []*multiproject.Hit) []*assemble.Hit {
	out := make([]*assemble.Hit, len(hits))
	for i, h := range hits {
		score := h.FusedScore
		if h.Reranked {
			score = h.RerankScore
		}
		out[i] = &assemble.Hit{
			ChunkID:   h.Chunk.ID,
			Content:   h.Chunk.Content,
			FilePath:  h.Chunk.FilePath,
			LineRange: h.Chunk.LineRange,
			Score:     score,
		}
	}
	return out
}

func ceilScale(k int, scale float64) int {
	v := float64(k) * scale
	if v == float64(int(v)) {
		return int(v)
	}
	return int(v) + 1
}
