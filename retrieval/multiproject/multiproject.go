// Package multiproject implements C7: fan-out of a single query across
// several projects' C5 retrievers, merged into one ranked result.
package multiproject

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/codesearch-dev/codesearch/internal/cerr"
	"github.com/codesearch-dev/codesearch/retrieval/fusion"
	"github.com/codesearch-dev/codesearch/retrieval/rerank"
)

// ProjectRetriever is the subset of fusion.Retriever's contract this
// package fans out to, kept narrow so tests can supply fakes.
type ProjectRetriever interface {
	Search(ctx context.Context, query string, opts fusion.SearchOptions) (*fusion.SearchResult, error)
}

// Target names one project to search, carrying the metadata needed to
// validate embedding-model identity and tag results.
type Target struct {
	ProjectID      string
	ProjectName    string
	EmbeddingModel string
	Retriever      ProjectRetriever
}

// Hit is one result tagged with the project it came from.
type Hit struct {
	*fusion.SearchHit
	ProjectID   string
	ProjectName string
}

// Result is the merged output of a multi-project search.
type Result struct {
	Hits            []*Hit
	PartialFailures []PartialFailure
}

// PartialFailure records one target project whose retrieval failed; the
// remaining projects' results are still returned.
type PartialFailure struct {
	ProjectID   string
	ProjectName string
	Err         error
}

// EmbeddingModelMismatch is returned when targets do not share a single
// embedding model identity. Cross-model retrieval is never attempted.
type EmbeddingModelMismatch struct {
	Offenders map[string]string // project_id -> embedding_model
}

func (e EmbeddingModelMismatch) Error() string {
	parts := make([]string, 0, len(e.Offenders))
	for id, model := range e.Offenders {
		parts = append(parts, fmt.Sprintf("%s=%s", id, model))
	}
	sort.Strings(parts)
	return fmt.Sprintf("embedding model mismatch across targets: %s", strings.Join(parts, ", "))
}

// Fuser merges per-project C5 results across N>1 projects.
type Fuser struct {
	parallelism int
	reranker    rerank.Reranker
}

// Option configures a Fuser.
type Option func(*Fuser)

func WithParallelism(n int) Option {
	return func(f *Fuser) {
		if n > 0 {
			f.parallelism = n
		}
	}
}

func WithReranker(r rerank.Reranker) Option {
	return func(f *Fuser) { f.reranker = r }
}

func New(opts ...Option) *Fuser {
	f := &Fuser{parallelism: 4, reranker: rerank.NoOp{}}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Search validates embedding-model identity across targets, then fans the
// query out to each target's C5 in parallel, merges by fused score, and
// optionally reranks the union before truncating to opts.FinalK.
func (f *Fuser) Search(ctx context.Context, query string, targets []Target, opts fusion.SearchOptions) (*Result, error) {
	if len(targets) == 0 {
		return &Result{Hits: []*Hit{}}, nil
	}

	if mismatch := validateEmbeddingIdentity(targets); mismatch != nil {
		return nil, cerr.New(cerr.CodeEmbeddingModelMismatch, mismatch.Error(), mismatch)
	}

	perProjectOpts := opts
	// Each project is asked for the caller's final_k: the merge step
	// re-truncates to final_k across the union, so no project can
	// contribute more than that many.
	if perProjectOpts.FinalK <= 0 {
		perProjectOpts.FinalK = 10
	}

	type projectResult struct {
		target Target
		result *fusion.SearchResult
		err    error
	}
	outcomes := make([]projectResult, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, f.parallelism)
	var mu sync.Mutex

	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			res, err := t.Retriever.Search(gctx, query, perProjectOpts)
			mu.Lock()
			outcomes[i] = projectResult{target: t, result: res, err: err}
			mu.Unlock()
			return nil // a single project's failure doesn't abort the fan-out
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []*Hit
	var failures []PartialFailure
	for _, o := range outcomes {
		if o.err != nil {
			slog.Warn("project_retrieval_failed",
				slog.String("project_id", o.target.ProjectID),
				slog.String("error", o.err.Error()))
			failures = append(failures, PartialFailure{
				ProjectID:   o.target.ProjectID,
				ProjectName: o.target.ProjectName,
				Err:         o.err,
			})
			continue
		}
		for _, h := range o.result.Hits {
			merged = append(merged, &Hit{
				SearchHit:   h,
				ProjectID:   o.target.ProjectID,
				ProjectName: o.target.ProjectName,
			})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].FusedScore > merged[j].FusedScore
	})

	if opts.RerankEnabled && len(merged) >= 2 {
		merged = f.rerankUnion(ctx, query, merged)
	}

	finalK := opts.FinalK
	if finalK <= 0 {
		finalK = 10
	}
	if len(merged) > finalK {
		merged = merged[:finalK]
	}

	return &Result{Hits: merged, PartialFailures: failures}, nil
}

func (f *Fuser) rerankUnion(ctx context.Context, query string, hits []*Hit) []*Hit {
	docs := make([]string, len(hits))
	for i, h := range hits {
		docs[i] = h.Chunk.Content
	}
	results, err := f.reranker.Rerank(ctx, query, docs, 0)
	if err != nil {
		slog.Warn("multi_project_rerank_failed", slog.String("error", err.Error()))
		return hits
	}
	reordered := make([]*Hit, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(hits) {
			continue
		}
		h := hits[r.Index]
		h.RerankScore = r.Score
		h.Reranked = true
		reordered = append(reordered, h)
	}
	return reordered
}

// validateEmbeddingIdentity returns a non-nil mismatch error unless every
// target shares a single embedding model.
func validateEmbeddingIdentity(targets []Target) *EmbeddingModelMismatch {
	if len(targets) < 2 {
		return nil
	}
	first := targets[0].EmbeddingModel
	offenders := map[string]string{}
	for _, t := range targets {
		if t.EmbeddingModel != first {
			offenders[t.ProjectID] = t.EmbeddingModel
		}
	}
	if len(offenders) == 0 {
		return nil
	}
	offenders[targets[0].ProjectID] = first
	return &EmbeddingModelMismatch{Offenders: offenders}
}
