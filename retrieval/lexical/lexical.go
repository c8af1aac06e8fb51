// Package lexical implements C3: an in-memory BM25 inverted index built
// once per project from its chunk store, backed by bleve with a
// code-aware tokenizer (camelCase/snake_case splitting, no stemming, no
// stopword removal — identifiers must match literally per the lexical
// index's contract).
package lexical

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"

	"github.com/codesearch-dev/codesearch/store"
)

const (
	tokenizerName = "code_tokenizer"
	analyzerName  = "code_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(tokenizerName, codeTokenizerConstructor)
}

// Index is an in-memory (bleve mem-only) BM25 index over one project's
// chunks. It is immutable after Build: corpus statistics are computed once
// and never mutated, matching the lexical index's invariant.
type Index struct {
	mu     sync.RWMutex
	bidx   bleve.Index
	chunks map[string]*store.Chunk // id -> chunk, for filter evaluation
	config store.BM25Config
	closed bool
}

type document struct {
	Content string `json:"content"`
}

// Build constructs a lexical index from a project's full chunk set. Bleve
// itself derives k1/b-style scoring internally; config is retained for
// parity with the store's typed configuration surface and future backend
// swaps.
func Build(ctx context.Context, chunks []*store.Chunk, config store.BM25Config) (*Index, error) {
	m, err := indexMapping()
	if err != nil {
		return nil, fmt.Errorf("build lexical index mapping: %w", err)
	}

	bidx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("create in-memory lexical index: %w", err)
	}

	idx := &Index{
		bidx:   bidx,
		chunks: make(map[string]*store.Chunk, len(chunks)),
		config: config,
	}

	batch := bidx.NewBatch()
	for _, c := range chunks {
		idx.chunks[c.ID] = c
		if err := batch.Index(c.ID, document{Content: c.Content}); err != nil {
			return nil, fmt.Errorf("index chunk %s: %w", c.ID, err)
		}
	}
	if len(chunks) > 0 {
		if err := bidx.Batch(batch); err != nil {
			return nil, fmt.Errorf("commit lexical batch: %w", err)
		}
	}

	return idx, nil
}

// Search returns up to k chunks matching query, scored by BM25. An empty
// query returns an empty result, not an error. Hits with equal scores come
// back in bleve's internal document order, which does not follow the order
// chunks were passed to Build.
func (idx *Index) Search(ctx context.Context, query string, k int, filter store.MetadataFilter) ([]*store.LexicalResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, fmt.Errorf("lexical index is closed")
	}
	if strings.TrimSpace(query) == "" {
		return []*store.LexicalResult{}, nil
	}

	size := k
	if filter != nil {
		size = k * 4
		if size < k {
			size = k
		}
	}

	mq := bleve.NewMatchQuery(query)
	mq.SetField("content")

	req := bleve.NewSearchRequest(mq)
	req.Size = size
	req.IncludeLocations = true

	res, err := idx.bidx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	results := make([]*store.LexicalResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if filter != nil {
			c, ok := idx.chunks[hit.ID]
			if !ok || !filter(c) {
				continue
			}
		}
		results = append(results, &store.LexicalResult{
			ChunkID:      hit.ID,
			Score:        hit.Score,
			MatchedTerms: matchedTerms(hit),
		})
		if len(results) >= k {
			break
		}
	}

	return results, nil
}

func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return 0
	}
	n, _ := idx.bidx.DocCount()
	return int(n)
}

func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	idx.closed = true
	return idx.bidx.Close()
}

var _ store.LexicalIndex = (*Index)(nil)

func indexMapping() (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()
	// No stop-word filter: identifiers must match literally, and stopwords
	// are not removed (only lowercasing is applied beyond our own
	// camelCase/snake_case splitting tokenizer).
	err := m.AddCustomAnalyzer(analyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     tokenizerName,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, err
	}
	m.DefaultAnalyzer = analyzerName
	return m, nil
}

func matchedTerms(hit *search.DocumentMatch) []string {
	seen := make(map[string]struct{})
	for field, locs := range hit.Locations {
		if field != "content" {
			continue
		}
		for term := range locs {
			seen[term] = struct{}{}
		}
	}
	terms := make([]string, 0, len(seen))
	for t := range seen {
		terms = append(terms, t)
	}
	return terms
}

type codeTokenizer struct{}

func codeTokenizerConstructor(_ map[string]interface{}, _ *registry.Cache) (analysis.Tokenizer, error) {
	return &codeTokenizer{}, nil
}

func (t *codeTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := store.TokenizeCode(text)

	result := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0
	for _, tok := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), strings.ToLower(tok))
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(tok)
		result = append(result, &analysis.Token{
			Term:     []byte(tok),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}
	return result
}
