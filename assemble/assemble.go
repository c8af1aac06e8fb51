// Package assemble implements C10: packing retrieved chunks into a
// bounded, citation-friendly context block.
package assemble

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/codesearch-dev/codesearch/store"
)

// Ordering selects how hits are walked during packing.
type Ordering string

const (
	OrderingRelevance     Ordering = "relevance"
	OrderingChronological Ordering = "chronological"
	OrderingSandwich      Ordering = "sandwich"
)

// Hit is the minimal view of a retrieved chunk the assembler needs. The
// engine converts each fusion.SearchHit (or multiproject.Hit) into one.
type Hit struct {
	ChunkID   string
	Content   string
	FilePath  string
	LineRange store.LineRange
	Score     float64
}

// TokenEstimator estimates a text's token count. The core ships a coarse
// char-count/4 default; a real tokenizer may be injected.
type TokenEstimator func(text string) int

// DefaultTokenEstimator implements ceil(char_count / 4).
func DefaultTokenEstimator(text string) int {
	return int(math.Ceil(float64(len(text)) / 4.0))
}

// Source is one citation in the assembled block.
type Source struct {
	Index     int // 1-indexed, referenced by the text's citation markers
	ChunkID   string
	FilePath  string
	LineRange store.LineRange
	Truncated bool
}

// Result is the assembled context.
type Result struct {
	Text              string
	Sources           []Source
	DeduplicatedCount int
	DroppedCount      int
	TokensUsed        int
}

// Assembler is C10.
type Assembler struct {
	estimator TokenEstimator
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithTokenEstimator overrides the default coarse char-count/4 estimator.
func WithTokenEstimator(est TokenEstimator) Option {
	return func(a *Assembler) { a.estimator = est }
}

func New(opts ...Option) *Assembler {
	a := &Assembler{estimator: DefaultTokenEstimator}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble dedups, orders, and packs hits within maxTokens.
func (a *Assembler) Assemble(hits []*Hit, maxTokens int, ordering Ordering) Result {
	deduped, dedupCount := dedup(hits)
	ordered := order(deduped, ordering)

	var b strings.Builder
	sources := make([]Source, 0, len(ordered))
	tokensUsed := 0
	dropped := 0

	for _, h := range ordered {
		content := h.Content
		truncated := false
		contentTokens := a.estimator(content)

		if len(sources) == 0 && contentTokens > maxTokens {
			content, contentTokens = truncateToBudget(content, maxTokens, a.estimator)
			truncated = true
		} else if tokensUsed+contentTokens > maxTokens {
			dropped++
			continue
		}

		idx := len(sources) + 1
		fmt.Fprintf(&b, "[%d] %s:%d-%d\n%s\n\n", idx, h.FilePath, h.LineRange.Start, h.LineRange.End, content)
		sources = append(sources, Source{
			Index:     idx,
			ChunkID:   h.ChunkID,
			FilePath:  h.FilePath,
			LineRange: h.LineRange,
			Truncated: truncated,
		})
		tokensUsed += contentTokens
	}

	return Result{
		Text:              strings.TrimRight(b.String(), "\n"),
		Sources:           sources,
		DeduplicatedCount: dedupCount,
		DroppedCount:      dropped,
		TokensUsed:        tokensUsed,
	}
}

// dedup drops the lower-scored of any two hits sharing a file_path whose
// line ranges overlap by at least 50%.
func dedup(hits []*Hit) ([]*Hit, int) {
	kept := make([]*Hit, 0, len(hits))
	removed := 0

	for _, h := range hits {
		duplicate := false
		for i, k := range kept {
			if k.FilePath != h.FilePath {
				continue
			}
			if k.LineRange.Overlap(h.LineRange) < 0.5 {
				continue
			}
			duplicate = true
			if h.Score > k.Score {
				kept[i] = h
			}
			break
		}
		if !duplicate {
			kept = append(kept, h)
		} else {
			removed++
		}
	}
	return kept, removed
}

func order(hits []*Hit, ordering Ordering) []*Hit {
	switch ordering {
	case OrderingChronological:
		sorted := make([]*Hit, len(hits))
		copy(sorted, hits)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].FilePath != sorted[j].FilePath {
				return sorted[i].FilePath < sorted[j].FilePath
			}
			return sorted[i].LineRange.Start < sorted[j].LineRange.Start
		})
		return sorted
	case OrderingSandwich:
		return sandwich(hits)
	default: // relevance: input order preserved
		return hits
	}
}

// sandwich places the highest-scored hit first, the lowest-scored second,
// then alternates outside-in, so the context window's two ends (where
// language models attend best) hold the strongest evidence.
func sandwich(hits []*Hit) []*Hit {
	if len(hits) <= 2 {
		return hits
	}
	sorted := make([]*Hit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	result := make([]*Hit, 0, len(sorted))
	lo, hi := 0, len(sorted)-1
	takeLo := true
	for lo <= hi {
		if takeLo {
			result = append(result, sorted[lo])
			lo++
		} else {
			result = append(result, sorted[hi])
			hi--
		}
		takeLo = !takeLo
	}
	return result
}

func truncateToBudget(content string, maxTokens int, estimator TokenEstimator) (string, int) {
	lines := strings.Split(content, "\n")
	var b strings.Builder
	for _, line := range lines {
		candidate := b.String()
		if candidate != "" {
			candidate += "\n"
		}
		candidate += line
		if estimator(candidate) > maxTokens && b.Len() > 0 {
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	out := b.String()
	return out, estimator(out)
}
