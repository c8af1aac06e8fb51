// Package routing implements C8: deciding which indexed project(s) receive
// a query, by explicit selection, name-heuristic match, current-project
// hint, or language-model fallback.
package routing

import (
	"context"
	"regexp"
	"strings"
)

// Method names the strategy that produced a Decision.
type Method string

const (
	MethodExplicit    Method = "explicit"
	MethodHeuristic   Method = "heuristic"
	MethodContext     Method = "context"
	MethodLLM         Method = "llm"
	MethodFallbackAll Method = "fallback_all"
	MethodForceRAG    Method = "force-rag"
)

// ProjectDescriptor is what the router and its LLM fallback see of each
// indexed project.
type ProjectDescriptor struct {
	ID          string
	Name        string
	Description string
	Tags        []string
}

// Decision names the chosen project(s) and how they were chosen.
type Decision struct {
	ProjectIDs []string
	Confidence float64
	Method     Method
}

// LLMRouter is the language-model fallback capability: given the full
// project catalogue, choose one or more by id.
type LLMRouter interface {
	RouteQuery(ctx context.Context, query string, catalogue []ProjectDescriptor) (projectIDs []string, confidence float64, err error)
}

// Router is C8.
type Router struct {
	llm                   LLMRouter
	llmEnabled            bool
	forceRAG              bool
	heuristicConfidence   float64
	contextHintConfidence float64
}

// Option configures a Router.
type Option func(*Router)

// WithLLMRouter supplies the language-model fallback strategy. Without it,
// routing falls straight from the context hint to fallback-all.
func WithLLMRouter(llm LLMRouter) Option {
	return func(r *Router) { r.llm = llm }
}

// WithForceRAG makes any decision with confidence below 0.5 keep its
// project set but report method force-rag, signalling that retrieval will
// be attempted regardless of routing uncertainty.
func WithForceRAG(enabled bool) Option {
	return func(r *Router) { r.forceRAG = enabled }
}

// WithHeuristicConfidence sets the confidence reported for a single
// project-name match; a multi-match heuristic hit reports this minus 0.05.
func WithHeuristicConfidence(c float64) Option {
	return func(r *Router) {
		if c > 0 {
			r.heuristicConfidence = c
		}
	}
}

// WithContextHintConfidence sets the confidence reported when a pronoun or
// deictic term routes to the caller's current project.
func WithContextHintConfidence(c float64) Option {
	return func(r *Router) {
		if c > 0 {
			r.contextHintConfidence = c
		}
	}
}

// WithLLMFallbackEnabled gates whether a configured LLMRouter is consulted
// at all; false skips straight from the context hint to fallback-all.
func WithLLMFallbackEnabled(enabled bool) Option {
	return func(r *Router) { r.llmEnabled = enabled }
}

func New(opts ...Option) *Router {
	r := &Router{
		llmEnabled:            true,
		heuristicConfidence:   0.9,
		contextHintConfidence: 0.7,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var pronounOrDeicticPattern = regexp.MustCompile(`(?i)\b(i|you|we|my|your|our|this|that|these|those|here)\b`)

const llmFallbackConfidenceFloor = 0.4

// Route applies the method precedence: explicit -> heuristic name match ->
// current-project hint -> LLM fallback -> fallback-all.
func (r *Router) Route(ctx context.Context, query string, explicitProjectID string, currentProjectID string, catalogue []ProjectDescriptor) Decision {
	if explicitProjectID != "" {
		return r.finalize(Decision{ProjectIDs: []string{explicitProjectID}, Confidence: 1.0, Method: MethodExplicit})
	}

	if matches := heuristicNameMatches(query, catalogue); len(matches) > 0 {
		confidence := r.heuristicConfidence
		if len(matches) > 1 {
			confidence -= 0.05
		}
		return r.finalize(Decision{ProjectIDs: matches, Confidence: confidence, Method: MethodHeuristic})
	}

	if currentProjectID != "" && pronounOrDeicticPattern.MatchString(query) {
		return r.finalize(Decision{ProjectIDs: []string{currentProjectID}, Confidence: r.contextHintConfidence, Method: MethodContext})
	}

	if r.llmEnabled && r.llm != nil {
		ids, confidence, err := r.llm.RouteQuery(ctx, query, catalogue)
		if err == nil && len(ids) > 0 && confidence >= llmFallbackConfidenceFloor {
			return r.finalize(Decision{ProjectIDs: ids, Confidence: confidence, Method: MethodLLM})
		}
	}

	return r.finalize(Decision{ProjectIDs: allIDs(catalogue), Confidence: 0.3, Method: MethodFallbackAll})
}

func (r *Router) finalize(d Decision) Decision {
	if r.forceRAG && d.Confidence < 0.5 {
		d.Method = MethodForceRAG
	}
	return d
}

// heuristicNameMatches returns every project whose name appears as a whole
// word, case-insensitive, in query.
func heuristicNameMatches(query string, catalogue []ProjectDescriptor) []string {
	lower := strings.ToLower(query)
	var matches []string
	for _, p := range catalogue {
		if p.Name == "" {
			continue
		}
		pattern := `\b` + regexp.QuoteMeta(strings.ToLower(p.Name)) + `\b`
		if matched, _ := regexp.MatchString(pattern, lower); matched {
			matches = append(matches, p.ID)
		}
	}
	return matches
}

func allIDs(catalogue []ProjectDescriptor) []string {
	ids := make([]string, len(catalogue))
	for i, p := range catalogue {
		ids[i] = p.ID
	}
	return ids
}
