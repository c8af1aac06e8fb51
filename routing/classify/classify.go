// Package classify implements C9: a regex/keyword query classifier that
// runs in microseconds ahead of retrieval, advising (never forcing) how
// much work the pipeline should do for a given query.
package classify

import (
	"context"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Class is one of the four advisory query categories.
type Class string

const (
	ClassSimple   Class = "simple"
	ClassFactual  Class = "factual"
	ClassComplex  Class = "complex"
	ClassFollowUp Class = "follow_up"
)

// Decision is the classifier's advice for a query.
type Decision struct {
	Class             Class
	SkipRetrieval     bool
	FinalKScale       float64 // multiplies the caller's configured final_k, rounded up
	RerankEnabled     bool
	RequiresPriorTurn bool // follow_up only: caller must supply conversation context
}

var (
	greetingPattern     = regexp.MustCompile(`(?i)^(hi|hello|hey|thanks|thank you|ok|okay|cool|got it|sounds good)[\s!.,]*$`)
	questionWordPattern = regexp.MustCompile(`(?i)\b(what|where|why|when|which|who|how)\b`)
	comparisonPattern   = regexp.MustCompile(`(?i)\b(compare|versus|vs\.?|both|difference between)\b`)
	clauseSplitPattern  = regexp.MustCompile(`(?i)\b(and|but|then|also)\b|[;,]`)
	deicticPattern      = regexp.MustCompile(`(?i)\b(this|that|these|those|here|there|it)\b`)
	pronounPattern      = regexp.MustCompile(`(?i)\b(i|you|we|my|your|our|me|us)\b`)
)

// Classifier is a cached, regex-based implementation of C9.
type Classifier struct {
	cache *lru.Cache[string, Decision]
}

// New builds a Classifier with an LRU result cache keyed on normalized
// query text, sized cacheSize (0 uses a 10000-entry default).
func New(cacheSize int) *Classifier {
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	cache, _ := lru.New[string, Decision](cacheSize)
	return &Classifier{cache: cache}
}

// Classify never errors: an unrecognized query falls through to factual.
func (c *Classifier) Classify(_ context.Context, query string, hasPriorTurn bool) Decision {
	key := strings.ToLower(strings.TrimSpace(query))
	if d, ok := c.cache.Get(key); ok {
		return d
	}

	d := classify(query, hasPriorTurn)
	c.cache.Add(key, d)
	return d
}

func classify(query string, hasPriorTurn bool) Decision {
	trimmed := strings.TrimSpace(query)
	tokens := strings.Fields(trimmed)

	if len(tokens) <= 3 && (greetingPattern.MatchString(trimmed) || isPureAcknowledgment(trimmed)) {
		return Decision{Class: ClassSimple, SkipRetrieval: true}
	}

	if comparisonPattern.MatchString(trimmed) || len(clauseSplitPattern.FindAllString(trimmed, -1)) >= 1 {
		return Decision{Class: ClassComplex, FinalKScale: 1.5, RerankEnabled: true}
	}

	if deicticPattern.MatchString(trimmed) && !questionWordPattern.MatchString(trimmed) && pronounPattern.MatchString(trimmed) {
		if !hasPriorTurn {
			return Decision{Class: ClassFactual, FinalKScale: 1.0, RerankEnabled: true}
		}
		return Decision{Class: ClassFollowUp, FinalKScale: 1.0, RerankEnabled: true, RequiresPriorTurn: true}
	}

	if questionWordPattern.MatchString(trimmed) {
		return Decision{Class: ClassFactual, FinalKScale: 1.0, RerankEnabled: true}
	}

	return Decision{Class: ClassFactual, FinalKScale: 1.0, RerankEnabled: true}
}

func isPureAcknowledgment(s string) bool {
	switch strings.ToLower(strings.Trim(s, " !.,")) {
	case "thanks", "thank you", "ok", "okay", "cool", "got it", "sounds good", "nice", "great":
		return true
	default:
		return false
	}
}
