// Package eval implements C12: running a labelled (query, expected file
// paths) dataset through the retrieval pipeline and scoring it with
// standard retrieval metrics, with regression detection against the most
// recent prior run.
package eval

import (
	"context"
	"fmt"
	"math"
)

// DatasetEntry is one labelled query.
type DatasetEntry struct {
	Query             string
	ExpectedFilePaths []string
}

// SearchFunc runs one query through the pipeline under evaluation,
// returning the ranked file paths it retrieved.
type SearchFunc func(ctx context.Context, query string) ([]string, error)

// K is the cutoff used by Precision@K, Recall@K, and NDCG@K.
const K = 10

// QueryResult holds one query's computed metrics, or an error detail if
// the search itself failed (a zero-metric entry, not a run abort).
type QueryResult struct {
	Query     string
	Err       string
	RR        float64
	HitRate   float64
	Precision float64
	Recall    float64
	NDCG      float64
	AP        float64
}

// Metrics is a dataset-level average of every per-query metric.
type Metrics struct {
	MRR       float64
	HitRate   float64
	Precision float64
	Recall    float64
	NDCG      float64
	MAP       float64
}

// Status is recorded on every run, even one that failed at the dataset
// level, so a caller can distinguish "ran clean" from "aborted".
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one evaluation pass.
type Run struct {
	Status     Status
	Metrics    Metrics
	Queries    []QueryResult
	Comparison []MetricDelta // nil if no prior run was available to compare against
}

// ErrEmptyDataset aborts a run: zero valid entries is a dataset-level
// error, not a per-query one.
var ErrEmptyDataset = fmt.Errorf("evaluation dataset has zero valid entries")

// Execute runs every entry in dataset through search and scores it.
// Per-query search errors produce a zero-metric QueryResult and do not
// abort the run; an empty dataset does.
func Execute(ctx context.Context, dataset []DatasetEntry, search SearchFunc) (*Run, error) {
	if len(dataset) == 0 {
		return &Run{Status: StatusFailed}, ErrEmptyDataset
	}

	results := make([]QueryResult, 0, len(dataset))
	for _, entry := range dataset {
		results = append(results, scoreEntry(ctx, entry, search))
	}

	return &Run{
		Status:  StatusCompleted,
		Metrics: aggregate(results),
		Queries: results,
	}, nil
}

func scoreEntry(ctx context.Context, entry DatasetEntry, search SearchFunc) QueryResult {
	retrieved, err := search(ctx, entry.Query)
	if err != nil {
		return QueryResult{Query: entry.Query, Err: err.Error()}
	}

	expected := make(map[string]struct{}, len(entry.ExpectedFilePaths))
	for _, p := range entry.ExpectedFilePaths {
		expected[p] = struct{}{}
	}

	relevant := make([]bool, len(retrieved))
	for i, p := range retrieved {
		_, relevant[i] = expected[p]
	}

	return QueryResult{
		Query:     entry.Query,
		RR:        reciprocalRank(relevant),
		HitRate:   hitRate(relevant),
		Precision: precisionAtK(relevant, K),
		Recall:    recallAtK(relevant, len(expected), K),
		NDCG:      ndcgAtK(relevant, len(expected), K),
		AP:        averagePrecision(relevant, len(expected)),
	}
}

func reciprocalRank(relevant []bool) float64 {
	for i, r := range relevant {
		if r {
			return 1.0 / float64(i+1)
		}
	}
	return 0
}

func hitRate(relevant []bool) float64 {
	for _, r := range relevant {
		if r {
			return 1
		}
	}
	return 0
}

func precisionAtK(relevant []bool, k int) float64 {
	if k > len(relevant) {
		k = len(relevant)
	}
	if k == 0 {
		return 0
	}
	hits := 0
	for _, r := range relevant[:k] {
		if r {
			hits++
		}
	}
	return float64(hits) / float64(k)
}

func recallAtK(relevant []bool, totalExpected int, k int) float64 {
	if totalExpected == 0 {
		return 0
	}
	if k > len(relevant) {
		k = len(relevant)
	}
	hits := 0
	for _, r := range relevant[:k] {
		if r {
			hits++
		}
	}
	return float64(hits) / float64(totalExpected)
}

func ndcgAtK(relevant []bool, totalExpected int, k int) float64 {
	if k > len(relevant) {
		k = len(relevant)
	}
	dcg := 0.0
	for i, r := range relevant[:k] {
		if r {
			dcg += 1.0 / math.Log2(float64(i+2))
		}
	}
	idealHits := totalExpected
	if idealHits > k {
		idealHits = k
	}
	idcg := 0.0
	for i := 0; i < idealHits; i++ {
		idcg += 1.0 / math.Log2(float64(i+2))
	}
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

func averagePrecision(relevant []bool, totalExpected int) float64 {
	if totalExpected == 0 {
		return 0
	}
	sum := 0.0
	hits := 0
	for i, r := range relevant {
		if !r {
			continue
		}
		hits++
		sum += float64(hits) / float64(i+1)
	}
	return sum / float64(totalExpected)
}

func aggregate(results []QueryResult) Metrics {
	if len(results) == 0 {
		return Metrics{}
	}
	var m Metrics
	for _, r := range results {
		m.MRR += r.RR
		m.HitRate += r.HitRate
		m.Precision += r.Precision
		m.Recall += r.Recall
		m.NDCG += r.NDCG
		m.MAP += r.AP
	}
	n := float64(len(results))
	m.MRR /= n
	m.HitRate /= n
	m.Precision /= n
	m.Recall /= n
	m.NDCG /= n
	m.MAP /= n
	return m
}

// RegressionThreshold is the delta beyond which a metric change is called
// an improvement or a regression, rather than stable.
const RegressionThreshold = 0.05

// MetricDelta compares one metric between a current and prior run.
type MetricDelta struct {
	Name        string
	Current     float64
	Prior       float64
	Delta       float64
	IsRegressed bool
	IsImproved  bool
}

// CompareToPrior diffs current against the most recent prior run's
// metrics, flagging any metric whose delta exceeds ±RegressionThreshold.
func CompareToPrior(current, prior Metrics) []MetricDelta {
	pairs := []struct {
		name    string
		curr    float64
		prior   float64
	}{
		{"mrr", current.MRR, prior.MRR},
		{"hit_rate", current.HitRate, prior.HitRate},
		{"precision", current.Precision, prior.Precision},
		{"recall", current.Recall, prior.Recall},
		{"ndcg", current.NDCG, prior.NDCG},
		{"map", current.MAP, prior.MAP},
	}

	deltas := make([]MetricDelta, 0, len(pairs))
	for _, p := range pairs {
		delta := p.curr - p.prior
		deltas = append(deltas, MetricDelta{
			Name:        p.name,
			Current:     p.curr,
			Prior:       p.prior,
			Delta:       delta,
			IsRegressed: delta < -RegressionThreshold,
			IsImproved:  delta > RegressionThreshold,
		})
	}
	return deltas
}
