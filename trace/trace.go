// Package trace implements C11: an append-only, best-effort SQLite record
// of each top-level query, sampled at a configurable rate.
package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one traced query.
type Record struct {
	Timestamp         time.Time
	ProjectIDs        []string
	Query             string
	RetrievedPaths    []string
	TopK              int
	RetrievalMethod   string // "fusion", "adaptive", "multi-project"
	RoutingMethod     string
	RoutingConfidence float64
	LatencyRetrieval  time.Duration
	LatencyAssembly   time.Duration
	LatencyTotal      time.Duration
	AnswerText        string
	FeedbackPolarity  string // "", "positive", "negative"
}

// Recorder is C11. Safe for concurrent use; writes never block or fail the
// caller's query.
type Recorder struct {
	db         *sql.DB
	sampleRate float64
	rngMu      sync.Mutex
	rng        *rand.Rand
}

// Open opens (creating if absent) a trace database at path and ensures its
// schema. sampleRate is clamped to [0,1]; 0 disables all sampling.
func Open(path string, sampleRate float64) (*Recorder, error) {
	if sampleRate < 0 {
		sampleRate = 0
	}
	if sampleRate > 1 {
		sampleRate = 1
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create trace dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	r := &Recorder{db: db, sampleRate: sampleRate, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) migrate() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

	CREATE TABLE IF NOT EXISTS eval_traces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		project_ids TEXT NOT NULL,
		query TEXT NOT NULL,
		retrieved_paths TEXT NOT NULL,
		top_k INTEGER NOT NULL,
		retrieval_method TEXT NOT NULL,
		routing_method TEXT NOT NULL,
		routing_confidence REAL NOT NULL,
		latency_retrieval_ms INTEGER NOT NULL,
		latency_assembly_ms INTEGER NOT NULL,
		latency_total_ms INTEGER NOT NULL,
		answer_text TEXT,
		feedback_polarity TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_eval_traces_timestamp ON eval_traces(timestamp);

	INSERT OR IGNORE INTO schema_version(version) VALUES (1);
	`)
	return err
}

// ShouldSample reports whether this query should be traced, per a fresh
// per-query random draw against the configured sample rate.
func (r *Recorder) ShouldSample() bool {
	if r.sampleRate <= 0 {
		return false
	}
	if r.sampleRate >= 1 {
		return true
	}
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64() < r.sampleRate
}

// Record writes rec. It never returns an error to a query-path caller:
// failures are logged and discarded. Call it after the response has
// already been returned to the caller, so tracing latency is never on the
// critical path. A cancelled query (ctx already done) is not recorded.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if ctx.Err() != nil {
		return
	}

	projectIDs, err := json.Marshal(rec.ProjectIDs)
	if err != nil {
		slog.Warn("trace_marshal_failed", slog.String("field", "project_ids"), slog.String("error", err.Error()))
		return
	}
	retrievedPaths, err := json.Marshal(rec.RetrievedPaths)
	if err != nil {
		slog.Warn("trace_marshal_failed", slog.String("field", "retrieved_paths"), slog.String("error", err.Error()))
		return
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO eval_traces (
			timestamp, project_ids, query, retrieved_paths, top_k,
			retrieval_method, routing_method, routing_confidence,
			latency_retrieval_ms, latency_assembly_ms, latency_total_ms,
			answer_text, feedback_polarity
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UnixMilli(), string(projectIDs), rec.Query, string(retrievedPaths), rec.TopK,
		rec.RetrievalMethod, rec.RoutingMethod, rec.RoutingConfidence,
		rec.LatencyRetrieval.Milliseconds(), rec.LatencyAssembly.Milliseconds(), rec.LatencyTotal.Milliseconds(),
		nullIfEmpty(rec.AnswerText), nullIfEmpty(rec.FeedbackPolarity),
	)
	if err != nil {
		slog.Warn("trace_write_failed", slog.String("error", err.Error()))
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *Recorder) Close() error {
	return r.db.Close()
}
