// Package config defines the on-disk tuning knobs for the retrieval core:
// fusion weights, index parameters, routing/classification thresholds,
// context-assembly budgets, tracing sample rate, and logging. Parsing a
// project's source tree into chunks is a producer concern and has no
// representation here.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete retrieval-core configuration.
type Config struct {
	Version   int             `yaml:"version"`
	Store     StoreConfig     `yaml:"store"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Routing   RoutingConfig   `yaml:"routing"`
	Context   ContextConfig   `yaml:"context"`
	Trace     TraceConfig     `yaml:"trace"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig configures the chunk store and vector/lexical index backends.
type StoreConfig struct {
	DataDir       string `yaml:"data_dir"`
	VectorBackend string `yaml:"vector_backend"` // "hnsw" (default) or "bruteforce"
	M             int    `yaml:"hnsw_m"`
	EfConstruction int   `yaml:"hnsw_ef_construction"`
	EfSearch      int    `yaml:"hnsw_ef_search"`
	BM25K1        float64 `yaml:"bm25_k1"`
	BM25B         float64 `yaml:"bm25_b"`
}

// RetrievalConfig configures fusion, weighting, and reranking.
type RetrievalConfig struct {
	BM25Weight     float64 `yaml:"bm25_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	RRFConstant    int     `yaml:"rrf_constant"`
	FusionPoolSize int     `yaml:"fusion_pool_size"` // m = max(40, 2*final_k)
	RerankEnabled  bool    `yaml:"rerank_enabled"`
	RerankPoolCap  int     `yaml:"rerank_pool_cap"` // default 40
	MultiProjectParallelism int `yaml:"multi_project_parallelism"`
}

// RoutingConfig configures query routing and adaptive classification.
type RoutingConfig struct {
	HeuristicConfidence   float64 `yaml:"heuristic_confidence"`
	ContextHintConfidence float64 `yaml:"context_hint_confidence"`
	LLMFallbackEnabled    bool    `yaml:"llm_fallback_enabled"`
	ClassifierCacheSize   int     `yaml:"classifier_cache_size"`
	ForceRAG              bool    `yaml:"force_rag"`
}

// ContextConfig configures context assembly.
type ContextConfig struct {
	DefaultTokenBudget int     `yaml:"default_token_budget"`
	DedupOverlapRatio  float64 `yaml:"dedup_overlap_ratio"` // default 0.5
	DefaultOrdering    string  `yaml:"default_ordering"`    // relevance|chronological|sandwich
}

// TraceConfig configures query trace recording.
type TraceConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	FilePath      string `yaml:"file_path"`
	MaxSizeMB     int    `yaml:"max_size_mb"`
	MaxFiles      int    `yaml:"max_files"`
	WriteToStderr bool   `yaml:"write_to_stderr"`
}

// Default returns the retrieval core's built-in defaults (RRF k=60, HNSW
// M=32/ef_search=64, etc).
func Default() Config {
	return Config{
		Version: 1,
		Store: StoreConfig{
			DataDir:        defaultDataDir(),
			VectorBackend:  "hnsw",
			M:              32,
			EfConstruction: 128,
			EfSearch:       64,
			BM25K1:         1.2,
			BM25B:          0.75,
		},
		Retrieval: RetrievalConfig{
			BM25Weight:              0.5,
			SemanticWeight:          0.5,
			RRFConstant:             60,
			FusionPoolSize:          40,
			RerankEnabled:           false,
			RerankPoolCap:           40,
			MultiProjectParallelism: 4,
		},
		Routing: RoutingConfig{
			HeuristicConfidence:   0.9,
			ContextHintConfidence: 0.7,
			LLMFallbackEnabled:    true,
			ClassifierCacheSize:   512,
		},
		Context: ContextConfig{
			DefaultTokenBudget: 4000,
			DedupOverlapRatio:  0.5,
			DefaultOrdering:    "relevance",
		},
		Trace: TraceConfig{
			Enabled:    true,
			SampleRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:         "info",
			MaxSizeMB:     10,
			MaxFiles:      5,
			WriteToStderr: true,
		},
	}
}

// Load reads and parses a YAML config file, filling any zero-valued fields
// from Default() so a partial file is enough.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codesearch"
	}
	return home + "/.codesearch"
}
