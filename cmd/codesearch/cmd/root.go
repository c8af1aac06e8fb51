// Package cmd provides the CLI commands for codesearch.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/codesearch-dev/codesearch/config"
	"github.com/codesearch-dev/codesearch/engine"
	"github.com/codesearch-dev/codesearch/internal/logx"
	"github.com/codesearch-dev/codesearch/pkg/version"
	"github.com/codesearch-dev/codesearch/providers"
	"github.com/codesearch-dev/codesearch/retrieval/rerank"
)

var (
	dataDir      string
	ollamaHost   string
	embedModel   string
	routerModel  string
	dimensions   int
	debugMode    bool
	loggingStop  func()

	eng *engine.Engine
)

// NewRootCmd creates the root command for the codesearch CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "codesearch",
		Short: "Local-first hybrid code search over indexed projects",
		Long: `codesearch retrieves the most relevant code chunks from one or more
indexed projects, fusing dense (semantic) and lexical (BM25) rankings, and
assembles a token-budgeted, citation-friendly context block.`,
		PersistentPreRunE:  setupEngine,
		PersistentPostRunE: teardownEngine,
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Directory holding the chunk store database")
	root.PersistentFlags().StringVar(&ollamaHost, "ollama-host", providers.DefaultOllamaHost, "Ollama API base URL")
	root.PersistentFlags().StringVar(&embedModel, "embed-model", "nomic-embed-text", "Ollama embedding model")
	root.PersistentFlags().StringVar(&routerModel, "router-model", "llama3.2:1b", "Ollama model used for routing fallback")
	root.PersistentFlags().IntVar(&dimensions, "dimensions", 768, "Embedding dimensions advertised by embed-model")
	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.codesearch/logs/")

	root.AddCommand(newProjectCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newAskCmd())
	root.AddCommand(newEvalCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// newVersionCmd reports build info without opening the chunk store, so it
// overrides PersistentPreRunE/PersistentPostRunE to no-ops.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "version",
		Short:              "Print version and build information",
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return nil
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codesearch"
	}
	return filepath.Join(home, ".codesearch")
}

func setupEngine(cmd *cobra.Command, _ []string) error {
	logCfg := logx.DefaultConfig()
	if debugMode {
		logCfg = logx.DebugConfig()
	}
	logger, stop, err := logx.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	loggingStop = stop
	slog.SetDefault(logger)

	cfg := config.Default()
	cfg.Store.DataDir = dataDir

	embedder := providers.NewOllamaEmbedder(ollamaHost, embedModel, dimensions, 30*time.Second)
	router := providers.NewOllamaRouter(ollamaHost, routerModel, 30*time.Second)

	e, err := engine.Open(filepath.Join(dataDir, "codesearch.db"), cfg, engine.Deps{
		Embedder: embedder,
		Reranker: rerank.NoOp{},
		LLM:      router,
	})
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	eng = e
	return nil
}

func teardownEngine(cmd *cobra.Command, _ []string) error {
	if loggingStop != nil {
		loggingStop()
	}
	if eng != nil {
		return eng.Close()
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
