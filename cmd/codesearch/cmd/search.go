package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codesearch-dev/codesearch/engine"
)

type searchFlags struct {
	projectID        string
	currentProjectID string
	finalK           int
	minScore         float64
	rerank           bool
	hasPriorTurn     bool
}

func (f *searchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.projectID, "project", "", "Explicit project id to search (skips routing)")
	cmd.Flags().StringVar(&f.currentProjectID, "current-project", "", "Project the caller is currently viewing, for context-hint routing")
	cmd.Flags().IntVar(&f.finalK, "k", 10, "Number of chunks to return after fusion and truncation")
	cmd.Flags().Float64Var(&f.minScore, "min-score", 0, "Drop fused hits scoring below this threshold")
	cmd.Flags().BoolVar(&f.rerank, "rerank", false, "Force cross-encoder reranking on")
	cmd.Flags().BoolVar(&f.hasPriorTurn, "has-prior-turn", false, "Treat the query as part of an ongoing conversation")
}

func (f *searchFlags) toOptions() engine.SearchOptions {
	return engine.SearchOptions{
		ProjectID:        f.projectID,
		CurrentProjectID: f.currentProjectID,
		FinalK:           f.finalK,
		MinScore:         f.minScore,
		RerankEnabled:    f.rerank,
		HasPriorTurn:     f.hasPriorTurn,
	}
}

func newSearchCmd() *cobra.Command {
	flags := &searchFlags{}
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve and assemble a context block for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := eng.Search(cmd.Context(), args[0], flags.toOptions())
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			printSearchResult(cmd, res)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printSearchResult(cmd *cobra.Command, res *engine.SearchResult) {
	out := cmd.OutOrStdout()
	if res.ClassDecision.SkipRetrieval {
		fmt.Fprintf(out, "(no retrieval: query classified as %s)\n", res.ClassDecision.Class)
		return
	}

	fmt.Fprintf(out, "routed via %s (confidence %.2f) to %v\n", res.RoutingDecision.Method, res.RoutingDecision.Confidence, res.RoutingDecision.ProjectIDs)
	if res.Degraded {
		fmt.Fprintln(out, "warning: retrieval degraded (one index unavailable)")
	}
	for _, pf := range res.PartialFailures {
		fmt.Fprintf(out, "warning: project %s failed: %v\n", pf.ProjectName, pf.Err)
	}

	for _, src := range res.Assembled.Sources {
		trunc := ""
		if src.Truncated {
			trunc = " (truncated)"
		}
		fmt.Fprintf(out, "[%d] %s:%d-%d%s\n", src.Index, src.FilePath, src.LineRange.Start, src.LineRange.End, trunc)
	}
	fmt.Fprintln(out, "---")
	fmt.Fprintln(out, res.Assembled.Text)
	fmt.Fprintf(out, "---\n%d tokens, %d deduplicated, %d dropped\n", res.Assembled.TokensUsed, res.Assembled.DeduplicatedCount, res.Assembled.DroppedCount)
}
