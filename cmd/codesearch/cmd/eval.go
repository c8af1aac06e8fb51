package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codesearch-dev/codesearch/eval"
)

func newEvalCmd() *cobra.Command {
	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "Score retrieval quality against a labeled query dataset",
	}
	evalCmd.AddCommand(newEvalRunCmd())
	return evalCmd
}

func newEvalRunCmd() *cobra.Command {
	var (
		projectID string
		finalK    int
	)
	cmd := &cobra.Command{
		Use:   "run <dataset.json>",
		Short: "Run a dataset of (query, expected file paths) pairs through search and report metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset, err := loadDataset(args[0])
			if err != nil {
				return fmt.Errorf("load dataset: %w", err)
			}

			opts := (&searchFlags{projectID: projectID, finalK: finalK}).toOptions()
			run, err := eng.EvalRun(cmd.Context(), projectID, dataset, opts)
			if err != nil {
				return fmt.Errorf("eval run: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %s\n", run.Status)
			fmt.Fprintf(out, "MRR=%.4f HitRate=%.4f Precision@%d=%.4f Recall@%d=%.4f NDCG@%d=%.4f MAP=%.4f\n",
				run.Metrics.MRR, run.Metrics.HitRate, eval.K, run.Metrics.Precision, eval.K, run.Metrics.Recall, eval.K, run.Metrics.NDCG, run.Metrics.MAP)
			for _, q := range run.Queries {
				if q.Err != "" {
					fmt.Fprintf(out, "  FAILED %q: %s\n", q.Query, q.Err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Project id to evaluate (required)")
	cmd.Flags().IntVar(&finalK, "k", 10, "final_k passed to each query's search")
	cmd.MarkFlagRequired("project")
	return cmd
}

func loadDataset(path string) ([]eval.DatasetEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var dataset []eval.DatasetEntry
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("parse dataset json: %w", err)
	}
	return dataset, nil
}
