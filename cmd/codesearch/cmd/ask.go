package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAskCmd() *cobra.Command {
	flags := &searchFlags{}
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Retrieve and assemble context, the same path an LM-backed frontend would call before synthesis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := eng.Ask(cmd.Context(), args[0], flags.toOptions())
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			printSearchResult(cmd, res)
			fmt.Fprintln(cmd.OutOrStdout(), "\n(answer synthesis is a frontend concern; this core call stops at assembled context)")
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
