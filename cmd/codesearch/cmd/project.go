package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codesearch-dev/codesearch/store"
)

func newProjectCmd() *cobra.Command {
	project := &cobra.Command{
		Use:   "project",
		Short: "Manage indexed projects",
	}
	project.AddCommand(newProjectCreateCmd())
	project.AddCommand(newProjectDeleteCmd())
	project.AddCommand(newProjectListCmd())
	return project
}

func newProjectCreateCmd() *cobra.Command {
	var (
		name        string
		path        string
		description string
		tags        []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new project in the chunk store",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &store.Project{
				Name:           name,
				Path:           path,
				Description:    description,
				Tags:           tags,
				EmbeddingModel: embedModel,
				Dimensions:     dimensions,
			}
			if err := eng.ProjectCreate(cmd.Context(), p); err != nil {
				return fmt.Errorf("create project: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created project %s (%s)\n", p.Name, p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Project name (required, unique)")
	cmd.Flags().StringVar(&path, "path", "", "Filesystem path the project was indexed from")
	cmd.Flags().StringVar(&description, "description", "", "Short description used by the router")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Comma-separated tags used by the router")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newProjectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and every chunk, hash, and eval row it owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := eng.ProjectDelete(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete project: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted project %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func newProjectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := eng.ProjectList(cmd.Context())
			if err != nil {
				return fmt.Errorf("list projects: %w", err)
			}
			for _, p := range projects {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d files\t%d chunks\n", p.ID, p.Name, p.FileCount, p.ChunkCount)
			}
			return nil
		},
	}
	return cmd
}
