// File: cmd/workflows.go
package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Manoj7ar/Users/internal/observability"
	"github.com/Manoj7ar/Users/internal/store"
	"github.com/Manoj7ar/Users/internal/teach"
	"github.com/Manoj7ar/Users/internal/workflow"
)

func newWorkflowsCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect, export and import saved workflows",
	}
	cmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "owner of the workflows (required)")
	_ = cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(
		newWorkflowsListCmd(&userID),
		newWorkflowsExportCmd(&userID),
		newWorkflowsImportCmd(&userID),
	)
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(st store.Store, logger *zap.Logger) error) error {
	cfg, err := getConfigFromContext(cmd.Context())
	if err != nil {
		return err
	}
	logger := observability.GetLogger()
	st, err := openStore(cmd.Context(), cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Error closing store", zap.Error(err))
		}
	}()
	return fn(st, logger)
}

func newWorkflowsListCmd(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List a user's saved workflows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(st store.Store, _ *zap.Logger) error {
				workflows, err := st.ListWorkflows(cmd.Context(), *userID)
				if err != nil {
					return fmt.Errorf("failed to list workflows: %w", err)
				}
				return printWorkflows(cmd.OutOrStdout(), workflows)
			})
		},
	}
}

func printWorkflows(w io.Writer, workflows []workflow.WorkflowGraph) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTEPS\tRUNS\tLAST RUN")
	for _, wf := range workflows {
		last := "never"
		if wf.LastRun != nil {
			last = wf.LastRun.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", wf.WorkflowID, wf.WorkflowName, len(wf.Steps), wf.RunCount, last)
	}
	return tw.Flush()
}

func newWorkflowsExportCmd(userID *string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <workflow-id>",
		Short: "Write a workflow as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(st store.Store, logger *zap.Logger) error {
				wf, err := st.GetWorkflow(cmd.Context(), *userID, args[0])
				if err != nil {
					return fmt.Errorf("failed to load workflow: %w", err)
				}

				out := cmd.OutOrStdout()
				if output != "" {
					f, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("failed to create output file: %w", err)
					}
					defer f.Close()
					out = f
				}
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(wf); err != nil {
					return fmt.Errorf("failed to encode workflow: %w", err)
				}
				if err := enc.Close(); err != nil {
					return err
				}
				logger.Info("Workflow exported", zap.String("workflow_id", wf.WorkflowID), zap.Int("steps", len(wf.Steps)))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newWorkflowsImportCmd(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Save a YAML workflow under the given user with a new id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read workflow file: %w", err)
			}
			var wf workflow.WorkflowGraph
			if err := yaml.Unmarshal(raw, &wf); err != nil {
				return fmt.Errorf("failed to parse workflow file: %w", err)
			}

			return withStore(cmd, func(st store.Store, logger *zap.Logger) error {
				// Importing never reaches the oracle.
				svc := teach.NewService(st, nil, logger)
				saved, err := svc.ImportWorkflow(cmd.Context(), *userID, wf)
				if err != nil {
					return fmt.Errorf("failed to import workflow: %w", err)
				}
				cmd.Printf("Imported %q as %s (%d steps)\n", saved.WorkflowName, saved.WorkflowID, len(saved.Steps))
				return nil
			})
		},
	}
}
