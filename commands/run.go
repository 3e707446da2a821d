package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRunCommand executes a workflow from the beginning.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	var (
		yolo      bool
		projectID string
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow from the beginning",
		Long: `Run parses the given workflow definition and executes its steps,
checkpointing durable state after each one. Low-confidence decisions
pause the run and queue an escalation; respond with
"conductor escalation respond" and the run continues.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.newApp(yolo)
			if err != nil {
				return err
			}
			defer app.Close()

			project := app.Project()
			if projectID != "" {
				project.ID = projectID
				if project.Name == "" || project.Name == app.Config.Project.ID {
					project.Name = projectID
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workflowPath := resolvePath(args[0])
			app.Logger.Info("starting workflow",
				"workflow", workflowPath,
				"project_id", project.ID,
				"yolo", yolo || app.Config.Yolo)

			if err := app.Engine.Execute(ctx, project, workflowPath); err != nil {
				return err
			}
			fmt.Printf("Workflow completed: %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&yolo, "yolo", false, "Auto-approve prompts and skip optional steps")
	cmd.Flags().StringVar(&projectID, "project", "", "Override the configured project id")

	return cmd
}
