package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewResumeCommand continues a paused or interrupted workflow.
func NewResumeCommand(opts *RootOptions) *cobra.Command {
	var yolo bool

	cmd := &cobra.Command{
		Use:   "resume <projectId>",
		Short: "Resume a paused or interrupted workflow",
		Long: `Resume reloads the persisted workflow state for a project and
continues execution from the step after the last checkpoint. Resuming a
completed workflow is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.newApp(yolo)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			projectID := args[0]
			if err := app.Engine.Resume(ctx, projectID); err != nil {
				return err
			}
			fmt.Printf("Workflow for project %s is up to date\n", projectID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yolo, "yolo", false, "Auto-approve prompts and skip optional steps")

	return cmd
}
