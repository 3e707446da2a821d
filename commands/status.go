package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bmadhq/conductor/state"
)

// recentActivityCount bounds the activity tail printed by status.
const recentActivityCount = 5

// NewStatusCommand reports the persisted workflow state for a project.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <projectId>",
		Short: "Show workflow status for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.Logger
			if logger == nil {
				logger = slog.Default()
			}
			cfg, err := LoadConfig(opts.ConfigPath, logger)
			if err != nil {
				return err
			}
			states := state.NewManager(cfg.StateDir(), state.WithLogger(logger))

			projectID := args[0]
			st, err := states.LoadState(projectID)
			if err != nil {
				return err
			}
			if st == nil {
				fmt.Printf("No workflow state for project %s\n", projectID)
				return nil
			}

			phase, err := states.ProjectPhase(projectID)
			if err != nil {
				return err
			}

			fmt.Printf("Project:   %s (%s)\n", st.Project.Name, st.Project.ID)
			fmt.Printf("Phase:     %s\n", phase)
			fmt.Printf("Workflow:  %s\n", st.CurrentWorkflow)
			fmt.Printf("Status:    %s\n", st.Status)
			fmt.Printf("Step:      %d\n", st.CurrentStep)
			fmt.Printf("Updated:   %s\n", st.LastUpdate.Format("2006-01-02 15:04:05 MST"))

			if len(st.AgentActivity) > 0 {
				fmt.Println("\nRecent activity:")
				tail := st.AgentActivity
				if len(tail) > recentActivityCount {
					tail = tail[len(tail)-recentActivityCount:]
				}
				for _, a := range tail {
					fmt.Printf("  %s  %-9s  %s\n",
						a.Timestamp.Format("15:04:05"), a.Status, a.Action)
				}
			}
			return nil
		},
	}

	return cmd
}
