package commands

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bmadhq/conductor/escalation"
)

// NewEscalationCommand groups the escalation queue subcommands.
func NewEscalationCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalation",
		Short: "Inspect and resolve escalated questions",
	}
	cmd.AddCommand(newEscalationListCommand(opts))
	cmd.AddCommand(newEscalationRespondCommand(opts))
	return cmd
}

func newEscalationQueue(opts *RootOptions) (*escalation.Queue, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := LoadConfig(opts.ConfigPath, logger)
	if err != nil {
		return nil, err
	}
	return escalation.NewQueue(cfg.EscalationDir(), escalation.WithLogger(logger)), nil
}

func newEscalationListCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending escalations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := newEscalationQueue(opts)
			if err != nil {
				return err
			}

			filter := &escalation.Filter{Status: escalation.StatusPending}
			if all {
				filter = nil
			}
			items, err := queue.List(filter)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("No escalations")
				return nil
			}

			for _, e := range items {
				fmt.Printf("%s  [%s]  step %d  %s\n",
					e.ID, e.Status, e.Step, e.Question)
				fmt.Printf("    confidence %.2f  workflow %s  created %s\n",
					e.Confidence, e.WorkflowID, e.CreatedAt.Format("2006-01-02 15:04"))
				if e.Response != "" {
					fmt.Printf("    response: %s\n", e.Response)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include resolved escalations")

	return cmd
}

func newEscalationRespondCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "respond <id> <response...>",
		Short: "Resolve an escalation with a human response",
		Long: `Respond records the human answer for a pending escalation. A
workflow blocked on the escalation picks the answer up and resumes.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := newEscalationQueue(opts)
			if err != nil {
				return err
			}

			id := args[0]
			response := strings.Join(args[1:], " ")
			resolved, err := queue.Respond(id, response)
			if err != nil {
				return err
			}
			fmt.Printf("Resolved %s after %ds: %s\n",
				resolved.ID, resolved.ResolutionTime, resolved.Response)
			return nil
		},
	}

	return cmd
}
