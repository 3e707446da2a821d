package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bmadhq/conductor/worktree"
)

// NewWorktreeCommand groups the story worktree subcommands.
func NewWorktreeCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Manage isolated story worktrees",
	}
	cmd.AddCommand(newWorktreeCreateCommand(opts))
	cmd.AddCommand(newWorktreeListCommand(opts))
	cmd.AddCommand(newWorktreePushCommand(opts))
	cmd.AddCommand(newWorktreeDestroyCommand(opts))
	return cmd
}

// newWorktreeManager builds an initialized manager rooted at the project.
func newWorktreeManager(ctx context.Context, opts *RootOptions) (*worktree.Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := LoadConfig(opts.ConfigPath, logger)
	if err != nil {
		return nil, err
	}
	manager := worktree.NewManager(cfg.Project.Root, worktree.WithLogger(logger))
	if err := manager.Initialize(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}

func worktreeContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newWorktreeCreateCommand(opts *RootOptions) *cobra.Command {
	var baseBranch string

	cmd := &cobra.Command{
		Use:   "create <storyId>",
		Short: "Create an isolated worktree for a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := worktreeContext()
			defer stop()

			manager, err := newWorktreeManager(ctx, opts)
			if err != nil {
				return err
			}
			wt, err := manager.Create(ctx, args[0], baseBranch)
			if err != nil {
				return err
			}
			fmt.Printf("Created worktree %s on branch %s\n", wt.Path, wt.Branch)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseBranch, "base", "", "Base branch to fork from (default: main)")

	return cmd
}

func newWorktreeListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active story worktrees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := worktreeContext()
			defer stop()

			manager, err := newWorktreeManager(ctx, opts)
			if err != nil {
				return err
			}
			active := manager.ListActive()
			if len(active) == 0 {
				fmt.Println("No active worktrees")
				return nil
			}
			for _, wt := range active {
				fmt.Printf("%-8s  %-12s  %s  (%s)\n", wt.StoryID, wt.Status, wt.Path, wt.Branch)
			}
			return nil
		},
	}
}

func newWorktreePushCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push <storyId>",
		Short: "Push a story branch to origin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := worktreeContext()
			defer stop()

			manager, err := newWorktreeManager(ctx, opts)
			if err != nil {
				return err
			}
			if err := manager.PushBranch(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Pushed branch for story %s\n", args[0])
			return nil
		},
	}
}

func newWorktreeDestroyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <storyId>",
		Short: "Remove a story worktree and its branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := worktreeContext()
			defer stop()

			manager, err := newWorktreeManager(ctx, opts)
			if err != nil {
				return err
			}
			if err := manager.Destroy(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Destroyed worktree for story %s\n", args[0])
			return nil
		},
	}
}
