// Package main provides the conductor binary entry point.
// Conductor is an autonomous orchestration core that drives multi-phase
// development workflows with LLM agents, escalating to a human only when
// confidence is low.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bmadhq/conductor/commands"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "conductor"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	opts := &commands.RootOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Autonomous workflow orchestrator",
		Long: `Conductor executes multi-phase development workflows autonomously.

It parses workflow definitions with embedded step scripts, checkpoints
durable state after each step, answers routine questions through a
decision engine backed by onboarding docs and an LLM, and escalates
low-confidence decisions to a human via a file-backed queue.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging(logLevel)
			opts.ConfigPath = configPath
			opts.Logger = slog.Default()
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(commands.NewRunCommand(opts))
	cmd.AddCommand(commands.NewResumeCommand(opts))
	cmd.AddCommand(commands.NewStatusCommand(opts))
	cmd.AddCommand(commands.NewEscalationCommand(opts))
	cmd.AddCommand(commands.NewWorktreeCommand(opts))

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func configureLogging(logLevel string) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
