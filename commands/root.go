package commands

import "log/slog"

// RootOptions carries the flags shared by every subcommand.
type RootOptions struct {
	ConfigPath string
	Logger     *slog.Logger
}

// newApp loads configuration and assembles the component graph.
func (o *RootOptions) newApp(yolo bool) (*App, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := LoadConfig(o.ConfigPath, logger)
	if err != nil {
		return nil, err
	}
	return NewApp(cfg, logger, yolo), nil
}
