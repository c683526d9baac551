package main

import (
	"github.com/spf13/cobra"
	"github.com/sushant-115/gojolock/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// NewRootCommand creates the root command of the server binary.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "gojolock_server",
		Short:         "gojolock - distributed lock manager with deadlock resolution",
		Long:          "A lock server for coordinating agents: exclusive resource locks, FIFO wait queues and periodic wait-for graph scans that roll back deadlock victims.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML configuration (defaults apply when empty)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logger.level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "override logger.format (json|console)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCertsCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))

	return cmd
}

// loadConfig reads the configuration file, or the defaults, and applies the
// global overrides.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return config.Config{}, err
		}
	}
	if o.LogLevel != "" {
		cfg.Logger.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Logger.Format = o.LogFormat
	}
	return cfg, nil
}
