// Package cli implements the uwbsync command line.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/banshee-data/uwbsync/internal/config"
	"github.com/banshee-data/uwbsync/internal/monitoring"
)

type rootOptions struct {
	configPath string
	dbPath     string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "uwbsync",
		Short: "UWB ranging coordinator",
		Long: `uwbsync coordinates UWB anchors and tags sharing one radio channel.

Anchors register over HTTP, report which tags they can hear and return ranging
readings. The server hands each anchor a collision-free time slot per tag,
groups readings into per-tag rounds and exports finished rounds to the
database and the position estimator.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to JSON config file")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db-path", "", "Override the sqlite database path")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose (debug) logging")

	cmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newDevicesCommand(opts),
		newRoundsCommand(opts),
		newBackupCommand(opts),
		newDiscoverCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

func (o *rootOptions) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.dbPath != "" {
		cfg.DBPath = &o.dbPath
	}
	o.cfg = cfg

	level := cfg.GetLogLevel()
	if o.verbose {
		level = "debug"
	}
	o.logger = monitoring.NewLogger(monitoring.LogConfig{
		Level:  level,
		Format: cfg.GetLogFormat(),
	})
	slog.SetDefault(o.logger)
	return nil
}
