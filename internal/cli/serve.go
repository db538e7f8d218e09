package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/banshee-data/uwbsync/internal/app"
	"github.com/banshee-data/uwbsync/internal/monitoring"
	"github.com/banshee-data/uwbsync/internal/version"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				opts.cfg.Listen = &listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "HTTP listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, log := opts.cfg, opts.logger

	shutdownTracing, err := monitoring.InitTracing(ctx, monitoring.TracingConfig{
		Enabled:     cfg.GetTracingEnabled(),
		ServiceName: version.Service,
		Exporter:    cfg.GetTracingExporter(),
		Endpoint:    cfg.GetTracingEndpoint(),
		SampleRatio: 1,
	}, log)
	if err != nil {
		return err
	}
	defer monitoring.ShutdownTracing(context.Background(), shutdownTracing, log)

	a, err := app.New(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("failed to close store", "error", err)
		}
	}()

	if err := a.Run(ctx); err != nil {
		return err
	}
	log.Info("graceful shutdown complete")
	return nil
}
