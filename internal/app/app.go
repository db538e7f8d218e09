// Package app assembles the coordinator, its store, the output pipeline and
// the network listeners from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/uwbsync/internal/api"
	"github.com/banshee-data/uwbsync/internal/config"
	"github.com/banshee-data/uwbsync/internal/coordinator"
	"github.com/banshee-data/uwbsync/internal/db"
	"github.com/banshee-data/uwbsync/internal/db/postgres"
	"github.com/banshee-data/uwbsync/internal/device"
	"github.com/banshee-data/uwbsync/internal/discovery"
	"github.com/banshee-data/uwbsync/internal/httputil"
	"github.com/banshee-data/uwbsync/internal/measurement"
	"github.com/banshee-data/uwbsync/internal/monitoring"
	"github.com/banshee-data/uwbsync/internal/output"
	"github.com/banshee-data/uwbsync/internal/schedule"
	"github.com/banshee-data/uwbsync/internal/timeutil"
	"github.com/banshee-data/uwbsync/internal/version"
)

// Store is what the coordinator needs from persistence.
type Store interface {
	device.Persister
	output.Store
}

type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *monitoring.Collector
	closers []func() error

	Store       Store
	Coordinator *coordinator.Coordinator
	Pipeline    *output.Pipeline
	Server      *api.Server
	Health      *api.HealthService // nil without grpc_listen
}

// SchedulerConfig maps the configuration onto the channel scheduler.
func SchedulerConfig(cfg *config.Config) schedule.Config {
	return schedule.Config{
		ScanPeriod:     cfg.GetScanPeriod(),
		ScanInterval:   cfg.GetScanInterval(),
		ScanTime:       cfg.GetScanTime(),
		SlowScanLead:   cfg.GetSlowScanLead(),
		FastScanLead:   cfg.GetFastScanLead(),
		MeasureLead:    cfg.GetMeasureLead(),
		MaxChannelLead: cfg.GetMaxChannelLead(),
	}
}

// New opens the configured store and builds every component. Nothing
// listens until Run.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) (*App, error) {
	log = monitoring.OrDefault(log)
	metrics, err := monitoring.NewCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	a := &App{cfg: cfg, log: log, metrics: metrics}

	var adminRoutes func(*http.ServeMux) error
	switch cfg.GetDBDriver() {
	case "sqlite":
		sqlite, err := db.NewDB(cfg.GetDBPath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, sqlite.Close)
		a.Store = sqlite
		adminRoutes = sqlite.AttachAdminRoutes
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.GetDBDSN())
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.Store = pg
	case "memory":
		a.Store = db.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown db_driver %q", cfg.GetDBDriver())
	}

	var fwd output.Forwarder
	if cfg.GetExportToEstimator() {
		fwd = output.NewEstimatorClient(httputil.NewStandardClient(nil),
			cfg.GetEstimatorURL(), cfg.GetEstimatorToken(), cfg.GetEstimatorTimeout())
	}

	clock := timeutil.RealClock{}
	var coord *coordinator.Coordinator
	a.Pipeline = output.NewPipeline(output.Options{
		Store:             a.Store,
		Forwarder:         fwd,
		ExportToDB:        cfg.GetExportToDB(),
		ExportToEstimator: cfg.GetExportToEstimator(),
		Workers:           cfg.GetOutputWorkers(),
		QueueSize:         cfg.GetOutputQueue(),
		MaxRetries:        cfg.GetDBMaxRetries(),
		RetryDelay:        cfg.GetDBRetryDelay(),
		ShutdownGrace:     cfg.GetShutdownGrace(),
		OnFatal:           func(err error) { coord.Trip(err) },
		Clock:             clock,
		Logger:            log,
		Metrics:           metrics,
	})

	coord = coordinator.New(coordinator.Options{
		Registry: device.NewRegistry(device.Options{
			Persister:    a.Store,
			Clock:        clock,
			RoundHistory: cfg.GetRoundHistory(),
			Logger:       log,
			Metrics:      metrics,
		}),
		Scheduler:       schedule.New(SchedulerConfig(cfg), clock),
		Output:          a.Pipeline,
		ReportGrace:     cfg.GetReportGrace(),
		ReadingChannel:  cfg.GetReadingChannel(),
		ShutdownTimeout: cfg.GetShutdownGrace() + cfg.GetDBRetryDelay(),
		Clock:           clock,
		Logger:          log,
		Metrics:         metrics,
		Coverage:        measurement.NewCoverageTracker(256),
	})
	a.Coordinator = coord

	a.Server = api.NewServer(api.Options{
		Coordinator: coord,
		Metrics:     metrics,
		AdminRoutes: adminRoutes,
		Logger:      log,
	})
	if cfg.GetGRPCListen() != "" {
		a.Health = api.NewHealthService(coord, log)
	}
	return a, nil
}

// Run starts the pipeline and the listeners and blocks until ctx is done or
// a listener fails. The pipeline is drained before Run returns.
func (a *App) Run(ctx context.Context) error {
	var port int
	if a.cfg.GetAdvertise() {
		var err error
		if port, err = discovery.PortFromListen(a.cfg.GetListen()); err != nil {
			return err
		}
	}

	a.Pipeline.Start()
	a.log.Info("starting", "version", version.String(), "db_driver", a.cfg.GetDBDriver())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server.ListenAndServe(gctx, a.cfg.GetListen(), a.cfg.GetShutdownGrace())
	})
	if a.Health != nil {
		g.Go(func() error { return a.Health.Serve(gctx, a.cfg.GetGRPCListen()) })
	}
	if port > 0 {
		g.Go(func() error { return discovery.Advertise(gctx, instanceName(), port, a.log) })
	}
	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.GetShutdownGrace()+a.cfg.GetDBRetryDelay())
	defer cancel()
	if err := a.Coordinator.Shutdown(drainCtx); err != nil {
		a.log.Warn("output pipeline did not drain", "error", err)
	}
	return runErr
}

// Close releases the store.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return version.Service
	}
	return version.Service + "-" + host
}
