package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ancs/internal/api"
	"ancs/internal/clock"
	"ancs/internal/config"
	"ancs/internal/ha"
	"ancs/internal/history"
	"ancs/internal/registry"
	"ancs/internal/telemetry"
	"ancs/internal/watcher"
	"ancs/pkg/dropin"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load drop-ins, poll them and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opts.settings(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(settings.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer stop()

			return serve(ctx, settings, logger)
		},
	}
}

// daemon holds everything serve starts, in start order.
type daemon struct {
	logger   *zap.Logger
	metrics  *prometheus.Registry
	registry *registry.Registry
	report   *registry.Report
	watcher  *watcher.Watcher
	server   *api.Server
	store    *history.Store
	recorder *history.Recorder
	mirror   *ha.Publisher
}

// newDaemon loads the drop-ins and builds every component without starting
// anything.
func newDaemon(settings *config.Settings, catalog *dropin.Catalog, logger *zap.Logger) (*daemon, error) {
	d := &daemon{logger: logger, metrics: telemetry.NewRegistry()}
	catalog.SetLogger(logger.Named("catalog"))

	loader := config.NewLoader(settings.DropInDir, logger)
	candidates, err := registry.Candidates(loader)
	if err != nil {
		return nil, err
	}
	d.registry, d.report = registry.Load(candidates, registry.Options{
		Catalog:    catalog,
		Logger:     logger,
		Registerer: d.metrics,
	})

	d.watcher, err = watcher.New(d.registry.Plugins(), watcher.Options{
		ActivationDelay: settings.ActivationDelay,
		RefreshInterval: settings.RefreshInterval,
		Registerer:      d.metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, multierr.Append(err, d.registry.Close())
	}

	var hist api.HistorySource
	if settings.History.Enabled() {
		d.store, err = history.Open(settings.History.Path, logger)
		if err != nil {
			return nil, multierr.Append(err, d.registry.Close())
		}
		d.recorder = history.NewRecorder(d.store, d.registry.Plugins(), settings.History.Interval, clock.NewRealClock(), logger)
		hist = d.recorder
	}

	if settings.HomeAssistant.Enabled() {
		client := ha.NewClient(settings.HomeAssistant.URL, settings.HomeAssistant.Token, logger)
		d.mirror, err = ha.NewPublisher(client, d.registry, ha.PublisherOptions{
			Interval:   settings.HomeAssistant.Interval,
			Mappings:   settings.HomeAssistant.Entities,
			Registerer: d.metrics,
			Logger:     logger,
		})
		if err != nil {
			return nil, multierr.Combine(err, d.closeStores())
		}
	}

	d.server = api.NewServer(api.Options{
		Addr:     settings.ListenAddr,
		Registry: d.registry,
		Report:   d.report,
		Watcher:  d.watcher,
		History:  hist,
		Gatherer: d.metrics,
		Logger:   logger,
	})
	return d, nil
}

// serve runs the daemon until ctx is cancelled.
func serve(ctx context.Context, settings *config.Settings, logger *zap.Logger) error {
	logger.Info("Starting ancsd",
		zap.String("listen_addr", settings.ListenAddr),
		zap.String("dropin_dir", settings.DropInDir),
		zap.Bool("home_assistant", settings.HomeAssistant.Enabled()),
		zap.Bool("history", settings.History.Enabled()))

	d, err := newDaemon(settings, dropin.Global(), logger)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

func (d *daemon) run(ctx context.Context) error {
	if err := d.watcher.Start(ctx); err != nil {
		return multierr.Append(err, d.closeStores())
	}
	if err := d.server.Start(); err != nil {
		return multierr.Combine(err, d.shutdown())
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.recorder != nil {
		g.Go(func() error { return d.recorder.Run(gctx) })
	}
	if d.mirror != nil {
		g.Go(func() error { return d.mirror.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("Shutting down gracefully...")
		return nil
	})

	return multierr.Append(g.Wait(), d.shutdown())
}

// shutdown stops the poller, then the server, then releases drop-ins and
// the history store.
func (d *daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := d.watcher.Shutdown(ctx)
	err = multierr.Append(err, d.server.Stop())
	return multierr.Append(err, d.closeStores())
}

func (d *daemon) closeStores() error {
	err := d.registry.Close()
	if d.store != nil {
		err = multierr.Append(err, d.store.Close())
	}
	return err
}
