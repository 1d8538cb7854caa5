package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/envalloc/envalloc/pkg/api"
	"github.com/envalloc/envalloc/pkg/dispatch"
	"github.com/envalloc/envalloc/pkg/environment"
	"github.com/envalloc/envalloc/pkg/policy"
	"github.com/envalloc/envalloc/pkg/reservation"
	"github.com/envalloc/envalloc/pkg/supervisor"
)

func newServeCommand(version string) *cobra.Command {
	var noSweep bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the allocation API, workers and sweeper",
		Long: `Run the environment allocation service.

The process serves the HTTP API, runs the worker pool that drives requests
to an outcome and sweeps expired reservations. Requests left pending by a
previous process are picked up again at start-up.`,
		Example: `  # Serve with an etcd lease store
  ENVALLOC_GRAPHQL_URL=http://er:5000/graphql ENVALLOC_STORE_HOST=etcd-0 envalloc serve

  # Serve from a config file, without the sweeper
  envalloc serve --config envalloc.yaml --no-sweep`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), version, !noSweep)
		},
	}

	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the expiry sweeper in this process")

	return cmd
}

func runServe(ctx context.Context, version string, sweep bool) error {
	a, err := openApp(ctx, version)
	if err != nil {
		return err
	}
	cfg := a.cfg
	logger := a.logger
	ctx = a.tel.WithContext(ctx)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to close cleanly")
		}
	}()

	if err := a.tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	cat, err := a.catalog(ctx)
	if err != nil {
		return err
	}
	signer, err := a.signer()
	if err != nil {
		return err
	}

	admission, err := policy.NewEngine(logger, cfg.Policy.Limits)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if cfg.Policy.Dir != "" {
		load := admission.LoadPolicies
		if cfg.Policy.Watch {
			load = admission.WatchPolicies
		}
		if err := load(ctx, []string{cfg.Policy.Dir}); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
	}

	resCfg := reservation.DefaultConfig()
	resCfg.LeaseTTL = cfg.Allocation.LeaseTTL
	engine := reservation.NewEngine(cat, a.leases, signer, a.tel.Metrics, logger, resCfg)

	workerLog := workerLogger(logger, cfg.WorkerLogLevel())
	sup := supervisor.New(engine, a.leases, a.requests, a.tel.Events, a.tel.Metrics, a.clock, workerLog,
		supervisor.Config{
			WaitTimeout:     cfg.Allocation.WaitTimeout,
			InitialInterval: cfg.Allocation.InitialBackoff,
			MaxInterval:     cfg.Allocation.MaxBackoff,
			Jitter:          cfg.Allocation.Jitter,
			RetryBudget:     cfg.Allocation.RetryBudget,
		})

	queue := dispatch.NewMemoryQueue[dispatch.Task](dispatch.QueueConfig{
		MaxRetries: cfg.Dispatch.MaxRedeliveries,
		Buffer:     cfg.Dispatch.QueueSize,
	})
	dispatcher := dispatch.New(queue, sup, workerLog, dispatch.Config{Workers: cfg.Dispatch.Workers})
	// Workers outlive the signal so that Shutdown can drain them.
	dispatcher.Start(context.WithoutCancel(ctx))

	svc := environment.NewService(environment.Options{
		Requests:   a.requests,
		Leases:     a.leases,
		Catalog:    cat,
		Signer:     signer,
		Dispatcher: dispatcher,
		Admitter:   admission,
		Events:     a.tel.Events,
		Metrics:    a.tel.Metrics,
		Clock:      a.clock,
		Logger:     logger,
		Config:     environment.Config{WaitTimeout: cfg.Allocation.WaitTimeout},
	})

	resumed, err := svc.Resume(ctx)
	if err != nil {
		logger.Error().Err(err).Int("resumed", resumed).Msg("Some pending requests could not be resumed")
	} else if resumed > 0 {
		logger.Info().Int("resumed", resumed).Msg("Resumed pending requests")
	}

	var wg sync.WaitGroup
	if sweep {
		sweeper := a.sweeper()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sweeper.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Sweeper stopped")
			}
		}()
	}

	metrics := a.tel.Metrics.Handler()
	if !cfg.Telemetry.MetricsEnabled {
		metrics = nil
	}
	handler := api.NewHandler(svc, metrics, baseURL(cfg.Server.BaseURL, cfg.Server.ListenAddress), logger)
	server := api.NewServer(api.ServerConfig{
		Address:      cfg.Server.ListenAddress,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, handler, logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("HTTP API failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error().Err(serr).Msg("HTTP API did not shut down cleanly")
	}
	if derr := dispatcher.Shutdown(shutdownCtx); derr != nil {
		logger.Error().Err(derr).Msg("Workers did not drain before the shutdown timeout")
	}
	wg.Wait()

	logger.Info().Msg("Shutdown complete")
	return err
}

// workerLogger returns logger at the worker log level, or logger itself when
// the level is not recognised.
func workerLogger(logger zerolog.Logger, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return logger
	}
	return logger.Level(lvl)
}

// baseURL falls back to the listen address when no external URL is set.
func baseURL(configured, listen string) string {
	if configured != "" {
		return configured
	}
	if len(listen) > 0 && listen[0] == ':' {
		return "http://localhost" + listen
	}
	return "http://" + listen
}
