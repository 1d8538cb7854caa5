package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/envalloc/envalloc/pkg/catalog"
	"github.com/envalloc/envalloc/pkg/clock"
	"github.com/envalloc/envalloc/pkg/config"
	"github.com/envalloc/envalloc/pkg/lease"
	"github.com/envalloc/envalloc/pkg/stores"
	"github.com/envalloc/envalloc/pkg/supervisor"
	"github.com/envalloc/envalloc/pkg/telemetry"
)

// app holds the collaborators shared by the long-running commands.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	clock    clock.Clock
	requests *stores.SQLiteStore
	leases   lease.Store
	etcd     *lease.EtcdStore
}

// openApp loads the configuration and opens telemetry, the audit database and
// the lease store. The caller must Close the app.
func openApp(ctx context.Context, version string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
		clock:  clock.New(),
	}

	a.requests, err = stores.NewSQLiteStore(stores.Config{
		Path:   cfg.Database.Path,
		Logger: a.logger,
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	if err := a.requests.Init(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	if err := a.requests.Migrate(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	tel.Events.Subscribe(a.requests.Subscriber(), nil)

	switch cfg.Store.Backend {
	case config.BackendEtcd:
		a.etcd, err = lease.NewEtcdStore(lease.EtcdConfig{
			Endpoints:      cfg.Store.Endpoints(),
			Username:       cfg.Store.Username,
			Password:       cfg.Store.Password,
			Prefix:         cfg.Store.Prefix,
			DialTimeout:    cfg.Store.DialTimeout,
			RequestTimeout: cfg.Store.RequestTimeout,
			Retention:      cfg.Database.Retention,
		}, a.clock, a.logger)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		a.leases = a.etcd
	default:
		a.logger.Warn().Msg("Using the in-memory lease store; reservations do not survive a restart")
		a.leases = lease.NewMemoryStore(a.clock)
	}

	a.logger.Info().
		Str("store", cfg.Store.Backend).
		Strs("endpoints", cfg.Store.Endpoints()).
		Str("database", cfg.Database.Path).
		Msg("Application initialized")

	return a, nil
}

// catalog builds the catalog client, wrapped in a cache when one is configured.
func (a *app) catalog(ctx context.Context) (catalog.Client, error) {
	var (
		client catalog.Client
		cc     = a.cfg.Catalog
	)

	if cc.File != "" {
		fc, err := catalog.NewFileCatalog(cc.File, a.logger)
		if err != nil {
			return nil, err
		}
		if err := fc.Watch(ctx); err != nil {
			a.logger.Warn().Err(err).Str("file", cc.File).Msg("Catalog file will not be reloaded")
		}
		client = fc
	} else {
		gc, err := catalog.NewGraphQLClient(catalog.GraphQLConfig{
			URL:      cc.GraphQLURL,
			Timeout:  cc.Timeout,
			PageSize: cc.PageSize,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		client = gc
	}

	if cc.CacheTTL > 0 {
		client = catalog.NewCachedClient(client, catalog.CacheConfig{
			TTL:      cc.CacheTTL,
			StaleTTL: cc.StaleTTL,
		}, a.clock, a.logger)
	}
	return client, nil
}

// signer builds the lease token signer.
func (a *app) signer() (*lease.Signer, error) {
	if key := a.cfg.Security.EncryptionKey; key != "" {
		return lease.NewSigner([]byte(key))
	}
	a.logger.Warn().Msg("No encryption key configured; lease tokens will not survive a restart")
	return lease.NewRandomSigner()
}

// sweeper builds the expiry sweeper. On etcd only the elected leader sweeps.
func (a *app) sweeper() *supervisor.Sweeper {
	var elector lease.Elector = lease.LocalElector{}
	if a.etcd != nil {
		elector = lease.NewEtcdElector(a.etcd, "sweeper", identity(), a.cfg.Sweeper.ElectionTTL, a.logger)
	}
	return supervisor.NewSweeper(a.leases, elector, a.requests, a.tel.Events, a.tel.Metrics, a.clock, a.logger,
		supervisor.SweeperConfig{
			Interval:  a.cfg.Sweeper.Interval,
			Retention: a.cfg.Database.Retention,
		})
}

// Close releases everything openApp acquired.
func (a *app) Close(ctx context.Context) error {
	var result *multierror.Error
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("telemetry: %w", err))
		}
	}
	if a.leases != nil {
		if err := a.leases.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("lease store: %w", err))
		}
	}
	if a.requests != nil {
		if err := a.requests.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("request store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func identity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}
