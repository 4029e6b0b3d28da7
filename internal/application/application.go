// Package application wires every engine component from a configuration and
// runs the long-lived serve loop.
package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/config"
	"backup-orchestrator/internal/events"
	"backup-orchestrator/internal/governance"
	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/metrics"
	"backup-orchestrator/internal/notify"
	"backup-orchestrator/internal/recovery"
	"backup-orchestrator/internal/schedule"
	"backup-orchestrator/internal/store"
	"backup-orchestrator/internal/vault"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	dispatcherBuffer = 256
	shutdownTimeout  = 10 * time.Second
)

// Application holds every constructed component
type Application struct {
	Config     *config.Config
	Logger     *logging.Logger
	Clock      clockwork.Clock
	Store      *store.Store
	Vault      *vault.Vault
	Approvals  *governance.Service
	Events     *events.Bus
	Notifier   *notify.Notifier
	Audit      *backup.AuditLogger
	Backends   *backup.BackendRegistry
	Backups    *backup.Manager
	Scheduler  *schedule.Scheduler
	Recovery   *recovery.Manager
	dispatcher *notify.Dispatcher
}

// Option overrides a collaborator, mostly for tests
type Option func(*options)

type options struct {
	logger   *logging.Logger
	clock    clockwork.Clock
	executor backup.CommandExecutor
	backends []backup.StorageBackend
}

func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithExecutor replaces the os/exec runner used by the dump tool adapters.
func WithExecutor(executor backup.CommandExecutor) Option {
	return func(o *options) { o.executor = executor }
}

// WithBackends registers storage backends in addition to the configured ones.
func WithBackends(backends ...backup.StorageBackend) Option {
	return func(o *options) { o.backends = append(o.backends, backends...) }
}

// New builds the application. The returned Application must be closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	app := &Application{Config: cfg, Clock: o.clock, Logger: o.logger}
	if app.Clock == nil {
		app.Clock = clockwork.NewRealClock()
	}
	if app.Logger == nil {
		loggerConfig, err := cfg.LoggerConfig()
		if err != nil {
			return nil, backup.NewConfigurationError("invalid logging configuration", err)
		}
		if app.Logger, err = logging.NewLogger(loggerConfig); err != nil {
			return nil, backup.NewConfigurationError("failed to create logger", err)
		}
	}

	if err := app.build(ctx, o); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (app *Application) build(ctx context.Context, o *options) error {
	cfg := app.Config
	var err error

	if app.Store, err = store.Open(cfg.Database); err != nil {
		return err
	}
	if app.Vault, err = vault.New(app.Store.DB(), cfg.Vault, app.Logger, app.Clock); err != nil {
		return err
	}
	if app.Approvals, err = governance.NewService(cfg.Governance, app.Logger, app.Clock); err != nil {
		return err
	}
	if app.Audit, err = backup.NewAuditLogger(backup.AuditLoggerConfig{
		Logger:       app.Logger,
		AuditLogFile: cfg.Logging.AuditFile,
	}); err != nil {
		return err
	}

	app.Events = events.NewBus(events.WithDropHandler(func(e events.Event) {
		metrics.EventsDropped.Inc()
		app.Logger.WithFields(map[string]interface{}{
			"event":   e.Type,
			"subject": e.Subject,
		}).Warn("Event dropped by slow subscriber")
	}))
	app.Notifier = notify.NewNotifier(app.Logger, cfg.Notifications)
	app.dispatcher = notify.NewDispatcher(app.Notifier, cfg.Notifications, app.Logger)

	catalog, err := backup.NewStaticCatalog(cfg.Sources, cfg.Environments)
	if err != nil {
		return err
	}
	if app.Backends, err = backup.NewBackendsFromConfig(ctx, &cfg.Storage); err != nil {
		return err
	}
	for _, b := range o.backends {
		if err := app.Backends.Register(b); err != nil {
			return err
		}
	}

	executor := o.executor
	if executor == nil {
		executor = backup.NewExecExecutor(app.Logger)
	}
	sources := backup.NewSourceRegistry(
		backup.NewRelationalAdapter(executor, app.Logger),
		backup.NewDocumentAdapter(executor, app.Logger),
		backup.NewCacheAdapter(app.Logger),
		backup.NewFilesystemAdapter(app.Logger),
	)

	app.Backups, err = backup.NewManager(cfg.ManagerConfig(), backup.Dependencies{
		Store:     app.Store,
		Sources:   sources,
		Catalog:   catalog,
		Backends:  app.Backends,
		Pipeline:  backup.NewPipeline(backup.NewCompressionManager(), backup.NewEncryptionManager()),
		Vault:     app.Vault,
		Approvals: app.Approvals,
		Events:    app.Events,
		Audit:     app.Audit,
		Logger:    app.Logger,
		Clock:     app.Clock,
	})
	if err != nil {
		return err
	}

	app.Scheduler = schedule.New(cfg.Scheduler.Config, app.Store, app.Backups, app.Events, app.Logger, app.Clock)
	app.Recovery = recovery.NewManager(app.Store, app.Backups, app.Notifier, app.Events, app.Logger, app.Clock)
	return nil
}

// Serve runs the scheduler, the notification dispatcher, the vault purger and,
// when enabled, the metrics endpoint until ctx is canceled or one of them fails.
func (app *Application) Serve(ctx context.Context) error {
	done := app.Logger.LogOperationStart("serve", map[string]interface{}{
		"metrics":  app.Config.Metrics.Enabled,
		"backends": app.Backends.Types(),
	})

	recovered, err := app.Backups.RecoverInterrupted(ctx)
	if err != nil {
		done(err)
		return err
	}
	if recovered > 0 {
		app.Logger.WithField("backups", recovered).Warn("Marked interrupted backups as failed")
	}

	app.CheckStorage(ctx)

	g, gctx := errgroup.WithContext(ctx)
	notifications := app.Events.Subscribe(dispatcherBuffer)

	g.Go(func() error { return app.Scheduler.Run(gctx) })
	g.Go(func() error { return app.dispatcher.Run(gctx, notifications) })
	g.Go(func() error { return app.Vault.RunPurger(gctx, app.Config.Scheduler.VaultPurgeInterval) })
	g.Go(func() error { return app.RunStorageChecks(gctx, app.Config.Metrics.HealthCheckInterval) })

	if app.Config.Metrics.Enabled {
		server := metrics.NewServer(app.Config.Metrics.Address)
		g.Go(func() error {
			app.Logger.WithField("address", server.Addr).Info("Metrics endpoint listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	done(err)
	return err
}

// CheckStorage checks every configured storage backend once. Failures are logged
// and exported on the storage_backend_up gauge; they do not stop the engine.
func (app *Application) CheckStorage(ctx context.Context) []backup.BackendHealth {
	health := app.Backends.Health(ctx)
	for _, h := range health {
		if h.Healthy {
			continue
		}
		app.Logger.WithFields(map[string]interface{}{
			"backend": h.Backend,
			"error":   h.Error,
		}).Warn("Storage backend health check failed")
	}
	return health
}

// RunStorageChecks repeats CheckStorage every interval until ctx is done.
func (app *Application) RunStorageChecks(ctx context.Context, interval time.Duration) error {
	ticker := app.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			app.CheckStorage(ctx)
		}
	}
}

// Close releases the database, the audit log and the event bus.
func (app *Application) Close() error {
	var errs []error
	if app.Events != nil {
		app.Events.Close()
	}
	if app.Audit != nil {
		errs = append(errs, app.Audit.Close())
	}
	if app.Store != nil {
		errs = append(errs, app.Store.Close())
	}
	return errors.Join(errs...)
}

// Hostname identifies the operator when no actor is given on the command line.
func Hostname() string {
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "unknown"
}
