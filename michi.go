// Package michi is the public API for embedding the michi task lifecycle
// engine.
//
// Schedulers and hosts import this package to run the engine in-process
// without forking it:
//
//	app, err := michi.New(
//	    michi.WithVersion(version),
//	    michi.WithLogger(logger),
//	    michi.WithPublisher(myEventSink{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: michi (root) imports
// internal/*, but internal/* never imports michi (root). Public types are
// standalone structs; the adapters that cross the boundary live here.
package michi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/michi/api"
	"github.com/ashita-ai/michi/internal/bus"
	"github.com/ashita-ai/michi/internal/cache"
	"github.com/ashita-ai/michi/internal/config"
	"github.com/ashita-ai/michi/internal/control"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/ratelimit"
	"github.com/ashita-ai/michi/internal/server"
	"github.com/ashita-ai/michi/internal/service/lifecycle"
	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/telemetry"
	"github.com/ashita-ai/michi/migrations"
)

// App is the michi server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	rdb          *redis.Client
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the engine. It connects to Postgres and Redis, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("michi starting", "version", version, "port", cfg.Port, "bus", cfg.Bus)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Redis is an accelerator; the engine serves from Postgres until it
		// comes back.
		logger.Warn("redis unreachable at startup, running degraded", "error", err)
	}

	proj := cache.New(rdb, db, cache.Config{TTL: cfg.CacheTTL}, logger)
	signals := control.NewStore(rdb, control.Config{TTL: cfg.SignalTTL})
	pub := newPublisher(cfg, o, db, rdb, logger)
	engine := lifecycle.New(db, proj, signals, pub, logger.With("component", "lifecycle"))

	var limiter *ratelimit.Limiter
	if cfg.ReportRateLimit > 0 {
		limiter = ratelimit.New(rdb, logger)
		logger.Info("rate limiting: redis sliding window",
			"limit", cfg.ReportRateLimit, "window", cfg.ReportRateWindow)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Engine:              engine,
		Postgres:            db.Ping,
		Redis:               func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		Logger:              logger,
		Limiter:             limiter,
		ReportRateLimit:     cfg.ReportRateLimit,
		ReportRateWindow:    cfg.ReportRateWindow,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		ReadyLimit:          cfg.ReadyLimit,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		rdb:          rdb,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// newPublisher selects the notification bus. A publisher supplied through
// WithPublisher receives every event alongside the configured backend.
func newPublisher(cfg config.Config, o resolvedOptions, db *storage.DB, rdb *redis.Client, logger *slog.Logger) bus.Publisher {
	var pub bus.Publisher
	switch cfg.Bus {
	case config.BusPostgres:
		pub = bus.NewPostgres(db, cfg.BusChannel, storage.MaxNotifyPayload)
	case config.BusNone:
		pub = bus.Noop{}
	default:
		pub = bus.NewRedis(rdb, cfg.BusChannel)
	}
	logger.Info("event bus", "backend", cfg.Bus, "channel", cfg.BusChannel)

	if len(o.publishers) == 0 {
		return pub
	}
	fan := fanout{pub}
	for _, p := range o.publishers {
		fan = append(fan, &publisherAdapter{p: p})
	}
	return fan
}

// Handler returns the root HTTP handler, for hosts that mount michi on
// their own server instead of calling Run.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server, then blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown has already been called.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests and drains in-flight ones within
// the configured timeout, then closes Redis, the database pool, and the
// OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("michi shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	err := a.srv.Shutdown(httpCtx)
	httpCancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	if cerr := a.rdb.Close(); cerr != nil {
		a.logger.Warn("redis close error", "error", cerr)
	}
	if oerr := a.otelShutdown(context.Background()); oerr != nil {
		a.logger.Warn("telemetry shutdown error", "error", oerr)
	}
	a.db.Close()

	a.logger.Info("michi stopped")
	return err
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// fanout publishes to every publisher and joins their errors.
type fanout []bus.Publisher

func (f fanout) Publish(ctx context.Context, ev model.DomainEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// publisherAdapter converts internal events to the public Event type.
type publisherAdapter struct {
	p Publisher
}

func (a *publisherAdapter) Publish(ctx context.Context, ev model.DomainEvent) error {
	return a.p.Publish(ctx, Event{
		ID:         ev.ID,
		Type:       string(ev.Type),
		TraceID:    ev.TraceID,
		TaskID:     ev.TaskID,
		OccurredAt: ev.OccurredAt,
		Payload:    ev.Payload,
	})
}
