// Package server builds the service from configuration and runs it until
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/title-fanout/internal/activity"
	"github.com/JakeFAU/title-fanout/internal/api"
	"github.com/JakeFAU/title-fanout/internal/clock/system"
	"github.com/JakeFAU/title-fanout/internal/config"
	"github.com/JakeFAU/title-fanout/internal/dispatcher"
	"github.com/JakeFAU/title-fanout/internal/engine"
	"github.com/JakeFAU/title-fanout/internal/extract"
	"github.com/JakeFAU/title-fanout/internal/fanout"
	collyfetcher "github.com/JakeFAU/title-fanout/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/title-fanout/internal/fetcher/headless"
	"github.com/JakeFAU/title-fanout/internal/hash/sha256"
	"github.com/JakeFAU/title-fanout/internal/id/uuid"
	"github.com/JakeFAU/title-fanout/internal/logging"
	"github.com/JakeFAU/title-fanout/internal/metrics"
	"github.com/JakeFAU/title-fanout/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/title-fanout/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/title-fanout/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/title-fanout/internal/queue/memory"
	"github.com/JakeFAU/title-fanout/internal/schedule"
	gcsstorage "github.com/JakeFAU/title-fanout/internal/storage/gcs"
	localstorage "github.com/JakeFAU/title-fanout/internal/storage/local"
	memoryStorage "github.com/JakeFAU/title-fanout/internal/storage/memory"
	pgstore "github.com/JakeFAU/title-fanout/internal/storage/postgres"
	"github.com/JakeFAU/title-fanout/internal/telemetry"
	"github.com/JakeFAU/title-fanout/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	engine   *engine.Engine
	dispatch *dispatcher.Dispatcher
	queue    *queueMemory.Queue
	api      *api.Server
	trigger  *schedule.Trigger
	checks   []api.ReadyCheck
	closers  []closer

	topic string
	notes *memorypublisher.Publisher
}

// localTopic names the in-memory topic used when no Pub/Sub topic is set.
const localTopic = "run-completed"

type closer struct {
	name string
	fn   func(context.Context) error
}

// Build creates the application's dependencies. On error every resource opened
// so far is released.
func Build(ctx context.Context, cfg config.Config) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.close(context.Background())
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("snapshots", cfg.Storage.Snapshots),
		zap.String("fetch_mode", cfg.Fetch.Mode),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)

	if cfg.Telemetry.Enabled {
		var opts []sdktrace.TracerProviderOption
		if cfg.Telemetry.Exporter == "stdout" {
			exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
			if err != nil {
				return nil, fmt.Errorf("trace exporter init failed: %w", err)
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, opts...)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.onClose("tracer", tp.Shutdown)
	}
	metrics.Init()

	events, runs, err := app.setupStores(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	fetcher, err := app.setupFetcher()
	if err != nil {
		return nil, err
	}

	initial, maxDelay := cfg.Backoff()
	fetchTitle := activity.New(
		fetcher,
		extract.New(cfg.Fetch.TitleSuffix),
		ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Fetch.RatePerHost, DefaultBurst: cfg.Fetch.Burst}),
		blobs,
		sha256.New(),
		activity.Config{
			UserAgent:      cfg.Fetch.UserAgent,
			MaxBodyBytes:   int64(cfg.Fetch.MaxBodyBytes),
			MaxRetries:     cfg.Fetch.MaxRetries,
			BackoffInitial: initial,
			BackoffMax:     maxDelay,
			SnapshotPrefix: cfg.Storage.Prefix,
			ContentType:    cfg.Storage.ContentType,
		},
		logger.Named("activity"),
	)

	app.queue = queueMemory.NewQueue(cfg.Worker.QueueDepth)
	app.dispatch = dispatcher.New(app.queue, nil)
	ids := uuid.New()
	app.engine = engine.New(
		events,
		runs,
		app.dispatch,
		publisher,
		system.New(),
		ids,
		engine.Config{
			RunTimeout:   cfg.RunTimeout(),
			ReapInterval: cfg.ReapInterval(),
			Topic:        app.topic,
		},
		logger.Named("engine"),
	)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		app.dispatch.Add(worker.New(i, app.queue, fetchTitle, app.engine, logger.Named("worker")))
	}

	app.api = api.NewServer(app.engine, ids, cfg, logger, app.checks...)

	if cfg.Schedule.Cron != "" {
		app.trigger, err = schedule.NewTrigger(cfg.Schedule.Cron, app.engine, cfg.Orchestrator.DefaultItems, logger)
		if err != nil {
			return nil, fmt.Errorf("schedule init failed: %w", err)
		}
		logger.Info("scheduled runs enabled", zap.String("cron", cfg.Schedule.Cron), zap.Time("next_run", app.trigger.NextRun()))
	}

	return app, nil
}

func (a *App) setupStores(ctx context.Context) (fanout.EventLog, fanout.RunStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendLocal:
		local := localstorage.Config{BaseDir: a.cfg.Storage.LocalDir}
		events, err := localstorage.NewEventLog(local, a.logger.Named("event_log"))
		if err != nil {
			return nil, nil, fmt.Errorf("local event log init failed: %w", err)
		}
		runs, err := localstorage.NewRunStore(local, a.logger.Named("run_store"))
		if err != nil {
			return nil, nil, fmt.Errorf("local run store init failed: %w", err)
		}
		a.logger.Info("using local run storage", zap.String("path", a.cfg.Storage.LocalDir))
		return events, runs, nil
	case config.BackendPostgres:
		pool, err := pgstore.Connect(ctx, pgstore.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: a.cfg.DB.MaxConns,
			MinConns: a.cfg.DB.MinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		a.onClose("postgres", func(context.Context) error {
			pool.Close()
			return nil
		})
		if err := pool.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			return nil, nil, err
		}
		events, err := pgstore.NewEventLog(pool)
		if err != nil {
			return nil, nil, err
		}
		runs, err := pgstore.NewRunStore(pool)
		if err != nil {
			return nil, nil, err
		}
		a.checks = append(a.checks, pool.Ping)
		a.logger.Info("using postgres run storage")
		return events, runs, nil
	default:
		a.logger.Info("using in-memory run storage")
		return memoryStorage.NewEventLog(), memoryStorage.NewRunStore(), nil
	}
}

func (a *App) setupSnapshots(ctx context.Context) (fanout.BlobStore, error) {
	switch a.cfg.Storage.Snapshots {
	case config.BackendGCS:
		store, closeFn, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return closeFn() })
		a.logger.Info("archiving snapshots to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.NewBlobStore(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving snapshots locally",
			zap.String("path", path.Join(a.cfg.Storage.LocalDir, a.cfg.Storage.Prefix)))
		return store, nil
	case config.BackendMemory:
		return memoryStorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (fanout.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, run notifications stay in memory",
			zap.String("topic", localTopic))
		a.topic = localTopic
		a.notes = memorypublisher.New()
		return a.notes, nil
	}
	a.topic = a.cfg.PubSub.TopicName
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.onClose("pubsub", func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) setupFetcher() (fanout.Fetcher, error) {
	if a.cfg.Fetch.Mode == config.FetchModeHeadless {
		fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetch.UserAgent,
			NavigationTimeout: a.cfg.NavTimeout(),
			TitleWait:         a.cfg.TitleWait(),
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.onClose("headless", func(context.Context) error {
			fetcher.Close()
			return nil
		})
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		return fetcher, nil
	}
	a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.Fetch.UserAgent))
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Fetch.UserAgent,
		RespectRobots: a.cfg.Fetch.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
		MaxBodyBytes:  a.cfg.Fetch.MaxBodyBytes,
	}), nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Run recovers open runs, then serves until ctx is canceled or SIGINT/SIGTERM
// arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(gctx)
		return nil
	})

	recovered, err := a.engine.Recover(ctx)
	if err != nil {
		a.logger.Error("run recovery incomplete", zap.Error(err))
	}
	a.logger.Info("open runs recovered", zap.Int("tasks", recovered))

	g.Go(func() error { return a.engine.Run(gctx) })
	if a.trigger != nil {
		g.Go(func() error { return a.trigger.Run(gctx) })
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	a.close(shutdownCtx)
	return runErr
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.ShutdownTimeout(); d > 0 {
		return d
	}
	return 10 * time.Second
}

// close releases resources in reverse order of acquisition.
func (a *App) close(ctx context.Context) {
	if a.queue != nil {
		a.queue.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
