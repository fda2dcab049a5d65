// Package server builds the application's dependency graph and runs the HTTP
// surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/api"
	"github.com/JakeFAU/scrape-workspace/internal/archive"
	"github.com/JakeFAU/scrape-workspace/internal/clock/system"
	"github.com/JakeFAU/scrape-workspace/internal/compress"
	"github.com/JakeFAU/scrape-workspace/internal/config"
	"github.com/JakeFAU/scrape-workspace/internal/fetcher"
	collyfetcher "github.com/JakeFAU/scrape-workspace/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/scrape-workspace/internal/fetcher/headless"
	"github.com/JakeFAU/scrape-workspace/internal/harvest"
	"github.com/JakeFAU/scrape-workspace/internal/hash/sha256"
	"github.com/JakeFAU/scrape-workspace/internal/headless/detector"
	iduuid "github.com/JakeFAU/scrape-workspace/internal/id/uuid"
	"github.com/JakeFAU/scrape-workspace/internal/ledger"
	"github.com/JakeFAU/scrape-workspace/internal/logging"
	"github.com/JakeFAU/scrape-workspace/internal/manager"
	"github.com/JakeFAU/scrape-workspace/internal/metrics"
	"github.com/JakeFAU/scrape-workspace/internal/paths"
	"github.com/JakeFAU/scrape-workspace/internal/policy/hostfilter"
	"github.com/JakeFAU/scrape-workspace/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-workspace/internal/policy/retry"
	"github.com/JakeFAU/scrape-workspace/internal/progress"
	progresssinks "github.com/JakeFAU/scrape-workspace/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/scrape-workspace/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrape-workspace/internal/publisher/pubsub"
	"github.com/JakeFAU/scrape-workspace/internal/registry"
	"github.com/JakeFAU/scrape-workspace/internal/scraper"
	gcsstorage "github.com/JakeFAU/scrape-workspace/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrape-workspace/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrape-workspace/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrape-workspace/internal/storage/postgres"
	"github.com/JakeFAU/scrape-workspace/internal/store"
	"github.com/JakeFAU/scrape-workspace/internal/telemetry"
	"github.com/JakeFAU/scrape-workspace/internal/tokens"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	manager   *manager.Manager
	harvester *harvest.Harvester
	runs      store.RunRepository

	progressHub    *progress.Hub
	pubsubClient   *pubsub.Client
	pubsubTopic    *pubsub.Topic
	mirror         *gcsstorage.BlobStore
	pgRuns         *pgstore.RunStore
	headless       *headlessfetcher.Fetcher
	tracerShutdown func(context.Context) error
}

// Option adjusts how Build wires the graph.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
	logger     *zap.Logger
}

// WithRegisterer registers the progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithLogger skips building a logger from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Manager returns the workspace facade.
func (a *App) Manager() *manager.Manager { return a.manager }

// Harvester returns the scrape front end.
func (a *App) Harvester() *harvest.Harvester { return a.harvester }

// Runs returns the run history repository.
func (a *App) Runs() store.RunRepository { return a.runs }

// Build creates the application's dependencies. Remote services (GCS mirror,
// Pub/Sub, Postgres run history) are only dialed when configured.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	logger := bo.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	if cfg.Telemetry.Enabled {
		tp, tpErr := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if tpErr != nil {
			return nil, fmt.Errorf("tracer init failed: %w", tpErr)
		}
		app.tracerShutdown = tp.Shutdown
	}
	metrics.Init()

	logger.Info("building application dependencies", zap.String("root", cfg.Workspace.Root))
	resolver, err := paths.New(cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}
	clock := system.New()
	hasher := sha256.New()
	ids := iduuid.New()
	reg := registry.New(resolver, logger.Named("registry"))
	counter := tokens.NewCounter(cfg.Tokens, logger.Named("tokens"))
	led := ledger.New(resolver, counter, hasher, clock, logger.Named("ledger"))

	coord, err := setupCoordinator(ctx, app, resolver, reg, led, hasher, clock)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	if err = setupRuns(ctx, app); err != nil {
		return nil, err
	}
	emitter, err := setupProgress(app, bo.registerer)
	if err != nil {
		return nil, err
	}

	app.manager, err = manager.New(manager.Options{
		Resolver:        resolver,
		Registry:        reg,
		Ledger:          led,
		Coordinator:     coord,
		Publisher:       publisher,
		IDs:             ids,
		Clock:           clock,
		Emitter:         emitter,
		Logger:          logger.Named("manager"),
		DefaultSelector: cfg.Workspace.DefaultSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("manager init failed: %w", err)
	}

	scr, err := setupScraper(app, ids, clock)
	if err != nil {
		return nil, err
	}
	app.harvester, err = harvest.New(harvest.Options{
		Resolver:   resolver,
		Links:      scr,
		Downloader: scr,
		Capturer:   scr,
		Hasher:     hasher,
		IDs:        ids,
		Clock:      clock,
		Emitter:    emitter,
		Logger:     logger.Named("harvest"),
	})
	if err != nil {
		return nil, fmt.Errorf("harvester init failed: %w", err)
	}
	return app, nil
}

func setupCoordinator(
	ctx context.Context,
	app *App,
	resolver *paths.Resolver,
	reg *registry.Registry,
	led *ledger.Ledger,
	hasher *sha256.Hasher,
	clock workspace.Clock,
) (*compress.Coordinator, error) {
	central, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Workspace.Root})
	if err != nil {
		return nil, fmt.Errorf("central store init failed: %w", err)
	}
	kinds, err := app.cfg.ArchiveKinds()
	if err != nil {
		return nil, err
	}
	var mirror workspace.BlobStore
	if app.cfg.Mirror.GCSBucket != "" {
		app.mirror, err = gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: app.cfg.Mirror.GCSBucket,
			Prefix: app.cfg.Mirror.Prefix,
		}, app.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs mirror init failed: %w", err)
		}
		mirror = app.mirror
		app.logger.Info("mirroring central archives to GCS", zap.String("bucket", app.cfg.Mirror.GCSBucket))
	}
	coord, err := compress.New(resolver, reg, led, compress.Options{
		Codec:   archive.New(app.cfg.Archive.Level),
		Central: central,
		Mirror:  mirror,
		Kinds:   kinds,
		Hasher:  hasher,
		Clock:   clock,
		Logger:  app.logger.Named("compress"),
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}
	return coord, nil
}

func setupPublisher(ctx context.Context, app *App) (workspace.Publisher, error) {
	if app.cfg.Notify.Topic == "" || app.cfg.Notify.ProjectID == "" {
		app.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.Notify.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubTopic = app.pubsubClient.Topic(app.cfg.Notify.Topic)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.Notify.ProjectID),
		zap.String("topic", app.cfg.Notify.Topic),
	)
	return gcppublisher.New(app.pubsubTopic), nil
}

func setupRuns(ctx context.Context, app *App) error {
	if app.cfg.Events.DSN == "" {
		app.logger.Debug("no events DSN configured, keeping run history in memory")
		app.runs = memorystorage.NewRunStore()
		return nil
	}
	var err error
	app.pgRuns, err = pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
		DSN:   app.cfg.Events.DSN,
		Table: app.cfg.Events.Table,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.runs = app.pgRuns
	app.logger.Info("run history stored in postgres", zap.String("table", app.cfg.Events.Table))
	return nil
}

func setupProgress(app *App, reg prometheus.Registerer) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Events.BufferSize,
		MaxBatchEvents: app.cfg.Events.BatchSize,
		MaxBatchWait:   app.cfg.FlushInterval(),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg,
		progresssinks.NewStoreSink(app.runs, app.logger.Named("progress_store")),
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
	)
	app.logger.Debug("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub, nil
}

func setupScraper(app *App, ids *iduuid.Generator, clock workspace.Clock) (*scraper.Scraper, error) {
	cfg := app.cfg
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Scraper.UserAgent,
		RespectRobots: cfg.Scraper.RespectRobots,
		Timeout:       cfg.ScrapeTimeout(),
		MaxBodyBytes:  cfg.Scraper.MaxBodyBytes,
	})
	var headless fetcher.Fetcher = headlessfetcher.NewNoop()
	if cfg.Headless.Enabled {
		var err error
		app.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Scraper.UserAgent,
			NavigationTimeout: cfg.NavTimeout(),
			WaitSelector:      cfg.Headless.WaitSelector,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		headless = app.headless
		app.logger.Info("headless fetcher enabled", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Scraper.DomainRPS,
		DefaultBurst: cfg.Scraper.DomainBurst,
	})
	scr, err := scraper.New(scraper.Options{
		Static:   static,
		Headless: headless,
		Detector: detector.NewHeuristic(cfg.Headless.PromotionThreshold),
		Limiter:  limiter,
		Retry:    retry.New(cfg.RetryConfig()),
		Hosts:    hostfilter.New(cfg.Scraper.BlockedDomains, cfg.Scraper.ForbiddenThreshold),
		IDs:      ids,
		Clock:    clock,
		Logger:   app.logger.Named("scraper"),
	})
	if err != nil {
		return nil, fmt.Errorf("scraper init failed: %w", err)
	}
	return scr, nil
}

// Run serves the HTTP API and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiServer := api.NewServer(a.manager, a.harvester, a.runs, api.Config{}, a.logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close gracefully shuts down the application. Events buffered in the
// progress hub are flushed before the run store closes.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Debug("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgRuns != nil {
		a.pgRuns.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stderr for some platforms; nothing useful to do then.
	_ = a.logger.Sync()
}
