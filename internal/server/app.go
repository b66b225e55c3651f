// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/adapter"
	"github.com/JakeFAU/listing-monitor/internal/api"
	"github.com/JakeFAU/listing-monitor/internal/batch"
	"github.com/JakeFAU/listing-monitor/internal/clock/system"
	"github.com/JakeFAU/listing-monitor/internal/config"
	"github.com/JakeFAU/listing-monitor/internal/crawler"
	"github.com/JakeFAU/listing-monitor/internal/delta"
	"github.com/JakeFAU/listing-monitor/internal/discovery"
	"github.com/JakeFAU/listing-monitor/internal/dispatcher"
	"github.com/JakeFAU/listing-monitor/internal/fetch"
	"github.com/JakeFAU/listing-monitor/internal/hash/sha256"
	"github.com/JakeFAU/listing-monitor/internal/id/uuid"
	"github.com/JakeFAU/listing-monitor/internal/logging"
	"github.com/JakeFAU/listing-monitor/internal/metrics"
	"github.com/JakeFAU/listing-monitor/internal/notify"
	memorypublisher "github.com/JakeFAU/listing-monitor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/listing-monitor/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/listing-monitor/internal/queue/memory"
	"github.com/JakeFAU/listing-monitor/internal/registry"
	"github.com/JakeFAU/listing-monitor/internal/scheduler"
	"github.com/JakeFAU/listing-monitor/internal/scrape"
	"github.com/JakeFAU/listing-monitor/internal/session"
	gcsstorage "github.com/JakeFAU/listing-monitor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listing-monitor/internal/storage/local"
	memoryStorage "github.com/JakeFAU/listing-monitor/internal/storage/memory"
	pgstore "github.com/JakeFAU/listing-monitor/internal/storage/postgres"
	"github.com/JakeFAU/listing-monitor/internal/worker"
)

// Store is every persistence interface plus target seeding.
type Store interface {
	crawler.TargetStore
	crawler.MatchStore
	crawler.NotificationStore
	crawler.SiteMapStore
	crawler.SessionStore
	PutTarget(ctx context.Context, t crawler.MonitoredTarget) error
}

// App contains the application's dependencies.
type App struct {
	cfg             config.Config
	logger          *zap.Logger
	clock           crawler.Clock
	store           Store
	pgStore         *pgstore.Store
	queue           *queueMemory.Queue
	fetcher         *fetch.Fetcher
	scraper         *scrape.Orchestrator
	scheduler       *scheduler.Scheduler
	dispatch        *dispatcher.Dispatcher
	ticks           *worker.Worker
	scanner         *batch.Scanner
	apiServer       *api.Server
	publisher       crawler.Publisher
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	closeOnce       sync.Once
	closeErr        error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure()
		}
	}()

	if err := setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err := seedTargets(ctx, app); err != nil {
		return nil, err
	}
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	if err := setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if err := setupPipeline(app, blobs); err != nil {
		return nil, err
	}
	ok = true
	return app, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Store returns the configured persistence backend.
func (a *App) Store() Store {
	return a.store
}

// Scheduler returns the repeating-job registry.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Publisher returns the new-item event publisher.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// Scrape runs one scrape outside the scheduler.
func (a *App) Scrape(ctx context.Context, targetURL, keyword string, opts crawler.ScrapeOptions) (crawler.ScrapeResult, error) {
	if opts.MaxPages == 0 && !opts.FastMode {
		opts.MaxPages = a.cfg.Scrape.MaxPages
	}
	result, err := a.scraper.Scrape(ctx, targetURL, keyword, opts)
	if err != nil {
		return result, fmt.Errorf("scrape %s: %w", targetURL, err)
	}
	return result, nil
}

// Run schedules the runnable targets, starts the worker pool and HTTP server,
// and blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	targets, err := a.store.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	a.scheduler.Sync(targets, a.clock.Now())
	a.logger.Info("application started", zap.Int("targets", len(targets)))

	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()
	go a.scheduler.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close()
}

// Close stops scheduling and releases external clients. It is safe to call
// more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.scheduler != nil {
			a.scheduler.Stop()
		}
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure()
		a.logger.Info("shutdown complete")
		a.closeErr = logging.Sync(a.logger)
	})
	return a.closeErr
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no DSN specified for database, using in-memory stores")
		app.store = memoryStorage.NewStore()
		return nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	app.pgStore = pg
	app.store = pg
	if app.cfg.DB.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		app.logger.Info("postgres schema applied")
	}
	app.logger.Info("postgres store initialized")
	return nil
}

func seedTargets(ctx context.Context, app *App) error {
	if app.cfg.Targets.File == "" {
		return nil
	}
	targets, err := config.LoadTargets(app.cfg.Targets.File)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	for _, t := range targets {
		if err := app.store.PutTarget(ctx, t); err != nil {
			return fmt.Errorf("seed target %s: %w", t.ID, err)
		}
	}
	app.logger.Info("targets seeded", zap.String("file", app.cfg.Targets.File), zap.Int("count", len(targets)))
	return nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch {
	case app.cfg.Storage.GCSBucket != "":
		app.logger.Info("using GCS snapshot storage", zap.String("bucket", app.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case app.cfg.Storage.LocalDir != "":
		app.logger.Info("using local snapshot storage", zap.String("path", app.cfg.Storage.LocalDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		app.logger.Info("snapshot storage disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) error {
	ps := app.cfg.Notify.PubSub
	if ps.Topic == "" || ps.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		app.publisher = memorypublisher.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.pubsubPublisher = gcppublisher.New(client.Publisher(ps.Topic))
	app.publisher = app.pubsubPublisher
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.Topic),
	)
	return nil
}

func setupPipeline(app *App, blobs crawler.BlobStore) error {
	cfg := app.cfg
	logger := app.logger
	ids := uuid.New()

	fetcher := fetch.New(fetch.Config{
		Timeout:      cfg.Fetch.Timeout,
		MaxRedirects: cfg.Fetch.MaxRedirects,
		MaxBodySize:  cfg.Fetch.MaxBodySize,
		Retry: fetch.RetryPolicy{
			MaxAttempts: cfg.Fetch.MaxAttempts,
			BaseDelay:   cfg.Fetch.BackoffBase,
			MaxDelay:    30 * time.Second,
		},
		UserAgents: cfg.Fetch.UserAgents,
	}, fetch.NewPacer(cfg.Fetch.MinDomainGap), fetch.NewChallengeCache(cfg.Fetch.ChallengeTTL), logger)
	app.fetcher = fetcher

	adapters := adapter.NewSet(fetcher)
	reg := registry.New(app.store, adapters, cfg.Registry.RefreshInterval, logger)

	overrides, err := loadOverrides(cfg.Discovery.OverridesFile)
	if err != nil {
		return err
	}
	nav := discovery.New(fetcher, app.store, overrides, discovery.Config{
		CandidateCap: cfg.Discovery.CandidateCap,
		ResultCap:    cfg.Discovery.ResultCap,
		FoundTTL:     cfg.Discovery.FoundTTL,
		EmptyTTL:     cfg.Discovery.EmptyTTL,
	}, logger)

	app.scraper = scrape.New(reg, nav, fetcher, sha256.NewTruncated(16), blobs, app.clock, scrape.Config{
		PreRequestDelay: cfg.Scrape.PreRequestDelay,
		MaxPages:        cfg.Scrape.MaxPages,
		SnapshotPrefix:  cfg.Storage.Prefix,
	}, logger)

	var auth session.Authenticator
	if cfg.Session.CredentialsURL != "" {
		auth = session.NewCredentialClient(cfg.Session.CredentialsURL, nil, app.clock)
	}
	var validator session.Validator
	if cfg.Session.ValidateCached {
		validator = session.PageValidator{Fetcher: fetcher}
	}
	sessions := session.NewResolver(app.store, auth, validator, app.clock, logger)

	notifier := notify.New(app.store, ids, app.clock, notify.Config{
		Deliverers: setupDeliverers(cfg.Notify, logger),
		Events:     app.publisher,
		Topic:      cfg.Notify.PubSub.Topic,
	}, logger)

	engine := delta.New(app.store, ids, app.clock, logger)

	app.queue = queueMemory.NewQueue(cfg.Worker.QueueDepth)
	app.scheduler = scheduler.New(app.queue, scheduler.Config{
		DefaultInterval: cfg.Scheduler.DefaultInterval,
		MaxAttempts:     cfg.Scheduler.MaxAttempts,
		BackoffBase:     cfg.Scheduler.BackoffBase,
	}, logger)

	workerCfg := worker.Config{Options: crawler.ScrapeOptions{MaxPages: cfg.Scrape.MaxPages}}
	newWorker := func(l *zap.Logger) *worker.Worker {
		return worker.New(app.queue, app.store, sessions, app.scraper, engine, notifier, app.scheduler, app.clock, workerCfg, l)
	}
	runners := make([]dispatcher.Runner, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		runners = append(runners, newWorker(logger.With(zap.Int("index", i))))
	}
	app.dispatch = dispatcher.New(app.queue, runners)
	app.ticks = newWorker(logger.With(zap.String("source", "api")))

	app.scanner = batch.New(app.store, app.scraper, sessions, batch.Config{
		PerTargetTimeout: cfg.Batch.PerTargetTimeout,
		Concurrency:      cfg.Batch.Concurrency,
	}, logger)

	app.apiServer = api.NewServer(api.Deps{
		Targets:   app.store,
		Scanner:   app.scanner,
		Ticks:     app.ticks,
		Scheduler: app.scheduler,
		Clock:     app.clock,
	}, cfg, logger)
	return nil
}

func setupDeliverers(cfg config.NotifyConfig, logger *zap.Logger) []notify.Deliverer {
	var out []notify.Deliverer
	if cfg.SMTP.Host != "" {
		out = append(out, notify.NewEmailChannel(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}))
		logger.Info("email delivery enabled", zap.String("host", cfg.SMTP.Host))
	}
	if cfg.SMSWebhookURL != "" {
		out = append(out, notify.NewSMSChannel(cfg.SMSWebhookURL, nil))
		logger.Info("sms delivery enabled")
	}
	if len(out) == 0 {
		logger.Warn("no delivery channels configured, notifications will be recorded as failed")
	}
	return out
}

func loadOverrides(path string) (map[string]discovery.Override, error) {
	overrides, err := discovery.DefaultOverrides()
	if err != nil {
		return nil, fmt.Errorf("load curated overrides: %w", err)
	}
	if path == "" {
		return overrides, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overrides file: %w", err)
	}
	extra, err := discovery.ParseOverrides(data)
	if err != nil {
		return nil, fmt.Errorf("parse overrides file: %w", err)
	}
	for domain, o := range extra {
		overrides[domain] = o
	}
	return overrides, nil
}
