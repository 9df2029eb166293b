// Package server assembles the harvester service and runs its lifecycle.
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
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/harvester/internal/api"
	"github.com/JakeFAU/harvester/internal/cancel"
	"github.com/JakeFAU/harvester/internal/clock/system"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/dispatcher"
	"github.com/JakeFAU/harvester/internal/export"
	"github.com/JakeFAU/harvester/internal/extract"
	collyfetcher "github.com/JakeFAU/harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/harvester/internal/fetcher/headless"
	"github.com/JakeFAU/harvester/internal/headless/detector"
	"github.com/JakeFAU/harvester/internal/health"
	"github.com/JakeFAU/harvester/internal/id/uuid"
	"github.com/JakeFAU/harvester/internal/logging"
	"github.com/JakeFAU/harvester/internal/progress"
	progresssinks "github.com/JakeFAU/harvester/internal/progress/sinks"
	"github.com/JakeFAU/harvester/internal/proxypool"
	gcppublisher "github.com/JakeFAU/harvester/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/harvester/internal/queue/memory"
	queuePubsub "github.com/JakeFAU/harvester/internal/queue/pubsub"
	"github.com/JakeFAU/harvester/internal/resilience"
	"github.com/JakeFAU/harvester/internal/scrape"
	gcsstorage "github.com/JakeFAU/harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/harvester/internal/storage/local"
	memoryStorage "github.com/JakeFAU/harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/harvester/internal/storage/postgres"
	"github.com/JakeFAU/harvester/internal/telemetry"
	"github.com/JakeFAU/harvester/internal/worker"
)

// jobQueue is a closable scrape.Queue. Both queue backends satisfy it.
type jobQueue interface {
	scrape.Queue
	Close()
}

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	queue       jobQueue
	canceller   *cancel.Registry

	pubsubClient *pubsub.Client
	eventsTopic  *pubsub.Topic
	storage      *storage.Client
	pgStore      *pgstore.JobStore
	headless     *headlessfetcher.Fetcher
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Log only non-sensitive config fields.
	type sanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		QueueBackend   string `json:"queue_backend"`
		StorageBackend string `json:"storage_backend"`
		Workers        int    `json:"workers"`
	}
	safeCfg := sanitizedConfig{
		ServerPort:     cfg.Server.Port,
		QueueBackend:   cfg.Queue.Backend,
		StorageBackend: cfg.Storage.Backend,
		Workers:        cfg.Workers.Count,
	}
	logger.Info("creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
		close(dispatchDone)
	}()

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	// Give in-flight jobs until the deadline to wind down before the
	// queue and stores go away underneath them.
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still busy at shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.eventsTopic != nil {
		a.eventsTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.canceller != nil {
		a.canceller.Close()
	}
	if a.headless != nil {
		a.headless.Close()
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	telemetry.Init()

	clk := system.New()
	idGen := uuid.New()

	jobStore, err := setupJobStore(ctx, app)
	if err != nil {
		return nil, err
	}

	blobStore, err := setupBlobStore(ctx, app)
	if err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	emitter := setupProgress(ctx, app, publisher)
	app.canceller = cancel.NewRegistry(cfg.Cancel.TTL(), clk, logger.Named("cancel"))

	proxies := setupProxies(app, clk)
	runner := setupRunner(app, proxies, clk)
	exporter := export.New(blobStore, cfg.Storage.Prefix, clk, logger.Named("export"))

	app.queue, err = setupQueue(ctx, app)
	if err != nil {
		return nil, err
	}

	app.dispatch = setupDispatcher(app, jobStore, runner, exporter, emitter, clk)

	checker := health.New(jobStore, proxies, health.Config{
		QueueCapacity:  queueCapacity(cfg),
		WorkerCapacity: cfg.Workers.Count,
	}, clk)

	app.apiServer = api.NewServer(
		jobStore,
		app.dispatch,
		app.canceller,
		idGen,
		clk,
		checker,
		proxies,
		*cfg,
		logger.Named("api"),
	)

	return app, nil
}

func setupJobStore(ctx context.Context, app *App) (scrape.JobStore, error) {
	if app.cfg.DB.DSN == "" {
		app.logger.Info("using in-memory job store")
		return memoryStorage.NewJobStore(), nil
	}
	pg, err := pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
		DSN:             app.cfg.DB.DSN,
		MaxConns:        int32(app.cfg.DB.MaxConns),
		MinConns:        int32(app.cfg.DB.MinConns),
		MaxConnLifetime: time.Duration(app.cfg.DB.ConnLifetimeMin) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres job store init failed: %w", err)
	}
	app.pgStore = pg
	app.logger.Info("using postgres job store")
	return pg, nil
}

func setupBlobStore(ctx context.Context, app *App) (scrape.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return blobStore, nil
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(localstorage.Config{
			BaseDir: app.cfg.Storage.LocalDir,
		})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (scrape.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" || app.cfg.PubSub.EventsTopic == "" {
		app.logger.Info("no Pub/Sub events topic configured, events stay in-process")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.eventsTopic = client.Topic(app.cfg.PubSub.EventsTopic)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.EventsTopic),
	)
	return gcppublisher.New(app.eventsTopic), nil
}

func setupProgress(ctx context.Context, app *App, pub scrape.Publisher) progress.Emitter {
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		app.logger.Warn("prometheus sink init failed", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	if pub != nil {
		sinkList = append(
			sinkList,
			progresssinks.NewPublisherSink(pub, app.logger.Named("progress_publish")),
		)
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.Buffer,
		MaxBatchEvents: app.cfg.Progress.BatchSize,
		MaxBatchWait:   app.cfg.Progress.FlushInterval(),
		SinkTimeout:    app.cfg.Progress.SinkTimeout(),
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub
}

func setupProxies(app *App, clk scrape.Clock) *proxypool.Pool {
	pool := proxypool.New(proxypool.Config{
		Path:             app.cfg.Proxies.File,
		FailureThreshold: app.cfg.Proxies.FailureThreshold,
		HealthyRate:      app.cfg.Proxies.HealthySuccessRate,
		MinObservations:  app.cfg.Proxies.MinObservations,
	}, app.logger.Named("proxypool"), clk)
	if app.cfg.Proxies.File == "" {
		app.logger.Info("proxy rotation disabled")
		return pool
	}
	// A bad proxy file must not keep the service down; jobs that opt
	// into rotation will fail over to direct requests.
	if err := pool.Load(); err != nil {
		app.logger.Warn("proxy list load failed", zap.String("file", app.cfg.Proxies.File), zap.Error(err))
		return pool
	}
	stats := pool.Stats()
	app.logger.Info("proxy pool loaded",
		zap.Int("total", stats.Total),
		zap.Int("healthy", stats.Healthy),
	)
	return pool
}

func setupRunner(app *App, proxies *proxypool.Pool, clk scrape.Clock) *extract.Runner {
	probeFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: app.cfg.Fetch.UserAgent,
		Timeout:   app.cfg.Resilience.RequestTimeout(),
	})
	app.logger.Info("using colly probe fetcher", zap.String("user_agent", app.cfg.Fetch.UserAgent))

	var headless scrape.Fetcher
	if app.cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       app.cfg.Headless.MaxParallel,
			UserAgent:         app.cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(app.cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			app.logger.Warn("headless fetcher init failed, promotion disabled", zap.Error(err))
		} else {
			app.headless = hf
			headless = hf
			app.logger.Info("using headless fetcher", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
		}
	}

	policy := resilience.Policy{
		MaxAttempts:    app.cfg.Resilience.MaxAttempts,
		BackoffStep:    app.cfg.Resilience.BackoffStep(),
		RateLimitWait:  app.cfg.Resilience.RateLimitWait(),
		SlowThreshold:  app.cfg.Resilience.SlowThreshold(),
		AbandonAfter:   app.cfg.Resilience.AbandonAfter(),
		RequestTimeout: app.cfg.Resilience.RequestTimeout(),
		PollInterval:   app.cfg.Resilience.PollInterval(),
	}
	pacer := resilience.NewPacer(resilience.PacerConfig{
		BaseDelay:    app.cfg.Pacer.BaseDelay(),
		MinDelay:     app.cfg.Pacer.MinDelay(),
		MaxDelay:     app.cfg.Pacer.MaxDelay(),
		RecentWindow: app.cfg.Pacer.RecentWindow(),
	}, clk)
	agents := resilience.NewAgentRotator(app.cfg.Fetch.UserAgents)
	detect := detector.NewHeuristic(app.cfg.Headless.PromotionThresh)

	engine := resilience.New(
		policy,
		probeFetcher,
		headless,
		detect,
		proxies,
		pacer,
		agents,
		app.logger.Named("resilience"),
		clk,
	)
	return extract.NewRunner(engine, extract.Config{
		PageSize:     app.cfg.Extract.PageSize,
		DefaultLimit: app.cfg.Extract.DefaultLimit,
		MaxLimit:     app.cfg.Extract.MaxLimit,
	}, app.logger.Named("extract"), clk)
}

func setupQueue(ctx context.Context, app *App) (jobQueue, error) {
	if app.cfg.Queue.Backend == "pubsub" {
		q, err := queuePubsub.New(ctx, queuePubsub.Config{
			ProjectID:      app.cfg.PubSub.ProjectID,
			TopicID:        app.cfg.PubSub.JobsTopic,
			SubscriptionID: app.cfg.PubSub.JobsSubscription,
			Buffer:         app.cfg.Queue.Depth,
		}, app.logger.Named("queue"))
		if err != nil {
			return nil, fmt.Errorf("pubsub queue init failed: %w", err)
		}
		app.logger.Info("using Pub/Sub job queue",
			zap.String("topic", app.cfg.PubSub.JobsTopic),
			zap.String("subscription", app.cfg.PubSub.JobsSubscription),
		)
		return q, nil
	}
	app.logger.Info("using in-memory job queue", zap.Int("depth", app.cfg.Queue.Depth))
	return queueMemory.NewQueue(app.cfg.Queue.Depth), nil
}

// queueCapacity is the depth the health check measures backlog against.
// Broker-backed queues have no meaningful in-process capacity.
func queueCapacity(cfg *config.Config) int {
	if cfg.Queue.Backend == "pubsub" {
		return 0
	}
	return cfg.Queue.Depth
}

func setupDispatcher(
	app *App,
	jobStore scrape.JobStore,
	runner *extract.Runner,
	exporter *export.Exporter,
	emitter progress.Emitter,
	clk scrape.Clock,
) *dispatcher.Dispatcher {
	limiter := rate.NewLimiter(rate.Limit(app.cfg.Workers.RatePerSecond), app.cfg.Workers.RateBurst)
	workerCfg := worker.Config{
		MaxJobAttempts:   app.cfg.Workers.RequeueLimit + 1,
		RequeueBaseDelay: time.Duration(app.cfg.Workers.RequeueInitialSecond) * time.Second,
		PollInterval:     app.cfg.Resilience.PollInterval(),
	}
	app.logger.Info("worker pool configured",
		zap.Int("count", app.cfg.Workers.Count),
		zap.Int("max_job_attempts", workerCfg.MaxJobAttempts),
		zap.Float64("rate_per_second", app.cfg.Workers.RatePerSecond),
	)

	workers := make([]*worker.Worker, 0, app.cfg.Workers.Count)
	for i := 0; i < app.cfg.Workers.Count; i++ {
		workers = append(workers, worker.New(
			app.queue,
			jobStore,
			runner,
			exporter,
			emitter,
			app.canceller,
			limiter,
			clk,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(app.queue, workers)
}
