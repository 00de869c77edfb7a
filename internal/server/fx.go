// Package server builds the archiver's dependency graph from configuration
// and runs the HTTP service with its worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/api"
	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/clock/system"
	"github.com/JakeFAU/web-archiver/internal/config"
	"github.com/JakeFAU/web-archiver/internal/dispatcher"
	"github.com/JakeFAU/web-archiver/internal/extractor"
	collyfetcher "github.com/JakeFAU/web-archiver/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/web-archiver/internal/fetcher/headless"
	"github.com/JakeFAU/web-archiver/internal/hash/sha256"
	"github.com/JakeFAU/web-archiver/internal/id/uuid"
	"github.com/JakeFAU/web-archiver/internal/logging"
	"github.com/JakeFAU/web-archiver/internal/metrics"
	"github.com/JakeFAU/web-archiver/internal/orchestrator"
	"github.com/JakeFAU/web-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/web-archiver/internal/policy/simple"
	"github.com/JakeFAU/web-archiver/internal/progress"
	progresssinks "github.com/JakeFAU/web-archiver/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/web-archiver/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/web-archiver/internal/queue/memory"
	"github.com/JakeFAU/web-archiver/internal/runner"
	"github.com/JakeFAU/web-archiver/internal/snapshot"
	gcsstorage "github.com/JakeFAU/web-archiver/internal/storage/gcs"
	localstorage "github.com/JakeFAU/web-archiver/internal/storage/local"
	pgstore "github.com/JakeFAU/web-archiver/internal/storage/postgres"
	"github.com/JakeFAU/web-archiver/internal/telemetry"
	"github.com/JakeFAU/web-archiver/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg             config.Config
	logger          *zap.Logger
	results         *localstorage.ResultStore
	registry        *extractor.Registry
	service         *snapshot.Service
	progressHub     *progress.Hub
	renderer        *headlessfetcher.Fetcher
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	index           *pgstore.IndexStore
	tracerShutdown  func(context.Context) error
	closeOnce       sync.Once
}

// Build creates the application's dependencies. Callers must Close the App.
func Build(ctx context.Context, cfg config.Config) (app *App, err error) {
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close(context.WithoutCancel(ctx))
		}
	}()

	app.logger.Info("building application dependencies",
		zap.String("archive_dir", cfg.Archive.Dir),
		zap.Int("concurrency", cfg.Archiving.Concurrency),
		zap.Strings("required", cfg.Archiving.Required),
	)

	if err = app.setupTracing(ctx); err != nil {
		return nil, err
	}

	app.results, err = localstorage.NewResultStore(localstorage.ResultStoreConfig{
		Root:   cfg.Archive.Dir,
		Logger: logger.Named("result_store"),
	})
	if err != nil {
		return nil, fmt.Errorf("result store init failed: %w", err)
	}

	if err = app.setupRegistry(); err != nil {
		return nil, err
	}

	blobs, err := app.setupMirror(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	if err = app.setupIndex(ctx); err != nil {
		return nil, err
	}

	emitter, err := app.setupProgress(ctx)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	run := runner.New(runner.Config{
		OutputLimit: cfg.Archiving.OutputLimitBytes,
		KillGrace:   cfg.KillGrace(),
		Hasher:      sha256.New(),
		Clock:       clock,
		Logger:      logger.Named("runner"),
	})

	var limiter archive.Limiter
	if cfg.RateLimit.DefaultRPS > 0 || len(cfg.RateLimit.Hosts) > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.Burst,
			HostRPS:      cfg.RateLimit.Hosts,
		})
		app.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	} else {
		limiter = simple.New()
		app.logger.Info("rate limiter disabled, using unlimited policy")
	}

	orch, err := orchestrator.New(orchestrator.Config{
		ArchiveDir: cfg.Archive.Dir,
		Store:      app.results,
		Registry:   app.registry,
		Runner:     run,
		Limiter:    limiter,
		Blobs:      blobs,
		BlobPrefix: cfg.Storage.Prefix,
		Publisher:  publisher,
		Topic:      cfg.PubSub.TopicName,
		Progress:   emitter,
		Clock:      clock,
		Tracer:     telemetry.Tracer(),
		Logger:     logger.Named("orchestrator"),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.service, err = snapshot.New(snapshot.Config{
		Store:      app.results,
		Archiver:   orch,
		IDs:        uuid.New(),
		Normalizer: cfg.Normalizer(),
		Clock:      clock,
		Publisher:  publisher,
		Topic:      cfg.PubSub.TopicName,
		Defaults:   cfg.Options(),
		Logger:     logger.Named("snapshot"),
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot service init failed: %w", err)
	}
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Snapshots returns the snapshot service.
func (a *App) Snapshots() *snapshot.Service { return a.service }

// Registry returns the extractor registry.
func (a *App) Registry() *extractor.Registry { return a.registry }

// Run serves the HTTP API and drains the archive queue until ctx is canceled
// or the process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue := queueMemory.NewQueue(a.cfg.Archiving.QueueDepth)
	dispatch := dispatcher.NewPool(queue, a.service, a.cfg.Archiving.Concurrency, worker.Config{
		MaxRequeues:  a.cfg.Archiving.MaxRequeues,
		RequeueDelay: a.cfg.RequeueDelay(),
	}, a.logger.Named("worker"))

	apiServer := api.NewServer(api.Config{
		Snapshots:      a.service,
		Queue:          dispatch,
		Clock:          system.New(),
		Ready:          a.readyChecks(),
		MaxRetries:     a.cfg.Archiving.MaxRetriesLimit,
		MaxParallelism: a.cfg.Archiving.MaxParallelism,
		Logger:         a.logger.Named("api"),
	})

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started", zap.Int("workers", dispatch.Size()))
		dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
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
	queue.Close()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases clients and flushes telemetry. Only the first call has an effect.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
	})
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
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
	a.index.Close()
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	// Sync fails on terminals; nothing useful to do about it.
	_ = a.logger.Sync()
}

// newGCPExporter builds the Cloud Trace exporter for a project.
var newGCPExporter = func(projectID string) (sdktrace.SpanExporter, error) {
	return texporter.New(texporter.WithProjectID(projectID))
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	var exporters []sdktrace.SpanExporter
	switch a.cfg.Tracing.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return fmt.Errorf("stdout trace exporter init failed: %w", err)
		}
		exporters = append(exporters, exp)
	case "gcp":
		if a.cfg.PubSub.ProjectID == "" {
			return errors.New("gcp trace exporter requires pubsub.project_id")
		}
		exp, err := newGCPExporter(a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("gcp trace exporter init failed: %w", err)
		}
		exporters = append(exporters, exp)
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
		Exporters:   exporters,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	a.logger.Info("tracing enabled",
		zap.String("exporter", a.cfg.Tracing.Exporter),
		zap.Float64("sample_ratio", a.cfg.Tracing.SampleRatio),
	)
	return nil
}

func (a *App) setupRegistry() error {
	settings := a.cfg.ExtractorSettings()
	settings.Fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.HTTP.UserAgent,
		Timeout:     a.cfg.HTTPTimeout(),
		MaxBodySize: a.cfg.HTTP.MaxBodyBytes,
	})
	if a.cfg.Headless.Enabled {
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			ChromePath:        a.cfg.Headless.ChromePath,
			ScreenshotQuality: a.cfg.Headless.ScreenshotQuality,
		})
		if err != nil {
			return fmt.Errorf("headless renderer init failed: %w", err)
		}
		a.renderer = renderer
		settings.Renderer = renderer
		a.logger.Info("using headless renderer", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	} else {
		a.logger.Info("headless renderer disabled; dom, screenshot and pdf will fail")
	}
	reg, err := extractor.NewDefaultRegistry(settings)
	if err != nil {
		return fmt.Errorf("extractor registry init failed: %w", err)
	}
	a.registry = reg
	return nil
}

func (a *App) setupMirror(ctx context.Context) (archive.BlobStore, error) {
	switch {
	case a.cfg.Storage.GCSBucket != "":
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		// The orchestrator applies storage.prefix to object names itself.
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("mirroring artifacts to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case a.cfg.Storage.MirrorDir != "":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.MirrorDir})
		if err != nil {
			return nil, fmt.Errorf("local mirror init failed: %w", err)
		}
		a.logger.Info("mirroring artifacts to directory", zap.String("dir", a.cfg.Storage.MirrorDir))
		return blobs, nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (archive.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, status events are not published")
		return nil, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
	a.pubsubPublisher.EnableMessageOrdering = a.cfg.PubSub.Ordering
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
		zap.Bool("ordering", a.cfg.PubSub.Ordering),
	)
	return gcppublisher.New(a.pubsubPublisher), nil
}

func (a *App) setupIndex(ctx context.Context) error {
	if a.cfg.Index.DSN == "" {
		a.logger.Info("no index DSN configured, skipping Postgres index")
		return nil
	}
	var err error
	a.index, err = pgstore.NewIndexStore(ctx, pgstore.IndexStoreConfig{
		DSN:            a.cfg.Index.DSN,
		SnapshotsTable: a.cfg.Index.SnapshotsTable,
		RunsTable:      a.cfg.Index.RunsTable,
		MaxConns:       a.cfg.Index.MaxConns,
		MinConns:       a.cfg.Index.MinConns,
		AutoMigrate:    a.cfg.Index.AutoMigrate,
	})
	if err != nil {
		return fmt.Errorf("index store init failed: %w", err)
	}
	a.logger.Info("postgres index initialized", zap.String("snapshots_table", a.cfg.Index.SnapshotsTable))
	return nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	var sinkList []progress.Sink
	if a.index != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.index, a.logger.Named("progress_store")))
	}
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.ProgressBatchWait(),
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutSeconds) * time.Second,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}

func (a *App) readyChecks() map[string]api.ReadyCheck {
	checks := map[string]api.ReadyCheck{
		"archive": func(context.Context) error {
			info, err := os.Stat(a.results.Root())
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", a.results.Root())
			}
			return nil
		},
	}
	if a.index != nil {
		checks["index"] = a.index.Ping
	}
	return checks
}
