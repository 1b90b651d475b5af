// Package server builds the gateway's dependency graph and runs the HTTP
// server until it is told to stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-gateway/internal/admission"
	"github.com/JakeFAU/render-gateway/internal/api"
	"github.com/JakeFAU/render-gateway/internal/browserpool"
	"github.com/JakeFAU/render-gateway/internal/clock/system"
	"github.com/JakeFAU/render-gateway/internal/config"
	"github.com/JakeFAU/render-gateway/internal/events"
	"github.com/JakeFAU/render-gateway/internal/events/sinks"
	"github.com/JakeFAU/render-gateway/internal/headless"
	"github.com/JakeFAU/render-gateway/internal/id/uuid"
	"github.com/JakeFAU/render-gateway/internal/logging"
	"github.com/JakeFAU/render-gateway/internal/memory"
	"github.com/JakeFAU/render-gateway/internal/metrics"
	"github.com/JakeFAU/render-gateway/internal/pdf"
	"github.com/JakeFAU/render-gateway/internal/perf"
	"github.com/JakeFAU/render-gateway/internal/ratelimit"
	"github.com/JakeFAU/render-gateway/internal/resource"
	gcsstorage "github.com/JakeFAU/render-gateway/internal/storage/gcs"
	localstorage "github.com/JakeFAU/render-gateway/internal/storage/local"
	memorystorage "github.com/JakeFAU/render-gateway/internal/storage/memory"
	"github.com/JakeFAU/render-gateway/internal/wasm"
	wazerohost "github.com/JakeFAU/render-gateway/internal/wasm/wazero"
)

const defaultShutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	registry        *prometheus.Registry
	apiServer       *api.Server
	resources       *resource.Manager
	eventHub        *events.Hub
	wasmHost        *wazerohost.Host
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
}

// Option overrides a dependency Build would otherwise construct.
type Option func(*buildOptions)

type buildOptions struct {
	logger   *zap.Logger
	launcher admission.Launcher
	wasmHost admission.WasmHost
	store    admission.BlobStore
}

// WithLogger uses logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithLauncher replaces the chromedp launcher.
func WithLauncher(l admission.Launcher) Option {
	return func(o *buildOptions) { o.launcher = l }
}

// WithWasmHost replaces the wazero host.
func WithWasmHost(h admission.WasmHost) Option {
	return func(o *buildOptions) { o.wasmHost = h }
}

// WithBlobStore replaces the configured artifact store.
func WithBlobStore(s admission.BlobStore) Option {
	return func(o *buildOptions) { o.store = s }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	app.logger.Info("building application dependencies", zap.Int("server_port", cfg.Server.Port))
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.New(app.registry)
	if err != nil {
		return nil, fmt.Errorf("metrics init failed: %w", err)
	}

	if err := app.build(ctx, o, recorder); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if app.resources != nil {
			err = errors.Join(err, app.resources.Close(closeCtx))
		}
		app.closeInfrastructure(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o buildOptions, recorder *metrics.Recorder) error {
	cfg := a.cfg
	blobStore := o.store
	if blobStore == nil {
		var err error
		if blobStore, err = a.setupStorage(ctx); err != nil {
			return err
		}
	}

	emitter, err := a.setupEvents(ctx)
	if err != nil {
		return err
	}

	clock := system.New()
	launcher := o.launcher
	if launcher == nil {
		launcher = headless.NewLauncher(headless.Config{
			UserAgent:         cfg.BrowserPool.UserAgent,
			ExecPath:          cfg.BrowserPool.ExecPath,
			NoSandbox:         cfg.BrowserPool.NoSandbox,
			NavigationTimeout: cfg.Timeouts.Timeout("render"),
		})
	}
	bp := cfg.BrowserPool
	pool, err := browserpool.New(ctx, browserpool.Config{
		InitialPoolSize:     bp.InitialPoolSize,
		MinPoolSize:         bp.MinPoolSize,
		MaxPoolSize:         bp.MaxPoolSize,
		CheckoutTimeout:     bp.CheckoutTimeout,
		IdleTimeout:         bp.IdleTimeout,
		MaxLifetime:         bp.MaxLifetime,
		HealthCheckInterval: bp.HealthCheckInterval,
		HealthProbeTimeout:  bp.HealthProbeTimeout,
		LaunchTimeout:       bp.LaunchTimeout,
		MaxRetries:          bp.MaxRetries,
		RetryBackoff:        bp.RetryBackoff,
		SoftMemoryLimitMB:   bp.SoftMemoryLimitMB,
		HardMemoryLimitMB:   bp.HardMemoryLimitMB,
		MaxPagesPerBrowser:  bp.MaxPagesPerBrowser,
		RestartThreshold:    bp.RestartThreshold,
		RecyclingEnabled:    bp.EnableRecycling,
	}, launcher, uuid.NewPrefixed("browser-"), emitter, clock, a.logger)
	if err != nil {
		return fmt.Errorf("browser pool init failed: %w", err)
	}

	host := o.wasmHost
	if host == nil {
		if host, err = a.setupWasmHost(ctx); err != nil {
			return errors.Join(err, pool.Close(ctx))
		}
	}
	wasmMgr, err := wasm.New(wasm.Config{
		MaxOperationsPerInstance: cfg.Wasm.MaxOperationsPerInstance,
		RestartThreshold:         cfg.Wasm.RestartThreshold,
		MaxMemoryPages:           cfg.Wasm.MaxMemoryPages,
		MaxInstanceAge:           cfg.Wasm.MaxInstanceAge,
		CallTimeout:              cfg.Timeouts.Timeout("wasm"),
		EnableRecycling:          cfg.Wasm.EnableRecycling,
	}, host, clock, a.logger)
	if err != nil {
		return errors.Join(fmt.Errorf("wasm manager init failed: %w", err), pool.Close(ctx))
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		MaxTrackedHosts:   cfg.RateLimit.MaxTrackedHosts,
		IdleTimeout:       cfg.RateLimit.IdleTimeout,
		CleanupInterval:   cfg.RateLimit.CleanupInterval,
	}, clock, a.logger)
	if err != nil {
		return errors.Join(fmt.Errorf("rate limiter init failed: %w", err), pool.Close(ctx))
	}
	limiter.Start()

	a.resources, err = resource.New(resource.Config{
		Timeouts: resource.Timeouts{
			Render: cfg.Timeouts.Render,
			PDF:    cfg.Timeouts.PDF,
			Wasm:   cfg.Timeouts.Wasm,
			Global: cfg.Timeouts.Global,
		},
		RenderEstimateMB:     cfg.Memory.RenderEstimateMB,
		PDFEstimateMB:        cfg.Memory.PDFEstimateMB,
		AutoCleanupOnTimeout: cfg.Performance.AutoCleanupOnTimeout,
	}, resource.Deps{
		Pool: pool,
		PDF:  pdf.New(pdf.Config{MaxConcurrent: cfg.PDF.MaxConcurrent, QueueTimeout: cfg.PDF.QueueTimeout}),
		Wasm: wasmMgr,
		Memory: memory.New(memory.Config{
			GlobalLimitMB:        cfg.Memory.GlobalLimitMB,
			PressureThreshold:    cfg.Memory.PressureThreshold,
			GCTriggerThresholdMB: cfg.Memory.GCTriggerThresholdMB,
		}, clock, a.logger),
		Limiter: limiter,
		Perf: perf.New(perf.Config{
			RenderLatencyTarget:  cfg.Performance.RenderLatencyTarget,
			MaxErrorRate:         cfg.Performance.MaxErrorRate,
			MemoryTargetMB:       cfg.Performance.MemoryTargetMB,
			DegradationThreshold: cfg.Performance.DegradationThreshold,
			WindowSize:           cfg.Performance.WindowSize,
		}, a.logger),
		Metrics: recorder,
		Logger:  a.logger,
	})
	if err != nil {
		limiter.Close()
		return errors.Join(fmt.Errorf("resource manager init failed: %w", err), pool.Close(ctx))
	}

	apiCfg := *cfg
	if o.wasmHost == nil && cfg.Wasm.ModulePath == "" {
		apiCfg.Wasm.ExtractFunction = ""
	}
	a.apiServer, err = api.NewServer(apiCfg, api.Deps{
		Resources: a.resources,
		Store:     blobStore,
		IDs:       uuid.New(),
		Clock:     clock,
		Metrics:   recorder,
		Gatherer:  a.registry,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("api server init failed: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Resources returns the resource manager.
func (a *App) Resources() *resource.Manager {
	return a.resources
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.resources != nil {
		err = a.resources.Close(ctx)
	}
	a.closeInfrastructure(ctx)
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.eventHub != nil {
		if err := a.eventHub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.wasmHost != nil {
		if err := a.wasmHost.Close(ctx); err != nil {
			a.logger.Warn("wasm host close failed", zap.Error(err))
		}
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
}

func (a *App) setupStorage(ctx context.Context) (admission.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:   a.cfg.Storage.Bucket,
			Metadata: map[string]string{"producer": "render-gateway"},
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupWasmHost(ctx context.Context) (admission.WasmHost, error) {
	if a.cfg.Wasm.ModulePath == "" {
		a.logger.Warn("no extractor module configured, extraction disabled")
		return wasm.PassthroughHost{}, nil
	}
	module, err := os.ReadFile(a.cfg.Wasm.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	host, err := wazerohost.New(ctx, module, a.cfg.Wasm.MaxMemoryPages)
	if err != nil {
		return nil, fmt.Errorf("wasm host init failed: %w", err)
	}
	a.wasmHost = host
	a.logger.Info("extractor module loaded",
		zap.String("path", a.cfg.Wasm.ModulePath),
		zap.Uint32("max_memory_pages", a.cfg.Wasm.MaxMemoryPages),
	)
	return host, nil
}

func (a *App) setupEvents(ctx context.Context) (events.Emitter, error) {
	if !a.cfg.Events.Enabled {
		a.logger.Info("pool events disabled")
		return events.Discard{}, nil
	}
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []events.Sink{promSink}
	if a.cfg.Events.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(logging.Named(a.logger, "pool_events")))
	}
	if a.cfg.Database.DSN != "" {
		journal, err := sinks.NewJournalSink(ctx, sinks.JournalConfig{
			DSN:             a.cfg.Database.DSN,
			Table:           a.cfg.Database.EventsTable,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("event journal init failed: %w", err)
		}
		sinkList = append(sinkList, journal)
		a.logger.Info("event journal initialized", zap.String("table", a.cfg.Database.EventsTable))
	} else {
		a.logger.Warn("no DSN specified for database, skipping event journal")
	}
	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.TopicName != "" {
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
		alerts, err := sinks.NewAlertSink(sinks.NewTopicPublisher(a.pubsubPublisher))
		if err != nil {
			return nil, fmt.Errorf("alert sink init failed: %w", err)
		}
		sinkList = append(sinkList, alerts)
		a.logger.Info("Pub/Sub alert sink initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}

	hubCfg := events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait,
		SinkTimeout:    a.cfg.Events.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         logging.Named(a.logger, "event_hub"),
	}
	a.eventHub = events.NewHub(hubCfg, sinkList...)
	a.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.eventHub, nil
}
