// Package app wires the engine together: stores, queue, capabilities,
// scheduler, workers and the control surface, all selected by config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/api"
	"github.com/driftline/driftline/internal/archive"
	"github.com/driftline/driftline/internal/capability"
	"github.com/driftline/driftline/internal/capability/callback"
	headlessfetch "github.com/driftline/driftline/internal/capability/fetch/headless"
	restjsonfetch "github.com/driftline/driftline/internal/capability/fetch/restjson"
	staticfetch "github.com/driftline/driftline/internal/capability/fetch/static"
	"github.com/driftline/driftline/internal/capability/pipeline"
	"github.com/driftline/driftline/internal/catalog"
	"github.com/driftline/driftline/internal/clock/system"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/dispatch"
	"github.com/driftline/driftline/internal/fingerprint/sha256"
	"github.com/driftline/driftline/internal/history"
	"github.com/driftline/driftline/internal/id/uuid"
	"github.com/driftline/driftline/internal/logging"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/politeness"
	"github.com/driftline/driftline/internal/progress"
	progresssinks "github.com/driftline/driftline/internal/progress/sinks"
	queuememory "github.com/driftline/driftline/internal/queue/memory"
	queuepubsub "github.com/driftline/driftline/internal/queue/pubsub"
	queuevalkey "github.com/driftline/driftline/internal/queue/valkey"
	"github.com/driftline/driftline/internal/sched"
	storememory "github.com/driftline/driftline/internal/store/memory"
	storepostgres "github.com/driftline/driftline/internal/store/postgres"
	storevalkey "github.com/driftline/driftline/internal/store/valkey"
)

// App holds every built service plus the handles needed to shut them down
// in order.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	targets  crawl.TargetStore
	catalog  crawl.Catalog
	chains   crawl.ChainStore
	inflight crawl.InFlight
	leases   crawl.LeaseStore
	queue    crawl.Queue
	registry *capability.Registry
	history  *history.Engine
	service  *catalog.Service

	scheduler *sched.Scheduler
	executor  *dispatch.Executor
	worker    *dispatch.Worker
	apiServer *api.Server
	metrics   *metrics.Metrics
	hub       *progress.Hub

	pool         *pgxpool.Pool
	valkeyClient valkey.Client
	memoryQueue  *queuememory.Queue
	pubsubQueue  *queuepubsub.Queue
	gcsArchiver  *archive.GCS
	headless     []*headlessfetch.Fetcher
}

// Build constructs the full control plane: stores, queue, capability
// registry, history engine, scheduler, embedded workers and the HTTP
// control surface. It fails fast when any backend cannot be reached.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx, cfg, true); err != nil {
		a.closeInfrastructure()
		return nil, err
	}
	return a, nil
}

// BuildWorker constructs the queue-consuming side only: no scheduler, no
// catalog service, no control surface. It refuses in-process backends,
// which cannot be shared with a separate control plane.
func BuildWorker(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	zap.ReplaceGlobals(logger)

	if cfg.Queue.Backend == "memory" {
		return nil, errors.New("worker process needs a shared queue backend, not memory")
	}
	if cfg.Database.DSN == "" {
		return nil, errors.New("worker process needs database.dsn, the in-memory stores are process-local")
	}

	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx, cfg, false); err != nil {
		a.closeInfrastructure()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg config.Config, controlPlane bool) error {
	clock := system.New()
	idgen := uuid.New()
	fp := sha256.New()

	if err := a.setupStores(ctx, cfg, clock); err != nil {
		return err
	}
	if err := a.setupSchedulerState(cfg); err != nil {
		return err
	}
	if err := a.setupQueue(ctx, cfg); err != nil {
		return err
	}

	a.metrics = metrics.New()
	emitter, err := a.setupProgress(ctx, cfg)
	if err != nil {
		return err
	}

	a.history = history.New(a.chains, fp, clock, a.logger.Named("history"))

	if err := a.setupCapabilities(cfg); err != nil {
		return err
	}

	archiver, err := a.setupArchive(ctx, cfg)
	if err != nil {
		return err
	}

	var limiter politeness.Waiter = politeness.Unlimited{}
	if cfg.Politeness.Enabled {
		limiter = politeness.New(politeness.Config{
			RPS:   cfg.Politeness.DefaultRPS,
			Burst: cfg.Politeness.DefaultBurst,
		})
		a.logger.Info("politeness limiter enabled",
			zap.Float64("rps", cfg.Politeness.DefaultRPS),
			zap.Int("burst", cfg.Politeness.DefaultBurst))
	}

	var nudger dispatch.Nudger
	if controlPlane {
		strategy, err := strategyFor(cfg.Scheduler.Strategy)
		if err != nil {
			return err
		}
		a.scheduler = sched.New(
			sched.Config{
				TickInterval: cfg.TickInterval(),
				LeaseTimeout: cfg.LeaseTimeout(),
				BatchLimit:   cfg.Scheduler.BatchLimit,
				Budgets:      cfg.Budgets(),
			},
			a.catalog, a.targets, a.inflight, a.leases, a.queue,
			strategy, cfg.RetryPolicy(), clock, idgen, emitter,
			a.logger.Named("sched"),
		)
		nudger = a.scheduler
	}

	a.executor = dispatch.NewExecutor(
		dispatch.ExecutorConfig{
			FetchTimeout:      cfg.FetchTimeout(),
			HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatSeconds) * time.Second,
			UserAgent:         cfg.Fetch.UserAgent,
		},
		a.catalog, a.targets, a.registry, a.history, archiver, limiter,
		a.queue, a.inflight, a.leases, cfg.RetryPolicy(), fp, clock, idgen,
		emitter, nudger, a.logger.Named("executor"),
	)

	if !controlPlane || cfg.Worker.Embedded {
		a.worker = dispatch.NewWorker(dispatch.WorkerConfig{
			Concurrency: map[crawl.FetchClass]int{
				crawl.ClassNonBlocking: cfg.Worker.Count,
				crawl.ClassBlocking:    cfg.Scheduler.BlockingBudget,
			},
		}, a.queue, a.executor, a.logger.Named("worker"))
	}

	if controlPlane {
		a.service = catalog.NewService(a.catalog, a.registry, clock, idgen, emitter, a.scheduler, a.logger.Named("catalog"))
		a.apiServer = api.NewServer(cfg, a.targets, a.service, a.history, a.metrics, a.readyCheck(), a.logger.Named("api"))
	}
	return nil
}

func strategyFor(name string) (sched.Strategy, error) {
	switch name {
	case "round_robin":
		return sched.NewRoundRobin(), nil
	case "weighted":
		return sched.NewWeightedPriority(), nil
	default:
		return nil, fmt.Errorf("scheduler.strategy %q is not supported", name)
	}
}

func (a *App) setupStores(ctx context.Context, cfg config.Config, clock crawl.Clock) error {
	if cfg.Database.DSN == "" {
		a.logger.Info("using in-memory stores")
		a.targets = storememory.NewTargetStore(clock)
		a.catalog = storememory.NewCatalog()
		a.chains = storememory.NewChainStore()
		return nil
	}
	pool, err := storepostgres.NewPool(ctx, storepostgres.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: time.Duration(cfg.Database.MaxConnLifetimeMin) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("postgres init: %w", err)
	}
	a.pool = pool
	a.targets = storepostgres.NewTargetStore(pool, clock)
	a.catalog = storepostgres.NewCatalog(pool)
	a.chains = storepostgres.NewChainStore(pool)
	a.logger.Info("using postgres stores")
	return nil
}

// setupSchedulerState picks where in-flight counters and task leases live.
// Shared state goes to valkey so several scheduler replicas enforce one
// budget; otherwise both stay in process memory.
func (a *App) setupSchedulerState(cfg config.Config) error {
	if !cfg.Scheduler.SharedState {
		a.inflight = storememory.NewInFlight(cfg.Budgets())
		a.leases = storememory.NewLeaseStore()
		return nil
	}
	if err := a.ensureValkey(cfg); err != nil {
		return err
	}
	inflight, err := storevalkey.NewInFlight(a.valkeyClient, "driftline", cfg.Budgets())
	if err != nil {
		return fmt.Errorf("valkey inflight init: %w", err)
	}
	leases, err := storevalkey.NewLeaseStore(a.valkeyClient, "driftline")
	if err != nil {
		return fmt.Errorf("valkey lease store init: %w", err)
	}
	a.inflight = inflight
	a.leases = leases
	a.logger.Info("using shared scheduler state on valkey")
	return nil
}

func (a *App) setupQueue(ctx context.Context, cfg config.Config) error {
	switch cfg.Queue.Backend {
	case "memory":
		a.memoryQueue = queuememory.NewQueue(cfg.Queue.Depth, a.logger.Named("queue"))
		a.queue = a.memoryQueue
		a.logger.Info("using in-memory task queue", zap.Int("depth", cfg.Queue.Depth))
	case "valkey":
		if err := a.ensureValkey(cfg); err != nil {
			return err
		}
		queue, err := queuevalkey.NewQueue(ctx, a.valkeyClient, queuevalkey.Config{
			StreamPrefix: cfg.Queue.Streams.StreamPrefix,
			Group:        cfg.Queue.Streams.Group,
			Consumer:     cfg.Queue.Streams.Consumer,
			Block:        time.Duration(cfg.Queue.Streams.BlockMs) * time.Millisecond,
		}, a.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("valkey queue init: %w", err)
		}
		a.queue = queue
		a.logger.Info("using valkey stream task queue", zap.String("group", cfg.Queue.Streams.Group))
	case "pubsub":
		queue, err := queuepubsub.NewQueue(ctx, queuepubsub.Config{
			ProjectID:          cfg.Queue.PubSub.ProjectID,
			TopicPrefix:        cfg.Queue.PubSub.TopicPrefix,
			SubscriptionPrefix: cfg.Queue.PubSub.SubscriptionPrefix,
		}, a.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("pubsub queue init: %w", err)
		}
		a.pubsubQueue = queue
		a.queue = queue
		a.logger.Info("using pubsub task queue", zap.String("project", cfg.Queue.PubSub.ProjectID))
	default:
		return fmt.Errorf("queue.backend %q is not supported", cfg.Queue.Backend)
	}
	return nil
}

func (a *App) ensureValkey(cfg config.Config) error {
	if a.valkeyClient != nil {
		return nil
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: cfg.Queue.Valkey.InitAddress,
		Password:    cfg.Queue.Valkey.Password,
	})
	if err != nil {
		return fmt.Errorf("valkey client init: %w", err)
	}
	a.valkeyClient = client
	return nil
}

func (a *App) setupProgress(ctx context.Context, cfg config.Config) (progress.Emitter, error) {
	if !cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	sinks := []progress.Sink{
		progresssinks.NewStoreSink(a.catalog, a.logger.Named("progress_store")),
	}
	promSink, err := progresssinks.NewPrometheusSink(a.metrics.Registry())
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init: %w", err)
	}
	sinks = append(sinks, promSink)
	if cfg.Progress.LogEnabled {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    ctx,
		Logger:         a.logger.Named("progress_hub"),
	}, sinks...)
	return a.hub, nil
}

// setupCapabilities instantiates the configured fetchers, pipelines and
// callbacks into the registry, so stage definitions can reference them by
// id and catalog validation resolves against what actually exists.
func (a *App) setupCapabilities(cfg config.Config) error {
	a.registry = capability.NewRegistry()

	for id, capCfg := range cfg.Capabilities {
		fetcher, err := a.buildFetcher(cfg, capCfg)
		if err != nil {
			return fmt.Errorf("capability %s: %w", id, err)
		}
		if fetcher == nil {
			a.logger.Warn("skipping disabled capability", zap.String("capability", id))
			continue
		}
		if err := a.registry.RegisterFetcher(id, fetcher); err != nil {
			return fmt.Errorf("capability %s: %w", id, err)
		}
	}
	for id, pipeCfg := range cfg.Pipelines {
		p, err := buildPipeline(pipeCfg)
		if err != nil {
			return fmt.Errorf("pipeline %s: %w", id, err)
		}
		if err := a.registry.RegisterPipeline(id, p); err != nil {
			return fmt.Errorf("pipeline %s: %w", id, err)
		}
	}
	for id, cbCfg := range cfg.Callbacks {
		monitor, err := callback.NewMonitor(callback.ChangeModel(cbCfg.ChangeModel), a.history, a.targets, a.logger.Named("monitor"))
		if err != nil {
			return fmt.Errorf("callback %s: %w", id, err)
		}
		if err := a.registry.RegisterCallback(id, monitor); err != nil {
			return fmt.Errorf("callback %s: %w", id, err)
		}
	}

	a.logger.Info("capability registry ready", zap.Strings("fetchers", a.registry.FetcherIDs()))
	return nil
}

func (a *App) buildFetcher(cfg config.Config, capCfg config.CapabilityConfig) (crawl.FetchCapability, error) {
	switch capCfg.Type {
	case "restjson":
		return restjsonfetch.New(restjsonfetch.Config{
			URLTemplate:    capCfg.URLTemplate,
			Query:          capCfg.Query,
			PageParam:      capCfg.PageParam,
			NextTokenField: capCfg.NextTokenField,
			Timeout:        cfg.FetchTimeout(),
		})
	case "static":
		return staticfetch.New(staticfetch.Config{
			URLTemplate: capCfg.URLTemplate,
			Timeout:     cfg.FetchTimeout(),
		})
	case "headless":
		if !cfg.Fetch.Headless.Enabled {
			return nil, nil
		}
		fetcher, err := headlessfetch.New(headlessfetch.Config{
			URLTemplate:       capCfg.URLTemplate,
			MaxParallel:       cfg.Fetch.Headless.MaxParallel,
			NavigationTimeout: time.Duration(cfg.Fetch.Headless.NavTimeoutSec) * time.Second,
			WaitSelector:      capCfg.WaitSelector,
			SettleDelay:       time.Duration(capCfg.SettleDelayMs) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		a.headless = append(a.headless, fetcher)
		return fetcher, nil
	default:
		return nil, fmt.Errorf("unknown capability type %q", capCfg.Type)
	}
}

func buildPipeline(cfg config.PipelineConfig) (crawl.Pipeline, error) {
	switch cfg.Type {
	case "html_extract":
		return pipeline.NewHTMLExtract(pipeline.HTMLExtractConfig{
			SourceField: cfg.SourceField,
			Fields:      cfg.Fields,
			Attributes:  cfg.Attributes,
			KeepSource:  cfg.KeepSource,
		})
	case "discovery":
		return pipeline.NewDiscovery(pipeline.DiscoveryConfig{
			ItemsField: cfg.ItemsField,
			KeyParams:  cfg.KeyParams,
			Defaults:   cfg.Defaults,
			Tags:       cfg.Tags,
		})
	default:
		return nil, fmt.Errorf("unknown pipeline type %q", cfg.Type)
	}
}

func (a *App) setupArchive(ctx context.Context, cfg config.Config) (archive.Archiver, error) {
	switch cfg.Archive.Backend {
	case "none":
		return archive.Nop{}, nil
	case "memory":
		return archive.NewMemory(), nil
	case "local":
		local, err := archive.NewLocal(cfg.Archive.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("local archive init: %w", err)
		}
		a.logger.Info("archiving raw responses locally", zap.String("base_dir", cfg.Archive.BaseDir))
		return local, nil
	case "gcs":
		gcs, err := archive.NewGCS(ctx, cfg.Archive.Bucket, a.logger.Named("archive"))
		if err != nil {
			return nil, fmt.Errorf("gcs archive init: %w", err)
		}
		a.gcsArchiver = gcs
		a.logger.Info("archiving raw responses to gcs", zap.String("bucket", cfg.Archive.Bucket))
		return gcs, nil
	default:
		return nil, fmt.Errorf("archive.backend %q is not supported", cfg.Archive.Backend)
	}
}

func (a *App) readyCheck() func(ctx context.Context) error {
	pool := a.pool
	return func(ctx context.Context) error {
		if pool == nil {
			return nil
		}
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres not reachable: %w", err)
		}
		return nil
	}
}

// Run starts the configured loops and blocks until a signal arrives or ctx
// ends. The control plane runs the scheduler and the HTTP server; both
// flavors run workers when built.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if a.scheduler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("scheduler started")
			if err := a.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("scheduler stopped", zap.Error(err))
				stop()
			}
		}()
	}
	if a.worker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("workers started")
			if err := a.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("workers stopped", zap.Error(err))
			}
		}()
	}

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
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
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown", zap.Error(err))
		}
	}
	wg.Wait()
	return a.Close(shutdownCtx)
}

// Close releases every held resource: the progress hub first so buffered
// events still reach their sinks, then the queues, clients and pools.
func (a *App) Close(ctx context.Context) error {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close", zap.Error(err))
		}
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	// Syncing a terminal-backed logger fails on some platforms; nothing
	// useful to report.
	_ = a.logger.Sync()
	return nil
}

func (a *App) closeInfrastructure() {
	if a.memoryQueue != nil {
		a.memoryQueue.Close()
	}
	if a.pubsubQueue != nil {
		if err := a.pubsubQueue.Close(); err != nil {
			a.logger.Warn("pubsub queue close", zap.Error(err))
		}
	}
	for _, fetcher := range a.headless {
		fetcher.Close()
	}
	if a.gcsArchiver != nil {
		if err := a.gcsArchiver.Close(); err != nil {
			a.logger.Warn("gcs archiver close", zap.Error(err))
		}
	}
	if a.valkeyClient != nil {
		a.valkeyClient.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
