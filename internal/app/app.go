// Package app builds the crawler's long-lived services from configuration and
// owns their lifecycle.
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

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/game-catalog-crawler/internal/api"
	cpmemory "github.com/JakeFAU/game-catalog-crawler/internal/checkpoint/memory"
	cpredis "github.com/JakeFAU/game-catalog-crawler/internal/checkpoint/redis"
	"github.com/JakeFAU/game-catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/game-catalog-crawler/internal/commit"
	"github.com/JakeFAU/game-catalog-crawler/internal/config"
	"github.com/JakeFAU/game-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/game-catalog-crawler/internal/dedup"
	"github.com/JakeFAU/game-catalog-crawler/internal/extract"
	"github.com/JakeFAU/game-catalog-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/game-catalog-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/game-catalog-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/game-catalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/game-catalog-crawler/internal/id/uuid"
	lockmemory "github.com/JakeFAU/game-catalog-crawler/internal/lock/memory"
	lockredis "github.com/JakeFAU/game-catalog-crawler/internal/lock/redis"
	"github.com/JakeFAU/game-catalog-crawler/internal/logging"
	"github.com/JakeFAU/game-catalog-crawler/internal/normalize"
	"github.com/JakeFAU/game-catalog-crawler/internal/orchestrator"
	"github.com/JakeFAU/game-catalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/game-catalog-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/game-catalog-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/game-catalog-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/game-catalog-crawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/game-catalog-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/game-catalog-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/game-catalog-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/game-catalog-crawler/internal/storage/postgres"
	"github.com/JakeFAU/game-catalog-crawler/internal/storage/replicated"
	"github.com/JakeFAU/game-catalog-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/game-catalog-crawler/internal/store"
	"github.com/JakeFAU/game-catalog-crawler/internal/telemetry"
)

const (
	defaultLocalReplicaDir = "data/media"
	lockPrefix             = "gamecrawler:lock:"
	shutdownTimeout        = 30 * time.Second
)

// Version is stamped at build time.
var Version = "dev"

// Options override process-wide defaults, mostly for tests.
type Options struct {
	// Logger replaces the logger built from cfg.Logging.
	Logger *zap.Logger
	// Registerer receives Prometheus collectors; defaults to the global registry.
	Registerer prometheus.Registerer
	// Sessions replaces the headless browser.
	Sessions crawler.SessionFactory
	// SkipTelemetry leaves the global OpenTelemetry providers untouched.
	SkipTelemetry bool
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	catalog      crawler.CatalogStore
	runs         store.RunRepository
	checkpoints  crawler.CheckpointStore
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server

	progressHub  *progress.Hub
	browser      *headless.Browser
	redis        *redis.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	blobClosers  []func() error
	telemetry    *telemetry.Telemetry

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("catalog_driver", cfg.Catalog.Driver),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Any("sources", cfg.EnabledSources()),
	)

	if err := a.build(ctx, opts); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return nil, errors.Join(err, a.Close(closeCtx))
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	if !opts.SkipTelemetry {
		tel, err := telemetry.Setup(ctx, a.cfg.Telemetry, telemetry.Options{
			Version:    Version,
			Registerer: opts.Registerer,
		}, a.logger.Named("telemetry"))
		if err != nil {
			return fmt.Errorf("telemetry init failed: %w", err)
		}
		a.telemetry = tel
	}
	if err := a.setupCatalog(ctx); err != nil {
		return err
	}
	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return err
	}
	locker, err := a.setupCoordination(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	emitter, err := a.setupProgress(ctx, opts.Registerer)
	if err != nil {
		return err
	}
	sessions := opts.Sessions
	if sessions == nil {
		if sessions, err = a.setupBrowser(); err != nil {
			return err
		}
	}
	if err := a.setupOrchestrator(sessions, blobs, locker, publisher, emitter); err != nil {
		return err
	}
	a.apiServer = api.NewServer(a, a.checkpoints, a.catalog, a.runs, api.Options{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeoutSeconds) * time.Second,
	}, a.logger.Named("api"))
	return nil
}

// Handler exposes the ops API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Catalog returns the configured catalog store.
func (a *App) Catalog() crawler.CatalogStore {
	return a.catalog
}

// Runs returns the run history repository.
func (a *App) Runs() store.RunRepository {
	return a.runs
}

// Checkpoints returns the checkpoint store.
func (a *App) Checkpoints() crawler.CheckpointStore {
	return a.checkpoints
}

// Start launches a background run; it satisfies api.CrawlController.
func (a *App) Start(ctx context.Context, src crawler.Source) error {
	spec, ok := SourceSpec(a.cfg, src)
	if !ok {
		return fmt.Errorf("%s: %w", src, api.ErrSourceDisabled)
	}
	if err := a.orchestrator.Start(ctx, spec); err != nil {
		return fmt.Errorf("start %s: %w", src, err)
	}
	return nil
}

// Stop requests a cooperative stop of the source's run.
func (a *App) Stop(src crawler.Source) bool {
	return a.orchestrator.Stop(src)
}

// Active lists runs in progress.
func (a *App) Active() []orchestrator.RunInfo {
	return a.orchestrator.Active()
}

// Crawl runs one source in the foreground.
func (a *App) Crawl(ctx context.Context, src crawler.Source) (orchestrator.Result, error) {
	spec, ok := SourceSpec(a.cfg, src)
	if !ok {
		return orchestrator.Result{Source: src}, fmt.Errorf("%s: %w", src, api.ErrSourceDisabled)
	}
	res, err := a.orchestrator.Run(ctx, spec)
	if err != nil {
		return res, fmt.Errorf("crawl %s: %w", src, err)
	}
	return res, nil
}

// Serve runs the HTTP API until ctx is canceled or a termination signal
// arrives, then stops active runs and releases resources.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
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

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Close stops active runs and gracefully shuts down every service. It is safe
// to call on a partially built App and more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.orchestrator != nil {
		if err := a.orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		if dropped := a.progressHub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events were dropped during this process", zap.Int64("dropped", dropped))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	for _, closeFn := range a.blobClosers {
		if err := closeFn(); err != nil {
			a.logger.Warn("blob store close failed", zap.Error(err))
		}
	}
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			a.logger.Warn("catalog close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on non-file stderr; nothing useful to do about it.
	_ = a.logger.Sync()
}

func (a *App) setupCatalog(ctx context.Context) error {
	switch a.cfg.Catalog.Driver {
	case "postgres":
		pg, err := pgstore.NewCatalogStore(ctx, pgstore.Config{
			DSN:      a.cfg.Catalog.DSN,
			MaxConns: a.cfg.Catalog.MaxConns,
			MinConns: a.cfg.Catalog.MinConns,
		})
		if err != nil {
			return fmt.Errorf("postgres catalog init failed: %w", err)
		}
		a.catalog, a.runs = pg, pg.RunStore()
		if a.cfg.Catalog.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("postgres migrate failed: %w", err)
			}
		}
	case "sqlite":
		lite, err := sqlite.Open(ctx, sqlite.Config{Path: a.cfg.Catalog.DSN})
		if err != nil {
			return fmt.Errorf("sqlite catalog init failed: %w", err)
		}
		a.catalog, a.runs = lite, lite.RunStore()
	default:
		a.logger.Warn("using in-memory catalog; nothing survives a restart")
		a.catalog, a.runs = memorystorage.NewCatalogStore(), memorystorage.NewRunStore()
	}
	a.logger.Info("catalog initialized", zap.String("driver", a.cfg.Catalog.Driver))
	return nil
}

func (a *App) setupBlobs(ctx context.Context) (crawler.BlobStore, error) {
	replicaCfgs := a.cfg.Storage.Replicas
	if len(replicaCfgs) == 0 {
		replicaCfgs = []config.ReplicaConfig{{Name: "local", Kind: "local", BaseDir: defaultLocalReplicaDir}}
	}
	replicas := make([]replicated.Replica, 0, len(replicaCfgs))
	for i, rc := range replicaCfgs {
		name := rc.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", rc.Kind, i)
		}
		var blobStore crawler.BlobStore
		switch rc.Kind {
		case "gcs":
			gcs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: rc.Bucket})
			if err != nil {
				return nil, fmt.Errorf("gcs replica %s init failed: %w", name, err)
			}
			a.blobClosers = append(a.blobClosers, gcs.Close)
			blobStore = gcs
		case "local":
			local, err := localstorage.New(localstorage.Config{BaseDir: rc.BaseDir})
			if err != nil {
				return nil, fmt.Errorf("local replica %s init failed: %w", name, err)
			}
			blobStore = local
		default:
			blobStore = memorystorage.NewBlobStore(name)
		}
		replicas = append(replicas, replicated.Replica{Name: name, Store: blobStore})
		a.logger.Debug("blob replica configured", zap.String("name", name), zap.String("kind", rc.Kind))
	}
	blobs, err := replicated.New(replicated.Config{
		Quorum:  a.cfg.Storage.Quorum,
		Timeout: time.Duration(a.cfg.Storage.ReplicaTimeoutSeconds) * time.Second,
	}, a.logger.Named("replicated"), replicas...)
	if err != nil {
		return nil, fmt.Errorf("blob store init failed: %w", err)
	}
	return blobs, nil
}

// setupCoordination selects checkpoint and lock backends: Redis when an
// address is configured, process memory otherwise.
func (a *App) setupCoordination(ctx context.Context) (crawler.KeyLocker, error) {
	if a.cfg.Redis.Addr == "" {
		a.logger.Info("no redis configured, using in-memory checkpoints and locks")
		a.checkpoints = cpmemory.New()
		return lockmemory.New(), nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	checkpoints, err := cpredis.New(a.redis, 0)
	if err != nil {
		return nil, fmt.Errorf("redis checkpoint store init failed: %w", err)
	}
	a.checkpoints = checkpoints
	locker, err := lockredis.New(a.redis, lockredis.Config{
		Prefix: lockPrefix,
		TTL:    time.Duration(a.cfg.Redis.LockTTLSeconds) * time.Second,
	}, a.logger.Named("lock"))
	if err != nil {
		return nil, fmt.Errorf("redis locker init failed: %w", err)
	}
	a.logger.Info("redis coordination initialized", zap.String("addr", a.cfg.Redis.Addr))
	return locker, nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.ReviewTopic == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(memorypublisher.DefaultCapacity, a.logger), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.publisher = gcppublisher.New(a.pubsubClient)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.ReviewTopic),
	)
	return a.publisher, nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}
	if a.runs != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")))
	}
	a.progressHub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return a.progressHub, nil
}

func (a *App) setupBrowser() (crawler.SessionFactory, error) {
	browser, err := headless.NewBrowser(headless.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
		PollInterval:      time.Duration(a.cfg.Fetch.PollIntervalMs) * time.Millisecond,
		UserAgents:        a.cfg.Crawler.UserAgents,
		ExecPath:          a.cfg.Headless.ExecPath,
		Visible:           a.cfg.Headless.Visible,
		BlockHints:        a.cfg.Fetch.BlockHintsExtra,
	}, a.logger.Named("browser"))
	if err != nil {
		return nil, fmt.Errorf("headless browser init failed: %w", err)
	}
	a.browser = browser
	a.logger.Info("using headless browser", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return browser, nil
}

func (a *App) setupOrchestrator(
	sessions crawler.SessionFactory,
	blobs crawler.BlobStore,
	locker crawler.KeyLocker,
	publisher crawler.Publisher,
	emitter progress.Emitter,
) error {
	ids := uuid.New()
	committer, err := commit.New(commit.Config{Prefix: a.cfg.Storage.Prefix}, commit.Deps{
		Catalog: a.catalog,
		Blobs:   blobs,
		Hasher:  sha256.New(),
		Locker:  locker,
		IDs:     ids,
		Logger:  a.logger.Named("commit"),
	})
	if err != nil {
		return fmt.Errorf("commit writer init failed: %w", err)
	}

	userAgent := ""
	if len(a.cfg.Crawler.UserAgents) > 0 {
		userAgent = a.cfg.Crawler.UserAgents[0]
	}
	media := collyfetcher.New(collyfetcher.Config{
		UserAgent:     userAgent,
		RespectRobots: a.cfg.Media.RespectRobots,
		Timeout:       time.Duration(a.cfg.Media.TimeoutSeconds) * time.Second,
		MaxBytes:      a.cfg.Media.MaxBytes,
	})

	currencies := make(map[crawler.Source]string)
	for _, src := range crawler.Sources() {
		if sc, ok := a.cfg.Source(src); ok && sc.Currency != "" {
			currencies[src] = sc.Currency
		}
	}

	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		Concurrency: a.cfg.Crawler.Concurrency,
		ItemTimeout: a.cfg.ItemTimeout(),
		MaxMedia:    a.cfg.Crawler.MaxMediaPerProduct,
		ReviewTopic: a.cfg.PubSub.ReviewTopic,
		DelistAfter: a.cfg.Delist.MissedRuns,
	}, orchestrator.Deps{
		Sessions: sessions,
		Fetcher: fetcher.NewRetrier(
			crawler.NewExponentialRetryPolicy(a.cfg.RetryConfig()),
			system.NewSleeper(),
			a.logger.Named("retrier"),
		),
		Extractors: extract.NewRegistry(),
		Normalizer: normalize.New(normalize.Config{
			FuzzyMaxDistance: a.cfg.Normalize.FuzzyMaxDistance,
			DefaultCurrency:  a.cfg.Normalize.DefaultCurrency,
			SourceCurrency:   currencies,
		}),
		Resolver: dedup.NewResolver(dedup.Config{
			AutoLinkThreshold:  a.cfg.Dedup.AutoLinkThreshold,
			CandidateThreshold: a.cfg.Dedup.CandidateThreshold,
		}),
		Media:       media,
		Committer:   committer,
		Catalog:     a.catalog,
		Checkpoints: a.checkpoints,
		Publisher:   publisher,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Crawler.PerHostRPS,
			DefaultBurst: a.cfg.Crawler.PerHostBurst,
		}),
		Progress: emitter,
		IDs:      ids,
		Clock:    system.New(),
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	return nil
}

// SourceSpec turns a source's configuration into a crawl plan. ok is false
// when the source is missing or disabled.
func SourceSpec(cfg config.Config, src crawler.Source) (spec orchestrator.SourceSpec, ok bool) {
	sc, found := cfg.Source(src)
	if !found || !sc.Enabled {
		return orchestrator.SourceSpec{}, false
	}
	template := crawler.FetchRequest{
		MaxWait: cfg.MaxWait(),
		Dismiss: sc.Dismiss,
		AgeGate: sc.AgeGate,
	}
	listing, detail := template, template
	listing.WaitSelector = sc.ListingReady
	detail.WaitSelector = sc.DetailReady
	return orchestrator.SourceSpec{
		Source:     src,
		ListingURL: sc.ListingURL,
		PageSize:   sc.PageSize,
		MaxPages:   sc.MaxPages,
		MaxItems:   sc.MaxItems,
		Listing:    listing,
		Detail:     detail,
	}, true
}
