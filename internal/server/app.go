// Package server builds the scanner's dependency graph and runs it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/compliance-scanner/internal/api"
	"github.com/JakeFAU/compliance-scanner/internal/cachepool"
	"github.com/JakeFAU/compliance-scanner/internal/clock/system"
	"github.com/JakeFAU/compliance-scanner/internal/config"
	"github.com/JakeFAU/compliance-scanner/internal/content"
	"github.com/JakeFAU/compliance-scanner/internal/dimension"
	collyfetcher "github.com/JakeFAU/compliance-scanner/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/compliance-scanner/internal/fetcher/headless"
	"github.com/JakeFAU/compliance-scanner/internal/fetcher/promote"
	"github.com/JakeFAU/compliance-scanner/internal/headless/detector"
	"github.com/JakeFAU/compliance-scanner/internal/id/uuid"
	kvleveldb "github.com/JakeFAU/compliance-scanner/internal/kv/leveldb"
	kvmemory "github.com/JakeFAU/compliance-scanner/internal/kv/memory"
	kvpostgres "github.com/JakeFAU/compliance-scanner/internal/kv/postgres"
	"github.com/JakeFAU/compliance-scanner/internal/logging"
	"github.com/JakeFAU/compliance-scanner/internal/metrics"
	"github.com/JakeFAU/compliance-scanner/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/compliance-scanner/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/compliance-scanner/internal/publisher/pubsub"
	"github.com/JakeFAU/compliance-scanner/internal/scan"
	"github.com/JakeFAU/compliance-scanner/internal/scanner"
	"github.com/JakeFAU/compliance-scanner/internal/schedule"
	gcsstorage "github.com/JakeFAU/compliance-scanner/internal/storage/gcs"
	localstorage "github.com/JakeFAU/compliance-scanner/internal/storage/local"
	memorystorage "github.com/JakeFAU/compliance-scanner/internal/storage/memory"
	pgstore "github.com/JakeFAU/compliance-scanner/internal/storage/postgres"
	"github.com/JakeFAU/compliance-scanner/internal/targets"
	"github.com/JakeFAU/compliance-scanner/internal/telemetry"
	"github.com/JakeFAU/compliance-scanner/internal/validation"
	"github.com/JakeFAU/compliance-scanner/internal/validator"
	"github.com/JakeFAU/compliance-scanner/internal/validator/markup"
	"github.com/JakeFAU/compliance-scanner/internal/validator/remote"
)

// Scheduled event and hook names.
const (
	EventSiteScan    = "site_scan"
	EventURLValidate = "url_validate"
	EventCacheGC     = "cache_gc"
	HookContentSaved = "content_saved"
)

const (
	targetsCacheGroup = "targets"
	cachePrefix       = "ext:"
	readyKey          = "scanner:readyz"
	shutdownTimeout   = 10 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	kv          scanner.KVStore
	repo        *content.Repository
	scans       *scan.Service
	resolver    *dimension.Resolver
	registry    *schedule.KVRegistry
	bus         *schedule.EventBus
	loop        *schedule.Loop
	deactivator *schedule.Deactivator
	tasks       []schedule.Task
	apiServer   *api.Server

	registerOnce sync.Once
	registerErr  error

	// closers run in reverse order on Close.
	closers []func(context.Context) error
}

// Build creates the application's dependencies. On error every resource
// acquired so far is released.
func Build(ctx context.Context, cfg config.Config) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.onClose(tp.Shutdown)
	// Pull-based; nothing to flush on close.
	if _, err = telemetry.InitMeterProvider(ctx, cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("meter init failed: %w", err)
	}

	clock := system.New()
	if err = app.setupKV(ctx, clock); err != nil {
		return nil, err
	}

	manifest, err := content.LoadManifest(afero.NewOsFs(), cfg.Site.Manifest)
	if err != nil {
		return nil, fmt.Errorf("load site manifest: %w", err)
	}
	if app.repo, err = content.NewRepository(manifest); err != nil {
		return nil, fmt.Errorf("content repository init failed: %w", err)
	}

	var cacheSvc cachepool.Service
	if cfg.Cache.External {
		cacheSvc = cachepool.NewKVService(app.kv, cachePrefix)
		logger.Info("using external cache service")
	}
	source, err := app.setupTargets(cacheSvc)
	if err != nil {
		return nil, err
	}

	if app.resolver, err = app.setupDimensions(cacheSvc); err != nil {
		return nil, err
	}
	runner, results, err := app.setupRunner(ctx, clock)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupReports(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	app.scans, err = scan.NewService(scan.Config{
		Defaults: scan.Request{
			LimitPerType: cfg.Scan.LimitPerType,
			IncludeTypes: cfg.Scan.IncludeTypes,
			Offset:       cfg.Scan.Offset,
		},
		ReportPrefix: cfg.Scan.ReportPrefix,
		Topic:        cfg.PubSub.Topic,
	}, scan.Deps{
		Targets:   source,
		Runner:    runner,
		Results:   results,
		Blobs:     blobs,
		Publisher: publisher,
		IDs:       uuid.New(),
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("scan service init failed: %w", err)
	}

	if err = app.setupSchedule(clock); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Scanner:    app.scans,
		Results:    results,
		Dimensions: app.resolver,
		Events:     app.bus,
		Ready:      app.ready,
	}, cfg, logger.Named("api"))

	logger.Info("application built",
		zap.String("kv_backend", cfg.KV.Backend),
		zap.String("validator_mode", cfg.Validator.Mode),
		zap.String("results_backend", cfg.Results.Backend),
		zap.String("reports_backend", cfg.Reports.Backend),
		zap.String("pubsub_backend", cfg.PubSub.Backend),
	)
	return app, nil
}

// ScanDefaults returns the request used by scheduled runs.
func (a *App) ScanDefaults() scan.Request { return a.scans.Defaults() }

// Targets previews the targets req selects.
func (a *App) Targets(ctx context.Context, req scan.Request) ([]scanner.ScanTarget, error) {
	return a.scans.Targets(ctx, req)
}

// RunScan performs one validation run.
func (a *App) RunScan(ctx context.Context, req scan.Request) (scanner.RunSummary, error) {
	return a.scans.Run(ctx, req)
}

// Scans returns the scan service.
func (a *App) Scans() *scan.Service { return a.scans }

// Events returns the in-process event bus.
func (a *App) Events() *schedule.EventBus { return a.bus }

// Schedule returns the scheduled-event registry.
func (a *App) Schedule() schedule.Registry { return a.registry }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// RegisterTasks registers every scheduled task with the loop. Only the
// first call does any work.
func (a *App) RegisterTasks(ctx context.Context) error {
	a.registerOnce.Do(func() {
		a.registerErr = a.loop.Register(ctx, a.tasks...)
	})
	return a.registerErr
}

// Deactivate unschedules every task. Tasks are registered first so each
// has attached its teardown hook.
func (a *App) Deactivate(ctx context.Context) error {
	if err := a.RegisterTasks(ctx); err != nil {
		return err
	}
	if err := a.deactivator.Deactivate(ctx); err != nil {
		return fmt.Errorf("deactivate tasks: %w", err)
	}
	a.logger.Info("scheduled tasks deactivated")
	return nil
}

// ReloadContent re-reads the site manifest. Cached target lists are keyed
// by the manifest digest and stop matching once the reload succeeds.
func (a *App) ReloadContent() error {
	manifest, err := content.LoadManifest(afero.NewOsFs(), a.cfg.Site.Manifest)
	if err != nil {
		return fmt.Errorf("load site manifest: %w", err)
	}
	if err := a.repo.Replace(manifest); err != nil {
		return err
	}
	a.logger.Info("site manifest reloaded", zap.String("digest", a.repo.Digest()))
	return nil
}

// Run starts the scheduler and HTTP server and blocks until the context is
// canceled or SIGINT/SIGTERM arrives. SIGHUP reloads the site manifest.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Schedule.Enabled {
		if err := a.RegisterTasks(ctx); err != nil {
			return err
		}
		go func() {
			a.logger.Info("scheduler started", zap.Duration("tick", a.cfg.Schedule.Tick))
			a.loop.Run(ctx)
		}()
	} else {
		a.logger.Info("scheduler disabled")
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := a.ReloadContent(); err != nil {
					a.logger.Warn("site manifest reload failed", zap.Error(err))
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close releases clients and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) ready(ctx context.Context) error {
	_, _, err := a.kv.Get(ctx, readyKey)
	return err
}

func (a *App) setupKV(ctx context.Context, clock scanner.Clock) error {
	cfg := a.cfg.KV
	switch cfg.Backend {
	case "leveldb":
		store, err := kvleveldb.Open(cfg.LevelDBPath, clock)
		if err != nil {
			return fmt.Errorf("leveldb kv init failed: %w", err)
		}
		a.onClose(func(context.Context) error { return store.Close() })
		a.kv = store
		a.logger.Info("using leveldb kv store", zap.String("path", cfg.LevelDBPath))
	case "postgres":
		store, err := kvpostgres.New(ctx, kvpostgres.Config{
			DSN:      cfg.PostgresDSN,
			Table:    cfg.PostgresTable,
			MaxConns: cfg.MaxConns,
		}, clock)
		if err != nil {
			return fmt.Errorf("postgres kv init failed: %w", err)
		}
		a.onClose(func(context.Context) error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres kv schema: %w", err)
		}
		a.kv = store
		a.logger.Info("using postgres kv store", zap.String("table", cfg.PostgresTable))
	default:
		a.kv = kvmemory.New(clock)
		a.logger.Info("using in-memory kv store")
	}
	return nil
}

func (a *App) setupTargets(cacheSvc cachepool.Service) (scan.TargetSource, error) {
	provider, err := targets.NewProvider(a.repo,
		targets.WithSupportedTypes(a.cfg.Site.SupportedTypes),
		targets.WithLogger(a.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("target provider init failed: %w", err)
	}
	opts := []cachepool.Option{cachepool.WithLogger(a.logger)}
	if cacheSvc != nil {
		opts = append(opts, cachepool.WithService(cacheSvc))
	}
	pool, err := cachepool.New(a.kv, targetsCacheGroup, a.cfg.Cache.PoolSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("targets cache init failed: %w", err)
	}
	// Instances sharing the KV only share entries when both the manifest
	// and the supported types match.
	types := strings.Join(a.cfg.Site.SupportedTypes, ",")
	version := func() string { return a.repo.Digest() + "|" + types }
	return targets.NewCached(provider, pool, version, a.logger)
}

func (a *App) setupRunner(ctx context.Context, clock *system.Clock) (*validation.Runner, scanner.ResultStore, error) {
	v, err := a.setupValidator()
	if err != nil {
		return nil, nil, err
	}

	var results scanner.ResultStore
	switch a.cfg.Results.Backend {
	case "postgres":
		store, err := pgstore.NewResultStore(ctx, pgstore.ResultStoreConfig{
			DSN:           a.cfg.Results.DSN,
			RunsTable:     a.cfg.Results.RunsTable,
			OutcomesTable: a.cfg.Results.OutcomesTable,
			MaxConns:      a.cfg.Results.MaxConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("result store init failed: %w", err)
		}
		a.onClose(func(context.Context) error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("result store schema: %w", err)
		}
		results = store
		a.logger.Info("using postgres result store", zap.String("runs_table", a.cfg.Results.RunsTable))
	default:
		results = memorystorage.NewResultStore()
		a.logger.Info("using in-memory result store")
	}

	runner, err := validation.NewRunner(validation.Config{
		LockName: a.cfg.Scan.LockName,
		LockTTL:  a.cfg.Scan.LockTTL,
		Delay:    a.cfg.Scan.Delay,
	}, validation.Deps{
		KV:         a.kv,
		Validator:  v,
		Classifier: validator.NewClassifier(a.cfg.Validator.AcceptedCodes),
		Results:    results,
		Clock:      clock,
		Sleeper:    clock,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("runner init failed: %w", err)
	}
	return runner, results, nil
}

func (a *App) setupValidator() (scanner.Validator, error) {
	cfg := a.cfg.Validator
	plain := collyfetcher.New(collyfetcher.Config{UserAgent: cfg.UserAgent, Timeout: cfg.Timeout})

	if cfg.Mode == "remote" {
		a.logger.Info("using remote validator", zap.String("query_param", cfg.QueryParam))
		return remote.New(plain, remote.Config{Token: cfg.Token, QueryParam: cfg.QueryParam})
	}

	var fetcher scanner.Fetcher = plain
	if cfg.Headless.Enabled {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			ExecPath:          cfg.Headless.ExecPath,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.onClose(func(context.Context) error { headless.Close(); return nil })
		fetcher = headless
		if cfg.Headless.Promote {
			if fetcher, err = promote.New(plain, headless, detector.NewHeuristic(cfg.Headless.PromotionThresh), a.logger); err != nil {
				return nil, fmt.Errorf("promoting fetcher init failed: %w", err)
			}
		}
		a.logger.Info("using headless fetcher",
			zap.Int("max_parallel", cfg.Headless.MaxParallel),
			zap.Bool("promote", cfg.Headless.Promote),
		)
	}
	a.logger.Info("using markup validator", zap.String("runtime_host", cfg.RuntimeHost))
	v, err := markup.New(fetcher, cfg.RuntimeHost)
	if err != nil {
		return nil, err
	}
	return v.WithDimensions(a.resolver), nil
}

func (a *App) setupReports(ctx context.Context) (scanner.BlobStore, error) {
	cfg := a.cfg.Reports
	switch cfg.Backend {
	case "gcs":
		var opts []option.ClientOption
		if cfg.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS report storage", zap.String("bucket", cfg.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(nil, localstorage.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local report storage", zap.String("dir", cfg.Dir))
		return store, nil
	case "memory":
		a.logger.Info("using in-memory report storage")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("run reports disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scanner.Publisher, error) {
	cfg := a.cfg.PubSub
	switch cfg.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		p := gcppublisher.New(client)
		a.onClose(func(context.Context) error { p.Stop(); return nil })
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.Topic),
		)
		return p, nil
	case "memory":
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(memorypublisher.WithLogger(a.logger)), nil
	default:
		a.logger.Info("run notifications disabled")
		return nil, nil
	}
}

func (a *App) setupDimensions(cacheSvc cachepool.Service) (*dimension.Resolver, error) {
	cfg := a.cfg.Dimensions
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.ProbeRPS, DefaultBurst: cfg.ProbeBurst})
	opts := []dimension.Option{
		dimension.WithLogger(a.logger),
		dimension.WithProberFactory(dimension.HTTPProberFactory(dimension.HTTPConfig{
			Timeout:     cfg.ProbeTimeout,
			MaxBytes:    cfg.ProbeMaxBytes,
			Concurrency: cfg.ProbeConcurrency,
			UserAgent:   a.cfg.Validator.UserAgent,
		}, nil, limiter)),
	}
	if a.cfg.Site.MediaDir != "" {
		opts = append(opts, dimension.WithMediaFs(afero.NewBasePathFs(afero.NewOsFs(), a.cfg.Site.MediaDir)))
	}
	if cacheSvc != nil {
		opts = append(opts, dimension.WithCacheService(cacheSvc))
	}
	resolver, err := dimension.NewResolver(a.kv, dimension.Config{
		MediaBaseURL: a.cfg.Site.MediaBaseURL,
		RecordTTL:    cfg.RecordTTL,
		LockTTL:      cfg.LockTTL,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("dimension resolver init failed: %w", err)
	}
	return resolver, nil
}

func (a *App) setupSchedule(clock *system.Clock) error {
	cfg := a.cfg.Schedule
	registry, err := schedule.NewKVRegistry(a.kv)
	if err != nil {
		return fmt.Errorf("schedule registry init failed: %w", err)
	}
	a.registry = registry
	a.bus = schedule.NewEventBus()
	a.deactivator = schedule.NewDeactivator()
	if a.loop, err = schedule.NewLoop(registry, clock, cfg.Tick, a.logger); err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	siteScan, err := schedule.NewRecurringTask(EventSiteScan, cfg.ScanInterval, registry, clock, a.deactivator,
		func(ctx context.Context) error {
			_, err := a.scans.Run(ctx, a.scans.Defaults())
			return err
		})
	if err != nil {
		return err
	}

	policy := schedule.DropWhilePending
	if cfg.DebouncePolicy == "reset" {
		policy = schedule.ResetWhilePending
	}
	urlValidate, err := schedule.NewSingleScheduledTask(schedule.SingleConfig{
		Event:  EventURLValidate,
		Hook:   HookContentSaved,
		Delay:  cfg.ValidateDelay,
		Policy: policy,

		// Saves that land while a scan holds the lock are retried.
		RetryDelay: cfg.ValidateDelay,
		ShouldSchedule: func(args json.RawMessage) bool {
			_, err := DecodeTarget(args)
			return err == nil
		},
		Process: func(ctx context.Context, args json.RawMessage) error {
			target, err := DecodeTarget(args)
			if err != nil {
				return err
			}
			_, err = a.scans.RunTargets(ctx, []scanner.ScanTarget{target})
			return err
		},
	}, registry, a.bus, clock)
	if err != nil {
		return err
	}
	a.deactivator.OnDeactivate(urlValidate.Deactivate)

	cacheGC, err := schedule.NewCronIntervalTask(EventCacheGC, cfg.CacheGCInterval, registry, clock, a.pruneKV)
	if err != nil {
		return err
	}
	a.deactivator.OnDeactivate(cacheGC.Deactivate)

	a.tasks = []schedule.Task{siteScan, urlValidate, cacheGC}
	return nil
}

func (a *App) pruneKV(ctx context.Context) error {
	pruner, ok := a.kv.(scanner.Pruner)
	if !ok {
		return nil
	}
	n, err := pruner.Prune(ctx)
	if err != nil {
		return fmt.Errorf("prune kv: %w", err)
	}
	a.logger.Debug("kv pruned", zap.Int("removed", n))
	return nil
}

// DecodeTarget reads the {"url","type","label"} args of a content_saved
// event.
func DecodeTarget(args json.RawMessage) (scanner.ScanTarget, error) {
	var target scanner.ScanTarget
	if len(args) == 0 {
		return target, fmt.Errorf("%w: missing args", scanner.ErrInvalidTarget)
	}
	if err := json.Unmarshal(args, &target); err != nil {
		return target, fmt.Errorf("%w: %v", scanner.ErrInvalidTarget, err)
	}
	if target.URL == "" {
		return target, fmt.Errorf("%w: url is required", scanner.ErrInvalidTarget)
	}
	return target, nil
}
