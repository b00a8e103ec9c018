// Package app wires the period engine's services from configuration. Every
// binary builds one App and takes what it needs from it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/adperf-engine/internal/accounts"
	"github.com/ignite/adperf-engine/internal/api"
	"github.com/ignite/adperf-engine/internal/collector"
	"github.com/ignite/adperf-engine/internal/config"
	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/jobs"
	"github.com/ignite/adperf-engine/internal/lifecycle"
	"github.com/ignite/adperf-engine/internal/period"
	"github.com/ignite/adperf-engine/internal/pkg/distlock"
	"github.com/ignite/adperf-engine/internal/scheduler"
	"github.com/ignite/adperf-engine/internal/smartcache"
	"github.com/ignite/adperf-engine/internal/source"
	"github.com/ignite/adperf-engine/internal/store"
	"github.com/ignite/adperf-engine/internal/transition"
)

// App holds the constructed services. Fields left nil are not configured.
type App struct {
	Config   *config.Config
	Calendar period.Calendar

	Store   store.PeriodStore
	DB      *sql.DB
	Dialect store.Dialect
	Redis   *redis.Client
	Archive *lifecycle.S3Sink

	Accounts    accounts.Provider
	AccountRepo *accounts.SQLRepo
	Sources     *source.Registry

	Cache      *smartcache.Cache
	Jobs       *jobs.Tracker
	Collector  *collector.Collector
	Transition *transition.Handler
	Lifecycle  *lifecycle.Manager

	closers []func() error
}

// Option adjusts an App before its services are built.
type Option func(*options)

type options struct {
	sources []source.MetricsSource
	now     func() time.Time
}

// WithSources replaces the HTTP reporting clients, mainly for tests.
func WithSources(srcs ...source.MetricsSource) Option {
	return func(o *options) { o.sources = srcs }
}

// WithClock injects the clock shared by every service.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds every service described by cfg. Close releases the
// connections it opened.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Calendar: period.NewCalendar(loc)}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.openRedis(ctx)
	if err := a.openArchive(ctx); err != nil {
		a.Close()
		return nil, err
	}

	static := accounts.FromConfig(cfg)
	if a.AccountRepo != nil {
		a.Accounts = accounts.Merge(static, a.AccountRepo)
	} else {
		a.Accounts = static
	}

	if len(o.sources) > 0 {
		a.Sources = source.NewRegistry(o.sources...)
	} else {
		a.Sources = defaultSources(cfg)
	}

	cacheOpts := smartcache.Options{
		Policy:   smartcache.PolicyFromConfig(cfg.Cache),
		Calendar: a.Calendar,
		Now:      o.now,
	}
	if g, err := domain.ParseGranularity(cfg.Cache.Granularity); err == nil {
		cacheOpts.Granularity = g
	}
	if cfg.Cache.HotTier && a.Redis != nil {
		cacheOpts.HotTier = smartcache.NewRedisHotTier(a.Redis)
	}
	a.Cache = smartcache.New(a.Store, a.Sources, a.Accounts, cacheOpts)

	a.Jobs = jobs.NewTracker(cfg.Collector.JobHistory)
	collOpts := collector.OptionsFromConfig(cfg.Collector)
	collOpts.Calendar = a.Calendar
	collOpts.Tracker = a.Jobs
	collOpts.Now = o.now
	a.Collector = collector.New(a.Store, a.Sources, a.Accounts, collOpts)

	a.Transition = transition.New(a.Store, a.Cache, transition.Options{
		Granularities: granularities(cfg.Transition.Granularities),
		Calendar:      a.Calendar,
		Now:           o.now,
	})

	lcOpts := lifecycle.OptionsFromConfig(cfg.Lifecycle)
	lcOpts.Calendar = a.Calendar
	lcOpts.Now = o.now
	if a.Archive != nil {
		lcOpts.Sink = a.Archive
	}
	a.Lifecycle = lifecycle.New(a.Store, lcOpts)

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	db := a.Config.Database
	if db.Driver == "memory" {
		a.Store = store.NewMemoryStore()
		log.Println("[App] Using in-memory period store (data is lost on exit)")
		return nil
	}

	st, err := store.Open(ctx, db.Driver, db.DSN, store.PoolConfig{
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime(),
	})
	if err != nil {
		return fmt.Errorf("open period store: %w", err)
	}
	a.Store = st
	a.DB = st.DB()
	a.Dialect = st.Dialect()
	a.closers = append(a.closers, a.DB.Close)
	a.AccountRepo = accounts.NewSQLRepo(a.DB, a.Dialect)

	if db.AutoMigrate {
		if err := a.Migrate(ctx); err != nil {
			return err
		}
	}
	log.Printf("[App] Period store connected (%s)", a.Dialect.Name)
	return nil
}

// Migrate creates the period and account tables if they are missing.
func (a *App) Migrate(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	if err := store.EnsureSchema(ctx, a.DB, a.Dialect); err != nil {
		return fmt.Errorf("ensure period schema: %w", err)
	}
	if err := a.AccountRepo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure account schema: %w", err)
	}
	return nil
}

func (a *App) openRedis(ctx context.Context) {
	rc := a.Config.Redis
	if !rc.Enabled {
		log.Println("[App] Redis not configured: hot tier off, locks fall back to the database")
		return
	}
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("[App] Warning: Redis connection failed (%s): %v", rc.Addr, err)
		client.Close()
		return
	}
	a.Redis = client
	a.closers = append(a.closers, client.Close)
	log.Printf("[App] Redis connected: %s", rc.Addr)
}

func (a *App) openArchive(ctx context.Context) error {
	lc := a.Config.Lifecycle
	if lc.ArchiveBucket == "" {
		return nil
	}
	sink, err := lifecycle.NewS3Sink(ctx, lc.ArchiveBucket, lc.AWSRegion, lc.ArchivePrefix)
	if err != nil {
		return fmt.Errorf("archive sink: %w", err)
	}
	a.Archive = sink
	log.Printf("[App] Archiving folded summaries to s3://%s/%s", lc.ArchiveBucket, lc.ArchivePrefix)
	return nil
}

func defaultSources(cfg *config.Config) *source.Registry {
	var srcs []source.MetricsSource
	if !cfg.Meta.Disabled {
		srcs = append(srcs, source.NewMetaSource(cfg.Meta, nil))
	}
	if !cfg.Google.Disabled {
		srcs = append(srcs, source.NewGoogleSource(cfg.Google, nil))
	}
	return source.NewRegistry(srcs...)
}

func granularities(names []string) []domain.Granularity {
	var out []domain.Granularity
	for _, n := range names {
		g, err := domain.ParseGranularity(n)
		if err != nil {
			log.Printf("[App] Ignoring unknown granularity %q", n)
			continue
		}
		out = append(out, g)
	}
	return out
}

// LockFactory returns distributed locks backed by Redis, by Postgres
// advisory locks, or by nothing on a single SQLite replica.
func (a *App) LockFactory() scheduler.LockFactory {
	var db *sql.DB
	if a.Dialect == store.Postgres {
		db = a.DB
	}
	return func(name string, ttl time.Duration) distlock.DistLock {
		return distlock.NewLock(a.Redis, db, "adperf:"+name, ttl)
	}
}

// ScheduledJobs returns the worker's timers. Jobs whose interval is zero
// are disabled by the scheduler.
func (a *App) ScheduledJobs() []scheduler.Job {
	sc := a.Config.Schedule
	return []scheduler.Job{
		{
			Name:     "refresh",
			Interval: config.Every(sc.RefreshMinutes),
			Timeout:  10 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.Cache.ProactiveRefresh(ctx)
				return err
			},
		},
		{
			Name:       "transition",
			Interval:   config.Every(sc.TransitionMinutes),
			Timeout:    5 * time.Minute,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := a.Transition.Run(ctx)
				return err
			},
		},
		{
			Name:     "archive",
			Interval: config.Every(sc.ArchiveMinutes),
			Timeout:  30 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.Lifecycle.ArchiveCompleted(ctx)
				return err
			},
		},
		{
			Name:     "cleanup",
			Interval: config.Every(sc.CleanupMinutes),
			Timeout:  30 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.Lifecycle.Cleanup(ctx)
				return err
			},
		},
		{
			Name:     collector.JobKind,
			Interval: time.Duration(sc.BackfillHours) * time.Hour,
			Timeout:  2 * time.Hour,
			Run: func(ctx context.Context) error {
				res, err := a.Collector.CollectHistory(ctx, collector.Request{})
				if errors.Is(err, collector.ErrNoAccounts) {
					return nil
				}
				if err == nil && res.Failed > 0 {
					return fmt.Errorf("backfill: %d of %d units failed", res.Failed, res.Succeeded+res.Failed+res.Skipped)
				}
				return err
			},
		},
	}
}

// Handler builds the routed HTTP surface.
func (a *App) Handler() http.Handler {
	var (
		s3Client *s3.Client
		s3Bucket string
	)
	if a.Archive != nil {
		s3Client = a.Archive.Client()
		s3Bucket = a.Archive.Bucket()
	}
	hc := api.NewHealthChecker(api.HealthDeps{
		DB:     a.DB,
		Redis:  a.Redis,
		S3:     s3Client,
		Bucket: s3Bucket,
		Store:  a.Store,
		Fresh:  a.Config.Cache.FreshThreshold(),
	})
	h := api.NewHandlers(a.Cache, a.Collector, a.Transition, a.Lifecycle)
	return api.SetupRoutes(h, hc, api.RouteConfig{
		TriggerSecret: a.Config.Server.TriggerSecret,
		CORSOrigins:   a.Config.Server.CORSOrigins,
	})
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
