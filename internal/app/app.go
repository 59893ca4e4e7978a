// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — Redis, the relational store, the optional ClickHouse mirror
//  2. initServices  — outbound transport, key auth, routing, metrics, WebDAV
//  3. initDetection — queue, semaphores, worker pool, progress bus
//  4. initSched     — cron runner for scheduled detection and log retention
//  5. initGateway   — proxy + control-plane HTTP routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/channel-gateway/internal/config"
	"github.com/nulpointcorp/channel-gateway/internal/detect"
	"github.com/nulpointcorp/channel-gateway/internal/gateway"
	"github.com/nulpointcorp/channel-gateway/internal/keyauth"
	"github.com/nulpointcorp/channel-gateway/internal/metrics"
	"github.com/nulpointcorp/channel-gateway/internal/probelog"
	"github.com/nulpointcorp/channel-gateway/internal/progress"
	"github.com/nulpointcorp/channel-gateway/internal/routing"
	"github.com/nulpointcorp/channel-gateway/internal/sched"
	"github.com/nulpointcorp/channel-gateway/internal/store"
	"github.com/nulpointcorp/channel-gateway/internal/transport"
	"github.com/nulpointcorp/channel-gateway/internal/webdav"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	log     *slog.Logger

	rdb    *redis.Client
	db     *store.Store
	chlog  *probelog.Mirror // nil unless ClickHouse is configured
	client *transport.Client

	auth   *keyauth.Service
	router *routing.Router
	prom   *metrics.Registry
	davens *webdav.Mirror // nil unless WebDAV is configured

	queue   *detect.Queue
	sems    *detect.Semaphores
	stop    *detect.StopFlag
	pool    *detect.Pool
	bus     *progress.Bus
	detect  *detect.Service
	cron    *sched.Scheduler
	gw      *gateway.Server
	cronRun bool
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	a := &App{cfg: cfg, log: log, version: version}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"detection", a.initDetection},
		{"sched", a.initSched},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	return a, nil
}

// Run starts the worker pool and the HTTP server, blocking until ctx is
// cancelled or either fails.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("redis", redactURL(a.cfg.RedisURL)),
		slog.Bool("clickhouse", a.chlog != nil),
		slog.Bool("webdav", a.davens != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.pool.Run(gctx)
	})

	g.Go(func() error {
		return a.gw.Listen(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.cron != nil && a.cronRun {
		a.cron.Stop()
		a.cronRun = false
	}
	if a.chlog != nil {
		if err := a.chlog.Close(); err != nil {
			a.log.Error("probe log mirror close error", slog.String("error", err.Error()))
		}
		a.chlog = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.db = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Init stages ──────────────────────────────────────────────────────────────

func (a *App) initInfra(ctx context.Context) error {
	rdb, err := connectRedis(ctx, a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis %s: %w", redactURL(a.cfg.RedisURL), err)
	}
	a.rdb = rdb

	db, err := store.Open(a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.db = db

	if a.cfg.ClickHouseURL != "" {
		m, err := probelog.New(ctx, a.cfg.ClickHouseURL, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse %s: %w", redactURL(a.cfg.ClickHouseURL), err)
		}
		a.chlog = m
	}
	return nil
}

func (a *App) initServices(context.Context) error {
	a.client = transport.New(a.cfg.GlobalProxy)
	a.auth = keyauth.New(a.db, a.cfg.ProxyAPIKey, a.cfg.AdminPassword, a.cfg.JWTSecret, a.log)
	a.router = routing.New(a.db)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.davens = webdav.New(a.db, a.client, webdav.Config{
		URL:      a.cfg.WebDAV.URL,
		Username: a.cfg.WebDAV.Username,
		Password: a.cfg.WebDAV.Password,
	}, a.log)
	return nil
}

func (a *App) initDetection(ctx context.Context) error {
	// Concurrency and pacing live in the persisted scheduler config, seeded
	// from the environment on first run.
	schedCfg, err := a.db.GetSchedulerConfig(ctx, a.schedulerDefaults())
	if err != nil {
		return err
	}

	a.queue = detect.NewQueue(a.rdb)
	a.sems = detect.NewSemaphores(a.rdb, schedCfg.MaxGlobalConcurrency, schedCfg.ChannelConcurrency)
	a.stop = detect.NewStopFlag(a.rdb)
	a.bus = progress.NewBus(a.rdb, a.log)

	detector := detect.NewDetector(a.client, a.cfg.Detection.Prompt)
	a.pool = detect.NewPool(a.queue, a.sems, a.stop, detector, a.db, a.bus, a.log, detect.PoolConfig{
		Workers:    a.cfg.Detection.Workers,
		MinDelayMs: schedCfg.MinDelayMs,
		MaxDelayMs: schedCfg.MaxDelayMs,
	})
	a.pool.SetMetrics(a.prom)
	if a.chlog != nil {
		a.pool.SetMirror(a.chlog)
	}

	a.detect = detect.NewService(a.db, a.queue, a.sems, a.stop, a.pool, a.client, a.log)
	return nil
}

func (a *App) initSched(ctx context.Context) error {
	a.cron = sched.New(a.db, a.detect, a.log, a.schedulerDefaults(), a.cfg.LogRetentionDays)
	if err := a.cron.Start(ctx); err != nil {
		return err
	}
	a.cronRun = true
	return nil
}

func (a *App) initGateway(context.Context) error {
	var mirror gateway.ChannelMirror
	if a.davens != nil {
		mirror = a.davens
	}
	a.gw = gateway.New(gateway.Options{
		DB:          a.db,
		Auth:        a.auth,
		Router:      a.router,
		Detect:      a.detect,
		Sched:       a.cron,
		Bus:         a.bus,
		Client:      a.client,
		Metrics:     a.prom,
		Mirror:      mirror,
		Log:         a.log,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	})
	return nil
}

func (a *App) schedulerDefaults() store.SchedulerDefaults {
	return store.SchedulerDefaults{
		Enabled:              a.cfg.Cron.Enabled,
		CronExpr:             a.cfg.Cron.Schedule,
		Timezone:             a.cfg.Cron.Timezone,
		ChannelConcurrency:   a.cfg.Detection.ChannelConcurrency,
		MaxGlobalConcurrency: a.cfg.Detection.MaxGlobalConcurrency,
		MinDelayMs:           a.cfg.Detection.MinDelayMs,
		MaxDelayMs:           a.cfg.Detection.MaxDelayMs,
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}

// redactURL strips credentials from a URL before it reaches the logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
