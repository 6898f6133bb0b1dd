package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"call-insights/internal/audit"
	"call-insights/internal/auth"
	"call-insights/internal/broadcast"
	"call-insights/internal/calls"
	"call-insights/internal/config"
	"call-insights/internal/engine"
	"call-insights/internal/notify"
	"call-insights/internal/pipeline"
	"call-insights/internal/reaper"
	"call-insights/internal/reporting"
	"call-insights/internal/storage"
	"call-insights/pkg/utils"
)

// Store is everything the services need from the storage driver.
type Store interface {
	calls.Store
	reporting.Repository
}

// App holds the wired services shared by cmd/api and cmd/callctl.
// Close must be called to release pools.
type App struct {
	Config config.Config
	Log    *slog.Logger

	Store     Store
	Chats     notify.Directory
	Audit     *audit.Service
	Auth      *auth.Manager
	Hub       *broadcast.Hub
	Jobs      *pipeline.Orchestrator
	Telegram  *notify.Telegram
	Reports   *reporting.Service
	Reaper    *reaper.Reaper
	Retention *reaper.Retention

	db  *sql.DB
	rdb *redis.Client
}

// Build opens the configured backends and wires every service. Nothing is
// started; the caller decides whether to run workers or the scheduler.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth init: %w", err)
	}
	a.Auth = authManager

	var auditRepo audit.Repository
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPool{MaxOpenConns: cfg.Pipeline.Workers * 4})
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		a.db = db
		pg := storage.NewPostgresStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		a.Store, a.Chats, auditRepo = pg, pg, pg
	default:
		log.Warn("using in-memory storage; data is lost on restart")
		a.Store = storage.NewMemoryStore()
		a.Chats = notify.NewMemoryDirectory()
		auditRepo = audit.NewMemoryRepo()
	}
	a.Audit = audit.NewService(auditRepo)

	var locker pipeline.Locker
	if cfg.RedisEnabled() {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis init: %w", err)
		}
		a.rdb = rdb
		locker = pipeline.NewRedisLocker(rdb)
	} else {
		log.Info("redis not configured; single-flight lock is process local")
		locker = pipeline.NewMemoryLocker()
	}

	a.Telegram = notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.AdminChatID, a.Chats, log)

	// The hub reads snapshots through the orchestrator, which publishes into
	// the hub, so the hub resolves it lazily.
	a.Hub = broadcast.NewHub(broadcast.SnapshotFunc(func(ctx context.Context, callID string) (broadcast.Snapshot, error) {
		return a.Jobs.Snapshot(ctx, callID)
	}), 0, log)

	a.Jobs = pipeline.New(pipeline.Config{
		Workers:       cfg.Pipeline.Workers,
		QueueSize:     cfg.Pipeline.QueueSize,
		MaxAttempts:   cfg.Pipeline.MaxAttempts,
		RetryBackoff:  cfg.Pipeline.RetryBackoff,
		EngineTimeout: cfg.Pipeline.EngineTimeout,
		LockTTL:       cfg.Pipeline.LockTTL,
	}, pipeline.Deps{
		Store:       a.Store,
		Transcriber: engine.NewHTTPTranscriber(cfg.Engines.TranscriberURL, cfg.Engines.TranscriberAPIKey, cfg.Engines.TranscriberModel),
		Analyzer:    engine.NewRuleAnalyzer(cfg.Engines.AnalyzerLanguages...),
		Publisher:   a.Hub,
		Locker:      locker,
		Notifier:    a.Telegram,
		Audit:       a.Audit,
		Logger:      log,
	})

	a.Reports = reporting.NewService(a.Store, log).
		WithLocation(cfg.Schedule.Location()).
		WithPublisher(a.Telegram)
	a.Reaper = reaper.New(a.Store, a.Jobs, cfg.Schedule.ReaperStuckTimeout, log).WithAudit(a.Audit)
	a.Retention = reaper.NewRetention(a.Store, a.Jobs, cfg.Schedule.RetentionDays, log).WithAudit(a.Audit)

	return a, nil
}

// Health checks the external backends that are in use.
func (a *App) Health(ctx context.Context) error {
	var errs []error
	if a.db != nil {
		if err := utils.HealthCheck(ctx, a.db, 2*time.Second); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if a.rdb != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := a.rdb.Ping(pingCtx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Close() {
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.Log.Warn("redis close failed", "err", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Log.Warn("postgres close failed", "err", err)
		}
	}
}
