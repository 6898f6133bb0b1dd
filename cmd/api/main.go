package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"call-insights/internal/app"
	"call-insights/internal/auth"
	"call-insights/internal/config"
	"call-insights/internal/httpapi"
	"call-insights/pkg/logger"
	"call-insights/pkg/scheduler"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn(".env load failed", "err", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := app.Build(rootCtx, cfg, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	workersDone := make(chan error, 1)
	go func() { workersDone <- a.Jobs.Run(rootCtx) }()

	sched := scheduler.New(log)
	for _, j := range periodicJobs(a) {
		if err := sched.Add(j); err != nil {
			log.Error("scheduler setup failed", "job", j.Name, "err", err)
			os.Exit(1)
		}
	}
	if err := sched.Start(rootCtx); err != nil {
		log.Error("scheduler start failed", "err", err)
		os.Exit(1)
	}

	h := httpapi.Handlers{
		Auth:      a.Auth,
		Jobs:      a.Jobs,
		Store:     a.Store,
		Hub:       a.Hub,
		Reports:   a.Reports,
		Reaper:    a.Reaper,
		Retention: a.Retention,
		Chats:     a.Chats,
		Audit:     a.Audit,
		Log:       log,
	}
	r := newRouter(log, a, h, auth.RequireAccessToken(a.Auth))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	sched.Stop()

	select {
	case err := <-workersDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("pipeline workers stopped with error", "err", err)
		}
	case <-shutdownCtx.Done():
		log.Warn("pipeline workers did not stop in time")
	}
	log.Info("shutdown complete")
}

// periodicJobs are the background sweeps run by the API process.
func periodicJobs(a *app.App) []scheduler.Job {
	retentionEvery := time.Duration(0)
	if a.Retention.Enabled() {
		retentionEvery = 24 * time.Hour
	}
	return []scheduler.Job{
		{
			Name:      "resubmit-pending",
			Interval:  a.Config.Schedule.ReaperInterval,
			Immediate: true,
			Run: func(ctx context.Context) error {
				_, err := a.Jobs.ResubmitPending(ctx)
				return err
			},
		},
		{
			Name:      "reaper",
			Interval:  a.Config.Schedule.ReaperInterval,
			Immediate: true,
			Run: func(ctx context.Context) error {
				_, err := a.Reaper.Run(ctx)
				return err
			},
		},
		{
			Name:     "daily-report",
			Interval: a.Config.Schedule.ReportInterval,
			Run: func(ctx context.Context) error {
				_, err := a.Reports.Generate(ctx, nil)
				return err
			},
		},
		{
			Name:     "retention",
			Interval: retentionEvery,
			Run: func(ctx context.Context) error {
				_, err := a.Retention.Sweep(ctx, false)
				return err
			},
		},
	}
}
