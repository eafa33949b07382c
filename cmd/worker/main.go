package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/odyssey-erp/treasury/internal/app"
	jobmetrics "github.com/odyssey-erp/treasury/internal/jobs"
	"github.com/odyssey-erp/treasury/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	ledger, err := app.OpenLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("open ledger", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Warn("close ledger", slog.Any("error", err))
		}
	}()

	treasuryJobs := &jobs.TreasuryJobs{
		Balances: ledger.Periods,
		Periods:  ledger.Periods,
		Sealer:   ledger.Reports,
		Reports:  ledger.Reports,
		Audit:    ledger.Recorder,
		Keys:     ledger.Keys,
		Logger:   logger,
		Metrics:  jobmetrics.NewMetrics(ledger.Metrics.Registerer()),
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   app.RedisOpt(cfg),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    treasuryJobs.Handlers(),
		Cron:        jobs.Cron(),
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.WorkerMetricsAddr,
			Handler:           ledger.Metrics.Handler(),
			ReadHeaderTimeout: cfg.AppReadTimeout,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() { _ = metricsSrv.Close() }()
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
