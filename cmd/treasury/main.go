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

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/odyssey-erp/treasury/internal/app"
	audithttp "github.com/odyssey-erp/treasury/internal/audit/http"
	treasuryhttp "github.com/odyssey-erp/treasury/internal/treasury/http"
	"github.com/odyssey-erp/treasury/jobs"
	"github.com/odyssey-erp/treasury/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	if _, err := ledger.Periods.EnsureCurrentPeriod(ctx); err != nil {
		logger.Warn("ensure current period", slog.Any("error", err))
	}

	inspector := asynq.NewInspector(app.RedisOpt(cfg))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger: logger,
		Config: cfg,
		TreasuryHandler: treasuryhttp.NewHandler(treasuryhttp.Config{
			Logger:       logger,
			Periods:      ledger.Periods,
			Transactions: ledger.Transactions,
			Snapshots:    ledger.Audit,
			Reports:      ledger.Reports,
			Keys:         ledger.Keys,
			Locale:       cfg.ReportLanguage(),
		}),
		AuditHandler:  audithttp.NewHandler(logger, ledger.Audit),
		ReportHandler: report.NewHandler(ledger.PDF),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       ledger.Metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
