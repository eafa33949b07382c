package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/frozen"
	"github.com/odyssey-erp/treasury/internal/observability"
	"github.com/odyssey-erp/treasury/internal/platform/blob"
	"github.com/odyssey-erp/treasury/internal/platform/cache"
	"github.com/odyssey-erp/treasury/internal/platform/db"
	"github.com/odyssey-erp/treasury/internal/shared"
	"github.com/odyssey-erp/treasury/internal/treasury"
	"github.com/odyssey-erp/treasury/jobs"
	"github.com/odyssey-erp/treasury/report"
)

// Ledger holds the services and connections shared by the treasury binaries.
type Ledger struct {
	Pool         *pgxpool.Pool
	AuditStore   *audit.Store
	Redis        *redis.Client
	Jobs         *jobs.Client
	Recorder     *audit.Recorder
	Audit        *audit.Service
	Periods      *treasury.PeriodService
	Transactions *treasury.TransactionService
	Reports      *frozen.Service
	PDF          *report.Client
	Keys         *shared.IdempotencyStore
	Metrics      *observability.Metrics

	closers []func() error
}

// RedisOpt returns the asynq connection options for cfg.
func RedisOpt(cfg *Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
}

// OpenLedger connects to every store and wires the ledger services. Migrations
// of both databases are applied first.
func OpenLedger(ctx context.Context, cfg *Config, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{Metrics: observability.NewMetrics()}

	if err := db.RunMigrations(cfg.PGDSN); err != nil {
		return nil, err
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return nil, err
	}
	l.Pool = pool
	l.closers = append(l.closers, func() error { pool.Close(); return nil })

	store, err := audit.Open(ctx, cfg.AuditDBPath)
	if err != nil {
		l.Close()
		return nil, err
	}
	l.AuditStore = store
	l.closers = append(l.closers, store.Close)

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		l.Close()
		return nil, err
	}
	l.Redis = redisClient
	l.closers = append(l.closers, redisClient.Close)

	l.Jobs = jobs.NewClient(RedisOpt(cfg))
	l.closers = append(l.closers, l.Jobs.Close)

	l.Recorder = audit.NewRecorder(audit.RecorderConfig{
		Store:   store,
		Spooler: l.Jobs,
		Logger:  logger,
		Metrics: l.Metrics,
	})
	l.Audit = audit.NewService(store)

	blobs := blob.NewFS(cfg.BlobDir)
	ledgerCfg := treasury.ServiceConfig{
		Repo:      treasury.NewRepository(pool),
		Audit:     l.Recorder,
		Snapshots: store,
		Locker:    cache.NewLocker(redisClient, cfg.PeriodLockTTL, shared.PeriodLockKey),
		Sealer:    l.Jobs,
		Receipts:  blobs,
		Metrics:   l.Metrics,
		Logger:    logger,
	}
	l.Periods = treasury.NewPeriodService(ledgerCfg)
	l.Transactions = treasury.NewTransactionService(ledgerCfg, l.Periods)

	l.PDF = report.NewClient(cfg.GotenbergURL)
	renderer, err := report.NewRenderer(l.PDF)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("init report renderer: %w", err)
	}
	l.Reports = frozen.NewService(frozen.Config{
		Repo:         frozen.NewRepository(pool),
		Blobs:        blobs,
		Periods:      l.Periods,
		Transactions: l.Transactions,
		Renderer:     renderer,
		Feed:         store,
		Audit:        l.Recorder,
		Locker:       cache.NewLocker(redisClient, cfg.PeriodLockTTL, shared.ReportLockKey),
		Metrics:      l.Metrics,
		Locale:       cfg.ReportLanguage(),
		Logger:       logger,
	})
	l.Keys = shared.NewIdempotencyStore(pool)
	return l, nil
}

// Close releases connections in reverse order of opening.
func (l *Ledger) Close() error {
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	return errors.Join(errs...)
}
