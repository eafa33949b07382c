package treasury

import (
	"context"
	"log/slog"
	"time"

	"github.com/odyssey-erp/treasury/internal/audit"
)

// RepositoryPort exposes transactional access to the primary ledger store.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditRecorder appends audit entries. Errors are informational only.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// SnapshotWriter persists period snapshots in the audit store.
type SnapshotWriter interface {
	CreateSnapshot(ctx context.Context, snap audit.Snapshot) error
}

// PeriodLocker serialises lifecycle operations on one period across
// processes. ok is false when another holder owns the lock.
type PeriodLocker interface {
	TryLock(ctx context.Context, periodID int64) (unlock func(), ok bool, err error)
}

// ReportSealer schedules frozen report generation for a closed period.
type ReportSealer interface {
	EnqueueSeal(ctx context.Context, periodID int64, actor audit.Actor) error
}

// ReceiptStore keeps receipt attachments outside the ledger database.
type ReceiptStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// LedgerMetrics counts ledger mutations by audit action.
type LedgerMetrics interface {
	LedgerEvent(action audit.Action)
}

// ServiceConfig groups the collaborators shared by PeriodService and
// TransactionService. Only Repo is mandatory.
type ServiceConfig struct {
	Repo      RepositoryPort
	Audit     AuditRecorder
	Snapshots SnapshotWriter
	Locker    PeriodLocker
	Sealer    ReportSealer
	Receipts  ReceiptStore
	Metrics   LedgerMetrics
	Logger    *slog.Logger
}

type ledgerDeps struct {
	repo      RepositoryPort
	audit     AuditRecorder
	snapshots SnapshotWriter
	locker    PeriodLocker
	sealer    ReportSealer
	receipts  ReceiptStore
	metrics   LedgerMetrics
	logger    *slog.Logger
	now       func() time.Time
}

func newLedgerDeps(cfg ServiceConfig) ledgerDeps {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return ledgerDeps{
		repo:      cfg.Repo,
		audit:     cfg.Audit,
		snapshots: cfg.Snapshots,
		locker:    cfg.Locker,
		sealer:    cfg.Sealer,
		receipts:  cfg.Receipts,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// record appends an audit entry after the ledger transaction committed.
func (d *ledgerDeps) record(ctx context.Context, e audit.Entry) {
	if d.audit == nil {
		return
	}
	_ = d.audit.Record(ctx, e)
}

func (d *ledgerDeps) count(action audit.Action) {
	if d.metrics != nil {
		d.metrics.LedgerEvent(action)
	}
}

func (d *ledgerDeps) today() time.Time {
	return DateOnly(d.now().UTC())
}
