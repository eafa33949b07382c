package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/frozen"
	jobmetrics "github.com/odyssey-erp/treasury/internal/jobs"
	"github.com/odyssey-erp/treasury/internal/treasury"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// BalanceVerifier runs a full reconciliation.
type BalanceVerifier interface {
	VerifyAll(ctx context.Context) (treasury.Reconciliation, error)
}

// PeriodEnsurer opens the running month.
type PeriodEnsurer interface {
	EnsureCurrentPeriod(ctx context.Context) (treasury.Period, error)
}

// PeriodSealer seals the reports of a closed period.
type PeriodSealer interface {
	SealPeriod(ctx context.Context, periodID int64, actor audit.Actor) ([]frozen.Report, error)
}

// ReportVerifier re-hashes every sealed report.
type ReportVerifier interface {
	VerifyAll(ctx context.Context) ([]frozen.Verification, error)
}

// AuditReplayer appends a spooled entry directly to the store.
type AuditReplayer interface {
	Replay(ctx context.Context, e audit.Entry) error
}

// KeyJanitor purges expired idempotency keys.
type KeyJanitor interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// idempotencyRetention bounds how long a client may replay a request key.
const idempotencyRetention = 7 * 24 * time.Hour

// TreasuryJobs bundles the ledger background handlers.
type TreasuryJobs struct {
	Balances BalanceVerifier
	Periods  PeriodEnsurer
	Sealer   PeriodSealer
	Reports  ReportVerifier
	Audit    AuditReplayer
	Keys     KeyJanitor
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// Handlers returns the task handlers for the worker.
func (j *TreasuryJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskReconcile, Handler: j.HandleReconcile},
		{Type: TaskEnsurePeriod, Handler: j.HandleEnsurePeriod},
		{Type: TaskFrozenSeal, Handler: j.HandleSeal},
		{Type: TaskFrozenSweep, Handler: j.HandleSweep},
		{Type: TaskAuditRetry, Handler: j.HandleAuditRetry},
	}
}

// Cron returns the default schedules. All times are UTC.
func Cron() []CronRegistration {
	return []CronRegistration{
		{Spec: "0 3 * * *", Task: NewPeriodicTask(TaskReconcile)},
		{Spec: "5 0 * * *", Task: NewPeriodicTask(TaskEnsurePeriod)},
		{Spec: "30 3 * * *", Task: NewPeriodicTask(TaskFrozenSweep)},
	}
}

// HandleReconcile verifies every closed period and reports drift.
func (j *TreasuryJobs) HandleReconcile(ctx context.Context, _ *asynq.Task) (err error) {
	tracker := j.metrics().Track(TaskReconcile)
	defer func() { err = tracker.End(err) }()
	if j.Balances == nil {
		return errors.New("reconcile: balance verifier not configured")
	}
	logger := j.logger(TaskReconcile)
	start := time.Now()

	rec, err := j.Balances.VerifyAll(ctx)
	if err != nil {
		logger.Error("reconciliation failed", slog.Any("error", err))
		return err
	}
	for _, c := range rec.Inconsistent {
		logger.Warn("closed period balance drift",
			slog.Int64("period_id", c.PeriodID),
			slog.String("month", c.Month.Format("2006-01")),
			slog.String("status", string(c.Status)),
			slog.String("fixed", c.FixedBalance.Decimal.String()),
			slog.String("calculated", c.CalculatedBalance.String()),
			slog.String("difference", c.Difference.String()))
		j.metrics().AddDrift(string(c.Status), 1)
	}
	for _, c := range rec.AwaitingReclose {
		logger.Info("period awaiting reclose",
			slog.Int64("period_id", c.PeriodID),
			slog.String("month", c.Month.Format("2006-01")),
			slog.String("pending", c.PendingCorrections.String()))
	}
	for _, p := range rec.StaleOpen {
		logger.Warn("period left open", slog.Int64("period_id", p.ID), slog.String("month", p.Month.Format("2006-01")))
	}
	logger.Info("reconciliation completed",
		slog.Int("checked", len(rec.Checks)),
		slog.Int("inconsistent", len(rec.Inconsistent)),
		slog.Int("awaiting_reclose", len(rec.AwaitingReclose)),
		slog.Int("stale_open", len(rec.StaleOpen)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// HandleEnsurePeriod opens the current month if it does not exist yet and
// purges expired idempotency keys.
func (j *TreasuryJobs) HandleEnsurePeriod(ctx context.Context, _ *asynq.Task) (err error) {
	tracker := j.metrics().Track(TaskEnsurePeriod)
	defer func() { err = tracker.End(err) }()
	if j.Periods == nil {
		return errors.New("ensure period: period service not configured")
	}
	if j.Keys != nil {
		if n, err := j.Keys.Cleanup(ctx, idempotencyRetention); err != nil {
			j.logger(TaskEnsurePeriod).Warn("idempotency cleanup failed", slog.Any("error", err))
		} else if n > 0 {
			j.logger(TaskEnsurePeriod).Info("idempotency keys purged", slog.Int64("count", n))
		}
	}
	p, err := j.Periods.EnsureCurrentPeriod(ctx)
	if err != nil {
		if errors.Is(err, treasury.ErrBeforeFirstMonth) {
			j.logger(TaskEnsurePeriod).Warn("current month precedes the ledger start", slog.Any("error", err))
			return nil
		}
		return err
	}
	j.logger(TaskEnsurePeriod).Info("current period ready", slog.Int64("period_id", p.ID), slog.String("month", p.Month.Format("2006-01")))
	return nil
}

// HandleSeal seals the analytical and extract reports of a closed period.
func (j *TreasuryJobs) HandleSeal(ctx context.Context, t *asynq.Task) (err error) {
	tracker := j.metrics().Track(TaskFrozenSeal)
	defer func() { err = tracker.End(err) }()
	var payload SealPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.PeriodID <= 0 {
		return asynq.SkipRetry
	}
	if j.Sealer == nil {
		return errors.New("seal: frozen service not configured")
	}
	logger := j.logger(TaskFrozenSeal).With(slog.Int64("period_id", payload.PeriodID))
	actor := payload.Actor
	if actor.IsZero() {
		actor = audit.SystemActor
	}
	reports, err := j.Sealer.SealPeriod(ctx, payload.PeriodID, actor)
	switch {
	case errors.Is(err, frozen.ErrPeriodOpen), errors.Is(err, treasury.ErrPeriodNotFound):
		logger.Warn("period no longer sealable", slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	case err != nil:
		logger.Error("seal failed", slog.Any("error", err))
		return err
	}
	for _, r := range reports {
		logger.Info("report sealed", slog.String("report_id", r.ID.String()), slog.String("type", string(r.Type)), slog.String("hash", r.PDFHash))
	}
	return nil
}

// HandleSweep re-hashes every sealed report and logs invalid ones.
func (j *TreasuryJobs) HandleSweep(ctx context.Context, _ *asynq.Task) (err error) {
	tracker := j.metrics().Track(TaskFrozenSweep)
	defer func() { err = tracker.End(err) }()
	if j.Reports == nil {
		return errors.New("sweep: frozen service not configured")
	}
	logger := j.logger(TaskFrozenSweep)
	results, err := j.Reports.VerifyAll(ctx)
	if err != nil {
		logger.Error("integrity sweep failed", slog.Any("error", err))
		return err
	}
	invalid := 0
	for _, v := range results {
		if v.Valid {
			continue
		}
		invalid++
		logger.Warn("frozen report invalid",
			slog.String("report_id", v.ReportID.String()),
			slog.Int64("period_id", v.PeriodID),
			slog.String("reason", v.Message))
	}
	j.metrics().AddInvalidReports(invalid)
	logger.Info("integrity sweep completed", slog.Int("reports", len(results)), slog.Int("invalid", invalid))
	return nil
}

// HandleAuditRetry re-appends an entry the store rejected earlier.
func (j *TreasuryJobs) HandleAuditRetry(ctx context.Context, t *asynq.Task) error {
	var payload AuditRetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if j.Audit == nil {
		return errors.New("audit retry: store not configured")
	}
	if err := j.Audit.Replay(ctx, payload.Entry); err != nil {
		if errors.Is(err, audit.ErrInvalidEntry) {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	}
	return nil
}

func (j *TreasuryJobs) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *TreasuryJobs) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
