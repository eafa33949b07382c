package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/treasury/internal/audit"
)

// staleOpenMonths is how far behind the current month an open period may lag
// before reconciliation reports it.
const staleOpenMonths = 2

// PeriodService owns the accounting period lifecycle.
type PeriodService struct {
	ledgerDeps
}

// NewPeriodService constructs a PeriodService.
func NewPeriodService(cfg ServiceConfig) *PeriodService {
	return &PeriodService{ledgerDeps: newLedgerDeps(cfg)}
}

// WithNow overrides the clock for deterministic tests.
func (s *PeriodService) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// GetOrCreatePeriod returns the period owning date, creating it when absent.
func (s *PeriodService) GetOrCreatePeriod(ctx context.Context, date time.Time, actor audit.Actor) (Period, error) {
	var (
		period  Period
		created bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		period, created, err = s.resolve(ctx, tx, date)
		return err
	})
	if err != nil {
		return Period{}, err
	}
	if created {
		s.recordOpened(ctx, period, actor)
	}
	return period, nil
}

// EnsureCurrentPeriod makes sure the running month has a period.
func (s *PeriodService) EnsureCurrentPeriod(ctx context.Context) (Period, error) {
	return s.GetOrCreatePeriod(ctx, s.today(), audit.SystemActor)
}

// StartLedger creates the first period of the ledger with an imported
// opening balance. No period may exist before it.
func (s *PeriodService) StartLedger(ctx context.Context, month time.Time, opening decimal.Decimal, actor audit.Actor) (Period, error) {
	month = FirstOfMonth(month)
	if err := ValidateMonth(month, s.today()); err != nil {
		return Period{}, err
	}
	if !AmountFits(opening) {
		return Period{}, invalid("opening_balance", "must have at most 2 decimal places and 12 integer digits")
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetFirstMonthPeriod(ctx); err == nil {
			return invalid("month", "ledger already has a first month")
		} else if !errors.Is(err, ErrPeriodNotFound) {
			return err
		}
		if _, err := tx.GetPreviousPeriod(ctx, month); err == nil {
			return invalid("month", "periods exist before the first month")
		} else if !errors.Is(err, ErrPeriodNotFound) {
			return err
		}
		p, created, err := tx.InsertPeriod(ctx, Period{
			Month:          month,
			Status:         PeriodStatusOpen,
			OpeningBalance: opening,
			IsFirstMonth:   true,
		})
		if err != nil {
			return err
		}
		if !created {
			return invalid("month", "period already exists")
		}
		period = p
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	s.recordOpened(ctx, period, actor)
	return period, nil
}

// resolve finds or creates the period for date inside tx. Racing creators
// converge on the same row.
func (s *PeriodService) resolve(ctx context.Context, tx TxRepository, date time.Time) (Period, bool, error) {
	month := FirstOfMonth(date)
	if err := ValidateMonth(month, s.today()); err != nil {
		return Period{}, false, err
	}
	existing, err := tx.GetPeriodByMonth(ctx, month)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrPeriodNotFound) {
		return Period{}, false, err
	}
	first, err := tx.GetFirstMonthPeriod(ctx)
	switch {
	case err == nil && month.Before(first.Month):
		return Period{}, false, fmt.Errorf("%w: first month is %s", ErrBeforeFirstMonth, first.Month.Format("2006-01"))
	case err != nil && !errors.Is(err, ErrPeriodNotFound):
		return Period{}, false, err
	}
	opening, err := inheritedOpening(ctx, tx, month)
	if err != nil {
		return Period{}, false, err
	}
	return tx.InsertPeriod(ctx, Period{Month: month, Status: PeriodStatusOpen, OpeningBalance: opening})
}

// inheritedOpening is the balance carried into month: the previous period's
// frozen closing balance, or its live balance while it is still open.
func inheritedOpening(ctx context.Context, tx TxRepository, month time.Time) (decimal.Decimal, error) {
	prev, err := tx.GetPreviousPeriod(ctx, month)
	if errors.Is(err, ErrPeriodNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !prev.IsOpen() && prev.ClosingBalance.Valid {
		return prev.ClosingBalance.Decimal, nil
	}
	txs, err := tx.ListTransactions(ctx, prev.ID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return prev.OpeningBalance.Add(Summarize(txs).Net), nil
}

func (s *PeriodService) recordOpened(ctx context.Context, p Period, actor audit.Actor) {
	e := audit.NewEntry(audit.ActionPeriodOpened, p, actor)
	e.NewValues = p.auditValues()
	e.Description = fmt.Sprintf("period %s opened with balance %s", p.Month.Format("2006-01"), p.OpeningBalance.StringFixed(2))
	s.record(ctx, e)
	s.count(audit.ActionPeriodOpened)
}

func (s *PeriodService) lockPeriod(ctx context.Context, id int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	unlock, ok, err := s.locker.TryLock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("treasury: acquire period lock: %w", err)
	}
	if !ok {
		return nil, ErrPeriodBusy
	}
	return unlock, nil
}

// ClosePeriod freezes the period balance and seeds the next month's opening
// balance. Closing an already closed period fails with ErrNotClosable.
func (s *PeriodService) ClosePeriod(ctx context.Context, id int64, actor audit.Actor, notes string) (Period, error) {
	unlock, err := s.lockPeriod(ctx, id)
	if err != nil {
		return Period{}, err
	}
	defer unlock()

	var (
		before, closed Period
		next           Period
		nextCreated    bool
		txs            []Transaction
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodForUpdate(ctx, id)
		if err != nil {
			return err
		}
		before = p
		txs, err = tx.ListTransactions(ctx, p.ID)
		if err != nil {
			return err
		}
		closing, err := p.Close(actor, notes, Summarize(txs).Net, s.now().UTC())
		if err != nil {
			return err
		}
		if err := tx.UpdatePeriod(ctx, p); err != nil {
			return err
		}
		closed = p
		next, nextCreated, err = s.seedNext(ctx, tx, p, closing)
		return err
	})
	if err != nil {
		return Period{}, err
	}

	e := audit.NewEntry(audit.ActionPeriodClosed, closed, actor)
	e.OldValues = before.auditValues()
	e.NewValues = closed.auditValues()
	e.Description = fmt.Sprintf("period %s closed with balance %s", closed.Month.Format("2006-01"), closed.ClosingBalance.Decimal.StringFixed(2))
	s.record(ctx, e)
	s.count(audit.ActionPeriodClosed)
	if nextCreated {
		s.recordOpened(ctx, next, actor)
	}
	if _, err := s.writeSnapshot(ctx, closed, txs, actor, "period closed"); err != nil {
		s.logger.Warn("close snapshot failed", slog.Int64("period_id", closed.ID), slog.Any("error", err))
	}
	if s.sealer != nil {
		if err := s.sealer.EnqueueSeal(context.WithoutCancel(ctx), closed.ID, actor); err != nil {
			s.logger.Warn("enqueue frozen report failed", slog.Int64("period_id", closed.ID), slog.Any("error", err))
		}
	}
	return closed, nil
}

// seedNext ensures the following month's period starts at closing. An existing
// open successor gets its opening balance realigned.
func (s *PeriodService) seedNext(ctx context.Context, tx TxRepository, p Period, closing decimal.Decimal) (Period, bool, error) {
	month := p.FirstDay().AddDate(0, 1, 0)
	next, err := tx.GetPeriodByMonth(ctx, month)
	if errors.Is(err, ErrPeriodNotFound) {
		return tx.InsertPeriod(ctx, Period{Month: month, Status: PeriodStatusOpen, OpeningBalance: closing})
	}
	if err != nil {
		return Period{}, false, err
	}
	if !next.IsOpen() {
		if !next.OpeningBalance.Equal(closing) {
			s.logger.Warn("closed successor has a different opening balance",
				slog.Int64("period_id", next.ID),
				slog.String("opening_balance", next.OpeningBalance.String()),
				slog.String("closing_balance", closing.String()))
		}
		return next, false, nil
	}
	locked, err := tx.GetPeriodForUpdate(ctx, next.ID)
	if err != nil {
		return Period{}, false, err
	}
	if locked.OpeningBalance.Equal(closing) {
		return locked, false, nil
	}
	locked.OpeningBalance = closing
	if err := tx.UpdatePeriod(ctx, locked); err != nil {
		return Period{}, false, err
	}
	return locked, false, nil
}

// ReopenWithSnapshot captures the period in a snapshot and only then reopens
// it. A snapshot failure aborts the reopen.
func (s *PeriodService) ReopenWithSnapshot(ctx context.Context, id int64, actor audit.Actor, in ReopenInput) (Period, audit.Snapshot, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return Period{}, audit.Snapshot{}, invalid("reason", "is required")
	}
	if s.snapshots == nil {
		return Period{}, audit.Snapshot{}, ErrSnapshotRequired
	}
	unlock, err := s.lockPeriod(ctx, id)
	if err != nil {
		return Period{}, audit.Snapshot{}, err
	}
	defer unlock()

	var (
		before, reopened Period
		snap             audit.Snapshot
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !p.CanBeReopened() {
			return fmt.Errorf("%w: status is %s", ErrNotReopenable, p.Status)
		}
		if p.IsArchived() && in.AuthorizedBy == nil {
			return ErrAuthorizationRequired
		}
		before = p
		txs, err := tx.ListTransactions(ctx, p.ID)
		if err != nil {
			return err
		}
		snap, err = s.writeSnapshot(ctx, p, txs, actor, reason)
		if err != nil {
			return err
		}
		if err := p.reopen(snap.ID, s.now().UTC()); err != nil {
			return err
		}
		if err := tx.UpdatePeriod(ctx, p); err != nil {
			return err
		}
		reopened = p
		return nil
	})
	if err != nil {
		return Period{}, audit.Snapshot{}, err
	}

	e := audit.NewEntry(audit.ActionPeriodReopened, reopened, actor)
	e.OldValues = before.auditValues()
	e.NewValues = reopened.auditValues()
	if in.AuthorizedBy != nil {
		e.NewValues["authorized_by"] = in.AuthorizedBy.Name
	}
	e.SnapshotID = &snap.ID
	e.Description = fmt.Sprintf("period %s reopened: %s", reopened.Month.Format("2006-01"), reason)
	s.record(ctx, e)
	s.count(audit.ActionPeriodReopened)
	return reopened, snap, nil
}

// writeSnapshot persists a snapshot of p and logs snapshot_created.
func (s *PeriodService) writeSnapshot(ctx context.Context, p Period, txs []Transaction, actor audit.Actor, reason string) (audit.Snapshot, error) {
	if s.snapshots == nil {
		return audit.Snapshot{}, ErrSnapshotRequired
	}
	snap := buildSnapshot(p, txs, actor, reason, s.now().UTC())
	snap.ID = uuid.New()
	if err := s.snapshots.CreateSnapshot(ctx, snap); err != nil {
		return audit.Snapshot{}, fmt.Errorf("treasury: create snapshot: %w", err)
	}
	e := audit.NewEntry(audit.ActionSnapshotCreated, p, actor)
	e.EntityType = audit.EntitySnapshot
	e.EntityID = snap.ID.String()
	e.SnapshotID = &snap.ID
	e.NewValues = audit.Values{
		"reason":             reason,
		"transactions_count": snap.TransactionsCount,
		"was_closed":         snap.WasClosed,
	}
	e.Description = fmt.Sprintf("snapshot of %s: %s", p.Month.Format("2006-01"), reason)
	s.record(ctx, e)
	return snap, nil
}

// ArchivePeriod moves a closed period to archived.
func (s *PeriodService) ArchivePeriod(ctx context.Context, id int64, actor audit.Actor) (Period, error) {
	unlock, err := s.lockPeriod(ctx, id)
	if err != nil {
		return Period{}, err
	}
	defer unlock()

	var before, archived Period
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodForUpdate(ctx, id)
		if err != nil {
			return err
		}
		before = p
		if err := p.Archive(s.now().UTC()); err != nil {
			return err
		}
		if err := tx.UpdatePeriod(ctx, p); err != nil {
			return err
		}
		archived = p
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	e := audit.NewEntry(audit.ActionPeriodArchived, archived, actor)
	e.OldValues = before.auditValues()
	e.NewValues = archived.auditValues()
	e.Description = fmt.Sprintf("period %s archived", archived.Month.Format("2006-01"))
	s.record(ctx, e)
	s.count(audit.ActionPeriodArchived)
	return archived, nil
}

// VerifyPeriodBalance recomputes a frozen balance from the stored
// transactions. Drift is reported in the result, never as an error.
func (s *PeriodService) VerifyPeriodBalance(ctx context.Context, id int64) (BalanceCheck, error) {
	var check BalanceCheck
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriod(ctx, id)
		if err != nil {
			return err
		}
		txs, err := tx.ListTransactions(ctx, p.ID)
		if err != nil {
			return err
		}
		check = verifyBalance(p, txs)
		return nil
	})
	return check, err
}

// VerifyAll checks every frozen period and lists open periods lagging behind
// the calendar.
func (s *PeriodService) VerifyAll(ctx context.Context) (Reconciliation, error) {
	var periods []Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		periods, err = tx.ListPeriods(ctx, PeriodFilter{})
		return err
	})
	if err != nil {
		return Reconciliation{}, err
	}
	now := s.now().UTC()
	out := Reconciliation{CheckedAt: now}
	cutoff := FirstOfMonth(now).AddDate(0, -staleOpenMonths, 0)
	var frozen []Period
	for _, p := range periods {
		if p.IsOpen() {
			if p.Month.Before(cutoff) {
				out.StaleOpen = append(out.StaleOpen, p)
			}
			continue
		}
		frozen = append(frozen, p)
	}

	checks := make([]BalanceCheck, len(frozen))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range frozen {
		g.Go(func() error {
			check, err := s.VerifyPeriodBalance(gctx, p.ID)
			if err != nil {
				return fmt.Errorf("treasury: verify period %d: %w", p.ID, err)
			}
			checks[i] = check
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Reconciliation{}, err
	}
	out.Checks = checks
	for _, c := range checks {
		switch {
		case c.IsConsistent:
		case c.AwaitingReclose:
			out.AwaitingReclose = append(out.AwaitingReclose, c)
		default:
			out.Inconsistent = append(out.Inconsistent, c)
		}
	}
	return out, nil
}

// FixClosingBalance replaces a drifted closing balance with the recomputed
// one. The returned check describes the drift that was corrected.
func (s *PeriodService) FixClosingBalance(ctx context.Context, id int64, actor audit.Actor, reason string) (Period, BalanceCheck, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Period{}, BalanceCheck{}, invalid("reason", "is required")
	}
	unlock, err := s.lockPeriod(ctx, id)
	if err != nil {
		return Period{}, BalanceCheck{}, err
	}
	defer unlock()

	var (
		before, fixed Period
		check         BalanceCheck
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.IsOpen() {
			return invalid("period", "must be closed or archived")
		}
		txs, err := tx.ListTransactions(ctx, p.ID)
		if err != nil {
			return err
		}
		check = verifyBalance(p, txs)
		before, fixed = p, p
		if check.IsConsistent {
			return nil
		}
		fixed.ClosingBalance = decimal.NewNullDecimal(check.CalculatedBalance)
		note := fmt.Sprintf("[corrected %s] closing balance %s -> %s: %s",
			s.now().UTC().Format(time.DateOnly), before.ClosingBalance.Decimal.StringFixed(2),
			check.CalculatedBalance.StringFixed(2), reason)
		if fixed.Notes != "" {
			note = note + "\n" + fixed.Notes
		}
		fixed.Notes = note
		return tx.UpdatePeriod(ctx, fixed)
	})
	if err != nil {
		return Period{}, BalanceCheck{}, err
	}
	if check.IsConsistent {
		return fixed, check, nil
	}
	e := audit.NewEntry(audit.ActionPeriodRecalculated, fixed, actor)
	e.OldValues = before.auditValues()
	e.NewValues = fixed.auditValues()
	e.NewValues["difference"] = check.Difference.String()
	e.Description = fmt.Sprintf("closing balance of %s recalculated: %s", fixed.Month.Format("2006-01"), reason)
	s.record(ctx, e)
	s.count(audit.ActionPeriodRecalculated)
	return fixed, check, nil
}

// GetPeriod returns a period by id.
func (s *PeriodService) GetPeriod(ctx context.Context, id int64) (Period, error) {
	var p Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		p, err = tx.GetPeriod(ctx, id)
		return err
	})
	return p, err
}

// Summary returns the period with totals over its effective transactions.
func (s *PeriodService) Summary(ctx context.Context, id int64) (PeriodSummary, error) {
	var out PeriodSummary
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriod(ctx, id)
		if err != nil {
			return err
		}
		out, err = summarizePeriod(ctx, tx, p)
		return err
	})
	return out, err
}

// ListPeriods returns period summaries, newest first. year 0 lists all years.
func (s *PeriodService) ListPeriods(ctx context.Context, year int) ([]PeriodSummary, error) {
	var out []PeriodSummary
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		periods, err := tx.ListPeriods(ctx, PeriodFilter{Year: year})
		if err != nil {
			return err
		}
		out = make([]PeriodSummary, 0, len(periods))
		for _, p := range periods {
			ps, err := summarizePeriod(ctx, tx, p)
			if err != nil {
				return err
			}
			out = append(out, ps)
		}
		return nil
	})
	return out, err
}

func summarizePeriod(ctx context.Context, tx TxRepository, p Period) (PeriodSummary, error) {
	txs, err := tx.ListTransactions(ctx, p.ID)
	if err != nil {
		return PeriodSummary{}, err
	}
	summary := Summarize(txs)
	out := PeriodSummary{Period: p, Summary: summary, CurrentBalance: p.Balance(summary.Net)}
	for _, t := range txs {
		if t.IsReversal() {
			out.Reversals++
		}
	}
	return out, nil
}

// CurrentBalance is the frozen balance of a closed period or the live balance
// of an open one.
func (s *PeriodService) CurrentBalance(ctx context.Context, id int64) (decimal.Decimal, error) {
	ps, err := s.Summary(ctx, id)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return ps.CurrentBalance, nil
}

// BalanceAt returns the balance at the end of date. Months without a period
// carry the inherited balance.
func (s *PeriodService) BalanceAt(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	date = DateOnly(date)
	var balance decimal.Decimal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodByMonth(ctx, FirstOfMonth(date))
		if errors.Is(err, ErrPeriodNotFound) {
			balance, err = inheritedOpening(ctx, tx, FirstOfMonth(date))
			return err
		}
		if err != nil {
			return err
		}
		txs, err := tx.ListTransactions(ctx, p.ID)
		if err != nil {
			return err
		}
		if !p.IsOpen() && p.ClosingBalance.Valid && !date.Before(p.LastDay()) {
			balance = p.ClosingBalance.Decimal
			return nil
		}
		effective, _ := EffectiveSet(txs)
		balance = p.OpeningBalance
		for _, t := range effective {
			if !t.Date.After(date) {
				balance = balance.Add(t.Amount)
			}
		}
		return nil
	})
	return balance, err
}

// CategorySummary groups a period's effective transactions by category.
func (s *PeriodService) CategorySummary(ctx context.Context, id int64) ([]CategoryTotal, error) {
	var out []CategoryTotal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		txs, err := tx.ListTransactions(ctx, id)
		if err != nil {
			return err
		}
		cats, err := tx.ListCategories(ctx)
		if err != nil {
			return err
		}
		out = CategoryTotals(txs, cats)
		return nil
	})
	return out, err
}

// Categories lists the transaction categories by name.
func (s *PeriodService) Categories(ctx context.Context) ([]Category, error) {
	var out []Category
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.ListCategories(ctx)
		return err
	})
	return out, err
}

// CanEditTransaction reports whether t may be edited in place.
func CanEditTransaction(p Period, t Transaction) bool {
	return p.IsOpen() && t.PeriodID == p.ID
}

// CanDeleteTransaction reports whether t may be deleted. linked is true when
// a reversal references t.
func CanDeleteTransaction(p Period, t Transaction, linked bool) bool {
	return CanEditTransaction(p, t) && !linked
}

// CanReverseTransaction reports whether a reversal of t would be accepted,
// ignoring the authorizer requirement of archived periods.
func CanReverseTransaction(p Period, t Transaction, hasReversal bool) bool {
	return !p.IsOpen() && t.PeriodID == p.ID && !t.IsReversal() && !hasReversal
}
