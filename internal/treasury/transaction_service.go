package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/treasury/internal/audit"
)

// TransactionService records, edits and reverses ledger movements.
type TransactionService struct {
	ledgerDeps
	periods *PeriodService
}

// NewTransactionService constructs a TransactionService resolving periods
// through periods.
func NewTransactionService(cfg ServiceConfig, periods *PeriodService) *TransactionService {
	return &TransactionService{ledgerDeps: newLedgerDeps(cfg), periods: periods}
}

// WithNow overrides the clock for deterministic tests.
func (s *TransactionService) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
		s.periods.WithNow(now)
	}
}

// Permissions describes which mutations a transaction currently accepts.
type Permissions struct {
	CanEdit     bool
	CanDelete   bool
	CanReverse  bool
	HasReversal bool
}

// Get returns a transaction by id.
func (s *TransactionService) Get(ctx context.Context, id int64) (Transaction, error) {
	var t Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		t, err = tx.GetTransaction(ctx, id)
		return err
	})
	return t, err
}

// ListByPeriod returns a period's transactions ordered by date.
func (s *TransactionService) ListByPeriod(ctx context.Context, periodID int64) ([]Transaction, error) {
	var txs []Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetPeriod(ctx, periodID); err != nil {
			return err
		}
		var err error
		txs, err = tx.ListTransactions(ctx, periodID)
		return err
	})
	SortTransactions(txs)
	return txs, err
}

// Permissions evaluates the edit, delete and reverse predicates for id.
func (s *TransactionService) Permissions(ctx context.Context, id int64) (Permissions, error) {
	var perms Permissions
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		p, err := tx.GetPeriod(ctx, t.PeriodID)
		if err != nil {
			return err
		}
		linked, err := tx.IsReversalLinked(ctx, t.ID)
		if err != nil {
			return err
		}
		if _, err := tx.GetReversalByOriginal(ctx, t.ID); err == nil {
			perms.HasReversal = true
		} else if !errors.Is(err, ErrReversalNotFound) {
			return err
		}
		perms.CanEdit = CanEditTransaction(p, t)
		perms.CanDelete = CanDeleteTransaction(p, t, linked)
		perms.CanReverse = CanReverseTransaction(p, t, perms.HasReversal)
		return nil
	})
	return perms, err
}

// Create records a new original transaction in the period owning its date.
func (s *TransactionService) Create(ctx context.Context, in TransactionInput, actor audit.Actor) (Transaction, error) {
	if err := in.Validate(s.today()); err != nil {
		return Transaction{}, err
	}
	receiptKey, err := s.storeReceipt(ctx, in.Date, in.Receipt)
	if err != nil {
		return Transaction{}, err
	}

	var (
		created Transaction
		opened  *Period
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		resolved, isNew, err := s.periods.resolve(ctx, tx, in.Date)
		if err != nil {
			return err
		}
		if isNew {
			opened = &resolved
		}
		p, err := tx.GetPeriodForShare(ctx, resolved.ID)
		if err != nil {
			return err
		}
		if !p.IsOpen() {
			return fmt.Errorf("%w: %s is %s", ErrPeriodClosed, p.Month.Format("2006-01"), p.Status)
		}
		if in.CategoryID != nil {
			if _, err := tx.GetCategory(ctx, *in.CategoryID); err != nil {
				return err
			}
		}
		created, err = tx.InsertTransaction(ctx, Transaction{
			PeriodID:    p.ID,
			Amount:      SignedAmount(in.Amount, in.IsPositive),
			Date:        DateOnly(in.Date),
			Description: strings.TrimSpace(in.Description),
			CategoryID:  in.CategoryID,
			Type:        TransactionOriginal,
			ReceiptKey:  receiptKey,
			CreatedBy:   actor,
		})
		return err
	})
	if err != nil {
		s.discardReceipt(ctx, receiptKey)
		return Transaction{}, err
	}

	if opened != nil {
		s.periods.recordOpened(ctx, *opened, actor)
	}
	e := audit.NewEntry(audit.ActionTransactionCreated, created, actor)
	e.NewValues = created.auditValues()
	e.Description = fmt.Sprintf("transaction created: %s %s", created.Amount.StringFixed(2), created.Description)
	s.record(ctx, e)
	s.count(audit.ActionTransactionCreated)
	return created, nil
}

// Update applies patch to a transaction of an open period. Moving the date to
// another month re-resolves the period, which must be open too.
func (s *TransactionService) Update(ctx context.Context, id int64, patch TransactionPatch, actor audit.Actor) (Transaction, error) {
	var (
		before, saved Transaction
		moved         bool
		opened        *Period
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		p, err := tx.GetPeriodForShare(ctx, current.PeriodID)
		if err != nil {
			return err
		}
		if !p.IsOpen() {
			return fmt.Errorf("%w: %s is %s, create a reversal instead", ErrPeriodClosed, p.Month.Format("2006-01"), p.Status)
		}
		current, err = tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		before = current
		updated, err := patch.Apply(current, s.today())
		if err != nil {
			return err
		}
		if patch.CategoryID != nil && !patch.ClearCategory {
			if _, err := tx.GetCategory(ctx, *patch.CategoryID); err != nil {
				return err
			}
		}
		if !p.Contains(updated.Date) {
			linked, err := tx.IsReversalLinked(ctx, current.ID)
			if err != nil {
				return err
			}
			if linked || current.IsReversal() {
				return invalid("date", "a transaction linked to a reversal cannot change month")
			}
			target, isNew, err := s.periods.resolve(ctx, tx, updated.Date)
			if err != nil {
				return err
			}
			if isNew {
				opened = &target
			}
			target, err = tx.GetPeriodForShare(ctx, target.ID)
			if err != nil {
				return err
			}
			if !target.IsOpen() {
				return fmt.Errorf("%w: %s is %s", ErrPeriodClosed, target.Month.Format("2006-01"), target.Status)
			}
			updated.PeriodID = target.ID
			moved = true
		}
		saved, err = tx.UpdateTransaction(ctx, updated)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}

	if opened != nil {
		s.periods.recordOpened(ctx, *opened, actor)
	}
	if moved {
		e := audit.NewEntry(audit.ActionTransactionMoved, before, actor)
		e.OldValues = before.auditValues()
		e.NewValues = saved.auditValues()
		e.Description = fmt.Sprintf("transaction moved from %s to %s", before.Date.Format("2006-01"), saved.Date.Format("2006-01"))
		s.record(ctx, e)
	}
	e := audit.NewEntry(audit.ActionTransactionUpdated, saved, actor)
	e.OldValues = before.auditValues()
	e.NewValues = saved.auditValues()
	e.Description = fmt.Sprintf("transaction updated: %s", saved.Description)
	s.record(ctx, e)
	s.count(audit.ActionTransactionUpdated)
	return saved, nil
}

// Delete removes a transaction of an open period. Transactions referenced by
// a reversal are protected.
func (s *TransactionService) Delete(ctx context.Context, id int64, actor audit.Actor) error {
	var removed Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		p, err := tx.GetPeriodForShare(ctx, current.PeriodID)
		if err != nil {
			return err
		}
		if !p.IsOpen() {
			return fmt.Errorf("%w: %s is %s", ErrPeriodClosed, p.Month.Format("2006-01"), p.Status)
		}
		linked, err := tx.IsReversalLinked(ctx, current.ID)
		if err != nil {
			return err
		}
		if linked {
			return ErrProtected
		}
		removed = current
		return tx.DeleteTransaction(ctx, current.ID)
	})
	if err != nil {
		return err
	}
	e := audit.NewEntry(audit.ActionTransactionDeleted, removed, actor)
	e.OldValues = removed.auditValues()
	e.Description = fmt.Sprintf("transaction deleted: %s %s", removed.Amount.StringFixed(2), removed.Description)
	s.record(ctx, e)
	s.count(audit.ActionTransactionDeleted)
	s.discardReceipt(ctx, removed.ReceiptKey)
	return nil
}

// CreateReversal corrects a transaction of a closed or archived period. The
// reversal transaction and its link row are written in one database
// transaction.
func (s *TransactionService) CreateReversal(ctx context.Context, in ReversalInput, actor audit.Actor) (Reversal, error) {
	if err := in.Validate(); err != nil {
		return Reversal{}, err
	}
	var rev Reversal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetTransaction(ctx, in.OriginalID)
		if err != nil {
			return err
		}
		if original.IsReversal() {
			return fmt.Errorf("%w: transaction %d is itself a reversal", ErrNotReversible, original.ID)
		}
		p, err := tx.GetPeriodForShare(ctx, original.PeriodID)
		if err != nil {
			return err
		}
		if p.IsOpen() {
			return fmt.Errorf("%w: period %s is open, edit the transaction instead", ErrNotReversible, p.Month.Format("2006-01"))
		}
		if p.IsArchived() && in.AuthorizedBy == nil {
			return ErrAuthorizationRequired
		}
		if _, err := tx.GetReversalByOriginal(ctx, original.ID); err == nil {
			return ErrAlreadyReversed
		} else if !errors.Is(err, ErrReversalNotFound) {
			return err
		}
		description := strings.TrimSpace(in.Description)
		if description == "" {
			description = ReversalPrefix + original.Description
		}
		categoryID := original.CategoryID
		if in.CategoryID != nil {
			if _, err := tx.GetCategory(ctx, *in.CategoryID); err != nil {
				return err
			}
			categoryID = in.CategoryID
		}
		originalID := original.ID
		correction, err := tx.InsertTransaction(ctx, Transaction{
			PeriodID:    p.ID,
			Amount:      SignedAmount(in.Amount, in.IsPositive),
			Date:        original.Date,
			Description: description,
			CategoryID:  categoryID,
			Type:        TransactionReversal,
			ReversesID:  &originalID,
			CreatedBy:   actor,
		})
		if err != nil {
			return err
		}
		rev, err = tx.InsertReversal(ctx, Reversal{
			OriginalID:   original.ID,
			ReversalID:   correction.ID,
			Reason:       strings.TrimSpace(in.Reason),
			AuthorizedBy: in.AuthorizedBy,
			CreatedBy:    actor,
			Original:     original,
			Correction:   correction,
		})
		return err
	})
	if err != nil {
		return Reversal{}, err
	}

	e := audit.NewEntry(audit.ActionTransactionReversed, rev, actor)
	e.OldValues = rev.Original.auditValues()
	e.NewValues = rev.Correction.auditValues()
	e.NewValues["reason"] = rev.Reason
	if rev.AuthorizedBy != nil {
		e.NewValues["authorized_by"] = rev.AuthorizedBy.Name
	}
	e.Description = fmt.Sprintf("transaction %d reversed: %s -> %s (%s)", rev.OriginalID,
		rev.OriginalAmount().StringFixed(2), rev.ReversalAmount().StringFixed(2), rev.Reason)
	s.record(ctx, e)
	s.count(audit.ActionTransactionReversed)
	return rev, nil
}

// GetReversal returns the reversal of an original transaction.
func (s *TransactionService) GetReversal(ctx context.Context, originalID int64) (Reversal, error) {
	var rev Reversal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		rev, err = tx.GetReversalByOriginal(ctx, originalID)
		return err
	})
	return rev, err
}

// ListReversals returns the reversals recorded in a period.
func (s *TransactionService) ListReversals(ctx context.Context, periodID int64) ([]Reversal, error) {
	var revs []Reversal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		revs, err = tx.ListReversals(ctx, periodID)
		return err
	})
	return revs, err
}

func (s *TransactionService) storeReceipt(ctx context.Context, date time.Time, r *Receipt) (string, error) {
	if r == nil {
		return "", nil
	}
	if s.receipts == nil {
		return "", invalid("receipt", "storage is not configured")
	}
	key := fmt.Sprintf("receipts/%04d/%02d/%s%s", date.Year(), int(date.Month()), uuid.NewString(), strings.ToLower(path.Ext(r.Filename)))
	if err := s.receipts.Put(ctx, key, r.Data); err != nil {
		return "", fmt.Errorf("treasury: store receipt: %w", err)
	}
	return key, nil
}

func (s *TransactionService) discardReceipt(ctx context.Context, key string) {
	if key == "" || s.receipts == nil {
		return
	}
	if err := s.receipts.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("receipt cleanup failed", slog.String("key", key), slog.Any("error", err))
	}
}
