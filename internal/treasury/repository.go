package treasury

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/platform/db"
)

// PeriodFilter narrows period listings.
type PeriodFilter struct {
	Year     int
	Statuses []PeriodStatus
}

// TxRepository exposes the ledger operations available inside one database
// transaction.
type TxRepository interface {
	GetPeriod(ctx context.Context, id int64) (Period, error)
	GetPeriodForUpdate(ctx context.Context, id int64) (Period, error)
	GetPeriodForShare(ctx context.Context, id int64) (Period, error)
	GetPeriodByMonth(ctx context.Context, month time.Time) (Period, error)
	GetPreviousPeriod(ctx context.Context, month time.Time) (Period, error)
	GetFirstMonthPeriod(ctx context.Context) (Period, error)
	ListPeriods(ctx context.Context, filter PeriodFilter) ([]Period, error)
	InsertPeriod(ctx context.Context, p Period) (Period, bool, error)
	UpdatePeriod(ctx context.Context, p Period) error

	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error)
	ListTransactions(ctx context.Context, periodID int64) ([]Transaction, error)
	InsertTransaction(ctx context.Context, t Transaction) (Transaction, error)
	UpdateTransaction(ctx context.Context, t Transaction) (Transaction, error)
	DeleteTransaction(ctx context.Context, id int64) error

	GetReversalByOriginal(ctx context.Context, originalID int64) (Reversal, error)
	IsReversalLinked(ctx context.Context, transactionID int64) (bool, error)
	InsertReversal(ctx context.Context, r Reversal) (Reversal, error)
	ListReversals(ctx context.Context, periodID int64) ([]Reversal, error)

	GetCategory(ctx context.Context, id int64) (Category, error)
	ListCategories(ctx context.Context) ([]Category, error)
}

// Repository persists ledger entities in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn inside a read-committed transaction. Every mutating
// operation locks its period row first so later statements observe rows
// committed by writers that held the lock before.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("treasury: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

const periodColumns = `id, month, status, opening_balance, closing_balance, closed_at, closed_by_id, closed_by_name, notes, is_first_month, created_at, updated_at`

func scanPeriod(row pgx.Row) (Period, error) {
	var (
		p            Period
		closedByID   *int64
		closedByName *string
	)
	err := row.Scan(&p.ID, &p.Month, &p.Status, &p.OpeningBalance, &p.ClosingBalance, &p.ClosedAt,
		&closedByID, &closedByName, &p.Notes, &p.IsFirstMonth, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	p.Month = FirstOfMonth(p.Month)
	p.ClosedBy = actorFromColumns(closedByID, closedByName)
	return p, nil
}

func (r *txRepository) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM accounting_periods WHERE id=$1`, id))
}

func (r *txRepository) GetPeriodForUpdate(ctx context.Context, id int64) (Period, error) {
	return scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM accounting_periods WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) GetPeriodForShare(ctx context.Context, id int64) (Period, error) {
	return scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM accounting_periods WHERE id=$1 FOR SHARE`, id))
}

func (r *txRepository) GetPeriodByMonth(ctx context.Context, month time.Time) (Period, error) {
	return scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM accounting_periods WHERE month=$1`, month))
}

func (r *txRepository) GetPreviousPeriod(ctx context.Context, month time.Time) (Period, error) {
	return scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM accounting_periods
WHERE month < $1 ORDER BY month DESC LIMIT 1`, month))
}

func (r *txRepository) GetFirstMonthPeriod(ctx context.Context) (Period, error) {
	return scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM accounting_periods WHERE is_first_month LIMIT 1`))
}

func (r *txRepository) ListPeriods(ctx context.Context, filter PeriodFilter) ([]Period, error) {
	var statuses []string
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}
	rows, err := r.tx.Query(ctx, `SELECT `+periodColumns+` FROM accounting_periods
WHERE ($1 = 0 OR EXTRACT(YEAR FROM month)::int = $1)
  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
ORDER BY month DESC`, filter.Year, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var periods []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// InsertPeriod creates the month's period unless a concurrent writer already
// did. The returned flag reports whether this call created the row.
func (r *txRepository) InsertPeriod(ctx context.Context, p Period) (Period, bool, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO accounting_periods (month, status, opening_balance, is_first_month)
VALUES ($1, $2, $3, $4)
ON CONFLICT (month) DO NOTHING
RETURNING `+periodColumns, p.Month, p.Status, p.OpeningBalance, p.IsFirstMonth)
	inserted, err := scanPeriod(row)
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, ErrPeriodNotFound) {
		return Period{}, false, err
	}
	existing, err := r.GetPeriodByMonth(ctx, p.Month)
	if err != nil {
		return Period{}, false, err
	}
	return existing, false, nil
}

func (r *txRepository) UpdatePeriod(ctx context.Context, p Period) error {
	var closedByID *int64
	var closedByName *string
	if p.ClosedBy != nil {
		closedByID = nullableID(p.ClosedBy.ID)
		name := p.ClosedBy.Name
		closedByName = &name
	}
	cmd, err := r.tx.Exec(ctx, `UPDATE accounting_periods
SET status=$2, opening_balance=$3, closing_balance=$4, closed_at=$5, closed_by_id=$6, closed_by_name=$7, notes=$8, updated_at=NOW()
WHERE id=$1`, p.ID, p.Status, p.OpeningBalance, p.ClosingBalance, p.ClosedAt, closedByID, closedByName, p.Notes)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

const transactionColumns = `id, period_id, amount, date, description, category_id, transaction_type, reverses_id, receipt_key, created_by_id, created_by_name, created_at, updated_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t           Transaction
		createdByID *int64
	)
	err := row.Scan(&t.ID, &t.PeriodID, &t.Amount, &t.Date, &t.Description, &t.CategoryID, &t.Type,
		&t.ReversesID, &t.ReceiptKey, &createdByID, &t.CreatedBy.Name, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	t.Date = DateOnly(t.Date)
	if createdByID != nil {
		t.CreatedBy.ID = *createdByID
	}
	return t, nil
}

func (r *txRepository) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	return scanTransaction(r.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=$1`, id))
}

func (r *txRepository) GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error) {
	return scanTransaction(r.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) ListTransactions(ctx context.Context, periodID int64) ([]Transaction, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE period_id=$1 ORDER BY date ASC, id ASC`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var txs []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (r *txRepository) InsertTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO transactions
(period_id, amount, date, description, category_id, transaction_type, reverses_id, receipt_key, created_by_id, created_by_name)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING `+transactionColumns,
		t.PeriodID, t.Amount, t.Date, t.Description, t.CategoryID, t.Type, t.ReversesID, t.ReceiptKey,
		nullableID(t.CreatedBy.ID), t.CreatedBy.Name)
	inserted, err := scanTransaction(row)
	if err != nil {
		return Transaction{}, mapForeignKey(err)
	}
	return inserted, nil
}

func (r *txRepository) UpdateTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	row := r.tx.QueryRow(ctx, `UPDATE transactions
SET period_id=$2, amount=$3, date=$4, description=$5, category_id=$6, receipt_key=$7, updated_at=NOW()
WHERE id=$1
RETURNING `+transactionColumns,
		t.ID, t.PeriodID, t.Amount, t.Date, t.Description, t.CategoryID, t.ReceiptKey)
	updated, err := scanTransaction(row)
	if err != nil {
		return Transaction{}, mapForeignKey(err)
	}
	return updated, nil
}

func (r *txRepository) DeleteTransaction(ctx context.Context, id int64) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM transactions WHERE id=$1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrProtected
		}
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

const reversalColumns = `r.id, r.original_id, r.reversal_id, r.reason, r.authorized_by_id, r.authorized_by_name, r.created_by_id, r.created_by_name, r.created_at`

func scanReversal(row pgx.Row) (Reversal, error) {
	var (
		rev         Reversal
		authID      *int64
		authName    *string
		createdByID *int64
	)
	err := row.Scan(&rev.ID, &rev.OriginalID, &rev.ReversalID, &rev.Reason, &authID, &authName,
		&createdByID, &rev.CreatedBy.Name, &rev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reversal{}, ErrReversalNotFound
		}
		return Reversal{}, err
	}
	rev.AuthorizedBy = actorFromColumns(authID, authName)
	if createdByID != nil {
		rev.CreatedBy.ID = *createdByID
	}
	return rev, nil
}

func (r *txRepository) GetReversalByOriginal(ctx context.Context, originalID int64) (Reversal, error) {
	rev, err := scanReversal(r.tx.QueryRow(ctx, `SELECT `+reversalColumns+` FROM reversal_transactions r WHERE r.original_id=$1`, originalID))
	if err != nil {
		return Reversal{}, err
	}
	return r.loadReversalSides(ctx, rev)
}

func (r *txRepository) IsReversalLinked(ctx context.Context, transactionID int64) (bool, error) {
	var linked bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM reversal_transactions WHERE original_id=$1 OR reversal_id=$1)`, transactionID).Scan(&linked)
	return linked, err
}

func (r *txRepository) InsertReversal(ctx context.Context, rev Reversal) (Reversal, error) {
	var authID *int64
	var authName *string
	if rev.AuthorizedBy != nil {
		authID = nullableID(rev.AuthorizedBy.ID)
		name := rev.AuthorizedBy.Name
		authName = &name
	}
	row := r.tx.QueryRow(ctx, `INSERT INTO reversal_transactions AS r
(original_id, reversal_id, reason, authorized_by_id, authorized_by_name, created_by_id, created_by_name)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING `+reversalColumns,
		rev.OriginalID, rev.ReversalID, rev.Reason, authID, authName, nullableID(rev.CreatedBy.ID), rev.CreatedBy.Name)
	inserted, err := scanReversal(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "uq_reversal_original" {
			return Reversal{}, ErrAlreadyReversed
		}
		return Reversal{}, err
	}
	inserted.Original = rev.Original
	inserted.Correction = rev.Correction
	return inserted, nil
}

func (r *txRepository) ListReversals(ctx context.Context, periodID int64) ([]Reversal, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+reversalColumns+` FROM reversal_transactions r
JOIN transactions t ON t.id = r.reversal_id
WHERE t.period_id=$1 ORDER BY r.created_at ASC`, periodID)
	if err != nil {
		return nil, err
	}
	var revs []Reversal
	for rows.Next() {
		rev, err := scanReversal(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		revs = append(revs, rev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range revs {
		if revs[i], err = r.loadReversalSides(ctx, revs[i]); err != nil {
			return nil, err
		}
	}
	return revs, nil
}

func (r *txRepository) loadReversalSides(ctx context.Context, rev Reversal) (Reversal, error) {
	var err error
	if rev.Original, err = r.GetTransaction(ctx, rev.OriginalID); err != nil {
		return Reversal{}, fmt.Errorf("treasury: load reversal original: %w", err)
	}
	if rev.Correction, err = r.GetTransaction(ctx, rev.ReversalID); err != nil {
		return Reversal{}, fmt.Errorf("treasury: load reversal correction: %w", err)
	}
	return rev, nil
}

func (r *txRepository) GetCategory(ctx context.Context, id int64) (Category, error) {
	var c Category
	err := r.tx.QueryRow(ctx, `SELECT id, name FROM categories WHERE id=$1`, id).Scan(&c.ID, &c.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Category{}, ErrCategoryNotFound
		}
		return Category{}, err
	}
	return c, nil
}

func (r *txRepository) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, name FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cats []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

func actorFromColumns(id *int64, name *string) *audit.Actor {
	if id == nil && name == nil {
		return nil
	}
	a := audit.Actor{}
	if id != nil {
		a.ID = *id
	}
	if name != nil {
		a.Name = *name
	}
	return &a
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func mapForeignKey(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" && pgErr.ConstraintName == "fk_transactions_category" {
		return ErrCategoryNotFound
	}
	return err
}
