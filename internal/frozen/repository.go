package frozen

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists frozen report metadata in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const reportColumns = `id, period_id, report_type, blob_key, pdf_hash, closing_balance, total_positive, total_negative,
transaction_count, is_recovered, replaces_report_id, created_by_id, created_by_name, created_at`

func scanReport(row pgx.Row) (Report, error) {
	var (
		r         Report
		createdBy *int64
	)
	err := row.Scan(&r.ID, &r.PeriodID, &r.Type, &r.BlobKey, &r.PDFHash, &r.ClosingBalance, &r.TotalPositive,
		&r.TotalNegative, &r.TransactionCount, &r.IsRecovered, &r.ReplacesReportID, &createdBy, &r.CreatedBy.Name, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Report{}, ErrReportNotFound
		}
		return Report{}, err
	}
	if createdBy != nil {
		r.CreatedBy.ID = *createdBy
	}
	return r, nil
}

// Insert stores the report metadata.
func (r *Repository) Insert(ctx context.Context, rep Report) (Report, error) {
	var createdBy *int64
	if rep.CreatedBy.ID != 0 {
		createdBy = &rep.CreatedBy.ID
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO frozen_reports (id, period_id, report_type, blob_key, pdf_hash,
closing_balance, total_positive, total_negative, transaction_count, is_recovered, replaces_report_id,
created_by_id, created_by_name, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING `+reportColumns,
		rep.ID, rep.PeriodID, string(rep.Type), rep.BlobKey, rep.PDFHash, rep.ClosingBalance, rep.TotalPositive,
		rep.TotalNegative, rep.TransactionCount, rep.IsRecovered, rep.ReplacesReportID, createdBy, rep.CreatedBy.Name, rep.CreatedAt)
	return scanReport(row)
}

// Get loads a report by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Report, error) {
	return scanReport(r.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM frozen_reports WHERE id=$1`, id))
}

// ListByPeriod returns the reports of a period, newest first.
func (r *Repository) ListByPeriod(ctx context.Context, periodID int64) ([]Report, error) {
	return r.list(ctx, `SELECT `+reportColumns+` FROM frozen_reports WHERE period_id=$1 ORDER BY created_at DESC`, periodID)
}

// ListAll returns every report, oldest first.
func (r *Repository) ListAll(ctx context.Context) ([]Report, error) {
	return r.list(ctx, `SELECT `+reportColumns+` FROM frozen_reports ORDER BY created_at`)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Report, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}
