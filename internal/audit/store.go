package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists audit entries and period snapshots in SQLite. It is
// physically separate from the ledger database and never joins a ledger
// transaction.
type Store struct {
	db *sql.DB
}

// Open connects to the audit database at path after applying migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("audit: database path required")
	}
	if err := RunMigrations(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("audit: %s: %w", pragma, err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append inserts one entry. Re-appending an entry with the same id is a no-op
// so retried writes never duplicate rows.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		return errors.New("audit: entry id required")
	}
	oldJSON, err := marshalValues(e.OldValues)
	if err != nil {
		return err
	}
	newJSON, err := marshalValues(e.NewValues)
	if err != nil {
		return err
	}
	var snapshotID any
	if e.SnapshotID != nil {
		snapshotID = e.SnapshotID.String()
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO audit_log
(id, timestamp, user_id, user_name, action, entity_type, entity_id, old_values, new_values, description, period_id, snapshot_id, ip_address, user_agent)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), formatTime(e.Timestamp), nullInt(e.Actor.ID), e.Actor.Name, string(e.Action),
		e.EntityType, e.EntityID, oldJSON, newJSON, e.Description, nullInt(e.PeriodID), snapshotID,
		e.IPAddress, e.UserAgent)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

const entryColumns = `id, timestamp, user_id, user_name, action, entity_type, entity_id, old_values, new_values, description, period_id, snapshot_id, ip_address, user_agent`

// Timeline returns entries matching q, newest first.
func (s *Store) Timeline(ctx context.Context, q TimelineQuery) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if !q.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(q.To))
	}
	if q.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, q.EntityType)
	}
	if q.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, q.EntityID)
	}
	if q.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(q.Action))
	}
	if q.PeriodID != 0 {
		where = append(where, "period_id = ?")
		args = append(args, q.PeriodID)
	}
	query := "SELECT " + entryColumns + " FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}
	return s.queryEntries(ctx, query, args...)
}

// ForPeriodUntil returns the entries of a period recorded at or before until,
// oldest first. An empty actions list matches every action.
func (s *Store) ForPeriodUntil(ctx context.Context, periodID int64, until time.Time, actions ...Action) ([]Entry, error) {
	query := "SELECT " + entryColumns + " FROM audit_log WHERE period_id = ? AND timestamp <= ?"
	args := []any{periodID, formatTime(until)}
	if len(actions) > 0 {
		placeholders := make([]string, len(actions))
		for i, action := range actions {
			placeholders[i] = "?"
			args = append(args, string(action))
		}
		query += " AND action IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY timestamp ASC, rowid ASC"
	return s.queryEntries(ctx, query, args...)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                Entry
		id, ts, action   string
		userID, periodID sql.NullInt64
		oldJSON, newJSON sql.NullString
		snapshotID       sql.NullString
	)
	if err := rows.Scan(&id, &ts, &userID, &e.Actor.Name, &action, &e.EntityType, &e.EntityID,
		&oldJSON, &newJSON, &e.Description, &periodID, &snapshotID, &e.IPAddress, &e.UserAgent); err != nil {
		return Entry{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: entry id %q: %w", id, err)
	}
	e.ID = parsed
	if e.Timestamp, err = parseTime(ts); err != nil {
		return Entry{}, err
	}
	e.Action = Action(action)
	e.Actor.ID = userID.Int64
	e.PeriodID = periodID.Int64
	if e.OldValues, err = unmarshalValues(oldJSON); err != nil {
		return Entry{}, err
	}
	if e.NewValues, err = unmarshalValues(newJSON); err != nil {
		return Entry{}, err
	}
	if snapshotID.Valid {
		sid, err := uuid.Parse(snapshotID.String)
		if err != nil {
			return Entry{}, fmt.Errorf("audit: snapshot id %q: %w", snapshotID.String, err)
		}
		e.SnapshotID = &sid
	}
	return e, nil
}

// CreateSnapshot persists a snapshot. Snapshots are read-only once written.
func (s *Store) CreateSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.ID == uuid.Nil {
		return errors.New("audit: snapshot id required")
	}
	data, err := json.Marshal(snap.Data)
	if err != nil {
		return fmt.Errorf("audit: marshal snapshot: %w", err)
	}
	var closing any
	if snap.ClosingBalance.Valid {
		closing = snap.ClosingBalance.Decimal.String()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO period_snapshots
(id, period_id, period_month, period_year, created_by_id, created_by_name, reason, snapshot_data, transactions_count, closing_balance, was_closed, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID.String(), snap.PeriodID, snap.PeriodMonth, snap.PeriodYear, nullInt(snap.CreatedBy.ID),
		snap.CreatedBy.Name, snap.Reason, string(data), snap.TransactionsCount, closing, snap.WasClosed,
		formatTime(snap.CreatedAt))
	if err != nil {
		return fmt.Errorf("audit: create snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = `id, period_id, period_month, period_year, created_by_id, created_by_name, reason, snapshot_data, transactions_count, closing_balance, was_closed, created_at`

// GetSnapshot loads a snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+snapshotColumns+" FROM period_snapshots WHERE id = ?", id.String())
	if err != nil {
		return Snapshot{}, fmt.Errorf("audit: get snapshot: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Snapshot{}, err
		}
		return Snapshot{}, ErrSnapshotNotFound
	}
	return scanSnapshot(rows)
}

// ListSnapshots returns a period's snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, periodID int64) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+snapshotColumns+" FROM period_snapshots WHERE period_id = ? ORDER BY created_at DESC", periodID)
	if err != nil {
		return nil, fmt.Errorf("audit: list snapshots: %w", err)
	}
	defer rows.Close()
	var snaps []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func scanSnapshot(rows *sql.Rows) (Snapshot, error) {
	var (
		snap              Snapshot
		id, data, created string
		createdByID       sql.NullInt64
		closing           sql.NullString
	)
	if err := rows.Scan(&id, &snap.PeriodID, &snap.PeriodMonth, &snap.PeriodYear, &createdByID, &snap.CreatedBy.Name,
		&snap.Reason, &data, &snap.TransactionsCount, &closing, &snap.WasClosed, &created); err != nil {
		return Snapshot{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("audit: snapshot id %q: %w", id, err)
	}
	snap.ID = parsed
	snap.CreatedBy.ID = createdByID.Int64
	if err := json.Unmarshal([]byte(data), &snap.Data); err != nil {
		return Snapshot{}, fmt.Errorf("audit: decode snapshot data: %w", err)
	}
	if closing.Valid {
		d, err := decimal.NewFromString(closing.String)
		if err != nil {
			return Snapshot{}, fmt.Errorf("audit: snapshot closing balance: %w", err)
		}
		snap.ClosingBalance = decimal.NewNullDecimal(d)
	}
	if snap.CreatedAt, err = parseTime(created); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("audit: parse time %q: %w", s, err)
	}
	return t, nil
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func marshalValues(v Values) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal values: %w", err)
	}
	return string(data), nil
}

func unmarshalValues(s sql.NullString) (Values, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v Values
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, fmt.Errorf("audit: decode values: %w", err)
	}
	return v, nil
}
