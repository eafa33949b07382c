package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Appender persists entries.
type Appender interface {
	Append(ctx context.Context, e Entry) error
}

// Spooler hands an entry that could not be written to an out-of-band retry.
type Spooler interface {
	SpoolAuditEntry(ctx context.Context, e Entry) error
}

// FailureCounter counts audit writes that did not reach the store.
type FailureCounter interface {
	AuditWriteFailed(action string)
}

// RecorderConfig groups Recorder dependencies.
type RecorderConfig struct {
	Store   Appender
	Spooler Spooler
	Logger  *slog.Logger
	Metrics FailureCounter
}

// Recorder is the write side of the audit log used by ledger services. A
// failed write never propagates into the ledger operation: it is logged and
// spooled for retry.
type Recorder struct {
	store   Appender
	spool   Spooler
	logger  *slog.Logger
	metrics FailureCounter
	now     func() time.Time
}

// NewRecorder constructs a Recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   cfg.Store,
		spool:   cfg.Spooler,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (r *Recorder) WithNow(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Record fills in id, timestamp and request metadata and appends the entry.
// The returned error is informational; callers in the ledger discard it.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if r == nil || r.store == nil {
		return errors.New("audit: recorder not initialised")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	meta := RequestMetaFromContext(ctx)
	if e.IPAddress == "" {
		e.IPAddress = meta.IPAddress
	}
	if e.UserAgent == "" {
		e.UserAgent = meta.UserAgent
	}
	err := r.store.Append(ctx, e)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidEntry) {
		r.logger.Error("audit entry rejected", slog.String("action", string(e.Action)), slog.Any("error", err))
		return err
	}
	r.logger.Warn("audit write failed",
		slog.String("action", string(e.Action)),
		slog.String("entity_type", e.EntityType),
		slog.String("entity_id", e.EntityID),
		slog.String("entry_id", e.ID.String()),
		slog.Any("error", err))
	if r.metrics != nil {
		r.metrics.AuditWriteFailed(string(e.Action))
	}
	if r.spool != nil {
		if spoolErr := r.spool.SpoolAuditEntry(context.WithoutCancel(ctx), e); spoolErr != nil {
			r.logger.Error("audit spool failed", slog.String("entry_id", e.ID.String()), slog.Any("error", spoolErr))
		}
	}
	return err
}

// Replay appends a previously spooled entry as-is.
func (r *Recorder) Replay(ctx context.Context, e Entry) error {
	if r == nil || r.store == nil {
		return errors.New("audit: recorder not initialised")
	}
	return r.store.Append(ctx, e)
}
