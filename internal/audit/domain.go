package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action enumerates the audited mutations.
type Action string

const (
	ActionPeriodOpened        Action = "period_opened"
	ActionPeriodClosed        Action = "period_closed"
	ActionPeriodReopened      Action = "period_reopened"
	ActionPeriodArchived      Action = "period_archived"
	ActionPeriodRecalculated  Action = "period_recalculated"
	ActionTransactionCreated  Action = "transaction_created"
	ActionTransactionUpdated  Action = "transaction_updated"
	ActionTransactionMoved    Action = "transaction_moved"
	ActionTransactionDeleted  Action = "transaction_deleted"
	ActionTransactionReversed Action = "transaction_reversed"
	ActionSnapshotCreated     Action = "snapshot_created"
	ActionReportGenerated     Action = "report_generated"
	ActionReportRegenerated   Action = "report_regenerated"
	ActionReportVerified      Action = "report_verified"
)

// Valid reports whether the action is known.
func (a Action) Valid() bool {
	switch a {
	case ActionPeriodOpened, ActionPeriodClosed, ActionPeriodReopened, ActionPeriodArchived,
		ActionPeriodRecalculated, ActionTransactionCreated, ActionTransactionUpdated,
		ActionTransactionMoved, ActionTransactionDeleted, ActionTransactionReversed,
		ActionSnapshotCreated, ActionReportGenerated, ActionReportRegenerated, ActionReportVerified:
		return true
	default:
		return false
	}
}

// Entity types referenced by entries.
const (
	EntityPeriod      = "accounting_period"
	EntityTransaction = "transaction"
	EntityReversal    = "reversal_transaction"
	EntitySnapshot    = "period_snapshot"
	EntityReport      = "frozen_report"
)

var (
	// ErrSnapshotNotFound is returned when a snapshot id is unknown.
	ErrSnapshotNotFound = errors.New("audit: snapshot not found")
	// ErrInvalidEntry indicates an entry missing its action or entity.
	ErrInvalidEntry = errors.New("audit: entry requires action, entity type and entity id")
)

// Actor identifies who performed a mutation. The id is a denormalized
// reference to the user directory and may point at a deleted user.
type Actor struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name"`
}

// IsZero reports whether no actor was supplied.
func (a Actor) IsZero() bool {
	return a.ID == 0 && a.Name == ""
}

// SystemActor attributes mutations made by scheduled jobs.
var SystemActor = Actor{Name: "system"}

// Values is a structured snapshot of an entity's fields.
type Values map[string]any

// Subject is implemented by every auditable ledger entity.
type Subject interface {
	AuditEntity() (entityType, entityID string)
	// AuditActor returns the user the entity itself is attributed to.
	AuditActor() Actor
	AuditPeriodID() int64
}

// Entry is one immutable audit log row.
type Entry struct {
	ID          uuid.UUID  `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	Actor       Actor      `json:"user"`
	Action      Action     `json:"action"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	OldValues   Values     `json:"old_values,omitempty"`
	NewValues   Values     `json:"new_values,omitempty"`
	Description string     `json:"description,omitempty"`
	PeriodID    int64      `json:"period_id,omitempty"`
	SnapshotID  *uuid.UUID `json:"snapshot_id,omitempty"`
	IPAddress   string     `json:"ip_address,omitempty"`
	UserAgent   string     `json:"user_agent,omitempty"`
}

// NewEntry builds an entry for the subject. When actor is empty the entry is
// attributed to the subject's own actor.
func NewEntry(action Action, subject Subject, actor Actor) Entry {
	entityType, entityID := subject.AuditEntity()
	if actor.IsZero() {
		actor = subject.AuditActor()
	}
	return Entry{
		Action:     action,
		Actor:      actor,
		EntityType: entityType,
		EntityID:   entityID,
		PeriodID:   subject.AuditPeriodID(),
	}
}

func (e Entry) validate() error {
	if e.Action == "" || e.EntityType == "" || e.EntityID == "" {
		return ErrInvalidEntry
	}
	return nil
}

// Snapshot captures a period's computed state before a risky mutation.
type Snapshot struct {
	ID                uuid.UUID           `json:"id"`
	PeriodID          int64               `json:"period_id"`
	PeriodMonth       int                 `json:"period_month"`
	PeriodYear        int                 `json:"period_year"`
	CreatedBy         Actor               `json:"created_by"`
	Reason            string              `json:"reason"`
	Data              SnapshotData        `json:"snapshot_data"`
	TransactionsCount int                 `json:"transactions_count"`
	ClosingBalance    decimal.NullDecimal `json:"closing_balance"`
	WasClosed         bool                `json:"was_closed"`
	CreatedAt         time.Time           `json:"created_at"`
}

// SnapshotData is the serialized body of a snapshot.
type SnapshotData struct {
	Summary      SnapshotSummary       `json:"summary"`
	Transactions []SnapshotTransaction `json:"transactions"`
}

// SnapshotSummary holds the period totals at snapshot time.
type SnapshotSummary struct {
	Status         string              `json:"status"`
	OpeningBalance decimal.Decimal     `json:"opening_balance"`
	ClosingBalance decimal.NullDecimal `json:"closing_balance"`
	CurrentBalance decimal.Decimal     `json:"current_balance"`
	TotalPositive  decimal.Decimal     `json:"total_positive"`
	TotalNegative  decimal.Decimal     `json:"total_negative"`
	Net            decimal.Decimal     `json:"net"`
	Count          int                 `json:"count"`
}

// SnapshotTransaction is one transaction as it existed at snapshot time.
type SnapshotTransaction struct {
	ID          int64           `json:"id"`
	Date        string          `json:"date"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	ReversesID  *int64          `json:"reverses_id,omitempty"`
	CategoryID  *int64          `json:"category_id,omitempty"`
	Superseded  bool            `json:"superseded,omitempty"`
}

type requestMetaKey struct{}

// RequestMeta carries client metadata recorded with each entry.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// ContextWithRequestMeta stores request metadata for later entries.
func ContextWithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFromContext extracts request metadata, if any.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}
