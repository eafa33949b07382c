package treasury

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/treasury/internal/audit"
)

// PeriodStatus enumerates the accounting period lifecycle states.
type PeriodStatus string

const (
	PeriodStatusOpen     PeriodStatus = "open"
	PeriodStatusClosed   PeriodStatus = "closed"
	PeriodStatusArchived PeriodStatus = "archived"
)

// TransactionType distinguishes first-recorded movements from corrections.
type TransactionType string

const (
	TransactionOriginal TransactionType = "original"
	TransactionReversal TransactionType = "reversal"
)

// ReversalPrefix is prepended to a reversal's default description.
const ReversalPrefix = "ESTORNO: "

// Period is one calendar month of financial activity.
type Period struct {
	ID             int64
	Month          time.Time
	Status         PeriodStatus
	OpeningBalance decimal.Decimal
	ClosingBalance decimal.NullDecimal
	ClosedAt       *time.Time
	ClosedBy       *audit.Actor
	Notes          string
	IsFirstMonth   bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FirstOfMonth truncates t to the first day of its month.
func FirstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// DateOnly strips the clock from t.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ValidateMonth checks that month is a first-of-month date not after today's month.
func ValidateMonth(month, today time.Time) error {
	if !month.Equal(FirstOfMonth(month)) {
		return ErrInvalidMonth
	}
	if month.After(FirstOfMonth(today)) {
		return ErrFuturePeriod
	}
	return nil
}

func (p Period) IsOpen() bool     { return p.Status == PeriodStatusOpen }
func (p Period) IsClosed() bool   { return p.Status == PeriodStatusClosed }
func (p Period) IsArchived() bool { return p.Status == PeriodStatusArchived }

// Year returns the calendar year of the period.
func (p Period) Year() int { return p.Month.Year() }

// MonthNumber returns the 1-based month of the period.
func (p Period) MonthNumber() int { return int(p.Month.Month()) }

// FirstDay returns the first date covered by the period.
func (p Period) FirstDay() time.Time { return FirstOfMonth(p.Month) }

// LastDay returns the last date covered by the period.
func (p Period) LastDay() time.Time { return p.FirstDay().AddDate(0, 1, -1) }

// Contains reports whether date falls inside the period's month.
func (p Period) Contains(date time.Time) bool {
	return FirstOfMonth(date).Equal(p.FirstDay())
}

// MonthName renders the month in the given locale.
func (p Period) MonthName(tag language.Tag) string {
	return MonthName(p.Month.Month(), tag)
}

// Label renders "Month Year" in the given locale.
func (p Period) Label(tag language.Tag) string {
	return fmt.Sprintf("%s %d", p.MonthName(tag), p.Year())
}

// IsCurrentMonth reports whether the period covers today.
func (p Period) IsCurrentMonth(today time.Time) bool {
	return p.Contains(today)
}

// CanBeClosed reports whether close would be accepted now. The running month
// cannot be closed because more movements may still arrive.
func (p Period) CanBeClosed(today time.Time) bool {
	return p.IsOpen() && !p.IsCurrentMonth(today)
}

// CanBeReopened reports whether reopen would be accepted.
func (p Period) CanBeReopened() bool {
	return p.IsClosed() || p.IsArchived()
}

// Balance returns the frozen closing balance for closed and archived periods
// and opening plus net for open ones.
func (p Period) Balance(net decimal.Decimal) decimal.Decimal {
	if !p.IsOpen() && p.ClosingBalance.Valid {
		return p.ClosingBalance.Decimal
	}
	return p.OpeningBalance.Add(net)
}

// Close freezes the balance. net is the signed sum of the period's effective
// transactions.
func (p *Period) Close(actor audit.Actor, notes string, net decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !p.IsOpen() {
		return decimal.Decimal{}, fmt.Errorf("%w: status is %s", ErrNotClosable, p.Status)
	}
	if p.IsCurrentMonth(now) {
		return decimal.Decimal{}, fmt.Errorf("%w: month still in progress", ErrNotClosable)
	}
	closing := p.OpeningBalance.Add(net)
	closedAt := now
	closedBy := actor
	p.Status = PeriodStatusClosed
	p.ClosingBalance = decimal.NewNullDecimal(closing)
	p.ClosedAt = &closedAt
	p.ClosedBy = &closedBy
	p.Notes = strings.TrimSpace(notes)
	p.UpdatedAt = now
	return closing, nil
}

// reopen clears the frozen state. It is reachable only through
// PeriodService.ReopenWithSnapshot, which persists the snapshot first.
func (p *Period) reopen(snapshotID uuid.UUID, now time.Time) error {
	if !p.CanBeReopened() {
		return fmt.Errorf("%w: status is %s", ErrNotReopenable, p.Status)
	}
	if snapshotID == uuid.Nil {
		return ErrSnapshotRequired
	}
	p.Status = PeriodStatusOpen
	p.ClosingBalance = decimal.NullDecimal{}
	p.ClosedAt = nil
	p.ClosedBy = nil
	p.Notes = ""
	p.UpdatedAt = now
	return nil
}

// Archive moves a closed period to the archived state.
func (p *Period) Archive(now time.Time) error {
	if !p.IsClosed() {
		return fmt.Errorf("%w: status is %s", ErrNotArchivable, p.Status)
	}
	p.Status = PeriodStatusArchived
	p.UpdatedAt = now
	return nil
}

func (p Period) AuditEntity() (string, string) {
	return audit.EntityPeriod, strconv.FormatInt(p.ID, 10)
}

func (p Period) AuditActor() audit.Actor {
	if p.ClosedBy != nil {
		return *p.ClosedBy
	}
	return audit.SystemActor
}

func (p Period) AuditPeriodID() int64 { return p.ID }

func (p Period) auditValues() audit.Values {
	v := audit.Values{
		"month":           p.Month.Format("2006-01"),
		"status":          string(p.Status),
		"opening_balance": p.OpeningBalance.String(),
		"notes":           p.Notes,
	}
	if p.ClosingBalance.Valid {
		v["closing_balance"] = p.ClosingBalance.Decimal.String()
	}
	if p.ClosedAt != nil {
		v["closed_at"] = p.ClosedAt.UTC().Format(time.RFC3339)
	}
	if p.ClosedBy != nil {
		v["closed_by"] = p.ClosedBy.Name
	}
	return v
}

// Transaction is one monetary movement. Amount carries the sign.
type Transaction struct {
	ID          int64
	PeriodID    int64
	Amount      decimal.Decimal
	Date        time.Time
	Description string
	CategoryID  *int64
	Type        TransactionType
	ReversesID  *int64
	ReceiptKey  string
	CreatedBy   audit.Actor
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SignedAmount applies the sign flag to a positive magnitude.
func SignedAmount(magnitude decimal.Decimal, positive bool) decimal.Decimal {
	magnitude = magnitude.Abs()
	if positive {
		return magnitude
	}
	return magnitude.Neg()
}

// IsPositive is derived from the sign of Amount.
func (t Transaction) IsPositive() bool { return t.Amount.IsPositive() }

// Magnitude returns the unsigned amount.
func (t Transaction) Magnitude() decimal.Decimal { return t.Amount.Abs() }

func (t Transaction) IsReversal() bool { return t.Type == TransactionReversal }

func (t Transaction) AuditEntity() (string, string) {
	return audit.EntityTransaction, strconv.FormatInt(t.ID, 10)
}

func (t Transaction) AuditActor() audit.Actor { return t.CreatedBy }

func (t Transaction) AuditPeriodID() int64 { return t.PeriodID }

func (t Transaction) auditValues() audit.Values {
	v := audit.Values{
		"id":          t.ID,
		"period_id":   t.PeriodID,
		"amount":      t.Amount.String(),
		"is_positive": t.IsPositive(),
		"date":        t.Date.Format(time.DateOnly),
		"description": t.Description,
		"type":        string(t.Type),
	}
	if t.CategoryID != nil {
		v["category_id"] = *t.CategoryID
	}
	if t.ReversesID != nil {
		v["reverses_id"] = *t.ReversesID
	}
	if t.ReceiptKey != "" {
		v["receipt_key"] = t.ReceiptKey
	}
	return v
}

// Reversal links an original transaction to its correction.
type Reversal struct {
	ID           int64
	OriginalID   int64
	ReversalID   int64
	Reason       string
	AuthorizedBy *audit.Actor
	CreatedBy    audit.Actor
	CreatedAt    time.Time
	Original     Transaction
	Correction   Transaction
}

// OriginalAmount is the signed amount being corrected.
func (r Reversal) OriginalAmount() decimal.Decimal { return r.Original.Amount }

// ReversalAmount is the signed corrected amount.
func (r Reversal) ReversalAmount() decimal.Decimal { return r.Correction.Amount }

// Difference is the balance effect of the correction.
func (r Reversal) Difference() decimal.Decimal {
	return r.Correction.Amount.Sub(r.Original.Amount)
}

func (r Reversal) AuditEntity() (string, string) {
	return audit.EntityReversal, strconv.FormatInt(r.ID, 10)
}

func (r Reversal) AuditActor() audit.Actor { return r.CreatedBy }

func (r Reversal) AuditPeriodID() int64 { return r.Correction.PeriodID }

// Category classifies transactions.
type Category struct {
	ID   int64
	Name string
}

// Receipt is an optional attachment stored outside the ledger database.
type Receipt struct {
	Filename    string
	ContentType string
	Data        []byte
}

// TransactionInput is a request to record a new movement.
type TransactionInput struct {
	Description string
	Amount      decimal.Decimal
	IsPositive  bool
	Date        time.Time
	CategoryID  *int64
	Receipt     *Receipt
}

// Amounts are stored as NUMERIC(14,2).
const (
	amountScale     = 2
	amountIntDigits = 12
)

var amountLimit = decimal.New(1, amountIntDigits)

// AmountFits reports whether d is storable without rounding: at most two
// decimal places and twelve integer digits.
func AmountFits(d decimal.Decimal) bool {
	return d.Equal(d.Round(amountScale)) && d.Abs().LessThan(amountLimit)
}

func checkAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return invalid("amount", "must be greater than zero")
	}
	if !AmountFits(d) {
		return invalid("amount", "must have at most 2 decimal places and 12 integer digits")
	}
	return nil
}

// Validate checks the input against today's date.
func (in TransactionInput) Validate(today time.Time) error {
	if strings.TrimSpace(in.Description) == "" {
		return invalid("description", "is required")
	}
	if err := checkAmount(in.Amount); err != nil {
		return err
	}
	if in.Date.IsZero() {
		return invalid("date", "is required")
	}
	if DateOnly(in.Date).After(DateOnly(today)) {
		return invalid("date", "cannot be in the future")
	}
	if in.Receipt != nil && len(in.Receipt.Data) == 0 {
		return invalid("receipt", "is empty")
	}
	return nil
}

// TransactionPatch carries the fields to change. Nil fields are kept.
type TransactionPatch struct {
	Description   *string
	Amount        *decimal.Decimal
	IsPositive    *bool
	Date          *time.Time
	CategoryID    *int64
	ClearCategory bool
}

// Apply returns a copy of t with the patch applied.
func (p TransactionPatch) Apply(t Transaction, today time.Time) (Transaction, error) {
	out := t
	if p.Description != nil {
		if strings.TrimSpace(*p.Description) == "" {
			return Transaction{}, invalid("description", "is required")
		}
		out.Description = strings.TrimSpace(*p.Description)
	}
	magnitude := t.Magnitude()
	positive := t.IsPositive()
	if p.Amount != nil {
		if err := checkAmount(*p.Amount); err != nil {
			return Transaction{}, err
		}
		magnitude = *p.Amount
	}
	if p.IsPositive != nil {
		positive = *p.IsPositive
	}
	out.Amount = SignedAmount(magnitude, positive)
	if p.Date != nil {
		if DateOnly(*p.Date).After(DateOnly(today)) {
			return Transaction{}, invalid("date", "cannot be in the future")
		}
		out.Date = DateOnly(*p.Date)
	}
	if p.ClearCategory {
		out.CategoryID = nil
	} else if p.CategoryID != nil {
		id := *p.CategoryID
		out.CategoryID = &id
	}
	return out, nil
}

// ReversalInput is a request to correct a transaction of a non-open period.
type ReversalInput struct {
	OriginalID   int64
	Amount       decimal.Decimal
	IsPositive   bool
	Description  string
	CategoryID   *int64
	Reason       string
	AuthorizedBy *audit.Actor
}

// Validate checks the fields that do not depend on stored state.
func (in ReversalInput) Validate() error {
	if in.OriginalID == 0 {
		return invalid("original_id", "is required")
	}
	if err := checkAmount(in.Amount); err != nil {
		return err
	}
	if strings.TrimSpace(in.Reason) == "" {
		return invalid("reason", "is required")
	}
	return nil
}

// ReopenInput is a request to reopen a closed or archived period.
type ReopenInput struct {
	Reason       string
	AuthorizedBy *audit.Actor
}

// Summary aggregates the effective transactions of a period.
type Summary struct {
	TotalPositive decimal.Decimal
	TotalNegative decimal.Decimal
	Net           decimal.Decimal
	Count         int
}

// PeriodSummary is the period view with its computed totals.
type PeriodSummary struct {
	Period         Period
	Summary        Summary
	CurrentBalance decimal.Decimal
	Reversals      int
}

// CategoryTotal aggregates one category of a period.
type CategoryTotal struct {
	CategoryID *int64
	Name       string
	Positive   decimal.Decimal
	Negative   decimal.Decimal
	Count      int
}

// BalanceCheck is the result of verifying a period's frozen balance.
type BalanceCheck struct {
	PeriodID          int64
	Month             time.Time
	Status            PeriodStatus
	Checked           bool
	IsConsistent      bool
	FixedBalance      decimal.NullDecimal
	CalculatedBalance decimal.Decimal
	Difference        decimal.Decimal
	Message           string

	// PendingCorrections is the balance effect of reversals recorded in the
	// period. AwaitingReclose is set when they explain the whole difference.
	PendingCorrections decimal.Decimal
	AwaitingReclose    bool
}

// Reconciliation is the output of a full ledger verification run.
type Reconciliation struct {
	CheckedAt       time.Time
	Checks          []BalanceCheck
	Inconsistent    []BalanceCheck
	AwaitingReclose []BalanceCheck
	StaleOpen       []Period
}
