package treasuryhttp

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/frozen"
	"github.com/odyssey-erp/treasury/internal/treasury"
)

type periodView struct {
	ID             int64            `json:"id"`
	Month          string           `json:"month"`
	MonthName      string           `json:"month_name"`
	Year           int              `json:"year"`
	MonthNumber    int              `json:"month_number"`
	Status         string           `json:"status"`
	OpeningBalance decimal.Decimal  `json:"opening_balance"`
	ClosingBalance *decimal.Decimal `json:"closing_balance"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
	ClosedBy       *audit.Actor     `json:"closed_by,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	IsFirstMonth   bool             `json:"is_first_month"`
	IsCurrentMonth bool             `json:"is_current_month"`
	CanBeClosed    bool             `json:"can_be_closed"`
	CanBeReopened  bool             `json:"can_be_reopened"`
}

func newPeriodView(p treasury.Period, tag language.Tag, today time.Time) periodView {
	v := periodView{
		ID:             p.ID,
		Month:          p.Month.Format("2006-01"),
		MonthName:      p.MonthName(tag),
		Year:           p.Year(),
		MonthNumber:    p.MonthNumber(),
		Status:         string(p.Status),
		OpeningBalance: p.OpeningBalance,
		ClosedAt:       p.ClosedAt,
		ClosedBy:       p.ClosedBy,
		Notes:          p.Notes,
		IsFirstMonth:   p.IsFirstMonth,
		IsCurrentMonth: p.IsCurrentMonth(today),
		CanBeClosed:    p.CanBeClosed(today),
		CanBeReopened:  p.CanBeReopened(),
	}
	if p.ClosingBalance.Valid {
		closing := p.ClosingBalance.Decimal
		v.ClosingBalance = &closing
	}
	return v
}

type categoryView struct {
	CategoryID *int64          `json:"category_id"`
	Name       string          `json:"name"`
	Positive   decimal.Decimal `json:"positive"`
	Negative   decimal.Decimal `json:"negative"`
	Count      int             `json:"count"`
}

type periodSummaryView struct {
	Period         periodView      `json:"period"`
	TotalPositive  decimal.Decimal `json:"total_positive"`
	TotalNegative  decimal.Decimal `json:"total_negative"`
	Net            decimal.Decimal `json:"net"`
	Count          int             `json:"transaction_count"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	Reversals      int             `json:"reversal_count"`
	Categories     []categoryView  `json:"categories,omitempty"`
}

func newPeriodSummaryView(s treasury.PeriodSummary, tag language.Tag, today time.Time) periodSummaryView {
	return periodSummaryView{
		Period:         newPeriodView(s.Period, tag, today),
		TotalPositive:  s.Summary.TotalPositive,
		TotalNegative:  s.Summary.TotalNegative,
		Net:            s.Summary.Net,
		Count:          s.Summary.Count,
		CurrentBalance: s.CurrentBalance,
		Reversals:      s.Reversals,
	}
}

func newCategoryViews(totals []treasury.CategoryTotal) []categoryView {
	out := make([]categoryView, 0, len(totals))
	for _, c := range totals {
		out = append(out, categoryView{CategoryID: c.CategoryID, Name: c.Name, Positive: c.Positive, Negative: c.Negative, Count: c.Count})
	}
	return out
}

type permissionsView struct {
	CanEdit     bool `json:"can_edit"`
	CanDelete   bool `json:"can_delete"`
	CanReverse  bool `json:"can_reverse"`
	HasReversal bool `json:"has_reversal"`
}

type transactionView struct {
	ID          int64            `json:"id"`
	PeriodID    int64            `json:"period_id"`
	Amount      decimal.Decimal  `json:"amount"`
	IsPositive  bool             `json:"is_positive"`
	Date        string           `json:"date"`
	Description string           `json:"description"`
	CategoryID  *int64           `json:"category_id,omitempty"`
	Type        string           `json:"type"`
	ReversesID  *int64           `json:"reverses_id,omitempty"`
	ReceiptKey  string           `json:"receipt_key,omitempty"`
	CreatedBy   audit.Actor      `json:"created_by"`
	CreatedAt   time.Time        `json:"created_at"`
	Permissions *permissionsView `json:"permissions,omitempty"`
	Reversal    *reversalView    `json:"reversal,omitempty"`
}

func newTransactionView(t treasury.Transaction) transactionView {
	return transactionView{
		ID:          t.ID,
		PeriodID:    t.PeriodID,
		Amount:      t.Amount,
		IsPositive:  t.IsPositive(),
		Date:        t.Date.Format(time.DateOnly),
		Description: t.Description,
		CategoryID:  t.CategoryID,
		Type:        string(t.Type),
		ReversesID:  t.ReversesID,
		ReceiptKey:  t.ReceiptKey,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt,
	}
}

type reversalView struct {
	ID           int64           `json:"id"`
	OriginalID   int64           `json:"original_id"`
	ReversalID   int64           `json:"reversal_id"`
	Reason       string          `json:"reason"`
	AuthorizedBy *audit.Actor    `json:"authorized_by,omitempty"`
	CreatedBy    audit.Actor     `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
	Original     transactionView `json:"original"`
	Correction   transactionView `json:"correction"`
	Difference   decimal.Decimal `json:"difference"`
}

func newReversalView(r treasury.Reversal) reversalView {
	return reversalView{
		ID:           r.ID,
		OriginalID:   r.OriginalID,
		ReversalID:   r.ReversalID,
		Reason:       r.Reason,
		AuthorizedBy: r.AuthorizedBy,
		CreatedBy:    r.CreatedBy,
		CreatedAt:    r.CreatedAt,
		Original:     newTransactionView(r.Original),
		Correction:   newTransactionView(r.Correction),
		Difference:   r.Difference(),
	}
}

type balanceCheckView struct {
	PeriodID           int64            `json:"period_id"`
	Month              string           `json:"month"`
	Status             string           `json:"status"`
	Checked            bool             `json:"checked"`
	IsConsistent       bool             `json:"is_consistent"`
	FixedBalance       *decimal.Decimal `json:"fixed_balance"`
	CalculatedBalance  decimal.Decimal  `json:"calculated_balance"`
	Difference         decimal.Decimal  `json:"difference"`
	PendingCorrections decimal.Decimal  `json:"pending_corrections"`
	AwaitingReclose    bool             `json:"awaiting_reclose"`
	Message            string           `json:"message,omitempty"`
}

func newBalanceCheckView(c treasury.BalanceCheck) balanceCheckView {
	v := balanceCheckView{
		PeriodID:           c.PeriodID,
		Month:              c.Month.Format("2006-01"),
		Status:             string(c.Status),
		Checked:            c.Checked,
		IsConsistent:       c.IsConsistent,
		CalculatedBalance:  c.CalculatedBalance,
		Difference:         c.Difference,
		PendingCorrections: c.PendingCorrections,
		AwaitingReclose:    c.AwaitingReclose,
		Message:            c.Message,
	}
	if c.FixedBalance.Valid {
		fixed := c.FixedBalance.Decimal
		v.FixedBalance = &fixed
	}
	return v
}

type reportView struct {
	ID               uuid.UUID       `json:"id"`
	PeriodID         int64           `json:"period_id"`
	Type             string          `json:"report_type"`
	BlobKey          string          `json:"blob_key"`
	PDFHash          string          `json:"pdf_hash"`
	ClosingBalance   decimal.Decimal `json:"closing_balance"`
	TotalPositive    decimal.Decimal `json:"total_positive"`
	TotalNegative    decimal.Decimal `json:"total_negative"`
	TransactionCount int             `json:"transaction_count"`
	IsRecovered      bool            `json:"is_recovered"`
	ReplacesReportID *uuid.UUID      `json:"replaces_report_id,omitempty"`
	CreatedBy        audit.Actor     `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
}

func newReportView(r frozen.Report) reportView {
	return reportView{
		ID:               r.ID,
		PeriodID:         r.PeriodID,
		Type:             string(r.Type),
		BlobKey:          r.BlobKey,
		PDFHash:          r.PDFHash,
		ClosingBalance:   r.ClosingBalance,
		TotalPositive:    r.TotalPositive,
		TotalNegative:    r.TotalNegative,
		TransactionCount: r.TransactionCount,
		IsRecovered:      r.IsRecovered,
		ReplacesReportID: r.ReplacesReportID,
		CreatedBy:        r.CreatedBy,
		CreatedAt:        r.CreatedAt,
	}
}

type verificationView struct {
	ReportID    uuid.UUID `json:"report_id"`
	PeriodID    int64     `json:"period_id"`
	Valid       bool      `json:"valid"`
	StoredHash  string    `json:"stored_hash"`
	CurrentHash string    `json:"current_hash"`
	Message     string    `json:"message,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

func newVerificationView(v frozen.Verification) verificationView {
	return verificationView{
		ReportID:    v.ReportID,
		PeriodID:    v.PeriodID,
		Valid:       v.Valid,
		StoredHash:  v.StoredHash,
		CurrentHash: v.CurrentHash,
		Message:     v.Message,
		CheckedAt:   v.CheckedAt,
	}
}
