package report

import (
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
)

// DocumentType selects the template used for a period report.
type DocumentType string

const (
	// DocumentAnalytical lists every movement with running balance and category totals.
	DocumentAnalytical DocumentType = "analytical"
	// DocumentExtract is the condensed statement of effective movements.
	DocumentExtract DocumentType = "extract"
)

// Document is the view model rendered into a period PDF.
type Document struct {
	Type           DocumentType
	Title          string
	PeriodLabel    string
	Status         string
	OpeningBalance decimal.Decimal
	ClosingBalance decimal.Decimal
	TotalPositive  decimal.Decimal
	TotalNegative  decimal.Decimal
	Net            decimal.Decimal
	Lines          []Line
	Categories     []CategoryLine
	GeneratedAt    time.Time
	GeneratedBy    string
	// Recovered marks documents rebuilt from the audit log.
	Recovered bool
	Locale    language.Tag
}

// Line is one movement row.
type Line struct {
	Date        time.Time
	Description string
	Category    string
	Amount      decimal.Decimal
	Balance     decimal.Decimal
	Reversal    bool
	Superseded  bool
}

// CategoryLine aggregates one category.
type CategoryLine struct {
	Name     string
	Positive decimal.Decimal
	Negative decimal.Decimal
	Count    int
}
