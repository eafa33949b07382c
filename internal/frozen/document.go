package frozen

import (
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/treasury"
	"github.com/odyssey-erp/treasury/report"
)

var reportTitles = map[ReportType]string{
	ReportAnalytical: "Analytical report",
	ReportExtract:    "Statement",
}

// documentInput carries everything needed to lay out one period report.
type documentInput struct {
	Period       treasury.Period
	Transactions []treasury.Transaction
	Categories   []treasury.Category
	Type         ReportType
	Actor        audit.Actor
	Locale       language.Tag
	Now          time.Time
	Recovered    bool
}

// buildDocument lays out the period with a running balance over the
// effective set. Superseded originals are listed but do not move the balance.
func buildDocument(in documentInput) (report.Document, treasury.Summary, decimal.Decimal) {
	txs := append([]treasury.Transaction(nil), in.Transactions...)
	treasury.SortTransactions(txs)
	_, superseded := treasury.EffectiveSet(txs)
	skip := make(map[int64]struct{}, len(superseded))
	for _, t := range superseded {
		skip[t.ID] = struct{}{}
	}
	names := make(map[int64]string, len(in.Categories))
	for _, c := range in.Categories {
		names[c.ID] = c.Name
	}

	summary := treasury.Summarize(txs)
	closing := in.Period.Balance(summary.Net)
	if in.Recovered {
		// Replayed transactions predate any later reclose, so the frozen
		// closing balance of the period no longer describes them.
		closing = in.Period.OpeningBalance.Add(summary.Net)
	}

	running := in.Period.OpeningBalance
	lines := make([]report.Line, 0, len(txs))
	for _, t := range txs {
		line := report.Line{
			Date:        t.Date,
			Description: t.Description,
			Amount:      t.Amount,
			Reversal:    t.IsReversal(),
		}
		if t.CategoryID != nil {
			line.Category = names[*t.CategoryID]
		}
		if _, ok := skip[t.ID]; ok {
			line.Superseded = true
		} else {
			running = running.Add(t.Amount)
			line.Balance = running
		}
		lines = append(lines, line)
	}

	var cats []report.CategoryLine
	for _, ct := range treasury.CategoryTotals(txs, in.Categories) {
		cats = append(cats, report.CategoryLine{Name: ct.Name, Positive: ct.Positive, Negative: ct.Negative, Count: ct.Count})
	}

	doc := report.Document{
		Type:           report.DocumentType(in.Type),
		Title:          reportTitles[in.Type],
		PeriodLabel:    in.Period.Label(in.Locale),
		Status:         string(in.Period.Status),
		OpeningBalance: in.Period.OpeningBalance,
		ClosingBalance: closing,
		TotalPositive:  summary.TotalPositive,
		TotalNegative:  summary.TotalNegative,
		Net:            summary.Net,
		Lines:          lines,
		Categories:     cats,
		GeneratedAt:    in.Now,
		GeneratedBy:    in.Actor.Name,
		Recovered:      in.Recovered,
		Locale:         in.Locale,
	}
	return doc, summary, closing
}
