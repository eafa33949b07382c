package treasury

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/treasury/internal/audit"
)

// EffectiveSet splits a period's transactions into those that count towards
// its balance and the originals superseded by a reversal. A reversal replaces
// the original it corrects.
func EffectiveSet(txs []Transaction) (effective, superseded []Transaction) {
	reversed := make(map[int64]struct{})
	for _, t := range txs {
		if t.IsReversal() && t.ReversesID != nil {
			reversed[*t.ReversesID] = struct{}{}
		}
	}
	for _, t := range txs {
		if _, ok := reversed[t.ID]; ok && !t.IsReversal() {
			superseded = append(superseded, t)
			continue
		}
		effective = append(effective, t)
	}
	return effective, superseded
}

// Summarize totals the effective transactions. Amounts already carry their
// sign so the net is a plain sum.
func Summarize(txs []Transaction) Summary {
	effective, _ := EffectiveSet(txs)
	s := Summary{
		TotalPositive: decimal.Zero,
		TotalNegative: decimal.Zero,
		Net:           decimal.Zero,
	}
	for _, t := range effective {
		s.Net = s.Net.Add(t.Amount)
		if t.IsPositive() {
			s.TotalPositive = s.TotalPositive.Add(t.Amount)
		} else {
			s.TotalNegative = s.TotalNegative.Add(t.Magnitude())
		}
		s.Count++
	}
	return s
}

// CategoryTotals groups the effective transactions by category, sorted by name
// with uncategorized movements last.
func CategoryTotals(txs []Transaction, categories []Category) []CategoryTotal {
	names := make(map[int64]string, len(categories))
	for _, c := range categories {
		names[c.ID] = c.Name
	}
	effective, _ := EffectiveSet(txs)
	byKey := make(map[int64]*CategoryTotal)
	var order []int64
	for _, t := range effective {
		var key int64
		if t.CategoryID != nil {
			key = *t.CategoryID
		}
		total, ok := byKey[key]
		if !ok {
			total = &CategoryTotal{Positive: decimal.Zero, Negative: decimal.Zero}
			if t.CategoryID != nil {
				id := *t.CategoryID
				total.CategoryID = &id
				total.Name = names[id]
			}
			byKey[key] = total
			order = append(order, key)
		}
		if t.IsPositive() {
			total.Positive = total.Positive.Add(t.Amount)
		} else {
			total.Negative = total.Negative.Add(t.Magnitude())
		}
		total.Count++
	}
	out := make([]CategoryTotal, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].CategoryID == nil) != (out[j].CategoryID == nil) {
			return out[j].CategoryID == nil
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SortTransactions orders by date then id.
func SortTransactions(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Date.Equal(txs[j].Date) {
			return txs[i].Date.Before(txs[j].Date)
		}
		return txs[i].ID < txs[j].ID
	})
}

func buildSnapshot(p Period, txs []Transaction, actor audit.Actor, reason string, now time.Time) audit.Snapshot {
	summary := Summarize(txs)
	_, superseded := EffectiveSet(txs)
	skip := make(map[int64]bool, len(superseded))
	for _, t := range superseded {
		skip[t.ID] = true
	}
	lines := make([]audit.SnapshotTransaction, 0, len(txs))
	for _, t := range txs {
		lines = append(lines, audit.SnapshotTransaction{
			ID:          t.ID,
			Date:        t.Date.Format(time.DateOnly),
			Description: t.Description,
			Amount:      t.Amount,
			Type:        string(t.Type),
			ReversesID:  t.ReversesID,
			CategoryID:  t.CategoryID,
			Superseded:  skip[t.ID],
		})
	}
	return audit.Snapshot{
		PeriodID:    p.ID,
		PeriodMonth: p.MonthNumber(),
		PeriodYear:  p.Year(),
		CreatedBy:   actor,
		Reason:      reason,
		Data: audit.SnapshotData{
			Summary: audit.SnapshotSummary{
				Status:         string(p.Status),
				OpeningBalance: p.OpeningBalance,
				ClosingBalance: p.ClosingBalance,
				CurrentBalance: p.Balance(summary.Net),
				TotalPositive:  summary.TotalPositive,
				TotalNegative:  summary.TotalNegative,
				Net:            summary.Net,
				Count:          summary.Count,
			},
			Transactions: lines,
		},
		TransactionsCount: len(txs),
		ClosingBalance:    p.ClosingBalance,
		WasClosed:         !p.IsOpen(),
		CreatedAt:         now,
	}
}

// verifyBalance compares the frozen balance with one recomputed from the
// stored transactions.
func verifyBalance(p Period, txs []Transaction) BalanceCheck {
	check := BalanceCheck{PeriodID: p.ID, Month: p.Month, Status: p.Status}
	summary := Summarize(txs)
	check.CalculatedBalance = p.OpeningBalance.Add(summary.Net)
	if p.IsOpen() {
		check.Message = "period is open; balance is computed live"
		return check
	}
	check.Checked = true
	check.FixedBalance = p.ClosingBalance
	if !p.ClosingBalance.Valid {
		check.Message = "closed period has no closing balance"
		check.Difference = check.CalculatedBalance.Neg()
		return check
	}
	check.Difference = p.ClosingBalance.Decimal.Sub(check.CalculatedBalance)
	check.IsConsistent = check.Difference.IsZero()
	if check.IsConsistent {
		return check
	}
	check.PendingCorrections = pendingCorrections(txs)
	if !check.PendingCorrections.IsZero() && check.Difference.Add(check.PendingCorrections).IsZero() {
		check.AwaitingReclose = true
		check.Message = "reversals recorded after close are not in the closing balance"
		return check
	}
	check.Message = "closing balance differs from recomputed balance"
	return check
}

// pendingCorrections sums the balance effect of every reversal in txs.
func pendingCorrections(txs []Transaction) decimal.Decimal {
	byID := make(map[int64]Transaction, len(txs))
	for _, t := range txs {
		byID[t.ID] = t
	}
	total := decimal.Zero
	for _, t := range txs {
		if !t.IsReversal() || t.ReversesID == nil {
			continue
		}
		original, ok := byID[*t.ReversesID]
		if !ok {
			continue
		}
		total = total.Add(t.Amount.Sub(original.Amount))
	}
	return total
}
