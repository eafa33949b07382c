package frozen

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/treasury"
)

// replayActions are the audit actions that change a period's transaction set.
var replayActions = []audit.Action{
	audit.ActionTransactionCreated,
	audit.ActionTransactionUpdated,
	audit.ActionTransactionMoved,
	audit.ActionTransactionDeleted,
	audit.ActionTransactionReversed,
}

// Replay rebuilds the transactions of a period from its audit feed. Entries
// must be in timestamp order.
func Replay(periodID int64, entries []audit.Entry) ([]treasury.Transaction, error) {
	state := make(map[int64]treasury.Transaction)
	var order []int64
	put := func(t treasury.Transaction) {
		if _, seen := state[t.ID]; !seen {
			order = append(order, t.ID)
		}
		state[t.ID] = t
	}

	for _, e := range entries {
		switch e.Action {
		case audit.ActionTransactionCreated, audit.ActionTransactionReversed:
			t, err := transactionFromValues(e.NewValues)
			if err != nil {
				return nil, fmt.Errorf("frozen: replay %s %s: %w", e.Action, e.ID, err)
			}
			if t.PeriodID == periodID {
				put(t)
			}
		case audit.ActionTransactionUpdated:
			t, err := transactionFromValues(e.NewValues)
			if err != nil {
				return nil, fmt.Errorf("frozen: replay %s %s: %w", e.Action, e.ID, err)
			}
			if t.PeriodID == periodID {
				put(t)
			} else {
				delete(state, t.ID)
			}
		case audit.ActionTransactionMoved, audit.ActionTransactionDeleted:
			id, err := intValue(e.OldValues["id"])
			if err != nil {
				return nil, fmt.Errorf("frozen: replay %s %s: %w", e.Action, e.ID, err)
			}
			delete(state, id)
		}
	}

	out := make([]treasury.Transaction, 0, len(state))
	for _, id := range order {
		if t, ok := state[id]; ok {
			out = append(out, t)
		}
	}
	treasury.SortTransactions(out)
	return out, nil
}

func transactionFromValues(v audit.Values) (treasury.Transaction, error) {
	var (
		t   treasury.Transaction
		err error
	)
	if t.ID, err = intValue(v["id"]); err != nil {
		return t, fmt.Errorf("id: %w", err)
	}
	if t.PeriodID, err = intValue(v["period_id"]); err != nil {
		return t, fmt.Errorf("period_id: %w", err)
	}
	amount, _ := v["amount"].(string)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return t, fmt.Errorf("amount: %w", err)
	}
	date, _ := v["date"].(string)
	if t.Date, err = time.Parse(time.DateOnly, date); err != nil {
		return t, fmt.Errorf("date: %w", err)
	}
	t.Description, _ = v["description"].(string)
	typ, _ := v["type"].(string)
	t.Type = treasury.TransactionType(typ)
	if t.Type == "" {
		t.Type = treasury.TransactionOriginal
	}
	if raw, ok := v["category_id"]; ok && raw != nil {
		id, err := intValue(raw)
		if err != nil {
			return t, fmt.Errorf("category_id: %w", err)
		}
		t.CategoryID = &id
	}
	if raw, ok := v["reverses_id"]; ok && raw != nil {
		id, err := intValue(raw)
		if err != nil {
			return t, fmt.Errorf("reverses_id: %w", err)
		}
		t.ReversesID = &id
	}
	return t, nil
}

// intValue accepts the numeric shapes produced by in-process values and by
// JSON decoding.
func intValue(raw any) (int64, error) {
	switch n := raw.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected value %v", raw)
	}
}
