package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"
)

var csvHeader = []string{"timestamp", "user_id", "user", "action", "entity_type", "entity_id", "period_id", "description", "old_values", "new_values", "snapshot_id", "ip_address"}

// WriteCSV encodes entries as CSV with a header row. Values maps are
// embedded as compact JSON.
func WriteCSV(entries []Entry) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		oldValues, err := compactValues(e.OldValues)
		if err != nil {
			return nil, err
		}
		newValues, err := compactValues(e.NewValues)
		if err != nil {
			return nil, err
		}
		snapshot := ""
		if e.SnapshotID != nil {
			snapshot = e.SnapshotID.String()
		}
		period := ""
		if e.PeriodID != 0 {
			period = strconv.FormatInt(e.PeriodID, 10)
		}
		userID := ""
		if e.Actor.ID != 0 {
			userID = strconv.FormatInt(e.Actor.ID, 10)
		}
		record := []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			userID,
			e.Actor.Name,
			string(e.Action),
			e.EntityType,
			e.EntityID,
			period,
			e.Description,
			oldValues,
			newValues,
			snapshot,
			e.IPAddress,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compactValues(v Values) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
