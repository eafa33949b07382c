package frozen

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/treasury/internal/audit"
	"github.com/odyssey-erp/treasury/internal/treasury"
	"github.com/odyssey-erp/treasury/report"
)

type memoryReports struct {
	mu      sync.Mutex
	reports map[uuid.UUID]Report
	failErr error
}

func newMemoryReports() *memoryReports {
	return &memoryReports{reports: make(map[uuid.UUID]Report)}
}

func (m *memoryReports) Insert(_ context.Context, r Report) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return Report{}, m.failErr
	}
	m.reports[r.ID] = r
	return r, nil
}

func (m *memoryReports) Get(_ context.Context, id uuid.UUID) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return Report{}, ErrReportNotFound
	}
	return r, nil
}

func (m *memoryReports) ListByPeriod(_ context.Context, periodID int64) ([]Report, error) {
	all, _ := m.ListAll(context.Background())
	var out []Report
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].PeriodID == periodID {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (m *memoryReports) ListAll(context.Context) ([]Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Report, 0, len(m.reports))
	for _, r := range m.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type stubLedger struct {
	summaries    map[int64]treasury.PeriodSummary
	transactions map[int64][]treasury.Transaction
	categories   []treasury.Category
}

func (s *stubLedger) Summary(_ context.Context, id int64) (treasury.PeriodSummary, error) {
	ps, ok := s.summaries[id]
	if !ok {
		return treasury.PeriodSummary{}, treasury.ErrPeriodNotFound
	}
	return ps, nil
}

func (s *stubLedger) Categories(context.Context) ([]treasury.Category, error) {
	return s.categories, nil
}

func (s *stubLedger) ListByPeriod(_ context.Context, periodID int64) ([]treasury.Transaction, error) {
	return s.transactions[periodID], nil
}

type stubRenderer struct {
	mu   sync.Mutex
	docs []report.Document
}

func (s *stubRenderer) Render(_ context.Context, doc report.Document) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return []byte(fmt.Sprintf("%%PDF %s %d %s %t", doc.Type, len(doc.Lines), doc.Net, doc.Recovered)), nil
}

type stubFeed struct {
	entries []audit.Entry
	until   time.Time
}

func (s *stubFeed) ForPeriodUntil(_ context.Context, periodID int64, until time.Time, _ ...audit.Action) ([]audit.Entry, error) {
	s.until = until
	var out []audit.Entry
	for _, e := range s.entries {
		if e.PeriodID == periodID && !e.Timestamp.After(until) {
			out = append(out, e)
		}
	}
	return out, nil
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryAudit) Record(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryAudit) actions() []audit.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Action, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

type countingMetrics struct {
	mu       sync.Mutex
	failures int
}

func (c *countingMetrics) ReportIntegrityFailed() {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
}

type busyLocker struct{}

func (busyLocker) TryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

var treasurer = audit.Actor{ID: 7, Name: "Tesoureiro"}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
