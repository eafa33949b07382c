package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memoryAppender struct {
	entries []Entry
	err     error
}

func (m *memoryAppender) Append(ctx context.Context, e Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

type memorySpool struct {
	spooled []Entry
}

func (m *memorySpool) SpoolAuditEntry(ctx context.Context, e Entry) error {
	m.spooled = append(m.spooled, e)
	return nil
}

type countingMetrics struct {
	failures map[string]int
}

func (c *countingMetrics) AuditWriteFailed(action string) {
	if c.failures == nil {
		c.failures = map[string]int{}
	}
	c.failures[action]++
}

type periodSubject struct{}

func (periodSubject) AuditEntity() (string, string) { return EntityPeriod, "12" }
func (periodSubject) AuditActor() Actor             { return Actor{ID: 4, Name: "Beatriz"} }
func (periodSubject) AuditPeriodID() int64          { return 12 }

func TestRecorderFillsDefaults(t *testing.T) {
	store := &memoryAppender{}
	rec := NewRecorder(RecorderConfig{Store: store, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	fixed := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	rec.WithNow(func() time.Time { return fixed })

	ctx := ContextWithRequestMeta(context.Background(), RequestMeta{IPAddress: "192.168.0.9", UserAgent: "curl/8"})
	entry := NewEntry(ActionPeriodClosed, periodSubject{}, Actor{})
	require.NoError(t, rec.Record(ctx, entry))

	require.Len(t, store.entries, 1)
	got := store.entries[0]
	require.NotEqual(t, uuid.Nil, got.ID)
	require.Equal(t, fixed, got.Timestamp)
	require.Equal(t, "Beatriz", got.Actor.Name)
	require.Equal(t, int64(12), got.PeriodID)
	require.Equal(t, "192.168.0.9", got.IPAddress)
	require.Equal(t, "curl/8", got.UserAgent)
}

func TestRecorderSpoolsOnStoreFailure(t *testing.T) {
	store := &memoryAppender{err: errors.New("disk I/O error")}
	spool := &memorySpool{}
	metrics := &countingMetrics{}
	rec := NewRecorder(RecorderConfig{
		Store:   store,
		Spooler: spool,
		Metrics: metrics,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	entry := NewEntry(ActionTransactionCreated, periodSubject{}, Actor{ID: 1, Name: "Ana"})
	err := rec.Record(context.Background(), entry)
	require.Error(t, err)
	require.Len(t, spool.spooled, 1)
	require.NotEqual(t, uuid.Nil, spool.spooled[0].ID)
	require.Equal(t, 1, metrics.failures[string(ActionTransactionCreated)])

	store.err = nil
	require.NoError(t, rec.Replay(context.Background(), spool.spooled[0]))
	require.Equal(t, spool.spooled[0].ID, store.entries[0].ID)
}

func TestRecorderDoesNotSpoolInvalidEntries(t *testing.T) {
	store := &memoryAppender{err: ErrInvalidEntry}
	spool := &memorySpool{}
	rec := NewRecorder(RecorderConfig{Store: store, Spooler: spool, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	err := rec.Record(context.Background(), Entry{Action: ActionPeriodClosed})
	require.ErrorIs(t, err, ErrInvalidEntry)
	require.Empty(t, spool.spooled)
}
