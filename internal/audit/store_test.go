package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	entry := Entry{
		ID:         uuid.New(),
		Timestamp:  time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		Actor:      Actor{ID: 3, Name: "Ana"},
		Action:     ActionTransactionCreated,
		EntityType: EntityTransaction,
		EntityID:   "11",
		NewValues:  Values{"amount": "500", "description": "Mensalidade"},
		PeriodID:   1,
		IPAddress:  "10.0.0.1",
	}
	require.NoError(t, store.Append(ctx, entry))
	require.NoError(t, store.Append(ctx, entry))

	entries, err := store.Timeline(ctx, TimelineQuery{PeriodID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	require.Equal(t, entry.ID, got.ID)
	require.True(t, entry.Timestamp.Equal(got.Timestamp))
	require.Equal(t, entry.Actor, got.Actor)
	require.Equal(t, "500", got.NewValues["amount"])
	require.Nil(t, got.OldValues)
	require.Equal(t, "10.0.0.1", got.IPAddress)
}

func TestStoreRejectsIncompleteEntry(t *testing.T) {
	store := openTestStore(t)
	err := store.Append(context.Background(), Entry{ID: uuid.New(), Action: ActionPeriodClosed})
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestStoreTimelineFiltersAndOrder(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	for i, action := range []Action{ActionTransactionCreated, ActionTransactionUpdated, ActionPeriodClosed} {
		entityType := EntityTransaction
		if action == ActionPeriodClosed {
			entityType = EntityPeriod
		}
		require.NoError(t, store.Append(ctx, Entry{
			ID:         uuid.New(),
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
			Actor:      Actor{ID: int64(i + 1), Name: "user"},
			Action:     action,
			EntityType: entityType,
			EntityID:   "5",
			PeriodID:   2,
		}))
	}

	all, err := store.Timeline(ctx, TimelineQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, ActionPeriodClosed, all[0].Action)

	byAction, err := store.Timeline(ctx, TimelineQuery{Action: ActionTransactionUpdated})
	require.NoError(t, err)
	require.Len(t, byAction, 1)

	byUser, err := store.Timeline(ctx, TimelineQuery{UserID: 1})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	require.Equal(t, ActionTransactionCreated, byUser[0].Action)

	windowed, err := store.Timeline(ctx, TimelineQuery{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, windowed, 1)

	paged, err := store.Timeline(ctx, TimelineQuery{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	require.Equal(t, ActionTransactionCreated, paged[0].Action)
}

func TestStoreForPeriodUntilIsChronological(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	actions := []Action{ActionTransactionCreated, ActionTransactionDeleted, ActionPeriodClosed, ActionTransactionCreated}
	for i, action := range actions {
		require.NoError(t, store.Append(ctx, Entry{
			ID:         uuid.New(),
			Timestamp:  base.Add(time.Duration(i+3) * time.Minute),
			Action:     action,
			EntityType: EntityTransaction,
			EntityID:   "1",
			PeriodID:   9,
		}))
	}

	entries, err := store.ForPeriodUntil(ctx, 9, base.Add(5*time.Minute), ActionTransactionCreated, ActionTransactionDeleted)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ActionTransactionCreated, entries[0].Action)
	require.Equal(t, ActionTransactionDeleted, entries[1].Action)
	require.True(t, entries[0].Timestamp.Before(entries[1].Timestamp))
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	reverses := int64(1)
	snap := Snapshot{
		ID:          uuid.New(),
		PeriodID:    1,
		PeriodMonth: 1,
		PeriodYear:  2024,
		CreatedBy:   Actor{ID: 2, Name: "Carla"},
		Reason:      "correção de digitação",
		Data: SnapshotData{
			Summary: SnapshotSummary{
				Status:         "closed",
				OpeningBalance: decimal.Zero,
				ClosingBalance: decimal.NewNullDecimal(decimal.NewFromInt(300)),
				Net:            decimal.NewFromInt(300),
				Count:          2,
			},
			Transactions: []SnapshotTransaction{
				{ID: 1, Date: "2024-01-05", Description: "Doação", Amount: decimal.NewFromInt(500), Type: "original"},
				{ID: 2, Date: "2024-01-06", Description: "Luz", Amount: decimal.NewFromInt(-200), Type: "original"},
				{ID: 3, Date: "2024-01-05", Description: "ESTORNO: Doação", Amount: decimal.NewFromInt(600), Type: "reversal", ReversesID: &reverses},
			},
		},
		TransactionsCount: 3,
		ClosingBalance:    decimal.NewNullDecimal(decimal.NewFromInt(300)),
		WasClosed:         true,
		CreatedAt:         time.Date(2024, 2, 3, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateSnapshot(ctx, snap))

	got, err := store.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, snap.Reason, got.Reason)
	require.True(t, got.WasClosed)
	require.True(t, got.ClosingBalance.Decimal.Equal(decimal.NewFromInt(300)))
	require.Len(t, got.Data.Transactions, 3)
	require.True(t, got.Data.Transactions[1].Amount.Equal(decimal.NewFromInt(-200)))
	require.Equal(t, int64(1), *got.Data.Transactions[2].ReversesID)

	list, err := store.ListSnapshots(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = store.GetSnapshot(ctx, uuid.New())
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestStoreRejectsUpdates(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.Append(ctx, Entry{
		ID:         uuid.New(),
		Timestamp:  time.Now(),
		Action:     ActionPeriodOpened,
		EntityType: EntityPeriod,
		EntityID:   "1",
	}))
	_, err := store.db.ExecContext(ctx, `UPDATE audit_log SET description = 'x'`)
	require.Error(t, err)
	_, err = store.db.ExecContext(ctx, `DELETE FROM audit_log`)
	require.Error(t, err)
}
