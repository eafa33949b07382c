package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/treasury/internal/shared"
)

func newTestLocker(t *testing.T, ttl time.Duration) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, ttl, shared.PeriodLockKey), mr
}

func TestLockerIsExclusive(t *testing.T) {
	locker, mr := newTestLocker(t, time.Minute)
	ctx := context.Background()

	unlock, ok, err := locker.TryLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists("treasury:period:42:lock"))

	_, ok, err = locker.TryLock(ctx, 42)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = locker.TryLock(ctx, 43)
	require.NoError(t, err)
	require.True(t, ok, "other periods are independent")

	unlock()
	require.False(t, mr.Exists("treasury:period:42:lock"))
	_, ok, err = locker.TryLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockerReleaseKeepsForeignLock(t *testing.T) {
	locker, mr := newTestLocker(t, time.Second)
	ctx := context.Background()

	unlock, ok, err := locker.TryLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = locker.TryLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok, "expired lock can be re-acquired")

	unlock()
	require.True(t, mr.Exists("treasury:period:7:lock"), "stale holder must not release the new lock")
}
