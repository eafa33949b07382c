package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our token, so an
// expired lock re-acquired by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive locks backed by SET NX.
type Locker struct {
	client redis.UniversalClient
	ttl    time.Duration
	key    func(int64) string
}

// NewLocker constructs a Locker. key maps a resource id onto its redis key.
func NewLocker(client redis.UniversalClient, ttl time.Duration, key func(int64) string) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, ttl: ttl, key: key}
}

// TryLock acquires the lock for id without waiting. ok is false when another
// holder owns it.
func (l *Locker) TryLock(ctx context.Context, id int64) (func(), bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("platform/cache: locker not initialised")
	}
	key := l.key(id)
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("platform/cache: set lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	unlock := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return unlock, true, nil
}
