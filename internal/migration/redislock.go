package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes runners across hosts through a Redis key, for
// deployments where the database offers no usable lock.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker creates a locker on "schema-migrator:lock:<table>". The key
// expires after ttl so a crashed runner cannot hold it forever.
//
// TODO: refresh the key while a run is in progress so runs longer than ttl
// keep their lock.
func NewRedisLocker(client redis.UniversalClient, table string, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{
		client: client,
		key:    "schema-migrator:lock:" + table,
		ttl:    ttl,
		wait:   wait,
	}
}

// Acquire takes the lock or fails with ErrLockTimeout.
func (l *RedisLocker) Acquire(ctx context.Context) (Unlock, error) {
	token := uuid.NewString()
	err := pollLock(ctx, l.wait, func(ctx context.Context) (bool, error) {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("redis lock %s: %w", l.key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("release redis lock %s: %w", l.key, err)
		}
		return nil
	}, nil
}
