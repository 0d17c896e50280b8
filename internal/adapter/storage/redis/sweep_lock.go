package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when it still carries the caller's token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SweepLock implements ports.SweepLock with SET NX PX on a single key.
type SweepLock struct {
	client *goredis.Client
	key    string
}

// NewSweepLock creates a Redis-backed sweep lock.
func NewSweepLock(client *goredis.Client) *SweepLock {
	return &SweepLock{
		client: client,
		key:    "sweep:lock",
	}
}

// TryAcquire takes the lock for owner if nobody holds it.
// Returns false if another owner holds it.
func (l *SweepLock) TryAcquire(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	result, err := l.client.SetArgs(ctx, l.key, owner, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis sweep lock acquire: %w", err)
	}
	return result == "OK", nil
}

// Release drops the lock if owner still holds it. Releasing a lock that
// expired or moved to another owner is a no-op.
func (l *SweepLock) Release(ctx context.Context, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, owner).Err(); err != nil {
		return fmt.Errorf("redis sweep lock release: %w", err)
	}
	return nil
}
