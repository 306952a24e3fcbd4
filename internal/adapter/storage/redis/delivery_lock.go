package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when this instance still owns it, so a
// holder whose TTL lapsed cannot free a lock someone else took over.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DeliveryLock implements ports.DeliveryLock using Redis SET NX.
type DeliveryLock struct {
	client goredis.UniversalClient
	prefix string
	owner  string
}

// NewDeliveryLock creates a lock bound to a fresh owner id.
func NewDeliveryLock(client goredis.UniversalClient) *DeliveryLock {
	return &DeliveryLock{
		client: client,
		prefix: keyPrefix + "webhook-lock:",
		owner:  ulid.Make().String(),
	}
}

// Acquire returns true if the key was free and is now held for ttl.
func (l *DeliveryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	result, err := l.client.SetArgs(ctx, l.prefix+key, l.owner, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis delivery lock acquire: %w", err)
	}
	return result == "OK", nil
}

func (l *DeliveryLock) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, l.owner).Err(); err != nil {
		return fmt.Errorf("redis delivery lock release: %w", err)
	}
	return nil
}
