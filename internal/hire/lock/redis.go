package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLockPrefix = "lock:hire:"

// unlockScript deletes the key only when it still holds our token so an
// expired lease never releases somebody else's lock.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type redisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLocker relies on SET NX PX; the TTL bounds how long a crashed holder
// can block the request.
type RedisLocker struct {
	client    redisClient
	keyPrefix string
}

// NewRedisLocker constructs the locker.
func NewRedisLocker(client redisClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = defaultLockPrefix
	}
	return &RedisLocker{client: client, keyPrefix: prefix}
}

func (r *RedisLocker) TryLock(ctx context.Context, requestID uuid.UUID, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	ok, err := r.client.SetNX(ctx, r.keyPrefix+requestID.String(), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (r *RedisLocker) Unlock(ctx context.Context, requestID uuid.UUID, token string) error {
	if err := unlockScript.Run(ctx, r.client, []string{r.keyPrefix + requestID.String()}, token).Err(); err != nil {
		return fmt.Errorf("redis unlock: %w", err)
	}
	return nil
}
