package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// release only deletes the key when the stored token matches, so an expired
// lease reclaimed by another holder is never released by the old one.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisManager implements Manager on top of Redis SET NX PX, giving the
// per-request serialization guarantee across multiple API instances.
type RedisManager struct {
	client    *redis.Client
	keyPrefix string
	retryWait time.Duration
}

// NewRedisManager constructs a Redis-backed lease manager.
func NewRedisManager(client *redis.Client) *RedisManager {
	return &RedisManager{
		client:    client,
		keyPrefix: "approval:lease:",
		retryWait: 25 * time.Millisecond,
	}
}

// Acquire polls until the lease is granted or ctx is done.
func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	for {
		lease, err := m.TryAcquire(ctx, key, ttl)
		if err == nil {
			return lease, nil
		}
		if err != ErrHeld {
			return nil, err
		}
		timer := time.NewTimer(m.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire attempts a single SET NX PX.
func (m *RedisManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{client: m.client, key: m.keyPrefix + key, token: token}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	return l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
}
