package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

const (
	DefaultLockTTL  = 30 * time.Second
	DefaultCacheTTL = 24 * time.Hour
)

// unlockScript deletes the lock only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker holds a SetNX lease per key. Holders that outlive the TTL call Refresh.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl}
}

var _ interfaces.KeyLocker = (*RedisLocker)(nil)

func (l *RedisLocker) Lock(ctx context.Context, key string) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, lockKey(key), token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire checkout lock: %w", err)
	}
	return token, ok, nil
}

// TTL is the lease length; holders refresh well within it.
func (l *RedisLocker) TTL() time.Duration { return l.ttl }

func (l *RedisLocker) Refresh(ctx context.Context, key, token string) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{lockKey(key)}, token, l.ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("extend checkout lock: %w", err)
	}
	return n == 1, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	if err := unlockScript.Run(ctx, l.client, []string{lockKey(key)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release checkout lock: %w", err)
	}
	return nil
}

// RedisCache caches terminal records. Failures are logged and treated as misses; the
// payment store stays the source of truth.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

var _ interfaces.RecordCache = (*RedisCache)(nil)

func (c *RedisCache) Get(ctx context.Context, key string) (*models.PaymentRecord, bool) {
	cached, err := c.client.Get(ctx, cacheKey(key)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Idempotency cache read failed", zap.String("idempotency_key", key), zap.Error(err))
		}
		return nil, false
	}

	var record models.PaymentRecord
	if err := json.Unmarshal([]byte(cached), &record); err != nil {
		return nil, false
	}
	return &record, true
}

func (c *RedisCache) Set(ctx context.Context, record *models.PaymentRecord) {
	if record == nil || !record.Status.Terminal() && record.Status != models.StatusPaid {
		return
	}
	b, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(record.IdempotencyKey), b, c.ttl).Err(); err != nil {
		c.logger.Warn("Idempotency cache write failed", zap.String("idempotency_key", record.IdempotencyKey), zap.Error(err))
	}
}

func lockKey(key string) string  { return "checkout:lock:" + key }
func cacheKey(key string) string { return "idempotency:" + key }
