package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/idempotency"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

// unreachable points at a port nothing listens on.
func unreachable(t *testing.T) *redis.Client {
	c := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRedisCache_FailsOpen(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cache := idempotency.NewRedisCache(unreachable(t), 0, zap.New(core))
	ctx := context.Background()

	got, ok := cache.Get(ctx, "k1")
	assert.False(t, ok)
	assert.Nil(t, got)

	cache.Set(ctx, &models.PaymentRecord{IdempotencyKey: "k1", Status: models.StatusPaid})

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "Idempotency cache read failed", logs.All()[0].Message)
	assert.Equal(t, "Idempotency cache write failed", logs.All()[1].Message)
}

func TestRedisCache_SkipsPending(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cache := idempotency.NewRedisCache(unreachable(t), 0, zap.New(core))

	cache.Set(context.Background(), &models.PaymentRecord{IdempotencyKey: "k1", Status: models.StatusPending})
	assert.Zero(t, logs.Len(), "pending records are never written")
}

func TestRedisLocker_ErrorWhenUnavailable(t *testing.T) {
	l := idempotency.NewRedisLocker(unreachable(t), 0)

	_, ok, err := l.Lock(context.Background(), "k1")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "acquire checkout lock")
}

func TestRedisLocker_RefreshErrorWhenUnavailable(t *testing.T) {
	l := idempotency.NewRedisLocker(unreachable(t), time.Second)
	assert.Equal(t, time.Second, l.TTL())

	ok, err := l.Refresh(context.Background(), "k1", "token")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "extend checkout lock")
}
