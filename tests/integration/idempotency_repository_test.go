package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/idempotency"
)

func TestRedisRepositorySetNX(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)
	repo := idempotency.NewRepository(infra.RedisClient)
	ctx := context.Background()

	first, err := repo.SetNX(ctx, "dedupe:test-key", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := repo.SetNX(ctx, "dedupe:test-key", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestRedisGuardDedupesAcrossInstances(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)
	ctx := context.Background()

	key := idempotency.Key("tenant-1", "inst-1", "wamid.1", 0)

	guardA := idempotency.NewRedisGuard(idempotency.NewRepository(infra.RedisClient), time.Minute, "", createTestLogger())
	guardB := idempotency.NewRedisGuard(idempotency.NewRepository(infra.RedisClient), time.Minute, "", createTestLogger())

	fresh, err := guardA.RegisterIfNew(ctx, key)
	require.NoError(t, err)
	assert.True(t, fresh)

	// A second process sharing the store sees the duplicate.
	fresh, err = guardB.RegisterIfNew(ctx, key)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestRedisGuardTTLExpiry(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)
	ctx := context.Background()

	guard := idempotency.NewRedisGuard(idempotency.NewRepository(infra.RedisClient), time.Second, "", createTestLogger())

	fresh, err := guard.RegisterIfNew(ctx, "expiring-key")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = guard.RegisterIfNew(ctx, "expiring-key")
	require.NoError(t, err)
	assert.False(t, fresh)

	time.Sleep(1100 * time.Millisecond)

	fresh, err = guard.RegisterIfNew(ctx, "expiring-key")
	require.NoError(t, err)
	assert.True(t, fresh, "expired key registers as new again")
}
