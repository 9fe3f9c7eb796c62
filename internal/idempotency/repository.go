package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"waflow/internal/constants"
	"waflow/internal/logger"
	"waflow/pkg/metrics"
)

// Repository is the shared-store flavor of the dedupe gate.
type Repository interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

type RedisRepository struct {
	client *redis.Client
}

func NewRepository(client *redis.Client) Repository {
	return &RedisRepository{client: client}
}

func (r *RedisRepository) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	success, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	return success, nil
}

// RedisGuard adapts a Repository to the Guard contract, with a configured
// allow/deny fallback when redis is unreachable.
type RedisGuard struct {
	repo         Repository
	ttl          time.Duration
	onRedisError string
	logger       logger.Logger
}

func NewRedisGuard(repo Repository, ttl time.Duration, onRedisError string, log logger.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = constants.DefaultIdempotencyTTL
	}
	return &RedisGuard{
		repo:         repo,
		ttl:          ttl,
		onRedisError: onRedisError,
		logger:       log,
	}
}

func (g *RedisGuard) RegisterIfNew(ctx context.Context, key string) (bool, error) {
	success, err := g.repo.SetNX(ctx, constants.CacheKeyPrefixIdem+key, time.Now().Unix(), g.ttl)
	if err != nil {
		metrics.IdempotencyChecksTotal.WithLabelValues("error").Inc()
		if g.onRedisError == constants.FallbackAllow {
			metrics.FallbackUsageTotal.WithLabelValues("idempotency", "allow_on_error", err.Error()).Inc()
			g.logger.WarnwCtx(ctx, "Redis error during idempotency check, allowing event (fallback: allow)",
				"error", err,
			)
			return true, nil
		}
		metrics.FallbackUsageTotal.WithLabelValues("idempotency", "deny_on_error", err.Error()).Inc()
		return false, fmt.Errorf("redis error during idempotency check: %w", err)
	}

	status := "duplicate"
	if success {
		status = "unique"
	}
	metrics.IdempotencyChecksTotal.WithLabelValues(status).Inc()
	return success, nil
}
