package poller

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"waflow/internal/constants"
)

// CursorRepository owns the poller's resume position. Load returns "" when
// no cursor has ever been stored.
type CursorRepository interface {
	Load(ctx context.Context) (string, error)
	Store(ctx context.Context, cursor string) error
}

type RedisCursorRepository struct {
	client *redis.Client
}

func NewRedisCursorRepository(client *redis.Client) *RedisCursorRepository {
	return &RedisCursorRepository{client: client}
}

func (r *RedisCursorRepository) Load(ctx context.Context) (string, error) {
	cursor, err := r.client.Get(ctx, constants.CursorKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load poller cursor: %w", err)
	}
	return cursor, nil
}

func (r *RedisCursorRepository) Store(ctx context.Context, cursor string) error {
	if err := r.client.Set(ctx, constants.CursorKey, cursor, 0).Err(); err != nil {
		return fmt.Errorf("failed to store poller cursor: %w", err)
	}
	return nil
}
