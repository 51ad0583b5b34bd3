package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayRepository counts refresh token reuse per user inside a sliding window.
type ReplayRepository struct {
	client redis.UniversalClient
	prefix string
}

// NewReplayRepository creates a Redis-backed replay strike counter.
func NewReplayRepository(client redis.UniversalClient, prefix string) *ReplayRepository {
	if prefix == "" {
		prefix = "session"
	}
	return &ReplayRepository{client: client, prefix: prefix}
}

func (r *ReplayRepository) key(userID string) string {
	return r.prefix + ":replay:" + userID
}

// RecordStrike increments the user's strike counter and returns the new count. Each
// strike extends the window.
func (r *ReplayRepository) RecordStrike(ctx context.Context, userID string, window time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, r.key(userID))
		pipe.PExpire(ctx, r.key(userID), window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record replay strike: %w", err)
	}
	return incr.Val(), nil
}

// Reset clears the user's strikes.
func (r *ReplayRepository) Reset(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("reset replay strikes: %w", err)
	}
	return nil
}
