package pausegate

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisGate shares the pause flag through Redis so that several ledger
// instances (or the gateway and the engine) observe the same state.
type RedisGate struct {
	client *redis.Client
	key    string
}

// NewRedisGate creates a gate backed by the given key.
func NewRedisGate(client *redis.Client, key string) *RedisGate {
	if key == "" {
		key = "vestd:paused"
	}
	return &RedisGate{client: client, key: key}
}

func (g *RedisGate) Pause(ctx context.Context) error {
	if err := g.client.Set(ctx, g.key, "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to set pause flag: %w", err)
	}
	return nil
}

func (g *RedisGate) Unpause(ctx context.Context) error {
	if err := g.client.Set(ctx, g.key, "0", 0).Err(); err != nil {
		return fmt.Errorf("failed to clear pause flag: %w", err)
	}
	return nil
}

func (g *RedisGate) Paused(ctx context.Context) (bool, error) {
	val, err := g.client.Get(ctx, g.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read pause flag: %w", err)
	}
	return val == "1", nil
}
