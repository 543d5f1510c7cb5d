package action

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"cortex/internal/types"
)

// RedisChannel appends actions to a redis stream the executor consumes.
// The stream gives durable at-least-once handoff when the HTTP path is
// down.
type RedisChannel struct {
	client *redis.Client
	stream string
}

// NewRedisChannel builds the redis stream dispatch channel.
func NewRedisChannel(addr, stream string) *RedisChannel {
	return &RedisChannel{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		stream: stream,
	}
}

func (c *RedisChannel) Name() string { return "redis" }

func (c *RedisChannel) Send(ctx context.Context, req *types.ActionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}
	err = c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]any{
			"action_id": req.ID,
			"payload":   string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis stream append failed: %w", err)
	}
	return nil
}

// Close releases the redis connection.
func (c *RedisChannel) Close() error { return c.client.Close() }
