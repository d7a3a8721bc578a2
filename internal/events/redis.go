package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisPublisher publishes events on <prefix>:<event type> channels
type RedisPublisher struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisPublisher connects to Redis and returns a publisher
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	logger.Info("Connected to Redis successfully", "addr", cfg.Address)
	return &RedisPublisher{rdb: rdb, prefix: cfg.Prefix, logger: logger}, nil
}

// Channel returns the channel an event type is published on
func (p *RedisPublisher) Channel(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + ":" + eventType
}

// Publish sends e as JSON
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.Channel(e.Type), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe returns a subscription to every event type under the prefix
func (p *RedisPublisher) Subscribe(ctx context.Context) *redis.PubSub {
	return p.rdb.PSubscribe(ctx, p.Channel("*"))
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
