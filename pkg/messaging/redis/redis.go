package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jwalitptl/tumor-intake/pkg/circuitbreaker"
	"github.com/jwalitptl/tumor-intake/pkg/messaging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RedisBroker struct {
	client *redis.Client
	cb     *circuitbreaker.CircuitBreaker
	logger *zerolog.Logger
}

type Config struct {
	URL          string
	MaxRetries   int
	RetryBackoff time.Duration
	PoolSize     int
	MinIdleConns int
}

func NewRedisBroker(config Config, logger *zerolog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pooling
	opts.MaxRetries = config.MaxRetries
	opts.MinRetryBackoff = config.RetryBackoff
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisBrokerFromClient(client, logger), nil
}

// NewRedisBrokerFromClient wraps an already configured client.
func NewRedisBrokerFromClient(client *redis.Client, logger *zerolog.Logger) *RedisBroker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RedisBroker{
		client: client,
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "redis-broker",
			MaxFailures: 5,
			Timeout:     5 * time.Second,
		}),
		logger: logger,
	}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	err = b.cb.Execute(func() error {
		return b.client.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		b.logger.Warn().Err(err).Str("channel", channel).Msg("redis publish failed")
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

var _ messaging.Broker = (*RedisBroker)(nil)

// Ping checks that the server is reachable.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
