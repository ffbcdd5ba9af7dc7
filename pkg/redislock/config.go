package redislock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the Redis connection settings for the lock backend.
type Config struct {
	ConnectionURL  string        `env:"BILLING_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RetryAttempts  int           `env:"BILLING_REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"BILLING_REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"BILLING_REDIS_CONNECT_TIMEOUT" envDefault:"30s"`

	LockTTL      time.Duration `env:"BILLING_LOCK_TTL" envDefault:"1m"`
	PollInterval time.Duration `env:"BILLING_LOCK_POLL_INTERVAL" envDefault:"50ms"`
}

var (
	ErrFailedToParseConnString = errors.New("failed to parse redis connection string")
	ErrRedisNotReady           = errors.New("redis did not become ready within the given time period")
)

// Connect opens a Redis client for the lock backend, retrying until the
// server answers a ping or the connect timeout runs out.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opt, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseConnString, err)
	}

	for range cfg.RetryAttempts {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}

	return nil, ErrRedisNotReady
}

// NewFromConfig connects to Redis and builds a locker in one step.
func NewFromConfig(ctx context.Context, cfg Config, opts ...Option) (*Locker, error) {
	client, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	all := append([]Option{WithTTL(cfg.LockTTL), WithPollInterval(cfg.PollInterval)}, opts...)
	return New(client, all...)
}
