package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrClientNil = errors.New("redis client cannot be nil")
)

// releaseScript deletes the lock only if it still holds this locker's
// token. Without the token check a worker that overran the TTL would
// release a lock since acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker is a blocking distributed lock on Redis. It satisfies
// billing.Locker.
type Locker struct {
	client       redis.UniversalClient
	ttl          time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures the locker.
type Option func(*Locker)

// WithTTL sets how long an acquired lock survives a crashed holder.
func WithTTL(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithPollInterval sets how often a blocked Acquire retries.
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithLogger sets the logger used for release failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Redis-backed locker. The default TTL of one minute
// comfortably covers a charge attempt including the gateway timeout.
func New(client redis.UniversalClient, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, ErrClientNil
	}

	l := &Locker{
		client:       client,
		ttl:          time.Minute,
		pollInterval: 50 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire blocks until the lock for key is held or ctx is cancelled. The
// returned release function is safe to call with an already-cancelled
// context; release failures are logged, not returned, because by then the
// protected work has already committed and the TTL bounds the damage.
func (l *Locker) Acquire(ctx context.Context, key string) (func(context.Context), error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}

	release := func(releaseCtx context.Context) {
		// Deliberately not the acquire context: release must still run
		// when the caller's context has been cancelled mid-processing.
		if releaseCtx.Err() != nil {
			releaseCtx = context.Background()
		}
		releaseCtx, cancel := context.WithTimeout(releaseCtx, 5*time.Second)
		defer cancel()

		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.ErrorContext(releaseCtx, "failed to release billing lock",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}
	return release, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
