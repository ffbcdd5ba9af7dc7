package billing

import (
	"log/slog"
	"time"
)

// Option configures an Engine.
type Option func(e *Engine, chargeTimeout *time.Duration)

// WithNotifier sets the lifecycle event sink. Nil notifiers are ignored so
// the default no-op stays in place.
func WithNotifier(n Notifier) Option {
	return func(e *Engine, _ *time.Duration) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithRetryPolicy replaces the default dunning policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine, _ *time.Duration) {
		e.retry = p
	}
}

// WithLocker adds a distributed lock around ProcessOne, for deployments
// where multiple scheduler processes may dispatch the same subscription.
func WithLocker(l Locker) Option {
	return func(e *Engine, _ *time.Duration) {
		e.locker = l
	}
}

// WithIdempotencyWindow sets how long a successful charge for the current
// period suppresses re-billing on duplicate dispatch.
func WithIdempotencyWindow(d time.Duration) Option {
	return func(e *Engine, _ *time.Duration) {
		if d > 0 {
			e.idempotencyWindow = d
		}
	}
}

// WithChargeTimeout bounds every gateway call. A timed-out call is treated
// as an indeterminate outcome, not a decline.
func WithChargeTimeout(d time.Duration) Option {
	return func(_ *Engine, chargeTimeout *time.Duration) {
		if d > 0 {
			*chargeTimeout = d
		}
	}
}

// WithClock replaces the time source, enabling deterministic tests of
// time-driven policy edge cases.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine, _ *time.Duration) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the structured logger. Nil loggers are ignored.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine, _ *time.Duration) {
		if log != nil {
			e.logger = log
		}
	}
}

// WithConfig applies an environment-derived configuration in one step.
func WithConfig(cfg Config) Option {
	return func(e *Engine, chargeTimeout *time.Duration) {
		e.retry = cfg.retryPolicy()
		if cfg.IdempotencyWindow > 0 {
			e.idempotencyWindow = cfg.IdempotencyWindow
		}
		if cfg.ChargeTimeout > 0 {
			*chargeTimeout = cfg.ChargeTimeout
		}
	}
}
