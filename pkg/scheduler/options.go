package scheduler

import (
	"log/slog"
	"time"
)

// Option is a functional option for configuring the scheduler.
type Option func(*options)

type options struct {
	interval        time.Duration
	batchSize       int
	maxConcurrent   int
	dispatchTimeout time.Duration
	clock           func() time.Time
	logger          *slog.Logger
}

// WithInterval sets how often the scheduler polls for due subscriptions.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithBatchSize caps how many due subscriptions one batch picks up.
// Zero means unlimited.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.batchSize = n
		}
	}
}

// WithMaxConcurrent sets how many subscriptions are processed in parallel
// within a batch.
func WithMaxConcurrent(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithDispatchTimeout bounds how long a single dispatched subscription may
// take. Dispatches run on their own deadline, detached from the batch
// context, so stopping the scheduler never aborts billing work
// mid-transaction.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dispatchTimeout = d
		}
	}
}

// WithClock overrides the time source used to select due subscriptions.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger for the scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConfig applies an env-loaded configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		WithInterval(cfg.Interval)(o)
		WithBatchSize(cfg.BatchSize)(o)
		WithMaxConcurrent(cfg.MaxConcurrent)(o)
		WithDispatchTimeout(cfg.DispatchTimeout)(o)
	}
}
