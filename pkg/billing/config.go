package billing

import "time"

// Config carries the engine's tunable policy knobs, loadable from the
// environment via pkg/config. The engine is always constructable without
// it; explicit RetryPolicy values keep unit tests deterministic.
type Config struct {
	MaxRetries             int           `env:"BILLING_MAX_RETRIES" envDefault:"3"`                // consecutive failures before a subscription expires
	RetryDelay             time.Duration `env:"BILLING_RETRY_DELAY" envDefault:"24h"`              // base wait between retry attempts
	RetryBackoffMultiplier float64       `env:"BILLING_RETRY_BACKOFF_MULTIPLIER" envDefault:"1.0"` // 1.0 = constant schedule, 2.0 = doubling
	GracePeriod            time.Duration `env:"BILLING_GRACE_PERIOD" envDefault:"168h"`            // access retention window after first failure
	IdempotencyWindow      time.Duration `env:"BILLING_IDEMPOTENCY_WINDOW" envDefault:"1h"`        // duplicate-charge suppression window
	ChargeTimeout          time.Duration `env:"BILLING_CHARGE_TIMEOUT" envDefault:"30s"`           // bound on every gateway call
}

func (c Config) retryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	if c.MaxRetries > 0 {
		p.MaxRetries = c.MaxRetries
	}
	if c.RetryDelay > 0 {
		p.RetryDelay = c.RetryDelay
	}
	if c.RetryBackoffMultiplier >= 1 {
		p.BackoffMultiplier = c.RetryBackoffMultiplier
	}
	if c.GracePeriod > 0 {
		p.GracePeriod = c.GracePeriod
	}
	return p
}
