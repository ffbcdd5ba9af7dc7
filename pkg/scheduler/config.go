package scheduler

import "time"

// Config holds the scheduler configuration for env-based loading.
type Config struct {
	Interval        time.Duration `env:"BILLING_SCHEDULER_INTERVAL" envDefault:"1m"`
	BatchSize       int           `env:"BILLING_SCHEDULER_BATCH_SIZE" envDefault:"100"`
	MaxConcurrent   int           `env:"BILLING_SCHEDULER_MAX_CONCURRENT" envDefault:"10"`
	DispatchTimeout time.Duration `env:"BILLING_SCHEDULER_DISPATCH_TIMEOUT" envDefault:"2m"`
}
