// Package config loads application configuration from environment variables
// into typed structs.
//
// It wraps github.com/joho/godotenv and github.com/caarlos0/env/v11 behind a
// small API:
//
//   - LoadEnv / MustLoadEnv load one or more .env files into the process
//     environment (the default .env is optional, named files are not).
//   - Load / MustLoad parse the environment into any struct with env tags,
//     caching each type so it is parsed at most once per process.
//   - ForceReloadConfig and ResetCache bypass or clear the cache, which tests
//     need after mutating the environment.
//
// Every billing service config follows the same shape:
//
//	type SchedulerConfig struct {
//		Interval  time.Duration `env:"BILLING_SCHEDULER_INTERVAL" envDefault:"1m"`
//		BatchSize int           `env:"BILLING_SCHEDULER_BATCH_SIZE" envDefault:"100"`
//	}
//
//	var cfg SchedulerConfig
//	config.MustLoad(&cfg)
//
// Sentinel errors (ErrParsingConfig, ErrLoadingEnvFile, ErrConfigNotLoaded,
// ErrNilPointer) can be matched with errors.Is.
package config
