package pgstore

import "time"

// Config controls the billing database connection pool. Values come from
// the environment so they can be tuned per deployment without code changes.
type Config struct {
	ConnectionString  string        `env:"BILLING_PG_CONN_URL,required"`
	MaxOpenConns      int32         `env:"BILLING_PG_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns      int32         `env:"BILLING_PG_MAX_IDLE_CONNS" envDefault:"5"`
	HealthCheckPeriod time.Duration `env:"BILLING_PG_HEALTHCHECK_PERIOD" envDefault:"1m"`
	MaxConnIdleTime   time.Duration `env:"BILLING_PG_MAX_CONN_IDLE_TIME" envDefault:"10m"`
	MaxConnLifetime   time.Duration `env:"BILLING_PG_MAX_CONN_LIFETIME" envDefault:"30m"`

	RetryAttempts int           `env:"BILLING_PG_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval time.Duration `env:"BILLING_PG_RETRY_INTERVAL" envDefault:"5s"`

	// MigrationsTable is where goose records applied schema versions.
	MigrationsTable string `env:"BILLING_PG_MIGRATIONS_TABLE" envDefault:"billing_schema_migrations"`
}
