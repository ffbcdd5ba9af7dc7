package pgstore

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrFailedToOpenDBConnection = errors.New("failed to open billing db connection")
	ErrFailedToParseDBConfig    = errors.New("failed to parse billing db config")
	ErrHealthcheckFailed        = errors.New("billing db healthcheck failed")
	ErrFailedToApplyMigrations  = errors.New("failed to apply billing migrations")
	ErrPoolNil                  = errors.New("connection pool cannot be nil")
)

// isNotFound detects pgx.ErrNoRows so queries can map it to the billing
// package's typed not-found errors.
func isNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isUniqueViolation detects SQLSTATE 23505, which the payment_attempts
// uniqueness constraint raises when two workers insert the same logical
// attempt.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
