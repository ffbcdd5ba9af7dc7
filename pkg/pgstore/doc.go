// Package pgstore is the PostgreSQL implementation of the billing store.
// It persists plans, subscriptions and payment attempts with pgx/v5 and
// enforces the two storage-level guarantees the billing engine relies on:
//
//   - GetSubscriptionForUpdate takes a SELECT ... FOR UPDATE row lock, so
//     concurrent workers processing the same subscription serialize at the
//     database.
//   - payment_attempts carries a unique constraint on (subscription_id,
//     period_start, period_end, attempt_number); a second worker inserting
//     the same logical attempt receives billing.ErrDuplicateAttempt
//     instead of creating a double charge.
//
// Schema migrations are embedded in the package and applied with goose, so
// a deployment needs no migration files on disk:
//
//	pool, err := pgstore.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	if err := pgstore.Migrate(ctx, pool, slog.Default()); err != nil {
//	    return err
//	}
//
//	store, err := pgstore.New(pool)
//
// Config is populated from environment variables via github.com/caarlos0/env
// and controls pool sizing and connect retry behaviour.
package pgstore
