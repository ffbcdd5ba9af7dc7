package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// Store implements billing.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ billing.Store = (*Store)(nil)

// New creates a PostgreSQL-backed billing store.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, ErrPoolNil
	}
	return &Store{pool: pool}, nil
}

// Transact runs fn inside a database transaction. Row locks taken via
// GetSubscriptionForUpdate are held until commit or rollback.
func (s *Store) Transact(ctx context.Context, fn func(tx billing.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin billing transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit billing transaction: %w", err)
	}
	return nil
}

// queryer abstracts pool and transaction so read helpers serve both.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const planColumns = `id, name, description, price, currency, billing_interval,
	interval_count, trial_days, max_subscribers, active, features, sort_order,
	created_at, updated_at`

const subscriptionColumns = `id, user_id, plan_id, status, start_date,
	current_period_start, current_period_end, next_billing_date, trial_end_date,
	cancel_at_period_end, cancelled_at, ended_at, cancellation_reason,
	failed_attempt_count, last_failure_at, last_failure_reason,
	payment_method_ref, pending_plan_id, paused_at, metadata, version,
	created_at, updated_at`

const attemptColumns = `id, subscription_id, user_id, period_start, period_end,
	attempt_number, is_retry, amount, currency, is_prorated, prorated_amount,
	status, gateway_reference, maybe_succeeded, failure_code, failure_reason,
	refunded_amount, refund_reference, refund_reason, refunded_at, created_at`

func (s *Store) GetPlan(ctx context.Context, planID string) (*billing.Plan, error) {
	return getPlan(ctx, s.pool, planID)
}

// SavePlan inserts or updates a plan. The plan is validated first so
// misconfiguration surfaces at publish time, not at billing time.
func (s *Store) SavePlan(ctx context.Context, plan *billing.Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}

	features, err := json.Marshal(orEmptyMap(plan.Features))
	if err != nil {
		return fmt.Errorf("marshal plan features: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			billing_interval = EXCLUDED.billing_interval,
			interval_count = EXCLUDED.interval_count,
			trial_days = EXCLUDED.trial_days,
			max_subscribers = EXCLUDED.max_subscribers,
			active = EXCLUDED.active,
			features = EXCLUDED.features,
			sort_order = EXCLUDED.sort_order,
			updated_at = EXCLUDED.updated_at`,
		plan.ID, plan.Name, plan.Description, plan.Price, plan.Currency,
		string(plan.Interval), plan.IntervalCount, plan.TrialDays,
		plan.MaxSubscribers, plan.Active, features, plan.SortOrder,
		orNow(plan.CreatedAt), orNow(plan.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save plan %s: %w", plan.ID, err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

// ListDue returns subscriptions requiring scheduler attention at now:
// active renewals past their billing date, expired trials, past-due
// retries, and deferred cancellations whose paid period has run out. A
// limit of zero means no limit.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM subscriptions
		WHERE (status = 'active' AND next_billing_date <= $1)
		   OR (status = 'active' AND cancel_at_period_end AND current_period_end <= $1)
		   OR (status = 'trialing' AND trial_end_date <= $1)
		   OR status = 'past_due'
		ORDER BY next_billing_date, id
		LIMIT NULLIF($2::int, 0)`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListAttempts(ctx context.Context, subscriptionID uuid.UUID) ([]billing.PaymentAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM payment_attempts
		WHERE subscription_id = $1
		ORDER BY created_at DESC, attempt_number DESC`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list payment attempts: %w", err)
	}
	defer rows.Close()

	var attempts []billing.PaymentAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

func (s *Store) GetAttempt(ctx context.Context, id uuid.UUID) (*billing.PaymentAttempt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1`, id)
	attempt, err := scanAttempt(row)
	if isNotFound(err) {
		return nil, billing.ErrAttemptNotFound
	}
	return attempt, err
}

// pgTx implements billing.Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

var _ billing.Tx = (*pgTx)(nil)

// GetSubscriptionForUpdate loads the subscription under an exclusive row
// lock. A second transaction targeting the same row blocks here until the
// first commits, which serializes all billing work per subscription.
func (t *pgTx) GetSubscriptionForUpdate(ctx context.Context, id uuid.UUID) (*billing.Subscription, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id)
	return scanSubscription(row)
}

func (t *pgTx) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	metadata, err := json.Marshal(orEmptyMap(sub.Metadata))
	if err != nil {
		return fmt.Errorf("marshal subscription metadata: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		sub.ID, sub.UserID, sub.PlanID, string(sub.Status), sub.StartDate,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.NextBillingDate,
		sub.TrialEndDate, sub.CancelAtPeriodEnd, sub.CancelledAt, sub.EndedAt,
		sub.CancellationReason, sub.FailedAttemptCount, sub.LastFailureAt,
		sub.LastFailureReason, sub.PaymentMethodRef, sub.PendingPlanID,
		sub.PausedAt, metadata, sub.Version, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create subscription %s: %w", sub.ID, err)
	}
	return nil
}

// UpdateSubscription writes the subscription with an optimistic version
// check: the row must still carry the version the caller read, and the
// write bumps it. A mismatch means another worker got there first.
func (t *pgTx) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	metadata, err := json.Marshal(orEmptyMap(sub.Metadata))
	if err != nil {
		return fmt.Errorf("marshal subscription metadata: %w", err)
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE subscriptions SET
			plan_id = $2,
			status = $3,
			start_date = $4,
			current_period_start = $5,
			current_period_end = $6,
			next_billing_date = $7,
			trial_end_date = $8,
			cancel_at_period_end = $9,
			cancelled_at = $10,
			ended_at = $11,
			cancellation_reason = $12,
			failed_attempt_count = $13,
			last_failure_at = $14,
			last_failure_reason = $15,
			payment_method_ref = $16,
			pending_plan_id = $17,
			paused_at = $18,
			metadata = $19,
			version = version + 1,
			updated_at = $20
		WHERE id = $1 AND version = $21`,
		sub.ID, sub.PlanID, string(sub.Status), sub.StartDate,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.NextBillingDate,
		sub.TrialEndDate, sub.CancelAtPeriodEnd, sub.CancelledAt, sub.EndedAt,
		sub.CancellationReason, sub.FailedAttemptCount, sub.LastFailureAt,
		sub.LastFailureReason, sub.PaymentMethodRef, sub.PendingPlanID,
		sub.PausedAt, metadata, sub.UpdatedAt, sub.Version)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrVersionConflict
	}
	return nil
}

func (t *pgTx) InsertAttempt(ctx context.Context, attempt *billing.PaymentAttempt) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payment_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21)`,
		attempt.ID, attempt.SubscriptionID, attempt.UserID,
		attempt.PeriodStart, attempt.PeriodEnd, attempt.AttemptNumber,
		attempt.IsRetry, attempt.Amount, attempt.Currency, attempt.IsProrated,
		nullDecimal(attempt.ProratedAmount), string(attempt.Status),
		attempt.GatewayReference, attempt.MaybeSucceeded, attempt.FailureCode,
		attempt.FailureReason, nullDecimal(attempt.RefundedAmount),
		attempt.RefundReference, attempt.RefundReason, attempt.RefundedAt,
		attempt.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return billing.ErrDuplicateAttempt
		}
		return fmt.Errorf("insert payment attempt %s: %w", attempt.ID, err)
	}
	return nil
}

func (t *pgTx) LatestSuccessfulAttempt(ctx context.Context, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) (*billing.PaymentAttempt, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+attemptColumns+` FROM payment_attempts
		WHERE subscription_id = $1
		  AND period_start = $2
		  AND period_end = $3
		  AND status = 'success'
		ORDER BY created_at DESC
		LIMIT 1`,
		subscriptionID, periodStart, periodEnd)
	attempt, err := scanAttempt(row)
	if isNotFound(err) {
		return nil, nil
	}
	return attempt, err
}

func (t *pgTx) CountAttempts(ctx context.Context, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `
		SELECT count(*) FROM payment_attempts
		WHERE subscription_id = $1 AND period_start = $2 AND period_end = $3`,
		subscriptionID, periodStart, periodEnd).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count payment attempts: %w", err)
	}
	return count, nil
}

func (t *pgTx) GetAttempt(ctx context.Context, id uuid.UUID) (*billing.PaymentAttempt, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1`, id)
	attempt, err := scanAttempt(row)
	if isNotFound(err) {
		return nil, billing.ErrAttemptNotFound
	}
	return attempt, err
}

func (t *pgTx) MarkAttemptRefunded(ctx context.Context, attemptID uuid.UUID, record billing.RefundRecord) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payment_attempts SET
			refunded_amount = COALESCE(refunded_amount, 0) + $2,
			refund_reference = $3,
			refund_reason = $4,
			refunded_at = $5
		WHERE id = $1`,
		attemptID, record.Amount, record.Reference, record.Reason, record.At)
	if err != nil {
		return fmt.Errorf("mark attempt %s refunded: %w", attemptID, err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrAttemptNotFound
	}
	return nil
}

func (t *pgTx) GetPlan(ctx context.Context, planID string) (*billing.Plan, error) {
	return getPlan(ctx, t.tx, planID)
}

func (t *pgTx) CountSubscribers(ctx context.Context, planID string) (int64, error) {
	var count int64
	err := t.tx.QueryRow(ctx, `
		SELECT count(*) FROM subscriptions
		WHERE plan_id = $1 AND status NOT IN ('cancelled', 'expired')`,
		planID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count subscribers of plan %s: %w", planID, err)
	}
	return count, nil
}

func getPlan(ctx context.Context, q queryer, planID string) (*billing.Plan, error) {
	var (
		plan     billing.Plan
		interval string
		features []byte
	)
	err := q.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = $1`, planID).Scan(
		&plan.ID, &plan.Name, &plan.Description, &plan.Price, &plan.Currency,
		&interval, &plan.IntervalCount, &plan.TrialDays, &plan.MaxSubscribers,
		&plan.Active, &features, &plan.SortOrder, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		if isNotFound(err) {
			return nil, billing.ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan %s: %w", planID, err)
	}

	plan.Interval = billing.BillingInterval(interval)
	if err := json.Unmarshal(features, &plan.Features); err != nil {
		return nil, fmt.Errorf("unmarshal plan features: %w", err)
	}
	return &plan, nil
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var (
		sub      billing.Subscription
		status   string
		metadata []byte
	)
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &status, &sub.StartDate,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.NextBillingDate,
		&sub.TrialEndDate, &sub.CancelAtPeriodEnd, &sub.CancelledAt,
		&sub.EndedAt, &sub.CancellationReason, &sub.FailedAttemptCount,
		&sub.LastFailureAt, &sub.LastFailureReason, &sub.PaymentMethodRef,
		&sub.PendingPlanID, &sub.PausedAt, &metadata, &sub.Version,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if isNotFound(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Status = billing.SubscriptionStatus(status)
	if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal subscription metadata: %w", err)
	}
	return &sub, nil
}

func scanAttempt(row pgx.Row) (*billing.PaymentAttempt, error) {
	var (
		attempt  billing.PaymentAttempt
		status   string
		prorated decimal.NullDecimal
		refunded decimal.NullDecimal
	)
	err := row.Scan(
		&attempt.ID, &attempt.SubscriptionID, &attempt.UserID,
		&attempt.PeriodStart, &attempt.PeriodEnd, &attempt.AttemptNumber,
		&attempt.IsRetry, &attempt.Amount, &attempt.Currency,
		&attempt.IsProrated, &prorated, &status, &attempt.GatewayReference,
		&attempt.MaybeSucceeded, &attempt.FailureCode, &attempt.FailureReason,
		&refunded, &attempt.RefundReference, &attempt.RefundReason,
		&attempt.RefundedAt, &attempt.CreatedAt)
	if err != nil {
		if isNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan payment attempt: %w", err)
	}

	attempt.Status = billing.AttemptStatus(status)
	if prorated.Valid {
		attempt.ProratedAmount = &prorated.Decimal
	}
	if refunded.Valid {
		attempt.RefundedAmount = &refunded.Decimal
	}
	return &attempt, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
