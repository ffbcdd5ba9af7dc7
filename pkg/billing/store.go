package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the persistence contract the engine depends on. Any storage
// engine providing row-level locking, atomic multi-row commits and unique
// constraints can implement it; pkg/pgstore is the PostgreSQL
// implementation and MemoryStore the in-process one.
type Store interface {
	// Transact runs fn inside one atomic unit of work. Everything fn
	// stages through the Tx is committed together when fn returns nil
	// and discarded when it returns an error. Locks taken inside the
	// transaction are released either way.
	Transact(ctx context.Context, fn func(tx Tx) error) error

	// GetPlan returns a plan by ID, or ErrPlanNotFound.
	GetPlan(ctx context.Context, planID string) (*Plan, error)

	// SavePlan creates or updates a plan.
	SavePlan(ctx context.Context, plan *Plan) error

	// GetSubscription returns a subscription without locking it, or
	// ErrSubscriptionNotFound. Use only for display; billing decisions
	// must re-read under Tx.GetSubscriptionForUpdate.
	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// ListDue returns IDs of subscriptions needing scheduler attention
	// at the given instant: active renewals due, trials past their end
	// date, past-due retries and deferred cancellations whose period has
	// ended. limit bounds the batch size; 0 means no limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// ListAttempts returns all payment attempts for a subscription,
	// newest first.
	ListAttempts(ctx context.Context, subscriptionID uuid.UUID) ([]PaymentAttempt, error)

	// GetAttempt returns a payment attempt by ID, or ErrAttemptNotFound.
	GetAttempt(ctx context.Context, id uuid.UUID) (*PaymentAttempt, error)
}

// Tx is the transaction-scoped portion of the Store. All mutations of a
// subscription and its attempt records go through a Tx so they commit as
// one atomic unit.
type Tx interface {
	// GetSubscriptionForUpdate loads a subscription under an exclusive,
	// blocking lock held until the transaction ends. A concurrent caller
	// waits rather than erroring.
	GetSubscriptionForUpdate(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// CreateSubscription stages a new subscription.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription stages a mutation. The stored row's version must
	// match sub.Version or ErrVersionConflict is returned; on success the
	// version is bumped.
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// InsertAttempt stages a payment attempt record. A violation of the
	// (subscription, period start, period end, attempt number)
	// uniqueness constraint is reported as ErrDuplicateAttempt.
	InsertAttempt(ctx context.Context, attempt *PaymentAttempt) error

	// LatestSuccessfulAttempt returns the most recent successful attempt
	// covering exactly the given period, or nil when none exists.
	LatestSuccessfulAttempt(ctx context.Context, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) (*PaymentAttempt, error)

	// CountAttempts returns how many attempt records exist for exactly
	// the given period, used to pick the next free attempt number for
	// out-of-cycle charges such as proration deltas.
	CountAttempts(ctx context.Context, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) (int, error)

	// GetAttempt returns a payment attempt by ID within the transaction,
	// or ErrAttemptNotFound. Read it under the owning subscription's row
	// lock when the result feeds a refund-balance decision.
	GetAttempt(ctx context.Context, id uuid.UUID) (*PaymentAttempt, error)

	// MarkAttemptRefunded records refund bookkeeping on an attempt. The
	// attempt row is otherwise immutable.
	MarkAttemptRefunded(ctx context.Context, attemptID uuid.UUID, amount RefundRecord) error

	// GetPlan returns a plan by ID within the transaction.
	GetPlan(ctx context.Context, planID string) (*Plan, error)

	// CountSubscribers counts subscriptions referencing a plan in a
	// non-terminal state, for MaxSubscribers capacity checks.
	CountSubscribers(ctx context.Context, planID string) (int64, error)
}

// RefundRecord carries the fields MarkAttemptRefunded writes.
type RefundRecord struct {
	Amount    decimal.Decimal
	Reference string
	Reason    string
	At        time.Time
}
