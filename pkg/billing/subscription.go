package billing

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is the stateful core entity of the engine. It is created
// when a user enrolls, mutated exclusively by the Engine under an exclusive
// per-subscription lock, and never hard-deleted: cancellation and expiry
// are status transitions, preserving history.
type Subscription struct {
	ID     uuid.UUID
	UserID uuid.UUID
	PlanID string

	Status SubscriptionStatus

	StartDate          time.Time
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	NextBillingDate    time.Time
	TrialEndDate       *time.Time

	CancelAtPeriodEnd  bool
	CancelledAt        *time.Time
	EndedAt            *time.Time
	CancellationReason string

	FailedAttemptCount int
	LastFailureAt      *time.Time
	LastFailureReason  string

	// PaymentMethodRef is an opaque, durable token identifying a stored
	// payment method at the gateway. The engine never sees raw card data.
	PaymentMethodRef string

	// PendingPlanID holds a downgrade deferred to the end of the current
	// period. It is swapped into PlanID by the next successful renewal.
	PendingPlanID *string

	PausedAt *time.Time
	Metadata map[string]string

	// Version is an optimistic-concurrency counter bumped on every save.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// transition moves the subscription to a new status, enforcing the state
// machine. now is recorded as the update time.
func (s *Subscription) transition(to SubscriptionStatus, now time.Time) error {
	if !s.Status.CanTransitionTo(to) {
		return &StateTransitionError{From: s.Status, To: to}
	}
	s.Status = to
	s.UpdatedAt = now
	return nil
}

// IsTrialing reports whether the subscription is in its trial period.
func (s *Subscription) IsTrialing() bool {
	return s.Status == StatusTrialing
}

// IsActive reports whether the subscription currently grants access under
// the normal, paid state.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// TrialExpired reports whether the trial window is over at the given time.
// Always false for subscriptions without a trial.
func (s *Subscription) TrialExpired(now time.Time) bool {
	if s.TrialEndDate == nil {
		return false
	}
	return !s.TrialEndDate.After(now)
}

// BillingDue reports whether the subscription's next billing date has been
// reached.
func (s *Subscription) BillingDue(now time.Time) bool {
	return !s.NextBillingDate.After(now)
}

// Billable reports whether the subscription is in a state the engine may
// charge: active renewals, trial conversions and past-due retries.
func (s *Subscription) Billable() bool {
	switch s.Status {
	case StatusPending, StatusTrialing, StatusActive, StatusPastDue:
		return true
	}
	return false
}

// FirstFailureAt estimates when the current run of consecutive failures
// began, for grace-period accounting. Returns zero time if there are no
// recorded failures.
func (s *Subscription) FirstFailureAt(retryDelay time.Duration) time.Time {
	if s.LastFailureAt == nil || s.FailedAttemptCount == 0 {
		return time.Time{}
	}
	return s.LastFailureAt.Add(-time.Duration(s.FailedAttemptCount-1) * retryDelay)
}
