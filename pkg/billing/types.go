package billing

// BillingInterval represents the unit of a plan's billing period.
type BillingInterval string

const (
	IntervalDay   BillingInterval = "day"
	IntervalWeek  BillingInterval = "week"
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Valid reports whether the interval is one of the supported units.
func (i BillingInterval) Valid() bool {
	switch i {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
		return true
	}
	return false
}

// SubscriptionStatus represents the current state of a subscription.
type SubscriptionStatus string

const (
	StatusPending   SubscriptionStatus = "pending"
	StatusTrialing  SubscriptionStatus = "trialing"
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusPaused    SubscriptionStatus = "paused"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
)

// Terminal reports whether the status is an end state. Terminal
// subscriptions are never billed again and never leave their state.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// validTransitions is the subscription state machine. A subscription may
// only move from a status to one of the listed successors; everything else
// is rejected with ErrInvalidStateTransition. Terminal states have no
// successors.
var validTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	StatusPending:  {StatusTrialing, StatusActive, StatusPastDue, StatusCancelled},
	StatusTrialing: {StatusActive, StatusPastDue, StatusCancelled},
	StatusActive:   {StatusActive, StatusPastDue, StatusPaused, StatusCancelled},
	StatusPastDue:  {StatusActive, StatusExpired, StatusCancelled},
	StatusPaused:   {StatusActive, StatusCancelled},
}

// CanTransitionTo reports whether the state machine permits moving from s
// to target.
func (s SubscriptionStatus) CanTransitionTo(target SubscriptionStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// AttemptStatus represents the outcome of a payment attempt. An attempt
// record is only written once the gateway has actually decided on the
// charge, so there is no pending state.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptFailure AttemptStatus = "failure"
)
