package billing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPlanNotFound             = errors.New("billing: plan not found")
	ErrPlanInactive             = errors.New("billing: plan is not available for new subscriptions")
	ErrPlanAtCapacity           = errors.New("billing: plan has reached its subscriber limit")
	ErrInvalidPlanConfiguration = errors.New("billing: invalid plan configuration")

	ErrSubscriptionNotFound  = errors.New("billing: subscription not found")
	ErrSubscriptionNotActive = errors.New("billing: subscription must be active for this operation")
	ErrAttemptNotFound       = errors.New("billing: payment attempt not found")
	ErrNotRefundable         = errors.New("billing: payment attempt cannot be refunded")

	// ErrDuplicateAttempt is returned by Store implementations when an
	// insert violates the (subscription, period, attempt number)
	// uniqueness constraint. The engine treats it as "already billed".
	ErrDuplicateAttempt = errors.New("billing: duplicate payment attempt for period")

	// ErrVersionConflict is returned by Store implementations when an
	// optimistic-concurrency check fails on save.
	ErrVersionConflict = errors.New("billing: subscription was modified concurrently")

	ErrStoreNil    = errors.New("billing: store is required")
	ErrGatewayNil  = errors.New("billing: payment gateway is required")
	ErrProfilesNil = errors.New("billing: profile provider is required")
)

// IncompleteProfileError is a validation failure raised before any gateway
// call: the buyer's billing profile is missing mandatory fields. It never
// produces a PaymentAttempt record and is not retried automatically.
type IncompleteProfileError struct {
	Missing []string
}

func (e *IncompleteProfileError) Error() string {
	return fmt.Sprintf("billing: incomplete billing profile, missing %s", strings.Join(e.Missing, ", "))
}

// IsIncompleteProfile reports whether err is a profile validation failure.
func IsIncompleteProfile(err error) bool {
	var e *IncompleteProfileError
	return errors.As(err, &e)
}

// DeclineError means the gateway explicitly refused the charge. It is
// recorded as a failed attempt and feeds the retry policy; an immediate
// re-attempt is pointless.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("billing: card declined (%s)", e.Code)
	}
	return fmt.Sprintf("billing: card declined (%s): %s", e.Code, e.Message)
}

// IsDecline reports whether err is an explicit gateway decline.
func IsDecline(err error) bool {
	var e *DeclineError
	return errors.As(err, &e)
}

// TransientError means the gateway call failed without a definitive
// decision: network error, timeout or gateway 5xx. When MaybeSucceeded is
// set the charge may actually have gone through before the failure, so the
// attempt-uniqueness constraint is the defense against double charging on
// the next retry.
type TransientError struct {
	Err            error
	MaybeSucceeded bool
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("billing: transient gateway failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient gateway failure.
func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

// StateTransitionError reports an attempt to move a subscription along an
// edge the state machine does not have.
type StateTransitionError struct {
	From SubscriptionStatus
	To   SubscriptionStatus
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("billing: invalid state transition %s -> %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is a state machine violation.
func IsInvalidTransition(err error) bool {
	var e *StateTransitionError
	return errors.As(err, &e)
}
