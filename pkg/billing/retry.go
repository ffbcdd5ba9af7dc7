package billing

import (
	"time"
)

// RetryPolicy decides what to do with a past-due subscription: retry the
// charge now, wait longer, or give up and expire it. The zero value is not
// usable; use DefaultRetryPolicy or construct explicitly.
//
// Two independent knobs govern dunning: MaxRetries/RetryDelay control how
// long the engine keeps trying, GracePeriod controls how long a past-due
// subscription keeps granting access while those retries run. The engine
// only acts on the first pair; grace is surfaced to the consuming
// application through InGracePeriod.
type RetryPolicy struct {
	// MaxRetries is the number of consecutive failed attempts after
	// which the subscription expires.
	MaxRetries int

	// RetryDelay is the base wait between consecutive attempts.
	RetryDelay time.Duration

	// BackoffMultiplier scales the delay per failed attempt: 1.0 gives a
	// constant schedule, 2.0 doubles the wait each time. Values below 1
	// are treated as 1.
	BackoffMultiplier float64

	// GracePeriod is how long after the first failure a past-due
	// subscription should still be honored by the application.
	GracePeriod time.Duration
}

// DefaultRetryPolicy mirrors common dunning practice: three attempts a day
// apart, with a week of grace.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		RetryDelay:        24 * time.Hour,
		BackoffMultiplier: 1.0,
		GracePeriod:       7 * 24 * time.Hour,
	}
}

// RetryAction is the outcome of a retry decision.
type RetryAction int

const (
	// RetryNow: enough time has passed since the last failure, attempt
	// the charge again.
	RetryNow RetryAction = iota
	// RetryWait: the inter-retry delay has not elapsed yet; try again at
	// Decision.NextAttemptAt.
	RetryWait
	// RetryExpire: the retry budget is exhausted, transition the
	// subscription to expired.
	RetryExpire
)

func (a RetryAction) String() string {
	switch a {
	case RetryNow:
		return "retry_now"
	case RetryWait:
		return "wait"
	case RetryExpire:
		return "expire"
	}
	return "unknown"
}

// Decision is the result of consulting the policy.
type Decision struct {
	Action        RetryAction
	NextAttemptAt time.Time // set when Action == RetryWait
}

// Decide returns the action for a subscription with the given consecutive
// failure count and last failure time.
func (p RetryPolicy) Decide(failedAttempts int, lastFailureAt time.Time, now time.Time) Decision {
	if failedAttempts >= p.MaxRetries {
		return Decision{Action: RetryExpire}
	}

	next := lastFailureAt.Add(p.delayFor(failedAttempts))
	if now.Before(next) {
		return Decision{Action: RetryWait, NextAttemptAt: next}
	}
	return Decision{Action: RetryNow}
}

// delayFor returns the wait before attempt failedAttempts+1. With
// BackoffMultiplier m the schedule is RetryDelay, RetryDelay*m,
// RetryDelay*m^2, ...
func (p RetryPolicy) delayFor(failedAttempts int) time.Duration {
	m := p.BackoffMultiplier
	if m < 1 {
		m = 1
	}
	delay := float64(p.RetryDelay)
	for i := 1; i < failedAttempts; i++ {
		delay *= m
	}
	return time.Duration(delay)
}

// InGracePeriod reports whether a subscription whose failures began at
// firstFailureAt should still be granted access at now.
func (p RetryPolicy) InGracePeriod(firstFailureAt, now time.Time) bool {
	if firstFailureAt.IsZero() {
		return false
	}
	return now.Before(firstFailureAt.Add(p.GracePeriod))
}
