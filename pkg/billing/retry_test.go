package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

func TestRetryPolicyDecide(t *testing.T) {
	t.Parallel()

	policy := billing.RetryPolicy{
		MaxRetries:        3,
		RetryDelay:        24 * time.Hour,
		BackoffMultiplier: 1.0,
		GracePeriod:       7 * 24 * time.Hour,
	}
	failedAt := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	t.Run("waits until the delay elapses", func(t *testing.T) {
		t.Parallel()
		d := policy.Decide(1, failedAt, failedAt.Add(6*time.Hour))
		assert.Equal(t, billing.RetryWait, d.Action)
		assert.Equal(t, failedAt.Add(24*time.Hour), d.NextAttemptAt)
	})

	t.Run("retries once the delay has passed", func(t *testing.T) {
		t.Parallel()
		d := policy.Decide(1, failedAt, failedAt.Add(24*time.Hour))
		assert.Equal(t, billing.RetryNow, d.Action)
	})

	t.Run("retries up to the budget", func(t *testing.T) {
		t.Parallel()
		d := policy.Decide(2, failedAt, failedAt.Add(48*time.Hour))
		assert.Equal(t, billing.RetryNow, d.Action)
	})

	t.Run("expires after max retries", func(t *testing.T) {
		t.Parallel()
		d := policy.Decide(3, failedAt, failedAt)
		assert.Equal(t, billing.RetryExpire, d.Action)

		d = policy.Decide(5, failedAt, failedAt)
		assert.Equal(t, billing.RetryExpire, d.Action)
	})
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	policy := billing.RetryPolicy{
		MaxRetries:        4,
		RetryDelay:        time.Hour,
		BackoffMultiplier: 2.0,
	}
	failedAt := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	// Schedule is 1h, 2h, 4h after the first, second and third failure.
	cases := []struct {
		failures int
		delay    time.Duration
	}{
		{failures: 1, delay: time.Hour},
		{failures: 2, delay: 2 * time.Hour},
		{failures: 3, delay: 4 * time.Hour},
	}
	for _, tc := range cases {
		d := policy.Decide(tc.failures, failedAt, failedAt)
		assert.Equal(t, billing.RetryWait, d.Action)
		assert.Equal(t, failedAt.Add(tc.delay), d.NextAttemptAt, "after %d failures", tc.failures)

		d = policy.Decide(tc.failures, failedAt, failedAt.Add(tc.delay))
		assert.Equal(t, billing.RetryNow, d.Action, "after %d failures and full delay", tc.failures)
	}
}

func TestRetryPolicyBackoffBelowOne(t *testing.T) {
	t.Parallel()

	// Multipliers below 1 must not shrink the schedule.
	policy := billing.RetryPolicy{
		MaxRetries:        3,
		RetryDelay:        time.Hour,
		BackoffMultiplier: 0.5,
	}
	failedAt := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	d := policy.Decide(2, failedAt, failedAt.Add(59*time.Minute))
	assert.Equal(t, billing.RetryWait, d.Action)
	assert.Equal(t, failedAt.Add(time.Hour), d.NextAttemptAt)
}

func TestRetryPolicyGracePeriod(t *testing.T) {
	t.Parallel()

	policy := billing.DefaultRetryPolicy()
	first := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, policy.InGracePeriod(first, first.Add(6*24*time.Hour)))
	assert.False(t, policy.InGracePeriod(first, first.Add(7*24*time.Hour)))
	assert.False(t, policy.InGracePeriod(time.Time{}, first), "no failures means no grace window")
}
