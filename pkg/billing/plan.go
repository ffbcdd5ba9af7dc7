package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Plan describes a subscription plan. Plans are immutable once published:
// after subscribers exist only the Active flag may be toggled, and a plan
// referenced by any subscription is retired (Active=false) rather than
// deleted so history stays intact.
type Plan struct {
	ID             string // stable slug, e.g. "pro-monthly"
	Name           string
	Description    string
	Price          decimal.Decimal
	Currency       string // ISO 4217 code
	Interval       BillingInterval
	IntervalCount  int    // number of interval units between billings, >= 1
	TrialDays      int    // 0 = no trial
	MaxSubscribers *int64 // nil = unlimited
	Active         bool
	Features       map[string]string
	SortOrder      int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate checks the plan configuration for internal consistency.
// Misconfigured plans are caught at load time rather than at billing time.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: plan ID is required", ErrInvalidPlanConfiguration)
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("%w: plan %s has negative price %s", ErrInvalidPlanConfiguration, p.ID, p.Price)
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("%w: plan %s has invalid currency %q", ErrInvalidPlanConfiguration, p.ID, p.Currency)
	}
	if !p.Interval.Valid() {
		return fmt.Errorf("%w: plan %s has invalid interval %q", ErrInvalidPlanConfiguration, p.ID, p.Interval)
	}
	if p.IntervalCount < 1 {
		return fmt.Errorf("%w: plan %s has interval count %d, must be >= 1", ErrInvalidPlanConfiguration, p.ID, p.IntervalCount)
	}
	if p.TrialDays < 0 {
		return fmt.Errorf("%w: plan %s has negative trial days %d", ErrInvalidPlanConfiguration, p.ID, p.TrialDays)
	}
	return nil
}

// HasTrial reports whether new subscriptions to this plan start with a
// free trial period.
func (p *Plan) HasTrial() bool {
	return p.TrialDays > 0
}

// TrialEndsAt calculates when the trial period ends for a subscription
// started at the given time. Returns startedAt unchanged for plans without
// a trial.
func (p *Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays)
}

// NextPeriodEnd returns the end of a billing period starting at from.
// Month and year arithmetic uses calendar-aware AddDate, so a monthly plan
// billed on Jan 31 rolls to Mar 3 rather than silently losing days.
func (p *Plan) NextPeriodEnd(from time.Time) time.Time {
	switch p.Interval {
	case IntervalDay:
		return from.AddDate(0, 0, p.IntervalCount)
	case IntervalWeek:
		return from.AddDate(0, 0, 7*p.IntervalCount)
	case IntervalMonth:
		return from.AddDate(0, p.IntervalCount, 0)
	case IntervalYear:
		return from.AddDate(p.IntervalCount, 0, 0)
	}
	return from
}
