package billing

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyPeriod         = errors.New("billing: proration period is empty")
	ErrEffectiveOutOfRange = errors.New("billing: proration effective time outside billing period")
	ErrCurrencyMismatch    = errors.New("billing: cannot prorate between different currencies")
)

// hoursPerDay converts period durations to fractional days without losing
// sub-day precision to early truncation.
var hoursPerDay = decimal.NewFromInt(24)

// Prorate computes the signed credit/charge delta when a subscription
// moves from oldPlan to newPlan at effectiveAt, mid way through the period
// [periodStart, periodEnd).
//
//	factor = remainingDays / totalDays        (kept rational)
//	delta  = (newPlan.Price - oldPlan.Price) * factor
//
// The delta is rounded once, on the final value, to the currency's
// minor-unit precision with half-up rounding; intermediate factors are
// never truncated, so rounding error cannot compound. A positive result is
// an immediate charge, a negative one a credit.
func Prorate(oldPlan, newPlan *Plan, periodStart, periodEnd, effectiveAt time.Time) (decimal.Decimal, error) {
	if !strings.EqualFold(oldPlan.Currency, newPlan.Currency) {
		return decimal.Zero, ErrCurrencyMismatch
	}
	if !periodEnd.After(periodStart) {
		return decimal.Zero, ErrEmptyPeriod
	}
	if effectiveAt.Before(periodStart) || effectiveAt.After(periodEnd) {
		return decimal.Zero, ErrEffectiveOutOfRange
	}

	totalDays := fractionalDays(periodStart, periodEnd)
	remainingDays := fractionalDays(effectiveAt, periodEnd)

	factor := remainingDays.Div(totalDays)
	delta := newPlan.Price.Sub(oldPlan.Price).Mul(factor)

	return roundToMinorUnit(delta, newPlan.Currency), nil
}

// fractionalDays returns the duration between two instants in days as an
// exact decimal, e.g. 36h -> 1.5.
func fractionalDays(from, to time.Time) decimal.Decimal {
	hours := decimal.NewFromFloat(to.Sub(from).Hours())
	return hours.Div(hoursPerDay)
}

// roundToMinorUnit rounds an amount to the currency's minor-unit exponent
// using half-up rounding (half away from zero, so credits round
// symmetrically to charges).
func roundToMinorUnit(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(currencyExponent(currency))
}

// currencyExponent returns the number of minor-unit digits for an ISO 4217
// currency. Covers the exceptions to the default of 2; everything else
// uses two.
func currencyExponent(currency string) int32 {
	switch strings.ToUpper(currency) {
	case "JPY", "KRW", "VND", "CLP", "ISK":
		return 0
	case "BHD", "IQD", "JOD", "KWD", "OMR", "TND":
		return 3
	default:
		return 2
	}
}
