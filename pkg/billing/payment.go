package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentAttempt is an immutable audit record of one billing attempt. A
// record exists only for charges the gateway actually decided on: requests
// rejected by validation before reaching the gateway never produce a row.
//
// The tuple (SubscriptionID, PeriodStart, PeriodEnd, AttemptNumber) is
// unique. This constraint is what makes a successful charge idempotent
// even when two workers race to bill the same period.
type PaymentAttempt struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	UserID         uuid.UUID

	PeriodStart   time.Time
	PeriodEnd     time.Time
	AttemptNumber int // 1 = first attempt for the period
	IsRetry       bool

	Amount   decimal.Decimal
	Currency string

	// IsProrated marks attempts whose amount is a plan-change delta
	// rather than the full plan price.
	IsProrated     bool
	ProratedAmount *decimal.Decimal

	Status           AttemptStatus
	GatewayReference string

	// MaybeSucceeded flags failed attempts whose gateway call ended in an
	// indeterminate state (timeout, network error): the charge may in
	// fact have gone through. The uniqueness constraint protects the next
	// retry from double-charging in that case.
	MaybeSucceeded bool

	FailureCode   string
	FailureReason string

	RefundedAmount  *decimal.Decimal
	RefundReference string
	RefundReason    string
	RefundedAt      *time.Time

	CreatedAt time.Time
}

// Succeeded reports whether the gateway accepted the charge.
func (a *PaymentAttempt) Succeeded() bool {
	return a.Status == AttemptSuccess
}

// Refundable reports whether the attempt can be (further) refunded: only
// successful charges with a gateway reference and remaining balance.
func (a *PaymentAttempt) Refundable() bool {
	if a.Status != AttemptSuccess || a.GatewayReference == "" {
		return false
	}
	if a.RefundedAmount != nil && a.RefundedAmount.GreaterThanOrEqual(a.Amount) {
		return false
	}
	return true
}

// RemainingRefundable returns how much of the attempt's amount has not yet
// been refunded.
func (a *PaymentAttempt) RemainingRefundable() decimal.Decimal {
	if a.RefundedAmount == nil {
		return a.Amount
	}
	return a.Amount.Sub(*a.RefundedAmount)
}
