package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// chargeExecutor performs one billing attempt against the gateway and
// normalizes the outcome into a PaymentAttempt record plus a typed error.
// It never touches storage; the caller persists the record so the attempt
// and the subscription mutation commit together.
type chargeExecutor struct {
	gateway PaymentGateway
	timeout time.Duration
	clock   func() time.Time
}

// chargeParams describes one logical charge attempt.
type chargeParams struct {
	subscription *Subscription
	profile      *BillingProfile

	amount   decimal.Decimal
	currency string

	periodStart   time.Time
	periodEnd     time.Time
	attemptNumber int
	isRetry       bool

	prorated    bool
	description string
}

// execute calls the gateway with a bounded timeout and returns the attempt
// record together with the outcome: nil for an approved charge, a
// *DeclineError for an explicit refusal, or a *TransientError when no
// definitive decision was reached. The attempt record is returned in every
// case because by this point the gateway has been consulted, and only
// genuine gateway outcomes belong in the audit trail.
func (x *chargeExecutor) execute(ctx context.Context, p chargeParams) (*PaymentAttempt, error) {
	attempt := &PaymentAttempt{
		ID:             uuid.New(),
		SubscriptionID: p.subscription.ID,
		UserID:         p.subscription.UserID,
		PeriodStart:    p.periodStart,
		PeriodEnd:      p.periodEnd,
		AttemptNumber:  p.attemptNumber,
		IsRetry:        p.isRetry,
		Amount:         p.amount,
		Currency:       p.currency,
		IsProrated:     p.prorated,
		CreatedAt:      x.clock(),
	}
	if p.prorated {
		prorated := p.amount
		attempt.ProratedAmount = &prorated
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	result, err := x.gateway.Charge(ctx, ChargeRequest{
		PaymentMethodRef: p.subscription.PaymentMethodRef,
		Amount:           p.amount,
		Currency:         p.currency,
		IdempotencyKey:   chargeIdempotencyKey(p.subscription.ID, p.periodStart, p.attemptNumber),
		Description:      p.description,
		Buyer:            p.profile,
	})

	switch {
	case err != nil:
		// Indeterminate: the gateway may have completed the charge
		// before the failure. Never assume success, never assume
		// failure; record as failed-retryable and let the attempt
		// uniqueness constraint block a double charge.
		attempt.Status = AttemptFailure
		attempt.MaybeSucceeded = true
		attempt.FailureCode = transientFailureCode(err)
		attempt.FailureReason = err.Error()
		return attempt, &TransientError{Err: err, MaybeSucceeded: true}

	case !result.Approved:
		attempt.Status = AttemptFailure
		attempt.FailureCode = result.DeclineCode
		attempt.FailureReason = result.DeclineMessage
		return attempt, &DeclineError{Code: result.DeclineCode, Message: result.DeclineMessage}

	default:
		attempt.Status = AttemptSuccess
		attempt.GatewayReference = result.Reference
		return attempt, nil
	}
}

// refund issues a full or partial refund for a prior successful charge.
func (x *chargeExecutor) refund(ctx context.Context, reference string, amount decimal.Decimal, currency, reason string) (*RefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	result, err := x.gateway.Refund(ctx, RefundRequest{
		GatewayReference: reference,
		Amount:           amount,
		Currency:         currency,
		Reason:           reason,
	})
	if err != nil {
		return nil, &TransientError{Err: err, MaybeSucceeded: true}
	}
	if !result.Approved {
		return nil, &DeclineError{Code: result.DeclineCode, Message: result.DeclineMessage}
	}
	return result, nil
}

// chargeIdempotencyKey identifies a logical attempt so gateways that
// support idempotency keys will reject a replayed request.
func chargeIdempotencyKey(subscriptionID uuid.UUID, periodStart time.Time, attemptNumber int) string {
	return fmt.Sprintf("%s:%d:%d", subscriptionID, periodStart.Unix(), attemptNumber)
}

func transientFailureCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "gateway_timeout"
	}
	return "gateway_error"
}
