package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentGateway is the capability the engine consumes to move money. The
// raw transport (card authorization, 3-D Secure, API wire format) lives
// behind this interface; the engine only sees normalized outcomes.
//
// Contract: Charge returns a nil error with Approved=false for an explicit
// decline, and a non-nil error only when no definitive decision was
// reached (network failure, timeout, gateway 5xx). Implementations should
// honor the request's IdempotencyKey when the provider supports one.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// ChargeRequest describes one charge against a stored payment method.
type ChargeRequest struct {
	PaymentMethodRef string
	Amount           decimal.Decimal
	Currency         string

	// IdempotencyKey uniquely identifies the logical attempt
	// (subscription, period, attempt number) so a gateway that supports
	// idempotency keys will not double-charge a retried request.
	IdempotencyKey string

	Description string
	Buyer       *BillingProfile
}

// ChargeResult is the gateway's decision on a charge.
type ChargeResult struct {
	Approved       bool
	Reference      string // gateway's payment reference, set when approved
	DeclineCode    string
	DeclineMessage string
}

// RefundRequest describes a full or partial refund of a prior charge.
type RefundRequest struct {
	GatewayReference string
	Amount           decimal.Decimal
	Currency         string
	Reason           string
}

// RefundResult is the gateway's decision on a refund.
type RefundResult struct {
	Approved        bool
	RefundReference string
	DeclineCode     string
	DeclineMessage  string
}
