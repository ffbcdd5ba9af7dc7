package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a subscription lifecycle event.
type EventType string

const (
	EventSubscriptionCreated EventType = "subscription_created"
	EventActivated           EventType = "activated"
	EventTrialConverted      EventType = "trial_converted"
	EventPaymentSucceeded    EventType = "payment_succeeded"
	EventPaymentFailed       EventType = "payment_failed"
	EventPastDue             EventType = "past_due"
	EventExpired             EventType = "expired"
	EventCancelled           EventType = "cancelled"
	EventPaused              EventType = "paused"
	EventResumed             EventType = "resumed"
	EventPlanChanged         EventType = "plan_changed"
	EventRefunded            EventType = "refunded"
)

// Event is a lifecycle notification emitted by the engine after its
// transaction commits, never inside it, so external I/O is never performed
// while the subscription lock is held.
type Event struct {
	Type           EventType
	SubscriptionID uuid.UUID
	UserID         uuid.UUID
	At             time.Time
	Payload        map[string]any
}

// Notifier receives lifecycle events. Delivery is fire-and-forget: errors
// are logged and dropped, and a Notifier must never block billing.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NopNotifier discards all events. It is the engine default.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

// SlogNotifier logs every event through a structured logger. Useful as a
// development sink and as a template for real integrations.
type SlogNotifier struct {
	Logger *slog.Logger
}

func (n SlogNotifier) Notify(ctx context.Context, event Event) {
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "billing event",
		slog.String("event", string(event.Type)),
		slog.String("subscription_id", event.SubscriptionID.String()),
		slog.String("user_id", event.UserID.String()),
		slog.Time("at", event.At),
		slog.Any("payload", event.Payload))
}
