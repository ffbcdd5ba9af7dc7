package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Locker is an optional second serialization layer for deployments where
// several scheduler processes may dispatch the same subscription. Acquire
// blocks until the lock is held and returns the release function.
// pkg/redislock provides a Redis-backed implementation.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context), err error)
}

// ProcessAction describes what ProcessOne did with a subscription.
type ProcessAction string

const (
	ActionNone          ProcessAction = "none"           // nothing was due
	ActionAlreadyBilled ProcessAction = "already_billed" // duplicate-charge guard fired
	ActionCharged       ProcessAction = "charged"
	ActionChargeFailed  ProcessAction = "charge_failed"
	ActionExpired       ProcessAction = "expired"
	ActionCancelled     ProcessAction = "cancelled"
	ActionWaiting       ProcessAction = "waiting" // retry delay not elapsed yet
)

// ProcessResult summarizes one ProcessOne invocation.
type ProcessResult struct {
	Action        ProcessAction
	Attempt       *PaymentAttempt // set for charged/charge_failed/already_billed
	NextAttemptAt time.Time       // set for waiting
}

// Engine owns the subscription lifecycle: it decides what action a
// subscription needs, drives the charge executor and retry policy, and
// persists every transition atomically under a per-subscription lock.
type Engine struct {
	store    Store
	gateway  PaymentGateway
	profiles ProfileProvider
	notifier Notifier
	locker   Locker
	executor *chargeExecutor

	retry             RetryPolicy
	idempotencyWindow time.Duration

	clock  func() time.Time
	logger *slog.Logger
}

// NewEngine creates a billing engine. Store, gateway and profile provider
// are required; everything else has defaults overridable through options.
func NewEngine(store Store, gateway PaymentGateway, profiles ProfileProvider, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if gateway == nil {
		return nil, ErrGatewayNil
	}
	if profiles == nil {
		return nil, ErrProfilesNil
	}

	e := &Engine{
		store:             store,
		gateway:           gateway,
		profiles:          profiles,
		notifier:          NopNotifier{},
		retry:             DefaultRetryPolicy(),
		idempotencyWindow: time.Hour,
		clock:             func() time.Time { return time.Now().UTC() },
		logger:            slog.Default(),
	}

	chargeTimeout := 30 * time.Second
	for _, opt := range opts {
		opt(e, &chargeTimeout)
	}

	e.executor = &chargeExecutor{
		gateway: gateway,
		timeout: chargeTimeout,
		clock:   e.clock,
	}

	return e, nil
}

// RetryPolicy returns the policy the engine was configured with, so the
// consuming application can answer grace-period questions consistently.
func (e *Engine) RetryPolicy() RetryPolicy {
	return e.retry
}

// billKind distinguishes the charge paths; they share one implementation
// because the decision table of the scheduler collapses into a single
// period-roll operation.
type billKind int

const (
	billInitial billKind = iota
	billTrialConversion
	billRenewal
	billRetry
)

// ProcessOne is the single entry point invoked per subscription per
// scheduler tick. It acquires the subscription lock, re-reads state under
// it, guards against duplicate charges, branches on status, and commits
// the resulting mutation together with any payment attempt record in one
// atomic unit. Lifecycle events are emitted after the commit.
//
// Concurrency conflicts (optimistic-version mismatch, duplicate attempt
// insert) mean another worker already handled the subscription; they are
// logged at low severity and reported as ActionAlreadyBilled, not surfaced
// as errors.
func (e *Engine) ProcessOne(ctx context.Context, subscriptionID uuid.UUID) (*ProcessResult, error) {
	if e.locker != nil {
		release, err := e.locker.Acquire(ctx, "billing:subscription:"+subscriptionID.String())
		if err != nil {
			return nil, err
		}
		defer release(ctx)
	}

	res := &ProcessResult{Action: ActionNone}
	var events []Event

	err := e.store.Transact(ctx, func(tx Tx) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		now := e.clock()

		// Duplicate-charge guard: a successful attempt for the current
		// period inside the idempotency window means another dispatch
		// already billed it. Return that result without touching the
		// gateway.
		dup, err := tx.LatestSuccessfulAttempt(ctx, sub.ID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
		if err != nil {
			return err
		}
		if dup != nil && now.Sub(dup.CreatedAt) <= e.idempotencyWindow {
			res.Action = ActionAlreadyBilled
			res.Attempt = dup
			return nil
		}

		switch sub.Status {
		case StatusTrialing:
			if !sub.TrialExpired(now) {
				return nil
			}
			return e.bill(ctx, tx, sub, now, billTrialConversion, res, &events)

		case StatusActive:
			if sub.CancelAtPeriodEnd && !sub.CurrentPeriodEnd.After(now) {
				return e.finishCancellation(ctx, tx, sub, now, res, &events)
			}
			if !sub.BillingDue(now) {
				return nil
			}
			return e.bill(ctx, tx, sub, now, billRenewal, res, &events)

		case StatusPastDue:
			return e.processPastDue(ctx, tx, sub, now, res, &events)

		default:
			// Paused, cancelled, expired and not-yet-enrolled pending
			// subscriptions are not the scheduler's business.
			return nil
		}
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDuplicateAttempt) {
			e.logger.DebugContext(ctx, "subscription already handled by another worker",
				slog.String("subscription_id", subscriptionID.String()),
				slog.String("reason", err.Error()))
			return &ProcessResult{Action: ActionAlreadyBilled}, nil
		}
		return nil, err
	}

	e.emit(ctx, events)
	return res, nil
}

// processPastDue consults the retry policy and either retries the charge,
// waits, or expires the subscription.
func (e *Engine) processPastDue(ctx context.Context, tx Tx, sub *Subscription, now time.Time, res *ProcessResult, events *[]Event) error {
	lastFailure := now
	if sub.LastFailureAt != nil {
		lastFailure = *sub.LastFailureAt
	}

	decision := e.retry.Decide(sub.FailedAttemptCount, lastFailure, now)
	switch decision.Action {
	case RetryExpire:
		if err := sub.transition(StatusExpired, now); err != nil {
			return err
		}
		sub.EndedAt = &now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		res.Action = ActionExpired
		*events = append(*events, e.event(EventExpired, sub, now, map[string]any{
			"failed_attempts": sub.FailedAttemptCount,
			"last_failure":    sub.LastFailureReason,
		}))
		return nil

	case RetryWait:
		res.Action = ActionWaiting
		res.NextAttemptAt = decision.NextAttemptAt
		return nil

	default:
		return e.bill(ctx, tx, sub, now, billRetry, res, events)
	}
}

// finishCancellation completes a cancel-at-period-end once the paid period
// has run out. No charge is attempted.
func (e *Engine) finishCancellation(ctx context.Context, tx Tx, sub *Subscription, now time.Time, res *ProcessResult, events *[]Event) error {
	if err := sub.transition(StatusCancelled, now); err != nil {
		return err
	}
	if sub.CancelledAt == nil {
		sub.CancelledAt = &now
	}
	sub.EndedAt = &now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	res.Action = ActionCancelled
	*events = append(*events, e.event(EventCancelled, sub, now, map[string]any{
		"reason": sub.CancellationReason,
	}))
	return nil
}

// bill performs one charge for the period beginning at the subscription's
// current period end and applies the outcome to the subscription.
//
// Validate-before-charge is a hard contract: required buyer data is
// checked before any gateway call, and a validation failure aborts the
// transaction producing no attempt record, so every row in the audit trail
// is something the gateway actually decided on.
func (e *Engine) bill(ctx context.Context, tx Tx, sub *Subscription, now time.Time, kind billKind, res *ProcessResult, events *[]Event) error {
	profile, err := e.profiles.GetBillingProfile(ctx, sub.UserID)
	if err != nil {
		return err
	}
	if err := profile.Validate(); err != nil {
		return err
	}

	// A deferred downgrade takes effect for the period being billed: the
	// pending plan determines the price of the new period and is swapped
	// into place on success.
	planID := sub.PlanID
	applyPending := sub.PendingPlanID != nil && (kind == billRenewal || kind == billRetry)
	if applyPending {
		planID = *sub.PendingPlanID
	}
	plan, err := tx.GetPlan(ctx, planID)
	if err != nil {
		return err
	}

	chargeStart := sub.CurrentPeriodEnd
	chargeEnd := plan.NextPeriodEnd(chargeStart)

	attempt, chargeErr := e.executor.execute(ctx, chargeParams{
		subscription:  sub,
		profile:       profile,
		amount:        plan.Price,
		currency:      plan.Currency,
		periodStart:   chargeStart,
		periodEnd:     chargeEnd,
		attemptNumber: sub.FailedAttemptCount + 1,
		isRetry:       kind == billRetry,
		description:   plan.Name,
	})

	if err := tx.InsertAttempt(ctx, attempt); err != nil {
		if errors.Is(err, ErrDuplicateAttempt) {
			// Another process committed this exact attempt, most likely
			// a crashed worker's request that actually went through.
			e.logger.DebugContext(ctx, "attempt already recorded, treating as billed",
				slog.String("subscription_id", sub.ID.String()),
				slog.Int("attempt_number", attempt.AttemptNumber))
			res.Action = ActionAlreadyBilled
			return nil
		}
		return err
	}

	if chargeErr == nil {
		return e.applyChargeSuccess(ctx, tx, sub, plan, attempt, now, kind, applyPending, res, events)
	}
	return e.applyChargeFailure(ctx, tx, sub, attempt, now, res, events)
}

// applyChargeSuccess rolls the billing period forward and reactivates the
// subscription.
func (e *Engine) applyChargeSuccess(ctx context.Context, tx Tx, sub *Subscription, plan *Plan, attempt *PaymentAttempt, now time.Time, kind billKind, applyPending bool, res *ProcessResult, events *[]Event) error {
	wasStatus := sub.Status

	sub.CurrentPeriodStart = attempt.PeriodStart
	sub.CurrentPeriodEnd = attempt.PeriodEnd
	sub.NextBillingDate = attempt.PeriodEnd
	sub.FailedAttemptCount = 0
	sub.LastFailureAt = nil
	sub.LastFailureReason = ""
	if applyPending {
		sub.PlanID = plan.ID
		sub.PendingPlanID = nil
	}
	if err := sub.transition(StatusActive, now); err != nil {
		return err
	}
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	res.Action = ActionCharged
	res.Attempt = attempt

	*events = append(*events, e.event(EventPaymentSucceeded, sub, now, map[string]any{
		"amount":            attempt.Amount.String(),
		"currency":          attempt.Currency,
		"gateway_reference": attempt.GatewayReference,
		"period_start":      attempt.PeriodStart,
		"period_end":        attempt.PeriodEnd,
	}))
	if kind == billTrialConversion {
		*events = append(*events, e.event(EventTrialConverted, sub, now, nil))
	}
	if wasStatus != StatusActive {
		*events = append(*events, e.event(EventActivated, sub, now, nil))
	}
	if applyPending {
		*events = append(*events, e.event(EventPlanChanged, sub, now, map[string]any{
			"plan_id": plan.ID,
		}))
	}
	return nil
}

// applyChargeFailure records the failure and moves the subscription into
// (or keeps it in) past_due for the retry policy to pick up.
func (e *Engine) applyChargeFailure(ctx context.Context, tx Tx, sub *Subscription, attempt *PaymentAttempt, now time.Time, res *ProcessResult, events *[]Event) error {
	sub.FailedAttemptCount++
	sub.LastFailureAt = &now
	sub.LastFailureReason = attempt.FailureReason

	enteredPastDue := sub.Status != StatusPastDue
	if enteredPastDue {
		if err := sub.transition(StatusPastDue, now); err != nil {
			return err
		}
	} else {
		sub.UpdatedAt = now
	}
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	res.Action = ActionChargeFailed
	res.Attempt = attempt

	*events = append(*events, e.event(EventPaymentFailed, sub, now, map[string]any{
		"amount":          attempt.Amount.String(),
		"currency":        attempt.Currency,
		"failure_code":    attempt.FailureCode,
		"failure_reason":  attempt.FailureReason,
		"attempt_number":  attempt.AttemptNumber,
		"maybe_succeeded": attempt.MaybeSucceeded,
	}))
	if enteredPastDue {
		*events = append(*events, e.event(EventPastDue, sub, now, nil))
	}
	return nil
}

func (e *Engine) event(t EventType, sub *Subscription, at time.Time, payload map[string]any) Event {
	return Event{
		Type:           t,
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		At:             at,
		Payload:        payload,
	}
}

// emit delivers events to the notifier after the transaction has
// committed. Notification is best effort and must never block or fail
// billing; panics in a notifier are contained here.
func (e *Engine) emit(ctx context.Context, events []Event) {
	for _, event := range events {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.ErrorContext(ctx, "notifier panicked",
						slog.String("event", string(event.Type)),
						slog.Any("panic", r))
				}
			}()
			e.notifier.Notify(ctx, event)
		}()
	}
}
