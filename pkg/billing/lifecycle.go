package billing

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubscribeOption customizes enrollment.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	startDate *time.Time
	metadata  map[string]string
}

// WithStartDate enrolls the subscription as of a specific instant instead
// of now, e.g. when importing subscriptions from another system.
func WithStartDate(t time.Time) SubscribeOption {
	return func(o *subscribeOptions) {
		o.startDate = &t
	}
}

// WithMetadata attaches arbitrary key-value metadata to the subscription.
func WithMetadata(md map[string]string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.metadata = maps.Clone(md)
	}
}

// Subscribe enrolls a user in a plan. Plans with a trial start in trialing
// with no charge; plans without one are charged immediately, ending in
// active on success or past_due on decline. The plan must be active and
// under its subscriber cap.
//
// A billing-profile validation failure aborts enrollment entirely: no
// subscription row and no attempt record are created.
func (e *Engine) Subscribe(ctx context.Context, userID uuid.UUID, planID, paymentMethodRef string, opts ...SubscribeOption) (*Subscription, error) {
	var options subscribeOptions
	for _, opt := range opts {
		opt(&options)
	}

	var (
		sub    *Subscription
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		plan, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if !plan.Active {
			return ErrPlanInactive
		}
		if plan.MaxSubscribers != nil {
			count, err := tx.CountSubscribers(ctx, planID)
			if err != nil {
				return err
			}
			if count >= *plan.MaxSubscribers {
				return ErrPlanAtCapacity
			}
		}

		now := e.clock()
		start := now
		if options.startDate != nil {
			start = *options.startDate
		}

		sub = &Subscription{
			ID:               uuid.New(),
			UserID:           userID,
			PlanID:           planID,
			Status:           StatusPending,
			StartDate:        start,
			PaymentMethodRef: paymentMethodRef,
			Metadata:         options.metadata,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		if plan.HasTrial() {
			trialEnd := plan.TrialEndsAt(start)
			sub.TrialEndDate = &trialEnd
			sub.CurrentPeriodStart = start
			sub.CurrentPeriodEnd = trialEnd
			sub.NextBillingDate = trialEnd
			if err := sub.transition(StatusTrialing, now); err != nil {
				return err
			}
			if err := tx.CreateSubscription(ctx, sub); err != nil {
				return err
			}
			events = append(events, e.event(EventSubscriptionCreated, sub, now, map[string]any{
				"plan_id":   planID,
				"trial_end": trialEnd,
			}))
			return nil
		}

		// No trial: the first period begins at the start date and must be
		// paid for up front. An empty current period marks "nothing
		// covered yet" so the charge path bills [start, start+interval).
		sub.CurrentPeriodStart = start
		sub.CurrentPeriodEnd = start
		sub.NextBillingDate = start
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		events = append(events, e.event(EventSubscriptionCreated, sub, now, map[string]any{
			"plan_id": planID,
		}))

		var res ProcessResult
		return e.bill(ctx, tx, sub, now, billInitial, &res, &events)
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, events)
	return sub, nil
}

// Cancel stops a subscription. With immediate=false the subscription stays
// active until the end of the paid period and the scheduler completes the
// cancellation; with immediate=true it is cancelled right away. Works from
// any non-terminal state, which also covers admin and fraud takedowns.
func (e *Engine) Cancel(ctx context.Context, subscriptionID uuid.UUID, reason string, immediate bool) (*Subscription, error) {
	var (
		sub    *Subscription
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		var err error
		sub, err = tx.GetSubscriptionForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		now := e.clock()

		if sub.Status.Terminal() {
			return &StateTransitionError{From: sub.Status, To: StatusCancelled}
		}

		sub.CancellationReason = reason
		sub.CancelledAt = &now

		if immediate {
			if err := sub.transition(StatusCancelled, now); err != nil {
				return err
			}
			sub.EndedAt = &now
			events = append(events, e.event(EventCancelled, sub, now, map[string]any{
				"reason":    reason,
				"immediate": true,
			}))
		} else {
			sub.CancelAtPeriodEnd = true
			sub.UpdatedAt = now
			events = append(events, e.event(EventCancelled, sub, now, map[string]any{
				"reason":        reason,
				"at_period_end": true,
				"effective_at":  sub.CurrentPeriodEnd,
			}))
		}
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, events)
	return sub, nil
}

// Pause suspends billing for an active subscription. The remaining paid
// time is preserved and restored on resume.
func (e *Engine) Pause(ctx context.Context, subscriptionID uuid.UUID) (*Subscription, error) {
	var (
		sub    *Subscription
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		var err error
		sub, err = tx.GetSubscriptionForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		now := e.clock()

		if err := sub.transition(StatusPaused, now); err != nil {
			return err
		}
		sub.PausedAt = &now
		events = append(events, e.event(EventPaused, sub, now, nil))
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, events)
	return sub, nil
}

// Resume reactivates a paused subscription. The billing schedule is
// recalculated: the time already paid for when the pause began is tacked
// on from now, so pausing never costs the subscriber coverage.
func (e *Engine) Resume(ctx context.Context, subscriptionID uuid.UUID) (*Subscription, error) {
	var (
		sub    *Subscription
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		var err error
		sub, err = tx.GetSubscriptionForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		now := e.clock()

		if err := sub.transition(StatusActive, now); err != nil {
			return err
		}

		var remaining time.Duration
		if sub.PausedAt != nil && sub.CurrentPeriodEnd.After(*sub.PausedAt) {
			remaining = sub.CurrentPeriodEnd.Sub(*sub.PausedAt)
		}
		sub.CurrentPeriodEnd = now.Add(remaining)
		sub.NextBillingDate = sub.CurrentPeriodEnd
		sub.PausedAt = nil

		events = append(events, e.event(EventResumed, sub, now, map[string]any{
			"next_billing_date": sub.NextBillingDate,
		}))
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, events)
	return sub, nil
}

// ChangePlan moves an active subscription to another plan.
//
// Upgrades (higher price) take effect immediately: the price difference
// for the remainder of the current period is charged as a prorated
// payment, and the plan is swapped only if that charge is approved.
//
// Downgrades (lower price) default to taking effect at the end of the
// current period via PendingPlanID; with immediate=true the plan is
// swapped now and the unused difference is refunded against the period's
// successful charge, or carried as account credit when no refundable
// charge exists.
func (e *Engine) ChangePlan(ctx context.Context, subscriptionID uuid.UUID, newPlanID string, immediate bool) (*Subscription, error) {
	var (
		sub           *Subscription
		events        []Event
		chargeFailure error
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		var err error
		sub, err = tx.GetSubscriptionForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		now := e.clock()

		if sub.Status != StatusActive {
			return ErrSubscriptionNotActive
		}
		if sub.PlanID == newPlanID {
			return nil
		}

		newPlan, err := tx.GetPlan(ctx, newPlanID)
		if err != nil {
			return err
		}
		if !newPlan.Active {
			return ErrPlanInactive
		}
		if newPlan.MaxSubscribers != nil {
			count, err := tx.CountSubscribers(ctx, newPlanID)
			if err != nil {
				return err
			}
			if count >= *newPlan.MaxSubscribers {
				return ErrPlanAtCapacity
			}
		}
		oldPlan, err := tx.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return err
		}

		switch newPlan.Price.Cmp(oldPlan.Price) {
		case 1:
			return e.upgradePlan(ctx, tx, sub, oldPlan, newPlan, now, &events, &chargeFailure)
		case -1:
			return e.downgradePlan(ctx, tx, sub, oldPlan, newPlan, now, immediate, &events)
		default:
			// Equal price: nothing to prorate, swap right away.
			sub.PlanID = newPlan.ID
			sub.UpdatedAt = now
			events = append(events, e.event(EventPlanChanged, sub, now, map[string]any{
				"from_plan": oldPlan.ID,
				"to_plan":   newPlan.ID,
			}))
			return tx.UpdateSubscription(ctx, sub)
		}
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, events)
	if chargeFailure != nil {
		return nil, chargeFailure
	}
	return sub, nil
}

// upgradePlan charges the prorated difference and swaps the plan on
// approval. A decline leaves the subscription on its old plan and is
// surfaced to the caller through chargeFailure; the attempt record still
// commits because the gateway made a decision.
func (e *Engine) upgradePlan(ctx context.Context, tx Tx, sub *Subscription, oldPlan, newPlan *Plan, now time.Time, events *[]Event, chargeFailure *error) error {
	delta, err := Prorate(oldPlan, newPlan, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	if err != nil {
		return err
	}

	if delta.IsPositive() {
		profile, err := e.profiles.GetBillingProfile(ctx, sub.UserID)
		if err != nil {
			return err
		}
		if err := profile.Validate(); err != nil {
			return err
		}

		existing, err := tx.CountAttempts(ctx, sub.ID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
		if err != nil {
			return err
		}

		attempt, chargeErr := e.executor.execute(ctx, chargeParams{
			subscription:  sub,
			profile:       profile,
			amount:        delta,
			currency:      newPlan.Currency,
			periodStart:   sub.CurrentPeriodStart,
			periodEnd:     sub.CurrentPeriodEnd,
			attemptNumber: existing + 1,
			prorated:      true,
			description:   "upgrade to " + newPlan.Name,
		})
		if err := tx.InsertAttempt(ctx, attempt); err != nil {
			return err
		}
		if chargeErr != nil {
			*chargeFailure = chargeErr
			*events = append(*events, e.event(EventPaymentFailed, sub, now, map[string]any{
				"amount":         attempt.Amount.String(),
				"currency":       attempt.Currency,
				"failure_code":   attempt.FailureCode,
				"failure_reason": attempt.FailureReason,
				"prorated":       true,
			}))
			return nil
		}

		*events = append(*events, e.event(EventPaymentSucceeded, sub, now, map[string]any{
			"amount":            attempt.Amount.String(),
			"currency":          attempt.Currency,
			"gateway_reference": attempt.GatewayReference,
			"prorated":          true,
		}))
	}

	sub.PlanID = newPlan.ID
	sub.PendingPlanID = nil
	sub.UpdatedAt = now
	*events = append(*events, e.event(EventPlanChanged, sub, now, map[string]any{
		"from_plan": oldPlan.ID,
		"to_plan":   newPlan.ID,
		"prorated":  delta.String(),
	}))
	return tx.UpdateSubscription(ctx, sub)
}

// downgradePlan defers the change to period end unless immediate effect is
// requested, in which case the unused difference is returned to the
// subscriber.
func (e *Engine) downgradePlan(ctx context.Context, tx Tx, sub *Subscription, oldPlan, newPlan *Plan, now time.Time, immediate bool, events *[]Event) error {
	if !immediate {
		planID := newPlan.ID
		sub.PendingPlanID = &planID
		sub.UpdatedAt = now
		*events = append(*events, e.event(EventPlanChanged, sub, now, map[string]any{
			"from_plan":    oldPlan.ID,
			"to_plan":      newPlan.ID,
			"deferred":     true,
			"effective_at": sub.CurrentPeriodEnd,
		}))
		return tx.UpdateSubscription(ctx, sub)
	}

	delta, err := Prorate(oldPlan, newPlan, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	if err != nil {
		return err
	}
	credit := delta.Neg() // positive amount owed back to the subscriber

	if credit.IsPositive() {
		refunded := false
		paid, err := tx.LatestSuccessfulAttempt(ctx, sub.ID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
		if err != nil {
			return err
		}
		if paid != nil && paid.Refundable() && paid.RemainingRefundable().GreaterThanOrEqual(credit) {
			result, refundErr := e.executor.refund(ctx, paid.GatewayReference, credit, oldPlan.Currency, "downgrade to "+newPlan.ID)
			if refundErr == nil {
				if err := tx.MarkAttemptRefunded(ctx, paid.ID, RefundRecord{
					Amount:    credit,
					Reference: result.RefundReference,
					Reason:    "downgrade to " + newPlan.ID,
					At:        now,
				}); err != nil {
					return err
				}
				refunded = true
				*events = append(*events, e.event(EventRefunded, sub, now, map[string]any{
					"amount":           credit.String(),
					"currency":         oldPlan.Currency,
					"refund_reference": result.RefundReference,
				}))
			}
		}
		if !refunded {
			// No refundable charge for the period (e.g. it was covered
			// by trial or a prior credit): carry the amount forward.
			addCredit(sub, credit)
		}
	}

	sub.PlanID = newPlan.ID
	sub.PendingPlanID = nil
	sub.UpdatedAt = now
	*events = append(*events, e.event(EventPlanChanged, sub, now, map[string]any{
		"from_plan": oldPlan.ID,
		"to_plan":   newPlan.ID,
		"credit":    credit.String(),
	}))
	return tx.UpdateSubscription(ctx, sub)
}

// creditMetadataKey is where unrefundable downgrade credit accumulates in
// subscription metadata, for the consuming application to apply to the
// next invoice.
const creditMetadataKey = "account_credit"

func addCredit(sub *Subscription, amount decimal.Decimal) {
	if sub.Metadata == nil {
		sub.Metadata = make(map[string]string)
	}
	total := amount
	if existing, ok := sub.Metadata[creditMetadataKey]; ok {
		if parsed, err := decimal.NewFromString(existing); err == nil {
			total = total.Add(parsed)
		}
	}
	sub.Metadata[creditMetadataKey] = total.String()
}

// Refund returns money from a successful payment attempt, fully or
// partially. A zero amount refunds the entire remaining balance. The
// attempt keeps its immutable audit fields; only refund bookkeeping is
// written.
func (e *Engine) Refund(ctx context.Context, attemptID uuid.UUID, amount decimal.Decimal, reason string) (*PaymentAttempt, error) {
	attempt, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	if e.locker != nil {
		release, err := e.locker.Acquire(ctx, "billing:subscription:"+attempt.SubscriptionID.String())
		if err != nil {
			return nil, err
		}
		defer release(ctx)
	}

	now := e.clock()
	var (
		refunded  decimal.Decimal
		reference string
	)
	err = e.store.Transact(ctx, func(tx Tx) error {
		// The subscription row lock serializes concurrent refunds; the
		// balance check below must run on a re-read under it, or two
		// callers could both pass and both reach the gateway.
		if _, err := tx.GetSubscriptionForUpdate(ctx, attempt.SubscriptionID); err != nil {
			return err
		}
		fresh, err := tx.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if !fresh.Refundable() {
			return ErrNotRefundable
		}

		remaining := fresh.RemainingRefundable()
		refunded = amount
		if refunded.IsZero() {
			refunded = remaining
		}
		if refunded.IsNegative() || refunded.GreaterThan(remaining) {
			return ErrNotRefundable
		}

		result, err := e.executor.refund(ctx, fresh.GatewayReference, refunded, fresh.Currency, reason)
		if err != nil {
			return err
		}
		reference = result.RefundReference

		return tx.MarkAttemptRefunded(ctx, attempt.ID, RefundRecord{
			Amount:    refunded,
			Reference: reference,
			Reason:    reason,
			At:        now,
		})
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, []Event{{
		Type:           EventRefunded,
		SubscriptionID: attempt.SubscriptionID,
		UserID:         attempt.UserID,
		At:             now,
		Payload: map[string]any{
			"attempt_id":       attempt.ID.String(),
			"amount":           refunded.String(),
			"currency":         attempt.Currency,
			"refund_reference": reference,
			"reason":           reason,
		},
	}})

	updated, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return attempt, nil
	}
	return updated, nil
}
