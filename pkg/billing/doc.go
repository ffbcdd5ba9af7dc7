// Package billing implements a recurring-billing engine: it turns a
// subscription plan into a stream of correctly-timed, exactly-once charge
// attempts, handling trial conversion, proration on plan changes, and
// failed-payment retry with grace periods.
//
// The package is storage- and gateway-agnostic. The Engine depends on small
// capability interfaces (Store, PaymentGateway, ProfileProvider, Notifier)
// so concrete implementations can be plugged in underneath. A PostgreSQL
// Store lives in pkg/pgstore; an in-memory Store suitable for tests and
// single-process deployments is provided here.
//
// # Architecture
//
// Engine.ProcessOne is the single entry point invoked per subscription per
// scheduler tick. It acquires an exclusive lock on the subscription row,
// re-reads state under the lock, guards against duplicate charges, then
// branches on subscription status: trial conversion, renewal, retry, expiry
// or deferred cancellation. The subscription mutation and the payment
// attempt record are committed in one atomic unit; lifecycle events are
// emitted only after the commit.
//
// Two independent mechanisms prevent double billing:
//
//  1. The exclusive per-subscription lock serializes concurrent ProcessOne
//     calls for the same subscription.
//  2. The (subscription, period start, period end, attempt number)
//     uniqueness constraint on payment attempts rejects a duplicate insert
//     even if the lock is somehow bypassed. The engine treats that
//     violation as "already billed", not as a failure.
//
// # Usage
//
//	engine, err := billing.NewEngine(store, gateway, profiles,
//		billing.WithNotifier(notifier),
//		billing.WithRetryPolicy(billing.RetryPolicy{MaxRetries: 3, RetryDelay: 24 * time.Hour}),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	sub, err := engine.Subscribe(ctx, userID, "pro-monthly", paymentMethodRef)
//	// ... later, driven by pkg/scheduler:
//	result, err := engine.ProcessOne(ctx, sub.ID)
package billing
