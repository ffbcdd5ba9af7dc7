// Package scheduler drives recurring billing: it periodically asks the
// store which subscriptions are due and dispatches each one to the billing
// engine with bounded concurrency.
//
// The scheduler is intentionally dumb. It does not decide what a
// subscription needs (renewal, trial conversion, retry, deferred
// cancellation); it only finds due work and hands subscription IDs to
// Engine.ProcessOne, which owns all billing semantics under its own
// locking. Because ProcessOne is idempotent, overlapping schedulers,
// redelivered batches and crash-restart double dispatch are all safe.
//
// # Usage
//
//	sched, err := scheduler.New(engine, store,
//	    scheduler.WithInterval(time.Minute),
//	    scheduler.WithMaxConcurrent(8),
//	)
//	if err != nil {
//	    return err
//	}
//
//	// Run until the context is cancelled, e.g. with errgroup:
//	g.Go(sched.Run(ctx))
//
// A single batch can also be forced synchronously, which is how cron-style
// deployments and tests drive it:
//
//	result, err := sched.RunNow(ctx)
//
// Failures are isolated per subscription: one failing dispatch is logged
// and counted, and the rest of the batch proceeds.
package scheduler
