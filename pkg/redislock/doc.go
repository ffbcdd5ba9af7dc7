// Package redislock provides a Redis-backed distributed lock implementing
// billing.Locker. It exists for deployments running several scheduler
// processes against the same database: the store's row locks already make
// concurrent billing safe, and the Redis lock on top keeps redundant
// workers from piling up on the same subscription's row lock and burning
// gateway timeouts.
//
// Acquire blocks, polling SET NX PX until the lock is obtained or the
// context is cancelled. Every lock value carries a random token and
// release is a compare-and-delete script, so a worker that stalls past the
// lock TTL cannot release a lock a faster worker has since taken over.
//
//	client, err := redislock.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	locker := redislock.New(client)
//
//	engine, err := billing.NewEngine(store, gateway, profiles,
//	    billing.WithLocker(locker),
//	)
package redislock
