package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

func seedSubscription(t *testing.T, store *billing.MemoryStore, sub *billing.Subscription) {
	t.Helper()
	err := store.Transact(context.Background(), func(tx billing.Tx) error {
		return tx.CreateSubscription(context.Background(), sub)
	})
	require.NoError(t, err)
}

func TestMemoryStorePlans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := billing.NewMemoryStore()

	_, err := store.GetPlan(ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrPlanNotFound)

	plan := validPlan()
	require.NoError(t, store.SavePlan(ctx, plan))

	got, err := store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, got.ID)
	assert.True(t, plan.Price.Equal(got.Price))

	// Stored plans are isolated from later caller mutation.
	plan.Name = "mutated"
	got, err = store.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pro", got.Name)

	bad := validPlan()
	bad.Currency = "X"
	assert.ErrorIs(t, store.SavePlan(ctx, bad), billing.ErrInvalidPlanConfiguration)
}

func TestMemoryStoreTransactions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("writes stage until commit", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		sub := &billing.Subscription{ID: uuid.New(), Status: billing.StatusActive, CreatedAt: now}

		sentinel := errors.New("rolled back")
		err := store.Transact(ctx, func(tx billing.Tx) error {
			require.NoError(t, tx.CreateSubscription(ctx, sub))
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)

		_, err = store.GetSubscription(ctx, sub.ID)
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound, "rolled-back create must not be visible")

		require.NoError(t, store.Transact(ctx, func(tx billing.Tx) error {
			return tx.CreateSubscription(ctx, sub)
		}))
		got, err := store.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, sub.ID, got.ID)
	})

	t.Run("version conflict", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		sub := &billing.Subscription{ID: uuid.New(), Status: billing.StatusActive, CreatedAt: now}
		seedSubscription(t, store, sub)

		// First update bumps the version.
		require.NoError(t, store.Transact(ctx, func(tx billing.Tx) error {
			fresh, err := tx.GetSubscriptionForUpdate(ctx, sub.ID)
			require.NoError(t, err)
			return tx.UpdateSubscription(ctx, fresh)
		}))

		// A write based on the stale copy is rejected.
		err := store.Transact(ctx, func(tx billing.Tx) error {
			return tx.UpdateSubscription(ctx, sub)
		})
		assert.ErrorIs(t, err, billing.ErrVersionConflict)
	})

	t.Run("duplicate attempt tuple", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		subID := uuid.New()
		seedSubscription(t, store, &billing.Subscription{ID: subID, Status: billing.StatusActive, CreatedAt: now})

		attempt := func() *billing.PaymentAttempt {
			return &billing.PaymentAttempt{
				ID:             uuid.New(),
				SubscriptionID: subID,
				PeriodStart:    now,
				PeriodEnd:      now.AddDate(0, 1, 0),
				AttemptNumber:  1,
				Amount:         decimal.RequireFromString("9.99"),
				Currency:       "USD",
				Status:         billing.AttemptSuccess,
				CreatedAt:      now,
			}
		}

		require.NoError(t, store.Transact(ctx, func(tx billing.Tx) error {
			return tx.InsertAttempt(ctx, attempt())
		}))

		err := store.Transact(ctx, func(tx billing.Tx) error {
			return tx.InsertAttempt(ctx, attempt())
		})
		assert.ErrorIs(t, err, billing.ErrDuplicateAttempt)

		// Same period, next attempt number is fine.
		next := attempt()
		next.AttemptNumber = 2
		require.NoError(t, store.Transact(ctx, func(tx billing.Tx) error {
			return tx.InsertAttempt(ctx, next)
		}))

		// Duplicate within a single transaction is caught too.
		err = store.Transact(ctx, func(tx billing.Tx) error {
			third := attempt()
			third.AttemptNumber = 3
			if err := tx.InsertAttempt(ctx, third); err != nil {
				return err
			}
			return tx.InsertAttempt(ctx, attempt())
		})
		assert.ErrorIs(t, err, billing.ErrDuplicateAttempt)
	})

	t.Run("row lock serializes transactions", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		sub := &billing.Subscription{ID: uuid.New(), Status: billing.StatusActive, CreatedAt: now}
		seedSubscription(t, store, sub)

		const workers = 8
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Transact(ctx, func(tx billing.Tx) error {
					fresh, err := tx.GetSubscriptionForUpdate(ctx, sub.ID)
					if err != nil {
						return err
					}
					fresh.FailedAttemptCount++
					return tx.UpdateSubscription(ctx, fresh)
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := store.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, workers, got.FailedAttemptCount, "every increment must land exactly once")
		assert.Equal(t, int64(workers), got.Version)
	})
}

func TestMemoryStoreQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

	t.Run("list due", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()

		past := now.Add(-time.Hour)
		future := now.Add(time.Hour)
		trialOver := now.Add(-time.Minute)

		dueRenewal := &billing.Subscription{ID: uuid.New(), Status: billing.StatusActive, NextBillingDate: past}
		notDue := &billing.Subscription{ID: uuid.New(), Status: billing.StatusActive, NextBillingDate: future}
		trialDue := &billing.Subscription{ID: uuid.New(), Status: billing.StatusTrialing, TrialEndDate: &trialOver, NextBillingDate: trialOver}
		trialRunning := &billing.Subscription{ID: uuid.New(), Status: billing.StatusTrialing, TrialEndDate: &future, NextBillingDate: future}
		pastDue := &billing.Subscription{ID: uuid.New(), Status: billing.StatusPastDue, NextBillingDate: past.Add(-time.Hour)}
		cancelling := &billing.Subscription{ID: uuid.New(), Status: billing.StatusActive, CancelAtPeriodEnd: true, CurrentPeriodEnd: past, NextBillingDate: future}
		paused := &billing.Subscription{ID: uuid.New(), Status: billing.StatusPaused, NextBillingDate: past}
		cancelled := &billing.Subscription{ID: uuid.New(), Status: billing.StatusCancelled, NextBillingDate: past}

		for _, sub := range []*billing.Subscription{dueRenewal, notDue, trialDue, trialRunning, pastDue, cancelling, paused, cancelled} {
			seedSubscription(t, store, sub)
		}

		ids, err := store.ListDue(ctx, now, 0)
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{dueRenewal.ID, trialDue.ID, pastDue.ID, cancelling.ID}, ids)

		limited, err := store.ListDue(ctx, now, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
		assert.Equal(t, pastDue.ID, limited[0], "oldest obligation first")
	})

	t.Run("attempts are ordered newest first", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		subID := uuid.New()
		seedSubscription(t, store, &billing.Subscription{ID: subID, Status: billing.StatusActive})

		for i := 1; i <= 3; i++ {
			a := &billing.PaymentAttempt{
				ID:             uuid.New(),
				SubscriptionID: subID,
				PeriodStart:    now,
				PeriodEnd:      now.AddDate(0, 1, 0),
				AttemptNumber:  i,
				Status:         billing.AttemptFailure,
				CreatedAt:      now.Add(time.Duration(i) * time.Hour),
			}
			require.NoError(t, store.Transact(ctx, func(tx billing.Tx) error {
				return tx.InsertAttempt(ctx, a)
			}))
		}

		attempts, err := store.ListAttempts(ctx, subID)
		require.NoError(t, err)
		require.Len(t, attempts, 3)
		assert.Equal(t, 3, attempts[0].AttemptNumber)
		assert.Equal(t, 1, attempts[2].AttemptNumber)

		got, err := store.GetAttempt(ctx, attempts[0].ID)
		require.NoError(t, err)
		assert.Equal(t, attempts[0].AttemptNumber, got.AttemptNumber)

		_, err = store.GetAttempt(ctx, uuid.New())
		assert.ErrorIs(t, err, billing.ErrAttemptNotFound)
	})
}
