package billing

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store implementation with real locking
// semantics: per-subscription blocking mutexes stand in for row locks and
// staged writes commit atomically. Suitable for tests and single-process
// deployments; durable storage lives in pkg/pgstore.
type MemoryStore struct {
	mu       sync.RWMutex
	plans    map[string]*Plan
	subs     map[uuid.UUID]*Subscription
	attempts map[uuid.UUID]*PaymentAttempt
	rowLocks map[uuid.UUID]*sync.Mutex
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:    make(map[string]*Plan),
		subs:     make(map[uuid.UUID]*Subscription),
		attempts: make(map[uuid.UUID]*PaymentAttempt),
		rowLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// Transact runs fn with a transaction that stages writes and applies them
// atomically when fn returns nil. Row locks taken by
// GetSubscriptionForUpdate are held until the transaction ends, so a
// concurrent transaction on the same subscription blocks exactly like a
// SELECT ... FOR UPDATE waiter.
func (s *MemoryStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		store: s,
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
	defer tx.releaseLocks()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return copyPlan(plan), nil
}

func (s *MemoryStore) SavePlan(ctx context.Context, plan *Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = copyPlan(plan)
	return nil
}

func (s *MemoryStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Subscription
	for _, sub := range s.subs {
		if subscriptionDue(sub, now) {
			due = append(due, sub)
		}
	}
	// Oldest obligations first keeps the batch deterministic.
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextBillingDate.Equal(due[j].NextBillingDate) {
			return due[i].ID.String() < due[j].ID.String()
		}
		return due[i].NextBillingDate.Before(due[j].NextBillingDate)
	})

	ids := make([]uuid.UUID, 0, len(due))
	for _, sub := range due {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, sub.ID)
	}
	return ids, nil
}

// subscriptionDue is the four-clause due query: renewals, trial
// conversions, retries and deferred cancellations.
func subscriptionDue(sub *Subscription, now time.Time) bool {
	switch sub.Status {
	case StatusActive:
		if !sub.NextBillingDate.After(now) {
			return true
		}
		return sub.CancelAtPeriodEnd && !sub.CurrentPeriodEnd.After(now)
	case StatusTrialing:
		return sub.TrialEndDate != nil && !sub.TrialEndDate.After(now)
	case StatusPastDue:
		return true
	}
	return false
}

func (s *MemoryStore) ListAttempts(ctx context.Context, subscriptionID uuid.UUID) ([]PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []PaymentAttempt
	for _, a := range s.attempts {
		if a.SubscriptionID == subscriptionID {
			out = append(out, *copyAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].AttemptNumber > out[j].AttemptNumber
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetAttempt(ctx context.Context, id uuid.UUID) (*PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return copyAttempt(a), nil
}

// memTx stages writes until commit. Reads always see committed state plus
// the transaction's own staged attempts where uniqueness matters.
type memTx struct {
	store *MemoryStore
	locks map[uuid.UUID]*sync.Mutex

	createdSubs    []*Subscription
	updatedSubs    []*Subscription
	stagedAttempts []*PaymentAttempt
	stagedRefunds  map[uuid.UUID]RefundRecord
}

func (t *memTx) GetSubscriptionForUpdate(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	t.store.mu.Lock()
	if _, ok := t.store.subs[id]; !ok {
		t.store.mu.Unlock()
		return nil, ErrSubscriptionNotFound
	}
	lock, ok := t.store.rowLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		t.store.rowLocks[id] = lock
	}
	t.store.mu.Unlock()

	if _, held := t.locks[id]; !held {
		lock.Lock() // blocks, like a row-lock waiter
		t.locks[id] = lock
	}

	// Re-read under the lock: state captured before acquisition is stale.
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	sub, ok := t.store.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

func (t *memTx) CreateSubscription(ctx context.Context, sub *Subscription) error {
	t.store.mu.RLock()
	_, exists := t.store.subs[sub.ID]
	t.store.mu.RUnlock()
	if exists {
		return ErrVersionConflict
	}
	t.createdSubs = append(t.createdSubs, copySubscription(sub))
	return nil
}

func (t *memTx) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	t.store.mu.RLock()
	current, ok := t.store.subs[sub.ID]
	t.store.mu.RUnlock()

	if ok {
		if current.Version != sub.Version {
			return ErrVersionConflict
		}
	} else if !t.hasStagedCreate(sub.ID) {
		return ErrSubscriptionNotFound
	}

	staged := copySubscription(sub)
	staged.Version++
	t.updatedSubs = append(t.updatedSubs, staged)
	return nil
}

func (t *memTx) hasStagedCreate(id uuid.UUID) bool {
	for _, sub := range t.createdSubs {
		if sub.ID == id {
			return true
		}
	}
	return false
}

func (t *memTx) InsertAttempt(ctx context.Context, attempt *PaymentAttempt) error {
	key := attemptKey(attempt.SubscriptionID, attempt.PeriodStart, attempt.PeriodEnd, attempt.AttemptNumber)

	t.store.mu.RLock()
	for _, existing := range t.store.attempts {
		if attemptKey(existing.SubscriptionID, existing.PeriodStart, existing.PeriodEnd, existing.AttemptNumber) == key {
			t.store.mu.RUnlock()
			return ErrDuplicateAttempt
		}
	}
	t.store.mu.RUnlock()

	for _, staged := range t.stagedAttempts {
		if attemptKey(staged.SubscriptionID, staged.PeriodStart, staged.PeriodEnd, staged.AttemptNumber) == key {
			return ErrDuplicateAttempt
		}
	}

	t.stagedAttempts = append(t.stagedAttempts, copyAttempt(attempt))
	return nil
}

func (t *memTx) LatestSuccessfulAttempt(ctx context.Context, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) (*PaymentAttempt, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var latest *PaymentAttempt
	for _, a := range t.store.attempts {
		if a.SubscriptionID != subscriptionID || a.Status != AttemptSuccess {
			continue
		}
		if !a.PeriodStart.Equal(periodStart) || !a.PeriodEnd.Equal(periodEnd) {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyAttempt(latest), nil
}

func (t *memTx) CountAttempts(ctx context.Context, subscriptionID uuid.UUID, periodStart, periodEnd time.Time) (int, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	count := 0
	for _, a := range t.store.attempts {
		if a.SubscriptionID == subscriptionID && a.PeriodStart.Equal(periodStart) && a.PeriodEnd.Equal(periodEnd) {
			count++
		}
	}
	for _, a := range t.stagedAttempts {
		if a.SubscriptionID == subscriptionID && a.PeriodStart.Equal(periodStart) && a.PeriodEnd.Equal(periodEnd) {
			count++
		}
	}
	return count, nil
}

func (t *memTx) GetAttempt(ctx context.Context, id uuid.UUID) (*PaymentAttempt, error) {
	t.store.mu.RLock()
	a, ok := t.store.attempts[id]
	t.store.mu.RUnlock()
	if !ok {
		return nil, ErrAttemptNotFound
	}

	clone := copyAttempt(a)
	// The transaction sees its own staged refund bookkeeping.
	if record, staged := t.stagedRefunds[id]; staged {
		total := record.Amount
		if clone.RefundedAmount != nil {
			total = total.Add(*clone.RefundedAmount)
		}
		clone.RefundedAmount = &total
		clone.RefundReference = record.Reference
		clone.RefundReason = record.Reason
		at := record.At
		clone.RefundedAt = &at
	}
	return clone, nil
}

func (t *memTx) MarkAttemptRefunded(ctx context.Context, attemptID uuid.UUID, record RefundRecord) error {
	t.store.mu.RLock()
	_, ok := t.store.attempts[attemptID]
	t.store.mu.RUnlock()
	if !ok {
		return ErrAttemptNotFound
	}
	if t.stagedRefunds == nil {
		t.stagedRefunds = make(map[uuid.UUID]RefundRecord)
	}
	t.stagedRefunds[attemptID] = record
	return nil
}

func (t *memTx) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	plan, ok := t.store.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return copyPlan(plan), nil
}

func (t *memTx) CountSubscribers(ctx context.Context, planID string) (int64, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var count int64
	for _, sub := range t.store.subs {
		if sub.PlanID == planID && !sub.Status.Terminal() {
			count++
		}
	}
	for _, sub := range t.createdSubs {
		if sub.PlanID == planID && !sub.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

// commit applies all staged writes in one critical section.
func (t *memTx) commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for _, sub := range t.createdSubs {
		t.store.subs[sub.ID] = sub
	}
	for _, sub := range t.updatedSubs {
		t.store.subs[sub.ID] = sub
	}
	for _, a := range t.stagedAttempts {
		t.store.attempts[a.ID] = a
	}
	for id, record := range t.stagedRefunds {
		a, ok := t.store.attempts[id]
		if !ok {
			continue
		}
		total := record.Amount
		if a.RefundedAmount != nil {
			total = total.Add(*a.RefundedAmount)
		}
		a.RefundedAmount = &total
		a.RefundReference = record.Reference
		a.RefundReason = record.Reason
		at := record.At
		a.RefundedAt = &at
	}
	return nil
}

func (t *memTx) releaseLocks() {
	for _, lock := range t.locks {
		lock.Unlock()
	}
	t.locks = make(map[uuid.UUID]*sync.Mutex)
}

type attemptTupleKey struct {
	sub   uuid.UUID
	start int64
	end   int64
	num   int
}

func attemptKey(sub uuid.UUID, start, end time.Time, num int) attemptTupleKey {
	return attemptTupleKey{sub: sub, start: start.UnixNano(), end: end.UnixNano(), num: num}
}

func copyPlan(p *Plan) *Plan {
	clone := *p
	clone.Features = maps.Clone(p.Features)
	if p.MaxSubscribers != nil {
		v := *p.MaxSubscribers
		clone.MaxSubscribers = &v
	}
	return &clone
}

func copySubscription(s *Subscription) *Subscription {
	clone := *s
	clone.Metadata = maps.Clone(s.Metadata)
	clone.TrialEndDate = copyTime(s.TrialEndDate)
	clone.CancelledAt = copyTime(s.CancelledAt)
	clone.EndedAt = copyTime(s.EndedAt)
	clone.LastFailureAt = copyTime(s.LastFailureAt)
	clone.PausedAt = copyTime(s.PausedAt)
	if s.PendingPlanID != nil {
		v := *s.PendingPlanID
		clone.PendingPlanID = &v
	}
	return &clone
}

func copyAttempt(a *PaymentAttempt) *PaymentAttempt {
	clone := *a
	if a.ProratedAmount != nil {
		v := *a.ProratedAmount
		clone.ProratedAmount = &v
	}
	if a.RefundedAmount != nil {
		v := *a.RefundedAmount
		clone.RefundedAmount = &v
	}
	clone.RefundedAt = copyTime(a.RefundedAt)
	return &clone
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
