package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// Processor handles one due subscription. *billing.Engine satisfies it.
type Processor interface {
	ProcessOne(ctx context.Context, subscriptionID uuid.UUID) (*billing.ProcessResult, error)
}

// DueLister supplies the subscriptions whose billing action is due at a
// given time. *billing.MemoryStore and the pgstore implementation both
// satisfy it.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// BatchResult summarizes one scheduler batch.
type BatchResult struct {
	Dispatched    int // subscriptions picked up by the batch
	Charged       int
	ChargeFailed  int
	Expired       int
	Cancelled     int
	AlreadyBilled int
	Waiting       int
	Skipped       int // nothing was due after re-reading under the lock
	Errors        int // dispatches that returned an error or panicked
}

// Scheduler polls for due subscriptions and dispatches them to the billing
// engine.
type Scheduler struct {
	processor Processor
	store     DueLister

	interval        time.Duration
	batchSize       int
	dispatchTimeout time.Duration
	sem             chan struct{}
	clock           func() time.Time
	logger          *slog.Logger

	mu       sync.Mutex
	wg       sync.WaitGroup
	stopMu   sync.Mutex
	running  atomic.Bool // a batch is in flight
	stopping atomic.Bool
	cancel   context.CancelFunc
}

// New creates a billing scheduler.
func New(processor Processor, store DueLister, opts ...Option) (*Scheduler, error) {
	if processor == nil {
		return nil, ErrProcessorNil
	}
	if store == nil {
		return nil, ErrStoreNil
	}

	options := &options{
		interval:        time.Minute,
		batchSize:       100,
		maxConcurrent:   10,
		dispatchTimeout: 2 * time.Minute,
		clock:           func() time.Time { return time.Now().UTC() },
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Scheduler{
		processor:       processor,
		store:           store,
		interval:        options.interval,
		batchSize:       options.batchSize,
		dispatchTimeout: options.dispatchTimeout,
		sem:             make(chan struct{}, options.maxConcurrent),
		clock:           options.clock,
		logger:          options.logger,
	}, nil
}

// Start begins polling in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.stopping.Store(false)

	s.wg.Add(1)
	go s.run(runCtx)

	s.logger.Info("billing scheduler started",
		slog.Duration("interval", s.interval),
		slog.Int("batch_size", s.batchSize),
		slog.Int("max_concurrent", cap(s.sem)))

	return nil
}

// Stop cancels polling and waits for the in-flight batch to drain. Work
// already handed to the processor finishes on its own deadline; it is
// never cancelled mid-transaction.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}

	s.stopMu.Lock()
	s.stopping.Store(true)
	s.stopMu.Unlock()

	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	s.logger.Info("billing scheduler stopping, waiting for in-flight batch")
	s.wg.Wait()
	s.logger.Info("billing scheduler stopped")

	return nil
}

// Run starts the scheduler and returns a function suitable for errgroup.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		if err := s.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		return s.Stop()
	}
}

// run is the polling loop.
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// One batch at a time: a slow batch must not stack a second
			// one on top of itself.
			if !s.running.CompareAndSwap(false, true) {
				s.logger.Debug("previous billing batch still running, skipping tick")
				continue
			}

			s.stopMu.Lock()
			if s.stopping.Load() {
				s.stopMu.Unlock()
				s.running.Store(false)
				return
			}
			s.wg.Add(1)
			s.stopMu.Unlock()

			go func() {
				defer s.wg.Done()
				defer s.running.Store(false)

				result, err := s.RunNow(ctx)
				if err != nil {
					s.logger.Error("billing batch failed",
						slog.String("error", err.Error()))
					return
				}
				if result.Dispatched > 0 {
					s.logger.Info("billing batch complete",
						slog.Int("dispatched", result.Dispatched),
						slog.Int("charged", result.Charged),
						slog.Int("charge_failed", result.ChargeFailed),
						slog.Int("expired", result.Expired),
						slog.Int("cancelled", result.Cancelled),
						slog.Int("already_billed", result.AlreadyBilled),
						slog.Int("errors", result.Errors))
				}
			}()
		}
	}
}

// RunNow executes one batch synchronously: list due subscriptions, then
// dispatch each to the processor with bounded concurrency. Dispatch
// failures are counted, not propagated, so one bad subscription cannot
// starve the rest of the batch.
func (s *Scheduler) RunNow(ctx context.Context) (*BatchResult, error) {
	ids, err := s.store.ListDue(ctx, s.clock(), s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}

	result := &BatchResult{Dispatched: len(ids)}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, id := range ids {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return result, ctx.Err()
		}

		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			defer func() { <-s.sem }()

			// A cancelled batch stops picking up new subscriptions, but
			// a dispatch already in flight runs to its transactional
			// boundary on its own deadline. Cancelling it mid-charge
			// would roll back the attempt record after the gateway has
			// already acted.
			dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dispatchTimeout)
			defer cancel()

			res, err := s.dispatch(dispatchCtx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors++
				return
			}
			switch res.Action {
			case billing.ActionCharged:
				result.Charged++
			case billing.ActionChargeFailed:
				result.ChargeFailed++
			case billing.ActionExpired:
				result.Expired++
			case billing.ActionCancelled:
				result.Cancelled++
			case billing.ActionAlreadyBilled:
				result.AlreadyBilled++
			case billing.ActionWaiting:
				result.Waiting++
			default:
				result.Skipped++
			}
		}(id)
	}

	wg.Wait()
	return result, nil
}

// dispatch runs one subscription through the processor with panic
// containment: a panicking gateway or store implementation is converted
// into a counted per-subscription failure.
func (s *Scheduler) dispatch(ctx context.Context, id uuid.UUID) (res *billing.ProcessResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing subscription %s: %v", id, r)
			s.logger.Error("billing dispatch panicked",
				slog.String("subscription_id", id.String()),
				slog.Any("panic", r))
		}
	}()

	res, err = s.processor.ProcessOne(ctx, id)
	if err != nil {
		s.logger.Error("billing dispatch failed",
			slog.String("subscription_id", id.String()),
			slog.String("error", err.Error()))
		return nil, err
	}

	return res, nil
}
