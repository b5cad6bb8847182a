// Package queue implements a durable retry queue for deferrable work.
// Producers enqueue items; a periodic drain claims a bounded batch and
// executes each item through the retry wrapper, rescheduling failures on
// a linear backoff until attempts run out.
package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"assistant-core/internal/common/logging"
	"assistant-core/internal/locks"
	"assistant-core/internal/resilience"
	"assistant-core/internal/storage"
)

// ErrDrainInProgress is returned when Drain is called while another drain
// is still running. Scheduled ticks treat it as a skip, not a failure.
var ErrDrainInProgress = stderrors.New("drain already in progress")

// Handler executes one claimed work item.
type Handler interface {
	Handle(ctx context.Context, item *storage.QueueItem) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, item *storage.QueueItem) error

func (f HandlerFunc) Handle(ctx context.Context, item *storage.QueueItem) error {
	return f(ctx, item)
}

// Payload is the unit of deferred work. Key is the stable identity used
// for duplicate suppression per subject; Data is opaque to the queue.
type Payload struct {
	Key  string
	Data []byte
}

// Config holds the queue tunables.
type Config struct {
	// Name distinguishes this queue's drain lock from other queues'.
	Name string
	// DrainInterval is the tick period of the drain schedule.
	DrainInterval time.Duration
	// BatchSize bounds how many items one drain claims.
	BatchSize int
	// MaxAttempts is how many times an item may run before it fails terminally.
	MaxAttempts int
	// ItemTimeout bounds the execution of a single item, including its
	// in-process retries.
	ItemTimeout time.Duration
	// Retry configures the in-process retry wrapper around each item.
	Retry resilience.Config
}

// DefaultConfig returns the standard queue tuning.
func DefaultConfig() Config {
	return Config{
		Name:          "retry-queue",
		DrainInterval: 30 * time.Second,
		BatchSize:     10,
		MaxAttempts:   5,
		ItemTimeout:   2 * time.Minute,
		Retry:         resilience.DefaultConfig(),
	}
}

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Claimed   int
	Completed int
	Failed    int
	Terminal  int
}

// Queue is the background retry queue. One Queue owns its drain schedule;
// the draining flag keeps cycles from overlapping in-process, and the
// optional lock manager extends that guarantee across nodes.
type Queue struct {
	store    storage.Store
	handler  Handler
	config   Config
	logger   logging.Logger
	locks    *locks.Manager
	cron     *cron.Cron
	draining atomic.Bool

	// now is swapped out in tests
	now func() time.Time
}

// New creates a queue over the given storage and handler. lockManager may
// be nil for single-node deployments.
func New(store storage.Store, handler Handler, config Config, lockManager *locks.Manager, logger logging.Logger) *Queue {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	defaults := DefaultConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = defaults.DrainInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.ItemTimeout <= 0 {
		config.ItemTimeout = defaults.ItemTimeout
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = defaults.Retry
	}

	return &Queue{
		store:   store,
		handler: handler,
		config:  config,
		logger:  logger,
		locks:   lockManager,
		now:     time.Now,
	}
}

// Enqueue schedules work for (subject, payload.Key). Enqueueing a pair that
// is already queued is a no-op, so producers can schedule the same work
// repeatedly without flooding the queue.
func (q *Queue) Enqueue(ctx context.Context, subject string, payload Payload, priority int) error {
	if subject == "" {
		return fmt.Errorf("subject is required")
	}
	if payload.Key == "" {
		return fmt.Errorf("payload key is required")
	}

	item := &storage.QueueItem{
		Subject:     subject,
		PayloadKey:  payload.Key,
		Payload:     payload.Data,
		Priority:    priority,
		MaxAttempts: q.config.MaxAttempts,
		QueuedAt:    q.now().UTC(),
	}

	inserted, err := q.store.EnqueueItem(ctx, item)
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}
	if !inserted {
		q.logger.Debug("Duplicate enqueue suppressed",
			logging.String("subject", subject),
			logging.String("payload_key", payload.Key),
		)
		return nil
	}

	q.logger.Debug("Enqueued item",
		logging.String("subject", subject),
		logging.String("payload_key", payload.Key),
		logging.Int("priority", priority),
	)
	return nil
}

// Drain runs one drain cycle: claim up to BatchSize eligible items and
// execute them sequentially. Only one drain runs at a time; a call that
// finds another in flight returns ErrDrainInProgress. With a lock manager
// configured, a cycle that cannot take the drain lock returns
// locks.ErrNotAcquired.
func (q *Queue) Drain(ctx context.Context) (*DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return nil, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	if q.locks != nil {
		lock, err := q.locks.AcquireDrainLock(ctx, q.config.Name)
		if err != nil {
			return nil, err
		}
		defer lock.Release(ctx)
	}

	now := q.now().UTC()
	items, err := q.store.ClaimBatch(ctx, q.config.BatchSize, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}

	result := &DrainResult{Claimed: len(items)}
	for _, item := range items {
		q.processItem(ctx, item, result)
	}
	return result, nil
}

// processItem executes one claimed item and records its outcome. Items run
// sequentially: the downstream provider is shared, so one drain's batch
// must not multiply its rate-limit pressure.
func (q *Queue) processItem(ctx context.Context, item *storage.QueueItem, result *DrainResult) {
	err := q.executeItem(ctx, item)
	doneAt := q.now().UTC()

	if err == nil {
		if markErr := q.store.MarkItemCompleted(ctx, item.ID, doneAt); markErr != nil {
			q.logger.Error("Failed to mark item completed", markErr,
				logging.Int("item_id", int(item.ID)),
			)
		}
		result.Completed++
		return
	}

	terminal := item.Attempts >= item.MaxAttempts
	nextAttempt := doneAt.Add(time.Duration(item.Attempts) * time.Minute)

	if markErr := q.store.MarkItemFailed(ctx, item.ID, err.Error(), nextAttempt, terminal); markErr != nil {
		q.logger.Error("Failed to mark item failed", markErr,
			logging.Int("item_id", int(item.ID)),
		)
	}

	if terminal {
		result.Terminal++
		q.logger.Warn("Item failed terminally",
			logging.Int("item_id", int(item.ID)),
			logging.String("subject", item.Subject),
			logging.String("payload_key", item.PayloadKey),
			logging.Int("attempts", item.Attempts),
			logging.Err(err),
		)
	} else {
		result.Failed++
		q.logger.Info("Item failed, rescheduled",
			logging.Int("item_id", int(item.ID)),
			logging.String("payload_key", item.PayloadKey),
			logging.Int("attempts", item.Attempts),
			logging.Time("next_attempt_at", nextAttempt),
			logging.Err(err),
		)
	}
}

// executeItem runs the handler through the retry wrapper with a bounded
// timeout. A panicking handler is contained and counted as a failure.
func (q *Queue) executeItem(ctx context.Context, item *storage.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
			q.logger.Error("Handler panicked", err,
				logging.Int("item_id", int(item.ID)),
				logging.String("payload_key", item.PayloadKey),
			)
		}
	}()

	itemCtx, cancel := context.WithTimeout(ctx, q.config.ItemTimeout)
	defer cancel()

	return resilience.Do(itemCtx, q.config.Retry, resilience.ClassifyAppError, func() error {
		return q.handler.Handle(itemCtx, item)
	})
}

// Start begins the periodic drain schedule.
func (q *Queue) Start() error {
	if q.cron != nil {
		return fmt.Errorf("queue already started")
	}

	q.cron = cron.New()
	_, err := q.cron.AddFunc(fmt.Sprintf("@every %s", q.config.DrainInterval), q.tick)
	if err != nil {
		return fmt.Errorf("failed to schedule drain: %w", err)
	}
	q.cron.Start()

	q.logger.Info("Queue drain schedule started",
		logging.String("queue", q.config.Name),
		logging.Duration("interval", q.config.DrainInterval),
		logging.Int("batch_size", q.config.BatchSize),
	)
	return nil
}

// Stop halts the schedule and waits for an in-flight drain tick to finish.
func (q *Queue) Stop() {
	if q.cron == nil {
		return
	}
	<-q.cron.Stop().Done()
	q.cron = nil

	q.logger.Info("Queue drain schedule stopped", logging.String("queue", q.config.Name))
}

func (q *Queue) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), q.config.DrainInterval+q.config.ItemTimeout)
	defer cancel()

	result, err := q.Drain(ctx)
	switch {
	case stderrors.Is(err, ErrDrainInProgress):
		q.logger.Debug("Skipping drain tick, previous drain still running")
	case stderrors.Is(err, locks.ErrNotAcquired):
		q.logger.Debug("Skipping drain tick, another node holds the drain lock")
	case err != nil:
		q.logger.Error("Drain cycle failed", err)
	case result.Claimed > 0:
		q.logger.Info("Drain cycle finished",
			logging.Int("claimed", result.Claimed),
			logging.Int("completed", result.Completed),
			logging.Int("failed", result.Failed),
			logging.Int("terminal", result.Terminal),
		)
	}
}

// Stats reports the queue's current per-status counts.
func (q *Queue) Stats(ctx context.Context) (*storage.QueueStats, error) {
	return q.store.GetQueueStats(ctx)
}
