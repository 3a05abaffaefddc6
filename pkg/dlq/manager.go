package dlq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xseven/messaging/pkg/broker"
	"github.com/xseven/messaging/pkg/bus"
	"github.com/xseven/messaging/pkg/config"
	"github.com/xseven/messaging/pkg/event"
	"github.com/xseven/messaging/pkg/observability/logger"
	"github.com/xseven/messaging/pkg/topics"
)

const dueBatchSize = 100

// Publisher is the outbound capability the manager needs: summary records on
// the dead-letter topic and default republishing of recovered messages.
type Publisher interface {
	Send(ctx context.Context, topic string, e *event.Event, opts ...broker.SendOption) error
}

// Reprocessor replays one dead-letter message. A nil error marks the message
// resolved.
type Reprocessor interface {
	Reprocess(ctx context.Context, m *Message) error
}

// ReprocessorFunc adapts a function into a Reprocessor.
type ReprocessorFunc func(ctx context.Context, m *Message) error

// Reprocess invokes the wrapped function.
func (f ReprocessorFunc) Reprocess(ctx context.Context, m *Message) error { return f(ctx, m) }

// Manager captures failed messages, schedules their retries and exposes the
// dead-letter operational API. It implements broker.DeadLetterSink.
type Manager struct {
	cfg      config.DLQConfig
	strategy Strategy
	store    Store
	log      logger.Logger

	publisher   Publisher
	sharedBus   *bus.Bus
	reprocessor Reprocessor
	now         func() time.Time

	recorded  atomic.Uint64
	retried   atomic.Uint64
	resolved  atomic.Uint64
	exhausted atomic.Uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ManagerOption customizes the manager.
type ManagerOption func(*Manager)

// WithPublisher wires outbound publishing for summaries and republishing.
func WithPublisher(p Publisher) ManagerOption {
	return func(m *Manager) { m.publisher = p }
}

// WithBus wires retry outcome notifications onto the in-process event bus.
func WithBus(b *bus.Bus) ManagerOption {
	return func(m *Manager) { m.sharedBus = b }
}

// WithReprocessor overrides the default republish-to-origin reprocessor.
func WithReprocessor(r Reprocessor) ManagerOption {
	return func(m *Manager) { m.reprocessor = r }
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a dead-letter manager over the given store.
func NewManager(cfg config.DLQConfig, store Store, log logger.Logger, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	strategy := Strategy(cfg.Strategy)
	if !strategy.Valid() {
		return nil, fmt.Errorf("invalid retry strategy: %q", cfg.Strategy)
	}

	m := &Manager{
		cfg:      cfg,
		strategy: strategy,
		store:    store,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.reprocessor == nil {
		m.reprocessor = ReprocessorFunc(m.republish)
	}
	return m, nil
}

// Record implements broker.DeadLetterSink: it persists the failure, schedules
// the first retry and publishes a summary on the dead-letter topic.
func (m *Manager) Record(ctx context.Context, rec broker.DeadLetterRecord) error {
	now := m.now()
	reason := rec.Reason
	if reason == "" {
		reason = broker.ReasonUnknown
	}
	errMsg := ""
	if rec.Err != nil {
		errMsg = rec.Err.Error()
	}

	msg := &Message{
		ID:                uuid.NewString(),
		OriginalTopic:     rec.Topic,
		OriginalPartition: rec.Partition,
		OriginalOffset:    rec.Offset,
		OriginalKey:       rec.Key,
		OriginalValue:     rec.Value,
		Headers:           rec.Headers,
		FailureReason:     reason,
		ErrorMessage:      errMsg,
		ErrorPattern:      ClassifyError(errMsg),
		RetryCount:        0,
		MaxRetries:        m.cfg.MaxRetries,
		Status:            StatusPending,
		FirstFailedAt:     now,
		LastFailedAt:      now,
	}
	m.scheduleNextRetry(msg, now)

	if err := m.store.Save(ctx, msg); err != nil {
		return fmt.Errorf("persist dead-letter message failed: %w", err)
	}
	m.recorded.Add(1)

	m.log.Warn("message dead-lettered",
		"dlq_id", msg.ID,
		"original_topic", msg.OriginalTopic,
		"failure_reason", msg.FailureReason,
		"error_pattern", msg.ErrorPattern,
	)

	m.publishSummary(ctx, msg)
	return nil
}

// scheduleNextRetry sets NextRetryAt for the coming attempt, or clears it when
// no automatic retry applies.
func (m *Manager) scheduleNextRetry(msg *Message, now time.Time) {
	msg.NextRetryAt = nil
	if msg.Status != StatusPending || msg.RetryCount >= msg.MaxRetries {
		return
	}
	delay, ok := m.strategy.Delay(msg.RetryCount, m.cfg.BaseDelay, m.cfg.MaxDelay)
	if !ok {
		return
	}
	next := now.Add(delay)
	msg.NextRetryAt = &next
}

// publishSummary emits a compact record on the dead-letter topic. Failures are
// logged only; the capture itself already succeeded.
func (m *Manager) publishSummary(ctx context.Context, msg *Message) {
	if m.publisher == nil {
		return
	}
	summary := event.New(event.TypeDeadLetter, "dlq-manager", map[string]any{
		"original_topic": msg.OriginalTopic,
		"dlq_id":         msg.ID,
		"failure_reason": msg.FailureReason,
		"error_pattern":  msg.ErrorPattern,
		"retry_count":    msg.RetryCount,
	})
	if err := m.publisher.Send(ctx, topics.DeadLetterQueue, summary); err != nil {
		m.log.Warn("failed to publish dead-letter summary", "dlq_id", msg.ID, "error", err)
	}
}

// republish is the default reprocessor: decode the original payload and send
// it back to its origin topic.
func (m *Manager) republish(ctx context.Context, msg *Message) error {
	if m.publisher == nil {
		return errors.New("no publisher configured for republishing")
	}
	e, err := event.FromJSON(msg.OriginalValue)
	if err != nil {
		return fmt.Errorf("cannot replay undecodable payload: %w", err)
	}
	return m.publisher.Send(ctx, msg.OriginalTopic, e)
}

// Start launches the retry scheduler loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("dead-letter manager already running")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.schedulerLoop(loopCtx)

	m.log.Info("dead-letter scheduler started",
		"interval", m.cfg.SchedulerInterval,
		"strategy", m.strategy,
		"max_retries", m.cfg.MaxRetries,
	)
	return nil
}

// Stop halts the scheduler loop and waits for an in-flight sweep.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("dead-letter scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the scheduler loop is active.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) schedulerLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProcessDue(ctx)
		}
	}
}

// ProcessDue sweeps messages whose retry time has passed and attempts each
// one. It is invoked by the scheduler and may be called directly.
func (m *Manager) ProcessDue(ctx context.Context) {
	due, err := m.store.Due(ctx, m.now(), dueBatchSize)
	if err != nil {
		m.log.Error("failed to scan due dead-letter messages", "error", err)
		return
	}
	for _, msg := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := m.attempt(ctx, msg); err != nil {
			m.log.Error("dead-letter retry bookkeeping failed", "dlq_id", msg.ID, "error", err)
		}
	}
}

// attempt runs one reprocessing attempt and persists the outcome.
func (m *Manager) attempt(ctx context.Context, msg *Message) error {
	m.retried.Add(1)
	now := m.now()

	if err := m.reprocessor.Reprocess(ctx, msg); err != nil {
		msg.LastFailedAt = now
		msg.ErrorMessage = err.Error()
		msg.ErrorPattern = ClassifyError(err.Error())
		if msg.RetryCount < msg.MaxRetries {
			msg.RetryCount++
		}

		if msg.RetryCount >= msg.MaxRetries {
			msg.Status = StatusExhausted
			msg.NextRetryAt = nil
			m.exhausted.Add(1)
			m.log.Error("dead-letter message exhausted retries",
				"dlq_id", msg.ID,
				"original_topic", msg.OriginalTopic,
				"retry_count", msg.RetryCount,
			)
			m.notify(ctx, msg, "max_retries_reached")
		} else {
			m.scheduleNextRetry(msg, now)
			m.log.Warn("dead-letter retry failed",
				"dlq_id", msg.ID,
				"retry_count", msg.RetryCount,
				"next_retry_at", msg.NextRetryAt,
				"error", err,
			)
		}
		return m.store.Save(ctx, msg)
	}

	msg.Status = StatusResolved
	msg.NextRetryAt = nil
	m.resolved.Add(1)
	m.log.Info("dead-letter message reprocessed",
		"dlq_id", msg.ID,
		"original_topic", msg.OriginalTopic,
		"retry_count", msg.RetryCount,
	)
	m.notify(ctx, msg, "retry_succeeded")

	// A recovered message leaves the backlog entirely; the resolved counter
	// keeps the statistic.
	return m.store.Delete(ctx, msg.ID)
}

// notify publishes a retry outcome on the in-process bus best-effort.
func (m *Manager) notify(ctx context.Context, msg *Message, outcome string) {
	if m.sharedBus == nil {
		return
	}
	e := event.New(event.TypeDeadLetter, "dlq-manager", map[string]any{
		"original_topic": msg.OriginalTopic,
		"dlq_id":         msg.ID,
		"outcome":        outcome,
		"retry_count":    msg.RetryCount,
	})
	if err := m.sharedBus.Publish(ctx, e); err != nil {
		m.log.Warn("failed to publish retry outcome", "dlq_id", msg.ID, "error", err)
	}
}

// GetDeadLetterDetails returns one message by id.
func (m *Manager) GetDeadLetterDetails(ctx context.Context, id string) (*Message, error) {
	return m.store.Get(ctx, id)
}

// ListDeadLetters returns up to limit messages, most recent failure first.
func (m *Manager) ListDeadLetters(ctx context.Context, limit int) ([]*Message, error) {
	return m.store.List(ctx, limit)
}

// ManualRetry forces an immediate reprocessing attempt regardless of the
// scheduled retry time or exhaustion state.
func (m *Manager) ManualRetry(ctx context.Context, id string) error {
	msg, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if msg.Status == StatusExhausted {
		// A manual retry reopens the message for this one attempt.
		msg.Status = StatusPending
	}
	return m.attempt(ctx, msg)
}

// DeleteDeadLetter permanently removes a message.
func (m *Manager) DeleteDeadLetter(ctx context.Context, id string) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	return m.store.Delete(ctx, id)
}

// Stats summarizes the dead-letter backlog and retry activity.
type Stats struct {
	Total            int64            `json:"total"`
	Pending          int64            `json:"pending"`
	Resolved         int64            `json:"resolved"`
	Exhausted        int64            `json:"exhausted"`
	ByFailureReason  map[string]int64 `json:"by_failure_reason"`
	ByErrorPattern   map[string]int64 `json:"by_error_pattern"`
	ByOriginalTopic  map[string]int64 `json:"by_original_topic"`
	Recorded         uint64           `json:"recorded"`
	RetriesAttempted uint64           `json:"retries_attempted"`
	RetriesSucceeded uint64           `json:"retries_succeeded"`
}

// Statistics computes the backlog breakdown from the store plus the manager's
// lifetime counters.
func (m *Manager) Statistics(ctx context.Context) (Stats, error) {
	msgs, err := m.store.List(ctx, 0)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		ByFailureReason:  make(map[string]int64),
		ByErrorPattern:   make(map[string]int64),
		ByOriginalTopic:  make(map[string]int64),
		Recorded:         m.recorded.Load(),
		RetriesAttempted: m.retried.Load(),
		RetriesSucceeded: m.resolved.Load(),
	}
	for _, msg := range msgs {
		stats.Total++
		switch msg.Status {
		case StatusPending:
			stats.Pending++
		case StatusResolved:
			stats.Resolved++
		case StatusExhausted:
			stats.Exhausted++
		}
		stats.ByFailureReason[msg.FailureReason]++
		stats.ByErrorPattern[msg.ErrorPattern]++
		stats.ByOriginalTopic[msg.OriginalTopic]++
	}
	return stats, nil
}
