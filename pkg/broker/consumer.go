package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xseven/messaging/pkg/bus"
	"github.com/xseven/messaging/pkg/config"
	"github.com/xseven/messaging/pkg/event"
	"github.com/xseven/messaging/pkg/observability/logger"
	"github.com/xseven/messaging/pkg/resilience"
	"github.com/xseven/messaging/pkg/topics"
)

const (
	pollBackoffBase = time.Second
	pollBackoffMax  = 30 * time.Second
)

// messageReader abstracts the kafka reader for tests and reconnects.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Lag() int64
	Close() error
}

// groupSeeker resolves partition offset ranges and rewrites the group's
// committed offsets. Readers bound to a consumer group cannot reposition
// themselves, so seeks go through the group coordinator instead.
type groupSeeker interface {
	offsetRanges(ctx context.Context) (first, last map[int]int64, err error)
	commitOffsets(ctx context.Context, offsets map[int]int64) error
}

// ReaderFactory builds a fresh reader. Invoked once on start and again on
// every forced reconnect.
type ReaderFactory func() messageReader

// MessageProcessor is an optional custom per-message processing hook. When
// configured it replaces handler dispatch entirely. Returning false without
// an error marks the message unrecoverable and routes it to the dead-letter
// manager.
type MessageProcessor interface {
	Process(ctx context.Context, e *event.Event) (bool, error)
}

// Consumer runs the poll loop for one (topic, group) pair. The group id is
// scoped per topic ("<base>-<topic>") so topics never share partition
// assignment.
type Consumer struct {
	topic   string
	groupID string
	spec    topics.Spec
	cfg     config.ConsumerConfig

	newReader ReaderFactory
	seeker    groupSeeker
	processor MessageProcessor
	sharedBus *bus.Bus
	sink      DeadLetterSink
	log       logger.Logger
	metrics   *ConsumerMetrics
	breaker   *resilience.CircuitBreaker

	mu        sync.RWMutex
	reader    messageReader
	handlers  map[event.Type][]bus.Handler
	running   bool
	paused    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	positions map[int]int64
	committed map[int]int64

	consecutiveFailures int
	lastSuccessfulPoll  time.Time

	backoffBase time.Duration
	backoffMax  time.Duration
}

// ConsumerOption customizes a consumer.
type ConsumerOption func(*Consumer)

// WithProcessor installs a custom message processor replacing handler
// dispatch.
func WithProcessor(p MessageProcessor) ConsumerOption {
	return func(c *Consumer) { c.processor = p }
}

// WithSharedBus republishes events with no matching handler onto the
// in-process event bus.
func WithSharedBus(b *bus.Bus) ConsumerOption {
	return func(c *Consumer) { c.sharedBus = b }
}

// WithDeadLetterSink wires the unified dead-letter entry point.
func WithDeadLetterSink(sink DeadLetterSink) ConsumerOption {
	return func(c *Consumer) { c.sink = sink }
}

// WithReaderFactory overrides reader construction (used by tests and by the
// manager when tuning reader settings).
func WithReaderFactory(f ReaderFactory) ConsumerOption {
	return func(c *Consumer) { c.newReader = f }
}

// WithGroupSeeker overrides group offset manipulation (used by tests).
func WithGroupSeeker(s groupSeeker) ConsumerOption {
	return func(c *Consumer) { c.seeker = s }
}

// NewConsumer builds a consumer for one topic.
func NewConsumer(
	kafkaCfg config.KafkaConfig,
	cfg config.ConsumerConfig,
	spec topics.Spec,
	log logger.Logger,
	metrics *ConsumerMetrics,
	opts ...ConsumerOption,
) (*Consumer, error) {
	if len(kafkaCfg.BootstrapServers) == 0 {
		return nil, errors.New("at least one broker address is required")
	}
	if spec.Name == "" {
		return nil, errors.New("topic spec is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	c := &Consumer{
		topic:       spec.Name,
		groupID:     fmt.Sprintf("%s-%s", cfg.GroupID, spec.Name),
		spec:        spec,
		cfg:         cfg,
		log:         log.With("topic", spec.Name),
		metrics:     metrics,
		handlers:    make(map[event.Type][]bus.Handler),
		positions:   make(map[int]int64),
		committed:   make(map[int]int64),
		breaker:     resilience.NewCircuitBreaker(5, 30*time.Second),
		backoffBase: pollBackoffBase,
		backoffMax:  pollBackoffMax,
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer, err := newDialer(kafkaCfg)
	if err != nil {
		return nil, err
	}

	if c.newReader == nil {
		c.newReader = func() messageReader {
			startOffset := kafka.LastOffset
			if cfg.AutoOffsetReset == "earliest" {
				startOffset = kafka.FirstOffset
			}
			readerCfg := kafka.ReaderConfig{
				Brokers:           kafkaCfg.BootstrapServers,
				Topic:             spec.Name,
				GroupID:           c.groupID,
				Dialer:            dialer,
				MinBytes:          1,
				MaxBytes:          10e6,
				QueueCapacity:     cfg.MaxPollRecords,
				SessionTimeout:    cfg.SessionTimeout,
				HeartbeatInterval: cfg.HeartbeatInterval,
				StartOffset:       startOffset,
				MaxWait:           cfg.PollTimeout,
			}
			if cfg.AutoCommit {
				readerCfg.CommitInterval = time.Second
			}
			return kafka.NewReader(readerCfg)
		}
	}

	if c.seeker == nil {
		transport, err := newTransport(kafkaCfg)
		if err != nil {
			return nil, err
		}
		c.seeker = &kafkaGroupSeeker{
			client: &kafka.Client{
				Addr:      kafka.TCP(kafkaCfg.BootstrapServers...),
				Timeout:   10 * time.Second,
				Transport: transport,
			},
			dialer:  dialer,
			brokers: kafkaCfg.BootstrapServers,
			topic:   spec.Name,
			groupID: c.groupID,
		}
	}

	return c, nil
}

// Topic returns the topic this consumer is bound to.
func (c *Consumer) Topic() string { return c.topic }

// GroupID returns the per-topic consumer group id.
func (c *Consumer) GroupID() string { return c.groupID }

// RegisterHandler appends a handler to the ordered list for an event type.
func (c *Consumer) RegisterHandler(t event.Type, h bus.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

// IsRunning reports whether the poll loop is active.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Start creates the reader and launches the poll loop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("consumer already running")
	}

	c.reader = c.newReader()
	c.lastSuccessfulPoll = time.Now()
	c.consecutiveFailures = 0

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go c.pollLoop(loopCtx)

	c.log.Info("consumer started", "group_id", c.groupID)
	return nil
}

// Stop cancels the poll loop, allowing an in-flight poll/process cycle to
// finish within the context's grace window, then closes the reader.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	reader := c.reader
	c.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	if reader != nil {
		if err := reader.Close(); err != nil {
			c.log.Error("failed to close reader", "error", err)
			if waitErr == nil {
				waitErr = err
			}
		}
	}

	c.log.Info("consumer stopped")
	return waitErr
}

// pollLoop is the single task owning this consumer's reader and offsets.
func (c *Consumer) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		paused := c.paused
		reader := c.reader
		c.mu.RUnlock()

		if paused {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.pollTimeout()):
			}
			continue
		}

		pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout())
		msg, err := reader.FetchMessage(pollCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Empty poll: the topic is idle, not failing.
				c.recordPollSuccess()
				continue
			}
			c.handlePollFailure(ctx, err)
			continue
		}

		c.recordPollSuccess()
		c.metrics.recordConsumed(c.topic)
		c.metrics.setLag(c.topic, reader.Lag())

		c.mu.Lock()
		c.positions[msg.Partition] = msg.Offset + 1
		c.mu.Unlock()

		c.processMessage(ctx, msg)

		if !c.cfg.AutoCommit {
			// Manual commit happens only after the processing attempt,
			// guaranteeing at-least-once delivery.
			if err := reader.CommitMessages(ctx, msg); err != nil {
				c.log.Error("failed to commit offset",
					"partition", msg.Partition,
					"offset", msg.Offset,
					"error", err,
				)
			} else {
				c.mu.Lock()
				c.committed[msg.Partition] = msg.Offset + 1
				c.mu.Unlock()
			}
		}
	}
}

func (c *Consumer) pollTimeout() time.Duration {
	if c.cfg.PollTimeout > 0 {
		return c.cfg.PollTimeout
	}
	return time.Second
}

func (c *Consumer) recordPollSuccess() {
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.lastSuccessfulPoll = time.Now()
	c.mu.Unlock()
}

// handlePollFailure backs off with jitter and forces a reconnect after the
// failure threshold or a prolonged silent period.
func (c *Consumer) handlePollFailure(ctx context.Context, err error) {
	c.mu.Lock()
	c.consecutiveFailures++
	failures := c.consecutiveFailures
	stale := time.Since(c.lastSuccessfulPoll)
	c.mu.Unlock()

	c.log.Error("poll failed",
		"consecutive_failures", failures,
		"since_last_success", stale,
		"error", err,
	)

	if failures >= c.cfg.ReconnectThreshold || stale > c.reconnectAfter() {
		c.reconnect()
		return
	}

	delay := resilience.Jitter(resilience.ExponentialBackoff(failures-1, c.backoffBase, c.backoffMax))
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (c *Consumer) reconnectAfter() time.Duration {
	if c.cfg.ReconnectAfter > 0 {
		return c.cfg.ReconnectAfter
	}
	return 60 * time.Second
}

// reconnect closes and recreates the underlying reader.
func (c *Consumer) reconnect() {
	c.log.Warn("forcing reader reconnect")

	c.mu.Lock()
	old := c.reader
	c.reader = c.newReader()
	c.consecutiveFailures = 0
	c.lastSuccessfulPoll = time.Now()
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			c.log.Error("failed to close stale reader", "error", err)
		}
	}

	c.metrics.recordReconnect(c.topic)
}

// processMessage deserializes, validates and dispatches one message. Failures
// route through the dead-letter sink; they never abort the poll loop.
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) {
	headers := fromKafkaHeaders(msg.Headers)

	e, err := event.FromJSON(msg.Value)
	if err != nil {
		// Malformed payloads are dead-lettered and committed: retrying a
		// message that cannot be decoded can never succeed.
		c.metrics.recordFailed(c.topic)
		c.deadLetter(ctx, msg, headers, ReasonDeserialization, err)
		return
	}

	if err := c.spec.Validate(e); err != nil {
		c.metrics.recordFailed(c.topic)
		c.deadLetter(ctx, msg, headers, ReasonSchema, err)
		return
	}

	if c.processor != nil {
		ok, err := c.processor.Process(ctx, e)
		if err != nil || !ok {
			if err == nil {
				err = errors.New("processor rejected message")
			}
			c.metrics.recordFailed(c.topic)
			c.deadLetter(ctx, msg, headers, ReasonProcessing, err)
			return
		}
		c.metrics.recordProcessed(c.topic)
		return
	}

	c.mu.RLock()
	registered := c.handlers[e.Type]
	c.mu.RUnlock()

	applicable := make([]bus.Handler, 0, len(registered))
	for _, h := range registered {
		if h.CanHandle(e) {
			applicable = append(applicable, h)
		}
	}

	if len(applicable) == 0 {
		if c.sharedBus != nil {
			if err := c.sharedBus.Publish(ctx, e); err != nil {
				c.log.Warn("failed to republish to event bus", "event_id", e.ID, "error", err)
			}
			c.metrics.recordProcessed(c.topic)
			return
		}
		c.log.Warn("no handler for event, message dropped", "event_id", e.ID, "event_type", e.Type)
		c.metrics.recordProcessed(c.topic)
		return
	}

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var firstErr error

	for _, h := range applicable {
		wg.Add(1)
		go func(h bus.Handler) {
			defer wg.Done()
			if err := c.runHandlerWithRetry(ctx, h, e); err != nil {
				failedMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				failedMu.Unlock()
			}
		}(h)
	}
	wg.Wait()

	if firstErr != nil {
		c.metrics.recordFailed(c.topic)
		c.deadLetter(ctx, msg, headers, ReasonProcessing, firstErr)
		return
	}

	c.metrics.recordProcessed(c.topic)
}

// runHandlerWithRetry gives the handler maxRetries+1 attempts with
// exponential backoff; on final failure OnError is invoked exactly once with
// the last error.
func (c *Consumer) runHandlerWithRetry(ctx context.Context, h bus.Handler, e *event.Event) error {
	attempts := c.cfg.MaxHandlerRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	base := c.cfg.HandlerBackoff
	if base <= 0 {
		base = time.Second
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = c.breaker.Execute(func() error {
			return h.Handle(ctx, e)
		})
		if lastErr == nil {
			return nil
		}

		if attempt == attempts-1 {
			break
		}

		delay := resilience.ExponentialBackoff(attempt, base, c.backoffMax)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	h.OnError(ctx, e, lastErr)
	c.log.Error("handler exhausted retries",
		"handler", h.Name(),
		"event_id", e.ID,
		"attempts", attempts,
		"error", lastErr,
	)
	return &bus.ProcessingError{Handler: h.Name(), EventID: e.ID, Cause: lastErr}
}

// deadLetter records an unrecoverable per-message failure best-effort.
func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, headers map[string]string, reason string, cause error) {
	if c.sink == nil {
		c.log.Error("message failed with no dead-letter sink configured",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"reason", reason,
			"error", cause,
		)
		return
	}

	rec := DeadLetterRecord{
		Topic:     c.topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: msg.Time,
		Reason:    reason,
		Err:       cause,
	}
	if err := c.sink.Record(ctx, rec); err != nil {
		c.log.Error("dead-letter record was not stored",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

// --- administrative operations; all require a running consumer ---

// Pause suspends fetching without closing the reader.
func (c *Consumer) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	c.paused = true
	c.log.Info("consumer paused")
	return nil
}

// Resume restarts fetching after a pause.
func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	c.paused = false
	c.log.Info("consumer resumed")
	return nil
}

// SeekToBeginning rewinds the consumer group to the oldest available offsets.
func (c *Consumer) SeekToBeginning(ctx context.Context) error {
	return c.seek(ctx, kafka.FirstOffset)
}

// SeekToEnd fast-forwards the consumer group past the newest offsets.
func (c *Consumer) SeekToEnd(ctx context.Context) error {
	return c.seek(ctx, kafka.LastOffset)
}

// SeekToOffset repositions every partition of the group to an absolute offset.
func (c *Consumer) SeekToOffset(ctx context.Context, offset int64) error {
	if offset < 0 {
		return fmt.Errorf("invalid offset: %d", offset)
	}
	return c.seek(ctx, offset)
}

// seek rewrites the group's committed offsets. A reader bound to a group
// cannot reposition itself, so the current reader leaves the group, the target
// offsets are committed through a short-lived group generation and a fresh
// reader picks them up.
func (c *Consumer) seek(ctx context.Context, target int64) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	wasPaused := c.paused
	c.paused = true
	reader := c.reader
	c.mu.Unlock()

	if err := reader.Close(); err != nil {
		c.log.Warn("failed to close reader before seek", "error", err)
	}

	offsets, err := c.resolveSeekOffsets(ctx, target)
	if err == nil {
		err = c.seeker.commitOffsets(ctx, offsets)
	}

	c.mu.Lock()
	c.reader = c.newReader()
	if err == nil {
		c.positions = make(map[int]int64, len(offsets))
		c.committed = make(map[int]int64, len(offsets))
		for p, o := range offsets {
			c.committed[p] = o
		}
	}
	c.paused = wasPaused
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("seek failed: %w", err)
	}
	c.log.Info("consumer repositioned", "partitions", len(offsets))
	return nil
}

func (c *Consumer) resolveSeekOffsets(ctx context.Context, target int64) (map[int]int64, error) {
	first, last, err := c.seeker.offsetRanges(ctx)
	if err != nil {
		return nil, err
	}
	switch target {
	case kafka.FirstOffset:
		return first, nil
	case kafka.LastOffset:
		return last, nil
	}
	offsets := make(map[int]int64, len(first))
	for p := range first {
		offsets[p] = target
	}
	return offsets, nil
}

// kafkaGroupSeeker manipulates group offsets through the broker: offset ranges
// come from a ListOffsets query and commits go through a temporary group
// generation obtained from the coordinator.
type kafkaGroupSeeker struct {
	client  *kafka.Client
	dialer  *kafka.Dialer
	brokers []string
	topic   string
	groupID string
}

func (s *kafkaGroupSeeker) offsetRanges(ctx context.Context) (map[int]int64, map[int]int64, error) {
	meta, err := s.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{s.topic}})
	if err != nil {
		return nil, nil, &ConnectivityError{Op: "resolve partitions", Cause: err}
	}

	var requests []kafka.OffsetRequest
	for _, t := range meta.Topics {
		if t.Name != s.topic {
			continue
		}
		if t.Error != nil {
			return nil, nil, t.Error
		}
		for _, p := range t.Partitions {
			requests = append(requests, kafka.FirstOffsetOf(p.ID), kafka.LastOffsetOf(p.ID))
		}
	}
	if len(requests) == 0 {
		return nil, nil, fmt.Errorf("topic %s has no partitions", s.topic)
	}

	resp, err := s.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{s.topic: requests},
	})
	if err != nil {
		return nil, nil, &ConnectivityError{Op: "list offsets", Cause: err}
	}

	first := make(map[int]int64)
	last := make(map[int]int64)
	for _, po := range resp.Topics[s.topic] {
		if po.Error != nil {
			return nil, nil, po.Error
		}
		first[po.Partition] = po.FirstOffset
		last[po.Partition] = po.LastOffset
	}
	return first, last, nil
}

func (s *kafkaGroupSeeker) commitOffsets(ctx context.Context, offsets map[int]int64) error {
	group, err := kafka.NewConsumerGroup(kafka.ConsumerGroupConfig{
		ID:      s.groupID,
		Brokers: s.brokers,
		Topics:  []string{s.topic},
		Dialer:  s.dialer,
	})
	if err != nil {
		return err
	}
	defer group.Close()

	gen, err := group.Next(ctx)
	if err != nil {
		return err
	}
	return gen.CommitOffsets(map[string]map[int]int64{s.topic: offsets})
}

// GetCurrentPositions returns the next offset to be fetched per partition.
func (c *Consumer) GetCurrentPositions() (map[int]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.running {
		return nil, ErrNotRunning
	}
	out := make(map[int]int64, len(c.positions))
	for p, o := range c.positions {
		out[p] = o
	}
	return out, nil
}

// GetCommittedOffsets returns the last committed offset per partition.
func (c *Consumer) GetCommittedOffsets() (map[int]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.running {
		return nil, ErrNotRunning
	}
	out := make(map[int]int64, len(c.committed))
	for p, o := range c.committed {
		out[p] = o
	}
	return out, nil
}

// Stats returns a snapshot of the shared consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	return c.metrics.Stats()
}
