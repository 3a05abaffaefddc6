package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xseven/messaging/pkg/config"
	"github.com/xseven/messaging/pkg/event"
	"github.com/xseven/messaging/pkg/observability/logger"
	"github.com/xseven/messaging/pkg/resilience"
	"github.com/xseven/messaging/pkg/topics"
)

// messageWriter abstracts the kafka writer for tests.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer is the schema-validated, transactional event publisher. Validation
// failures surface before any network call; delivery is idempotent at the
// broker level (acks=all + bounded in-flight writes).
type Producer struct {
	writer   messageWriter
	registry *topics.Registry
	sink     DeadLetterSink
	log      logger.Logger
	metrics  *ProducerMetrics
	cfg      config.ProducerConfig

	mu     sync.Mutex
	tx     []kafka.Message
	inTx   bool
	closed bool
}

// NewProducer builds a producer over a kafka-go writer configured from cfg.
func NewProducer(
	kafkaCfg config.KafkaConfig,
	cfg config.ProducerConfig,
	registry *topics.Registry,
	log logger.Logger,
	metrics *ProducerMetrics,
) (*Producer, error) {
	if len(kafkaCfg.BootstrapServers) == 0 {
		return nil, errors.New("at least one broker address is required")
	}
	if registry == nil {
		return nil, errors.New("topic registry is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	transport, err := newTransport(kafkaCfg)
	if err != nil {
		return nil, err
	}

	acks := parseAcks(cfg.Acks)
	if cfg.Idempotent {
		// Idempotent delivery requires full acknowledgement; MaxAttempts
		// stays 1 so internal retries cannot duplicate writes.
		acks = kafka.RequireAll
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(kafkaCfg.BootstrapServers...),
		Transport:    transport,
		Balancer:     &kafka.Hash{},
		RequiredAcks: acks,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.Linger,
		BatchBytes:   int64(cfg.MaxRequestSize),
		Compression:  parseCompression(cfg.Compression),
		WriteTimeout: cfg.OperationTimeout,
		ReadTimeout:  cfg.OperationTimeout,
		MaxAttempts:  1, // retries are explicit via SendWithRetry
	}

	log.Info("producer initialized",
		"brokers", kafkaCfg.BootstrapServers,
		"acks", cfg.Acks,
		"idempotent", cfg.Idempotent,
		"compression", cfg.Compression,
	)

	return &Producer{
		writer:   writer,
		registry: registry,
		log:      log,
		metrics:  metrics,
		cfg:      cfg,
	}, nil
}

// SetDeadLetterSink wires the unified dead-letter entry point. Must be called
// before the producer serves traffic.
func (p *Producer) SetDeadLetterSink(sink DeadLetterSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func parseAcks(acks string) kafka.RequiredAcks {
	switch acks {
	case "0":
		return kafka.RequireNone
	case "1":
		return kafka.RequireOne
	default:
		return kafka.RequireAll
	}
}

func parseCompression(name string) kafka.Compression {
	switch name {
	case "gzip":
		return kafka.Gzip
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	case "none", "":
		return 0
	default:
		return kafka.Snappy
	}
}

// SendOption customizes a single send.
type SendOption func(*sendOptions)

type sendOptions struct {
	key       string
	partition int
	headers   map[string]string
}

// WithKey overrides the partition key extracted from the topic's key field.
func WithKey(key string) SendOption {
	return func(o *sendOptions) { o.key = key }
}

// WithPartition pins the message to a specific partition.
func WithPartition(partition int) SendOption {
	return func(o *sendOptions) { o.partition = partition }
}

// WithHeaders merges additional headers onto the message.
func WithHeaders(headers map[string]string) SendOption {
	return func(o *sendOptions) { o.headers = headers }
}

// Send validates the event against the topic contract and publishes it.
// Inside a transactional scope the message is buffered until commit.
func (p *Producer) Send(ctx context.Context, topic string, e *event.Event, opts ...SendOption) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	options := sendOptions{partition: -1}
	for _, opt := range opts {
		opt(&options)
	}

	spec, ok := p.registry.Lookup(topic)
	if !ok {
		p.metrics.recordFailed(topic)
		return &topics.ValidationError{Topic: topic, Missing: []string{"<topic not declared>"}}
	}

	// Fail fast before any network call.
	if err := spec.Validate(e); err != nil {
		p.metrics.recordFailed(topic)
		return err
	}

	key := options.key
	if key == "" {
		key = spec.Key(e)
	}

	msg, err := e.ToMessage(key)
	if err != nil {
		p.metrics.recordFailed(topic)
		return err
	}
	for k, v := range options.headers {
		msg.Headers[k] = v
	}

	kafkaMsg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   msg.Value,
		Headers: toKafkaHeaders(msg.Headers),
		Time:    msg.Timestamp,
	}
	if options.partition >= 0 {
		kafkaMsg.Partition = options.partition
	}

	p.mu.Lock()
	if p.inTx {
		p.tx = append(p.tx, kafkaMsg)
		p.mu.Unlock()
		p.log.Debug("message buffered in transaction", "topic", topic, "event_id", e.ID)
		return nil
	}
	p.mu.Unlock()

	return p.write(ctx, topic, e.ID, kafkaMsg)
}

func (p *Producer) write(ctx context.Context, topic, eventID string, msgs ...kafka.Message) error {
	writeCtx := ctx
	if p.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, p.cfg.OperationTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := p.writer.WriteMessages(writeCtx, msgs...); err != nil {
		for _, m := range msgs {
			p.metrics.recordFailed(m.Topic)
		}
		p.log.Error("failed to publish message",
			"topic", topic,
			"event_id", eventID,
			"error", err,
		)
		return &ConnectivityError{Op: "write", Cause: err}
	}

	duration := time.Since(start)
	for _, m := range msgs {
		p.metrics.recordSent(m.Topic, len(m.Value), duration)
	}
	p.log.Debug("message published", "topic", topic, "event_id", eventID, "duration", duration)
	return nil
}

// SendBatch validates and publishes multiple events to one topic in a single
// write.
func (p *Producer) SendBatch(ctx context.Context, topic string, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}

	spec, ok := p.registry.Lookup(topic)
	if !ok {
		return &topics.ValidationError{Topic: topic, Missing: []string{"<topic not declared>"}}
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		if err := spec.Validate(e); err != nil {
			p.metrics.recordFailed(topic)
			return err
		}
		msg, err := e.ToMessage(spec.Key(e))
		if err != nil {
			p.metrics.recordFailed(topic)
			return err
		}
		msgs = append(msgs, kafka.Message{
			Topic:   topic,
			Key:     []byte(msg.Key),
			Value:   msg.Value,
			Headers: toKafkaHeaders(msg.Headers),
			Time:    msg.Timestamp,
		})
	}

	return p.write(ctx, topic, fmt.Sprintf("batch(%d)", len(events)), msgs...)
}

// SendWithRetry publishes with exponential backoff between attempts
// (delay = backoffFactor * 2^attempt). Validation errors are terminal on the
// first attempt. Exhausting retries records a dead-letter summary
// best-effort, then returns the last error to the caller.
func (p *Producer) SendWithRetry(ctx context.Context, topic string, e *event.Event, maxRetries int, backoffFactor float64) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoffFactor <= 0 {
		backoffFactor = 1.0
	}
	base := time.Duration(backoffFactor * float64(time.Second))

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = p.Send(ctx, topic, e)
		if lastErr == nil {
			return nil
		}

		// Contract violations never succeed on retry.
		var verr *topics.ValidationError
		if errors.As(lastErr, &verr) {
			return lastErr
		}

		if attempt == maxRetries {
			break
		}

		p.metrics.recordRetry()
		delay := resilience.ExponentialBackoff(attempt, base, p.cfg.MaxBackoff)
		p.log.Warn("send failed, retrying",
			"topic", topic,
			"event_id", e.ID,
			"attempt", attempt+1,
			"delay", delay,
			"error", lastErr,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	p.recordSendFailure(ctx, topic, e, lastErr, maxRetries+1)
	return lastErr
}

// recordSendFailure routes a terminal send failure into the dead-letter
// manager. The outcome is logged only; the original error still propagates.
func (p *Producer) recordSendFailure(ctx context.Context, topic string, e *event.Event, cause error, attempts int) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return
	}

	payload, err := e.ToJSON()
	if err != nil {
		payload = nil
	}

	rec := DeadLetterRecord{
		Topic:     topic,
		Partition: -1,
		Offset:    -1,
		Key:       e.ID,
		Value:     payload,
		Timestamp: time.Now().UTC(),
		Reason:    ReasonDependency,
		Err:       fmt.Errorf("send exhausted %d attempts: %w", attempts, cause),
	}
	if err := sink.Record(ctx, rec); err != nil {
		p.log.Warn("dead-letter record for failed send was not stored",
			"topic", topic,
			"event_id", e.ID,
			"error", err,
		)
	}
}

// BeginTransaction opens a buffered transactional scope. Messages sent inside
// the scope are delivered atomically on commit and discarded on abort.
func (p *Producer) BeginTransaction() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.inTx {
		return &TransactionError{Op: "begin", Cause: errors.New("transaction already in progress")}
	}
	p.inTx = true
	p.tx = p.tx[:0]
	return nil
}

// CommitTransaction flushes the buffered scope in one write.
func (p *Producer) CommitTransaction(ctx context.Context) error {
	p.mu.Lock()
	if !p.inTx {
		p.mu.Unlock()
		return ErrNoTransaction
	}
	buffered := make([]kafka.Message, len(p.tx))
	copy(buffered, p.tx)
	p.inTx = false
	p.tx = p.tx[:0]
	p.mu.Unlock()

	if len(buffered) == 0 {
		p.metrics.recordTxCommitted()
		return nil
	}

	if err := p.write(ctx, buffered[0].Topic, "tx", buffered...); err != nil {
		p.metrics.recordTxAborted()
		return &TransactionError{Op: "commit", Cause: err}
	}

	p.metrics.recordTxCommitted()
	p.log.Debug("transaction committed", "messages", len(buffered))
	return nil
}

// AbortTransaction discards the buffered scope.
func (p *Producer) AbortTransaction() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inTx {
		return ErrNoTransaction
	}
	dropped := len(p.tx)
	p.inTx = false
	p.tx = p.tx[:0]
	p.metrics.recordTxAborted()
	p.log.Debug("transaction aborted", "messages_dropped", dropped)
	return nil
}

// InTransaction runs fn inside a transactional scope. Any error or panic
// aborts the transaction before propagating to the caller.
func (p *Producer) InTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := p.BeginTransaction(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = p.AbortTransaction()
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		if abortErr := p.AbortTransaction(); abortErr != nil {
			p.log.Error("abort after failed transaction scope", "error", abortErr)
		}
		return err
	}

	return p.CommitTransaction(ctx)
}

// Stats returns a snapshot of the producer counters.
func (p *Producer) Stats() ProducerStats {
	return p.metrics.Stats()
}

// Close flushes and shuts the underlying writer. An open transaction is
// aborted.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	wasInTx := p.inTx
	p.inTx = false
	p.tx = nil
	p.mu.Unlock()

	if wasInTx {
		p.metrics.recordTxAborted()
		p.log.Warn("producer closed with open transaction, scope aborted")
	}

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	p.log.Info("producer closed")
	return nil
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	if headers == nil {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(headers []kafka.Header) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
