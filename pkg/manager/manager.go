// Package manager assembles and orchestrates the messaging core: producer,
// per-topic consumers, the in-process bus, the dead-letter manager, monitoring
// and health checks behind one lifecycle and operational API.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xseven/messaging/pkg/broker"
	"github.com/xseven/messaging/pkg/bus"
	"github.com/xseven/messaging/pkg/config"
	"github.com/xseven/messaging/pkg/dlq"
	"github.com/xseven/messaging/pkg/event"
	"github.com/xseven/messaging/pkg/health"
	"github.com/xseven/messaging/pkg/monitor"
	"github.com/xseven/messaging/pkg/observability/logger"
	"github.com/xseven/messaging/pkg/observability/metrics"
	"github.com/xseven/messaging/pkg/topics"
)

// State is the manager's lifecycle position.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateInitialized   State = "initialized"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
)

const (
	initAttempts  = 3
	initRetryWait = 2 * time.Second
	stopGrace     = 30 * time.Second
	monitorStale  = 5 * time.Minute
)

// producerAPI is the outbound capability the manager orchestrates.
type producerAPI interface {
	Send(ctx context.Context, topic string, e *event.Event, opts ...broker.SendOption) error
	SendWithRetry(ctx context.Context, topic string, e *event.Event, maxRetries int, backoffFactor float64) error
	SetDeadLetterSink(sink broker.DeadLetterSink)
	Stats() broker.ProducerStats
	Close() error
}

// consumerAPI is one per-topic poll loop under the manager's control.
type consumerAPI interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	Topic() string
	RegisterHandler(t event.Type, h bus.Handler)
	Pause() error
	Resume() error
	SeekToBeginning(ctx context.Context) error
	SeekToEnd(ctx context.Context) error
	SeekToOffset(ctx context.Context, offset int64) error
	GetCommittedOffsets() (map[int]int64, error)
	GetCurrentPositions() (map[int]int64, error)
	Stats() broker.ConsumerStats
}

// adminAPI is the cluster management capability.
type adminAPI interface {
	CreateTopic(ctx context.Context, spec topics.Spec) error
	DeleteTopic(ctx context.Context, name string) error
	ListTopics(ctx context.Context) ([]string, error)
	HealthCheck(ctx context.Context) (int, error)
}

// Manager owns every messaging component and their startup/shutdown order.
type Manager struct {
	cfg *config.Config
	log logger.Logger

	metrics         *metrics.Registry
	topicRegistry   *topics.Registry
	eventBus        *bus.Bus
	healthRegistry  *health.Registry
	producerMetrics *broker.ProducerMetrics
	consumerMetrics *broker.ConsumerMetrics

	initWait time.Duration

	newAdmin    func() (adminAPI, error)
	newProducer func() (producerAPI, error)
	newConsumer func(spec topics.Spec, sink broker.DeadLetterSink) (consumerAPI, error)
	newStore    func() (dlq.Store, error)

	mu        sync.RWMutex
	state     State
	admin     adminAPI
	producer  producerAPI
	consumers map[string]consumerAPI
	store     dlq.Store
	dlqMgr    *dlq.Manager
	monitor   *monitor.Monitor
}

// Option customizes the manager, mainly for tests injecting fakes.
type Option func(*Manager)

// WithLogger overrides the logger built from configuration.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithAdminFactory overrides admin client construction.
func WithAdminFactory(f func() (adminAPI, error)) Option {
	return func(m *Manager) { m.newAdmin = f }
}

// WithProducerFactory overrides producer construction.
func WithProducerFactory(f func() (producerAPI, error)) Option {
	return func(m *Manager) { m.newProducer = f }
}

// WithConsumerFactory overrides consumer construction.
func WithConsumerFactory(f func(spec topics.Spec, sink broker.DeadLetterSink) (consumerAPI, error)) Option {
	return func(m *Manager) { m.newConsumer = f }
}

// WithStoreFactory overrides dead-letter store construction.
func WithStoreFactory(f func() (dlq.Store, error)) Option {
	return func(m *Manager) { m.newStore = f }
}

// New assembles an uninitialized manager from validated configuration.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m := &Manager{
		cfg:           cfg,
		metrics:       metrics.NewRegistry(),
		topicRegistry: topics.NewRegistry(),
		state:         StateUninitialized,
		consumers:     make(map[string]consumerAPI),
		initWait:      initRetryWait,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.log == nil {
		level, err := logger.ParseLogLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		format, err := logger.ParseLogFormat(cfg.Log.Format)
		if err != nil {
			return nil, err
		}
		zl, err := logger.NewZapLogger(logger.Config{Level: level, Format: format})
		if err != nil {
			return nil, fmt.Errorf("build logger failed: %w", err)
		}
		m.log = zl.With("service", cfg.Service.Name)
	}

	var err error
	m.producerMetrics, err = broker.NewProducerMetrics(m.metrics.Prometheus(), cfg.Monitor.Namespace)
	if err != nil {
		return nil, err
	}
	m.consumerMetrics, err = broker.NewConsumerMetrics(m.metrics.Prometheus(), cfg.Monitor.Namespace)
	if err != nil {
		return nil, err
	}

	m.eventBus = bus.New(m.log, 0)
	m.healthRegistry = health.NewRegistry()

	if m.newAdmin == nil {
		m.newAdmin = func() (adminAPI, error) {
			return broker.NewAdmin(cfg.Kafka, m.log)
		}
	}
	if m.newProducer == nil {
		m.newProducer = func() (producerAPI, error) {
			return broker.NewProducer(cfg.Kafka, cfg.Producer, m.topicRegistry, m.log, m.producerMetrics)
		}
	}
	if m.newConsumer == nil {
		m.newConsumer = func(spec topics.Spec, sink broker.DeadLetterSink) (consumerAPI, error) {
			return broker.NewConsumer(cfg.Kafka, cfg.Consumer, spec, m.log, m.consumerMetrics,
				broker.WithDeadLetterSink(sink),
				broker.WithSharedBus(m.eventBus),
			)
		}
	}
	if m.newStore == nil {
		m.newStore = func() (dlq.Store, error) {
			if cfg.DLQ.RedisURL != "" {
				return dlq.NewRedisStore(dlq.RedisStoreConfig{URL: cfg.DLQ.RedisURL})
			}
			return dlq.NewMemoryStore(), nil
		}
	}

	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Bus exposes the in-process event bus for subscriptions and middleware.
func (m *Manager) Bus() *bus.Bus { return m.eventBus }

// Topics exposes the topic catalogue.
func (m *Manager) Topics() *topics.Registry { return m.topicRegistry }

// Initialize connects to the cluster and builds every component. The whole
// sequence is retried a fixed number of times; exhausting the attempts leaves
// the manager uninitialized and returns the last error.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateUninitialized && m.state != StateStopped {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot initialize from state %s", state)
	}
	m.state = StateInitializing
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= initAttempts; attempt++ {
		if lastErr = m.initializeOnce(ctx); lastErr == nil {
			m.mu.Lock()
			m.state = StateInitialized
			m.mu.Unlock()
			m.log.Info("manager initialized", "attempt", attempt)
			return nil
		}

		m.log.Error("initialization attempt failed",
			"attempt", attempt,
			"max_attempts", initAttempts,
			"error", lastErr,
		)
		if attempt < initAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = initAttempts
			case <-time.After(m.initWait):
			}
		}
	}

	m.mu.Lock()
	m.state = StateUninitialized
	m.mu.Unlock()
	return fmt.Errorf("initialization failed after %d attempts: %w", initAttempts, lastErr)
}

func (m *Manager) initializeOnce(ctx context.Context) error {
	admin, err := m.newAdmin()
	if err != nil {
		return fmt.Errorf("build admin failed: %w", err)
	}
	if _, err := admin.HealthCheck(ctx); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}

	for _, spec := range m.topicRegistry.List() {
		if err := admin.CreateTopic(ctx, spec); err != nil {
			return fmt.Errorf("ensure topic %s failed: %w", spec.Name, err)
		}
	}

	producer, err := m.newProducer()
	if err != nil {
		return fmt.Errorf("build producer failed: %w", err)
	}

	store, err := m.newStore()
	if err != nil {
		_ = producer.Close()
		return fmt.Errorf("build dead-letter store failed: %w", err)
	}

	// A failed attempt must not leak the connections it already opened; the
	// retry loop builds fresh ones.
	fail := func(err error) error {
		_ = producer.Close()
		_ = store.Close()
		return err
	}

	dlqMgr, err := dlq.NewManager(m.cfg.DLQ, store, m.log,
		dlq.WithPublisher(producer),
		dlq.WithBus(m.eventBus),
	)
	if err != nil {
		return fail(fmt.Errorf("build dead-letter manager failed: %w", err))
	}
	producer.SetDeadLetterSink(dlqMgr)

	consumers := make(map[string]consumerAPI)
	for _, spec := range m.topicRegistry.List() {
		if spec.Name == topics.DeadLetterQueue {
			continue
		}
		c, err := m.newConsumer(spec, dlqMgr)
		if err != nil {
			return fail(fmt.Errorf("build consumer for %s failed: %w", spec.Name, err))
		}
		consumers[spec.Name] = c
	}

	// The monitor is built once and survives re-initialization: its gauges
	// live on the shared metrics registry, which rejects duplicates. Its
	// sources read the manager's current components, so reuse is safe.
	m.mu.RLock()
	mon := m.monitor
	m.mu.RUnlock()
	freshMonitor := mon == nil
	if freshMonitor {
		mon, err = monitor.New(m.cfg.Monitor, m.metrics, m.log,
			monitor.WithAlertHandlers(&monitor.LogAlertHandler{Log: m.log}),
		)
		if err != nil {
			return fail(fmt.Errorf("build monitor failed: %w", err))
		}
	}

	m.mu.Lock()
	m.admin = admin
	m.producer = producer
	m.store = store
	m.dlqMgr = dlqMgr
	m.consumers = consumers
	m.monitor = mon
	m.mu.Unlock()

	if freshMonitor {
		m.wireMonitorSources(mon)
	}
	m.wireHealthChecks(admin, producer, dlqMgr, mon)
	return nil
}

// Start brings every component up: bus, dead-letter scheduler, monitor, then
// one poll loop per topic.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateInitialized {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot start from state %s", state)
	}
	consumers := m.consumersSliceLocked()
	dlqMgr := m.dlqMgr
	mon := m.monitor
	m.mu.Unlock()

	if err := m.eventBus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus failed: %w", err)
	}
	if err := dlqMgr.Start(ctx); err != nil {
		return fmt.Errorf("start dead-letter scheduler failed: %w", err)
	}
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start monitor failed: %w", err)
	}
	for _, c := range consumers {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start consumer for %s failed: %w", c.Topic(), err)
		}
	}

	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()

	m.log.Info("manager running",
		"consumers", len(consumers),
		"topics", m.topicRegistry.Names(),
	)
	return nil
}

// Stop shuts components down in reverse order within a bounded grace window:
// consumers first so no new work arrives, then monitor, dead-letter scheduler,
// producer and finally the bus.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRunning {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot stop from state %s", state)
	}
	m.state = StateStopping
	consumers := m.consumersSliceLocked()
	dlqMgr := m.dlqMgr
	mon := m.monitor
	producer := m.producer
	store := m.store
	m.mu.Unlock()

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
	defer cancel()

	var firstErr error
	record := func(op string, err error) {
		if err != nil {
			m.log.Error("shutdown step failed", "step", op, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", op, err)
			}
		}
	}

	for _, c := range consumers {
		record("stop consumer "+c.Topic(), c.Stop(graceCtx))
	}
	record("stop monitor", mon.Stop(graceCtx))
	record("stop dead-letter scheduler", dlqMgr.Stop(graceCtx))
	record("close producer", producer.Close())
	record("close dead-letter store", store.Close())
	record("stop event bus", m.eventBus.Stop(graceCtx))

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()

	m.log.Info("manager stopped")
	return firstErr
}

func (m *Manager) consumersSliceLocked() []consumerAPI {
	out := make([]consumerAPI, 0, len(m.consumers))
	for _, name := range m.topicRegistry.Names() {
		if c, ok := m.consumers[name]; ok {
			out = append(out, c)
		}
	}
	return out
}

// wireMonitorSources registers the component stat feeds with the monitor.
func (m *Manager) wireMonitorSources(mon *monitor.Monitor) {
	mon.RegisterSource(&monitor.SourceFunc{
		SourceName: "producer",
		Fn: func(ctx context.Context) (map[string]float64, error) {
			stats := m.producerStats()
			total := stats.MessagesSent + stats.MessagesFailed
			rate := 0.0
			if total > 0 {
				rate = float64(stats.MessagesFailed) / float64(total)
			}
			return map[string]float64{
				"sent":       float64(stats.MessagesSent),
				"failed":     float64(stats.MessagesFailed),
				"error_rate": rate,
			}, nil
		},
	})
	mon.RegisterSource(&monitor.SourceFunc{
		SourceName: "consumer",
		Fn: func(ctx context.Context) (map[string]float64, error) {
			stats := m.consumerStats()
			total := stats.MessagesProcessed + stats.MessagesFailed
			rate := 0.0
			if total > 0 {
				rate = float64(stats.MessagesFailed) / float64(total)
			}
			return map[string]float64{
				"consumed":     float64(stats.MessagesConsumed),
				"failed":       float64(stats.MessagesFailed),
				"failure_rate": rate,
				"reconnects":   float64(stats.Reconnects),
			}, nil
		},
	})
	mon.RegisterSource(&monitor.SourceFunc{
		SourceName: "dlq",
		Fn: func(ctx context.Context) (map[string]float64, error) {
			stats, err := m.dlqStats(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]float64{
				"total":     float64(stats.Total),
				"pending":   float64(stats.Pending),
				"exhausted": float64(stats.Exhausted),
			}, nil
		},
	})
	mon.RegisterSource(&monitor.SourceFunc{
		SourceName: "broker",
		Fn: func(ctx context.Context) (map[string]float64, error) {
			m.mu.RLock()
			admin := m.admin
			m.mu.RUnlock()
			n, err := admin.HealthCheck(ctx)
			if err != nil {
				return map[string]float64{"available": 0}, nil
			}
			return map[string]float64{"available": float64(n)}, nil
		},
	})
}

// wireHealthChecks registers the component health probes.
func (m *Manager) wireHealthChecks(admin adminAPI, producer producerAPI, dlqMgr *dlq.Manager, mon *monitor.Monitor) {
	m.healthRegistry.Register(health.NewBrokerChecker(admin))
	m.healthRegistry.Register(health.NewTopicChecker(admin, m.topicRegistry.Names()))
	m.healthRegistry.Register(health.NewProducerChecker(func() (uint64, uint64) {
		stats := producer.Stats()
		return stats.MessagesSent, stats.MessagesFailed
	}))
	m.healthRegistry.Register(health.NewConsumerChecker(m.consumerStates))
	m.healthRegistry.Register(health.NewDLQChecker(
		dlqMgr.IsRunning,
		func(ctx context.Context) (int64, error) {
			stats, err := dlqMgr.Statistics(ctx)
			if err != nil {
				return 0, err
			}
			return stats.Pending, nil
		},
	))
	m.healthRegistry.Register(health.NewMonitorChecker(mon.IsRunning, mon.LastCheck, monitorStale))
}

func (m *Manager) consumerStates() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.consumers))
	for topic, c := range m.consumers {
		out[topic] = c.IsRunning()
	}
	return out
}

func (m *Manager) producerStats() broker.ProducerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.producer == nil {
		return broker.ProducerStats{}
	}
	return m.producer.Stats()
}

func (m *Manager) consumerStats() broker.ConsumerStats {
	return m.consumerMetrics.Stats()
}

func (m *Manager) dlqStats(ctx context.Context) (dlq.Stats, error) {
	m.mu.RLock()
	mgr := m.dlqMgr
	m.mu.RUnlock()
	if mgr == nil {
		return dlq.Stats{}, errors.New("dead-letter manager not initialized")
	}
	return mgr.Statistics(ctx)
}

// HealthCheckAndReconnect runs a full health sweep and acts on what it finds.
// While running, a dead poll loop is restarted and an unreachable broker tears
// the manager down so stale connections are released. While stopped, a
// reachable broker triggers re-initialization and restart. Managers that were
// never initialized, or are mid-transition, are left alone.
func (m *Manager) HealthCheckAndReconnect(ctx context.Context) (health.AggregatedResult, error) {
	result := m.healthRegistry.Check(ctx)

	m.mu.RLock()
	state := m.state
	admin := m.admin
	consumers := make([]consumerAPI, 0, len(m.consumers))
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.mu.RUnlock()

	switch state {
	case StateRunning:
		if _, err := admin.HealthCheck(ctx); err != nil {
			m.log.Error("broker unreachable, shutting down until it recovers", "error", err)
			if stopErr := m.Stop(ctx); stopErr != nil {
				m.log.Error("shutdown after lost broker failed", "error", stopErr)
			}
			return result, fmt.Errorf("broker unreachable: %w", err)
		}

		var firstErr error
		for _, c := range consumers {
			if c.IsRunning() {
				continue
			}
			m.log.Warn("consumer not running, restarting", "topic", c.Topic())
			if err := c.Start(ctx); err != nil {
				m.log.Error("consumer restart failed", "topic", c.Topic(), "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return result, firstErr

	case StateStopped:
		if admin == nil {
			return result, nil
		}
		if _, err := admin.HealthCheck(ctx); err != nil {
			m.log.Debug("broker still unreachable, staying stopped", "error", err)
			return result, nil
		}
		m.log.Info("broker reachable again, reinitializing")
		if err := m.Initialize(ctx); err != nil {
			return result, fmt.Errorf("reinitialize after broker recovery failed: %w", err)
		}
		if err := m.Start(ctx); err != nil {
			return result, fmt.Errorf("restart after broker recovery failed: %w", err)
		}
		return result, nil

	default:
		return result, nil
	}
}
