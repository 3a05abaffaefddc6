package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xseven/messaging/pkg/broker"
	"github.com/xseven/messaging/pkg/bus"
	"github.com/xseven/messaging/pkg/dlq"
	"github.com/xseven/messaging/pkg/event"
	"github.com/xseven/messaging/pkg/health"
	"github.com/xseven/messaging/pkg/monitor"
	"github.com/xseven/messaging/pkg/topics"
)

// SeekMode selects where ResetConsumerOffset repositions a consumer.
type SeekMode string

const (
	SeekBeginning SeekMode = "beginning"
	SeekEnd       SeekMode = "end"
	SeekOffset    SeekMode = "offset"
)

func (m *Manager) requireProducer() (producerAPI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.producer == nil {
		return nil, errors.New("manager is not initialized")
	}
	return m.producer, nil
}

func (m *Manager) requireConsumer(topic string) (consumerAPI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consumers[topic]
	if !ok {
		return nil, fmt.Errorf("no consumer for topic %s", topic)
	}
	return c, nil
}

func (m *Manager) requireDLQ() (*dlq.Manager, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dlqMgr == nil {
		return nil, errors.New("manager is not initialized")
	}
	return m.dlqMgr, nil
}

func (m *Manager) requireMonitor() (*monitor.Monitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.monitor == nil {
		return nil, errors.New("manager is not initialized")
	}
	return m.monitor, nil
}

// publish builds an event carrying the partition key field and delivers it
// with producer-level retries.
func (m *Manager) publish(ctx context.Context, topic string, t event.Type, keyField, keyValue string, data map[string]any, opts ...event.Option) (*event.Event, error) {
	producer, err := m.requireProducer()
	if err != nil {
		return nil, err
	}
	if keyValue == "" {
		return nil, fmt.Errorf("%s is required", keyField)
	}

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload[keyField] = keyValue

	e := event.New(t, m.cfg.Service.Name, payload, opts...)
	if err := producer.SendWithRetry(ctx, topic, e, m.cfg.Producer.MaxRetries, m.cfg.Producer.BackoffFactor); err != nil {
		return nil, err
	}
	return e, nil
}

// PublishConversationEvent delivers a conversation lifecycle event, keyed by
// conversation so one conversation's events stay ordered.
func (m *Manager) PublishConversationEvent(ctx context.Context, t event.Type, conversationID string, data map[string]any, opts ...event.Option) (*event.Event, error) {
	return m.publish(ctx, topics.ConversationEvents, t, "conversation_id", conversationID, data, opts...)
}

// PublishAIResponse delivers an AI response outcome for a conversation.
func (m *Manager) PublishAIResponse(ctx context.Context, t event.Type, conversationID string, data map[string]any, opts ...event.Option) (*event.Event, error) {
	return m.publish(ctx, topics.AIResponses, t, "conversation_id", conversationID, data, opts...)
}

// PublishBusinessAnalytics delivers an analytics data point keyed by business.
func (m *Manager) PublishBusinessAnalytics(ctx context.Context, t event.Type, businessID string, data map[string]any, opts ...event.Option) (*event.Event, error) {
	return m.publish(ctx, topics.BusinessAnalytics, t, "business_id", businessID, data, opts...)
}

// PublishSystemAlert delivers an operational alert keyed by emitting service.
func (m *Manager) PublishSystemAlert(ctx context.Context, serviceName string, data map[string]any, opts ...event.Option) (*event.Event, error) {
	return m.publish(ctx, topics.SystemMonitoring, event.TypeSystemAlert, "service_name", serviceName, data, opts...)
}

// Subscribe registers an in-process handler for one event type on the shared
// bus, receiving events from every topic consumer.
func (m *Manager) Subscribe(t event.Type, h bus.Handler) {
	m.eventBus.Subscribe(t, h)
}

// GetHealthStatus runs a full health sweep and returns the aggregate.
func (m *Manager) GetHealthStatus(ctx context.Context) health.AggregatedResult {
	return m.healthRegistry.Check(ctx)
}

// ComponentHealth returns the tracked per-component health states.
func (m *Manager) ComponentHealth() []health.ComponentHealth {
	return m.healthRegistry.Components()
}

// Readiness reports whether the manager can serve traffic: running and the
// overall health at most degraded.
func (m *Manager) Readiness(ctx context.Context) bool {
	if m.State() != StateRunning {
		return false
	}
	res := m.healthRegistry.Check(ctx)
	return res.Status == health.StatusHealthy || res.Status == health.StatusDegraded
}

// Liveness reports whether the process is making progress: the monitor loop
// runs and completed a sweep recently.
func (m *Manager) Liveness() bool {
	mon, err := m.requireMonitor()
	if err != nil {
		return false
	}
	if !mon.IsRunning() {
		return false
	}
	last := mon.LastCheck()
	return !last.IsZero() && time.Since(last) <= monitorStale
}

// Metrics is a point-in-time operational summary of every component.
type Metrics struct {
	State       State                `json:"state"`
	Producer    broker.ProducerStats `json:"producer"`
	Consumer    broker.ConsumerStats `json:"consumer"`
	DLQ         dlq.Stats            `json:"dlq"`
	HealthScore int                  `json:"health_score"`
	Alerts      int                  `json:"active_alerts"`
}

// GetMetrics collects a snapshot of the component stats.
func (m *Manager) GetMetrics(ctx context.Context) (Metrics, error) {
	out := Metrics{
		State:    m.State(),
		Producer: m.producerStats(),
		Consumer: m.consumerStats(),
	}
	if stats, err := m.dlqStats(ctx); err == nil {
		out.DLQ = stats
	}
	if mon, err := m.requireMonitor(); err == nil {
		out.HealthScore = mon.HealthScore()
		out.Alerts = len(mon.ActiveAlerts())
	}
	return out, nil
}

// ExportMetrics renders the metric state in the requested format, either
// "prometheus" text exposition or a "json" snapshot.
func (m *Manager) ExportMetrics(ctx context.Context, format string) ([]byte, error) {
	switch format {
	case "prometheus":
		return m.metrics.TextExport()
	case "json":
		stats, err := m.GetMetrics(ctx)
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(stats, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported metrics format: %s", format)
	}
}

// GetActiveAlerts returns the currently firing alerts, worst first.
func (m *Manager) GetActiveAlerts() ([]*monitor.Alert, error) {
	mon, err := m.requireMonitor()
	if err != nil {
		return nil, err
	}
	return mon.ActiveAlerts(), nil
}

// GetDeadLetterDetails returns one dead-lettered message by id.
func (m *Manager) GetDeadLetterDetails(ctx context.Context, id string) (*dlq.Message, error) {
	mgr, err := m.requireDLQ()
	if err != nil {
		return nil, err
	}
	return mgr.GetDeadLetterDetails(ctx, id)
}

// ListDeadLetters returns up to limit dead-lettered messages, most recent
// failures first. A non-positive limit returns everything.
func (m *Manager) ListDeadLetters(ctx context.Context, limit int) ([]*dlq.Message, error) {
	mgr, err := m.requireDLQ()
	if err != nil {
		return nil, err
	}
	return mgr.ListDeadLetters(ctx, limit)
}

// RetryDeadLetter forces an immediate reprocessing attempt for one message,
// ignoring its schedule.
func (m *Manager) RetryDeadLetter(ctx context.Context, id string) error {
	mgr, err := m.requireDLQ()
	if err != nil {
		return err
	}
	return mgr.ManualRetry(ctx, id)
}

// DeleteDeadLetter removes one dead-lettered message.
func (m *Manager) DeleteDeadLetter(ctx context.Context, id string) error {
	mgr, err := m.requireDLQ()
	if err != nil {
		return err
	}
	return mgr.DeleteDeadLetter(ctx, id)
}

// DeadLetterStatistics summarizes the dead-letter backlog.
func (m *Manager) DeadLetterStatistics(ctx context.Context) (dlq.Stats, error) {
	return m.dlqStats(ctx)
}

// PauseConsumer stops a topic's consumer from fetching without leaving the
// group.
func (m *Manager) PauseConsumer(topic string) error {
	c, err := m.requireConsumer(topic)
	if err != nil {
		return err
	}
	return c.Pause()
}

// ResumeConsumer resumes a paused topic consumer.
func (m *Manager) ResumeConsumer(topic string) error {
	c, err := m.requireConsumer(topic)
	if err != nil {
		return err
	}
	return c.Resume()
}

// ResetConsumerOffset repositions a topic's consumer. SeekOffset repositions
// to the given absolute offset; the other modes ignore it.
func (m *Manager) ResetConsumerOffset(ctx context.Context, topic string, mode SeekMode, offset int64) error {
	c, err := m.requireConsumer(topic)
	if err != nil {
		return err
	}
	switch mode {
	case SeekBeginning:
		return c.SeekToBeginning(ctx)
	case SeekEnd:
		return c.SeekToEnd(ctx)
	case SeekOffset:
		return c.SeekToOffset(ctx, offset)
	default:
		return fmt.Errorf("unsupported seek mode: %s", mode)
	}
}

// ConsumerOffsets returns the committed offsets and current positions per
// partition for one topic's consumer.
func (m *Manager) ConsumerOffsets(topic string) (committed, positions map[int]int64, err error) {
	c, err := m.requireConsumer(topic)
	if err != nil {
		return nil, nil, err
	}
	committed, err = c.GetCommittedOffsets()
	if err != nil {
		return nil, nil, err
	}
	positions, err = c.GetCurrentPositions()
	if err != nil {
		return nil, nil, err
	}
	return committed, positions, nil
}

// CreateTopic registers a topic spec and ensures it exists in the cluster.
// Creating an already existing topic is not an error.
func (m *Manager) CreateTopic(ctx context.Context, spec topics.Spec) error {
	m.mu.RLock()
	admin := m.admin
	m.mu.RUnlock()
	if admin == nil {
		return errors.New("manager is not initialized")
	}
	if spec.Name == "" {
		return errors.New("topic name is required")
	}
	if err := admin.CreateTopic(ctx, spec); err != nil {
		return err
	}
	m.topicRegistry.Register(spec)
	return nil
}

// DeleteTopic removes a topic from the cluster and the catalogue. Canonical
// topics cannot be deleted.
func (m *Manager) DeleteTopic(ctx context.Context, name string) error {
	for _, spec := range topics.Canonical() {
		if spec.Name == name {
			return fmt.Errorf("cannot delete canonical topic %s", name)
		}
	}
	m.mu.RLock()
	admin := m.admin
	m.mu.RUnlock()
	if admin == nil {
		return errors.New("manager is not initialized")
	}
	if err := admin.DeleteTopic(ctx, name); err != nil {
		return err
	}
	m.topicRegistry.Unregister(name)
	return nil
}

// ListClusterTopics returns the topics present in the cluster.
func (m *Manager) ListClusterTopics(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	admin := m.admin
	m.mu.RUnlock()
	if admin == nil {
		return nil, errors.New("manager is not initialized")
	}
	return admin.ListTopics(ctx)
}
