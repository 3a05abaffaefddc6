package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xseven/messaging/pkg/config"
	"github.com/xseven/messaging/pkg/observability/logger"
	"github.com/xseven/messaging/pkg/topics"
)

// kafkaClient is the subset of kafka.Client the admin uses, abstracted for
// tests.
type kafkaClient interface {
	CreateTopics(ctx context.Context, req *kafka.CreateTopicsRequest) (*kafka.CreateTopicsResponse, error)
	DeleteTopics(ctx context.Context, req *kafka.DeleteTopicsRequest) (*kafka.DeleteTopicsResponse, error)
	Metadata(ctx context.Context, req *kafka.MetadataRequest) (*kafka.MetadataResponse, error)
}

// dialer abstracts broker connectivity probes for tests.
type dialer func(ctx context.Context, network, address string) (brokerConn, error)

// brokerConn is the subset of kafka.Conn used by health probes.
type brokerConn interface {
	Brokers() ([]kafka.Broker, error)
	Close() error
}

// PartitionInfo describes one partition of a topic.
type PartitionInfo struct {
	ID       int   `json:"id"`
	Leader   int   `json:"leader"`
	Replicas []int `json:"replicas"`
	ISR      []int `json:"isr"`
}

// TopicMetadata describes one topic as reported by the cluster.
type TopicMetadata struct {
	Name       string          `json:"name"`
	Partitions []PartitionInfo `json:"partitions"`
}

// Admin performs cluster management: topic creation and deletion, metadata
// queries and connectivity probes.
type Admin struct {
	client  kafkaClient
	dial    dialer
	brokers []string
	timeout time.Duration
	log     logger.Logger
}

// AdminOption customizes the admin client.
type AdminOption func(*Admin)

// WithAdminClient overrides the kafka client (used by tests).
func WithAdminClient(c kafkaClient) AdminOption {
	return func(a *Admin) { a.client = c }
}

// WithAdminDialer overrides the connectivity probe dialer (used by tests).
func WithAdminDialer(d dialer) AdminOption {
	return func(a *Admin) { a.dial = d }
}

// NewAdmin builds an admin client for the configured brokers.
func NewAdmin(cfg config.KafkaConfig, log logger.Logger, opts ...AdminOption) (*Admin, error) {
	if len(cfg.BootstrapServers) == 0 {
		return nil, errors.New("at least one broker address is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	a := &Admin{
		brokers: cfg.BootstrapServers,
		timeout: 10 * time.Second,
		log:     log,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		transport, err := newTransport(cfg)
		if err != nil {
			return nil, err
		}
		a.client = &kafka.Client{
			Addr:      kafka.TCP(cfg.BootstrapServers...),
			Timeout:   a.timeout,
			Transport: transport,
		}
	}
	if a.dial == nil {
		d, err := newDialer(cfg)
		if err != nil {
			return nil, err
		}
		a.dial = func(ctx context.Context, network, address string) (brokerConn, error) {
			return d.DialContext(ctx, network, address)
		}
	}
	return a, nil
}

// CreateTopic creates the topic described by the spec. Creating a topic that
// already exists is not an error.
func (a *Admin) CreateTopic(ctx context.Context, spec topics.Spec) error {
	partitions := spec.Partitions
	if partitions < 1 {
		partitions = 1
	}
	replication := spec.ReplicationFactor
	if replication < 1 {
		replication = 1
	}

	entries := make([]kafka.ConfigEntry, 0, len(spec.Config))
	for k, v := range spec.Config {
		entries = append(entries, kafka.ConfigEntry{ConfigName: k, ConfigValue: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ConfigName < entries[j].ConfigName })

	resp, err := a.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             spec.Name,
			NumPartitions:     partitions,
			ReplicationFactor: replication,
			ConfigEntries:     entries,
		}},
	})
	if err != nil {
		return &ConnectivityError{Op: "create topic", Cause: err}
	}

	if topicErr := resp.Errors[spec.Name]; topicErr != nil {
		if errors.Is(topicErr, kafka.TopicAlreadyExists) {
			a.log.Debug("topic already exists", "topic", spec.Name)
			return nil
		}
		return fmt.Errorf("create topic %s failed: %w", spec.Name, topicErr)
	}

	a.log.Info("topic created",
		"topic", spec.Name,
		"partitions", partitions,
		"replication_factor", replication,
	)
	return nil
}

// DeleteTopic removes a topic. Deleting an unknown topic is not an error.
func (a *Admin) DeleteTopic(ctx context.Context, name string) error {
	resp, err := a.client.DeleteTopics(ctx, &kafka.DeleteTopicsRequest{
		Topics: []string{name},
	})
	if err != nil {
		return &ConnectivityError{Op: "delete topic", Cause: err}
	}

	if topicErr := resp.Errors[name]; topicErr != nil {
		if errors.Is(topicErr, kafka.UnknownTopicOrPartition) {
			a.log.Debug("topic does not exist", "topic", name)
			return nil
		}
		return fmt.Errorf("delete topic %s failed: %w", name, topicErr)
	}

	a.log.Info("topic deleted", "topic", name)
	return nil
}

// ListTopics returns the names of all topics in the cluster, sorted, excluding
// internal topics.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	resp, err := a.client.Metadata(ctx, &kafka.MetadataRequest{})
	if err != nil {
		return nil, &ConnectivityError{Op: "list topics", Cause: err}
	}

	names := make([]string, 0, len(resp.Topics))
	for _, t := range resp.Topics {
		if t.Internal {
			continue
		}
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names, nil
}

// DescribeTopic returns partition metadata for one topic.
func (a *Admin) DescribeTopic(ctx context.Context, name string) (*TopicMetadata, error) {
	resp, err := a.client.Metadata(ctx, &kafka.MetadataRequest{
		Topics: []string{name},
	})
	if err != nil {
		return nil, &ConnectivityError{Op: "describe topic", Cause: err}
	}

	for _, t := range resp.Topics {
		if t.Name != name {
			continue
		}
		if t.Error != nil {
			return nil, fmt.Errorf("describe topic %s failed: %w", name, t.Error)
		}

		md := &TopicMetadata{Name: name}
		for _, p := range t.Partitions {
			info := PartitionInfo{ID: p.ID, Leader: p.Leader.ID}
			for _, r := range p.Replicas {
				info.Replicas = append(info.Replicas, r.ID)
			}
			for _, r := range p.Isr {
				info.ISR = append(info.ISR, r.ID)
			}
			md.Partitions = append(md.Partitions, info)
		}
		sort.Slice(md.Partitions, func(i, j int) bool {
			return md.Partitions[i].ID < md.Partitions[j].ID
		})
		return md, nil
	}

	return nil, fmt.Errorf("topic %s not found", name)
}

// HealthCheck probes broker connectivity and returns the number of reachable
// cluster brokers.
func (a *Admin) HealthCheck(ctx context.Context) (int, error) {
	var lastErr error
	for _, addr := range a.brokers {
		conn, err := a.dial(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		brokers, err := conn.Brokers()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return len(brokers), nil
	}
	return 0, &ConnectivityError{Op: "health check", Cause: lastErr}
}

// Brokers returns the configured bootstrap addresses.
func (a *Admin) Brokers() []string {
	out := make([]string, len(a.brokers))
	copy(out, a.brokers)
	return out
}
