package broker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProducerStats is a point-in-time snapshot of producer counters.
type ProducerStats struct {
	MessagesSent          uint64  `json:"messages_sent"`
	MessagesFailed        uint64  `json:"messages_failed"`
	BytesSent             uint64  `json:"bytes_sent"`
	RetriesTotal          uint64  `json:"retries_total"`
	TransactionsCommitted uint64  `json:"transactions_committed"`
	TransactionsAborted   uint64  `json:"transactions_aborted"`
	AvgSendDurationMs     float64 `json:"avg_send_duration_ms"`
}

// ProducerMetrics tracks outbound delivery signals, mirrored to Prometheus.
type ProducerMetrics struct {
	sent        atomic.Uint64
	failed      atomic.Uint64
	bytes       atomic.Uint64
	retries     atomic.Uint64
	txCommitted atomic.Uint64
	txAborted   atomic.Uint64

	mu            sync.Mutex
	totalSendTime time.Duration
	sendCount     uint64

	promSent        *prometheus.CounterVec
	promFailed      *prometheus.CounterVec
	promBytes       prometheus.Counter
	promDuration    prometheus.Histogram
	promRetries     prometheus.Counter
	promTxCommitted prometheus.Counter
	promTxAborted   prometheus.Counter
}

// NewProducerMetrics registers producer collectors in the given registry.
func NewProducerMetrics(registry *prometheus.Registry, namespace string) (*ProducerMetrics, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if namespace == "" {
		namespace = "xseven"
	}

	m := &ProducerMetrics{
		promSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "messages_sent_total",
			Help:      "Total messages successfully sent, by topic.",
		}, []string{"topic"}),
		promFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "messages_failed_total",
			Help:      "Total messages that failed to send, by topic.",
		}, []string{"topic"}),
		promBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes successfully sent.",
		}),
		promDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "send_duration_seconds",
			Help:      "Send call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		promRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "retries_total",
			Help:      "Total send retry attempts.",
		}),
		promTxCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "transactions_committed_total",
			Help:      "Total committed transactional scopes.",
		}),
		promTxAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "transactions_aborted_total",
			Help:      "Total aborted transactional scopes.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.promSent, m.promFailed, m.promBytes, m.promDuration,
		m.promRetries, m.promTxCommitted, m.promTxAborted,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register producer metrics failed: %w", err)
		}
	}
	return m, nil
}

func (m *ProducerMetrics) recordSent(topic string, bytes int, duration time.Duration) {
	if m == nil {
		return
	}
	m.sent.Add(1)
	m.bytes.Add(uint64(bytes))
	m.mu.Lock()
	m.totalSendTime += duration
	m.sendCount++
	m.mu.Unlock()

	m.promSent.WithLabelValues(topic).Inc()
	m.promBytes.Add(float64(bytes))
	m.promDuration.Observe(duration.Seconds())
}

func (m *ProducerMetrics) recordFailed(topic string) {
	if m == nil {
		return
	}
	m.failed.Add(1)
	m.promFailed.WithLabelValues(topic).Inc()
}

func (m *ProducerMetrics) recordRetry() {
	if m == nil {
		return
	}
	m.retries.Add(1)
	m.promRetries.Inc()
}

func (m *ProducerMetrics) recordTxCommitted() {
	if m == nil {
		return
	}
	m.txCommitted.Add(1)
	m.promTxCommitted.Inc()
}

func (m *ProducerMetrics) recordTxAborted() {
	if m == nil {
		return
	}
	m.txAborted.Add(1)
	m.promTxAborted.Inc()
}

// Stats returns a snapshot of the producer counters.
func (m *ProducerMetrics) Stats() ProducerStats {
	if m == nil {
		return ProducerStats{}
	}
	m.mu.Lock()
	var avg float64
	if m.sendCount > 0 {
		avg = float64(m.totalSendTime.Milliseconds()) / float64(m.sendCount)
	}
	m.mu.Unlock()

	return ProducerStats{
		MessagesSent:          m.sent.Load(),
		MessagesFailed:        m.failed.Load(),
		BytesSent:             m.bytes.Load(),
		RetriesTotal:          m.retries.Load(),
		TransactionsCommitted: m.txCommitted.Load(),
		TransactionsAborted:   m.txAborted.Load(),
		AvgSendDurationMs:     avg,
	}
}

// ConsumerStats is a point-in-time snapshot of consumer counters.
type ConsumerStats struct {
	MessagesConsumed  uint64 `json:"messages_consumed"`
	MessagesProcessed uint64 `json:"messages_processed"`
	MessagesFailed    uint64 `json:"messages_failed"`
	Reconnects        uint64 `json:"reconnects"`
}

// ConsumerMetrics tracks inbound consumption signals, mirrored to Prometheus.
type ConsumerMetrics struct {
	consumed   atomic.Uint64
	processed  atomic.Uint64
	failed     atomic.Uint64
	reconnects atomic.Uint64

	promConsumed   *prometheus.CounterVec
	promProcessed  *prometheus.CounterVec
	promFailed     *prometheus.CounterVec
	promReconnects *prometheus.CounterVec
	promLag        *prometheus.GaugeVec
}

// NewConsumerMetrics registers consumer collectors in the given registry.
func NewConsumerMetrics(registry *prometheus.Registry, namespace string) (*ConsumerMetrics, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if namespace == "" {
		namespace = "xseven"
	}

	m := &ConsumerMetrics{
		promConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_consumed_total",
			Help:      "Total messages fetched from the broker, by topic.",
		}, []string{"topic"}),
		promProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_processed_total",
			Help:      "Total messages successfully processed, by topic.",
		}, []string{"topic"}),
		promFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_failed_total",
			Help:      "Total messages that failed processing, by topic.",
		}, []string{"topic"}),
		promReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "reconnects_total",
			Help:      "Total forced reader reconnects, by topic.",
		}, []string{"topic"}),
		promLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "lag",
			Help:      "Approximate consumer lag, by topic.",
		}, []string{"topic"}),
	}

	for _, c := range []prometheus.Collector{
		m.promConsumed, m.promProcessed, m.promFailed, m.promReconnects, m.promLag,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register consumer metrics failed: %w", err)
		}
	}
	return m, nil
}

func (m *ConsumerMetrics) recordConsumed(topic string) {
	if m == nil {
		return
	}
	m.consumed.Add(1)
	m.promConsumed.WithLabelValues(topic).Inc()
}

func (m *ConsumerMetrics) recordProcessed(topic string) {
	if m == nil {
		return
	}
	m.processed.Add(1)
	m.promProcessed.WithLabelValues(topic).Inc()
}

func (m *ConsumerMetrics) recordFailed(topic string) {
	if m == nil {
		return
	}
	m.failed.Add(1)
	m.promFailed.WithLabelValues(topic).Inc()
}

func (m *ConsumerMetrics) recordReconnect(topic string) {
	if m == nil {
		return
	}
	m.reconnects.Add(1)
	m.promReconnects.WithLabelValues(topic).Inc()
}

func (m *ConsumerMetrics) setLag(topic string, lag int64) {
	if m == nil {
		return
	}
	m.promLag.WithLabelValues(topic).Set(float64(lag))
}

// Stats returns a snapshot of the consumer counters.
func (m *ConsumerMetrics) Stats() ConsumerStats {
	if m == nil {
		return ConsumerStats{}
	}
	return ConsumerStats{
		MessagesConsumed:  m.consumed.Load(),
		MessagesProcessed: m.processed.Load(),
		MessagesFailed:    m.failed.Load(),
		Reconnects:        m.reconnects.Load(),
	}
}
