// Package config loads and validates the messaging core configuration with
// precedence ENV > file > defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration of the messaging core.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Log      LogConfig      `mapstructure:"log"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Producer ProducerConfig `mapstructure:"producer"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	DLQ      DLQConfig      `mapstructure:"dlq"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name string `mapstructure:"name"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// KafkaConfig holds broker connectivity settings.
type KafkaConfig struct {
	BootstrapServers []string `mapstructure:"bootstrap_servers"`
	SecurityProtocol string   `mapstructure:"security_protocol"`
	SASLMechanism    string   `mapstructure:"sasl_mechanism"`
	SASLUsername     string   `mapstructure:"sasl_username"`
	SASLPassword     string   `mapstructure:"sasl_password"`
	ClientID         string   `mapstructure:"client_id"`
}

// ProducerConfig holds outbound delivery settings.
type ProducerConfig struct {
	Acks             string        `mapstructure:"acks"`
	BatchSize        int           `mapstructure:"batch_size"`
	Linger           time.Duration `mapstructure:"linger"`
	Compression      string        `mapstructure:"compression"`
	MaxRequestSize   int           `mapstructure:"max_request_size"`
	Idempotent       bool          `mapstructure:"idempotent"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// ConsumerConfig holds inbound consumption settings. GroupID is the base
// group; each topic consumer derives its own group as "<group_id>-<topic>".
type ConsumerConfig struct {
	GroupID            string        `mapstructure:"group_id"`
	AutoOffsetReset    string        `mapstructure:"auto_offset_reset"`
	AutoCommit         bool          `mapstructure:"auto_commit"`
	MaxPollRecords     int           `mapstructure:"max_poll_records"`
	SessionTimeout     time.Duration `mapstructure:"session_timeout"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	PollTimeout        time.Duration `mapstructure:"poll_timeout"`
	MaxHandlerRetries  int           `mapstructure:"max_handler_retries"`
	HandlerBackoff     time.Duration `mapstructure:"handler_backoff"`
	ReconnectThreshold int           `mapstructure:"reconnect_threshold"`
	ReconnectAfter     time.Duration `mapstructure:"reconnect_after"`
}

// DLQConfig holds dead-letter retry settings.
type DLQConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`
	Strategy          string        `mapstructure:"strategy"`
	RedisURL          string        `mapstructure:"redis_url"`
}

// MonitorConfig holds metric collection and alerting settings.
type MonitorConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Namespace string        `mapstructure:"namespace"`
}

// DefaultConfig returns the configuration applied before file and env
// overrides.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{Name: "messaging-core"},
		Log:     LogConfig{Level: "info", Format: "json"},
		Kafka: KafkaConfig{
			BootstrapServers: []string{"localhost:9092"},
			SecurityProtocol: "PLAINTEXT",
			ClientID:         "xseven-messaging",
		},
		Producer: ProducerConfig{
			Acks:             "all",
			BatchSize:        100,
			Linger:           10 * time.Millisecond,
			Compression:      "snappy",
			MaxRequestSize:   1048576,
			Idempotent:       true,
			MaxRetries:       3,
			BackoffFactor:    1.0,
			MaxBackoff:       30 * time.Second,
			OperationTimeout: 30 * time.Second,
		},
		Consumer: ConsumerConfig{
			GroupID:            "xseven-core",
			AutoOffsetReset:    "latest",
			AutoCommit:         false,
			MaxPollRecords:     100,
			SessionTimeout:     30 * time.Second,
			HeartbeatInterval:  3 * time.Second,
			PollTimeout:        time.Second,
			MaxHandlerRetries:  3,
			HandlerBackoff:     time.Second,
			ReconnectThreshold: 5,
			ReconnectAfter:     60 * time.Second,
		},
		DLQ: DLQConfig{
			MaxRetries:        3,
			BaseDelay:         time.Minute,
			MaxDelay:          time.Hour,
			SchedulerInterval: 30 * time.Second,
			Strategy:          "exponential",
		},
		Monitor: MonitorConfig{
			Interval:  30 * time.Second,
			Namespace: "xseven",
		},
	}
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.Kafka.BootstrapServers) == 0 {
		return errors.New("kafka.bootstrap_servers is required")
	}
	for _, addr := range c.Kafka.BootstrapServers {
		if strings.TrimSpace(addr) == "" {
			return errors.New("kafka.bootstrap_servers contains an empty address")
		}
	}

	switch c.Kafka.SecurityProtocol {
	case "PLAINTEXT", "SSL", "SASL_PLAINTEXT", "SASL_SSL":
	default:
		return fmt.Errorf("invalid kafka.security_protocol: %q", c.Kafka.SecurityProtocol)
	}
	if strings.HasPrefix(c.Kafka.SecurityProtocol, "SASL") {
		if c.Kafka.SASLUsername == "" || c.Kafka.SASLPassword == "" {
			return errors.New("SASL credentials are required for SASL security protocols")
		}
	}

	switch c.Producer.Acks {
	case "all", "1", "0":
	default:
		return fmt.Errorf("invalid producer.acks: %q", c.Producer.Acks)
	}
	if c.Producer.MaxRetries < 0 {
		return errors.New("producer.max_retries must be >= 0")
	}
	if c.Producer.BackoffFactor <= 0 {
		return errors.New("producer.backoff_factor must be > 0")
	}

	if strings.TrimSpace(c.Consumer.GroupID) == "" {
		return errors.New("consumer.group_id is required")
	}
	switch c.Consumer.AutoOffsetReset {
	case "earliest", "latest":
	default:
		return fmt.Errorf("invalid consumer.auto_offset_reset: %q", c.Consumer.AutoOffsetReset)
	}
	if c.Consumer.ReconnectThreshold < 1 {
		return errors.New("consumer.reconnect_threshold must be >= 1")
	}

	if c.DLQ.MaxRetries < 0 {
		return errors.New("dlq.max_retries must be >= 0")
	}
	switch c.DLQ.Strategy {
	case "exponential", "linear", "fixed", "none":
	default:
		return fmt.Errorf("invalid dlq.strategy: %q", c.DLQ.Strategy)
	}
	if c.DLQ.BaseDelay <= 0 || c.DLQ.MaxDelay <= 0 {
		return errors.New("dlq delays must be > 0")
	}
	if c.DLQ.SchedulerInterval <= 0 {
		return errors.New("dlq.scheduler_interval must be > 0")
	}

	if c.Monitor.Interval <= 0 {
		return errors.New("monitor.interval must be > 0")
	}
	return nil
}
