package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix is the prefix applied to environment variable overrides,
// e.g. XSEVEN_KAFKA_BOOTSTRAP_SERVERS.
const DefaultEnvPrefix = "XSEVEN"

// Loader reads configuration with precedence ENV > file > defaults.
type Loader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewLoader creates a loader. configFile may be empty, in which case only
// defaults and environment variables apply.
func NewLoader(configFile, envPrefix string) *Loader {
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}
	return &Loader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags attaches a pflag set whose values override file configuration.
func (l *Loader) WithFlags(flags *pflag.FlagSet) *Loader {
	l.flags = flags
	return l
}

// Load reads, merges and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()

	setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvKeys(v)

	if l.flags != nil {
		if err := v.BindPFlags(l.flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Comma-separated broker lists are common in env overrides.
	if len(cfg.Kafka.BootstrapServers) == 1 && strings.Contains(cfg.Kafka.BootstrapServers[0], ",") {
		cfg.Kafka.BootstrapServers = splitAndTrim(cfg.Kafka.BootstrapServers[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// setDefaults walks the default config into viper keys so that partial files
// and env overrides merge on top of complete defaults.
func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("service.name", def.Service.Name)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)

	v.SetDefault("kafka.bootstrap_servers", def.Kafka.BootstrapServers)
	v.SetDefault("kafka.security_protocol", def.Kafka.SecurityProtocol)
	v.SetDefault("kafka.sasl_mechanism", def.Kafka.SASLMechanism)
	v.SetDefault("kafka.sasl_username", def.Kafka.SASLUsername)
	v.SetDefault("kafka.sasl_password", def.Kafka.SASLPassword)
	v.SetDefault("kafka.client_id", def.Kafka.ClientID)

	v.SetDefault("producer.acks", def.Producer.Acks)
	v.SetDefault("producer.batch_size", def.Producer.BatchSize)
	v.SetDefault("producer.linger", def.Producer.Linger)
	v.SetDefault("producer.compression", def.Producer.Compression)
	v.SetDefault("producer.max_request_size", def.Producer.MaxRequestSize)
	v.SetDefault("producer.idempotent", def.Producer.Idempotent)
	v.SetDefault("producer.max_retries", def.Producer.MaxRetries)
	v.SetDefault("producer.backoff_factor", def.Producer.BackoffFactor)
	v.SetDefault("producer.max_backoff", def.Producer.MaxBackoff)
	v.SetDefault("producer.operation_timeout", def.Producer.OperationTimeout)

	v.SetDefault("consumer.group_id", def.Consumer.GroupID)
	v.SetDefault("consumer.auto_offset_reset", def.Consumer.AutoOffsetReset)
	v.SetDefault("consumer.auto_commit", def.Consumer.AutoCommit)
	v.SetDefault("consumer.max_poll_records", def.Consumer.MaxPollRecords)
	v.SetDefault("consumer.session_timeout", def.Consumer.SessionTimeout)
	v.SetDefault("consumer.heartbeat_interval", def.Consumer.HeartbeatInterval)
	v.SetDefault("consumer.poll_timeout", def.Consumer.PollTimeout)
	v.SetDefault("consumer.max_handler_retries", def.Consumer.MaxHandlerRetries)
	v.SetDefault("consumer.handler_backoff", def.Consumer.HandlerBackoff)
	v.SetDefault("consumer.reconnect_threshold", def.Consumer.ReconnectThreshold)
	v.SetDefault("consumer.reconnect_after", def.Consumer.ReconnectAfter)

	v.SetDefault("dlq.max_retries", def.DLQ.MaxRetries)
	v.SetDefault("dlq.base_delay", def.DLQ.BaseDelay)
	v.SetDefault("dlq.max_delay", def.DLQ.MaxDelay)
	v.SetDefault("dlq.scheduler_interval", def.DLQ.SchedulerInterval)
	v.SetDefault("dlq.strategy", def.DLQ.Strategy)
	v.SetDefault("dlq.redis_url", def.DLQ.RedisURL)

	v.SetDefault("monitor.interval", def.Monitor.Interval)
	v.SetDefault("monitor.namespace", def.Monitor.Namespace)
}

// bindEnvKeys binds every nested key explicitly; AutomaticEnv does not see
// keys that only exist in the defaults of nested structs.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"service.name",
		"log.level", "log.format",
		"kafka.bootstrap_servers", "kafka.security_protocol",
		"kafka.sasl_mechanism", "kafka.sasl_username", "kafka.sasl_password",
		"kafka.client_id",
		"producer.acks", "producer.batch_size", "producer.linger",
		"producer.compression", "producer.max_request_size",
		"producer.idempotent", "producer.max_retries",
		"producer.backoff_factor", "producer.max_backoff",
		"producer.operation_timeout",
		"consumer.group_id", "consumer.auto_offset_reset",
		"consumer.auto_commit", "consumer.max_poll_records",
		"consumer.session_timeout", "consumer.heartbeat_interval",
		"consumer.poll_timeout", "consumer.max_handler_retries",
		"consumer.handler_backoff", "consumer.reconnect_threshold",
		"consumer.reconnect_after",
		"dlq.max_retries", "dlq.base_delay", "dlq.max_delay",
		"dlq.scheduler_interval", "dlq.strategy", "dlq.redis_url",
		"monitor.interval", "monitor.namespace",
	}
	for _, key := range keys {
		// BindEnv only fails on empty input.
		_ = v.BindEnv(key)
	}
}
