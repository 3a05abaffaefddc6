package broker

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/xseven/messaging/pkg/config"
)

// saslMechanism builds the authentication mechanism from the security
// settings. Returns nil when the protocol does not use SASL.
func saslMechanism(cfg config.KafkaConfig) (sasl.Mechanism, error) {
	if !strings.HasPrefix(cfg.SecurityProtocol, "SASL") {
		return nil, nil
	}
	switch strings.ToUpper(cfg.SASLMechanism) {
	case "", "PLAIN":
		return plain.Mechanism{Username: cfg.SASLUsername, Password: cfg.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.SASLUsername, cfg.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.SASLUsername, cfg.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism: %q", cfg.SASLMechanism)
	}
}

// tlsConfig returns the TLS settings for SSL-based protocols, nil otherwise.
func tlsConfig(cfg config.KafkaConfig) *tls.Config {
	switch cfg.SecurityProtocol {
	case "SSL", "SASL_SSL":
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return nil
}

// newTransport builds the writer/client transport honoring the configured
// security protocol and credentials.
func newTransport(cfg config.KafkaConfig) (*kafka.Transport, error) {
	mechanism, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{
		ClientID: cfg.ClientID,
		TLS:      tlsConfig(cfg),
		SASL:     mechanism,
	}, nil
}

// newDialer builds the reader/probe dialer honoring the configured security
// protocol and credentials.
func newDialer(cfg config.KafkaConfig) (*kafka.Dialer, error) {
	mechanism, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		ClientID:      cfg.ClientID,
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(cfg),
		SASLMechanism: mechanism,
	}, nil
}
