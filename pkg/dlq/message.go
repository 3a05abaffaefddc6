// Package dlq implements the dead-letter manager: durable capture of failed
// messages, scheduled and manual reprocessing, and failure analytics.
package dlq

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xseven/messaging/pkg/resilience"
)

// Status is the lifecycle state of a dead-letter message.
type Status string

const (
	// StatusPending marks a message awaiting a retry or manual action.
	StatusPending Status = "pending"
	// StatusResolved marks a message that was successfully reprocessed.
	StatusResolved Status = "resolved"
	// StatusExhausted marks a message that used up all automatic retries.
	StatusExhausted Status = "exhausted"
)

// Strategy selects how retry delays grow between attempts.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
	StrategyNone        Strategy = "none"
)

// Valid reports whether the strategy is a declared value.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyExponential, StrategyLinear, StrategyFixed, StrategyNone:
		return true
	}
	return false
}

// Delay returns the wait before the given retry attempt (0-based) and whether
// an automatic retry should be scheduled at all.
func (s Strategy) Delay(retryCount int, base, max time.Duration) (time.Duration, bool) {
	if retryCount < 0 {
		retryCount = 0
	}
	switch s {
	case StrategyExponential:
		return resilience.ExponentialBackoff(retryCount, base, max), true
	case StrategyLinear:
		return resilience.LinearBackoff(retryCount, base, max), true
	case StrategyFixed:
		return base, true
	default:
		return 0, false
	}
}

// Message is one captured failure. The original payload is kept verbatim so
// reprocessing replays exactly what was consumed.
type Message struct {
	ID                string            `json:"id"`
	OriginalTopic     string            `json:"original_topic"`
	OriginalPartition int               `json:"original_partition"`
	OriginalOffset    int64             `json:"original_offset"`
	OriginalKey       string            `json:"original_key,omitempty"`
	OriginalValue     []byte            `json:"original_value"`
	Headers           map[string]string `json:"headers,omitempty"`
	FailureReason     string            `json:"failure_reason"`
	ErrorMessage      string            `json:"error_message"`
	ErrorPattern      string            `json:"error_pattern"`
	RetryCount        int               `json:"retry_count"`
	MaxRetries        int               `json:"max_retries"`
	Status            Status            `json:"status"`
	FirstFailedAt     time.Time         `json:"first_failed_at"`
	LastFailedAt      time.Time         `json:"last_failed_at"`
	NextRetryAt       *time.Time        `json:"next_retry_at,omitempty"`
}

// Validate checks the message's internal consistency.
func (m *Message) Validate() error {
	if m == nil {
		return errors.New("message is nil")
	}
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("missing required field: id")
	}
	if strings.TrimSpace(m.OriginalTopic) == "" {
		return errors.New("missing required field: original_topic")
	}
	if m.RetryCount < 0 {
		return errors.New("retry_count must be >= 0")
	}
	if m.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if m.RetryCount > m.MaxRetries {
		return fmt.Errorf("retry_count %d exceeds max_retries %d", m.RetryCount, m.MaxRetries)
	}
	switch m.Status {
	case StatusPending, StatusResolved, StatusExhausted:
	default:
		return fmt.Errorf("invalid status: %q", m.Status)
	}
	if m.NextRetryAt != nil && m.Status != StatusPending {
		return fmt.Errorf("next_retry_at set on %s message", m.Status)
	}
	if m.NextRetryAt != nil && m.RetryCount >= m.MaxRetries {
		return errors.New("next_retry_at set after retries exhausted")
	}
	return nil
}

// Error pattern buckets for failure analytics.
const (
	PatternConnection    = "connection"
	PatternTimeout       = "timeout"
	PatternSerialization = "serialization"
	PatternValidation    = "validation"
	PatternPermission    = "permission"
	PatternUnknown       = "unknown"
)

var patternMarkers = []struct {
	pattern string
	markers []string
}{
	{PatternTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{PatternConnection, []string{"connection", "refused", "unreachable", "broken pipe", "reset by peer"}},
	{PatternSerialization, []string{"unmarshal", "marshal", "serializ", "deserializ", "decode", "invalid json"}},
	{PatternValidation, []string{"validation", "missing required", "invalid for topic", "schema"}},
	{PatternPermission, []string{"permission", "unauthorized", "forbidden", "access denied", "authentication"}},
}

// ClassifyError buckets an error message into one of the declared patterns.
// Matching is substring-based on the lowered text; the first bucket wins.
func ClassifyError(errMsg string) string {
	lowered := strings.ToLower(errMsg)
	if strings.TrimSpace(lowered) == "" {
		return PatternUnknown
	}
	for _, entry := range patternMarkers {
		for _, marker := range entry.markers {
			if strings.Contains(lowered, marker) {
				return entry.pattern
			}
		}
	}
	return PatternUnknown
}
