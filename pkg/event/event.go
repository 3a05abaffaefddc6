package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the canonical envelope for a domain occurrence published on the log.
// Events are immutable once constructed: handlers receive a reference and must
// not mutate the envelope or its maps.
type Event struct {
	ID            string            `json:"id"`
	Type          Type              `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source"`
	Data          map[string]any    `json:"data"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Priority      Priority          `json:"priority"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Version       string            `json:"version"`
}

// Option customizes a new event.
type Option func(*Event)

// WithPriority sets the event priority.
func WithPriority(p Priority) Option {
	return func(e *Event) { e.Priority = p }
}

// WithCorrelationID sets the correlation ID linking related events.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithUserID attributes the event to a user.
func WithUserID(id string) Option {
	return func(e *Event) { e.UserID = id }
}

// WithSessionID attributes the event to a session.
func WithSessionID(id string) Option {
	return func(e *Event) { e.SessionID = id }
}

// WithMetadata merges the given metadata into the event.
func WithMetadata(md map[string]string) Option {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			e.Metadata[k] = v
		}
	}
}

// New constructs an event with a fresh UUID, a UTC timestamp and the default
// envelope version. Data is kept by reference; callers hand over ownership.
func New(t Type, source string, data map[string]any, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      data,
		Priority:  PriorityNormal,
		Version:   DefaultVersion,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate checks the envelope's required fields and enum values.
func (e *Event) Validate() error {
	if e == nil {
		return errors.New("event is nil")
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing required field: id")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("invalid event type: %q", e.Type)
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if strings.TrimSpace(e.Source) == "" {
		return errors.New("missing required field: source")
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("invalid priority: %q", e.Priority)
	}
	if strings.TrimSpace(e.Version) == "" {
		return errors.New("missing required field: version")
	}
	return nil
}

// ToMap converts the event into a string-keyed map mirroring the wire format.
// Inverse of FromMap for every declared field.
func (e *Event) ToMap() map[string]any {
	m := map[string]any{
		"id":        e.ID,
		"type":      string(e.Type),
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
		"source":    e.Source,
		"data":      e.Data,
		"priority":  string(e.Priority),
		"version":   e.Version,
	}
	if e.Metadata != nil {
		m["metadata"] = e.Metadata
	}
	if e.CorrelationID != "" {
		m["correlation_id"] = e.CorrelationID
	}
	if e.UserID != "" {
		m["user_id"] = e.UserID
	}
	if e.SessionID != "" {
		m["session_id"] = e.SessionID
	}
	return m
}

// FromMap reconstructs an event from its map form. Inverse of ToMap.
func FromMap(m map[string]any) (*Event, error) {
	if m == nil {
		return nil, errors.New("event map is nil")
	}

	e := &Event{
		Priority: PriorityNormal,
		Version:  DefaultVersion,
	}

	str := func(key string) string {
		if v, ok := m[key].(string); ok {
			return v
		}
		return ""
	}

	e.ID = str("id")
	e.Type = Type(str("type"))
	e.Source = str("source")
	e.CorrelationID = str("correlation_id")
	e.UserID = str("user_id")
	e.SessionID = str("session_id")

	if v := str("priority"); v != "" {
		e.Priority = Priority(v)
	}
	if v := str("version"); v != "" {
		e.Version = v
	}

	if ts := str("timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
	}

	if data, ok := m["data"].(map[string]any); ok {
		e.Data = data
	}

	switch md := m["metadata"].(type) {
	case map[string]string:
		e.Metadata = md
	case map[string]any:
		converted := make(map[string]string, len(md))
		for k, v := range md {
			if s, ok := v.(string); ok {
				converted[k] = s
			}
		}
		e.Metadata = converted
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// ToJSON marshals the event to its wire envelope.
func (e *Event) ToJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return data, nil
}

// FromJSON unmarshals and validates an event from its wire envelope.
func FromJSON(data []byte) (*Event, error) {
	if len(data) == 0 {
		return nil, &DeserializationError{Cause: errors.New("empty payload")}
	}

	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &DeserializationError{Cause: err}
	}
	if err := e.Validate(); err != nil {
		return nil, &DeserializationError{Cause: err}
	}
	return &e, nil
}

// DataString returns the string value stored under key in the event data,
// or "" when absent or of a different type.
func (e *Event) DataString(key string) string {
	if e == nil || e.Data == nil {
		return ""
	}
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

// DeserializationError indicates an inbound payload could not be decoded into
// a valid event. Such messages are skipped, never retried.
type DeserializationError struct {
	Cause error
}

// Error implements the error interface.
func (e *DeserializationError) Error() string {
	return fmt.Sprintf("event deserialization failed: %v", e.Cause)
}

// Unwrap exposes the wrapped cause.
func (e *DeserializationError) Unwrap() error {
	return e.Cause
}
