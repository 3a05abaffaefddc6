package event

import (
	"errors"
	"time"
)

// MessageContentType is the content type of event envelope messages.
const MessageContentType = "application/json"

// Header keys duplicated on every broker message so operators can inspect a
// message without decoding the full payload.
const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
	HeaderSource    = "source"
	HeaderTimestamp = "timestamp"
	HeaderVersion   = "version"
)

// Message is the broker-level representation of a single log record.
// Partition and Offset are populated on consumed messages only.
type Message struct {
	Topic       string
	Key         string
	Value       []byte
	Headers     map[string]string
	ContentType string
	Partition   int
	Offset      int64
	Timestamp   time.Time
}

// ToMessage serializes the event into a broker message with the standard
// introspection headers. The partition key must be supplied by the caller
// (extracted from the topic's declared key field).
func (e *Event) ToMessage(key string) (*Message, error) {
	payload, err := e.ToJSON()
	if err != nil {
		return nil, err
	}

	return &Message{
		Key:         key,
		Value:       payload,
		ContentType: MessageContentType,
		Timestamp:   e.Timestamp,
		Headers: map[string]string{
			HeaderEventID:   e.ID,
			HeaderEventType: string(e.Type),
			HeaderSource:    e.Source,
			HeaderTimestamp: e.Timestamp.Format(time.RFC3339Nano),
			HeaderVersion:   e.Version,
		},
	}, nil
}

// FromMessage decodes an event from a consumed broker message.
func FromMessage(msg *Message) (*Event, error) {
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	return FromJSON(msg.Value)
}
