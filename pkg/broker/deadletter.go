package broker

import (
	"context"
	"time"
)

// DeadLetterRecord captures everything known about a message that exhausted
// its processing or delivery attempts.
type DeadLetterRecord struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
	Reason    string
	Err       error
}

// DeadLetterSink is the single entry point all producer and consumer failure
// paths route through. Recording is non-critical: callers may inspect the
// returned error but never propagate it into their own failure.
type DeadLetterSink interface {
	Record(ctx context.Context, rec DeadLetterRecord) error
}

// Dead-letter failure reasons shared between producer and consumers.
const (
	ReasonDeserialization = "deserialization"
	ReasonSchema          = "schema"
	ReasonProcessing      = "processing"
	ReasonTimeout         = "timeout"
	ReasonDependency      = "dependency"
	ReasonUnknown         = "unknown"
)
