// Package topics declares the canonical topic catalogue of the messaging
// backbone: topic names, partitioning keys and per-topic payload contracts.
package topics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xseven/messaging/pkg/event"
)

// Canonical topic names.
const (
	ConversationEvents = "conversation.events"
	AIResponses        = "ai.responses"
	BusinessAnalytics  = "business.analytics"
	SystemMonitoring   = "system.monitoring"
	DeadLetterQueue    = "dead.letter.queue"
)

// Field describes one declared payload field of a topic contract.
// A field without a default must be present in the event data.
type Field struct {
	Name       string
	Default    any
	HasDefault bool
}

// Spec declares one topic: its partitioning key field, its payload contract
// and its broker-level settings.
type Spec struct {
	Name              string
	KeyField          string
	Fields            []Field
	Partitions        int
	ReplicationFactor int
	Config            map[string]string
}

// RequiredFields returns the names of fields that have no default and must be
// present in the event data.
func (s Spec) RequiredFields() []string {
	required := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		if !f.HasDefault {
			required = append(required, f.Name)
		}
	}
	return required
}

// Validate checks the event payload against the topic contract. It fails fast
// with a ValidationError naming every missing required field.
func (s Spec) Validate(e *event.Event) error {
	if e == nil {
		return &ValidationError{Topic: s.Name, Missing: []string{"<event>"}}
	}

	var missing []string
	for _, f := range s.Fields {
		if f.HasDefault {
			continue
		}
		if e.Data == nil {
			missing = append(missing, f.Name)
			continue
		}
		if _, ok := e.Data[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return &ValidationError{Topic: s.Name, Missing: missing}
	}
	return nil
}

// Key extracts the partition key for the event from the topic's declared key
// field. Returns "" when the field is absent from the event data.
func (s Spec) Key(e *event.Event) string {
	if e == nil {
		return ""
	}
	return e.DataString(s.KeyField)
}

// ValidationError reports an outbound message that violates its topic
// contract. It is raised synchronously to the publisher and never retried.
type ValidationError struct {
	Topic   string
	Missing []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("event invalid for topic %s: missing required fields [%s]",
		e.Topic, strings.Join(e.Missing, ", "))
}

// Registry holds the topic catalogue. It is safe for concurrent use; the
// canonical topics are registered at construction and dynamic topics may be
// added or removed at runtime.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry creates a registry pre-populated with the canonical topics.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[string]Spec)}
	for _, s := range Canonical() {
		r.specs[s.Name] = s
	}
	return r
}

// Register adds or replaces a topic spec.
func (r *Registry) Register(s Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[s.Name] = s
}

// Unregister removes a topic spec.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, name)
}

// Lookup returns the spec for a topic name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// List returns all registered specs sorted by topic name.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Names returns all registered topic names sorted alphabetically.
func (r *Registry) Names() []string {
	specs := r.List()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// Canonical returns the declared topic catalogue of the platform.
func Canonical() []Spec {
	return []Spec{
		{
			Name:     ConversationEvents,
			KeyField: "conversation_id",
			Fields: []Field{
				{Name: "conversation_id"},
				{Name: "channel", Default: "web", HasDefault: true},
			},
			Partitions:        3,
			ReplicationFactor: 1,
			Config:            map[string]string{"retention.ms": "604800000"},
		},
		{
			Name:     AIResponses,
			KeyField: "conversation_id",
			Fields: []Field{
				{Name: "conversation_id"},
				{Name: "response_text"},
				{Name: "model", Default: "default", HasDefault: true},
			},
			Partitions:        3,
			ReplicationFactor: 1,
			Config:            map[string]string{"retention.ms": "604800000"},
		},
		{
			Name:     BusinessAnalytics,
			KeyField: "business_id",
			Fields: []Field{
				{Name: "business_id"},
				{Name: "metric_name"},
				{Name: "metric_value"},
			},
			Partitions:        3,
			ReplicationFactor: 1,
			Config:            map[string]string{"retention.ms": "2592000000"},
		},
		{
			Name:     SystemMonitoring,
			KeyField: "service_name",
			Fields: []Field{
				{Name: "service_name"},
				{Name: "status", Default: "unknown", HasDefault: true},
			},
			Partitions:        1,
			ReplicationFactor: 1,
			Config:            map[string]string{"retention.ms": "259200000"},
		},
		{
			Name:     DeadLetterQueue,
			KeyField: "original_topic",
			Fields: []Field{
				{Name: "original_topic"},
			},
			Partitions:        1,
			ReplicationFactor: 1,
			Config:            map[string]string{"retention.ms": "2592000000"},
		},
	}
}
