package dlq

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a dead-letter message id is unknown.
var ErrNotFound = errors.New("dead-letter message not found")

// Store persists dead-letter messages. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save inserts or replaces a message.
	Save(ctx context.Context, m *Message) error

	// Get returns the message with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Message, error)

	// Delete removes a message. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns up to limit messages ordered by most recent failure first.
	// limit <= 0 returns everything.
	List(ctx context.Context, limit int) ([]*Message, error)

	// Due returns up to limit pending messages whose retry time has passed.
	Due(ctx context.Context, now time.Time, limit int) ([]*Message, error)

	// Count returns the number of stored messages.
	Count(ctx context.Context) (int64, error)

	// Close releases the store's resources.
	Close() error
}

// MemoryStore is the in-process Store used by tests and single-node setups.
type MemoryStore struct {
	mu   sync.RWMutex
	msgs map[string]*Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: make(map[string]*Message)}
}

// Save inserts or replaces a message.
func (s *MemoryStore) Save(_ context.Context, m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	clone := cloneMessage(m)
	s.mu.Lock()
	s.msgs[clone.ID] = clone
	s.mu.Unlock()
	return nil
}

// Get returns the message with the given id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

// Delete removes a message.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.msgs, id)
	s.mu.Unlock()
	return nil
}

// List returns messages ordered by most recent failure first.
func (s *MemoryStore) List(_ context.Context, limit int) ([]*Message, error) {
	s.mu.RLock()
	out := make([]*Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, cloneMessage(m))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastFailedAt.After(out[j].LastFailedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Due returns pending messages whose retry time has passed, oldest first.
func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]*Message, error) {
	s.mu.RLock()
	out := make([]*Message, 0)
	for _, m := range s.msgs {
		if m.Status != StatusPending || m.NextRetryAt == nil {
			continue
		}
		if m.NextRetryAt.After(now) {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRetryAt.Before(*out[j].NextRetryAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored messages.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.msgs)), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func cloneMessage(m *Message) *Message {
	clone := *m
	if m.Headers != nil {
		clone.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			clone.Headers[k] = v
		}
	}
	if m.OriginalValue != nil {
		clone.OriginalValue = append([]byte(nil), m.OriginalValue...)
	}
	if m.NextRetryAt != nil {
		next := *m.NextRetryAt
		clone.NextRetryAt = &next
	}
	return &clone
}
