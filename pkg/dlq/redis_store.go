package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix           = "xseven:dlq"
	defaultRedisOperationTimeout = 5 * time.Second
)

// RedisStoreConfig configures the Redis-backed dead-letter store.
type RedisStoreConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisStoreConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisStore persists dead-letter messages in Redis: one JSON value per
// message, a set of all ids, and a zset of pending retries scored by their
// due time in unix milliseconds.
type RedisStore struct {
	client *redis.Client
	config RedisStoreConfig
}

// NewRedisStore connects to Redis and verifies reachability.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	return &RedisStore{client: client, config: cfg}, nil
}

func (s *RedisStore) messageKey(id string) string { return s.config.Prefix + ":msg:" + id }
func (s *RedisStore) idsKey() string              { return s.config.Prefix + ":ids" }
func (s *RedisStore) retryKey() string            { return s.config.Prefix + ":retry" }

func (s *RedisStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

// Save inserts or replaces a message and keeps the retry index in sync.
func (s *RedisStore) Save(ctx context.Context, m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal dead-letter message failed: %w", err)
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(opCtx, s.messageKey(m.ID), encoded, 0)
	pipe.SAdd(opCtx, s.idsKey(), m.ID)
	if m.NextRetryAt != nil {
		pipe.ZAdd(opCtx, s.retryKey(), redis.Z{
			Score:  float64(m.NextRetryAt.UnixMilli()),
			Member: m.ID,
		})
	} else {
		pipe.ZRem(opCtx, s.retryKey(), m.ID)
	}
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("save dead-letter message failed: %w", err)
	}
	return nil
}

// Get returns the message with the given id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Message, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	raw, err := s.client.Get(opCtx, s.messageKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead-letter message failed: %w", err)
	}

	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode dead-letter message failed: %w", err)
	}
	return &m, nil
}

// Delete removes a message and its index entries.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Del(opCtx, s.messageKey(id))
	pipe.SRem(opCtx, s.idsKey(), id)
	pipe.ZRem(opCtx, s.retryKey(), id)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("delete dead-letter message failed: %w", err)
	}
	return nil
}

// List returns up to limit messages ordered by most recent failure first.
func (s *RedisStore) List(ctx context.Context, limit int) ([]*Message, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	ids, err := s.client.SMembers(opCtx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead-letter ids failed: %w", err)
	}

	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}

	sortByLastFailed(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Due returns pending messages whose retry time has passed, oldest first.
func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRangeByScore(opCtx, s.retryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan due dead-letter messages failed: %w", err)
	}

	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if m.Status != StatusPending {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Count returns the number of stored messages.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	n, err := s.client.SCard(opCtx, s.idsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count dead-letter messages failed: %w", err)
	}
	return n, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func sortByLastFailed(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].LastFailedAt.After(msgs[j].LastFailedAt)
	})
}
