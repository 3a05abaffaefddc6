package dlq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xseven/messaging/pkg/broker"
	"github.com/xseven/messaging/pkg/config"
	"github.com/xseven/messaging/pkg/event"
	"github.com/xseven/messaging/pkg/observability/logger"
	"github.com/xseven/messaging/pkg/topics"
)

type fakePublisher struct {
	mu      sync.Mutex
	sent    []sentEvent
	sendErr error
}

type sentEvent struct {
	topic string
	event *event.Event
}

func (p *fakePublisher) Send(_ context.Context, topic string, e *event.Event, _ ...broker.SendOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, sentEvent{topic: topic, event: e})
	return nil
}

func (p *fakePublisher) sentTo(topic string) []sentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sentEvent, 0)
	for _, s := range p.sent {
		if s.topic == topic {
			out = append(out, s)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testDLQConfig() config.DLQConfig {
	cfg := config.DefaultConfig().DLQ
	cfg.MaxRetries = 2
	cfg.BaseDelay = time.Minute
	cfg.MaxDelay = time.Hour
	return cfg
}

func newTestManager(t *testing.T, cfg config.DLQConfig, clock *fakeClock, opts ...ManagerOption) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	opts = append(opts, WithClock(clock.Now))
	m, err := NewManager(cfg, store, logger.NewNop(), opts...)
	if err != nil {
		t.Fatalf("manager setup failed: %v", err)
	}
	return m, store
}

func sampleRecord() broker.DeadLetterRecord {
	return broker.DeadLetterRecord{
		Topic:     topics.ConversationEvents,
		Partition: 1,
		Offset:    42,
		Key:       "conv-9",
		Value:     []byte(`{"oops":`),
		Headers:   map[string]string{"source": "test"},
		Timestamp: time.Now().UTC(),
		Reason:    broker.ReasonProcessing,
		Err:       errors.New("downstream connection refused"),
	}
}

func TestRecordPersistsAndSchedulesRetry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	pub := &fakePublisher{}
	m, store := newTestManager(t, testDLQConfig(), clock, WithPublisher(pub))
	ctx := context.Background()

	if err := m.Record(ctx, sampleRecord()); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	msgs, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.FailureReason != broker.ReasonProcessing {
		t.Fatalf("got reason %q, want %q", msg.FailureReason, broker.ReasonProcessing)
	}
	if msg.ErrorPattern != PatternConnection {
		t.Fatalf("got pattern %q, want %q", msg.ErrorPattern, PatternConnection)
	}
	if msg.Status != StatusPending || msg.RetryCount != 0 {
		t.Fatalf("got status %q retry_count %d, want pending/0", msg.Status, msg.RetryCount)
	}
	if msg.NextRetryAt == nil {
		t.Fatal("first retry was not scheduled")
	}
	wantNext := clock.Now().Add(time.Minute)
	if !msg.NextRetryAt.Equal(wantNext) {
		t.Fatalf("got next retry %v, want %v", msg.NextRetryAt, wantNext)
	}

	summaries := pub.sentTo(topics.DeadLetterQueue)
	if len(summaries) != 1 {
		t.Fatalf("got %d summaries, want 1", len(summaries))
	}
	if got := summaries[0].event.DataString("original_topic"); got != topics.ConversationEvents {
		t.Fatalf("summary original_topic = %q, want %q", got, topics.ConversationEvents)
	}
}

func TestRecordWithNoneStrategySchedulesNothing(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	cfg := testDLQConfig()
	cfg.Strategy = "none"
	m, store := newTestManager(t, cfg, clock)
	ctx := context.Background()

	if err := m.Record(ctx, sampleRecord()); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	msgs, _ := store.List(ctx, 0)
	if msgs[0].NextRetryAt != nil {
		t.Fatal("none strategy scheduled a retry")
	}

	due, err := store.Due(ctx, clock.Now().Add(24*time.Hour), 10)
	if err != nil {
		t.Fatalf("due failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("got %d due messages under none strategy, want 0", len(due))
	}
}

func TestRetryExhaustionMarksMessage(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	m, store := newTestManager(t, testDLQConfig(), clock, WithReprocessor(
		ReprocessorFunc(func(context.Context, *Message) error {
			return errors.New("still failing")
		}),
	))
	ctx := context.Background()

	if err := m.Record(ctx, sampleRecord()); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	// First retry: fails, reschedules with a doubled delay.
	clock.Advance(2 * time.Minute)
	m.ProcessDue(ctx)
	msgs, _ := store.List(ctx, 0)
	msg := msgs[0]
	if msg.RetryCount != 1 || msg.Status != StatusPending {
		t.Fatalf("got retry_count %d status %q, want 1/pending", msg.RetryCount, msg.Status)
	}
	if msg.NextRetryAt == nil || !msg.NextRetryAt.Equal(clock.Now().Add(2*time.Minute)) {
		t.Fatalf("got next retry %v, want %v", msg.NextRetryAt, clock.Now().Add(2*time.Minute))
	}

	// Second retry: fails and exhausts max_retries=2.
	clock.Advance(3 * time.Minute)
	m.ProcessDue(ctx)
	msgs, _ = store.List(ctx, 0)
	msg = msgs[0]
	if msg.Status != StatusExhausted {
		t.Fatalf("got status %q, want exhausted", msg.Status)
	}
	if msg.RetryCount != 2 {
		t.Fatalf("got retry_count %d, want 2", msg.RetryCount)
	}
	if msg.NextRetryAt != nil {
		t.Fatal("exhausted message still has a scheduled retry")
	}

	// No further attempts happen.
	clock.Advance(24 * time.Hour)
	m.ProcessDue(ctx)
	stats, err := m.Statistics(ctx)
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	if stats.RetriesAttempted != 2 {
		t.Fatalf("got %d attempts, want 2", stats.RetriesAttempted)
	}
	if stats.Exhausted != 1 {
		t.Fatalf("got %d exhausted, want 1", stats.Exhausted)
	}
}

func TestRetrySuccessRemovesMessage(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	var replayed []*Message
	m, store := newTestManager(t, testDLQConfig(), clock, WithReprocessor(
		ReprocessorFunc(func(_ context.Context, msg *Message) error {
			replayed = append(replayed, msg)
			return nil
		}),
	))
	ctx := context.Background()

	if err := m.Record(ctx, sampleRecord()); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	clock.Advance(2 * time.Minute)
	m.ProcessDue(ctx)

	if len(replayed) != 1 {
		t.Fatalf("got %d replays, want 1", len(replayed))
	}

	// A successful retry removes the message from the backlog; the lifetime
	// counter is the only trace left.
	msgs, _ := store.List(ctx, 0)
	if len(msgs) != 0 {
		t.Fatalf("got %d messages after success, want empty backlog", len(msgs))
	}

	stats, err := m.Statistics(ctx)
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	if stats.RetriesSucceeded != 1 {
		t.Fatalf("got succeeded=%d, want 1", stats.RetriesSucceeded)
	}
	if stats.Total != 0 {
		t.Fatalf("got total=%d after success, want 0", stats.Total)
	}

	// No further sweeps touch the removed message.
	clock.Advance(24 * time.Hour)
	m.ProcessDue(ctx)
	if len(replayed) != 1 {
		t.Fatalf("got %d replays after removal, want 1", len(replayed))
	}
}

func TestDefaultReprocessorRepublishesToOrigin(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	pub := &fakePublisher{}
	m, _ := newTestManager(t, testDLQConfig(), clock, WithPublisher(pub))
	ctx := context.Background()

	original := event.New(event.TypeConversationStarted, "test", map[string]any{
		"conversation_id": "conv-1",
	})
	payload, err := original.ToJSON()
	if err != nil {
		t.Fatalf("failed to serialize event: %v", err)
	}
	rec := sampleRecord()
	rec.Value = payload
	if err := m.Record(ctx, rec); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	clock.Advance(2 * time.Minute)
	m.ProcessDue(ctx)

	republished := pub.sentTo(topics.ConversationEvents)
	if len(republished) != 1 {
		t.Fatalf("got %d republished events, want 1", len(republished))
	}
	if republished[0].event.ID != original.ID {
		t.Fatalf("got event %q, want original %q", republished[0].event.ID, original.ID)
	}
}

func TestDefaultReprocessorCannotReplayUndecodablePayload(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	pub := &fakePublisher{}
	m, store := newTestManager(t, testDLQConfig(), clock, WithPublisher(pub))
	ctx := context.Background()

	rec := sampleRecord()
	rec.Reason = broker.ReasonDeserialization
	if err := m.Record(ctx, rec); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	clock.Advance(2 * time.Minute)
	m.ProcessDue(ctx)

	msgs, _ := store.List(ctx, 0)
	if msgs[0].RetryCount != 1 {
		t.Fatalf("got retry_count %d, want 1", msgs[0].RetryCount)
	}
	if len(pub.sentTo(topics.ConversationEvents)) != 0 {
		t.Fatal("undecodable payload was republished")
	}
}

func TestManualRetryIgnoresSchedule(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	var replays int
	m, store := newTestManager(t, testDLQConfig(), clock, WithReprocessor(
		ReprocessorFunc(func(context.Context, *Message) error {
			replays++
			return nil
		}),
	))
	ctx := context.Background()

	if err := m.Record(ctx, sampleRecord()); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	msgs, _ := store.List(ctx, 0)
	id := msgs[0].ID

	// The scheduled retry is a minute away; a manual retry runs now.
	if err := m.ManualRetry(ctx, id); err != nil {
		t.Fatalf("manual retry failed: %v", err)
	}
	if replays != 1 {
		t.Fatalf("got %d replays, want 1", replays)
	}

	// Success removed the message, so a second manual retry has nothing to act
	// on.
	if _, err := m.GetDeadLetterDetails(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := m.ManualRetry(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := m.ManualRetry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestDeleteDeadLetter(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	m, store := newTestManager(t, testDLQConfig(), clock)
	ctx := context.Background()

	if err := m.Record(ctx, sampleRecord()); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	msgs, _ := store.List(ctx, 0)
	id := msgs[0].ID

	if err := m.DeleteDeadLetter(ctx, id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := m.GetDeadLetterDetails(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := m.DeleteDeadLetter(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleting a missing message: got %v, want ErrNotFound", err)
	}
}

func TestStatisticsBreakdown(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	m, _ := newTestManager(t, testDLQConfig(), clock)
	ctx := context.Background()

	recA := sampleRecord()
	recA.Err = errors.New("connection refused")
	recB := sampleRecord()
	recB.Topic = topics.BusinessAnalytics
	recB.Reason = broker.ReasonSchema
	recB.Err = errors.New("missing required fields [business_id]")
	recC := sampleRecord()
	recC.Reason = broker.ReasonTimeout
	recC.Err = errors.New("context deadline exceeded")

	for _, rec := range []broker.DeadLetterRecord{recA, recB, recC} {
		if err := m.Record(ctx, rec); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	stats, err := m.Statistics(ctx)
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 3 {
		t.Fatalf("got total=%d pending=%d, want 3/3", stats.Total, stats.Pending)
	}
	if stats.ByFailureReason[broker.ReasonSchema] != 1 {
		t.Fatalf("schema reason not counted: %+v", stats.ByFailureReason)
	}
	if stats.ByErrorPattern[PatternConnection] != 1 ||
		stats.ByErrorPattern[PatternValidation] != 1 ||
		stats.ByErrorPattern[PatternTimeout] != 1 {
		t.Fatalf("pattern histogram wrong: %+v", stats.ByErrorPattern)
	}
	if stats.ByOriginalTopic[topics.ConversationEvents] != 2 {
		t.Fatalf("topic histogram wrong: %+v", stats.ByOriginalTopic)
	}
	if stats.Recorded != 3 {
		t.Fatalf("got recorded=%d, want 3", stats.Recorded)
	}
}

func TestSchedulerLoopSweeps(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	cfg := testDLQConfig()
	cfg.SchedulerInterval = 10 * time.Millisecond
	cfg.BaseDelay = time.Nanosecond

	done := make(chan struct{}, 1)
	m, _ := newTestManager(t, cfg, clock, WithReprocessor(
		ReprocessorFunc(func(context.Context, *Message) error {
			select {
			case done <- struct{}{}:
			default:
			}
			return nil
		}),
	))
	ctx := context.Background()

	if err := m.Record(ctx, sampleRecord()); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	clock.Advance(time.Second)

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop(context.Background())

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler never swept the due message")
	}
}
