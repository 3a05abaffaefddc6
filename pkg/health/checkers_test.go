package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubProber struct {
	brokers int
	err     error
}

func (p *stubProber) HealthCheck(context.Context) (int, error) { return p.brokers, p.err }

type stubLister struct {
	topics []string
	err    error
}

func (l *stubLister) ListTopics(context.Context) ([]string, error) { return l.topics, l.err }

func TestBrokerChecker(t *testing.T) {
	c := NewBrokerChecker(&stubProber{brokers: 3})
	res := c.Check(context.Background())
	if res.Status != StatusHealthy {
		t.Fatalf("got %s, want healthy", res.Status)
	}
	if res.Metadata["brokers"] != 3 {
		t.Fatalf("broker count missing: %+v", res.Metadata)
	}

	c = NewBrokerChecker(&stubProber{err: errors.New("unreachable")})
	if res := c.Check(context.Background()); res.Status != StatusUnhealthy {
		t.Fatalf("got %s, want unhealthy", res.Status)
	}
}

func TestTopicChecker(t *testing.T) {
	required := []string{"conversation.events", "ai.responses"}

	c := NewTopicChecker(&stubLister{topics: []string{"conversation.events", "ai.responses", "extra"}}, required)
	if res := c.Check(context.Background()); res.Status != StatusHealthy {
		t.Fatalf("got %s, want healthy", res.Status)
	}

	c = NewTopicChecker(&stubLister{topics: []string{"conversation.events"}}, required)
	res := c.Check(context.Background())
	if res.Status != StatusDegraded {
		t.Fatalf("got %s, want degraded", res.Status)
	}
	missing, _ := res.Metadata["missing"].([]string)
	if len(missing) != 1 || missing[0] != "ai.responses" {
		t.Fatalf("got missing %v, want [ai.responses]", missing)
	}

	c = NewTopicChecker(&stubLister{err: errors.New("metadata failed")}, required)
	if res := c.Check(context.Background()); res.Status != StatusUnhealthy {
		t.Fatalf("got %s, want unhealthy", res.Status)
	}
}

func TestProducerCheckerRates(t *testing.T) {
	tests := []struct {
		name   string
		sent   uint64
		failed uint64
		want   Status
	}{
		{"no traffic", 0, 0, StatusHealthy},
		{"clean", 1000, 5, StatusHealthy},
		{"one percent", 990, 10, StatusDegraded},
		{"five percent", 950, 50, StatusUnhealthy},
		{"all failing", 0, 10, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewProducerChecker(func() (uint64, uint64) { return tt.sent, tt.failed })
			if res := c.Check(context.Background()); res.Status != tt.want {
				t.Fatalf("got %s, want %s", res.Status, tt.want)
			}
		})
	}
}

func TestConsumerCheckerStates(t *testing.T) {
	all := map[string]bool{"a": true, "b": true}
	some := map[string]bool{"a": true, "b": false}
	none := map[string]bool{"a": false, "b": false}

	c := NewConsumerChecker(func() map[string]bool { return all })
	if res := c.Check(context.Background()); res.Status != StatusHealthy {
		t.Fatalf("all running: got %s, want healthy", res.Status)
	}

	c = NewConsumerChecker(func() map[string]bool { return some })
	if res := c.Check(context.Background()); res.Status != StatusDegraded {
		t.Fatalf("some running: got %s, want degraded", res.Status)
	}

	c = NewConsumerChecker(func() map[string]bool { return none })
	if res := c.Check(context.Background()); res.Status != StatusUnhealthy {
		t.Fatalf("none running: got %s, want unhealthy", res.Status)
	}

	c = NewConsumerChecker(func() map[string]bool { return nil })
	if res := c.Check(context.Background()); res.Status != StatusUnknown {
		t.Fatalf("no consumers: got %s, want unknown", res.Status)
	}
}

func TestDLQChecker(t *testing.T) {
	backlog := func(context.Context) (int64, error) { return 7, nil }

	c := NewDLQChecker(func() bool { return true }, backlog)
	res := c.Check(context.Background())
	if res.Status != StatusHealthy {
		t.Fatalf("got %s, want healthy", res.Status)
	}
	if res.Metadata["backlog"] != int64(7) {
		t.Fatalf("backlog missing: %+v", res.Metadata)
	}

	c = NewDLQChecker(func() bool { return false }, backlog)
	if res := c.Check(context.Background()); res.Status != StatusUnhealthy {
		t.Fatalf("got %s, want unhealthy when scheduler stopped", res.Status)
	}

	c = NewDLQChecker(func() bool { return true }, func(context.Context) (int64, error) {
		return 0, errors.New("store down")
	})
	if res := c.Check(context.Background()); res.Status != StatusDegraded {
		t.Fatalf("got %s, want degraded on store failure", res.Status)
	}
}

func TestMonitorChecker(t *testing.T) {
	now := time.Now()

	c := NewMonitorChecker(func() bool { return true }, func() time.Time { return now }, 5*time.Minute)
	if res := c.Check(context.Background()); res.Status != StatusHealthy {
		t.Fatalf("got %s, want healthy", res.Status)
	}

	c = NewMonitorChecker(func() bool { return true }, func() time.Time { return now.Add(-10 * time.Minute) }, 5*time.Minute)
	if res := c.Check(context.Background()); res.Status != StatusUnhealthy {
		t.Fatalf("got %s, want unhealthy when stale", res.Status)
	}

	c = NewMonitorChecker(func() bool { return false }, func() time.Time { return now }, 5*time.Minute)
	if res := c.Check(context.Background()); res.Status != StatusUnhealthy {
		t.Fatalf("got %s, want unhealthy when stopped", res.Status)
	}

	c = NewMonitorChecker(func() bool { return true }, func() time.Time { return time.Time{} }, 5*time.Minute)
	if res := c.Check(context.Background()); res.Status != StatusUnknown {
		t.Fatalf("got %s, want unknown before first sweep", res.Status)
	}
}
