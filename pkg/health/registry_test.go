package health

import (
	"context"
	"testing"
	"time"
)

func staticChecker(name string, status Status) Checker {
	return &namedChecker{name: name, fn: func(ctx context.Context) CheckResult {
		return CheckResult{Status: status}
	}}
}

func TestWorseIsOrderIndependent(t *testing.T) {
	statuses := []Status{StatusHealthy, StatusUnknown, StatusDegraded, StatusUnhealthy}
	for _, a := range statuses {
		for _, b := range statuses {
			if Worse(a, b) != Worse(b, a) {
				t.Fatalf("Worse(%s,%s) != Worse(%s,%s)", a, b, b, a)
			}
		}
	}
	if Worse(StatusHealthy, StatusDegraded) != StatusDegraded {
		t.Fatal("degraded must dominate healthy")
	}
	if Worse(StatusDegraded, StatusUnhealthy) != StatusUnhealthy {
		t.Fatal("unhealthy must dominate degraded")
	}
	if Worse(StatusHealthy, StatusUnknown) != StatusUnknown {
		t.Fatal("unknown must dominate healthy")
	}
}

func TestAggregationTakesWorstStatus(t *testing.T) {
	r := NewRegistry()
	r.Register(staticChecker("a", StatusHealthy))
	r.Register(staticChecker("b", StatusDegraded))
	r.Register(staticChecker("c", StatusHealthy))

	res := r.Check(context.Background())
	if res.Status != StatusDegraded {
		t.Fatalf("got %s, want degraded", res.Status)
	}
	if len(res.Checks) != 3 {
		t.Fatalf("got %d checks, want 3", len(res.Checks))
	}
	if res.Checks[0].Name != "a" || res.Checks[2].Name != "c" {
		t.Fatalf("checks not sorted by name: %+v", res.Checks)
	}

	r.Register(staticChecker("d", StatusUnhealthy))
	if res := r.Check(context.Background()); res.Status != StatusUnhealthy {
		t.Fatalf("got %s, want unhealthy", res.Status)
	}
}

func TestEmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	if res := r.Check(context.Background()); res.Status != StatusHealthy {
		t.Fatalf("got %s, want healthy", res.Status)
	}
}

func TestHistoryBoundedAndUptimeComputed(t *testing.T) {
	r := NewRegistry()
	status := StatusHealthy
	r.RegisterFunc("flappy", func(ctx context.Context) CheckResult {
		return CheckResult{Status: status}
	})

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		r.Check(ctx)
	}
	status = StatusUnhealthy
	for i := 0; i < 7; i++ {
		r.Check(ctx)
	}

	ch, ok := r.Component("flappy")
	if !ok {
		t.Fatal("component not tracked")
	}
	if len(ch.History) != HistoryLimit {
		t.Fatalf("got %d history entries, want %d", len(ch.History), HistoryLimit)
	}
	// Window holds the last 10 checks: 3 healthy, 7 unhealthy.
	if ch.UptimePercent != 30 {
		t.Fatalf("got uptime %.1f%%, want 30%%", ch.UptimePercent)
	}
	if ch.Status != StatusUnhealthy {
		t.Fatalf("got status %s, want unhealthy", ch.Status)
	}
	if ch.ErrorCount != 7 {
		t.Fatalf("got %d errors, want 7", ch.ErrorCount)
	}
}

func TestComponentBeforeFirstCheckIsUnknown(t *testing.T) {
	r := NewRegistry()
	r.Register(staticChecker("idle", StatusHealthy))

	ch, ok := r.Component("idle")
	if !ok {
		t.Fatal("registered component not found")
	}
	if ch.Status != StatusUnknown {
		t.Fatalf("got %s before first check, want unknown", ch.Status)
	}
	if _, ok := r.Component("missing"); ok {
		t.Fatal("unregistered component reported as tracked")
	}
}

func TestCheckOne(t *testing.T) {
	r := NewRegistry()
	r.Register(staticChecker("only", StatusHealthy))

	res, err := r.CheckOne(context.Background(), "only")
	if err != nil {
		t.Fatalf("check one failed: %v", err)
	}
	if res.Status != StatusHealthy || res.Name != "only" {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := r.CheckOne(context.Background(), "nope"); err == nil {
		t.Fatal("unknown checker name was accepted")
	}
}

func TestPanickingCheckerIsUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("bad", func(ctx context.Context) CheckResult {
		panic("boom")
	})

	res := r.Check(context.Background())
	if res.Status != StatusUnhealthy {
		t.Fatalf("got %s, want unhealthy", res.Status)
	}
	if res.Checks[0].Error == "" {
		t.Fatal("panic not surfaced in result error")
	}
}

func TestUnregisterDropsHistory(t *testing.T) {
	r := NewRegistry()
	r.Register(staticChecker("gone", StatusHealthy))
	r.Check(context.Background())
	r.Unregister("gone")

	if _, ok := r.Component("gone"); ok {
		t.Fatal("unregistered component still tracked")
	}
	if got := len(r.Components()); got != 0 {
		t.Fatalf("got %d components, want 0", got)
	}
}

func TestCheckResultStamping(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("bare", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})

	res := r.Check(context.Background())
	c := res.Checks[0]
	if c.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
	if c.Duration < 0 {
		t.Fatal("negative duration")
	}
	if time.Since(c.Timestamp) > time.Minute {
		t.Fatal("timestamp far in the past")
	}
}
