package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xseven/messaging/pkg/config"
	"github.com/xseven/messaging/pkg/observability/logger"
	"github.com/xseven/messaging/pkg/observability/metrics"
)

type stubSource struct {
	name string

	mu     sync.Mutex
	values map[string]float64
	err    error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Collect(context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func (s *stubSource) set(key string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
}

type capturingHandler struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (h *capturingHandler) HandleAlert(_ context.Context, a *Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	copied := *a
	h.alerts = append(h.alerts, &copied)
}

func (h *capturingHandler) captured() []*Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Alert, len(h.alerts))
	copy(out, h.alerts)
	return out
}

func newTestMonitor(t *testing.T, opts ...Option) *Monitor {
	t.Helper()
	cfg := config.MonitorConfig{Interval: 10 * time.Millisecond, Namespace: "test"}
	m, err := New(cfg, metrics.NewRegistry(), logger.NewNop(), opts...)
	if err != nil {
		t.Fatalf("monitor setup failed: %v", err)
	}
	return m
}

func TestThresholdBreached(t *testing.T) {
	gt := Threshold{Metric: "m", Comparison: CompareGreaterThan, Value: 5, Severity: SeverityWarning}
	if gt.Breached(5) {
		t.Fatal("gt breached at equality")
	}
	if !gt.Breached(5.1) {
		t.Fatal("gt not breached above value")
	}

	lt := Threshold{Metric: "m", Comparison: CompareLessThan, Value: 1, Severity: SeverityCritical}
	if !lt.Breached(0) {
		t.Fatal("lt not breached below value")
	}
	if lt.Breached(1) {
		t.Fatal("lt breached at equality")
	}
}

func TestAlertRaisedOnceAndResolved(t *testing.T) {
	handler := &capturingHandler{}
	src := &stubSource{name: "producer", values: map[string]float64{"error_rate": 0.0}}
	m := newTestMonitor(t,
		WithThresholds([]Threshold{
			{Metric: "producer.error_rate", Comparison: CompareGreaterThan, Value: 0.05, Severity: SeverityError},
		}),
		WithAlertHandlers(handler),
	)
	m.RegisterSource(src)
	ctx := context.Background()

	snap := m.CheckNow(ctx)
	if len(snap.ActiveAlerts) != 0 {
		t.Fatalf("got %d alerts on healthy sweep, want 0", len(snap.ActiveAlerts))
	}
	if snap.HealthScore != 100 {
		t.Fatalf("got score %d, want 100", snap.HealthScore)
	}

	src.set("error_rate", 0.10)
	snap = m.CheckNow(ctx)
	if len(snap.ActiveAlerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(snap.ActiveAlerts))
	}
	if snap.HealthScore != 85 {
		t.Fatalf("got score %d, want 85", snap.HealthScore)
	}

	// A repeated breach must not raise a duplicate.
	m.CheckNow(ctx)
	raised := handler.captured()
	if len(raised) != 1 {
		t.Fatalf("got %d handler deliveries, want 1", len(raised))
	}
	if raised[0].Severity != SeverityError || !raised[0].Active() {
		t.Fatalf("unexpected alert %+v", raised[0])
	}

	src.set("error_rate", 0.0)
	snap = m.CheckNow(ctx)
	if len(snap.ActiveAlerts) != 0 {
		t.Fatalf("alert not resolved: %+v", snap.ActiveAlerts)
	}
	if snap.HealthScore != 100 {
		t.Fatalf("got score %d after recovery, want 100", snap.HealthScore)
	}
	deliveries := handler.captured()
	if len(deliveries) != 2 {
		t.Fatalf("got %d deliveries, want raise + resolve", len(deliveries))
	}
	if deliveries[1].Active() {
		t.Fatal("resolution delivery still marked active")
	}
}

func TestHealthScoreClampedAtZero(t *testing.T) {
	src := &stubSource{name: "s", values: map[string]float64{
		"a": 10, "b": 10, "c": 10, "d": 10, "e": 10,
	}}
	thresholds := make([]Threshold, 0, 5)
	for _, metric := range []string{"s.a", "s.b", "s.c", "s.d", "s.e"} {
		thresholds = append(thresholds, Threshold{
			Metric: metric, Comparison: CompareGreaterThan, Value: 1, Severity: SeverityCritical,
		})
	}
	m := newTestMonitor(t, WithThresholds(thresholds))
	m.RegisterSource(src)

	snap := m.CheckNow(context.Background())
	if snap.HealthScore != 0 {
		t.Fatalf("got score %d, want clamped 0", snap.HealthScore)
	}
}

func TestHardBreachRaisesSingleWorstAlert(t *testing.T) {
	// A value past every tier on the same metric must fire only the most
	// severe rule, never one alert per tier.
	src := &stubSource{name: "producer", values: map[string]float64{"error_rate": 0.5}}
	m := newTestMonitor(t)
	m.RegisterSource(src)

	snap := m.CheckNow(context.Background())
	if len(snap.ActiveAlerts) != 1 {
		t.Fatalf("got %d alerts, want 1: %+v", len(snap.ActiveAlerts), snap.ActiveAlerts)
	}
	a := snap.ActiveAlerts[0]
	if a.Metric != "producer.error_rate" || a.Severity != SeverityCritical {
		t.Fatalf("got alert %s/%s, want producer.error_rate/critical", a.Metric, a.Severity)
	}
	if want := 100 - 25; snap.HealthScore != want {
		t.Fatalf("got score %d, want %d", snap.HealthScore, want)
	}
}

func TestAlertEscalatesAndDeescalates(t *testing.T) {
	handler := &capturingHandler{}
	src := &stubSource{name: "s", values: map[string]float64{"v": 2}}
	m := newTestMonitor(t,
		WithThresholds([]Threshold{
			{Metric: "s.v", Comparison: CompareGreaterThan, Value: 1, Severity: SeverityWarning},
			{Metric: "s.v", Comparison: CompareGreaterThan, Value: 3, Severity: SeverityCritical},
		}),
		WithAlertHandlers(handler),
	)
	m.RegisterSource(src)
	ctx := context.Background()

	snap := m.CheckNow(ctx)
	if len(snap.ActiveAlerts) != 1 || snap.ActiveAlerts[0].Severity != SeverityWarning {
		t.Fatalf("got %+v, want one warning", snap.ActiveAlerts)
	}

	// Escalation: the warning resolves and a single critical alert replaces it.
	src.set("v", 10)
	snap = m.CheckNow(ctx)
	if len(snap.ActiveAlerts) != 1 || snap.ActiveAlerts[0].Severity != SeverityCritical {
		t.Fatalf("got %+v, want one critical", snap.ActiveAlerts)
	}
	if want := 100 - 25; snap.HealthScore != want {
		t.Fatalf("got score %d, want %d", snap.HealthScore, want)
	}
	deliveries := handler.captured()
	if len(deliveries) != 3 {
		t.Fatalf("got %d deliveries, want raise + resolve + raise", len(deliveries))
	}
	if deliveries[1].Severity != SeverityWarning || deliveries[1].Active() {
		t.Fatalf("warning was not resolved on escalation: %+v", deliveries[1])
	}

	// De-escalation back to the warning tier.
	src.set("v", 2)
	snap = m.CheckNow(ctx)
	if len(snap.ActiveAlerts) != 1 || snap.ActiveAlerts[0].Severity != SeverityWarning {
		t.Fatalf("got %+v, want one warning after de-escalation", snap.ActiveAlerts)
	}

	src.set("v", 0)
	snap = m.CheckNow(ctx)
	if len(snap.ActiveAlerts) != 0 {
		t.Fatalf("alert not resolved on recovery: %+v", snap.ActiveAlerts)
	}
	if snap.HealthScore != 100 {
		t.Fatalf("got score %d after recovery, want 100", snap.HealthScore)
	}
}

func TestSourceFailureDoesNotAbortSweep(t *testing.T) {
	healthy := &stubSource{name: "ok", values: map[string]float64{"v": 1}}
	broken := &stubSource{name: "broken", err: errors.New("collect failed")}
	m := newTestMonitor(t)
	m.RegisterSource(broken)
	m.RegisterSource(healthy)

	snap := m.CheckNow(context.Background())
	if _, ok := snap.Metrics["ok.v"]; !ok {
		t.Fatal("healthy source was not collected")
	}
	if snap.SourceErrors["broken"] == "" {
		t.Fatal("source failure not surfaced in snapshot")
	}
}

func TestExportFormats(t *testing.T) {
	src := &stubSource{name: "s", values: map[string]float64{"v": 1}}
	m := newTestMonitor(t)
	m.RegisterSource(src)

	if _, err := m.ExportJSON(); err == nil {
		t.Fatal("JSON export before first sweep must fail")
	}

	m.CheckNow(context.Background())

	jsonOut, err := m.ExportJSON()
	if err != nil {
		t.Fatalf("json export failed: %v", err)
	}
	if !strings.Contains(string(jsonOut), `"health_score": 100`) {
		t.Fatalf("health score missing from JSON export:\n%s", jsonOut)
	}

	promOut, err := m.ExportPrometheus()
	if err != nil {
		t.Fatalf("prometheus export failed: %v", err)
	}
	if !strings.Contains(string(promOut), "test_monitor_health_score 100") {
		t.Fatalf("health gauge missing from Prometheus export:\n%s", promOut)
	}
}

func TestMonitorLoopSweepsPeriodically(t *testing.T) {
	src := &stubSource{name: "s", values: map[string]float64{"v": 1}}
	m := newTestMonitor(t)
	m.RegisterSource(src)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop(context.Background())

	deadline := time.After(3 * time.Second)
	for m.LastCheck().IsZero() {
		select {
		case <-deadline:
			t.Fatal("monitor never swept")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !m.IsRunning() {
		t.Fatal("monitor not running after Start")
	}
	if err := m.Start(ctx); err == nil {
		t.Fatal("double start was accepted")
	}
}
