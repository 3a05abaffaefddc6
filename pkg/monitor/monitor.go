package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xseven/messaging/pkg/config"
	"github.com/xseven/messaging/pkg/observability/logger"
	"github.com/xseven/messaging/pkg/observability/metrics"
)

// Source contributes named gauge values to each monitoring sweep. Collected
// values are namespaced as "<source name>.<metric>".
type Source interface {
	Name() string
	Collect(ctx context.Context) (map[string]float64, error)
}

// SourceFunc adapts a function into a Source.
type SourceFunc struct {
	SourceName string
	Fn         func(ctx context.Context) (map[string]float64, error)
}

// Name identifies the source.
func (s *SourceFunc) Name() string { return s.SourceName }

// Collect invokes the wrapped function.
func (s *SourceFunc) Collect(ctx context.Context) (map[string]float64, error) {
	return s.Fn(ctx)
}

// Snapshot is the result of one monitoring sweep.
type Snapshot struct {
	Timestamp    time.Time          `json:"timestamp"`
	Metrics      map[string]float64 `json:"metrics"`
	HealthScore  int                `json:"health_score"`
	ActiveAlerts []*Alert           `json:"active_alerts"`
	SourceErrors map[string]string  `json:"source_errors,omitempty"`
}

// Monitor runs the periodic health sweep: collect metrics from every source,
// evaluate thresholds, maintain active alerts and the health score.
type Monitor struct {
	cfg        config.MonitorConfig
	log        logger.Logger
	registry   *metrics.Registry
	thresholds []Threshold
	dispatcher *alertDispatcher
	now        func() time.Time

	healthGauge prometheus.Gauge
	alertsGauge *prometheus.GaugeVec

	mu      sync.RWMutex
	sources []Source
	active  map[string]*Alert
	last    *Snapshot
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes the monitor.
type Option func(*Monitor)

// WithThresholds replaces the default alerting rules.
func WithThresholds(ts []Threshold) Option {
	return func(m *Monitor) { m.thresholds = ts }
}

// WithAlertHandlers wires alert delivery channels.
func WithAlertHandlers(hs ...AlertHandler) Option {
	return func(m *Monitor) { m.dispatcher = newAlertDispatcher(hs, m.log) }
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New builds a monitor publishing its own gauges into the shared registry.
func New(cfg config.MonitorConfig, registry *metrics.Registry, log logger.Logger, opts ...Option) (*Monitor, error) {
	if registry == nil {
		return nil, errors.New("metrics registry is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("monitor interval must be > 0")
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "xseven"
	}

	m := &Monitor{
		cfg:        cfg,
		log:        log,
		registry:   registry,
		thresholds: DefaultThresholds(),
		active:     make(map[string]*Alert),
		now:        func() time.Time { return time.Now().UTC() },
		healthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "health_score",
			Help:      "Overall platform health score, 0-100.",
		}),
		alertsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "active_alerts",
			Help:      "Active alerts by severity.",
		}, []string{"severity"}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dispatcher == nil {
		m.dispatcher = newAlertDispatcher([]AlertHandler{&LogAlertHandler{Log: log}}, log)
	}

	for _, t := range m.thresholds {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	if err := registry.Register(m.healthGauge); err != nil {
		return nil, fmt.Errorf("register health gauge failed: %w", err)
	}
	if err := registry.Register(m.alertsGauge); err != nil {
		return nil, fmt.Errorf("register alerts gauge failed: %w", err)
	}
	m.healthGauge.Set(100)
	return m, nil
}

// RegisterSource adds a metric source to the sweep.
func (m *Monitor) RegisterSource(s Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, s)
}

// Start launches the periodic sweep loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("monitor already running")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.loop(loopCtx)

	m.log.Info("monitor started", "interval", m.cfg.Interval, "thresholds", len(m.thresholds))
	return nil
}

// Stop halts the sweep loop.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the sweep loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	// Sweep immediately so health data exists before the first interval.
	m.CheckNow(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow performs one sweep synchronously and returns the snapshot.
func (m *Monitor) CheckNow(ctx context.Context) *Snapshot {
	now := m.now()

	m.mu.RLock()
	sources := make([]Source, len(m.sources))
	copy(sources, m.sources)
	m.mu.RUnlock()

	collected := make(map[string]float64)
	sourceErrs := make(map[string]string)
	for _, s := range sources {
		values, err := s.Collect(ctx)
		if err != nil {
			sourceErrs[s.Name()] = err.Error()
			m.log.Warn("metric source failed", "source", s.Name(), "error", err)
			continue
		}
		for k, v := range values {
			collected[s.Name()+"."+k] = v
		}
	}

	m.mu.Lock()
	m.evaluateLocked(ctx, collected, now)
	score := m.healthScoreLocked()
	alerts := m.activeAlertsLocked()
	snapshot := &Snapshot{
		Timestamp:    now,
		Metrics:      collected,
		HealthScore:  score,
		ActiveAlerts: alerts,
	}
	if len(sourceErrs) > 0 {
		snapshot.SourceErrors = sourceErrs
	}
	m.last = snapshot
	m.mu.Unlock()

	m.healthGauge.Set(float64(score))
	counts := map[Severity]int{SeverityWarning: 0, SeverityError: 0, SeverityCritical: 0}
	for _, a := range alerts {
		counts[a.Severity]++
	}
	for sev, n := range counts {
		m.alertsGauge.WithLabelValues(string(sev)).Set(float64(n))
	}

	return snapshot
}

// evaluateLocked applies every threshold to the collected values, raising new
// alerts and resolving recovered ones. Each metric carries at most one active
// alert: when several thresholds on the same metric are breached at once, only
// the most severe one fires, and a severity change replaces the existing alert
// instead of raising a sibling. Callers hold m.mu.
func (m *Monitor) evaluateLocked(ctx context.Context, collected map[string]float64, now time.Time) {
	type breach struct {
		rule     Threshold
		observed float64
	}
	worst := make(map[string]breach)
	observed := make(map[string]float64)
	for _, t := range m.thresholds {
		value, ok := collected[t.Metric]
		if !ok {
			continue
		}
		observed[t.Metric] = value
		if !t.Breached(value) {
			continue
		}
		if w, ok := worst[t.Metric]; !ok || t.Severity.rank() > w.rule.Severity.rank() {
			worst[t.Metric] = breach{rule: t, observed: value}
		}
	}

	for metric, value := range observed {
		existing := m.active[metric]
		w, breached := worst[metric]

		if breached {
			if existing != nil && existing.Severity == w.rule.Severity {
				existing.Value = w.observed
				continue
			}
			if existing != nil {
				resolvedAt := now
				existing.ResolvedAt = &resolvedAt
				existing.Value = w.observed
				m.dispatcher.dispatch(ctx, existing)
			}
			a := newAlert(w.rule, w.observed, now)
			m.active[metric] = a
			m.dispatcher.dispatch(ctx, a)
			continue
		}

		if existing != nil {
			resolvedAt := now
			existing.ResolvedAt = &resolvedAt
			existing.Value = value
			delete(m.active, metric)
			m.dispatcher.dispatch(ctx, existing)
		}
	}
}

func (m *Monitor) healthScoreLocked() int {
	score := 100
	for _, a := range m.active {
		score -= a.Severity.Penalty()
	}
	if score < 0 {
		score = 0
	}
	return score
}

func (m *Monitor) activeAlertsLocked() []*Alert {
	out := make([]*Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		return out[i].Severity < out[j].Severity
	})
	return out
}

// HealthScore returns the current health score, 0-100.
func (m *Monitor) HealthScore() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthScoreLocked()
}

// ActiveAlerts returns the currently unresolved alerts.
func (m *Monitor) ActiveAlerts() []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeAlertsLocked()
}

// LastCheck returns the time of the most recent sweep, zero before the first.
func (m *Monitor) LastCheck() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return time.Time{}
	}
	return m.last.Timestamp
}

// LastSnapshot returns the most recent sweep result, nil before the first.
func (m *Monitor) LastSnapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// ExportJSON renders the most recent snapshot as JSON.
func (m *Monitor) ExportJSON() ([]byte, error) {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()
	if last == nil {
		return nil, errors.New("no monitoring data collected yet")
	}
	return json.MarshalIndent(last, "", "  ")
}

// ExportPrometheus renders the shared registry in the Prometheus text format.
func (m *Monitor) ExportPrometheus() ([]byte, error) {
	return m.registry.TextExport()
}
