// Package health tracks per-component health with bounded check history and
// order-independent aggregation into an overall platform status.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HistoryLimit bounds the number of check results retained per component.
const HistoryLimit = 10

// Status represents the health of a component or of the whole platform.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// severity orders statuses for aggregation. Aggregating is taking the worst
// status observed, so the result is independent of check order.
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusUnknown:
		return 1
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 3
	}
	return 3
}

// Worse returns the more severe of the two statuses.
func Worse(a, b Status) Status {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// CheckResult is the outcome of one health check run.
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Checker is one component's health probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type namedChecker struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func (c *namedChecker) Name() string { return c.name }

func (c *namedChecker) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

// ComponentHealth is the tracked state of one component: its latest status
// plus a bounded window of past results.
type ComponentHealth struct {
	Name          string        `json:"name"`
	Status        Status        `json:"status"`
	LastCheck     time.Time     `json:"last_check"`
	LastMessage   string        `json:"last_message,omitempty"`
	ErrorCount    uint64        `json:"error_count"`
	UptimePercent float64       `json:"uptime_percent"`
	History       []CheckResult `json:"history"`
}

// AggregatedResult is one full sweep across every registered checker.
type AggregatedResult struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Registry manages component checkers and their check history.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	history  map[string][]CheckResult
	errors   map[string]uint64
}

// NewRegistry creates an empty health registry.
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		history:  make(map[string][]CheckResult),
		errors:   make(map[string]uint64),
	}
}

// Register adds a checker, replacing any previous one with the same name.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[c.Name()] = c
}

// RegisterFunc registers a function-based checker under the given name.
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context) CheckResult) {
	r.Register(&namedChecker{name: name, fn: fn})
}

// Unregister removes a checker and its history.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
	delete(r.history, name)
	delete(r.errors, name)
}

// Check runs every registered checker concurrently and aggregates the
// outcome. The overall status is the worst individual status.
func (r *Registry) Check(ctx context.Context) AggregatedResult {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	start := time.Now()
	resultsChan := make(chan CheckResult, len(checkers))
	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			resultsChan <- r.runChecker(ctx, c)
		}(c)
	}
	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	overall := StatusHealthy
	results := make([]CheckResult, 0, len(checkers))
	for res := range resultsChan {
		results = append(results, res)
		overall = Worse(overall, res.Status)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	r.record(results)

	return AggregatedResult{
		Status:    overall,
		Checks:    results,
		Timestamp: time.Now().UTC(),
		Duration:  time.Since(start),
	}
}

// CheckOne runs a single checker by name.
func (r *Registry) CheckOne(ctx context.Context, name string) (CheckResult, error) {
	r.mu.RLock()
	c, ok := r.checkers[name]
	r.mu.RUnlock()
	if !ok {
		return CheckResult{}, fmt.Errorf("unknown health check: %s", name)
	}
	res := r.runChecker(ctx, c)
	r.record([]CheckResult{res})
	return res, nil
}

// runChecker executes one check, stamping timestamp and duration and
// containing panics as unhealthy results.
func (r *Registry) runChecker(ctx context.Context, c Checker) (res CheckResult) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = CheckResult{
				Name:   c.Name(),
				Status: StatusUnhealthy,
				Error:  fmt.Sprintf("health check panicked: %v", p),
			}
		}
		res.Name = c.Name()
		if res.Timestamp.IsZero() {
			res.Timestamp = start.UTC()
		}
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}
		if res.Status == "" {
			res.Status = StatusUnknown
		}
	}()
	return c.Check(ctx)
}

func (r *Registry) record(results []CheckResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range results {
		window := append(r.history[res.Name], res)
		if len(window) > HistoryLimit {
			window = window[len(window)-HistoryLimit:]
		}
		r.history[res.Name] = window
		if res.Status == StatusUnhealthy {
			r.errors[res.Name]++
		}
	}
}

// Component returns the tracked state of one component.
func (r *Registry) Component(name string) (ComponentHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.componentLocked(name)
}

// Components returns the tracked state of every component, sorted by name.
func (r *Registry) Components() []ComponentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ComponentHealth, 0, len(names))
	for _, name := range names {
		if ch, ok := r.componentLocked(name); ok {
			out = append(out, ch)
		}
	}
	return out
}

func (r *Registry) componentLocked(name string) (ComponentHealth, bool) {
	if _, ok := r.checkers[name]; !ok {
		return ComponentHealth{}, false
	}

	ch := ComponentHealth{
		Name:       name,
		Status:     StatusUnknown,
		ErrorCount: r.errors[name],
	}
	window := r.history[name]
	if len(window) == 0 {
		return ch, true
	}

	latest := window[len(window)-1]
	ch.Status = latest.Status
	ch.LastCheck = latest.Timestamp
	ch.LastMessage = latest.Message
	if ch.LastMessage == "" {
		ch.LastMessage = latest.Error
	}
	ch.History = append([]CheckResult(nil), window...)

	healthy := 0
	for _, res := range window {
		if res.Status == StatusHealthy {
			healthy++
		}
	}
	ch.UptimePercent = float64(healthy) / float64(len(window)) * 100

	return ch, true
}
