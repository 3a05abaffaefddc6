// Package monitor implements platform health monitoring: periodic metric
// collection, threshold alerting and health scoring with Prometheus and JSON
// export.
package monitor

import (
	"fmt"
	"strings"
)

// Severity ranks an alert. Each level carries a fixed health score penalty.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Penalty returns the health score deduction for one active alert of this
// severity.
func (s Severity) Penalty() int {
	switch s {
	case SeverityCritical:
		return 25
	case SeverityError:
		return 15
	case SeverityWarning:
		return 5
	}
	return 0
}

// rank orders severities for escalation, critical highest.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// Valid reports whether the severity is a declared value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Comparison selects the direction of a threshold check.
type Comparison string

const (
	CompareGreaterThan Comparison = "gt"
	CompareLessThan    Comparison = "lt"
)

// Threshold declares one alerting rule on a collected metric.
type Threshold struct {
	Metric     string     `json:"metric"`
	Comparison Comparison `json:"comparison"`
	Value      float64    `json:"value"`
	Severity   Severity   `json:"severity"`
}

// Breached reports whether the observed value violates the threshold.
func (t Threshold) Breached(observed float64) bool {
	switch t.Comparison {
	case CompareLessThan:
		return observed < t.Value
	default:
		return observed > t.Value
	}
}

// Validate checks the rule's fields.
func (t Threshold) Validate() error {
	if strings.TrimSpace(t.Metric) == "" {
		return fmt.Errorf("threshold metric is required")
	}
	switch t.Comparison {
	case CompareGreaterThan, CompareLessThan:
	default:
		return fmt.Errorf("invalid comparison %q for metric %s", t.Comparison, t.Metric)
	}
	if !t.Severity.Valid() {
		return fmt.Errorf("invalid severity %q for metric %s", t.Severity, t.Metric)
	}
	return nil
}

// DefaultThresholds returns the built-in alerting rules.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Metric: "producer.error_rate", Comparison: CompareGreaterThan, Value: 0.01, Severity: SeverityWarning},
		{Metric: "producer.error_rate", Comparison: CompareGreaterThan, Value: 0.05, Severity: SeverityError},
		{Metric: "producer.error_rate", Comparison: CompareGreaterThan, Value: 0.20, Severity: SeverityCritical},
		{Metric: "consumer.failure_rate", Comparison: CompareGreaterThan, Value: 0.01, Severity: SeverityWarning},
		{Metric: "consumer.failure_rate", Comparison: CompareGreaterThan, Value: 0.05, Severity: SeverityError},
		{Metric: "broker.available", Comparison: CompareLessThan, Value: 1, Severity: SeverityCritical},
		{Metric: "dlq.pending", Comparison: CompareGreaterThan, Value: 100, Severity: SeverityWarning},
		{Metric: "dlq.pending", Comparison: CompareGreaterThan, Value: 1000, Severity: SeverityError},
		{Metric: "dlq.exhausted", Comparison: CompareGreaterThan, Value: 0, Severity: SeverityWarning},
	}
}
