package health

import (
	"context"
	"fmt"
	"time"
)

// Producer error-rate bounds: below 1% failed is healthy, below 5% degraded.
const (
	producerDegradedRate  = 0.01
	producerUnhealthyRate = 0.05
)

// ConnectivityProber reports how many brokers are reachable.
type ConnectivityProber interface {
	HealthCheck(ctx context.Context) (int, error)
}

// TopicLister returns the topics present in the cluster.
type TopicLister interface {
	ListTopics(ctx context.Context) ([]string, error)
}

// NewBrokerChecker probes cluster connectivity.
func NewBrokerChecker(prober ConnectivityProber) Checker {
	return &namedChecker{name: "broker", fn: func(ctx context.Context) CheckResult {
		n, err := prober.HealthCheck(ctx)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
		return CheckResult{
			Status:   StatusHealthy,
			Message:  fmt.Sprintf("%d broker(s) reachable", n),
			Metadata: map[string]any{"brokers": n},
		}
	}}
}

// NewTopicChecker verifies that every required topic exists in the cluster.
func NewTopicChecker(lister TopicLister, required []string) Checker {
	return &namedChecker{name: "topics", fn: func(ctx context.Context) CheckResult {
		existing, err := lister.ListTopics(ctx)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
		present := make(map[string]bool, len(existing))
		for _, name := range existing {
			present[name] = true
		}
		missing := make([]string, 0)
		for _, name := range required {
			if !present[name] {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return CheckResult{
				Status:   StatusDegraded,
				Message:  fmt.Sprintf("%d topic(s) missing", len(missing)),
				Metadata: map[string]any{"missing": missing},
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("all %d topics present", len(required)),
		}
	}}
}

// NewProducerChecker grades the producer by its failure rate.
func NewProducerChecker(stats func() (sent, failed uint64)) Checker {
	return &namedChecker{name: "producer", fn: func(ctx context.Context) CheckResult {
		sent, failed := stats()
		total := sent + failed
		if total == 0 {
			return CheckResult{Status: StatusHealthy, Message: "no traffic yet"}
		}
		rate := float64(failed) / float64(total)
		md := map[string]any{"sent": sent, "failed": failed, "error_rate": rate}
		switch {
		case rate >= producerUnhealthyRate:
			return CheckResult{
				Status:   StatusUnhealthy,
				Message:  fmt.Sprintf("error rate %.2f%%", rate*100),
				Metadata: md,
			}
		case rate >= producerDegradedRate:
			return CheckResult{
				Status:   StatusDegraded,
				Message:  fmt.Sprintf("error rate %.2f%%", rate*100),
				Metadata: md,
			}
		default:
			return CheckResult{Status: StatusHealthy, Metadata: md}
		}
	}}
}

// NewConsumerChecker grades consumers by how many of their poll loops run:
// all healthy, some degraded, none unhealthy.
func NewConsumerChecker(running func() map[string]bool) Checker {
	return &namedChecker{name: "consumers", fn: func(ctx context.Context) CheckResult {
		states := running()
		if len(states) == 0 {
			return CheckResult{Status: StatusUnknown, Message: "no consumers configured"}
		}
		active := 0
		stopped := make([]string, 0)
		for topic, ok := range states {
			if ok {
				active++
			} else {
				stopped = append(stopped, topic)
			}
		}
		md := map[string]any{"running": active, "total": len(states)}
		switch {
		case active == len(states):
			return CheckResult{
				Status:   StatusHealthy,
				Message:  fmt.Sprintf("all %d consumers running", active),
				Metadata: md,
			}
		case active > 0:
			md["stopped"] = stopped
			return CheckResult{
				Status:   StatusDegraded,
				Message:  fmt.Sprintf("%d of %d consumers running", active, len(states)),
				Metadata: md,
			}
		default:
			return CheckResult{Status: StatusUnhealthy, Message: "no consumers running", Metadata: md}
		}
	}}
}

// NewDLQChecker verifies the dead-letter scheduler runs and surfaces the
// backlog size.
func NewDLQChecker(running func() bool, backlog func(ctx context.Context) (int64, error)) Checker {
	return &namedChecker{name: "dlq", fn: func(ctx context.Context) CheckResult {
		if !running() {
			return CheckResult{Status: StatusUnhealthy, Message: "dead-letter scheduler stopped"}
		}
		n, err := backlog(ctx)
		if err != nil {
			return CheckResult{Status: StatusDegraded, Error: err.Error()}
		}
		return CheckResult{
			Status:   StatusHealthy,
			Message:  fmt.Sprintf("%d message(s) in backlog", n),
			Metadata: map[string]any{"backlog": n},
		}
	}}
}

// NewMonitorChecker verifies the monitoring loop is alive: running and swept
// within staleAfter.
func NewMonitorChecker(running func() bool, lastCheck func() time.Time, staleAfter time.Duration) Checker {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &namedChecker{name: "monitor", fn: func(ctx context.Context) CheckResult {
		if !running() {
			return CheckResult{Status: StatusUnhealthy, Message: "monitor loop stopped"}
		}
		last := lastCheck()
		if last.IsZero() {
			return CheckResult{Status: StatusUnknown, Message: "no sweep completed yet"}
		}
		if age := time.Since(last); age > staleAfter {
			return CheckResult{
				Status:   StatusUnhealthy,
				Message:  fmt.Sprintf("last sweep %s ago", age.Round(time.Second)),
				Metadata: map[string]any{"last_check": last},
			}
		}
		return CheckResult{Status: StatusHealthy, Metadata: map[string]any{"last_check": last}}
	}}
}
