package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/xseven/messaging/pkg/observability/logger"
)

// Alert is one active or resolved threshold violation. At most one alert is
// active per metric; repeated breaches update the existing alert and a
// severity change replaces it instead of raising a duplicate.
type Alert struct {
	ID         string     `json:"id"`
	Metric     string     `json:"metric"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	RaisedAt   time.Time  `json:"raised_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Active reports whether the alert has not recovered yet.
func (a *Alert) Active() bool { return a.ResolvedAt == nil }

func newAlert(t Threshold, observed float64, now time.Time) *Alert {
	return &Alert{
		ID:       uuid.NewString(),
		Metric:   t.Metric,
		Severity: t.Severity,
		Message: fmt.Sprintf("%s is %.4f, threshold %s %.4f",
			t.Metric, observed, t.Comparison, t.Value),
		Value:     observed,
		Threshold: t.Value,
		RaisedAt:  now,
	}
}

// AlertHandler receives raised and resolved alerts. Handlers must not block;
// slow deliveries are shed by the dispatcher's rate limiter.
type AlertHandler interface {
	HandleAlert(ctx context.Context, a *Alert)
}

// AlertHandlerFunc adapts a function into an AlertHandler.
type AlertHandlerFunc func(ctx context.Context, a *Alert)

// HandleAlert invokes the wrapped function.
func (f AlertHandlerFunc) HandleAlert(ctx context.Context, a *Alert) { f(ctx, a) }

// LogAlertHandler writes alerts to the structured log.
type LogAlertHandler struct {
	Log logger.Logger
}

// HandleAlert logs the alert at a level matching its severity.
func (h *LogAlertHandler) HandleAlert(_ context.Context, a *Alert) {
	if h.Log == nil {
		return
	}
	fields := []any{
		"alert_id", a.ID,
		"metric", a.Metric,
		"severity", a.Severity,
		"value", a.Value,
		"threshold", a.Threshold,
		"resolved", !a.Active(),
	}
	if !a.Active() {
		h.Log.Info("alert resolved", fields...)
		return
	}
	switch a.Severity {
	case SeverityCritical, SeverityError:
		h.Log.Error(a.Message, fields...)
	default:
		h.Log.Warn(a.Message, fields...)
	}
}

// alertDispatcher fans alerts out to handlers behind a shared rate limiter so
// an alert storm cannot flood downstream channels.
type alertDispatcher struct {
	handlers []AlertHandler
	limiter  *rate.Limiter
	log      logger.Logger
}

func newAlertDispatcher(handlers []AlertHandler, log logger.Logger) *alertDispatcher {
	return &alertDispatcher{
		handlers: handlers,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 10),
		log:      log,
	}
}

func (d *alertDispatcher) dispatch(ctx context.Context, a *Alert) {
	if len(d.handlers) == 0 {
		return
	}
	if !d.limiter.Allow() {
		d.log.Warn("alert delivery shed by rate limiter", "metric", a.Metric, "severity", a.Severity)
		return
	}
	for _, h := range d.handlers {
		h.HandleAlert(ctx, a)
	}
}
