package bus

import (
	"context"
	"fmt"

	"github.com/xseven/messaging/pkg/event"
)

// Handler is the closed capability interface implemented by every event
// handler variant. The registry maps event type to an ordered handler list;
// CanHandle lets a handler narrow its interest further at dispatch time.
type Handler interface {
	// Name identifies the handler in logs and metrics.
	Name() string

	// CanHandle reports whether this handler wants the given event.
	CanHandle(e *event.Event) bool

	// Handle processes the event. Returning an error triggers the caller's
	// retry policy and eventually OnError.
	Handle(ctx context.Context, e *event.Event) error

	// OnError is invoked once with the final error after all processing
	// attempts for the event are exhausted.
	OnError(ctx context.Context, e *event.Event, err error)
}

// HandlerFunc adapts a plain function into a Handler that accepts every event
// of its registered types and ignores terminal errors.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, e *event.Event) error
	ErrFn       func(ctx context.Context, e *event.Event, err error)
}

// Name identifies the handler.
func (h *HandlerFunc) Name() string {
	if h.HandlerName != "" {
		return h.HandlerName
	}
	return "func-handler"
}

// CanHandle accepts every event routed to this handler.
func (h *HandlerFunc) CanHandle(e *event.Event) bool { return true }

// Handle invokes the wrapped function.
func (h *HandlerFunc) Handle(ctx context.Context, e *event.Event) error {
	if h.Fn == nil {
		return fmt.Errorf("handler %s has no function", h.Name())
	}
	return h.Fn(ctx, e)
}

// OnError invokes the optional terminal-error callback.
func (h *HandlerFunc) OnError(ctx context.Context, e *event.Event, err error) {
	if h.ErrFn != nil {
		h.ErrFn(ctx, e, err)
	}
}

// ProcessingError indicates a handler failed to process an event after all
// local attempts. It does not block processing of subsequent messages.
type ProcessingError struct {
	Handler string
	EventID string
	Cause   error
}

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	return fmt.Sprintf("handler %s failed processing event %s: %v", e.Handler, e.EventID, e.Cause)
}

// Unwrap exposes the wrapped cause.
func (e *ProcessingError) Unwrap() error {
	return e.Cause
}
