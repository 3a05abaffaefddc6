// Package bus implements the in-process asynchronous event bus: a FIFO queue
// with one dispatch worker fanning each event out to its registered handlers
// concurrently. Admission order is preserved; handler completion order is not.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xseven/messaging/pkg/event"
	"github.com/xseven/messaging/pkg/observability/logger"
)

// DefaultQueueSize bounds the in-flight event queue.
const DefaultQueueSize = 1024

// ErrQueueFull is returned when the bus queue cannot admit another event.
var ErrQueueFull = errors.New("event bus queue is full")

// ErrNotRunning is returned when publishing to a stopped bus.
var ErrNotRunning = errors.New("event bus is not running")

// Middleware transforms an event before it is enqueued. Returning an error
// skips this middleware's transform (fail-open); the publish still proceeds
// with the untransformed event.
type Middleware func(ctx context.Context, e *event.Event) (*event.Event, error)

// Stats is a snapshot of bus counters.
type Stats struct {
	Published  uint64 `json:"published"`
	Dispatched uint64 `json:"dispatched"`
	Dropped    uint64 `json:"dropped"`
	Errors     uint64 `json:"errors"`
	QueueDepth int    `json:"queue_depth"`
}

// Bus is the in-process pub/sub fan-out.
type Bus struct {
	log logger.Logger

	mu          sync.RWMutex
	handlers    map[event.Type][]Handler
	middlewares []Middleware
	running     bool
	cancel      context.CancelFunc

	queue chan *event.Event
	wg    sync.WaitGroup

	published  atomic.Uint64
	dispatched atomic.Uint64
	dropped    atomic.Uint64
	errCount   atomic.Uint64
}

// New creates a bus with the given queue size (0 means DefaultQueueSize).
func New(log logger.Logger, queueSize int) *Bus {
	if log == nil {
		log = logger.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		log:      log,
		handlers: make(map[event.Type][]Handler),
		queue:    make(chan *event.Event, queueSize),
	}
}

// Use appends a middleware to the ordered transform chain.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw)
}

// Subscribe appends a handler to the ordered list for the event type.
func (b *Bus) Subscribe(t event.Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Unsubscribe removes a previously registered handler by name.
func (b *Bus) Unsubscribe(t event.Type, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[t]
	kept := list[:0]
	for _, h := range list {
		if h.Name() != name {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(b.handlers, t)
		return
	}
	b.handlers[t] = kept
}

// Start launches the single dispatch worker. Idempotent against double start.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.New("event bus already running")
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.running = true

	b.wg.Add(1)
	go b.dispatchLoop(workerCtx)

	b.log.Info("event bus started", "queue_size", cap(b.queue))
	return nil
}

// Stop cancels the dispatch worker and waits for it within the context's
// deadline. Events still queued are dropped.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.log.Info("event bus stopped", "dropped", len(b.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the dispatch worker is active.
func (b *Bus) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Publish runs the middleware chain and enqueues the event without blocking.
// A full queue returns ErrQueueFull; the caller decides whether that is fatal.
func (b *Bus) Publish(ctx context.Context, e *event.Event) error {
	b.mu.RLock()
	running := b.running
	middlewares := b.middlewares
	b.mu.RUnlock()

	if !running {
		return ErrNotRunning
	}

	for i, mw := range middlewares {
		transformed, err := b.applyMiddleware(ctx, mw, e)
		if err != nil {
			b.log.Warn("middleware failed, transform skipped",
				"index", i,
				"event_id", e.ID,
				"error", err,
			)
			continue
		}
		e = transformed
	}

	select {
	case b.queue <- e:
		b.published.Add(1)
		return nil
	default:
		b.dropped.Add(1)
		return ErrQueueFull
	}
}

// applyMiddleware shields the chain from a panicking middleware.
func (b *Bus) applyMiddleware(ctx context.Context, mw Middleware, e *event.Event) (out *event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = errors.New("middleware panicked")
		}
	}()

	out, err = mw(ctx, e)
	if err == nil && out == nil {
		err = errors.New("middleware returned nil event")
	}
	return out, err
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:  b.published.Load(),
		Dispatched: b.dispatched.Load(),
		Dropped:    b.dropped.Load(),
		Errors:     b.errCount.Load(),
		QueueDepth: len(b.queue),
	}
}

// dispatchLoop is the single worker draining the FIFO queue. All applicable
// handlers for one event run concurrently; the loop waits for them before
// taking the next event, so admission order is preserved.
func (b *Bus) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.queue:
			b.dispatch(ctx, e)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e *event.Event) {
	b.mu.RLock()
	registered := b.handlers[e.Type]
	b.mu.RUnlock()

	applicable := make([]Handler, 0, len(registered))
	for _, h := range registered {
		if h.CanHandle(e) {
			applicable = append(applicable, h)
		}
	}

	if len(applicable) == 0 {
		b.dropped.Add(1)
		b.log.Warn("no handler registered, event dropped",
			"event_id", e.ID,
			"event_type", e.Type,
		)
		return
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, h := range applicable {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h.Handle(ctx, e); err != nil {
				b.errCount.Add(1)
				h.OnError(ctx, e, err)
				b.log.Error("handler failed",
					"handler", h.Name(),
					"event_id", e.ID,
					"event_type", e.Type,
					"error", err,
				)
			}
		}(h)
	}
	wg.Wait()

	b.dispatched.Add(1)
	b.log.Debug("event dispatched",
		"event_id", e.ID,
		"event_type", e.Type,
		"handlers", len(applicable),
		"duration", time.Since(start),
	)
}
