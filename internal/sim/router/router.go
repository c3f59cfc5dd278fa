// Package router queues inbound messages from any goroutine and dispatches
// them by kind on the simulation loop.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/worldsim/internal/logging"
	"github.com/signalsfoundry/worldsim/internal/msgs"
)

// ErrQueueFull is returned by Enqueue when a bounded queue is at capacity.
var ErrQueueFull = errors.New("message queue full")

// Handler applies one message on the simulation loop.
type Handler func(ctx context.Context, m msgs.Message) error

// MetricsRecorder receives per-message dispatch outcomes.
type MetricsRecorder interface {
	ObserveMessage(kind, outcome string)
}

// Dispatch outcomes.
const (
	OutcomeHandled  = "handled"
	OutcomeFailed   = "failed"
	OutcomeUnknown  = "unknown"
	OutcomeRejected = "rejected"
)

// Result tallies one ProcessAll call.
type Result struct {
	Handled int
	Failed  int
	Unknown int
}

// Option configures a Router.
type Option func(*Router)

// WithCapacity bounds the queue; zero or negative means unbounded.
func WithCapacity(n int) Option {
	return func(r *Router) { r.capacity = n }
}

// WithLogger sets the diagnostics logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(r *Router) { r.metrics = m }
}

// Router is a FIFO of inbound messages swapped out wholesale per tick.
type Router struct {
	capacity int
	log      logging.Logger
	metrics  MetricsRecorder

	hmu      sync.RWMutex
	handlers map[msgs.Kind]Handler

	mu    sync.Mutex
	queue []msgs.Message
}

// New creates an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		log:      logging.Noop(),
		handlers: make(map[msgs.Kind]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers h for kind, replacing any previous handler.
func (r *Router) Handle(kind msgs.Kind, h Handler) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.handlers[kind] = h
}

// Enqueue appends m. It never blocks on message processing.
func (r *Router) Enqueue(m msgs.Message) error {
	r.mu.Lock()
	if r.capacity > 0 && len(r.queue) >= r.capacity {
		r.mu.Unlock()
		r.observe(string(m.Kind), OutcomeRejected)
		return fmt.Errorf("%w: %d pending", ErrQueueFull, r.capacity)
	}
	r.queue = append(r.queue, m)
	r.mu.Unlock()
	return nil
}

// Len returns the number of pending messages.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Discard drops every pending message.
func (r *Router) Discard() {
	r.mu.Lock()
	r.queue = nil
	r.mu.Unlock()
}

// ProcessAll dispatches every message queued before the call, in arrival
// order. Messages enqueued meanwhile wait for the next call. Unknown kinds
// and handler errors are logged and counted; they never abort the batch.
func (r *Router) ProcessAll(ctx context.Context) Result {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	var res Result
	for _, m := range batch {
		r.hmu.RLock()
		h, ok := r.handlers[m.Kind]
		r.hmu.RUnlock()

		if !ok {
			res.Unknown++
			r.observe(string(m.Kind), OutcomeUnknown)
			r.log.Warn(ctx, "dropping message of unknown kind",
				logging.String("kind", string(m.Kind)),
				logging.String("message_id", m.ID.String()),
				logging.Err(msgs.ErrUnknownKind))
			continue
		}

		if err := dispatch(ctx, h, m); err != nil {
			res.Failed++
			r.observe(string(m.Kind), OutcomeFailed)
			r.log.Warn(ctx, "message handler failed",
				logging.String("kind", string(m.Kind)),
				logging.String("message_id", m.ID.String()),
				logging.Err(err))
			continue
		}
		res.Handled++
		r.observe(string(m.Kind), OutcomeHandled)
	}
	return res
}

// dispatch validates m and runs h, turning a handler panic into an error.
func dispatch(ctx context.Context, h Handler, m msgs.Message) (err error) {
	if err := m.Validate(); err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, m)
}

func (r *Router) observe(kind, outcome string) {
	if r.metrics != nil {
		r.metrics.ObserveMessage(kind, outcome)
	}
}
