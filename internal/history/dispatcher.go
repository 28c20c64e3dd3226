package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// DefaultQueueSize bounds the number of events waiting for delivery.
const DefaultQueueSize = 256

// ErrQueueFull is reported when an event is dropped because sinks are behind.
var ErrQueueFull = errors.New("history queue full")

type namedSink struct {
	name string
	sink Sink
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// Dispatcher fans events out to sinks on a background goroutine so callers
// never wait on network or disk I/O. Each sink sits behind a circuit breaker.
type Dispatcher struct {
	sinks   []namedSink
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Event, n)
		}
	}
}

// WithSendTimeout bounds each Send call.
func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher starts delivering to sinks. names labels each sink in logs
// and may be shorter than sinks.
func NewDispatcher(sinks []Sink, names []string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:   make(chan Event, DefaultQueueSize),
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	for i, s := range sinks {
		name := fmt.Sprintf("sink-%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		logger := d.logger
		d.sinks = append(d.sinks, namedSink{
			name: name,
			sink: s,
			cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(c gobreaker.Counts) bool {
					return c.ConsecutiveFailures >= 5
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					logger.Warn("history sink circuit changed", "sink", name, "from", from.String(), "to", to.String())
				},
			}),
		})
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Record enqueues e for delivery. It never blocks; when the queue is full the
// event is dropped and logged.
func (d *Dispatcher) Record(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || len(d.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	select {
	case d.queue <- e:
	default:
		d.logger.Warn("dropping history event", "type", e.Type, "error", ErrQueueFull)
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for e := range d.queue {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	for _, ns := range d.sinks {
		_, err := ns.cb.Execute(func() (struct{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			return struct{}{}, ns.sink.Send(ctx, e)
		})
		if err != nil {
			d.logger.Warn("history sink send failed", "sink", ns.name, "type", e.Type, "error", err)
		}
	}
}

// Close stops accepting events, drains the queue and closes every sink that
// implements io.Closer. Draining stops early when ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	var errs []error
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("history drain: %w", ctx.Err()))
	}
	for _, ns := range d.sinks {
		if c, ok := ns.sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", ns.name, err))
			}
		}
	}
	return errors.Join(errs...)
}
