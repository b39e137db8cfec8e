package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/craftvisor/internal/event"
)

// Record is one server event as exported to analytics systems. Console
// output is never recorded.
type Record struct {
	Server     string    `json:"server"`
	Type       string    `json:"type"`
	Detail     string    `json:"detail,omitempty"`    // player name, command text or error message
	ExitCode   *int      `json:"exit_code,omitempty"` // close events only
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history records.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
}

// FromEvent converts a bus event into a record. It reports false for
// events that are not kept in history.
func FromEvent(e event.Event, at time.Time) (Record, bool) {
	r := Record{Server: e.ServerName(), Type: string(e.Kind()), OccurredAt: at.UTC()}
	switch ev := e.(type) {
	case event.Start:
	case event.Close:
		code := ev.ExitCode
		r.ExitCode = &code
	case event.Error:
		r.Detail = ev.Message
	case event.PlayerJoin:
		r.Detail = ev.Player
	case event.PlayerLeave:
		r.Detail = ev.Player
	case event.Command:
		r.Detail = ev.Text
	default:
		return Record{}, false
	}
	return r, true
}

// DefaultQueueSize bounds records buffered between the bus and the sinks.
const DefaultQueueSize = 1024

// Recorder forwards bus events to sinks from a single background worker,
// so a slow database never stalls a supervisor's output reader. When the
// queue is full records are dropped and logged.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	detach []func()

	queue     chan Record
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRecorder starts the worker. Close must be called to flush and stop it.
func NewRecorder(sinks ...Sink) *Recorder {
	r := &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		timeout: 5 * time.Second,
		log:     slog.Default().With("component", "history"),
		now:     time.Now,
		queue:   make(chan Record, DefaultQueueSize),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Attach subscribes the recorder to bus and returns the unsubscribe func.
// Close unsubscribes as well.
func (r *Recorder) Attach(bus *event.Bus[event.Event]) func() {
	unsubscribe := bus.Subscribe(func(e event.Event) { r.Publish(e) })
	r.mu.Lock()
	closed := r.closed
	if !closed {
		r.detach = append(r.detach, unsubscribe)
	}
	r.mu.Unlock()
	if closed {
		unsubscribe()
	}
	return unsubscribe
}

// Publish implements event.Publisher.
func (r *Recorder) Publish(e event.Event) {
	rec, ok := FromEvent(e, r.now())
	if !ok {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.log.Debug("history record after close dropped", "server", rec.Server, "type", rec.Type)
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.log.Warn("history queue full, record dropped", "server", rec.Server, "type", rec.Type)
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for rec := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, rec); err != nil {
				r.log.Warn("history sink send failed", "server", rec.Server, "type", rec.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued records and closes every sink implementing io.Closer.
func (r *Recorder) Close() error {
	var first error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		detach := r.detach
		r.detach = nil
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		for _, fn := range detach {
			fn()
		}
		r.wg.Wait()
		for _, s := range r.sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil && first == nil {
					first = err
				}
			}
		}
	})
	return first
}
