// Package events carries transfer lifecycle notifications from the dispatcher
// to observers such as NATS subscribers and websocket clients.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/dataplane/errors"
)

// Type identifies a lifecycle notification
type Type string

const (
	// Queued is emitted after a request is recorded and queued.
	Queued Type = "queued"

	// Started is emitted when a worker leases a request.
	Started Type = "started"

	// Completed is emitted when a backend reports success.
	Completed Type = "completed"

	// Failed is emitted when a backend fails, panics or the outcome cannot be stored.
	Failed Type = "failed"

	// NoBackend is emitted when no registered backend handles the request.
	// The request is still completed.
	NoBackend Type = "no_backend"

	// Recovered is emitted for entries re-queued at dispatcher start.
	Recovered Type = "recovered"

	// Rejected is emitted when backpressure rejects an enqueue.
	Rejected Type = "rejected"
)

// Event is one lifecycle notification
type Event struct {
	Type      Type      `json:"type"`
	ProcessID string    `json:"processId"`
	RequestID string    `json:"requestId"`
	Backend   string    `json:"backend,omitempty"`
	Status    string    `json:"status,omitempty"`
	Messages  []string  `json:"messages,omitempty"`
	Instance  string    `json:"instance,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the fields every event needs
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Event", "Validate", "event type is required")
	}
	if e.ProcessID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Event", "Validate", "process id is required")
	}
	return nil
}

// Listener receives lifecycle events. Implementations must not block for long;
// they run on dispatcher workers.
type Listener interface {
	OnEvent(ctx context.Context, e Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ctx context.Context, e Event)

// OnEvent calls f
func (f ListenerFunc) OnEvent(ctx context.Context, e Event) { f(ctx, e) }

// Discard drops every event
var Discard Listener = ListenerFunc(func(context.Context, Event) {})

// Multi fans events out to several listeners in order
type Multi struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *slog.Logger
}

// NewMulti creates a fan-out over listeners
func NewMulti(logger *slog.Logger, listeners ...Listener) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger}
	for _, l := range listeners {
		m.Add(l)
	}
	return m
}

// Add appends a listener. Nil is ignored.
func (m *Multi) Add(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// OnEvent delivers e to every listener. A panicking listener is logged and
// skipped.
func (m *Multi) OnEvent(ctx context.Context, e Event) {
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()

	for _, l := range listeners {
		m.deliver(ctx, l, e)
	}
}

func (m *Multi) deliver(ctx context.Context, l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Event listener panicked", "type", e.Type, "process_id", e.ProcessID, "panic", r)
		}
	}()
	l.OnEvent(ctx, e)
}

// Publisher is the subset of natsclient.Client used to publish events
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// DefaultSubjectPrefix prefixes every published subject
const DefaultSubjectPrefix = "dataplane.transfer"

// NATSPublisher publishes events as JSON on <prefix>.<type>
type NATSPublisher struct {
	publisher Publisher
	prefix    string
	logger    *slog.Logger
}

// NewNATSPublisher creates a listener that publishes to NATS. An empty
// prefix uses DefaultSubjectPrefix.
func NewNATSPublisher(publisher Publisher, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{publisher: publisher, prefix: prefix, logger: logger}
}

// Subject returns the subject an event type is published on
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

// OnEvent publishes e. Failures are logged, never returned; event delivery
// must not affect the transfer outcome.
func (p *NATSPublisher) OnEvent(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("Failed to marshal event", "type", e.Type, "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, p.Subject(e.Type), data); err != nil {
		p.logger.Warn("Failed to publish event",
			"type", e.Type, "process_id", e.ProcessID, "error", err)
	}
}
