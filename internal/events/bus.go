// Package events is the output channel pipelines emit structured events to.
// Notification delivery and other observers subscribe to it instead of being
// called from inside the pipelines.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event
type Type string

const (
	BackupStarted          Type = "backup.started"
	BackupCompleted        Type = "backup.completed"
	BackupFailed           Type = "backup.failed"
	BackupGovernance       Type = "backup.governance"
	BackupExpired          Type = "retention.expired"
	RestoreCompleted       Type = "restore.completed"
	RestoreFailed          Type = "restore.failed"
	VerificationCompleted  Type = "verification.completed"
	ScheduleRunSucceeded   Type = "schedule.run_succeeded"
	ScheduleRunFailed      Type = "schedule.run_failed"
	IncidentDeclared       Type = "incident.declared"
	IncidentRecovering     Type = "incident.recovering"
	IncidentProcedureFails Type = "incident.procedure_failed"
	IncidentResolved       Type = "incident.resolved"
)

// Severity grades an event for notification filtering
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Event is a structured record of something that happened in a pipeline.
type Event struct {
	ID         string                 `json:"id"`
	Type       Type                   `json:"type"`
	Severity   Severity               `json:"severity"`
	Subject    string                 `json:"subject"`
	Message    string                 `json:"message"`
	Recipients []string               `json:"recipients,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Publisher is the narrow interface pipelines depend on.
type Publisher interface {
	Publish(event Event)
}

// Bus fans events out to every subscriber. Publish never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	closed      bool
	dropped     atomic.Int64
	onDrop      func(Event)
}

// Option configures a Bus
type Option func(*Bus)

// WithDropHandler registers a callback invoked for every dropped event.
func WithDropHandler(fn func(Event)) Option {
	return func(b *Bus) {
		b.onDrop = fn
	}
}

// NewBus creates an empty bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel receiving every event published after the call.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers the event to all subscribers without blocking.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(event)
			}
		}
	}
}

// Dropped returns the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
