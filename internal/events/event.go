package events

import (
	"context"
	"strings"
	"time"
)

type Type string

const (
	TaskScheduled  Type = "task.scheduled"
	TaskCancelled  Type = "task.cancelled"
	TaskDispatched Type = "task.dispatched"
	TaskCompleted  Type = "task.completed"
	TaskFailed     Type = "task.failed"
	TaskAbandoned  Type = "task.abandoned"

	NotificationSent      Type = "notification.sent"
	NotificationRetry     Type = "notification.retry"
	NotificationAbandoned Type = "notification.abandoned"

	CircuitStateChanged Type = "circuit.state_changed"

	RecoveryAttempt   Type = "recovery.attempt"
	RecoveryEscalated Type = "recovery.escalated"

	QueueStateChanged Type = "queue.state_changed"
)

// Category is the part of the type before the first dot.
func (t Type) Category() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i > 0 {
		return s[:i]
	}
	return s
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is a flat key/value record describing one state transition.
type Event struct {
	Type      Type              `json:"type"`
	Category  string            `json:"category"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// New builds an event from alternating key/value pairs. A trailing key
// without a value is dropped, as are empty values.
func New(t Type, severity Severity, kv ...string) Event {
	fields := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		fields[kv[i]] = kv[i+1]
	}

	return Event{
		Type:      t,
		Category:  t.Category(),
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
}

// Sink receives events. Emit must not block the caller for long.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}

// Nop discards every event.
func Nop() Sink { return nopSink{} }

type fanout []Sink

func (f fanout) Emit(ctx context.Context, event Event) {
	for _, s := range f {
		s.Emit(ctx, event)
	}
}

// Fanout delivers every event to each non-nil sink in order.
func Fanout(sinks ...Sink) Sink {
	out := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// OrNop returns s, or a discarding sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop()
	}
	return s
}
