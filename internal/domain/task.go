package domain

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks by urgency; a lower value is more urgent.
type Priority int

const (
	PriorityUrgent Priority = iota + 1
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "URGENT"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	}
	return "UNKNOWN"
}

func (p Priority) IsValid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

func ParsePriorityFromString(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "URGENT":
		return PriorityUrgent, nil
	case "HIGH":
		return PriorityHigh, nil
	case "NORMAL", "MEDIUM":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
}

// TaskKind identifies what a scheduled task notifies about.
type TaskKind string

const (
	TaskKindReminder     TaskKind = "REMINDER"
	TaskKindConfirmation TaskKind = "CONFIRMATION"
	TaskKindUpdate       TaskKind = "UPDATE"
)

func (k TaskKind) String() string { return string(k) }

func (k TaskKind) IsValid() bool {
	switch k {
	case TaskKindReminder, TaskKindConfirmation, TaskKindUpdate:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle state of a ScheduledTask.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusRetrying   TaskStatus = "RETRYING"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

func (s TaskStatus) String() string { return string(s) }

func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusRetrying, TaskStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

func ParseTaskStatusFromString(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid task status %q", ErrValidation, s)
	}
	return st, nil
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusProcessing, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusProcessing: {TaskStatusCompleted, TaskStatusFailed, TaskStatusRetrying, TaskStatusCancelled},
	TaskStatusRetrying:   {TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
}

// CanTransition reports whether a task may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DeliveryMethod is a notification channel.
type DeliveryMethod string

const (
	DeliveryMethodEmail DeliveryMethod = "EMAIL"
	DeliveryMethodSMS   DeliveryMethod = "SMS"
	DeliveryMethodPush  DeliveryMethod = "PUSH"
)

func (m DeliveryMethod) String() string { return string(m) }

func (m DeliveryMethod) IsValid() bool {
	switch m {
	case DeliveryMethodEmail, DeliveryMethodSMS, DeliveryMethodPush:
		return true
	}
	return false
}

func ParseDeliveryMethodFromString(s string) (DeliveryMethod, error) {
	m := DeliveryMethod(strings.ToUpper(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("%w: invalid delivery method %q", ErrValidation, s)
	}
	return m, nil
}

// QueueType names one of the independently configured dispatch queues.
type QueueType string

const (
	QueueImmediate   QueueType = "immediate"
	QueueScheduled   QueueType = "scheduled"
	QueueRetry       QueueType = "retry"
	QueueBulk        QueueType = "bulk"
	QueueLowPriority QueueType = "low_priority"
)

func (q QueueType) String() string { return string(q) }

func (q QueueType) IsValid() bool {
	switch q {
	case QueueImmediate, QueueScheduled, QueueRetry, QueueBulk, QueueLowPriority:
		return true
	}
	return false
}

func ParseQueueTypeFromString(s string) (QueueType, error) {
	q := QueueType(strings.ToLower(strings.TrimSpace(s)))
	if !q.IsValid() {
		return "", fmt.Errorf("%w: invalid queue type %q", ErrValidation, s)
	}
	return q, nil
}

// AllQueueTypes returns queue types in descending dispatch urgency.
func AllQueueTypes() []QueueType {
	return []QueueType{QueueImmediate, QueueScheduled, QueueRetry, QueueBulk, QueueLowPriority}
}

const DefaultTaskMaxRetries = 3

// ScheduledTask is a time-triggered notification owned by the scheduler
// until it is handed to a queue.
type ScheduledTask struct {
	ID              string
	Kind            TaskKind
	Priority        Priority
	ScheduledAt     time.Time
	AppointmentID   string
	RecipientID     string
	DeliveryMethod  DeliveryMethod
	FallbackMethods []DeliveryMethod
	Queue           QueueType
	Payload         map[string]any
	RetryCount      int
	MaxRetries      int
	EnqueueAttempts int
	Status          TaskStatus
	CreatedAt       time.Time
	LastAttemptAt   *time.Time
	LastError       string
}

// Less is the scheduler ordering: priority first, then scheduled time.
func (t *ScheduledTask) Less(other *ScheduledTask) bool {
	if t.Priority != other.Priority {
		return t.Priority < other.Priority
	}
	return t.ScheduledAt.Before(other.ScheduledAt)
}

// Transition moves the task to next, rejecting moves out of terminal states.
func (t *ScheduledTask) Transition(next TaskStatus) error {
	if t.Status == next {
		return nil
	}
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	return nil
}

func (t *ScheduledTask) Validate() error {
	if strings.TrimSpace(t.RecipientID) == "" {
		return fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	if !t.Kind.IsValid() {
		return fmt.Errorf("%w: invalid task kind %q", ErrValidation, t.Kind)
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %d", ErrValidation, t.Priority)
	}
	if !t.DeliveryMethod.IsValid() {
		return fmt.Errorf("%w: invalid delivery method %q", ErrValidation, t.DeliveryMethod)
	}
	for _, m := range t.FallbackMethods {
		if !m.IsValid() {
			return fmt.Errorf("%w: invalid fallback method %q", ErrValidation, m)
		}
	}
	if t.Queue != "" && !t.Queue.IsValid() {
		return fmt.Errorf("%w: invalid queue %q", ErrValidation, t.Queue)
	}
	if t.ScheduledAt.IsZero() {
		return fmt.Errorf("%w: scheduled time is required", ErrValidation)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrValidation)
	}
	return nil
}

// Clone returns a copy safe to hand outside the owning component.
func (t *ScheduledTask) Clone() *ScheduledTask {
	if t == nil {
		return nil
	}
	c := *t
	c.FallbackMethods = append([]DeliveryMethod(nil), t.FallbackMethods...)
	if t.Payload != nil {
		c.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	if t.LastAttemptAt != nil {
		at := *t.LastAttemptAt
		c.LastAttemptAt = &at
	}
	return &c
}
