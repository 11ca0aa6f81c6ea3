package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus is the lifecycle of a NotificationTask.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "PENDING"
	DeliveryStatusSent      DeliveryStatus = "SENT"
	DeliveryStatusFailed    DeliveryStatus = "FAILED"
	DeliveryStatusRetry     DeliveryStatus = "RETRY"
	DeliveryStatusAbandoned DeliveryStatus = "ABANDONED"
)

func (s DeliveryStatus) String() string { return string(s) }

// IsTerminal reports whether the notification task is immutable.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusSent || s == DeliveryStatusAbandoned
}

// FailureReason classifies why a delivery attempt failed.
type FailureReason string

const (
	FailureNone                 FailureReason = ""
	FailureNetworkError         FailureReason = "NETWORK_ERROR"
	FailureTimeout              FailureReason = "TIMEOUT"
	FailureRateLimited          FailureReason = "RATE_LIMITED"
	FailureAuthenticationFailed FailureReason = "AUTHENTICATION_FAILED"
	FailureInvalidRecipient     FailureReason = "INVALID_RECIPIENT"
	FailureServiceUnavailable   FailureReason = "SERVICE_UNAVAILABLE"
	FailureUnknown              FailureReason = "UNKNOWN"
)

func (r FailureReason) String() string { return string(r) }

// DeliveryAttempt records one physical send attempt.
type DeliveryAttempt struct {
	ID               string
	AttemptNumber    int
	Method           DeliveryMethod
	Recipient        string
	Status           DeliveryStatus
	ResponseTime     time.Duration
	FailureReason    FailureReason
	Error            string
	ProviderName     string
	ProviderResponse map[string]any
	AttemptedAt      time.Time
}

const DefaultMaxAttempts = 3

// DefaultRetryIntervals is used when a notification does not configure its own.
var DefaultRetryIntervals = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// NotificationTask is the delivery-layer unit dispatched for one ScheduledTask.
type NotificationTask struct {
	ID              string
	SourceTaskID    string
	AppointmentID   string
	RecipientID     string
	Message         string
	Metadata        map[string]any
	PrimaryMethod   DeliveryMethod
	FallbackMethods []DeliveryMethod
	Priority        Priority
	MaxAttempts     int
	RetryIntervals  []time.Duration
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Attempts        []DeliveryAttempt
	Status          DeliveryStatus
	NextRetryAt     *time.Time
	CompletedAt     *time.Time
	LastError       string
}

// Methods returns the primary method followed by the fallbacks, without duplicates.
func (n *NotificationTask) Methods() []DeliveryMethod {
	methods := make([]DeliveryMethod, 0, 1+len(n.FallbackMethods))
	seen := make(map[DeliveryMethod]struct{}, 1+len(n.FallbackMethods))
	for _, m := range append([]DeliveryMethod{n.PrimaryMethod}, n.FallbackMethods...) {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		methods = append(methods, m)
	}
	return methods
}

// AttemptsFor counts attempts made with the given method.
func (n *NotificationTask) AttemptsFor(method DeliveryMethod) int {
	count := 0
	for _, a := range n.Attempts {
		if a.Method == method {
			count++
		}
	}
	return count
}

// MethodRejectedRecipient reports whether the recipient could not be resolved
// for method on an earlier attempt.
func (n *NotificationTask) MethodRejectedRecipient(method DeliveryMethod) bool {
	for _, a := range n.Attempts {
		if a.Method == method && a.FailureReason == FailureInvalidRecipient {
			return true
		}
	}
	return false
}

// RetryDelay picks the interval for the next retry. Attempt counts past the
// configured list reuse the last interval.
func (n *NotificationTask) RetryDelay() time.Duration {
	intervals := n.RetryIntervals
	if len(intervals) == 0 {
		intervals = DefaultRetryIntervals
	}
	idx := min(len(n.Attempts), len(intervals)-1)
	return intervals[idx]
}

func (n *NotificationTask) Validate() error {
	if strings.TrimSpace(n.RecipientID) == "" {
		return fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	if strings.TrimSpace(n.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if !n.PrimaryMethod.IsValid() {
		return fmt.Errorf("%w: invalid primary method %q", ErrValidation, n.PrimaryMethod)
	}
	for _, m := range n.FallbackMethods {
		if !m.IsValid() {
			return fmt.Errorf("%w: invalid fallback method %q", ErrValidation, m)
		}
	}
	if n.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be positive", ErrValidation)
	}
	for _, d := range n.RetryIntervals {
		if d < 0 {
			return fmt.Errorf("%w: retry intervals must not be negative", ErrValidation)
		}
	}
	return nil
}

// Clone returns a deep copy for status snapshots.
func (n *NotificationTask) Clone() *NotificationTask {
	if n == nil {
		return nil
	}
	c := *n
	c.FallbackMethods = append([]DeliveryMethod(nil), n.FallbackMethods...)
	c.RetryIntervals = append([]time.Duration(nil), n.RetryIntervals...)
	c.Attempts = append([]DeliveryAttempt(nil), n.Attempts...)
	if n.Metadata != nil {
		c.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	if n.NextRetryAt != nil {
		at := *n.NextRetryAt
		c.NextRetryAt = &at
	}
	if n.CompletedAt != nil {
		at := *n.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
