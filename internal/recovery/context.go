package recovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/circuitbreaker"
	"github.com/kursadbilgin/reminder-engine/internal/domain"
)

type Category string

const (
	CategoryNetwork         Category = "network"
	CategoryDatabase        Category = "database"
	CategoryAuthentication  Category = "authentication"
	CategoryValidation      Category = "validation"
	CategoryExternalService Category = "external_service"
	CategorySystem          Category = "system"
	CategoryBusinessLogic   Category = "business_logic"
	CategoryUnknown         Category = "unknown"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ErrorContext describes one handled error. Callers fill in where it came
// from; Handle completes the rest and treats the value as immutable.
type ErrorContext struct {
	ID             string            `json:"id"`
	Component      string            `json:"component"`
	Function       string            `json:"function"`
	Category       Category          `json:"category"`
	Severity       Severity          `json:"severity"`
	Message        string            `json:"message"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	AppointmentID  string            `json:"appointmentId,omitempty"`
	NotificationID string            `json:"notificationId,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

type messageRule struct {
	category Category
	needles  []string
}

// Order matters: the first rule with a matching needle wins.
var messageRules = []messageRule{
	{CategorySystem, []string{"out of memory", "panic", "no space left", "too many open files", "disk full"}},
	{CategoryAuthentication, []string{"unauthorized", "forbidden", "authentication", "invalid token", "api key", "status 401", "status 403"}},
	{CategoryDatabase, []string{"database", "sql", "postgres", "gorm", "deadlock", "duplicate key", "relation"}},
	{CategoryNetwork, []string{"connection refused", "connection reset", "network", "timeout", "timed out", "dial", "eof", "no such host"}},
	{CategoryExternalService, []string{"provider", "service unavailable", "bad gateway", "status 502", "status 503", "status 504", "circuit breaker"}},
	{CategoryValidation, []string{"validation", "invalid", "required", "malformed"}},
	{CategoryBusinessLogic, []string{"not found", "conflict", "transition", "already"}},
}

// Classify derives a category from the error chain first and the message second.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return CategoryExternalService
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrContactNotFound):
		return CategoryValidation
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		return CategoryBusinessLogic
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}

// DefaultSeverity maps a category to the severity used when the caller gives none.
func DefaultSeverity(category Category) Severity {
	switch category {
	case CategorySystem:
		return SeverityCritical
	case CategoryAuthentication, CategoryDatabase:
		return SeverityHigh
	case CategoryValidation, CategoryBusinessLogic:
		return SeverityLow
	default:
		return SeverityMedium
	}
}
