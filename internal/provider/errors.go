package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
)

// ErrNoProvider is returned when no available provider serves a method.
var ErrNoProvider = errors.New("no available provider")

// ProviderError classifies provider call failures as transient/permanent.
type ProviderError struct {
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

var reasonNeedles = []struct {
	reason  domain.FailureReason
	needles []string
}{
	{domain.FailureTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{domain.FailureRateLimited, []string{"rate limit", "too many requests", "throttl"}},
	{domain.FailureAuthenticationFailed, []string{"unauthorized", "forbidden", "authentication", "invalid api key", "invalid token"}},
	{domain.FailureInvalidRecipient, []string{"invalid recipient", "invalid address", "invalid phone", "unknown recipient", "no such user", "unregistered"}},
	{domain.FailureServiceUnavailable, []string{"service unavailable", "bad gateway", "maintenance", "no available provider", "circuit breaker"}},
	{domain.FailureNetworkError, []string{"connection", "network", "dial", "no such host", "eof", "broken pipe"}},
}

// FailureReasonOf maps a send error to the delivery failure taxonomy using
// status codes and error types first, then message substrings.
func FailureReasonOf(err error) domain.FailureReason {
	if err == nil {
		return domain.FailureNone
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.FailureTimeout
	case errors.Is(err, ErrNoProvider):
		return domain.FailureServiceUnavailable
	case errors.Is(err, domain.ErrContactNotFound):
		return domain.FailureInvalidRecipient
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.StatusCode > 0 {
		switch code := providerErr.StatusCode; {
		case code == http.StatusTooManyRequests:
			return domain.FailureRateLimited
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return domain.FailureAuthenticationFailed
		case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
			return domain.FailureTimeout
		case code == http.StatusNotFound || code == http.StatusUnprocessableEntity || code == http.StatusGone:
			return domain.FailureInvalidRecipient
		case code >= http.StatusInternalServerError:
			return domain.FailureServiceUnavailable
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.FailureTimeout
		}
		return domain.FailureNetworkError
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range reasonNeedles {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.reason
			}
		}
	}
	return domain.FailureUnknown
}
