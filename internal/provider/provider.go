package provider

import (
	"context"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
)

// DeliveryProvider is the outbound send port for one delivery method.
type DeliveryProvider interface {
	Name() string
	Method() domain.DeliveryMethod
	Send(ctx context.Context, recipient string, message string, metadata map[string]any) (*SendResult, error)
}

// SendResult is the outcome of one provider call. A provider may report a
// failure either as an error or as Success=false with Error set.
type SendResult struct {
	Success          bool
	ResponseTime     time.Duration
	Error            string
	ProviderResponse map[string]any
}
