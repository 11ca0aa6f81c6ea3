package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/reminder-engine/internal/domain"
)

const defaultWebhookTimeout = 10 * time.Second

type webhookRequest struct {
	To       string         `json:"to"`
	Channel  string         `json:"channel"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WebhookProvider delivers one method by POSTing JSON to an HTTP endpoint.
type WebhookProvider struct {
	name     string
	method   domain.DeliveryMethod
	client   *resty.Client
	endpoint string
	now      func() time.Time
}

var _ DeliveryProvider = (*WebhookProvider)(nil)

func NewWebhookProvider(name string, method domain.DeliveryMethod, endpoint string, timeout time.Duration) (*WebhookProvider, error) {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return NewWebhookProviderWithClient(name, method, endpoint, client)
}

func NewWebhookProviderWithClient(
	name string,
	method domain.DeliveryMethod,
	endpoint string,
	client *resty.Client,
) (*WebhookProvider, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if !method.IsValid() {
		return nil, fmt.Errorf("%w: invalid delivery method %q", domain.ErrValidation, method)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if strings.TrimSpace(name) == "" {
		name = "webhook_" + strings.ToLower(method.String())
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookProvider{
		name:     name,
		method:   method,
		client:   client,
		endpoint: trimmedEndpoint,
		now:      time.Now,
	}, nil
}

func (p *WebhookProvider) Name() string                  { return p.name }
func (p *WebhookProvider) Method() domain.DeliveryMethod { return p.method }

func (p *WebhookProvider) Send(ctx context.Context, recipient string, message string, metadata map[string]any) (*SendResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if strings.TrimSpace(recipient) == "" {
		return nil, fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}

	reqBody := webhookRequest{
		To:       recipient,
		Channel:  strings.ToLower(p.method.String()),
		Content:  message,
		Metadata: metadata,
	}

	start := p.now()
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(p.endpoint)
	elapsed := p.now().Sub(start)

	if err != nil {
		return &SendResult{ResponseTime: elapsed, Error: err.Error()}, &ProviderError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &SendResult{ResponseTime: elapsed, Error: "empty response"}, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())
	providerResponse := map[string]any{"statusCode": statusCode}
	if responseBody != "" {
		providerResponse["body"] = responseBody
	}
	if id := providerMessageID(response); id != "" {
		providerResponse["messageId"] = id
	}

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &SendResult{
			Success:          true,
			ResponseTime:     elapsed,
			ProviderResponse: providerResponse,
		}, nil
	}

	providerErr := &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
	return &SendResult{
		ResponseTime:     elapsed,
		Error:            providerErr.Error(),
		ProviderResponse: providerResponse,
	}, providerErr
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Request-ID", "X-Message-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
