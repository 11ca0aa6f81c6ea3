package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	RedisURL    string `env:"REDIS_URL"`

	EmailWebhookURL string `env:"EMAIL_WEBHOOK_URL"`
	SMSWebhookURL   string `env:"SMS_WEBHOOK_URL"`
	PushWebhookURL  string `env:"PUSH_WEBHOOK_URL"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	SchedulerIntervalRaw   string `env:"SCHEDULER_INTERVAL,default=30s"`
	RetrySweepIntervalRaw  string `env:"RETRY_SWEEP_INTERVAL,default=10s"`
	QueueHealthIntervalRaw string `env:"QUEUE_HEALTH_INTERVAL,default=15s"`
	SchedulerEnabled       bool   `env:"SCHEDULER_ENABLED,default=true"`
	RetrySweepEnabled      bool   `env:"RETRY_SWEEP_ENABLED,default=true"`
	QueueHealthEnabled     bool   `env:"QUEUE_HEALTH_ENABLED,default=true"`

	BreakerFailureThreshold int     `env:"BREAKER_FAILURE_THRESHOLD,default=5"`
	BreakerFailureRate      float64 `env:"BREAKER_FAILURE_RATE,default=0.5"`
	BreakerMinimumCalls     int     `env:"BREAKER_MINIMUM_CALLS,default=10"`
	BreakerWindowSize       int     `env:"BREAKER_WINDOW_SIZE,default=20"`
	BreakerSlowCallMS       int     `env:"BREAKER_SLOW_CALL_MS,default=5000"`
	BreakerSuccessThreshold int     `env:"BREAKER_SUCCESS_THRESHOLD,default=3"`
	BreakerTimeoutRaw       string  `env:"BREAKER_TIMEOUT,default=60s"`

	DeliveryRateLimitPerMin  int    `env:"DELIVERY_RATE_LIMIT_PER_MIN,default=60"`
	ProviderTimeoutRaw       string `env:"PROVIDER_TIMEOUT,default=10s"`
	NotificationRetentionRaw string `env:"NOTIFICATION_RETENTION,default=1h"`
	EnqueueBackoffRaw        string `env:"ENQUEUE_BACKOFF,default=60s;300s;900s"`

	SchedulerInterval   time.Duration
	RetrySweepInterval  time.Duration
	QueueHealthInterval time.Duration
	BreakerTimeout      time.Duration
	ProviderTimeout     time.Duration

	NotificationRetention time.Duration
	EnqueueBackoff        []time.Duration
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"SCHEDULER_INTERVAL", cfg.SchedulerIntervalRaw, &cfg.SchedulerInterval},
		{"RETRY_SWEEP_INTERVAL", cfg.RetrySweepIntervalRaw, &cfg.RetrySweepInterval},
		{"QUEUE_HEALTH_INTERVAL", cfg.QueueHealthIntervalRaw, &cfg.QueueHealthInterval},
		{"BREAKER_TIMEOUT", cfg.BreakerTimeoutRaw, &cfg.BreakerTimeout},
		{"PROVIDER_TIMEOUT", cfg.ProviderTimeoutRaw, &cfg.ProviderTimeout},
		{"NOTIFICATION_RETENTION", cfg.NotificationRetentionRaw, &cfg.NotificationRetention},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return nil, fmt.Errorf("failed to load config: invalid %s %q: %w", d.name, d.raw, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("failed to load config: %s must be positive", d.name)
		}
		*d.dst = parsed
	}

	for _, raw := range strings.Split(cfg.EnqueueBackoffRaw, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("failed to load config: invalid ENQUEUE_BACKOFF entry %q", raw)
		}
		cfg.EnqueueBackoff = append(cfg.EnqueueBackoff, parsed)
	}

	if cfg.BreakerFailureRate <= 0 || cfg.BreakerFailureRate > 1 {
		return nil, fmt.Errorf("failed to load config: BREAKER_FAILURE_RATE must be in (0, 1]")
	}
	if cfg.DeliveryRateLimitPerMin < 0 {
		return nil, fmt.Errorf("failed to load config: DELIVERY_RATE_LIMIT_PER_MIN must not be negative")
	}
	return &cfg, nil
}

// BreakerSlowCall is the slow call threshold; zero disables it.
func (c *Config) BreakerSlowCall() time.Duration {
	return time.Duration(c.BreakerSlowCallMS) * time.Millisecond
}
