package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"github.com/kursadbilgin/reminder-engine/internal/observability"
	"github.com/kursadbilgin/reminder-engine/internal/provider"
	"go.uber.org/zap"
)

const (
	defaultRetryScanInterval = 10 * time.Second
	defaultRetryScanLimit    = 100
	defaultProviderCooldown  = 5 * time.Minute
	defaultRetention         = time.Hour
	retryMessagePrefix       = "retry:"
)

// RetryScanner periodically re-enqueues notifications whose retry time has
// arrived and restores providers whose unavailability cooldown elapsed.
type RetryScanner struct {
	delivery  *DeliveryManager
	enqueuer  Enqueuer
	providers *provider.Registry
	logger    *zap.Logger
	interval  time.Duration
	limit     int
	cooldown  time.Duration
	retention time.Duration
}

func NewRetryScanner(
	delivery *DeliveryManager,
	enqueuer Enqueuer,
	providers *provider.Registry,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*RetryScanner, error) {
	if delivery == nil {
		return nil, fmt.Errorf("delivery manager is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("enqueuer is required")
	}
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	if limit <= 0 {
		limit = defaultRetryScanLimit
	}

	return &RetryScanner{
		delivery:  delivery,
		enqueuer:  enqueuer,
		providers: providers,
		logger:    observability.ComponentLogger(logger, "retry_scanner"),
		interval:  interval,
		limit:     limit,
		cooldown:  defaultProviderCooldown,
		retention: defaultRetention,
	}, nil
}

// SetProviderCooldown sets how long a provider stays unavailable before
// the sweep offers it again.
func (s *RetryScanner) SetProviderCooldown(d time.Duration) {
	if d > 0 {
		s.cooldown = d
	}
}

// SetRetention sets how long finished notifications stay in memory.
func (s *RetryScanner) SetRetention(d time.Duration) {
	if d > 0 {
		s.retention = d
	}
}

func (s *RetryScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial sweep so already-due retries do not wait for the first ticker edge.
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *RetryScanner) RunOnce(ctx context.Context) error {
	s.Sweep(ctx)
	return nil
}

// Sweep enqueues due retries onto the retry queue and returns how many were
// accepted. Rejected ones stay due for the next sweep. Finished notifications
// past the retention are dropped from memory.
func (s *RetryScanner) Sweep(ctx context.Context) int {
	if s.providers != nil {
		if restored := s.providers.RestoreExpired(s.cooldown); len(restored) > 0 {
			s.logger.Info("providers restored after cooldown", zap.Strings("providers", restored))
		}
	}

	enqueued := 0
	for _, n := range s.delivery.DueForRetry(s.limit) {
		if ctx.Err() != nil {
			s.delivery.Release(n.ID)
			continue
		}

		payload := Dispatch{TaskID: n.SourceTaskID, NotificationID: n.ID}
		_, err := s.enqueuer.Enqueue(ctx, domain.QueueRetry, retryMessagePrefix+n.ID, n.Priority, payload)
		if err != nil {
			s.delivery.Release(n.ID)
			s.logger.Warn("failed to enqueue due retry",
				zap.String("notificationId", n.ID),
				zap.String("taskId", n.SourceTaskID),
				zap.String("reason", enqueueFailureReason(err)),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Debug("due retries enqueued", zap.Int("count", enqueued))
	}
	if pruned := s.delivery.PruneFinished(s.retention); pruned > 0 {
		s.logger.Debug("finished notifications pruned", zap.Int("count", pruned))
	}
	return enqueued
}
