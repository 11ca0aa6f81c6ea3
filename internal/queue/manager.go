package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"github.com/kursadbilgin/reminder-engine/internal/events"
	"github.com/kursadbilgin/reminder-engine/internal/observability"
	"github.com/kursadbilgin/reminder-engine/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultHealthInterval  = 30 * time.Second
	defaultRestartCooldown = time.Minute
	defaultStopTimeout     = 10 * time.Second

	degradedThreshold = 0.8
	criticalThreshold = 0.5
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

type Health struct {
	Score  float64                     `json:"score"`
	Status HealthStatus                `json:"status"`
	Active int                         `json:"active"`
	Total  int                         `json:"total"`
	Queues map[domain.QueueType]Status `json:"queues"`
}

// Manager owns one Queue per queue type and supervises their health.
type Manager struct {
	queues         map[domain.QueueType]*Queue
	logger         *zap.Logger
	metrics        *observability.Metrics
	now            func() time.Time
	healthInterval time.Duration
	cooldown       time.Duration

	mu      sync.Mutex
	running bool
}

type ManagerOption func(*Manager)

func WithHealthInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.healthInterval = d
		}
	}
}

// WithRestartCooldown sets how long a queue stays in ERROR before the
// health check restarts it.
func WithRestartCooldown(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.cooldown = d
		}
	}
}

// NewManager builds a queue per entry of configs, falling back to
// DefaultConfigs for any type not present. A nil limiter gives every queue
// its own in-memory limiter.
func NewManager(
	configs map[domain.QueueType]Config,
	processor Processor,
	limiter ratelimit.RateLimiter,
	sink events.Sink,
	logger *zap.Logger,
	opts ...ManagerOption,
) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("queue")

	defaults := DefaultConfigs()
	m := &Manager{
		queues:         make(map[domain.QueueType]*Queue, len(defaults)),
		logger:         logger,
		now:            time.Now,
		healthInterval: defaultHealthInterval,
		cooldown:       defaultRestartCooldown,
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, typ := range domain.AllQueueTypes() {
		cfg, ok := configs[typ]
		if !ok {
			cfg = defaults[typ]
		}
		q, err := NewQueue(typ, cfg, processor, limiter, sink, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create queue %s: %w", typ, err)
		}
		m.queues[typ] = q
	}

	return m, nil
}

func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
	for _, q := range m.queues {
		q.setMetrics(metrics)
	}
}

func (m *Manager) Queue(typ domain.QueueType) (*Queue, error) {
	q, ok := m.queues[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, typ)
	}
	return q, nil
}

// Enqueue routes payload to the queue of typ.
func (m *Manager) Enqueue(ctx context.Context, typ domain.QueueType, id string, priority domain.Priority, payload any) (*Message, error) {
	q, err := m.Queue(typ)
	if err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, id, priority, payload)
}

// Remove drops id from whichever queue buffers it.
func (m *Manager) Remove(id string) bool {
	removed := false
	for _, typ := range domain.AllQueueTypes() {
		if m.queues[typ].Remove(id) {
			removed = true
		}
	}
	return removed
}

func (m *Manager) StartQueue(ctx context.Context, typ domain.QueueType) error {
	q, err := m.Queue(typ)
	if err != nil {
		return err
	}
	return q.Start(ctx)
}

func (m *Manager) StopQueue(ctx context.Context, typ domain.QueueType) error {
	q, err := m.Queue(typ)
	if err != nil {
		return err
	}
	return q.Stop(ctx)
}

func (m *Manager) PauseQueue(typ domain.QueueType) error {
	q, err := m.Queue(typ)
	if err != nil {
		return err
	}
	return q.Pause()
}

func (m *Manager) ResumeQueue(typ domain.QueueType) error {
	q, err := m.Queue(typ)
	if err != nil {
		return err
	}
	return q.Resume()
}

func (m *Manager) RestartQueue(ctx context.Context, typ domain.QueueType) error {
	q, err := m.Queue(typ)
	if err != nil {
		return err
	}
	return q.Restart(ctx)
}

func (m *Manager) StartAll(ctx context.Context) error {
	for _, typ := range domain.AllQueueTypes() {
		if err := m.queues[typ].Start(ctx); err != nil {
			return fmt.Errorf("failed to start queue %s: %w", typ, err)
		}
	}
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, typ := range domain.AllQueueTypes() {
		if err := m.queues[typ].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) PauseAll() {
	for _, q := range m.queues {
		_ = q.Pause()
	}
}

func (m *Manager) ResumeAll() {
	for _, q := range m.queues {
		_ = q.Resume()
	}
}

// Run starts every queue, supervises their health until ctx is done and
// then stops them.
func (m *Manager) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("queue manager already running")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if err := m.StartAll(ctx); err != nil {
		return err
	}
	err := m.Supervise(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()
	if stopErr := m.StopAll(stopCtx); stopErr != nil {
		m.logger.Warn("queues did not stop cleanly", zap.Error(stopErr))
	}
	return err
}

// Supervise runs CheckHealth every health interval until ctx is done. It
// neither starts nor stops queues.
func (m *Manager) Supervise(ctx context.Context) error {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth restarts queues that have been in ERROR for at least the
// restart cooldown and returns the resulting health.
func (m *Manager) CheckHealth(ctx context.Context) Health {
	now := m.now()
	for _, typ := range domain.AllQueueTypes() {
		q := m.queues[typ]
		stats := q.Stats()
		if stats.Status != StatusError || stats.ErrorSince == nil {
			continue
		}
		if now.Sub(*stats.ErrorSince) < m.cooldown {
			continue
		}

		if err := q.Restart(ctx); err != nil {
			m.logger.Error("failed to restart queue", zap.String("queue", typ.String()), zap.Error(err))
			continue
		}
		m.logger.Info("queue restarted after error",
			zap.String("queue", typ.String()),
			zap.String("lastError", stats.LastError),
		)
	}
	return m.Health()
}

func (m *Manager) Health() Health {
	h := Health{
		Total:  len(m.queues),
		Queues: make(map[domain.QueueType]Status, len(m.queues)),
	}
	for typ, q := range m.queues {
		status := q.Status()
		h.Queues[typ] = status
		if status == StatusActive {
			h.Active++
		}
	}
	if h.Total > 0 {
		h.Score = float64(h.Active) / float64(h.Total)
	}

	switch {
	case h.Score < criticalThreshold:
		h.Status = HealthCritical
	case h.Score < degradedThreshold:
		h.Status = HealthDegraded
	default:
		h.Status = HealthHealthy
	}
	return h
}

// Stats returns per-queue stats in queue type order.
func (m *Manager) Stats() []Stats {
	out := make([]Stats, 0, len(m.queues))
	for _, typ := range domain.AllQueueTypes() {
		out = append(out, m.queues[typ].Stats())
	}
	return out
}
