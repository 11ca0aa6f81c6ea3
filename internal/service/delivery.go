package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/reminder-engine/internal/circuitbreaker"
	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"github.com/kursadbilgin/reminder-engine/internal/events"
	"github.com/kursadbilgin/reminder-engine/internal/observability"
	"github.com/kursadbilgin/reminder-engine/internal/provider"
	"github.com/kursadbilgin/reminder-engine/internal/ratelimit"
	"github.com/kursadbilgin/reminder-engine/internal/recovery"
	"github.com/kursadbilgin/reminder-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultNotificationExpiry = 24 * time.Hour
	cancelledReason           = "cancelled"
	// retryClaimTTL bounds how long a swept notification stays claimed when
	// its queue message never reaches a worker.
	retryClaimTTL = 5 * time.Minute
)

// Resolver looks up the address of a recipient for one delivery method. It
// returns an error wrapping domain.ErrContactNotFound when there is none.
type Resolver interface {
	ResolveContact(ctx context.Context, recipientID string, method domain.DeliveryMethod) (string, error)
}

// NotificationRequest describes a notification to deliver.
type NotificationRequest struct {
	SourceTaskID    string
	AppointmentID   string
	RecipientID     string
	Message         string
	Metadata        map[string]any
	PrimaryMethod   domain.DeliveryMethod
	FallbackMethods []domain.DeliveryMethod
	Priority        domain.Priority
	ExpiresIn       time.Duration
	MaxAttempts     int
	RetryIntervals  []time.Duration
}

// NotificationCancelHook runs after a notification was cancelled.
type NotificationCancelHook func(ctx context.Context, n *domain.NotificationTask)

type DeliveryStats struct {
	Scheduled int64 `json:"scheduled"`
	Sent      int64 `json:"sent"`
	Retried   int64 `json:"retried"`
	Abandoned int64 `json:"abandoned"`
	Attempts  int64 `json:"attempts"`
	Tracked   int   `json:"tracked"`
}

// DeliveryManager sends notifications over their primary method and falls
// back to the others, scheduling retries until the attempt budget or the
// expiry runs out.
type DeliveryManager struct {
	providers     *provider.Registry
	breakers      *circuitbreaker.Registry
	resolver      Resolver
	limiter       ratelimit.RateLimiter
	recovery      *recovery.Manager
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	sink          events.Sink
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
	defaultExpiry time.Duration

	mu       sync.Mutex
	tasks    map[string]*domain.NotificationTask
	bySource map[string]string
	inFlight map[string]struct{}
	queued   map[string]time.Time
	onCancel []NotificationCancelHook
	stats    DeliveryStats
}

type DeliveryDeps struct {
	Providers     *provider.Registry
	Breakers      *circuitbreaker.Registry
	Resolver      Resolver
	Limiter       ratelimit.RateLimiter
	Recovery      *recovery.Manager
	Notifications repository.NotificationRepository
	Attempts      repository.AttemptRepository
	Sink          events.Sink
}

func NewDeliveryManager(deps DeliveryDeps, logger *zap.Logger) (*DeliveryManager, error) {
	if deps.Providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("recipient resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Breakers == nil {
		deps.Breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), nil, logger)
	}

	return &DeliveryManager{
		providers:     deps.Providers,
		breakers:      deps.Breakers,
		resolver:      deps.Resolver,
		limiter:       deps.Limiter,
		recovery:      deps.Recovery,
		notifications: deps.Notifications,
		attempts:      deps.Attempts,
		sink:          events.OrNop(deps.Sink),
		logger:        logger.Named("delivery"),
		now:           time.Now,
		defaultExpiry: defaultNotificationExpiry,
		tasks:         make(map[string]*domain.NotificationTask),
		bySource:      make(map[string]string),
		inFlight:      make(map[string]struct{}),
		queued:        make(map[string]time.Time),
	}, nil
}

func (m *DeliveryManager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

func (m *DeliveryManager) OnCancel(hook NotificationCancelHook) {
	if hook == nil {
		return
	}
	m.mu.Lock()
	m.onCancel = append(m.onCancel, hook)
	m.mu.Unlock()
}

// ScheduleNotification registers a notification due immediately and
// returns its id.
func (m *DeliveryManager) ScheduleNotification(ctx context.Context, req NotificationRequest) (string, error) {
	now := m.now()
	expiresIn := req.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = m.defaultExpiry
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	priority := req.Priority
	if priority == 0 {
		priority = domain.PriorityNormal
	}

	n := &domain.NotificationTask{
		ID:              uuid.NewString(),
		SourceTaskID:    req.SourceTaskID,
		AppointmentID:   req.AppointmentID,
		RecipientID:     req.RecipientID,
		Message:         req.Message,
		Metadata:        req.Metadata,
		PrimaryMethod:   req.PrimaryMethod,
		FallbackMethods: append([]domain.DeliveryMethod(nil), req.FallbackMethods...),
		Priority:        priority,
		MaxAttempts:     maxAttempts,
		RetryIntervals:  append([]time.Duration(nil), req.RetryIntervals...),
		CreatedAt:       now,
		ExpiresAt:       now.Add(expiresIn),
		Status:          domain.DeliveryStatusPending,
		NextRetryAt:     &now,
	}
	if err := n.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	if req.SourceTaskID != "" {
		if existing, ok := m.bySource[req.SourceTaskID]; ok {
			m.mu.Unlock()
			return existing, nil
		}
		m.bySource[req.SourceTaskID] = n.ID
	}
	m.tasks[n.ID] = n
	m.stats.Scheduled++
	snapshot := n.Clone()
	m.mu.Unlock()

	m.save(ctx, snapshot, nil)
	m.notificationLogger(ctx, snapshot).Info("notification scheduled",
		zap.String("method", snapshot.PrimaryMethod.String()),
		zap.Int("maxAttempts", snapshot.MaxAttempts),
	)
	return n.ID, nil
}

// GetStatus returns a copy of the notification, reading through to the
// store for notifications no longer held in memory.
func (m *DeliveryManager) GetStatus(ctx context.Context, id string) (*domain.NotificationTask, error) {
	m.mu.Lock()
	n, ok := m.tasks[id]
	var snapshot *domain.NotificationTask
	if ok {
		snapshot = n.Clone()
	}
	m.mu.Unlock()
	if ok {
		return snapshot, nil
	}

	if m.notifications != nil {
		return m.notifications.GetByID(ctx, id)
	}
	return nil, fmt.Errorf("%w: notification %s", domain.ErrNotFound, id)
}

// ForSource returns the notification created for a scheduled task.
func (m *DeliveryManager) ForSource(taskID string) (*domain.NotificationTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.bySource[taskID]
	if !ok {
		return nil, false
	}
	n, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Cancel abandons a notification that has not reached a terminal status.
// An attempt already in progress completes but its outcome is discarded.
func (m *DeliveryManager) Cancel(ctx context.Context, id string) bool {
	m.mu.Lock()
	n, ok := m.tasks[id]
	if !ok || n.Status.IsTerminal() {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	n.Status = domain.DeliveryStatusAbandoned
	n.LastError = cancelledReason
	n.NextRetryAt = nil
	n.CompletedAt = &now
	m.stats.Abandoned++
	snapshot := n.Clone()
	hooks := append([]NotificationCancelHook(nil), m.onCancel...)
	m.mu.Unlock()

	m.save(ctx, snapshot, nil)
	m.emit(ctx, snapshot, events.NotificationAbandoned, events.SeverityInfo, "reason", cancelledReason)
	m.notificationLogger(ctx, snapshot).Info("notification cancelled")
	for _, hook := range hooks {
		hook(ctx, snapshot.Clone())
	}
	return true
}

// CancelSource cancels the notification of a scheduled task.
func (m *DeliveryManager) CancelSource(ctx context.Context, taskID string) bool {
	m.mu.Lock()
	id, ok := m.bySource[taskID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.Cancel(ctx, id)
}

// Deliver runs one delivery cycle over the notification's methods and
// returns the updated notification.
func (m *DeliveryManager) Deliver(ctx context.Context, id string) (*domain.NotificationTask, error) {
	m.mu.Lock()
	stored, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: notification %s", domain.ErrNotFound, id)
	}
	if stored.Status.IsTerminal() {
		snapshot := stored.Clone()
		m.mu.Unlock()
		return snapshot, nil
	}
	if _, busy := m.inFlight[id]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: notification %s is already being delivered", domain.ErrConflict, id)
	}
	m.inFlight[id] = struct{}{}
	delete(m.queued, id)
	work := stored.Clone()
	m.mu.Unlock()

	before := len(work.Attempts)
	now := m.now()
	sent := false
	reason := ""
	if work.ExpiresAt.Before(now) {
		reason = "expired"
	} else if len(work.Attempts) >= work.MaxAttempts {
		reason = "max attempts reached"
	} else {
		sent = m.runCycle(ctx, work)
	}

	now = m.now()
	switch {
	case sent:
		work.Status = domain.DeliveryStatusSent
		work.NextRetryAt = nil
		work.CompletedAt = &now
		work.LastError = ""
	case reason != "":
		m.abandon(work, now, reason)
	case len(work.Attempts) >= work.MaxAttempts:
		m.abandon(work, now, "max attempts reached")
	case work.ExpiresAt.Before(now):
		m.abandon(work, now, "expired")
	default:
		next := now.Add(work.RetryDelay())
		work.Status = domain.DeliveryStatusRetry
		work.NextRetryAt = &next
	}

	m.mu.Lock()
	delete(m.inFlight, id)
	current, ok := m.tasks[id]
	if !ok || current.Status.IsTerminal() {
		if !ok {
			current = work
		}
		snapshot := current.Clone()
		m.mu.Unlock()
		m.notificationLogger(ctx, snapshot).Info("notification cancelled during delivery, outcome discarded",
			zap.String("outcome", work.Status.String()),
		)
		return snapshot, nil
	}
	m.tasks[id] = work
	m.stats.Attempts += int64(len(work.Attempts) - before)
	switch work.Status {
	case domain.DeliveryStatusSent:
		m.stats.Sent++
	case domain.DeliveryStatusAbandoned:
		m.stats.Abandoned++
	case domain.DeliveryStatusRetry:
		m.stats.Retried++
	}
	snapshot := work.Clone()
	m.mu.Unlock()

	m.save(ctx, snapshot, snapshot.Attempts[before:])
	m.report(ctx, snapshot)
	return snapshot, nil
}

func (m *DeliveryManager) abandon(n *domain.NotificationTask, now time.Time, reason string) {
	n.Status = domain.DeliveryStatusAbandoned
	n.NextRetryAt = nil
	n.CompletedAt = &now
	if n.LastError == "" {
		n.LastError = reason
	} else {
		n.LastError = reason + ": " + n.LastError
	}
}

// runCycle tries each method in order until one succeeds or the attempt
// budget is spent. It reports whether the notification was sent.
func (m *DeliveryManager) runCycle(ctx context.Context, n *domain.NotificationTask) bool {
	for _, method := range n.Methods() {
		if len(n.Attempts) >= n.MaxAttempts {
			return false
		}
		if n.MethodRejectedRecipient(method) {
			m.metrics.IncDeliverySkipped(method.String(), "invalid_recipient")
			continue
		}
		if m.attempt(ctx, n, method) {
			return true
		}
	}
	return false
}

func (m *DeliveryManager) attempt(ctx context.Context, n *domain.NotificationTask, method domain.DeliveryMethod) bool {
	logger := m.notificationLogger(ctx, n).With(zap.String("method", method.String()))

	address, err := m.resolver.ResolveContact(ctx, n.RecipientID, method)
	if err == nil && strings.TrimSpace(address) == "" {
		err = fmt.Errorf("%w: %s/%s", domain.ErrContactNotFound, n.RecipientID, method)
	}
	if err != nil {
		m.recordAttempt(n, method, "", "", nil, domain.FailureInvalidRecipient, err, 0)
		logger.Warn("recipient contact could not be resolved", zap.Error(err))
		m.handleError(ctx, n, method, "resolve_contact", err)
		return false
	}

	if m.limiter != nil {
		allowed, limitErr := m.limiter.Allow(ctx, method.String(), n.RecipientID)
		if limitErr != nil {
			logger.Warn("delivery rate limit check failed, allowing send", zap.Error(limitErr))
		} else if !allowed {
			m.metrics.IncDeliverySkipped(method.String(), "rate_limited")
			logger.Info("delivery rate limited, skipping method for this cycle")
			return false
		}
	}

	p, err := m.providers.Available(method)
	if err != nil {
		m.recordAttempt(n, method, address, "", nil, domain.FailureServiceUnavailable, err, 0)
		logger.Warn("no provider available", zap.Error(err))
		m.handleError(ctx, n, method, "select_provider", err)
		return false
	}

	breaker := m.breakers.Get(circuitbreaker.NameFor(method.String()))
	metadata := sendMetadata(n)
	var result *provider.SendResult
	start := m.now()
	callErr := breaker.Call(ctx, func(ctx context.Context) error {
		res, sendErr := p.Send(ctx, address, n.Message, metadata)
		result = res
		if sendErr != nil {
			return sendErr
		}
		if res == nil || !res.Success {
			msg := "provider reported failure"
			if res != nil && res.Error != "" {
				msg = res.Error
			}
			return errors.New(msg)
		}
		return nil
	})

	if errors.Is(callErr, circuitbreaker.ErrOpen) {
		m.metrics.IncDeliverySkipped(method.String(), "circuit_open")
		logger.Info("circuit open, skipping method for this cycle", zap.Error(callErr))
		return false
	}

	elapsed := m.now().Sub(start)
	if result != nil && result.ResponseTime > 0 {
		elapsed = result.ResponseTime
	}
	var response map[string]any
	if result != nil {
		response = result.ProviderResponse
	}
	m.metrics.ObserveDeliverySendDuration(method.String(), elapsed)

	if callErr == nil {
		m.recordAttempt(n, method, address, p.Name(), response, domain.FailureNone, nil, elapsed)
		logger.Info("notification delivered", zap.String("provider", p.Name()), zap.Duration("responseTime", elapsed))
		return true
	}

	reason := provider.FailureReasonOf(callErr)
	m.recordAttempt(n, method, address, p.Name(), response, reason, callErr, elapsed)
	logger.Warn("delivery attempt failed",
		zap.String("provider", p.Name()),
		zap.String("reason", reason.String()),
		zap.Error(callErr),
	)
	m.handleError(ctx, n, method, "send", callErr)
	return false
}

func (m *DeliveryManager) recordAttempt(
	n *domain.NotificationTask,
	method domain.DeliveryMethod,
	address string,
	providerName string,
	response map[string]any,
	reason domain.FailureReason,
	err error,
	elapsed time.Duration,
) {
	status := domain.DeliveryStatusSent
	errMsg := ""
	if err != nil {
		status = domain.DeliveryStatusFailed
		errMsg = err.Error()
		n.LastError = errMsg
	}

	n.Attempts = append(n.Attempts, domain.DeliveryAttempt{
		ID:               uuid.NewString(),
		AttemptNumber:    len(n.Attempts) + 1,
		Method:           method,
		Recipient:        address,
		Status:           status,
		ResponseTime:     elapsed,
		FailureReason:    reason,
		Error:            errMsg,
		ProviderName:     providerName,
		ProviderResponse: response,
		AttemptedAt:      m.now(),
	})
	m.metrics.IncDeliveryAttempt(method.String(), reason.String())
}

// handleError hands a send failure to the recovery manager for recording,
// classification and escalation. Retrying is driven by the delivery cycle.
func (m *DeliveryManager) handleError(ctx context.Context, n *domain.NotificationTask, method domain.DeliveryMethod, fn string, err error) {
	if m.recovery == nil {
		return
	}
	_, _ = m.recovery.Handle(ctx, err, recovery.ErrorContext{
		Component:      "delivery",
		Function:       fn,
		UserID:         n.RecipientID,
		AppointmentID:  n.AppointmentID,
		NotificationID: n.ID,
		Metadata: map[string]string{
			"method":  method.String(),
			"attempt": strconv.Itoa(len(n.Attempts)),
			"taskId":  n.SourceTaskID,
		},
	}, nil)
}

func (m *DeliveryManager) report(ctx context.Context, n *domain.NotificationTask) {
	logger := m.notificationLogger(ctx, n).With(zap.Int("attempts", len(n.Attempts)))

	switch n.Status {
	case domain.DeliveryStatusSent:
		method := n.PrimaryMethod
		if len(n.Attempts) > 0 {
			method = n.Attempts[len(n.Attempts)-1].Method
		}
		m.metrics.IncNotificationSent(method.String())
		m.emit(ctx, n, events.NotificationSent, events.SeverityInfo, "method", method.String())
	case domain.DeliveryStatusRetry:
		m.metrics.IncRetryScheduled(n.PrimaryMethod.String())
		m.emit(ctx, n, events.NotificationRetry, events.SeverityWarning,
			"nextRetryAt", n.NextRetryAt.UTC().Format(time.RFC3339),
			"error", n.LastError,
		)
		logger.Info("notification retry scheduled", zap.Time("nextRetryAt", *n.NextRetryAt))
	case domain.DeliveryStatusAbandoned:
		m.metrics.IncNotificationAbandoned()
		m.emit(ctx, n, events.NotificationAbandoned, events.SeverityError, "reason", n.LastError)
		logger.Error("notification abandoned", zap.String("reason", n.LastError))
	}
}

// DueForRetry claims notifications whose next attempt time has passed so a
// single sweep enqueues each of them once. Release undoes a claim.
func (m *DeliveryManager) DueForRetry(limit int) []*domain.NotificationTask {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*domain.NotificationTask
	for id, n := range m.tasks {
		if limit > 0 && len(due) >= limit {
			break
		}
		if n.Status != domain.DeliveryStatusRetry && n.Status != domain.DeliveryStatusPending {
			continue
		}
		if n.NextRetryAt == nil || n.NextRetryAt.After(now) {
			continue
		}
		if claimed, ok := m.queued[id]; ok && now.Sub(claimed) < retryClaimTTL {
			continue
		}
		if _, ok := m.inFlight[id]; ok {
			continue
		}
		m.queued[id] = now
		due = append(due, n.Clone())
	}
	return due
}

func (m *DeliveryManager) Release(id string) {
	m.mu.Lock()
	delete(m.queued, id)
	m.mu.Unlock()
}

// Recover reloads unfinished notifications from the store.
func (m *DeliveryManager) Recover(ctx context.Context) (int, error) {
	if m.notifications == nil {
		return 0, nil
	}

	stored, err := m.notifications.ListByStatus(ctx, []domain.DeliveryStatus{
		domain.DeliveryStatusPending,
		domain.DeliveryStatusRetry,
	}, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to load notifications: %w", err)
	}

	m.mu.Lock()
	loaded := 0
	for _, n := range stored {
		if n == nil {
			continue
		}
		if _, ok := m.tasks[n.ID]; ok {
			continue
		}
		m.tasks[n.ID] = n
		if n.SourceTaskID != "" {
			m.bySource[n.SourceTaskID] = n.ID
		}
		loaded++
	}
	m.mu.Unlock()

	if loaded > 0 {
		m.logger.Info("notifications recovered", zap.Int("count", loaded))
	}
	return loaded, nil
}

// Prune drops terminal notifications completed before cutoff from memory.
func (m *DeliveryManager) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for id, n := range m.tasks {
		if !n.Status.IsTerminal() || n.CompletedAt == nil || n.CompletedAt.After(cutoff) {
			continue
		}
		delete(m.tasks, id)
		if n.SourceTaskID != "" {
			delete(m.bySource, n.SourceTaskID)
		}
		pruned++
	}
	return pruned
}

// PruneFinished drops terminal notifications completed more than retention
// ago. They stay readable through GetStatus when a store is configured.
func (m *DeliveryManager) PruneFinished(retention time.Duration) int {
	return m.Prune(m.now().Add(-retention))
}

func (m *DeliveryManager) Stats() DeliveryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.Tracked = len(m.tasks)
	return s
}

func (m *DeliveryManager) save(ctx context.Context, n *domain.NotificationTask, attempts []domain.DeliveryAttempt) {
	logger := m.notificationLogger(ctx, n)
	if m.notifications != nil {
		if err := m.notifications.Save(ctx, n); err != nil {
			logger.Warn("failed to persist notification", zap.Error(err))
		}
	}
	if m.attempts == nil {
		return
	}
	for _, a := range attempts {
		if err := m.attempts.Create(ctx, n.ID, a); err != nil {
			logger.Warn("failed to persist delivery attempt", zap.Int("attemptNumber", a.AttemptNumber), zap.Error(err))
		}
	}
}

func (m *DeliveryManager) emit(ctx context.Context, n *domain.NotificationTask, typ events.Type, severity events.Severity, kv ...string) {
	fields := []string{
		"notificationId", n.ID,
		"taskId", n.SourceTaskID,
		"appointmentId", n.AppointmentID,
		"recipientId", n.RecipientID,
		"status", n.Status.String(),
		"attempts", strconv.Itoa(len(n.Attempts)),
	}
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		fields = append(fields, "correlationId", correlationID)
	}
	m.sink.Emit(ctx, events.New(typ, severity, append(fields, kv...)...))
}

func (m *DeliveryManager) notificationLogger(ctx context.Context, n *domain.NotificationTask) *zap.Logger {
	return observability.WithContextLogger(m.logger, ctx).With(
		zap.String("notificationId", n.ID),
		zap.String("taskId", n.SourceTaskID),
		zap.String("appointmentId", n.AppointmentID),
	)
}

func sendMetadata(n *domain.NotificationTask) map[string]any {
	metadata := make(map[string]any, len(n.Metadata)+3)
	for k, v := range n.Metadata {
		metadata[k] = v
	}
	metadata["notificationId"] = n.ID
	metadata["attempt"] = len(n.Attempts) + 1
	if n.AppointmentID != "" {
		metadata["appointmentId"] = n.AppointmentID
	}
	return metadata
}
