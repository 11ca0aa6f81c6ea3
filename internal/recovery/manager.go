package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/reminder-engine/internal/events"
	"github.com/kursadbilgin/reminder-engine/internal/observability"
	"go.uber.org/zap"
)

const (
	defaultHistorySize  = 1000
	recentErrorsInStats = 20
)

// Result is returned only when the error was recovered.
type Result struct {
	ErrorID  string
	Strategy string
	Action   Action
	Attempts int
	Value    any
}

// Attempt records one execution of a recovery action.
type Attempt struct {
	ID            string        `json:"id"`
	ErrorID       string        `json:"errorId"`
	Strategy      string        `json:"strategy"`
	Action        Action        `json:"action"`
	AttemptNumber int           `json:"attemptNumber"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Alert is persisted for every escalated error.
type Alert struct {
	ID        string    `json:"id"`
	ErrorID   string    `json:"errorId"`
	Component string    `json:"component"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists recovery records for later analysis.
type Store interface {
	SaveError(ctx context.Context, ec ErrorContext) error
	SaveAttempt(ctx context.Context, attempt Attempt) error
	SaveAlert(ctx context.Context, alert Alert) error
}

type Stats struct {
	TotalErrors       int64              `json:"totalErrors"`
	ByCategory        map[Category]int64 `json:"byCategory"`
	BySeverity        map[Severity]int64 `json:"bySeverity"`
	ByComponent       map[string]int64   `json:"byComponent"`
	RecoveryAttempts  int64              `json:"recoveryAttempts"`
	RecoverySuccesses int64              `json:"recoverySuccesses"`
	SuccessRate       float64            `json:"successRate"`
	Escalations       int64              `json:"escalations"`
	Recent            []ErrorContext     `json:"recent"`
}

// Manager routes errors to the first matching strategy.
type Manager struct {
	strategies []Strategy
	store      Store
	sink       events.Sink
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	historySize int
	history     []ErrorContext
	attempts    []Attempt
	stats       Stats
}

func NewManager(strategies []Strategy, store Store, sink events.Sink, logger *zap.Logger) *Manager {
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		strategies:  strategies,
		store:       store,
		sink:        events.OrNop(sink),
		logger:      logger,
		now:         time.Now,
		sleep:       sleepContext,
		historySize: defaultHistorySize,
		stats: Stats{
			ByCategory:  make(map[Category]int64),
			BySeverity:  make(map[Severity]int64),
			ByComponent: make(map[string]int64),
		},
	}
}

func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	if m == nil {
		return
	}
	m.metrics = metrics
}

// Handle records err and tries to recover it. A non-nil Result means the
// caller may continue with Result.Value; otherwise the original error is
// returned and must propagate. A nil op leaves RETRY with nothing to re-run.
func (m *Manager) Handle(ctx context.Context, err error, ec ErrorContext, op Operation) (*Result, error) {
	if err == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ec = m.complete(err, ec)
	m.recordError(ctx, ec)

	logger := observability.WithContextLogger(m.logger, ctx).With(
		zap.String("errorId", ec.ID),
		zap.String("component", ec.Component),
		zap.String("category", string(ec.Category)),
		zap.String("severity", string(ec.Severity)),
	)

	strategy, ok := m.match(ec)
	escalated := false
	if ec.Severity == SeverityCritical {
		m.escalate(ctx, ec, logger)
		escalated = true
	}
	if !ok {
		logger.Debug("no recovery strategy matched", zap.Error(err))
		return nil, err
	}

	switch strategy.Action {
	case ActionIgnore:
		m.recordAttempt(ctx, ec, strategy, 1, nil, 0)
		return &Result{ErrorID: ec.ID, Strategy: strategy.Name, Action: ActionIgnore, Attempts: 1}, nil

	case ActionEscalate:
		if !escalated {
			m.escalate(ctx, ec, logger)
		}
		return nil, err

	case ActionRetry:
		if op == nil {
			return nil, err
		}
		return m.retry(ctx, err, ec, strategy, op, logger)

	case ActionFallback, ActionCircuitBreak:
		if strategy.Recover == nil {
			return nil, err
		}
		start := m.now()
		value, recoverErr := m.safeRecover(ctx, strategy.Recover, err, ec)
		m.recordAttempt(ctx, ec, strategy, 1, recoverErr, m.now().Sub(start))
		if recoverErr != nil {
			logger.Warn("recovery function failed", zap.String("strategy", strategy.Name), zap.Error(recoverErr))
			return nil, err
		}
		return &Result{ErrorID: ec.ID, Strategy: strategy.Name, Action: strategy.Action, Attempts: 1, Value: value}, nil
	}

	return nil, err
}

func (m *Manager) retry(
	ctx context.Context,
	original error,
	ec ErrorContext,
	strategy Strategy,
	op Operation,
	logger *zap.Logger,
) (*Result, error) {
	maxAttempts := strategy.attempts()
	for n := 1; n <= maxAttempts; n++ {
		if err := m.sleep(ctx, strategy.Delay(n)); err != nil {
			return nil, original
		}

		start := m.now()
		value, err := m.safeOperation(ctx, op)
		m.recordAttempt(ctx, ec, strategy, n, err, m.now().Sub(start))
		if err == nil {
			logger.Info("error recovered by retry", zap.Int("attempt", n))
			return &Result{ErrorID: ec.ID, Strategy: strategy.Name, Action: ActionRetry, Attempts: n, Value: value}, nil
		}
		logger.Debug("retry attempt failed", zap.Int("attempt", n), zap.Error(err))
	}

	logger.Warn("retries exhausted", zap.Int("attempts", maxAttempts), zap.Error(original))
	return nil, original
}

func (m *Manager) safeOperation(ctx context.Context, op Operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

func (m *Manager) safeRecover(ctx context.Context, fn RecoverFunc, original error, ec ErrorContext) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery function panicked: %v", r)
		}
	}()
	return fn(ctx, original, ec)
}

func (m *Manager) match(ec ErrorContext) (Strategy, bool) {
	for _, s := range m.strategies {
		if s.Matches(ec) {
			return s, true
		}
	}
	return Strategy{}, false
}

func (m *Manager) complete(err error, ec ErrorContext) ErrorContext {
	if ec.ID == "" {
		ec.ID = uuid.NewString()
	}
	if ec.Message == "" {
		ec.Message = err.Error()
	}
	if ec.Category == "" {
		ec.Category = Classify(err)
	}
	if ec.Severity == "" {
		ec.Severity = DefaultSeverity(ec.Category)
	}
	if ec.Component == "" {
		ec.Component = "unknown"
	}
	if ec.Timestamp.IsZero() {
		ec.Timestamp = m.now().UTC()
	}
	if ec.Metadata != nil {
		md := make(map[string]string, len(ec.Metadata))
		for k, v := range ec.Metadata {
			md[k] = v
		}
		ec.Metadata = md
	}
	return ec
}

func (m *Manager) recordError(ctx context.Context, ec ErrorContext) {
	m.mu.Lock()
	m.history = appendBounded(m.history, ec, m.historySize)
	m.stats.TotalErrors++
	m.stats.ByCategory[ec.Category]++
	m.stats.BySeverity[ec.Severity]++
	m.stats.ByComponent[ec.Component]++
	m.mu.Unlock()

	m.metrics.IncRecoveryError(string(ec.Category), string(ec.Severity))

	if m.store != nil {
		if err := m.store.SaveError(ctx, ec); err != nil {
			m.logger.Warn("failed to persist error record", zap.String("errorId", ec.ID), zap.Error(err))
		}
	}
}

func (m *Manager) recordAttempt(ctx context.Context, ec ErrorContext, s Strategy, n int, err error, d time.Duration) {
	attempt := Attempt{
		ID:            uuid.NewString(),
		ErrorID:       ec.ID,
		Strategy:      s.Name,
		Action:        s.Action,
		AttemptNumber: n,
		Success:       err == nil,
		Duration:      d,
		Timestamp:     m.now().UTC(),
	}
	if err != nil {
		attempt.Error = err.Error()
	}

	m.mu.Lock()
	m.attempts = appendBounded(m.attempts, attempt, m.historySize)
	m.stats.RecoveryAttempts++
	if attempt.Success {
		m.stats.RecoverySuccesses++
	}
	m.mu.Unlock()

	m.metrics.IncRecoveryAttempt(string(s.Action), attempt.Success)
	m.sink.Emit(ctx, events.New(events.RecoveryAttempt, severityFor(ec.Severity),
		"errorId", ec.ID,
		"component", ec.Component,
		"strategy", s.Name,
		"action", string(s.Action),
		"attempt", fmt.Sprint(n),
		"success", fmt.Sprint(attempt.Success),
		"appointmentId", ec.AppointmentID,
		"notificationId", ec.NotificationID,
	))

	if m.store != nil {
		if err := m.store.SaveAttempt(ctx, attempt); err != nil {
			m.logger.Warn("failed to persist recovery attempt", zap.String("errorId", ec.ID), zap.Error(err))
		}
	}
}

func (m *Manager) escalate(ctx context.Context, ec ErrorContext, logger *zap.Logger) {
	alert := Alert{
		ID:        uuid.NewString(),
		ErrorID:   ec.ID,
		Component: ec.Component,
		Category:  ec.Category,
		Severity:  ec.Severity,
		Message:   ec.Message,
		Timestamp: m.now().UTC(),
	}

	m.mu.Lock()
	m.stats.Escalations++
	m.mu.Unlock()

	logger.Error("error escalated", zap.String("alertId", alert.ID), zap.String("message", ec.Message))
	m.metrics.IncRecoveryEscalation()
	m.sink.Emit(ctx, events.New(events.RecoveryEscalated, events.SeverityCritical,
		"errorId", ec.ID,
		"alertId", alert.ID,
		"component", ec.Component,
		"category", string(ec.Category),
		"severity", string(ec.Severity),
		"userId", ec.UserID,
		"appointmentId", ec.AppointmentID,
		"notificationId", ec.NotificationID,
	))

	if m.store != nil {
		if err := m.store.SaveAlert(ctx, alert); err != nil {
			logger.Warn("failed to persist alert", zap.Error(err))
		}
	}
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Stats{
		TotalErrors:       m.stats.TotalErrors,
		ByCategory:        make(map[Category]int64, len(m.stats.ByCategory)),
		BySeverity:        make(map[Severity]int64, len(m.stats.BySeverity)),
		ByComponent:       make(map[string]int64, len(m.stats.ByComponent)),
		RecoveryAttempts:  m.stats.RecoveryAttempts,
		RecoverySuccesses: m.stats.RecoverySuccesses,
		Escalations:       m.stats.Escalations,
	}
	for k, v := range m.stats.ByCategory {
		out.ByCategory[k] = v
	}
	for k, v := range m.stats.BySeverity {
		out.BySeverity[k] = v
	}
	for k, v := range m.stats.ByComponent {
		out.ByComponent[k] = v
	}
	if out.RecoveryAttempts > 0 {
		out.SuccessRate = float64(out.RecoverySuccesses) / float64(out.RecoveryAttempts)
	}

	from := max(0, len(m.history)-recentErrorsInStats)
	out.Recent = append([]ErrorContext(nil), m.history[from:]...)
	return out
}

// Attempts returns the retained recovery attempts, oldest first.
func (m *Manager) Attempts() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Attempt(nil), m.attempts...)
}

func appendBounded[T any](list []T, item T, limit int) []T {
	list = append(list, item)
	if len(list) > limit {
		list = append(list[:0:0], list[len(list)-limit:]...)
	}
	return list
}

func severityFor(s Severity) events.Severity {
	switch s {
	case SeverityCritical:
		return events.SeverityCritical
	case SeverityHigh:
		return events.SeverityError
	case SeverityMedium:
		return events.SeverityWarning
	default:
		return events.SeverityInfo
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
