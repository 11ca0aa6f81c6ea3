package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reminder_engine"

// Metrics stores Prometheus collectors for the scheduling and delivery pipeline.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	tasksScheduledTotal  *prometheus.CounterVec
	tasksDispatchedTotal *prometheus.CounterVec
	tasksCancelledTotal  prometheus.Counter
	enqueueFailuresTotal *prometheus.CounterVec
	schedulerPending     prometheus.Gauge

	queueDepth              *prometheus.GaugeVec
	queueProcessedTotal     *prometheus.CounterVec
	queueProcessingDuration *prometheus.HistogramVec
	queueRejectedTotal      *prometheus.CounterVec
	queueStatus             *prometheus.GaugeVec

	deliveryAttemptsTotal  *prometheus.CounterVec
	deliverySendDuration   *prometheus.HistogramVec
	notificationsSentTotal *prometheus.CounterVec
	notificationsAbandoned prometheus.Counter
	retryScheduledTotal    *prometheus.CounterVec
	deliverySkippedTotal   *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	recoveryErrorsTotal   *prometheus.CounterVec
	recoveryAttemptsTotal *prometheus.CounterVec
	recoveryEscalations   prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		tasksScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_scheduled_total",
				Help:      "Total number of scheduled tasks accepted by kind.",
			},
			[]string{"kind"},
		),
		tasksDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_dispatched_total",
				Help:      "Total number of due tasks handed to a queue.",
			},
			[]string{"queue"},
		),
		tasksCancelledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_cancelled_total",
				Help:      "Total number of cancelled scheduled tasks.",
			},
		),
		enqueueFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_enqueue_failures_total",
				Help:      "Total number of rejected enqueue attempts from the scheduler.",
			},
			[]string{"queue", "reason"},
		),
		schedulerPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_pending_tasks",
				Help:      "Current number of tasks waiting for their scheduled time.",
			},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of buffered messages per queue.",
			},
			[]string{"queue"},
		),
		queueProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_processed_total",
				Help:      "Total number of processed queue messages by result.",
			},
			[]string{"queue", "result"},
		),
		queueProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_processing_duration_seconds",
				Help:      "Message processing duration in seconds per queue.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"queue"},
		),
		queueRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_rejected_total",
				Help:      "Total number of rejected enqueue calls by reason.",
			},
			[]string{"queue", "reason"},
		),
		queueStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_status",
				Help:      "Current queue status, 1 for the active status label.",
			},
			[]string{"queue", "status"},
		),
		deliveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_attempts_total",
				Help:      "Total number of recorded delivery attempts by method and failure reason.",
			},
			[]string{"method", "reason"},
		),
		deliverySendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by method.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"method"},
		),
		notificationsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Total number of notifications delivered by method.",
			},
			[]string{"method"},
		),
		notificationsAbandoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_abandoned_total",
				Help:      "Total number of notifications abandoned after exhausting attempts or expiring.",
			},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_scheduled_total",
				Help:      "Total number of notifications scheduled for retry by primary method.",
			},
			[]string{"method"},
		),
		deliverySkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_skipped_total",
				Help:      "Total number of methods skipped in a delivery cycle without consuming an attempt.",
			},
			[]string{"method", "reason"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state: 0 closed, 1 half open, 2 open.",
			},
			[]string{"breaker"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total number of circuit breaker transitions by target state.",
			},
			[]string{"breaker", "to"},
		),
		recoveryErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_errors_total",
				Help:      "Total number of errors handed to the recovery manager.",
			},
			[]string{"category", "severity"},
		),
		recoveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_attempts_total",
				Help:      "Total number of recovery attempts by action and result.",
			},
			[]string{"action", "result"},
		),
		recoveryEscalations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_escalations_total",
				Help:      "Total number of escalated errors.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.tasksScheduledTotal,
		m.tasksDispatchedTotal,
		m.tasksCancelledTotal,
		m.enqueueFailuresTotal,
		m.schedulerPending,
		m.queueDepth,
		m.queueProcessedTotal,
		m.queueProcessingDuration,
		m.queueRejectedTotal,
		m.queueStatus,
		m.deliveryAttemptsTotal,
		m.deliverySendDuration,
		m.notificationsSentTotal,
		m.notificationsAbandoned,
		m.retryScheduledTotal,
		m.deliverySkippedTotal,
		m.breakerState,
		m.breakerTransitions,
		m.recoveryErrorsTotal,
		m.recoveryAttemptsTotal,
		m.recoveryEscalations,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncTaskScheduled(kind string) {
	if m == nil {
		return
	}
	m.tasksScheduledTotal.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (m *Metrics) IncTaskDispatched(queue string) {
	if m == nil {
		return
	}
	m.tasksDispatchedTotal.WithLabelValues(normalizeLabel(queue)).Inc()
}

func (m *Metrics) IncTaskCancelled() {
	if m == nil {
		return
	}
	m.tasksCancelledTotal.Inc()
}

func (m *Metrics) IncEnqueueFailure(queue string, reason string) {
	if m == nil {
		return
	}
	m.enqueueFailuresTotal.WithLabelValues(normalizeLabel(queue), normalizeLabel(reason)).Inc()
}

func (m *Metrics) SetSchedulerPending(n int) {
	if m == nil {
		return
	}
	m.schedulerPending.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(queue)).Set(float64(depth))
}

func (m *Metrics) ObserveQueueProcessed(queue string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	label := normalizeLabel(queue)
	m.queueProcessedTotal.WithLabelValues(label, result).Inc()
	m.queueProcessingDuration.WithLabelValues(label).Observe(nonNegativeSeconds(duration))
}

func (m *Metrics) IncQueueRejected(queue string, reason string) {
	if m == nil {
		return
	}
	m.queueRejectedTotal.WithLabelValues(normalizeLabel(queue), normalizeLabel(reason)).Inc()
}

// SetQueueStatus flags status as the current one for queue and clears the others.
func (m *Metrics) SetQueueStatus(queue string, status string, all []string) {
	if m == nil {
		return
	}
	label := normalizeLabel(queue)
	current := normalizeLabel(status)
	for _, s := range all {
		value := 0.0
		if normalizeLabel(s) == current {
			value = 1
		}
		m.queueStatus.WithLabelValues(label, normalizeLabel(s)).Set(value)
	}
}

func (m *Metrics) IncDeliveryAttempt(method string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := normalizeLabel(reason)
	if strings.TrimSpace(reason) == "" {
		reasonLabel = "none"
	}
	m.deliveryAttemptsTotal.WithLabelValues(normalizeLabel(method), reasonLabel).Inc()
}

func (m *Metrics) ObserveDeliverySendDuration(method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deliverySendDuration.WithLabelValues(normalizeLabel(method)).Observe(nonNegativeSeconds(duration))
}

func (m *Metrics) IncNotificationSent(method string) {
	if m == nil {
		return
	}
	m.notificationsSentTotal.WithLabelValues(normalizeLabel(method)).Inc()
}

func (m *Metrics) IncNotificationAbandoned() {
	if m == nil {
		return
	}
	m.notificationsAbandoned.Inc()
}

func (m *Metrics) IncRetryScheduled(method string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(method)).Inc()
}

func (m *Metrics) IncDeliverySkipped(method string, reason string) {
	if m == nil {
		return
	}
	m.deliverySkippedTotal.WithLabelValues(normalizeLabel(method), normalizeLabel(reason)).Inc()
}

// SetBreakerState records a transition; state is CLOSED, HALF_OPEN or OPEN.
func (m *Metrics) SetBreakerState(breaker string, state string) {
	if m == nil {
		return
	}
	value := 0.0
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "HALF_OPEN":
		value = 1
	case "OPEN":
		value = 2
	}
	label := normalizeLabel(breaker)
	m.breakerState.WithLabelValues(label).Set(value)
	m.breakerTransitions.WithLabelValues(label, normalizeLabel(state)).Inc()
}

func (m *Metrics) IncRecoveryError(category string, severity string) {
	if m == nil {
		return
	}
	m.recoveryErrorsTotal.WithLabelValues(normalizeLabel(category), normalizeLabel(severity)).Inc()
}

func (m *Metrics) IncRecoveryAttempt(action string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.recoveryAttemptsTotal.WithLabelValues(normalizeLabel(action), result).Inc()
}

func (m *Metrics) IncRecoveryEscalation() {
	if m == nil {
		return
	}
	m.recoveryEscalations.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func nonNegativeSeconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
