package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsPipelineCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncTaskScheduled("REMINDER")
	metrics.IncTaskDispatched("immediate")
	metrics.IncEnqueueFailure("scheduled", "queue_full")
	metrics.SetSchedulerPending(4)
	metrics.SetQueueDepth("retry", 7)
	metrics.ObserveQueueProcessed("retry", false, 40*time.Millisecond)
	metrics.IncDeliveryAttempt("EMAIL", "TIMEOUT")
	metrics.IncDeliveryAttempt("PUSH", "")
	metrics.IncNotificationSent("PUSH")
	metrics.IncRetryScheduled("email")
	metrics.IncRecoveryAttempt("RETRY", true)

	if got := testutil.ToFloat64(metrics.tasksScheduledTotal.WithLabelValues("reminder")); got != 1 {
		t.Fatalf("tasks_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.enqueueFailuresTotal.WithLabelValues("scheduled", "queue_full")); got != 1 {
		t.Fatalf("task_enqueue_failures_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.schedulerPending); got != 4 {
		t.Fatalf("scheduler_pending_tasks = %v, want 4", got)
	}
	if got := testutil.ToFloat64(metrics.queueDepth.WithLabelValues("retry")); got != 7 {
		t.Fatalf("queue_depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(metrics.queueProcessedTotal.WithLabelValues("retry", "failure")); got != 1 {
		t.Fatalf("queue_processed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveryAttemptsTotal.WithLabelValues("email", "timeout")); got != 1 {
		t.Fatalf("delivery_attempts_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveryAttemptsTotal.WithLabelValues("push", "none")); got != 1 {
		t.Fatalf("delivery_attempts_total{reason=none} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.notificationsSentTotal.WithLabelValues("push")); got != 1 {
		t.Fatalf("notifications_sent_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.recoveryAttemptsTotal.WithLabelValues("retry", "success")); got != 1 {
		t.Fatalf("recovery_attempts_total = %v, want 1", got)
	}
}

func TestMetricsBreakerAndQueueStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.SetBreakerState("email_service", "OPEN")
	metrics.SetBreakerState("email_service", "HALF_OPEN")
	metrics.SetQueueStatus("bulk", "PAUSED", []string{"STOPPED", "ACTIVE", "PAUSED", "ERROR"})

	if got := testutil.ToFloat64(metrics.breakerState.WithLabelValues("email_service")); got != 1 {
		t.Fatalf("circuit_breaker_state = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.breakerTransitions.WithLabelValues("email_service", "open")); got != 1 {
		t.Fatalf("circuit_breaker_transitions_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.queueStatus.WithLabelValues("bulk", "paused")); got != 1 {
		t.Fatalf("queue_status{paused} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.queueStatus.WithLabelValues("bulk", "active")); got != 0 {
		t.Fatalf("queue_status{active} = %v, want 0", got)
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncTaskCancelled()
	metrics.SetBreakerState("sms_service", "OPEN")
	metrics.IncRecoveryEscalation()
	if metrics.Handler() == nil {
		t.Fatal("Handler() should fall back to the default handler")
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
