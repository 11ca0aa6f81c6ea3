package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/circuitbreaker"
	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"github.com/kursadbilgin/reminder-engine/internal/events"
	"github.com/kursadbilgin/reminder-engine/internal/provider"
	"github.com/kursadbilgin/reminder-engine/internal/recovery"
)

type deliveryFixture struct {
	manager  *DeliveryManager
	resolver *StaticResolver
	breakers *circuitbreaker.Registry
	attempts *fakeAttemptRepo
	sink     *recordingSink
	clock    *fakeClock
}

func newDeliveryFixture(t *testing.T, deps DeliveryDeps, providers ...*fakeProvider) *deliveryFixture {
	t.Helper()

	registry := provider.NewRegistry(nil)
	for _, p := range providers {
		if _, err := registry.Register(p); err != nil {
			t.Fatalf("Register(%s) error = %v", p.name, err)
		}
	}

	resolver := NewStaticResolver()
	for _, m := range []domain.DeliveryMethod{domain.DeliveryMethodEmail, domain.DeliveryMethodSMS, domain.DeliveryMethodPush} {
		resolver.Set("patient-1", m, "patient-1@"+strings.ToLower(m.String()))
	}

	f := &deliveryFixture{
		resolver: resolver,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), nil, nil),
		attempts: &fakeAttemptRepo{},
		sink:     &recordingSink{},
		clock:    newFakeClock(),
	}
	deps.Providers = registry
	deps.Breakers = f.breakers
	if deps.Resolver == nil {
		deps.Resolver = resolver
	}
	if deps.Attempts == nil {
		deps.Attempts = f.attempts
	}
	deps.Sink = f.sink

	m, err := NewDeliveryManager(deps, nil)
	if err != nil {
		t.Fatalf("NewDeliveryManager() error = %v", err)
	}
	m.now = f.clock.Now
	f.manager = m
	return f
}

func failingProvider(name string, method domain.DeliveryMethod, err error) *fakeProvider {
	return &fakeProvider{
		name:   name,
		method: method,
		sendFn: func(ctx context.Context, recipient string, message string, metadata map[string]any) (*provider.SendResult, error) {
			return nil, err
		},
	}
}

func okProvider(name string, method domain.DeliveryMethod) *fakeProvider {
	return &fakeProvider{name: name, method: method}
}

func request(primary domain.DeliveryMethod, fallbacks ...domain.DeliveryMethod) NotificationRequest {
	return NotificationRequest{
		SourceTaskID:    "task-1",
		AppointmentID:   "appt-1",
		RecipientID:     "patient-1",
		Message:         "Your appointment is tomorrow at 10:00",
		PrimaryMethod:   primary,
		FallbackMethods: fallbacks,
	}
}

func mustSchedule(t *testing.T, m *DeliveryManager, req NotificationRequest) string {
	t.Helper()
	id, err := m.ScheduleNotification(context.Background(), req)
	if err != nil {
		t.Fatalf("ScheduleNotification() error = %v", err)
	}
	return id
}

func mustDeliver(t *testing.T, m *DeliveryManager, id string) *domain.NotificationTask {
	t.Helper()
	n, err := m.Deliver(context.Background(), id)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	return n
}

func TestNewDeliveryManagerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewDeliveryManager(DeliveryDeps{Resolver: NewStaticResolver()}, nil); err == nil {
		t.Fatal("NewDeliveryManager() without providers should fail")
	}
	if _, err := NewDeliveryManager(DeliveryDeps{Providers: provider.NewRegistry(nil)}, nil); err == nil {
		t.Fatal("NewDeliveryManager() without resolver should fail")
	}
}

func TestDeliveryFallsBackToNextMethod(t *testing.T) {
	t.Parallel()

	email := failingProvider("smtp", domain.DeliveryMethodEmail, errors.New("dial tcp: connection refused"))
	push := okProvider("fcm", domain.DeliveryMethodPush)
	f := newDeliveryFixture(t, DeliveryDeps{}, email, push)

	id := mustSchedule(t, f.manager, request(domain.DeliveryMethodEmail, domain.DeliveryMethodPush))
	n := mustDeliver(t, f.manager, id)

	if n.Status != domain.DeliveryStatusSent || n.CompletedAt == nil {
		t.Fatalf("status = %s, want SENT with completion time", n.Status)
	}
	if len(n.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(n.Attempts))
	}
	first, second := n.Attempts[0], n.Attempts[1]
	if first.Method != domain.DeliveryMethodEmail || first.Status != domain.DeliveryStatusFailed || first.FailureReason != domain.FailureNetworkError {
		t.Fatalf("first attempt = %+v, want failed EMAIL with NETWORK_ERROR", first)
	}
	if second.Method != domain.DeliveryMethodPush || second.Status != domain.DeliveryStatusSent || second.ProviderName != "fcm" {
		t.Fatalf("second attempt = %+v, want sent PUSH via fcm", second)
	}
	if second.Recipient != "patient-1@push" || second.AttemptNumber != 2 {
		t.Fatalf("second attempt = %+v, want resolved push address and number 2", second)
	}

	if got, _ := f.attempts.GetByNotificationID(context.Background(), id); len(got) != 2 {
		t.Fatalf("persisted attempts = %d, want 2", len(got))
	}
	if !f.sink.has(events.NotificationSent) {
		t.Fatalf("events = %v, want notification.sent", f.sink.types())
	}

	// a sent notification is terminal
	again := mustDeliver(t, f.manager, id)
	if len(again.Attempts) != 2 || email.callCount() != 1 || push.callCount() != 1 {
		t.Fatalf("redelivery of a SENT notification made new attempts")
	}
}

func TestDeliveryAbandonsWhenAttemptBudgetIsSpent(t *testing.T) {
	t.Parallel()

	email := failingProvider("smtp", domain.DeliveryMethodEmail, errors.New("503 service unavailable"))
	sms := failingProvider("twilio", domain.DeliveryMethodSMS, errors.New("request timeout"))
	push := okProvider("fcm", domain.DeliveryMethodPush)
	f := newDeliveryFixture(t, DeliveryDeps{}, email, sms, push)

	req := request(domain.DeliveryMethodEmail, domain.DeliveryMethodSMS, domain.DeliveryMethodPush)
	req.MaxAttempts = 2
	n := mustDeliver(t, f.manager, mustSchedule(t, f.manager, req))

	if n.Status != domain.DeliveryStatusAbandoned {
		t.Fatalf("status = %s, want ABANDONED", n.Status)
	}
	if len(n.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(n.Attempts))
	}
	if n.Attempts[0].FailureReason != domain.FailureServiceUnavailable || n.Attempts[1].FailureReason != domain.FailureTimeout {
		t.Fatalf("reasons = %s, %s", n.Attempts[0].FailureReason, n.Attempts[1].FailureReason)
	}
	if push.callCount() != 0 {
		t.Fatal("push provider called after the attempt budget was spent")
	}
	if !strings.HasPrefix(n.LastError, "max attempts reached") {
		t.Fatalf("last error = %q", n.LastError)
	}
	if !f.sink.has(events.NotificationAbandoned) {
		t.Fatalf("events = %v, want notification.abandoned", f.sink.types())
	}
}

func TestDeliverySchedulesRetryAndSweepClaimsIt(t *testing.T) {
	t.Parallel()

	email := failingProvider("smtp", domain.DeliveryMethodEmail, errors.New("connection reset"))
	sms := failingProvider("twilio", domain.DeliveryMethodSMS, errors.New("connection reset"))
	f := newDeliveryFixture(t, DeliveryDeps{}, email, sms)

	req := request(domain.DeliveryMethodEmail, domain.DeliveryMethodSMS)
	req.MaxAttempts = 4
	req.RetryIntervals = []time.Duration{10 * time.Second, 20 * time.Second}
	id := mustSchedule(t, f.manager, req)

	// newly scheduled notifications are due immediately
	if due := f.manager.DueForRetry(0); len(due) != 1 {
		t.Fatalf("DueForRetry() = %d, want 1", len(due))
	}
	f.manager.Release(id)

	n := mustDeliver(t, f.manager, id)
	if n.Status != domain.DeliveryStatusRetry || len(n.Attempts) != 2 {
		t.Fatalf("after first cycle = %s with %d attempts, want RETRY with 2", n.Status, len(n.Attempts))
	}
	wantNext := f.clock.Now().Add(20 * time.Second)
	if n.NextRetryAt == nil || !n.NextRetryAt.Equal(wantNext) {
		t.Fatalf("next retry = %v, want %v", n.NextRetryAt, wantNext)
	}

	if due := f.manager.DueForRetry(0); len(due) != 0 {
		t.Fatalf("DueForRetry() before retry time = %d, want 0", len(due))
	}
	f.clock.Advance(20 * time.Second)
	if due := f.manager.DueForRetry(0); len(due) != 1 || due[0].ID != id {
		t.Fatalf("DueForRetry() = %v, want %s", due, id)
	}
	if due := f.manager.DueForRetry(0); len(due) != 0 {
		t.Fatal("a claimed notification was returned twice")
	}

	n = mustDeliver(t, f.manager, id)
	if n.Status != domain.DeliveryStatusAbandoned || len(n.Attempts) != 4 {
		t.Fatalf("after second cycle = %s with %d attempts, want ABANDONED with 4", n.Status, len(n.Attempts))
	}
	if st := f.manager.Stats(); st.Retried != 1 || st.Abandoned != 1 || st.Attempts != 4 {
		t.Fatalf("Stats() = %+v", st)
	}
}

func TestDeliveryUnresolvedRecipientIsNotRetriedOnThatMethod(t *testing.T) {
	t.Parallel()

	email := okProvider("smtp", domain.DeliveryMethodEmail)
	push := failingProvider("fcm", domain.DeliveryMethodPush, errors.New("network unreachable"))
	resolver := ResolverFunc(func(ctx context.Context, recipientID string, method domain.DeliveryMethod) (string, error) {
		if method == domain.DeliveryMethodEmail {
			return "", domain.ErrContactNotFound
		}
		return "device-token", nil
	})
	f := newDeliveryFixture(t, DeliveryDeps{Resolver: resolver}, email, push)

	req := request(domain.DeliveryMethodEmail, domain.DeliveryMethodPush)
	req.MaxAttempts = 5
	id := mustSchedule(t, f.manager, req)

	n := mustDeliver(t, f.manager, id)
	if len(n.Attempts) != 2 || n.Attempts[0].FailureReason != domain.FailureInvalidRecipient {
		t.Fatalf("attempts = %+v, want INVALID_RECIPIENT then push failure", n.Attempts)
	}
	if n.Attempts[0].ProviderName != "" {
		t.Fatal("recipient resolution failure must not reach a provider")
	}

	f.clock.Advance(time.Hour)
	n = mustDeliver(t, f.manager, id)
	if len(n.Attempts) != 3 || n.Attempts[2].Method != domain.DeliveryMethodPush {
		t.Fatalf("second cycle attempts = %+v, want only a new PUSH attempt", n.Attempts)
	}
	if email.callCount() != 0 {
		t.Fatalf("email provider calls = %d, want 0", email.callCount())
	}
}

func TestDeliveryOpenCircuitSkipsMethodWithoutAttempt(t *testing.T) {
	t.Parallel()

	email := okProvider("smtp", domain.DeliveryMethodEmail)
	sms := okProvider("twilio", domain.DeliveryMethodSMS)
	f := newDeliveryFixture(t, DeliveryDeps{}, email, sms)

	name := circuitbreaker.NameFor(domain.DeliveryMethodEmail.String())
	f.breakers.Get(name)
	if err := f.breakers.ForceOpen(name); err != nil {
		t.Fatalf("ForceOpen() error = %v", err)
	}

	n := mustDeliver(t, f.manager, mustSchedule(t, f.manager, request(domain.DeliveryMethodEmail, domain.DeliveryMethodSMS)))
	if n.Status != domain.DeliveryStatusSent {
		t.Fatalf("status = %s, want SENT", n.Status)
	}
	if len(n.Attempts) != 1 || n.Attempts[0].Method != domain.DeliveryMethodSMS {
		t.Fatalf("attempts = %+v, want a single SMS attempt", n.Attempts)
	}
	if email.callCount() != 0 {
		t.Fatal("open circuit let a call through")
	}
}

func TestDeliveryOpenCircuitOnEveryMethodKeepsBudget(t *testing.T) {
	t.Parallel()

	email := okProvider("smtp", domain.DeliveryMethodEmail)
	f := newDeliveryFixture(t, DeliveryDeps{}, email)

	name := circuitbreaker.NameFor(domain.DeliveryMethodEmail.String())
	f.breakers.Get(name)
	_ = f.breakers.ForceOpen(name)

	n := mustDeliver(t, f.manager, mustSchedule(t, f.manager, request(domain.DeliveryMethodEmail)))
	if n.Status != domain.DeliveryStatusRetry || len(n.Attempts) != 0 {
		t.Fatalf("status = %s with %d attempts, want RETRY with none", n.Status, len(n.Attempts))
	}
}

func TestDeliveryRateLimitedMethodIsSkipped(t *testing.T) {
	t.Parallel()

	email := okProvider("smtp", domain.DeliveryMethodEmail)
	sms := okProvider("twilio", domain.DeliveryMethodSMS)
	limiter := &fakeRateLimiter{
		allowFn: func(ctx context.Context, channel string, key string) (bool, error) {
			if key != "patient-1" {
				t.Errorf("rate limit key = %q, want patient-1", key)
			}
			return channel != domain.DeliveryMethodEmail.String(), nil
		},
	}
	f := newDeliveryFixture(t, DeliveryDeps{Limiter: limiter}, email, sms)

	n := mustDeliver(t, f.manager, mustSchedule(t, f.manager, request(domain.DeliveryMethodEmail, domain.DeliveryMethodSMS)))
	if n.Status != domain.DeliveryStatusSent || len(n.Attempts) != 1 || n.Attempts[0].Method != domain.DeliveryMethodSMS {
		t.Fatalf("notification = %s with %+v, want SENT over SMS only", n.Status, n.Attempts)
	}
	if email.callCount() != 0 {
		t.Fatal("rate limited method reached its provider")
	}
}

func TestDeliveryWithoutProviderRecordsServiceUnavailable(t *testing.T) {
	t.Parallel()

	f := newDeliveryFixture(t, DeliveryDeps{})
	n := mustDeliver(t, f.manager, mustSchedule(t, f.manager, request(domain.DeliveryMethodSMS)))

	if len(n.Attempts) != 1 || n.Attempts[0].FailureReason != domain.FailureServiceUnavailable {
		t.Fatalf("attempts = %+v, want SERVICE_UNAVAILABLE", n.Attempts)
	}
	if n.Status != domain.DeliveryStatusRetry {
		t.Fatalf("status = %s, want RETRY", n.Status)
	}
}

func TestDeliveryProviderReportedFailure(t *testing.T) {
	t.Parallel()

	email := &fakeProvider{
		name:   "smtp",
		method: domain.DeliveryMethodEmail,
		sendFn: func(ctx context.Context, recipient string, message string, metadata map[string]any) (*provider.SendResult, error) {
			return &provider.SendResult{Success: false, Error: "too many requests"}, nil
		},
	}
	f := newDeliveryFixture(t, DeliveryDeps{}, email)

	n := mustDeliver(t, f.manager, mustSchedule(t, f.manager, request(domain.DeliveryMethodEmail)))
	if len(n.Attempts) != 1 || n.Attempts[0].FailureReason != domain.FailureRateLimited {
		t.Fatalf("attempts = %+v, want RATE_LIMITED", n.Attempts)
	}
}

func TestDeliveryExpiredNotificationIsAbandoned(t *testing.T) {
	t.Parallel()

	email := failingProvider("smtp", domain.DeliveryMethodEmail, errors.New("connection refused"))
	f := newDeliveryFixture(t, DeliveryDeps{}, email)

	req := request(domain.DeliveryMethodEmail)
	req.ExpiresIn = time.Minute
	id := mustSchedule(t, f.manager, req)

	if n := mustDeliver(t, f.manager, id); n.Status != domain.DeliveryStatusRetry {
		t.Fatalf("status = %s, want RETRY", n.Status)
	}

	f.clock.Advance(2 * time.Minute)
	n := mustDeliver(t, f.manager, id)
	if n.Status != domain.DeliveryStatusAbandoned || !strings.HasPrefix(n.LastError, "expired") {
		t.Fatalf("notification = %s (%q), want ABANDONED as expired", n.Status, n.LastError)
	}
	if email.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1", email.callCount())
	}
}

func TestDeliveryCancel(t *testing.T) {
	t.Parallel()

	email := okProvider("smtp", domain.DeliveryMethodEmail)
	f := newDeliveryFixture(t, DeliveryDeps{}, email)
	ctx := context.Background()

	id := mustSchedule(t, f.manager, request(domain.DeliveryMethodEmail))
	if !f.manager.CancelSource(ctx, "task-1") {
		t.Fatal("CancelSource() = false, want true")
	}
	if f.manager.Cancel(ctx, id) {
		t.Fatal("second Cancel() = true, want false")
	}

	n := mustDeliver(t, f.manager, id)
	if n.Status != domain.DeliveryStatusAbandoned || n.LastError != cancelledReason {
		t.Fatalf("notification = %s (%q), want cancelled", n.Status, n.LastError)
	}
	if email.callCount() != 0 {
		t.Fatal("cancelled notification was sent")
	}
	if f.manager.CancelSource(ctx, "unknown") {
		t.Fatal("CancelSource(unknown) = true")
	}
}

func TestDeliveryCancelDuringSendDiscardsOutcome(t *testing.T) {
	t.Parallel()

	var f *deliveryFixture
	var id string
	email := &fakeProvider{
		name:   "smtp",
		method: domain.DeliveryMethodEmail,
		sendFn: func(ctx context.Context, recipient string, message string, metadata map[string]any) (*provider.SendResult, error) {
			if !f.manager.Cancel(ctx, id) {
				t.Error("Cancel() inside send = false")
			}
			return nil, errors.New("connection refused")
		},
	}
	f = newDeliveryFixture(t, DeliveryDeps{}, email)
	id = mustSchedule(t, f.manager, request(domain.DeliveryMethodEmail))

	n := mustDeliver(t, f.manager, id)
	if n.Status != domain.DeliveryStatusAbandoned || n.LastError != cancelledReason || len(n.Attempts) != 0 {
		t.Fatalf("notification = %s (%q) with %d attempts, want cancelled state kept", n.Status, n.LastError, len(n.Attempts))
	}
	if due := f.manager.DueForRetry(0); len(due) != 0 {
		t.Fatal("cancelled notification scheduled for retry")
	}
}

func TestDeliveryReportsErrorsToRecovery(t *testing.T) {
	t.Parallel()

	rec := recovery.NewManager(nil, nil, nil, nil)
	email := failingProvider("smtp", domain.DeliveryMethodEmail, errors.New("unauthorized: invalid api key"))
	f := newDeliveryFixture(t, DeliveryDeps{Recovery: rec}, email)

	n := mustDeliver(t, f.manager, mustSchedule(t, f.manager, request(domain.DeliveryMethodEmail)))
	if n.Attempts[0].FailureReason != domain.FailureAuthenticationFailed {
		t.Fatalf("reason = %s, want AUTHENTICATION_FAILED", n.Attempts[0].FailureReason)
	}

	st := rec.Stats()
	if st.TotalErrors != 1 || st.ByComponent["delivery"] != 1 {
		t.Fatalf("recovery stats = %+v, want one delivery error", st)
	}
	if len(st.Recent) != 1 || st.Recent[0].NotificationID != n.ID {
		t.Fatalf("recent errors = %+v", st.Recent)
	}
}

func TestDeliveryScheduleNotification(t *testing.T) {
	t.Parallel()

	var saved []*domain.NotificationTask
	repo := &fakeNotificationRepo{
		saveFn: func(ctx context.Context, n *domain.NotificationTask) error {
			saved = append(saved, n)
			return nil
		},
	}
	f := newDeliveryFixture(t, DeliveryDeps{Notifications: repo})
	ctx := context.Background()

	id := mustSchedule(t, f.manager, request(domain.DeliveryMethodEmail))
	again := mustSchedule(t, f.manager, request(domain.DeliveryMethodEmail))
	if again != id {
		t.Fatalf("second ScheduleNotification() for the same task = %s, want %s", again, id)
	}
	if len(saved) != 1 {
		t.Fatalf("saved = %d, want 1", len(saved))
	}

	n, err := f.manager.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if n.MaxAttempts != domain.DefaultMaxAttempts || n.Priority != domain.PriorityNormal {
		t.Fatalf("defaults = %d/%s", n.MaxAttempts, n.Priority)
	}
	if !n.ExpiresAt.Equal(f.clock.Now().Add(defaultNotificationExpiry)) {
		t.Fatalf("expires at = %v", n.ExpiresAt)
	}

	bad := request(domain.DeliveryMethodEmail)
	bad.SourceTaskID = "task-2"
	bad.Message = " "
	if _, err := f.manager.ScheduleNotification(ctx, bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("ScheduleNotification() error = %v, want ErrValidation", err)
	}
}

func TestDeliveryGetStatusFallsBackToStore(t *testing.T) {
	t.Parallel()

	repo := &fakeNotificationRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.NotificationTask, error) {
			if id == "stored" {
				return &domain.NotificationTask{ID: "stored", Status: domain.DeliveryStatusSent}, nil
			}
			return nil, domain.ErrNotFound
		},
	}
	f := newDeliveryFixture(t, DeliveryDeps{Notifications: repo})

	n, err := f.manager.GetStatus(context.Background(), "stored")
	if err != nil || n.Status != domain.DeliveryStatusSent {
		t.Fatalf("GetStatus() = %+v, %v", n, err)
	}
	if _, err := f.manager.GetStatus(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeliveryRecover(t *testing.T) {
	t.Parallel()

	past := time.Unix(1_600_000_000, 0)
	repo := &fakeNotificationRepo{
		listByStatusFn: func(ctx context.Context, statuses []domain.DeliveryStatus, limit int) ([]*domain.NotificationTask, error) {
			return []*domain.NotificationTask{{
				ID:            "n-1",
				SourceTaskID:  "task-9",
				RecipientID:   "patient-1",
				Message:       "hi",
				PrimaryMethod: domain.DeliveryMethodEmail,
				MaxAttempts:   3,
				Status:        domain.DeliveryStatusRetry,
				NextRetryAt:   &past,
				ExpiresAt:     past.Add(100 * 365 * 24 * time.Hour),
			}}, nil
		},
	}
	f := newDeliveryFixture(t, DeliveryDeps{Notifications: repo})

	n, err := f.manager.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Recover() = %d, %v; want 1, nil", n, err)
	}
	if _, ok := f.manager.ForSource("task-9"); !ok {
		t.Fatal("recovered notification not indexed by source task")
	}
	if due := f.manager.DueForRetry(10); len(due) != 1 {
		t.Fatalf("DueForRetry() = %d, want 1", len(due))
	}
}

func TestDeliveryPrune(t *testing.T) {
	t.Parallel()

	f := newDeliveryFixture(t, DeliveryDeps{}, okProvider("smtp", domain.DeliveryMethodEmail))
	id := mustSchedule(t, f.manager, request(domain.DeliveryMethodEmail))
	mustDeliver(t, f.manager, id)

	if got := f.manager.Prune(f.clock.Now().Add(-time.Minute)); got != 0 {
		t.Fatalf("Prune() before cutoff = %d, want 0", got)
	}
	if got := f.manager.Prune(f.clock.Now().Add(time.Minute)); got != 1 {
		t.Fatalf("Prune() = %d, want 1", got)
	}
	if st := f.manager.Stats(); st.Tracked != 0 {
		t.Fatalf("tracked = %d, want 0", st.Tracked)
	}
}
