package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"github.com/kursadbilgin/reminder-engine/internal/events"
	"github.com/kursadbilgin/reminder-engine/internal/queue"
	"github.com/kursadbilgin/reminder-engine/internal/repository"
)

func newTestScheduler(t *testing.T, repo repository.TaskRepository, enq Enqueuer, sink events.Sink, clock *fakeClock) *Scheduler {
	t.Helper()

	s, err := NewScheduler(repo, enq, time.Hour, sink, nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	s.now = clock.Now
	return s
}

func task(id string, priority domain.Priority, at time.Time) *domain.ScheduledTask {
	return &domain.ScheduledTask{
		ID:             id,
		Priority:       priority,
		ScheduledAt:    at,
		AppointmentID:  "appt-1",
		RecipientID:    "patient-1",
		DeliveryMethod: domain.DeliveryMethodEmail,
		Payload:        map[string]any{"message": "see you tomorrow"},
	}
}

func TestNewSchedulerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewScheduler(nil, nil, 0, nil, nil); err == nil {
		t.Fatal("NewScheduler() without enqueuer should fail")
	}

	s, err := NewScheduler(nil, &fakeEnqueuer{}, 0, nil, nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if s.interval != defaultSchedulerInterval {
		t.Fatalf("interval = %s, want %s", s.interval, defaultSchedulerInterval)
	}
}

func TestSchedulerScheduleAppliesDefaultsAndPersists(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var inserted *domain.ScheduledTask
	repo := &fakeTaskRepo{
		insertFn: func(ctx context.Context, t *domain.ScheduledTask) error {
			inserted = t.Clone()
			return nil
		},
	}
	sink := &recordingSink{}
	s := newTestScheduler(t, repo, &fakeEnqueuer{}, sink, clock)

	in := task("", 0, clock.Now().Add(time.Hour))
	id, err := s.Schedule(context.Background(), in)
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if id == "" {
		t.Fatal("Schedule() returned empty id")
	}
	if in.ID != "" {
		t.Fatal("Schedule() must not mutate the caller's task")
	}

	if inserted == nil || inserted.ID != id {
		t.Fatalf("inserted = %+v, want task %s", inserted, id)
	}
	if inserted.Status != domain.TaskStatusPending {
		t.Fatalf("status = %s, want PENDING", inserted.Status)
	}
	if inserted.Kind != domain.TaskKindReminder || inserted.Priority != domain.PriorityNormal {
		t.Fatalf("kind/priority = %s/%s, want REMINDER/NORMAL", inserted.Kind, inserted.Priority)
	}
	if inserted.MaxRetries != domain.DefaultTaskMaxRetries {
		t.Fatalf("max retries = %d, want %d", inserted.MaxRetries, domain.DefaultTaskMaxRetries)
	}
	if !sink.has(events.TaskScheduled) {
		t.Fatalf("events = %v, want task.scheduled", sink.types())
	}
	if got := s.Status().QueueSize; got != 1 {
		t.Fatalf("QueueSize = %d, want 1", got)
	}
}

func TestSchedulerScheduleErrors(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestScheduler(t, nil, &fakeEnqueuer{}, nil, clock)
	ctx := context.Background()

	invalid := task("bad", domain.PriorityNormal, clock.Now())
	invalid.RecipientID = ""
	if _, err := s.Schedule(ctx, invalid); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Schedule() error = %v, want ErrValidation", err)
	}
	if _, err := s.Schedule(ctx, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Schedule(nil) error = %v, want ErrValidation", err)
	}

	if _, err := s.Schedule(ctx, task("t-1", domain.PriorityNormal, clock.Now())); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if _, err := s.Schedule(ctx, task("t-1", domain.PriorityNormal, clock.Now())); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate Schedule() error = %v, want ErrConflict", err)
	}
}

func TestSchedulerSchedulePersistFailureStillReturnsID(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	repo := &fakeTaskRepo{
		insertFn: func(ctx context.Context, t *domain.ScheduledTask) error { return errors.New("db down") },
	}
	s := newTestScheduler(t, repo, &fakeEnqueuer{}, nil, clock)

	id, err := s.Schedule(context.Background(), task("t-1", domain.PriorityHigh, clock.Now()))
	if err != nil || id != "t-1" {
		t.Fatalf("Schedule() = %q, %v; want t-1, nil", id, err)
	}
}

func TestSchedulerDispatchDueOrdersAndRoutes(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	enq := &fakeEnqueuer{}
	s := newTestScheduler(t, nil, enq, nil, clock)
	ctx := context.Background()
	now := clock.Now()

	for _, tk := range []*domain.ScheduledTask{
		task("low", domain.PriorityLow, now.Add(-time.Minute)),
		task("normal-late", domain.PriorityNormal, now.Add(-time.Second)),
		task("urgent", domain.PriorityUrgent, now),
		task("normal-early", domain.PriorityNormal, now.Add(-time.Hour)),
		task("future", domain.PriorityUrgent, now.Add(time.Minute)),
	} {
		if _, err := s.Schedule(ctx, tk); err != nil {
			t.Fatalf("Schedule(%s) error = %v", tk.ID, err)
		}
	}

	if got := s.DispatchDue(ctx); got != 4 {
		t.Fatalf("DispatchDue() = %d, want 4", got)
	}

	calls, _ := enq.snapshot()
	wantOrder := []struct {
		id    string
		queue domain.QueueType
	}{
		{"urgent", domain.QueueImmediate},
		{"normal-early", domain.QueueScheduled},
		{"normal-late", domain.QueueScheduled},
		{"low", domain.QueueLowPriority},
	}
	if len(calls) != len(wantOrder) {
		t.Fatalf("enqueued %d messages, want %d", len(calls), len(wantOrder))
	}
	for i, want := range wantOrder {
		if calls[i].ID != want.id || calls[i].Queue != want.queue {
			t.Fatalf("call[%d] = %s on %s, want %s on %s", i, calls[i].ID, calls[i].Queue, want.id, want.queue)
		}
		if d, ok := calls[i].Payload.(Dispatch); !ok || d.TaskID != want.id {
			t.Fatalf("call[%d] payload = %#v", i, calls[i].Payload)
		}
	}

	st := s.Status()
	if st.QueueSize != 1 || st.Processing != 4 {
		t.Fatalf("Status() = %+v, want 1 pending and 4 processing", st)
	}
	got, _ := s.Get("urgent")
	if got.Status != domain.TaskStatusProcessing {
		t.Fatalf("urgent status = %s, want PROCESSING", got.Status)
	}
}

func TestRouteQueue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		task domain.ScheduledTask
		want domain.QueueType
	}{
		{"hint wins", domain.ScheduledTask{Queue: domain.QueueBulk, Priority: domain.PriorityUrgent}, domain.QueueBulk},
		{"retry", domain.ScheduledTask{RetryCount: 1, Priority: domain.PriorityUrgent}, domain.QueueRetry},
		{"urgent", domain.ScheduledTask{Priority: domain.PriorityUrgent}, domain.QueueImmediate},
		{"high", domain.ScheduledTask{Priority: domain.PriorityHigh}, domain.QueueScheduled},
		{"normal", domain.ScheduledTask{Priority: domain.PriorityNormal}, domain.QueueScheduled},
		{"low", domain.ScheduledTask{Priority: domain.PriorityLow}, domain.QueueLowPriority},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := RouteQueue(&tt.task); got != tt.want {
				t.Fatalf("RouteQueue() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSchedulerCancelFromEachStage(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	enq := &fakeEnqueuer{}
	var mu sync.Mutex
	statuses := map[string]domain.TaskStatus{}
	repo := &fakeTaskRepo{
		updateStatusFn: func(ctx context.Context, id string, status domain.TaskStatus, fields repository.TaskFields) error {
			mu.Lock()
			statuses[id] = status
			mu.Unlock()
			return nil
		},
	}
	sink := &recordingSink{}
	s := newTestScheduler(t, repo, enq, sink, clock)

	var hooked []string
	s.OnCancel(func(ctx context.Context, t *domain.ScheduledTask) { hooked = append(hooked, t.ID) })

	ctx := context.Background()
	now := clock.Now()
	_, _ = s.Schedule(ctx, task("queued", domain.PriorityNormal, now))
	_, _ = s.Schedule(ctx, task("running", domain.PriorityNormal, now))
	s.DispatchDue(ctx)
	if _, ok := s.Begin("running"); !ok {
		t.Fatal("Begin(running) = false, want true")
	}
	_, _ = s.Schedule(ctx, task("pending", domain.PriorityNormal, now.Add(time.Hour)))

	for _, id := range []string{"pending", "queued", "running"} {
		if !s.Cancel(ctx, id) {
			t.Fatalf("Cancel(%s) = false, want true", id)
		}
		if s.Cancel(ctx, id) {
			t.Fatalf("second Cancel(%s) = true, want false", id)
		}
		if _, ok := s.Get(id); ok {
			t.Fatalf("Get(%s) found a cancelled task", id)
		}
		mu.Lock()
		got := statuses[id]
		mu.Unlock()
		if got != domain.TaskStatusCancelled {
			t.Fatalf("persisted status of %s = %s, want CANCELLED", id, got)
		}
	}

	_, removed := enq.snapshot()
	if len(removed) != 1 || removed[0] != "queued" {
		t.Fatalf("removed from queues = %v, want [queued]", removed)
	}
	if len(hooked) != 1 || hooked[0] != "running" {
		t.Fatalf("cancel hooks ran for %v, want [running]", hooked)
	}
	if s.Cancel(ctx, "unknown") {
		t.Fatal("Cancel(unknown) = true, want false")
	}

	st := s.Status()
	if st.QueueSize != 0 || st.Processing != 0 || st.Active != 0 || st.Stats.Cancelled != 3 {
		t.Fatalf("Status() = %+v", st)
	}
	if _, ok := s.Begin("queued"); ok {
		t.Fatal("Begin() of a cancelled task should report false")
	}
}

func TestSchedulerCancelAllFor(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestScheduler(t, nil, &fakeEnqueuer{}, nil, clock)
	ctx := context.Background()
	now := clock.Now()

	a := task("a", domain.PriorityNormal, now)
	b := task("b", domain.PriorityNormal, now.Add(time.Hour))
	other := task("c", domain.PriorityNormal, now.Add(time.Hour))
	other.AppointmentID = "appt-2"
	for _, tk := range []*domain.ScheduledTask{a, b, other} {
		_, _ = s.Schedule(ctx, tk)
	}
	s.DispatchDue(ctx)

	if got := s.CancelAllFor(ctx, "appt-1"); got != 2 {
		t.Fatalf("CancelAllFor() = %d, want 2", got)
	}
	if got := s.CancelAllFor(ctx, "appt-1"); got != 0 {
		t.Fatalf("second CancelAllFor() = %d, want 0", got)
	}
	if _, ok := s.Get("c"); !ok {
		t.Fatal("task of another appointment was cancelled")
	}
}

func TestSchedulerEnqueueFailureBacksOffThenFails(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	enq := &fakeEnqueuer{
		enqueueFn: func(ctx context.Context, typ domain.QueueType, id string, priority domain.Priority, payload any) (*queue.Message, error) {
			return nil, queue.ErrQueueFull
		},
	}
	sink := &recordingSink{}
	s := newTestScheduler(t, nil, enq, sink, clock)
	ctx := context.Background()

	tk := task("t-1", domain.PriorityNormal, clock.Now())
	tk.MaxRetries = 2
	_, _ = s.Schedule(ctx, tk)

	s.DispatchDue(ctx)
	got, ok := s.Get("t-1")
	if !ok || got.EnqueueAttempts != 1 || !got.ScheduledAt.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("after first rejection task = %+v, want 1 attempt rescheduled in 1m", got)
	}

	// not due yet
	s.DispatchDue(ctx)
	if calls, _ := enq.snapshot(); len(calls) != 1 {
		t.Fatalf("enqueue calls = %d, want 1", len(calls))
	}

	clock.Advance(time.Minute)
	s.DispatchDue(ctx)
	got, _ = s.Get("t-1")
	if got.EnqueueAttempts != 2 || !got.ScheduledAt.Equal(clock.Now().Add(5*time.Minute)) {
		t.Fatalf("after second rejection task = %+v, want 2 attempts rescheduled in 5m", got)
	}

	clock.Advance(5 * time.Minute)
	s.DispatchDue(ctx)
	if _, ok := s.Get("t-1"); ok {
		t.Fatal("task should leave the scheduler after exhausting enqueue retries")
	}
	if st := s.Status(); st.Stats.Failed != 1 || st.Stats.EnqueueFailures != 3 {
		t.Fatalf("stats = %+v, want 1 failed and 3 enqueue failures", st.Stats)
	}
	if !sink.has(events.TaskFailed) {
		t.Fatalf("events = %v, want task.failed", sink.types())
	}
}

func TestSchedulerCustomEnqueueBackoffIsClamped(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	enq := &fakeEnqueuer{
		enqueueFn: func(ctx context.Context, typ domain.QueueType, id string, priority domain.Priority, payload any) (*queue.Message, error) {
			return nil, queue.ErrRateLimited
		},
	}
	s := newTestScheduler(t, nil, enq, nil, clock)
	s.SetEnqueueBackoff(nil)
	s.SetEnqueueBackoff([]time.Duration{10 * time.Second})
	ctx := context.Background()

	tk := task("t-1", domain.PriorityNormal, clock.Now())
	tk.MaxRetries = 5
	_, _ = s.Schedule(ctx, tk)

	for i := 1; i <= 3; i++ {
		s.DispatchDue(ctx)
		got, ok := s.Get("t-1")
		if !ok || got.EnqueueAttempts != i || !got.ScheduledAt.Equal(clock.Now().Add(10*time.Second)) {
			t.Fatalf("after rejection %d task = %+v, want rescheduled in 10s", i, got)
		}
		clock.Advance(10 * time.Second)
	}
}

func TestSchedulerRecoverResetsInterruptedTasks(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var reset []string
	repo := &fakeTaskRepo{
		listByStatusFn: func(ctx context.Context, statuses []domain.TaskStatus, limit int) ([]*domain.ScheduledTask, error) {
			if len(statuses) != 3 {
				t.Fatalf("statuses = %v, want pending, processing and retrying", statuses)
			}
			pending := task("p", domain.PriorityNormal, clock.Now())
			pending.Status = domain.TaskStatusPending
			processing := task("q", domain.PriorityHigh, clock.Now())
			processing.Status = domain.TaskStatusProcessing
			retrying := task("r", domain.PriorityLow, clock.Now())
			retrying.Status = domain.TaskStatusRetrying
			return []*domain.ScheduledTask{pending, processing, retrying}, nil
		},
		updateStatusFn: func(ctx context.Context, id string, status domain.TaskStatus, fields repository.TaskFields) error {
			if status != domain.TaskStatusPending {
				t.Fatalf("reset status = %s, want PENDING", status)
			}
			reset = append(reset, id)
			return nil
		},
	}
	s := newTestScheduler(t, repo, &fakeEnqueuer{}, nil, clock)

	n, err := s.Recover(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Recover() = %d, %v; want 3, nil", n, err)
	}
	if len(reset) != 2 {
		t.Fatalf("reset = %v, want q and r", reset)
	}
	if st := s.Status(); st.QueueSize != 3 || st.Stats.Recovered != 3 {
		t.Fatalf("Status() = %+v", st)
	}

	// a second pass must not duplicate tasks
	if n, _ := s.Recover(context.Background()); n != 0 {
		t.Fatalf("second Recover() = %d, want 0", n)
	}
}

func TestSchedulerRecoverRepositoryError(t *testing.T) {
	t.Parallel()

	repo := &fakeTaskRepo{
		listByStatusFn: func(ctx context.Context, statuses []domain.TaskStatus, limit int) ([]*domain.ScheduledTask, error) {
			return nil, errors.New("db down")
		},
	}
	s := newTestScheduler(t, repo, &fakeEnqueuer{}, nil, newFakeClock())
	if _, err := s.Recover(context.Background()); err == nil {
		t.Fatal("Recover() error = nil, want error")
	}
}

func TestSchedulerFinish(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	sink := &recordingSink{}
	s := newTestScheduler(t, nil, &fakeEnqueuer{}, sink, clock)
	ctx := context.Background()

	_, _ = s.Schedule(ctx, task("t-1", domain.PriorityNormal, clock.Now()))
	s.DispatchDue(ctx)
	if _, ok := s.Begin("t-1"); !ok {
		t.Fatal("Begin() = false")
	}

	if err := s.Finish(ctx, "t-1", domain.TaskStatusPending, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Finish(PENDING) error = %v, want ErrValidation", err)
	}

	if err := s.Finish(ctx, "t-1", domain.TaskStatusRetrying, "smtp down"); err != nil {
		t.Fatalf("Finish(RETRYING) error = %v", err)
	}
	got, ok := s.Get("t-1")
	if !ok || got.Status != domain.TaskStatusRetrying || got.RetryCount != 1 || got.LastError != "smtp down" {
		t.Fatalf("after retry task = %+v", got)
	}
	if RouteQueue(got) != domain.QueueRetry {
		t.Fatalf("retrying task routes to %s, want retry", RouteQueue(got))
	}

	// Begin on an active task returns it again
	if _, ok := s.Begin("t-1"); !ok {
		t.Fatal("Begin() of an active task = false")
	}

	if err := s.Finish(ctx, "t-1", domain.TaskStatusCompleted, ""); err != nil {
		t.Fatalf("Finish(COMPLETED) error = %v", err)
	}
	if _, ok := s.Get("t-1"); ok {
		t.Fatal("completed task still live")
	}
	if err := s.Finish(ctx, "t-1", domain.TaskStatusFailed, "late"); err != nil {
		t.Fatalf("Finish() after completion error = %v, want ignored", err)
	}
	if st := s.Status(); st.Stats.Completed != 1 || st.Stats.Failed != 0 {
		t.Fatalf("stats = %+v", st.Stats)
	}
	if !sink.has(events.TaskCompleted) {
		t.Fatalf("events = %v, want task.completed", sink.types())
	}
}

func TestSchedulerStartReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	var listed atomic.Int32
	repo := &fakeTaskRepo{
		listByStatusFn: func(ctx context.Context, statuses []domain.TaskStatus, limit int) ([]*domain.ScheduledTask, error) {
			listed.Add(1)
			return nil, nil
		},
	}
	enq := &fakeEnqueuer{}
	s, _ := NewScheduler(repo, enq, 10*time.Millisecond, nil, nil)
	_, _ = s.Schedule(context.Background(), task("t-1", domain.PriorityNormal, time.Now().Add(-time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	waitFor(t, "task dispatched", func() bool {
		calls, _ := enq.snapshot()
		return len(calls) == 1
	})
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after context cancel")
	}
	if got := listed.Load(); got != 0 {
		t.Fatalf("Start() loaded the task store %d times, want 0", got)
	}
}
