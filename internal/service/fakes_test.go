package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"github.com/kursadbilgin/reminder-engine/internal/events"
	"github.com/kursadbilgin/reminder-engine/internal/provider"
	"github.com/kursadbilgin/reminder-engine/internal/queue"
	"github.com/kursadbilgin/reminder-engine/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type enqueued struct {
	Queue    domain.QueueType
	ID       string
	Priority domain.Priority
	Payload  any
}

type fakeEnqueuer struct {
	mu        sync.Mutex
	enqueueFn func(ctx context.Context, typ domain.QueueType, id string, priority domain.Priority, payload any) (*queue.Message, error)
	calls     []enqueued
	removed   []string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, typ domain.QueueType, id string, priority domain.Priority, payload any) (*queue.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, enqueued{Queue: typ, ID: id, Priority: priority, Payload: payload})
	fn := f.enqueueFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, typ, id, priority, payload)
	}
	return &queue.Message{ID: id, Queue: typ, Priority: priority, Payload: payload}, nil
}

func (f *fakeEnqueuer) Remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return true
}

func (f *fakeEnqueuer) snapshot() ([]enqueued, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueued(nil), f.calls...), append([]string(nil), f.removed...)
}

type fakeTaskRepo struct {
	insertFn       func(ctx context.Context, t *domain.ScheduledTask) error
	updateStatusFn func(ctx context.Context, id string, status domain.TaskStatus, fields repository.TaskFields) error
	getByIDFn      func(ctx context.Context, id string) (*domain.ScheduledTask, error)
	listByStatusFn func(ctx context.Context, statuses []domain.TaskStatus, limit int) ([]*domain.ScheduledTask, error)
}

func (f *fakeTaskRepo) Insert(ctx context.Context, t *domain.ScheduledTask) error {
	if f.insertFn != nil {
		return f.insertFn(ctx, t)
	}
	return nil
}

func (f *fakeTaskRepo) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, fields repository.TaskFields) error {
	if f.updateStatusFn != nil {
		return f.updateStatusFn(ctx, id, status, fields)
	}
	return nil
}

func (f *fakeTaskRepo) GetByID(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeTaskRepo) ListByStatus(ctx context.Context, statuses []domain.TaskStatus, limit int) ([]*domain.ScheduledTask, error) {
	if f.listByStatusFn != nil {
		return f.listByStatusFn(ctx, statuses, limit)
	}
	return nil, nil
}

type fakeNotificationRepo struct {
	saveFn         func(ctx context.Context, n *domain.NotificationTask) error
	getByIDFn      func(ctx context.Context, id string) (*domain.NotificationTask, error)
	listByStatusFn func(ctx context.Context, statuses []domain.DeliveryStatus, limit int) ([]*domain.NotificationTask, error)
}

func (f *fakeNotificationRepo) Save(ctx context.Context, n *domain.NotificationTask) error {
	if f.saveFn != nil {
		return f.saveFn(ctx, n)
	}
	return nil
}

func (f *fakeNotificationRepo) GetByID(ctx context.Context, id string) (*domain.NotificationTask, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeNotificationRepo) ListByStatus(ctx context.Context, statuses []domain.DeliveryStatus, limit int) ([]*domain.NotificationTask, error) {
	if f.listByStatusFn != nil {
		return f.listByStatusFn(ctx, statuses, limit)
	}
	return nil, nil
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	created  []domain.DeliveryAttempt
	createFn func(ctx context.Context, notificationID string, a domain.DeliveryAttempt) error
}

func (f *fakeAttemptRepo) Create(ctx context.Context, notificationID string, a domain.DeliveryAttempt) error {
	f.mu.Lock()
	f.created = append(f.created, a)
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn(ctx, notificationID, a)
	}
	return nil
}

func (f *fakeAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DeliveryAttempt(nil), f.created...), nil
}

type fakeProvider struct {
	name   string
	method domain.DeliveryMethod
	sendFn func(ctx context.Context, recipient string, message string, metadata map[string]any) (*provider.SendResult, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string                  { return f.name }
func (f *fakeProvider) Method() domain.DeliveryMethod { return f.method }

func (f *fakeProvider) Send(ctx context.Context, recipient string, message string, metadata map[string]any) (*provider.SendResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.sendFn != nil {
		return f.sendFn(ctx, recipient, message, metadata)
	}
	return &provider.SendResult{Success: true, ResponseTime: 10 * time.Millisecond}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, channel string, key string) (bool, error)
}

func (f *fakeRateLimiter) Allow(ctx context.Context, channel string, key string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, channel, key)
	}
	return true, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(_ context.Context, e events.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *recordingSink) has(typ events.Type) bool {
	for _, t := range s.types() {
		if t == typ {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
