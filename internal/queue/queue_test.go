package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
)

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
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

func okProcessor(r *recorder) Processor {
	return func(_ context.Context, msg *Message) error {
		r.add(msg.ID)
		return nil
	}
}

func TestBufferOrdersByPriorityThenEnqueueTime(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	b := newBuffer()
	b.push(&Message{ID: "low", Priority: domain.PriorityLow, EnqueuedAt: base})
	b.push(&Message{ID: "normal-late", Priority: domain.PriorityNormal, EnqueuedAt: base.Add(time.Second)})
	b.push(&Message{ID: "normal-early", Priority: domain.PriorityNormal, EnqueuedAt: base})
	b.push(&Message{ID: "urgent", Priority: domain.PriorityUrgent, EnqueuedAt: base.Add(time.Hour)})
	b.push(&Message{ID: "normal-early-2", Priority: domain.PriorityNormal, EnqueuedAt: base})

	want := []string{"urgent", "normal-early", "normal-early-2", "normal-late", "low"}
	for i, id := range want {
		got := b.pop()
		if got == nil || got.ID != id {
			t.Fatalf("pop #%d = %v, want %s", i, got, id)
		}
	}
	if b.pop() != nil {
		t.Fatal("pop() on empty buffer should return nil")
	}
}

func TestBufferRemove(t *testing.T) {
	t.Parallel()

	b := newBuffer()
	for _, id := range []string{"a", "b", "c"} {
		b.push(&Message{ID: id, Priority: domain.PriorityNormal})
	}

	if !b.remove("b") {
		t.Fatal("remove(b) = false, want true")
	}
	if b.remove("b") {
		t.Fatal("second remove(b) = true, want false")
	}
	if b.contains("b") || b.len() != 2 {
		t.Fatalf("buffer still holds b or len = %d, want 2", b.len())
	}
	if got := b.pop().ID; got != "a" {
		t.Fatalf("pop() = %s, want a", got)
	}
}

func TestQueueDequeuesHigherPriorityFirst(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	q, err := NewQueue(domain.QueueImmediate, Config{MaxWorkers: 1, BatchSize: 10}, okProcessor(rec), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}

	ctx := context.Background()
	for _, in := range []struct {
		id       string
		priority domain.Priority
	}{
		{"low", domain.PriorityLow},
		{"normal", domain.PriorityNormal},
		{"urgent", domain.PriorityUrgent},
		{"high", domain.PriorityHigh},
	} {
		if _, err := q.Enqueue(ctx, in.id, in.priority, nil); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", in.id, err)
		}
	}

	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer q.Stop(context.Background())

	waitFor(t, "all messages processed", func() bool { return len(rec.snapshot()) == 4 })

	got := rec.snapshot()
	want := []string{"urgent", "high", "normal", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("processing order = %v, want %v", got, want)
		}
	}

	stats := q.Stats()
	if stats.TotalProcessed != 4 || stats.Successes != 4 || stats.PeakDepth != 4 || stats.Depth != 0 {
		t.Fatalf("Stats() = %+v", stats)
	}
}

func TestQueueEnqueueRejectsWhenFull(t *testing.T) {
	t.Parallel()

	q, _ := NewQueue(domain.QueueBulk, Config{MaxSize: 2, RateLimit: 100}, okProcessor(&recorder{}), nil, nil, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := q.Enqueue(ctx, id, domain.PriorityNormal, nil); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}

	if _, err := q.Enqueue(ctx, "c", domain.PriorityUrgent, nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue() error = %v, want ErrQueueFull", err)
	}
	if stats := q.Stats(); stats.Rejected != 1 || stats.Depth != 2 {
		t.Fatalf("Stats() = %+v, want 1 rejected and depth 2", stats)
	}
}

func TestQueueEnqueueRejectsOverRateLimit(t *testing.T) {
	t.Parallel()

	q, _ := NewQueue(domain.QueueRetry, Config{MaxSize: 100, RateLimit: 3}, okProcessor(&recorder{}), nil, nil, nil)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, id, domain.PriorityNormal, nil); err != nil {
			t.Fatalf("Enqueue #%d error = %v", i, err)
		}
	}
	if _, err := q.Enqueue(ctx, "d", domain.PriorityNormal, nil); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Enqueue() error = %v, want ErrRateLimited", err)
	}
}

func TestQueueEnqueueValidation(t *testing.T) {
	t.Parallel()

	q, _ := NewQueue(domain.QueueImmediate, Config{}, okProcessor(&recorder{}), nil, nil, nil)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "a", domain.Priority(9), nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Enqueue() error = %v, want ErrValidation", err)
	}
	if _, err := q.Enqueue(ctx, "a", domain.PriorityHigh, nil); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Enqueue(ctx, "a", domain.PriorityHigh, nil); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate Enqueue() error = %v, want ErrConflict", err)
	}

	if _, err := NewQueue("fax", Config{}, okProcessor(&recorder{}), nil, nil, nil); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("NewQueue() error = %v, want ErrUnknownQueue", err)
	}
	if _, err := NewQueue(domain.QueueImmediate, Config{}, nil, nil, nil, nil); err == nil {
		t.Fatal("expected error for nil processor")
	}
}

// gateLimiter holds every Allow call until release is closed.
type gateLimiter struct {
	arrived chan struct{}
	release chan struct{}
}

func (g *gateLimiter) Allow(ctx context.Context, channel string, key string) (bool, error) {
	g.arrived <- struct{}{}
	<-g.release
	return true, nil
}

func TestQueueConcurrentDuplicateEnqueueAdmitsOne(t *testing.T) {
	t.Parallel()

	gate := &gateLimiter{arrived: make(chan struct{}, 2), release: make(chan struct{})}
	q, _ := NewQueue(domain.QueueScheduled, Config{}, okProcessor(&recorder{}), gate, nil, nil)
	ctx := context.Background()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := q.Enqueue(ctx, "task-1", domain.PriorityNormal, nil)
			errs <- err
		}()
	}
	<-gate.arrived
	<-gate.arrived
	close(gate.release)

	accepted, conflicts := 0, 0
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			accepted++
		case errors.Is(err, domain.ErrConflict):
			conflicts++
		default:
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	if accepted != 1 || conflicts != 1 || q.Len() != 1 {
		t.Fatalf("accepted=%d conflicts=%d len=%d, want 1/1/1", accepted, conflicts, q.Len())
	}
}

func TestQueueRequeuesFailedMessageUntilMaxRetries(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := map[string]int{}
	processor := func(_ context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls[msg.ID]++
		if msg.ID == "flaky" && calls[msg.ID] == 1 {
			return errors.New("transient")
		}
		if msg.ID == "broken" {
			return errors.New("permanent")
		}
		return nil
	}

	q, _ := NewQueue(domain.QueueRetry, Config{MaxWorkers: 1, MaxRetries: 2, ErrorThreshold: 100}, processor, nil, nil, nil)
	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer q.Stop(context.Background())

	_, _ = q.Enqueue(ctx, "flaky", domain.PriorityNormal, nil)
	_, _ = q.Enqueue(ctx, "broken", domain.PriorityNormal, nil)

	waitFor(t, "broken message dropped", func() bool { return q.Stats().Dropped == 1 })
	waitFor(t, "flaky message succeeded", func() bool { return q.Stats().Successes == 1 })

	mu.Lock()
	defer mu.Unlock()
	if calls["flaky"] != 2 {
		t.Fatalf("flaky calls = %d, want 2", calls["flaky"])
	}
	if calls["broken"] != 3 {
		t.Fatalf("broken calls = %d, want 3", calls["broken"])
	}
	if stats := q.Stats(); stats.Requeued != 3 || stats.Failures != 4 {
		t.Fatalf("Stats() = %+v, want 3 requeued and 4 failures", stats)
	}
}

func TestQueueRecoversProcessorPanic(t *testing.T) {
	t.Parallel()

	processor := func(context.Context, *Message) error { panic("boom") }
	q, _ := NewQueue(domain.QueueImmediate, Config{MaxWorkers: 1}, processor, nil, nil, nil)
	ctx := context.Background()
	_ = q.Start(ctx)
	defer q.Stop(context.Background())

	_, _ = q.Enqueue(ctx, "p", domain.PriorityNormal, nil)
	waitFor(t, "panic recorded as failure", func() bool { return q.Stats().Failures >= 1 })

	if got := q.Stats().LastError; got != "processor panicked: boom" {
		t.Fatalf("LastError = %q", got)
	}
}

func TestQueueEntersErrorAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	processor := func(context.Context, *Message) error { return errors.New("down") }
	q, _ := NewQueue(domain.QueueScheduled, Config{MaxWorkers: 1, MaxRetries: 0, ErrorThreshold: 3}, processor, nil, nil, nil)
	ctx := context.Background()
	_ = q.Start(ctx)
	defer q.Stop(context.Background())

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, _ = q.Enqueue(ctx, id, domain.PriorityNormal, nil)
	}

	waitFor(t, "queue in ERROR", func() bool { return q.Status() == StatusError })

	stats := q.Stats()
	if stats.ConsecutiveErrors != 3 || stats.ErrorSince == nil {
		t.Fatalf("Stats() = %+v", stats)
	}
	time.Sleep(50 * time.Millisecond)
	if got := q.Stats().Depth; got != 2 {
		t.Fatalf("depth while in ERROR = %d, want 2", got)
	}

	if err := q.Restart(context.Background()); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if q.Status() != StatusActive {
		t.Fatalf("Status() after restart = %s, want ACTIVE", q.Status())
	}
}

func TestQueuePauseResume(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	q, _ := NewQueue(domain.QueueImmediate, Config{MaxWorkers: 2}, okProcessor(rec), nil, nil, nil)
	ctx := context.Background()

	if err := q.Pause(); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Pause() on stopped queue error = %v, want ErrInvalidTransition", err)
	}

	_ = q.Start(ctx)
	defer q.Stop(context.Background())

	if err := q.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	_, _ = q.Enqueue(ctx, "held", domain.PriorityUrgent, nil)
	time.Sleep(50 * time.Millisecond)
	if len(rec.snapshot()) != 0 {
		t.Fatal("paused queue processed a message")
	}

	if err := q.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	waitFor(t, "held message processed", func() bool { return len(rec.snapshot()) == 1 })
}

func TestQueueRemove(t *testing.T) {
	t.Parallel()

	q, _ := NewQueue(domain.QueueImmediate, Config{}, okProcessor(&recorder{}), nil, nil, nil)
	_, _ = q.Enqueue(context.Background(), "a", domain.PriorityNormal, nil)

	if !q.Remove("a") {
		t.Fatal("Remove(a) = false, want true")
	}
	if q.Remove("a") {
		t.Fatal("second Remove(a) = true, want false")
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestConfigWithDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	if cfg.MaxSize != 1000 || cfg.MaxWorkers != 1 || cfg.BatchSize != 1 || cfg.ErrorThreshold != defaultErrorThreshold {
		t.Fatalf("withDefaults() = %+v", cfg)
	}

	immediate := DefaultConfigs()[domain.QueueImmediate].withDefaults()
	low := DefaultConfigs()[domain.QueueLowPriority].withDefaults()
	if immediate.idlePoll() >= low.idlePoll() {
		t.Fatalf("immediate poll %s should be shorter than low priority poll %s", immediate.idlePoll(), low.idlePoll())
	}
	if len(DefaultConfigs()) != len(domain.AllQueueTypes()) {
		t.Fatal("DefaultConfigs() should cover every queue type")
	}
}
