package service

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"github.com/kursadbilgin/reminder-engine/internal/events"
	"github.com/kursadbilgin/reminder-engine/internal/observability"
	"github.com/kursadbilgin/reminder-engine/internal/queue"
	"github.com/kursadbilgin/reminder-engine/internal/repository"
	"go.uber.org/zap"
)

const defaultSchedulerInterval = 30 * time.Second

// DefaultEnqueueBackoff is applied between failed enqueue attempts of a due task.
var DefaultEnqueueBackoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// Enqueuer hands messages to typed queues.
type Enqueuer interface {
	Enqueue(ctx context.Context, typ domain.QueueType, id string, priority domain.Priority, payload any) (*queue.Message, error)
	Remove(id string) bool
}

// CancelHook runs after a task was cancelled while executing.
type CancelHook func(ctx context.Context, task *domain.ScheduledTask)

type SchedulerStats struct {
	Scheduled       int64 `json:"scheduled"`
	Dispatched      int64 `json:"dispatched"`
	Cancelled       int64 `json:"cancelled"`
	Completed       int64 `json:"completed"`
	Failed          int64 `json:"failed"`
	EnqueueFailures int64 `json:"enqueueFailures"`
	Recovered       int64 `json:"recovered"`
}

type SchedulerStatus struct {
	QueueSize  int            `json:"queueSize"`
	Processing int            `json:"processing"`
	Active     int            `json:"active"`
	Stats      SchedulerStats `json:"stats"`
}

// Scheduler holds not-yet-due tasks in priority order and moves due ones
// into queues. A task lives in exactly one of pending, processing (handed
// to a queue) or active (picked up by a worker).
type Scheduler struct {
	tasks    repository.TaskRepository
	enqueuer Enqueuer
	sink     events.Sink
	logger   *zap.Logger
	metrics  *observability.Metrics
	interval time.Duration
	backoff  []time.Duration
	now      func() time.Time

	mu         sync.Mutex
	pending    taskHeap
	pendingIDs map[string]*taskEntry
	processing map[string]*domain.ScheduledTask
	active     map[string]*domain.ScheduledTask
	onCancel   []CancelHook
	stats      SchedulerStats
}

func NewScheduler(
	tasks repository.TaskRepository,
	enqueuer Enqueuer,
	interval time.Duration,
	sink events.Sink,
	logger *zap.Logger,
) (*Scheduler, error) {
	if enqueuer == nil {
		return nil, fmt.Errorf("enqueuer is required")
	}
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}

	return &Scheduler{
		tasks:      tasks,
		enqueuer:   enqueuer,
		sink:       events.OrNop(sink),
		logger:     observability.ComponentLogger(logger, "scheduler"),
		interval:   interval,
		backoff:    DefaultEnqueueBackoff,
		now:        time.Now,
		pendingIDs: make(map[string]*taskEntry),
		processing: make(map[string]*domain.ScheduledTask),
		active:     make(map[string]*domain.ScheduledTask),
	}, nil
}

func (s *Scheduler) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// SetEnqueueBackoff overrides the intervals used after failed enqueues.
func (s *Scheduler) SetEnqueueBackoff(intervals []time.Duration) {
	if len(intervals) == 0 {
		return
	}
	s.mu.Lock()
	s.backoff = append([]time.Duration(nil), intervals...)
	s.mu.Unlock()
}

func (s *Scheduler) OnCancel(hook CancelHook) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	s.onCancel = append(s.onCancel, hook)
	s.mu.Unlock()
}

// Schedule validates and stores task. It always returns the task id for a
// valid task; persistence failures are logged and do not fail the call.
func (s *Scheduler) Schedule(ctx context.Context, task *domain.ScheduledTask) (string, error) {
	if task == nil {
		return "", fmt.Errorf("%w: task is required", domain.ErrValidation)
	}

	t := task.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Kind == "" {
		t.Kind = domain.TaskKindReminder
	}
	if t.Priority == 0 {
		t.Priority = domain.PriorityNormal
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = domain.DefaultTaskMaxRetries
	}
	t.Status = domain.TaskStatusPending
	t.CreatedAt = s.now()
	if err := t.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.knownLocked(t.ID) {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: task %s already scheduled", domain.ErrConflict, t.ID)
	}
	s.pushLocked(t)
	s.stats.Scheduled++
	pending := s.pending.Len()
	s.mu.Unlock()

	if s.tasks != nil {
		if err := s.tasks.Insert(ctx, t); err != nil {
			s.taskLogger(ctx, t).Warn("failed to persist scheduled task", zap.Error(err))
		}
	}

	s.metrics.IncTaskScheduled(t.Kind.String())
	s.metrics.SetSchedulerPending(pending)
	s.emit(ctx, t, events.TaskScheduled, events.SeverityInfo,
		"scheduledAt", t.ScheduledAt.UTC().Format(time.RFC3339),
	)
	s.taskLogger(ctx, t).Info("task scheduled", zap.Time("scheduledAt", t.ScheduledAt))
	return t.ID, nil
}

// Cancel removes the task from whichever stage holds it. A task already
// executing finishes its current attempt but is not retried. Cancelling an
// unknown or finished task returns false.
func (s *Scheduler) Cancel(ctx context.Context, id string) bool {
	s.mu.Lock()
	var (
		task        *domain.ScheduledTask
		wasQueued   bool
		wasActive   bool
		cancelHooks []CancelHook
	)
	switch {
	case s.pendingIDs[id] != nil:
		entry := s.pendingIDs[id]
		heap.Remove(&s.pending, entry.index)
		delete(s.pendingIDs, id)
		task = entry.task
	case s.processing[id] != nil:
		task = s.processing[id]
		delete(s.processing, id)
		wasQueued = true
	case s.active[id] != nil:
		task = s.active[id]
		delete(s.active, id)
		wasActive = true
		cancelHooks = append(cancelHooks, s.onCancel...)
	default:
		s.mu.Unlock()
		return false
	}
	if err := task.Transition(domain.TaskStatusCancelled); err != nil {
		s.mu.Unlock()
		s.taskLogger(ctx, task).Warn("cancel rejected", zap.Error(err))
		return false
	}
	s.stats.Cancelled++
	pending := s.pending.Len()
	snapshot := task.Clone()
	s.mu.Unlock()

	if wasQueued {
		s.enqueuer.Remove(id)
	}
	for _, hook := range cancelHooks {
		hook(ctx, snapshot)
	}

	s.persist(ctx, snapshot, repository.TaskFields{})
	s.metrics.IncTaskCancelled()
	s.metrics.SetSchedulerPending(pending)
	s.emit(ctx, snapshot, events.TaskCancelled, events.SeverityInfo,
		"inFlight", strconv.FormatBool(wasActive),
	)
	s.taskLogger(ctx, snapshot).Info("task cancelled", zap.Bool("inFlight", wasActive))
	return true
}

// CancelAllFor cancels every live task of the appointment and returns how
// many were cancelled.
func (s *Scheduler) CancelAllFor(ctx context.Context, appointmentID string) int {
	if appointmentID == "" {
		return 0
	}

	s.mu.Lock()
	var ids []string
	for id, entry := range s.pendingIDs {
		if entry.task.AppointmentID == appointmentID {
			ids = append(ids, id)
		}
	}
	for _, set := range []map[string]*domain.ScheduledTask{s.processing, s.active} {
		for id, t := range set {
			if t.AppointmentID == appointmentID {
				ids = append(ids, id)
			}
		}
	}
	s.mu.Unlock()

	cancelled := 0
	for _, id := range ids {
		if s.Cancel(ctx, id) {
			cancelled++
		}
	}
	return cancelled
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SchedulerStatus{
		QueueSize:  s.pending.Len(),
		Processing: len(s.processing),
		Active:     len(s.active),
		Stats:      s.stats,
	}
}

// Get returns a copy of a live task.
func (s *Scheduler) Get(id string) (*domain.ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.pendingIDs[id]; ok {
		return entry.task.Clone(), true
	}
	if t, ok := s.processing[id]; ok {
		return t.Clone(), true
	}
	if t, ok := s.active[id]; ok {
		return t.Clone(), true
	}
	return nil, false
}

// Start dispatches due tasks on every tick until ctx is done. Persisted
// tasks are reloaded by Recover, which the caller runs before Start.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.DispatchDue(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.DispatchDue(ctx)
		}
	}
}

// RunOnce runs a single dispatch pass.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.DispatchDue(ctx)
	return nil
}

// Recover rebuilds the pending set from the task store. Tasks that were
// processing or retrying when the process stopped are pending again.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	if s.tasks == nil {
		return 0, nil
	}

	stored, err := s.tasks.ListByStatus(ctx, []domain.TaskStatus{
		domain.TaskStatusPending,
		domain.TaskStatusProcessing,
		domain.TaskStatusRetrying,
	}, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending tasks: %w", err)
	}

	var reset []*domain.ScheduledTask
	s.mu.Lock()
	loaded := 0
	for _, t := range stored {
		if t == nil || s.knownLocked(t.ID) {
			continue
		}
		if t.Status != domain.TaskStatusPending {
			t.Status = domain.TaskStatusPending
			reset = append(reset, t.Clone())
		}
		s.pushLocked(t)
		loaded++
	}
	s.stats.Recovered += int64(loaded)
	pending := s.pending.Len()
	s.mu.Unlock()

	for _, t := range reset {
		s.persist(ctx, t, repository.TaskFields{})
	}
	s.metrics.SetSchedulerPending(pending)
	if loaded > 0 {
		s.logger.Info("scheduled tasks recovered", zap.Int("count", loaded), zap.Int("reset", len(reset)))
	}
	return loaded, nil
}

// DispatchDue hands every task whose time has come to its queue, most
// urgent first, and returns how many were enqueued.
func (s *Scheduler) DispatchDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*domain.ScheduledTask
	for _, entry := range s.pending {
		if !entry.task.ScheduledAt.After(now) {
			due = append(due, entry.task)
		}
	}
	for _, t := range due {
		heap.Remove(&s.pending, s.pendingIDs[t.ID].index)
		delete(s.pendingIDs, t.ID)
		s.processing[t.ID] = t
	}
	s.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].Less(due[j]) })

	dispatched := 0
	for _, t := range due {
		if s.dispatch(ctx, t) {
			dispatched++
		}
	}

	s.mu.Lock()
	pending := s.pending.Len()
	s.mu.Unlock()
	s.metrics.SetSchedulerPending(pending)
	return dispatched
}

func (s *Scheduler) dispatch(ctx context.Context, t *domain.ScheduledTask) bool {
	s.mu.Lock()
	typ := RouteQueue(t)
	id, priority := t.ID, t.Priority
	s.mu.Unlock()

	_, err := s.enqueuer.Enqueue(ctx, typ, id, priority, Dispatch{TaskID: id})
	if err != nil {
		s.enqueueFailed(ctx, t, typ, err)
		return false
	}

	s.mu.Lock()
	_, queued := s.processing[id]
	_, running := s.active[id]
	if !queued && !running {
		// cancelled while the message was being enqueued
		s.mu.Unlock()
		s.enqueuer.Remove(id)
		return false
	}
	if t.Status == domain.TaskStatusPending {
		_ = t.Transition(domain.TaskStatusProcessing)
	}
	t.EnqueueAttempts = 0
	s.stats.Dispatched++
	snapshot := t.Clone()
	s.mu.Unlock()

	zero := 0
	s.persist(ctx, snapshot, repository.TaskFields{EnqueueAttempts: &zero})
	s.metrics.IncTaskDispatched(typ.String())
	s.emit(ctx, snapshot, events.TaskDispatched, events.SeverityInfo, "queue", typ.String())
	s.taskLogger(ctx, snapshot).Debug("task dispatched", zap.String("queue", typ.String()))
	return true
}

func (s *Scheduler) enqueueFailed(ctx context.Context, t *domain.ScheduledTask, typ domain.QueueType, cause error) {
	reason := enqueueFailureReason(cause)
	s.metrics.IncEnqueueFailure(typ.String(), reason)

	s.mu.Lock()
	if _, ok := s.processing[t.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.processing, t.ID)
	s.stats.EnqueueFailures++

	t.EnqueueAttempts++
	t.LastError = cause.Error()
	attempts := t.EnqueueAttempts
	failed := attempts > t.MaxRetries
	if failed {
		_ = t.Transition(domain.TaskStatusFailed)
		s.stats.Failed++
	} else {
		t.ScheduledAt = s.now().Add(clampedInterval(s.backoff, attempts-1))
		s.pushLocked(t)
	}
	snapshot := t.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot, repository.TaskFields{
		EnqueueAttempts: &snapshot.EnqueueAttempts,
		ScheduledAt:     &snapshot.ScheduledAt,
		LastError:       &snapshot.LastError,
	})

	logger := s.taskLogger(ctx, snapshot).With(
		zap.String("queue", typ.String()),
		zap.String("reason", reason),
		zap.Int("enqueueAttempts", attempts),
		zap.Error(cause),
	)
	if failed {
		logger.Error("task failed after repeated enqueue rejections")
		s.emit(ctx, snapshot, events.TaskFailed, events.SeverityError,
			"reason", "enqueue_"+reason,
			"error", snapshot.LastError,
		)
		return
	}
	logger.Warn("task enqueue rejected, backing off", zap.Time("nextAttemptAt", snapshot.ScheduledAt))
}

// Begin claims a dispatched task for a worker. It reports false when the
// task was cancelled or is unknown, in which case the message is skipped.
func (s *Scheduler) Begin(id string) (*domain.ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.processing[id]; ok {
		delete(s.processing, id)
		if t.Status == domain.TaskStatusPending {
			_ = t.Transition(domain.TaskStatusProcessing)
		}
		s.active[id] = t
		return t.Clone(), true
	}
	if t, ok := s.active[id]; ok {
		return t.Clone(), true
	}
	return nil, false
}

// Finish records the outcome of a delivery cycle. RETRYING keeps the task
// active for the next cycle; COMPLETED and FAILED release it. Outcomes for
// tasks no longer active are ignored.
func (s *Scheduler) Finish(ctx context.Context, id string, outcome domain.TaskStatus, lastError string) error {
	switch outcome {
	case domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusRetrying:
	default:
		return fmt.Errorf("%w: unsupported outcome %s", domain.ErrValidation, outcome)
	}

	s.mu.Lock()
	t, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if err := t.Transition(outcome); err != nil {
		s.mu.Unlock()
		return err
	}
	at := s.now()
	t.LastAttemptAt = &at
	t.LastError = lastError
	switch outcome {
	case domain.TaskStatusRetrying:
		t.RetryCount++
	case domain.TaskStatusCompleted:
		delete(s.active, id)
		s.stats.Completed++
	case domain.TaskStatusFailed:
		delete(s.active, id)
		s.stats.Failed++
	}
	snapshot := t.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot, repository.TaskFields{
		RetryCount:    &snapshot.RetryCount,
		LastAttemptAt: snapshot.LastAttemptAt,
		LastError:     &snapshot.LastError,
	})

	logger := s.taskLogger(ctx, snapshot)
	switch outcome {
	case domain.TaskStatusCompleted:
		s.emit(ctx, snapshot, events.TaskCompleted, events.SeverityInfo)
		logger.Info("task completed")
	case domain.TaskStatusFailed:
		s.emit(ctx, snapshot, events.TaskAbandoned, events.SeverityWarning, "error", lastError)
		logger.Warn("task abandoned", zap.String("lastError", lastError))
	default:
		logger.Info("task retrying", zap.Int("retryCount", snapshot.RetryCount))
	}
	return nil
}

func (s *Scheduler) knownLocked(id string) bool {
	if _, ok := s.pendingIDs[id]; ok {
		return true
	}
	if _, ok := s.processing[id]; ok {
		return true
	}
	_, ok := s.active[id]
	return ok
}

func (s *Scheduler) pushLocked(t *domain.ScheduledTask) {
	entry := &taskEntry{task: t}
	heap.Push(&s.pending, entry)
	s.pendingIDs[t.ID] = entry
}

func (s *Scheduler) persist(ctx context.Context, t *domain.ScheduledTask, fields repository.TaskFields) {
	if s.tasks == nil {
		return
	}
	if err := s.tasks.UpdateStatus(ctx, t.ID, t.Status, fields); err != nil {
		s.taskLogger(ctx, t).Warn("failed to persist task status",
			zap.String("status", t.Status.String()),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) emit(ctx context.Context, t *domain.ScheduledTask, typ events.Type, severity events.Severity, kv ...string) {
	fields := []string{
		"taskId", t.ID,
		"appointmentId", t.AppointmentID,
		"recipientId", t.RecipientID,
		"kind", t.Kind.String(),
		"priority", t.Priority.String(),
		"status", t.Status.String(),
	}
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		fields = append(fields, "correlationId", correlationID)
	}
	s.sink.Emit(ctx, events.New(typ, severity, append(fields, kv...)...))
}

func (s *Scheduler) taskLogger(ctx context.Context, t *domain.ScheduledTask) *zap.Logger {
	return observability.WithContextLogger(s.logger, ctx).With(
		observability.TaskFields(t.ID, t.AppointmentID, t.RecipientID)...,
	)
}

// RouteQueue picks the queue a task is dispatched to.
func RouteQueue(t *domain.ScheduledTask) domain.QueueType {
	switch {
	case t.Queue != "":
		return t.Queue
	case t.RetryCount > 0:
		return domain.QueueRetry
	case t.Priority == domain.PriorityUrgent:
		return domain.QueueImmediate
	case t.Priority == domain.PriorityLow:
		return domain.QueueLowPriority
	default:
		return domain.QueueScheduled
	}
}

func enqueueFailureReason(err error) string {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, queue.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, queue.ErrUnknownQueue):
		return "unknown_queue"
	case errors.Is(err, domain.ErrConflict):
		return "duplicate"
	default:
		return "error"
	}
}

// clampedInterval reuses the last interval once n runs past the list.
func clampedInterval(intervals []time.Duration, n int) time.Duration {
	if len(intervals) == 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	return intervals[min(n, len(intervals)-1)]
}

type taskEntry struct {
	task  *domain.ScheduledTask
	index int
}

type taskHeap []*taskEntry

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].task.Less(h[j].task) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	e := x.(*taskEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
