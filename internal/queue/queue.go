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
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull    = errors.New("queue is full")
	ErrRateLimited  = errors.New("queue rate limit exceeded")
	ErrUnknownQueue = errors.New("unknown queue")
)

type Status string

const (
	StatusStopped Status = "STOPPED"
	StatusActive  Status = "ACTIVE"
	StatusPaused  Status = "PAUSED"
	StatusError   Status = "ERROR"
)

var allStatuses = []string{string(StatusStopped), string(StatusActive), string(StatusPaused), string(StatusError)}

// Processor handles one message. A returned error counts as a processor
// failure and re-queues the message until the queue's MaxRetries.
type Processor func(ctx context.Context, msg *Message) error

// Stats are the aggregate counters of one queue.
type Stats struct {
	Queue             domain.QueueType `json:"queue"`
	Status            Status           `json:"status"`
	Depth             int              `json:"depth"`
	PeakDepth         int              `json:"peakDepth"`
	TotalProcessed    int64            `json:"totalProcessed"`
	Successes         int64            `json:"successes"`
	Failures          int64            `json:"failures"`
	Requeued          int64            `json:"requeued"`
	Dropped           int64            `json:"dropped"`
	Rejected          int64            `json:"rejected"`
	AvgProcessingTime time.Duration    `json:"avgProcessingTime"`
	ConsecutiveErrors int              `json:"consecutiveErrors"`
	LastError         string           `json:"lastError,omitempty"`
	ErrorSince        *time.Time       `json:"errorSince,omitempty"`
}

// avgSmoothing weights the newest sample of the rolling processing time.
const avgSmoothing = 0.2

// Queue is a bounded priority buffer drained by a pool of workers.
type Queue struct {
	typ       domain.QueueType
	cfg       Config
	processor Processor
	limiter   ratelimit.RateLimiter
	sink      events.Sink
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu         sync.Mutex
	buf        *buffer
	status     Status
	stats      Stats
	errorSince time.Time
	parent     context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	wake chan struct{}
}

func NewQueue(
	typ domain.QueueType,
	cfg Config,
	processor Processor,
	limiter ratelimit.RateLimiter,
	sink events.Sink,
	logger *zap.Logger,
) (*Queue, error) {
	if !typ.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, typ)
	}
	if processor == nil {
		return nil, fmt.Errorf("queue processor is required")
	}
	cfg = cfg.withDefaults()
	if limiter == nil {
		limiter = ratelimit.NewMemoryRateLimiter(cfg.RateLimit, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		typ:       typ,
		cfg:       cfg,
		processor: processor,
		limiter:   limiter,
		sink:      events.OrNop(sink),
		logger:    logger.With(zap.String("queue", typ.String())),
		now:       time.Now,
		buf:       newBuffer(),
		status:    StatusStopped,
		stats:     Stats{Queue: typ},
		wake:      make(chan struct{}, 1),
	}, nil
}

func (q *Queue) Type() domain.QueueType { return q.typ }
func (q *Queue) Config() Config         { return q.cfg }

// RateLimitChannel is the limiter channel this queue admits enqueues under.
func RateLimitChannel(typ domain.QueueType) string {
	return "queue:" + typ.String()
}

// Enqueue buffers payload under id. It never blocks: a full buffer returns
// ErrQueueFull and a denied rate limit returns ErrRateLimited. Messages are
// accepted in every status and drained once the queue is active.
func (q *Queue) Enqueue(ctx context.Context, id string, priority domain.Priority, payload any) (*Message, error) {
	if !priority.IsValid() {
		return nil, fmt.Errorf("%w: invalid priority %d", domain.ErrValidation, priority)
	}

	q.mu.Lock()
	full := q.buf.len() >= q.cfg.MaxSize
	duplicate := id != "" && q.buf.contains(id)
	q.mu.Unlock()
	if duplicate {
		return nil, fmt.Errorf("%w: message %s already queued", domain.ErrConflict, id)
	}
	if full {
		q.reject("queue_full")
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, q.typ)
	}

	allowed, err := q.limiter.Allow(ctx, RateLimitChannel(q.typ), "enqueue")
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if !allowed {
		q.reject("rate_limited")
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, q.typ)
	}

	msg := &Message{
		ID:         id,
		Queue:      q.typ,
		Priority:   priority,
		Payload:    payload,
		EnqueuedAt: q.now(),
	}

	q.mu.Lock()
	// state may have changed while the limiter was consulted
	if id != "" && q.buf.contains(id) {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: message %s already queued", domain.ErrConflict, id)
	}
	if q.buf.len() >= q.cfg.MaxSize {
		q.mu.Unlock()
		q.reject("queue_full")
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, q.typ)
	}
	q.buf.push(msg)
	depth := q.trackDepthLocked()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(q.typ.String(), depth)
	q.signal()
	return msg, nil
}

func (q *Queue) reject(reason string) {
	q.mu.Lock()
	q.stats.Rejected++
	q.mu.Unlock()
	q.metrics.IncQueueRejected(q.typ.String(), reason)
}

// Remove drops a buffered message. It reports false when id is not buffered.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	removed := q.buf.remove(id)
	depth := q.buf.len()
	q.mu.Unlock()

	if removed {
		q.metrics.SetQueueDepth(q.typ.String(), depth)
	}
	return removed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.len()
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Start launches the worker pool under parent. Starting a running queue
// only clears PAUSED.
func (q *Queue) Start(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	q.mu.Lock()
	if q.cancel != nil {
		from := q.status
		if from == StatusPaused {
			q.status = StatusActive
		}
		q.mu.Unlock()
		q.changed(from, q.Status())
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	from := q.status
	q.parent = parent
	q.cancel = cancel
	q.done = done
	q.status = StatusActive
	q.stats.ConsecutiveErrors = 0
	q.errorSince = time.Time{}
	q.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.MaxWorkers; i++ {
		g.Go(func() error {
			q.work(gctx)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(done)
	}()

	q.logger.Info("queue started", zap.Int("workers", q.cfg.MaxWorkers))
	q.changed(from, StatusActive)
	q.signal()
	return nil
}

// Stop cancels the workers and waits for in-flight messages to finish or
// for ctx to expire. Buffered messages are kept.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	from := q.status
	q.cancel = nil
	q.done = nil
	q.status = StatusStopped
	q.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("queue %s stop: %w", q.typ, ctx.Err())
	}

	q.logger.Info("queue stopped")
	q.changed(from, StatusStopped)
	return nil
}

// Pause keeps the workers alive but stops them pulling messages.
func (q *Queue) Pause() error {
	q.mu.Lock()
	from := q.status
	if from != StatusActive {
		q.mu.Unlock()
		if from == StatusPaused {
			return nil
		}
		return fmt.Errorf("%w: cannot pause queue %s in status %s", domain.ErrInvalidTransition, q.typ, from)
	}
	q.status = StatusPaused
	q.mu.Unlock()

	q.changed(from, StatusPaused)
	return nil
}

func (q *Queue) Resume() error {
	q.mu.Lock()
	from := q.status
	if from != StatusPaused {
		q.mu.Unlock()
		if from == StatusActive {
			return nil
		}
		return fmt.Errorf("%w: cannot resume queue %s in status %s", domain.ErrInvalidTransition, q.typ, from)
	}
	q.status = StatusActive
	q.mu.Unlock()

	q.changed(from, StatusActive)
	q.signal()
	return nil
}

// Restart stops and starts the workers under the context of the last
// Start, clearing the error streak.
func (q *Queue) Restart(ctx context.Context) error {
	q.mu.Lock()
	parent := q.parent
	q.mu.Unlock()

	if err := q.Stop(ctx); err != nil {
		return err
	}
	return q.Start(parent)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Status = q.status
	s.Depth = q.buf.len()
	if !q.errorSince.IsZero() {
		since := q.errorSince
		s.ErrorSince = &since
	}
	return s
}

func (q *Queue) work(ctx context.Context) {
	idle := q.cfg.idlePoll()
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		batch := q.popBatch()
		if len(batch) == 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-timer.C:
			}
			continue
		}

		for _, msg := range batch {
			q.process(ctx, msg)
		}
	}
}

func (q *Queue) popBatch() []*Message {
	q.mu.Lock()
	if q.status != StatusActive {
		q.mu.Unlock()
		return nil
	}

	n := min(q.cfg.BatchSize, q.buf.len())
	batch := make([]*Message, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, q.buf.pop())
	}
	depth := q.buf.len()
	remaining := depth > 0
	q.mu.Unlock()

	if len(batch) > 0 {
		q.metrics.SetQueueDepth(q.typ.String(), depth)
	}
	if remaining {
		q.signal()
	}
	return batch
}

func (q *Queue) process(ctx context.Context, msg *Message) {
	pctx, cancel := context.WithTimeout(ctx, q.cfg.ProcessingTimeout)
	start := q.now()
	err := q.safeProcess(pctx, msg)
	elapsed := q.now().Sub(start)
	cancel()

	q.metrics.ObserveQueueProcessed(q.typ.String(), err == nil, elapsed)

	if err == nil {
		q.recordSuccess(elapsed)
		return
	}

	msg.Attempts++
	tripped := q.recordFailure(err, elapsed)

	logger := q.logger.With(zap.String("messageId", msg.ID), zap.Int("attempts", msg.Attempts), zap.Error(err))
	if msg.Attempts <= q.cfg.MaxRetries && ctx.Err() == nil {
		if q.requeue(msg) {
			logger.Warn("message processing failed, re-queued")
		} else {
			logger.Error("message processing failed, buffer full, dropped")
		}
	} else {
		q.mu.Lock()
		q.stats.Dropped++
		q.mu.Unlock()
		logger.Error("message processing failed, retries exhausted")
	}

	if tripped {
		q.logger.Error("queue error threshold reached", zap.Int("threshold", q.cfg.ErrorThreshold))
		q.changed(StatusActive, StatusError)
	}
}

func (q *Queue) safeProcess(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return q.processor(ctx, msg)
}

func (q *Queue) requeue(msg *Message) bool {
	q.mu.Lock()
	if q.buf.len() >= q.cfg.MaxSize {
		q.stats.Dropped++
		q.mu.Unlock()
		return false
	}
	msg.EnqueuedAt = q.now()
	q.buf.push(msg)
	q.stats.Requeued++
	depth := q.trackDepthLocked()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(q.typ.String(), depth)
	q.signal()
	return true
}

func (q *Queue) recordSuccess(elapsed time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stats.TotalProcessed++
	q.stats.Successes++
	q.stats.ConsecutiveErrors = 0
	q.observeLocked(elapsed)
}

// recordFailure reports whether this failure moved the queue to ERROR.
func (q *Queue) recordFailure(err error, elapsed time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stats.TotalProcessed++
	q.stats.Failures++
	q.stats.ConsecutiveErrors++
	q.stats.LastError = err.Error()
	q.observeLocked(elapsed)

	if q.status == StatusActive && q.stats.ConsecutiveErrors >= q.cfg.ErrorThreshold {
		q.status = StatusError
		q.errorSince = q.now()
		return true
	}
	return false
}

func (q *Queue) observeLocked(elapsed time.Duration) {
	if q.stats.TotalProcessed == 1 {
		q.stats.AvgProcessingTime = elapsed
		return
	}
	avg := float64(q.stats.AvgProcessingTime)*(1-avgSmoothing) + float64(elapsed)*avgSmoothing
	q.stats.AvgProcessingTime = time.Duration(avg)
}

func (q *Queue) trackDepthLocked() int {
	depth := q.buf.len()
	if depth > q.stats.PeakDepth {
		q.stats.PeakDepth = depth
	}
	return depth
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) changed(from, to Status) {
	if from == to {
		return
	}
	q.metrics.SetQueueStatus(q.typ.String(), string(to), allStatuses)

	severity := events.SeverityInfo
	if to == StatusError {
		severity = events.SeverityError
	}
	q.sink.Emit(context.Background(), events.New(events.QueueStateChanged, severity,
		"queue", q.typ.String(),
		"from", string(from),
		"to", string(to),
	))
}

func (q *Queue) setMetrics(metrics *observability.Metrics) {
	q.metrics = metrics
}
