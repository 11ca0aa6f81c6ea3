package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func (s State) String() string { return string(s) }

// ErrOpen is matched by every rejection returned while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned by Call without invoking the protected function.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

const (
	defaultFailureThreshold     = 5
	defaultFailureRateThreshold = 0.5
	defaultMinimumCalls         = 10
	defaultWindowSize           = 20
	defaultSlowCallThreshold    = 5 * time.Second
	defaultSuccessThreshold     = 3
	defaultTimeout              = 60 * time.Second
)

type Config struct {
	FailureThreshold     int
	FailureRateThreshold float64
	MinimumCalls         int
	WindowSize           int
	// SlowCallThreshold of zero disables slow call accounting.
	SlowCallThreshold time.Duration
	SuccessThreshold  int
	Timeout           time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:     defaultFailureThreshold,
		FailureRateThreshold: defaultFailureRateThreshold,
		MinimumCalls:         defaultMinimumCalls,
		WindowSize:           defaultWindowSize,
		SlowCallThreshold:    defaultSlowCallThreshold,
		SuccessThreshold:     defaultSuccessThreshold,
		Timeout:              defaultTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		c.FailureRateThreshold = defaultFailureRateThreshold
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = defaultMinimumCalls
	}
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.MinimumCalls > c.WindowSize {
		c.MinimumCalls = c.WindowSize
	}
	if c.SlowCallThreshold < 0 {
		c.SlowCallThreshold = 0
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = defaultSuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// StateChangeFunc observes transitions. It runs outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failureCount"`
	SuccessCount    int       `json:"successCount"`
	SampleSize      int       `json:"sampleSize"`
	FailureRate     float64   `json:"failureRate"`
	TotalCalls      int64     `json:"totalCalls"`
	TotalFailures   int64     `json:"totalFailures"`
	SlowCalls       int64     `json:"slowCalls"`
	Rejected        int64     `json:"rejected"`
	LastStateChange time.Time  `json:"lastStateChange"`
	LastFailureAt   *time.Time `json:"lastFailureAt,omitempty"`
}

type transition struct {
	from State
	to   State
}

// Breaker guards one outbound dependency. Safe for concurrent use.
type Breaker struct {
	name     string
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	onChange StateChangeFunc

	mu              sync.Mutex
	state           State
	window          []bool
	windowNext      int
	windowLen       int
	windowFailures  int
	failureCount    int
	successCount    int
	lastStateChange time.Time
	lastFailure     time.Time
	totalCalls      int64
	totalFailures   int64
	slowCalls       int64
	rejected        int64
}

func NewBreaker(name string, cfg Config, onChange StateChangeFunc, logger *zap.Logger) *Breaker {
	return newBreaker(name, cfg, onChange, logger, time.Now)
}

func newBreaker(name string, cfg Config, onChange StateChangeFunc, logger *zap.Logger, nowFn func() time.Time) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	cfg = cfg.withDefaults()

	return &Breaker{
		name:            name,
		cfg:             cfg,
		logger:          logger,
		now:             nowFn,
		onChange:        onChange,
		state:           StateClosed,
		window:          make([]bool, cfg.WindowSize),
		lastStateChange: nowFn(),
	}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call runs fn unless the breaker is open. A call slower than the slow call
// threshold is counted as a failure but its own result is returned unchanged.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	start := b.now()
	err := fn(ctx)
	elapsed := b.now().Sub(start)

	b.record(err, elapsed)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()

	var changes []transition
	if b.state == StateOpen {
		deadline := b.lastFailure.Add(b.cfg.Timeout)
		now := b.now()
		if now.Before(deadline) {
			b.rejected++
			b.mu.Unlock()
			return &OpenError{Name: b.name, RetryAfter: deadline.Sub(now)}
		}
		changes = append(changes, b.setStateLocked(StateHalfOpen))
	}
	b.totalCalls++
	b.mu.Unlock()

	b.notify(changes)
	return nil
}

func (b *Breaker) record(err error, elapsed time.Duration) {
	// Caller cancellation says nothing about dependency health.
	if errors.Is(err, context.Canceled) {
		return
	}

	slow := b.cfg.SlowCallThreshold > 0 && elapsed > b.cfg.SlowCallThreshold
	failed := err != nil || slow

	b.mu.Lock()
	if slow {
		b.slowCalls++
	}
	b.pushLocked(failed)

	var changes []transition
	if failed {
		b.totalFailures++
		b.lastFailure = b.now()
		changes = b.onFailureLocked()
	} else {
		changes = b.onSuccessLocked()
	}
	b.mu.Unlock()

	if slow {
		b.logger.Warn("slow call counted as failure",
			zap.String("breaker", b.name),
			zap.Duration("elapsed", elapsed),
		)
	}
	b.notify(changes)
}

func (b *Breaker) onFailureLocked() []transition {
	switch b.state {
	case StateHalfOpen:
		return []transition{b.setStateLocked(StateOpen)}
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold || b.rateExceededLocked() {
			return []transition{b.setStateLocked(StateOpen)}
		}
	}
	return nil
}

func (b *Breaker) onSuccessLocked() []transition {
	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			return []transition{b.setStateLocked(StateClosed)}
		}
	case StateClosed:
		b.failureCount = 0
	}
	return nil
}

func (b *Breaker) rateExceededLocked() bool {
	if b.windowLen < b.cfg.MinimumCalls {
		return false
	}
	return b.failureRateLocked() >= b.cfg.FailureRateThreshold
}

func (b *Breaker) failureRateLocked() float64 {
	if b.windowLen == 0 {
		return 0
	}
	return float64(b.windowFailures) / float64(b.windowLen)
}

func (b *Breaker) pushLocked(failed bool) {
	if b.windowLen == len(b.window) {
		if b.window[b.windowNext] {
			b.windowFailures--
		}
	} else {
		b.windowLen++
	}
	b.window[b.windowNext] = failed
	if failed {
		b.windowFailures++
	}
	b.windowNext = (b.windowNext + 1) % len(b.window)
}

func (b *Breaker) resetWindowLocked() {
	for i := range b.window {
		b.window[i] = false
	}
	b.windowNext = 0
	b.windowLen = 0
	b.windowFailures = 0
}

func (b *Breaker) setStateLocked(next State) transition {
	t := transition{from: b.state, to: next}
	b.state = next
	b.lastStateChange = b.now()
	b.successCount = 0
	b.failureCount = 0

	if next == StateClosed {
		b.resetWindowLocked()
	}
	return t
}

// ForceOpen opens the breaker as if a failure had just been observed.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	b.lastFailure = b.now()
	var changes []transition
	if b.state != StateOpen {
		changes = append(changes, b.setStateLocked(StateOpen))
	}
	b.mu.Unlock()

	b.notify(changes)
}

// Reset closes the breaker and clears its rolling window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var changes []transition
	if b.state != StateClosed {
		changes = append(changes, b.setStateLocked(StateClosed))
	} else {
		b.failureCount = 0
		b.successCount = 0
		b.resetWindowLocked()
	}
	b.mu.Unlock()

	b.notify(changes)
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		SampleSize:      b.windowLen,
		FailureRate:     b.failureRateLocked(),
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		SlowCalls:       b.slowCalls,
		Rejected:        b.rejected,
		LastStateChange: b.lastStateChange,
	}
	if !b.lastFailure.IsZero() {
		at := b.lastFailure
		snap.LastFailureAt = &at
	}
	return snap
}

func (b *Breaker) notify(changes []transition) {
	for _, c := range changes {
		if c.from == c.to {
			continue
		}
		b.logger.Info("circuit breaker state changed",
			zap.String("breaker", b.name),
			zap.String("from", c.from.String()),
			zap.String("to", c.to.String()),
		)
		if b.onChange != nil {
			b.onChange(b.name, c.from, c.to)
		}
	}
}
