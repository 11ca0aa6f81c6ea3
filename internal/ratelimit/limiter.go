package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Window is the fixed counting window shared by all limiter implementations.
const Window = time.Minute

const defaultLimitPerWindow = 60

// RateLimiter admits or rejects requests per (channel, key).
type RateLimiter interface {
	Allow(ctx context.Context, channel string, key string) (bool, error)
}

// Limits maps a normalized channel name to a per-window admission limit.
type Limits map[string]int

// For returns the limit configured for channel or fallback.
func (l Limits) For(channel string, fallback int) int {
	if limit, ok := l[NormalizeChannel(channel)]; ok && limit > 0 {
		return limit
	}
	return fallback
}

func NormalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}

var _ RateLimiter = (*MemoryRateLimiter)(nil)

type windowCounter struct {
	start time.Time
	count int
}

// MemoryRateLimiter is a process-local fixed-window counter.
type MemoryRateLimiter struct {
	mu           sync.Mutex
	counters     map[string]*windowCounter
	limits       Limits
	defaultLimit int
	now          func() time.Time
}

func NewMemoryRateLimiter(defaultLimit int, limits Limits) *MemoryRateLimiter {
	return newMemoryRateLimiter(defaultLimit, limits, time.Now)
}

func newMemoryRateLimiter(defaultLimit int, limits Limits, nowFn func() time.Time) *MemoryRateLimiter {
	if defaultLimit <= 0 {
		defaultLimit = defaultLimitPerWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	normalized := make(Limits, len(limits))
	for channel, limit := range limits {
		normalized[NormalizeChannel(channel)] = limit
	}

	return &MemoryRateLimiter{
		counters:     make(map[string]*windowCounter),
		limits:       normalized,
		defaultLimit: defaultLimit,
		now:          nowFn,
	}
}

// Allow increments and checks the counter under a single lock so that
// concurrent callers cannot over-admit.
func (l *MemoryRateLimiter) Allow(_ context.Context, channel string, key string) (bool, error) {
	normalizedChannel := NormalizeChannel(channel)
	if normalizedChannel == "" {
		return false, fmt.Errorf("channel is required")
	}

	limit := l.limits.For(normalizedChannel, l.defaultLimit)
	start := l.now().UTC().Truncate(Window)
	counterKey := normalizedChannel + ":" + strings.TrimSpace(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	counter, ok := l.counters[counterKey]
	if !ok || !counter.start.Equal(start) {
		counter = &windowCounter{start: start}
		l.counters[counterKey] = counter
		l.pruneLocked(start)
	}
	if counter.count >= limit {
		return false, nil
	}
	counter.count++
	return true, nil
}

// pruneLocked drops counters from past windows.
func (l *MemoryRateLimiter) pruneLocked(current time.Time) {
	for key, counter := range l.counters {
		if counter.start.Before(current) {
			delete(l.counters, key)
		}
	}
}
