package queue

import (
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
)

const (
	defaultErrorThreshold = 10
	baseIdlePoll          = 200 * time.Millisecond
)

// Config tunes one queue type.
type Config struct {
	MaxSize           int
	MaxWorkers        int
	BatchSize         int
	ProcessingTimeout time.Duration
	// RateLimit is the number of admitted enqueues per minute.
	RateLimit      int
	MaxRetries     int
	PriorityWeight float64
	// ErrorThreshold is the number of consecutive processor errors that
	// moves the queue to ERROR.
	ErrorThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 1000
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 30 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 60
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.PriorityWeight <= 0 {
		c.PriorityWeight = 1
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = defaultErrorThreshold
	}
	return c
}

// idlePoll is how often an idle worker rechecks the buffer; heavier queues poll more often.
func (c Config) idlePoll() time.Duration {
	return time.Duration(float64(baseIdlePoll) / c.PriorityWeight)
}

// DefaultConfigs returns the built-in settings for every queue type.
func DefaultConfigs() map[domain.QueueType]Config {
	return map[domain.QueueType]Config{
		domain.QueueImmediate: {
			MaxSize: 1000, MaxWorkers: 5, BatchSize: 10, ProcessingTimeout: 30 * time.Second,
			RateLimit: 100, MaxRetries: 3, PriorityWeight: 1.0,
		},
		domain.QueueScheduled: {
			MaxSize: 5000, MaxWorkers: 3, BatchSize: 50, ProcessingTimeout: 60 * time.Second,
			RateLimit: 200, MaxRetries: 3, PriorityWeight: 0.8,
		},
		domain.QueueRetry: {
			MaxSize: 2000, MaxWorkers: 2, BatchSize: 20, ProcessingTimeout: 45 * time.Second,
			RateLimit: 50, MaxRetries: 5, PriorityWeight: 0.6,
		},
		domain.QueueBulk: {
			MaxSize: 10000, MaxWorkers: 2, BatchSize: 100, ProcessingTimeout: 120 * time.Second,
			RateLimit: 500, MaxRetries: 2, PriorityWeight: 0.4,
		},
		domain.QueueLowPriority: {
			MaxSize: 5000, MaxWorkers: 1, BatchSize: 50, ProcessingTimeout: 90 * time.Second,
			RateLimit: 30, MaxRetries: 2, PriorityWeight: 0.2,
		},
	}
}
