package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSinkBuffer     = 1024
	defaultPublishTimeout = 5 * time.Second
)

// Publisher is the broker side of RabbitMQSink; *RabbitMQ implements it.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, ts time.Time) error
}

// RabbitMQSink buffers events and publishes them from a background loop.
// Emit never blocks: a full buffer drops the event with a warning.
type RabbitMQSink struct {
	publisher      Publisher
	buffer         chan Event
	publishTimeout time.Duration
	logger         *zap.Logger

	dropped atomic.Int64
}

func NewRabbitMQSink(publisher Publisher, bufferSize int, logger *zap.Logger) (*RabbitMQSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("event publisher is required")
	}
	if bufferSize <= 0 {
		bufferSize = defaultSinkBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQSink{
		publisher:      publisher,
		buffer:         make(chan Event, bufferSize),
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}, nil
}

func (s *RabbitMQSink) Emit(_ context.Context, event Event) {
	select {
	case s.buffer <- event:
	default:
		s.dropped.Add(1)
		s.logger.Warn("event buffer full, dropping event",
			zap.String("eventType", string(event.Type)),
		)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *RabbitMQSink) Dropped() int64 { return s.dropped.Load() }

// Start publishes buffered events until ctx is cancelled, then drains what
// is left with a short deadline.
func (s *RabbitMQSink) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case event := <-s.buffer:
			s.publish(ctx, event)
		}
	}
}

func (s *RabbitMQSink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
	defer cancel()

	for {
		select {
		case event := <-s.buffer:
			s.publish(ctx, event)
		default:
			return
		}
	}
}

func (s *RabbitMQSink) publish(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal event", zap.Error(err), zap.String("eventType", string(event.Type)))
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(publishCtx, string(event.Type), body, event.Timestamp); err != nil {
		s.logger.Warn("failed to publish event",
			zap.Error(err),
			zap.String("eventType", string(event.Type)),
		)
	}
}
