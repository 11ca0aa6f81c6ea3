package events

import (
	"context"
	"sort"

	"github.com/kursadbilgin/reminder-engine/internal/observability"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Emit(ctx context.Context, event Event) {
	keys := make([]string, 0, len(event.Fields))
	for k := range event.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys)+3)
	fields = append(fields,
		zap.String("eventType", string(event.Type)),
		zap.String("category", event.Category),
		zap.String("severity", string(event.Severity)),
	)
	for _, k := range keys {
		fields = append(fields, zap.String(k, event.Fields[k]))
	}

	logger := observability.WithContextLogger(s.logger, ctx)
	logger.Check(levelFor(event.Severity), "event").Write(fields...)
}

func levelFor(severity Severity) zapcore.Level {
	switch severity {
	case SeverityWarning:
		return zapcore.WarnLevel
	case SeverityError, SeverityCritical:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
