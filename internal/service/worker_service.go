package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"github.com/kursadbilgin/reminder-engine/internal/observability"
	"github.com/kursadbilgin/reminder-engine/internal/queue"
	"go.uber.org/zap"
)

// Dispatch is the payload of queue messages. The scheduler sends TaskID
// only; retry sweeps also carry the notification created for the task.
type Dispatch struct {
	TaskID         string `json:"taskId,omitempty"`
	NotificationID string `json:"notificationId,omitempty"`
}

// Payload keys read from a scheduled task when building its notification.
const (
	payloadMessage = "message"
)

// WorkerService is the queue processor that turns dispatched tasks into
// delivery cycles and reports their outcome back to the scheduler.
type WorkerService struct {
	scheduler *Scheduler
	delivery  *DeliveryManager
	logger    *zap.Logger
}

func NewWorkerService(scheduler *Scheduler, delivery *DeliveryManager, logger *zap.Logger) (*WorkerService, error) {
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if delivery == nil {
		return nil, fmt.Errorf("delivery manager is required")
	}

	return &WorkerService{
		scheduler: scheduler,
		delivery:  delivery,
		logger:    observability.ComponentLogger(logger, "worker"),
	}, nil
}

// Process implements queue.Processor. Delivery failures are absorbed into
// notification state; only unexpected errors are returned so the queue
// re-queues the message.
func (w *WorkerService) Process(ctx context.Context, msg *queue.Message) error {
	d, ok := dispatchOf(msg.Payload)
	if !ok {
		w.logger.Warn("dropping message with unexpected payload",
			zap.String("messageId", msg.ID),
			zap.String("queue", msg.Queue.String()),
		)
		return nil
	}

	logger := observability.WithContextLogger(w.logger, ctx).With(
		zap.String("messageId", msg.ID),
		zap.String("queue", msg.Queue.String()),
		zap.String("taskId", d.TaskID),
		zap.String("notificationId", d.NotificationID),
	)

	notificationID := d.NotificationID
	if d.TaskID != "" {
		task, ok := w.scheduler.Begin(d.TaskID)
		switch {
		case !ok && notificationID == "":
			logger.Debug("task no longer live, skipping message")
			return nil
		case ok && notificationID == "":
			id, proceed := w.openNotification(ctx, logger, task)
			if !proceed {
				return nil
			}
			notificationID = id
		}
	}

	n, err := w.delivery.Deliver(ctx, notificationID)
	switch {
	case errors.Is(err, domain.ErrConflict):
		logger.Debug("notification already being delivered, skipping message")
		return nil
	case err != nil:
		return fmt.Errorf("failed to deliver notification %s: %w", notificationID, err)
	}

	if n.SourceTaskID == "" {
		return nil
	}
	outcome, ok := taskOutcome(n)
	if !ok {
		return nil
	}
	if err := w.scheduler.Finish(ctx, n.SourceTaskID, outcome, n.LastError); err != nil {
		logger.Warn("failed to record task outcome", zap.String("outcome", outcome.String()), zap.Error(err))
	}
	return nil
}

// openNotification creates or reuses the notification of a claimed task.
// It reports false when there is nothing left to deliver.
func (w *WorkerService) openNotification(ctx context.Context, logger *zap.Logger, task *domain.ScheduledTask) (string, bool) {
	id, err := w.notificationFor(ctx, task)
	if err != nil {
		logger.Error("failed to create notification for task", zap.Error(err))
		if finishErr := w.scheduler.Finish(ctx, task.ID, domain.TaskStatusFailed, err.Error()); finishErr != nil {
			logger.Warn("failed to record task outcome", zap.Error(finishErr))
		}
		return "", false
	}

	// A cancel that landed before the notification existed had nothing to
	// abandon through the cancel hook.
	if _, live := w.scheduler.Get(task.ID); !live {
		w.delivery.Cancel(ctx, id)
		logger.Info("task cancelled before delivery, notification abandoned", zap.String("notificationId", id))
		return "", false
	}
	return id, true
}

func (w *WorkerService) notificationFor(ctx context.Context, task *domain.ScheduledTask) (string, error) {
	if existing, ok := w.delivery.ForSource(task.ID); ok {
		return existing.ID, nil
	}
	return w.delivery.ScheduleNotification(ctx, RequestFromTask(task))
}

// RequestFromTask builds the notification request for a scheduled task.
// The payload's "message" entry is the text; other entries travel as
// provider metadata.
func RequestFromTask(task *domain.ScheduledTask) NotificationRequest {
	metadata := make(map[string]any, len(task.Payload)+1)
	message := ""
	for k, v := range task.Payload {
		if k == payloadMessage {
			if s, ok := v.(string); ok {
				message = s
				continue
			}
		}
		metadata[k] = v
	}
	if strings.TrimSpace(message) == "" {
		message = defaultMessage(task)
	}
	metadata["kind"] = task.Kind.String()

	return NotificationRequest{
		SourceTaskID:    task.ID,
		AppointmentID:   task.AppointmentID,
		RecipientID:     task.RecipientID,
		Message:         message,
		Metadata:        metadata,
		PrimaryMethod:   task.DeliveryMethod,
		FallbackMethods: task.FallbackMethods,
		Priority:        task.Priority,
	}
}

func defaultMessage(task *domain.ScheduledTask) string {
	switch task.Kind {
	case domain.TaskKindConfirmation:
		return fmt.Sprintf("Please confirm your appointment %s.", task.AppointmentID)
	case domain.TaskKindUpdate:
		return fmt.Sprintf("Your appointment %s has been updated.", task.AppointmentID)
	default:
		return fmt.Sprintf("Reminder: you have an upcoming appointment %s.", task.AppointmentID)
	}
}

func taskOutcome(n *domain.NotificationTask) (domain.TaskStatus, bool) {
	switch n.Status {
	case domain.DeliveryStatusSent:
		return domain.TaskStatusCompleted, true
	case domain.DeliveryStatusRetry:
		return domain.TaskStatusRetrying, true
	case domain.DeliveryStatusAbandoned:
		return domain.TaskStatusFailed, true
	default:
		return "", false
	}
}

func dispatchOf(payload any) (Dispatch, bool) {
	switch d := payload.(type) {
	case Dispatch:
		return d, d.TaskID != "" || d.NotificationID != ""
	case *Dispatch:
		if d == nil {
			return Dispatch{}, false
		}
		return *d, d.TaskID != "" || d.NotificationID != ""
	default:
		return Dispatch{}, false
	}
}
