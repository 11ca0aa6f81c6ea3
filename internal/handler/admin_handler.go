package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/reminder-engine/internal/app"
	"github.com/kursadbilgin/reminder-engine/internal/circuitbreaker"
	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"github.com/kursadbilgin/reminder-engine/internal/provider"
	"github.com/kursadbilgin/reminder-engine/internal/queue"
	"github.com/kursadbilgin/reminder-engine/internal/recovery"
	"github.com/kursadbilgin/reminder-engine/internal/service"
)

type QueueController interface {
	Health() queue.Health
	Stats() []queue.Stats
	StartQueue(ctx context.Context, typ domain.QueueType) error
	StopQueue(ctx context.Context, typ domain.QueueType) error
	PauseQueue(typ domain.QueueType) error
	ResumeQueue(typ domain.QueueType) error
	RestartQueue(ctx context.Context, typ domain.QueueType) error
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	PauseAll()
	ResumeAll()
}

type BreakerController interface {
	Snapshot() []circuitbreaker.Snapshot
	ForceOpen(name string) error
	Reset(name string) error
}

type TaskRunner interface {
	RunNow(ctx context.Context, name string) error
	Status() []app.TaskStatus
}

type TaskScheduler interface {
	Schedule(ctx context.Context, task *domain.ScheduledTask) (string, error)
	Cancel(ctx context.Context, id string) bool
	CancelAllFor(ctx context.Context, appointmentID string) int
	Get(id string) (*domain.ScheduledTask, bool)
	Status() service.SchedulerStatus
}

type NotificationTracker interface {
	GetStatus(ctx context.Context, id string) (*domain.NotificationTask, error)
	Cancel(ctx context.Context, id string) bool
	Stats() service.DeliveryStats
}

type RecoveryReporter interface {
	Stats() recovery.Stats
}

type ProviderReporter interface {
	Snapshot() []provider.Health
}

type ContactStore interface {
	Upsert(ctx context.Context, recipientID string, method domain.DeliveryMethod, address string) error
}

// AdminDeps are the components behind the admin routes. Recovery, Providers
// and Contacts are optional.
type AdminDeps struct {
	// Context outlives requests; queues started over HTTP run under it.
	Context   context.Context
	Queues    QueueController
	Breakers  BreakerController
	Tasks     TaskRunner
	Scheduler TaskScheduler
	Delivery  NotificationTracker
	Recovery  RecoveryReporter
	Providers ProviderReporter
	Contacts  ContactStore
}

type AdminHandler struct {
	deps AdminDeps
}

func NewAdminHandler(deps AdminDeps) (*AdminHandler, error) {
	switch {
	case deps.Queues == nil:
		return nil, fmt.Errorf("queue controller is required")
	case deps.Breakers == nil:
		return nil, fmt.Errorf("breaker controller is required")
	case deps.Tasks == nil:
		return nil, fmt.Errorf("task runner is required")
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("scheduler is required")
	case deps.Delivery == nil:
		return nil, fmt.Errorf("delivery tracker is required")
	}
	if deps.Context == nil {
		deps.Context = context.Background()
	}
	return &AdminHandler{deps: deps}, nil
}

func RegisterAdminRoutes(router fiber.Router, deps AdminDeps) error {
	h, err := NewAdminHandler(deps)
	if err != nil {
		return err
	}

	admin := router.Group("/admin")
	admin.Get("/queues", h.ListQueues)
	admin.Post("/queues/:action", h.ControlAllQueues)
	admin.Post("/queues/:type/:action", h.ControlQueue)

	admin.Get("/breakers", h.ListBreakers)
	admin.Post("/breakers/:name/:action", h.ControlBreaker)

	admin.Get("/providers", h.ListProviders)

	admin.Get("/tasks", h.ListTasks)
	admin.Post("/tasks/:name/run", h.RunTask)

	admin.Get("/scheduler", h.SchedulerStatus)
	admin.Post("/scheduled", h.ScheduleTask)
	admin.Get("/scheduled/:id", h.GetScheduledTask)
	admin.Post("/scheduled/:id/cancel", h.CancelScheduledTask)
	admin.Post("/appointments/:id/cancel", h.CancelAppointment)

	admin.Get("/delivery", h.DeliveryStats)
	admin.Get("/notifications/:id", h.GetNotification)
	admin.Post("/notifications/:id/cancel", h.CancelNotification)

	admin.Get("/recovery", h.RecoveryStats)
	admin.Put("/contacts/:recipientId", h.UpsertContact)

	return nil
}

type scheduleTaskRequest struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	Priority        string         `json:"priority"`
	ScheduledAt     string         `json:"scheduledAt"`
	AppointmentID   string         `json:"appointmentId"`
	RecipientID     string         `json:"recipientId"`
	DeliveryMethod  string         `json:"deliveryMethod"`
	FallbackMethods []string       `json:"fallbackMethods"`
	Queue           string         `json:"queue"`
	Payload         map[string]any `json:"payload"`
	MaxRetries      *int           `json:"maxRetries,omitempty"`
}

type upsertContactRequest struct {
	Method  string `json:"method"`
	Address string `json:"address"`
}

type taskResponse struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	Priority        string         `json:"priority"`
	Status          string         `json:"status"`
	ScheduledAt     time.Time      `json:"scheduledAt"`
	AppointmentID   string         `json:"appointmentId,omitempty"`
	RecipientID     string         `json:"recipientId"`
	DeliveryMethod  string         `json:"deliveryMethod"`
	FallbackMethods []string       `json:"fallbackMethods,omitempty"`
	Queue           string         `json:"queue,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	RetryCount      int            `json:"retryCount"`
	MaxRetries      int            `json:"maxRetries"`
	LastError       string         `json:"lastError,omitempty"`
}

type attemptResponse struct {
	AttemptNumber int       `json:"attemptNumber"`
	Method        string    `json:"method"`
	Status        string    `json:"status"`
	Provider      string    `json:"provider,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	Error         string    `json:"error,omitempty"`
	ResponseTime  string    `json:"responseTime"`
	AttemptedAt   time.Time `json:"attemptedAt"`
}

type notificationResponse struct {
	ID              string            `json:"id"`
	SourceTaskID    string            `json:"sourceTaskId,omitempty"`
	AppointmentID   string            `json:"appointmentId,omitempty"`
	RecipientID     string            `json:"recipientId"`
	Status          string            `json:"status"`
	PrimaryMethod   string            `json:"primaryMethod"`
	FallbackMethods []string          `json:"fallbackMethods,omitempty"`
	MaxAttempts     int               `json:"maxAttempts"`
	Attempts        []attemptResponse `json:"attempts"`
	AttemptsBy      map[string]int    `json:"attemptsByMethod"`
	NextRetryAt     *time.Time        `json:"nextRetryAt,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	ExpiresAt       time.Time         `json:"expiresAt"`
	LastError       string            `json:"lastError,omitempty"`
}

func (h *AdminHandler) ListQueues(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"health": h.deps.Queues.Health(),
		"queues": h.deps.Queues.Stats(),
	})
}

func (h *AdminHandler) ControlAllQueues(c *fiber.Ctx) error {
	action := strings.ToLower(strings.TrimSpace(c.Params("action")))

	var err error
	switch action {
	case "start":
		err = h.deps.Queues.StartAll(h.deps.Context)
	case "stop":
		err = h.deps.Queues.StopAll(c.Context())
	case "pause":
		h.deps.Queues.PauseAll()
	case "resume":
		h.deps.Queues.ResumeAll()
	default:
		return toHTTPError(fmt.Errorf("%w: unknown queue action %q", domain.ErrValidation, action))
	}
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"action": action,
		"health": h.deps.Queues.Health(),
	})
}

func (h *AdminHandler) ControlQueue(c *fiber.Ctx) error {
	typ, err := domain.ParseQueueTypeFromString(c.Params("type"))
	if err != nil {
		return toHTTPError(err)
	}
	action := strings.ToLower(strings.TrimSpace(c.Params("action")))

	switch action {
	case "start":
		err = h.deps.Queues.StartQueue(h.deps.Context, typ)
	case "stop":
		err = h.deps.Queues.StopQueue(c.Context(), typ)
	case "pause":
		err = h.deps.Queues.PauseQueue(typ)
	case "resume":
		err = h.deps.Queues.ResumeQueue(typ)
	case "restart":
		err = h.deps.Queues.RestartQueue(h.deps.Context, typ)
	default:
		return toHTTPError(fmt.Errorf("%w: unknown queue action %q", domain.ErrValidation, action))
	}
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"queue":  typ.String(),
		"action": action,
		"status": h.deps.Queues.Health().Queues[typ],
	})
}

func (h *AdminHandler) ListBreakers(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"breakers": h.deps.Breakers.Snapshot(),
	})
}

func (h *AdminHandler) ControlBreaker(c *fiber.Ctx) error {
	name := strings.TrimSpace(c.Params("name"))
	action := strings.ToLower(strings.TrimSpace(c.Params("action")))

	var err error
	switch action {
	case "open":
		err = h.deps.Breakers.ForceOpen(name)
	case "reset":
		err = h.deps.Breakers.Reset(name)
	default:
		return toHTTPError(fmt.Errorf("%w: unknown breaker action %q", domain.ErrValidation, action))
	}
	if err != nil {
		return toHTTPError(err)
	}

	for _, snap := range h.deps.Breakers.Snapshot() {
		if snap.Name == name {
			return c.Status(fiber.StatusOK).JSON(snap)
		}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"name": name, "action": action})
}

func (h *AdminHandler) ListProviders(c *fiber.Ctx) error {
	providers := []provider.Health{}
	if h.deps.Providers != nil {
		providers = h.deps.Providers.Snapshot()
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"providers": providers})
}

func (h *AdminHandler) ListTasks(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"tasks": h.deps.Tasks.Status()})
}

func (h *AdminHandler) RunTask(c *fiber.Ctx) error {
	name := strings.TrimSpace(c.Params("name"))
	if err := h.deps.Tasks.RunNow(c.Context(), name); err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"task":   name,
		"status": "completed",
	})
}

func (h *AdminHandler) SchedulerStatus(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.deps.Scheduler.Status())
}

func (h *AdminHandler) ScheduleTask(c *fiber.Ctx) error {
	var req scheduleTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	task, err := requestToScheduledTask(req)
	if err != nil {
		return toHTTPError(err)
	}

	id, err := h.deps.Scheduler.Schedule(c.Context(), task)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"taskId": id,
		"status": domain.TaskStatusPending.String(),
	})
}

func (h *AdminHandler) GetScheduledTask(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	task, ok := h.deps.Scheduler.Get(id)
	if !ok {
		return toHTTPError(fmt.Errorf("%w: task %s", domain.ErrNotFound, id))
	}
	return c.Status(fiber.StatusOK).JSON(toTaskResponse(task))
}

func (h *AdminHandler) CancelScheduledTask(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if !h.deps.Scheduler.Cancel(c.Context(), id) {
		return toHTTPError(fmt.Errorf("%w: no live task %s", domain.ErrNotFound, id))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"taskId": id,
		"status": domain.TaskStatusCancelled.String(),
	})
}

func (h *AdminHandler) CancelAppointment(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return toHTTPError(fmt.Errorf("%w: appointment id is required", domain.ErrValidation))
	}
	cancelled := h.deps.Scheduler.CancelAllFor(c.Context(), id)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"appointmentId": id,
		"cancelled":     cancelled,
	})
}

func (h *AdminHandler) DeliveryStats(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.deps.Delivery.Stats())
}

func (h *AdminHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	n, err := h.deps.Delivery.GetStatus(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(n))
}

func (h *AdminHandler) CancelNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if !h.deps.Delivery.Cancel(c.Context(), id) {
		return toHTTPError(fmt.Errorf("%w: notification %s is finished or unknown", domain.ErrConflict, id))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"notificationId": id,
		"status":         domain.DeliveryStatusAbandoned.String(),
	})
}

func (h *AdminHandler) RecoveryStats(c *fiber.Ctx) error {
	if h.deps.Recovery == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "error recovery is not configured")
	}
	return c.Status(fiber.StatusOK).JSON(h.deps.Recovery.Stats())
}

func (h *AdminHandler) UpsertContact(c *fiber.Ctx) error {
	if h.deps.Contacts == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "contact store is not configured")
	}

	var req upsertContactRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	recipientID := strings.TrimSpace(c.Params("recipientId"))
	method, err := domain.ParseDeliveryMethodFromString(req.Method)
	if err != nil {
		return toHTTPError(err)
	}
	address := strings.TrimSpace(req.Address)
	if recipientID == "" || address == "" {
		return toHTTPError(fmt.Errorf("%w: recipient id and address are required", domain.ErrValidation))
	}

	if err := h.deps.Contacts.Upsert(c.Context(), recipientID, method, address); err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"recipientId": recipientID,
		"method":      method.String(),
		"address":     address,
	})
}

func requestToScheduledTask(req scheduleTaskRequest) (*domain.ScheduledTask, error) {
	t := &domain.ScheduledTask{
		ID:            strings.TrimSpace(req.ID),
		Kind:          domain.TaskKind(strings.ToUpper(strings.TrimSpace(req.Kind))),
		AppointmentID: strings.TrimSpace(req.AppointmentID),
		RecipientID:   strings.TrimSpace(req.RecipientID),
		Payload:       req.Payload,
	}

	if strings.TrimSpace(req.Priority) != "" {
		priority, err := domain.ParsePriorityFromString(req.Priority)
		if err != nil {
			return nil, err
		}
		t.Priority = priority
	}

	method, err := domain.ParseDeliveryMethodFromString(req.DeliveryMethod)
	if err != nil {
		return nil, err
	}
	t.DeliveryMethod = method

	for _, raw := range req.FallbackMethods {
		fallback, err := domain.ParseDeliveryMethodFromString(raw)
		if err != nil {
			return nil, err
		}
		t.FallbackMethods = append(t.FallbackMethods, fallback)
	}

	if strings.TrimSpace(req.Queue) != "" {
		typ, err := domain.ParseQueueTypeFromString(req.Queue)
		if err != nil {
			return nil, err
		}
		t.Queue = typ
	}

	scheduledAt, err := time.Parse(time.RFC3339, strings.TrimSpace(req.ScheduledAt))
	if err != nil {
		return nil, fmt.Errorf("%w: scheduledAt must be RFC3339", domain.ErrValidation)
	}
	t.ScheduledAt = scheduledAt

	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: maxRetries must not be negative", domain.ErrValidation)
		}
		t.MaxRetries = *req.MaxRetries
	}

	return t, nil
}

func toTaskResponse(t *domain.ScheduledTask) taskResponse {
	return taskResponse{
		ID:              t.ID,
		Kind:            t.Kind.String(),
		Priority:        t.Priority.String(),
		Status:          t.Status.String(),
		ScheduledAt:     t.ScheduledAt,
		AppointmentID:   t.AppointmentID,
		RecipientID:     t.RecipientID,
		DeliveryMethod:  t.DeliveryMethod.String(),
		FallbackMethods: methodStrings(t.FallbackMethods),
		Queue:           t.Queue.String(),
		Payload:         t.Payload,
		RetryCount:      t.RetryCount,
		MaxRetries:      t.MaxRetries,
		LastError:       t.LastError,
	}
}

func toNotificationResponse(n *domain.NotificationTask) notificationResponse {
	attempts := make([]attemptResponse, 0, len(n.Attempts))
	for _, a := range n.Attempts {
		attempts = append(attempts, attemptResponse{
			AttemptNumber: a.AttemptNumber,
			Method:        a.Method.String(),
			Status:        a.Status.String(),
			Provider:      a.ProviderName,
			FailureReason: a.FailureReason.String(),
			Error:         a.Error,
			ResponseTime:  a.ResponseTime.String(),
			AttemptedAt:   a.AttemptedAt,
		})
	}

	byMethod := make(map[string]int)
	for _, m := range n.Methods() {
		byMethod[m.String()] = n.AttemptsFor(m)
	}

	return notificationResponse{
		ID:              n.ID,
		SourceTaskID:    n.SourceTaskID,
		AppointmentID:   n.AppointmentID,
		RecipientID:     n.RecipientID,
		Status:          n.Status.String(),
		PrimaryMethod:   n.PrimaryMethod.String(),
		FallbackMethods: methodStrings(n.FallbackMethods),
		MaxAttempts:     n.MaxAttempts,
		Attempts:        attempts,
		AttemptsBy:      byMethod,
		NextRetryAt:     n.NextRetryAt,
		CompletedAt:     n.CompletedAt,
		ExpiresAt:       n.ExpiresAt,
		LastError:       n.LastError,
	}
}

func methodStrings(methods []domain.DeliveryMethod) []string {
	if len(methods) == 0 {
		return nil
	}
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		out = append(out, m.String())
	}
	return out
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, queue.ErrUnknownQueue),
		errors.Is(err, circuitbreaker.ErrUnknownBreaker):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
