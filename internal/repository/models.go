package repository

import (
	"strings"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
)

// ScheduledTaskModel is the persistence model for the scheduled_tasks table.
type ScheduledTaskModel struct {
	ID              string                `gorm:"type:uuid;primaryKey"`
	Kind            domain.TaskKind       `gorm:"type:varchar(20);not null"`
	Priority        domain.Priority       `gorm:"type:smallint;not null"`
	ScheduledAt     time.Time             `gorm:"type:timestamptz;not null"`
	AppointmentID   string                `gorm:"type:varchar(64);index"`
	RecipientID     string                `gorm:"type:varchar(64);not null"`
	DeliveryMethod  domain.DeliveryMethod `gorm:"type:varchar(10);not null"`
	FallbackMethods string                `gorm:"type:varchar(64)"`
	Queue           domain.QueueType      `gorm:"type:varchar(20)"`
	Payload         map[string]any        `gorm:"type:jsonb;serializer:json"`
	RetryCount      int                   `gorm:"not null;default:0"`
	MaxRetries      int                   `gorm:"not null;default:3"`
	EnqueueAttempts int                   `gorm:"not null;default:0"`
	Status          domain.TaskStatus     `gorm:"type:varchar(20);not null"`
	LastAttemptAt   *time.Time            `gorm:"type:timestamptz"`
	LastError       string                `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ScheduledTaskModel) TableName() string {
	return "scheduled_tasks"
}

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID              string                `gorm:"type:uuid;primaryKey"`
	SourceTaskID    *string               `gorm:"type:uuid;index"`
	AppointmentID   string                `gorm:"type:varchar(64)"`
	RecipientID     string                `gorm:"type:varchar(64);not null"`
	Message         string                `gorm:"type:text;not null"`
	Metadata        map[string]any        `gorm:"type:jsonb;serializer:json"`
	PrimaryMethod   domain.DeliveryMethod `gorm:"type:varchar(10);not null"`
	FallbackMethods string                `gorm:"type:varchar(64)"`
	Priority        domain.Priority       `gorm:"type:smallint;not null"`
	MaxAttempts     int                   `gorm:"not null"`
	RetryIntervals  []int64               `gorm:"type:jsonb;serializer:json"`
	ExpiresAt       time.Time             `gorm:"type:timestamptz;not null"`
	Status          domain.DeliveryStatus `gorm:"type:varchar(20);not null"`
	NextRetryAt     *time.Time            `gorm:"type:timestamptz"`
	CompletedAt     *time.Time            `gorm:"type:timestamptz"`
	LastError       string                `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID               string                `gorm:"type:uuid;primaryKey"`
	NotificationID   string                `gorm:"type:uuid;not null"`
	AttemptNumber    int                   `gorm:"not null"`
	Method           domain.DeliveryMethod `gorm:"type:varchar(10);not null"`
	Recipient        string                `gorm:"type:varchar(255)"`
	Status           domain.DeliveryStatus `gorm:"type:varchar(20);not null"`
	ResponseTimeMS   int64                 `gorm:"not null;default:0"`
	FailureReason    domain.FailureReason  `gorm:"type:varchar(32)"`
	Error            *string               `gorm:"type:text"`
	ProviderName     string                `gorm:"type:varchar(64)"`
	ProviderResponse map[string]any        `gorm:"type:jsonb;serializer:json"`
	CreatedAt        time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// ErrorRecordModel stores every error handed to the recovery manager.
type ErrorRecordModel struct {
	ID             string            `gorm:"type:uuid;primaryKey"`
	Component      string            `gorm:"type:varchar(64);not null"`
	Function       string            `gorm:"type:varchar(64)"`
	Category       string            `gorm:"type:varchar(32);not null"`
	Severity       string            `gorm:"type:varchar(16);not null"`
	Message        string            `gorm:"type:text;not null"`
	Metadata       map[string]string `gorm:"type:jsonb;serializer:json"`
	UserID         string            `gorm:"type:varchar(64)"`
	AppointmentID  string            `gorm:"type:varchar(64)"`
	NotificationID string            `gorm:"type:varchar(64)"`
	CreatedAt      time.Time
}

func (ErrorRecordModel) TableName() string {
	return "error_records"
}

type RecoveryAttemptModel struct {
	ID            string  `gorm:"type:uuid;primaryKey"`
	ErrorID       string  `gorm:"type:uuid;not null;index"`
	Strategy      string  `gorm:"type:varchar(64);not null"`
	Action        string  `gorm:"type:varchar(20);not null"`
	AttemptNumber int     `gorm:"not null"`
	Success       bool    `gorm:"not null"`
	Error         *string `gorm:"type:text"`
	DurationMS    int64   `gorm:"not null;default:0"`
	CreatedAt     time.Time
}

func (RecoveryAttemptModel) TableName() string {
	return "recovery_attempts"
}

type AlertModel struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	ErrorID   string `gorm:"type:uuid;not null"`
	Component string `gorm:"type:varchar(64);not null"`
	Category  string `gorm:"type:varchar(32);not null"`
	Severity  string `gorm:"type:varchar(16);not null"`
	Message   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (AlertModel) TableName() string {
	return "alerts"
}

// ContactModel maps a recipient and delivery method to an address.
type ContactModel struct {
	RecipientID string                `gorm:"type:varchar(64);primaryKey"`
	Method      domain.DeliveryMethod `gorm:"type:varchar(10);primaryKey"`
	Address     string                `gorm:"type:varchar(255);not null"`
	UpdatedAt   time.Time
}

func (ContactModel) TableName() string {
	return "recipient_contacts"
}

func joinMethods(methods []domain.DeliveryMethod) string {
	parts := make([]string, 0, len(methods))
	for _, m := range methods {
		parts = append(parts, m.String())
	}
	return strings.Join(parts, ",")
}

func splitMethods(s string) []domain.DeliveryMethod {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	methods := make([]domain.DeliveryMethod, 0, len(parts))
	for _, p := range parts {
		methods = append(methods, domain.DeliveryMethod(strings.TrimSpace(p)))
	}
	return methods
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func taskModelFromDomain(t *domain.ScheduledTask) *ScheduledTaskModel {
	if t == nil {
		return nil
	}

	return &ScheduledTaskModel{
		ID:              t.ID,
		Kind:            t.Kind,
		Priority:        t.Priority,
		ScheduledAt:     t.ScheduledAt,
		AppointmentID:   t.AppointmentID,
		RecipientID:     t.RecipientID,
		DeliveryMethod:  t.DeliveryMethod,
		FallbackMethods: joinMethods(t.FallbackMethods),
		Queue:           t.Queue,
		Payload:         t.Payload,
		RetryCount:      t.RetryCount,
		MaxRetries:      t.MaxRetries,
		EnqueueAttempts: t.EnqueueAttempts,
		Status:          t.Status,
		LastAttemptAt:   t.LastAttemptAt,
		LastError:       t.LastError,
		CreatedAt:       t.CreatedAt,
	}
}

func taskModelToDomain(m *ScheduledTaskModel) *domain.ScheduledTask {
	if m == nil {
		return nil
	}

	return &domain.ScheduledTask{
		ID:              m.ID,
		Kind:            m.Kind,
		Priority:        m.Priority,
		ScheduledAt:     m.ScheduledAt,
		AppointmentID:   m.AppointmentID,
		RecipientID:     m.RecipientID,
		DeliveryMethod:  m.DeliveryMethod,
		FallbackMethods: splitMethods(m.FallbackMethods),
		Queue:           m.Queue,
		Payload:         m.Payload,
		RetryCount:      m.RetryCount,
		MaxRetries:      m.MaxRetries,
		EnqueueAttempts: m.EnqueueAttempts,
		Status:          m.Status,
		CreatedAt:       m.CreatedAt,
		LastAttemptAt:   m.LastAttemptAt,
		LastError:       m.LastError,
	}
}

func notificationModelFromDomain(n *domain.NotificationTask) *NotificationModel {
	if n == nil {
		return nil
	}

	intervals := make([]int64, 0, len(n.RetryIntervals))
	for _, d := range n.RetryIntervals {
		intervals = append(intervals, int64(d/time.Second))
	}

	return &NotificationModel{
		ID:              n.ID,
		SourceTaskID:    optionalString(n.SourceTaskID),
		AppointmentID:   n.AppointmentID,
		RecipientID:     n.RecipientID,
		Message:         n.Message,
		Metadata:        n.Metadata,
		PrimaryMethod:   n.PrimaryMethod,
		FallbackMethods: joinMethods(n.FallbackMethods),
		Priority:        n.Priority,
		MaxAttempts:     n.MaxAttempts,
		RetryIntervals:  intervals,
		ExpiresAt:       n.ExpiresAt,
		Status:          n.Status,
		NextRetryAt:     n.NextRetryAt,
		CompletedAt:     n.CompletedAt,
		LastError:       n.LastError,
		CreatedAt:       n.CreatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel, attempts []DeliveryAttemptModel) *domain.NotificationTask {
	if m == nil {
		return nil
	}

	intervals := make([]time.Duration, 0, len(m.RetryIntervals))
	for _, s := range m.RetryIntervals {
		intervals = append(intervals, time.Duration(s)*time.Second)
	}

	n := &domain.NotificationTask{
		ID:              m.ID,
		SourceTaskID:    derefString(m.SourceTaskID),
		AppointmentID:   m.AppointmentID,
		RecipientID:     m.RecipientID,
		Message:         m.Message,
		Metadata:        m.Metadata,
		PrimaryMethod:   m.PrimaryMethod,
		FallbackMethods: splitMethods(m.FallbackMethods),
		Priority:        m.Priority,
		MaxAttempts:     m.MaxAttempts,
		RetryIntervals:  intervals,
		CreatedAt:       m.CreatedAt,
		ExpiresAt:       m.ExpiresAt,
		Status:          m.Status,
		NextRetryAt:     m.NextRetryAt,
		CompletedAt:     m.CompletedAt,
		LastError:       m.LastError,
	}
	for i := range attempts {
		n.Attempts = append(n.Attempts, attemptModelToDomain(&attempts[i]))
	}
	return n
}

func attemptModelFromDomain(notificationID string, a domain.DeliveryAttempt) *DeliveryAttemptModel {
	createdAt := a.AttemptedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &DeliveryAttemptModel{
		ID:               a.ID,
		NotificationID:   notificationID,
		AttemptNumber:    a.AttemptNumber,
		Method:           a.Method,
		Recipient:        a.Recipient,
		Status:           a.Status,
		ResponseTimeMS:   a.ResponseTime.Milliseconds(),
		FailureReason:    a.FailureReason,
		Error:            optionalString(a.Error),
		ProviderName:     a.ProviderName,
		ProviderResponse: a.ProviderResponse,
		CreatedAt:        createdAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) domain.DeliveryAttempt {
	return domain.DeliveryAttempt{
		ID:               m.ID,
		AttemptNumber:    m.AttemptNumber,
		Method:           m.Method,
		Recipient:        m.Recipient,
		Status:           m.Status,
		ResponseTime:     time.Duration(m.ResponseTimeMS) * time.Millisecond,
		FailureReason:    m.FailureReason,
		Error:            derefString(m.Error),
		ProviderName:     m.ProviderName,
		ProviderResponse: m.ProviderResponse,
		AttemptedAt:      m.CreatedAt,
	}
}
