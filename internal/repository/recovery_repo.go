package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/recovery"
	"gorm.io/gorm"
)

var _ recovery.Store = (*GormRecoveryStore)(nil)

// GormRecoveryStore persists error records, recovery attempts and alerts.
type GormRecoveryStore struct {
	db *gorm.DB
}

func NewGormRecoveryStore(db *gorm.DB) *GormRecoveryStore {
	return &GormRecoveryStore{db: db}
}

func (s *GormRecoveryStore) SaveError(ctx context.Context, ec recovery.ErrorContext) error {
	return s.db.WithContext(ctx).Create(errorRecordFromContext(ec)).Error
}

func (s *GormRecoveryStore) SaveAttempt(ctx context.Context, a recovery.Attempt) error {
	return s.db.WithContext(ctx).Create(&RecoveryAttemptModel{
		ID:            a.ID,
		ErrorID:       a.ErrorID,
		Strategy:      a.Strategy,
		Action:        string(a.Action),
		AttemptNumber: a.AttemptNumber,
		Success:       a.Success,
		Error:         optionalString(a.Error),
		DurationMS:    a.Duration.Milliseconds(),
		CreatedAt:     timestampOrNow(a.Timestamp),
	}).Error
}

func (s *GormRecoveryStore) SaveAlert(ctx context.Context, a recovery.Alert) error {
	return s.db.WithContext(ctx).Create(&AlertModel{
		ID:        a.ID,
		ErrorID:   a.ErrorID,
		Component: a.Component,
		Category:  string(a.Category),
		Severity:  string(a.Severity),
		Message:   a.Message,
		CreatedAt: timestampOrNow(a.Timestamp),
	}).Error
}

func errorRecordFromContext(ec recovery.ErrorContext) *ErrorRecordModel {
	return &ErrorRecordModel{
		ID:             ec.ID,
		Component:      ec.Component,
		Function:       ec.Function,
		Category:       string(ec.Category),
		Severity:       string(ec.Severity),
		Message:        ec.Message,
		Metadata:       ec.Metadata,
		UserID:         ec.UserID,
		AppointmentID:  ec.AppointmentID,
		NotificationID: ec.NotificationID,
		CreatedAt:      timestampOrNow(ec.Timestamp),
	}
}

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
