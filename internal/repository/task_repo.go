package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"gorm.io/gorm"
)

// TaskFields are the optional columns written alongside a status change.
type TaskFields struct {
	RetryCount      *int
	EnqueueAttempts *int
	ScheduledAt     *time.Time
	LastAttemptAt   *time.Time
	LastError       *string
}

type TaskRepository interface {
	Insert(ctx context.Context, t *domain.ScheduledTask) error
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, fields TaskFields) error
	GetByID(ctx context.Context, id string) (*domain.ScheduledTask, error)
	ListByStatus(ctx context.Context, statuses []domain.TaskStatus, limit int) ([]*domain.ScheduledTask, error)
}

type GormTaskRepo struct {
	db *gorm.DB
}

func NewGormTaskRepo(db *gorm.DB) *GormTaskRepo {
	return &GormTaskRepo{db: db}
}

func (r *GormTaskRepo) Insert(ctx context.Context, t *domain.ScheduledTask) error {
	model := taskModelFromDomain(t)
	if model == nil {
		return errors.New("task is required")
	}
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *GormTaskRepo) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, fields TaskFields) error {
	updates := map[string]any{"status": status}
	if fields.RetryCount != nil {
		updates["retry_count"] = *fields.RetryCount
	}
	if fields.EnqueueAttempts != nil {
		updates["enqueue_attempts"] = *fields.EnqueueAttempts
	}
	if fields.ScheduledAt != nil {
		updates["scheduled_at"] = *fields.ScheduledAt
	}
	if fields.LastAttemptAt != nil {
		updates["last_attempt_at"] = *fields.LastAttemptAt
	}
	if fields.LastError != nil {
		updates["last_error"] = *fields.LastError
	}

	result := r.db.WithContext(ctx).
		Model(&ScheduledTaskModel{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormTaskRepo) GetByID(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	var model ScheduledTaskModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return taskModelToDomain(&model), nil
}

// ListByStatus returns tasks in any of statuses ordered by priority and
// scheduled time. A non-positive limit returns all of them.
func (r *GormTaskRepo) ListByStatus(ctx context.Context, statuses []domain.TaskStatus, limit int) ([]*domain.ScheduledTask, error) {
	query := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("priority ASC").
		Order("scheduled_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []ScheduledTaskModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	tasks := make([]*domain.ScheduledTask, 0, len(models))
	for i := range models {
		tasks = append(tasks, taskModelToDomain(&models[i]))
	}
	return tasks, nil
}
