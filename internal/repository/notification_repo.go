package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type NotificationRepository interface {
	Save(ctx context.Context, n *domain.NotificationTask) error
	GetByID(ctx context.Context, id string) (*domain.NotificationTask, error)
	ListByStatus(ctx context.Context, statuses []domain.DeliveryStatus, limit int) ([]*domain.NotificationTask, error)
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

// Save upserts the notification row. Attempts are written separately
// through AttemptRepository.
func (r *GormNotificationRepo) Save(ctx context.Context, n *domain.NotificationTask) error {
	model := notificationModelFromDomain(n)
	if model == nil {
		return errors.New("notification is required")
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "next_retry_at", "completed_at", "last_error", "updated_at",
			}),
		}).
		Create(model).Error
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.NotificationTask, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	attempts, err := r.attempts(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model, attempts[id]), nil
}

func (r *GormNotificationRepo) ListByStatus(ctx context.Context, statuses []domain.DeliveryStatus, limit int) ([]*domain.NotificationTask, error) {
	query := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []NotificationModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(models))
	for i := range models {
		ids = append(ids, models[i].ID)
	}
	attempts, err := r.attempts(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.NotificationTask, 0, len(models))
	for i := range models {
		out = append(out, notificationModelToDomain(&models[i], attempts[models[i].ID]))
	}
	return out, nil
}

func (r *GormNotificationRepo) attempts(ctx context.Context, notificationIDs []string) (map[string][]DeliveryAttemptModel, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("notification_id IN ?", notificationIDs).
		Order("attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]DeliveryAttemptModel, len(notificationIDs))
	for _, m := range models {
		grouped[m.NotificationID] = append(grouped[m.NotificationID], m)
	}
	return grouped, nil
}
