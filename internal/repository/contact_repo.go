package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ContactRepository interface {
	FindAddress(ctx context.Context, recipientID string, method domain.DeliveryMethod) (string, error)
	Upsert(ctx context.Context, recipientID string, method domain.DeliveryMethod, address string) error
}

type GormContactRepo struct {
	db *gorm.DB
}

func NewGormContactRepo(db *gorm.DB) *GormContactRepo {
	return &GormContactRepo{db: db}
}

// FindAddress returns domain.ErrContactNotFound when the recipient has no
// address for method.
func (r *GormContactRepo) FindAddress(ctx context.Context, recipientID string, method domain.DeliveryMethod) (string, error) {
	var model ContactModel
	err := r.db.WithContext(ctx).
		Where("recipient_id = ? AND method = ?", recipientID, method).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s/%s", domain.ErrContactNotFound, recipientID, method)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(model.Address) == "" {
		return "", fmt.Errorf("%w: %s/%s", domain.ErrContactNotFound, recipientID, method)
	}
	return model.Address, nil
}

func (r *GormContactRepo) Upsert(ctx context.Context, recipientID string, method domain.DeliveryMethod, address string) error {
	if strings.TrimSpace(recipientID) == "" || strings.TrimSpace(address) == "" {
		return fmt.Errorf("%w: recipient id and address are required", domain.ErrValidation)
	}
	if !method.IsValid() {
		return fmt.Errorf("%w: invalid delivery method %q", domain.ErrValidation, method)
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "recipient_id"}, {Name: "method"}},
			DoUpdates: clause.AssignmentColumns([]string{"address", "updated_at"}),
		}).
		Create(&ContactModel{RecipientID: recipientID, Method: method, Address: address}).Error
}
