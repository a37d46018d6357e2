package repository

import (
	"context"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/models"
	"gorm.io/gorm"
)

type holdRepository struct {
	db *gorm.DB
}

func NewHoldRepository(db *gorm.DB) HoldRepository {
	return &holdRepository{db: db}
}

func (r *holdRepository) Create(ctx context.Context, hold *models.ReservationHold) error {
	return translate(conn(ctx, r.db).Create(hold).Error)
}

func (r *holdRepository) FindByID(ctx context.Context, id string) (*models.ReservationHold, error) {
	var hold models.ReservationHold
	if err := conn(ctx, r.db).First(&hold, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &hold, nil
}

func (r *holdRepository) FindByIDForUpdate(ctx context.Context, id string) (*models.ReservationHold, error) {
	var hold models.ReservationHold
	if err := forUpdate(conn(ctx, r.db)).First(&hold, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &hold, nil
}

func (r *holdRepository) TransitionState(ctx context.Context, id string, from, to models.HoldState) (bool, error) {
	result := conn(ctx, r.db).
		Model(&models.ReservationHold{}).
		Where("id = ? AND state = ?", id, from).
		Updates(map[string]any{"state": to, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return false, translate(result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListExpiredActive returns the oldest ACTIVE holds whose expiry has passed.
func (r *holdRepository) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.ReservationHold, error) {
	var holds []models.ReservationHold
	err := conn(ctx, r.db).
		Where("state = ? AND expires_at < ?", models.HoldActive, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&holds).Error
	if err != nil {
		return nil, translate(err)
	}
	return holds, nil
}
