package repository

import (
	"context"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/models"
	"gorm.io/gorm"
)

type bookingRepository struct {
	db *gorm.DB
}

func NewBookingRepository(db *gorm.DB) BookingRepository {
	return &bookingRepository{db: db}
}

func (r *bookingRepository) Create(ctx context.Context, booking *models.Booking) error {
	return translate(conn(ctx, r.db).Create(booking).Error)
}

func (r *bookingRepository) FindByID(ctx context.Context, id string) (*models.Booking, error) {
	var booking models.Booking
	if err := conn(ctx, r.db).First(&booking, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &booking, nil
}

// FindByIDForUpdate locks the booking row. Every state change on a booking
// goes through this lock first, so racing writers are serialized.
func (r *bookingRepository) FindByIDForUpdate(ctx context.Context, id string) (*models.Booking, error) {
	var booking models.Booking
	if err := forUpdate(conn(ctx, r.db)).First(&booking, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &booking, nil
}

func (r *bookingRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.Booking, error) {
	var booking models.Booking
	if err := conn(ctx, r.db).First(&booking, "idempotency_key = ?", key).Error; err != nil {
		return nil, translate(err)
	}
	return &booking, nil
}

func (r *bookingRepository) FindByHoldID(ctx context.Context, holdID string) (*models.Booking, error) {
	var booking models.Booking
	if err := conn(ctx, r.db).First(&booking, "hold_id = ?", holdID).Error; err != nil {
		return nil, translate(err)
	}
	return &booking, nil
}

func (r *bookingRepository) CompareAndSetState(ctx context.Context, b *models.Booking, from models.BookingState) (bool, error) {
	now := time.Now().UTC()
	result := conn(ctx, r.db).
		Model(&models.Booking{}).
		Where("id = ? AND state = ?", b.ID, from).
		Updates(map[string]any{
			"state":          b.State,
			"hold_id":        b.HoldID,
			"failure_reason": b.FailureReason,
			"updated_at":     now,
		})
	if result.Error != nil {
		return false, translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	b.UpdatedAt = now
	return true, nil
}
