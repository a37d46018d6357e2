package repository

import (
	"context"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/models"
	"gorm.io/gorm"
)

type refundRepository struct {
	db *gorm.DB
}

func NewRefundRepository(db *gorm.DB) RefundRepository {
	return &refundRepository{db: db}
}

func (r *refundRepository) Create(ctx context.Context, refund *models.Refund) error {
	return translate(conn(ctx, r.db).Create(refund).Error)
}

func (r *refundRepository) FindByID(ctx context.Context, id string) (*models.Refund, error) {
	var refund models.Refund
	if err := conn(ctx, r.db).First(&refund, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &refund, nil
}

func (r *refundRepository) FindByProviderReference(ctx context.Context, ref string) (*models.Refund, error) {
	var refund models.Refund
	if err := conn(ctx, r.db).First(&refund, "provider_reference = ?", ref).Error; err != nil {
		return nil, translate(err)
	}
	return &refund, nil
}

func (r *refundRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.Refund, error) {
	var refund models.Refund
	if err := conn(ctx, r.db).First(&refund, "idempotency_key = ?", key).Error; err != nil {
		return nil, translate(err)
	}
	return &refund, nil
}

func (r *refundRepository) ListByTransaction(ctx context.Context, transactionID string) ([]models.Refund, error) {
	var refunds []models.Refund
	err := conn(ctx, r.db).
		Where("transaction_id = ?", transactionID).
		Order("created_at ASC").
		Find(&refunds).Error
	if err != nil {
		return nil, translate(err)
	}
	return refunds, nil
}

func (r *refundRepository) SumCommitted(ctx context.Context, transactionID string) (int64, error) {
	var sum int64
	err := conn(ctx, r.db).
		Model(&models.Refund{}).
		Where("transaction_id = ? AND state IN ?", transactionID, []models.RefundState{models.RefundPending, models.RefundCompleted}).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, translate(err)
}

func (r *refundRepository) CompareAndSetState(ctx context.Context, refund *models.Refund, from models.RefundState) (bool, error) {
	now := time.Now().UTC()
	result := conn(ctx, r.db).
		Model(&models.Refund{}).
		Where("id = ? AND state = ?", refund.ID, from).
		Updates(map[string]any{
			"state":              refund.State,
			"provider_reference": refund.ProviderReference,
			"updated_at":         now,
		})
	if result.Error != nil {
		return false, translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	refund.UpdatedAt = now
	return true, nil
}
