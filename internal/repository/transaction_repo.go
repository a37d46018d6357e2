package repository

import (
	"context"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/models"
	"gorm.io/gorm"
)

type transactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

// Create fails with ErrDuplicate while another open attempt exists for the
// booking (enforced by the idx_transaction_open partial index).
func (r *transactionRepository) Create(ctx context.Context, t *models.Transaction) error {
	return translate(conn(ctx, r.db).Create(t).Error)
}

func (r *transactionRepository) FindByID(ctx context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	if err := conn(ctx, r.db).First(&t, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (r *transactionRepository) FindByProviderReference(ctx context.Context, ref string) (*models.Transaction, error) {
	var t models.Transaction
	if err := conn(ctx, r.db).First(&t, "provider_reference = ?", ref).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (r *transactionRepository) FindLatestByBooking(ctx context.Context, bookingID string) (*models.Transaction, error) {
	var t models.Transaction
	err := conn(ctx, r.db).
		Where("booking_id = ?", bookingID).
		Order("created_at DESC").
		First(&t).Error
	if err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (r *transactionRepository) FindCapturedByBookingForUpdate(ctx context.Context, bookingID string) (*models.Transaction, error) {
	var t models.Transaction
	err := forUpdate(conn(ctx, r.db)).
		Where("booking_id = ? AND state = ?", bookingID, models.TxCaptured).
		Order("created_at DESC").
		First(&t).Error
	if err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (r *transactionRepository) CompareAndSetState(ctx context.Context, t *models.Transaction, from ...models.TransactionState) (bool, error) {
	now := time.Now().UTC()
	result := conn(ctx, r.db).
		Model(&models.Transaction{}).
		Where("id = ? AND state IN ?", t.ID, from).
		Updates(map[string]any{
			"state":              t.State,
			"session_id":         t.SessionID,
			"provider_reference": t.ProviderReference,
			"redirect_url":       t.RedirectURL,
			"risk_score":         t.RiskScore,
			"failure_reason":     t.FailureReason,
			"updated_at":         now,
		})
	if result.Error != nil {
		return false, translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	t.UpdatedAt = now
	return true, nil
}
