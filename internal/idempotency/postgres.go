package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/clock"
	"github.com/Eursukkul/booking-settlement/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostgresStore struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewPostgresStore(db *gorm.DB, clk clock.Clock) *PostgresStore {
	return &PostgresStore{db: db, clock: clk}
}

func (s *PostgresStore) Get(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := s.db.WithContext(ctx).
		Where("scope = ? AND key = ? AND expires_at > ?", scope, key, s.clock.Now()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return &rec, nil
}

// Save inserts the record; an expired row for the same key is overwritten,
// a live one wins and is returned.
func (s *PostgresStore) Save(ctx context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"request_hash", "status_code", "body", "created_at", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "idempotency_records.expires_at <= excluded.created_at"},
		}},
	}).Create(rec)
	if result.Error != nil {
		return nil, false, fmt.Errorf("save idempotency record: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return rec, true, nil
	}

	var existing models.IdempotencyRecord
	if err := s.db.WithContext(ctx).
		Where("scope = ? AND key = ?", rec.Scope, rec.Key).
		First(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("load winning idempotency record: %w", err)
	}
	return &existing, false, nil
}

func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&models.IdempotencyRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", result.Error)
	}
	return result.RowsAffected, nil
}
