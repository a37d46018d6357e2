package repository

import (
	"context"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type slotRepository struct {
	db *gorm.DB
}

func NewSlotRepository(db *gorm.DB) SlotRepository {
	return &slotRepository{db: db}
}

func (r *slotRepository) Create(ctx context.Context, slot *models.AvailabilitySlot) error {
	return translate(conn(ctx, r.db).Create(slot).Error)
}

func (r *slotRepository) Upsert(ctx context.Context, slot *models.AvailabilitySlot) (bool, error) {
	set := clause.AssignmentColumns([]string{"date", "timeslot", "total_capacity", "unit_amount", "currency", "updated_at"})
	set = append(set, clause.Assignment{
		Column: clause.Column{Name: "version"},
		Value:  gorm.Expr("availability_slots.version + 1"),
	})

	result := conn(ctx, r.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_id"}, {Name: "slot_id"}},
		DoUpdates: set,
		// Capacity may shrink only down to what is already committed.
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "availability_slots.held_count + availability_slots.sold_count <= excluded.total_capacity"},
		}},
	}).Create(slot)
	if result.Error != nil {
		return false, translate(result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *slotRepository) FindByRef(ctx context.Context, ref models.SlotRef) (*models.AvailabilitySlot, error) {
	var slot models.AvailabilitySlot
	err := conn(ctx, r.db).
		Where("resource_id = ? AND slot_id = ?", ref.ResourceID, ref.SlotID).
		First(&slot).Error
	if err != nil {
		return nil, translate(err)
	}
	return &slot, nil
}

// FindByRefForUpdate acquires a row-level lock on the slot within the ctx transaction.
func (r *slotRepository) FindByRefForUpdate(ctx context.Context, ref models.SlotRef) (*models.AvailabilitySlot, error) {
	var slot models.AvailabilitySlot
	err := forUpdate(conn(ctx, r.db)).
		Where("resource_id = ? AND slot_id = ?", ref.ResourceID, ref.SlotID).
		First(&slot).Error
	if err != nil {
		return nil, translate(err)
	}
	return &slot, nil
}

func (r *slotRepository) UpdateCounters(ctx context.Context, slot *models.AvailabilitySlot) error {
	now := time.Now().UTC()
	result := conn(ctx, r.db).
		Model(&models.AvailabilitySlot{}).
		Where("resource_id = ? AND slot_id = ? AND version = ?", slot.ResourceID, slot.SlotID, slot.Version).
		Updates(map[string]any{
			"held_count": slot.HeldCount,
			"sold_count": slot.SoldCount,
			"version":    slot.Version + 1,
			"updated_at": now,
		})
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	slot.Version++
	slot.UpdatedAt = now
	return nil
}
