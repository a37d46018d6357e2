package models

import (
	"fmt"
	"time"
)

// SlotRef is the natural key of a sellable unit: a resource at one date/timeslot.
type SlotRef struct {
	ResourceID string `json:"resourceId"`
	SlotID     string `json:"slotId"`
}

func (r SlotRef) String() string {
	return r.ResourceID + "/" + r.SlotID
}

type AvailabilitySlot struct {
	ResourceID    string    `gorm:"primaryKey;type:varchar(64)" json:"resourceId"`
	SlotID        string    `gorm:"primaryKey;type:varchar(64)" json:"slotId"`
	Date          time.Time `gorm:"type:date;not null" json:"date"`
	Timeslot      string    `gorm:"type:varchar(32);not null" json:"timeslot"`
	TotalCapacity int       `gorm:"not null;check:total_capacity >= 0" json:"totalCapacity"`
	HeldCount     int       `gorm:"not null;default:0;check:held_count >= 0" json:"heldCount"`
	SoldCount     int       `gorm:"not null;default:0;check:sold_count >= 0" json:"soldCount"`
	UnitAmount    int64     `gorm:"not null" json:"unitAmount"`
	Currency      string    `gorm:"type:char(3);not null" json:"currency"`
	Version       int64     `gorm:"not null;default:0" json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (s *AvailabilitySlot) Ref() SlotRef {
	return SlotRef{ResourceID: s.ResourceID, SlotID: s.SlotID}
}

// Available is the number of units that can still be held.
func (s *AvailabilitySlot) Available() int {
	return s.TotalCapacity - s.HeldCount - s.SoldCount
}

// Adjust applies counter deltas, refusing any result that breaks
// held + sold <= total or drives a counter negative.
func (s *AvailabilitySlot) Adjust(heldDelta, soldDelta int) error {
	held := s.HeldCount + heldDelta
	sold := s.SoldCount + soldDelta
	if held < 0 || sold < 0 || held+sold > s.TotalCapacity {
		return fmt.Errorf("slot %s: counters held=%d sold=%d out of range for capacity %d",
			s.Ref(), held, sold, s.TotalCapacity)
	}
	s.HeldCount = held
	s.SoldCount = sold
	return nil
}
