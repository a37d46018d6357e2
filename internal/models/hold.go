package models

import "time"

type HoldState string

const (
	HoldActive   HoldState = "ACTIVE"
	HoldConsumed HoldState = "CONSUMED"
	HoldReleased HoldState = "RELEASED"
	HoldExpired  HoldState = "EXPIRED"
)

type ReservationHold struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"holdId"`
	ResourceID string    `gorm:"type:varchar(64);not null;index:idx_hold_slot" json:"resourceId"`
	SlotID     string    `gorm:"type:varchar(64);not null;index:idx_hold_slot" json:"slotId"`
	Quantity   int       `gorm:"not null" json:"quantity"`
	State      HoldState `gorm:"type:varchar(16);not null;index:idx_hold_state_expiry,priority:1" json:"state"`
	ExpiresAt  time.Time `gorm:"not null;index:idx_hold_state_expiry,priority:2" json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (h *ReservationHold) SlotRef() SlotRef {
	return SlotRef{ResourceID: h.ResourceID, SlotID: h.SlotID}
}

func (h *ReservationHold) ExpiredAt(now time.Time) bool {
	return now.After(h.ExpiresAt)
}
