package models

import "time"

type BookingState string

const (
	BookingCreated        BookingState = "CREATED"
	BookingHoldActive     BookingState = "HOLD_ACTIVE"
	BookingPaymentPending BookingState = "PAYMENT_PENDING"
	BookingConfirmed      BookingState = "CONFIRMED"
	BookingFailed         BookingState = "FAILED"
	BookingCancelled      BookingState = "CANCELLED"
	BookingExpired        BookingState = "EXPIRED"
)

func (s BookingState) IsTerminal() bool {
	switch s {
	case BookingConfirmed, BookingFailed, BookingCancelled, BookingExpired:
		return true
	}
	return false
}

// Failure reasons recorded on FAILED bookings.
const (
	ReasonInsufficientCapacity = "INSUFFICIENT_CAPACITY"
	ReasonGatewayUnavailable   = "GATEWAY_UNAVAILABLE"
	ReasonPaymentDeclined      = "PAYMENT_DECLINED"
	ReasonPaymentCancelled     = "PAYMENT_CANCELLED"
	ReasonGatewayRejected      = "GATEWAY_REJECTED"
)

type Booking struct {
	ID             string       `gorm:"primaryKey;type:uuid" json:"bookingId"`
	IdempotencyKey string       `gorm:"type:varchar(255);not null;uniqueIndex" json:"-"`
	ResourceID     string       `gorm:"type:varchar(64);not null" json:"resourceId"`
	SlotID         string       `gorm:"type:varchar(64);not null" json:"slotId"`
	Quantity       int          `gorm:"not null" json:"quantity"`
	HoldID         *string      `gorm:"type:uuid;index" json:"holdId,omitempty"`
	CustomerRef    string       `gorm:"type:varchar(255);not null" json:"customerRef"`
	Amount         int64        `gorm:"not null" json:"amount"`
	Currency       string       `gorm:"type:char(3);not null" json:"currency"`
	State          BookingState `gorm:"type:varchar(20);not null;default:'CREATED'" json:"state"`
	FailureReason  string       `gorm:"type:varchar(64)" json:"failureReason,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

func (b *Booking) SlotRef() SlotRef {
	return SlotRef{ResourceID: b.ResourceID, SlotID: b.SlotID}
}
