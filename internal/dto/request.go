package dto

import (
	"errors"
	"strings"
	"time"
)

type CreateBookingRequest struct {
	ResourceID     string `json:"resourceId"`
	SlotID         string `json:"slotId"`
	Quantity       int    `json:"quantity"`
	CustomerRef    string `json:"customerRef"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (r *CreateBookingRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.ResourceID) == "":
		return errors.New("resourceId is required")
	case strings.TrimSpace(r.SlotID) == "":
		return errors.New("slotId is required")
	case r.Quantity <= 0:
		return errors.New("quantity must be positive")
	case strings.TrimSpace(r.CustomerRef) == "":
		return errors.New("customerRef is required")
	}
	return nil
}

type CreateRefundRequest struct {
	Amount int64 `json:"amount"`
}

// DateLayout is the wire format of slot dates.
const DateLayout = "2006-01-02"

type CreateSlotRequest struct {
	ResourceID    string `json:"resourceId"`
	SlotID        string `json:"slotId"`
	Date          string `json:"date"`
	Timeslot      string `json:"timeslot"`
	TotalCapacity int    `json:"totalCapacity"`
	UnitAmount    int64  `json:"unitAmount"`
	Currency      string `json:"currency"`
}

// Validate checks required fields and returns the parsed date.
func (r *CreateSlotRequest) Validate() (time.Time, error) {
	switch {
	case strings.TrimSpace(r.ResourceID) == "" || strings.TrimSpace(r.SlotID) == "":
		return time.Time{}, errors.New("resourceId and slotId are required")
	case r.TotalCapacity < 0:
		return time.Time{}, errors.New("totalCapacity cannot be negative")
	case r.UnitAmount < 0:
		return time.Time{}, errors.New("unitAmount cannot be negative")
	case len(r.Currency) != 3:
		return time.Time{}, errors.New("currency must be a 3-letter ISO code")
	}
	date, err := time.Parse(DateLayout, r.Date)
	if err != nil {
		return time.Time{}, errors.New("date must be YYYY-MM-DD")
	}
	return date, nil
}
