package dto

import (
	"time"

	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/saga"
)

// Error codes returned in ErrorResponse.Error.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeNotFound             = "NOT_FOUND"
	CodeSlotNotFound         = "SLOT_NOT_FOUND"
	CodeInsufficientCapacity = "INSUFFICIENT_CAPACITY"
	CodeStateConflict        = "STATE_CONFLICT"
	CodeGatewayUnavailable   = "GATEWAY_UNAVAILABLE"
	CodeGatewayRejected      = "GATEWAY_REJECTED"
	CodeStorageUnavailable   = "STORAGE_UNAVAILABLE"
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeNotReady             = "NOT_READY"
	CodeRefundExceedsCapture = "REFUND_EXCEEDS_CAPTURE"
	CodeNothingToRefund      = "NOTHING_TO_REFUND"
	CodeCapacityBelowSold    = "CAPACITY_BELOW_COMMITTED"
	CodeIdempotencyKeyReused = "IDEMPOTENCY_KEY_REUSED"
	CodeInternal             = "INTERNAL_ERROR"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	BookingID string `json:"bookingId,omitempty"`
}

type BookingResponse struct {
	BookingID     string              `json:"bookingId"`
	State         models.BookingState `json:"state"`
	RedirectURL   string              `json:"redirectUrl,omitempty"`
	ResourceID    string              `json:"resourceId"`
	SlotID        string              `json:"slotId"`
	Quantity      int                 `json:"quantity"`
	CustomerRef   string              `json:"customerRef"`
	Amount        int64               `json:"amount"`
	Currency      string              `json:"currency"`
	FailureReason string              `json:"failureReason,omitempty"`
	Payment       *PaymentResponse    `json:"payment,omitempty"`
	Refunds       []RefundResponse    `json:"refunds,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

type PaymentResponse struct {
	TransactionID     string                  `json:"transactionId"`
	State             models.TransactionState `json:"state"`
	ProviderReference string                  `json:"providerReference,omitempty"`
	Amount            int64                   `json:"amount"`
	Currency          string                  `json:"currency"`
	RiskScore         *float64                `json:"riskScore,omitempty"`
}

type RefundResponse struct {
	RefundID          string             `json:"refundId"`
	State             models.RefundState `json:"state"`
	Amount            int64              `json:"amount"`
	Reason            string             `json:"reason,omitempty"`
	ProviderReference string             `json:"providerReference,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
}

type SlotResponse struct {
	ResourceID    string `json:"resourceId"`
	SlotID        string `json:"slotId"`
	Date          string `json:"date"`
	Timeslot      string `json:"timeslot"`
	TotalCapacity int    `json:"totalCapacity"`
	HeldCount     int    `json:"heldCount"`
	SoldCount     int    `json:"soldCount"`
	Available     int    `json:"available"`
	UnitAmount    int64  `json:"unitAmount"`
	Currency      string `json:"currency"`
}

type WebhookResponse struct {
	Received     bool                `json:"received"`
	EventID      string              `json:"eventId"`
	Outcome      saga.Outcome        `json:"outcome"`
	BookingID    string              `json:"bookingId,omitempty"`
	BookingState models.BookingState `json:"bookingState,omitempty"`
}

func ToBookingResponse(v *saga.View) BookingResponse {
	b := v.Booking
	resp := BookingResponse{
		BookingID:     b.ID,
		State:         b.State,
		RedirectURL:   v.RedirectURL(),
		ResourceID:    b.ResourceID,
		SlotID:        b.SlotID,
		Quantity:      b.Quantity,
		CustomerRef:   b.CustomerRef,
		Amount:        b.Amount,
		Currency:      b.Currency,
		FailureReason: b.FailureReason,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
	if t := v.Transaction; t != nil {
		resp.Payment = &PaymentResponse{
			TransactionID:     t.ID,
			State:             t.State,
			ProviderReference: deref(t.ProviderReference),
			Amount:            t.Amount,
			Currency:          t.Currency,
			RiskScore:         t.RiskScore,
		}
	}
	for i := range v.Refunds {
		resp.Refunds = append(resp.Refunds, ToRefundResponse(&v.Refunds[i]))
	}
	return resp
}

func ToRefundResponse(r *models.Refund) RefundResponse {
	return RefundResponse{
		RefundID:          r.ID,
		State:             r.State,
		Amount:            r.Amount,
		Reason:            r.Reason,
		ProviderReference: deref(r.ProviderReference),
		CreatedAt:         r.CreatedAt,
	}
}

func ToSlotResponse(s *models.AvailabilitySlot) SlotResponse {
	return SlotResponse{
		ResourceID:    s.ResourceID,
		SlotID:        s.SlotID,
		Date:          s.Date.Format(DateLayout),
		Timeslot:      s.Timeslot,
		TotalCapacity: s.TotalCapacity,
		HeldCount:     s.HeldCount,
		SoldCount:     s.SoldCount,
		Available:     s.Available(),
		UnitAmount:    s.UnitAmount,
		Currency:      s.Currency,
	}
}

func ToWebhookResponse(r *saga.WebhookResult) WebhookResponse {
	return WebhookResponse{
		Received:     true,
		EventID:      r.EventID,
		Outcome:      r.Outcome,
		BookingID:    r.BookingID,
		BookingState: r.BookingState,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
