package models

import "time"

type TransactionState string

const (
	TxCreated    TransactionState = "CREATED"
	TxAuthorized TransactionState = "AUTHORIZED"
	TxCaptured   TransactionState = "CAPTURED"
	TxFailed     TransactionState = "FAILED"
	TxCancelled  TransactionState = "CANCELLED"
)

// IsOpen reports whether the attempt can still move money.
func (s TransactionState) IsOpen() bool {
	return s == TxCreated || s == TxAuthorized
}

// Transaction is one payment attempt for a booking.
type Transaction struct {
	ID                string           `gorm:"primaryKey;type:uuid" json:"transactionId"`
	BookingID         string           `gorm:"type:uuid;not null;index" json:"bookingId"`
	SessionID         *string          `gorm:"type:varchar(255)" json:"sessionId,omitempty"`
	ProviderReference *string          `gorm:"type:varchar(255);uniqueIndex" json:"providerReference,omitempty"`
	RedirectURL       string           `gorm:"type:text" json:"redirectUrl,omitempty"`
	Amount            int64            `gorm:"not null" json:"amount"`
	Currency          string           `gorm:"type:char(3);not null" json:"currency"`
	State             TransactionState `gorm:"type:varchar(20);not null" json:"state"`
	RiskScore         *float64         `json:"riskScore,omitempty"`
	FailureReason     string           `gorm:"type:varchar(255)" json:"failureReason,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

type RefundState string

const (
	RefundPending   RefundState = "PENDING"
	RefundCompleted RefundState = "COMPLETED"
	RefundFailed    RefundState = "FAILED"
)

type Refund struct {
	ID                string      `gorm:"primaryKey;type:uuid" json:"refundId"`
	TransactionID     string      `gorm:"type:uuid;not null;index" json:"transactionId"`
	IdempotencyKey    string      `gorm:"type:varchar(255);not null;uniqueIndex" json:"-"`
	ProviderReference *string     `gorm:"type:varchar(255);uniqueIndex" json:"providerReference,omitempty"`
	Amount            int64       `gorm:"not null;check:amount > 0" json:"amount"`
	State             RefundState `gorm:"type:varchar(20);not null" json:"state"`
	Reason            string      `gorm:"type:varchar(64)" json:"reason,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}
