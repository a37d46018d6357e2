package models

import "time"

// IdempotencyRecord stores the first response produced for a key within a scope.
type IdempotencyRecord struct {
	Scope       string    `gorm:"primaryKey;type:varchar(128)"`
	Key         string    `gorm:"primaryKey;type:varchar(255)"`
	RequestHash string    `gorm:"type:varchar(64)"`
	StatusCode  int       `gorm:"not null"`
	Body        []byte    `gorm:"type:bytea"`
	CreatedAt   time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}
