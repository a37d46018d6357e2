package database

import (
	"context"
	"fmt"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func NewPostgresDB(dsn string, pool PoolConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates the schema and the indexes gorm tags cannot express.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.AvailabilitySlot{},
		&models.ReservationHold{},
		&models.Booking{},
		&models.Transaction{},
		&models.Refund{},
		&models.IdempotencyRecord{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	// At most one open payment attempt per booking
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_transaction_open
		ON transactions (booking_id)
		WHERE state IN ('CREATED', 'AUTHORIZED')
	`).Error; err != nil {
		return fmt.Errorf("create idx_transaction_open: %w", err)
	}

	// Capacity invariant backstop for the ledger
	if err := db.Exec(`
		DO $$ BEGIN
			ALTER TABLE availability_slots
			ADD CONSTRAINT chk_slot_capacity CHECK (held_count + sold_count <= total_capacity);
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$
	`).Error; err != nil {
		return fmt.Errorf("create chk_slot_capacity: %w", err)
	}

	return nil
}

// Health pings the pool; the storage probe uses it to gate new requests.
type Health struct {
	db *gorm.DB
}

func NewHealth(db *gorm.DB) *Health {
	return &Health{db: db}
}

func (h *Health) Ping(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
