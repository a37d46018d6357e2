package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicate       = errors.New("duplicate record")
	ErrVersionConflict = errors.New("version conflict")
)

// Transactor runs fn inside a database transaction. Repository calls made
// with the ctx passed to fn join that transaction; nested calls reuse it.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type SlotRepository interface {
	Create(ctx context.Context, slot *models.AvailabilitySlot) error
	// Upsert inserts the slot or updates its catalog fields. It reports false
	// when the new capacity would fall below held + sold.
	Upsert(ctx context.Context, slot *models.AvailabilitySlot) (bool, error)
	FindByRef(ctx context.Context, ref models.SlotRef) (*models.AvailabilitySlot, error)
	FindByRefForUpdate(ctx context.Context, ref models.SlotRef) (*models.AvailabilitySlot, error)
	// UpdateCounters writes held/sold guarded by the version read earlier and
	// bumps the version on success.
	UpdateCounters(ctx context.Context, slot *models.AvailabilitySlot) error
}

type HoldRepository interface {
	Create(ctx context.Context, hold *models.ReservationHold) error
	FindByID(ctx context.Context, id string) (*models.ReservationHold, error)
	FindByIDForUpdate(ctx context.Context, id string) (*models.ReservationHold, error)
	// TransitionState is a compare-and-set on state; false means another
	// writer got there first.
	TransitionState(ctx context.Context, id string, from, to models.HoldState) (bool, error)
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.ReservationHold, error)
}

type BookingRepository interface {
	Create(ctx context.Context, booking *models.Booking) error
	FindByID(ctx context.Context, id string) (*models.Booking, error)
	FindByIDForUpdate(ctx context.Context, id string) (*models.Booking, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Booking, error)
	FindByHoldID(ctx context.Context, holdID string) (*models.Booking, error)
	// CompareAndSetState persists state, hold and failure reason from b when
	// the stored state still equals from.
	CompareAndSetState(ctx context.Context, b *models.Booking, from models.BookingState) (bool, error)
}

type TransactionRepository interface {
	Create(ctx context.Context, t *models.Transaction) error
	FindByID(ctx context.Context, id string) (*models.Transaction, error)
	FindByProviderReference(ctx context.Context, ref string) (*models.Transaction, error)
	FindLatestByBooking(ctx context.Context, bookingID string) (*models.Transaction, error)
	FindCapturedByBookingForUpdate(ctx context.Context, bookingID string) (*models.Transaction, error)
	// CompareAndSetState persists the mutable fields of t when the stored
	// state is one of from.
	CompareAndSetState(ctx context.Context, t *models.Transaction, from ...models.TransactionState) (bool, error)
}

type RefundRepository interface {
	Create(ctx context.Context, r *models.Refund) error
	FindByID(ctx context.Context, id string) (*models.Refund, error)
	FindByProviderReference(ctx context.Context, ref string) (*models.Refund, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Refund, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]models.Refund, error)
	// SumCommitted totals PENDING and COMPLETED refunds of a transaction.
	SumCommitted(ctx context.Context, transactionID string) (int64, error)
	CompareAndSetState(ctx context.Context, r *models.Refund, from models.RefundState) (bool, error)
}

type txKey struct{}

func withTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFromContext(ctx context.Context) *gorm.DB {
	tx, _ := ctx.Value(txKey{}).(*gorm.DB)
	return tx
}

type gormTransactor struct {
	db *gorm.DB
}

func NewTransactor(db *gorm.DB) Transactor {
	return &gormTransactor{db: db}
}

func (t *gormTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(withTx(ctx, tx))
	})
}

// conn returns the transaction carried by ctx, or the pool.
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx := txFromContext(ctx); tx != nil {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

func forUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case isUniqueViolation(err):
		return errors.Join(ErrDuplicate, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
