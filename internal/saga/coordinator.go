// Package saga sequences a booking through hold, payment session and
// settlement, compensating with a hold release whenever a later step fails.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/booking"
	"github.com/Eursukkul/booking-settlement/internal/clock"
	"github.com/Eursukkul/booking-settlement/internal/idempotency"
	"github.com/Eursukkul/booking-settlement/internal/ledger"
	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/notifier"
	"github.com/Eursukkul/booking-settlement/internal/payment"
	"github.com/Eursukkul/booking-settlement/internal/repository"
	"github.com/google/uuid"
)

var (
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrNotReady             = errors.New("booking not ready for this notification")
	ErrRefundExceedsCapture = errors.New("refund total would exceed captured amount")
	ErrNothingToRefund      = errors.New("booking has no captured payment")
	ErrInvalidAmount        = errors.New("amount must be positive")
)

// Service is what the HTTP layer needs from the coordinator.
type Service interface {
	CreateBooking(ctx context.Context, req BookingRequest) (*View, error)
	GetBooking(ctx context.Context, id string) (*View, error)
	CancelBooking(ctx context.Context, id string) (*View, error)
	RequestRefund(ctx context.Context, req RefundRequest) (*models.Refund, error)
	HandlePaymentNotification(ctx context.Context, raw []byte, signature string) (*WebhookResult, error)
}

type BookingRequest struct {
	IdempotencyKey string
	Slot           models.SlotRef
	Quantity       int
	CustomerRef    string
}

type RefundRequest struct {
	BookingID      string
	Amount         int64
	IdempotencyKey string
}

// View is a booking with its latest payment attempt and that attempt's refunds.
type View struct {
	Booking     *models.Booking
	Transaction *models.Transaction
	Refunds     []models.Refund
	Replayed    bool
}

func (v *View) RedirectURL() string {
	if v.Transaction == nil || v.Booking.State != models.BookingPaymentPending {
		return ""
	}
	return v.Transaction.RedirectURL
}

type Deps struct {
	Tx           repository.Transactor
	Bookings     repository.BookingRepository
	Transactions repository.TransactionRepository
	Refunds      repository.RefundRepository
	Ledger       *ledger.Ledger
	Machine      *booking.Machine
	Gateway      payment.Gateway
	Verifier     *payment.Verifier
	Idempotency  idempotency.Store
	Emitter      notifier.Emitter
	Clock        clock.Clock
	Logger       *slog.Logger
}

type Options struct {
	HoldTTL               time.Duration
	ReturnURL             string
	GatewayRetries        int
	RetryBackoff          time.Duration
	IdempotencyTTL        time.Duration
	AutoRefundLateCapture bool
}

type Coordinator struct {
	tx           repository.Transactor
	bookings     repository.BookingRepository
	transactions repository.TransactionRepository
	refunds      repository.RefundRepository
	ledger       *ledger.Ledger
	machine      *booking.Machine
	gateway      payment.Gateway
	verifier     *payment.Verifier
	idem         idempotency.Store
	emitter      notifier.Emitter
	clock        clock.Clock
	logger       *slog.Logger
	opts         Options

	available atomic.Bool
}

func New(d Deps, opts Options) *Coordinator {
	c := &Coordinator{
		tx:           d.Tx,
		bookings:     d.Bookings,
		transactions: d.Transactions,
		refunds:      d.Refunds,
		ledger:       d.Ledger,
		machine:      d.Machine,
		gateway:      d.Gateway,
		verifier:     d.Verifier,
		idem:         d.Idempotency,
		emitter:      d.Emitter,
		clock:        d.Clock,
		logger:       d.Logger.With("component", "saga"),
		opts:         opts,
	}
	c.available.Store(true)
	return c
}

// SetStorageAvailable opens or closes the gate on new work. Sweeps keep
// running while the gate is closed.
func (c *Coordinator) SetStorageAvailable(ok bool) {
	if c.available.Swap(ok) != ok {
		c.logger.Warn("storage availability changed", "available", ok)
	}
}

func (c *Coordinator) StorageAvailable() bool {
	return c.available.Load()
}

func (c *Coordinator) ready() error {
	if !c.available.Load() {
		return ErrStorageUnavailable
	}
	return nil
}

// CreateBooking takes a hold for the requested quantity and opens a payment
// session for it. A request whose idempotency key was already used returns
// the booking created the first time.
func (c *Coordinator) CreateBooking(ctx context.Context, req BookingRequest) (*View, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, ledger.ErrInvalidQuantity
	}

	existing, err := c.bookings.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		return c.replay(ctx, existing)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup booking by key: %w", err)
	}

	slot, err := c.ledger.Slot(ctx, req.Slot)
	if err != nil {
		return nil, err
	}
	if slot.UnitAmount > 0 && int64(req.Quantity) > math.MaxInt64/slot.UnitAmount {
		return nil, fmt.Errorf("%w: %d x %d overflows", ErrInvalidAmount, req.Quantity, slot.UnitAmount)
	}

	now := c.clock.Now()
	b := &models.Booking{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		ResourceID:     req.Slot.ResourceID,
		SlotID:         req.Slot.SlotID,
		Quantity:       req.Quantity,
		CustomerRef:    req.CustomerRef,
		Amount:         slot.UnitAmount * int64(req.Quantity),
		Currency:       slot.Currency,
		State:          models.BookingCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.bookings.Create(ctx, b); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			winner, ferr := c.bookings.FindByIdempotencyKey(ctx, req.IdempotencyKey)
			if ferr != nil {
				return nil, fmt.Errorf("lookup booking by key: %w", ferr)
			}
			return c.replay(ctx, winner)
		}
		return nil, fmt.Errorf("create booking: %w", err)
	}

	log := c.logger.With("booking_id", b.ID, "slot", req.Slot.String())

	txn := &models.Transaction{
		ID:        uuid.NewString(),
		BookingID: b.ID,
		Amount:    b.Amount,
		Currency:  b.Currency,
		State:     models.TxCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = c.tx.WithinTx(ctx, func(ctx context.Context) error {
		hold, err := c.ledger.TryHold(ctx, req.Slot, req.Quantity, c.opts.HoldTTL)
		if err != nil {
			return err
		}
		if _, err := c.machine.Apply(ctx, b, booking.EventHoldAcquired, booking.WithHold(hold.ID)); err != nil {
			return err
		}
		return c.transactions.Create(ctx, txn)
	})
	if errors.Is(err, ledger.ErrInsufficientCapacity) {
		out, aerr := c.machine.Apply(ctx, b, booking.EventCapacityRejected,
			booking.WithFailureReason(models.ReasonInsufficientCapacity))
		if aerr != nil {
			log.Error("failed to record capacity rejection", "error", aerr)
		} else if out.Applied {
			c.emit(ctx, notifier.BookingFailed, b)
		}
		log.Info("booking rejected", "reason", models.ReasonInsufficientCapacity, "quantity", req.Quantity)
		return &View{Booking: b}, err
	}
	if err != nil {
		return nil, fmt.Errorf("hold booking %s: %w", b.ID, err)
	}

	session, err := c.createSession(ctx, b, txn)
	if err != nil {
		log.Warn("payment session failed, releasing hold", "error", err)
		return c.compensateSession(ctx, b, txn, err)
	}
	if err := c.recordSession(ctx, b, txn, session); err != nil {
		return nil, err
	}

	log.Info("booking awaiting payment", "transaction_id", txn.ID, "state", b.State)
	return &View{Booking: b, Transaction: txn}, nil
}

func (c *Coordinator) createSession(ctx context.Context, b *models.Booking, txn *models.Transaction) (*payment.Session, error) {
	req := payment.SessionRequest{
		TransactionID: txn.ID,
		BookingID:     b.ID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		ReturnURL:     c.opts.ReturnURL,
	}
	var session *payment.Session
	err := c.retry(ctx, "create_session", func(ctx context.Context) error {
		var err error
		session, err = c.gateway.CreateSession(ctx, req)
		return err
	})
	return session, err
}

// compensateSession undoes the hold after the session could not be created
// and fails the booking. The caller gets cause back.
func (c *Coordinator) compensateSession(ctx context.Context, b *models.Booking, txn *models.Transaction, cause error) (*View, error) {
	reason := models.ReasonGatewayUnavailable
	if errors.Is(cause, payment.ErrDeclined) {
		reason = models.ReasonGatewayRejected
	}

	var out booking.Outcome
	err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := c.bookings.FindByIDForUpdate(ctx, b.ID); err != nil {
			return err
		}
		if err := c.ledger.Release(ctx, *b.HoldID); err != nil {
			return err
		}
		failed := *txn
		failed.State = models.TxFailed
		failed.FailureReason = cause.Error()
		ok, err := c.transactions.CompareAndSetState(ctx, &failed, models.TxCreated)
		if err != nil {
			return err
		}
		if ok {
			*txn = failed
		}

		out, err = c.machine.Apply(ctx, b, booking.EventSessionFailed, booking.WithFailureReason(reason))
		if errors.Is(err, booking.ErrStateConflict) {
			// cancelled or expired meanwhile; that path already released the hold
			return nil
		}
		return err
	})
	if err != nil {
		return nil, errors.Join(cause, fmt.Errorf("compensate booking %s: %w", b.ID, err))
	}
	if out.Applied {
		c.emit(ctx, notifier.BookingFailed, b)
	}
	return &View{Booking: b, Transaction: txn}, cause
}

// recordSession stores the provider session on the transaction and moves the
// booking to PAYMENT_PENDING, unless it was cancelled or expired while the
// provider was being called. In that case the attempt is closed instead.
func (c *Coordinator) recordSession(ctx context.Context, b *models.Booking, txn *models.Transaction, session *payment.Session) error {
	err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := c.bookings.FindByIDForUpdate(ctx, b.ID)
		if err != nil {
			return err
		}
		*b = *locked

		pending := *txn
		pending.SessionID = &session.ID
		pending.ProviderReference = &session.ID
		pending.RedirectURL = session.RedirectURL
		ok, err := c.transactions.CompareAndSetState(ctx, &pending, models.TxCreated)
		if err != nil {
			return err
		}
		if !ok {
			current, err := c.transactions.FindByID(ctx, txn.ID)
			if err != nil {
				return err
			}
			*txn = *current
		} else {
			*txn = pending
		}

		_, err = c.machine.Apply(ctx, b, booking.EventSessionCreated)
		if !errors.Is(err, booking.ErrStateConflict) {
			return err
		}
		return c.closeOpenTransaction(ctx, txn, models.TxCancelled, "booking "+string(b.State)+" before session was recorded")
	})
	if err != nil {
		return fmt.Errorf("record session for booking %s: %w", b.ID, err)
	}
	return nil
}

func (c *Coordinator) replay(ctx context.Context, b *models.Booking) (*View, error) {
	v, err := c.view(ctx, b)
	if err != nil {
		return nil, err
	}
	v.Replayed = true
	if b.State == models.BookingFailed {
		return v, failureErr(b.FailureReason)
	}
	return v, nil
}

// failureErr maps a creation-time failure reason back to the error the
// original request returned.
func failureErr(reason string) error {
	switch reason {
	case models.ReasonInsufficientCapacity:
		return ledger.ErrInsufficientCapacity
	case models.ReasonGatewayUnavailable:
		return payment.ErrGatewayUnavailable
	case models.ReasonGatewayRejected:
		return payment.ErrDeclined
	}
	return nil
}

func (c *Coordinator) GetBooking(ctx context.Context, id string) (*View, error) {
	b, err := c.findBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.view(ctx, b)
}

// CancelBooking cancels a non-terminal booking and gives its hold back.
// Cancelling a cancelled booking returns it unchanged.
func (c *Coordinator) CancelBooking(ctx context.Context, id string) (*View, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var b *models.Booking
	var out booking.Outcome
	err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		b, err = c.bookings.FindByIDForUpdate(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return booking.ErrNotFound
		}
		if err != nil {
			return err
		}

		out, err = c.machine.Apply(ctx, b, booking.EventCancelled)
		if err != nil || !out.Applied {
			return err
		}
		if b.HoldID != nil {
			if err := c.ledger.Release(ctx, *b.HoldID); err != nil {
				return err
			}
		}
		return c.closeLatestTransaction(ctx, b.ID, models.TxCancelled, "booking cancelled")
	})
	if err != nil {
		return nil, err
	}

	if out.Applied {
		c.logger.Info("booking cancelled", "booking_id", b.ID, "from", out.From)
		c.emit(ctx, notifier.BookingCancelled, b)
	}
	return c.view(ctx, b)
}

func (c *Coordinator) findBooking(ctx context.Context, id string) (*models.Booking, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, booking.ErrNotFound
	}
	b, err := c.bookings.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, booking.ErrNotFound
	}
	return b, err
}

func (c *Coordinator) view(ctx context.Context, b *models.Booking) (*View, error) {
	v := &View{Booking: b}
	txn, err := c.transactions.FindLatestByBooking(ctx, b.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transaction for booking %s: %w", b.ID, err)
	}
	v.Transaction = txn

	refunds, err := c.refunds.ListByTransaction(ctx, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("load refunds for transaction %s: %w", txn.ID, err)
	}
	v.Refunds = refunds
	return v, nil
}

// closeLatestTransaction closes the booking's payment attempt if it is still open.
func (c *Coordinator) closeLatestTransaction(ctx context.Context, bookingID string, to models.TransactionState, reason string) error {
	txn, err := c.transactions.FindLatestByBooking(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.closeOpenTransaction(ctx, txn, to, reason)
}

func (c *Coordinator) closeOpenTransaction(ctx context.Context, txn *models.Transaction, to models.TransactionState, reason string) error {
	if !txn.State.IsOpen() {
		return nil
	}
	closed := *txn
	closed.State = to
	closed.FailureReason = reason
	ok, err := c.transactions.CompareAndSetState(ctx, &closed, models.TxCreated, models.TxAuthorized)
	if err != nil {
		return fmt.Errorf("close transaction %s: %w", txn.ID, err)
	}
	if ok {
		*txn = closed
	}
	return nil
}

// retry runs fn until it succeeds, fails with something other than a
// transient gateway error, or the retry budget is spent. An open circuit is
// never retried.
func (c *Coordinator) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := c.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !retryable(err) || attempt >= c.opts.GatewayRetries {
			return err
		}
		c.logger.Warn("gateway call failed, retrying", "op", op, "attempt", attempt+1, "backoff", backoff, "error", err)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		backoff *= 2
	}
}

func retryable(err error) bool {
	return errors.Is(err, payment.ErrGatewayUnavailable) && !errors.Is(err, payment.ErrCircuitOpen)
}

// emit publishes after the state change has committed.
func (c *Coordinator) emit(ctx context.Context, t notifier.EventType, b *models.Booking) {
	c.emitter.Emit(context.WithoutCancel(ctx), notifier.NewEvent(t, b, c.clock.Now()))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
