package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/Eursukkul/booking-settlement/internal/booking"
	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/payment"
	"github.com/Eursukkul/booking-settlement/internal/repository"
	"github.com/google/uuid"
)

const (
	refundReasonCustomer    = "CUSTOMER_REQUEST"
	refundReasonLateCapture = "LATE_CAPTURE"
)

// RequestRefund refunds part or all of a confirmed booking's captured
// payment. The idempotency key makes a retried request return the refund it
// created the first time, resubmitting it if the provider never accepted it.
func (c *Coordinator) RequestRefund(ctx context.Context, req RefundRequest) (*models.Refund, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if existing, err := c.refunds.FindByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return c.resumeRefund(ctx, existing)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup refund by key: %w", err)
	}

	b, err := c.findBooking(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}

	var (
		refund *models.Refund
		txn    *models.Transaction
	)
	err = c.tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := c.bookings.FindByIDForUpdate(ctx, b.ID)
		if err != nil {
			return err
		}
		if locked.State != models.BookingConfirmed {
			return fmt.Errorf("%w: booking %s is %s", booking.ErrStateConflict, locked.ID, locked.State)
		}

		txn, err = c.transactions.FindCapturedByBookingForUpdate(ctx, locked.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNothingToRefund
		}
		if err != nil {
			return err
		}
		refund, err = c.createRefund(ctx, txn, req.Amount, req.IdempotencyKey, refundReasonCustomer)
		return err
	})
	if errors.Is(err, repository.ErrDuplicate) {
		existing, ferr := c.refunds.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		if ferr != nil {
			return nil, fmt.Errorf("lookup refund by key: %w", ferr)
		}
		return c.resumeRefund(ctx, existing)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Info("refund requested", "booking_id", b.ID, "refund_id", refund.ID, "amount", refund.Amount)
	return c.submitRefund(ctx, refund, txn)
}

func (c *Coordinator) resumeRefund(ctx context.Context, refund *models.Refund) (*models.Refund, error) {
	if refund.State != models.RefundPending || refund.ProviderReference != nil {
		return refund, nil
	}
	txn, err := c.transactions.FindByID(ctx, refund.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", refund.TransactionID, err)
	}
	return c.submitRefund(ctx, refund, txn)
}

// createRefund stores a PENDING refund if the committed refunds plus amount
// stay within the captured amount. Callers hold the transaction row lock.
func (c *Coordinator) createRefund(ctx context.Context, txn *models.Transaction, amount int64, key, reason string) (*models.Refund, error) {
	committed, err := c.refunds.SumCommitted(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	if amount > txn.Amount-committed {
		return nil, fmt.Errorf("%w: %d already committed of %d, requested %d", ErrRefundExceedsCapture, committed, txn.Amount, amount)
	}

	now := c.clock.Now()
	refund := &models.Refund{
		ID:             uuid.NewString(),
		TransactionID:  txn.ID,
		IdempotencyKey: key,
		Amount:         amount,
		State:          models.RefundPending,
		Reason:         reason,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.refunds.Create(ctx, refund); err != nil {
		return nil, err
	}
	return refund, nil
}

// lateCaptureRefund queues a full refund of a capture that arrived for a
// booking that can no longer be confirmed. Runs inside the capture transaction.
func (c *Coordinator) lateCaptureRefund(ctx context.Context, txn *models.Transaction) (*models.Refund, error) {
	if !c.opts.AutoRefundLateCapture {
		return nil, nil
	}
	key := "late-capture:" + txn.ID
	_, err := c.refunds.FindByIdempotencyKey(ctx, key)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return c.createRefund(ctx, txn, txn.Amount, key, refundReasonLateCapture)
}

// submitRefund sends a PENDING refund to the provider. A decline fails it; a
// transient failure leaves it PENDING for a retry under the same key.
func (c *Coordinator) submitRefund(ctx context.Context, refund *models.Refund, txn *models.Transaction) (*models.Refund, error) {
	req := payment.RefundRequest{
		RefundID:          refund.ID,
		ProviderReference: deref(txn.ProviderReference),
		Amount:            refund.Amount,
	}
	var result *payment.RefundResult
	err := c.retry(ctx, "refund", func(ctx context.Context) error {
		var err error
		result, err = c.gateway.Refund(ctx, req)
		return err
	})

	next := *refund
	switch {
	case errors.Is(err, payment.ErrDeclined):
		next.State = models.RefundFailed
	case err != nil:
		return refund, err
	default:
		id := result.ID
		next.ProviderReference = &id
		if result.Completed() {
			next.State = models.RefundCompleted
		}
	}

	ok, cerr := c.refunds.CompareAndSetState(ctx, &next, models.RefundPending)
	if cerr != nil {
		return nil, fmt.Errorf("update refund %s: %w", refund.ID, cerr)
	}
	if !ok {
		// settled by a notification first
		current, ferr := c.refunds.FindByID(ctx, refund.ID)
		if ferr != nil {
			return nil, ferr
		}
		return current, nil
	}
	if next.State == models.RefundFailed {
		return &next, err
	}
	return &next, nil
}

func (c *Coordinator) applyRefundNotification(ctx context.Context, n *payment.Notification) (Outcome, *models.Booking, error) {
	refund, err := c.refunds.FindByProviderReference(ctx, n.RefundReference)
	if errors.Is(err, repository.ErrNotFound) {
		// the provider can answer before the submit call has stored its reference
		return "", nil, fmt.Errorf("%w: refund %s not recorded yet", ErrNotReady, n.RefundReference)
	}
	if err != nil {
		return "", nil, err
	}

	to := models.RefundCompleted
	if n.EventType == payment.EventRefundFailed {
		to = models.RefundFailed
	}

	outcome := OutcomeApplied
	settled := *refund
	settled.State = to
	ok, err := c.refunds.CompareAndSetState(ctx, &settled, models.RefundPending)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		current, err := c.refunds.FindByID(ctx, refund.ID)
		if err != nil {
			return "", nil, err
		}
		outcome = OutcomeNoOp
		if current.State != to {
			outcome = OutcomeConflict
		}
	}

	txn, err := c.transactions.FindByID(ctx, refund.TransactionID)
	if err != nil {
		return "", nil, fmt.Errorf("load transaction %s: %w", refund.TransactionID, err)
	}
	b, err := c.bookings.FindByID(ctx, txn.BookingID)
	if err != nil {
		return "", nil, fmt.Errorf("load booking %s: %w", txn.BookingID, err)
	}
	c.logger.Info("refund settled", "refund_id", refund.ID, "state", to, "outcome", outcome)
	return outcome, b, nil
}
