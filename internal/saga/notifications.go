package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Eursukkul/booking-settlement/internal/booking"
	"github.com/Eursukkul/booking-settlement/internal/idempotency"
	"github.com/Eursukkul/booking-settlement/internal/ledger"
	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/notifier"
	"github.com/Eursukkul/booking-settlement/internal/payment"
	"github.com/Eursukkul/booking-settlement/internal/repository"
	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeApplied  Outcome = "APPLIED"
	OutcomeNoOp     Outcome = "NO_OP"
	OutcomeConflict Outcome = "STATE_CONFLICT"
	OutcomeIgnored  Outcome = "IGNORED"
)

// WebhookResult is recorded under the notification's dedup key and returned
// unchanged to every redelivery.
type WebhookResult struct {
	EventID      string              `json:"eventId"`
	EventType    payment.EventType   `json:"eventType"`
	Outcome      Outcome             `json:"outcome"`
	BookingID    string              `json:"bookingId,omitempty"`
	BookingState models.BookingState `json:"bookingState,omitempty"`
	Replayed     bool                `json:"-"`
}

// HandlePaymentNotification verifies a provider callback, applies it once and
// records the outcome. A redelivered notification gets the recorded outcome
// back without touching any state.
func (c *Coordinator) HandlePaymentNotification(ctx context.Context, raw []byte, signature string) (*WebhookResult, error) {
	n, err := c.verifier.Verify(raw, signature)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			c.logger.Warn("payment notification rejected",
				"security_event", true,
				"reason", "invalid_signature",
				"payload_bytes", len(raw),
			)
		}
		return nil, err
	}
	if err := c.ready(); err != nil {
		return nil, err
	}

	key := n.DedupKey()
	rec, err := c.idem.Get(ctx, idempotency.ScopeWebhook, key)
	if err != nil {
		return nil, fmt.Errorf("lookup notification %s: %w", key, err)
	}
	if rec != nil {
		return decodeResult(rec)
	}

	res, err := c.applyNotification(ctx, n)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	winner, created, err := c.idem.Save(ctx, idempotency.NewRecord(
		idempotency.ScopeWebhook, key, "", http.StatusOK, body, c.clock.Now(), c.opts.IdempotencyTTL))
	if err != nil {
		return nil, fmt.Errorf("record notification %s: %w", key, err)
	}
	if !created {
		return decodeResult(winner)
	}

	c.logger.Info("payment notification applied",
		"event_id", n.EventID,
		"event_type", n.EventType,
		"outcome", res.Outcome,
		"booking_id", res.BookingID,
	)
	return res, nil
}

func decodeResult(rec *models.IdempotencyRecord) (*WebhookResult, error) {
	var res WebhookResult
	if err := json.Unmarshal(rec.Body, &res); err != nil {
		return nil, fmt.Errorf("decode recorded notification %s: %w", rec.Key, err)
	}
	res.Replayed = true
	return &res, nil
}

func (c *Coordinator) applyNotification(ctx context.Context, n *payment.Notification) (*WebhookResult, error) {
	res := &WebhookResult{EventID: n.EventID, EventType: n.EventType}

	var (
		outcome Outcome
		b       *models.Booking
		err     error
	)
	if n.EventType.IsRefund() {
		outcome, b, err = c.applyRefundNotification(ctx, n)
	} else {
		txn, ferr := c.findTransaction(ctx, n)
		switch {
		case errors.Is(ferr, repository.ErrNotFound):
			c.logger.Warn("notification for unknown transaction",
				"event_id", n.EventID,
				"provider_reference", n.ProviderReference,
				"merchant_reference", n.MerchantReference,
			)
			outcome = OutcomeIgnored
		case ferr != nil:
			return nil, ferr
		case n.EventType == payment.EventCaptured:
			outcome, b, err = c.applyCapture(ctx, n, txn)
		case n.EventType == payment.EventAuthorized:
			outcome, b, err = c.applyAuthorization(ctx, n, txn)
		default:
			outcome, b, err = c.applyFailure(ctx, n, txn)
		}
	}
	if err != nil {
		return nil, err
	}

	res.Outcome = outcome
	if b != nil {
		res.BookingID = b.ID
		res.BookingState = b.State
	}
	return res, nil
}

func (c *Coordinator) findTransaction(ctx context.Context, n *payment.Notification) (*models.Transaction, error) {
	if _, err := uuid.Parse(n.MerchantReference); err == nil {
		txn, err := c.transactions.FindByID(ctx, n.MerchantReference)
		if !errors.Is(err, repository.ErrNotFound) {
			return txn, err
		}
	}
	return c.transactions.FindByProviderReference(ctx, n.ProviderReference)
}

// lockBooking locks the booking that owns txn and refreshes txn.
func (c *Coordinator) lockBooking(ctx context.Context, txn *models.Transaction) (*models.Booking, error) {
	b, err := c.bookings.FindByIDForUpdate(ctx, txn.BookingID)
	if err != nil {
		return nil, fmt.Errorf("lock booking %s: %w", txn.BookingID, err)
	}
	current, err := c.transactions.FindByID(ctx, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("reload transaction %s: %w", txn.ID, err)
	}
	*txn = *current
	return b, nil
}

// markCaptured records that money moved, whatever the attempt's state was.
func (c *Coordinator) markCaptured(ctx context.Context, txn *models.Transaction, n *payment.Notification) error {
	if txn.State == models.TxCaptured {
		return nil
	}
	captured := *txn
	captured.State = models.TxCaptured
	if n.RiskScore != nil {
		captured.RiskScore = n.RiskScore
	}
	if captured.ProviderReference == nil && n.ProviderReference != "" {
		ref := n.ProviderReference
		captured.ProviderReference = &ref
	}
	ok, err := c.transactions.CompareAndSetState(ctx, &captured, txn.State)
	if err != nil {
		return fmt.Errorf("capture transaction %s: %w", txn.ID, err)
	}
	if !ok {
		return fmt.Errorf("capture transaction %s: concurrent update", txn.ID)
	}
	*txn = captured
	return nil
}

// applyCapture confirms a PAYMENT_PENDING booking and sells its hold. A
// capture for a booking that already ended is recorded on the transaction,
// leaves the booking and ledger alone, and is refunded when configured.
func (c *Coordinator) applyCapture(ctx context.Context, n *payment.Notification, txn *models.Transaction) (Outcome, *models.Booking, error) {
	var (
		b         *models.Booking
		outcome   Outcome
		confirmed bool
		expired   bool
		refund    *models.Refund
	)
	err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if b, err = c.lockBooking(ctx, txn); err != nil {
			return err
		}

		switch b.State {
		case models.BookingCreated, models.BookingHoldActive:
			return fmt.Errorf("%w: booking %s is %s", ErrNotReady, b.ID, b.State)
		case models.BookingConfirmed:
			outcome = OutcomeNoOp
			return c.markCaptured(ctx, txn, n)
		case models.BookingPaymentPending:
		default:
			outcome = OutcomeConflict
			if err := c.markCaptured(ctx, txn, n); err != nil {
				return err
			}
			refund, err = c.lateCaptureRefund(ctx, txn)
			return err
		}

		if err := c.markCaptured(ctx, txn, n); err != nil {
			return err
		}
		err = c.ledger.Consume(ctx, *b.HoldID)
		if errors.Is(err, ledger.ErrHoldNotActive) {
			// the hold lapsed before the money arrived
			out, aerr := c.machine.Apply(ctx, b, booking.EventHoldExpired)
			if aerr != nil {
				return aerr
			}
			expired = out.Applied
			outcome = OutcomeConflict
			refund, err = c.lateCaptureRefund(ctx, txn)
			return err
		}
		if err != nil {
			return err
		}

		out, err := c.machine.Apply(ctx, b, booking.EventPaymentCaptured)
		if err != nil {
			return err
		}
		confirmed = out.Applied
		outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	switch {
	case confirmed:
		c.logger.Info("booking confirmed", "booking_id", b.ID, "transaction_id", txn.ID)
		c.emit(ctx, notifier.BookingConfirmed, b)
	case expired:
		c.emit(ctx, notifier.BookingExpired, b)
	}
	if outcome == OutcomeConflict {
		c.logger.Warn("capture for closed booking",
			"booking_id", b.ID,
			"booking_state", b.State,
			"transaction_id", txn.ID,
			"auto_refund", refund != nil,
		)
	}
	if refund != nil {
		if _, err := c.submitRefund(ctx, refund, txn); err != nil {
			c.logger.Error("late capture refund not submitted", "refund_id", refund.ID, "transaction_id", txn.ID, "error", err)
		}
	}
	return outcome, b, nil
}

// applyAuthorization captures an authorized payment only while the booking's
// hold is still ACTIVE. Otherwise the authorization is left to lapse.
func (c *Coordinator) applyAuthorization(ctx context.Context, n *payment.Notification, txn *models.Transaction) (Outcome, *models.Booking, error) {
	var (
		b       *models.Booking
		outcome Outcome
	)
	err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if b, err = c.lockBooking(ctx, txn); err != nil {
			return err
		}
		if b.State == models.BookingCreated || b.State == models.BookingHoldActive {
			return fmt.Errorf("%w: booking %s is %s", ErrNotReady, b.ID, b.State)
		}
		if txn.State != models.TxCreated {
			outcome = OutcomeNoOp
			return nil
		}

		authorized := *txn
		authorized.State = models.TxAuthorized
		if n.RiskScore != nil {
			authorized.RiskScore = n.RiskScore
		}
		ok, err := c.transactions.CompareAndSetState(ctx, &authorized, models.TxCreated)
		if err != nil {
			return fmt.Errorf("authorize transaction %s: %w", txn.ID, err)
		}
		if !ok {
			return fmt.Errorf("authorize transaction %s: concurrent update", txn.ID)
		}
		*txn = authorized

		if b.State == models.BookingPaymentPending && b.HoldID != nil {
			hold, err := c.ledger.Hold(ctx, *b.HoldID)
			if err != nil {
				return err
			}
			if hold.State == models.HoldActive && !hold.ExpiredAt(c.clock.Now()) {
				outcome = OutcomeApplied
				return nil
			}
		}
		outcome = OutcomeConflict
		return c.closeOpenTransaction(ctx, txn, models.TxCancelled, "hold no longer active at authorization")
	})
	if err != nil || outcome != OutcomeApplied {
		return outcome, b, err
	}

	result, err := c.capture(ctx, txn)
	switch {
	case errors.Is(err, payment.ErrDeclined):
		return c.failPayment(ctx, txn, models.TxFailed, models.ReasonPaymentDeclined, err.Error())
	case err != nil:
		// left AUTHORIZED; the provider's capture callback or the expiry sweep settles it
		c.logger.Warn("capture after authorization failed", "transaction_id", txn.ID, "error", err)
		return outcome, b, nil
	case result.Captured():
		captured := *n
		captured.EventType = payment.EventCaptured
		return c.applyCapture(ctx, &captured, txn)
	}
	return outcome, b, nil
}

func (c *Coordinator) capture(ctx context.Context, txn *models.Transaction) (*payment.CaptureResult, error) {
	req := payment.CaptureRequest{
		TransactionID:     txn.ID,
		ProviderReference: deref(txn.ProviderReference),
		Amount:            txn.Amount,
	}
	var result *payment.CaptureResult
	err := c.retry(ctx, "capture", func(ctx context.Context) error {
		var err error
		result, err = c.gateway.Capture(ctx, req)
		return err
	})
	return result, err
}

func (c *Coordinator) applyFailure(ctx context.Context, n *payment.Notification, txn *models.Transaction) (Outcome, *models.Booking, error) {
	to, reason := models.TxFailed, models.ReasonPaymentDeclined
	if n.EventType == payment.EventCancelled {
		to, reason = models.TxCancelled, models.ReasonPaymentCancelled
	}
	detail := n.FailureReason
	if detail == "" {
		detail = string(n.EventType)
	}
	return c.failPayment(ctx, txn, to, reason, detail)
}

// failPayment closes the payment attempt and fails a PAYMENT_PENDING booking,
// giving its hold back.
func (c *Coordinator) failPayment(ctx context.Context, txn *models.Transaction, to models.TransactionState, reason, detail string) (Outcome, *models.Booking, error) {
	var (
		b       *models.Booking
		outcome Outcome
		failed  bool
	)
	err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if b, err = c.lockBooking(ctx, txn); err != nil {
			return err
		}

		switch {
		case txn.State == models.TxCaptured:
			outcome = OutcomeConflict
			return nil
		case !txn.State.IsOpen():
			outcome = OutcomeNoOp
			return nil
		}

		switch b.State {
		case models.BookingCreated, models.BookingHoldActive:
			return fmt.Errorf("%w: booking %s is %s", ErrNotReady, b.ID, b.State)
		case models.BookingConfirmed:
			outcome = OutcomeConflict
			return nil
		case models.BookingPaymentPending:
		default:
			outcome = OutcomeNoOp
			return c.closeOpenTransaction(ctx, txn, to, detail)
		}

		if err := c.closeOpenTransaction(ctx, txn, to, detail); err != nil {
			return err
		}
		if err := c.ledger.Release(ctx, *b.HoldID); err != nil {
			return err
		}
		out, err := c.machine.Apply(ctx, b, booking.EventPaymentFailed, booking.WithFailureReason(reason))
		if err != nil {
			return err
		}
		failed = out.Applied
		outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	if failed {
		c.logger.Info("booking payment failed", "booking_id", b.ID, "reason", reason, "detail", detail)
		c.emit(ctx, notifier.BookingFailed, b)
	}
	return outcome, b, nil
}
