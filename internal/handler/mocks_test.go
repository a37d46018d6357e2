package handler

import (
	"context"
	"io"
	"log/slog"

	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/saga"
)

// --- Mock saga.Service ---

type mockService struct {
	createFn  func(ctx context.Context, req saga.BookingRequest) (*saga.View, error)
	getFn     func(ctx context.Context, id string) (*saga.View, error)
	cancelFn  func(ctx context.Context, id string) (*saga.View, error)
	refundFn  func(ctx context.Context, req saga.RefundRequest) (*models.Refund, error)
	webhookFn func(ctx context.Context, raw []byte, signature string) (*saga.WebhookResult, error)
}

func (m *mockService) CreateBooking(ctx context.Context, req saga.BookingRequest) (*saga.View, error) {
	return m.createFn(ctx, req)
}
func (m *mockService) GetBooking(ctx context.Context, id string) (*saga.View, error) {
	return m.getFn(ctx, id)
}
func (m *mockService) CancelBooking(ctx context.Context, id string) (*saga.View, error) {
	return m.cancelFn(ctx, id)
}
func (m *mockService) RequestRefund(ctx context.Context, req saga.RefundRequest) (*models.Refund, error) {
	return m.refundFn(ctx, req)
}
func (m *mockService) HandlePaymentNotification(ctx context.Context, raw []byte, signature string) (*saga.WebhookResult, error) {
	return m.webhookFn(ctx, raw, signature)
}

// --- Mock SlotCatalog ---

type mockCatalog struct {
	defineFn func(ctx context.Context, slot *models.AvailabilitySlot) error
	slotFn   func(ctx context.Context, ref models.SlotRef) (*models.AvailabilitySlot, error)
}

func (m *mockCatalog) DefineSlot(ctx context.Context, slot *models.AvailabilitySlot) error {
	return m.defineFn(ctx, slot)
}
func (m *mockCatalog) Slot(ctx context.Context, ref models.SlotRef) (*models.AvailabilitySlot, error) {
	return m.slotFn(ctx, ref)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
