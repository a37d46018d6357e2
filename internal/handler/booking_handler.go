package handler

import (
	"log/slog"
	"net/http"

	"github.com/Eursukkul/booking-settlement/internal/dto"
	"github.com/Eursukkul/booking-settlement/internal/middleware"
	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/Eursukkul/booking-settlement/internal/saga"
	"github.com/labstack/echo/v4"
)

type BookingHandler struct {
	svc    saga.Service
	logger *slog.Logger
}

func NewBookingHandler(svc saga.Service, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the booking API. idem guards the mutating routes
// that take an Idempotency-Key.
func (h *BookingHandler) RegisterRoutes(e *echo.Echo, idem echo.MiddlewareFunc) {
	e.POST("/bookings", h.CreateBooking, idem)
	e.GET("/bookings/:id", h.GetBooking)
	e.POST("/bookings/:id/cancel", h.CancelBooking)
	e.POST("/bookings/:id/refunds", h.CreateRefund, idem)
}

func (h *BookingHandler) CreateBooking(c echo.Context) error {
	key := c.Request().Header.Get(middleware.IdempotencyKeyHeader)
	if key == "" {
		return middleware.APIError(http.StatusBadRequest, dto.CodeInvalidRequest, "Idempotency-Key header is required")
	}

	var req dto.CreateBookingRequest
	if err := c.Bind(&req); err != nil {
		return middleware.APIError(http.StatusBadRequest, dto.CodeInvalidRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return middleware.APIError(http.StatusBadRequest, dto.CodeInvalidRequest, err.Error())
	}
	if req.IdempotencyKey != "" && req.IdempotencyKey != key {
		return middleware.APIError(http.StatusBadRequest, dto.CodeInvalidRequest, "idempotencyKey does not match the Idempotency-Key header")
	}

	v, err := h.svc.CreateBooking(c.Request().Context(), saga.BookingRequest{
		IdempotencyKey: key,
		Slot:           models.SlotRef{ResourceID: req.ResourceID, SlotID: req.SlotID},
		Quantity:       req.Quantity,
		CustomerRef:    req.CustomerRef,
	})
	if err != nil {
		he := failure(h.logger, err, "create booking")
		if v != nil {
			he = withBookingID(he, v.Booking.ID)
		}
		return he
	}

	if v.Replayed {
		c.Response().Header().Set(middleware.ReplayedHeader, "true")
	}
	return c.JSON(http.StatusCreated, dto.ToBookingResponse(v))
}

func (h *BookingHandler) GetBooking(c echo.Context) error {
	v, err := h.svc.GetBooking(c.Request().Context(), c.Param("id"))
	if err != nil {
		return failure(h.logger, err, "get booking")
	}
	return c.JSON(http.StatusOK, dto.ToBookingResponse(v))
}

func (h *BookingHandler) CancelBooking(c echo.Context) error {
	v, err := h.svc.CancelBooking(c.Request().Context(), c.Param("id"))
	if err != nil {
		return failure(h.logger, err, "cancel booking")
	}
	return c.JSON(http.StatusOK, dto.ToBookingResponse(v))
}

func (h *BookingHandler) CreateRefund(c echo.Context) error {
	key := c.Request().Header.Get(middleware.IdempotencyKeyHeader)
	if key == "" {
		return middleware.APIError(http.StatusBadRequest, dto.CodeInvalidRequest, "Idempotency-Key header is required")
	}

	var req dto.CreateRefundRequest
	if err := c.Bind(&req); err != nil {
		return middleware.APIError(http.StatusBadRequest, dto.CodeInvalidRequest, "invalid request body")
	}

	id := c.Param("id")
	refund, err := h.svc.RequestRefund(c.Request().Context(), saga.RefundRequest{
		BookingID: id,
		Amount:    req.Amount,
		// Refund keys are unique across bookings.
		IdempotencyKey: id + ":" + key,
	})
	if err != nil {
		return withBookingID(failure(h.logger, err, "request refund"), id)
	}
	return c.JSON(http.StatusCreated, dto.ToRefundResponse(refund))
}
