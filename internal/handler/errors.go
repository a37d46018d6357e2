package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/Eursukkul/booking-settlement/internal/booking"
	"github.com/Eursukkul/booking-settlement/internal/dto"
	"github.com/Eursukkul/booking-settlement/internal/ledger"
	"github.com/Eursukkul/booking-settlement/internal/middleware"
	"github.com/Eursukkul/booking-settlement/internal/payment"
	"github.com/Eursukkul/booking-settlement/internal/saga"
	"github.com/labstack/echo/v4"
)

// toHTTPError maps domain errors onto API errors. ok is false for errors
// that have no client-facing meaning.
func toHTTPError(err error) (he *echo.HTTPError, ok bool) {
	switch {
	case errors.Is(err, saga.ErrStorageUnavailable):
		return middleware.APIError(http.StatusServiceUnavailable, dto.CodeStorageUnavailable, "storage is unavailable, retry later"), true
	case errors.Is(err, ledger.ErrInsufficientCapacity):
		return middleware.APIError(http.StatusConflict, dto.CodeInsufficientCapacity, "not enough capacity left in slot"), true
	case errors.Is(err, ledger.ErrCapacityBelowCommitted):
		return middleware.APIError(http.StatusConflict, dto.CodeCapacityBelowSold, err.Error()), true
	case errors.Is(err, ledger.ErrSlotNotFound):
		return middleware.APIError(http.StatusNotFound, dto.CodeSlotNotFound, "slot not found"), true
	case errors.Is(err, ledger.ErrInvalidQuantity), errors.Is(err, saga.ErrInvalidAmount):
		return middleware.APIError(http.StatusBadRequest, dto.CodeInvalidRequest, err.Error()), true
	case errors.Is(err, booking.ErrNotFound):
		return middleware.APIError(http.StatusNotFound, dto.CodeNotFound, "booking not found"), true
	case errors.Is(err, booking.ErrStateConflict):
		return middleware.APIError(http.StatusConflict, dto.CodeStateConflict, err.Error()), true
	case errors.Is(err, saga.ErrNothingToRefund):
		return middleware.APIError(http.StatusConflict, dto.CodeNothingToRefund, err.Error()), true
	case errors.Is(err, saga.ErrRefundExceedsCapture):
		return middleware.APIError(http.StatusUnprocessableEntity, dto.CodeRefundExceedsCapture, err.Error()), true
	case errors.Is(err, payment.ErrDeclined):
		return middleware.APIError(http.StatusBadGateway, dto.CodeGatewayRejected, "payment provider rejected the request"), true
	case errors.Is(err, payment.ErrGatewayUnavailable):
		return middleware.APIError(http.StatusServiceUnavailable, dto.CodeGatewayUnavailable, "payment provider unavailable, retry later"), true
	case errors.Is(err, payment.ErrInvalidSignature):
		return middleware.APIError(http.StatusUnauthorized, dto.CodeInvalidSignature, "invalid signature"), true
	case errors.Is(err, payment.ErrMalformedNotification):
		return middleware.APIError(http.StatusBadRequest, dto.CodeInvalidRequest, err.Error()), true
	case errors.Is(err, saga.ErrNotReady):
		return middleware.APIError(http.StatusServiceUnavailable, dto.CodeNotReady, err.Error()), true
	}
	return nil, false
}

func withBookingID(he *echo.HTTPError, id string) *echo.HTTPError {
	if body, ok := he.Message.(dto.ErrorResponse); ok {
		body.BookingID = id
		he.Message = body
	}
	return he
}

// failure converts err for the client, logging anything that maps to 500.
func failure(logger *slog.Logger, err error, op string) *echo.HTTPError {
	if he, ok := toHTTPError(err); ok {
		return he
	}
	logger.Error(op+" failed", "error", err)
	return middleware.APIError(http.StatusInternalServerError, dto.CodeInternal, "internal server error")
}
