package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/Eursukkul/booking-settlement/internal/dto"
	"github.com/Eursukkul/booking-settlement/internal/middleware"
	"github.com/Eursukkul/booking-settlement/internal/saga"
	"github.com/labstack/echo/v4"
)

const (
	SignatureHeader = "X-Signature"

	maxNotificationBytes = 64 << 10
)

type WebhookHandler struct {
	svc    saga.Service
	logger *slog.Logger
}

func NewWebhookHandler(svc saga.Service, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{svc: svc, logger: logger}
}

func (h *WebhookHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhooks/payment", h.PaymentNotification)
}

// PaymentNotification needs the exact bytes the provider signed, so the body
// is read raw instead of bound.
func (h *WebhookHandler) PaymentNotification(c echo.Context) error {
	sig := c.Request().Header.Get(SignatureHeader)
	if sig == "" {
		h.logger.Warn("payment notification without signature",
			"security_event", true,
			"remote_ip", c.RealIP(),
		)
		return middleware.APIError(http.StatusUnauthorized, dto.CodeInvalidSignature, SignatureHeader+" header is required")
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxNotificationBytes+1))
	if err != nil {
		return middleware.APIError(http.StatusBadRequest, dto.CodeInvalidRequest, "unreadable request body")
	}
	if len(raw) > maxNotificationBytes {
		return middleware.APIError(http.StatusRequestEntityTooLarge, dto.CodeInvalidRequest, "notification too large")
	}

	res, err := h.svc.HandlePaymentNotification(c.Request().Context(), raw, sig)
	if err != nil {
		return failure(h.logger, err, "payment notification")
	}

	if res.Replayed {
		c.Response().Header().Set(middleware.ReplayedHeader, "true")
	}
	return c.JSON(http.StatusOK, dto.ToWebhookResponse(res))
}
