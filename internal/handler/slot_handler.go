package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Eursukkul/booking-settlement/internal/dto"
	"github.com/Eursukkul/booking-settlement/internal/middleware"
	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/labstack/echo/v4"
)

// SlotCatalog is implemented by *ledger.Ledger.
type SlotCatalog interface {
	DefineSlot(ctx context.Context, slot *models.AvailabilitySlot) error
	Slot(ctx context.Context, ref models.SlotRef) (*models.AvailabilitySlot, error)
}

type SlotHandler struct {
	catalog SlotCatalog
	logger  *slog.Logger
}

func NewSlotHandler(catalog SlotCatalog, logger *slog.Logger) *SlotHandler {
	return &SlotHandler{catalog: catalog, logger: logger}
}

func (h *SlotHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/slots", h.DefineSlot)
	e.GET("/slots/:resourceId/:slotId", h.GetSlot)
}

func (h *SlotHandler) DefineSlot(c echo.Context) error {
	var req dto.CreateSlotRequest
	if err := c.Bind(&req); err != nil {
		return middleware.APIError(http.StatusBadRequest, dto.CodeInvalidRequest, "invalid request body")
	}
	date, err := req.Validate()
	if err != nil {
		return middleware.APIError(http.StatusBadRequest, dto.CodeInvalidRequest, err.Error())
	}

	ctx := c.Request().Context()
	slot := &models.AvailabilitySlot{
		ResourceID:    req.ResourceID,
		SlotID:        req.SlotID,
		Date:          date,
		Timeslot:      req.Timeslot,
		TotalCapacity: req.TotalCapacity,
		UnitAmount:    req.UnitAmount,
		Currency:      req.Currency,
	}
	if err := h.catalog.DefineSlot(ctx, slot); err != nil {
		return failure(h.logger, err, "define slot")
	}

	stored, err := h.catalog.Slot(ctx, slot.Ref())
	if err != nil {
		return failure(h.logger, err, "load slot")
	}
	return c.JSON(http.StatusCreated, dto.ToSlotResponse(stored))
}

func (h *SlotHandler) GetSlot(c echo.Context) error {
	slot, err := h.catalog.Slot(c.Request().Context(), models.SlotRef{
		ResourceID: c.Param("resourceId"),
		SlotID:     c.Param("slotId"),
	})
	if err != nil {
		return failure(h.logger, err, "get slot")
	}
	return c.JSON(http.StatusOK, dto.ToSlotResponse(slot))
}
