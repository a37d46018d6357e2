package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type StorageStatus interface {
	StorageAvailable() bool
}

type HealthHandler struct {
	storage StorageStatus
}

func NewHealthHandler(storage StorageStatus) *HealthHandler {
	return &HealthHandler{storage: storage}
}

func (h *HealthHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
}

// Health is a liveness check; it reports 200 even while storage is down.
func (h *HealthHandler) Health(c echo.Context) error {
	storage := "up"
	if !h.storage.StorageAvailable() {
		storage = "down"
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "storage": storage})
}
