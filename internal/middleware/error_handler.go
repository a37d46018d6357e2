package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Eursukkul/booking-settlement/internal/dto"
	"github.com/labstack/echo/v4"
)

// APIError builds an HTTP error that ErrorHandler renders as
// {"error": code, "message": msg}.
func APIError(status int, code, msg string) *echo.HTTPError {
	return echo.NewHTTPError(status, dto.ErrorResponse{Error: code, Message: msg})
}

func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	body := dto.ErrorResponse{Error: dto.CodeInternal, Message: http.StatusText(code)}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		switch m := he.Message.(type) {
		case dto.ErrorResponse:
			body = m
		case string:
			body = dto.ErrorResponse{Error: codeForStatus(code), Message: m}
		default:
			body = dto.ErrorResponse{Error: codeForStatus(code), Message: http.StatusText(code)}
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, body)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return dto.CodeInvalidRequest
	case http.StatusNotFound:
		return dto.CodeNotFound
	case http.StatusConflict:
		return dto.CodeStateConflict
	case http.StatusServiceUnavailable:
		return dto.CodeStorageUnavailable
	}
	if status >= 500 {
		return dto.CodeInternal
	}
	return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}
