package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/clock"
	"github.com/Eursukkul/booking-settlement/internal/dto"
	"github.com/Eursukkul/booking-settlement/internal/idempotency"
	"github.com/labstack/echo/v4"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "X-Idempotent-Replayed"

	maxKeyLength = 255
	maxBodyBytes = 1 << 20
)

type responseCapture struct {
	http.ResponseWriter
	body       bytes.Buffer
	statusCode int
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotency requires an Idempotency-Key header on the routes it wraps and
// replays the first stored response for a key. Reusing a key with a
// different request yields 422.
func Idempotency(store idempotency.Store, clk clock.Clock, ttl time.Duration, logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			key := req.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				return APIError(http.StatusBadRequest, dto.CodeInvalidRequest, IdempotencyKeyHeader+" header is required")
			}
			if len(key) > maxKeyLength {
				return APIError(http.StatusBadRequest, dto.CodeInvalidRequest, IdempotencyKeyHeader+" is too long")
			}

			body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					return he
				}
				return APIError(http.StatusBadRequest, dto.CodeInvalidRequest, "unreadable request body")
			}
			if len(body) > maxBodyBytes {
				return APIError(http.StatusRequestEntityTooLarge, dto.CodeInvalidRequest, "request body too large")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))

			scope := "http:" + req.Method + " " + c.Path()
			hash := idempotency.Fingerprint([]byte(req.URL.Path), body)
			ctx := req.Context()

			cached, err := store.Get(ctx, scope, key)
			if err != nil {
				logger.Error("failed to check idempotency store", "error", err, "key", key)
				return APIError(http.StatusServiceUnavailable, dto.CodeStorageUnavailable, "idempotency store unavailable")
			}
			if cached != nil {
				if cached.RequestHash != hash {
					return APIError(http.StatusUnprocessableEntity, dto.CodeIdempotencyKeyReused,
						"idempotency key was used with a different request")
				}
				logger.Debug("replaying idempotent response", "key", key, "scope", scope, "status", cached.StatusCode)
				c.Response().Header().Set(ReplayedHeader, "true")
				return c.JSONBlob(cached.StatusCode, cached.Body)
			}

			capture := &responseCapture{ResponseWriter: c.Response().Writer, statusCode: http.StatusOK}
			c.Response().Writer = capture
			if err := next(c); err != nil {
				c.Error(err)
			}

			if !shouldCacheResponse(capture.statusCode) {
				return nil
			}
			rec := idempotency.NewRecord(scope, key, hash, capture.statusCode, capture.body.Bytes(), clk.Now(), ttl)
			if _, _, err := store.Save(context.WithoutCancel(ctx), rec); err != nil {
				logger.Error("failed to store idempotent response", "error", err, "key", key)
			}
			return nil
		}
	}
}

// Successes and conflicts are replayed; anything else may be retried.
func shouldCacheResponse(status int) bool {
	return (status >= 200 && status < 300) || status == http.StatusConflict
}
