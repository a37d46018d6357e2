package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Eursukkul/booking-settlement/internal/clock"
	"github.com/Eursukkul/booking-settlement/internal/dto"
	"github.com/Eursukkul/booking-settlement/internal/idempotency"
	"github.com/Eursukkul/booking-settlement/internal/models"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error) {
	args := m.Called(ctx, scope, key)
	rec, _ := args.Get(0).(*models.IdempotencyRecord)
	return rec, args.Error(1)
}

func (m *mockStore) Save(ctx context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error) {
	args := m.Called(ctx, rec)
	return rec, args.Bool(0), args.Error(1)
}

func (m *mockStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return int64(args.Int(0)), args.Error(1)
}

const bookingsScope = "http:POST /bookings"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newContext(body, key string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	req := httptest.NewRequest(http.MethodPost, "/bookings", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/bookings")
	return c, rec
}

func run(store idempotency.Store, c echo.Context, next echo.HandlerFunc) error {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return Idempotency(store, clk, 24*time.Hour, testLogger())(next)(c)
}

func TestIdempotency_MissingKeyRejected(t *testing.T) {
	store := &mockStore{}
	c, _ := newContext(`{}`, "")

	called := false
	err := run(store, c, func(c echo.Context) error {
		called = true
		return nil
	})

	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Code)
	assert.False(t, called)
	store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
}

func TestIdempotency_FirstRequestStored(t *testing.T) {
	body := `{"slotId":"s1"}`
	store := &mockStore{}
	store.On("Get", mock.Anything, bookingsScope, "key-1").Return(nil, nil)
	store.On("Save", mock.Anything, mock.MatchedBy(func(rec *models.IdempotencyRecord) bool {
		return rec.Scope == bookingsScope &&
			rec.Key == "key-1" &&
			rec.StatusCode == http.StatusCreated &&
			rec.RequestHash == idempotency.Fingerprint([]byte("/bookings"), []byte(body)) &&
			strings.Contains(string(rec.Body), `"bookingId":"b1"`) &&
			rec.ExpiresAt.Sub(rec.CreatedAt) == 24*time.Hour
	})).Return(true, nil)

	c, rec := newContext(body, "key-1")
	err := run(store, c, func(c echo.Context) error {
		raw, err := io.ReadAll(c.Request().Body)
		require.NoError(t, err)
		assert.Equal(t, body, string(raw), "body is still readable by the handler")
		return c.JSON(http.StatusCreated, map[string]string{"bookingId": "b1"})
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get(ReplayedHeader))
	store.AssertExpectations(t)
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	body := `{"slotId":"s1"}`
	store := &mockStore{}
	store.On("Get", mock.Anything, bookingsScope, "key-1").Return(&models.IdempotencyRecord{
		Scope:       bookingsScope,
		Key:         "key-1",
		RequestHash: idempotency.Fingerprint([]byte("/bookings"), []byte(body)),
		StatusCode:  http.StatusCreated,
		Body:        []byte(`{"bookingId":"b1"}`),
	}, nil)

	c, rec := newContext(body, "key-1")
	called := false
	err := run(store, c, func(c echo.Context) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.False(t, called, "handler must not run on replay")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(ReplayedHeader))
	assert.JSONEq(t, `{"bookingId":"b1"}`, rec.Body.String())
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestIdempotency_DifferentBodyRejected(t *testing.T) {
	store := &mockStore{}
	store.On("Get", mock.Anything, bookingsScope, "key-1").Return(&models.IdempotencyRecord{
		RequestHash: idempotency.Fingerprint([]byte("/bookings"), []byte(`{"slotId":"s1"}`)),
		StatusCode:  http.StatusCreated,
	}, nil)

	c, _ := newContext(`{"slotId":"s2"}`, "key-1")
	err := run(store, c, func(c echo.Context) error { return nil })

	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnprocessableEntity, he.Code)
	assert.Equal(t, dto.CodeIdempotencyKeyReused, he.Message.(dto.ErrorResponse).Error)
}

func TestIdempotency_StoreErrorIsUnavailable(t *testing.T) {
	store := &mockStore{}
	store.On("Get", mock.Anything, bookingsScope, "key-1").Return(nil, errors.New("connection refused"))

	c, _ := newContext(`{}`, "key-1")
	err := run(store, c, func(c echo.Context) error { return nil })

	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusServiceUnavailable, he.Code)
}

func TestIdempotency_ConflictStored(t *testing.T) {
	store := &mockStore{}
	store.On("Get", mock.Anything, bookingsScope, "key-1").Return(nil, nil)
	store.On("Save", mock.Anything, mock.MatchedBy(func(rec *models.IdempotencyRecord) bool {
		return rec.StatusCode == http.StatusConflict &&
			strings.Contains(string(rec.Body), dto.CodeInsufficientCapacity)
	})).Return(true, nil)

	c, rec := newContext(`{}`, "key-1")
	err := run(store, c, func(c echo.Context) error {
		return APIError(http.StatusConflict, dto.CodeInsufficientCapacity, "no capacity")
	})

	require.NoError(t, err, "error is rendered inside the middleware")
	assert.Equal(t, http.StatusConflict, rec.Code)
	store.AssertExpectations(t)
}

func TestIdempotency_TransientFailureNotStored(t *testing.T) {
	store := &mockStore{}
	store.On("Get", mock.Anything, bookingsScope, "key-1").Return(nil, nil)

	c, rec := newContext(`{}`, "key-1")
	err := run(store, c, func(c echo.Context) error {
		return APIError(http.StatusServiceUnavailable, dto.CodeGatewayUnavailable, "gateway down")
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestIdempotency_OversizedBodyRejected(t *testing.T) {
	store := &mockStore{}
	c, _ := newContext(`{"customerRef":"`+strings.Repeat("x", maxBodyBytes)+`"}`, "key-1")

	called := false
	err := run(store, c, func(c echo.Context) error {
		called = true
		return nil
	})

	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusRequestEntityTooLarge, he.Code)
	assert.False(t, called)
	store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
}
