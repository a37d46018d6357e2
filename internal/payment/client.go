package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxErrorBody = 4 << 10

// Client is the HTTP implementation of Gateway.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type sessionBody struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
	BookingID string `json:"bookingId"`
	ReturnURL string `json:"returnUrl"`
}

type amountBody struct {
	Amount int64 `json:"amount"`
}

func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	var out Session
	body := sessionBody{
		Amount:    req.Amount,
		Currency:  req.Currency,
		Reference: req.TransactionID,
		BookingID: req.BookingID,
		ReturnURL: req.ReturnURL,
	}
	if err := c.do(ctx, "/v1/sessions", req.TransactionID, body, &out); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("create session: %w: empty session id", ErrGatewayUnavailable)
	}
	return &out, nil
}

func (c *Client) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	var out CaptureResult
	path := "/v1/payments/" + url.PathEscape(req.ProviderReference) + "/capture"
	if err := c.do(ctx, path, req.TransactionID, amountBody{Amount: req.Amount}, &out); err != nil {
		return nil, fmt.Errorf("capture %s: %w", req.TransactionID, err)
	}
	return &out, nil
}

func (c *Client) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	var out RefundResult
	path := "/v1/payments/" + url.PathEscape(req.ProviderReference) + "/refunds"
	if err := c.do(ctx, path, req.RefundID, amountBody{Amount: req.Amount}, &out); err != nil {
		return nil, fmt.Errorf("refund %s: %w", req.RefundID, err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, path, idempotencyKey string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: status %d: %s", ErrDeclined, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	return nil
}
