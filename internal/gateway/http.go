// Package gateway wraps the external payment processor behind a uniform
// interface. All processor-specific error mapping lives here; callers see
// only models.GatewayError with a retryable/permanent classification.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/TheRebzu/ecodeli-sub018/internal/interfaces"
	"github.com/TheRebzu/ecodeli-sub018/internal/models"
	"github.com/TheRebzu/ecodeli-sub018/internal/telemetry"
)

// HTTPGateway talks JSON over HTTP to the payment processor. The
// correlation id is sent as Idempotency-Key so the processor deduplicates
// retried calls.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Authorize(ctx context.Context, req interfaces.AuthorizeRequest) (interfaces.AuthorizeResult, error) {
	body := map[string]any{
		"amount":         req.Amount.StringFixed(2),
		"currency":       req.Currency,
		"payment_method": string(req.Method),
		"method_details": req.MethodDetails,
	}

	var resp struct {
		PaymentIntentID string `json:"payment_intent_id"`
	}
	if err := g.post(ctx, "authorize", "/v1/authorizations", req.CorrelationID, body, &resp); err != nil {
		return interfaces.AuthorizeResult{}, err
	}

	return interfaces.AuthorizeResult{
		PaymentIntentID: resp.PaymentIntentID,
		CardLast4:       last4(req.MethodDetails["card_number"]),
		BankLast4:       last4(req.MethodDetails["iban"]),
	}, nil
}

func (g *HTTPGateway) Capture(ctx context.Context, paymentIntentID string, amount decimal.Decimal, correlationID string) (string, error) {
	body := map[string]any{
		"payment_intent_id": paymentIntentID,
		"amount":            amount.StringFixed(2),
	}
	var resp struct {
		CaptureID string `json:"capture_id"`
	}
	if err := g.post(ctx, "capture", "/v1/captures", correlationID, body, &resp); err != nil {
		return "", err
	}
	return resp.CaptureID, nil
}

func (g *HTTPGateway) Transfer(ctx context.Context, destination string, amount decimal.Decimal, currency, correlationID string) (string, error) {
	body := map[string]any{
		"destination": destination,
		"amount":      amount.StringFixed(2),
		"currency":    currency,
	}
	var resp struct {
		TransferID string `json:"transfer_id"`
	}
	if err := g.post(ctx, "transfer", "/v1/transfers", correlationID, body, &resp); err != nil {
		return "", err
	}
	return resp.TransferID, nil
}

func (g *HTTPGateway) Refund(ctx context.Context, paymentIntentID string, amount decimal.Decimal, reason, correlationID string) (string, error) {
	body := map[string]any{
		"payment_intent_id": paymentIntentID,
		"amount":            amount.StringFixed(2),
		"reason":            reason,
	}
	var resp struct {
		RefundID string `json:"refund_id"`
	}
	if err := g.post(ctx, "refund", "/v1/refunds", correlationID, body, &resp); err != nil {
		return "", err
	}
	return resp.RefundID, nil
}

func (g *HTTPGateway) post(ctx context.Context, op, path, correlationID string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &models.GatewayError{Op: op, Retryable: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &models.GatewayError{Op: op, Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", correlationID)

	resp, err := g.client.Do(req)
	if err != nil {
		// Network errors and timeouts are retryable with the same
		// correlation id.
		telemetry.GatewayFailuresTotal.WithLabelValues(op, "retryable").Inc()
		return &models.GatewayError{Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &models.GatewayError{Op: op, Retryable: false, Err: err}
		}
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("processor returned %d: %s", resp.StatusCode, msg)

	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	class := "permanent"
	if retryable {
		class = "retryable"
	}
	telemetry.GatewayFailuresTotal.WithLabelValues(op, class).Inc()
	return &models.GatewayError{Op: op, Retryable: retryable, Err: cause}
}

func last4(s string) string {
	if len(s) < 4 {
		return ""
	}
	return s[len(s)-4:]
}
