// Package payment wraps the external payment service provider behind
// port.PaymentPort. The subtle part is ambiguity: once a capture request
// has been sent, any transport failure means the charge may have landed,
// so the adapter reports CaptureStatusUnknown instead of failure and the
// caller reconciles through QueryStatus.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
	"github.com/nikolayk812/checkout-gateway/internal/port"
)

type Client struct {
	baseURL        string
	apiKey         string
	captureTimeout time.Duration
	httpClient     *http.Client
}

func NewClient(baseURL, apiKey string, captureTimeout time.Duration) *Client {
	return &Client{
		baseURL:        baseURL,
		apiKey:         apiKey,
		captureTimeout: captureTimeout,
		httpClient:     &http.Client{},
	}
}

type captureRequest struct {
	Token          string         `json:"token"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	IdempotencyKey string         `json:"idempotency_key"`
	BillingAddress billingAddress `json:"billing_address"`
}

type billingAddress struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type captureResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

func (c *Client) Capture(ctx context.Context, req port.CaptureRequest) (port.CaptureResult, error) {
	body, err := json.Marshal(captureRequest{
		Token:          req.Token,
		Amount:         req.Amount.Amount,
		Currency:       req.Amount.Currency.String(),
		IdempotencyKey: req.IdempotencyKey,
		BillingAddress: mapAddress(req.BillingAddress),
	})
	if err != nil {
		return port.CaptureResult{}, fmt.Errorf("json.Marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.captureTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/captures", bytes.NewReader(body))
	if err != nil {
		return port.CaptureResult{}, fmt.Errorf("http.NewRequestWithContext: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// The request may have reached the PSP: unknown, not failed.
		return port.CaptureResult{Status: port.CaptureStatusUnknown, Reason: err.Error()}, nil
	}
	defer resp.Body.Close()

	return decodeResult(resp)
}

func (c *Client) QueryStatus(ctx context.Context, idempotencyKey string) (port.CaptureResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.captureTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/captures/"+idempotencyKey, nil)
	if err != nil {
		return port.CaptureResult{}, fmt.Errorf("http.NewRequestWithContext: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return port.CaptureResult{}, fmt.Errorf("httpClient.Do: %w", err)
	}
	defer resp.Body.Close()

	// The PSP never saw the capture: safe to treat as not charged.
	if resp.StatusCode == http.StatusNotFound {
		return port.CaptureResult{Status: port.CaptureStatusFailed, Reason: "capture not found"}, nil
	}

	return decodeResult(resp)
}

// decodeResult runs after the request has been dispatched, so any response
// the adapter cannot positively interpret, including 5xx and garbage
// bodies, maps to unknown: the charge may have landed and only the
// reconcile path is allowed to decide.
func decodeResult(resp *http.Response) (port.CaptureResult, error) {
	if resp.StatusCode != http.StatusOK {
		return port.CaptureResult{
			Status: port.CaptureStatusUnknown,
			Reason: fmt.Sprintf("psp status %d", resp.StatusCode),
		}, nil
	}

	var body captureResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return port.CaptureResult{
			Status: port.CaptureStatusUnknown,
			Reason: fmt.Sprintf("json.Decode: %s", err),
		}, nil
	}

	switch body.Status {
	case "captured":
		return port.CaptureResult{Status: port.CaptureStatusCaptured, ProcessorRef: body.Reference}, nil
	case "declined":
		return port.CaptureResult{Status: port.CaptureStatusDeclined, Reason: body.Reason}, nil
	case "failed":
		return port.CaptureResult{Status: port.CaptureStatusFailed, Reason: body.Reason}, nil
	default:
		return port.CaptureResult{
			Status: port.CaptureStatusUnknown,
			Reason: fmt.Sprintf("psp status[%s]", body.Status),
		}, nil
	}
}

func mapAddress(a domain.Address) billingAddress {
	return billingAddress{
		Name:       a.Name,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		Region:     a.Region,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}
