package port

import (
	"context"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
)

type CaptureStatus string

const (
	CaptureStatusCaptured CaptureStatus = "captured"
	CaptureStatusDeclined CaptureStatus = "declined"
	CaptureStatusFailed   CaptureStatus = "failed"
	// CaptureStatusUnknown means the PSP may or may not have captured:
	// the request timed out or the connection dropped after dispatch.
	// The caller must reconcile via QueryStatus before acting.
	CaptureStatusUnknown CaptureStatus = "unknown"
)

type CaptureRequest struct {
	Token          string
	Amount         domain.Money
	BillingAddress domain.Address
	IdempotencyKey string
}

type CaptureResult struct {
	Status       CaptureStatus
	ProcessorRef string
	Reason       string
}

// PaymentPort wraps the external payment service provider. Capture is
// idempotent on the PSP side keyed by IdempotencyKey, which is what makes
// QueryStatus reconciliation possible.
type PaymentPort interface {
	Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error)
	QueryStatus(ctx context.Context, idempotencyKey string) (CaptureResult, error)
}
