package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
)

// Stable machine-readable error codes. Agents branch on these, so they
// are part of the API contract.
const (
	codeValidationFailed      = "validation_failed"
	codeNotFound              = "not_found"
	codeInsufficientInventory = "insufficient_inventory"
	codePriceMismatch         = "price_mismatch"
	codeSessionClosed         = "session_closed"
	codeRevisionConflict      = "revision_conflict"
	codePaymentDeclined       = "payment_declined"
	codePaymentAmbiguous      = "payment_ambiguous"
	codeRateLimited           = "rate_limited"
	codeInternal              = "internal"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code, message := mapError(err)

	if status == http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", "error", err)
	}

	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// mapError translates the domain error taxonomy into an HTTP status and a
// stable code. Internal details never leak to the caller.
func mapError(err error) (status int, code string, message string) {
	var (
		validationErr domain.ValidationError
		inventoryErr  domain.InsufficientInventoryError
		mismatchErr   domain.PriceMismatchError
		closedErr     domain.SessionClosedError
	)

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, codeValidationFailed, validationErr.Error()
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, codeNotFound, "resource not found"
	case errors.As(err, &inventoryErr):
		return http.StatusConflict, codeInsufficientInventory, inventoryErr.Error()
	case errors.As(err, &mismatchErr):
		return http.StatusConflict, codePriceMismatch, mismatchErr.Error()
	case errors.As(err, &closedErr):
		return http.StatusConflict, codeSessionClosed, closedErr.Error()
	case errors.Is(err, domain.ErrRevisionConflict):
		return http.StatusConflict, codeRevisionConflict, "session was modified concurrently, re-read and retry"
	case errors.Is(err, domain.ErrPaymentDeclined):
		return http.StatusPaymentRequired, codePaymentDeclined, "payment was declined"
	case errors.Is(err, domain.ErrPaymentAmbiguous):
		return http.StatusConflict, codePaymentAmbiguous, "payment outcome is being verified, retry later"
	default:
		return http.StatusInternalServerError, codeInternal, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
