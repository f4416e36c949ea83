package domain

import (
	"errors"
	"fmt"
)

// Sentinels for conditions that carry no extra detail.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrProductNotFound  = errors.New("product not found")
	ErrOrderNotFound    = errors.New("order not found")
	ErrPaymentDeclined  = errors.New("payment declined")
	ErrPaymentAmbiguous = errors.New("payment outcome unknown, reconciliation required")
	ErrRevisionConflict = errors.New("revision conflict")
)

// ValidationError reports malformed caller input on a named field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientInventoryError names the SKU that cannot be reserved so the
// caller can drop or reduce that line and retry.
type InsufficientInventoryError struct {
	SKU       string
	Requested int64
	Sellable  int64
}

func (e InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for %s: requested %d, sellable %d", e.SKU, e.Requested, e.Sellable)
}

// PriceMismatchError is returned when the catalog price drifted beyond the
// configured tolerance between session-open and completion. The session is
// never silently re-priced; the caller re-creates it.
type PriceMismatchError struct {
	SKU      string
	Snapshot int64
	Current  int64
}

func (e PriceMismatchError) Error() string {
	return fmt.Sprintf("price mismatch for %s: snapshot %d, current %d", e.SKU, e.Snapshot, e.Current)
}

// SessionClosedError distinguishes "already finalized" from "not found":
// it carries the terminal status the session ended in.
type SessionClosedError struct {
	Status SessionStatus
}

func (e SessionClosedError) Error() string {
	return fmt.Sprintf("session closed: %s", e.Status)
}
