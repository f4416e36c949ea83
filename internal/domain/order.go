package domain

import (
	"crypto/rand"
	"encoding/base32"
	"time"

	"github.com/google/uuid"
)

// Order is the durable record written exactly once per completed session.
// Fulfillment advances its status afterwards; each transition feeds the
// webhook dispatcher.
type Order struct {
	ID        uuid.UUID
	Number    string
	SessionID uuid.UUID

	Items           []LineItem
	Subtotal        Money
	Shipping        Money
	Tax             Money
	Total           Money
	ShippingAddress Address

	CaptureRef string
	Status     OrderStatus
	History    []StatusChange

	CreatedAt time.Time
	UpdatedAt time.Time
}

type StatusChange struct {
	Status OrderStatus
	At     time.Time
}

var orderNumberEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewOrderNumber returns a merchant-facing order number, unique in
// practice and enforced unique by the orders table.
func NewOrderNumber() string {
	var buf [10]byte
	// rand.Read never fails on supported platforms
	_, _ = rand.Read(buf[:])
	return "ORD-" + orderNumberEncoding.EncodeToString(buf[:])
}
