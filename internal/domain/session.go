package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Buyer struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Country    string
}

// LineItem carries the unit price snapshot taken at session-open time.
// It is not a live link into the catalog: later catalog changes do not
// reprice an open session.
type LineItem struct {
	SKU       string
	Quantity  int64
	UnitPrice Money
}

func (li LineItem) Total() Money {
	return li.UnitPrice.MulQty(li.Quantity)
}

type CheckoutSession struct {
	ID           uuid.UUID
	Status       SessionStatus
	PaymentState PaymentState

	Buyer           Buyer
	ShippingAddress Address
	Items           []LineItem

	Subtotal Money
	Shipping Money
	Tax      Money
	Total    Money

	PaymentRef     *string
	OrderID        *uuid.UUID
	IdempotencyKey string

	// Revision implements optimistic concurrency: update callers must
	// present the revision they last observed.
	Revision int64

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

func (s CheckoutSession) ExpiredAt(now time.Time) bool {
	return s.Status == SessionStatusPending && !now.Before(s.ExpiresAt)
}

// CheckTotals verifies the invariant total = subtotal + shipping + tax.
func (s CheckoutSession) CheckTotals() error {
	sum := s.Subtotal.Amount + s.Shipping.Amount + s.Tax.Amount
	if s.Total.Amount != sum {
		return fmt.Errorf("total[%d] != subtotal[%d] + shipping[%d] + tax[%d]",
			s.Total.Amount, s.Subtotal.Amount, s.Shipping.Amount, s.Tax.Amount)
	}

	return nil
}
