package domain

import (
	"errors"
	"time"
)

type Availability string

// remember to add new states to the validAvailabilities map
const (
	AvailabilityInStock    Availability = "in_stock"
	AvailabilityOutOfStock Availability = "out_of_stock"
	AvailabilityPreorder   Availability = "preorder"
)

var validAvailabilities = map[Availability]struct{}{
	AvailabilityInStock:    {},
	AvailabilityOutOfStock: {},
	AvailabilityPreorder:   {},
}

func ToAvailability(s string) (Availability, error) {
	availability := Availability(s)
	if _, ok := validAvailabilities[availability]; ok {
		return availability, nil
	}

	return "", errors.New("invalid availability")
}

// Product is a catalog entry owned by the store of record.
// The gateway only ever touches the Reserved counter, and only
// through atomic reserve/release/consume statements.
type Product struct {
	SKU          string
	Title        string
	Description  string
	Price        Money
	Inventory    int64
	Reserved     int64
	Availability Availability
	MediaURLs    []string
	Attributes   map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sellable reports how many units a new session could still reserve.
func (p Product) Sellable() int64 {
	return p.Inventory - p.Reserved
}
