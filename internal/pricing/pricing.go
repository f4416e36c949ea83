// Package pricing validates and prices carts against a catalog snapshot.
// Everything is a pure function of its inputs and all money stays in
// integer minor units.
package pricing

import (
	"fmt"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
)

type ItemRequest struct {
	SKU      string
	Quantity int64
}

type PricedCart struct {
	Items    []domain.LineItem
	Subtotal domain.Money
	Shipping domain.Money
	Tax      domain.Money
	Total    domain.Money
}

type Engine struct {
	shipping    ShippingRule
	taxByRegion map[string]TaxRule
	fallbackTax TaxRule
}

func NewEngine(shipping ShippingRule, taxByRegion map[string]TaxRule, fallbackTax TaxRule) *Engine {
	return &Engine{
		shipping:    shipping,
		taxByRegion: taxByRegion,
		fallbackTax: fallbackTax,
	}
}

// Price validates the requested items against the catalog snapshot and
// computes the cart: price snapshots from the current catalog, shipping by
// merchant rule, tax by shipping region. The result always satisfies
// total = subtotal + shipping + tax.
func (e *Engine) Price(requests []ItemRequest, products map[string]domain.Product, region string) (PricedCart, error) {
	var cart PricedCart

	if len(requests) == 0 {
		return cart, domain.ValidationError{Field: "items", Reason: "empty"}
	}

	var currencySet bool
	var subtotal domain.Money

	for _, req := range requests {
		if req.SKU == "" {
			return cart, domain.ValidationError{Field: "items.sku", Reason: "empty"}
		}
		if req.Quantity <= 0 {
			return cart, domain.ValidationError{Field: "items.quantity", Reason: fmt.Sprintf("must be positive, got %d", req.Quantity)}
		}

		product, ok := products[req.SKU]
		if !ok {
			return cart, fmt.Errorf("sku[%s]: %w", req.SKU, domain.ErrProductNotFound)
		}

		if product.Availability == domain.AvailabilityOutOfStock {
			return cart, domain.InsufficientInventoryError{SKU: req.SKU, Requested: req.Quantity, Sellable: 0}
		}

		if product.Sellable() < req.Quantity {
			return cart, domain.InsufficientInventoryError{SKU: req.SKU, Requested: req.Quantity, Sellable: product.Sellable()}
		}

		if !currencySet {
			subtotal = domain.Money{Amount: 0, Currency: product.Price.Currency}
			currencySet = true
		}

		item := domain.LineItem{
			SKU:       req.SKU,
			Quantity:  req.Quantity,
			UnitPrice: product.Price,
		}

		var err error
		subtotal, err = subtotal.Add(item.Total())
		if err != nil {
			return cart, fmt.Errorf("sku[%s]: subtotal.Add: %w", req.SKU, err)
		}

		cart.Items = append(cart.Items, item)
	}

	shipping := domain.Money{Amount: e.shipping(subtotal.Amount), Currency: subtotal.Currency}

	taxRule, ok := e.taxByRegion[region]
	if !ok {
		taxRule = e.fallbackTax
	}
	tax := domain.Money{Amount: taxRule(subtotal.Amount + shipping.Amount), Currency: subtotal.Currency}

	cart.Subtotal = subtotal
	cart.Shipping = shipping
	cart.Tax = tax
	cart.Total = domain.Money{
		Amount:   subtotal.Amount + shipping.Amount + tax.Amount,
		Currency: subtotal.Currency,
	}

	return cart, nil
}

// CheckDrift compares per-line price snapshots with the current catalog.
// Drift beyond toleranceBps fails with domain.PriceMismatchError naming
// the first offending SKU; the session is never silently re-priced.
func CheckDrift(items []domain.LineItem, products map[string]domain.Product, toleranceBps int64) error {
	for _, item := range items {
		product, ok := products[item.SKU]
		if !ok {
			return fmt.Errorf("sku[%s]: %w", item.SKU, domain.ErrProductNotFound)
		}

		drift := product.Price.Amount - item.UnitPrice.Amount
		if drift < 0 {
			drift = -drift
		}

		// drift/snapshot > tolerance/10000, kept in integers
		if drift*10_000 > toleranceBps*item.UnitPrice.Amount {
			return domain.PriceMismatchError{
				SKU:      item.SKU,
				Snapshot: item.UnitPrice.Amount,
				Current:  product.Price.Amount,
			}
		}
	}

	return nil
}
