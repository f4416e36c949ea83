package pricing

// ShippingRule computes the shipping cost in minor units from the cart
// subtotal. Rules are merchant policy and injected, never hard-coded.
type ShippingRule func(subtotal int64) int64

// FlatRateShipping charges flat unless the subtotal exceeds the
// free-shipping threshold.
func FlatRateShipping(flat, freeThreshold int64) ShippingRule {
	return func(subtotal int64) int64 {
		if subtotal > freeThreshold {
			return 0
		}
		return flat
	}
}

// TaxRule computes the tax in minor units from the taxable base
// (subtotal plus shipping).
type TaxRule func(taxable int64) int64

// FlatRateTax applies a rate expressed in basis points, truncating
// towards zero. Integer arithmetic keeps session-open and
// session-complete computations identical.
func FlatRateTax(bps int64) TaxRule {
	return func(taxable int64) int64 {
		return taxable * bps / 10_000
	}
}
