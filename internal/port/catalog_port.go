package port

import (
	"context"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
)

// CatalogPort is the narrow read/reserve interface over the store of
// record. Reservation counters are adjusted atomically at the storage
// layer; reads never take application-level locks.
type CatalogPort interface {
	GetProduct(ctx context.Context, sku string) (domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)

	// ReserveStock fails with domain.InsufficientInventoryError when the
	// requested quantity exceeds what is sellable.
	ReserveStock(ctx context.Context, sku string, qty int64) error
	ReleaseStock(ctx context.Context, sku string, qty int64) error

	UpsertProduct(ctx context.Context, product domain.Product) error
}
