package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/text/currency"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
	"github.com/nikolayk812/checkout-gateway/internal/port"
)

// productRepository is the catalog adapter: a read/reserve interface over
// the product table. Reservation counters are mutated by single atomic
// statements so the common read path stays lock-free.
type productRepository struct {
	pool *pgxpool.Pool
}

func NewProduct(pool *pgxpool.Pool) port.CatalogPort {
	return &productRepository{pool: pool}
}

const productColumns = `sku, title, description, price_amount, price_currency,
	inventory, reserved, availability, media_urls, attributes, created_at, updated_at`

func (r *productRepository) GetProduct(ctx context.Context, sku string) (domain.Product, error) {
	var p domain.Product

	row := r.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE sku = $1`, sku)

	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p, fmt.Errorf("sku[%s]: %w", sku, domain.ErrProductNotFound)
		}
		return p, fmt.Errorf("scanProduct: %w", err)
	}

	return product, nil
}

func (r *productRepository) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("pool.Query: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scanProduct: %w", err)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	return products, nil
}

func (r *productRepository) ReserveStock(ctx context.Context, sku string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("qty must be positive")
	}

	// Single guarded update: succeeds only while the counter stays within
	// on-hand stock, so concurrent sessions can never over-reserve.
	cmdTag, err := r.pool.Exec(ctx, `
		UPDATE products
		SET reserved = reserved + $2, updated_at = now()
		WHERE sku = $1
		  AND reserved + $2 <= inventory
		  AND availability <> 'out_of_stock'`,
		sku, qty)
	if err != nil {
		return fmt.Errorf("pool.Exec: %w", err)
	}

	if cmdTag.RowsAffected() > 0 {
		return nil
	}

	product, err := r.GetProduct(ctx, sku)
	if err != nil {
		return err
	}

	return domain.InsufficientInventoryError{SKU: sku, Requested: qty, Sellable: product.Sellable()}
}

func (r *productRepository) ReleaseStock(ctx context.Context, sku string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("qty must be positive")
	}

	cmdTag, err := r.pool.Exec(ctx, `
		UPDATE products
		SET reserved = GREATEST(reserved - $2, 0), updated_at = now()
		WHERE sku = $1`,
		sku, qty)
	if err != nil {
		return fmt.Errorf("pool.Exec: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("sku[%s]: %w", sku, domain.ErrProductNotFound)
	}

	return nil
}

func (r *productRepository) UpsertProduct(ctx context.Context, product domain.Product) error {
	if product.SKU == "" {
		return fmt.Errorf("sku is empty")
	}

	// Inventory sync never touches the reserved counter.
	_, err := r.pool.Exec(ctx, `
		INSERT INTO products (sku, title, description, price_amount, price_currency,
			inventory, availability, media_urls, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sku) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			price_amount = EXCLUDED.price_amount,
			price_currency = EXCLUDED.price_currency,
			inventory = EXCLUDED.inventory,
			availability = EXCLUDED.availability,
			media_urls = EXCLUDED.media_urls,
			attributes = EXCLUDED.attributes,
			updated_at = now()`,
		product.SKU, product.Title, product.Description,
		product.Price.Amount, product.Price.Currency.String(),
		product.Inventory, string(product.Availability),
		product.MediaURLs, product.Attributes)
	if err != nil {
		return fmt.Errorf("pool.Exec: %w", err)
	}

	return nil
}

// consumeReservations turns reservations into sold stock inside the
// completion transaction: both counters drop together.
func consumeReservations(ctx context.Context, q querier, items []domain.LineItem) error {
	for _, item := range items {
		cmdTag, err := q.Exec(ctx, `
			UPDATE products
			SET reserved = reserved - $2,
			    inventory = inventory - $2,
			    availability = CASE WHEN inventory - $2 <= 0 THEN 'out_of_stock' ELSE availability END,
			    updated_at = now()
			WHERE sku = $1 AND reserved >= $2 AND inventory >= $2`,
			item.SKU, item.Quantity)
		if err != nil {
			return fmt.Errorf("q.Exec[%s]: %w", item.SKU, err)
		}
		if cmdTag.RowsAffected() == 0 {
			return fmt.Errorf("sku[%s]: reservation missing", item.SKU)
		}
	}

	return nil
}

// releaseReservations gives reserved stock back when a session ends
// without completing.
func releaseReservations(ctx context.Context, q querier, items []domain.LineItem) error {
	for _, item := range items {
		if _, err := q.Exec(ctx, `
			UPDATE products
			SET reserved = GREATEST(reserved - $2, 0), updated_at = now()
			WHERE sku = $1`,
			item.SKU, item.Quantity); err != nil {
			return fmt.Errorf("q.Exec[%s]: %w", item.SKU, err)
		}
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p            domain.Product
		currencyCode string
		availability string
		createdAt    time.Time
		updatedAt    time.Time
	)

	err := row.Scan(&p.SKU, &p.Title, &p.Description, &p.Price.Amount, &currencyCode,
		&p.Inventory, &p.Reserved, &availability, &p.MediaURLs, &p.Attributes,
		&createdAt, &updatedAt)
	if err != nil {
		return p, err
	}

	parsedCurrency, err := currency.ParseISO(currencyCode)
	if err != nil {
		return p, fmt.Errorf("currency[%s] is not valid: %w", currencyCode, err)
	}
	p.Price.Currency = parsedCurrency

	p.Availability, err = domain.ToAvailability(availability)
	if err != nil {
		return p, fmt.Errorf("domain.ToAvailability[%s]: %w", availability, err)
	}

	p.CreatedAt = createdAt
	p.UpdatedAt = updatedAt

	return p, nil
}
