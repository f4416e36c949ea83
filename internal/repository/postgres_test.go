package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/text/currency"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
	"github.com/nikolayk812/checkout-gateway/internal/repository"
)

func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	container, err := tcpostgres.Run(ctx, "postgres:17-alpine",
		tcpostgres.WithDatabase("gateway"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("tcpostgres.Run: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return container, "", fmt.Errorf("container.ConnectionString: %w", err)
	}

	return container, connStr, nil
}

func newPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := repository.Migrate(ctx, pool); err != nil {
		return nil, fmt.Errorf("repository.Migrate: %w", err)
	}

	return pool, nil
}

func randomProduct() domain.Product {
	return domain.Product{
		SKU:          gofakeit.UUID(),
		Title:        gofakeit.ProductName(),
		Description:  gofakeit.ProductDescription(),
		Price:        domain.Money{Amount: int64(gofakeit.Number(100, 100_000)), Currency: currency.EUR},
		Inventory:    int64(gofakeit.Number(10, 100)),
		Availability: domain.AvailabilityInStock,
		MediaURLs:    []string{gofakeit.URL()},
		Attributes:   map[string]string{"color": gofakeit.Color()},
	}
}

func randomBuyer() domain.Buyer {
	return domain.Buyer{
		FirstName: gofakeit.FirstName(),
		LastName:  gofakeit.LastName(),
		Email:     gofakeit.Email(),
		Phone:     gofakeit.Phone(),
	}
}

func randomAddress() domain.Address {
	return domain.Address{
		Name:       gofakeit.Name(),
		Line1:      gofakeit.Street(),
		City:       gofakeit.City(),
		Region:     gofakeit.StateAbr(),
		PostalCode: gofakeit.Zip(),
		Country:    "DE",
	}
}

// randomSession builds a pending session over the given products, one
// unit each, with totals satisfying the table's CHECK constraint.
func randomSession(products ...domain.Product) domain.CheckoutSession {
	var items []domain.LineItem
	var subtotal int64
	for _, product := range products {
		items = append(items, domain.LineItem{
			SKU:       product.SKU,
			Quantity:  1,
			UnitPrice: product.Price,
		})
		subtotal += product.Price.Amount
	}

	unit := currency.EUR
	shipping := int64(500)
	tax := (subtotal + shipping) / 5

	return domain.CheckoutSession{
		ID:              uuid.New(),
		Status:          domain.SessionStatusPending,
		PaymentState:    domain.PaymentStateNone,
		Buyer:           randomBuyer(),
		ShippingAddress: randomAddress(),
		Items:           items,
		Subtotal:        domain.Money{Amount: subtotal, Currency: unit},
		Shipping:        domain.Money{Amount: shipping, Currency: unit},
		Tax:             domain.Money{Amount: tax, Currency: unit},
		Total:           domain.Money{Amount: subtotal + shipping + tax, Currency: unit},
		IdempotencyKey:  gofakeit.UUID(),
		Revision:        1,
		ExpiresAt:       time.Now().Add(time.Hour),
	}
}

func randomOrderFor(session domain.CheckoutSession) domain.Order {
	return domain.Order{
		ID:              uuid.New(),
		Number:          domain.NewOrderNumber(),
		SessionID:       session.ID,
		Items:           session.Items,
		Subtotal:        session.Subtotal,
		Shipping:        session.Shipping,
		Tax:             session.Tax,
		Total:           session.Total,
		ShippingAddress: session.ShippingAddress,
		CaptureRef:      gofakeit.UUID(),
		Status:          domain.OrderStatusConfirmed,
		History: []domain.StatusChange{
			{Status: domain.OrderStatusConfirmed, At: time.Now().UTC()},
		},
	}
}

func randomDeliveryFor(order domain.Order) domain.WebhookDelivery {
	return domain.WebhookDelivery{
		ID:            uuid.New(),
		EventType:     domain.EventOrderCreated,
		OrderID:       order.ID,
		SessionID:     order.SessionID,
		Payload:       []byte(fmt.Sprintf(`{"order_number":%q}`, order.Number)),
		Status:        domain.DeliveryStatusPending,
		NextAttemptAt: time.Now().Add(-time.Second),
	}
}

var currencyComparer = cmp.Comparer(func(x, y currency.Unit) bool {
	return x.String() == y.String()
})

func assertProduct(t *testing.T, expected, actual domain.Product) {
	t.Helper()

	opts := cmp.Options{
		cmpopts.IgnoreFields(domain.Product{}, "CreatedAt", "UpdatedAt"),
		cmpopts.EquateEmpty(),
		currencyComparer,
	}

	assert.Empty(t, cmp.Diff(expected, actual, opts))
	assert.False(t, actual.CreatedAt.IsZero())
	assert.False(t, actual.UpdatedAt.IsZero())
}

func assertSession(t *testing.T, expected, actual domain.CheckoutSession) {
	t.Helper()

	opts := cmp.Options{
		cmpopts.IgnoreFields(domain.CheckoutSession{}, "CreatedAt", "UpdatedAt", "ExpiresAt"),
		cmpopts.EquateEmpty(),
		currencyComparer,
	}

	assert.Empty(t, cmp.Diff(expected, actual, opts))
	assert.False(t, actual.CreatedAt.IsZero())
	assert.False(t, actual.ExpiresAt.IsZero())
}

func assertOrder(t *testing.T, expected, actual domain.Order) {
	t.Helper()

	opts := cmp.Options{
		cmpopts.IgnoreFields(domain.Order{}, "CreatedAt", "UpdatedAt"),
		cmpopts.IgnoreFields(domain.StatusChange{}, "At"),
		cmpopts.EquateEmpty(),
		currencyComparer,
	}

	assert.Empty(t, cmp.Diff(expected, actual, opts))
	assert.False(t, actual.CreatedAt.IsZero())
}
