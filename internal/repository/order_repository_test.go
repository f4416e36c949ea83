package repository_test

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
	"github.com/nikolayk812/checkout-gateway/internal/port"
	"github.com/nikolayk812/checkout-gateway/internal/repository"
)

type orderRepositorySuite struct {
	suite.Suite

	pool      *pgxpool.Pool
	repo      port.OrderRepository
	sessions  port.SessionRepository
	catalog   port.CatalogPort
	container testcontainers.Container
}

func TestOrderRepositorySuite(t *testing.T) {
	suite.Run(t, new(orderRepositorySuite))
}

func (suite *orderRepositorySuite) SetupSuite() {
	ctx := suite.T().Context()

	var (
		connStr string
		err     error
	)

	suite.container, connStr, err = startPostgres(ctx)
	suite.NoError(err)

	suite.pool, err = newPool(ctx, connStr)
	suite.NoError(err)

	suite.repo = repository.NewOrder(suite.pool)
	suite.sessions = repository.NewSession(suite.pool)
	suite.catalog = repository.NewProduct(suite.pool)
}

func (suite *orderRepositorySuite) TearDownSuite() {
	ctx := suite.T().Context()

	if suite.pool != nil {
		suite.pool.Close()
	}
	if suite.container != nil {
		suite.NoError(suite.container.Terminate(ctx))
	}
}

// completeOrder drives a full checkout so the order rows exist the only
// way they can in production, through session completion.
func (suite *orderRepositorySuite) completeOrder() domain.Order {
	t := suite.T()
	ctx := t.Context()

	product := randomProduct()
	require.NoError(t, suite.catalog.UpsertProduct(ctx, product))
	require.NoError(t, suite.catalog.ReserveStock(ctx, product.SKU, 1))

	session := randomSession(product)
	inserted, _, err := suite.sessions.InsertSession(ctx, session, session.IdempotencyKey)
	require.NoError(t, err)

	order := randomOrderFor(inserted)
	completed, err := suite.sessions.CompleteSession(ctx, inserted.ID, order, randomDeliveryFor(order))
	require.NoError(t, err)

	return completed
}

func (suite *orderRepositorySuite) TestGetOrder() {
	t := suite.T()
	ctx := t.Context()

	order := suite.completeOrder()

	byID, err := suite.repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assertOrder(t, order, byID)

	byNumber, err := suite.repo.GetOrderByNumber(ctx, order.Number)
	require.NoError(t, err)
	assertOrder(t, order, byNumber)
}

func (suite *orderRepositorySuite) TestGetMissing() {
	t := suite.T()
	ctx := t.Context()

	_, err := suite.repo.GetOrderByNumber(ctx, "ORD-NOPE")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func (suite *orderRepositorySuite) TestUpdateStatus() {
	t := suite.T()
	ctx := t.Context()

	order := suite.completeOrder()

	delivery := randomDeliveryFor(order)
	delivery.EventType = domain.EventOrderUpdated

	updated, err := suite.repo.UpdateOrderStatus(ctx, order.Number, domain.OrderStatusProcessing, delivery)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusProcessing, updated.Status)
	require.Len(t, updated.History, len(order.History)+1)
	require.Equal(t, domain.OrderStatusProcessing, updated.History[len(updated.History)-1].Status)

	// The outbox row landed in the same transaction.
	var count int
	err = suite.pool.QueryRow(ctx,
		`SELECT count(*) FROM webhook_deliveries WHERE id = $1`, delivery.ID).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func (suite *orderRepositorySuite) TestUpdateStatusTable() {
	ctx := suite.T().Context()

	tests := []struct {
		name      string
		target    domain.OrderStatus
		wantError string
	}{
		{
			name:   "confirmed to processing",
			target: domain.OrderStatusProcessing,
		},
		{
			name:   "confirmed to cancelled",
			target: domain.OrderStatusCancelled,
		},
		{
			name:      "confirmed to delivered skips shipping",
			target:    domain.OrderStatusDelivered,
			wantError: "illegal transition confirmed -> delivered",
		},
		{
			name:      "confirmed to refunded",
			target:    domain.OrderStatusRefunded,
			wantError: "illegal transition confirmed -> refunded",
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			t := suite.T()

			order := suite.completeOrder()
			delivery := randomDeliveryFor(order)
			delivery.EventType = domain.EventOrderUpdated

			updated, err := suite.repo.UpdateOrderStatus(ctx, order.Number, tt.target, delivery)
			if tt.wantError != "" {
				require.ErrorContains(t, err, tt.wantError)

				var validationErr domain.ValidationError
				require.ErrorAs(t, err, &validationErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.target, updated.Status)
		})
	}
}

func (suite *orderRepositorySuite) TestUpdateStatusMissingOrder() {
	t := suite.T()
	ctx := t.Context()

	order := suite.completeOrder()
	delivery := randomDeliveryFor(order)

	_, err := suite.repo.UpdateOrderStatus(ctx, "ORD-NOPE", domain.OrderStatusProcessing, delivery)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}
