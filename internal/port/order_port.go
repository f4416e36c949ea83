package port

import (
	"context"

	"github.com/google/uuid"
	"github.com/nikolayk812/checkout-gateway/internal/domain"
)

type OrderRepository interface {
	GetOrder(ctx context.Context, orderID uuid.UUID) (domain.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (domain.Order, error)

	// UpdateOrderStatus validates the transition, appends to the status
	// history and writes the matching webhook outbox row in one
	// transaction.
	UpdateOrderStatus(ctx context.Context, number string, status domain.OrderStatus, delivery domain.WebhookDelivery) (domain.Order, error)
}
