package port

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nikolayk812/checkout-gateway/internal/domain"
)

// DeliveryRepository drives webhook outbox rows through their retry loop.
type DeliveryRepository interface {
	// ClaimDue atomically leases pending deliveries whose next attempt is
	// due: their next_attempt_at is pushed forward by lease so concurrent
	// dispatchers never double-send.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int32) ([]domain.WebhookDelivery, error)

	MarkDelivered(ctx context.Context, deliveryID uuid.UUID) error
	MarkFailed(ctx context.Context, deliveryID uuid.UUID, nextAttemptAt time.Time, lastError string) error
	MarkDeadLettered(ctx context.Context, deliveryID uuid.UUID, lastError string) error

	// ListDeadLetters enumerates exhausted deliveries; they are kept, not
	// dropped, so an operator can replay them.
	ListDeadLetters(ctx context.Context) ([]domain.WebhookDelivery, error)
}

// EventPublisher fans completed-order events out to the notification/CRM
// collaborator, best effort.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, payload domain.WebhookPayload) error
	Close() error
}
