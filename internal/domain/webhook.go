package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type EventType string

// remember to add new types to the validEventTypes map
const (
	EventOrderCreated   EventType = "order.created"
	EventOrderUpdated   EventType = "order.updated"
	EventOrderShipped   EventType = "order.shipped"
	EventOrderDelivered EventType = "order.delivered"
	EventOrderCancelled EventType = "order.cancelled"
	EventOrderRefunded  EventType = "order.refunded"
)

var validEventTypes = map[EventType]struct{}{
	EventOrderCreated:   {},
	EventOrderUpdated:   {},
	EventOrderShipped:   {},
	EventOrderDelivered: {},
	EventOrderCancelled: {},
	EventOrderRefunded:  {},
}

func ToEventType(s string) (EventType, error) {
	eventType := EventType(s)
	if _, ok := validEventTypes[eventType]; ok {
		return eventType, nil
	}

	return "", errors.New("invalid event type")
}

// EventTypeForStatus maps an order status transition to the event the
// receiver sees. Statuses without a dedicated event report order.updated.
func EventTypeForStatus(status OrderStatus) EventType {
	switch status {
	case OrderStatusShipped:
		return EventOrderShipped
	case OrderStatusDelivered:
		return EventOrderDelivered
	case OrderStatusCancelled:
		return EventOrderCancelled
	case OrderStatusRefunded:
		return EventOrderRefunded
	default:
		return EventOrderUpdated
	}
}

type DeliveryStatus string

const (
	DeliveryStatusPending      DeliveryStatus = "pending"
	DeliveryStatusDelivered    DeliveryStatus = "delivered"
	DeliveryStatusDeadLettered DeliveryStatus = "dead_lettered"
)

var validDeliveryStatuses = map[DeliveryStatus]struct{}{
	DeliveryStatusPending:      {},
	DeliveryStatusDelivered:    {},
	DeliveryStatusDeadLettered: {},
}

func ToDeliveryStatus(s string) (DeliveryStatus, error) {
	status := DeliveryStatus(s)
	if _, ok := validDeliveryStatuses[status]; ok {
		return status, nil
	}

	return "", errors.New("invalid delivery status")
}

// WebhookDelivery is both the outbox row and the attempt record: it is
// written in the same transaction as the order change it reports, then
// driven to delivered or dead_lettered by the dispatcher.
type WebhookDelivery struct {
	ID        uuid.UUID
	EventType EventType
	OrderID   uuid.UUID
	SessionID uuid.UUID
	Payload   []byte

	Attempts      int
	NextAttemptAt time.Time
	Status        DeliveryStatus
	LastError     *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeliveredAt *time.Time
}

// WebhookPayload is the wire format POSTed to the receiver.
type WebhookPayload struct {
	EventID           uuid.UUID       `json:"event_id"`
	EventType         EventType       `json:"event_type"`
	OrderID           string          `json:"order_id"`
	CheckoutSessionID uuid.UUID       `json:"checkout_session_id"`
	Timestamp         time.Time       `json:"timestamp"`
	Data              json.RawMessage `json:"data"`
}
