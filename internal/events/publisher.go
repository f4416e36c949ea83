// Package events fans completed-order events out over AMQP for internal
// consumers (CRM, notifications). Webhooks stay the durable channel; this
// path is fire-and-forget.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
	"github.com/nikolayk812/checkout-gateway/internal/port"
)

type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewPublisher connects and declares a durable topic exchange. Routing
// keys are the event types (order.created, order.shipped, ...), so
// consumers bind with patterns like "order.*".
func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp.Dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("conn.Channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("channel.ExchangeDeclare[%s]: %w", exchange, err)
	}

	return &Publisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
	}, nil
}

func (p *Publisher) PublishOrderEvent(ctx context.Context, payload domain.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		string(payload.EventType), // routing key
		false,                     // mandatory
		false,                     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    payload.EventID.String(),
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("channel.PublishWithContext[%s]: %w", payload.EventType, err)
	}

	return nil
}

func (p *Publisher) Close() error {
	if err := p.channel.Close(); err != nil {
		return fmt.Errorf("channel.Close: %w", err)
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("conn.Close: %w", err)
	}
	return nil
}

// NoopPublisher is used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishOrderEvent(context.Context, domain.WebhookPayload) error { return nil }
func (NoopPublisher) Close() error                                                   { return nil }

var _ port.EventPublisher = (*Publisher)(nil)
var _ port.EventPublisher = NoopPublisher{}
