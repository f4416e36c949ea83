package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
	"github.com/nikolayk812/checkout-gateway/internal/port"
)

type deliveryRepository struct {
	pool *pgxpool.Pool
}

func NewDelivery(pool *pgxpool.Pool) port.DeliveryRepository {
	return &deliveryRepository{pool: pool}
}

const deliveryColumns = `id, event_type, order_id, session_id, payload, attempts,
	next_attempt_at, status, last_error, created_at, updated_at, delivered_at`

func insertDelivery(ctx context.Context, q querier, delivery domain.WebhookDelivery) error {
	if _, err := q.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, event_type, order_id, session_id, payload, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		delivery.ID, string(delivery.EventType), delivery.OrderID, delivery.SessionID,
		delivery.Payload, delivery.NextAttemptAt); err != nil {
		return fmt.Errorf("q.Exec: %w", err)
	}

	return nil
}

func (r *deliveryRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int32) ([]domain.WebhookDelivery, error) {
	// The lease pushes next_attempt_at forward atomically with the claim,
	// so a second dispatcher polling meanwhile skips these rows.
	rows, err := r.pool.Query(ctx, `
		UPDATE webhook_deliveries
		SET next_attempt_at = $2, updated_at = now()
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("pool.Query: %w", err)
	}
	defer rows.Close()

	var deliveries []domain.WebhookDelivery
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanDelivery: %w", err)
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	return deliveries, nil
}

func (r *deliveryRepository) MarkDelivered(ctx context.Context, deliveryID uuid.UUID) error {
	cmdTag, err := r.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'delivered', attempts = attempts + 1,
		    delivered_at = now(), updated_at = now()
		WHERE id = $1`,
		deliveryID)
	if err != nil {
		return fmt.Errorf("pool.Exec: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("delivery[%s] not found", deliveryID)
	}

	return nil
}

func (r *deliveryRepository) MarkFailed(ctx context.Context, deliveryID uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	cmdTag, err := r.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET attempts = attempts + 1, next_attempt_at = $2,
		    last_error = $3, updated_at = now()
		WHERE id = $1`,
		deliveryID, nextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("pool.Exec: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("delivery[%s] not found", deliveryID)
	}

	return nil
}

func (r *deliveryRepository) MarkDeadLettered(ctx context.Context, deliveryID uuid.UUID, lastError string) error {
	cmdTag, err := r.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'dead_lettered', attempts = attempts + 1,
		    last_error = $2, updated_at = now()
		WHERE id = $1`,
		deliveryID, lastError)
	if err != nil {
		return fmt.Errorf("pool.Exec: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("delivery[%s] not found", deliveryID)
	}

	return nil
}

func (r *deliveryRepository) ListDeadLetters(ctx context.Context) ([]domain.WebhookDelivery, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE status = 'dead_lettered' ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("pool.Query: %w", err)
	}
	defer rows.Close()

	var deliveries []domain.WebhookDelivery
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanDelivery: %w", err)
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	return deliveries, nil
}

func scanDelivery(row rowScanner) (domain.WebhookDelivery, error) {
	var (
		d         domain.WebhookDelivery
		eventType string
		status    string
	)

	err := row.Scan(&d.ID, &eventType, &d.OrderID, &d.SessionID, &d.Payload,
		&d.Attempts, &d.NextAttemptAt, &status, &d.LastError,
		&d.CreatedAt, &d.UpdatedAt, &d.DeliveredAt)
	if err != nil {
		return d, err
	}

	d.EventType, err = domain.ToEventType(eventType)
	if err != nil {
		return d, fmt.Errorf("domain.ToEventType[%s]: %w", eventType, err)
	}

	d.Status, err = domain.ToDeliveryStatus(status)
	if err != nil {
		return d, fmt.Errorf("domain.ToDeliveryStatus[%s]: %w", status, err)
	}

	return d, nil
}
