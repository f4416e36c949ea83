package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/text/currency"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
	"github.com/nikolayk812/checkout-gateway/internal/port"
)

type orderRepository struct {
	pool *pgxpool.Pool
}

func NewOrder(pool *pgxpool.Pool) port.OrderRepository {
	return &orderRepository{pool: pool}
}

const orderColumns = `id, number, session_id, items, subtotal, shipping, tax, total,
	currency, shipping_address, capture_ref, status, history, created_at, updated_at`

func (r *orderRepository) GetOrder(ctx context.Context, orderID uuid.UUID) (domain.Order, error) {
	return getOrder(ctx, r.pool, orderID)
}

func (r *orderRepository) GetOrderByNumber(ctx context.Context, number string) (domain.Order, error) {
	var zero domain.Order

	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE number = $1`, number)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, fmt.Errorf("number[%s]: %w", number, domain.ErrOrderNotFound)
		}
		return zero, fmt.Errorf("scanOrder: %w", err)
	}

	return order, nil
}

func (r *orderRepository) UpdateOrderStatus(ctx context.Context, number string, status domain.OrderStatus, delivery domain.WebhookDelivery) (domain.Order, error) {
	var zero domain.Order

	if number == "" {
		return zero, errors.New("number is empty")
	}

	updated, err := withTx(ctx, r.pool, func(tx pgx.Tx) (domain.Order, error) {
		row := tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE number = $1 FOR UPDATE`, number)

		order, err := scanOrder(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return zero, fmt.Errorf("number[%s]: %w", number, domain.ErrOrderNotFound)
			}
			return zero, fmt.Errorf("scanOrder: %w", err)
		}

		if !order.Status.CanTransitionTo(status) {
			return zero, domain.ValidationError{
				Field:  "status",
				Reason: fmt.Sprintf("illegal transition %s -> %s", order.Status, status),
			}
		}

		order.History = append(order.History, domain.StatusChange{Status: status, At: time.Now().UTC()})
		history, err := marshalHistory(order.History)
		if err != nil {
			return zero, err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $2, history = $3, updated_at = now()
			WHERE id = $1`,
			order.ID, string(status), history); err != nil {
			return zero, fmt.Errorf("update order: %w", err)
		}

		if err := insertDelivery(ctx, tx, delivery); err != nil {
			return zero, fmt.Errorf("insertDelivery: %w", err)
		}

		return getOrder(ctx, tx, order.ID)
	})
	if err != nil {
		return zero, fmt.Errorf("withTx: %w", err)
	}

	return updated, nil
}

func insertOrder(ctx context.Context, q querier, order domain.Order) error {
	if len(order.Items) == 0 {
		return errors.New("no items in order")
	}

	items, err := marshalItems(order.Items)
	if err != nil {
		return err
	}

	address, err := json.Marshal(mapAddressToJSON(order.ShippingAddress))
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}

	history, err := marshalHistory(order.History)
	if err != nil {
		return err
	}

	// orders.session_id is UNIQUE: a second insert for the same session
	// cannot succeed no matter how the callers race.
	if _, err := q.Exec(ctx, `
		INSERT INTO orders (id, number, session_id, items, subtotal, shipping, tax, total,
			currency, shipping_address, capture_ref, status, history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		order.ID, order.Number, order.SessionID, items,
		order.Subtotal.Amount, order.Shipping.Amount, order.Tax.Amount, order.Total.Amount,
		order.Total.Currency.String(), address, order.CaptureRef, string(order.Status), history); err != nil {
		return fmt.Errorf("q.Exec: %w", err)
	}

	return nil
}

func getOrder(ctx context.Context, q querier, orderID uuid.UUID) (domain.Order, error) {
	var zero domain.Order

	row := q.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, domain.ErrOrderNotFound
		}
		return zero, fmt.Errorf("scanOrder: %w", err)
	}

	return order, nil
}

type statusChangeJSON struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

func marshalHistory(history []domain.StatusChange) ([]byte, error) {
	jsonHistory := make([]statusChangeJSON, 0, len(history))
	for _, change := range history {
		jsonHistory = append(jsonHistory, statusChangeJSON{Status: string(change.Status), At: change.At})
	}

	data, err := json.Marshal(jsonHistory)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	return data, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o            domain.Order
		itemsData    []byte
		currencyCode string
		addressData  []byte
		status       string
		historyData  []byte
	)

	err := row.Scan(&o.ID, &o.Number, &o.SessionID, &itemsData,
		&o.Subtotal.Amount, &o.Shipping.Amount, &o.Tax.Amount, &o.Total.Amount,
		&currencyCode, &addressData, &o.CaptureRef, &status, &historyData,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}

	unit, err := currency.ParseISO(currencyCode)
	if err != nil {
		return o, fmt.Errorf("currency[%s] is not valid: %w", currencyCode, err)
	}
	o.Subtotal.Currency = unit
	o.Shipping.Currency = unit
	o.Tax.Currency = unit
	o.Total.Currency = unit

	o.Status, err = domain.ToOrderStatus(status)
	if err != nil {
		return o, fmt.Errorf("domain.ToOrderStatus[%s]: %w", status, err)
	}

	o.Items, err = unmarshalItems(itemsData, unit)
	if err != nil {
		return o, err
	}

	var address addressJSON
	if err := json.Unmarshal(addressData, &address); err != nil {
		return o, fmt.Errorf("unmarshal address: %w", err)
	}
	o.ShippingAddress = domain.Address(address)

	var jsonHistory []statusChangeJSON
	if err := json.Unmarshal(historyData, &jsonHistory); err != nil {
		return o, fmt.Errorf("unmarshal history: %w", err)
	}
	for _, change := range jsonHistory {
		changeStatus, err := domain.ToOrderStatus(change.Status)
		if err != nil {
			return o, fmt.Errorf("domain.ToOrderStatus[%s]: %w", change.Status, err)
		}
		o.History = append(o.History, domain.StatusChange{Status: changeStatus, At: change.At})
	}

	return o, nil
}
