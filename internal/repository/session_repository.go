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

// Idempotency scopes: one namespace per mutating operation, so the same
// key can be used for a create and a later cancel without colliding.
const (
	createScope = "checkout.create"
	updateScope = "checkout.update"
	cancelScope = "checkout.cancel"
)

type sessionRepository struct {
	pool *pgxpool.Pool
}

func NewSession(pool *pgxpool.Pool) port.SessionRepository {
	return &sessionRepository{pool: pool}
}

const sessionColumns = `id, status, payment_state, buyer, shipping_address, items,
	subtotal, shipping, tax, total, currency, payment_ref, order_id,
	idempotency_key, revision, created_at, updated_at, expires_at`

func (r *sessionRepository) InsertSession(ctx context.Context, session domain.CheckoutSession, fingerprint string) (domain.CheckoutSession, bool, error) {
	var zero domain.CheckoutSession

	if len(session.Items) == 0 {
		return zero, false, errors.New("no items in session")
	}
	if err := session.CheckTotals(); err != nil {
		return zero, false, fmt.Errorf("session.CheckTotals: %w", err)
	}

	type insertResult struct {
		session domain.CheckoutSession
		created bool
	}

	result, err := withTx(ctx, r.pool, func(tx pgx.Tx) (insertResult, error) {
		var zeroRes insertResult

		cmdTag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (scope, key, fingerprint, session_id, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (scope, key) DO NOTHING`,
			createScope, session.IdempotencyKey, fingerprint, session.ID, session.ExpiresAt)
		if err != nil {
			return zeroRes, fmt.Errorf("insert idempotency key: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			// Replay: hand back the session the key created originally.
			var storedFingerprint string
			var storedSessionID uuid.UUID
			err := tx.QueryRow(ctx, `
				SELECT fingerprint, session_id FROM idempotency_keys
				WHERE scope = $1 AND key = $2`,
				createScope, session.IdempotencyKey).Scan(&storedFingerprint, &storedSessionID)
			if err != nil {
				return zeroRes, fmt.Errorf("select idempotency key: %w", err)
			}

			if storedFingerprint != fingerprint {
				return zeroRes, domain.ValidationError{
					Field:  "Idempotency-Key",
					Reason: "key reused with a different request",
				}
			}

			existing, err := getSession(ctx, tx, storedSessionID)
			if err != nil {
				return zeroRes, fmt.Errorf("getSession: %w", err)
			}

			return insertResult{session: existing, created: false}, nil
		}

		buyer, address, items, err := marshalSessionJSON(session)
		if err != nil {
			return zeroRes, err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO checkout_sessions (id, status, payment_state, buyer, shipping_address,
				items, subtotal, shipping, tax, total, currency, idempotency_key, revision, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			session.ID, string(session.Status), string(session.PaymentState),
			buyer, address, items,
			session.Subtotal.Amount, session.Shipping.Amount, session.Tax.Amount, session.Total.Amount,
			session.Total.Currency.String(), session.IdempotencyKey, session.Revision, session.ExpiresAt)
		if err != nil {
			return zeroRes, fmt.Errorf("insert session: %w", err)
		}

		inserted, err := getSession(ctx, tx, session.ID)
		if err != nil {
			return zeroRes, fmt.Errorf("getSession: %w", err)
		}

		return insertResult{session: inserted, created: true}, nil
	})
	if err != nil {
		return zero, false, fmt.Errorf("withTx: %w", err)
	}

	return result.session, result.created, nil
}

func (r *sessionRepository) GetSession(ctx context.Context, sessionID uuid.UUID) (domain.CheckoutSession, error) {
	return getSession(ctx, r.pool, sessionID)
}

func (r *sessionRepository) UpdateSession(ctx context.Context, session domain.CheckoutSession, expectedRevision int64, key port.OperationKey) (domain.CheckoutSession, error) {
	var zero domain.CheckoutSession

	if err := session.CheckTotals(); err != nil {
		return zero, fmt.Errorf("session.CheckTotals: %w", err)
	}

	buyer, address, items, err := marshalSessionJSON(session)
	if err != nil {
		return zero, err
	}

	updated, err := withTx(ctx, r.pool, func(tx pgx.Tx) (domain.CheckoutSession, error) {
		replayed, err := replayOperationKey(ctx, tx, updateScope, key, session.ID)
		if err != nil {
			return zero, err
		}
		if replayed {
			return getSession(ctx, tx, session.ID)
		}

		row := tx.QueryRow(ctx, `
			UPDATE checkout_sessions
			SET buyer = $2, shipping_address = $3, items = $4,
			    subtotal = $5, shipping = $6, tax = $7, total = $8,
			    revision = revision + 1, updated_at = now()
			WHERE id = $1 AND status = 'pending' AND revision = $9
			RETURNING `+sessionColumns,
			session.ID, buyer, address, items,
			session.Subtotal.Amount, session.Shipping.Amount, session.Tax.Amount, session.Total.Amount,
			expectedRevision)

		updated, err := scanSession(row)
		if err == nil {
			if err := storeOperationKey(ctx, tx, updateScope, key, session.ID, updated.ExpiresAt); err != nil {
				return zero, err
			}
			return updated, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return zero, fmt.Errorf("scanSession: %w", err)
		}

		// Nothing matched. A concurrent duplicate may have won the race
		// and committed our key while we waited on its row lock.
		replayed, err = replayOperationKey(ctx, tx, updateScope, key, session.ID)
		if err != nil {
			return zero, err
		}
		if replayed {
			return getSession(ctx, tx, session.ID)
		}

		// Tell the caller exactly why.
		existing, getErr := getSession(ctx, tx, session.ID)
		if getErr != nil {
			return zero, getErr
		}
		if existing.Status.Terminal() {
			return zero, domain.SessionClosedError{Status: existing.Status}
		}
		return zero, fmt.Errorf("revision[%d != %d]: %w", expectedRevision, existing.Revision, domain.ErrRevisionConflict)
	})
	if err != nil {
		return zero, fmt.Errorf("withTx: %w", err)
	}

	return updated, nil
}

func (r *sessionRepository) SetPaymentState(ctx context.Context, sessionID uuid.UUID, state domain.PaymentState, paymentRef *string) error {
	cmdTag, err := r.pool.Exec(ctx, `
		UPDATE checkout_sessions
		SET payment_state = $2, payment_ref = COALESCE($3, payment_ref), updated_at = now()
		WHERE id = $1 AND status = 'pending'`,
		sessionID, string(state), paymentRef)
	if err != nil {
		return fmt.Errorf("pool.Exec: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		session, err := getSession(ctx, r.pool, sessionID)
		if err != nil {
			return err
		}
		return domain.SessionClosedError{Status: session.Status}
	}

	return nil
}

func (r *sessionRepository) TransitionSession(ctx context.Context, sessionID uuid.UUID, target domain.SessionStatus, key port.OperationKey) (domain.CheckoutSession, error) {
	var zero domain.CheckoutSession

	updated, err := withTx(ctx, r.pool, func(tx pgx.Tx) (domain.CheckoutSession, error) {
		session, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return zero, err
		}

		// A replayed key means this transition already ran: the closed
		// session is the prior result.
		replayed, err := replayOperationKey(ctx, tx, cancelScope, key, sessionID)
		if err != nil {
			return zero, err
		}
		if replayed {
			return session, nil
		}

		if !session.Status.CanTransitionTo(target) {
			return zero, domain.SessionClosedError{Status: session.Status}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE checkout_sessions
			SET status = $2, revision = revision + 1, updated_at = now()
			WHERE id = $1`,
			sessionID, string(target)); err != nil {
			return zero, fmt.Errorf("update status: %w", err)
		}

		if err := releaseReservations(ctx, tx, session.Items); err != nil {
			return zero, fmt.Errorf("releaseReservations: %w", err)
		}

		if err := storeOperationKey(ctx, tx, cancelScope, key, sessionID, session.ExpiresAt); err != nil {
			return zero, err
		}

		return getSession(ctx, tx, sessionID)
	})
	if err != nil {
		return zero, fmt.Errorf("withTx: %w", err)
	}

	return updated, nil
}

// replayOperationKey reports whether the key already recorded this exact
// operation. A key reused with a different payload or session fails with
// domain.ValidationError. Zero keys are never recorded.
func replayOperationKey(ctx context.Context, tx pgx.Tx, scope string, key port.OperationKey, sessionID uuid.UUID) (bool, error) {
	if key.Key == "" {
		return false, nil
	}

	var storedFingerprint string
	var storedSessionID uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT fingerprint, session_id FROM idempotency_keys
		WHERE scope = $1 AND key = $2`,
		scope, key.Key).Scan(&storedFingerprint, &storedSessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select idempotency key: %w", err)
	}

	if storedFingerprint != key.Fingerprint || storedSessionID != sessionID {
		return false, domain.ValidationError{
			Field:  "Idempotency-Key",
			Reason: "key reused with a different request",
		}
	}

	return true, nil
}

// storeOperationKey records a successful mutation in the transaction that
// applied it, so a key exists exactly when its operation committed.
func storeOperationKey(ctx context.Context, tx pgx.Tx, scope string, key port.OperationKey, sessionID uuid.UUID, expiresAt time.Time) error {
	if key.Key == "" {
		return nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO idempotency_keys (scope, key, fingerprint, session_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		scope, key.Key, key.Fingerprint, sessionID, expiresAt); err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
	}

	return nil
}

func (r *sessionRepository) CompleteSession(ctx context.Context, sessionID uuid.UUID, order domain.Order, delivery domain.WebhookDelivery) (domain.Order, error) {
	var zero domain.Order

	completed, err := withTx(ctx, r.pool, func(tx pgx.Tx) (domain.Order, error) {
		session, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return zero, err
		}

		// Replayed completion returns the original order verbatim.
		if session.Status == domain.SessionStatusCompleted && session.OrderID != nil {
			return getOrder(ctx, tx, *session.OrderID)
		}
		if session.Status.Terminal() {
			return zero, domain.SessionClosedError{Status: session.Status}
		}

		// Expiry re-checked under the same lock the sweep uses, so an
		// in-flight complete can never race it.
		if session.ExpiredAt(time.Now()) {
			return zero, domain.SessionClosedError{Status: domain.SessionStatusExpired}
		}

		if err := insertOrder(ctx, tx, order); err != nil {
			return zero, fmt.Errorf("insertOrder: %w", err)
		}

		if err := insertDelivery(ctx, tx, delivery); err != nil {
			return zero, fmt.Errorf("insertDelivery: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE checkout_sessions
			SET status = 'completed', payment_state = 'captured',
			    payment_ref = $2, order_id = $3,
			    revision = revision + 1, updated_at = now()
			WHERE id = $1`,
			sessionID, order.CaptureRef, order.ID); err != nil {
			return zero, fmt.Errorf("update session: %w", err)
		}

		if err := consumeReservations(ctx, tx, session.Items); err != nil {
			return zero, fmt.Errorf("consumeReservations: %w", err)
		}

		return getOrder(ctx, tx, order.ID)
	})
	if err != nil {
		return zero, fmt.Errorf("withTx: %w", err)
	}

	return completed, nil
}

func (r *sessionRepository) ExpireDue(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error) {
	expired, err := withTx(ctx, r.pool, func(tx pgx.Tx) ([]uuid.UUID, error) {
		rows, err := tx.Query(ctx, `
			SELECT id FROM checkout_sessions
			WHERE status = 'pending' AND expires_at <= $1 AND payment_state <> 'verifying'
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED`,
			now, limit)
		if err != nil {
			return nil, fmt.Errorf("select due: %w", err)
		}

		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("rows.Scan: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("rows.Err: %w", err)
		}

		for _, id := range ids {
			session, err := getSession(ctx, tx, id)
			if err != nil {
				return nil, fmt.Errorf("getSession: %w", err)
			}

			if _, err := tx.Exec(ctx, `
				UPDATE checkout_sessions
				SET status = 'expired', revision = revision + 1, updated_at = now()
				WHERE id = $1`,
				id); err != nil {
				return nil, fmt.Errorf("update status: %w", err)
			}

			if err := releaseReservations(ctx, tx, session.Items); err != nil {
				return nil, fmt.Errorf("releaseReservations: %w", err)
			}
		}

		return ids, nil
	})
	if err != nil {
		return nil, fmt.Errorf("withTx: %w", err)
	}

	return expired, nil
}

func (r *sessionRepository) VerifyingDue(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM checkout_sessions
		WHERE status = 'pending' AND expires_at <= $1 AND payment_state = 'verifying'
		ORDER BY expires_at
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("pool.Query: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	return ids, nil
}

func lockSession(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) (domain.CheckoutSession, error) {
	var zero domain.CheckoutSession

	row := tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = $1 FOR UPDATE`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, domain.ErrSessionNotFound
		}
		return zero, fmt.Errorf("scanSession: %w", err)
	}

	return session, nil
}

func getSession(ctx context.Context, q querier, sessionID uuid.UUID) (domain.CheckoutSession, error) {
	var zero domain.CheckoutSession

	row := q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = $1`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, domain.ErrSessionNotFound
		}
		return zero, fmt.Errorf("scanSession: %w", err)
	}

	return session, nil
}

// JSON mirror types for the JSONB columns.

type buyerJSON struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
}

type addressJSON struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type lineItemJSON struct {
	SKU       string `json:"sku"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

func marshalSessionJSON(session domain.CheckoutSession) (buyer, address, items []byte, err error) {
	buyer, err = json.Marshal(buyerJSON(session.Buyer))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal buyer: %w", err)
	}

	address, err = json.Marshal(mapAddressToJSON(session.ShippingAddress))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal address: %w", err)
	}

	items, err = marshalItems(session.Items)
	if err != nil {
		return nil, nil, nil, err
	}

	return buyer, address, items, nil
}

func marshalItems(items []domain.LineItem) ([]byte, error) {
	jsonItems := make([]lineItemJSON, 0, len(items))
	for _, item := range items {
		jsonItems = append(jsonItems, lineItemJSON{
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.Amount,
		})
	}

	data, err := json.Marshal(jsonItems)
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}
	return data, nil
}

func mapAddressToJSON(a domain.Address) addressJSON {
	return addressJSON(a)
}

func unmarshalItems(data []byte, unit currency.Unit) ([]domain.LineItem, error) {
	var jsonItems []lineItemJSON
	if err := json.Unmarshal(data, &jsonItems); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}

	items := make([]domain.LineItem, 0, len(jsonItems))
	for _, item := range jsonItems {
		items = append(items, domain.LineItem{
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: domain.Money{Amount: item.UnitPrice, Currency: unit},
		})
	}

	return items, nil
}

func scanSession(row rowScanner) (domain.CheckoutSession, error) {
	var (
		s            domain.CheckoutSession
		status       string
		paymentState string
		buyerData    []byte
		addressData  []byte
		itemsData    []byte
		currencyCode string
	)

	err := row.Scan(&s.ID, &status, &paymentState, &buyerData, &addressData, &itemsData,
		&s.Subtotal.Amount, &s.Shipping.Amount, &s.Tax.Amount, &s.Total.Amount,
		&currencyCode, &s.PaymentRef, &s.OrderID, &s.IdempotencyKey, &s.Revision,
		&s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	if err != nil {
		return s, err
	}

	s.Status, err = domain.ToSessionStatus(status)
	if err != nil {
		return s, fmt.Errorf("domain.ToSessionStatus[%s]: %w", status, err)
	}

	s.PaymentState, err = domain.ToPaymentState(paymentState)
	if err != nil {
		return s, fmt.Errorf("domain.ToPaymentState[%s]: %w", paymentState, err)
	}

	unit, err := currency.ParseISO(currencyCode)
	if err != nil {
		return s, fmt.Errorf("currency[%s] is not valid: %w", currencyCode, err)
	}
	s.Subtotal.Currency = unit
	s.Shipping.Currency = unit
	s.Tax.Currency = unit
	s.Total.Currency = unit

	var buyer buyerJSON
	if err := json.Unmarshal(buyerData, &buyer); err != nil {
		return s, fmt.Errorf("unmarshal buyer: %w", err)
	}
	s.Buyer = domain.Buyer(buyer)

	var address addressJSON
	if err := json.Unmarshal(addressData, &address); err != nil {
		return s, fmt.Errorf("unmarshal address: %w", err)
	}
	s.ShippingAddress = domain.Address(address)

	s.Items, err = unmarshalItems(itemsData, unit)
	if err != nil {
		return s, err
	}

	return s, nil
}
