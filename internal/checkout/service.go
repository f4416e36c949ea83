// Package checkout implements the session state machine: open, get,
// update, complete, cancel and expiry. Per-session serialization and the
// completion triple live in the repositories; this service owns the
// ordering of steps and the payment ambiguity protocol.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
	"github.com/nikolayk812/checkout-gateway/internal/port"
	"github.com/nikolayk812/checkout-gateway/internal/pricing"
)

type Config struct {
	TTL          time.Duration
	ToleranceBps int64
}

type Service struct {
	catalog   port.CatalogPort
	sessions  port.SessionRepository
	orders    port.OrderRepository
	psp       port.PaymentPort
	publisher port.EventPublisher
	engine    *pricing.Engine

	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewService(
	catalog port.CatalogPort,
	sessions port.SessionRepository,
	orders port.OrderRepository,
	psp port.PaymentPort,
	publisher port.EventPublisher,
	engine *pricing.Engine,
	cfg Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		catalog:   catalog,
		sessions:  sessions,
		orders:    orders,
		psp:       psp,
		publisher: publisher,
		engine:    engine,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

type OpenRequest struct {
	Buyer           domain.Buyer
	ShippingAddress domain.Address
	Items           []pricing.ItemRequest
	IdempotencyKey  string
	Fingerprint     string
}

// Open validates and prices the cart, reserves stock and persists the
// session. A repeated idempotency key within the replay window returns
// the original session unchanged.
func (s *Service) Open(ctx context.Context, req OpenRequest) (domain.CheckoutSession, error) {
	var zero domain.CheckoutSession

	if req.Buyer.Email == "" {
		return zero, domain.ValidationError{Field: "buyer.email", Reason: "empty"}
	}
	if req.ShippingAddress.Country == "" {
		return zero, domain.ValidationError{Field: "shipping_address.country", Reason: "empty"}
	}

	snapshot, err := s.snapshotProducts(ctx, lo.Map(req.Items, func(item pricing.ItemRequest, _ int) string {
		return item.SKU
	}))
	if err != nil {
		return zero, err
	}

	cart, err := s.engine.Price(req.Items, snapshot, req.ShippingAddress.Country)
	if err != nil {
		return zero, fmt.Errorf("engine.Price: %w", err)
	}

	if err := s.reserveItems(ctx, cart.Items); err != nil {
		return zero, err
	}

	sessionID := uuid.New()
	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = sessionID.String()
	}

	now := s.now().UTC()
	session := domain.CheckoutSession{
		ID:              sessionID,
		Status:          domain.SessionStatusPending,
		PaymentState:    domain.PaymentStateNone,
		Buyer:           req.Buyer,
		ShippingAddress: req.ShippingAddress,
		Items:           cart.Items,
		Subtotal:        cart.Subtotal,
		Shipping:        cart.Shipping,
		Tax:             cart.Tax,
		Total:           cart.Total,
		IdempotencyKey:  idempotencyKey,
		Revision:        1,
		ExpiresAt:       now.Add(s.cfg.TTL),
	}

	stored, created, err := s.sessions.InsertSession(ctx, session, req.Fingerprint)
	if err != nil {
		s.releaseItems(ctx, cart.Items)
		return zero, fmt.Errorf("sessions.InsertSession: %w", err)
	}

	if !created {
		// Replay: the original session already holds its reservation.
		s.releaseItems(ctx, cart.Items)
	}

	return stored, nil
}

// Get returns the current cart view. Terminal sessions fail with
// SessionClosedError so callers can tell "already done" from "not found".
// Read-only: an overdue session is reported expired without being
// transitioned; the sweep does that durably.
func (s *Service) Get(ctx context.Context, sessionID uuid.UUID) (domain.CheckoutSession, error) {
	var zero domain.CheckoutSession

	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return zero, fmt.Errorf("sessions.GetSession: %w", err)
	}

	if session.Status.Terminal() {
		return zero, domain.SessionClosedError{Status: session.Status}
	}

	if session.ExpiredAt(s.now()) && session.PaymentState != domain.PaymentStateVerifying {
		return zero, domain.SessionClosedError{Status: domain.SessionStatusExpired}
	}

	return session, nil
}

type UpdateRequest struct {
	SessionID       uuid.UUID
	Revision        int64
	Items           []pricing.ItemRequest
	ShippingAddress *domain.Address
	IdempotencyKey  string
	Fingerprint     string
}

// Update re-validates and re-prices the cart while the session is still
// pending. The caller supplies the revision it last observed; a stale
// revision fails with ErrRevisionConflict instead of losing an update.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (domain.CheckoutSession, error) {
	var zero domain.CheckoutSession

	session, err := s.Get(ctx, req.SessionID)
	if err != nil {
		return zero, err
	}

	if session.PaymentState == domain.PaymentStateVerifying {
		return zero, domain.ErrPaymentAmbiguous
	}

	if req.ShippingAddress != nil {
		session.ShippingAddress = *req.ShippingAddress
	}

	items := req.Items
	if items == nil {
		items = lo.Map(session.Items, func(item domain.LineItem, _ int) pricing.ItemRequest {
			return pricing.ItemRequest{SKU: item.SKU, Quantity: item.Quantity}
		})
	}

	snapshot, err := s.snapshotProducts(ctx, lo.Map(items, func(item pricing.ItemRequest, _ int) string {
		return item.SKU
	}))
	if err != nil {
		return zero, err
	}

	cart, err := s.engine.Price(items, snapshot, session.ShippingAddress.Country)
	if err != nil {
		return zero, fmt.Errorf("engine.Price: %w", err)
	}

	// Reserve only the per-SKU increase over what the session already
	// holds, so raising a quantity never transiently demands old+new.
	grow, shrink := reservationDelta(session.Items, cart.Items)
	if err := s.reserveItems(ctx, grow); err != nil {
		return zero, err
	}

	session.Items = cart.Items
	session.Subtotal = cart.Subtotal
	session.Shipping = cart.Shipping
	session.Tax = cart.Tax
	session.Total = cart.Total

	key := port.OperationKey{Key: req.IdempotencyKey, Fingerprint: req.Fingerprint}
	updated, err := s.sessions.UpdateSession(ctx, session, req.Revision, key)
	if err != nil {
		s.releaseItems(ctx, grow)
		return zero, fmt.Errorf("sessions.UpdateSession: %w", err)
	}

	s.releaseItems(ctx, shrink)

	return updated, nil
}

// reservationDelta diffs two carts into the reservations to acquire and
// the ones to give back.
func reservationDelta(before, after []domain.LineItem) (grow, shrink []domain.LineItem) {
	held := lo.SliceToMap(before, func(item domain.LineItem) (string, int64) {
		return item.SKU, item.Quantity
	})

	for _, item := range after {
		delta := item.Quantity - held[item.SKU]
		switch {
		case delta > 0:
			grow = append(grow, domain.LineItem{SKU: item.SKU, Quantity: delta})
		case delta < 0:
			shrink = append(shrink, domain.LineItem{SKU: item.SKU, Quantity: -delta})
		}
		delete(held, item.SKU)
	}

	for sku, qty := range held {
		shrink = append(shrink, domain.LineItem{SKU: sku, Quantity: qty})
	}

	return grow, shrink
}

type CompleteRequest struct {
	SessionID      uuid.UUID
	PaymentToken   string
	BillingAddress domain.Address
}

type CompleteResult struct {
	Session domain.CheckoutSession
	Order   domain.Order
}

// Complete finalizes a pending session: price-drift check, PSP capture,
// then the atomic completion triple. A PSP timeout leaves the session in
// the verifying payment state; subsequent calls reconcile through
// QueryStatus before anything else happens, so a charge is never issued
// twice.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (CompleteResult, error) {
	var zero CompleteResult

	session, err := s.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return zero, fmt.Errorf("sessions.GetSession: %w", err)
	}

	// Replay on an already completed session returns the original result.
	if session.Status == domain.SessionStatusCompleted && session.OrderID != nil {
		order, err := s.orders.GetOrder(ctx, *session.OrderID)
		if err != nil {
			return zero, fmt.Errorf("orders.GetOrder: %w", err)
		}
		return CompleteResult{Session: session, Order: order}, nil
	}
	if session.Status.Terminal() {
		return zero, domain.SessionClosedError{Status: session.Status}
	}

	if session.PaymentState == domain.PaymentStateVerifying {
		return s.reconcile(ctx, session)
	}

	if session.ExpiredAt(s.now()) {
		return zero, domain.SessionClosedError{Status: domain.SessionStatusExpired}
	}

	if req.PaymentToken == "" {
		return zero, domain.ValidationError{Field: "payment_token", Reason: "empty"}
	}

	snapshot, err := s.snapshotProducts(ctx, lo.Map(session.Items, func(item domain.LineItem, _ int) string {
		return item.SKU
	}))
	if err != nil {
		return zero, err
	}

	if err := pricing.CheckDrift(session.Items, snapshot, s.cfg.ToleranceBps); err != nil {
		return zero, fmt.Errorf("pricing.CheckDrift: %w", err)
	}

	// Flag before the capture call: a crash mid-flight must force
	// reconciliation, not a fresh charge.
	if err := s.sessions.SetPaymentState(ctx, session.ID, domain.PaymentStateVerifying, nil); err != nil {
		return zero, fmt.Errorf("sessions.SetPaymentState: %w", err)
	}

	result, err := s.psp.Capture(ctx, port.CaptureRequest{
		Token:          req.PaymentToken,
		Amount:         session.Total,
		BillingAddress: req.BillingAddress,
		IdempotencyKey: session.ID.String(),
	})
	if err != nil {
		// Transport-level failure before dispatch: safe to retry.
		s.clearPaymentState(ctx, session.ID)
		return zero, fmt.Errorf("psp.Capture: %w", err)
	}

	switch result.Status {
	case port.CaptureStatusCaptured:
		return s.finalize(ctx, session, result.ProcessorRef)
	case port.CaptureStatusDeclined, port.CaptureStatusFailed:
		s.clearPaymentState(ctx, session.ID)
		return zero, fmt.Errorf("reason[%s]: %w", result.Reason, domain.ErrPaymentDeclined)
	default:
		// Unknown outcome: stay verifying, force reconciliation.
		return zero, domain.ErrPaymentAmbiguous
	}
}

// reconcile resolves a verifying session by asking the PSP what actually
// happened. It never issues a new charge.
func (s *Service) reconcile(ctx context.Context, session domain.CheckoutSession) (CompleteResult, error) {
	var zero CompleteResult

	result, err := s.psp.QueryStatus(ctx, session.ID.String())
	if err != nil {
		return zero, fmt.Errorf("psp.QueryStatus: %w", domain.ErrPaymentAmbiguous)
	}

	switch result.Status {
	case port.CaptureStatusCaptured:
		// The charge landed: converge to completed, exactly one order.
		return s.finalize(ctx, session, result.ProcessorRef)
	case port.CaptureStatusDeclined, port.CaptureStatusFailed:
		s.clearPaymentState(ctx, session.ID)
		return zero, fmt.Errorf("reason[%s]: %w", result.Reason, domain.ErrPaymentDeclined)
	default:
		return zero, domain.ErrPaymentAmbiguous
	}
}

func (s *Service) finalize(ctx context.Context, session domain.CheckoutSession, captureRef string) (CompleteResult, error) {
	var zero CompleteResult

	now := s.now().UTC()

	order := domain.Order{
		ID:              uuid.New(),
		Number:          domain.NewOrderNumber(),
		SessionID:       session.ID,
		Items:           session.Items,
		Subtotal:        session.Subtotal,
		Shipping:        session.Shipping,
		Tax:             session.Tax,
		Total:           session.Total,
		ShippingAddress: session.ShippingAddress,
		CaptureRef:      captureRef,
		Status:          domain.OrderStatusConfirmed,
		History:         []domain.StatusChange{{Status: domain.OrderStatusConfirmed, At: now}},
	}

	payload, delivery, err := BuildEvent(domain.EventOrderCreated, order, now)
	if err != nil {
		return zero, fmt.Errorf("BuildEvent: %w", err)
	}

	stored, err := s.sessions.CompleteSession(ctx, session.ID, order, delivery)
	if err != nil {
		return zero, fmt.Errorf("sessions.CompleteSession: %w", err)
	}

	updated, err := s.sessions.GetSession(ctx, session.ID)
	if err != nil {
		return zero, fmt.Errorf("sessions.GetSession: %w", err)
	}

	// Best effort fan-out to the CRM collaborator; the webhook outbox is
	// the durable path.
	if s.publisher != nil {
		if err := s.publisher.PublishOrderEvent(ctx, payload); err != nil {
			s.logger.WarnContext(ctx, "publish order event failed",
				"order", stored.Number, "error", err)
		}
	}

	return CompleteResult{Session: updated, Order: stored}, nil
}

// Cancel releases the session's reservations and closes it. A repeated
// idempotency key returns the cancelled session again instead of a
// session-closed failure.
func (s *Service) Cancel(ctx context.Context, sessionID uuid.UUID, key port.OperationKey) (domain.CheckoutSession, error) {
	var zero domain.CheckoutSession

	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return zero, fmt.Errorf("sessions.GetSession: %w", err)
	}

	if session.PaymentState == domain.PaymentStateVerifying {
		return zero, domain.ErrPaymentAmbiguous
	}

	cancelled, err := s.sessions.TransitionSession(ctx, sessionID, domain.SessionStatusCancelled, key)
	if err != nil {
		return zero, fmt.Errorf("sessions.TransitionSession: %w", err)
	}

	return cancelled, nil
}

func (s *Service) GetOrderByNumber(ctx context.Context, number string) (domain.Order, error) {
	order, err := s.orders.GetOrderByNumber(ctx, number)
	if err != nil {
		return domain.Order{}, fmt.Errorf("orders.GetOrderByNumber: %w", err)
	}
	return order, nil
}

// SweepExpired expires overdue pending sessions and attempts to resolve
// sessions parked in the verifying payment state. Returns how many
// sessions were expired.
func (s *Service) SweepExpired(ctx context.Context, batch int32) (int, error) {
	now := s.now()

	expired, err := s.sessions.ExpireDue(ctx, now, batch)
	if err != nil {
		return 0, fmt.Errorf("sessions.ExpireDue: %w", err)
	}

	verifying, err := s.sessions.VerifyingDue(ctx, now, batch)
	if err != nil {
		return len(expired), fmt.Errorf("sessions.VerifyingDue: %w", err)
	}

	for _, id := range verifying {
		session, err := s.sessions.GetSession(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "load verifying session failed", "session", id, "error", err)
			continue
		}

		// Captured converges to completed, failed unparks the session so
		// the next sweep expires it. Still unknown stays parked.
		if _, err := s.reconcile(ctx, session); err != nil &&
			!errors.Is(err, domain.ErrPaymentAmbiguous) && !errors.Is(err, domain.ErrPaymentDeclined) {
			s.logger.WarnContext(ctx, "reconcile failed", "session", id, "error", err)
		}
	}

	return len(expired), nil
}

// UpdateOrderStatus advances an order through fulfillment and enqueues the
// matching webhook event in the same transaction.
func (s *Service) UpdateOrderStatus(ctx context.Context, number string, status domain.OrderStatus) (domain.Order, error) {
	var zero domain.Order

	order, err := s.orders.GetOrderByNumber(ctx, number)
	if err != nil {
		return zero, fmt.Errorf("orders.GetOrderByNumber: %w", err)
	}

	order.Status = status

	payload, delivery, err := BuildEvent(domain.EventTypeForStatus(status), order, s.now().UTC())
	if err != nil {
		return zero, fmt.Errorf("BuildEvent: %w", err)
	}

	updated, err := s.orders.UpdateOrderStatus(ctx, number, status, delivery)
	if err != nil {
		return zero, fmt.Errorf("orders.UpdateOrderStatus: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishOrderEvent(ctx, payload); err != nil {
			s.logger.WarnContext(ctx, "publish order event failed",
				"order", number, "error", err)
		}
	}

	return updated, nil
}

// BuildEvent composes the webhook payload and its outbox row. The event id
// inside the payload and the row id are the same value, which is what the
// receiver de-duplicates on.
func BuildEvent(eventType domain.EventType, order domain.Order, at time.Time) (domain.WebhookPayload, domain.WebhookDelivery, error) {
	eventID := uuid.New()

	data, err := json.Marshal(map[string]any{
		"order_number": order.Number,
		"status":       string(order.Status),
		"total":        order.Total.Amount,
		"currency":     order.Total.Currency.String(),
		"capture_ref":  order.CaptureRef,
	})
	if err != nil {
		return domain.WebhookPayload{}, domain.WebhookDelivery{}, fmt.Errorf("json.Marshal: %w", err)
	}

	payload := domain.WebhookPayload{
		EventID:           eventID,
		EventType:         eventType,
		OrderID:           order.Number,
		CheckoutSessionID: order.SessionID,
		Timestamp:         at,
		Data:              data,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.WebhookPayload{}, domain.WebhookDelivery{}, fmt.Errorf("json.Marshal: %w", err)
	}

	delivery := domain.WebhookDelivery{
		ID:            eventID,
		EventType:     eventType,
		OrderID:       order.ID,
		SessionID:     order.SessionID,
		Payload:       body,
		Status:        domain.DeliveryStatusPending,
		NextAttemptAt: at,
	}

	return payload, delivery, nil
}

func (s *Service) snapshotProducts(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	snapshot := make(map[string]domain.Product, len(skus))

	for _, sku := range lo.Uniq(skus) {
		product, err := s.catalog.GetProduct(ctx, sku)
		if err != nil {
			if errors.Is(err, domain.ErrProductNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("catalog.GetProduct[%s]: %w", sku, err)
		}
		snapshot[sku] = product
	}

	return snapshot, nil
}

func (s *Service) reserveItems(ctx context.Context, items []domain.LineItem) error {
	for i, item := range items {
		if err := s.catalog.ReserveStock(ctx, item.SKU, item.Quantity); err != nil {
			s.releaseItems(ctx, items[:i])
			return fmt.Errorf("catalog.ReserveStock: %w", err)
		}
	}
	return nil
}

func (s *Service) releaseItems(ctx context.Context, items []domain.LineItem) {
	for _, item := range items {
		if err := s.catalog.ReleaseStock(ctx, item.SKU, item.Quantity); err != nil {
			s.logger.WarnContext(ctx, "release stock failed",
				"sku", item.SKU, "qty", item.Quantity, "error", err)
		}
	}
}

func (s *Service) clearPaymentState(ctx context.Context, sessionID uuid.UUID) {
	if err := s.sessions.SetPaymentState(ctx, sessionID, domain.PaymentStateNone, nil); err != nil {
		s.logger.WarnContext(ctx, "clear payment state failed",
			"session", sessionID, "error", err)
	}
}
