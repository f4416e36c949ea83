package checkout_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
	"github.com/nikolayk812/checkout-gateway/internal/port"
)

// In-memory fakes mirroring the repository semantics closely enough for
// the state machine tests: idempotency records, revision checks, row-lock
// style serialization via a single mutex.

type fakeCatalog struct {
	mu       sync.Mutex
	products map[string]domain.Product
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{products: map[string]domain.Product{}}
}

func (c *fakeCatalog) GetProduct(_ context.Context, sku string) (domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	product, ok := c.products[sku]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product, nil
}

func (c *fakeCatalog) ListProducts(_ context.Context) ([]domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.Product
	for _, p := range c.products {
		out = append(out, p)
	}
	return out, nil
}

func (c *fakeCatalog) ReserveStock(_ context.Context, sku string, qty int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	product, ok := c.products[sku]
	if !ok {
		return domain.ErrProductNotFound
	}
	if product.Sellable() < qty || product.Availability == domain.AvailabilityOutOfStock {
		return domain.InsufficientInventoryError{SKU: sku, Requested: qty, Sellable: product.Sellable()}
	}

	product.Reserved += qty
	c.products[sku] = product
	return nil
}

func (c *fakeCatalog) ReleaseStock(_ context.Context, sku string, qty int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	product, ok := c.products[sku]
	if !ok {
		return domain.ErrProductNotFound
	}

	product.Reserved -= qty
	if product.Reserved < 0 {
		product.Reserved = 0
	}
	c.products[sku] = product
	return nil
}

func (c *fakeCatalog) UpsertProduct(_ context.Context, product domain.Product) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.products[product.SKU] = product
	return nil
}

func (c *fakeCatalog) consume(items []domain.LineItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range items {
		product := c.products[item.SKU]
		product.Reserved -= item.Quantity
		product.Inventory -= item.Quantity
		if product.Inventory <= 0 {
			product.Availability = domain.AvailabilityOutOfStock
		}
		c.products[item.SKU] = product
	}
}

func (c *fakeCatalog) release(items []domain.LineItem) {
	for _, item := range items {
		_ = c.ReleaseStock(context.Background(), item.SKU, item.Quantity)
	}
}

type idemRecord struct {
	fingerprint string
	sessionID   uuid.UUID
}

type fakeOrders struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]domain.Order
	byNumber map[string]uuid.UUID
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{
		byID:     map[uuid.UUID]domain.Order{},
		byNumber: map[string]uuid.UUID{},
	}
}

func (o *fakeOrders) GetOrder(_ context.Context, orderID uuid.UUID) (domain.Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	order, ok := o.byID[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

func (o *fakeOrders) GetOrderByNumber(_ context.Context, number string) (domain.Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id, ok := o.byNumber[number]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o.byID[id], nil
}

func (o *fakeOrders) UpdateOrderStatus(_ context.Context, number string, status domain.OrderStatus, _ domain.WebhookDelivery) (domain.Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id, ok := o.byNumber[number]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	order := o.byID[id]
	if !order.Status.CanTransitionTo(status) {
		return domain.Order{}, domain.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("illegal transition %s -> %s", order.Status, status),
		}
	}

	order.Status = status
	order.History = append(order.History, domain.StatusChange{Status: status, At: time.Now()})
	o.byID[id] = order
	return order, nil
}

func (o *fakeOrders) insert(order domain.Order) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.byID[order.ID] = order
	o.byNumber[order.Number] = order.ID
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]domain.CheckoutSession
	keys     map[string]idemRecord

	orders     *fakeOrders
	catalog    *fakeCatalog
	deliveries []domain.WebhookDelivery
}

func newFakeSessions(orders *fakeOrders, catalog *fakeCatalog) *fakeSessions {
	return &fakeSessions{
		sessions: map[uuid.UUID]domain.CheckoutSession{},
		keys:     map[string]idemRecord{},
		orders:   orders,
		catalog:  catalog,
	}
}

func (s *fakeSessions) InsertSession(_ context.Context, session domain.CheckoutSession, fingerprint string) (domain.CheckoutSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.keys["create|"+session.IdempotencyKey]; ok {
		if record.fingerprint != fingerprint {
			return domain.CheckoutSession{}, false, domain.ValidationError{
				Field:  "Idempotency-Key",
				Reason: "key reused with a different request",
			}
		}
		return s.sessions[record.sessionID], false, nil
	}

	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now
	s.keys["create|"+session.IdempotencyKey] = idemRecord{fingerprint: fingerprint, sessionID: session.ID}
	s.sessions[session.ID] = session
	return session, true, nil
}

// replayKey mirrors the repository's scoped idempotency records. Caller
// holds the mutex.
func (s *fakeSessions) replayKey(scope string, key port.OperationKey, sessionID uuid.UUID) (bool, error) {
	if key.Key == "" {
		return false, nil
	}

	record, ok := s.keys[scope+"|"+key.Key]
	if !ok {
		return false, nil
	}
	if record.fingerprint != key.Fingerprint || record.sessionID != sessionID {
		return false, domain.ValidationError{
			Field:  "Idempotency-Key",
			Reason: "key reused with a different request",
		}
	}
	return true, nil
}

func (s *fakeSessions) storeKey(scope string, key port.OperationKey, sessionID uuid.UUID) {
	if key.Key == "" {
		return
	}
	s.keys[scope+"|"+key.Key] = idemRecord{fingerprint: key.Fingerprint, sessionID: sessionID}
}

func (s *fakeSessions) GetSession(_ context.Context, sessionID uuid.UUID) (domain.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.CheckoutSession{}, domain.ErrSessionNotFound
	}
	return session, nil
}

func (s *fakeSessions) UpdateSession(_ context.Context, session domain.CheckoutSession, expectedRevision int64, key port.OperationKey) (domain.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[session.ID]
	if !ok {
		return domain.CheckoutSession{}, domain.ErrSessionNotFound
	}

	replayed, err := s.replayKey("update", key, session.ID)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	if replayed {
		return stored, nil
	}

	if stored.Status.Terminal() {
		return domain.CheckoutSession{}, domain.SessionClosedError{Status: stored.Status}
	}
	if stored.Revision != expectedRevision {
		return domain.CheckoutSession{}, domain.ErrRevisionConflict
	}

	stored.Items = session.Items
	stored.ShippingAddress = session.ShippingAddress
	stored.Subtotal = session.Subtotal
	stored.Shipping = session.Shipping
	stored.Tax = session.Tax
	stored.Total = session.Total
	stored.Revision++
	stored.UpdatedAt = time.Now()
	s.sessions[session.ID] = stored
	s.storeKey("update", key, session.ID)
	return stored, nil
}

func (s *fakeSessions) SetPaymentState(_ context.Context, sessionID uuid.UUID, state domain.PaymentState, paymentRef *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if session.Status != domain.SessionStatusPending {
		return domain.SessionClosedError{Status: session.Status}
	}

	session.PaymentState = state
	if paymentRef != nil {
		session.PaymentRef = paymentRef
	}
	s.sessions[sessionID] = session
	return nil
}

func (s *fakeSessions) TransitionSession(_ context.Context, sessionID uuid.UUID, target domain.SessionStatus, key port.OperationKey) (domain.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.CheckoutSession{}, domain.ErrSessionNotFound
	}

	replayed, err := s.replayKey("cancel", key, sessionID)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	if replayed {
		return session, nil
	}

	if !session.Status.CanTransitionTo(target) {
		return domain.CheckoutSession{}, domain.SessionClosedError{Status: session.Status}
	}

	session.Status = target
	session.Revision++
	s.sessions[sessionID] = session
	s.catalog.release(session.Items)
	s.storeKey("cancel", key, sessionID)
	return session, nil
}

func (s *fakeSessions) CompleteSession(_ context.Context, sessionID uuid.UUID, order domain.Order, delivery domain.WebhookDelivery) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Order{}, domain.ErrSessionNotFound
	}

	if session.Status == domain.SessionStatusCompleted && session.OrderID != nil {
		return s.orders.GetOrder(context.Background(), *session.OrderID)
	}
	if session.Status.Terminal() {
		return domain.Order{}, domain.SessionClosedError{Status: session.Status}
	}
	if session.ExpiredAt(time.Now()) {
		return domain.Order{}, domain.SessionClosedError{Status: domain.SessionStatusExpired}
	}

	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	s.orders.insert(order)
	s.deliveries = append(s.deliveries, delivery)

	session.Status = domain.SessionStatusCompleted
	session.PaymentState = domain.PaymentStateCaptured
	session.PaymentRef = &order.CaptureRef
	session.OrderID = &order.ID
	session.Revision++
	s.sessions[sessionID] = session

	s.catalog.consume(session.Items)
	return order, nil
}

func (s *fakeSessions) ExpireDue(_ context.Context, now time.Time, limit int32) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []uuid.UUID
	for id, session := range s.sessions {
		if int32(len(expired)) >= limit {
			break
		}
		if !session.ExpiredAt(now) || session.PaymentState == domain.PaymentStateVerifying {
			continue
		}

		session.Status = domain.SessionStatusExpired
		session.Revision++
		s.sessions[id] = session
		s.catalog.release(session.Items)
		expired = append(expired, id)
	}
	return expired, nil
}

func (s *fakeSessions) VerifyingDue(_ context.Context, now time.Time, limit int32) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for id, session := range s.sessions {
		if int32(len(ids)) >= limit {
			break
		}
		if session.ExpiredAt(now) && session.PaymentState == domain.PaymentStateVerifying {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// fakePSP dedupes captures by idempotency key, like the real processor:
// a repeated capture with a known key replays the stored result without
// charging again.
type fakePSP struct {
	mu        sync.Mutex
	captureFn func(port.CaptureRequest) (port.CaptureResult, error)
	queryFn   func(string) (port.CaptureResult, error)
	results   map[string]port.CaptureResult
	charges   int
}

func newFakePSP() *fakePSP {
	return &fakePSP{results: map[string]port.CaptureResult{}}
}

func (p *fakePSP) Capture(_ context.Context, req port.CaptureRequest) (port.CaptureResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if result, ok := p.results[req.IdempotencyKey]; ok {
		return result, nil
	}

	result, err := p.captureFn(req)
	if err != nil {
		return port.CaptureResult{}, err
	}

	if result.Status == port.CaptureStatusCaptured {
		p.charges++
	}
	if result.Status == port.CaptureStatusCaptured || result.Status == port.CaptureStatusDeclined {
		p.results[req.IdempotencyKey] = result
	}
	return result, nil
}

func (p *fakePSP) QueryStatus(_ context.Context, idempotencyKey string) (port.CaptureResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.queryFn != nil {
		result, err := p.queryFn(idempotencyKey)
		if err != nil {
			return port.CaptureResult{}, err
		}
		if result.Status == port.CaptureStatusCaptured {
			if _, ok := p.results[idempotencyKey]; !ok {
				p.results[idempotencyKey] = result
			}
		}
		return result, nil
	}

	result, ok := p.results[idempotencyKey]
	if !ok {
		return port.CaptureResult{Status: port.CaptureStatusFailed, Reason: "capture not found"}, nil
	}
	return result, nil
}

func (p *fakePSP) chargeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charges
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads []domain.WebhookPayload
}

func (p *fakePublisher) PublishOrderEvent(_ context.Context, payload domain.WebhookPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *fakePublisher) Close() error { return nil }
