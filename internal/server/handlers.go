package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/nikolayk812/checkout-gateway/internal/checkout"
	"github.com/nikolayk812/checkout-gateway/internal/domain"
	"github.com/nikolayk812/checkout-gateway/internal/port"
	"github.com/nikolayk812/checkout-gateway/internal/pricing"
)

type Handler struct {
	service    *checkout.Service
	catalog    port.CatalogPort
	deliveries port.DeliveryRepository
	logger     *slog.Logger
}

func NewHandler(service *checkout.Service, catalog port.CatalogPort, deliveries port.DeliveryRepository, logger *slog.Logger) *Handler {
	return &Handler{
		service:    service,
		catalog:    catalog,
		deliveries: deliveries,
		logger:     logger,
	}
}

// Wire DTOs. Money travels as integer minor units next to an ISO 4217
// currency code; nothing on the wire is a float.

type buyerDTO struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
}

type addressDTO struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type itemRequestDTO struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}

type lineItemDTO struct {
	SKU       string `json:"sku"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type sessionResponse struct {
	ID           string       `json:"id"`
	Status       string       `json:"status"`
	PaymentState string       `json:"payment_state"`
	Buyer        buyerDTO     `json:"buyer"`
	ShippingAddr addressDTO   `json:"shipping_address"`
	Items        []lineItemDTO `json:"items"`
	Subtotal     int64        `json:"subtotal"`
	Shipping     int64        `json:"shipping"`
	Tax          int64        `json:"tax"`
	Total        int64        `json:"total"`
	Currency     string       `json:"currency"`
	OrderID      *string      `json:"order_id,omitempty"`
	Revision     int64        `json:"revision"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

type statusChangeDTO struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

type orderResponse struct {
	Number       string            `json:"number"`
	SessionID    string            `json:"checkout_session_id"`
	Status       string            `json:"status"`
	Items        []lineItemDTO     `json:"items"`
	Subtotal     int64             `json:"subtotal"`
	Shipping     int64             `json:"shipping"`
	Tax          int64             `json:"tax"`
	Total        int64             `json:"total"`
	Currency     string            `json:"currency"`
	CaptureRef   string            `json:"capture_ref"`
	ShippingAddr addressDTO        `json:"shipping_address"`
	History      []statusChangeDTO `json:"history"`
	CreatedAt    time.Time         `json:"created_at"`
}

type productResponse struct {
	SKU          string            `json:"sku"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Price        int64             `json:"price"`
	PriceDisplay string            `json:"price_display"`
	Currency     string            `json:"currency"`
	Availability string            `json:"availability"`
	Sellable     int64             `json:"sellable"`
	MediaURLs    []string          `json:"media_urls,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

type deadLetterResponse struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	OrderID   string          `json:"order_id"`
	Attempts  int             `json:"attempts"`
	LastError *string         `json:"last_error,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type openRequest struct {
	Buyer        buyerDTO         `json:"buyer"`
	ShippingAddr addressDTO       `json:"shipping_address"`
	Items        []itemRequestDTO `json:"items"`
}

type updateRequest struct {
	Revision     int64            `json:"revision"`
	Items        []itemRequestDTO `json:"items,omitempty"`
	ShippingAddr *addressDTO      `json:"shipping_address,omitempty"`
}

type completeRequest struct {
	PaymentToken string     `json:"payment_token"`
	BillingAddr  addressDTO `json:"billing_address"`
}

type orderStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) openCheckout(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(r.Context(), w, h.logger, domain.ValidationError{Field: "body", Reason: "unreadable"})
		return
	}

	var req openRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(r.Context(), w, h.logger, domain.ValidationError{Field: "body", Reason: "not valid JSON"})
		return
	}

	session, err := h.service.Open(r.Context(), checkout.OpenRequest{
		Buyer:           domain.Buyer(req.Buyer),
		ShippingAddress: domain.Address(req.ShippingAddr),
		Items:           mapItemRequests(req.Items),
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
		Fingerprint:     domain.Fingerprint(body),
	})
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, mapSession(session))
}

func (h *Handler) getCheckout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	session, err := h.service.Get(r.Context(), sessionID)
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, mapSession(session))
}

func (h *Handler) updateCheckout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(r.Context(), w, h.logger, domain.ValidationError{Field: "body", Reason: "unreadable"})
		return
	}

	var req updateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(r.Context(), w, h.logger, domain.ValidationError{Field: "body", Reason: "not valid JSON"})
		return
	}

	update := checkout.UpdateRequest{
		SessionID:      sessionID,
		Revision:       req.Revision,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Fingerprint:    domain.Fingerprint(body),
	}
	if req.Items != nil {
		update.Items = mapItemRequests(req.Items)
	}
	if req.ShippingAddr != nil {
		address := domain.Address(*req.ShippingAddr)
		update.ShippingAddress = &address
	}

	session, err := h.service.Update(r.Context(), update)
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, mapSession(session))
}

func (h *Handler) completeCheckout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, h.logger, domain.ValidationError{Field: "body", Reason: "not valid JSON"})
		return
	}

	result, err := h.service.Complete(r.Context(), checkout.CompleteRequest{
		SessionID:      sessionID,
		PaymentToken:   req.PaymentToken,
		BillingAddress: domain.Address(req.BillingAddr),
	})
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Session sessionResponse `json:"session"`
		Order   orderResponse   `json:"order"`
	}{
		Session: mapSession(result.Session),
		Order:   mapOrder(result.Order),
	})
}

func (h *Handler) cancelCheckout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	session, err := h.service.Cancel(r.Context(), sessionID, port.OperationKey{
		Key:         r.Header.Get("Idempotency-Key"),
		Fingerprint: domain.Fingerprint(nil),
	})
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, mapSession(session))
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.ListProducts(r.Context())
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Products []productResponse `json:"products"`
	}{
		Products: lo.Map(products, func(p domain.Product, _ int) productResponse {
			return mapProduct(p)
		}),
	})
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.catalog.GetProduct(r.Context(), chi.URLParam(r, "sku"))
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, mapProduct(product))
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req orderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, h.logger, domain.ValidationError{Field: "body", Reason: "not valid JSON"})
		return
	}

	status, err := domain.ToOrderStatus(req.Status)
	if err != nil {
		writeError(r.Context(), w, h.logger, domain.ValidationError{Field: "status", Reason: err.Error()})
		return
	}

	order, err := h.service.UpdateOrderStatus(r.Context(), chi.URLParam(r, "number"), status)
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, mapOrder(order))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrderByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, mapOrder(order))
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := h.deliveries.ListDeadLetters(r.Context())
	if err != nil {
		writeError(r.Context(), w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		DeadLetters []deadLetterResponse `json:"dead_letters"`
	}{
		DeadLetters: lo.Map(dead, func(d domain.WebhookDelivery, _ int) deadLetterResponse {
			return deadLetterResponse{
				ID:        d.ID.String(),
				EventType: string(d.EventType),
				OrderID:   d.OrderID.String(),
				Attempts:  d.Attempts,
				LastError: d.LastError,
				Payload:   json.RawMessage(d.Payload),
				CreatedAt: d.CreatedAt,
			}
		}),
	})
}

func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(r.Context(), w, h.logger, domain.ValidationError{Field: "id", Reason: "not a valid UUID"})
		return uuid.Nil, false
	}
	return sessionID, true
}

func mapItemRequests(items []itemRequestDTO) []pricing.ItemRequest {
	return lo.Map(items, func(item itemRequestDTO, _ int) pricing.ItemRequest {
		return pricing.ItemRequest{SKU: item.SKU, Quantity: item.Quantity}
	})
}

func mapLineItems(items []domain.LineItem) []lineItemDTO {
	return lo.Map(items, func(item domain.LineItem, _ int) lineItemDTO {
		return lineItemDTO{
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.Amount,
		}
	})
}

func mapSession(session domain.CheckoutSession) sessionResponse {
	resp := sessionResponse{
		ID:           session.ID.String(),
		Status:       string(session.Status),
		PaymentState: string(session.PaymentState),
		Buyer:        buyerDTO(session.Buyer),
		ShippingAddr: addressDTO(session.ShippingAddress),
		Items:        mapLineItems(session.Items),
		Subtotal:     session.Subtotal.Amount,
		Shipping:     session.Shipping.Amount,
		Tax:          session.Tax.Amount,
		Total:        session.Total.Amount,
		Currency:     session.Total.Currency.String(),
		Revision:     session.Revision,
		CreatedAt:    session.CreatedAt,
		ExpiresAt:    session.ExpiresAt,
	}

	if session.OrderID != nil {
		orderID := session.OrderID.String()
		resp.OrderID = &orderID
	}

	return resp
}

func mapOrder(order domain.Order) orderResponse {
	return orderResponse{
		Number:       order.Number,
		SessionID:    order.SessionID.String(),
		Status:       string(order.Status),
		Items:        mapLineItems(order.Items),
		Subtotal:     order.Subtotal.Amount,
		Shipping:     order.Shipping.Amount,
		Tax:          order.Tax.Amount,
		Total:        order.Total.Amount,
		Currency:     order.Total.Currency.String(),
		CaptureRef:   order.CaptureRef,
		ShippingAddr: addressDTO(order.ShippingAddress),
		History: lo.Map(order.History, func(change domain.StatusChange, _ int) statusChangeDTO {
			return statusChangeDTO{Status: string(change.Status), At: change.At}
		}),
		CreatedAt: order.CreatedAt,
	}
}

func mapProduct(product domain.Product) productResponse {
	return productResponse{
		SKU:          product.SKU,
		Title:        product.Title,
		Description:  product.Description,
		Price:        product.Price.Amount,
		PriceDisplay: product.Price.String(),
		Currency:     product.Price.Currency.String(),
		Availability: string(product.Availability),
		Sellable:     product.Sellable(),
		MediaURLs:    product.MediaURLs,
		Attributes:   product.Attributes,
	}
}
