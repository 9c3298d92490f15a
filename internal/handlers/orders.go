package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tidemark-store/api/internal/domain"
	"github.com/tidemark-store/api/internal/platform/auth"
	"github.com/tidemark-store/api/internal/platform/httpx"
	"github.com/tidemark-store/api/internal/repositories"
	"github.com/tidemark-store/api/internal/services"
)

const (
	maxPlaceOrderBodySize  = 16 * 1024
	maxOrderCancelBodySize = 4 * 1024
)

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusCreated:   {},
	domain.OrderStatusConfirmed: {},
	domain.OrderStatusShipped:   {},
	domain.OrderStatusDelivered: {},
	domain.OrderStatusOnHold:    {},
	domain.OrderStatusCancelled: {},
	domain.OrderStatusRefunded:  {},
}

type placeOrderRequest struct {
	ShippingAddressID string `json:"shipping_address_id"`
	BillingAddressID  string `json:"billing_address_id"`
	PaymentMethod     string `json:"payment_method"`
	CouponCode        string `json:"coupon_code"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the order endpoints for authenticated buyers:
// placement, reads, history listings, and user cancellation.
type OrderHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	placement services.PlacementService
	limiter   rateLimiter
}

// OrderHandlersOption customises the handlers.
type OrderHandlersOption func(*OrderHandlers)

// WithPlacementRateLimit throttles placement attempts per user.
func WithPlacementRateLimit(limit int, window time.Duration) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, placement services.PlacementService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:     authn,
		orders:    orders,
		placement: placement,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireUser())
	}
	r.Post("/", h.placeOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/versions", h.listVersions)
	r.Get("/{orderID}/events", h.listEvents)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if h.placement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("placement_unavailable", "order placement unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many placement attempts, slow down", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxPlaceOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req placeOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	result, err := h.placement.PlaceOrder(ctx, services.PlaceOrderCommand{
		UserID:            identity.UID,
		ShippingAddressID: strings.TrimSpace(req.ShippingAddressID),
		BillingAddressID:  strings.TrimSpace(req.BillingAddressID),
		PaymentMethod:     strings.TrimSpace(req.PaymentMethod),
		CouponCode:        strings.TrimSpace(req.CouponCode),
		Actor:             identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, placeOrderResponse{
		Order: buildOrderPayload(result.Order),
		Payment: paymentIntentPayload{
			IntentID:     result.Payment.IntentID,
			Provider:     result.Payment.Provider,
			Status:       string(result.Payment.Status),
			Amount:       result.Payment.Amount,
			Currency:     result.Payment.Currency,
			ClientSecret: result.ClientSecret,
		},
	})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	pager, err := parsePagination(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	query := r.URL.Query()
	statuses := parseFilterValues(query["status"])
	for _, status := range statuses {
		if _, ok := validOrderStatuses[domain.OrderStatus(status)]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter contains an unknown status", http.StatusBadRequest))
			return
		}
	}

	filter := repositories.OrderListFilter{
		UserID:     identity.UID,
		Status:     statuses,
		Pagination: pager,
	}
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.DateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.DateRange.To = &ts
	}

	page, err := h.orders.List(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	order, ok := h.loadOwnedOrder(w, r, identity)
	if !ok {
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	order, ok := h.loadOwnedOrder(w, r, identity)
	if !ok {
		return
	}

	pager, err := parsePagination(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListVersions(ctx, order.ID, pager)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]orderVersionPayload, 0, len(page.Items))
	for _, version := range page.Items {
		items = append(items, orderVersionPayload{
			Version:   version.Version,
			Reason:    string(version.Reason),
			Actor:     version.Actor,
			Status:    string(version.Snapshot.Status),
			CreatedAt: formatTime(version.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, orderVersionListResponse{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *OrderHandlers) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	order, ok := h.loadOwnedOrder(w, r, identity)
	if !ok {
		return
	}

	pager, err := parsePagination(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListEvents(ctx, order.ID, pager)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]orderEventPayload, 0, len(page.Items))
	for _, event := range page.Items {
		items = append(items, orderEventPayload{
			ID:             event.ID,
			Type:           string(event.Type),
			PreviousStatus: string(event.PreviousStatus),
			NewStatus:      string(event.NewStatus),
			Actor:          event.Actor,
			Note:           event.Note,
			CreatedAt:      formatTime(event.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, orderEventListResponse{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	order, ok := h.loadOwnedOrder(w, r, identity)
	if !ok {
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderCancelBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	cancelled, err := h.orders.Cancel(ctx, services.OrderCancelCommand{
		OrderID:      order.ID,
		Reason:       domain.ReasonUserCancel,
		Actor:        identity.UID,
		CancelReason: strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

// loadOwnedOrder fetches the order and hides it behind a 404 when the caller
// is not the owner (staff callers see everything).
func (h *OrderHandlers) loadOwnedOrder(w http.ResponseWriter, r *http.Request, identity *auth.Identity) (services.Order, bool) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return services.Order{}, false
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.Order{}, false
	}

	order, err := h.orders.Get(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return services.Order{}, false
	}

	if order.UserID != identity.UID && !identity.HasAnyRole("staff", "admin") {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return services.Order{}, false
	}
	return order, true
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

type placeOrderResponse struct {
	Order   orderPayload         `json:"order"`
	Payment paymentIntentPayload `json:"payment"`
}

type paymentIntentPayload struct {
	IntentID     string `json:"intent_id"`
	Provider     string `json:"provider"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	GrandTotal  int64  `json:"grand_total"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                string               `json:"id"`
	OrderNumber       string               `json:"order_number"`
	UserID            string               `json:"user_id"`
	Status            string               `json:"status"`
	PaymentStatus     string               `json:"payment_status"`
	ShippingAddressID string               `json:"shipping_address_id"`
	BillingAddressID  string               `json:"billing_address_id"`
	Financial         orderFinancePayload  `json:"financial"`
	Items             []orderItemPayload   `json:"items"`
	Shipment          *orderShipmentInfo   `json:"shipment,omitempty"`
	CancelReason      string               `json:"cancel_reason,omitempty"`
	Version           int64                `json:"version"`
	CreatedAt         string               `json:"created_at"`
	UpdatedAt         string               `json:"updated_at,omitempty"`
	ConfirmedAt       string               `json:"confirmed_at,omitempty"`
	CancelledAt       string               `json:"cancelled_at,omitempty"`
	RefundedAt        string               `json:"refunded_at,omitempty"`
	DeliveredAt       string               `json:"delivered_at,omitempty"`
	Tax               []taxComponentOutput `json:"tax_breakdown,omitempty"`
}

type orderFinancePayload struct {
	Currency      string `json:"currency"`
	Subtotal      int64  `json:"subtotal"`
	Discount      int64  `json:"discount"`
	Tax           int64  `json:"tax"`
	ShippingFee   int64  `json:"shipping_fee"`
	GrandTotal    int64  `json:"grand_total"`
	CouponCode    string `json:"coupon_code,omitempty"`
	PaymentMethod string `json:"payment_method"`
}

type orderItemPayload struct {
	ProductRef string `json:"product_ref"`
	SKU        string `json:"sku"`
	Name       string `json:"name,omitempty"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unit_price"`
	LineTotal  int64  `json:"line_total"`
	Status     string `json:"status"`
}

type orderShipmentInfo struct {
	Carrier    string `json:"carrier"`
	TrackingID string `json:"tracking_id"`
	ShippedAt  string `json:"shipped_at,omitempty"`
}

type taxComponentOutput struct {
	Name   string  `json:"name"`
	Rate   float64 `json:"rate"`
	Amount int64   `json:"amount"`
}

type orderVersionListResponse struct {
	Items         []orderVersionPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderVersionPayload struct {
	Version   int64  `json:"version"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type orderEventListResponse struct {
	Items         []orderEventPayload `json:"items"`
	NextPageToken string              `json:"next_page_token,omitempty"`
}

type orderEventPayload struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	Actor          string `json:"actor,omitempty"`
	Note           string `json:"note,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		Currency:    order.Financial.Currency,
		GrandTotal:  order.Financial.GrandTotal,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:                order.ID,
		OrderNumber:       order.OrderNumber,
		UserID:            order.UserID,
		Status:            string(order.Status),
		PaymentStatus:     string(order.PaymentStatus),
		ShippingAddressID: order.ShippingAddressID,
		BillingAddressID:  order.BillingAddressID,
		Financial: orderFinancePayload{
			Currency:      order.Financial.Currency,
			Subtotal:      order.Financial.Subtotal,
			Discount:      order.Financial.Discount,
			Tax:           order.Financial.Tax,
			ShippingFee:   order.Financial.ShippingFee,
			GrandTotal:    order.Financial.GrandTotal,
			CouponCode:    order.Financial.CouponCode,
			PaymentMethod: order.Financial.PaymentMethod,
		},
		Items:        make([]orderItemPayload, 0, len(order.Items)),
		CancelReason: order.CancelReason,
		Version:      order.Version,
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		ConfirmedAt:  formatTimePtr(order.ConfirmedAt),
		CancelledAt:  formatTimePtr(order.CancelledAt),
		RefundedAt:   formatTimePtr(order.RefundedAt),
		DeliveredAt:  formatTimePtr(order.DeliveredAt),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductRef: item.ProductRef,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			LineTotal:  item.LineTotal,
			Status:     string(item.Status),
		})
	}

	for _, component := range order.Financial.TaxBreakdown {
		payload.Tax = append(payload.Tax, taxComponentOutput{
			Name:   component.Name,
			Rate:   component.Rate,
			Amount: component.Amount,
		})
	}

	if order.Shipment != nil {
		payload.Shipment = &orderShipmentInfo{
			Carrier:    order.Shipment.Carrier,
			TrackingID: order.Shipment.TrackingID,
			ShippedAt:  formatTimePtr(order.Shipment.ShippedAt),
		}
	}

	return payload
}
