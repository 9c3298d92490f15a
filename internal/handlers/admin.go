package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/tidemark-store/api/internal/domain"
	"github.com/tidemark-store/api/internal/platform/auth"
	"github.com/tidemark-store/api/internal/platform/httpx"
	"github.com/tidemark-store/api/internal/repositories"
	"github.com/tidemark-store/api/internal/services"
)

const maxAdminBodySize = 8 * 1024

type shipOrderRequest struct {
	Carrier    string `json:"carrier"`
	TrackingID string `json:"tracking_id"`
}

type holdOrderRequest struct {
	Note string `json:"note"`
}

type resumeOrderRequest struct {
	Target string `json:"target"`
}

// AdminHandlers exposes back-office operations: order fulfilment moves,
// fraud holds, inventory visibility, and coupon usage audits.
type AdminHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	inventory services.InventoryService
	coupons   services.CouponService
}

// NewAdminHandlers constructs a new AdminHandlers instance.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, inventory services.InventoryService, coupons services.CouponService) *AdminHandlers {
	return &AdminHandlers{
		authn:     authn,
		orders:    orders,
		inventory: inventory,
		coupons:   coupons,
	}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireUser("admin", "staff"))
	}
	r.Get("/orders", h.listOrders)
	r.Post("/orders/{orderID}:ship", h.shipOrder)
	r.Post("/orders/{orderID}:hold", h.holdOrder)
	r.Post("/orders/{orderID}:resume", h.resumeOrder)
	r.Delete("/orders/{orderID}", h.softDeleteOrder)
	r.Get("/inventory/low-stock", h.listLowStock)
	r.Get("/inventory/audit", h.listInventoryAudit)
	r.Get("/inventory/{sku}", h.getStock)
	r.Get("/coupons/{code}/usage", h.listCouponUsage)
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pager, err := parsePagination(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	query := r.URL.Query()
	filter := repositories.OrderListFilter{
		UserID:     strings.TrimSpace(query.Get("user_id")),
		Status:     parseFilterValues(query["status"]),
		Pagination: pager,
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

func (h *AdminHandlers) shipOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, actor, ok := h.adminOrderContext(w, r)
	if !ok {
		return
	}

	var req shipOrderRequest
	if !decodeAdminBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Carrier) == "" || strings.TrimSpace(req.TrackingID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "carrier and tracking_id are required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.AttachShipment(ctx, services.OrderShipmentCommand{
		OrderID:    orderID,
		Carrier:    strings.TrimSpace(req.Carrier),
		TrackingID: strings.TrimSpace(req.TrackingID),
		Actor:      actor,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) holdOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, actor, ok := h.adminOrderContext(w, r)
	if !ok {
		return
	}

	var req holdOrderRequest
	if !decodeAdminBody(w, r, &req) {
		return
	}

	order, err := h.orders.Hold(ctx, services.OrderHoldCommand{
		OrderID: orderID,
		Actor:   actor,
		Note:    strings.TrimSpace(req.Note),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) resumeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, actor, ok := h.adminOrderContext(w, r)
	if !ok {
		return
	}

	var req resumeOrderRequest
	if !decodeAdminBody(w, r, &req) {
		return
	}
	target := domain.OrderStatus(strings.TrimSpace(req.Target))
	if _, ok := validOrderStatuses[target]; !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "target must be a valid order status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Resume(ctx, services.OrderResumeCommand{
		OrderID: orderID,
		Target:  target,
		Actor:   actor,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) softDeleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, actor, ok := h.adminOrderContext(w, r)
	if !ok {
		return
	}

	order, err := h.orders.SoftDelete(ctx, orderID, actor)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	sku := strings.TrimSpace(chi.URLParam(r, "sku"))
	if sku == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sku is required", http.StatusBadRequest))
		return
	}

	stock, err := h.inventory.GetStock(ctx, sku)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stockResponse{Stock: buildStockPayload(stock)})
}

func (h *AdminHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	pager, err := parsePagination(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	query := repositories.InventoryLowStockQuery{
		PageSize:  pager.PageSize,
		PageToken: pager.PageToken,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		threshold, err := strconv.Atoi(raw)
		if err != nil || threshold < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "threshold must be a non-negative integer", http.StatusBadRequest))
			return
		}
		query.Threshold = threshold
	}

	page, err := h.inventory.ListLowStock(ctx, query)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]stockPayload, 0, len(page.Items))
	for _, stock := range page.Items {
		items = append(items, buildStockPayload(stock))
	}
	writeJSONResponse(w, http.StatusOK, stockListResponse{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *AdminHandlers) listInventoryAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderRef := strings.TrimSpace(r.URL.Query().Get("order_ref"))
	if orderRef == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_ref is required", http.StatusBadRequest))
		return
	}

	entries, err := h.inventory.ListAudit(ctx, orderRef)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]inventoryAuditPayload, 0, len(entries))
	for _, entry := range entries {
		items = append(items, inventoryAuditPayload{
			ID:        entry.ID,
			SKU:       entry.SKU,
			OrderRef:  entry.OrderRef,
			Op:        string(entry.Op),
			Quantity:  entry.Quantity,
			StockQty:  entry.StockQty,
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, inventoryAuditListResponse{Items: items})
}

func (h *AdminHandlers) listCouponUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}

	code := strings.TrimSpace(chi.URLParam(r, "code"))
	if code == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "coupon code is required", http.StatusBadRequest))
		return
	}

	pager, err := parsePagination(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.coupons.ListUsage(ctx, code, pager)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]couponUsagePayload, 0, len(page.Items))
	for _, usage := range page.Items {
		items = append(items, couponUsagePayload{
			CouponCode: usage.CouponCode,
			UserID:     usage.UserID,
			OrderID:    usage.OrderID,
			CreatedAt:  formatTime(usage.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, couponUsageListResponse{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *AdminHandlers) adminOrderContext(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return "", "", false
	}

	identity, ok := requireIdentity(w, r)
	if !ok {
		return "", "", false
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", "", false
	}
	return orderID, identity.UID, true
}

func decodeAdminBody(w http.ResponseWriter, r *http.Request, target any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil {
		if errors.Is(err, errEmptyBody) {
			return true
		}
		writeBodyError(ctx, w, err)
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

type stockResponse struct {
	Stock stockPayload `json:"stock"`
}

type stockListResponse struct {
	Items         []stockPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type stockPayload struct {
	SKU               string `json:"sku"`
	ProductRef        string `json:"product_ref"`
	StockQty          int    `json:"stock_qty"`
	ReservedQty       int    `json:"reserved_qty"`
	LowStockThreshold int    `json:"low_stock_threshold"`
	UpdatedAt         string `json:"updated_at"`
}

type inventoryAuditListResponse struct {
	Items []inventoryAuditPayload `json:"items"`
}

type inventoryAuditPayload struct {
	ID        string `json:"id"`
	SKU       string `json:"sku"`
	OrderRef  string `json:"order_ref,omitempty"`
	Op        string `json:"op"`
	Quantity  int    `json:"quantity"`
	StockQty  int    `json:"stock_qty"`
	CreatedAt string `json:"created_at"`
}

type couponUsageListResponse struct {
	Items         []couponUsagePayload `json:"items"`
	NextPageToken string               `json:"next_page_token,omitempty"`
}

type couponUsagePayload struct {
	CouponCode string `json:"coupon_code"`
	UserID     string `json:"user_id"`
	OrderID    string `json:"order_id"`
	CreatedAt  string `json:"created_at"`
}

func buildStockPayload(stock services.InventoryStock) stockPayload {
	return stockPayload{
		SKU:               stock.SKU,
		ProductRef:        stock.ProductRef,
		StockQty:          stock.StockQty,
		ReservedQty:       stock.ReservedQty,
		LowStockThreshold: stock.LowStockThreshold,
		UpdatedAt:         formatTime(stock.UpdatedAt),
	}
}
