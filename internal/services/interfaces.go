package services

import (
	"context"
	"time"

	domain "github.com/tidemark-store/api/internal/domain"
	"github.com/tidemark-store/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination     = domain.Pagination
	Order          = domain.Order
	OrderItem      = domain.OrderItem
	OrderVersion   = domain.OrderVersion
	OrderEvent     = domain.OrderEvent
	OrderStatus    = domain.OrderStatus
	MutationReason = domain.MutationReason
	InventoryStock = domain.InventoryStock
	InventoryAudit = domain.InventoryAudit
	Coupon         = domain.Coupon
	CouponUsage    = domain.CouponUsage
	PaymentRecord  = domain.PaymentRecord
	Cart           = domain.Cart
	Address        = domain.Address
)

// InventoryService guards the stock ledger. Reserve decrements sellable
// stock up front; Commit settles the reservation after payment; Release
// returns reserved stock to availability.
type InventoryService interface {
	Reserve(ctx context.Context, cmd InventoryCommand) (InventoryResult, error)
	Commit(ctx context.Context, cmd InventoryCommand) (InventoryResult, error)
	Release(ctx context.Context, cmd InventoryReleaseCommand) (InventoryResult, error)
	GetStock(ctx context.Context, sku string) (InventoryStock, error)
	ListLowStock(ctx context.Context, query repositories.InventoryLowStockQuery) (domain.CursorPage[InventoryStock], error)
	ListAudit(ctx context.Context, orderRef string) ([]InventoryAudit, error)
}

// InventoryCommand names the lines one reserve or commit applies.
type InventoryCommand struct {
	OrderID string
	Lines   []repositories.InventoryLine
	Actor   string
}

// InventoryReleaseCommand additionally records why stock returned.
type InventoryReleaseCommand struct {
	OrderID string
	Lines   []repositories.InventoryLine
	Reason  string
	Actor   string
}

// InventoryResult reports stock projections and any SKUs that crossed their
// low-stock threshold during the operation.
type InventoryResult struct {
	Stocks   map[string]InventoryStock
	LowStock []string
}

// CouponService owns coupon validation, the redemption mutex, and the usage
// ledger. AcquireLock must be paired with a deferred Release on the handle
// regardless of how the critical section exits.
type CouponService interface {
	AcquireLock(ctx context.Context, code string) (CouponLock, error)
	Resolve(ctx context.Context, cmd CouponResolveCommand) (Coupon, error)
	RecordUsage(ctx context.Context, code string, userID string, orderID string) error
	ReverseUsage(ctx context.Context, code string, userID string, orderID string) error
	ListUsage(ctx context.Context, code string, pager Pagination) (domain.CursorPage[CouponUsage], error)
	SweepExpired(ctx context.Context) (int, error)
}

// CouponLock is a held redemption mutex. Release never fails the business
// flow; implementations log and swallow transport errors.
type CouponLock interface {
	Release(ctx context.Context)
}

// CouponResolveCommand validates a coupon for one prospective redemption.
type CouponResolveCommand struct {
	Code     string
	UserID   string
	Subtotal int64
}

// OrderService performs guarded mutations on the order aggregate. Every
// mutation passes the transition table, appends a version snapshot and an
// event, and cascades the projected item status.
type OrderService interface {
	Get(ctx context.Context, orderID string) (Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (Order, error)
	List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[Order], error)
	ListVersions(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[OrderVersion], error)
	ListEvents(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[OrderEvent], error)

	Transition(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd OrderCancelCommand) (Order, error)
	AttachShipment(ctx context.Context, cmd OrderShipmentCommand) (Order, error)
	Hold(ctx context.Context, cmd OrderHoldCommand) (Order, error)
	Resume(ctx context.Context, cmd OrderResumeCommand) (Order, error)
	SoftDelete(ctx context.Context, orderID string, actor string) (Order, error)
}

// OrderTransitionCommand drives one guarded status change.
type OrderTransitionCommand struct {
	OrderID string
	Target  OrderStatus
	Reason  MutationReason
	Actor   string
	Note    string

	// Apply optionally mutates non-status fields (payment status,
	// shipment info) inside the same guarded write.
	Apply func(order *Order)
}

// OrderCancelCommand cancels a non-terminal order.
type OrderCancelCommand struct {
	OrderID      string
	Reason       MutationReason
	Actor        string
	CancelReason string
}

// OrderShipmentCommand attaches carrier details and moves the order to shipped.
type OrderShipmentCommand struct {
	OrderID    string
	Carrier    string
	TrackingID string
	Actor      string
}

// OrderHoldCommand parks an order on fraud review.
type OrderHoldCommand struct {
	OrderID string
	Actor   string
	Note    string
}

// OrderResumeCommand returns a held order to the given status.
type OrderResumeCommand struct {
	OrderID string
	Target  OrderStatus
	Actor   string
}

// PlacementService runs the order-placement saga.
type PlacementService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (PlacementResult, error)
}

// PlaceOrderCommand carries the buyer's checkout submission. Items come from
// the stored cart; the command only selects addresses and payment method.
type PlaceOrderCommand struct {
	UserID            string
	ShippingAddressID string
	BillingAddressID  string
	PaymentMethod     string
	CouponCode        string
	Actor             string
}

// PlacementResult reports the created order and its payment intent. The
// client secret is returned once and never persisted.
type PlacementResult struct {
	Order        Order
	Payment      PaymentRecord
	ClientSecret string
}

// ReconcilerService applies normalised gateway events to local state.
type ReconcilerService interface {
	ApplyGatewayEvent(ctx context.Context, event GatewayEvent) error
}

// GatewayEventType enumerates the payment outcomes the reconciler handles.
type GatewayEventType string

const (
	GatewayEventSucceeded     GatewayEventType = "payment.succeeded"
	GatewayEventFailed        GatewayEventType = "payment.failed"
	GatewayEventRefunded      GatewayEventType = "payment.refunded"
	GatewayEventPartialRefund GatewayEventType = "payment.partial_refund"
)

// GatewayEvent is the provider-neutral shape the payments boundary produces
// from a verified webhook payload.
type GatewayEvent struct {
	ID             string
	Type           GatewayEventType
	IntentID       string
	Amount         int64
	AmountRefunded int64
	Currency       string
	OccurredAt     time.Time
}

// SystemService reports dependency health for the health endpoint.
type SystemService interface {
	Health(ctx context.Context) (domain.SystemHealthReport, error)
}

// Collaborator contracts ----------------------------------------------------

// TxRunner executes fn inside one storage transaction. Repository writes made
// from fn land or roll back together; the repositories.Registry satisfies it.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventPublisher delivers post-commit notifications. Publishing happens only
// after the transaction committed; failures are logged, never propagated.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, msg OrderEventMessage) (string, error)
	PublishInvoiceJob(ctx context.Context, msg InvoiceJobMessage) (string, error)
	PublishLowStockAlert(ctx context.Context, msg LowStockMessage) (string, error)
}

// OrderEventMessage is the notification payload for order lifecycle changes.
type OrderEventMessage struct {
	OrderID     string             `json:"orderId"`
	OrderNumber string             `json:"orderNumber"`
	UserID      string             `json:"userId"`
	EventType   string             `json:"eventType"`
	PrevStatus  domain.OrderStatus `json:"prevStatus"`
	NewStatus   domain.OrderStatus `json:"newStatus"`
	OccurredAt  time.Time          `json:"occurredAt"`
}

// InvoiceJobMessage requests invoice generation for a confirmed order. The
// idempotency key makes downstream generation exactly-once per confirmation.
type InvoiceJobMessage struct {
	OrderID        string    `json:"orderId"`
	OrderNumber    string    `json:"orderNumber"`
	UserID         string    `json:"userId"`
	Currency       string    `json:"currency"`
	GrandTotal     int64     `json:"grandTotal"`
	RequestedAt    time.Time `json:"requestedAt"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

// LowStockMessage alerts operations when SKUs cross their restock threshold
// during an inventory commit.
type LowStockMessage struct {
	OrderID    string    `json:"orderId"`
	SKUs       []string  `json:"skus"`
	OccurredAt time.Time `json:"occurredAt"`
}

// JobScheduler manages the delayed auto-cancel per order. Cancellation is
// best effort; the job handler re-checks order state before acting.
type JobScheduler interface {
	ScheduleAutoCancel(ctx context.Context, orderID string, runAt time.Time) error
	CancelAutoCancel(ctx context.Context, orderID string) error
}

// PaymentGateway abstracts the PSP boundary used at placement time.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error)
}

// PaymentIntentRequest asks the gateway to open a payment for one order.
type PaymentIntentRequest struct {
	OrderID     string
	OrderNumber string
	Amount      int64
	Currency    string
	Method      string
}

// PaymentIntent is the gateway's handle for the opened payment.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Provider     string
}

// PriceResolver returns the current unit price for a product line. Cart
// prices are advisory; placement always re-resolves.
type PriceResolver interface {
	ResolvePrice(ctx context.Context, productRef string, sku string) (int64, error)
}
