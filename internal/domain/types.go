package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage wraps a page of results with the continuation token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates the order lifecycle states.
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusOnHold    OrderStatus = "on_hold"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// IsTerminal reports whether no further transition may leave the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// PaymentStatus tracks the payment side of an order independently of fulfilment.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// MutationReason categorises who/what drives a guarded order mutation. The
// reason decides which mutations remain legal once an order is locked.
type MutationReason string

const (
	ReasonPlacement  MutationReason = "placement"
	ReasonPayment    MutationReason = "payment"
	ReasonAdmin      MutationReason = "admin"
	ReasonUserCancel MutationReason = "user_cancel"
	ReasonAutoCancel MutationReason = "auto_cancel"
	ReasonRefund     MutationReason = "refund"
	ReasonShipment   MutationReason = "shipment"
	ReasonFraudHold  MutationReason = "fraud_hold"
)

// SystemReason reports whether the reason belongs to the system-driven set
// that stays permitted on a locked order.
func (r MutationReason) SystemReason() bool {
	switch r {
	case ReasonPayment, ReasonRefund, ReasonShipment, ReasonAutoCancel, ReasonFraudHold:
		return true
	}
	return false
}

// TaxComponent is one named slice of the tax charged on a line or an order.
type TaxComponent struct {
	Name   string  `firestore:"name" json:"name"`
	Rate   float64 `firestore:"rate" json:"rate"`
	Amount int64   `firestore:"amount" json:"amount"`
}

// FinancialSnapshot freezes every monetary figure of an order at creation.
// Once persisted none of these fields may change; the order repository
// rejects writes that would alter them.
type FinancialSnapshot struct {
	Currency      string         `firestore:"currency" json:"currency"`
	Subtotal      int64          `firestore:"subtotal" json:"subtotal"`
	Discount      int64          `firestore:"discount" json:"discount"`
	Tax           int64          `firestore:"tax" json:"tax"`
	TaxBreakdown  []TaxComponent `firestore:"taxBreakdown" json:"taxBreakdown"`
	ShippingFee   int64          `firestore:"shippingFee" json:"shippingFee"`
	GrandTotal    int64          `firestore:"grandTotal" json:"grandTotal"`
	CouponCode    string         `firestore:"couponCode,omitempty" json:"couponCode,omitempty"`
	PaymentMethod string         `firestore:"paymentMethod" json:"paymentMethod"`
}

// OrderItem is the immutable per-line snapshot taken when the order is
// placed. Status is the only mutable field and is a projection of the
// parent order's status.
type OrderItem struct {
	ProductRef string         `firestore:"productRef" json:"productRef"`
	SKU        string         `firestore:"sku" json:"sku"`
	Name       string         `firestore:"name,omitempty" json:"name,omitempty"`
	Quantity   int            `firestore:"qty" json:"quantity"`
	UnitPrice  int64          `firestore:"unitPrice" json:"unitPrice"`
	Tax        []TaxComponent `firestore:"tax,omitempty" json:"tax,omitempty"`
	LineTotal  int64          `firestore:"lineTotal" json:"lineTotal"`
	Status     OrderStatus    `firestore:"status" json:"status"`
}

// ShipmentInfo carries the mutable shipping details attached after dispatch.
type ShipmentInfo struct {
	Carrier    string     `firestore:"carrier" json:"carrier"`
	TrackingID string     `firestore:"trackingId" json:"trackingId"`
	ShippedAt  *time.Time `firestore:"shippedAt,omitempty" json:"shippedAt,omitempty"`
}

// AuditStamp records the actor responsible for creating/updating a document.
type AuditStamp struct {
	CreatedBy string `firestore:"createdBy,omitempty" json:"createdBy,omitempty"`
	UpdatedBy string `firestore:"updatedBy,omitempty" json:"updatedBy,omitempty"`
}

// Order is the aggregate root of the fulfilment core. Financial holds the
// immutable snapshot; everything mutable goes through the guarded mutation
// path on the order service, never through direct writes.
type Order struct {
	ID          string `firestore:"-" json:"id"`
	OrderNumber string `firestore:"orderNumber" json:"orderNumber"`
	UserID      string `firestore:"userRef" json:"userId"`

	ShippingAddressID string `firestore:"shippingAddressRef" json:"shippingAddressId"`
	BillingAddressID  string `firestore:"billingAddressRef" json:"billingAddressId"`

	Financial FinancialSnapshot `firestore:"financial" json:"financial"`
	Items     []OrderItem       `firestore:"items" json:"items"`

	Status        OrderStatus   `firestore:"status" json:"status"`
	PaymentStatus PaymentStatus `firestore:"paymentStatus" json:"paymentStatus"`
	Locked        bool          `firestore:"locked" json:"locked"`
	FraudFlagged  bool          `firestore:"fraudFlagged" json:"fraudFlagged"`
	Deleted       bool          `firestore:"deleted" json:"deleted"`

	Shipment     *ShipmentInfo `firestore:"shipment,omitempty" json:"shipment,omitempty"`
	CancelReason string        `firestore:"cancelReason,omitempty" json:"cancelReason,omitempty"`

	// Version is the sequence number of the latest OrderVersion snapshot.
	Version int64 `firestore:"version" json:"version"`

	Audit       AuditStamp `firestore:"audit" json:"audit"`
	CreatedAt   time.Time  `firestore:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updatedAt" json:"updatedAt"`
	ConfirmedAt *time.Time `firestore:"confirmedAt,omitempty" json:"confirmedAt,omitempty"`
	CancelledAt *time.Time `firestore:"cancelledAt,omitempty" json:"cancelledAt,omitempty"`
	RefundedAt  *time.Time `firestore:"refundedAt,omitempty" json:"refundedAt,omitempty"`
	DeliveredAt *time.Time `firestore:"deliveredAt,omitempty" json:"deliveredAt,omitempty"`
}

// OrderVersion is a full snapshot of the order taken on every guarded
// mutation. Versions are append-only and ordered by Version.
type OrderVersion struct {
	OrderID   string         `firestore:"orderRef" json:"orderId"`
	Version   int64          `firestore:"version" json:"version"`
	Reason    MutationReason `firestore:"reason" json:"reason"`
	Actor     string         `firestore:"actor,omitempty" json:"actor,omitempty"`
	Snapshot  Order          `firestore:"snapshot" json:"snapshot"`
	CreatedAt time.Time      `firestore:"createdAt" json:"createdAt"`
}

// OrderEvent is the light audit record appended alongside each version.
type OrderEvent struct {
	ID             string         `firestore:"-" json:"id"`
	OrderID        string         `firestore:"orderRef" json:"orderId"`
	Type           MutationReason `firestore:"type" json:"type"`
	PreviousStatus OrderStatus    `firestore:"previousStatus" json:"previousStatus"`
	NewStatus      OrderStatus    `firestore:"newStatus" json:"newStatus"`
	Actor          string         `firestore:"actor,omitempty" json:"actor,omitempty"`
	Note           string         `firestore:"note,omitempty" json:"note,omitempty"`
	CreatedAt      time.Time      `firestore:"createdAt" json:"createdAt"`
}

// InventoryStock is the per-SKU counter pair. StockQty is decremented at
// reservation time; ReservedQty tracks quantities held by unpaid orders so
// commit/release know how much is outstanding.
type InventoryStock struct {
	SKU               string    `firestore:"-" json:"sku"`
	ProductRef        string    `firestore:"productRef" json:"productRef"`
	StockQty          int       `firestore:"stockQty" json:"stockQty"`
	ReservedQty       int       `firestore:"reservedQty" json:"reservedQty"`
	LowStockThreshold int       `firestore:"lowStockThreshold" json:"lowStockThreshold"`
	UpdatedAt         time.Time `firestore:"updatedAt" json:"updatedAt"`
}

// InventoryOp names the three ledger operations recorded in the audit trail.
type InventoryOp string

const (
	InventoryOpReserve InventoryOp = "reserve"
	InventoryOpCommit  InventoryOp = "commit"
	InventoryOpRelease InventoryOp = "release"
)

// InventoryAudit is one append-only ledger entry per stock mutation.
type InventoryAudit struct {
	ID        string      `firestore:"-" json:"id"`
	SKU       string      `firestore:"sku" json:"sku"`
	OrderRef  string      `firestore:"orderRef,omitempty" json:"orderRef,omitempty"`
	Op        InventoryOp `firestore:"op" json:"op"`
	Quantity  int         `firestore:"qty" json:"quantity"`
	StockQty  int         `firestore:"stockQty" json:"stockQty"`
	CreatedAt time.Time   `firestore:"createdAt" json:"createdAt"`
}

// CouponType selects how Value is interpreted when discounting.
type CouponType string

const (
	CouponTypePercent CouponType = "percent"
	CouponTypeFixed   CouponType = "fixed"
)

// Coupon describes a discount code with usage limits and a validity window.
type Coupon struct {
	Code              string     `firestore:"-" json:"code"`
	Type              CouponType `firestore:"type" json:"type"`
	Value             int64      `firestore:"value" json:"value"`
	MinSubtotal       int64      `firestore:"minSubtotal" json:"minSubtotal"`
	UsageLimitTotal   int        `firestore:"usageLimitTotal" json:"usageLimitTotal"`
	UsageLimitPerUser int        `firestore:"usageLimitPerUser" json:"usageLimitPerUser"`
	StartsAt          time.Time  `firestore:"startsAt" json:"startsAt"`
	ExpiresAt         time.Time  `firestore:"expiresAt" json:"expiresAt"`
	Active            bool       `firestore:"active" json:"active"`
}

// ValidAt reports whether the coupon may be applied at the given instant.
func (c Coupon) ValidAt(now time.Time) bool {
	if !c.Active {
		return false
	}
	if !c.StartsAt.IsZero() && now.Before(c.StartsAt) {
		return false
	}
	if !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt) {
		return false
	}
	return true
}

// CouponUsage is one row of the usage ledger, keyed uniquely by
// (coupon, user, order) so retried writes stay idempotent.
type CouponUsage struct {
	CouponCode string    `firestore:"couponCode" json:"couponCode"`
	UserID     string    `firestore:"userRef" json:"userId"`
	OrderID    string    `firestore:"orderRef" json:"orderId"`
	CreatedAt  time.Time `firestore:"createdAt" json:"createdAt"`
}

// PaymentRecord links a gateway payment object to exactly one order so a
// webhook payload can be resolved back to local state.
type PaymentRecord struct {
	ID             string        `firestore:"-" json:"id"`
	OrderID        string        `firestore:"orderRef" json:"orderId"`
	Provider       string        `firestore:"provider" json:"provider"`
	IntentID       string        `firestore:"intentId" json:"intentId"`
	Amount         int64         `firestore:"amount" json:"amount"`
	AmountRefunded int64         `firestore:"amountRefunded" json:"amountRefunded"`
	Currency       string        `firestore:"currency" json:"currency"`
	Status         PaymentStatus `firestore:"status" json:"status"`
	CreatedAt      time.Time     `firestore:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time     `firestore:"updatedAt" json:"updatedAt"`
}

// CartItem references a product line inside a cart. Unit prices are
// resolved at placement time, not trusted from the cart.
type CartItem struct {
	ProductRef string `firestore:"productRef" json:"productRef"`
	SKU        string `firestore:"sku" json:"sku"`
	Quantity   int    `firestore:"qty" json:"quantity"`
	UnitPrice  int64  `firestore:"unitPrice" json:"unitPrice"`
	Name       string `firestore:"name,omitempty" json:"name,omitempty"`
}

// Cart is the read-only placement input supplied by the cart collaborator.
type Cart struct {
	ID                string     `firestore:"-" json:"id"`
	UserID            string     `firestore:"userRef" json:"userId"`
	Currency          string     `firestore:"currency" json:"currency"`
	Items             []CartItem `firestore:"items" json:"items"`
	CouponCode        string     `firestore:"couponCode,omitempty" json:"couponCode,omitempty"`
	ShippingAddressID string     `firestore:"shippingAddressRef,omitempty" json:"shippingAddressId,omitempty"`
	BillingAddressID  string     `firestore:"billingAddressRef,omitempty" json:"billingAddressId,omitempty"`
	UpdatedAt         time.Time  `firestore:"updatedAt" json:"updatedAt"`
}

// Address is the boundary shape resolved by the address collaborator; the
// core only ever checks ownership.
type Address struct {
	ID         string `firestore:"-" json:"id"`
	UserID     string `firestore:"userRef" json:"userId"`
	State      string `firestore:"state" json:"state"`
	City       string `firestore:"city" json:"city"`
	PostalCode string `firestore:"postalCode" json:"postalCode"`
	Country    string `firestore:"country" json:"country"`
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// ScheduledJobStatus tracks a delayed job through its lifecycle.
type ScheduledJobStatus string

const (
	JobStatusPending   ScheduledJobStatus = "pending"
	JobStatusRunning   ScheduledJobStatus = "running"
	JobStatusDone      ScheduledJobStatus = "done"
	JobStatusCancelled ScheduledJobStatus = "cancelled"
	JobStatusFailed    ScheduledJobStatus = "failed"
)

// ScheduledJob is one entry of the durable delayed-job queue consumed by
// the background worker.
type ScheduledJob struct {
	ID        string             `firestore:"-" json:"id"`
	Type      string             `firestore:"type" json:"type"`
	OrderRef  string             `firestore:"orderRef,omitempty" json:"orderRef,omitempty"`
	Payload   map[string]any     `firestore:"payload,omitempty" json:"payload,omitempty"`
	Status    ScheduledJobStatus `firestore:"status" json:"status"`
	RunAt     time.Time          `firestore:"runAt" json:"runAt"`
	Attempts  int                `firestore:"attempts" json:"attempts"`
	LastError string             `firestore:"lastError,omitempty" json:"lastError,omitempty"`
	CreatedAt time.Time          `firestore:"createdAt" json:"createdAt"`
	UpdatedAt time.Time          `firestore:"updatedAt" json:"updatedAt"`
}
