package repositories

import (
	"context"
	"time"

	domain "github.com/tidemark-store/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Inventory() InventoryRepository
	Coupons() CouponRepository
	Payments() PaymentRepository
	Carts() CartRepository
	Addresses() AddressRepository
	Jobs() JobRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates together with their append-only
// version and event logs. Insert and Update apply the order write and both
// log appends in a single transaction. Update additionally enforces financial
// snapshot immutability and optimistic versioning: a write that alters the
// persisted Financial block fails with ErrFinancialImmutable, and a write
// whose version does not follow the stored version fails with
// ErrVersionConflict.
type OrderRepository interface {
	Insert(ctx context.Context, mutation OrderMutation) error
	Update(ctx context.Context, mutation OrderMutation) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	ListVersions(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.OrderVersion], error)
	ListEvents(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.OrderEvent], error)
}

// OrderMutation bundles the desired order state with the version snapshot and
// event entry that must land atomically with it.
type OrderMutation struct {
	Order   domain.Order
	Version domain.OrderVersion
	Event   domain.OrderEvent
}

// InventoryRepository manages stock levels with transactional guarantees.
// Reserve decrements sellable stock up front; Commit and Release settle the
// reserved quantity without touching sellable stock twice.
type InventoryRepository interface {
	Reserve(ctx context.Context, req InventoryReserveRequest) (InventoryReserveResult, error)
	Commit(ctx context.Context, req InventoryCommitRequest) (InventoryCommitResult, error)
	Release(ctx context.Context, req InventoryReleaseRequest) (InventoryReleaseResult, error)
	GetStock(ctx context.Context, sku string) (domain.InventoryStock, error)
	ListLowStock(ctx context.Context, query InventoryLowStockQuery) (domain.CursorPage[domain.InventoryStock], error)
	ListAudit(ctx context.Context, orderRef string) ([]domain.InventoryAudit, error)
}

// InventoryLine names a SKU and the quantity an operation applies to it.
type InventoryLine struct {
	SKU      string
	Quantity int
}

// InventoryReserveRequest holds the lines to reserve on behalf of an order.
type InventoryReserveRequest struct {
	OrderRef string
	Lines    []InventoryLine
	Actor    string
	Now      time.Time
}

// InventoryReserveResult reports stock projections after a successful reserve.
type InventoryReserveResult struct {
	Stocks map[string]domain.InventoryStock
}

// InventoryCommitRequest settles reserved quantities once payment succeeded.
type InventoryCommitRequest struct {
	OrderRef string
	Lines    []InventoryLine
	Actor    string
	Now      time.Time
}

// InventoryCommitResult reports updated stock and the SKUs that crossed their
// low-stock threshold during the commit.
type InventoryCommitResult struct {
	Stocks   map[string]domain.InventoryStock
	LowStock []string
}

// InventoryReleaseRequest restores reserved stock back to availability.
type InventoryReleaseRequest struct {
	OrderRef string
	Lines    []InventoryLine
	Reason   string
	Actor    string
	Now      time.Time
}

// InventoryReleaseResult reports the stock projections after release.
type InventoryReleaseResult struct {
	Stocks map[string]domain.InventoryStock
}

// InventoryLowStockQuery controls pagination and threshold filtering for low stock listings.
type InventoryLowStockQuery struct {
	Threshold int
	PageSize  int
	PageToken string
}

// CouponRepository stores coupon definitions and the per-order usage ledger.
// RecordUsage is idempotent on (coupon, user, order): replaying the same
// triple succeeds without growing the redemption counts. The usage limits are
// re-counted inside the write transaction; a redemption that would exceed
// them fails with ErrCouponLimitReached.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	RecordUsage(ctx context.Context, usage domain.CouponUsage, limits CouponUsageLimits) (CouponUsageResult, error)
	RemoveUsage(ctx context.Context, couponID string, userID string, orderRef string) error
	CountUsage(ctx context.Context, couponID string) (int, error)
	CountUserUsage(ctx context.Context, couponID string, userID string) (int, error)
	ListUsage(ctx context.Context, couponID string, pager domain.Pagination) (domain.CursorPage[domain.CouponUsage], error)
	DeactivateExpired(ctx context.Context, now time.Time) (int, error)
}

// CouponUsageLimits carries the redemption caps RecordUsage re-checks against
// the ledger before writing. A zero value disables the corresponding cap.
type CouponUsageLimits struct {
	Total   int
	PerUser int
}

// CouponUsageResult reports the recorded usage and whether the write was a replay.
type CouponUsageResult struct {
	Usage    domain.CouponUsage
	Replayed bool
}

// PaymentRepository stores gateway payment records keyed by intent reference.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.PaymentRecord) error
	Update(ctx context.Context, payment domain.PaymentRecord) error
	FindByID(ctx context.Context, paymentID string) (domain.PaymentRecord, error)
	FindByIntentID(ctx context.Context, intentID string) (domain.PaymentRecord, error)
	ListByOrder(ctx context.Context, orderRef string) ([]domain.PaymentRecord, error)
}

// CartRepository owns cart header + items persistence.
type CartRepository interface {
	UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	ClearCart(ctx context.Context, userID string, now time.Time) error
}

// AddressRepository stores shipping addresses per user.
type AddressRepository interface {
	Get(ctx context.Context, userID string, addressID string) (domain.Address, error)
	List(ctx context.Context, userID string) ([]domain.Address, error)
	Upsert(ctx context.Context, userID string, addressID *string, addr domain.Address) (domain.Address, error)
}

// JobRepository persists delayed jobs polled by the worker. CancelPending is
// a best-effort tombstone; ClaimDue marks returned jobs as running so two
// pollers never execute the same job.
type JobRepository interface {
	Schedule(ctx context.Context, job domain.ScheduledJob) (domain.ScheduledJob, error)
	CancelPending(ctx context.Context, jobType string, orderRef string) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledJob, error)
	MarkDone(ctx context.Context, jobID string, now time.Time) error
	MarkFailed(ctx context.Context, jobID string, jobErr error, retryAt *time.Time, now time.Time) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	UserID     string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
