package services

import "errors"

// Service error taxonomy. Handlers map these onto HTTP statuses; everything
// else surfaces as an internal error.
var (
	// ErrValidation marks rejected input: bad addresses, empty carts,
	// malformed quantities.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientStock reports one or more oversold lines. The whole
	// placement aborts; no partial reservation survives.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrCouponBusy reports that another placement currently holds the
	// coupon mutex. Callers may retry after the lock TTL.
	ErrCouponBusy = errors.New("coupon busy")

	// ErrCouponInvalid covers unknown, inactive, expired, or
	// below-minimum-subtotal coupons.
	ErrCouponInvalid = errors.New("coupon invalid")

	// ErrCouponLimitExceeded reports an exhausted total or per-user
	// redemption limit.
	ErrCouponLimitExceeded = errors.New("coupon limit exceeded")

	// ErrOrderNotFound marks lookups that matched no order.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidTransition marks a state change the transition table
	// forbids. This is a programmer error and is never retried.
	ErrInvalidTransition = errors.New("invalid order transition")

	// ErrLockedOrder rejects admin mutations on a payment-locked order.
	ErrLockedOrder = errors.New("order locked")

	// ErrImmutableOrder rejects writes that would alter the financial
	// snapshot of a persisted order.
	ErrImmutableOrder = errors.New("order financials immutable")

	// ErrReconciliation marks gateway payloads the reconciler could not
	// apply. The webhook responds non-2xx so the gateway retries.
	ErrReconciliation = errors.New("payment reconciliation failed")
)
