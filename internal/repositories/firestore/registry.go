package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	"github.com/tidemark-store/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract. RunInTx opens one Firestore transaction and
// every repository call made under it joins that transaction, so a saga's
// writes land or roll back together.
type Registry struct {
	provider  *pfirestore.Provider
	orders    *OrderRepository
	inventory *InventoryRepository
	coupons   *CouponRepository
	payments  *PaymentRepository
	carts     *CartRepository
	addresses *AddressRepository
	jobs      *JobRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
}

// NewRegistry constructs every Firestore repository against the shared
// provider. Extra dependency checks (Redis, Pub/Sub) join the built-in
// Firestore probe in the health report.
func NewRegistry(provider *pfirestore.Provider, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	inventory, err := NewInventoryRepository(provider)
	if err != nil {
		return nil, err
	}
	coupons, err := NewCouponRepository(provider)
	if err != nil {
		return nil, err
	}
	payments, err := NewPaymentRepository(provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	addresses, err := NewAddressRepository(provider)
	if err != nil {
		return nil, err
	}
	jobs, err := NewJobRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	checks := append([]repositories.DependencyCheck{
		{
			Name:    "firestore",
			Timeout: 5 * time.Second,
			Check: func(ctx context.Context) error {
				_, err := provider.Client(ctx)
				return err
			},
		},
	}, extraChecks...)
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:  provider,
		orders:    orders,
		inventory: inventory,
		coupons:   coupons,
		payments:  payments,
		carts:     carts,
		addresses: addresses,
		jobs:      jobs,
		counters:  counters,
		health:    health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository         { return r.orders }
func (r *Registry) Inventory() repositories.InventoryRepository  { return r.inventory }
func (r *Registry) Coupons() repositories.CouponRepository       { return r.coupons }
func (r *Registry) Payments() repositories.PaymentRepository     { return r.payments }
func (r *Registry) Carts() repositories.CartRepository           { return r.carts }
func (r *Registry) Addresses() repositories.AddressRepository    { return r.addresses }
func (r *Registry) Jobs() repositories.JobRepository             { return r.jobs }
func (r *Registry) Counters() repositories.CounterRepository     { return r.counters }
func (r *Registry) Health() repositories.HealthRepository        { return r.health }

// RunInTx executes fn inside one Firestore transaction. The open transaction
// rides on the context, so repository methods invoked from fn write through
// it instead of opening their own.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(pfirestore.ContextWithTx(ctx, tx))
	})
}

var _ repositories.Registry = (*Registry)(nil)
