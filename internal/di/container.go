package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidemark-store/api/internal/payments"
	"github.com/tidemark-store/api/internal/platform/config"
	"github.com/tidemark-store/api/internal/platform/lock"
	"github.com/tidemark-store/api/internal/repositories"
	"github.com/tidemark-store/api/internal/services"
)

// Services bundles the service-layer contracts that handlers and workers rely
// upon. Concrete implementations are assembled in NewContainer.
type Services struct {
	Inventory  services.InventoryService
	Coupons    services.CouponService
	Orders     services.OrderService
	Placement  services.PlacementService
	Reconciler services.ReconcilerService
	AutoCancel services.AutoCancelHandler
	Scheduler  services.JobScheduler
	System     services.SystemService
}

// Deps carries the externally-constructed collaborators. The registry and the
// coupon locker are mandatory; gateway, price resolver, and publisher are
// required only for the surfaces that use them.
type Deps struct {
	Config    config.Config
	Registry  repositories.Registry
	Locker    lock.Locker
	Gateway   payments.Gateway
	Prices    services.PriceResolver
	Publisher services.EventPublisher
	Build     services.BuildInfo
	Clock     func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependency graph.
func NewContainer(ctx context.Context, deps Deps) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("container: repositories registry is required")
	}
	if deps.Locker == nil {
		return nil, errors.New("container: coupon locker is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	svc, err := buildServices(deps, clock)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       deps.Config,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(deps Deps, clock func() time.Time) (Services, error) {
	var svc Services
	reg := deps.Registry
	cfg := deps.Config

	inventory, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory: reg.Inventory(),
		Publisher: deps.Publisher,
		Clock:     clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventory

	coupons, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: reg.Coupons(),
		Locker:  deps.Locker,
		LockTTL: cfg.Redis.CouponLockTTL,
		Clock:   clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon service: %w", err)
	}
	svc.Coupons = coupons

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Clock:  clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	if cfg.Features.EnableAutoCancel {
		scheduler, err := services.NewJobScheduler(reg.Jobs(), clock)
		if err != nil {
			return Services{}, fmt.Errorf("build job scheduler: %w", err)
		}
		svc.Scheduler = scheduler
	}

	if deps.Gateway != nil && deps.Prices != nil {
		placement, err := services.NewPlacementService(services.PlacementServiceDeps{
			Orders:          reg.Orders(),
			Payments:        reg.Payments(),
			Carts:           reg.Carts(),
			Addresses:       reg.Addresses(),
			Counters:        reg.Counters(),
			Inventory:       svc.Inventory,
			Coupons:         svc.Coupons,
			Gateway:         deps.Gateway,
			Prices:          deps.Prices,
			Scheduler:       svc.Scheduler,
			Publisher:       deps.Publisher,
			Tx:              reg,
			NumberPrefix:    cfg.Orders.NumberPrefix,
			DefaultCurrency: "JPY",
			AutoCancelAfter: cfg.Jobs.AutoCancelAfter,
			Clock:           clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build placement service: %w", err)
		}
		svc.Placement = placement
	}

	reconciler, err := services.NewReconcilerService(services.ReconcilerServiceDeps{
		Orders:    svc.Orders,
		Payments:  reg.Payments(),
		Inventory: svc.Inventory,
		Coupons:   svc.Coupons,
		Scheduler: svc.Scheduler,
		Publisher: deps.Publisher,
		Tx:        reg,
		Clock:     clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciler service: %w", err)
	}
	svc.Reconciler = reconciler

	autoCancel, err := services.NewAutoCancelService(services.AutoCancelServiceDeps{
		Orders:    svc.Orders,
		Inventory: svc.Inventory,
		Coupons:   svc.Coupons,
		Publisher: deps.Publisher,
		Tx:        reg,
		Clock:     clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build auto-cancel handler: %w", err)
	}
	svc.AutoCancel = autoCancel

	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Clock:            clock,
		Build:            deps.Build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = system

	return svc, nil
}
