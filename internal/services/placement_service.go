package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	domain "github.com/tidemark-store/api/internal/domain"
	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	"github.com/tidemark-store/api/internal/platform/requestctx"
	"github.com/tidemark-store/api/internal/repositories"
)

const orderCounterID = "orders"

// PlacementServiceDeps bundles the collaborators required to construct a placement service.
type PlacementServiceDeps struct {
	Orders    repositories.OrderRepository
	Payments  repositories.PaymentRepository
	Carts     repositories.CartRepository
	Addresses repositories.AddressRepository
	Counters  repositories.CounterRepository

	Inventory InventoryService
	Coupons   CouponService
	Gateway   PaymentGateway
	Prices    PriceResolver
	Scheduler JobScheduler
	Publisher EventPublisher
	Tx        TxRunner

	NumberPrefix    string
	DefaultCurrency string
	AutoCancelAfter time.Duration

	Clock       func() time.Time
	IDGenerator func() string
}

type placementService struct {
	orders    repositories.OrderRepository
	payments  repositories.PaymentRepository
	carts     repositories.CartRepository
	addresses repositories.AddressRepository
	counters  repositories.CounterRepository

	inventory InventoryService
	coupons   CouponService
	gateway   PaymentGateway
	prices    PriceResolver
	scheduler JobScheduler
	publisher EventPublisher
	tx        TxRunner

	numberPrefix    string
	defaultCurrency string
	autoCancelAfter time.Duration

	clock func() time.Time
	newID func() string
}

// NewPlacementService wires dependencies into a concrete PlacementService implementation.
func NewPlacementService(deps PlacementServiceDeps) (PlacementService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("placement service: order repository is required")
	case deps.Payments == nil:
		return nil, errors.New("placement service: payment repository is required")
	case deps.Carts == nil:
		return nil, errors.New("placement service: cart repository is required")
	case deps.Addresses == nil:
		return nil, errors.New("placement service: address repository is required")
	case deps.Counters == nil:
		return nil, errors.New("placement service: counter repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("placement service: inventory service is required")
	case deps.Coupons == nil:
		return nil, errors.New("placement service: coupon service is required")
	case deps.Gateway == nil:
		return nil, errors.New("placement service: payment gateway is required")
	case deps.Prices == nil:
		return nil, errors.New("placement service: price resolver is required")
	case deps.Tx == nil:
		return nil, errors.New("placement service: transaction runner is required")
	case deps.AutoCancelAfter <= 0:
		return nil, errors.New("placement service: auto-cancel delay must be positive")
	}

	prefix := strings.TrimSpace(deps.NumberPrefix)
	if prefix == "" {
		return nil, errors.New("placement service: order number prefix is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "JPY"
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &placementService{
		orders:          deps.Orders,
		payments:        deps.Payments,
		carts:           deps.Carts,
		addresses:       deps.Addresses,
		counters:        deps.Counters,
		inventory:       deps.Inventory,
		coupons:         deps.Coupons,
		gateway:         deps.Gateway,
		prices:          deps.Prices,
		scheduler:       deps.Scheduler,
		publisher:       deps.Publisher,
		tx:              deps.Tx,
		numberPrefix:    prefix,
		defaultCurrency: currency,
		autoCancelAfter: deps.AutoCancelAfter,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID: idGen,
	}, nil
}

// PlaceOrder runs the placement saga: validate addresses, take the coupon
// mutex, price, open the payment intent, then land the stock reservation,
// usage entry, payment record, and order in one storage transaction before
// firing the post-commit side effects. Any failure rolls the whole
// transaction back; no partial order ever becomes visible.
func (s *placementService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (PlacementResult, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return PlacementResult{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	paymentMethod := strings.TrimSpace(cmd.PaymentMethod)
	if paymentMethod == "" {
		return PlacementResult{}, fmt.Errorf("%w: payment method is required", ErrValidation)
	}

	shippingAddr, err := s.resolveAddress(ctx, userID, cmd.ShippingAddressID, "shipping")
	if err != nil {
		return PlacementResult{}, err
	}
	if _, err := s.resolveAddress(ctx, userID, cmd.BillingAddressID, "billing"); err != nil {
		return PlacementResult{}, err
	}

	cart, err := s.loadCart(ctx, userID)
	if err != nil {
		return PlacementResult{}, err
	}

	lines, pricedLines, err := s.priceCart(ctx, cart)
	if err != nil {
		return PlacementResult{}, err
	}

	var subtotal int64
	for _, line := range pricedLines {
		subtotal += line.UnitPrice * int64(line.Quantity)
	}

	couponCode := strings.ToUpper(strings.TrimSpace(cmd.CouponCode))
	if couponCode == "" {
		couponCode = strings.ToUpper(strings.TrimSpace(cart.CouponCode))
	}

	// The coupon mutex is held across the whole critical section and
	// released on every exit path.
	var coupon *domain.Coupon
	if couponCode != "" {
		held, err := s.coupons.AcquireLock(ctx, couponCode)
		if err != nil {
			return PlacementResult{}, err
		}
		defer held.Release(ctx)

		resolved, err := s.coupons.Resolve(ctx, CouponResolveCommand{
			Code:     couponCode,
			UserID:   userID,
			Subtotal: subtotal,
		})
		if err != nil {
			return PlacementResult{}, err
		}
		coupon = &resolved
	}

	now := s.clock()
	orderID := s.newID()
	actor := strings.TrimSpace(cmd.Actor)
	if actor == "" {
		actor = userID
	}

	totals := domain.CalculateTotals(pricedLines, shippingAddr, paymentMethod, coupon)
	currency := strings.ToUpper(strings.TrimSpace(cart.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	totals.Currency = currency

	orderNumber, err := s.nextOrderNumber(ctx, now)
	if err != nil {
		return PlacementResult{}, err
	}

	order := s.buildOrder(orderID, orderNumber, userID, cmd, cart, totals, pricedLines, couponCode, paymentMethod, actor, now)

	// The intent is opened before the local writes. An intent orphaned by a
	// rolled-back placement is never captured and expires at the provider.
	intent, err := s.gateway.CreateIntent(ctx, PaymentIntentRequest{
		OrderID:     orderID,
		OrderNumber: orderNumber,
		Amount:      totals.GrandTotal,
		Currency:    currency,
		Method:      paymentMethod,
	})
	if err != nil {
		return PlacementResult{}, fmt.Errorf("create payment intent: %w", err)
	}

	payment := domain.PaymentRecord{
		ID:        s.newID(),
		OrderID:   orderID,
		Provider:  intent.Provider,
		IntentID:  intent.ID,
		Amount:    totals.GrandTotal,
		Currency:  currency,
		Status:    domain.PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	mutation := repositories.OrderMutation{
		Order: order,
		Version: domain.OrderVersion{
			OrderID:   orderID,
			Version:   order.Version,
			Reason:    domain.ReasonPlacement,
			Actor:     actor,
			Snapshot:  order,
			CreatedAt: now,
		},
		Event: domain.OrderEvent{
			ID:             s.newID(),
			OrderID:        orderID,
			Type:           domain.ReasonPlacement,
			PreviousStatus: domain.OrderStatusCreated,
			NewStatus:      domain.OrderStatusCreated,
			Actor:          actor,
			CreatedAt:      now,
		},
	}

	// One transaction for the whole critical section. A failure on any step
	// rolls back the reservation and the usage entry with it, so a crashed
	// placement strands no stock.
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.inventory.Reserve(ctx, InventoryCommand{
			OrderID: orderID,
			Lines:   lines,
			Actor:   actor,
		}); err != nil {
			return err
		}
		if couponCode != "" {
			if err := s.coupons.RecordUsage(ctx, couponCode, userID, orderID); err != nil {
				return err
			}
		}
		if err := s.payments.Insert(ctx, payment); err != nil {
			return err
		}
		return s.orders.Insert(ctx, mutation)
	})
	if err != nil {
		return PlacementResult{}, err
	}

	s.afterPlacement(ctx, order, now)

	return PlacementResult{Order: order, Payment: payment, ClientSecret: intent.ClientSecret}, nil
}

func (s *placementService) resolveAddress(ctx context.Context, userID, addressID, kind string) (domain.Address, error) {
	id := strings.TrimSpace(addressID)
	if id == "" {
		return domain.Address{}, fmt.Errorf("%w: %s address id is required", ErrValidation, kind)
	}
	addr, err := s.addresses.Get(ctx, userID, id)
	if err != nil {
		var ferr *pfirestore.Error
		if errors.As(err, &ferr) && ferr.IsNotFound() {
			return domain.Address{}, fmt.Errorf("%w: %s address %s not found for user", ErrValidation, kind, id)
		}
		return domain.Address{}, err
	}
	return addr, nil
}

func (s *placementService) loadCart(ctx context.Context, userID string) (domain.Cart, error) {
	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		var ferr *pfirestore.Error
		if errors.As(err, &ferr) && ferr.IsNotFound() {
			return domain.Cart{}, fmt.Errorf("%w: cart is empty", ErrValidation)
		}
		return domain.Cart{}, err
	}
	if len(cart.Items) == 0 {
		return domain.Cart{}, fmt.Errorf("%w: cart is empty", ErrValidation)
	}
	return cart, nil
}

// priceCart re-resolves every unit price; cart prices are advisory only.
func (s *placementService) priceCart(ctx context.Context, cart domain.Cart) ([]repositories.InventoryLine, []domain.PricedLine, error) {
	lines := make([]repositories.InventoryLine, 0, len(cart.Items))
	priced := make([]domain.PricedLine, 0, len(cart.Items))
	for _, item := range cart.Items {
		sku := strings.TrimSpace(item.SKU)
		if sku == "" || item.Quantity <= 0 {
			return nil, nil, fmt.Errorf("%w: cart line %q is malformed", ErrValidation, item.ProductRef)
		}
		price, err := s.prices.ResolvePrice(ctx, item.ProductRef, sku)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve price for %s: %w", sku, err)
		}
		lines = append(lines, repositories.InventoryLine{SKU: sku, Quantity: item.Quantity})
		priced = append(priced, domain.PricedLine{SKU: sku, Quantity: item.Quantity, UnitPrice: price})
	}
	return lines, priced, nil
}

func (s *placementService) nextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderCounterID, 1)
	if err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}
	return fmt.Sprintf("%s-%s-%06d", s.numberPrefix, now.Format("0601"), seq), nil
}

func (s *placementService) buildOrder(orderID, orderNumber, userID string, cmd PlaceOrderCommand, cart domain.Cart, totals domain.Totals, priced []domain.PricedLine, couponCode, paymentMethod, actor string, now time.Time) domain.Order {
	lineTotals := make(map[string]domain.LineTotals, len(totals.Items))
	for _, lt := range totals.Items {
		lineTotals[lt.SKU] = lt
	}

	items := make([]domain.OrderItem, 0, len(cart.Items))
	for i, item := range cart.Items {
		lt := lineTotals[strings.TrimSpace(item.SKU)]
		items = append(items, domain.OrderItem{
			ProductRef: item.ProductRef,
			SKU:        strings.TrimSpace(item.SKU),
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  priced[i].UnitPrice,
			Tax:        lt.Breakdown,
			LineTotal:  lt.Total,
			Status:     domain.OrderStatusCreated,
		})
	}

	return domain.Order{
		ID:                orderID,
		OrderNumber:       orderNumber,
		UserID:            userID,
		ShippingAddressID: strings.TrimSpace(cmd.ShippingAddressID),
		BillingAddressID:  strings.TrimSpace(cmd.BillingAddressID),
		Financial: domain.FinancialSnapshot{
			Currency:      totals.Currency,
			Subtotal:      totals.Subtotal,
			Discount:      totals.Discount,
			Tax:           totals.Tax,
			TaxBreakdown:  totals.TaxBreakdown,
			ShippingFee:   totals.ShippingFee,
			GrandTotal:    totals.GrandTotal,
			CouponCode:    couponCode,
			PaymentMethod: paymentMethod,
		},
		Items:         items,
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.PaymentStatusPending,
		Version:       1,
		Audit:         domain.AuditStamp{CreatedBy: actor, UpdatedBy: actor},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// afterPlacement fires the post-commit side effects. All of them are best
// effort: the order already exists and correctness never depends on them.
func (s *placementService) afterPlacement(ctx context.Context, order domain.Order, now time.Time) {
	logger := requestctx.Logger(ctx)

	if s.scheduler != nil {
		if err := s.scheduler.ScheduleAutoCancel(ctx, order.ID, now.Add(s.autoCancelAfter)); err != nil {
			logger.Error("schedule auto-cancel failed", zap.String("orderRef", order.ID), zap.Error(err))
		}
	}

	if err := s.carts.ClearCart(ctx, order.UserID, now); err != nil {
		logger.Warn("cart clear failed", zap.String("userRef", order.UserID), zap.Error(err))
	}

	if s.publisher != nil {
		if _, err := s.publisher.PublishOrderEvent(ctx, OrderEventMessage{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			UserID:      order.UserID,
			EventType:   "order.created",
			PrevStatus:  domain.OrderStatusCreated,
			NewStatus:   domain.OrderStatusCreated,
			OccurredAt:  now,
		}); err != nil {
			logger.Warn("order created event publish failed", zap.String("orderRef", order.ID), zap.Error(err))
		}
	}
}
