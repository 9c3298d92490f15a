package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/tidemark-store/api/internal/domain"
	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	"github.com/tidemark-store/api/internal/repositories"
)

// orderTransitions is the complete legal state table. Any pair missing here
// fails closed with ErrInvalidTransition, including unknown states.
var orderTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusCreated: {
		domain.OrderStatusConfirmed,
		domain.OrderStatusCancelled,
		domain.OrderStatusOnHold,
	},
	domain.OrderStatusConfirmed: {
		domain.OrderStatusShipped,
		domain.OrderStatusCancelled,
		domain.OrderStatusRefunded,
		domain.OrderStatusOnHold,
	},
	domain.OrderStatusShipped: {
		domain.OrderStatusDelivered,
		domain.OrderStatusRefunded,
	},
	domain.OrderStatusOnHold: {
		domain.OrderStatusCreated,
		domain.OrderStatusConfirmed,
		domain.OrderStatusShipped,
		domain.OrderStatusCancelled,
		domain.OrderStatusRefunded,
	},
}

func assertTransition(current, target domain.OrderStatus) error {
	for _, allowed := range orderTransitions[current] {
		if allowed == target {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
}

// versionConflictRetries bounds re-reads when two guarded mutations race.
const versionConflictRetries = 3

// OrderServiceDeps bundles the collaborators required to construct an order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Clock       func() time.Time
	IDGenerator func() string
}

type orderService struct {
	repo  repositories.OrderRepository
	clock func() time.Time
	newID func() string
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &orderService{
		repo: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID: idGen,
	}, nil
}

func (s *orderService) Get(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderError(err)
	}
	return order, nil
}

func (s *orderService) GetByNumber(ctx context.Context, orderNumber string) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, fmt.Errorf("%w: order number is required", ErrValidation)
	}
	order, err := s.repo.FindByNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, mapOrderError(err)
	}
	return order, nil
}

func (s *orderService) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[Order], error) {
	return s.repo.List(ctx, filter)
}

func (s *orderService) ListVersions(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[OrderVersion], error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[OrderVersion]{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	return s.repo.ListVersions(ctx, orderID, pager)
}

func (s *orderService) ListEvents(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[OrderEvent], error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[OrderEvent]{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	return s.repo.ListEvents(ctx, orderID, pager)
}

// Transition applies one guarded mutation. The order is re-read on version
// conflict so concurrent webhooks and admin edits serialise instead of
// clobbering each other.
func (s *orderService) Transition(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	if cmd.Reason == "" {
		return Order{}, fmt.Errorf("%w: mutation reason is required", ErrValidation)
	}

	var lastErr error
	for attempt := 0; attempt < versionConflictRetries; attempt++ {
		order, err := s.repo.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, mapOrderError(err)
		}

		mutated, err := s.applyMutation(order, cmd)
		if err != nil {
			return Order{}, err
		}
		if mutated == nil {
			// Target state already holds; nothing to write.
			return order, nil
		}

		err = s.repo.Update(ctx, *mutated)
		if err == nil {
			return mutated.Order, nil
		}
		if !errors.Is(err, repositories.ErrVersionConflict) {
			return Order{}, mapOrderError(err)
		}
		lastErr = err
	}
	return Order{}, fmt.Errorf("order %s: concurrent mutations exhausted retries: %w", orderID, lastErr)
}

// applyMutation evaluates the guards against the loaded order and builds the
// atomic write. A nil mutation means the command is a no-op.
func (s *orderService) applyMutation(order Order, cmd OrderTransitionCommand) (*repositories.OrderMutation, error) {
	if order.Deleted {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, order.ID)
	}
	if order.Locked && !cmd.Reason.SystemReason() {
		return nil, fmt.Errorf("%w: %s", ErrLockedOrder, order.ID)
	}

	prevStatus := order.Status
	target := cmd.Target
	if target == "" {
		target = prevStatus
	}

	if target != prevStatus {
		if err := assertTransition(prevStatus, target); err != nil {
			return nil, err
		}
	} else if cmd.Apply == nil {
		return nil, nil
	}

	now := s.clock()
	order.Status = target
	order.UpdatedAt = now
	order.Audit.UpdatedBy = strings.TrimSpace(cmd.Actor)
	order.Version++

	if cmd.Reason == domain.ReasonPayment {
		order.Locked = true
	}

	switch target {
	case domain.OrderStatusConfirmed:
		if order.ConfirmedAt == nil {
			order.ConfirmedAt = &now
		}
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
	case domain.OrderStatusRefunded:
		order.RefundedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	}

	if cmd.Apply != nil {
		cmd.Apply(&order)
	}

	// Item status is a projection of the order status.
	if target != prevStatus {
		for i := range order.Items {
			order.Items[i].Status = target
		}
	}

	return &repositories.OrderMutation{
		Order: order,
		Version: domain.OrderVersion{
			OrderID:   order.ID,
			Version:   order.Version,
			Reason:    cmd.Reason,
			Actor:     strings.TrimSpace(cmd.Actor),
			Snapshot:  order,
			CreatedAt: now,
		},
		Event: domain.OrderEvent{
			ID:             s.newID(),
			OrderID:        order.ID,
			Type:           cmd.Reason,
			PreviousStatus: prevStatus,
			NewStatus:      target,
			Actor:          strings.TrimSpace(cmd.Actor),
			Note:           strings.TrimSpace(cmd.Note),
			CreatedAt:      now,
		},
	}, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd OrderCancelCommand) (Order, error) {
	reason := cmd.Reason
	if reason == "" {
		reason = domain.ReasonUserCancel
	}
	return s.Transition(ctx, OrderTransitionCommand{
		OrderID: cmd.OrderID,
		Target:  domain.OrderStatusCancelled,
		Reason:  reason,
		Actor:   cmd.Actor,
		Note:    cmd.CancelReason,
		Apply: func(order *Order) {
			order.CancelReason = strings.TrimSpace(cmd.CancelReason)
		},
	})
}

func (s *orderService) AttachShipment(ctx context.Context, cmd OrderShipmentCommand) (Order, error) {
	carrier := strings.TrimSpace(cmd.Carrier)
	tracking := strings.TrimSpace(cmd.TrackingID)
	if carrier == "" || tracking == "" {
		return Order{}, fmt.Errorf("%w: carrier and tracking id are required", ErrValidation)
	}

	now := s.clock()
	return s.Transition(ctx, OrderTransitionCommand{
		OrderID: cmd.OrderID,
		Target:  domain.OrderStatusShipped,
		Reason:  domain.ReasonShipment,
		Actor:   cmd.Actor,
		Apply: func(order *Order) {
			order.Shipment = &domain.ShipmentInfo{
				Carrier:    carrier,
				TrackingID: tracking,
				ShippedAt:  &now,
			}
		},
	})
}

func (s *orderService) Hold(ctx context.Context, cmd OrderHoldCommand) (Order, error) {
	return s.Transition(ctx, OrderTransitionCommand{
		OrderID: cmd.OrderID,
		Target:  domain.OrderStatusOnHold,
		Reason:  domain.ReasonFraudHold,
		Actor:   cmd.Actor,
		Note:    cmd.Note,
		Apply: func(order *Order) {
			order.FraudFlagged = true
		},
	})
}

func (s *orderService) Resume(ctx context.Context, cmd OrderResumeCommand) (Order, error) {
	if cmd.Target == "" {
		return Order{}, fmt.Errorf("%w: resume target is required", ErrValidation)
	}
	return s.Transition(ctx, OrderTransitionCommand{
		OrderID: cmd.OrderID,
		Target:  cmd.Target,
		Reason:  domain.ReasonFraudHold,
		Actor:   cmd.Actor,
		Apply: func(order *Order) {
			order.FraudFlagged = false
		},
	})
}

// SoftDelete hides the order from listings. Orders are never hard-deleted;
// the version and event logs stay intact.
func (s *orderService) SoftDelete(ctx context.Context, orderID string, actor string) (Order, error) {
	return s.Transition(ctx, OrderTransitionCommand{
		OrderID: orderID,
		Reason:  domain.ReasonAdmin,
		Actor:   actor,
		Apply: func(order *Order) {
			order.Deleted = true
		},
	})
}

func mapOrderError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repositories.ErrFinancialImmutable) {
		return fmt.Errorf("%w: %v", ErrImmutableOrder, err)
	}
	var ferr *pfirestore.Error
	if errors.As(err, &ferr) && ferr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	}
	return err
}
