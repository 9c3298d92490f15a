package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/tidemark-store/api/internal/domain"
	"github.com/tidemark-store/api/internal/platform/requestctx"
	"github.com/tidemark-store/api/internal/repositories"
)

// JobTypeAutoCancel names the delayed job fired when an order's payment
// grace period expires.
const JobTypeAutoCancel = "order.auto_cancel"

// AutoCancelHandler expires unpaid orders. The worker invokes it when the
// scheduled job fires; correctness rests on the re-check here, not on the
// reconciler cancelling the job in time.
type AutoCancelHandler interface {
	HandleAutoCancel(ctx context.Context, orderID string) error
}

// AutoCancelServiceDeps bundles the collaborators required to construct the handler.
type AutoCancelServiceDeps struct {
	Orders    OrderService
	Inventory InventoryService
	Coupons   CouponService
	Publisher EventPublisher
	Tx        TxRunner
	Clock     func() time.Time
}

type autoCancelService struct {
	orders    OrderService
	inventory InventoryService
	coupons   CouponService
	publisher EventPublisher
	tx        TxRunner
	clock     func() time.Time
}

// NewAutoCancelService wires dependencies into a concrete AutoCancelHandler.
func NewAutoCancelService(deps AutoCancelServiceDeps) (AutoCancelHandler, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("auto-cancel: order service is required")
	case deps.Inventory == nil:
		return nil, errors.New("auto-cancel: inventory service is required")
	case deps.Coupons == nil:
		return nil, errors.New("auto-cancel: coupon service is required")
	case deps.Tx == nil:
		return nil, errors.New("auto-cancel: transaction runner is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &autoCancelService{
		orders:    deps.Orders,
		inventory: deps.Inventory,
		coupons:   deps.Coupons,
		publisher: deps.Publisher,
		tx:        deps.Tx,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// HandleAutoCancel re-reads the order and expires it only when still unpaid.
// A payment that landed between scheduling and firing makes this a no-op.
func (s *autoCancelService) HandleAutoCancel(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrValidation)
	}

	logger := requestctx.Logger(ctx).With(zap.String("orderRef", orderID))

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			logger.Warn("auto-cancel fired for missing order, dropping")
			return nil
		}
		return err
	}

	if order.Status != domain.OrderStatusCreated || order.PaymentStatus != domain.PaymentStatusPending {
		logger.Info("auto-cancel no-op, order already settled",
			zap.String("status", string(order.Status)),
			zap.String("paymentStatus", string(order.PaymentStatus)))
		return nil
	}

	// Cancellation, stock release, and usage reversal land in one
	// transaction. A failure surfaces to the poller, which retries the job
	// instead of marking it done over stranded stock.
	var cancelled Order
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		cancelled, err = s.orders.Transition(ctx, OrderTransitionCommand{
			OrderID: orderID,
			Target:  domain.OrderStatusCancelled,
			Reason:  domain.ReasonAutoCancel,
			Actor:   "scheduler",
			Note:    "payment grace period expired",
			Apply: func(o *Order) {
				o.CancelReason = "auto_cancel_timeout"
			},
		})
		if err != nil {
			return err
		}

		if _, err := s.inventory.Release(ctx, InventoryReleaseCommand{
			OrderID: orderID,
			Lines:   orderLines(cancelled),
			Reason:  "auto_cancel",
			Actor:   "scheduler",
		}); err != nil {
			return fmt.Errorf("release stock for %s: %w", orderID, err)
		}

		if code := cancelled.Financial.CouponCode; code != "" {
			if err := s.coupons.ReverseUsage(ctx, code, cancelled.UserID, orderID); err != nil {
				return fmt.Errorf("reverse coupon usage for %s: %w", orderID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.publisher != nil {
		if _, err := s.publisher.PublishOrderEvent(ctx, OrderEventMessage{
			OrderID:     cancelled.ID,
			OrderNumber: cancelled.OrderNumber,
			UserID:      cancelled.UserID,
			EventType:   "order.auto_cancelled",
			PrevStatus:  domain.OrderStatusCreated,
			NewStatus:   domain.OrderStatusCancelled,
			OccurredAt:  s.clock(),
		}); err != nil {
			logger.Warn("auto-cancel event publish failed", zap.Error(err))
		}
	}

	return nil
}

// jobScheduler adapts the job repository to the JobScheduler contract.
type jobScheduler struct {
	jobs  repositories.JobRepository
	clock func() time.Time
}

// NewJobScheduler builds a JobScheduler over the durable job queue.
func NewJobScheduler(jobs repositories.JobRepository, clock func() time.Time) (JobScheduler, error) {
	if jobs == nil {
		return nil, errors.New("job scheduler: job repository is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &jobScheduler{
		jobs: jobs,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

func (s *jobScheduler) ScheduleAutoCancel(ctx context.Context, orderID string, runAt time.Time) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrValidation)
	}
	_, err := s.jobs.Schedule(ctx, domain.ScheduledJob{
		Type:      JobTypeAutoCancel,
		OrderRef:  orderID,
		RunAt:     runAt,
		CreatedAt: s.clock(),
	})
	return err
}

func (s *jobScheduler) CancelAutoCancel(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrValidation)
	}
	return s.jobs.CancelPending(ctx, JobTypeAutoCancel, orderID)
}
