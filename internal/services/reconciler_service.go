package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/tidemark-store/api/internal/domain"
	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	"github.com/tidemark-store/api/internal/platform/requestctx"
	"github.com/tidemark-store/api/internal/repositories"
)

// ReconcilerServiceDeps bundles the collaborators required to construct a reconciler.
type ReconcilerServiceDeps struct {
	Orders    OrderService
	Payments  repositories.PaymentRepository
	Inventory InventoryService
	Coupons   CouponService
	Scheduler JobScheduler
	Publisher EventPublisher
	Tx        TxRunner
	Clock     func() time.Time
}

type reconcilerService struct {
	orders    OrderService
	payments  repositories.PaymentRepository
	inventory InventoryService
	coupons   CouponService
	scheduler JobScheduler
	publisher EventPublisher
	tx        TxRunner
	clock     func() time.Time
}

// NewReconcilerService wires dependencies into a concrete ReconcilerService implementation.
func NewReconcilerService(deps ReconcilerServiceDeps) (ReconcilerService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("reconciler: order service is required")
	case deps.Payments == nil:
		return nil, errors.New("reconciler: payment repository is required")
	case deps.Inventory == nil:
		return nil, errors.New("reconciler: inventory service is required")
	case deps.Coupons == nil:
		return nil, errors.New("reconciler: coupon service is required")
	case deps.Tx == nil:
		return nil, errors.New("reconciler: transaction runner is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &reconcilerService{
		orders:    deps.Orders,
		payments:  deps.Payments,
		inventory: deps.Inventory,
		coupons:   deps.Coupons,
		scheduler: deps.Scheduler,
		publisher: deps.Publisher,
		tx:        deps.Tx,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// ApplyGatewayEvent applies one normalised gateway event. Replays are no-ops:
// the order is re-read and left alone when the target state already holds.
// Unknown gateway references are acknowledged and dropped so the gateway
// stops retrying deliveries this system never initiated.
func (s *reconcilerService) ApplyGatewayEvent(ctx context.Context, event GatewayEvent) error {
	intentID := strings.TrimSpace(event.IntentID)
	if intentID == "" {
		return fmt.Errorf("%w: event %s carries no intent reference", ErrReconciliation, event.ID)
	}

	logger := requestctx.Logger(ctx).With(
		zap.String("gatewayEvent", event.ID),
		zap.String("intentId", intentID),
	)

	payment, err := s.payments.FindByIntentID(ctx, intentID)
	if err != nil {
		if isUnknownPaymentRef(err) {
			logger.Info("gateway event for unknown intent, dropping")
			return nil
		}
		return err
	}

	order, err := s.orders.Get(ctx, payment.OrderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			logger.Warn("payment record points at missing order, dropping",
				zap.String("orderRef", payment.OrderID))
			return nil
		}
		return err
	}

	switch event.Type {
	case GatewayEventSucceeded:
		return s.applySuccess(ctx, logger, order, payment)
	case GatewayEventFailed:
		return s.applyFailure(ctx, logger, order, payment)
	case GatewayEventRefunded:
		return s.applyRefund(ctx, logger, order, payment, event)
	case GatewayEventPartialRefund:
		return s.applyPartialRefund(ctx, logger, order, payment, event)
	default:
		return fmt.Errorf("%w: unsupported event type %q", ErrReconciliation, event.Type)
	}
}

func (s *reconcilerService) applySuccess(ctx context.Context, logger *zap.Logger, order Order, payment PaymentRecord) error {
	if order.Status == domain.OrderStatusConfirmed {
		// Replay. Inventory was committed and the invoice published on the
		// first delivery; only make sure the payment record agrees.
		return s.updatePaymentStatus(ctx, payment, domain.PaymentStatusPaid, 0)
	}

	// Confirmation, stock commit, and payment bookkeeping land together. A
	// failure on any step rolls all of them back and the delivery errors, so
	// the gateway redelivers and the replay guard above stays truthful.
	var confirmed Order
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		confirmed, err = s.orders.Transition(ctx, OrderTransitionCommand{
			OrderID: order.ID,
			Target:  domain.OrderStatusConfirmed,
			Reason:  domain.ReasonPayment,
			Actor:   "gateway",
			Apply: func(o *Order) {
				o.PaymentStatus = domain.PaymentStatusPaid
			},
		})
		if err != nil {
			return fmt.Errorf("%w: confirm order %s: %v", ErrReconciliation, order.ID, err)
		}

		if _, err := s.inventory.Commit(ctx, InventoryCommand{
			OrderID: order.ID,
			Lines:   orderLines(confirmed),
			Actor:   "gateway",
		}); err != nil {
			return fmt.Errorf("%w: commit inventory for %s: %v", ErrReconciliation, order.ID, err)
		}

		return s.updatePaymentStatus(ctx, payment, domain.PaymentStatusPaid, 0)
	})
	if err != nil {
		return err
	}

	if s.scheduler != nil {
		if err := s.scheduler.CancelAutoCancel(ctx, order.ID); err != nil {
			logger.Warn("auto-cancel cancellation failed", zap.String("orderRef", order.ID), zap.Error(err))
		}
	}

	s.publishConfirmed(ctx, logger, confirmed)
	return nil
}

func (s *reconcilerService) applyFailure(ctx context.Context, logger *zap.Logger, order Order, payment PaymentRecord) error {
	if order.Status != domain.OrderStatusCreated {
		logger.Info("failure event on settled order, dropping",
			zap.String("orderRef", order.ID), zap.String("status", string(order.Status)))
		return s.updatePaymentStatus(ctx, payment, domain.PaymentStatusFailed, 0)
	}

	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cancelled, err := s.orders.Transition(ctx, OrderTransitionCommand{
			OrderID: order.ID,
			Target:  domain.OrderStatusCancelled,
			Reason:  domain.ReasonPayment,
			Actor:   "gateway",
			Note:    "payment failed",
			Apply: func(o *Order) {
				o.PaymentStatus = domain.PaymentStatusFailed
				o.CancelReason = "payment_failed"
			},
		})
		if err != nil {
			return fmt.Errorf("%w: cancel order %s: %v", ErrReconciliation, order.ID, err)
		}

		if err := s.unwindStockAndUsage(ctx, cancelled, "payment_failed"); err != nil {
			return err
		}
		return s.updatePaymentStatus(ctx, payment, domain.PaymentStatusFailed, 0)
	})
}

func (s *reconcilerService) applyRefund(ctx context.Context, logger *zap.Logger, order Order, payment PaymentRecord, event GatewayEvent) error {
	if order.Status == domain.OrderStatusRefunded {
		return s.updatePaymentStatus(ctx, payment, domain.PaymentStatusRefunded, payment.Amount)
	}

	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		refunded, err := s.orders.Transition(ctx, OrderTransitionCommand{
			OrderID: order.ID,
			Target:  domain.OrderStatusRefunded,
			Reason:  domain.ReasonRefund,
			Actor:   "gateway",
			Apply: func(o *Order) {
				o.PaymentStatus = domain.PaymentStatusRefunded
			},
		})
		if err != nil {
			return fmt.Errorf("%w: refund order %s: %v", ErrReconciliation, order.ID, err)
		}

		if err := s.unwindStockAndUsage(ctx, refunded, "refund"); err != nil {
			return err
		}
		return s.updatePaymentStatus(ctx, payment, domain.PaymentStatusRefunded, payment.Amount)
	})
}

// applyPartialRefund touches payment bookkeeping only; the order keeps its
// status and its stock.
func (s *reconcilerService) applyPartialRefund(ctx context.Context, logger *zap.Logger, order Order, payment PaymentRecord, event GatewayEvent) error {
	if event.AmountRefunded <= 0 || event.AmountRefunded >= payment.Amount {
		return fmt.Errorf("%w: partial refund amount %d out of range for payment %s", ErrReconciliation, event.AmountRefunded, payment.ID)
	}
	if payment.AmountRefunded == event.AmountRefunded && payment.Status == domain.PaymentStatusPartiallyRefunded {
		return nil
	}

	if _, err := s.orders.Transition(ctx, OrderTransitionCommand{
		OrderID: order.ID,
		Reason:  domain.ReasonRefund,
		Actor:   "gateway",
		Note:    fmt.Sprintf("partial refund %d", event.AmountRefunded),
		Apply: func(o *Order) {
			o.PaymentStatus = domain.PaymentStatusPartiallyRefunded
		},
	}); err != nil {
		return fmt.Errorf("%w: mark partial refund on %s: %v", ErrReconciliation, order.ID, err)
	}

	return s.updatePaymentStatus(ctx, payment, domain.PaymentStatusPartiallyRefunded, event.AmountRefunded)
}

func (s *reconcilerService) updatePaymentStatus(ctx context.Context, payment PaymentRecord, status domain.PaymentStatus, refunded int64) error {
	if payment.Status == status && payment.AmountRefunded == refunded {
		return nil
	}
	payment.Status = status
	if refunded > 0 {
		payment.AmountRefunded = refunded
	}
	payment.UpdatedAt = s.clock()
	return s.payments.Update(ctx, payment)
}

// unwindStockAndUsage releases reserved stock and reverses the coupon usage
// after a cancel or refund. It runs inside the caller's transaction: a failed
// release rolls the state change back too, the delivery errors, and the
// gateway redelivers rather than leaving the stock stranded.
func (s *reconcilerService) unwindStockAndUsage(ctx context.Context, order Order, reason string) error {
	if _, err := s.inventory.Release(ctx, InventoryReleaseCommand{
		OrderID: order.ID,
		Lines:   orderLines(order),
		Reason:  reason,
		Actor:   "gateway",
	}); err != nil {
		return fmt.Errorf("%w: release stock for %s: %v", ErrReconciliation, order.ID, err)
	}

	if code := order.Financial.CouponCode; code != "" {
		if err := s.coupons.ReverseUsage(ctx, code, order.UserID, order.ID); err != nil {
			return fmt.Errorf("%w: reverse coupon usage for %s: %v", ErrReconciliation, order.ID, err)
		}
	}
	return nil
}

// publishConfirmed emits the confirmation notification and the invoice job.
// The invoice idempotency key is derived from the order, so replays that
// somehow reach this point collapse downstream.
func (s *reconcilerService) publishConfirmed(ctx context.Context, logger *zap.Logger, order Order) {
	if s.publisher == nil {
		return
	}
	now := s.clock()

	if _, err := s.publisher.PublishOrderEvent(ctx, OrderEventMessage{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		EventType:   "order.confirmed",
		PrevStatus:  domain.OrderStatusCreated,
		NewStatus:   domain.OrderStatusConfirmed,
		OccurredAt:  now,
	}); err != nil {
		logger.Warn("order confirmed event publish failed", zap.String("orderRef", order.ID), zap.Error(err))
	}

	if _, err := s.publisher.PublishInvoiceJob(ctx, InvoiceJobMessage{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		Currency:       order.Financial.Currency,
		GrandTotal:     order.Financial.GrandTotal,
		RequestedAt:    now,
		IdempotencyKey: "invoice-" + order.ID,
	}); err != nil {
		logger.Warn("invoice job publish failed", zap.String("orderRef", order.ID), zap.Error(err))
	}
}

func orderLines(order Order) []repositories.InventoryLine {
	lines := make([]repositories.InventoryLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, repositories.InventoryLine{SKU: item.SKU, Quantity: item.Quantity})
	}
	return lines
}

func isUnknownPaymentRef(err error) bool {
	if errors.Is(err, repositories.ErrPaymentNotFound) {
		return true
	}
	var ferr *pfirestore.Error
	return errors.As(err, &ferr) && ferr.IsNotFound()
}
