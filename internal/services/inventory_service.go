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

// InventoryServiceDeps bundles the collaborators required to construct an
// inventory service. The publisher is optional; without it low-stock
// crossings are only logged.
type InventoryServiceDeps struct {
	Inventory repositories.InventoryRepository
	Publisher EventPublisher
	Clock     func() time.Time
}

type inventoryService struct {
	repo      repositories.InventoryRepository
	publisher EventPublisher
	clock     func() time.Time
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &inventoryService{
		repo:      deps.Inventory,
		publisher: deps.Publisher,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

func (s *inventoryService) Reserve(ctx context.Context, cmd InventoryCommand) (InventoryResult, error) {
	lines, err := normaliseInventoryCommand(cmd.OrderID, cmd.Lines)
	if err != nil {
		return InventoryResult{}, err
	}

	result, err := s.repo.Reserve(ctx, repositories.InventoryReserveRequest{
		OrderRef: strings.TrimSpace(cmd.OrderID),
		Lines:    lines,
		Actor:    strings.TrimSpace(cmd.Actor),
		Now:      s.clock(),
	})
	if err != nil {
		return InventoryResult{}, mapInventoryError(err)
	}

	return InventoryResult{Stocks: result.Stocks}, nil
}

func (s *inventoryService) Commit(ctx context.Context, cmd InventoryCommand) (InventoryResult, error) {
	lines, err := normaliseInventoryCommand(cmd.OrderID, cmd.Lines)
	if err != nil {
		return InventoryResult{}, err
	}

	result, err := s.repo.Commit(ctx, repositories.InventoryCommitRequest{
		OrderRef: strings.TrimSpace(cmd.OrderID),
		Lines:    lines,
		Actor:    strings.TrimSpace(cmd.Actor),
		Now:      s.clock(),
	})
	if err != nil {
		return InventoryResult{}, mapInventoryError(err)
	}

	if len(result.LowStock) > 0 {
		s.alertLowStock(ctx, strings.TrimSpace(cmd.OrderID), result.LowStock)
	}

	return InventoryResult{Stocks: result.Stocks, LowStock: result.LowStock}, nil
}

// alertLowStock notifies operations about SKUs that crossed their restock
// threshold. Best effort: the commit already landed and a lost alert never
// fails it.
func (s *inventoryService) alertLowStock(ctx context.Context, orderRef string, skus []string) {
	logger := requestctx.Logger(ctx)
	logger.Warn("stock at or below threshold after commit",
		zap.String("orderRef", orderRef),
		zap.Strings("skus", skus),
	)
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.PublishLowStockAlert(ctx, LowStockMessage{
		OrderID:    orderRef,
		SKUs:       skus,
		OccurredAt: s.clock(),
	}); err != nil {
		logger.Warn("low stock alert publish failed",
			zap.String("orderRef", orderRef), zap.Error(err))
	}
}

func (s *inventoryService) Release(ctx context.Context, cmd InventoryReleaseCommand) (InventoryResult, error) {
	lines, err := normaliseInventoryCommand(cmd.OrderID, cmd.Lines)
	if err != nil {
		return InventoryResult{}, err
	}

	result, err := s.repo.Release(ctx, repositories.InventoryReleaseRequest{
		OrderRef: strings.TrimSpace(cmd.OrderID),
		Lines:    lines,
		Reason:   strings.TrimSpace(cmd.Reason),
		Actor:    strings.TrimSpace(cmd.Actor),
		Now:      s.clock(),
	})
	if err != nil {
		return InventoryResult{}, mapInventoryError(err)
	}

	return InventoryResult{Stocks: result.Stocks}, nil
}

func (s *inventoryService) GetStock(ctx context.Context, sku string) (InventoryStock, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return InventoryStock{}, fmt.Errorf("%w: sku is required", ErrValidation)
	}
	return s.repo.GetStock(ctx, sku)
}

func (s *inventoryService) ListLowStock(ctx context.Context, query repositories.InventoryLowStockQuery) (domain.CursorPage[InventoryStock], error) {
	return s.repo.ListLowStock(ctx, query)
}

func (s *inventoryService) ListAudit(ctx context.Context, orderRef string) ([]InventoryAudit, error) {
	orderRef = strings.TrimSpace(orderRef)
	if orderRef == "" {
		return nil, fmt.Errorf("%w: order ref is required", ErrValidation)
	}
	return s.repo.ListAudit(ctx, orderRef)
}

func normaliseInventoryCommand(orderID string, lines []repositories.InventoryLine) ([]repositories.InventoryLine, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrValidation)
	}

	seen := make(map[string]struct{}, len(lines))
	out := make([]repositories.InventoryLine, 0, len(lines))
	for _, line := range lines {
		sku := strings.TrimSpace(line.SKU)
		if sku == "" {
			return nil, fmt.Errorf("%w: line sku is required", ErrValidation)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrValidation, sku)
		}
		if _, dup := seen[sku]; dup {
			return nil, fmt.Errorf("%w: duplicate sku %s", ErrValidation, sku)
		}
		seen[sku] = struct{}{}
		out = append(out, repositories.InventoryLine{SKU: sku, Quantity: line.Quantity})
	}
	return out, nil
}

func mapInventoryError(err error) error {
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrInsufficientStock, invErr.Message)
		case repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %s", ErrValidation, invErr.Message)
		case repositories.InventoryErrorReservedExceeded:
			return fmt.Errorf("%w: %s", ErrValidation, invErr.Message)
		}
	}
	return err
}
