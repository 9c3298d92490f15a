package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/tidemark-store/api/internal/domain"
	"github.com/tidemark-store/api/internal/repositories"
)

type stubInventoryRepo struct {
	reserveFn   func(context.Context, repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error)
	commitFn    func(context.Context, repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error)
	releaseFn   func(context.Context, repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error)
	getStockFn  func(context.Context, string) (domain.InventoryStock, error)
	listFn      func(context.Context, repositories.InventoryLowStockQuery) (domain.CursorPage[domain.InventoryStock], error)
	listAuditFn func(context.Context, string) ([]domain.InventoryAudit, error)
}

func (s *stubInventoryRepo) Reserve(ctx context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, req)
	}
	return repositories.InventoryReserveResult{}, nil
}

func (s *stubInventoryRepo) Commit(ctx context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
	if s.commitFn != nil {
		return s.commitFn(ctx, req)
	}
	return repositories.InventoryCommitResult{}, nil
}

func (s *stubInventoryRepo) Release(ctx context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, req)
	}
	return repositories.InventoryReleaseResult{}, nil
}

func (s *stubInventoryRepo) GetStock(ctx context.Context, sku string) (domain.InventoryStock, error) {
	if s.getStockFn != nil {
		return s.getStockFn(ctx, sku)
	}
	return domain.InventoryStock{}, errors.New("not implemented")
}

func (s *stubInventoryRepo) ListLowStock(ctx context.Context, query repositories.InventoryLowStockQuery) (domain.CursorPage[domain.InventoryStock], error) {
	if s.listFn != nil {
		return s.listFn(ctx, query)
	}
	return domain.CursorPage[domain.InventoryStock]{}, nil
}

func (s *stubInventoryRepo) ListAudit(ctx context.Context, orderRef string) ([]domain.InventoryAudit, error) {
	if s.listAuditFn != nil {
		return s.listAuditFn(ctx, orderRef)
	}
	return nil, errors.New("not implemented")
}

func TestInventoryServiceReserveNormalisesLines(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	var captured repositories.InventoryReserveRequest
	repo := &stubInventoryRepo{
		reserveFn: func(ctx context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
			captured = req
			return repositories.InventoryReserveResult{
				Stocks: map[string]domain.InventoryStock{
					"SKU-1": {SKU: "SKU-1", StockQty: 8, ReservedQty: 2, UpdatedAt: now},
				},
			}, nil
		},
	}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory: repo,
		Clock:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}

	result, err := svc.Reserve(context.Background(), InventoryCommand{
		OrderID: "ord-1",
		Lines: []repositories.InventoryLine{
			{SKU: " SKU-1 ", Quantity: 2},
		},
		Actor: "user-1",
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if captured.OrderRef != "ord-1" {
		t.Fatalf("expected order ref ord-1, got %s", captured.OrderRef)
	}
	if len(captured.Lines) != 1 || captured.Lines[0].SKU != "SKU-1" {
		t.Fatalf("expected trimmed sku, got %+v", captured.Lines)
	}
	if !captured.Now.Equal(now) {
		t.Fatalf("expected clock timestamp forwarded, got %v", captured.Now)
	}
	if result.Stocks["SKU-1"].StockQty != 8 {
		t.Fatalf("unexpected stock projection: %+v", result.Stocks)
	}
}

func TestInventoryServiceReserveValidation(t *testing.T) {
	svc, err := NewInventoryService(InventoryServiceDeps{Inventory: &stubInventoryRepo{}})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}

	cases := []struct {
		name string
		cmd  InventoryCommand
	}{
		{"missing order id", InventoryCommand{Lines: []repositories.InventoryLine{{SKU: "SKU-1", Quantity: 1}}}},
		{"no lines", InventoryCommand{OrderID: "ord-1"}},
		{"zero quantity", InventoryCommand{OrderID: "ord-1", Lines: []repositories.InventoryLine{{SKU: "SKU-1"}}}},
		{"blank sku", InventoryCommand{OrderID: "ord-1", Lines: []repositories.InventoryLine{{SKU: "  ", Quantity: 1}}}},
		{"duplicate sku", InventoryCommand{OrderID: "ord-1", Lines: []repositories.InventoryLine{
			{SKU: "SKU-1", Quantity: 1},
			{SKU: "SKU-1", Quantity: 2},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Reserve(context.Background(), tc.cmd); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestInventoryServiceReserveMapsInsufficientStock(t *testing.T) {
	repo := &stubInventoryRepo{
		reserveFn: func(ctx context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
			return repositories.InventoryReserveResult{}, repositories.NewInventoryError(
				repositories.InventoryErrorInsufficientStock, "SKU-1 has 1 sellable, 2 requested", nil)
		},
	}

	svc, err := NewInventoryService(InventoryServiceDeps{Inventory: repo})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}

	_, err = svc.Reserve(context.Background(), InventoryCommand{
		OrderID: "ord-1",
		Lines:   []repositories.InventoryLine{{SKU: "SKU-1", Quantity: 2}},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestInventoryServiceCommitReportsLowStock(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	repo := &stubInventoryRepo{
		commitFn: func(ctx context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
			return repositories.InventoryCommitResult{
				Stocks: map[string]domain.InventoryStock{
					"SKU-1": {SKU: "SKU-1", StockQty: 3, LowStockThreshold: 5},
				},
				LowStock: []string{"SKU-1"},
			}, nil
		},
	}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory: repo,
		Clock:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}

	result, err := svc.Commit(context.Background(), InventoryCommand{
		OrderID: "ord-1",
		Lines:   []repositories.InventoryLine{{SKU: "SKU-1", Quantity: 2}},
		Actor:   "system",
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(result.LowStock) != 1 || result.LowStock[0] != "SKU-1" {
		t.Fatalf("expected low-stock SKU surfaced, got %v", result.LowStock)
	}
}

func TestInventoryServiceCommitPublishesLowStockAlert(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	repo := &stubInventoryRepo{
		commitFn: func(ctx context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
			return repositories.InventoryCommitResult{
				Stocks: map[string]domain.InventoryStock{
					"SKU-1": {SKU: "SKU-1", StockQty: 3, LowStockThreshold: 5},
					"SKU-2": {SKU: "SKU-2", StockQty: 1, LowStockThreshold: 5},
				},
				LowStock: []string{"SKU-1", "SKU-2"},
			}, nil
		},
	}
	publisher := &stubPublisher{}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory: repo,
		Publisher: publisher,
		Clock:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}

	_, err = svc.Commit(context.Background(), InventoryCommand{
		OrderID: "ord-1",
		Lines: []repositories.InventoryLine{
			{SKU: "SKU-1", Quantity: 2},
			{SKU: "SKU-2", Quantity: 1},
		},
		Actor: "system",
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if len(publisher.lowStock) != 1 {
		t.Fatalf("expected one low-stock alert, got %d", len(publisher.lowStock))
	}
	alert := publisher.lowStock[0]
	if alert.OrderID != "ord-1" {
		t.Fatalf("expected alert for ord-1, got %s", alert.OrderID)
	}
	if len(alert.SKUs) != 2 || alert.SKUs[0] != "SKU-1" || alert.SKUs[1] != "SKU-2" {
		t.Fatalf("unexpected alert SKUs: %v", alert.SKUs)
	}
	if !alert.OccurredAt.Equal(now) {
		t.Fatalf("expected clock timestamp on alert, got %v", alert.OccurredAt)
	}
}

func TestInventoryServiceReleaseForwardsReason(t *testing.T) {
	var captured repositories.InventoryReleaseRequest
	repo := &stubInventoryRepo{
		releaseFn: func(ctx context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
			captured = req
			return repositories.InventoryReleaseResult{}, nil
		},
	}

	svc, err := NewInventoryService(InventoryServiceDeps{Inventory: repo})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}

	_, err = svc.Release(context.Background(), InventoryReleaseCommand{
		OrderID: "ord-1",
		Lines:   []repositories.InventoryLine{{SKU: "SKU-1", Quantity: 2}},
		Reason:  "auto_cancel",
		Actor:   "scheduler",
	})
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if captured.Reason != "auto_cancel" || captured.Actor != "scheduler" {
		t.Fatalf("unexpected release request: %+v", captured)
	}
}

func TestInventoryServiceGetStockRequiresSKU(t *testing.T) {
	svc, err := NewInventoryService(InventoryServiceDeps{Inventory: &stubInventoryRepo{}})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}

	if _, err := svc.GetStock(context.Background(), "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
