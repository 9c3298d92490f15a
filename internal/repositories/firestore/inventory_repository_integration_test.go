//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	pconfig "github.com/tidemark-store/api/internal/platform/config"
	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	"github.com/tidemark-store/api/internal/repositories"
)

func TestInventoryRepositoryIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "inventory-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewInventoryRepository(provider)
	if err != nil {
		t.Fatalf("new inventory repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	seedStock := map[string]any{
		"productRef":        "/products/prod_001",
		"stockQty":          5,
		"reservedQty":       0,
		"lowStockThreshold": 3,
		"belowThreshold":    false,
		"updatedAt":         now,
	}

	if _, err := client.Collection(inventoryCollection).Doc("SKU-001").Set(ctx, seedStock); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	lines := []repositories.InventoryLine{{SKU: "SKU-001", Quantity: 3}}

	reserveResult, err := repo.Reserve(ctx, repositories.InventoryReserveRequest{
		OrderRef: "/orders/o_test_1",
		Lines:    lines,
		Actor:    "user-1",
		Now:      now,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	stock, ok := reserveResult.Stocks["SKU-001"]
	if !ok {
		t.Fatalf("reserve result missing stock")
	}
	// Sellable stock is decremented at reserve time.
	if stock.StockQty != 2 || stock.ReservedQty != 3 {
		t.Fatalf("unexpected stock after reserve: %+v", stock)
	}

	var invErr *repositories.InventoryError

	_, err = repo.Reserve(ctx, repositories.InventoryReserveRequest{
		OrderRef: "/orders/o_test_2",
		Lines:    []repositories.InventoryLine{{SKU: "SKU-001", Quantity: 3}},
		Now:      now,
	})
	if err == nil {
		t.Fatalf("expected insufficient stock error")
	}
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorInsufficientStock {
		t.Fatalf("expected insufficient stock code, got %v", err)
	}

	commitResult, err := repo.Commit(ctx, repositories.InventoryCommitRequest{
		OrderRef: "/orders/o_test_1",
		Lines:    lines,
		Now:      now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	stock = commitResult.Stocks["SKU-001"]
	// Commit settles the reservation without a second decrement.
	if stock.StockQty != 2 || stock.ReservedQty != 0 {
		t.Fatalf("unexpected stock after commit: %+v", stock)
	}
	if len(commitResult.LowStock) != 1 || commitResult.LowStock[0] != "SKU-001" {
		t.Fatalf("expected low stock signal for SKU-001, got %v", commitResult.LowStock)
	}

	_, err = repo.Commit(ctx, repositories.InventoryCommitRequest{
		OrderRef: "/orders/o_test_1",
		Lines:    lines,
		Now:      now.Add(2 * time.Minute),
	})
	if err == nil {
		t.Fatalf("expected reserved exceeded error on double commit")
	}
	invErr = nil
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorReservedExceeded {
		t.Fatalf("expected reserved exceeded code, got %v", err)
	}

	releaseLines := []repositories.InventoryLine{{SKU: "SKU-001", Quantity: 1}}
	if _, err := repo.Reserve(ctx, repositories.InventoryReserveRequest{
		OrderRef: "/orders/o_test_release",
		Lines:    releaseLines,
		Now:      now.Add(3 * time.Minute),
	}); err != nil {
		t.Fatalf("reserve for release: %v", err)
	}

	releaseResult, err := repo.Release(ctx, repositories.InventoryReleaseRequest{
		OrderRef: "/orders/o_test_release",
		Lines:    releaseLines,
		Reason:   "payment_failed",
		Now:      now.Add(4 * time.Minute),
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	stock = releaseResult.Stocks["SKU-001"]
	if stock.StockQty != 2 || stock.ReservedQty != 0 {
		t.Fatalf("unexpected stock after release: %+v", stock)
	}

	audit, err := repo.ListAudit(ctx, "/orders/o_test_1")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audit) != 2 {
		t.Fatalf("expected 2 audit entries for order, got %d", len(audit))
	}

	lowPage, err := repo.ListLowStock(ctx, repositories.InventoryLowStockQuery{PageSize: 10})
	if err != nil {
		t.Fatalf("list low stock: %v", err)
	}
	if len(lowPage.Items) != 1 || lowPage.Items[0].SKU != "SKU-001" {
		t.Fatalf("expected SKU-001 in low stock listing, got %+v", lowPage.Items)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
