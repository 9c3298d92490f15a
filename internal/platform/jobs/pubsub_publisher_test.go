package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tidemark-store/api/internal/domain"
	"github.com/tidemark-store/api/internal/services"
)

func newTestTopics(t *testing.T) (*pstest.Server, *pubsub.Topic, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	notifications, err := client.CreateTopic(ctx, "order-notifications")
	if err != nil {
		t.Fatalf("CreateTopic notifications: %v", err)
	}
	invoices, err := client.CreateTopic(ctx, "order-invoices")
	if err != nil {
		t.Fatalf("CreateTopic invoices: %v", err)
	}
	return srv, notifications, invoices
}

func TestPubSubEventPublisherPublishesOrderEvent(t *testing.T) {
	ctx := context.Background()
	srv, notifications, invoices := newTestTopics(t)

	publisher, err := NewPubSubEventPublisher(notifications, invoices)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	occurredAt := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	msg := services.OrderEventMessage{
		OrderID:     "ord_test",
		OrderNumber: "TM-0001-000042",
		UserID:      "user-1",
		EventType:   "order.confirmed",
		PrevStatus:  domain.OrderStatusCreated,
		NewStatus:   domain.OrderStatusConfirmed,
		OccurredAt:  occurredAt,
	}

	if _, err := publisher.PublishOrderEvent(ctx, msg); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.OrderEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != msg.OrderID || payload.NewStatus != msg.NewStatus {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["eventType"]; attr != "order.confirmed" {
		t.Fatalf("expected eventType attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["orderNumber"]; attr != "TM-0001-000042" {
		t.Fatalf("expected orderNumber attribute, got %q", attr)
	}
}

func TestPubSubEventPublisherPublishesLowStockAlert(t *testing.T) {
	ctx := context.Background()
	srv, notifications, invoices := newTestTopics(t)

	publisher, err := NewPubSubEventPublisher(notifications, invoices)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	msg := services.LowStockMessage{
		OrderID:    "ord_test",
		SKUs:       []string{"SKU-1", "SKU-7"},
		OccurredAt: time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}

	if _, err := publisher.PublishLowStockAlert(ctx, msg); err != nil {
		t.Fatalf("PublishLowStockAlert: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.LowStockMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(payload.SKUs) != 2 || payload.SKUs[0] != "SKU-1" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["eventType"]; attr != "inventory.low_stock" {
		t.Fatalf("expected eventType attribute, got %q", attr)
	}
}

func TestPubSubEventPublisherPublishesInvoiceJob(t *testing.T) {
	ctx := context.Background()
	srv, notifications, invoices := newTestTopics(t)

	publisher, err := NewPubSubEventPublisher(notifications, invoices)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	msg := services.InvoiceJobMessage{
		OrderID:        "ord_test",
		OrderNumber:    "TM-0001-000042",
		UserID:         "user-1",
		Currency:       "JPY",
		GrandTotal:     12870,
		RequestedAt:    time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
		IdempotencyKey: "idem-123",
	}

	if _, err := publisher.PublishInvoiceJob(ctx, msg); err != nil {
		t.Fatalf("PublishInvoiceJob: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.InvoiceJobMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.GrandTotal != msg.GrandTotal || payload.Currency != "JPY" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["idempotencyKey"]; attr != "idem-123" {
		t.Fatalf("expected idempotency key attribute, got %q", attr)
	}
}
