package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/tidemark-store/api/internal/services"
)

// PubSubEventPublisher publishes post-commit order messages to Pub/Sub topics.
// Notifications and invoice requests go to separate topics so downstream
// consumers can scale independently.
type PubSubEventPublisher struct {
	notifications *pubsub.Topic
	invoices      *pubsub.Topic
	marshal       func(any) ([]byte, error)
}

// NewPubSubEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubEventPublisher(notifications, invoices *pubsub.Topic) (*PubSubEventPublisher, error) {
	if notifications == nil {
		return nil, errors.New("pubsub event publisher: notifications topic is required")
	}
	if invoices == nil {
		return nil, errors.New("pubsub event publisher: invoices topic is required")
	}
	return &PubSubEventPublisher{
		notifications: notifications,
		invoices:      invoices,
		marshal:       json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues a notification message for an order transition.
func (p *PubSubEventPublisher) PublishOrderEvent(ctx context.Context, message services.OrderEventMessage) (string, error) {
	if p == nil || p.notifications == nil {
		return "", errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "orderNumber", message.OrderNumber)
	setAttr(attrs, "eventType", message.EventType)
	setAttr(attrs, "newStatus", string(message.NewStatus))

	result := p.notifications.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish order event: %w", err)
	}
	return id, nil
}

// PublishInvoiceJob enqueues an invoice generation request for a paid order.
func (p *PubSubEventPublisher) PublishInvoiceJob(ctx context.Context, message services.InvoiceJobMessage) (string, error) {
	if p == nil || p.invoices == nil {
		return "", errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal invoice job: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "orderNumber", message.OrderNumber)
	setAttr(attrs, "currency", message.Currency)
	if key := strings.TrimSpace(message.IdempotencyKey); key != "" {
		attrs["idempotencyKey"] = key
	}

	result := p.invoices.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish invoice job: %w", err)
	}
	return id, nil
}

// PublishLowStockAlert enqueues a restock notification for SKUs that crossed
// their threshold during an inventory commit.
func (p *PubSubEventPublisher) PublishLowStockAlert(ctx context.Context, message services.LowStockMessage) (string, error) {
	if p == nil || p.notifications == nil {
		return "", errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal low stock alert: %w", err)
	}

	attrs := map[string]string{"eventType": "inventory.low_stock"}
	setAttr(attrs, "orderId", message.OrderID)

	result := p.notifications.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish low stock alert: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
