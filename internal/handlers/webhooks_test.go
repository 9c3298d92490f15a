package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tidemark-store/api/internal/payments"
	"github.com/tidemark-store/api/internal/services"
)

type stubWebhookParser struct {
	parseFn func(payload []byte, signature string) (services.GatewayEvent, error)
}

func (s *stubWebhookParser) ParseWebhook(payload []byte, signature string) (services.GatewayEvent, error) {
	if s.parseFn != nil {
		return s.parseFn(payload, signature)
	}
	return services.GatewayEvent{}, errors.New("not implemented")
}

type stubReconcilerService struct {
	applyFn func(context.Context, services.GatewayEvent) error
}

func (s *stubReconcilerService) ApplyGatewayEvent(ctx context.Context, event services.GatewayEvent) error {
	if s.applyFn != nil {
		return s.applyFn(ctx, event)
	}
	return errors.New("not implemented")
}

func newWebhookTestRouter(parser payments.WebhookParser, reconciler services.ReconcilerService) *chi.Mux {
	handler := NewWebhookHandlers(parser, reconciler)
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)
	return router
}

func TestWebhookHandlersStripeSuccess(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	event := services.GatewayEvent{
		ID:         "evt_1",
		Type:       services.GatewayEventSucceeded,
		IntentID:   "pi_123",
		Amount:     5500,
		Currency:   "JPY",
		OccurredAt: now,
	}

	var parsedSignature string
	parser := &stubWebhookParser{
		parseFn: func(payload []byte, signature string) (services.GatewayEvent, error) {
			parsedSignature = signature
			return event, nil
		},
	}

	var applied services.GatewayEvent
	reconciler := &stubReconcilerService{
		applyFn: func(ctx context.Context, event services.GatewayEvent) error {
			applied = event
			return nil
		},
	}

	router := newWebhookTestRouter(parser, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	if parsedSignature != "t=1,v1=abc" {
		t.Fatalf("expected signature header forwarded, got %q", parsedSignature)
	}
	if applied.ID != "evt_1" || applied.IntentID != "pi_123" {
		t.Fatalf("unexpected event handed to reconciler: %+v", applied)
	}

	var resp webhookAckResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.Received || resp.Ignored {
		t.Fatalf("unexpected ack payload: %+v", resp)
	}
}

func TestWebhookHandlersStripeInvalidSignature(t *testing.T) {
	parser := &stubWebhookParser{
		parseFn: func(payload []byte, signature string) (services.GatewayEvent, error) {
			return services.GatewayEvent{}, payments.ErrInvalidSignature
		},
	}
	reconciler := &stubReconcilerService{
		applyFn: func(ctx context.Context, event services.GatewayEvent) error {
			t.Fatal("reconciler must not run on signature failure")
			return nil
		},
	}

	router := newWebhookTestRouter(parser, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", bytes.NewBufferString(`{}`))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestWebhookHandlersStripeUnsupportedEventAcked(t *testing.T) {
	parser := &stubWebhookParser{
		parseFn: func(payload []byte, signature string) (services.GatewayEvent, error) {
			return services.GatewayEvent{}, payments.ErrUnsupportedEvent
		},
	}
	reconciler := &stubReconcilerService{
		applyFn: func(ctx context.Context, event services.GatewayEvent) error {
			t.Fatal("reconciler must not run on ignored events")
			return nil
		},
	}

	router := newWebhookTestRouter(parser, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", bytes.NewBufferString(`{"type":"customer.created"}`))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp webhookAckResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.Received || !resp.Ignored {
		t.Fatalf("expected received+ignored ack, got %+v", resp)
	}
}

func TestWebhookHandlersStripeReconciliationFailure(t *testing.T) {
	parser := &stubWebhookParser{
		parseFn: func(payload []byte, signature string) (services.GatewayEvent, error) {
			return services.GatewayEvent{ID: "evt_2", Type: services.GatewayEventRefunded, IntentID: "pi_123"}, nil
		},
	}
	reconciler := &stubReconcilerService{
		applyFn: func(ctx context.Context, event services.GatewayEvent) error {
			return services.ErrReconciliation
		},
	}

	router := newWebhookTestRouter(parser, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", bytes.NewBufferString(`{}`))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	// A 5xx leaves the delivery in the gateway's retry queue.
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
}

func TestWebhookHandlersStripePayloadTooLarge(t *testing.T) {
	router := newWebhookTestRouter(&stubWebhookParser{}, &stubReconcilerService{})

	payload := bytes.Repeat([]byte("a"), maxWebhookBodySize+1)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", bytes.NewReader(payload))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rr.Code)
	}
}
