package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tidemark-store/api/internal/payments"
	"github.com/tidemark-store/api/internal/platform/httpx"
	"github.com/tidemark-store/api/internal/platform/requestctx"
	"github.com/tidemark-store/api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

const stripeSignatureHeader = "Stripe-Signature"

// WebhookHandlers receives PSP deliveries. A 2xx is only returned after the
// reconciler has durably applied the event; any failure keeps the delivery in
// the gateway's retry queue.
type WebhookHandlers struct {
	parser     payments.WebhookParser
	reconciler services.ReconcilerService
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(parser payments.WebhookParser, reconciler services.ReconcilerService) *WebhookHandlers {
	return &WebhookHandlers{
		parser:     parser,
		reconciler: reconciler,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.stripeWebhook)
}

func (h *WebhookHandlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)

	if h.parser == nil || h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}
	if int64(len(payload)) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	event, err := h.parser.ParseWebhook(payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrUnsupportedEvent):
			// Acknowledge so the gateway stops redelivering types we
			// deliberately ignore.
			writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true, Ignored: true})
		case errors.Is(err, payments.ErrInvalidSignature):
			logger.Warn("webhook signature rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to parse webhook payload", http.StatusBadRequest))
		}
		return
	}

	if err := h.reconciler.ApplyGatewayEvent(ctx, event); err != nil {
		if errors.Is(err, services.ErrReconciliation) {
			logger.Warn("gateway event rejected",
				zap.String("eventId", event.ID),
				zap.String("eventType", string(event.Type)),
				zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("reconciliation_failed", "event could not be applied", http.StatusInternalServerError))
			return
		}
		logger.Error("gateway event processing failed",
			zap.String("eventId", event.ID),
			zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process event", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
}

type webhookAckResponse struct {
	Received bool `json:"received"`
	Ignored  bool `json:"ignored,omitempty"`
}
