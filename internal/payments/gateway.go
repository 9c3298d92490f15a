package payments

import (
	"context"
	"errors"

	"github.com/tidemark-store/api/internal/services"
)

// Sentinel errors returned by the webhook boundary. Handlers translate
// ErrInvalidSignature into a 400 and treat ErrUnsupportedEvent as an
// acknowledged no-op so the gateway stops redelivering.
var (
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	ErrUnsupportedEvent = errors.New("payments: unsupported event type")
)

// WebhookParser verifies a raw webhook delivery and normalises it into the
// provider-neutral event the reconciler consumes.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (services.GatewayEvent, error)
}

// Gateway combines intent creation and webhook parsing for a single PSP.
type Gateway interface {
	services.PaymentGateway
	WebhookParser
}

// GatewayLogger defines the logging contract for gateway operations.
type GatewayLogger func(ctx context.Context, event string, fields map[string]any)
