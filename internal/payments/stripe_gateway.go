package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/tidemark-store/api/internal/services"
)

const stripeProviderName = "stripe"

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Backends      *stripe.Backends
	Logger        GatewayLogger
	Clock         func() time.Time

	// Intents and VerifyEvent are injectable for tests.
	Intents     stripePaymentIntentAPI
	VerifyEvent func(payload []byte, signature string) (stripe.Event, error)
}

// StripeGateway implements the Gateway interface using Stripe APIs.
type StripeGateway struct {
	intents stripePaymentIntentAPI
	verify  func(payload []byte, signature string) (stripe.Event, error)
	account string
	clock   func() time.Time
	logger  GatewayLogger
}

// NewStripeGateway constructs a Stripe Gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	verify := cfg.VerifyEvent
	if verify == nil {
		secret := strings.TrimSpace(cfg.WebhookSecret)
		if secret == "" {
			return nil, errors.New("stripe: webhook secret is required")
		}
		verify = func(payload []byte, signature string) (stripe.Event, error) {
			return webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
				IgnoreAPIVersionMismatch: true,
			})
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		intents: intents,
		verify:  verify,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateIntent opens a payment intent for the order. The intent is created
// with an idempotency key derived from the order ID so a retried placement
// never opens a second payment.
func (g *StripeGateway) CreateIntent(ctx context.Context, req services.PaymentIntentRequest) (services.PaymentIntent, error) {
	if g == nil {
		return services.PaymentIntent{}, errors.New("stripe: gateway is nil")
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return services.PaymentIntent{}, errors.New("stripe: order id is required")
	}
	if req.Amount <= 0 {
		return services.PaymentIntent{}, fmt.Errorf("stripe: invalid amount %d", req.Amount)
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return services.PaymentIntent{}, errors.New("stripe: currency is required")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	params.SetIdempotencyKey("order-" + req.OrderID)
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if types := stripeMethodTypes(req.Method); len(types) > 0 {
		params.PaymentMethodTypes = stripe.StringSlice(types)
	}
	if req.OrderNumber != "" {
		params.Description = stripe.String("Order " + req.OrderNumber)
	}
	params.AddMetadata("orderId", req.OrderID)
	params.AddMetadata("orderNumber", req.OrderNumber)

	intent, err := g.intents.New(params)
	if err != nil {
		g.logger(ctx, "stripe.intent.error", map[string]any{
			"orderId": req.OrderID,
			"error":   err.Error(),
		})
		return services.PaymentIntent{}, fmt.Errorf("stripe: create intent: %w", err)
	}

	g.logger(ctx, "stripe.intent.created", map[string]any{
		"orderId":  req.OrderID,
		"intentId": intent.ID,
		"amount":   req.Amount,
		"currency": currency,
	})

	return services.PaymentIntent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Provider:     stripeProviderName,
	}, nil
}

// ParseWebhook verifies the Stripe signature and maps the payload onto the
// provider-neutral gateway event. Event types outside the reconciler's
// vocabulary return ErrUnsupportedEvent.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (services.GatewayEvent, error) {
	if g == nil {
		return services.GatewayEvent{}, errors.New("stripe: gateway is nil")
	}

	event, err := g.verify(payload, signature)
	if err != nil {
		return services.GatewayEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	occurredAt := g.clock()
	if event.Created > 0 {
		occurredAt = time.Unix(event.Created, 0).UTC()
	}

	switch string(event.Type) {
	case "payment_intent.succeeded":
		intent, err := decodePaymentIntent(event.Data.Raw)
		if err != nil {
			return services.GatewayEvent{}, err
		}
		amount := intent.AmountReceived
		if amount == 0 {
			amount = intent.Amount
		}
		return services.GatewayEvent{
			ID:         event.ID,
			Type:       services.GatewayEventSucceeded,
			IntentID:   intent.ID,
			Amount:     amount,
			Currency:   strings.ToUpper(string(intent.Currency)),
			OccurredAt: occurredAt,
		}, nil

	case "payment_intent.payment_failed", "payment_intent.canceled":
		intent, err := decodePaymentIntent(event.Data.Raw)
		if err != nil {
			return services.GatewayEvent{}, err
		}
		return services.GatewayEvent{
			ID:         event.ID,
			Type:       services.GatewayEventFailed,
			IntentID:   intent.ID,
			Amount:     intent.Amount,
			Currency:   strings.ToUpper(string(intent.Currency)),
			OccurredAt: occurredAt,
		}, nil

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return services.GatewayEvent{}, fmt.Errorf("stripe: decode charge: %w", err)
		}
		if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
			return services.GatewayEvent{}, errors.New("stripe: refund charge has no payment intent")
		}
		eventType := services.GatewayEventPartialRefund
		if charge.AmountRefunded >= charge.Amount {
			eventType = services.GatewayEventRefunded
		}
		return services.GatewayEvent{
			ID:             event.ID,
			Type:           eventType,
			IntentID:       charge.PaymentIntent.ID,
			Amount:         charge.Amount,
			AmountRefunded: charge.AmountRefunded,
			Currency:       strings.ToUpper(string(charge.Currency)),
			OccurredAt:     occurredAt,
		}, nil
	}

	return services.GatewayEvent{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Type)
}

func decodePaymentIntent(raw json.RawMessage) (stripe.PaymentIntent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return stripe.PaymentIntent{}, fmt.Errorf("stripe: decode payment intent: %w", err)
	}
	if intent.ID == "" {
		return stripe.PaymentIntent{}, errors.New("stripe: event payload has no intent id")
	}
	return intent, nil
}

func stripeMethodTypes(method string) []string {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "card", "":
		return []string{"card"}
	case "konbini":
		return []string{"konbini"}
	case "bank_transfer":
		return []string{"customer_balance"}
	default:
		// Cash on delivery and other offline methods still get an intent
		// for reconciliation, settled out of band.
		return nil
	}
}

var _ Gateway = (*StripeGateway)(nil)
