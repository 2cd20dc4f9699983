package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	stripeapi "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	eventPaymentIntentSucceeded = "payment_intent.succeeded"
	eventPaymentIntentFailed    = "payment_intent.payment_failed"
)

// WebhookVerifier checks Stripe-Signature headers and decodes the payment
// intent events this service acts on.
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewWebhookVerifier(secret string, tolerance time.Duration) *WebhookVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &WebhookVerifier{secret: secret, tolerance: tolerance}
}

// ParseGatewayEvent reports ok=false for verified events of other types.
func (v *WebhookVerifier) ParseGatewayEvent(payload []byte, signature string) (ports.GatewayEvent, bool, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return ports.GatewayEvent{}, false, fmt.Errorf("%w: stripe signature: %v", domain.ErrUnauthorized, err)
	}

	var eventType ports.GatewayEventType
	switch string(event.Type) {
	case eventPaymentIntentSucceeded:
		eventType = ports.GatewayEventPaymentSucceeded
	case eventPaymentIntentFailed:
		eventType = ports.GatewayEventPaymentFailed
	default:
		return ports.GatewayEvent{}, false, nil
	}
	if event.Data == nil {
		return ports.GatewayEvent{}, false, fmt.Errorf("%w: stripe event %s has no data", domain.ErrInvalidInput, event.ID)
	}
	var pi stripeapi.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return ports.GatewayEvent{}, false, fmt.Errorf("%w: stripe payment intent: %v", domain.ErrInvalidInput, err)
	}
	return ports.GatewayEvent{
		EventID:     event.ID,
		Type:        eventType,
		IntentID:    pi.ID,
		AmountCents: pi.Amount,
	}, true, nil
}
