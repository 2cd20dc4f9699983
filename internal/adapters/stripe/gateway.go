// Package stripe adapts the Stripe API to the payment gateway port.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	stripeapi "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

type Gateway struct {
	api    *client.API
	logger *slog.Logger
}

// NewGateway builds a gateway for secretKey. backends is nil outside tests.
func NewGateway(secretKey string, backends *stripeapi.Backends, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{api: client.New(secretKey, backends), logger: logger}
}

// NewBackends points every Stripe backend at baseURL.
func NewBackends(baseURL string) *stripeapi.Backends {
	cfg := &stripeapi.BackendConfig{
		URL:               stripeapi.String(baseURL),
		MaxNetworkRetries: stripeapi.Int64(0),
		LeveledLogger:     &stripeapi.LeveledLogger{Level: stripeapi.LevelError},
	}
	backend := stripeapi.GetBackendWithConfig(stripeapi.APIBackend, cfg)
	return &stripeapi.Backends{API: backend, Connect: backend, Uploads: backend}
}

func (g *Gateway) CreatePaymentIntent(ctx context.Context, req ports.PaymentIntentRequest) (ports.PaymentIntent, error) {
	params := &stripeapi.PaymentIntentParams{
		Amount:   stripeapi.Int64(req.AmountCents),
		Currency: stripeapi.String(req.Currency),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripeapi.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		g.logFailure(ctx, "create_payment_intent", err)
		return ports.PaymentIntent{}, fmt.Errorf("stripe create payment intent: %w", err)
	}
	return toPaymentIntent(pi), nil
}

func (g *Gateway) RetrievePaymentIntent(ctx context.Context, intentID string) (ports.PaymentIntent, error) {
	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		g.logFailure(ctx, "retrieve_payment_intent", err)
		return ports.PaymentIntent{}, fmt.Errorf("stripe retrieve payment intent: %w", err)
	}
	return toPaymentIntent(pi), nil
}

func (g *Gateway) CreateTransfer(ctx context.Context, req ports.TransferRequest) (string, error) {
	params := &stripeapi.TransferParams{
		Amount:      stripeapi.Int64(req.AmountCents),
		Currency:    stripeapi.String(req.Currency),
		Destination: stripeapi.String(req.DestinationAccount),
	}
	if req.GroupID != "" {
		params.TransferGroup = stripeapi.String(req.GroupID)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	tr, err := g.api.Transfers.New(params)
	if err != nil {
		g.logFailure(ctx, "create_transfer", err)
		return "", wrapMoneyError("stripe create transfer", err)
	}
	return tr.ID, nil
}

// CreateRefund refunds the whole intent. The operator's reason travels as
// metadata since Stripe only accepts its own reason codes.
func (g *Gateway) CreateRefund(ctx context.Context, req ports.RefundRequest) (string, error) {
	params := &stripeapi.RefundParams{
		PaymentIntent: stripeapi.String(req.IntentID),
		Reason:        stripeapi.String(string(stripeapi.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	re, err := g.api.Refunds.New(params)
	if err != nil {
		g.logFailure(ctx, "create_refund", err)
		return "", wrapMoneyError("stripe create refund", err)
	}
	return re.ID, nil
}

// wrapMoneyError marks 4xx answers that say the request was refused as
// ports.ErrGatewayRejected. 409 (idempotency key in use) and 429 stay
// ambiguous since the first request may still be executing.
func wrapMoneyError(operation string, err error) error {
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) {
		status := stripeErr.HTTPStatusCode
		if status >= 400 && status < 500 && status != 409 && status != 429 {
			return fmt.Errorf("%s: %w: %w", operation, ports.ErrGatewayRejected, err)
		}
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func (g *Gateway) logFailure(ctx context.Context, operation string, err error) {
	attrs := []any{
		"module", "stripe",
		"layer", "adapter",
		"operation", operation,
		"outcome", "failure",
		"error", err.Error(),
	}
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) {
		attrs = append(attrs, "stripe_code", string(stripeErr.Code), "http_status", stripeErr.HTTPStatusCode)
	}
	g.logger.WarnContext(ctx, "stripe call failed", attrs...)
}

func toPaymentIntent(pi *stripeapi.PaymentIntent) ports.PaymentIntent {
	return ports.PaymentIntent{
		IntentID:     pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
		Status:       string(pi.Status),
	}
}
