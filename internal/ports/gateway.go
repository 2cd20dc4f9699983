package ports

import (
	"context"
	"errors"
)

// ErrGatewayRejected marks a gateway answer that definitely moved no money,
// such as a declined transfer for insufficient balance. Timeouts and 5xx
// answers are never wrapped with it.
var ErrGatewayRejected = errors.New("gateway rejected request")

type PaymentIntentRequest struct {
	AmountCents    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

type PaymentIntent struct {
	IntentID     string
	ClientSecret string
	AmountCents  int64
	Status       string
}

type TransferRequest struct {
	DestinationAccount string
	AmountCents        int64
	Currency           string
	GroupID            string
	Metadata           map[string]string
	IdempotencyKey     string
}

type RefundRequest struct {
	IntentID       string
	Reason         string
	Metadata       map[string]string
	IdempotencyKey string
}

// PaymentGateway is the outbound payment processor port. Implementations
// must honour IdempotencyKey so a retried call never moves money twice.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error)
	RetrievePaymentIntent(ctx context.Context, intentID string) (PaymentIntent, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (transferID string, err error)
	CreateRefund(ctx context.Context, req RefundRequest) (refundID string, err error)
}

type GatewayEventType string

const (
	GatewayEventPaymentSucceeded GatewayEventType = "payment_succeeded"
	GatewayEventPaymentFailed    GatewayEventType = "payment_failed"
)

// GatewayEvent is a verified, decoded payment webhook.
type GatewayEvent struct {
	EventID     string
	Type        GatewayEventType
	IntentID    string
	AmountCents int64
}
