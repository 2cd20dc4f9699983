package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func signedPayload(t *testing.T, payload string) (string, string) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return string(signed.Payload), signed.Header
}

func TestParseGatewayEventSucceeded(t *testing.T) {
	body, header := signedPayload(t, `{
		"id": "evt_1",
		"object": "event",
		"type": "payment_intent.succeeded",
		"api_version": "2020-08-27",
		"data": {"object": {"id": "pi_1", "object": "payment_intent", "amount": 50000, "status": "succeeded"}}
	}`)

	v := NewWebhookVerifier(testWebhookSecret, 0)
	event, ok, err := v.ParseGatewayEvent([]byte(body), header)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ok {
		t.Fatalf("expected a payment event")
	}
	want := ports.GatewayEvent{EventID: "evt_1", Type: ports.GatewayEventPaymentSucceeded, IntentID: "pi_1", AmountCents: 50000}
	if event != want {
		t.Fatalf("got %+v want %+v", event, want)
	}
}

func TestParseGatewayEventIgnoresOtherTypes(t *testing.T) {
	body, header := signedPayload(t, `{"id":"evt_2","object":"event","type":"charge.updated","data":{"object":{"id":"ch_1","object":"charge"}}}`)

	_, ok, err := NewWebhookVerifier(testWebhookSecret, 0).ParseGatewayEvent([]byte(body), header)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ok {
		t.Fatalf("expected unrelated event to be skipped")
	}
}

func TestParseGatewayEventRejectsBadSignature(t *testing.T) {
	body, header := signedPayload(t, `{"id":"evt_3","object":"event","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_3","object":"payment_intent"}}}`)

	_, _, err := NewWebhookVerifier("whsec_other", 0).ParseGatewayEvent([]byte(body), header)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestGatewayCreatePaymentIntentSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotForm string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payment_intents" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("Idempotency-Key")
		_ = r.ParseForm()
		gotForm = r.PostForm.Encode()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_42","object":"payment_intent","amount":50000,"currency":"usd","client_secret":"pi_42_secret","status":"requires_payment_method"}`))
	}))
	defer srv.Close()

	g := NewGateway("sk_test_123", NewBackends(srv.URL), nil)
	intent, err := g.CreatePaymentIntent(context.Background(), ports.PaymentIntentRequest{
		AmountCents:    50000,
		Currency:       "usd",
		Metadata:       map[string]string{"transaction_id": "tx-1"},
		IdempotencyKey: "checkout-tx-1",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.IntentID != "pi_42" || intent.ClientSecret != "pi_42_secret" || intent.AmountCents != 50000 {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if gotKey != "checkout-tx-1" {
		t.Fatalf("expected idempotency key, got %q", gotKey)
	}
	if !strings.Contains(gotForm, "metadata%5Btransaction_id%5D=tx-1") {
		t.Fatalf("expected metadata in form, got %q", gotForm)
	}
}

func TestGatewayTransferRefusalIsRejected(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code == http.StatusBadRequest {
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"balance_insufficient","message":"insufficient available funds"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"upstream unavailable"}}`))
	}))
	defer srv.Close()

	g := NewGateway("sk_test_123", NewBackends(srv.URL), nil)
	req := ports.TransferRequest{DestinationAccount: "acct_1", AmountCents: 45000, Currency: "usd", IdempotencyKey: "escrow-release-tx-1-1"}
	_, err := g.CreateTransfer(context.Background(), req)
	if !errors.Is(err, ports.ErrGatewayRejected) {
		t.Fatalf("expected a 400 answer to be rejected, got %v", err)
	}

	status.Store(http.StatusInternalServerError)
	_, err = g.CreateTransfer(context.Background(), req)
	if err == nil || errors.Is(err, ports.ErrGatewayRejected) {
		t.Fatalf("a 500 answer must stay ambiguous, got %v", err)
	}
}
