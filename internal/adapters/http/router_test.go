package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/codesalvage/transaction-escrow-service/internal/adapters/memory"
	"github.com/codesalvage/transaction-escrow-service/internal/application"
	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	"github.com/codesalvage/transaction-escrow-service/internal/testutil"
)

const (
	projectID = "proj-1"
	sellerID  = "seller-1"
	buyerID   = "buyer-1"
)

type staticVerifier map[string]ports.AuthClaims

func (v staticVerifier) Verify(token string) (ports.AuthClaims, error) {
	claims, ok := v[token]
	if !ok {
		return ports.AuthClaims{}, errors.New("unknown token")
	}
	return claims, nil
}

type fakeGatewayHook struct {
	event ports.GatewayEvent
}

func (f *fakeGatewayHook) ParseGatewayEvent(_ []byte, signature string) (ports.GatewayEvent, bool, error) {
	if signature != "sig-ok" {
		return ports.GatewayEvent{}, false, fmt.Errorf("%w: bad signature", domain.ErrUnauthorized)
	}
	return f.event, true, nil
}

type testServer struct {
	router http.Handler
	hook   *fakeGatewayHook
}

func newTestServer(t *testing.T, ready ReadinessCheck) *testServer {
	t.Helper()
	repos := memory.NewRepositories()
	repos.Directory.PutListing(domain.Listing{
		ProjectID:          projectID,
		SellerID:           sellerID,
		Title:              "Half-built invoicing SaaS",
		PriceCents:         50000,
		Status:             domain.ListingStatusActive,
		GithubRepoFullName: "seller-gh/widget",
	})
	repos.Directory.PutSellerAccount(domain.SellerAccount{SellerID: sellerID, StripeAccountID: "acct_seller", OnboardingComplete: true})
	repos.Directory.PutGithubIdentity(domain.GithubIdentity{UserID: sellerID, Username: "seller-gh", AccessToken: "gho_seller"})
	repos.Directory.PutGithubIdentity(domain.GithubIdentity{UserID: buyerID, Username: "buyer-gh"})

	svc := application.NewService(application.Dependencies{
		Offers:       repos.Offers,
		Transactions: repos.Transactions,
		Transfers:    repos.Transfers,
		Directory:    repos.Directory,
		Outbox:       repos.Outbox,
		EventDedup:   repos.EventDedup,
		Idempotency:  repos.Idempotency,
		Gateway:      testutil.NewGateway(),
		Github:       testutil.NewGithub(),
	})
	verifier := staticVerifier{
		"buyer-token":  {UserID: buyerID},
		"seller-token": {UserID: sellerID, Role: application.RoleUser},
		"admin-token":  {UserID: "admin-1", Role: application.RoleAdmin},
	}
	hook := &fakeGatewayHook{}
	return &testServer{
		router: NewRouter(NewHandler(svc, verifier, hook, nil, ready)),
		hook:   hook,
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s %s response %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, env
}

func decodeData(t *testing.T, env envelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, nil)
	if code, _ := s.do(t, http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}

	down := newTestServer(t, func(context.Context) error { return errors.New("db down") })
	code, env := down.do(t, http.MethodGet, "/readyz", "", nil)
	if code != http.StatusServiceUnavailable || env.Code != "NOT_READY" {
		t.Fatalf("readyz = %d %s", code, env.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, nil)

	code, env := s.do(t, http.MethodPost, "/v1/offers", "", map[string]any{"project_id": projectID, "offered_price_cents": 40000})
	if code != http.StatusUnauthorized || env.Code != "UNAUTHORIZED" {
		t.Fatalf("missing token = %d %s", code, env.Code)
	}
	code, _ = s.do(t, http.MethodPost, "/v1/offers", "forged", map[string]any{"project_id": projectID, "offered_price_cents": 40000})
	if code != http.StatusUnauthorized {
		t.Fatalf("unknown token = %d", code)
	}
}

func TestOfferNegotiationOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	code, env := s.do(t, http.MethodPost, "/v1/offers", "buyer-token", map[string]any{"project_id": projectID, "offered_price_cents": 40000, "message": "would you take 400?"})
	if code != http.StatusCreated {
		t.Fatalf("create offer = %d %s %s", code, env.Code, env.Message)
	}
	var offer domain.Offer
	decodeData(t, env, &offer)
	if offer.Status != domain.OfferStatusPending || offer.OfferedPriceCents != 40000 {
		t.Fatalf("unexpected offer %+v", offer)
	}

	code, env = s.do(t, http.MethodPost, "/v1/offers/"+offer.OfferID+"/counter", "seller-token", map[string]any{"offered_price_cents": 45000})
	if code != http.StatusCreated {
		t.Fatalf("counter = %d %s %s", code, env.Code, env.Message)
	}
	var counter domain.Offer
	decodeData(t, env, &counter)

	code, env = s.do(t, http.MethodPost, "/v1/offers/"+counter.OfferID+"/accept", "seller-token", nil)
	if code != http.StatusForbidden {
		t.Fatalf("proposer accepting own counter = %d %s", code, env.Code)
	}
	code, env = s.do(t, http.MethodPost, "/v1/offers/"+counter.OfferID+"/accept", "buyer-token", nil)
	if code != http.StatusOK {
		t.Fatalf("accept = %d %s %s", code, env.Code, env.Message)
	}

	code, env = s.do(t, http.MethodGet, "/v1/offers/"+counter.OfferID+"/chain", "buyer-token", nil)
	if code != http.StatusOK {
		t.Fatalf("chain = %d", code)
	}
	var chain struct {
		Offers []domain.Offer `json:"offers"`
	}
	decodeData(t, env, &chain)
	if len(chain.Offers) != 2 {
		t.Fatalf("chain length = %d", len(chain.Offers))
	}
}

func TestRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t, nil)
	code, env := s.do(t, http.MethodPost, "/v1/offers", "buyer-token", `{"project_id":"proj-1","offered_price_cents":40000,"discount":5}`)
	if code != http.StatusBadRequest || env.Code != "VALIDATION_ERROR" {
		t.Fatalf("unknown field = %d %s", code, env.Code)
	}
}

func TestCheckoutPaymentAndRelease(t *testing.T) {
	s := newTestServer(t, nil)

	code, env := s.do(t, http.MethodPost, "/v1/checkout", "buyer-token", map[string]any{"project_id": projectID})
	if code != http.StatusCreated {
		t.Fatalf("checkout = %d %s %s", code, env.Code, env.Message)
	}
	var checkout application.CheckoutResult
	decodeData(t, env, &checkout)
	if checkout.Breakdown.AmountCents != 50000 || checkout.Breakdown.CommissionCents != 5000 {
		t.Fatalf("unexpected breakdown %+v", checkout.Breakdown)
	}

	s.hook.event = ports.GatewayEvent{
		EventID:     "evt_1",
		Type:        ports.GatewayEventPaymentSucceeded,
		IntentID:    checkout.PaymentIntentID,
		AmountCents: 50000,
	}
	if code, _ := s.do(t, http.MethodPost, "/v1/webhooks/stripe", "", `{}`, "Stripe-Signature", "forged"); code != http.StatusUnauthorized {
		t.Fatalf("forged webhook = %d", code)
	}
	if code, env := s.do(t, http.MethodPost, "/v1/webhooks/stripe", "", `{}`, "Stripe-Signature", "sig-ok"); code != http.StatusOK {
		t.Fatalf("webhook = %d %s %s", code, env.Code, env.Message)
	}

	txPath := "/v1/transactions/" + checkout.TransactionID
	code, env = s.do(t, http.MethodGet, txPath, "buyer-token", nil)
	if code != http.StatusOK {
		t.Fatalf("get transaction = %d", code)
	}
	var tx domain.Transaction
	decodeData(t, env, &tx)
	if tx.PaymentStatus != domain.PaymentStatusSucceeded || tx.EscrowStatus != domain.EscrowStatusHeld {
		t.Fatalf("unexpected transaction state %s/%s", tx.PaymentStatus, tx.EscrowStatus)
	}

	if code, _ := s.do(t, http.MethodGet, txPath, "admin-token", nil); code != http.StatusOK {
		t.Fatalf("admin read = %d", code)
	}
	if code, env := s.do(t, http.MethodPost, txPath+"/release", "buyer-token", nil); code != http.StatusForbidden {
		t.Fatalf("buyer release = %d %s", code, env.Code)
	}
	code, env = s.do(t, http.MethodPost, txPath+"/release", "admin-token", nil, "Idempotency-Key", "release-1")
	if code != http.StatusOK {
		t.Fatalf("admin release = %d %s %s", code, env.Code, env.Message)
	}
	decodeData(t, env, &tx)
	if tx.EscrowStatus != domain.EscrowStatusReleased || tx.ReleaseTrigger != domain.ReleaseTriggerManual {
		t.Fatalf("unexpected release %+v", tx)
	}

	code, env = s.do(t, http.MethodPost, txPath+"/refund", "admin-token", map[string]any{"reason": "buyer changed mind"})
	if code != http.StatusConflict || env.Code != "ALREADY_RELEASED" {
		t.Fatalf("refund after release = %d %s", code, env.Code)
	}
}

func TestUnknownTransactionIsNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	code, env := s.do(t, http.MethodGet, "/v1/transactions/missing", "admin-token", nil)
	if code != http.StatusNotFound || env.Code != "NOT_FOUND" {
		t.Fatalf("missing transaction = %d %s", code, env.Code)
	}
}

func TestGithubWebhookWithoutVerifier(t *testing.T) {
	s := newTestServer(t, nil)
	code, env := s.do(t, http.MethodPost, "/v1/webhooks/github", "", `{}`)
	if code != http.StatusServiceUnavailable || env.Code != "SERVICE_UNAVAILABLE" {
		t.Fatalf("github webhook = %d %s", code, env.Code)
	}
}

func TestMapDomainErrorPrefersSpecificSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrap: %w", domain.ErrAlreadyReleased), http.StatusConflict, "ALREADY_RELEASED"},
		{fmt.Errorf("%w: later", domain.ErrNotEligible), http.StatusUnprocessableEntity, "NOT_ELIGIBLE"},
		{domain.ErrOfferExpired, http.StatusGone, "OFFER_EXPIRED"},
		{domain.ErrRateLimitExceeded, http.StatusTooManyRequests, "RATE_LIMITED"},
		{fmt.Errorf("%w: stripe", domain.ErrDependencyUnavailable), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		status, code, _ := mapDomainError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("%v mapped to %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}
