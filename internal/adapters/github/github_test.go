package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
)

func newTestCollaborators(t *testing.T, handler http.Handler) *Collaborators {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewCollaborators(srv.Client(), srv.URL, nil)
	if err != nil {
		t.Fatalf("new collaborators: %v", err)
	}
	return c
}

func TestAddCollaboratorReturnsInvitation(t *testing.T) {
	var gotAuth, gotBody string
	c := newTestCollaborators(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/repos/seller-gh/widget/collaborators/buyer-gh" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 4242}`))
	}))

	invite, err := c.AddCollaborator(context.Background(), ports.CollaboratorRequest{
		Owner: "seller-gh", Repo: "widget", Username: "buyer-gh", Permission: "admin", Token: "gho_seller",
	})
	if err != nil {
		t.Fatalf("add collaborator: %v", err)
	}
	if invite.InvitationID != "4242" || invite.AlreadyCollaborator {
		t.Fatalf("unexpected invite %+v", invite)
	}
	if gotAuth != "Bearer gho_seller" {
		t.Fatalf("expected seller token, got %q", gotAuth)
	}
	if !strings.Contains(gotBody, `"permission":"admin"`) {
		t.Fatalf("expected permission in body, got %q", gotBody)
	}
}

func TestAddCollaboratorAlreadyCollaborator(t *testing.T) {
	c := newTestCollaborators(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	invite, err := c.AddCollaborator(context.Background(), ports.CollaboratorRequest{Owner: "o", Repo: "r", Username: "u", Token: "t"})
	if err != nil {
		t.Fatalf("add collaborator: %v", err)
	}
	if !invite.AlreadyCollaborator {
		t.Fatalf("expected already collaborator, got %+v", invite)
	}
}

func TestAddCollaboratorSurfacesErrors(t *testing.T) {
	c := newTestCollaborators(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Validation Failed"}`))
	}))

	if _, err := c.AddCollaborator(context.Background(), ports.CollaboratorRequest{Owner: "o", Repo: "r", Username: "u", Token: "t"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCheckAndRemoveCollaborator(t *testing.T) {
	c := newTestCollaborators(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/o/r/collaborators/member":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodDelete && r.URL.Path == "/repos/o/r/collaborators/gone":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	ctx := context.Background()

	ok, err := c.CheckCollaboratorAccess(ctx, ports.CollaboratorRequest{Owner: "o", Repo: "r", Username: "member", Token: "t"})
	if err != nil || !ok {
		t.Fatalf("expected member, got %v %v", ok, err)
	}
	ok, err = c.CheckCollaboratorAccess(ctx, ports.CollaboratorRequest{Owner: "o", Repo: "r", Username: "stranger", Token: "t"})
	if err != nil || ok {
		t.Fatalf("expected non-member, got %v %v", ok, err)
	}
	if err := c.RemoveCollaborator(ctx, ports.CollaboratorRequest{Owner: "o", Repo: "r", Username: "member", Token: "t"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := c.RemoveCollaborator(ctx, ports.CollaboratorRequest{Owner: "o", Repo: "r", Username: "gone", Token: "t"}); err != nil {
		t.Fatalf("remove missing collaborator should succeed, got %v", err)
	}
}

func signedMemberRequest(t *testing.T, secret, eventType, body string) *http.Request {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestParseMembershipEvent(t *testing.T) {
	body := `{"action":"added","member":{"login":"buyer-gh"},"repository":{"full_name":"seller-gh/widget"}}`
	v := NewWebhookVerifier("hook-secret")

	event, ok, err := v.ParseMembershipEvent(signedMemberRequest(t, "hook-secret", "member", body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := ports.MembershipEvent{DeliveryID: "delivery-1", Action: "added", RepoFullName: "seller-gh/widget", Username: "buyer-gh"}
	if !ok || event != want {
		t.Fatalf("got %+v ok=%v want %+v", event, ok, want)
	}

	if _, ok, err := v.ParseMembershipEvent(signedMemberRequest(t, "hook-secret", "ping", `{"zen":"hi"}`)); err != nil || ok {
		t.Fatalf("expected ping to be skipped, got ok=%v err=%v", ok, err)
	}

	_, _, err = v.ParseMembershipEvent(signedMemberRequest(t, "wrong-secret", "member", body))
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
