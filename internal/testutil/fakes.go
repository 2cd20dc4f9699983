// Package testutil provides scriptable fakes for the outbound ports.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codesalvage/transaction-escrow-service/internal/ports"
)

var ErrInjected = errors.New("injected failure")

// Gateway records calls and honours idempotency keys the way the real
// processor does: a repeated key returns the first result.
type Gateway struct {
	mu sync.Mutex

	FailCreateIntent int
	FailTransfer     int
	FailRefund       int
	// RejectTransfer and RejectRefund decline the next calls outright. A
	// declined key keeps answering with the decline, as the processor does.
	RejectTransfer int
	RejectRefund   int

	intents   map[string]ports.PaymentIntent
	byKey     map[string]string
	declined  map[string]bool
	Transfers []ports.TransferRequest
	Refunds   []ports.RefundRequest
	seq       int
}

func NewGateway() *Gateway {
	return &Gateway{intents: map[string]ports.PaymentIntent{}, byKey: map[string]string{}, declined: map[string]bool{}}
}

func (g *Gateway) CreatePaymentIntent(_ context.Context, req ports.PaymentIntentRequest) (ports.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailCreateIntent > 0 {
		g.FailCreateIntent--
		return ports.PaymentIntent{}, ErrInjected
	}
	if id, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return g.intents[id], nil
	}
	g.seq++
	intent := ports.PaymentIntent{
		IntentID:     fmt.Sprintf("pi_%d", g.seq),
		ClientSecret: fmt.Sprintf("pi_%d_secret", g.seq),
		AmountCents:  req.AmountCents,
		Status:       "requires_payment_method",
	}
	g.intents[intent.IntentID] = intent
	g.byKey[req.IdempotencyKey] = intent.IntentID
	return intent, nil
}

func (g *Gateway) RetrievePaymentIntent(_ context.Context, intentID string) (ports.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return ports.PaymentIntent{}, fmt.Errorf("no such intent %s", intentID)
	}
	return intent, nil
}

func (g *Gateway) CreateTransfer(_ context.Context, req ports.TransferRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailTransfer > 0 {
		g.FailTransfer--
		return "", ErrInjected
	}
	if g.declineLocked(req.IdempotencyKey, &g.RejectTransfer) {
		return "", fmt.Errorf("%w: insufficient platform balance", ports.ErrGatewayRejected)
	}
	if id, ok := g.byKey[req.IdempotencyKey]; ok {
		return id, nil
	}
	g.seq++
	id := fmt.Sprintf("tr_%d", g.seq)
	g.byKey[req.IdempotencyKey] = id
	g.Transfers = append(g.Transfers, req)
	return id, nil
}

func (g *Gateway) CreateRefund(_ context.Context, req ports.RefundRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailRefund > 0 {
		g.FailRefund--
		return "", ErrInjected
	}
	if g.declineLocked(req.IdempotencyKey, &g.RejectRefund) {
		return "", fmt.Errorf("%w: charge already disputed", ports.ErrGatewayRejected)
	}
	if id, ok := g.byKey[req.IdempotencyKey]; ok {
		return id, nil
	}
	g.seq++
	id := fmt.Sprintf("re_%d", g.seq)
	g.byKey[req.IdempotencyKey] = id
	g.Refunds = append(g.Refunds, req)
	return id, nil
}

func (g *Gateway) declineLocked(key string, budget *int) bool {
	if g.declined[key] {
		return true
	}
	if *budget > 0 {
		*budget--
		g.declined[key] = true
		return true
	}
	return false
}

func (g *Gateway) TransferCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Transfers)
}

func (g *Gateway) RefundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Refunds)
}

// Github fakes the collaborator API. Collaborators are keyed by
// "owner/repo:username".
type Github struct {
	mu sync.Mutex

	FailAdd int
	// Existing marks users who are collaborators before any invite.
	Existing map[string]bool

	Invites       []ports.CollaboratorRequest
	Removed       []ports.CollaboratorRequest
	collaborators map[string]bool
	seq           int
}

func NewGithub() *Github {
	return &Github{Existing: map[string]bool{}, collaborators: map[string]bool{}}
}

func collaboratorKey(req ports.CollaboratorRequest) string {
	return req.Owner + "/" + req.Repo + ":" + req.Username
}

func (g *Github) AddCollaborator(_ context.Context, req ports.CollaboratorRequest) (ports.CollaboratorInvite, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailAdd > 0 {
		g.FailAdd--
		return ports.CollaboratorInvite{}, ErrInjected
	}
	g.Invites = append(g.Invites, req)
	if g.Existing[collaboratorKey(req)] {
		g.collaborators[collaboratorKey(req)] = true
		return ports.CollaboratorInvite{AlreadyCollaborator: true}, nil
	}
	g.seq++
	return ports.CollaboratorInvite{InvitationID: fmt.Sprintf("%d", 1000+g.seq)}, nil
}

func (g *Github) RemoveCollaborator(_ context.Context, req ports.CollaboratorRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.collaborators, collaboratorKey(req))
	g.Removed = append(g.Removed, req)
	return nil
}

func (g *Github) CheckCollaboratorAccess(_ context.Context, req ports.CollaboratorRequest) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.collaborators[collaboratorKey(req)], nil
}

// Accept simulates the invitee accepting a pending invitation.
func (g *Github) Accept(owner, repo, username string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collaborators[owner+"/"+repo+":"+username] = true
}
