package http

import (
	"context"
	"net/http"

	"github.com/codesalvage/transaction-escrow-service/internal/application"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	"github.com/go-chi/chi/v5"
)

// GatewayWebhookParser verifies and decodes payment processor webhooks.
type GatewayWebhookParser interface {
	ParseGatewayEvent(payload []byte, signature string) (ports.GatewayEvent, bool, error)
}

// MembershipWebhookParser verifies and decodes repository membership webhooks.
type MembershipWebhookParser interface {
	ParseMembershipEvent(r *http.Request) (ports.MembershipEvent, bool, error)
}

// ReadinessCheck reports whether backing stores are reachable.
type ReadinessCheck func(ctx context.Context) error

type Handler struct {
	service     *application.Service
	verifier    ports.TokenVerifier
	gatewayHook GatewayWebhookParser
	githubHook  MembershipWebhookParser
	ready       ReadinessCheck
}

func NewHandler(service *application.Service, verifier ports.TokenVerifier, gatewayHook GatewayWebhookParser, githubHook MembershipWebhookParser, ready ReadinessCheck) *Handler {
	return &Handler{
		service:     service,
		verifier:    verifier,
		gatewayHook: gatewayHook,
		githubHook:  githubHook,
		ready:       ready,
	}
}

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)

	r.Route("/v1", func(r chi.Router) {
		// Webhooks authenticate with their own signatures.
		r.Post("/webhooks/stripe", handler.stripeWebhook)
		r.Post("/webhooks/github", handler.githubWebhook)

		r.Group(func(r chi.Router) {
			r.Use(handler.authMiddleware)

			r.Post("/offers", handler.createOffer)
			r.Get("/offers/{offer_id}", handler.getOffer)
			r.Get("/offers/{offer_id}/chain", handler.getOfferChain)
			r.Post("/offers/{offer_id}/counter", handler.counterOffer)
			r.Post("/offers/{offer_id}/accept", handler.acceptOffer)
			r.Post("/offers/{offer_id}/reject", handler.rejectOffer)
			r.Post("/offers/{offer_id}/withdraw", handler.withdrawOffer)
			r.Get("/projects/{project_id}/offers", handler.listProjectOffers)

			r.Post("/checkout", handler.beginCheckout)

			r.Get("/transactions/{transaction_id}", handler.getTransaction)
			r.Post("/transactions/{transaction_id}/code-access", handler.recordCodeAccess)
			r.Post("/transactions/{transaction_id}/release", handler.releaseEscrow)
			r.Post("/transactions/{transaction_id}/refund", handler.refund)
			r.Get("/transactions/{transaction_id}/transfer", handler.getTransfer)

			r.Put("/transfers/{transfer_id}/github-username", handler.setBuyerGithubUsername)
			r.Post("/transfers/{transfer_id}/accept", handler.markTransferAccepted)
			r.Post("/transfers/{transfer_id}/finalize", handler.finalizeTransfer)
			r.Post("/transfers/{transfer_id}/complete-manual", handler.completeManualTransfer)
			r.Post("/transfers/{transfer_id}/reset", handler.resetTransfer)
		})
	})

	return r
}
