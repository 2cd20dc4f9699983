package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
)

// stripeWebhook answers 2xx only once the event is applied, so the
// processor keeps redelivering until it sticks.
func (h *Handler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.gatewayHook == nil {
		writeMappedError(r.Context(), w, "stripe_webhook", domain.ErrDependencyUnavailable)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeValidationError(r.Context(), w, "stripe_webhook", err)
		return
	}
	event, ok, err := h.gatewayHook.ParseGatewayEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeMappedError(r.Context(), w, "stripe_webhook", err)
		return
	}
	if !ok {
		writeMessage(w, http.StatusOK, "ignored")
		return
	}
	if err := h.service.HandleGatewayEvent(r.Context(), event); err != nil {
		writeMappedError(r.Context(), w, "stripe_webhook", err)
		return
	}
	writeMessage(w, http.StatusOK, "processed")
}

func (h *Handler) githubWebhook(w http.ResponseWriter, r *http.Request) {
	if h.githubHook == nil {
		writeMappedError(r.Context(), w, "github_webhook", domain.ErrDependencyUnavailable)
		return
	}
	event, ok, err := h.githubHook.ParseMembershipEvent(r)
	if err != nil {
		writeMappedError(r.Context(), w, "github_webhook", err)
		return
	}
	if !ok {
		writeMessage(w, http.StatusOK, "ignored")
		return
	}
	if err := h.service.HandleMembershipEvent(r.Context(), event); err != nil && !errors.Is(err, domain.ErrNotFound) {
		writeMappedError(r.Context(), w, "github_webhook", err)
		return
	}
	writeMessage(w, http.StatusOK, "processed")
}
