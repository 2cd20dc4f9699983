package http

import (
	"net/http"

	"github.com/codesalvage/transaction-escrow-service/internal/application"
	"github.com/go-chi/chi/v5"
)

func (h *Handler) createOffer(w http.ResponseWriter, r *http.Request) {
	var req application.CreateOfferInput
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "create_offer", err)
		return
	}
	offer, err := h.service.CreateOffer(r.Context(), actorFromContext(r.Context()), req)
	if err != nil {
		writeMappedError(r.Context(), w, "create_offer", err)
		return
	}
	writeSuccess(w, http.StatusCreated, offer)
}

func (h *Handler) counterOffer(w http.ResponseWriter, r *http.Request) {
	var req application.CounterOfferInput
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "counter_offer", err)
		return
	}
	offer, err := h.service.CounterOffer(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "offer_id"), req)
	if err != nil {
		writeMappedError(r.Context(), w, "counter_offer", err)
		return
	}
	writeSuccess(w, http.StatusCreated, offer)
}

func (h *Handler) acceptOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.service.AcceptOffer(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "offer_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "accept_offer", err)
		return
	}
	writeSuccess(w, http.StatusOK, offer)
}

func (h *Handler) rejectOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.service.RejectOffer(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "offer_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "reject_offer", err)
		return
	}
	writeSuccess(w, http.StatusOK, offer)
}

func (h *Handler) withdrawOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.service.WithdrawOffer(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "offer_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "withdraw_offer", err)
		return
	}
	writeSuccess(w, http.StatusOK, offer)
}

func (h *Handler) getOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.service.GetOffer(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "offer_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "get_offer", err)
		return
	}
	writeSuccess(w, http.StatusOK, offer)
}

func (h *Handler) getOfferChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.service.GetOfferChain(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "offer_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "get_offer_chain", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"offers": chain})
}

func (h *Handler) listProjectOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.service.ListProjectOffers(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "project_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "list_project_offers", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"offers": offers})
}
