package http

import (
	"net/http"

	"github.com/codesalvage/transaction-escrow-service/internal/application"
	"github.com/go-chi/chi/v5"
)

func (h *Handler) beginCheckout(w http.ResponseWriter, r *http.Request) {
	var req application.CheckoutInput
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "begin_checkout", err)
		return
	}
	res, err := h.service.BeginCheckout(r.Context(), actorFromContext(r.Context()), req)
	if err != nil {
		writeMappedError(r.Context(), w, "begin_checkout", err)
		return
	}
	writeSuccess(w, http.StatusCreated, res)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.GetTransaction(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "transaction_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "get_transaction", err)
		return
	}
	writeSuccess(w, http.StatusOK, tx)
}

func (h *Handler) recordCodeAccess(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.RecordCodeAccess(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "transaction_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "record_code_access", err)
		return
	}
	writeSuccess(w, http.StatusOK, tx)
}

func (h *Handler) releaseEscrow(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.ManualReleaseOverride(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "transaction_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "release_escrow", err)
		return
	}
	writeSuccess(w, http.StatusOK, tx)
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	var req application.RefundInput
	if err := decodeOptionalBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "refund", err)
		return
	}
	tx, err := h.service.Refund(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "transaction_id"), req)
	if err != nil {
		writeMappedError(r.Context(), w, "refund", err)
		return
	}
	writeSuccess(w, http.StatusOK, tx)
}
