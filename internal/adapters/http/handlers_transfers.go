package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type githubUsernameRequest struct {
	GithubUsername string `json:"github_username"`
}

func (h *Handler) getTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.service.GetTransferForTransaction(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "transaction_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "get_transfer", err)
		return
	}
	writeSuccess(w, http.StatusOK, transfer)
}

func (h *Handler) setBuyerGithubUsername(w http.ResponseWriter, r *http.Request) {
	var req githubUsernameRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(r.Context(), w, "set_buyer_github_username", err)
		return
	}
	transfer, err := h.service.SetBuyerGithubUsername(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "transfer_id"), req.GithubUsername)
	if err != nil {
		writeMappedError(r.Context(), w, "set_buyer_github_username", err)
		return
	}
	writeSuccess(w, http.StatusOK, transfer)
}

func (h *Handler) markTransferAccepted(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.service.MarkTransferAccepted(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "transfer_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "mark_transfer_accepted", err)
		return
	}
	writeSuccess(w, http.StatusOK, transfer)
}

func (h *Handler) finalizeTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.service.FinalizeTransfer(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "transfer_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "finalize_transfer", err)
		return
	}
	writeSuccess(w, http.StatusOK, transfer)
}

func (h *Handler) completeManualTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.service.CompleteManualTransfer(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "transfer_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "complete_manual_transfer", err)
		return
	}
	writeSuccess(w, http.StatusOK, transfer)
}

func (h *Handler) resetTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.service.ResetTransfer(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "transfer_id"))
	if err != nil {
		writeMappedError(r.Context(), w, "reset_transfer", err)
		return
	}
	writeSuccess(w, http.StatusOK, transfer)
}
