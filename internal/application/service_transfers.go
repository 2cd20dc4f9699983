package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	"github.com/google/uuid"
)

// ensureTransfer creates the pending repository transfer for a paid
// transaction. Listings without a GitHub repository get a manual transfer.
// The transaction id is unique on transfers, so repeated calls converge on
// one row.
func (s *Service) ensureTransfer(ctx context.Context, tx domain.Transaction) error {
	listing, err := s.directory.GetListing(ctx, tx.ProjectID)
	if err != nil {
		return err
	}
	method := domain.TransferMethodGithubCollaborator
	if !listing.GithubBacked() {
		method = domain.TransferMethodManual
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	now := s.nowFn()
	transfer := domain.RepositoryTransfer{
		TransferID:         id.String(),
		TransactionID:      tx.TransactionID,
		GithubRepoFullName: listing.GithubRepoFullName,
		Method:             method,
		Status:             domain.TransferStatusPending,
		SellerID:           tx.SellerID,
		BuyerID:            tx.BuyerID,
		RetryBudget:        s.cfg.TransferMaxRetries,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if seller, found, err := s.directory.GetGithubIdentity(ctx, tx.SellerID); err != nil {
		return err
	} else if found {
		transfer.SellerGithubUsername = seller.Username
	}
	if buyer, found, err := s.directory.GetGithubIdentity(ctx, tx.BuyerID); err != nil {
		return err
	} else if found {
		transfer.BuyerGithubUsername = buyer.Username
	}
	_, _, err = s.transfers.Create(ctx, transfer)
	return err
}

// InitiateTransfer sends the collaborator invitation for a pending transfer.
// Each failed call spends one unit of the retry budget; once it is spent the
// transfer is failed and only ResetTransfer reopens it.
func (s *Service) InitiateTransfer(ctx context.Context, transferID string) (domain.RepositoryTransfer, error) {
	transfer, err := s.transfers.GetByID(ctx, strings.TrimSpace(transferID))
	if err != nil {
		return domain.RepositoryTransfer{}, err
	}
	switch {
	case transfer.Status == domain.TransferStatusFailed:
		return transfer, fmt.Errorf("%w: reset required after %d attempts", domain.ErrTransferRetriesExhausted, transfer.RetryCount)
	case transfer.Status != domain.TransferStatusPending:
		return transfer, fmt.Errorf("%w: transfer is %s", domain.ErrInvalidTransition, transfer.Status)
	case transfer.Method == domain.TransferMethodManual:
		return transfer, fmt.Errorf("%w: manual transfers are completed by an operator", domain.ErrInvalidTransition)
	case transfer.RetryCount >= transfer.RetryBudget:
		return transfer, domain.ErrTransferRetriesExhausted
	}

	if transfer.BuyerGithubUsername == "" {
		identity, found, err := s.directory.GetGithubIdentity(ctx, transfer.BuyerID)
		if err != nil {
			return transfer, err
		}
		if !found || identity.Username == "" {
			return transfer, domain.ErrBuyerGithubUnknown
		}
		transfer, err = s.transfers.ApplyTransition(ctx, transfer.TransferID, domain.SetBuyerGithubUsername(s.nowFn(), identity.Username))
		if err != nil {
			return transfer, err
		}
	}

	req, err := s.collaboratorRequest(ctx, transfer)
	if err != nil {
		return s.recordTransferFailure(ctx, transfer, err)
	}
	callCtx, cancel := s.githubContext(ctx)
	invite, err := s.github.AddCollaborator(callCtx, req)
	cancel()
	if err != nil {
		return s.recordTransferFailure(ctx, transfer, err)
	}

	sent, err := s.transfers.ApplyTransition(ctx, transfer.TransferID, domain.SendInvitation(s.nowFn(), invite.InvitationID))
	if err != nil {
		return transfer, err
	}
	s.emitTransferEvent(ctx, domain.EventTransferInvitationSent, sent, "")
	if invite.AlreadyCollaborator {
		return s.acceptAndFinalize(ctx, sent, "")
	}
	return sent, nil
}

func (s *Service) collaboratorRequest(ctx context.Context, transfer domain.RepositoryTransfer) (ports.CollaboratorRequest, error) {
	owner, repo, err := domain.SplitRepoFullName(transfer.GithubRepoFullName)
	if err != nil {
		return ports.CollaboratorRequest{}, err
	}
	seller, found, err := s.directory.GetGithubIdentity(ctx, transfer.SellerID)
	if err != nil {
		return ports.CollaboratorRequest{}, err
	}
	if !found || seller.AccessToken == "" {
		return ports.CollaboratorRequest{}, errors.New("seller github credential missing")
	}
	return ports.CollaboratorRequest{
		Owner:      owner,
		Repo:       repo,
		Username:   transfer.BuyerGithubUsername,
		Permission: s.cfg.GithubPermission,
		Token:      seller.AccessToken,
	}, nil
}

func (s *Service) recordTransferFailure(ctx context.Context, transfer domain.RepositoryTransfer, cause error) (domain.RepositoryTransfer, error) {
	updated, err := s.transfers.ApplyTransition(ctx, transfer.TransferID, domain.RecordTransferFailure(transfer, s.nowFn(), cause.Error()))
	if err != nil {
		return transfer, err
	}
	s.logger.WarnContext(ctx, "repository transfer attempt failed",
		"module", "application.transfers",
		"layer", "application",
		"operation", "initiate_transfer",
		"outcome", "failure",
		"transfer_id", updated.TransferID,
		"transaction_id", updated.TransactionID,
		"retry_count", updated.RetryCount,
		"retry_budget", updated.RetryBudget,
		"status", string(updated.Status),
		"error", cause,
	)
	if updated.Status == domain.TransferStatusFailed {
		s.emitTransferEvent(ctx, domain.EventTransferFailed, updated, "")
		return updated, fmt.Errorf("%w: %v", domain.ErrTransferRetriesExhausted, cause)
	}
	return updated, dependencyError("add collaborator", cause)
}

func (s *Service) acceptAndFinalize(ctx context.Context, transfer domain.RepositoryTransfer, requestID string) (domain.RepositoryTransfer, error) {
	accepted, err := s.transfers.ApplyTransition(ctx, transfer.TransferID, domain.AcceptInvitation(s.nowFn()))
	if err != nil {
		return transfer, err
	}
	s.emitTransferEvent(ctx, domain.EventTransferAccepted, accepted, requestID)
	completed, err := s.transfers.ApplyTransition(ctx, accepted.TransferID, domain.FinalizeTransfer(s.nowFn()))
	if err != nil {
		return accepted, err
	}
	s.emitTransferEvent(ctx, domain.EventTransferCompleted, completed, requestID)
	return completed, nil
}

func (s *Service) MarkTransferAccepted(ctx context.Context, actor Actor, transferID string) (domain.RepositoryTransfer, error) {
	if err := requireOperator(actor); err != nil {
		return domain.RepositoryTransfer{}, err
	}
	transfer, err := s.loadTransferForTransition(ctx, transferID, domain.AcceptInvitation(s.nowFn()))
	if err != nil {
		return domain.RepositoryTransfer{}, err
	}
	accepted, err := s.transfers.ApplyTransition(ctx, transfer.TransferID, domain.AcceptInvitation(s.nowFn()))
	if err != nil {
		return domain.RepositoryTransfer{}, err
	}
	s.emitTransferEvent(ctx, domain.EventTransferAccepted, accepted, actor.RequestID)
	return accepted, nil
}

func (s *Service) FinalizeTransfer(ctx context.Context, actor Actor, transferID string) (domain.RepositoryTransfer, error) {
	if err := requireOperator(actor); err != nil {
		return domain.RepositoryTransfer{}, err
	}
	transfer, err := s.loadTransferForTransition(ctx, transferID, domain.FinalizeTransfer(s.nowFn()))
	if err != nil {
		return domain.RepositoryTransfer{}, err
	}
	completed, err := s.transfers.ApplyTransition(ctx, transfer.TransferID, domain.FinalizeTransfer(s.nowFn()))
	if err != nil {
		return domain.RepositoryTransfer{}, err
	}
	s.emitTransferEvent(ctx, domain.EventTransferCompleted, completed, actor.RequestID)
	return completed, nil
}

// CompleteManualTransfer records a hand-off done outside GitHub.
func (s *Service) CompleteManualTransfer(ctx context.Context, actor Actor, transferID string) (domain.RepositoryTransfer, error) {
	if err := requireAdmin(actor); err != nil {
		return domain.RepositoryTransfer{}, err
	}
	transfer, err := s.loadTransferForTransition(ctx, transferID, domain.CompleteManualTransfer(s.nowFn()))
	if err != nil {
		return domain.RepositoryTransfer{}, err
	}
	if transfer.Method != domain.TransferMethodManual {
		return domain.RepositoryTransfer{}, fmt.Errorf("%w: transfer method is %s", domain.ErrInvalidTransition, transfer.Method)
	}
	completed, err := s.transfers.ApplyTransition(ctx, transfer.TransferID, domain.CompleteManualTransfer(s.nowFn()))
	if err != nil {
		return domain.RepositoryTransfer{}, err
	}
	s.emitTransferEvent(ctx, domain.EventTransferCompleted, completed, actor.RequestID)
	return completed, nil
}

// SetBuyerGithubUsername records the buyer's GitHub login on an unfinished
// transfer, unblocking a pending one.
func (s *Service) SetBuyerGithubUsername(ctx context.Context, actor Actor, transferID, username string) (domain.RepositoryTransfer, error) {
	if err := requireSubject(actor); err != nil {
		return domain.RepositoryTransfer{}, err
	}
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" || len(username) > 39 || strings.ContainsAny(username, " /") {
		return domain.RepositoryTransfer{}, fmt.Errorf("%w: github username", domain.ErrInvalidInput)
	}
	transfer, err := s.loadTransferForTransition(ctx, transferID, domain.SetBuyerGithubUsername(s.nowFn(), username))
	if err != nil {
		return domain.RepositoryTransfer{}, err
	}
	if transfer.BuyerID != actor.SubjectID && !actor.isOperator() {
		return domain.RepositoryTransfer{}, domain.ErrForbidden
	}
	return s.transfers.ApplyTransition(ctx, transfer.TransferID, domain.SetBuyerGithubUsername(s.nowFn(), username))
}

// ResetTransfer reopens a failed transfer with a fresh retry budget.
func (s *Service) ResetTransfer(ctx context.Context, actor Actor, transferID string) (domain.RepositoryTransfer, error) {
	if err := requireAdmin(actor); err != nil {
		return domain.RepositoryTransfer{}, err
	}
	transfer, err := s.transfers.GetByID(ctx, strings.TrimSpace(transferID))
	if err != nil {
		return domain.RepositoryTransfer{}, err
	}
	tx, err := s.transactions.GetByID(ctx, transfer.TransactionID)
	if err != nil {
		return domain.RepositoryTransfer{}, err
	}
	if tx.PaymentStatus == domain.PaymentStatusRefunded {
		return domain.RepositoryTransfer{}, fmt.Errorf("%w: transaction refunded", domain.ErrInvalidTransition)
	}
	reset := domain.ResetTransfer(transfer, s.nowFn(), s.cfg.TransferMaxRetries)
	if _, err := reset.Apply(transfer); err != nil {
		return domain.RepositoryTransfer{}, err
	}
	return s.transfers.ApplyTransition(ctx, transfer.TransferID, reset)
}

func (s *Service) GetTransferForTransaction(ctx context.Context, actor Actor, transactionID string) (domain.RepositoryTransfer, error) {
	if err := requireSubject(actor); err != nil {
		return domain.RepositoryTransfer{}, err
	}
	transfer, err := s.transfers.GetByTransactionID(ctx, strings.TrimSpace(transactionID))
	if err != nil {
		return domain.RepositoryTransfer{}, err
	}
	if actor.SubjectID != transfer.BuyerID && actor.SubjectID != transfer.SellerID && !actor.isOperator() {
		return domain.RepositoryTransfer{}, domain.ErrForbidden
	}
	return transfer, nil
}

// loadTransferForTransition validates against the stored state so callers
// get ErrInvalidTransition, and keep ErrConflict for lost races.
func (s *Service) loadTransferForTransition(ctx context.Context, transferID string, transition domain.TransferTransition) (domain.RepositoryTransfer, error) {
	transfer, err := s.transfers.GetByID(ctx, strings.TrimSpace(transferID))
	if err != nil {
		return domain.RepositoryTransfer{}, err
	}
	if _, err := transition.Apply(transfer); err != nil {
		return domain.RepositoryTransfer{}, err
	}
	return transfer, nil
}

// HandleMembershipEvent finishes the transfer whose invitation the buyer accepted.
func (s *Service) HandleMembershipEvent(ctx context.Context, event ports.MembershipEvent) error {
	if event.Action != "added" {
		return nil
	}
	if event.DeliveryID != "" {
		dup, err := s.eventDedup.IsDuplicate(ctx, event.DeliveryID, s.nowFn())
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
	}
	transfer, found, err := s.transfers.FindByRepoAndBuyerUsername(ctx, event.RepoFullName, event.Username)
	if err != nil {
		return err
	}
	if found && transfer.Status == domain.TransferStatusInvitationSent {
		if _, err := s.acceptAndFinalize(ctx, transfer, event.DeliveryID); err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
	}
	if event.DeliveryID != "" {
		_ = s.eventDedup.MarkProcessed(ctx, event.DeliveryID, "github.member", s.nowFn().Add(s.cfg.EventDedupTTL))
	}
	return nil
}

type githubLinkedEvent struct {
	EventID string `json:"event_id"`
	Data    struct {
		UserID         string `json:"user_id"`
		GithubUsername string `json:"github_username"`
	} `json:"data"`
}

// HandleGithubLinked fills in the buyer's GitHub login on every open transfer
// once they link an account elsewhere on the platform.
func (s *Service) HandleGithubLinked(ctx context.Context, payload []byte) error {
	var event githubLinkedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrInvalidInput, domain.EventUserGithubLinked, err)
	}
	userID := strings.TrimSpace(event.Data.UserID)
	username := strings.TrimPrefix(strings.TrimSpace(event.Data.GithubUsername), "@")
	if userID == "" || username == "" {
		return fmt.Errorf("%w: %s requires user_id and github_username", domain.ErrInvalidInput, domain.EventUserGithubLinked)
	}
	if event.EventID != "" {
		dup, err := s.eventDedup.IsDuplicate(ctx, event.EventID, s.nowFn())
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
	}
	open, err := s.transfers.ListOpenByBuyer(ctx, userID)
	if err != nil {
		return err
	}
	for _, transfer := range open {
		if transfer.BuyerGithubUsername == username {
			continue
		}
		if _, err := s.transfers.ApplyTransition(ctx, transfer.TransferID, domain.SetBuyerGithubUsername(s.nowFn(), username)); err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
	}
	if event.EventID != "" {
		_ = s.eventDedup.MarkProcessed(ctx, event.EventID, domain.EventUserGithubLinked, s.nowFn().Add(s.cfg.EventDedupTTL))
	}
	return nil
}
