package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	"github.com/google/uuid"
)

const maxRefundReasonLength = 500

// Refund returns the full charge to the buyer while funds are still held.
// Escrow already paid out to the seller is outside this path and needs an
// out-of-band reconciliation.
func (s *Service) Refund(ctx context.Context, actor Actor, transactionID string, input RefundInput) (domain.Transaction, error) {
	if err := requireAdmin(actor); err != nil {
		return domain.Transaction{}, err
	}
	transactionID = strings.TrimSpace(transactionID)
	input.Reason = strings.TrimSpace(input.Reason)
	if input.Reason == "" {
		return domain.Transaction{}, fmt.Errorf("%w: refund reason is required", domain.ErrInvalidInput)
	}
	if len(input.Reason) > maxRefundReasonLength {
		return domain.Transaction{}, fmt.Errorf("%w: refund reason too long", domain.ErrInvalidInput)
	}

	var replay domain.Transaction
	requestHash := hashJSON(map[string]string{"op": "refund", "transaction_id": transactionID, "reason": input.Reason})
	if ok, err := s.replayIdempotent(ctx, actor.IdempotencyKey, requestHash, &replay); err != nil {
		return domain.Transaction{}, err
	} else if ok {
		return replay, nil
	}

	tx, err := s.transactions.GetByID(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.CheckRefundable(); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.CheckPayoutKind(domain.PayoutKindRefund); err != nil {
		return domain.Transaction{}, err
	}
	payout := tx.PendingPayout(domain.PayoutClaim{Kind: domain.PayoutKindRefund, RequestedBy: actor.SubjectID, Reason: input.Reason})
	refunded, err := s.issueRefund(ctx, tx, payout, actor.RequestID)
	if err != nil {
		return domain.Transaction{}, err
	}
	s.completeIdempotencyJSON(ctx, actor.IdempotencyKey, 200, refunded)
	return refunded, nil
}

// issueRefund claims tx for payout and refunds the intent. A refund left
// unfinished earlier keeps its recorded reason and idempotency key.
func (s *Service) issueRefund(ctx context.Context, tx domain.Transaction, payout domain.PayoutClaim, requestID string) (domain.Transaction, error) {
	if tx.StripePaymentIntentID == nil {
		return domain.Transaction{}, fmt.Errorf("%w: transaction has no payment intent", domain.ErrInvalidTransition)
	}
	claimToken := uuid.NewString()
	claimed, err := s.claimForPayout(ctx, tx.TransactionID, claimToken, payout, s.nowFn())
	if err != nil {
		return domain.Transaction{}, err
	}

	callCtx, cancel := s.gatewayContext(ctx)
	refundID, err := s.gateway.CreateRefund(callCtx, ports.RefundRequest{
		IntentID: *claimed.StripePaymentIntentID,
		Reason:   claimed.PayoutReason,
		Metadata: map[string]string{
			"transaction_id": claimed.TransactionID,
			"refunded_by":    claimed.PayoutRequestedBy,
		},
		IdempotencyKey: claimed.PayoutIdempotencyKey(),
	})
	cancel()
	if err != nil {
		s.unwindClaim(ctx, claimed.TransactionID, claimToken, err)
		s.logger.WarnContext(ctx, "refund request failed",
			"module", "application.refunds",
			"layer", "application",
			"operation", "refund",
			"outcome", "failure",
			"transaction_id", claimed.TransactionID,
			"payout_attempt", claimed.PayoutAttempt,
			"error", err,
		)
		return domain.Transaction{}, dependencyError("create refund", err)
	}

	refunded, err := s.transactions.ApplyTransition(ctx, claimed.TransactionID,
		domain.RefundPayment(s.nowFn(), refundID, claimed.PayoutReason, claimToken))
	if err != nil {
		s.logger.ErrorContext(ctx, "refund issued but status write failed",
			"module", "application.refunds",
			"layer", "application",
			"operation", "refund",
			"outcome", "failure",
			"transaction_id", claimed.TransactionID,
			"stripe_refund_id", refundID,
			"error", err,
		)
		return domain.Transaction{}, err
	}
	mustHoldInvariants(refunded)
	s.invalidateTransaction(ctx, refunded.TransactionID)
	s.emitTransactionEvent(ctx, domain.EventTransactionRefunded, refunded, requestID)
	s.stopTransferAfterRefund(ctx, refunded, requestID)
	return refunded, nil
}

// stopTransferAfterRefund fails any open repository transfer and revokes the
// buyer's repository access. Both steps are best effort.
func (s *Service) stopTransferAfterRefund(ctx context.Context, tx domain.Transaction, requestID string) {
	transfer, err := s.transfers.GetByTransactionID(ctx, tx.TransactionID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logRefundFollowUp(ctx, tx.TransactionID, "load_transfer", err)
		}
		return
	}
	invited := transfer.Status == domain.TransferStatusInvitationSent || transfer.Status == domain.TransferStatusAccepted
	if !transfer.IsTerminal() {
		cancelled, err := s.transfers.ApplyTransition(ctx, transfer.TransferID, domain.CancelTransfer(s.nowFn(), domain.TransferRefundedMessage))
		if err != nil {
			s.logRefundFollowUp(ctx, tx.TransactionID, "cancel_transfer", err)
		} else {
			transfer = cancelled
			s.emitTransferEvent(ctx, domain.EventTransferFailed, cancelled, requestID)
		}
	}
	if !invited && transfer.Status != domain.TransferStatusCompleted {
		return
	}
	if transfer.Method != domain.TransferMethodGithubCollaborator || transfer.BuyerGithubUsername == "" {
		return
	}
	req, err := s.collaboratorRequest(ctx, transfer)
	if err != nil {
		s.logRefundFollowUp(ctx, tx.TransactionID, "remove_collaborator", err)
		return
	}
	callCtx, cancel := s.githubContext(ctx)
	defer cancel()
	if err := s.github.RemoveCollaborator(callCtx, req); err != nil {
		s.logRefundFollowUp(ctx, tx.TransactionID, "remove_collaborator", err)
	}
}

func (s *Service) logRefundFollowUp(ctx context.Context, transactionID, operation string, err error) {
	s.logger.WarnContext(ctx, "refund follow-up failed",
		"module", "application.refunds",
		"layer", "application",
		"operation", operation,
		"outcome", "failure",
		"transaction_id", transactionID,
		"error", err,
	)
}
