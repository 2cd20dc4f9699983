package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	"github.com/google/uuid"
)

// HandleGatewayEvent applies a verified payment webhook exactly once per
// gateway event id. State changes are additionally guarded by intent id.
func (s *Service) HandleGatewayEvent(ctx context.Context, event ports.GatewayEvent) error {
	if strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.IntentID) == "" {
		return fmt.Errorf("%w: gateway event id and intent id are required", domain.ErrInvalidInput)
	}
	dup, err := s.eventDedup.IsDuplicate(ctx, event.EventID, s.nowFn())
	if err != nil {
		return err
	}
	if dup {
		return nil
	}
	switch event.Type {
	case ports.GatewayEventPaymentSucceeded:
		_, err = s.OnPaymentSucceeded(ctx, event.IntentID, event.AmountCents)
	case ports.GatewayEventPaymentFailed:
		_, err = s.OnPaymentFailed(ctx, event.IntentID)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	_ = s.eventDedup.MarkProcessed(ctx, event.EventID, string(event.Type), s.nowFn().Add(s.cfg.EventDedupTTL))
	return nil
}

// OnPaymentSucceeded captures the payment into escrow. Redelivery for an
// intent that already succeeded changes nothing and emits nothing, but still
// makes sure the repository transfer exists.
func (s *Service) OnPaymentSucceeded(ctx context.Context, intentID string, amountCents int64) (domain.Transaction, error) {
	tx, err := s.transactions.GetByPaymentIntentID(ctx, intentID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if amountCents > 0 && amountCents != tx.AmountCents {
		s.logger.ErrorContext(ctx, "payment amount does not match transaction",
			"module", "application.escrow",
			"layer", "application",
			"operation", "on_payment_succeeded",
			"outcome", "failure",
			"transaction_id", tx.TransactionID,
			"intent_amount_cents", amountCents,
			"transaction_amount_cents", tx.AmountCents,
		)
		return domain.Transaction{}, fmt.Errorf("%w: captured %d cents, expected %d", domain.ErrConflict, amountCents, tx.AmountCents)
	}

	switch tx.PaymentStatus {
	case domain.PaymentStatusSucceeded:
		return tx, s.ensureTransfer(ctx, tx)
	case domain.PaymentStatusRefunded:
		return tx, nil
	case domain.PaymentStatusFailed:
		return domain.Transaction{}, fmt.Errorf("%w: payment already recorded as failed", domain.ErrInvalidTransition)
	}

	now := s.nowFn()
	captured, err := s.transactions.ApplyTransition(ctx, tx.TransactionID, domain.CapturePayment(now, now.Add(s.cfg.EscrowHoldPeriod)))
	if err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return domain.Transaction{}, err
		}
		current, getErr := s.transactions.GetByID(ctx, tx.TransactionID)
		if getErr != nil {
			return domain.Transaction{}, getErr
		}
		if current.PaymentStatus != domain.PaymentStatusSucceeded {
			return domain.Transaction{}, err
		}
		return current, s.ensureTransfer(ctx, current)
	}
	mustHoldInvariants(captured)
	s.invalidateTransaction(ctx, captured.TransactionID)
	s.emitTransactionEvent(ctx, domain.EventTransactionPaymentSucceeded, captured, "")
	return captured, s.ensureTransfer(ctx, captured)
}

func (s *Service) OnPaymentFailed(ctx context.Context, intentID string) (domain.Transaction, error) {
	tx, err := s.transactions.GetByPaymentIntentID(ctx, intentID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.PaymentStatus != domain.PaymentStatusPending {
		return tx, nil
	}
	failed, err := s.transactions.ApplyTransition(ctx, tx.TransactionID, domain.FailPayment(s.nowFn()))
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return s.transactions.GetByID(ctx, tx.TransactionID)
		}
		return domain.Transaction{}, err
	}
	mustHoldInvariants(failed)
	s.invalidateTransaction(ctx, failed.TransactionID)
	s.emitTransactionEvent(ctx, domain.EventTransactionPaymentFailed, failed, "")
	return failed, nil
}

// ReleaseEscrow pays the seller's share out of escrow. A release claim is
// taken before the gateway transfer so concurrent releases (or a refund)
// cannot both move money; status flips only after the transfer succeeds.
// A release left unfinished by an earlier call is completed with its
// original trigger and gateway idempotency key.
func (s *Service) ReleaseEscrow(ctx context.Context, actor Actor, transactionID string, trigger domain.ReleaseTrigger) (domain.Transaction, error) {
	switch trigger {
	case domain.ReleaseTriggerManual:
		if err := requireAdmin(actor); err != nil {
			return domain.Transaction{}, err
		}
	case domain.ReleaseTriggerScheduled:
		if err := requireOperator(actor); err != nil {
			return domain.Transaction{}, err
		}
	default:
		return domain.Transaction{}, fmt.Errorf("%w: unknown release trigger %q", domain.ErrInvalidInput, trigger)
	}

	tx, err := s.transactions.GetByID(ctx, strings.TrimSpace(transactionID))
	if err != nil {
		return domain.Transaction{}, err
	}
	now := s.nowFn()
	eligibility := trigger
	if tx.PayoutKind == domain.PayoutKindRelease {
		eligibility = domain.ReleaseTriggerManual
	}
	if err := tx.CheckReleasable(now, eligibility); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.CheckPayoutKind(domain.PayoutKindRelease); err != nil {
		return domain.Transaction{}, err
	}
	account, err := s.directory.GetSellerAccount(ctx, tx.SellerID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Transaction{}, err
	}
	if !account.CanReceivePayouts() {
		return domain.Transaction{}, domain.ErrSellerNotOnboarded
	}

	payout := tx.PendingPayout(domain.PayoutClaim{Kind: domain.PayoutKindRelease, RequestedBy: actor.SubjectID, Trigger: trigger})
	claimToken := uuid.NewString()
	claimed, err := s.claimForPayout(ctx, tx.TransactionID, claimToken, payout, now)
	if err != nil {
		return domain.Transaction{}, err
	}

	callCtx, cancel := s.gatewayContext(ctx)
	transferID, err := s.gateway.CreateTransfer(callCtx, ports.TransferRequest{
		DestinationAccount: account.StripeAccountID,
		AmountCents:        claimed.SellerReceivesCents,
		Currency:           claimed.Currency,
		GroupID:            claimed.TransactionID,
		Metadata: map[string]string{
			"transaction_id": claimed.TransactionID,
			"project_id":     claimed.ProjectID,
			"trigger":        string(claimed.PayoutTrigger),
		},
		IdempotencyKey: claimed.PayoutIdempotencyKey(),
	})
	cancel()
	if err != nil {
		s.unwindClaim(ctx, claimed.TransactionID, claimToken, err)
		s.logger.WarnContext(ctx, "escrow release transfer failed",
			"module", "application.escrow",
			"layer", "application",
			"operation", "release_escrow",
			"outcome", "failure",
			"transaction_id", claimed.TransactionID,
			"trigger", string(claimed.PayoutTrigger),
			"payout_attempt", claimed.PayoutAttempt,
			"error", err,
		)
		return domain.Transaction{}, dependencyError("create transfer", err)
	}

	released, err := s.transactions.ApplyTransition(ctx, claimed.TransactionID,
		domain.ReleaseEscrow(s.nowFn(), claimed.PayoutTrigger, claimed.PayoutRequestedBy, transferID, claimToken))
	if err != nil {
		// The recorded release outlives the claim; the sweep finishes it with
		// the same idempotency key and no refund can start meanwhile.
		s.logger.ErrorContext(ctx, "escrow release recorded transfer but status write failed",
			"module", "application.escrow",
			"layer", "application",
			"operation", "release_escrow",
			"outcome", "failure",
			"transaction_id", claimed.TransactionID,
			"stripe_transfer_id", transferID,
			"error", err,
		)
		return domain.Transaction{}, err
	}
	mustHoldInvariants(released)
	s.invalidateTransaction(ctx, released.TransactionID)
	s.emitTransactionEvent(ctx, domain.EventEscrowReleased, released, actor.RequestID)
	return released, nil
}

// ManualReleaseOverride releases escrow ahead of the release date.
func (s *Service) ManualReleaseOverride(ctx context.Context, actor Actor, transactionID string) (domain.Transaction, error) {
	var replay domain.Transaction
	requestHash := hashJSON(map[string]string{"op": "release", "transaction_id": transactionID})
	if ok, err := s.replayIdempotent(ctx, actor.IdempotencyKey, requestHash, &replay); err != nil {
		return domain.Transaction{}, err
	} else if ok {
		return replay, nil
	}
	tx, err := s.ReleaseEscrow(ctx, actor, transactionID, domain.ReleaseTriggerManual)
	if err != nil {
		return domain.Transaction{}, err
	}
	s.completeIdempotencyJSON(ctx, actor.IdempotencyKey, 200, tx)
	return tx, nil
}

// claimForPayout takes the release claim for payout and maps a lost race to
// the state that won it.
func (s *Service) claimForPayout(ctx context.Context, transactionID, claimToken string, payout domain.PayoutClaim, now time.Time) (domain.Transaction, error) {
	claimed, err := s.transactions.AcquireReleaseClaim(ctx, transactionID, claimToken, payout, now, now.Add(s.cfg.ReleaseClaimTTL))
	if err == nil {
		return claimed, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return domain.Transaction{}, err
	}
	current, getErr := s.transactions.GetByID(ctx, transactionID)
	if getErr != nil {
		return domain.Transaction{}, getErr
	}
	switch {
	case current.PaymentStatus == domain.PaymentStatusRefunded:
		return domain.Transaction{}, fmt.Errorf("%w: transaction refunded", domain.ErrConflict)
	case current.EscrowStatus == domain.EscrowStatusReleased:
		return domain.Transaction{}, domain.ErrAlreadyReleased
	}
	if err := current.CheckPayoutKind(payout.Kind); err != nil {
		return domain.Transaction{}, err
	}
	return domain.Transaction{}, fmt.Errorf("%w: payout already in progress", domain.ErrConflict)
}

// unwindClaim lets go of a claim after a failed gateway call. Only a refusal
// proves no money moved; any other failure keeps the recorded payout so it
// can only be retried, never swapped for the other kind.
func (s *Service) unwindClaim(ctx context.Context, transactionID, claimToken string, cause error) {
	drop := s.transactions.ReleaseClaim
	if errors.Is(cause, ports.ErrGatewayRejected) {
		drop = s.transactions.AbandonPayout
	}
	if err := drop(ctx, transactionID, claimToken); err != nil {
		s.logger.WarnContext(ctx, "release claim cleanup failed",
			"module", "application.escrow",
			"layer", "application",
			"operation", "drop_claim",
			"outcome", "failure",
			"transaction_id", transactionID,
			"error", err,
		)
	}
}

func (s *Service) GetTransaction(ctx context.Context, actor Actor, transactionID string) (domain.Transaction, error) {
	if err := requireSubject(actor); err != nil {
		return domain.Transaction{}, err
	}
	transactionID = strings.TrimSpace(transactionID)
	tx, cached := s.cachedTransaction(ctx, transactionID)
	if !cached {
		var err error
		tx, err = s.transactions.GetByID(ctx, transactionID)
		if err != nil {
			return domain.Transaction{}, err
		}
		if s.cache != nil {
			if raw, err := json.Marshal(tx); err == nil {
				_ = s.cache.Set(ctx, transactionCacheKey(transactionID), string(raw), s.cfg.TransactionCacheTTL)
			}
		}
	}
	if !tx.IsParty(actor.SubjectID) && !actor.isOperator() {
		return domain.Transaction{}, domain.ErrForbidden
	}
	return tx, nil
}

func (s *Service) cachedTransaction(ctx context.Context, transactionID string) (domain.Transaction, bool) {
	if s.cache == nil {
		return domain.Transaction{}, false
	}
	raw, err := s.cache.Get(ctx, transactionCacheKey(transactionID))
	if err != nil || raw == "" {
		return domain.Transaction{}, false
	}
	var tx domain.Transaction
	if err := json.Unmarshal([]byte(raw), &tx); err != nil {
		return domain.Transaction{}, false
	}
	return tx, true
}
