package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/google/uuid"
)

const (
	SweepEscrowReleases   = "escrow_release"
	SweepExpiredOffers    = "offer_expiry"
	SweepPendingTransfers = "transfer_retry"
	SweepInvitations      = "invitation_poll"
)

// runSweep holds a short cache lease per job so replicas do not run the same
// sweep at once. Without a cache every caller runs; the writes are CAS guarded
// either way.
func (s *Service) runSweep(ctx context.Context, job string, fn func(context.Context, *SweepReport) error) (SweepReport, error) {
	report := SweepReport{Job: job}
	if s.cache != nil {
		ok, err := s.cache.SetNX(ctx, "escrow:sweep:"+job, uuid.NewString(), s.cfg.SweepLeaseTTL)
		if err != nil {
			s.logger.WarnContext(ctx, "sweep lease unavailable, running unleased",
				"module", "application.sweeps",
				"layer", "application",
				"operation", job,
				"outcome", "degraded",
				"error", err,
			)
		} else if !ok {
			report.Skipped = true
			return report, nil
		}
	}
	if err := fn(ctx, &report); err != nil {
		return report, err
	}
	s.logger.InfoContext(ctx, "sweep finished",
		"module", "application.sweeps",
		"layer", "application",
		"operation", job,
		"outcome", "success",
		"scanned", report.Scanned,
		"succeeded", report.Succeeded,
		"deferred", report.Deferred,
		"failed", report.Failed,
	)
	return report, nil
}

func (s *Service) logSweepItem(ctx context.Context, job, id string, err error) {
	s.logger.WarnContext(ctx, "sweep item failed",
		"module", "application.sweeps",
		"layer", "application",
		"operation", job,
		"outcome", "failure",
		"item_id", id,
		"error", err,
	)
}

// SweepEscrowReleases pays out every held transaction whose release date has
// passed and finishes payouts an earlier call left unrecorded. An unfinished
// refund is completed as a refund, never turned into a release. Failures stay
// held and are picked up by the next run.
func (s *Service) SweepEscrowReleases(ctx context.Context) (SweepReport, error) {
	return s.runSweep(ctx, SweepEscrowReleases, func(ctx context.Context, report *SweepReport) error {
		due, err := s.transactions.ListReleasable(ctx, s.nowFn(), s.cfg.SweepBatchSize)
		if err != nil {
			return err
		}
		actor := SystemActor("sweep-" + SweepEscrowReleases)
		for _, tx := range due {
			report.Scanned++
			if tx.PayoutKind == domain.PayoutKindRefund {
				_, err = s.issueRefund(ctx, tx, tx.PendingPayout(domain.PayoutClaim{Kind: domain.PayoutKindRefund}), actor.RequestID)
			} else {
				_, err = s.ReleaseEscrow(ctx, actor, tx.TransactionID, domain.ReleaseTriggerScheduled)
			}
			switch {
			case err == nil:
				report.Succeeded++
			case errors.Is(err, domain.ErrAlreadyReleased), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrSellerNotOnboarded):
				report.Deferred++
			default:
				report.Failed++
				s.logSweepItem(ctx, SweepEscrowReleases, tx.TransactionID, err)
			}
		}
		return nil
	})
}

// SweepExpiredOffers persists expiry for pending offers past their deadline.
func (s *Service) SweepExpiredOffers(ctx context.Context) (SweepReport, error) {
	return s.runSweep(ctx, SweepExpiredOffers, func(ctx context.Context, report *SweepReport) error {
		now := s.nowFn()
		due, err := s.offers.ListExpirable(ctx, now, s.cfg.SweepBatchSize)
		if err != nil {
			return err
		}
		for _, offer := range due {
			report.Scanned++
			expired, err := s.offers.Resolve(ctx, offer.OfferID, domain.ExpireOffer(), now)
			if err != nil {
				if errors.Is(err, domain.ErrConflict) {
					report.Deferred++
					continue
				}
				report.Failed++
				s.logSweepItem(ctx, SweepExpiredOffers, offer.OfferID, err)
				continue
			}
			report.Succeeded++
			s.emitOfferEvent(ctx, domain.EventOfferExpired, expired, expired.Proposer(), "")
		}
		return nil
	})
}

// SweepPendingTransfers attempts the collaborator invitation for pending
// transfers still under their retry budget.
func (s *Service) SweepPendingTransfers(ctx context.Context) (SweepReport, error) {
	return s.runSweep(ctx, SweepPendingTransfers, func(ctx context.Context, report *SweepReport) error {
		due, err := s.transfers.ListRetryable(ctx, s.cfg.SweepBatchSize)
		if err != nil {
			return err
		}
		for _, transfer := range due {
			report.Scanned++
			_, err := s.InitiateTransfer(ctx, transfer.TransferID)
			switch {
			case err == nil:
				report.Succeeded++
			case errors.Is(err, domain.ErrBuyerGithubUnknown), errors.Is(err, domain.ErrConflict):
				report.Deferred++
			default:
				report.Failed++
				s.logSweepItem(ctx, SweepPendingTransfers, transfer.TransferID, err)
			}
		}
		return nil
	})
}

// PollInvitations checks outstanding invitations. Accepted ones are finalized;
// ones left unanswered past the invitation timeout count as a failed attempt.
func (s *Service) PollInvitations(ctx context.Context) (SweepReport, error) {
	return s.runSweep(ctx, SweepInvitations, func(ctx context.Context, report *SweepReport) error {
		sent, err := s.transfers.ListByStatus(ctx, domain.TransferStatusInvitationSent, s.cfg.SweepBatchSize)
		if err != nil {
			return err
		}
		for _, transfer := range sent {
			report.Scanned++
			outcome, err := s.pollInvitation(ctx, transfer)
			switch {
			case err != nil:
				report.Failed++
				s.logSweepItem(ctx, SweepInvitations, transfer.TransferID, err)
			case outcome:
				report.Succeeded++
			default:
				report.Deferred++
			}
		}
		return nil
	})
}

func (s *Service) pollInvitation(ctx context.Context, transfer domain.RepositoryTransfer) (bool, error) {
	req, err := s.collaboratorRequest(ctx, transfer)
	if err != nil {
		return false, err
	}
	callCtx, cancel := s.githubContext(ctx)
	member, err := s.github.CheckCollaboratorAccess(callCtx, req)
	cancel()
	if err != nil {
		return false, dependencyError("check collaborator", err)
	}
	if member {
		if _, err := s.acceptAndFinalize(ctx, transfer, "sweep-"+SweepInvitations); err != nil && !errors.Is(err, domain.ErrConflict) {
			return false, err
		}
		return true, nil
	}
	if transfer.InvitationSentAt == nil || s.nowFn().Sub(*transfer.InvitationSentAt) < s.cfg.InvitationTimeout {
		return false, nil
	}
	timeout := fmt.Errorf("invitation not accepted within %s", s.cfg.InvitationTimeout)
	if _, err := s.recordTransferFailure(ctx, transfer, timeout); err != nil &&
		!errors.Is(err, domain.ErrTransferRetriesExhausted) && !errors.Is(err, domain.ErrDependencyUnavailable) {
		return false, err
	}
	return false, nil
}
