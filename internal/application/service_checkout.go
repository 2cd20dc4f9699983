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

// BeginCheckout opens (or resumes) the transaction for a purchase and returns
// the gateway client secret. Retrying after any failure reuses the same
// transaction: the offer link or the buyer's pending listing-price checkout
// is found before anything new is written.
func (s *Service) BeginCheckout(ctx context.Context, actor Actor, input CheckoutInput) (CheckoutResult, error) {
	if err := requireSubject(actor); err != nil {
		return CheckoutResult{}, err
	}
	input.ProjectID = strings.TrimSpace(input.ProjectID)
	input.OfferID = strings.TrimSpace(input.OfferID)
	if input.ProjectID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: project_id is required", domain.ErrInvalidInput)
	}

	var replay CheckoutResult
	requestHash := hashJSON(map[string]string{"buyer_id": actor.SubjectID, "project_id": input.ProjectID, "offer_id": input.OfferID})
	if ok, err := s.replayIdempotent(ctx, actor.IdempotencyKey, requestHash, &replay); err != nil {
		return CheckoutResult{}, err
	} else if ok {
		return replay, nil
	}

	listing, err := s.purchasableListing(ctx, input.ProjectID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if listing.SellerID == actor.SubjectID {
		return CheckoutResult{}, fmt.Errorf("%w: sellers cannot buy their own listing", domain.ErrInvalidInput)
	}
	if err := s.requireOnboardedSeller(ctx, listing.SellerID); err != nil {
		return CheckoutResult{}, err
	}

	var tx domain.Transaction
	if input.OfferID != "" {
		tx, err = s.checkoutFromOffer(ctx, actor, listing, input.OfferID)
	} else {
		tx, err = s.checkoutAtListingPrice(ctx, actor, listing)
	}
	if err != nil {
		return CheckoutResult{}, err
	}

	result, err := s.ensurePaymentIntent(ctx, tx)
	if err != nil {
		return CheckoutResult{}, err
	}
	s.completeIdempotencyJSON(ctx, actor.IdempotencyKey, 200, result)
	return result, nil
}

func (s *Service) requireOnboardedSeller(ctx context.Context, sellerID string) error {
	account, err := s.directory.GetSellerAccount(ctx, sellerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrSellerNotOnboarded
		}
		return err
	}
	if !account.CanReceivePayouts() {
		return domain.ErrSellerNotOnboarded
	}
	return nil
}

func (s *Service) checkoutFromOffer(ctx context.Context, actor Actor, listing domain.Listing, offerID string) (domain.Transaction, error) {
	for attempt := 0; attempt < 2; attempt++ {
		offer, err := s.offers.GetByID(ctx, offerID)
		if err != nil {
			return domain.Transaction{}, err
		}
		if offer.BuyerID != actor.SubjectID {
			return domain.Transaction{}, fmt.Errorf("%w: offer belongs to another buyer", domain.ErrForbidden)
		}
		if offer.ProjectID != listing.ProjectID {
			return domain.Transaction{}, fmt.Errorf("%w: offer is for a different project", domain.ErrInvalidInput)
		}
		if offer.Status != domain.OfferStatusAccepted {
			if offer.EffectiveStatus(s.nowFn()) == domain.OfferStatusExpired {
				return domain.Transaction{}, domain.ErrOfferExpired
			}
			return domain.Transaction{}, fmt.Errorf("%w: offer is %s, not accepted", domain.ErrInvalidTransition, offer.Status)
		}

		if offer.TransactionID != nil {
			existing, err := s.transactions.GetByID(ctx, *offer.TransactionID)
			if err != nil {
				return domain.Transaction{}, err
			}
			switch existing.PaymentStatus {
			case domain.PaymentStatusPending:
				return existing, nil
			case domain.PaymentStatusSucceeded, domain.PaymentStatusRefunded:
				return domain.Transaction{}, fmt.Errorf("%w: offer already paid in transaction %s", domain.ErrConflict, existing.TransactionID)
			}
		}
		if err := s.checkNoOtherLiveOfferCheckout(ctx, offer); err != nil {
			return domain.Transaction{}, err
		}

		tx, err := s.newTransaction(actor.SubjectID, listing, offer.OfferedPriceCents, &offer.OfferID)
		if err != nil {
			return domain.Transaction{}, err
		}
		err = s.transactions.CreateWithOfferLink(ctx, tx, offer.TransactionID)
		if err == nil {
			s.emitTransactionEvent(ctx, domain.EventTransactionCreated, tx, actor.RequestID)
			return tx, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.Transaction{}, err
		}
		// A concurrent checkout linked the offer first, or a sibling offer took the
		// project; the reread either reuses that transaction or reports the sibling.
	}
	return domain.Transaction{}, fmt.Errorf("%w: offer checkout changed concurrently", domain.ErrConflict)
}

// checkNoOtherLiveOfferCheckout keeps a project to one accepted offer with a
// live (not failed) transaction. CreateWithOfferLink repeats the check under a
// per-project lock; this read only reports the conflict early.
func (s *Service) checkNoOtherLiveOfferCheckout(ctx context.Context, offer domain.Offer) error {
	siblings, err := s.offers.ListByProject(ctx, offer.ProjectID)
	if err != nil {
		return err
	}
	for _, other := range siblings {
		if other.OfferID == offer.OfferID || other.Status != domain.OfferStatusAccepted || other.TransactionID == nil {
			continue
		}
		linked, err := s.transactions.GetByID(ctx, *other.TransactionID)
		if err != nil {
			return err
		}
		if linked.PaymentStatus != domain.PaymentStatusFailed {
			return fmt.Errorf("%w: another accepted offer is already in checkout", domain.ErrConflict)
		}
	}
	return nil
}

func (s *Service) checkoutAtListingPrice(ctx context.Context, actor Actor, listing domain.Listing) (domain.Transaction, error) {
	if existing, found, err := s.transactions.FindPendingCheckout(ctx, actor.SubjectID, listing.ProjectID); err != nil {
		return domain.Transaction{}, err
	} else if found {
		return existing, nil
	}
	tx, err := s.newTransaction(actor.SubjectID, listing, listing.PriceCents, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := s.transactions.Create(ctx, tx); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return domain.Transaction{}, err
		}
		existing, found, findErr := s.transactions.FindPendingCheckout(ctx, actor.SubjectID, listing.ProjectID)
		if findErr != nil {
			return domain.Transaction{}, findErr
		}
		if !found {
			return domain.Transaction{}, err
		}
		return existing, nil
	}
	s.emitTransactionEvent(ctx, domain.EventTransactionCreated, tx, actor.RequestID)
	return tx, nil
}

func (s *Service) newTransaction(buyerID string, listing domain.Listing, priceCents int64, offerID *string) (domain.Transaction, error) {
	breakdown, err := domain.ComputeBreakdown(priceCents, s.cfg.PlatformFeeRate.Decimal)
	if err != nil {
		return domain.Transaction{}, err
	}
	now := s.nowFn()
	tx := domain.Transaction{
		TransactionID:       uuid.NewString(),
		ProjectID:           listing.ProjectID,
		SellerID:            listing.SellerID,
		BuyerID:             buyerID,
		OfferID:             offerID,
		AmountCents:         breakdown.AmountCents,
		CommissionCents:     breakdown.CommissionCents,
		SellerReceivesCents: breakdown.SellerReceivesCents,
		Currency:            s.cfg.Currency,
		PaymentStatus:       domain.PaymentStatusPending,
		EscrowStatus:        domain.EscrowStatusPending,
		CodeDeliveryStatus:  domain.CodeDeliveryPending,
		EscrowReleaseDate:   now.Add(s.cfg.EscrowHoldPeriod),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	mustHoldInvariants(tx)
	return tx, nil
}

// ensurePaymentIntent attaches a gateway intent to a pending transaction. A
// failed or timed out gateway call leaves the transaction pending with no
// intent id so checkout can be retried against it.
func (s *Service) ensurePaymentIntent(ctx context.Context, tx domain.Transaction) (CheckoutResult, error) {
	result := CheckoutResult{
		TransactionID: tx.TransactionID,
		Currency:      tx.Currency,
		Breakdown:     tx.Breakdown(),
		EscrowRelease: tx.EscrowReleaseDate,
	}

	if tx.StripePaymentIntentID != nil {
		callCtx, cancel := s.gatewayContext(ctx)
		intent, err := s.gateway.RetrievePaymentIntent(callCtx, *tx.StripePaymentIntentID)
		cancel()
		if err != nil {
			return CheckoutResult{}, dependencyError("retrieve payment intent", err)
		}
		result.PaymentIntentID = intent.IntentID
		result.ClientSecret = intent.ClientSecret
		return result, nil
	}

	callCtx, cancel := s.gatewayContext(ctx)
	intent, err := s.gateway.CreatePaymentIntent(callCtx, ports.PaymentIntentRequest{
		AmountCents: tx.AmountCents,
		Currency:    tx.Currency,
		Metadata: map[string]string{
			"project_id":     tx.ProjectID,
			"seller_id":      tx.SellerID,
			"buyer_id":       tx.BuyerID,
			"transaction_id": tx.TransactionID,
		},
		IdempotencyKey: "checkout-" + tx.TransactionID,
	})
	cancel()
	if err != nil {
		s.logger.WarnContext(ctx, "payment intent creation failed",
			"module", "application.checkout",
			"layer", "application",
			"operation", "create_payment_intent",
			"outcome", "failure",
			"transaction_id", tx.TransactionID,
			"error", err,
		)
		return CheckoutResult{}, dependencyError("create payment intent", err)
	}
	if err := s.transactions.SetPaymentIntent(ctx, tx.TransactionID, intent.IntentID, s.nowFn()); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return CheckoutResult{}, err
		}
		// Same idempotency key, so a concurrent writer stored this same intent.
	}
	s.invalidateTransaction(ctx, tx.TransactionID)
	result.PaymentIntentID = intent.IntentID
	result.ClientSecret = intent.ClientSecret
	return result, nil
}
