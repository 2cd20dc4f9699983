package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/google/uuid"
)

func (s *Service) CreateOffer(ctx context.Context, actor Actor, input CreateOfferInput) (domain.Offer, error) {
	if err := requireSubject(actor); err != nil {
		return domain.Offer{}, err
	}
	input.ProjectID = strings.TrimSpace(input.ProjectID)
	input.Message = strings.TrimSpace(input.Message)
	if input.ProjectID == "" {
		return domain.Offer{}, fmt.Errorf("%w: project_id is required", domain.ErrInvalidInput)
	}
	if err := domain.ValidateOfferInput(input.PriceCents, input.Message); err != nil {
		return domain.Offer{}, err
	}
	listing, err := s.purchasableListing(ctx, input.ProjectID)
	if err != nil {
		return domain.Offer{}, err
	}
	if listing.SellerID == actor.SubjectID {
		return domain.Offer{}, fmt.Errorf("%w: sellers cannot make offers on their own listing", domain.ErrInvalidInput)
	}
	if err := s.checkOfferRateLimit(ctx, actor.SubjectID); err != nil {
		return domain.Offer{}, err
	}

	now := s.nowFn()
	if _, found, err := s.offers.FindLiveOffer(ctx, actor.SubjectID, input.ProjectID, now); err != nil {
		return domain.Offer{}, err
	} else if found {
		return domain.Offer{}, fmt.Errorf("%w: a pending offer already exists for this project", domain.ErrConflict)
	}

	offer := domain.Offer{
		OfferID:            uuid.NewString(),
		ProjectID:          listing.ProjectID,
		BuyerID:            actor.SubjectID,
		SellerID:           listing.SellerID,
		ProposedBy:         domain.OfferPartyBuyer,
		OfferedPriceCents:  input.PriceCents,
		OriginalPriceCents: listing.PriceCents,
		Message:            input.Message,
		Status:             domain.OfferStatusPending,
		ExpiresAt:          now.Add(s.cfg.OfferTTL),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.offers.Create(ctx, offer); err != nil {
		return domain.Offer{}, err
	}
	s.emitOfferEvent(ctx, domain.EventOfferCreated, offer, offer.SellerID, actor.RequestID)
	return offer, nil
}

// CounterOffer closes the source offer as countered and opens a new pending
// offer from the countering party in the same write.
func (s *Service) CounterOffer(ctx context.Context, actor Actor, offerID string, input CounterOfferInput) (domain.Offer, error) {
	if err := requireSubject(actor); err != nil {
		return domain.Offer{}, err
	}
	input.Message = strings.TrimSpace(input.Message)
	if err := domain.ValidateOfferInput(input.PriceCents, input.Message); err != nil {
		return domain.Offer{}, err
	}
	source, err := s.offers.GetByID(ctx, strings.TrimSpace(offerID))
	if err != nil {
		return domain.Offer{}, err
	}
	if source.Recipient() != actor.SubjectID {
		return domain.Offer{}, fmt.Errorf("%w: only the offer recipient can counter", domain.ErrForbidden)
	}
	now := s.nowFn()
	if err := source.CheckResolvable(now); err != nil {
		return domain.Offer{}, err
	}

	proposedBy := domain.OfferPartySeller
	if source.ProposedBy == domain.OfferPartySeller {
		proposedBy = domain.OfferPartyBuyer
	}
	parentID := source.OfferID
	counter := domain.Offer{
		OfferID:            uuid.NewString(),
		ProjectID:          source.ProjectID,
		BuyerID:            source.BuyerID,
		SellerID:           source.SellerID,
		ProposedBy:         proposedBy,
		OfferedPriceCents:  input.PriceCents,
		OriginalPriceCents: source.OriginalPriceCents,
		Message:            input.Message,
		ParentOfferID:      &parentID,
		Status:             domain.OfferStatusPending,
		ExpiresAt:          now.Add(s.cfg.OfferTTL),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	created, err := s.offers.Counter(ctx, source.OfferID, domain.CounterOffer(now), counter)
	if err != nil {
		return domain.Offer{}, err
	}
	s.emitOfferEvent(ctx, domain.EventOfferCountered, created, created.Recipient(), actor.RequestID)
	return created, nil
}

func (s *Service) AcceptOffer(ctx context.Context, actor Actor, offerID string) (domain.Offer, error) {
	if err := requireSubject(actor); err != nil {
		return domain.Offer{}, err
	}
	offer, err := s.offers.GetByID(ctx, strings.TrimSpace(offerID))
	if err != nil {
		return domain.Offer{}, err
	}
	if offer.Recipient() != actor.SubjectID {
		return domain.Offer{}, fmt.Errorf("%w: only the offer recipient can accept", domain.ErrForbidden)
	}
	now := s.nowFn()
	if err := offer.CheckResolvable(now); err != nil {
		return domain.Offer{}, err
	}
	if _, err := s.purchasableListing(ctx, offer.ProjectID); err != nil {
		return domain.Offer{}, err
	}
	accepted, err := s.offers.Resolve(ctx, offer.OfferID, domain.AcceptOffer(now), now)
	if err != nil {
		return domain.Offer{}, err
	}
	s.emitOfferEvent(ctx, domain.EventOfferAccepted, accepted, accepted.Proposer(), actor.RequestID)
	return accepted, nil
}

func (s *Service) RejectOffer(ctx context.Context, actor Actor, offerID string) (domain.Offer, error) {
	return s.resolveOffer(ctx, actor, offerID, func(o domain.Offer) string { return o.Recipient() }, "reject",
		domain.RejectOffer(s.nowFn()), domain.EventOfferRejected)
}

func (s *Service) WithdrawOffer(ctx context.Context, actor Actor, offerID string) (domain.Offer, error) {
	return s.resolveOffer(ctx, actor, offerID, func(o domain.Offer) string { return o.Proposer() }, "withdraw",
		domain.WithdrawOffer(), domain.EventOfferWithdrawn)
}

func (s *Service) resolveOffer(ctx context.Context, actor Actor, offerID string, allowed func(domain.Offer) string, verb string, resolution domain.OfferResolution, eventType string) (domain.Offer, error) {
	if err := requireSubject(actor); err != nil {
		return domain.Offer{}, err
	}
	offer, err := s.offers.GetByID(ctx, strings.TrimSpace(offerID))
	if err != nil {
		return domain.Offer{}, err
	}
	if allowed(offer) != actor.SubjectID {
		return domain.Offer{}, fmt.Errorf("%w: not allowed to %s this offer", domain.ErrForbidden, verb)
	}
	now := s.nowFn()
	if err := offer.CheckResolvable(now); err != nil {
		return domain.Offer{}, err
	}
	resolved, err := s.offers.Resolve(ctx, offer.OfferID, resolution, now)
	if err != nil {
		return domain.Offer{}, err
	}
	notify := resolved.Proposer()
	if actor.SubjectID == notify {
		notify = resolved.Recipient()
	}
	s.emitOfferEvent(ctx, eventType, resolved, notify, actor.RequestID)
	return resolved, nil
}

func (s *Service) GetOffer(ctx context.Context, actor Actor, offerID string) (domain.Offer, error) {
	if err := requireSubject(actor); err != nil {
		return domain.Offer{}, err
	}
	offer, err := s.offers.GetByID(ctx, strings.TrimSpace(offerID))
	if err != nil {
		return domain.Offer{}, err
	}
	if !offer.IsParty(actor.SubjectID) && !actor.isOperator() {
		return domain.Offer{}, domain.ErrForbidden
	}
	offer.Status = offer.EffectiveStatus(s.nowFn())
	return offer, nil
}

// ListProjectOffers returns every offer on the project to its seller and
// operators, and only the caller's own negotiation to anyone else.
func (s *Service) ListProjectOffers(ctx context.Context, actor Actor, projectID string) ([]domain.Offer, error) {
	if err := requireSubject(actor); err != nil {
		return nil, err
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", domain.ErrInvalidInput)
	}
	listing, err := s.directory.GetListing(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items, err := s.offers.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	seeAll := actor.isOperator() || listing.SellerID == actor.SubjectID
	now := s.nowFn()
	out := make([]domain.Offer, 0, len(items))
	for _, item := range items {
		if !seeAll && item.BuyerID != actor.SubjectID {
			continue
		}
		item.Status = item.EffectiveStatus(now)
		out = append(out, item)
	}
	return out, nil
}

// GetOfferChain returns the negotiation containing offerID ordered root to leaf.
func (s *Service) GetOfferChain(ctx context.Context, actor Actor, offerID string) ([]domain.Offer, error) {
	offer, err := s.GetOffer(ctx, actor, offerID)
	if err != nil {
		return nil, err
	}
	items, err := s.offers.ListByProject(ctx, offer.ProjectID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Offer, len(items))
	childOf := make(map[string]domain.Offer, len(items))
	for _, item := range items {
		byID[item.OfferID] = item
		if item.ParentOfferID != nil {
			childOf[*item.ParentOfferID] = item
		}
	}

	root := offer
	for root.ParentOfferID != nil {
		parent, ok := byID[*root.ParentOfferID]
		if !ok {
			break
		}
		root = parent
	}
	now := s.nowFn()
	chain := make([]domain.Offer, 0, 4)
	for current, ok := root, true; ok; current, ok = childOf[current.OfferID] {
		current.Status = current.EffectiveStatus(now)
		chain = append(chain, current)
		if len(chain) > len(items) {
			break
		}
	}
	return chain, nil
}

func (s *Service) purchasableListing(ctx context.Context, projectID string) (domain.Listing, error) {
	listing, err := s.directory.GetListing(ctx, projectID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Listing{}, fmt.Errorf("%w: project %s", domain.ErrListingUnavailable, projectID)
		}
		return domain.Listing{}, err
	}
	if !listing.Purchasable() {
		return domain.Listing{}, fmt.Errorf("%w: listing is %s", domain.ErrListingUnavailable, listing.Status)
	}
	return listing, nil
}

func (s *Service) checkOfferRateLimit(ctx context.Context, buyerID string) error {
	if s.cache == nil {
		return nil
	}
	count, err := s.cache.IncrWithTTL(ctx, "escrow:offer_rate:"+buyerID, time.Hour)
	if err != nil {
		s.logger.WarnContext(ctx, "offer rate limit unavailable",
			"module", "application.offers",
			"layer", "application",
			"operation", "check_offer_rate_limit",
			"outcome", "failure",
			"error", err,
		)
		return nil
	}
	if count > int64(s.cfg.OfferRateLimitPerHour) {
		return domain.ErrRateLimitExceeded
	}
	return nil
}
