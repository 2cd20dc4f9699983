package domain

import (
	"fmt"
	"strings"
	"time"
)

type OfferStatus string

const (
	OfferStatusPending   OfferStatus = "pending"
	OfferStatusAccepted  OfferStatus = "accepted"
	OfferStatusRejected  OfferStatus = "rejected"
	OfferStatusCountered OfferStatus = "countered"
	OfferStatusWithdrawn OfferStatus = "withdrawn"
	OfferStatusExpired   OfferStatus = "expired"
)

// OfferParty identifies which side of the deal proposed an offer.
type OfferParty string

const (
	OfferPartyBuyer  OfferParty = "buyer"
	OfferPartySeller OfferParty = "seller"
)

const MaxOfferMessageLength = 1000

type Offer struct {
	OfferID            string      `json:"offer_id"`
	ProjectID          string      `json:"project_id"`
	BuyerID            string      `json:"buyer_id"`
	SellerID           string      `json:"seller_id"`
	ProposedBy         OfferParty  `json:"proposed_by"`
	OfferedPriceCents  int64       `json:"offered_price_cents"`
	OriginalPriceCents int64       `json:"original_price_cents"`
	Message            string      `json:"message,omitempty"`
	ParentOfferID      *string     `json:"parent_offer_id,omitempty"`
	Status             OfferStatus `json:"status"`
	RespondedAt        *time.Time  `json:"responded_at,omitempty"`
	ExpiresAt          time.Time   `json:"expires_at"`
	TransactionID      *string     `json:"transaction_id,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// EffectiveStatus applies lazy expiry: a pending offer past its deadline
// reads as expired even before a sweep persists it.
func (o Offer) EffectiveStatus(now time.Time) OfferStatus {
	if o.Status == OfferStatusPending && !now.Before(o.ExpiresAt) {
		return OfferStatusExpired
	}
	return o.Status
}

// Recipient returns the user who may accept, reject or counter the offer.
func (o Offer) Recipient() string {
	if o.ProposedBy == OfferPartySeller {
		return o.BuyerID
	}
	return o.SellerID
}

// Proposer returns the user who made the offer and may withdraw it.
func (o Offer) Proposer() string {
	if o.ProposedBy == OfferPartySeller {
		return o.SellerID
	}
	return o.BuyerID
}

func (o Offer) IsParty(userID string) bool {
	return userID != "" && (userID == o.BuyerID || userID == o.SellerID)
}

// OfferResolution is the guarded write for a pending offer: it only lands
// when the stored status is still pending.
type OfferResolution struct {
	Name        string
	From        OfferStatus
	To          OfferStatus
	RespondedAt *time.Time
}

func AcceptOffer(at time.Time) OfferResolution {
	return OfferResolution{Name: "accept", From: OfferStatusPending, To: OfferStatusAccepted, RespondedAt: &at}
}

func RejectOffer(at time.Time) OfferResolution {
	return OfferResolution{Name: "reject", From: OfferStatusPending, To: OfferStatusRejected, RespondedAt: &at}
}

func CounterOffer(at time.Time) OfferResolution {
	return OfferResolution{Name: "counter", From: OfferStatusPending, To: OfferStatusCountered, RespondedAt: &at}
}

func WithdrawOffer() OfferResolution {
	return OfferResolution{Name: "withdraw", From: OfferStatusPending, To: OfferStatusWithdrawn}
}

func ExpireOffer() OfferResolution {
	return OfferResolution{Name: "expire", From: OfferStatusPending, To: OfferStatusExpired}
}

// CheckResolvable validates a pending-only action against the offer as read at now.
func (o Offer) CheckResolvable(now time.Time) error {
	switch o.EffectiveStatus(now) {
	case OfferStatusPending:
		return nil
	case OfferStatusExpired:
		return ErrOfferExpired
	default:
		return fmt.Errorf("%w: offer is %s", ErrInvalidTransition, o.Status)
	}
}

func ValidateOfferInput(priceCents int64, message string) error {
	if priceCents <= 0 {
		return fmt.Errorf("%w: offered price must be positive", ErrInvalidInput)
	}
	if len(strings.TrimSpace(message)) > MaxOfferMessageLength {
		return fmt.Errorf("%w: message too long", ErrInvalidInput)
	}
	return nil
}
