package domain

import "strings"

type ListingStatus string

const (
	ListingStatusDraft  ListingStatus = "draft"
	ListingStatusActive ListingStatus = "active"
	ListingStatusSold   ListingStatus = "sold"
)

// Listing is the read-only view of a project the marketplace offers for sale.
type Listing struct {
	ProjectID          string
	SellerID           string
	Title              string
	PriceCents         int64
	Status             ListingStatus
	GithubRepoFullName string
}

func (l Listing) Purchasable() bool {
	return l.Status == ListingStatusActive && l.PriceCents > 0
}

func (l Listing) GithubBacked() bool {
	return strings.TrimSpace(l.GithubRepoFullName) != ""
}

// SellerAccount is the seller's payout destination at the payment gateway.
type SellerAccount struct {
	SellerID           string
	StripeAccountID    string
	OnboardingComplete bool
}

func (a SellerAccount) CanReceivePayouts() bool {
	return a.OnboardingComplete && strings.TrimSpace(a.StripeAccountID) != ""
}

// GithubIdentity is a user's linked GitHub account. AccessToken is only
// populated for sellers who granted repository administration.
type GithubIdentity struct {
	UserID      string
	Username    string
	AccessToken string
}
