package postgres

import (
	"context"
	"errors"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"gorm.io/gorm"
)

// directory reads the marketplace projections owned by the listing, payout
// and identity services.
type directory struct {
	db *gorm.DB
}

func (d *directory) GetListing(ctx context.Context, projectID string) (domain.Listing, error) {
	var rec listingModel
	if err := d.db.WithContext(ctx).Where("project_id = ?", projectID).Take(&rec).Error; err != nil {
		return domain.Listing{}, notFound(err)
	}
	return domain.Listing{
		ProjectID:          rec.ProjectID,
		SellerID:           rec.SellerID,
		Title:              rec.Title,
		PriceCents:         rec.PriceCents,
		Status:             domain.ListingStatus(rec.Status),
		GithubRepoFullName: derefString(rec.GithubRepoFullName),
	}, nil
}

func (d *directory) GetSellerAccount(ctx context.Context, sellerID string) (domain.SellerAccount, error) {
	var rec sellerAccountModel
	if err := d.db.WithContext(ctx).Where("seller_id = ?", sellerID).Take(&rec).Error; err != nil {
		return domain.SellerAccount{}, notFound(err)
	}
	return domain.SellerAccount{
		SellerID:           rec.SellerID,
		StripeAccountID:    derefString(rec.StripeAccountID),
		OnboardingComplete: rec.OnboardingComplete,
	}, nil
}

func (d *directory) GetGithubIdentity(ctx context.Context, userID string) (domain.GithubIdentity, bool, error) {
	var rec githubIdentityModel
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.GithubIdentity{}, false, nil
		}
		return domain.GithubIdentity{}, false, err
	}
	return domain.GithubIdentity{
		UserID:      rec.UserID,
		Username:    rec.Username,
		AccessToken: derefString(rec.AccessToken),
	}, true, nil
}
