package postgres

import (
	"context"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"gorm.io/gorm"
)

type offerRepository struct {
	db *gorm.DB
}

func (r *offerRepository) Create(ctx context.Context, offer domain.Offer) error {
	rec := toOfferModel(offer)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *offerRepository) GetByID(ctx context.Context, offerID string) (domain.Offer, error) {
	return getOffer(r.db.WithContext(ctx), offerID)
}

func getOffer(db *gorm.DB, offerID string) (domain.Offer, error) {
	var rec offerModel
	if err := db.Where("offer_id = ?", offerID).Take(&rec).Error; err != nil {
		return domain.Offer{}, notFound(err)
	}
	return toDomainOffer(rec), nil
}

func (r *offerRepository) ListByProject(ctx context.Context, projectID string) ([]domain.Offer, error) {
	var rows []offerModel
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainOffers(rows), nil
}

func (r *offerRepository) FindLiveOffer(ctx context.Context, buyerID, projectID string, now time.Time) (domain.Offer, bool, error) {
	var rows []offerModel
	if err := r.db.WithContext(ctx).
		Where("buyer_id = ? AND project_id = ?", buyerID, projectID).
		Where("status = ?", string(domain.OfferStatusPending)).
		Where("expires_at > ?", now).
		Order("created_at DESC").
		Limit(1).
		Find(&rows).Error; err != nil {
		return domain.Offer{}, false, err
	}
	if len(rows) == 0 {
		return domain.Offer{}, false, nil
	}
	return toDomainOffer(rows[0]), true, nil
}

func (r *offerRepository) Resolve(ctx context.Context, offerID string, resolution domain.OfferResolution, now time.Time) (domain.Offer, error) {
	var out domain.Offer
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = resolveOffer(tx, offerID, resolution, now)
		return err
	})
	return out, err
}

// resolveOffer is the guarded status write shared by Resolve and Counter.
func resolveOffer(tx *gorm.DB, offerID string, resolution domain.OfferResolution, now time.Time) (domain.Offer, error) {
	updates := map[string]any{
		"status":     string(resolution.To),
		"updated_at": now,
	}
	if resolution.RespondedAt != nil {
		updates["responded_at"] = *resolution.RespondedAt
	}
	q := tx.Model(&offerModel{}).
		Where("offer_id = ?", offerID).
		Where("status = ?", string(resolution.From))
	if resolution.To != domain.OfferStatusExpired {
		q = q.Where("expires_at > ?", now)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return domain.Offer{}, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := getOffer(tx, offerID); err != nil {
			return domain.Offer{}, err
		}
		return domain.Offer{}, domain.ErrConflict
	}
	return getOffer(tx, offerID)
}

func (r *offerRepository) Counter(ctx context.Context, sourceOfferID string, resolution domain.OfferResolution, counter domain.Offer) (domain.Offer, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := resolveOffer(tx, sourceOfferID, resolution, counter.CreatedAt); err != nil {
			return err
		}
		rec := toOfferModel(counter)
		if err := tx.Create(&rec).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Offer{}, err
	}
	return counter, nil
}

func (r *offerRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.Offer, error) {
	var rows []offerModel
	q := r.db.WithContext(ctx).
		Where("status = ?", string(domain.OfferStatusPending)).
		Where("expires_at <= ?", now).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainOffers(rows), nil
}

func toDomainOffers(rows []offerModel) []domain.Offer {
	out := make([]domain.Offer, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainOffer(row))
	}
	return out
}
