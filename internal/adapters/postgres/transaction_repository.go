package postgres

import (
	"context"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type transactionRepository struct {
	db *gorm.DB
}

// Create relies on the partial unique index over pending listing-price
// checkouts to reject a second one for the same buyer and project.
func (r *transactionRepository) Create(ctx context.Context, t domain.Transaction) error {
	return insertTransaction(r.db.WithContext(ctx), t)
}

func insertTransaction(db *gorm.DB, t domain.Transaction) error {
	rec := toTransactionModel(t)
	if err := db.Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

// CreateWithOfferLink serialises offer checkouts per project with a
// transaction-scoped advisory lock, so the sibling scan and the link write
// cannot interleave with another buyer's checkout on the same project.
func (r *transactionRepository) CreateWithOfferLink(ctx context.Context, t domain.Transaction, expectedLink *string) error {
	if t.OfferID == nil {
		return domain.ErrInvalidInput
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "escrow_offer_checkout:"+t.ProjectID).Error; err != nil {
			return err
		}
		var live int64
		if err := tx.Model(&offerModel{}).
			Joins("JOIN escrow_transactions t ON t.transaction_id = escrow_offers.transaction_id").
			Where("escrow_offers.project_id = ?", t.ProjectID).
			Where("escrow_offers.offer_id <> ?", *t.OfferID).
			Where("escrow_offers.status = ?", string(domain.OfferStatusAccepted)).
			Where("t.payment_status <> ?", string(domain.PaymentStatusFailed)).
			Count(&live).Error; err != nil {
			return err
		}
		if live > 0 {
			return domain.ErrConflict
		}
		if err := insertTransaction(tx, t); err != nil {
			return err
		}
		q := tx.Model(&offerModel{}).Where("offer_id = ?", *t.OfferID)
		if expectedLink == nil {
			q = q.Where("transaction_id IS NULL")
		} else {
			q = q.Where("transaction_id = ?", *expectedLink)
		}
		res := q.Updates(map[string]any{
			"transaction_id": t.TransactionID,
			"updated_at":     t.CreatedAt,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := getOffer(tx, *t.OfferID); err != nil {
				return err
			}
			return domain.ErrConflict
		}
		return nil
	})
}

func (r *transactionRepository) GetByID(ctx context.Context, transactionID string) (domain.Transaction, error) {
	return getTransaction(r.db.WithContext(ctx), transactionID)
}

func getTransaction(db *gorm.DB, transactionID string) (domain.Transaction, error) {
	var rec transactionModel
	if err := db.Where("transaction_id = ?", transactionID).Take(&rec).Error; err != nil {
		return domain.Transaction{}, notFound(err)
	}
	return toDomainTransaction(rec), nil
}

func (r *transactionRepository) GetByPaymentIntentID(ctx context.Context, intentID string) (domain.Transaction, error) {
	var rec transactionModel
	if err := r.db.WithContext(ctx).Where("stripe_payment_intent_id = ?", intentID).Take(&rec).Error; err != nil {
		return domain.Transaction{}, notFound(err)
	}
	return toDomainTransaction(rec), nil
}

func (r *transactionRepository) FindPendingCheckout(ctx context.Context, buyerID, projectID string) (domain.Transaction, bool, error) {
	var rows []transactionModel
	if err := r.db.WithContext(ctx).
		Where("buyer_id = ? AND project_id = ?", buyerID, projectID).
		Where("offer_id IS NULL").
		Where("payment_status = ?", string(domain.PaymentStatusPending)).
		Limit(1).
		Find(&rows).Error; err != nil {
		return domain.Transaction{}, false, err
	}
	if len(rows) == 0 {
		return domain.Transaction{}, false, nil
	}
	return toDomainTransaction(rows[0]), true, nil
}

func (r *transactionRepository) SetPaymentIntent(ctx context.Context, transactionID, intentID string, at time.Time) error {
	db := r.db.WithContext(ctx)
	res := db.Model(&transactionModel{}).
		Where("transaction_id = ?", transactionID).
		Where("payment_status = ?", string(domain.PaymentStatusPending)).
		Where("stripe_payment_intent_id IS NULL").
		Updates(map[string]any{
			"stripe_payment_intent_id": intentID,
			"updated_at":               at,
		})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return domain.ErrConflict
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := getTransaction(db, transactionID); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

// ApplyTransition locks the row, checks the guard against what is stored
// and writes the result in the same database transaction.
func (r *transactionRepository) ApplyTransition(ctx context.Context, transactionID string, transition domain.TransactionTransition) (domain.Transaction, error) {
	var out domain.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec transactionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("transaction_id = ?", transactionID).
			Take(&rec).Error; err != nil {
			return notFound(err)
		}
		current := toDomainTransaction(rec)
		if !transition.Matches(current) {
			return domain.ErrConflict
		}
		next, err := transition.Apply(current)
		if err != nil {
			return err
		}
		row := toTransactionModel(next)
		if err := tx.Model(&transactionModel{}).
			Where("transaction_id = ?", transactionID).
			Select("*").
			Omit("transaction_id", "created_at").
			Updates(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (r *transactionRepository) AcquireReleaseClaim(ctx context.Context, transactionID, claimToken string, payout domain.PayoutClaim, now, expiresAt time.Time) (domain.Transaction, error) {
	db := r.db.WithContext(ctx)
	res := db.Model(&transactionModel{}).
		Where("transaction_id = ?", transactionID).
		Where("payment_status = ?", string(domain.PaymentStatusSucceeded)).
		Where("escrow_status = ?", string(domain.EscrowStatusHeld)).
		Where("release_claim_token IS NULL OR release_claim_expires_at IS NULL OR release_claim_expires_at <= ?", now).
		Where("payout_kind IS NULL OR payout_kind = ?", string(payout.Kind)).
		Updates(map[string]any{
			"release_claim_token":      claimToken,
			"release_claim_expires_at": expiresAt,
			"payout_kind":              string(payout.Kind),
			"payout_attempt":           payout.Attempt,
			"payout_requested_by":      nullableString(payout.RequestedBy),
			"payout_trigger":           nullableString(string(payout.Trigger)),
			"payout_reason":            nullableString(payout.Reason),
		})
	if res.Error != nil {
		return domain.Transaction{}, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := getTransaction(db, transactionID); err != nil {
			return domain.Transaction{}, err
		}
		return domain.Transaction{}, domain.ErrConflict
	}
	return getTransaction(db, transactionID)
}

func (r *transactionRepository) ReleaseClaim(ctx context.Context, transactionID, claimToken string) error {
	return r.clearClaim(ctx, transactionID, claimToken, map[string]any{
		"release_claim_token":      nil,
		"release_claim_expires_at": nil,
	})
}

func (r *transactionRepository) AbandonPayout(ctx context.Context, transactionID, claimToken string) error {
	return r.clearClaim(ctx, transactionID, claimToken, map[string]any{
		"release_claim_token":      nil,
		"release_claim_expires_at": nil,
		"payout_kind":              nil,
		"payout_requested_by":      nil,
		"payout_trigger":           nil,
		"payout_reason":            nil,
	})
}

func (r *transactionRepository) clearClaim(ctx context.Context, transactionID, claimToken string, columns map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&transactionModel{}).
		Where("transaction_id = ?", transactionID).
		Where("release_claim_token = ?", claimToken).
		Updates(columns).Error
}

func (r *transactionRepository) ListReleasable(ctx context.Context, now time.Time, limit int) ([]domain.Transaction, error) {
	var rows []transactionModel
	q := r.db.WithContext(ctx).
		Where("payment_status = ?", string(domain.PaymentStatusSucceeded)).
		Where("escrow_status = ?", string(domain.EscrowStatusHeld)).
		Where("escrow_release_date <= ? OR payout_kind IS NOT NULL", now).
		Order("escrow_release_date ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainTransaction(row))
	}
	return out, nil
}
