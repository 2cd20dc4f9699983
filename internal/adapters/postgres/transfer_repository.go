package postgres

import (
	"context"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type transferRepository struct {
	db *gorm.DB
}

func (r *transferRepository) Create(ctx context.Context, transfer domain.RepositoryTransfer) (domain.RepositoryTransfer, bool, error) {
	db := r.db.WithContext(ctx)
	rec := toTransferModel(transfer)
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}},
		DoNothing: true,
	}).Create(&rec)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return domain.RepositoryTransfer{}, false, domain.ErrConflict
		}
		return domain.RepositoryTransfer{}, false, res.Error
	}
	stored, err := getTransferBy(db, "transaction_id = ?", transfer.TransactionID)
	if err != nil {
		return domain.RepositoryTransfer{}, false, err
	}
	return stored, res.RowsAffected > 0, nil
}

func (r *transferRepository) GetByID(ctx context.Context, transferID string) (domain.RepositoryTransfer, error) {
	return getTransferBy(r.db.WithContext(ctx), "transfer_id = ?", transferID)
}

func (r *transferRepository) GetByTransactionID(ctx context.Context, transactionID string) (domain.RepositoryTransfer, error) {
	return getTransferBy(r.db.WithContext(ctx), "transaction_id = ?", transactionID)
}

func getTransferBy(db *gorm.DB, query string, arg any) (domain.RepositoryTransfer, error) {
	var rec transferModel
	if err := db.Where(query, arg).Take(&rec).Error; err != nil {
		return domain.RepositoryTransfer{}, notFound(err)
	}
	return toDomainTransfer(rec), nil
}

func (r *transferRepository) ApplyTransition(ctx context.Context, transferID string, transition domain.TransferTransition) (domain.RepositoryTransfer, error) {
	var out domain.RepositoryTransfer
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec transferModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("transfer_id = ?", transferID).
			Take(&rec).Error; err != nil {
			return notFound(err)
		}
		current := toDomainTransfer(rec)
		if !transition.Matches(current) {
			return domain.ErrConflict
		}
		next, err := transition.Apply(current)
		if err != nil {
			return err
		}
		row := toTransferModel(next)
		if err := tx.Model(&transferModel{}).
			Where("transfer_id = ?", transferID).
			Select("*").
			Omit("transfer_id", "transaction_id", "created_at").
			Updates(&row).Error; err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (r *transferRepository) ListRetryable(ctx context.Context, limit int) ([]domain.RepositoryTransfer, error) {
	return r.list(r.db.WithContext(ctx).
		Where("status = ?", string(domain.TransferStatusPending)).
		Where("method = ?", string(domain.TransferMethodGithubCollaborator)).
		Where("retry_count < retry_budget"), limit)
}

func (r *transferRepository) ListByStatus(ctx context.Context, status domain.TransferStatus, limit int) ([]domain.RepositoryTransfer, error) {
	return r.list(r.db.WithContext(ctx).Where("status = ?", string(status)), limit)
}

func (r *transferRepository) ListOpenByBuyer(ctx context.Context, buyerID string) ([]domain.RepositoryTransfer, error) {
	return r.list(r.db.WithContext(ctx).
		Where("buyer_id = ?", buyerID).
		Where("status NOT IN ?", []string{string(domain.TransferStatusCompleted), string(domain.TransferStatusFailed)}), 0)
}

func (r *transferRepository) FindByRepoAndBuyerUsername(ctx context.Context, repoFullName, buyerUsername string) (domain.RepositoryTransfer, bool, error) {
	var rows []transferModel
	if err := r.db.WithContext(ctx).
		Where("LOWER(github_repo_full_name) = LOWER(?)", repoFullName).
		Where("LOWER(buyer_github_username) = LOWER(?)", buyerUsername).
		Where("status = ?", string(domain.TransferStatusInvitationSent)).
		Order("created_at DESC").
		Limit(1).
		Find(&rows).Error; err != nil {
		return domain.RepositoryTransfer{}, false, err
	}
	if len(rows) == 0 {
		return domain.RepositoryTransfer{}, false, nil
	}
	return toDomainTransfer(rows[0]), true, nil
}

func (r *transferRepository) list(q *gorm.DB, limit int) ([]domain.RepositoryTransfer, error) {
	q = q.Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []transferModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.RepositoryTransfer, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainTransfer(row))
	}
	return out, nil
}
