package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
)

// RecordCodeAccess opens code delivery to the buyer once payment succeeded,
// whatever the escrow state. The first access time is kept on repeat calls.
func (s *Service) RecordCodeAccess(ctx context.Context, actor Actor, transactionID string) (domain.Transaction, error) {
	if err := requireSubject(actor); err != nil {
		return domain.Transaction{}, err
	}
	tx, err := s.transactions.GetByID(ctx, strings.TrimSpace(transactionID))
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.BuyerID != actor.SubjectID {
		return domain.Transaction{}, fmt.Errorf("%w: only the buyer can access the code", domain.ErrForbidden)
	}
	if tx.CodeDeliveryStatus == domain.CodeDeliveryAccessed {
		return tx, nil
	}
	if tx.PaymentStatus != domain.PaymentStatusSucceeded {
		return domain.Transaction{}, fmt.Errorf("%w: payment is %s", domain.ErrNotEligible, tx.PaymentStatus)
	}

	accessed, err := s.transactions.ApplyTransition(ctx, tx.TransactionID, domain.RecordCodeAccess(s.nowFn()))
	if err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return domain.Transaction{}, err
		}
		current, getErr := s.transactions.GetByID(ctx, tx.TransactionID)
		if getErr != nil {
			return domain.Transaction{}, getErr
		}
		if current.CodeDeliveryStatus == domain.CodeDeliveryAccessed {
			return current, nil
		}
		return domain.Transaction{}, fmt.Errorf("%w: payment is %s", domain.ErrNotEligible, current.PaymentStatus)
	}
	mustHoldInvariants(accessed)
	s.invalidateTransaction(ctx, accessed.TransactionID)
	s.emitTransactionEvent(ctx, domain.EventCodeAccessed, accessed, actor.RequestID)
	return accessed, nil
}
