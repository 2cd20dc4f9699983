package postgres

import (
	"errors"
	"strings"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"gorm.io/gorm"
)

func toOfferModel(o domain.Offer) offerModel {
	return offerModel{
		OfferID:            o.OfferID,
		ProjectID:          o.ProjectID,
		BuyerID:            o.BuyerID,
		SellerID:           o.SellerID,
		ProposedBy:         string(o.ProposedBy),
		OfferedPriceCents:  o.OfferedPriceCents,
		OriginalPriceCents: o.OriginalPriceCents,
		Message:            nullableString(o.Message),
		ParentOfferID:      o.ParentOfferID,
		Status:             string(o.Status),
		RespondedAt:        o.RespondedAt,
		ExpiresAt:          o.ExpiresAt,
		TransactionID:      o.TransactionID,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
}

func toDomainOffer(m offerModel) domain.Offer {
	return domain.Offer{
		OfferID:            m.OfferID,
		ProjectID:          m.ProjectID,
		BuyerID:            m.BuyerID,
		SellerID:           m.SellerID,
		ProposedBy:         domain.OfferParty(m.ProposedBy),
		OfferedPriceCents:  m.OfferedPriceCents,
		OriginalPriceCents: m.OriginalPriceCents,
		Message:            derefString(m.Message),
		ParentOfferID:      m.ParentOfferID,
		Status:             domain.OfferStatus(m.Status),
		RespondedAt:        m.RespondedAt,
		ExpiresAt:          m.ExpiresAt.UTC(),
		TransactionID:      m.TransactionID,
		CreatedAt:          m.CreatedAt.UTC(),
		UpdatedAt:          m.UpdatedAt.UTC(),
	}
}

func toTransactionModel(t domain.Transaction) transactionModel {
	return transactionModel{
		TransactionID:         t.TransactionID,
		ProjectID:             t.ProjectID,
		SellerID:              t.SellerID,
		BuyerID:               t.BuyerID,
		OfferID:               t.OfferID,
		AmountCents:           t.AmountCents,
		CommissionCents:       t.CommissionCents,
		SellerReceivesCents:   t.SellerReceivesCents,
		Currency:              t.Currency,
		PaymentStatus:         string(t.PaymentStatus),
		EscrowStatus:          string(t.EscrowStatus),
		CodeDeliveryStatus:    string(t.CodeDeliveryStatus),
		EscrowReleaseDate:     t.EscrowReleaseDate,
		ReleasedToSellerAt:    t.ReleasedToSellerAt,
		ReleaseTrigger:        nullableString(string(t.ReleaseTrigger)),
		ReleasedBy:            nullableString(t.ReleasedBy),
		CodeAccessedAt:        t.CodeAccessedAt,
		StripePaymentIntentID: t.StripePaymentIntentID,
		StripeTransferID:      t.StripeTransferID,
		StripeRefundID:        t.StripeRefundID,
		RefundReason:          nullableString(t.RefundReason),
		RefundedAt:            t.RefundedAt,
		ReleaseClaimToken:     t.ReleaseClaimToken,
		ReleaseClaimExpiresAt: t.ReleaseClaimExpiresAt,
		PayoutKind:            nullableString(string(t.PayoutKind)),
		PayoutAttempt:         t.PayoutAttempt,
		PayoutRequestedBy:     nullableString(t.PayoutRequestedBy),
		PayoutTrigger:         nullableString(string(t.PayoutTrigger)),
		PayoutReason:          nullableString(t.PayoutReason),
		CreatedAt:             t.CreatedAt,
		UpdatedAt:             t.UpdatedAt,
	}
}

func toDomainTransaction(m transactionModel) domain.Transaction {
	return domain.Transaction{
		TransactionID:         m.TransactionID,
		ProjectID:             m.ProjectID,
		SellerID:              m.SellerID,
		BuyerID:               m.BuyerID,
		OfferID:               m.OfferID,
		AmountCents:           m.AmountCents,
		CommissionCents:       m.CommissionCents,
		SellerReceivesCents:   m.SellerReceivesCents,
		Currency:              m.Currency,
		PaymentStatus:         domain.PaymentStatus(m.PaymentStatus),
		EscrowStatus:          domain.EscrowStatus(m.EscrowStatus),
		CodeDeliveryStatus:    domain.CodeDeliveryStatus(m.CodeDeliveryStatus),
		EscrowReleaseDate:     m.EscrowReleaseDate.UTC(),
		ReleasedToSellerAt:    m.ReleasedToSellerAt,
		ReleaseTrigger:        domain.ReleaseTrigger(derefString(m.ReleaseTrigger)),
		ReleasedBy:            derefString(m.ReleasedBy),
		CodeAccessedAt:        m.CodeAccessedAt,
		StripePaymentIntentID: m.StripePaymentIntentID,
		StripeTransferID:      m.StripeTransferID,
		StripeRefundID:        m.StripeRefundID,
		RefundReason:          derefString(m.RefundReason),
		RefundedAt:            m.RefundedAt,
		ReleaseClaimToken:     m.ReleaseClaimToken,
		ReleaseClaimExpiresAt: m.ReleaseClaimExpiresAt,
		PayoutKind:            domain.PayoutKind(derefString(m.PayoutKind)),
		PayoutAttempt:         m.PayoutAttempt,
		PayoutRequestedBy:     derefString(m.PayoutRequestedBy),
		PayoutTrigger:         domain.ReleaseTrigger(derefString(m.PayoutTrigger)),
		PayoutReason:          derefString(m.PayoutReason),
		CreatedAt:             m.CreatedAt.UTC(),
		UpdatedAt:             m.UpdatedAt.UTC(),
	}
}

func toTransferModel(t domain.RepositoryTransfer) transferModel {
	return transferModel{
		TransferID:           t.TransferID,
		TransactionID:        t.TransactionID,
		GithubRepoFullName:   t.GithubRepoFullName,
		Method:               string(t.Method),
		Status:               string(t.Status),
		SellerID:             t.SellerID,
		BuyerID:              t.BuyerID,
		SellerGithubUsername: nullableString(t.SellerGithubUsername),
		BuyerGithubUsername:  nullableString(t.BuyerGithubUsername),
		GithubInvitationID:   t.GithubInvitationID,
		RetryCount:           t.RetryCount,
		RetryBudget:          t.RetryBudget,
		InitiatedAt:          t.InitiatedAt,
		InvitationSentAt:     t.InvitationSentAt,
		AcceptedAt:           t.AcceptedAt,
		CompletedAt:          t.CompletedAt,
		FailedAt:             t.FailedAt,
		ErrorMessage:         nullableString(t.ErrorMessage),
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
}

func toDomainTransfer(m transferModel) domain.RepositoryTransfer {
	return domain.RepositoryTransfer{
		TransferID:           m.TransferID,
		TransactionID:        m.TransactionID,
		GithubRepoFullName:   m.GithubRepoFullName,
		Method:               domain.TransferMethod(m.Method),
		Status:               domain.TransferStatus(m.Status),
		SellerID:             m.SellerID,
		BuyerID:              m.BuyerID,
		SellerGithubUsername: derefString(m.SellerGithubUsername),
		BuyerGithubUsername:  derefString(m.BuyerGithubUsername),
		GithubInvitationID:   m.GithubInvitationID,
		RetryCount:           m.RetryCount,
		RetryBudget:          m.RetryBudget,
		InitiatedAt:          m.InitiatedAt,
		InvitationSentAt:     m.InvitationSentAt,
		AcceptedAt:           m.AcceptedAt,
		CompletedAt:          m.CompletedAt,
		FailedAt:             m.FailedAt,
		ErrorMessage:         derefString(m.ErrorMessage),
		CreatedAt:            m.CreatedAt.UTC(),
		UpdatedAt:            m.UpdatedAt.UTC(),
	}
}

func nullableString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}
