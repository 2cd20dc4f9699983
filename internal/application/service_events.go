package application

import (
	"context"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
)

type offerEventData struct {
	OfferID           string  `json:"offer_id"`
	ProjectID         string  `json:"project_id"`
	BuyerID           string  `json:"buyer_id"`
	SellerID          string  `json:"seller_id"`
	ProposedBy        string  `json:"proposed_by"`
	OfferedPriceCents int64   `json:"offered_price_cents"`
	Status            string  `json:"status"`
	ParentOfferID     *string `json:"parent_offer_id,omitempty"`
	// NotifyUserID is who the notification dispatcher should tell.
	NotifyUserID string `json:"notify_user_id"`
}

type transactionEventData struct {
	TransactionID       string  `json:"transaction_id"`
	ProjectID           string  `json:"project_id"`
	BuyerID             string  `json:"buyer_id"`
	SellerID            string  `json:"seller_id"`
	OfferID             *string `json:"offer_id,omitempty"`
	AmountCents         int64   `json:"amount_cents"`
	CommissionCents     int64   `json:"commission_cents"`
	SellerReceivesCents int64   `json:"seller_receives_cents"`
	Currency            string  `json:"currency"`
	PaymentStatus       string  `json:"payment_status"`
	EscrowStatus        string  `json:"escrow_status"`
	CodeDeliveryStatus  string  `json:"code_delivery_status"`
	EscrowReleaseDate   string  `json:"escrow_release_date"`
	ReleaseTrigger      string  `json:"release_trigger,omitempty"`
	StripeTransferID    *string `json:"stripe_transfer_id,omitempty"`
	StripeRefundID      *string `json:"stripe_refund_id,omitempty"`
	RefundReason        string  `json:"refund_reason,omitempty"`
}

type transferEventData struct {
	TransferID         string `json:"transfer_id"`
	TransactionID      string `json:"transaction_id"`
	BuyerID            string `json:"buyer_id"`
	SellerID           string `json:"seller_id"`
	GithubRepoFullName string `json:"github_repo_full_name"`
	Status             string `json:"status"`
	RetryCount         int    `json:"retry_count"`
	ErrorMessage       string `json:"error_message,omitempty"`
}

func (s *Service) emitOfferEvent(ctx context.Context, eventType string, offer domain.Offer, notifyUserID, requestID string) {
	s.enqueueEvent(ctx, eventType, offer.OfferID, requestID, offerEventData{
		OfferID:           offer.OfferID,
		ProjectID:         offer.ProjectID,
		BuyerID:           offer.BuyerID,
		SellerID:          offer.SellerID,
		ProposedBy:        string(offer.ProposedBy),
		OfferedPriceCents: offer.OfferedPriceCents,
		Status:            string(offer.Status),
		ParentOfferID:     offer.ParentOfferID,
		NotifyUserID:      notifyUserID,
	})
}

func (s *Service) emitTransactionEvent(ctx context.Context, eventType string, tx domain.Transaction, requestID string) {
	s.enqueueEvent(ctx, eventType, tx.TransactionID, requestID, transactionEventData{
		TransactionID:       tx.TransactionID,
		ProjectID:           tx.ProjectID,
		BuyerID:             tx.BuyerID,
		SellerID:            tx.SellerID,
		OfferID:             tx.OfferID,
		AmountCents:         tx.AmountCents,
		CommissionCents:     tx.CommissionCents,
		SellerReceivesCents: tx.SellerReceivesCents,
		Currency:            tx.Currency,
		PaymentStatus:       string(tx.PaymentStatus),
		EscrowStatus:        string(tx.EscrowStatus),
		CodeDeliveryStatus:  string(tx.CodeDeliveryStatus),
		EscrowReleaseDate:   tx.EscrowReleaseDate.Format(time.RFC3339),
		ReleaseTrigger:      string(tx.ReleaseTrigger),
		StripeTransferID:    tx.StripeTransferID,
		StripeRefundID:      tx.StripeRefundID,
		RefundReason:        tx.RefundReason,
	})
}

func (s *Service) emitTransferEvent(ctx context.Context, eventType string, transfer domain.RepositoryTransfer, requestID string) {
	s.enqueueEvent(ctx, eventType, transfer.TransferID, requestID, transferEventData{
		TransferID:         transfer.TransferID,
		TransactionID:      transfer.TransactionID,
		BuyerID:            transfer.BuyerID,
		SellerID:           transfer.SellerID,
		GithubRepoFullName: transfer.GithubRepoFullName,
		Status:             string(transfer.Status),
		RetryCount:         transfer.RetryCount,
		ErrorMessage:       transfer.ErrorMessage,
	})
}
