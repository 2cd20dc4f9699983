package domain

import (
	"fmt"
	"time"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

type EscrowStatus string

const (
	EscrowStatusPending  EscrowStatus = "pending"
	EscrowStatusHeld     EscrowStatus = "held"
	EscrowStatusReleased EscrowStatus = "released"
)

type CodeDeliveryStatus string

const (
	CodeDeliveryPending  CodeDeliveryStatus = "pending"
	CodeDeliveryAccessed CodeDeliveryStatus = "accessed"
)

type ReleaseTrigger string

const (
	ReleaseTriggerScheduled ReleaseTrigger = "scheduled"
	ReleaseTriggerManual    ReleaseTrigger = "manual"
)

// PayoutKind names the money movement a release claim was taken for.
type PayoutKind string

const (
	PayoutKindRelease PayoutKind = "release"
	PayoutKindRefund  PayoutKind = "refund"
)

// PayoutClaim is what a claim holder is about to ask the gateway for. It is
// stored with the claim and survives the claim token, so an interrupted
// payout can be finished with the same idempotency key but never replaced by
// the opposite kind.
type PayoutClaim struct {
	Kind        PayoutKind
	Attempt     int
	RequestedBy string
	Trigger     ReleaseTrigger
	Reason      string
}

// Transaction is the aggregate root for money state. It is never deleted.
type Transaction struct {
	TransactionID         string             `json:"transaction_id"`
	ProjectID             string             `json:"project_id"`
	SellerID              string             `json:"seller_id"`
	BuyerID               string             `json:"buyer_id"`
	OfferID               *string            `json:"offer_id,omitempty"`
	AmountCents           int64              `json:"amount_cents"`
	CommissionCents       int64              `json:"commission_cents"`
	SellerReceivesCents   int64              `json:"seller_receives_cents"`
	Currency              string             `json:"currency"`
	PaymentStatus         PaymentStatus      `json:"payment_status"`
	EscrowStatus          EscrowStatus       `json:"escrow_status"`
	CodeDeliveryStatus    CodeDeliveryStatus `json:"code_delivery_status"`
	EscrowReleaseDate     time.Time          `json:"escrow_release_date"`
	ReleasedToSellerAt    *time.Time         `json:"released_to_seller_at,omitempty"`
	ReleaseTrigger        ReleaseTrigger     `json:"release_trigger,omitempty"`
	ReleasedBy            string             `json:"released_by,omitempty"`
	CodeAccessedAt        *time.Time         `json:"code_accessed_at,omitempty"`
	StripePaymentIntentID *string            `json:"stripe_payment_intent_id,omitempty"`
	StripeTransferID      *string            `json:"stripe_transfer_id,omitempty"`
	StripeRefundID        *string            `json:"stripe_refund_id,omitempty"`
	RefundReason          string             `json:"refund_reason,omitempty"`
	RefundedAt            *time.Time         `json:"refunded_at,omitempty"`
	ReleaseClaimToken     *string            `json:"-"`
	ReleaseClaimExpiresAt *time.Time         `json:"-"`
	PayoutKind            PayoutKind         `json:"payout_in_flight,omitempty"`
	PayoutAttempt         int                `json:"-"`
	PayoutRequestedBy     string             `json:"-"`
	PayoutTrigger         ReleaseTrigger     `json:"-"`
	PayoutReason          string             `json:"-"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

func (t Transaction) Breakdown() PaymentBreakdown {
	return PaymentBreakdown{AmountCents: t.AmountCents, CommissionCents: t.CommissionCents, SellerReceivesCents: t.SellerReceivesCents}
}

func (t Transaction) IsParty(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// CheckInvariants reports the first broken cross-field rule, or nil.
func (t Transaction) CheckInvariants() error {
	if !t.Breakdown().Balanced() {
		return fmt.Errorf("transaction %s: breakdown %d+%d != %d", t.TransactionID, t.SellerReceivesCents, t.CommissionCents, t.AmountCents)
	}
	paid := t.PaymentStatus == PaymentStatusSucceeded || t.PaymentStatus == PaymentStatusRefunded
	if t.EscrowStatus == EscrowStatusReleased && !paid {
		return fmt.Errorf("transaction %s: escrow released with payment %s", t.TransactionID, t.PaymentStatus)
	}
	if t.EscrowStatus == EscrowStatusHeld && t.PaymentStatus != PaymentStatusSucceeded {
		return fmt.Errorf("transaction %s: escrow held with payment %s", t.TransactionID, t.PaymentStatus)
	}
	if t.PaymentStatus == PaymentStatusRefunded && t.EscrowStatus != EscrowStatusReleased {
		return fmt.Errorf("transaction %s: refunded with escrow %s", t.TransactionID, t.EscrowStatus)
	}
	if t.CodeDeliveryStatus == CodeDeliveryAccessed && !paid {
		return fmt.Errorf("transaction %s: code accessed with payment %s", t.TransactionID, t.PaymentStatus)
	}
	return nil
}

// CheckReleasable reports whether escrow can be paid out to the seller now.
func (t Transaction) CheckReleasable(now time.Time, trigger ReleaseTrigger) error {
	switch {
	case t.PaymentStatus == PaymentStatusRefunded:
		return fmt.Errorf("%w: transaction refunded", ErrInvalidTransition)
	case t.EscrowStatus == EscrowStatusReleased:
		return ErrAlreadyReleased
	case t.PaymentStatus != PaymentStatusSucceeded || t.EscrowStatus != EscrowStatusHeld:
		return fmt.Errorf("%w: payment %s, escrow %s", ErrNotEligible, t.PaymentStatus, t.EscrowStatus)
	case trigger == ReleaseTriggerScheduled && now.Before(t.EscrowReleaseDate):
		return fmt.Errorf("%w: escrow release date %s", ErrNotEligible, t.EscrowReleaseDate.Format(time.RFC3339))
	}
	return nil
}

// CheckRefundable enforces the refund policy boundary: money already paid
// out to the seller needs reconciliation, not a status flip.
func (t Transaction) CheckRefundable() error {
	switch {
	case t.PaymentStatus == PaymentStatusRefunded:
		return fmt.Errorf("%w: already refunded", ErrConflict)
	case t.EscrowStatus == EscrowStatusReleased:
		return ErrAlreadyReleased
	case t.PaymentStatus != PaymentStatusSucceeded:
		return fmt.Errorf("%w: payment %s", ErrNotEligible, t.PaymentStatus)
	}
	return nil
}

func (t Transaction) ClaimActive(now time.Time) bool {
	return t.ReleaseClaimToken != nil && t.ReleaseClaimExpiresAt != nil && now.Before(*t.ReleaseClaimExpiresAt)
}

// CheckPayoutKind refuses kind while a payout of the other kind is unfinished.
func (t Transaction) CheckPayoutKind(kind PayoutKind) error {
	if t.PayoutKind != "" && t.PayoutKind != kind {
		return fmt.Errorf("%w: %s already in flight", ErrConflict, t.PayoutKind)
	}
	return nil
}

// PendingPayout returns the stored payout of the same kind so it is finished
// as first requested, or want as a fresh attempt when nothing is in flight.
func (t Transaction) PendingPayout(want PayoutClaim) PayoutClaim {
	if t.PayoutKind != "" && t.PayoutKind == want.Kind {
		return PayoutClaim{
			Kind:        t.PayoutKind,
			Attempt:     t.PayoutAttempt,
			RequestedBy: t.PayoutRequestedBy,
			Trigger:     t.PayoutTrigger,
			Reason:      t.PayoutReason,
		}
	}
	want.Attempt = t.PayoutAttempt + 1
	return want
}

// PayoutIdempotencyKey is stable for one payout attempt, so retries land on
// the gateway result of the first call.
func (t Transaction) PayoutIdempotencyKey() string {
	return fmt.Sprintf("escrow-%s-%s-%d", t.PayoutKind, t.TransactionID, t.PayoutAttempt)
}

// TransactionTransition is a compare-and-set write on the status triple.
// The From fields are the only prior states the write accepts; nil means
// the column is not part of the guard.
type TransactionTransition struct {
	Name string

	FromPayment  PaymentStatus
	FromEscrow   *EscrowStatus
	FromDelivery *CodeDeliveryStatus
	ClaimToken   string

	ToPayment  *PaymentStatus
	ToEscrow   *EscrowStatus
	ToDelivery *CodeDeliveryStatus

	At                 time.Time
	EscrowReleaseDate  *time.Time
	ReleasedToSellerAt *time.Time
	ReleaseTrigger     ReleaseTrigger
	ReleasedBy         string
	CodeAccessedAt     *time.Time
	StripeTransferID   *string
	StripeRefundID     *string
	RefundReason       string
	RefundedAt         *time.Time
	ClearClaim         bool
}

// CapturePayment moves funds into escrow. The hold period runs from capture.
func CapturePayment(at, releaseDate time.Time) TransactionTransition {
	return TransactionTransition{
		Name:              "capture_payment",
		FromPayment:       PaymentStatusPending,
		FromEscrow:        escrowPtr(EscrowStatusPending),
		ToPayment:         paymentPtr(PaymentStatusSucceeded),
		ToEscrow:          escrowPtr(EscrowStatusHeld),
		At:                at,
		EscrowReleaseDate: &releaseDate,
	}
}

func FailPayment(at time.Time) TransactionTransition {
	return TransactionTransition{
		Name:        "fail_payment",
		FromPayment: PaymentStatusPending,
		FromEscrow:  escrowPtr(EscrowStatusPending),
		ToPayment:   paymentPtr(PaymentStatusFailed),
		At:          at,
	}
}

func ReleaseEscrow(at time.Time, trigger ReleaseTrigger, releasedBy, transferID, claimToken string) TransactionTransition {
	return TransactionTransition{
		Name:               "release_escrow",
		FromPayment:        PaymentStatusSucceeded,
		FromEscrow:         escrowPtr(EscrowStatusHeld),
		ClaimToken:         claimToken,
		ToEscrow:           escrowPtr(EscrowStatusReleased),
		At:                 at,
		ReleasedToSellerAt: &at,
		ReleaseTrigger:     trigger,
		ReleasedBy:         releasedBy,
		StripeTransferID:   &transferID,
		ClearClaim:         true,
	}
}

// RefundPayment writes refunded and released together so a refunded
// transaction can never read as still holding funds.
func RefundPayment(at time.Time, refundID, reason, claimToken string) TransactionTransition {
	return TransactionTransition{
		Name:           "refund_payment",
		FromPayment:    PaymentStatusSucceeded,
		FromEscrow:     escrowPtr(EscrowStatusHeld),
		ClaimToken:     claimToken,
		ToPayment:      paymentPtr(PaymentStatusRefunded),
		ToEscrow:       escrowPtr(EscrowStatusReleased),
		At:             at,
		StripeRefundID: &refundID,
		RefundReason:   reason,
		RefundedAt:     &at,
		ClearClaim:     true,
	}
}

func RecordCodeAccess(at time.Time) TransactionTransition {
	pending := CodeDeliveryPending
	accessed := CodeDeliveryAccessed
	return TransactionTransition{
		Name:           "record_code_access",
		FromPayment:    PaymentStatusSucceeded,
		FromDelivery:   &pending,
		ToDelivery:     &accessed,
		At:             at,
		CodeAccessedAt: &at,
	}
}

// Matches reports whether the guard accepts the stored transaction.
func (tr TransactionTransition) Matches(t Transaction) bool {
	if t.PaymentStatus != tr.FromPayment {
		return false
	}
	if tr.FromEscrow != nil && t.EscrowStatus != *tr.FromEscrow {
		return false
	}
	if tr.FromDelivery != nil && t.CodeDeliveryStatus != *tr.FromDelivery {
		return false
	}
	if tr.ClaimToken != "" && (t.ReleaseClaimToken == nil || *t.ReleaseClaimToken != tr.ClaimToken) {
		return false
	}
	return true
}

// Apply returns the transaction after the transition, or ErrInvalidTransition
// when the guard rejects the current state.
func (tr TransactionTransition) Apply(t Transaction) (Transaction, error) {
	if !tr.Matches(t) {
		return t, fmt.Errorf("%w: %s from payment %s, escrow %s, delivery %s", ErrInvalidTransition, tr.Name, t.PaymentStatus, t.EscrowStatus, t.CodeDeliveryStatus)
	}
	if tr.ToPayment != nil {
		t.PaymentStatus = *tr.ToPayment
	}
	if tr.ToEscrow != nil {
		t.EscrowStatus = *tr.ToEscrow
	}
	if tr.ToDelivery != nil {
		t.CodeDeliveryStatus = *tr.ToDelivery
	}
	if tr.EscrowReleaseDate != nil {
		t.EscrowReleaseDate = *tr.EscrowReleaseDate
	}
	if tr.ReleasedToSellerAt != nil {
		t.ReleasedToSellerAt = tr.ReleasedToSellerAt
		t.ReleaseTrigger = tr.ReleaseTrigger
		t.ReleasedBy = tr.ReleasedBy
	}
	if tr.CodeAccessedAt != nil {
		t.CodeAccessedAt = tr.CodeAccessedAt
	}
	if tr.StripeTransferID != nil {
		t.StripeTransferID = tr.StripeTransferID
	}
	if tr.StripeRefundID != nil {
		t.StripeRefundID = tr.StripeRefundID
		t.RefundReason = tr.RefundReason
		t.RefundedAt = tr.RefundedAt
	}
	if tr.ClearClaim {
		t = t.WithoutPayoutClaim()
	}
	t.UpdatedAt = tr.At
	return t, nil
}

// WithoutPayoutClaim drops the claim and the payout it was taken for. The
// attempt counter stays so the next payout gets a fresh idempotency key.
func (t Transaction) WithoutPayoutClaim() Transaction {
	t.ReleaseClaimToken = nil
	t.ReleaseClaimExpiresAt = nil
	t.PayoutKind = ""
	t.PayoutRequestedBy = ""
	t.PayoutTrigger = ""
	t.PayoutReason = ""
	return t
}

func paymentPtr(v PaymentStatus) *PaymentStatus { return &v }
func escrowPtr(v EscrowStatus) *EscrowStatus    { return &v }
