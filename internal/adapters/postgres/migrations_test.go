package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
)

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	raw, err := migrationFS.ReadFile("migrations/" + entries[0].Name())
	if err != nil {
		t.Fatalf("read first migration: %v", err)
	}
	for _, want := range []string{
		"uq_escrow_transactions_pending_checkout",
		"stripe_payment_intent_id TEXT UNIQUE",
		"transaction_id         TEXT NOT NULL UNIQUE",
		"payout_kind              TEXT CHECK (payout_kind IN ('release', 'refund'))",
	} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("migration missing %q", want)
		}
	}
}

func TestTransferMapperClearsEmptyStrings(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	row := toTransferModel(domain.RepositoryTransfer{
		TransferID:          "tr-1",
		TransactionID:       "tx-1",
		Method:              domain.TransferMethodGithubCollaborator,
		Status:              domain.TransferStatusPending,
		BuyerGithubUsername: "  ",
		ErrorMessage:        "",
		CreatedAt:           now,
		UpdatedAt:           now,
	})
	if row.BuyerGithubUsername != nil || row.ErrorMessage != nil {
		t.Fatalf("expected blank strings to map to NULL, got %+v", row)
	}
	back := toDomainTransfer(row)
	if back.BuyerGithubUsername != "" || back.Status != domain.TransferStatusPending {
		t.Fatalf("unexpected round trip: %+v", back)
	}
}

func TestTransactionMapperKeepsPayoutClaim(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	row := toTransactionModel(domain.Transaction{
		TransactionID:     "tx-1",
		PaymentStatus:     domain.PaymentStatusSucceeded,
		EscrowStatus:      domain.EscrowStatusHeld,
		PayoutKind:        domain.PayoutKindRefund,
		PayoutAttempt:     2,
		PayoutRequestedBy: "admin-1",
		PayoutReason:      "empty repository",
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if row.PayoutKind == nil || *row.PayoutKind != "refund" || row.PayoutTrigger != nil {
		t.Fatalf("unexpected payout columns %+v", row)
	}
	back := toDomainTransaction(row)
	if back.PayoutKind != domain.PayoutKindRefund || back.PayoutAttempt != 2 || back.PayoutReason != "empty repository" {
		t.Fatalf("unexpected round trip: %+v", back)
	}
	if back.PayoutIdempotencyKey() != "escrow-refund-tx-1-2" {
		t.Fatalf("unexpected key %q", back.PayoutIdempotencyKey())
	}
}
