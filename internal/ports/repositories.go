package ports

import (
	"context"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/google/uuid"
)

// OfferRepository stores the negotiation ledger. Resolve and Counter are
// compare-and-set writes: they fail with domain.ErrConflict when the stored
// offer is no longer pending (or, for everything but expiry, has passed its
// deadline) at write time.
type OfferRepository interface {
	Create(ctx context.Context, offer domain.Offer) error
	GetByID(ctx context.Context, offerID string) (domain.Offer, error)
	ListByProject(ctx context.Context, projectID string) ([]domain.Offer, error)
	// FindLiveOffer returns a pending, unexpired offer between the buyer and the project's seller.
	FindLiveOffer(ctx context.Context, buyerID, projectID string, now time.Time) (domain.Offer, bool, error)
	Resolve(ctx context.Context, offerID string, resolution domain.OfferResolution, now time.Time) (domain.Offer, error)
	Counter(ctx context.Context, sourceOfferID string, resolution domain.OfferResolution, counter domain.Offer) (domain.Offer, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.Offer, error)
}

// TransactionRepository owns the money record. Every status change goes
// through ApplyTransition, which fails with domain.ErrConflict when the
// guard no longer matches the stored row.
type TransactionRepository interface {
	// Create fails with domain.ErrConflict when the buyer already has a pending
	// listing-price checkout for the project.
	Create(ctx context.Context, tx domain.Transaction) error
	// CreateWithOfferLink inserts tx and points its offer at it in one unit. The
	// link only lands while the offer's transaction id still equals expectedLink
	// (nil = unlinked) and no other accepted offer on the project links a
	// transaction that has not failed; otherwise nothing is written and
	// domain.ErrConflict is returned.
	CreateWithOfferLink(ctx context.Context, tx domain.Transaction, expectedLink *string) error
	GetByID(ctx context.Context, transactionID string) (domain.Transaction, error)
	GetByPaymentIntentID(ctx context.Context, intentID string) (domain.Transaction, error)
	FindPendingCheckout(ctx context.Context, buyerID, projectID string) (domain.Transaction, bool, error)
	// SetPaymentIntent records the gateway intent on a pending transaction that has none yet.
	SetPaymentIntent(ctx context.Context, transactionID, intentID string, at time.Time) error
	ApplyTransition(ctx context.Context, transactionID string, transition domain.TransactionTransition) (domain.Transaction, error)
	// AcquireReleaseClaim marks a held transaction as being paid out or refunded by
	// claimToken and stores payout alongside it. It fails with domain.ErrConflict
	// while another unexpired claim exists or an unfinished payout of the other
	// kind is recorded.
	AcquireReleaseClaim(ctx context.Context, transactionID, claimToken string, payout domain.PayoutClaim, now, expiresAt time.Time) (domain.Transaction, error)
	// ReleaseClaim drops the claim token only. The recorded payout stays until a
	// transition completes it or AbandonPayout clears it.
	ReleaseClaim(ctx context.Context, transactionID, claimToken string) error
	// AbandonPayout clears the claim and its recorded payout. Only for payouts the
	// gateway definitely did not execute.
	AbandonPayout(ctx context.Context, transactionID, claimToken string) error
	// ListReleasable returns held transactions that are due for release or carry
	// an unfinished payout.
	ListReleasable(ctx context.Context, now time.Time, limit int) ([]domain.Transaction, error)
}

type TransferRepository interface {
	// Create inserts the transfer unless one already exists for the transaction;
	// created reports which happened and the stored row is returned either way.
	Create(ctx context.Context, transfer domain.RepositoryTransfer) (stored domain.RepositoryTransfer, created bool, err error)
	GetByID(ctx context.Context, transferID string) (domain.RepositoryTransfer, error)
	GetByTransactionID(ctx context.Context, transactionID string) (domain.RepositoryTransfer, error)
	ApplyTransition(ctx context.Context, transferID string, transition domain.TransferTransition) (domain.RepositoryTransfer, error)
	ListRetryable(ctx context.Context, limit int) ([]domain.RepositoryTransfer, error)
	ListByStatus(ctx context.Context, status domain.TransferStatus, limit int) ([]domain.RepositoryTransfer, error)
	ListOpenByBuyer(ctx context.Context, buyerID string) ([]domain.RepositoryTransfer, error)
	FindByRepoAndBuyerUsername(ctx context.Context, repoFullName, buyerUsername string) (domain.RepositoryTransfer, bool, error)
}

// Directory exposes marketplace data owned by other parts of the platform.
type Directory interface {
	GetListing(ctx context.Context, projectID string) (domain.Listing, error)
	GetSellerAccount(ctx context.Context, sellerID string) (domain.SellerAccount, error)
	GetGithubIdentity(ctx context.Context, userID string) (domain.GithubIdentity, bool, error)
}

type OutboxEvent struct {
	EventID      uuid.UUID
	EventType    string
	PartitionKey string
	Payload      []byte
	OccurredAt   time.Time
}

type OutboxRecord struct {
	OutboxID       uuid.UUID
	EventType      string
	PartitionKey   string
	Payload        []byte
	RetryCount     int
	LastError      *string
	CreatedAt      time.Time
	PublishedAt    *time.Time
	LastErrorAt    *time.Time
	ClaimToken     *string
	ClaimUntil     *time.Time
	DeadLetteredAt *time.Time
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, event OutboxEvent) error
	ClaimUnpublished(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, outboxID uuid.UUID, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
	MarkDeadLettered(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
}

type EventDedupRepository interface {
	IsDuplicate(ctx context.Context, eventID string, now time.Time) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string, expiresAt time.Time) error
}

type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	Status       string
	ResponseCode int
	ResponseBody []byte
	ExpiresAt    time.Time
}

type IdempotencyRepository interface {
	Get(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error)
	Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) error
	Complete(ctx context.Context, key string, responseCode int, responseBody []byte, at time.Time) error
}
