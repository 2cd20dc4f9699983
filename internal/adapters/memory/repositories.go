// Package memory holds in-process implementations of the repository and
// cache ports. They keep the same compare-and-set contracts as the postgres
// adapter and back local runs and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	"github.com/google/uuid"
)

// state is shared by every repository so cross-table writes such as
// CreateWithOfferLink stay atomic.
type state struct {
	mu sync.Mutex

	offers       map[string]domain.Offer
	transactions map[string]domain.Transaction
	transfers    map[string]domain.RepositoryTransfer
	listings     map[string]domain.Listing
	sellers      map[string]domain.SellerAccount
	identities   map[string]domain.GithubIdentity
	outbox       map[uuid.UUID]ports.OutboxRecord
	outboxOrder  []uuid.UUID
	dedup        map[string]time.Time
	idempotency  map[string]ports.IdempotencyRecord
}

type Repositories struct {
	Offers       *OfferRepository
	Transactions *TransactionRepository
	Transfers    *TransferRepository
	Directory    *Directory
	Outbox       *OutboxRepository
	EventDedup   *EventDedupRepository
	Idempotency  *IdempotencyRepository
}

func NewRepositories() *Repositories {
	st := &state{
		offers:       map[string]domain.Offer{},
		transactions: map[string]domain.Transaction{},
		transfers:    map[string]domain.RepositoryTransfer{},
		listings:     map[string]domain.Listing{},
		sellers:      map[string]domain.SellerAccount{},
		identities:   map[string]domain.GithubIdentity{},
		outbox:       map[uuid.UUID]ports.OutboxRecord{},
		dedup:        map[string]time.Time{},
		idempotency:  map[string]ports.IdempotencyRecord{},
	}
	return &Repositories{
		Offers:       &OfferRepository{st: st},
		Transactions: &TransactionRepository{st: st},
		Transfers:    &TransferRepository{st: st},
		Directory:    &Directory{st: st},
		Outbox:       &OutboxRepository{st: st},
		EventDedup:   &EventDedupRepository{st: st},
		Idempotency:  &IdempotencyRepository{st: st},
	}
}

type OfferRepository struct{ st *state }

func (r *OfferRepository) Create(_ context.Context, offer domain.Offer) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.offers[offer.OfferID]; ok {
		return domain.ErrConflict
	}
	r.st.offers[offer.OfferID] = offer
	return nil
}

func (r *OfferRepository) GetByID(_ context.Context, offerID string) (domain.Offer, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	offer, ok := r.st.offers[strings.TrimSpace(offerID)]
	if !ok {
		return domain.Offer{}, domain.ErrNotFound
	}
	return offer, nil
}

func (r *OfferRepository) ListByProject(_ context.Context, projectID string) ([]domain.Offer, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := make([]domain.Offer, 0)
	for _, offer := range r.st.offers {
		if offer.ProjectID == projectID {
			out = append(out, offer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *OfferRepository) FindLiveOffer(_ context.Context, buyerID, projectID string, now time.Time) (domain.Offer, bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, offer := range r.st.offers {
		if offer.BuyerID == buyerID && offer.ProjectID == projectID && offer.EffectiveStatus(now) == domain.OfferStatusPending {
			return offer, true, nil
		}
	}
	return domain.Offer{}, false, nil
}

func (r *OfferRepository) Resolve(_ context.Context, offerID string, resolution domain.OfferResolution, now time.Time) (domain.Offer, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.resolveLocked(offerID, resolution, now)
}

func (r *OfferRepository) resolveLocked(offerID string, resolution domain.OfferResolution, now time.Time) (domain.Offer, error) {
	offer, ok := r.st.offers[offerID]
	if !ok {
		return domain.Offer{}, domain.ErrNotFound
	}
	if offer.Status != resolution.From {
		return domain.Offer{}, domain.ErrConflict
	}
	if resolution.To != domain.OfferStatusExpired && !now.Before(offer.ExpiresAt) {
		return domain.Offer{}, domain.ErrConflict
	}
	offer.Status = resolution.To
	if resolution.RespondedAt != nil {
		offer.RespondedAt = resolution.RespondedAt
	}
	offer.UpdatedAt = now
	r.st.offers[offerID] = offer
	return offer, nil
}

func (r *OfferRepository) Counter(_ context.Context, sourceOfferID string, resolution domain.OfferResolution, counter domain.Offer) (domain.Offer, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.offers[counter.OfferID]; ok {
		return domain.Offer{}, domain.ErrConflict
	}
	if _, err := r.resolveLocked(sourceOfferID, resolution, counter.CreatedAt); err != nil {
		return domain.Offer{}, err
	}
	r.st.offers[counter.OfferID] = counter
	return counter, nil
}

func (r *OfferRepository) ListExpirable(_ context.Context, now time.Time, limit int) ([]domain.Offer, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := make([]domain.Offer, 0)
	for _, offer := range r.st.offers {
		if offer.Status == domain.OfferStatusPending && !now.Before(offer.ExpiresAt) {
			out = append(out, offer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return truncate(out, limit), nil
}

type TransactionRepository struct{ st *state }

func (r *TransactionRepository) Create(_ context.Context, tx domain.Transaction) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.insertLocked(tx)
}

func (r *TransactionRepository) insertLocked(tx domain.Transaction) error {
	if _, ok := r.st.transactions[tx.TransactionID]; ok {
		return domain.ErrConflict
	}
	if tx.OfferID == nil {
		if _, found := r.pendingCheckoutLocked(tx.BuyerID, tx.ProjectID); found {
			return domain.ErrConflict
		}
	}
	r.st.transactions[tx.TransactionID] = tx
	return nil
}

func (r *TransactionRepository) CreateWithOfferLink(_ context.Context, tx domain.Transaction, expectedLink *string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if tx.OfferID == nil {
		return domain.ErrInvalidInput
	}
	offer, ok := r.st.offers[*tx.OfferID]
	if !ok {
		return domain.ErrNotFound
	}
	if !sameLink(offer.TransactionID, expectedLink) {
		return domain.ErrConflict
	}
	if r.liveSiblingCheckoutLocked(offer) {
		return domain.ErrConflict
	}
	if err := r.insertLocked(tx); err != nil {
		return err
	}
	id := tx.TransactionID
	offer.TransactionID = &id
	offer.UpdatedAt = tx.CreatedAt
	r.st.offers[offer.OfferID] = offer
	return nil
}

func (r *TransactionRepository) liveSiblingCheckoutLocked(offer domain.Offer) bool {
	for _, other := range r.st.offers {
		if other.ProjectID != offer.ProjectID || other.OfferID == offer.OfferID ||
			other.Status != domain.OfferStatusAccepted || other.TransactionID == nil {
			continue
		}
		linked, ok := r.st.transactions[*other.TransactionID]
		if ok && linked.PaymentStatus != domain.PaymentStatusFailed {
			return true
		}
	}
	return false
}

func (r *TransactionRepository) GetByID(_ context.Context, transactionID string) (domain.Transaction, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	tx, ok := r.st.transactions[strings.TrimSpace(transactionID)]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return tx, nil
}

func (r *TransactionRepository) GetByPaymentIntentID(_ context.Context, intentID string) (domain.Transaction, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, tx := range r.st.transactions {
		if tx.StripePaymentIntentID != nil && *tx.StripePaymentIntentID == intentID {
			return tx, nil
		}
	}
	return domain.Transaction{}, domain.ErrNotFound
}

func (r *TransactionRepository) FindPendingCheckout(_ context.Context, buyerID, projectID string) (domain.Transaction, bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	tx, found := r.pendingCheckoutLocked(buyerID, projectID)
	return tx, found, nil
}

func (r *TransactionRepository) pendingCheckoutLocked(buyerID, projectID string) (domain.Transaction, bool) {
	for _, tx := range r.st.transactions {
		if tx.BuyerID == buyerID && tx.ProjectID == projectID && tx.OfferID == nil && tx.PaymentStatus == domain.PaymentStatusPending {
			return tx, true
		}
	}
	return domain.Transaction{}, false
}

func (r *TransactionRepository) SetPaymentIntent(_ context.Context, transactionID, intentID string, at time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	tx, ok := r.st.transactions[transactionID]
	if !ok {
		return domain.ErrNotFound
	}
	if tx.PaymentStatus != domain.PaymentStatusPending || tx.StripePaymentIntentID != nil {
		return domain.ErrConflict
	}
	for _, other := range r.st.transactions {
		if other.StripePaymentIntentID != nil && *other.StripePaymentIntentID == intentID {
			return domain.ErrConflict
		}
	}
	tx.StripePaymentIntentID = &intentID
	tx.UpdatedAt = at
	r.st.transactions[transactionID] = tx
	return nil
}

func (r *TransactionRepository) ApplyTransition(_ context.Context, transactionID string, transition domain.TransactionTransition) (domain.Transaction, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	tx, ok := r.st.transactions[transactionID]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	if !transition.Matches(tx) {
		return domain.Transaction{}, domain.ErrConflict
	}
	next, err := transition.Apply(tx)
	if err != nil {
		return domain.Transaction{}, err
	}
	r.st.transactions[transactionID] = next
	return next, nil
}

func (r *TransactionRepository) AcquireReleaseClaim(_ context.Context, transactionID, claimToken string, payout domain.PayoutClaim, now, expiresAt time.Time) (domain.Transaction, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	tx, ok := r.st.transactions[transactionID]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	if tx.PaymentStatus != domain.PaymentStatusSucceeded || tx.EscrowStatus != domain.EscrowStatusHeld || tx.ClaimActive(now) {
		return domain.Transaction{}, domain.ErrConflict
	}
	if tx.PayoutKind != "" && tx.PayoutKind != payout.Kind {
		return domain.Transaction{}, domain.ErrConflict
	}
	tx.ReleaseClaimToken = &claimToken
	tx.ReleaseClaimExpiresAt = &expiresAt
	tx.PayoutKind = payout.Kind
	tx.PayoutAttempt = payout.Attempt
	tx.PayoutRequestedBy = payout.RequestedBy
	tx.PayoutTrigger = payout.Trigger
	tx.PayoutReason = payout.Reason
	r.st.transactions[transactionID] = tx
	return tx, nil
}

func (r *TransactionRepository) ReleaseClaim(_ context.Context, transactionID, claimToken string) error {
	return r.dropClaim(transactionID, claimToken, func(tx domain.Transaction) domain.Transaction {
		tx.ReleaseClaimToken = nil
		tx.ReleaseClaimExpiresAt = nil
		return tx
	})
}

func (r *TransactionRepository) AbandonPayout(_ context.Context, transactionID, claimToken string) error {
	return r.dropClaim(transactionID, claimToken, domain.Transaction.WithoutPayoutClaim)
}

func (r *TransactionRepository) dropClaim(transactionID, claimToken string, reset func(domain.Transaction) domain.Transaction) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	tx, ok := r.st.transactions[transactionID]
	if !ok {
		return domain.ErrNotFound
	}
	if tx.ReleaseClaimToken == nil || *tx.ReleaseClaimToken != claimToken {
		return nil
	}
	r.st.transactions[transactionID] = reset(tx)
	return nil
}

func (r *TransactionRepository) ListReleasable(_ context.Context, now time.Time, limit int) ([]domain.Transaction, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := make([]domain.Transaction, 0)
	for _, tx := range r.st.transactions {
		if tx.PaymentStatus != domain.PaymentStatusSucceeded || tx.EscrowStatus != domain.EscrowStatusHeld {
			continue
		}
		if tx.PayoutKind != "" || !now.Before(tx.EscrowReleaseDate) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EscrowReleaseDate.Before(out[j].EscrowReleaseDate) })
	return truncate(out, limit), nil
}

type TransferRepository struct{ st *state }

func (r *TransferRepository) Create(_ context.Context, transfer domain.RepositoryTransfer) (domain.RepositoryTransfer, bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, existing := range r.st.transfers {
		if existing.TransactionID == transfer.TransactionID {
			return existing, false, nil
		}
	}
	if _, ok := r.st.transfers[transfer.TransferID]; ok {
		return domain.RepositoryTransfer{}, false, domain.ErrConflict
	}
	r.st.transfers[transfer.TransferID] = transfer
	return transfer, true, nil
}

func (r *TransferRepository) GetByID(_ context.Context, transferID string) (domain.RepositoryTransfer, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	transfer, ok := r.st.transfers[transferID]
	if !ok {
		return domain.RepositoryTransfer{}, domain.ErrNotFound
	}
	return transfer, nil
}

func (r *TransferRepository) GetByTransactionID(_ context.Context, transactionID string) (domain.RepositoryTransfer, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, transfer := range r.st.transfers {
		if transfer.TransactionID == transactionID {
			return transfer, nil
		}
	}
	return domain.RepositoryTransfer{}, domain.ErrNotFound
}

func (r *TransferRepository) ApplyTransition(_ context.Context, transferID string, transition domain.TransferTransition) (domain.RepositoryTransfer, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	transfer, ok := r.st.transfers[transferID]
	if !ok {
		return domain.RepositoryTransfer{}, domain.ErrNotFound
	}
	if !transition.Matches(transfer) {
		return domain.RepositoryTransfer{}, domain.ErrConflict
	}
	next, err := transition.Apply(transfer)
	if err != nil {
		return domain.RepositoryTransfer{}, err
	}
	r.st.transfers[transferID] = next
	return next, nil
}

func (r *TransferRepository) ListRetryable(_ context.Context, limit int) ([]domain.RepositoryTransfer, error) {
	return r.list(limit, func(t domain.RepositoryTransfer) bool {
		return t.Status == domain.TransferStatusPending &&
			t.Method == domain.TransferMethodGithubCollaborator &&
			t.RetryCount < t.RetryBudget
	})
}

func (r *TransferRepository) ListByStatus(_ context.Context, status domain.TransferStatus, limit int) ([]domain.RepositoryTransfer, error) {
	return r.list(limit, func(t domain.RepositoryTransfer) bool { return t.Status == status })
}

func (r *TransferRepository) ListOpenByBuyer(_ context.Context, buyerID string) ([]domain.RepositoryTransfer, error) {
	return r.list(0, func(t domain.RepositoryTransfer) bool { return t.BuyerID == buyerID && !t.IsTerminal() })
}

func (r *TransferRepository) FindByRepoAndBuyerUsername(_ context.Context, repoFullName, buyerUsername string) (domain.RepositoryTransfer, bool, error) {
	matches, _ := r.list(0, func(t domain.RepositoryTransfer) bool {
		return strings.EqualFold(t.GithubRepoFullName, repoFullName) &&
			strings.EqualFold(t.BuyerGithubUsername, buyerUsername) &&
			t.Status == domain.TransferStatusInvitationSent
	})
	if len(matches) == 0 {
		return domain.RepositoryTransfer{}, false, nil
	}
	return matches[len(matches)-1], true, nil
}

func (r *TransferRepository) list(limit int, keep func(domain.RepositoryTransfer) bool) ([]domain.RepositoryTransfer, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := make([]domain.RepositoryTransfer, 0)
	for _, transfer := range r.st.transfers {
		if keep(transfer) {
			out = append(out, transfer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

// Directory is a seedable stand-in for the marketplace catalogue and
// account data.
type Directory struct{ st *state }

func (d *Directory) PutListing(listing domain.Listing) {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	d.st.listings[listing.ProjectID] = listing
}

func (d *Directory) PutSellerAccount(account domain.SellerAccount) {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	d.st.sellers[account.SellerID] = account
}

func (d *Directory) PutGithubIdentity(identity domain.GithubIdentity) {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	d.st.identities[identity.UserID] = identity
}

func (d *Directory) GetListing(_ context.Context, projectID string) (domain.Listing, error) {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	listing, ok := d.st.listings[projectID]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	return listing, nil
}

func (d *Directory) GetSellerAccount(_ context.Context, sellerID string) (domain.SellerAccount, error) {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	account, ok := d.st.sellers[sellerID]
	if !ok {
		return domain.SellerAccount{}, domain.ErrNotFound
	}
	return account, nil
}

func (d *Directory) GetGithubIdentity(_ context.Context, userID string) (domain.GithubIdentity, bool, error) {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	identity, ok := d.st.identities[userID]
	return identity, ok, nil
}

type OutboxRepository struct{ st *state }

func (r *OutboxRepository) Enqueue(_ context.Context, event ports.OutboxEvent) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.outbox[event.EventID]; ok {
		return domain.ErrConflict
	}
	r.st.outbox[event.EventID] = ports.OutboxRecord{
		OutboxID:     event.EventID,
		EventType:    event.EventType,
		PartitionKey: event.PartitionKey,
		Payload:      append([]byte(nil), event.Payload...),
		CreatedAt:    event.OccurredAt,
	}
	r.st.outboxOrder = append(r.st.outboxOrder, event.EventID)
	return nil
}

func (r *OutboxRepository) ClaimUnpublished(_ context.Context, limit int, claimToken string, claimUntil time.Time) ([]ports.OutboxRecord, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	now := time.Now().UTC()
	out := make([]ports.OutboxRecord, 0, limit)
	for _, id := range r.st.outboxOrder {
		row := r.st.outbox[id]
		if row.PublishedAt != nil || row.DeadLetteredAt != nil {
			continue
		}
		if row.ClaimUntil != nil && now.Before(*row.ClaimUntil) {
			continue
		}
		token, until := claimToken, claimUntil
		row.ClaimToken = &token
		row.ClaimUntil = &until
		r.st.outbox[id] = row
		out = append(out, row)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *OutboxRepository) MarkPublished(_ context.Context, outboxID uuid.UUID, claimToken string, at time.Time) error {
	return r.update(outboxID, claimToken, func(row *ports.OutboxRecord) {
		row.PublishedAt = &at
	})
}

func (r *OutboxRepository) MarkFailed(_ context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error {
	return r.update(outboxID, claimToken, func(row *ports.OutboxRecord) {
		row.RetryCount++
		row.LastError = &errMsg
		row.LastErrorAt = &at
	})
}

func (r *OutboxRepository) MarkDeadLettered(_ context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error {
	return r.update(outboxID, claimToken, func(row *ports.OutboxRecord) {
		row.RetryCount++
		row.LastError = &errMsg
		row.LastErrorAt = &at
		row.DeadLetteredAt = &at
	})
}

func (r *OutboxRepository) update(outboxID uuid.UUID, claimToken string, fn func(*ports.OutboxRecord)) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.outbox[outboxID]
	if !ok {
		return domain.ErrNotFound
	}
	if row.ClaimToken == nil || *row.ClaimToken != claimToken {
		return domain.ErrConflict
	}
	fn(&row)
	row.ClaimToken = nil
	row.ClaimUntil = nil
	r.st.outbox[outboxID] = row
	return nil
}

// Records returns every outbox row in enqueue order.
func (r *OutboxRepository) Records() []ports.OutboxRecord {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := make([]ports.OutboxRecord, 0, len(r.st.outboxOrder))
	for _, id := range r.st.outboxOrder {
		out = append(out, r.st.outbox[id])
	}
	return out
}

type EventDedupRepository struct{ st *state }

func (r *EventDedupRepository) IsDuplicate(_ context.Context, eventID string, now time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	expiresAt, ok := r.st.dedup[eventID]
	if !ok {
		return false, nil
	}
	if now.After(expiresAt) {
		delete(r.st.dedup, eventID)
		return false, nil
	}
	return true, nil
}

func (r *EventDedupRepository) MarkProcessed(_ context.Context, eventID, _ string, expiresAt time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.dedup[eventID] = expiresAt
	return nil
}

type IdempotencyRepository struct{ st *state }

func (r *IdempotencyRepository) Get(_ context.Context, key string, now time.Time) (*ports.IdempotencyRecord, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.idempotency[key]
	if !ok {
		return nil, nil
	}
	if now.After(row.ExpiresAt) {
		delete(r.st.idempotency, key)
		return nil, nil
	}
	c := row
	c.ResponseBody = append([]byte(nil), row.ResponseBody...)
	return &c, nil
}

func (r *IdempotencyRepository) Reserve(_ context.Context, key, requestHash string, expiresAt time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.idempotency[key]; ok {
		return domain.ErrConflict
	}
	r.st.idempotency[key] = ports.IdempotencyRecord{Key: key, RequestHash: requestHash, Status: "pending", ExpiresAt: expiresAt}
	return nil
}

func (r *IdempotencyRepository) Complete(_ context.Context, key string, responseCode int, responseBody []byte, _ time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.idempotency[key]
	if !ok {
		return domain.ErrNotFound
	}
	row.Status = "completed"
	row.ResponseCode = responseCode
	row.ResponseBody = append([]byte(nil), responseBody...)
	r.st.idempotency[key] = row
	return nil
}

func sameLink(current, expected *string) bool {
	if current == nil || expected == nil {
		return current == nil && expected == nil
	}
	return *current == *expected
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
