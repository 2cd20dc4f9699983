package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/adapters/memory"
	"github.com/codesalvage/transaction-escrow-service/internal/application"
	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	"github.com/codesalvage/transaction-escrow-service/internal/testutil"
	"github.com/shopspring/decimal"
)

const (
	projectID = "proj-1"
	sellerID  = "seller-1"
	buyerID   = "buyer-1"
	repoName  = "seller-gh/widget"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	service *application.Service
	repos   *memory.Repositories
	gateway *testutil.Gateway
	github  *testutil.Github
	clock   *clock
}

type fixtureOption func(*application.Dependencies)

func withCache(cache ports.Cache) fixtureOption {
	return func(d *application.Dependencies) { d.Cache = cache }
}

func withConfig(fn func(*application.Config)) fixtureOption {
	return func(d *application.Dependencies) { fn(&d.Config) }
}

var errConnectionReset = errors.New("db connection reset")

// flakyTransactions fails the named transitions once each, after any gateway
// call that preceded them has already gone out.
type flakyTransactions struct {
	ports.TransactionRepository

	mu   sync.Mutex
	fail map[string]int
}

func (r *flakyTransactions) ApplyTransition(ctx context.Context, transactionID string, transition domain.TransactionTransition) (domain.Transaction, error) {
	r.mu.Lock()
	if r.fail[transition.Name] > 0 {
		r.fail[transition.Name]--
		r.mu.Unlock()
		return domain.Transaction{}, errConnectionReset
	}
	r.mu.Unlock()
	return r.TransactionRepository.ApplyTransition(ctx, transactionID, transition)
}

func withFlakyTransitions(names ...string) fixtureOption {
	return func(d *application.Dependencies) {
		flaky := &flakyTransactions{TransactionRepository: d.Transactions, fail: map[string]int{}}
		for _, name := range names {
			flaky.fail[name]++
		}
		d.Transactions = flaky
	}
}

func newFixture(opts ...fixtureOption) *fixture {
	repos := memory.NewRepositories()
	repos.Directory.PutListing(domain.Listing{
		ProjectID:          projectID,
		SellerID:           sellerID,
		Title:              "Half-built invoicing SaaS",
		PriceCents:         50000,
		Status:             domain.ListingStatusActive,
		GithubRepoFullName: repoName,
	})
	repos.Directory.PutSellerAccount(domain.SellerAccount{SellerID: sellerID, StripeAccountID: "acct_seller", OnboardingComplete: true})
	repos.Directory.PutGithubIdentity(domain.GithubIdentity{UserID: sellerID, Username: "seller-gh", AccessToken: "gho_seller"})
	repos.Directory.PutGithubIdentity(domain.GithubIdentity{UserID: buyerID, Username: "buyer-gh"})

	f := &fixture{
		repos:   repos,
		gateway: testutil.NewGateway(),
		github:  testutil.NewGithub(),
		clock:   &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
	}
	deps := application.Dependencies{
		Offers:       repos.Offers,
		Transactions: repos.Transactions,
		Transfers:    repos.Transfers,
		Directory:    repos.Directory,
		Outbox:       repos.Outbox,
		EventDedup:   repos.EventDedup,
		Idempotency:  repos.Idempotency,
		Gateway:      f.gateway,
		Github:       f.github,
		Clock:        f.clock.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.service = application.NewService(deps)
	return f
}

func buyer() application.Actor {
	return application.Actor{SubjectID: buyerID, Role: application.RoleUser, RequestID: "req-buyer"}
}

func seller() application.Actor {
	return application.Actor{SubjectID: sellerID, Role: application.RoleUser, RequestID: "req-seller"}
}

func admin() application.Actor {
	return application.Actor{SubjectID: "admin-1", Role: application.RoleAdmin, RequestID: "req-admin"}
}

func (f *fixture) countEvents(eventType string) int {
	n := 0
	for _, rec := range f.repos.Outbox.Records() {
		if rec.EventType == eventType {
			n++
		}
	}
	return n
}

// paidTransaction checks out at listing price and delivers a successful
// payment webhook for it.
func (f *fixture) paidTransaction(t *testing.T) domain.Transaction {
	t.Helper()
	ctx := context.Background()
	res, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID})
	if err != nil {
		t.Fatalf("BeginCheckout: %v", err)
	}
	err = f.service.HandleGatewayEvent(ctx, ports.GatewayEvent{
		EventID:     "evt_paid_" + res.TransactionID,
		Type:        ports.GatewayEventPaymentSucceeded,
		IntentID:    res.PaymentIntentID,
		AmountCents: res.Breakdown.AmountCents,
	})
	if err != nil {
		t.Fatalf("HandleGatewayEvent: %v", err)
	}
	tx, err := f.repos.Transactions.GetByID(ctx, res.TransactionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return tx
}

func TestCheckoutAtListingPriceComputesBreakdown(t *testing.T) {
	t.Parallel()

	f := newFixture()
	res, err := f.service.BeginCheckout(context.Background(), buyer(), application.CheckoutInput{ProjectID: projectID})
	if err != nil {
		t.Fatalf("BeginCheckout: %v", err)
	}
	if res.Breakdown.AmountCents != 50000 || res.Breakdown.CommissionCents != 5000 || res.Breakdown.SellerReceivesCents != 45000 {
		t.Fatalf("unexpected breakdown %+v", res.Breakdown)
	}
	if res.PaymentIntentID == "" || res.ClientSecret == "" {
		t.Fatalf("expected payment intent and client secret, got %+v", res)
	}
	tx, err := f.repos.Transactions.GetByID(context.Background(), res.TransactionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if tx.PaymentStatus != domain.PaymentStatusPending || tx.EscrowStatus != domain.EscrowStatusPending || tx.CodeDeliveryStatus != domain.CodeDeliveryPending {
		t.Fatalf("unexpected initial status triple %s/%s/%s", tx.PaymentStatus, tx.EscrowStatus, tx.CodeDeliveryStatus)
	}
	if f.countEvents(domain.EventTransactionCreated) != 1 {
		t.Fatalf("expected one transaction.created event")
	}
}

func TestCheckoutRejectsOwnListingAndUnonboardedSeller(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	if _, err := f.service.BeginCheckout(ctx, seller(), application.CheckoutInput{ProjectID: projectID}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for own listing, got %v", err)
	}
	f.repos.Directory.PutSellerAccount(domain.SellerAccount{SellerID: sellerID})
	if _, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID}); !errors.Is(err, domain.ErrSellerNotOnboarded) {
		t.Fatalf("expected seller not onboarded, got %v", err)
	}
}

func TestCheckoutRetryReusesTransactionAfterGatewayFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.gateway.FailCreateIntent = 1
	if _, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID}); !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
	pending, found, err := f.repos.Transactions.FindPendingCheckout(ctx, buyerID, projectID)
	if err != nil || !found {
		t.Fatalf("expected pending checkout to survive gateway failure: found=%v err=%v", found, err)
	}
	if pending.StripePaymentIntentID != nil {
		t.Fatalf("intent id should stay empty after a failed gateway call")
	}

	res, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID})
	if err != nil {
		t.Fatalf("retry BeginCheckout: %v", err)
	}
	if res.TransactionID != pending.TransactionID {
		t.Fatalf("retry created a new transaction %s, want %s", res.TransactionID, pending.TransactionID)
	}
	again, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID})
	if err != nil {
		t.Fatalf("third BeginCheckout: %v", err)
	}
	if again.PaymentIntentID != res.PaymentIntentID {
		t.Fatalf("expected the stored intent to be reused, got %s and %s", res.PaymentIntentID, again.PaymentIntentID)
	}
}

func TestNegotiatedCheckoutUsesAcceptedCounter(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	first, err := f.service.CreateOffer(ctx, buyer(), application.CreateOfferInput{ProjectID: projectID, PriceCents: 40000, Message: "would you take 400?"})
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := f.service.AcceptOffer(ctx, buyer(), first.OfferID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("buyer must not accept their own offer, got %v", err)
	}
	counter, err := f.service.CounterOffer(ctx, seller(), first.OfferID, application.CounterOfferInput{PriceCents: 45000})
	if err != nil {
		t.Fatalf("CounterOffer: %v", err)
	}
	if counter.ProposedBy != domain.OfferPartySeller || counter.ParentOfferID == nil || *counter.ParentOfferID != first.OfferID {
		t.Fatalf("unexpected counter %+v", counter)
	}
	if _, err := f.service.AcceptOffer(ctx, seller(), counter.OfferID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("seller must not accept their own counter, got %v", err)
	}
	if _, err := f.service.AcceptOffer(ctx, buyer(), counter.OfferID); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	chain, err := f.service.GetOfferChain(ctx, buyer(), first.OfferID)
	if err != nil {
		t.Fatalf("GetOfferChain: %v", err)
	}
	if len(chain) != 2 || chain[0].Status != domain.OfferStatusCountered || chain[1].Status != domain.OfferStatusAccepted {
		t.Fatalf("unexpected chain %+v", chain)
	}

	res, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID, OfferID: counter.OfferID})
	if err != nil {
		t.Fatalf("BeginCheckout: %v", err)
	}
	if res.Breakdown.AmountCents != 45000 || res.Breakdown.CommissionCents != 4500 {
		t.Fatalf("unexpected breakdown %+v", res.Breakdown)
	}
	again, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID, OfferID: counter.OfferID})
	if err != nil {
		t.Fatalf("repeat BeginCheckout: %v", err)
	}
	if again.TransactionID != res.TransactionID {
		t.Fatalf("offer checkout should resume %s, got %s", res.TransactionID, again.TransactionID)
	}
	linked, err := f.repos.Offers.GetByID(ctx, counter.OfferID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if linked.TransactionID == nil || *linked.TransactionID != res.TransactionID {
		t.Fatalf("offer not linked to transaction: %+v", linked)
	}
}

func TestCheckoutWithUnacceptedOfferIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	offer, err := f.service.CreateOffer(ctx, buyer(), application.CreateOfferInput{ProjectID: projectID, PriceCents: 30000})
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID, OfferID: offer.OfferID}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for pending offer, got %v", err)
	}
	f.clock.Advance(73 * time.Hour)
	if _, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID, OfferID: offer.OfferID}); !errors.Is(err, domain.ErrOfferExpired) {
		t.Fatalf("expected offer expired, got %v", err)
	}
}

func TestOfferLifecycleGuards(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	offer, err := f.service.CreateOffer(ctx, buyer(), application.CreateOfferInput{ProjectID: projectID, PriceCents: 42000})
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := f.service.CreateOffer(ctx, buyer(), application.CreateOfferInput{ProjectID: projectID, PriceCents: 43000}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for second live offer, got %v", err)
	}
	if _, err := f.service.WithdrawOffer(ctx, seller(), offer.OfferID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("only the proposer can withdraw, got %v", err)
	}
	if _, err := f.service.RejectOffer(ctx, seller(), offer.OfferID); err != nil {
		t.Fatalf("RejectOffer: %v", err)
	}
	if _, err := f.service.AcceptOffer(ctx, seller(), offer.OfferID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("rejected offers are terminal, got %v", err)
	}
	if _, err := f.service.CreateOffer(ctx, buyer(), application.CreateOfferInput{ProjectID: projectID, PriceCents: 43000}); err != nil {
		t.Fatalf("new offer after rejection: %v", err)
	}
	if _, err := f.service.CreateOffer(ctx, seller(), application.CreateOfferInput{ProjectID: projectID, PriceCents: 1000}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("sellers cannot offer on their own listing, got %v", err)
	}
}

func TestOfferExpiresLazilyAndBySweep(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	offer, err := f.service.CreateOffer(ctx, buyer(), application.CreateOfferInput{ProjectID: projectID, PriceCents: 42000})
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	f.clock.Advance(72 * time.Hour)

	read, err := f.service.GetOffer(ctx, seller(), offer.OfferID)
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	if read.Status != domain.OfferStatusExpired {
		t.Fatalf("expected lazily expired offer, got %s", read.Status)
	}
	if _, err := f.service.AcceptOffer(ctx, seller(), offer.OfferID); !errors.Is(err, domain.ErrOfferExpired) {
		t.Fatalf("expected offer expired on accept, got %v", err)
	}

	report, err := f.service.SweepExpiredOffers(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredOffers: %v", err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("expected one expired offer, got %+v", report)
	}
	stored, _ := f.repos.Offers.GetByID(ctx, offer.OfferID)
	if stored.Status != domain.OfferStatusExpired {
		t.Fatalf("sweep did not persist expiry: %s", stored.Status)
	}
	if f.countEvents(domain.EventOfferExpired) != 1 {
		t.Fatalf("expected one offer.expired event")
	}
	if _, err := f.service.CreateOffer(ctx, buyer(), application.CreateOfferInput{ProjectID: projectID, PriceCents: 44000}); err != nil {
		t.Fatalf("expired offers must not block a new one: %v", err)
	}
}

func TestOfferRateLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(withCache(memory.NewCache()), withConfig(func(c *application.Config) { c.OfferRateLimitPerHour = 2 }))
	ctx := context.Background()
	offer, err := f.service.CreateOffer(ctx, buyer(), application.CreateOfferInput{ProjectID: projectID, PriceCents: 42000})
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := f.service.WithdrawOffer(ctx, buyer(), offer.OfferID); err != nil {
		t.Fatalf("WithdrawOffer: %v", err)
	}
	if _, err := f.service.CreateOffer(ctx, buyer(), application.CreateOfferInput{ProjectID: projectID, PriceCents: 42500}); err != nil {
		t.Fatalf("second CreateOffer: %v", err)
	}
	if _, err := f.service.CreateOffer(ctx, buyer(), application.CreateOfferInput{ProjectID: projectID, PriceCents: 43000}); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}

func TestDuplicatePaymentWebhookHoldsEscrowOnce(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	res, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID})
	if err != nil {
		t.Fatalf("BeginCheckout: %v", err)
	}
	for _, eventID := range []string{"evt_1", "evt_1", "evt_2"} {
		err := f.service.HandleGatewayEvent(ctx, ports.GatewayEvent{
			EventID:     eventID,
			Type:        ports.GatewayEventPaymentSucceeded,
			IntentID:    res.PaymentIntentID,
			AmountCents: 50000,
		})
		if err != nil {
			t.Fatalf("HandleGatewayEvent(%s): %v", eventID, err)
		}
	}
	tx, _ := f.repos.Transactions.GetByID(ctx, res.TransactionID)
	if tx.PaymentStatus != domain.PaymentStatusSucceeded || tx.EscrowStatus != domain.EscrowStatusHeld {
		t.Fatalf("expected succeeded/held, got %s/%s", tx.PaymentStatus, tx.EscrowStatus)
	}
	if !tx.EscrowReleaseDate.Equal(f.clock.Now().Add(7 * 24 * time.Hour)) {
		t.Fatalf("release date should run from capture, got %s", tx.EscrowReleaseDate)
	}
	if n := f.countEvents(domain.EventTransactionPaymentSucceeded); n != 1 {
		t.Fatalf("expected one payment_succeeded event, got %d", n)
	}
	transfers, _ := f.repos.Transfers.ListByStatus(ctx, domain.TransferStatusPending, 10)
	if len(transfers) != 1 {
		t.Fatalf("expected one repository transfer, got %d", len(transfers))
	}
}

func TestPaymentWebhookAmountMismatchIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	res, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID})
	if err != nil {
		t.Fatalf("BeginCheckout: %v", err)
	}
	err = f.service.HandleGatewayEvent(ctx, ports.GatewayEvent{EventID: "evt_bad", Type: ports.GatewayEventPaymentSucceeded, IntentID: res.PaymentIntentID, AmountCents: 100})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	tx, _ := f.repos.Transactions.GetByID(ctx, res.TransactionID)
	if tx.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("mismatched capture must not move money state, got %s", tx.PaymentStatus)
	}
}

func TestPaymentFailureThenLateSuccessIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	res, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID})
	if err != nil {
		t.Fatalf("BeginCheckout: %v", err)
	}
	if err := f.service.HandleGatewayEvent(ctx, ports.GatewayEvent{EventID: "evt_f", Type: ports.GatewayEventPaymentFailed, IntentID: res.PaymentIntentID}); err != nil {
		t.Fatalf("payment failed event: %v", err)
	}
	if _, err := f.service.OnPaymentSucceeded(ctx, res.PaymentIntentID, 50000); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	next, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID})
	if err != nil {
		t.Fatalf("checkout after failure: %v", err)
	}
	if next.TransactionID == res.TransactionID {
		t.Fatalf("failed transaction must not be resumed")
	}
}

func TestCodeAccessRequiresPaymentAndIsRecordedOnce(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	res, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID})
	if err != nil {
		t.Fatalf("BeginCheckout: %v", err)
	}
	if _, err := f.service.RecordCodeAccess(ctx, buyer(), res.TransactionID); !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("expected not eligible before payment, got %v", err)
	}
	if err := f.service.HandleGatewayEvent(ctx, ports.GatewayEvent{EventID: "evt_ok", Type: ports.GatewayEventPaymentSucceeded, IntentID: res.PaymentIntentID, AmountCents: 50000}); err != nil {
		t.Fatalf("HandleGatewayEvent: %v", err)
	}
	if _, err := f.service.RecordCodeAccess(ctx, seller(), res.TransactionID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("only the buyer may access code, got %v", err)
	}
	first, err := f.service.RecordCodeAccess(ctx, buyer(), res.TransactionID)
	if err != nil {
		t.Fatalf("RecordCodeAccess: %v", err)
	}
	f.clock.Advance(time.Hour)
	second, err := f.service.RecordCodeAccess(ctx, buyer(), res.TransactionID)
	if err != nil {
		t.Fatalf("second RecordCodeAccess: %v", err)
	}
	if second.CodeAccessedAt == nil || !second.CodeAccessedAt.Equal(*first.CodeAccessedAt) {
		t.Fatalf("first access time must be kept")
	}
	if second.EscrowStatus != domain.EscrowStatusHeld {
		t.Fatalf("code access must not touch escrow, got %s", second.EscrowStatus)
	}
	if n := f.countEvents(domain.EventCodeAccessed); n != 1 {
		t.Fatalf("expected one code.accessed event, got %d", n)
	}
}

func TestScheduledReleaseWaitsForReleaseDate(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	tx := f.paidTransaction(t)

	report, err := f.service.SweepEscrowReleases(ctx)
	if err != nil {
		t.Fatalf("SweepEscrowReleases: %v", err)
	}
	if report.Scanned != 0 {
		t.Fatalf("nothing should be due yet, got %+v", report)
	}
	if _, err := f.service.ReleaseEscrow(ctx, application.SystemActor("req"), tx.TransactionID, domain.ReleaseTriggerScheduled); !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("expected not eligible before release date, got %v", err)
	}

	f.clock.Advance(7*24*time.Hour + time.Second)
	report, err = f.service.SweepEscrowReleases(ctx)
	if err != nil {
		t.Fatalf("SweepEscrowReleases: %v", err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("expected one release, got %+v", report)
	}
	released, _ := f.repos.Transactions.GetByID(ctx, tx.TransactionID)
	if released.EscrowStatus != domain.EscrowStatusReleased || released.ReleasedToSellerAt == nil || released.StripeTransferID == nil {
		t.Fatalf("unexpected released transaction %+v", released)
	}
	if released.ReleaseTrigger != domain.ReleaseTriggerScheduled {
		t.Fatalf("expected scheduled trigger, got %s", released.ReleaseTrigger)
	}
	if len(f.gateway.Transfers) != 1 || f.gateway.Transfers[0].AmountCents != 45000 || f.gateway.Transfers[0].DestinationAccount != "acct_seller" {
		t.Fatalf("unexpected gateway transfers %+v", f.gateway.Transfers)
	}
}

func TestReleaseTransferFailureLeavesEscrowHeld(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	tx := f.paidTransaction(t)
	f.gateway.FailTransfer = 1
	if _, err := f.service.ReleaseEscrow(ctx, admin(), tx.TransactionID, domain.ReleaseTriggerManual); !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
	held, _ := f.repos.Transactions.GetByID(ctx, tx.TransactionID)
	if held.EscrowStatus != domain.EscrowStatusHeld || held.ReleaseClaimToken != nil {
		t.Fatalf("failed release must leave escrow held and unclaimed: %+v", held)
	}
	if held.PayoutKind != domain.PayoutKindRelease {
		t.Fatalf("an unanswered transfer must stay recorded as a release, got %q", held.PayoutKind)
	}
	if _, err := f.service.Refund(ctx, admin(), tx.TransactionID, application.RefundInput{Reason: "changed mind"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("refund must wait for the unfinished release, got %v", err)
	}
	if _, err := f.service.ReleaseEscrow(ctx, admin(), tx.TransactionID, domain.ReleaseTriggerManual); err != nil {
		t.Fatalf("retry release: %v", err)
	}
	if got := f.gateway.Transfers[0].IdempotencyKey; got != "escrow-release-"+tx.TransactionID+"-1" {
		t.Fatalf("retry should reuse the first attempt key, got %q", got)
	}
	if f.gateway.RefundCount() != 0 {
		t.Fatalf("no refund may reach the gateway")
	}
}

func TestManualReleaseRequiresAdmin(t *testing.T) {
	t.Parallel()

	f := newFixture()
	tx := f.paidTransaction(t)
	if _, err := f.service.ManualReleaseOverride(context.Background(), seller(), tx.TransactionID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestManualReleaseIdempotentReplay(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	tx := f.paidTransaction(t)
	actor := admin()
	actor.IdempotencyKey = "idem-release-1"
	first, err := f.service.ManualReleaseOverride(ctx, actor, tx.TransactionID)
	if err != nil {
		t.Fatalf("ManualReleaseOverride: %v", err)
	}
	second, err := f.service.ManualReleaseOverride(ctx, actor, tx.TransactionID)
	if err != nil {
		t.Fatalf("replayed ManualReleaseOverride: %v", err)
	}
	if first.TransactionID != second.TransactionID || second.EscrowStatus != domain.EscrowStatusReleased {
		t.Fatalf("replay mismatch: first=%+v second=%+v", first, second)
	}
	if f.gateway.TransferCount() != 1 {
		t.Fatalf("expected a single gateway transfer, got %d", f.gateway.TransferCount())
	}
	if _, err := f.service.ManualReleaseOverride(ctx, admin(), tx.TransactionID); !errors.Is(err, domain.ErrAlreadyReleased) {
		t.Fatalf("expected already released without idempotency key, got %v", err)
	}
}

func TestConcurrentReleasesPayOutOnce(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	tx := f.paidTransaction(t)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.ReleaseEscrow(ctx, admin(), tx.TransactionID, domain.ReleaseTriggerManual)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrAlreadyReleased), errors.Is(err, domain.ErrConflict):
		default:
			t.Fatalf("unexpected release error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful release, got %d", succeeded)
	}
	if f.gateway.TransferCount() != 1 {
		t.Fatalf("expected one gateway transfer, got %d", f.gateway.TransferCount())
	}
	if n := f.countEvents(domain.EventEscrowReleased); n != 1 {
		t.Fatalf("expected one escrow.released event, got %d", n)
	}
}

func TestRefundWhileHeld(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	tx := f.paidTransaction(t)

	if _, err := f.service.Refund(ctx, admin(), tx.TransactionID, application.RefundInput{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected reason to be required, got %v", err)
	}
	if _, err := f.service.Refund(ctx, buyer(), tx.TransactionID, application.RefundInput{Reason: "code missing"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for non-admin, got %v", err)
	}
	refunded, err := f.service.Refund(ctx, admin(), tx.TransactionID, application.RefundInput{Reason: "repository was empty"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refunded.PaymentStatus != domain.PaymentStatusRefunded || refunded.EscrowStatus != domain.EscrowStatusReleased {
		t.Fatalf("expected refunded/released, got %s/%s", refunded.PaymentStatus, refunded.EscrowStatus)
	}
	if refunded.ReleasedToSellerAt != nil || refunded.StripeRefundID == nil || refunded.RefundReason != "repository was empty" {
		t.Fatalf("unexpected refund record %+v", refunded)
	}
	if f.gateway.TransferCount() != 0 || f.gateway.RefundCount() != 1 {
		t.Fatalf("expected no seller transfer and one refund, got %d/%d", f.gateway.TransferCount(), f.gateway.RefundCount())
	}
	transfer, err := f.repos.Transfers.GetByTransactionID(ctx, tx.TransactionID)
	if err != nil {
		t.Fatalf("GetByTransactionID: %v", err)
	}
	if transfer.Status != domain.TransferStatusFailed || transfer.ErrorMessage != domain.TransferRefundedMessage {
		t.Fatalf("expected refunded transfer to be failed, got %s %q", transfer.Status, transfer.ErrorMessage)
	}
	if _, err := f.service.Refund(ctx, admin(), tx.TransactionID, application.RefundInput{Reason: "again"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict on double refund, got %v", err)
	}
	if _, err := f.service.ReleaseEscrow(ctx, admin(), tx.TransactionID, domain.ReleaseTriggerManual); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition releasing a refunded transaction, got %v", err)
	}
}

func TestRefundAfterReleaseIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	tx := f.paidTransaction(t)
	if _, err := f.service.ReleaseEscrow(ctx, admin(), tx.TransactionID, domain.ReleaseTriggerManual); err != nil {
		t.Fatalf("ReleaseEscrow: %v", err)
	}
	if _, err := f.service.Refund(ctx, admin(), tx.TransactionID, application.RefundInput{Reason: "late dispute"}); !errors.Is(err, domain.ErrAlreadyReleased) {
		t.Fatalf("expected already released, got %v", err)
	}
	if f.gateway.RefundCount() != 0 {
		t.Fatalf("no refund may reach the gateway after release")
	}
}

func TestRefundRevokesInvitedCollaborator(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	tx := f.paidTransaction(t)
	if _, err := f.service.SweepPendingTransfers(ctx); err != nil {
		t.Fatalf("SweepPendingTransfers: %v", err)
	}
	if _, err := f.service.Refund(ctx, admin(), tx.TransactionID, application.RefundInput{Reason: "seller unresponsive"}); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if len(f.github.Removed) != 1 || f.github.Removed[0].Username != "buyer-gh" {
		t.Fatalf("expected buyer collaborator removal, got %+v", f.github.Removed)
	}
}

func TestTransferInvitationFlowViaWebhook(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	tx := f.paidTransaction(t)

	report, err := f.service.SweepPendingTransfers(ctx)
	if err != nil {
		t.Fatalf("SweepPendingTransfers: %v", err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("expected one invitation, got %+v", report)
	}
	transfer, _ := f.repos.Transfers.GetByTransactionID(ctx, tx.TransactionID)
	if transfer.Status != domain.TransferStatusInvitationSent || transfer.GithubInvitationID == nil || transfer.InvitationSentAt == nil {
		t.Fatalf("unexpected transfer after invite %+v", transfer)
	}
	invite := f.github.Invites[0]
	if invite.Owner != "seller-gh" || invite.Repo != "widget" || invite.Username != "buyer-gh" || invite.Token != "gho_seller" || invite.Permission != "admin" {
		t.Fatalf("unexpected collaborator request %+v", invite)
	}

	event := ports.MembershipEvent{DeliveryID: "delivery-1", Action: "added", RepoFullName: repoName, Username: "buyer-gh"}
	if err := f.service.HandleMembershipEvent(ctx, event); err != nil {
		t.Fatalf("HandleMembershipEvent: %v", err)
	}
	if err := f.service.HandleMembershipEvent(ctx, event); err != nil {
		t.Fatalf("redelivered HandleMembershipEvent: %v", err)
	}
	transfer, _ = f.repos.Transfers.GetByTransactionID(ctx, tx.TransactionID)
	if transfer.Status != domain.TransferStatusCompleted || transfer.AcceptedAt == nil || transfer.CompletedAt == nil {
		t.Fatalf("expected completed transfer, got %+v", transfer)
	}
	if n := f.countEvents(domain.EventTransferCompleted); n != 1 {
		t.Fatalf("expected one completed event, got %d", n)
	}
	if tx, _ := f.repos.Transactions.GetByID(ctx, tx.TransactionID); tx.EscrowStatus != domain.EscrowStatusHeld {
		t.Fatalf("transfer completion must not release escrow, got %s", tx.EscrowStatus)
	}
}

func TestPollInvitationsFinalizesAcceptedAndTimesOutStale(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	tx := f.paidTransaction(t)
	if _, err := f.service.SweepPendingTransfers(ctx); err != nil {
		t.Fatalf("SweepPendingTransfers: %v", err)
	}

	report, err := f.service.PollInvitations(ctx)
	if err != nil {
		t.Fatalf("PollInvitations: %v", err)
	}
	if report.Deferred != 1 {
		t.Fatalf("unaccepted invitation should be deferred, got %+v", report)
	}

	f.clock.Advance(8 * 24 * time.Hour)
	if _, err := f.service.PollInvitations(ctx); err != nil {
		t.Fatalf("PollInvitations: %v", err)
	}
	transfer, _ := f.repos.Transfers.GetByTransactionID(ctx, tx.TransactionID)
	if transfer.Status != domain.TransferStatusPending || transfer.RetryCount != 1 {
		t.Fatalf("stale invitation should count as a failure, got %s retry=%d", transfer.Status, transfer.RetryCount)
	}

	if _, err := f.service.SweepPendingTransfers(ctx); err != nil {
		t.Fatalf("SweepPendingTransfers: %v", err)
	}
	f.github.Accept("seller-gh", "widget", "buyer-gh")
	report, err = f.service.PollInvitations(ctx)
	if err != nil {
		t.Fatalf("PollInvitations: %v", err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("expected accepted invitation to finalize, got %+v", report)
	}
	transfer, _ = f.repos.Transfers.GetByTransactionID(ctx, tx.TransactionID)
	if transfer.Status != domain.TransferStatusCompleted {
		t.Fatalf("expected completed, got %s", transfer.Status)
	}
}

func TestAlreadyCollaboratorCompletesImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.github.Existing["seller-gh/widget:buyer-gh"] = true
	tx := f.paidTransaction(t)
	if _, err := f.service.SweepPendingTransfers(ctx); err != nil {
		t.Fatalf("SweepPendingTransfers: %v", err)
	}
	transfer, _ := f.repos.Transfers.GetByTransactionID(ctx, tx.TransactionID)
	if transfer.Status != domain.TransferStatusCompleted || transfer.AcceptedAt == nil {
		t.Fatalf("expected completed transfer, got %+v", transfer)
	}
}

func TestTransferRetriesExhaustThenReset(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	tx := f.paidTransaction(t)
	f.github.FailAdd = 3

	for i := 0; i < 3; i++ {
		if _, err := f.service.SweepPendingTransfers(ctx); err != nil {
			t.Fatalf("SweepPendingTransfers #%d: %v", i+1, err)
		}
	}
	transfer, _ := f.repos.Transfers.GetByTransactionID(ctx, tx.TransactionID)
	if transfer.Status != domain.TransferStatusFailed || transfer.RetryCount != 3 || transfer.FailedAt == nil || transfer.ErrorMessage == "" {
		t.Fatalf("expected failed after 3 attempts, got %+v", transfer)
	}
	if n := f.countEvents(domain.EventTransferFailed); n != 1 {
		t.Fatalf("expected one transfer failed event, got %d", n)
	}

	report, err := f.service.SweepPendingTransfers(ctx)
	if err != nil {
		t.Fatalf("SweepPendingTransfers: %v", err)
	}
	if report.Scanned != 0 {
		t.Fatalf("failed transfers must not be retried automatically, got %+v", report)
	}
	if _, err := f.service.InitiateTransfer(ctx, transfer.TransferID); !errors.Is(err, domain.ErrTransferRetriesExhausted) {
		t.Fatalf("expected retries exhausted, got %v", err)
	}

	if _, err := f.service.ResetTransfer(ctx, buyer(), transfer.TransferID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("reset is admin only, got %v", err)
	}
	reset, err := f.service.ResetTransfer(ctx, admin(), transfer.TransferID)
	if err != nil {
		t.Fatalf("ResetTransfer: %v", err)
	}
	if reset.Status != domain.TransferStatusPending || reset.RetryCount != 3 || reset.RetryBudget != 6 || reset.FailedAt != nil {
		t.Fatalf("unexpected reset transfer %+v", reset)
	}
	sent, err := f.service.InitiateTransfer(ctx, transfer.TransferID)
	if err != nil {
		t.Fatalf("InitiateTransfer after reset: %v", err)
	}
	if sent.Status != domain.TransferStatusInvitationSent || sent.RetryCount != 3 {
		t.Fatalf("unexpected transfer after reset %+v", sent)
	}
}

func TestTransferWaitsForBuyerGithubLink(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.repos.Directory.PutGithubIdentity(domain.GithubIdentity{UserID: buyerID})
	tx := f.paidTransaction(t)

	report, err := f.service.SweepPendingTransfers(ctx)
	if err != nil {
		t.Fatalf("SweepPendingTransfers: %v", err)
	}
	if report.Deferred != 1 {
		t.Fatalf("expected deferred transfer, got %+v", report)
	}
	transfer, _ := f.repos.Transfers.GetByTransactionID(ctx, tx.TransactionID)
	if transfer.RetryCount != 0 || transfer.Status != domain.TransferStatusPending {
		t.Fatalf("missing username must not spend a retry, got %+v", transfer)
	}

	payload := []byte(`{"event_id":"evt-link-1","event_type":"user.github_linked","data":{"user_id":"buyer-1","github_username":"buyer-gh"}}`)
	if err := f.service.HandleGithubLinked(ctx, payload); err != nil {
		t.Fatalf("HandleGithubLinked: %v", err)
	}
	transfer, _ = f.repos.Transfers.GetByTransactionID(ctx, tx.TransactionID)
	if transfer.BuyerGithubUsername != "buyer-gh" {
		t.Fatalf("expected username to be recorded, got %q", transfer.BuyerGithubUsername)
	}
	if _, err := f.service.InitiateTransfer(ctx, transfer.TransferID); err != nil {
		t.Fatalf("InitiateTransfer: %v", err)
	}
}

func TestSetBuyerGithubUsernameAuthorization(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	tx := f.paidTransaction(t)
	transfer, _ := f.repos.Transfers.GetByTransactionID(ctx, tx.TransactionID)
	if _, err := f.service.SetBuyerGithubUsername(ctx, seller(), transfer.TransferID, "someone"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for seller, got %v", err)
	}
	if _, err := f.service.SetBuyerGithubUsername(ctx, buyer(), transfer.TransferID, "bad name"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid username, got %v", err)
	}
	updated, err := f.service.SetBuyerGithubUsername(ctx, buyer(), transfer.TransferID, "@buyer-alt")
	if err != nil {
		t.Fatalf("SetBuyerGithubUsername: %v", err)
	}
	if updated.BuyerGithubUsername != "buyer-alt" {
		t.Fatalf("unexpected username %q", updated.BuyerGithubUsername)
	}
}

func TestManualTransferForListingWithoutRepository(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	f.repos.Directory.PutListing(domain.Listing{ProjectID: projectID, SellerID: sellerID, PriceCents: 50000, Status: domain.ListingStatusActive})
	tx := f.paidTransaction(t)
	transfer, err := f.repos.Transfers.GetByTransactionID(ctx, tx.TransactionID)
	if err != nil {
		t.Fatalf("GetByTransactionID: %v", err)
	}
	if transfer.Method != domain.TransferMethodManual {
		t.Fatalf("expected manual transfer, got %s", transfer.Method)
	}
	if _, err := f.service.InitiateTransfer(ctx, transfer.TransferID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("manual transfers are not initiated automatically, got %v", err)
	}
	completed, err := f.service.CompleteManualTransfer(ctx, admin(), transfer.TransferID)
	if err != nil {
		t.Fatalf("CompleteManualTransfer: %v", err)
	}
	if completed.Status != domain.TransferStatusCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}
}

func TestGetTransactionCachesAndInvalidates(t *testing.T) {
	t.Parallel()

	cache := memory.NewCache()
	f := newFixture(withCache(cache))
	ctx := context.Background()
	tx := f.paidTransaction(t)

	read, err := f.service.GetTransaction(ctx, buyer(), tx.TransactionID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if read.EscrowStatus != domain.EscrowStatusHeld {
		t.Fatalf("expected held, got %s", read.EscrowStatus)
	}
	if raw, _ := cache.Get(ctx, "escrow:tx:"+tx.TransactionID); raw == "" {
		t.Fatalf("expected transaction view to be cached")
	}
	if _, err := f.service.ReleaseEscrow(ctx, admin(), tx.TransactionID, domain.ReleaseTriggerManual); err != nil {
		t.Fatalf("ReleaseEscrow: %v", err)
	}
	read, err = f.service.GetTransaction(ctx, seller(), tx.TransactionID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if read.EscrowStatus != domain.EscrowStatusReleased {
		t.Fatalf("stale cached view after release: %s", read.EscrowStatus)
	}
	if _, err := f.service.GetTransaction(ctx, application.Actor{SubjectID: "stranger", Role: application.RoleUser}, tx.TransactionID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for stranger, got %v", err)
	}
}

func TestSweepLeaseSkipsConcurrentRun(t *testing.T) {
	t.Parallel()

	cache := memory.NewCache()
	f := newFixture(withCache(cache))
	ctx := context.Background()
	if ok, _ := cache.SetNX(ctx, "escrow:sweep:"+application.SweepEscrowReleases, "other-replica", time.Minute); !ok {
		t.Fatalf("could not seed lease")
	}
	report, err := f.service.SweepEscrowReleases(ctx)
	if err != nil {
		t.Fatalf("SweepEscrowReleases: %v", err)
	}
	if !report.Skipped {
		t.Fatalf("expected sweep to be skipped while another replica holds the lease")
	}
}

func TestEventsCarryEnvelopeFields(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.paidTransaction(t)
	records := f.repos.Outbox.Records()
	if len(records) == 0 {
		t.Fatalf("expected outbox records")
	}
	for _, rec := range records {
		if !domain.IsCanonicalEmittedEvent(rec.EventType) {
			t.Fatalf("non-canonical event %s", rec.EventType)
		}
		if rec.PartitionKey == "" || len(rec.Payload) == 0 {
			t.Fatalf("incomplete outbox record %+v", rec)
		}
	}
}

func TestRefundWithLostStatusWriteIsFinishedAsRefund(t *testing.T) {
	t.Parallel()

	f := newFixture(withFlakyTransitions("refund_payment"))
	ctx := context.Background()
	tx := f.paidTransaction(t)

	if _, err := f.service.Refund(ctx, admin(), tx.TransactionID, application.RefundInput{Reason: "repository was empty"}); !errors.Is(err, errConnectionReset) {
		t.Fatalf("expected the status write failure, got %v", err)
	}
	if f.gateway.RefundCount() != 1 {
		t.Fatalf("expected the gateway refund to have gone out, got %d", f.gateway.RefundCount())
	}
	pending, _ := f.repos.Transactions.GetByID(ctx, tx.TransactionID)
	if pending.PayoutKind != domain.PayoutKindRefund || pending.EscrowStatus != domain.EscrowStatusHeld {
		t.Fatalf("expected a recorded refund on held escrow, got %+v", pending)
	}
	if _, err := f.service.ReleaseEscrow(ctx, admin(), tx.TransactionID, domain.ReleaseTriggerManual); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("release must not start over an unfinished refund, got %v", err)
	}

	f.clock.Advance(8 * 24 * time.Hour)
	report, err := f.service.SweepEscrowReleases(ctx)
	if err != nil {
		t.Fatalf("SweepEscrowReleases: %v", err)
	}
	if report.Scanned != 1 || report.Succeeded != 1 {
		t.Fatalf("expected the sweep to finish the refund, got %+v", report)
	}
	if f.gateway.RefundCount() != 1 || f.gateway.TransferCount() != 0 {
		t.Fatalf("buyer refunded and seller paid: refunds=%d transfers=%d", f.gateway.RefundCount(), f.gateway.TransferCount())
	}
	final, _ := f.repos.Transactions.GetByID(ctx, tx.TransactionID)
	if final.PaymentStatus != domain.PaymentStatusRefunded || final.EscrowStatus != domain.EscrowStatusReleased {
		t.Fatalf("expected refunded/released, got %s/%s", final.PaymentStatus, final.EscrowStatus)
	}
	if final.RefundReason != "repository was empty" || final.ReleasedToSellerAt != nil || final.PayoutKind != "" {
		t.Fatalf("unexpected final record %+v", final)
	}
	if n := f.countEvents(domain.EventTransactionRefunded); n != 1 {
		t.Fatalf("expected one refunded event, got %d", n)
	}
}

func TestReleaseWithLostStatusWriteBlocksRefund(t *testing.T) {
	t.Parallel()

	f := newFixture(withFlakyTransitions("release_escrow"))
	ctx := context.Background()
	tx := f.paidTransaction(t)

	if _, err := f.service.ReleaseEscrow(ctx, admin(), tx.TransactionID, domain.ReleaseTriggerManual); !errors.Is(err, errConnectionReset) {
		t.Fatalf("expected the status write failure, got %v", err)
	}
	if _, err := f.service.Refund(ctx, admin(), tx.TransactionID, application.RefundInput{Reason: "dispute"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("refund must not start over an unfinished release, got %v", err)
	}
	f.clock.Advance(5 * time.Minute)
	if _, err := f.service.Refund(ctx, admin(), tx.TransactionID, application.RefundInput{Reason: "dispute"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("a lapsed claim must not let a refund in, got %v", err)
	}

	report, err := f.service.SweepEscrowReleases(ctx)
	if err != nil {
		t.Fatalf("SweepEscrowReleases: %v", err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("expected the sweep to finish the release, got %+v", report)
	}
	if f.gateway.TransferCount() != 1 || f.gateway.RefundCount() != 0 {
		t.Fatalf("expected one transfer and no refund, got %d/%d", f.gateway.TransferCount(), f.gateway.RefundCount())
	}
	final, _ := f.repos.Transactions.GetByID(ctx, tx.TransactionID)
	if final.EscrowStatus != domain.EscrowStatusReleased || final.ReleaseTrigger != domain.ReleaseTriggerManual || final.ReleasedBy != "admin-1" {
		t.Fatalf("expected the original manual release to be recorded, got %+v", final)
	}
	if _, err := f.service.Refund(ctx, admin(), tx.TransactionID, application.RefundInput{Reason: "dispute"}); !errors.Is(err, domain.ErrAlreadyReleased) {
		t.Fatalf("expected already released, got %v", err)
	}
}

func TestDeclinedReleaseRetriesUnderFreshKey(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	tx := f.paidTransaction(t)
	f.gateway.RejectTransfer = 1

	if _, err := f.service.ReleaseEscrow(ctx, admin(), tx.TransactionID, domain.ReleaseTriggerManual); !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
	held, _ := f.repos.Transactions.GetByID(ctx, tx.TransactionID)
	if held.PayoutKind != "" || held.ReleaseClaimToken != nil || held.PayoutAttempt != 1 {
		t.Fatalf("a declined release must be abandoned, got %+v", held)
	}
	if _, err := f.service.ReleaseEscrow(ctx, admin(), tx.TransactionID, domain.ReleaseTriggerManual); err != nil {
		t.Fatalf("retry release: %v", err)
	}
	if got := f.gateway.Transfers[0].IdempotencyKey; got != "escrow-release-"+tx.TransactionID+"-2" {
		t.Fatalf("expected a fresh idempotency key, got %q", got)
	}
}

func TestDeclinedReleaseLeavesRefundOpen(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	tx := f.paidTransaction(t)
	f.gateway.RejectTransfer = 1

	if _, err := f.service.ReleaseEscrow(ctx, admin(), tx.TransactionID, domain.ReleaseTriggerManual); err == nil {
		t.Fatalf("expected the declined release to fail")
	}
	refunded, err := f.service.Refund(ctx, admin(), tx.TransactionID, application.RefundInput{Reason: "seller account frozen"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refunded.PaymentStatus != domain.PaymentStatusRefunded || f.gateway.TransferCount() != 0 {
		t.Fatalf("expected a refund with no transfer, got %s transfers=%d", refunded.PaymentStatus, f.gateway.TransferCount())
	}
}

func TestOnlyOneAcceptedOfferPerProjectReachesCheckout(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	secondBuyer := application.Actor{SubjectID: "buyer-2", Role: application.RoleUser, RequestID: "req-buyer-2"}

	first, err := f.service.CreateOffer(ctx, buyer(), application.CreateOfferInput{ProjectID: projectID, PriceCents: 40000})
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	second, err := f.service.CreateOffer(ctx, secondBuyer, application.CreateOfferInput{ProjectID: projectID, PriceCents: 42000})
	if err != nil {
		t.Fatalf("CreateOffer second buyer: %v", err)
	}
	for _, id := range []string{first.OfferID, second.OfferID} {
		if _, err := f.service.AcceptOffer(ctx, seller(), id); err != nil {
			t.Fatalf("AcceptOffer %s: %v", id, err)
		}
	}

	type attempt struct {
		actor   application.Actor
		offerID string
	}
	attempts := []attempt{{buyer(), first.OfferID}, {secondBuyer, second.OfferID}}
	errs := make(chan error, len(attempts))
	var wg sync.WaitGroup
	for _, a := range attempts {
		wg.Add(1)
		go func(a attempt) {
			defer wg.Done()
			_, err := f.service.BeginCheckout(ctx, a.actor, application.CheckoutInput{ProjectID: projectID, OfferID: a.offerID})
			errs <- err
		}(a)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrConflict):
		default:
			t.Fatalf("unexpected checkout error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one offer checkout, got %d", succeeded)
	}
	offers, err := f.repos.Offers.ListByProject(ctx, projectID)
	if err != nil {
		t.Fatalf("ListByProject: %v", err)
	}
	linked := 0
	for _, offer := range offers {
		if offer.TransactionID != nil {
			linked++
		}
	}
	if linked != 1 {
		t.Fatalf("expected one linked offer, got %d", linked)
	}
}

func TestOfferLinkRefusesSiblingWithLiveCheckout(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	secondBuyer := application.Actor{SubjectID: "buyer-2", Role: application.RoleUser, RequestID: "req-buyer-2"}

	first, err := f.service.CreateOffer(ctx, buyer(), application.CreateOfferInput{ProjectID: projectID, PriceCents: 40000})
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	second, err := f.service.CreateOffer(ctx, secondBuyer, application.CreateOfferInput{ProjectID: projectID, PriceCents: 42000})
	if err != nil {
		t.Fatalf("CreateOffer second buyer: %v", err)
	}
	for _, id := range []string{first.OfferID, second.OfferID} {
		if _, err := f.service.AcceptOffer(ctx, seller(), id); err != nil {
			t.Fatalf("AcceptOffer %s: %v", id, err)
		}
	}
	if _, err := f.service.BeginCheckout(ctx, buyer(), application.CheckoutInput{ProjectID: projectID, OfferID: first.OfferID}); err != nil {
		t.Fatalf("BeginCheckout: %v", err)
	}

	// Skips the service's early read, as a checkout that lost the race would.
	now := f.clock.Now()
	offerID := second.OfferID
	err = f.repos.Transactions.CreateWithOfferLink(ctx, domain.Transaction{
		TransactionID:       "tx-sibling",
		ProjectID:           projectID,
		SellerID:            sellerID,
		BuyerID:             "buyer-2",
		OfferID:             &offerID,
		AmountCents:         42000,
		CommissionCents:     4200,
		SellerReceivesCents: 37800,
		Currency:            "usd",
		PaymentStatus:       domain.PaymentStatusPending,
		EscrowStatus:        domain.EscrowStatusPending,
		CodeDeliveryStatus:  domain.CodeDeliveryPending,
		EscrowReleaseDate:   now.Add(7 * 24 * time.Hour),
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict linking a sibling offer, got %v", err)
	}
	if _, err := f.repos.Transactions.GetByID(ctx, "tx-sibling"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("refused link must not insert the transaction, got %v", err)
	}
}

func TestZeroFeeRateIsHonoured(t *testing.T) {
	t.Parallel()

	f := newFixture(withConfig(func(c *application.Config) {
		c.PlatformFeeRate = decimal.NewNullDecimal(decimal.Zero)
	}))
	res, err := f.service.BeginCheckout(context.Background(), buyer(), application.CheckoutInput{ProjectID: projectID})
	if err != nil {
		t.Fatalf("BeginCheckout: %v", err)
	}
	if res.Breakdown.CommissionCents != 0 || res.Breakdown.SellerReceivesCents != 50000 {
		t.Fatalf("expected no commission, got %+v", res.Breakdown)
	}
}
