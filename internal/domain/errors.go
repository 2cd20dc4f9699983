package domain

import "errors"

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrNotFound              = errors.New("resource not found")
	ErrConflict              = errors.New("conflict")
	ErrIdempotencyConflict   = errors.New("idempotency conflict")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	ErrOfferExpired             = errors.New("offer expired")
	ErrListingUnavailable       = errors.New("listing not purchasable")
	ErrSellerNotOnboarded       = errors.New("seller has not completed payment onboarding")
	ErrNotEligible              = errors.New("not eligible yet")
	ErrAlreadyReleased          = errors.New("escrow already released to seller")
	ErrTransferRetriesExhausted = errors.New("repository transfer retries exhausted")
	ErrBuyerGithubUnknown       = errors.New("buyer github account not linked")
)
