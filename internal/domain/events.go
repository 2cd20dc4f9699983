package domain

const (
	EventOfferCreated   = "offer.created"
	EventOfferCountered = "offer.countered"
	EventOfferAccepted  = "offer.accepted"
	EventOfferRejected  = "offer.rejected"
	EventOfferWithdrawn = "offer.withdrawn"
	EventOfferExpired   = "offer.expired"

	EventTransactionCreated          = "transaction.created"
	EventTransactionPaymentSucceeded = "transaction.payment_succeeded"
	EventTransactionPaymentFailed    = "transaction.payment_failed"
	EventTransactionRefunded         = "transaction.refunded"
	EventEscrowReleased              = "escrow.released"
	EventCodeAccessed                = "code.accessed"

	EventTransferInvitationSent = "repository_transfer.invitation_sent"
	EventTransferAccepted       = "repository_transfer.accepted"
	EventTransferCompleted      = "repository_transfer.completed"
	EventTransferFailed         = "repository_transfer.failed"
)

// Inbound events consumed from other services.
const (
	EventUserGithubLinked = "user.github_linked"
)

func IsCanonicalInputEvent(eventType string) bool {
	return eventType == EventUserGithubLinked
}

func IsCanonicalEmittedEvent(eventType string) bool {
	switch eventType {
	case EventOfferCreated, EventOfferCountered, EventOfferAccepted, EventOfferRejected, EventOfferWithdrawn, EventOfferExpired,
		EventTransactionCreated, EventTransactionPaymentSucceeded, EventTransactionPaymentFailed, EventTransactionRefunded,
		EventEscrowReleased, EventCodeAccessed,
		EventTransferInvitationSent, EventTransferAccepted, EventTransferCompleted, EventTransferFailed:
		return true
	default:
		return false
	}
}

func CanonicalPartitionKeyPath(eventType string) string {
	switch eventType {
	case EventOfferCreated, EventOfferCountered, EventOfferAccepted, EventOfferRejected, EventOfferWithdrawn, EventOfferExpired:
		return "data.offer_id"
	case EventTransferInvitationSent, EventTransferAccepted, EventTransferCompleted, EventTransferFailed:
		return "data.transfer_id"
	case EventUserGithubLinked:
		return "data.user_id"
	}
	if IsCanonicalEmittedEvent(eventType) {
		return "data.transaction_id"
	}
	return ""
}
