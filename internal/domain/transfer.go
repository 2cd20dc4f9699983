package domain

import (
	"fmt"
	"strings"
	"time"
)

type TransferStatus string

const (
	TransferStatusPending        TransferStatus = "pending"
	TransferStatusInvitationSent TransferStatus = "invitation_sent"
	TransferStatusAccepted       TransferStatus = "accepted"
	TransferStatusCompleted      TransferStatus = "completed"
	TransferStatusFailed         TransferStatus = "failed"
)

type TransferMethod string

const (
	TransferMethodGithubCollaborator TransferMethod = "github_collaborator"
	TransferMethodManual             TransferMethod = "manual"
)

const TransferRefundedMessage = "transaction refunded"

// RepositoryTransfer tracks the hand-off of repository access for one
// transaction. RetryBudget is the failure ceiling; operators raise it on
// reset so RetryCount never has to move backwards.
type RepositoryTransfer struct {
	TransferID           string         `json:"transfer_id"`
	TransactionID        string         `json:"transaction_id"`
	GithubRepoFullName   string         `json:"github_repo_full_name"`
	Method               TransferMethod `json:"method"`
	Status               TransferStatus `json:"status"`
	SellerID             string         `json:"seller_id"`
	BuyerID              string         `json:"buyer_id"`
	SellerGithubUsername string         `json:"seller_github_username,omitempty"`
	BuyerGithubUsername  string         `json:"buyer_github_username,omitempty"`
	GithubInvitationID   *string        `json:"github_invitation_id,omitempty"`
	RetryCount           int            `json:"retry_count"`
	RetryBudget          int            `json:"retry_budget"`
	InitiatedAt          *time.Time     `json:"initiated_at,omitempty"`
	InvitationSentAt     *time.Time     `json:"invitation_sent_at,omitempty"`
	AcceptedAt           *time.Time     `json:"accepted_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	FailedAt             *time.Time     `json:"failed_at,omitempty"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

func (t RepositoryTransfer) IsTerminal() bool {
	return t.Status == TransferStatusCompleted || t.Status == TransferStatusFailed
}

// SplitRepoFullName splits "owner/name".
func SplitRepoFullName(fullName string) (string, string, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("%w: repository %q", ErrInvalidInput, fullName)
	}
	return owner, repo, nil
}

// TransferTransition is a compare-and-set write on a repository transfer.
// It lands only if the stored status is one of From and, when set, the
// stored retry count still equals ExpectedRetryCount.
type TransferTransition struct {
	Name               string
	From               []TransferStatus
	ExpectedRetryCount *int

	To                  *TransferStatus
	At                  time.Time
	InitiatedAt         *time.Time
	InvitationSentAt    *time.Time
	AcceptedAt          *time.Time
	CompletedAt         *time.Time
	FailedAt            *time.Time
	ClearFailedAt       bool
	GithubInvitationID  *string
	BuyerGithubUsername *string
	RetryCount          *int
	RetryBudget         *int
	ErrorMessage        *string
}

func SendInvitation(at time.Time, invitationID string) TransferTransition {
	empty := ""
	tr := TransferTransition{
		Name:             "send_invitation",
		From:             []TransferStatus{TransferStatusPending},
		To:               transferPtr(TransferStatusInvitationSent),
		At:               at,
		InitiatedAt:      &at,
		InvitationSentAt: &at,
		ErrorMessage:     &empty,
	}
	if invitationID != "" {
		tr.GithubInvitationID = &invitationID
	}
	return tr
}

func AcceptInvitation(at time.Time) TransferTransition {
	return TransferTransition{
		Name:       "accept_invitation",
		From:       []TransferStatus{TransferStatusInvitationSent},
		To:         transferPtr(TransferStatusAccepted),
		At:         at,
		AcceptedAt: &at,
	}
}

func FinalizeTransfer(at time.Time) TransferTransition {
	return TransferTransition{
		Name:        "finalize",
		From:        []TransferStatus{TransferStatusAccepted},
		To:          transferPtr(TransferStatusCompleted),
		At:          at,
		CompletedAt: &at,
	}
}

// CompleteManualTransfer closes a transfer handled outside GitHub.
func CompleteManualTransfer(at time.Time) TransferTransition {
	return TransferTransition{
		Name:        "complete_manual",
		From:        []TransferStatus{TransferStatusPending, TransferStatusInvitationSent, TransferStatusAccepted},
		To:          transferPtr(TransferStatusCompleted),
		At:          at,
		CompletedAt: &at,
	}
}

func SetBuyerGithubUsername(at time.Time, username string) TransferTransition {
	return TransferTransition{
		Name:                "set_buyer_github_username",
		From:                []TransferStatus{TransferStatusPending, TransferStatusInvitationSent, TransferStatusAccepted, TransferStatusFailed},
		At:                  at,
		BuyerGithubUsername: &username,
	}
}

// RecordTransferFailure counts one failed attempt against the transfer as
// read. The transfer drops back to pending while under budget and becomes
// failed once the count reaches it.
func RecordTransferFailure(t RepositoryTransfer, at time.Time, message string) TransferTransition {
	next := t.RetryCount + 1
	tr := TransferTransition{
		Name:               "record_failure",
		From:               []TransferStatus{t.Status},
		ExpectedRetryCount: &t.RetryCount,
		At:                 at,
		RetryCount:         &next,
		ErrorMessage:       &message,
	}
	if next >= t.RetryBudget {
		tr.To = transferPtr(TransferStatusFailed)
		tr.FailedAt = &at
	} else {
		tr.To = transferPtr(TransferStatusPending)
	}
	return tr
}

// ResetTransfer reopens a failed transfer for another round of automatic attempts.
func ResetTransfer(t RepositoryTransfer, at time.Time, maxRetries int) TransferTransition {
	budget := t.RetryCount + maxRetries
	empty := ""
	return TransferTransition{
		Name:               "reset",
		From:               []TransferStatus{TransferStatusFailed},
		ExpectedRetryCount: &t.RetryCount,
		To:                 transferPtr(TransferStatusPending),
		At:                 at,
		RetryBudget:        &budget,
		ClearFailedAt:      true,
		ErrorMessage:       &empty,
	}
}

// CancelTransfer stops a non-terminal transfer, for example after a refund.
func CancelTransfer(at time.Time, message string) TransferTransition {
	return TransferTransition{
		Name:         "cancel",
		From:         []TransferStatus{TransferStatusPending, TransferStatusInvitationSent, TransferStatusAccepted},
		To:           transferPtr(TransferStatusFailed),
		At:           at,
		FailedAt:     &at,
		ErrorMessage: &message,
	}
}

func (tr TransferTransition) Matches(t RepositoryTransfer) bool {
	if tr.ExpectedRetryCount != nil && t.RetryCount != *tr.ExpectedRetryCount {
		return false
	}
	for _, from := range tr.From {
		if t.Status == from {
			return true
		}
	}
	return false
}

func (tr TransferTransition) Apply(t RepositoryTransfer) (RepositoryTransfer, error) {
	if !tr.Matches(t) {
		return t, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, tr.Name, t.Status)
	}
	if tr.To != nil {
		t.Status = *tr.To
	}
	if tr.InitiatedAt != nil && t.InitiatedAt == nil {
		t.InitiatedAt = tr.InitiatedAt
	}
	if tr.InvitationSentAt != nil {
		t.InvitationSentAt = tr.InvitationSentAt
	}
	if tr.AcceptedAt != nil {
		t.AcceptedAt = tr.AcceptedAt
	}
	if tr.CompletedAt != nil {
		t.CompletedAt = tr.CompletedAt
	}
	if tr.FailedAt != nil {
		t.FailedAt = tr.FailedAt
	}
	if tr.ClearFailedAt {
		t.FailedAt = nil
	}
	if tr.GithubInvitationID != nil {
		t.GithubInvitationID = tr.GithubInvitationID
	}
	if tr.BuyerGithubUsername != nil {
		t.BuyerGithubUsername = *tr.BuyerGithubUsername
	}
	if tr.RetryCount != nil {
		t.RetryCount = *tr.RetryCount
	}
	if tr.RetryBudget != nil {
		t.RetryBudget = *tr.RetryBudget
	}
	if tr.ErrorMessage != nil {
		t.ErrorMessage = *tr.ErrorMessage
	}
	t.UpdatedAt = tr.At
	return t, nil
}

func transferPtr(v TransferStatus) *TransferStatus { return &v }
