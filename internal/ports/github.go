package ports

import "context"

type CollaboratorRequest struct {
	Owner      string
	Repo       string
	Username   string
	Permission string
	// Token is the repository owner's credential the call is made with.
	Token string
}

type CollaboratorInvite struct {
	InvitationID        string
	AlreadyCollaborator bool
}

type GithubCollaborators interface {
	AddCollaborator(ctx context.Context, req CollaboratorRequest) (CollaboratorInvite, error)
	RemoveCollaborator(ctx context.Context, req CollaboratorRequest) error
	CheckCollaboratorAccess(ctx context.Context, req CollaboratorRequest) (bool, error)
}

// MembershipEvent is a verified repository membership webhook.
type MembershipEvent struct {
	DeliveryID   string
	Action       string
	RepoFullName string
	Username     string
}
