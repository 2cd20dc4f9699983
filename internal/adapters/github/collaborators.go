// Package github adapts the GitHub REST API to the collaborator port and
// verifies repository membership webhooks.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	gh "github.com/google/go-github/v66/github"

	"github.com/codesalvage/transaction-escrow-service/internal/ports"
)

// Collaborators calls GitHub with the repository owner's token carried on
// each request, so one instance serves every seller.
type Collaborators struct {
	httpClient *http.Client
	baseURL    *url.URL
	logger     *slog.Logger
}

// NewCollaborators targets api.github.com unless baseURL is set.
func NewCollaborators(httpClient *http.Client, baseURL string, logger *slog.Logger) (*Collaborators, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collaborators{httpClient: httpClient, logger: logger}
	if strings.TrimSpace(baseURL) != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		c.baseURL = u
	}
	return c, nil
}

func (c *Collaborators) client(token string) *gh.Client {
	cl := gh.NewClient(c.httpClient).WithAuthToken(token)
	if c.baseURL != nil {
		cl.BaseURL = c.baseURL
	}
	return cl
}

// AddCollaborator invites the buyer. GitHub answers 204 without an
// invitation when the user already has access.
func (c *Collaborators) AddCollaborator(ctx context.Context, req ports.CollaboratorRequest) (ports.CollaboratorInvite, error) {
	opts := &gh.RepositoryAddCollaboratorOptions{Permission: req.Permission}
	inv, resp, err := c.client(req.Token).Repositories.AddCollaborator(ctx, req.Owner, req.Repo, req.Username, opts)
	if err != nil {
		c.logFailure(ctx, "add_collaborator", req, err)
		return ports.CollaboratorInvite{}, fmt.Errorf("github add collaborator %s/%s: %w", req.Owner, req.Repo, err)
	}
	if (resp != nil && resp.StatusCode == http.StatusNoContent) || inv.GetID() == 0 {
		return ports.CollaboratorInvite{AlreadyCollaborator: true}, nil
	}
	return ports.CollaboratorInvite{InvitationID: strconv.FormatInt(inv.GetID(), 10)}, nil
}

// RemoveCollaborator treats a missing collaborator as already removed.
func (c *Collaborators) RemoveCollaborator(ctx context.Context, req ports.CollaboratorRequest) error {
	_, err := c.client(req.Token).Repositories.RemoveCollaborator(ctx, req.Owner, req.Repo, req.Username)
	if err != nil {
		var ghErr *gh.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return nil
		}
		c.logFailure(ctx, "remove_collaborator", req, err)
		return fmt.Errorf("github remove collaborator %s/%s: %w", req.Owner, req.Repo, err)
	}
	return nil
}

func (c *Collaborators) CheckCollaboratorAccess(ctx context.Context, req ports.CollaboratorRequest) (bool, error) {
	ok, _, err := c.client(req.Token).Repositories.IsCollaborator(ctx, req.Owner, req.Repo, req.Username)
	if err != nil {
		c.logFailure(ctx, "check_collaborator", req, err)
		return false, fmt.Errorf("github check collaborator %s/%s: %w", req.Owner, req.Repo, err)
	}
	return ok, nil
}

func (c *Collaborators) logFailure(ctx context.Context, operation string, req ports.CollaboratorRequest, err error) {
	attrs := []any{
		"module", "github",
		"layer", "adapter",
		"operation", operation,
		"outcome", "failure",
		"repo", req.Owner + "/" + req.Repo,
		"username", req.Username,
		"error", err.Error(),
	}
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		attrs = append(attrs, "rate_limit_reset", rateErr.Rate.Reset.Time)
	}
	c.logger.WarnContext(ctx, "github call failed", attrs...)
}
