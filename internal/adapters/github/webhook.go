package github

import (
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v66/github"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
)

// WebhookVerifier validates X-Hub-Signature-256 and decodes member events.
type WebhookVerifier struct {
	secret []byte
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: []byte(secret)}
}

// ParseMembershipEvent reports ok=false for verified deliveries of other event types.
func (v *WebhookVerifier) ParseMembershipEvent(r *http.Request) (ports.MembershipEvent, bool, error) {
	payload, err := gh.ValidatePayload(r, v.secret)
	if err != nil {
		return ports.MembershipEvent{}, false, fmt.Errorf("%w: github signature: %v", domain.ErrUnauthorized, err)
	}
	eventType := gh.WebHookType(r)
	if eventType != "member" {
		return ports.MembershipEvent{}, false, nil
	}
	parsed, err := gh.ParseWebHook(eventType, payload)
	if err != nil {
		return ports.MembershipEvent{}, false, fmt.Errorf("%w: github payload: %v", domain.ErrInvalidInput, err)
	}
	member, ok := parsed.(*gh.MemberEvent)
	if !ok {
		return ports.MembershipEvent{}, false, nil
	}
	return ports.MembershipEvent{
		DeliveryID:   gh.DeliveryID(r),
		Action:       member.GetAction(),
		RepoFullName: member.GetRepo().GetFullName(),
		Username:     member.GetMember().GetLogin(),
	}, true, nil
}
