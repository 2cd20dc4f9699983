package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	"github.com/google/uuid"
)

type eventEnvelope struct {
	EventID          string `json:"event_id"`
	EventType        string `json:"event_type"`
	OccurredAt       string `json:"occurred_at"`
	SourceService    string `json:"source_service"`
	TraceID          string `json:"trace_id"`
	SchemaVersion    string `json:"schema_version"`
	PartitionKeyPath string `json:"partition_key_path"`
	PartitionKey     string `json:"partition_key"`
	Data             any    `json:"data"`
}

// enqueueEvent records a domain event after the state change it describes
// has committed. Failures are logged and never undo the change.
func (s *Service) enqueueEvent(ctx context.Context, eventType, partitionKey, requestID string, data any) {
	if s.outbox == nil {
		return
	}
	occurredAt := s.nowFn()
	eventID := uuid.New()
	payload, err := json.Marshal(eventEnvelope{
		EventID:          eventID.String(),
		EventType:        eventType,
		OccurredAt:       occurredAt.Format(time.RFC3339),
		SourceService:    s.cfg.ServiceName,
		TraceID:          requestID,
		SchemaVersion:    "1.0",
		PartitionKeyPath: domain.CanonicalPartitionKeyPath(eventType),
		PartitionKey:     partitionKey,
		Data:             data,
	})
	if err == nil {
		err = s.outbox.Enqueue(ctx, ports.OutboxEvent{
			EventID:      eventID,
			EventType:    eventType,
			PartitionKey: partitionKey,
			Payload:      payload,
			OccurredAt:   occurredAt,
		})
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "enqueue domain event failed",
			"module", "application.events",
			"layer", "application",
			"operation", "enqueue_event",
			"outcome", "failure",
			"event_type", eventType,
			"partition_key", partitionKey,
			"request_id", requestID,
			"error", err,
		)
	}
}

// mustHoldInvariants treats a broken money invariant as a programming error.
func mustHoldInvariants(tx domain.Transaction) {
	if err := tx.CheckInvariants(); err != nil {
		panic(err)
	}
}

func requireSubject(actor Actor) error {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.ErrUnauthorized
	}
	return nil
}

func requireAdmin(actor Actor) error {
	if err := requireSubject(actor); err != nil {
		return err
	}
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: admin role required", domain.ErrForbidden)
	}
	return nil
}

func requireOperator(actor Actor) error {
	if err := requireSubject(actor); err != nil {
		return err
	}
	if !actor.isOperator() {
		return fmt.Errorf("%w: operator role required", domain.ErrForbidden)
	}
	return nil
}

func transactionCacheKey(transactionID string) string {
	return "escrow:tx:" + transactionID
}

func (s *Service) invalidateTransaction(ctx context.Context, transactionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, transactionCacheKey(transactionID)); err != nil {
		s.logger.WarnContext(ctx, "transaction cache invalidation failed",
			"module", "application.cache",
			"layer", "application",
			"operation", "invalidate_transaction",
			"outcome", "failure",
			"transaction_id", transactionID,
			"error", err,
		)
	}
}

func (s *Service) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.GatewayTimeout)
}

func (s *Service) githubContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.GithubTimeout)
}

func dependencyError(op string, err error) error {
	if errors.Is(err, domain.ErrDependencyUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrDependencyUnavailable, op, err)
}

func hashJSON(v any) string {
	b, _ := json.Marshal(v)
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// replayIdempotent decodes a stored response for key into out. A key seen
// before without a stored response is let through again, since every
// mutating operation here is safe to repeat.
func (s *Service) replayIdempotent(ctx context.Context, key, requestHash string, out any) (bool, error) {
	if s.idempotency == nil || strings.TrimSpace(key) == "" {
		return false, nil
	}
	rec, err := s.idempotency.Get(ctx, key, s.nowFn())
	if err != nil {
		return false, err
	}
	if rec == nil {
		if err := s.idempotency.Reserve(ctx, key, requestHash, s.nowFn().Add(s.cfg.IdempotencyTTL)); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return false, domain.ErrIdempotencyConflict
			}
			return false, err
		}
		return false, nil
	}
	if rec.RequestHash != requestHash {
		return false, domain.ErrIdempotencyConflict
	}
	if len(rec.ResponseBody) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(rec.ResponseBody, out); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Service) completeIdempotencyJSON(ctx context.Context, key string, code int, payload any) {
	if s.idempotency == nil || strings.TrimSpace(key) == "" {
		return
	}
	b, _ := json.Marshal(payload)
	_ = s.idempotency.Complete(ctx, key, code, b, s.nowFn())
}
