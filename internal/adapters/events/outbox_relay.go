package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	"github.com/google/uuid"
)

// OutboxRelayConfig tunes the escrow event relay. Zero values take defaults.
type OutboxRelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	ClaimTTL     time.Duration
	// MaxAttempts is the number of publish failures after which an escrow
	// event is parked in the dead letter state.
	MaxAttempts int
}

func (c OutboxRelayConfig) withDefaults() OutboxRelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// RelayStats counts what one relay pass did with the escrow events it leased.
type RelayStats struct {
	Leased       int
	Published    int
	Retrying     int
	DeadLettered int
}

// OutboxRelay forwards transaction, offer and code-access events written to
// escrow_outbox alongside their state change. Each pass leases a batch under a
// fresh token, so replicas never publish the same row concurrently. Events are
// keyed by transaction id so a consumer sees one transaction's history in order.
type OutboxRelay struct {
	logger    *slog.Logger
	outbox    ports.OutboxRepository
	publisher ports.EventPublisher
	cfg       OutboxRelayConfig
	nowFn     func() time.Time
}

func NewOutboxRelay(logger *slog.Logger, outbox ports.OutboxRepository, publisher ports.EventPublisher, cfg OutboxRelayConfig) *OutboxRelay {
	return &OutboxRelay{
		logger:    logger,
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil {
			r.logger.ErrorContext(ctx, "escrow event relay pass failed",
				"module", "events.outbox_relay",
				"layer", "adapter",
				"operation", "drain_escrow_outbox",
				"outcome", "failure",
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain leases one batch of unpublished escrow events and settles each of them
// as published, retrying or dead-lettered.
func (r *OutboxRelay) Drain(ctx context.Context) (RelayStats, error) {
	lease := uuid.NewString()
	batch, err := r.outbox.ClaimUnpublished(ctx, r.cfg.BatchSize, lease, r.nowFn().Add(r.cfg.ClaimTTL))
	if err != nil {
		return RelayStats{}, fmt.Errorf("lease escrow events: %w", err)
	}

	stats := RelayStats{Leased: len(batch)}
	for _, rec := range batch {
		switch r.deliver(ctx, lease, rec) {
		case relayPublished:
			stats.Published++
		case relayRetrying:
			stats.Retrying++
		case relayDeadLettered:
			stats.DeadLettered++
		}
	}
	if stats.Leased > 0 {
		r.logger.InfoContext(ctx, "escrow events relayed",
			"module", "events.outbox_relay",
			"layer", "adapter",
			"operation", "drain_escrow_outbox",
			"outcome", "success",
			"leased", stats.Leased,
			"published", stats.Published,
			"retrying", stats.Retrying,
			"dead_lettered", stats.DeadLettered,
		)
	}
	return stats, nil
}

type relayOutcome int

const (
	relayPublished relayOutcome = iota
	relayRetrying
	relayDeadLettered
)

func (r *OutboxRelay) deliver(ctx context.Context, lease string, rec ports.OutboxRecord) relayOutcome {
	if rec.RetryCount >= r.cfg.MaxAttempts {
		r.settle(ctx, rec, "dead_letter", r.outbox.MarkDeadLettered(ctx, rec.OutboxID, lease, "attempt budget spent before publish", r.nowFn()))
		return relayDeadLettered
	}

	pubErr := r.publisher.Publish(ctx, rec.EventType, rec.Payload, rec.PartitionKey)
	if pubErr == nil {
		r.settle(ctx, rec, "published", r.outbox.MarkPublished(ctx, rec.OutboxID, lease, r.nowFn()))
		return relayPublished
	}

	attempts := rec.RetryCount + 1
	if attempts >= r.cfg.MaxAttempts {
		r.logger.ErrorContext(ctx, "escrow event dead-lettered",
			"module", "events.outbox_relay",
			"layer", "adapter",
			"operation", "publish_escrow_event",
			"outcome", "failure",
			"event_id", rec.OutboxID,
			"event_type", rec.EventType,
			"transaction_id", rec.PartitionKey,
			"attempts", attempts,
			"error", pubErr,
		)
		r.settle(ctx, rec, "dead_letter", r.outbox.MarkDeadLettered(ctx, rec.OutboxID, lease, pubErr.Error(), r.nowFn()))
		return relayDeadLettered
	}

	r.logger.WarnContext(ctx, "escrow event publish failed, will retry",
		"module", "events.outbox_relay",
		"layer", "adapter",
		"operation", "publish_escrow_event",
		"outcome", "retry",
		"event_id", rec.OutboxID,
		"event_type", rec.EventType,
		"transaction_id", rec.PartitionKey,
		"attempts", attempts,
		"error", pubErr,
	)
	r.settle(ctx, rec, "retry", r.outbox.MarkFailed(ctx, rec.OutboxID, lease, pubErr.Error(), r.nowFn()))
	return relayRetrying
}

// settle logs a failed bookkeeping write. The lease expires and the row is
// leased again, so a published event may be delivered twice; consumers dedupe
// on event_id.
func (r *OutboxRelay) settle(ctx context.Context, rec ports.OutboxRecord, state string, err error) {
	if err == nil {
		return
	}
	r.logger.WarnContext(ctx, "escrow event state not recorded",
		"module", "events.outbox_relay",
		"layer", "adapter",
		"operation", "settle_escrow_event",
		"outcome", "failure",
		"event_id", rec.OutboxID,
		"transaction_id", rec.PartitionKey,
		"state", state,
		"error", err,
	)
}
