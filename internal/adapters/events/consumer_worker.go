package events

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const TopicGithubLinked = "user.github_linked"

type Message struct {
	Topic   string
	Key     string
	Payload []byte
}

type Consumer interface {
	Poll(ctx context.Context, max int) ([]Message, error)
}

// GithubLinkHandler is the application entry point for identity events.
type GithubLinkHandler interface {
	HandleGithubLinked(ctx context.Context, payload []byte) error
}

type ConsumerWorker struct {
	logger   *slog.Logger
	consumer Consumer
	handler  GithubLinkHandler
	interval time.Duration
}

func NewConsumerWorker(logger *slog.Logger, consumer Consumer, handler GithubLinkHandler, interval time.Duration) *ConsumerWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &ConsumerWorker{
		logger: logger, consumer: consumer, handler: handler, interval: interval,
	}
}

func (w *ConsumerWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.processOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "consumer iteration failed",
				"module", "events.consumer_worker",
				"layer", "adapter",
				"operation", "process_once",
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

func (w *ConsumerWorker) processOnce(ctx context.Context) error {
	msgs, err := w.consumer.Poll(ctx, 50)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		switch msg.Topic {
		case TopicGithubLinked:
			if err := w.handler.HandleGithubLinked(ctx, msg.Payload); err != nil {
				w.logger.WarnContext(ctx, "failed to handle user.github_linked",
					"module", "events.consumer_worker",
					"layer", "adapter",
					"operation", "handle_github_linked",
					"outcome", "failure",
					"error", err,
				)
			}
		default:
			w.logger.DebugContext(ctx, "ignoring message", "topic", msg.Topic)
		}
	}
	return nil
}
