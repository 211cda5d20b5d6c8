package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// SlackNotifier posts messages to a Slack incoming webhook.
type SlackNotifier struct {
	logger     zerolog.Logger
	webhookURL string
	timeout    time.Duration
	poster     *httpPoster
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackTimeout overrides the per-request timeout.
func WithSlackTimeout(timeout time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.timeout = timeout
	}
}

// NewSlackNotifier creates a Slack notifier or a noop notifier when the webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	notifier := &SlackNotifier{
		logger:     logger,
		webhookURL: webhookURL,
		timeout:    defaultTimeout,
	}

	for _, opt := range opts {
		opt(notifier)
	}

	notifier.poster = newHTTPPoster(logger, "slack", webhookURL, "application/json", notifier.timeout)

	return notifier
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, message slack.WebhookMessage) (Delivery, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return Delivery{}, fmt.Errorf("marshal slack payload: %w", err)
	}

	delivery, err := n.poster.postOnce(ctx, payload)
	if err != nil {
		return delivery, err
	}

	n.logger.Debug().
		Int("status", delivery.StatusCode).
		Int("bytes", len(payload)).
		Dur("duration", delivery.Duration).
		Msg("slack notification sent")

	return delivery, nil
}
