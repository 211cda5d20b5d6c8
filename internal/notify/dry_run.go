package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// DryRunNotifier logs messages without sending notifications.
type DryRunNotifier struct {
	logger zerolog.Logger
	inner  Notifier
}

// NewDryRunNotifier returns a notifier that suppresses delivery and logs instead.
func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	return &DryRunNotifier{logger: logger, inner: inner}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, message slack.WebhookMessage) (Delivery, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return Delivery{}, fmt.Errorf("marshal slack payload: %w", err)
	}
	n.logger.Info().
		Str("text", message.Text).
		RawJSON("payload", payload).
		Msg("[DRY-RUN] Would notify")
	return Delivery{DryRun: true}, nil
}
