package notify

import (
	"context"
	"time"

	"github.com/slack-go/slack"
)

// Delivery describes the webhook response for one message.
type Delivery struct {
	StatusCode int
	Body       string
	Duration   time.Duration
	DryRun     bool
}

// Notifier delivers one rendered message to an external system.
type Notifier interface {
	Notify(ctx context.Context, message slack.WebhookMessage) (Delivery, error)
}
