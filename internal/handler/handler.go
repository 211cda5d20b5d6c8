package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/nholik/ec2-state-notifier/internal/ec2event"
	"github.com/nholik/ec2-state-notifier/internal/enrich"
	"github.com/nholik/ec2-state-notifier/internal/healthcheck"
	"github.com/nholik/ec2-state-notifier/internal/message"
	"github.com/nholik/ec2-state-notifier/internal/metrics"
	"github.com/nholik/ec2-state-notifier/internal/notify"
	"github.com/rs/zerolog"
)

const (
	defaultEnrichTimeout = 3 * time.Second
	// Enrichment gets at most 1/enrichDeadlineShare of the time left before the deadline.
	enrichDeadlineShare = 2
)

// DeliveryResult is returned to the Lambda runtime and to local-mode callers.
type DeliveryResult struct {
	Delivered  bool   `json:"delivered"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	State      string `json:"state,omitempty"`
	Recognized bool   `json:"recognized"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

// Enricher supplies optional instance and actor details for an event.
type Enricher interface {
	Lookup(ctx context.Context, event ec2event.StateChangeEvent) (enrich.Result, error)
}

// Handler turns state-change events into webhook deliveries.
type Handler struct {
	logger    zerolog.Logger
	notifier  notify.Notifier
	builder   *message.Builder
	enricher  Enricher
	enrichTTL time.Duration
	metrics   *metrics.Metrics
	tracker   *healthcheck.Tracker
	region    string
	accountID string
	now       func() time.Time
}

// Option customizes Handler behavior.
type Option func(*Handler)

// WithEnricher enables best-effort enrichment.
func WithEnricher(enricher Enricher) Option {
	return func(h *Handler) {
		h.enricher = enricher
	}
}

// WithEnrichTimeout caps the time spent on enrichment before delivery.
func WithEnrichTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.enrichTTL = timeout
		}
	}
}

// WithMetrics records invocation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithTracker records invocation outcomes for health endpoints.
func WithTracker(tracker *healthcheck.Tracker) Option {
	return func(h *Handler) {
		h.tracker = tracker
	}
}

// WithDefaultRegion sets the region used when an event carries none.
func WithDefaultRegion(region string) Option {
	return func(h *Handler) {
		h.region = region
	}
}

// WithAccountID sets the expected account; events from other accounts are logged.
func WithAccountID(accountID string) Option {
	return func(h *Handler) {
		h.accountID = accountID
	}
}

// New constructs a Handler. A nil builder uses the detailed style in UTC.
func New(logger zerolog.Logger, notifier notify.Notifier, builder *message.Builder, opts ...Option) *Handler {
	if builder == nil {
		builder = message.NewBuilder(message.Options{})
	}
	h := &Handler{
		logger:    logger,
		notifier:  notifier,
		builder:   builder,
		enrichTTL: defaultEnrichTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one EventBridge envelope. It is the Lambda entry point.
func (h *Handler) Handle(ctx context.Context, envelope events.CloudWatchEvent) (DeliveryResult, error) {
	event, err := ec2event.FromEnvelope(envelope)
	return h.process(ctx, event, err)
}

// HandleJSON processes a raw EventBridge payload.
func (h *Handler) HandleJSON(ctx context.Context, data []byte) (DeliveryResult, error) {
	event, err := ec2event.Parse(data)
	return h.process(ctx, event, err)
}

func (h *Handler) process(ctx context.Context, event ec2event.StateChangeEvent, parseErr error) (result DeliveryResult, err error) {
	started := h.now()
	logger := h.logger.With().Str("aws_request_id", RequestID(ctx)).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("event handling panicked")
			err = fmt.Errorf("handle event: panic: %v", r)
		}
		elapsed := h.now().Sub(started)
		var malformed *ec2event.MalformedError
		if errors.As(err, &malformed) {
			h.tracker.RecordRejection(elapsed)
			return
		}
		h.tracker.RecordInvocation(elapsed, err)
	}()

	result = DeliveryResult{InstanceID: event.InstanceID, State: string(event.State)}

	if parseErr != nil {
		h.metrics.IncMalformed()
		logger.Warn().Err(parseErr).Str("event_id", event.ID).Msg("rejecting malformed event")
		return result, fmt.Errorf("parse event: %w", parseErr)
	}

	logger = logger.With().
		Str("instance_id", event.InstanceID).
		Str("state", string(event.State)).
		Logger()

	if event.Region == "" {
		event.Region = h.region
	}
	if !event.FromKnownSource() {
		logger.Warn().
			Str("source", event.Source).
			Str("detail_type", event.DetailType).
			Msg("event is not an EC2 state-change notification; processing anyway")
	}
	if h.accountID != "" && event.Account != "" && event.Account != h.accountID {
		logger.Warn().
			Str("account", event.Account).
			Str("expected_account", h.accountID).
			Msg("event from unexpected account")
	}

	result.Recognized = event.State.Recognized()
	h.metrics.IncEvents(string(event.State), result.Recognized)
	if !result.Recognized {
		logger.Warn().Msg("unrecognized instance state; sending fallback message")
	}

	details := h.enrich(ctx, logger, event)
	msg := h.builder.Build(event, details)

	delivery, err := h.notifier.Notify(ctx, msg)
	result.StatusCode = delivery.StatusCode
	result.Body = delivery.Body
	result.DryRun = delivery.DryRun
	if err != nil {
		h.metrics.ObserveDelivery(metrics.OutcomeFailed, delivery.Duration, h.now())
		entry := logger.Error().Err(err)
		var deliveryErr *notify.DeliveryError
		if errors.As(err, &deliveryErr) {
			entry = entry.Int("status", deliveryErr.StatusCode)
		}
		entry.Msg("notification delivery failed")
		return result, fmt.Errorf("deliver notification for %s: %w", result.InstanceID, err)
	}

	if delivery.DryRun {
		h.metrics.ObserveDelivery(metrics.OutcomeDryRun, delivery.Duration, h.now())
		return result, nil
	}

	result.Delivered = true
	h.metrics.ObserveDelivery(metrics.OutcomeDelivered, delivery.Duration, h.now())
	logger.Info().
		Int("status", delivery.StatusCode).
		Dur("duration", delivery.Duration).
		Msg("notification delivered")
	return result, nil
}

func (h *Handler) enrich(ctx context.Context, logger zerolog.Logger, event ec2event.StateChangeEvent) enrich.Result {
	if h.enricher == nil {
		return enrich.Result{}
	}
	enrichCtx, cancel := context.WithTimeout(ctx, h.enrichBudget(ctx))
	defer cancel()

	details, err := h.enricher.Lookup(enrichCtx, event)
	if err != nil {
		sources := enrich.FailedSources(err)
		for _, source := range sources {
			h.metrics.IncEnrichmentErrors(source)
		}
		logger.Warn().Err(err).Strs("sources", sources).Msg("enrichment incomplete")
	}
	return details
}

// enrichBudget leaves at least half of the remaining invocation time for delivery.
func (h *Handler) enrichBudget(ctx context.Context) time.Duration {
	budget := h.enrichTTL
	if deadline, ok := ctx.Deadline(); ok {
		if share := deadline.Sub(h.now()) / enrichDeadlineShare; share < budget {
			budget = share
		}
	}
	return budget
}

type requestIDKey struct{}

// WithRequestID attaches an invocation id for callers outside the Lambda runtime.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the Lambda request id or one set by WithRequestID.
func RequestID(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
