package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/nholik/ec2-state-notifier/internal/config"
	"github.com/nholik/ec2-state-notifier/internal/enrich"
	"github.com/nholik/ec2-state-notifier/internal/handler"
	"github.com/nholik/ec2-state-notifier/internal/healthcheck"
	"github.com/nholik/ec2-state-notifier/internal/logging"
	"github.com/nholik/ec2-state-notifier/internal/message"
	"github.com/nholik/ec2-state-notifier/internal/metrics"
	"github.com/nholik/ec2-state-notifier/internal/notify"
	"github.com/nholik/ec2-state-notifier/internal/server"
	"github.com/rs/zerolog"
)

// Set by the Lambda runtime in every function container.
const lambdaRuntimeEnv = "AWS_LAMBDA_RUNTIME_API"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New()
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.NewWithLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := healthcheck.NewTracker()
	metricsCollector := metrics.New()

	h, err := buildHandler(ctx, cfg, logger, tracker, metricsCollector)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	if _, ok := os.LookupEnv(lambdaRuntimeEnv); ok {
		logger.Info().Bool("dry_run", cfg.DryRun).Bool("enrich", cfg.Enrich).Msg("ec2-state-notifier starting in lambda")
		lambda.StartWithOptions(h.Handle, lambda.WithContext(ctx))
		return
	}

	if cfg.LocalPort == 0 {
		logger.Fatal().Msg("not running in lambda; set SN_LOCAL_PORT to serve events over http")
	}

	router := server.NewRouter(logger, h, tracker, metricsCollector, healthcheck.DefaultFailureThreshold)
	if err := server.Run(ctx, logger, cfg.LocalPort, router, tracker); err != nil {
		logger.Fatal().Err(err).Msg("local server failed")
	}
}

func buildHandler(ctx context.Context, cfg config.Config, logger zerolog.Logger, tracker *healthcheck.Tracker, metricsCollector *metrics.Metrics) (*handler.Handler, error) {
	overrides, err := config.LoadTemplateOverrides(cfg.TemplatesFile)
	if err != nil {
		return nil, err
	}

	builder := message.NewBuilder(message.Options{
		Style:     cfg.MessageStyle,
		Location:  cfg.Location(),
		Overrides: messageOverrides(overrides),
	})

	var notifier notify.Notifier = notify.NewSlackNotifier(logger, cfg.SlackWebhookURL, notify.WithSlackTimeout(cfg.HTTPTimeout))
	if cfg.DryRun {
		notifier = notify.NewDryRunNotifier(logger, notifier)
	}

	opts := []handler.Option{
		handler.WithTracker(tracker),
		handler.WithMetrics(metricsCollector),
		handler.WithDefaultRegion(cfg.Region),
		handler.WithAccountID(cfg.AccountID),
	}

	if cfg.Enrich {
		enricher, err := buildEnricher(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, handler.WithEnricher(enricher), handler.WithEnrichTimeout(cfg.EnrichTimeout))
	}

	return handler.New(logger, notifier, builder, opts...), nil
}

func buildEnricher(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*enrich.Enricher, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	logger.Info().Str("region", awsCfg.Region).Msg("enrichment enabled")

	return enrich.New(
		logger,
		ec2.NewFromConfig(awsCfg),
		cloudtrail.NewFromConfig(awsCfg),
		enrich.WithLookback(cfg.CloudTrailLookback),
	), nil
}

func messageOverrides(overrides map[string]config.TemplateOverride) map[string]message.Override {
	if len(overrides) == 0 {
		return nil
	}
	out := make(map[string]message.Override, len(overrides))
	for state, override := range overrides {
		out[state] = message.Override{Title: override.Title, Subtitle: override.Subtitle}
	}
	return out
}
