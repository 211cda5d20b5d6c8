package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

const (
	envSlackWebhookURL    = "SN_SLACK_WEBHOOK_URL"
	envAccountID          = "SN_AWS_ACCOUNT_ID"
	envRegion             = "SN_AWS_REGION"
	envLogLevel           = "SN_LOG_LEVEL"
	envDryRun             = "SN_DRY_RUN"
	envHTTPTimeout        = "SN_HTTP_TIMEOUT"
	envMessageStyle       = "SN_MESSAGE_STYLE"
	envDisplayTimezone    = "SN_DISPLAY_TIMEZONE"
	envTemplatesFile      = "SN_TEMPLATES_FILE"
	envEnrich             = "SN_ENRICH"
	envCloudTrailLookback = "SN_CLOUDTRAIL_LOOKBACK"
	envEnrichTimeout      = "SN_ENRICH_TIMEOUT"
	envLocalPort          = "SN_LOCAL_PORT"

	// Unprefixed names kept for existing deployments; AWS_REGION is set by the Lambda runtime.
	envLegacySlackWebhookURL = "SLACK_WEBHOOK_URL"
	envLegacyAccountID       = "AWS_ACCOUNT_ID"
	envLambdaRegion          = "AWS_REGION"
)

// Message styles.
const (
	StyleDetailed = "detailed"
	StyleCompact  = "compact"
)

const (
	defaultLogLevel           = "info"
	defaultHTTPTimeout        = 10 * time.Second
	defaultMessageStyle       = StyleDetailed
	defaultDisplayTimezone    = "UTC"
	defaultCloudTrailLookback = 7 * 24 * time.Hour
	defaultEnrichTimeout      = 3 * time.Second
)

// Config describes runtime configuration loaded from the environment at cold start.
type Config struct {
	SlackWebhookURL    string
	AccountID          string
	Region             string
	LogLevel           string
	DryRun             bool
	HTTPTimeout        time.Duration
	MessageStyle       string
	DisplayTimezone    string
	TemplatesFile      string
	Enrich             bool
	CloudTrailLookback time.Duration
	EnrichTimeout      time.Duration
	LocalPort          int
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		LogLevel:           defaultLogLevel,
		HTTPTimeout:        defaultHTTPTimeout,
		MessageStyle:       defaultMessageStyle,
		DisplayTimezone:    defaultDisplayTimezone,
		CloudTrailLookback: defaultCloudTrailLookback,
		EnrichTimeout:      defaultEnrichTimeout,
	}

	if value, ok := lookupFirst(envSlackWebhookURL, envLegacySlackWebhookURL); ok {
		cfg.SlackWebhookURL = value
	}
	if value, ok := lookupFirst(envAccountID, envLegacyAccountID); ok {
		cfg.AccountID = value
	}
	if value, ok := lookupFirst(envRegion, envLambdaRegion); ok {
		cfg.Region = value
	}
	if value, ok := lookupTrimmed(envLogLevel); ok && value != "" {
		cfg.LogLevel = value
	}

	if value, ok := lookupTrimmed(envDryRun); ok && value != "" {
		dryRun, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envDryRun, err)
		}
		cfg.DryRun = dryRun
	}

	if value, ok := lookupTrimmed(envHTTPTimeout); ok && value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envHTTPTimeout, err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than zero", envHTTPTimeout)
		}
		cfg.HTTPTimeout = timeout
	}

	if value, ok := lookupTrimmed(envMessageStyle); ok && value != "" {
		style := strings.ToLower(value)
		if style != StyleDetailed && style != StyleCompact {
			return Config{}, fmt.Errorf("invalid %s: %q (want %s or %s)", envMessageStyle, value, StyleDetailed, StyleCompact)
		}
		cfg.MessageStyle = style
	}

	if value, ok := lookupTrimmed(envDisplayTimezone); ok && value != "" {
		if _, err := time.LoadLocation(value); err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envDisplayTimezone, err)
		}
		cfg.DisplayTimezone = value
	}

	if value, ok := lookupTrimmed(envTemplatesFile); ok {
		cfg.TemplatesFile = value
	}

	if value, ok := lookupTrimmed(envEnrich); ok && value != "" {
		enrich, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envEnrich, err)
		}
		cfg.Enrich = enrich
	}

	if value, ok := lookupTrimmed(envCloudTrailLookback); ok && value != "" {
		lookback, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envCloudTrailLookback, err)
		}
		if lookback <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than zero", envCloudTrailLookback)
		}
		cfg.CloudTrailLookback = lookback
	}

	if value, ok := lookupTrimmed(envEnrichTimeout); ok && value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envEnrichTimeout, err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than zero", envEnrichTimeout)
		}
		cfg.EnrichTimeout = timeout
	}

	if value, ok := lookupTrimmed(envLocalPort); ok && value != "" {
		port, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envLocalPort, err)
		}
		if port < 0 || port > 65535 {
			return Config{}, fmt.Errorf("%s must be between 0 and 65535", envLocalPort)
		}
		cfg.LocalPort = port
	}

	if cfg.SlackWebhookURL == "" && !cfg.DryRun {
		return Config{}, errors.New("SN_SLACK_WEBHOOK_URL is required unless SN_DRY_RUN is set")
	}
	if cfg.SlackWebhookURL != "" {
		if err := validateHTTPURL(cfg.SlackWebhookURL, envSlackWebhookURL); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// Location returns the configured display location, defaulting to UTC.
func (c Config) Location() *time.Location {
	if c.DisplayTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func lookupFirst(keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := lookupTrimmed(key); ok && value != "" {
			return value, true
		}
	}
	return "", false
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateHTTPURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https", name)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include host", name)
	}
	return nil
}
