package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testWebhook = "https://hooks.slack.com/services/T00/B00/XXX"

var allEnvKeys = []string{
	envSlackWebhookURL, envAccountID, envRegion, envLogLevel, envDryRun, envHTTPTimeout,
	envMessageStyle, envDisplayTimezone, envTemplatesFile, envEnrich, envCloudTrailLookback,
	envEnrichTimeout, envLocalPort, envLegacySlackWebhookURL, envLegacyAccountID, envLambdaRegion,
}

func defaults() Config {
	return Config{
		LogLevel:           defaultLogLevel,
		HTTPTimeout:        defaultHTTPTimeout,
		MessageStyle:       defaultMessageStyle,
		DisplayTimezone:    defaultDisplayTimezone,
		CloudTrailLookback: defaultCloudTrailLookback,
		EnrichTimeout:      defaultEnrichTimeout,
	}
}

func withDefaults(fn func(*Config)) Config {
	cfg := defaults()
	fn(&cfg)
	return cfg
}

func TestLoad_ValidationAndDefaults(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		want    Config
	}{
		{
			name:    "missing webhook",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "defaults applied",
			env:  map[string]string{envSlackWebhookURL: testWebhook},
			want: withDefaults(func(c *Config) { c.SlackWebhookURL = testWebhook }),
		},
		{
			name: "legacy variable names",
			env: map[string]string{
				envLegacySlackWebhookURL: testWebhook,
				envLegacyAccountID:       "123456789012",
				envLambdaRegion:          "ap-northeast-1",
			},
			want: withDefaults(func(c *Config) {
				c.SlackWebhookURL = testWebhook
				c.AccountID = "123456789012"
				c.Region = "ap-northeast-1"
			}),
		},
		{
			name: "prefixed names win over legacy",
			env: map[string]string{
				envSlackWebhookURL:       testWebhook,
				envLegacySlackWebhookURL: "https://hooks.slack.com/services/legacy",
				envRegion:                "eu-west-1",
				envLambdaRegion:          "us-east-1",
			},
			want: withDefaults(func(c *Config) {
				c.SlackWebhookURL = testWebhook
				c.Region = "eu-west-1"
			}),
		},
		{
			name: "dry run without webhook",
			env:  map[string]string{envDryRun: "true"},
			want: withDefaults(func(c *Config) { c.DryRun = true }),
		},
		{
			name:    "invalid dry run flag",
			env:     map[string]string{envSlackWebhookURL: testWebhook, envDryRun: "maybe"},
			wantErr: true,
		},
		{
			name:    "invalid webhook url missing scheme",
			env:     map[string]string{envSlackWebhookURL: "hooks.slack.com/services/x"},
			wantErr: true,
		},
		{
			name:    "invalid webhook scheme",
			env:     map[string]string{envSlackWebhookURL: "ftp://hooks.slack.com/x"},
			wantErr: true,
		},
		{
			name:    "invalid http timeout",
			env:     map[string]string{envSlackWebhookURL: testWebhook, envHTTPTimeout: "soon"},
			wantErr: true,
		},
		{
			name:    "zero http timeout",
			env:     map[string]string{envSlackWebhookURL: testWebhook, envHTTPTimeout: "0s"},
			wantErr: true,
		},
		{
			name:    "unknown message style",
			env:     map[string]string{envSlackWebhookURL: testWebhook, envMessageStyle: "fancy"},
			wantErr: true,
		},
		{
			name:    "unknown timezone",
			env:     map[string]string{envSlackWebhookURL: testWebhook, envDisplayTimezone: "Mars/Olympus"},
			wantErr: true,
		},
		{
			name:    "negative lookback",
			env:     map[string]string{envSlackWebhookURL: testWebhook, envCloudTrailLookback: "-1h"},
			wantErr: true,
		},
		{
			name:    "zero enrich timeout",
			env:     map[string]string{envSlackWebhookURL: testWebhook, envEnrichTimeout: "0s"},
			wantErr: true,
		},
		{
			name:    "port out of range",
			env:     map[string]string{envSlackWebhookURL: testWebhook, envLocalPort: "70000"},
			wantErr: true,
		},
		{
			name: "all options",
			env: map[string]string{
				envSlackWebhookURL:    testWebhook,
				envAccountID:          "123456789012",
				envRegion:             "ap-east-1",
				envLogLevel:           "debug",
				envHTTPTimeout:        "3s",
				envMessageStyle:       "COMPACT",
				envDisplayTimezone:    "Asia/Taipei",
				envTemplatesFile:      "/etc/notifier/templates.yaml",
				envEnrich:             "1",
				envCloudTrailLookback: "24h",
				envEnrichTimeout:      "1500ms",
				envLocalPort:          "8080",
			},
			want: Config{
				SlackWebhookURL:    testWebhook,
				AccountID:          "123456789012",
				Region:             "ap-east-1",
				LogLevel:           "debug",
				HTTPTimeout:        3 * time.Second,
				MessageStyle:       StyleCompact,
				DisplayTimezone:    "Asia/Taipei",
				TemplatesFile:      "/etc/notifier/templates.yaml",
				Enrich:             true,
				CloudTrailLookback: 24 * time.Hour,
				EnrichTimeout:      1500 * time.Millisecond,
				LocalPort:          8080,
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			restoreDir := mustChdir(t, t.TempDir())
			defer restoreDir()

			clearEnv(t)
			for key, value := range tc.env {
				t.Setenv(key, value)
			}

			got, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got != tc.want {
				t.Fatalf("unexpected config: %+v", got)
			}
		})
	}
}

func TestLoad_DotEnvAndEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	restoreDir := mustChdir(t, tmpDir)
	defer restoreDir()

	clearEnv(t)
	// godotenv only fills unset variables, so drop the placeholders clearEnv set.
	for _, key := range []string{envSlackWebhookURL, envRegion, envMessageStyle} {
		unsetEnv(t, key)
	}

	dotenv := []byte(`
# example .env
SN_SLACK_WEBHOOK_URL=https://hooks.slack.com/services/from-dotenv
SN_AWS_REGION=us-west-2
SN_MESSAGE_STYLE=compact
`)
	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), dotenv, 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv(envRegion, "eu-central-1")

	got, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.SlackWebhookURL != "https://hooks.slack.com/services/from-dotenv" {
		t.Fatalf("webhook url not loaded from .env: %s", got.SlackWebhookURL)
	}
	if got.Region != "eu-central-1" {
		t.Fatalf("region did not prefer env: %s", got.Region)
	}
	if got.MessageStyle != StyleCompact {
		t.Fatalf("message style not loaded from .env: %s", got.MessageStyle)
	}
}

func TestConfigLocation(t *testing.T) {
	if loc := (Config{}).Location(); loc != time.UTC {
		t.Fatalf("expected UTC for empty zone, got %v", loc)
	}
	loc := Config{DisplayTimezone: "Asia/Taipei"}.Location()
	if loc.String() != "Asia/Taipei" {
		t.Fatalf("unexpected location: %v", loc)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvKeys {
		t.Setenv(key, "")
	}
}

// unsetEnv removes key for the duration of the test; t.Setenv registers the restore.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unsetenv %s: %v", key, err)
	}
}

func mustChdir(t *testing.T, dir string) func() {
	t.Helper()
	original, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	return func() {
		if err := os.Chdir(original); err != nil {
			t.Fatalf("restore dir: %v", err)
		}
	}
}
