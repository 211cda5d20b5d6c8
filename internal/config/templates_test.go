package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemplates(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	return path
}

func TestLoadTemplateOverrides_Valid(t *testing.T) {
	path := writeTemplates(t, `states:
  running:
    title: "Instance up"
    subtitle: "Billing has started."
  Terminated:
    subtitle: "Gone for good."
  rebooting:
    title: "Instance rebooting"
`)

	overrides, err := LoadTemplateOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(overrides) != 3 {
		t.Fatalf("expected 3 overrides, got %d", len(overrides))
	}
	if overrides["running"].Title != "Instance up" {
		t.Fatalf("unexpected running override: %+v", overrides["running"])
	}
	if overrides["terminated"].Subtitle != "Gone for good." {
		t.Fatalf("expected lower-cased key, got %+v", overrides)
	}
	if overrides["rebooting"].Subtitle != "" {
		t.Fatalf("expected empty subtitle for rebooting, got %+v", overrides["rebooting"])
	}
}

func TestLoadTemplateOverrides_EmptyPath(t *testing.T) {
	overrides, err := LoadTemplateOverrides("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overrides != nil {
		t.Fatalf("expected nil for empty path, got %+v", overrides)
	}
}

func TestLoadTemplateOverrides_Errors(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "no states", body: "states: {}\n", wantErr: "no states"},
		{name: "invalid yaml", body: "states: [\n", wantErr: "parse templates file"},
		{name: "empty override", body: "states:\n  running: {}\n", wantErr: "title or subtitle is required"},
		{name: "duplicate after normalising", body: "states:\n  running: {title: a}\n  RUNNING: {title: b}\n", wantErr: "duplicate"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadTemplateOverrides(writeTemplates(t, tc.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadTemplateOverrides_FileNotFound(t *testing.T) {
	if _, err := LoadTemplateOverrides("/nonexistent/templates.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
