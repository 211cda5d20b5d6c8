package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TemplateOverride replaces the title and/or subtitle rendered for one instance state.
type TemplateOverride struct {
	Title    string `yaml:"title,omitempty"`
	Subtitle string `yaml:"subtitle,omitempty"`
}

// TemplatesFile is the parsed YAML structure for message overrides:
// states: {running: {title, subtitle}, ...}
type TemplatesFile struct {
	States map[string]TemplateOverride `yaml:"states"`
}

// LoadTemplateOverrides parses a YAML overrides file from the given path.
// Returns nil if path is empty (no overrides). State keys are lower-cased.
func LoadTemplateOverrides(path string) (map[string]TemplateOverride, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates file: %w", err)
	}

	var tf TemplatesFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse templates file: %w", err)
	}

	return normalizeOverrides(tf.States)
}

func normalizeOverrides(states map[string]TemplateOverride) (map[string]TemplateOverride, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("templates file contains no states")
	}

	keys := make([]string, 0, len(states))
	for key := range states {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(map[string]TemplateOverride, len(states))
	for _, key := range keys {
		override := states[key]
		state := strings.ToLower(strings.TrimSpace(key))
		if state == "" {
			return nil, fmt.Errorf("templates file: state name is required")
		}
		if _, dup := out[state]; dup {
			return nil, fmt.Errorf("state %q: duplicate entry", state)
		}
		override.Title = strings.TrimSpace(override.Title)
		override.Subtitle = strings.TrimSpace(override.Subtitle)
		if override.Title == "" && override.Subtitle == "" {
			return nil, fmt.Errorf("state %q: title or subtitle is required", state)
		}
		out[state] = override
	}
	return out, nil
}
