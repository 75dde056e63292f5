// Package sources loads the source definition file and keeps the
// refresh manager in sync with it while the daemon runs.
package sources

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Definition declares one refresh source.
type Definition struct {
	// ID uniquely names the source.
	ID string `yaml:"id"`
	// Type tags the source kind, e.g. "http".
	Type string `yaml:"type"`
	// URL is fetched by the built-in fetcher for http sources.
	URL string `yaml:"url"`
	// Interval accepts "N second|minute|hour|day", a bare number of
	// minutes, or Go duration syntax.
	Interval string `yaml:"interval"`
	// Cron, when set, supersedes Interval.
	Cron    string `yaml:"cron"`
	Enabled *bool  `yaml:"enabled"`
	// Align snaps fire times to a wall-clock boundary. One of "minute",
	// "hour", "day".
	Align string `yaml:"align"`
}

// IsEnabled defaults to true when the field is omitted.
func (d Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// File is the on-disk layout of the sources file.
type File struct {
	Sources []Definition `yaml:"sources"`
}

// LoadFile reads and validates the sources file.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates sources YAML.
func Parse(data []byte) ([]Definition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Sources))
	for i, d := range f.Sources {
		if d.ID == "" {
			return nil, fmt.Errorf("source %d: id must not be empty", i)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		if d.Interval == "" && d.Cron == "" {
			return nil, fmt.Errorf("source %q: interval or cron is required", d.ID)
		}
		switch d.Align {
		case "", "minute", "hour", "day":
		default:
			return nil, fmt.Errorf("source %q: invalid align %q", d.ID, d.Align)
		}
	}
	return f.Sources, nil
}
