// Package config loads and validates the daemon configuration from the
// config file, environment variables, and built-in defaults.
package config

import (
	"fmt"
	"time"

	"github.com/refreshd/refreshd/internal/breaker"
	"github.com/refreshd/refreshd/internal/clock"
	"github.com/refreshd/refreshd/internal/coordinator"
	"github.com/refreshd/refreshd/internal/manager"
	"github.com/refreshd/refreshd/internal/scheduler"
)

// Config holds the resolved daemon configuration.
type Config struct {
	// SourcesFile is the YAML file declaring the refresh sources. It is
	// watched for changes while the daemon runs.
	SourcesFile string

	Log     Log
	Fetch   Fetch
	Probe   Probe
	Metrics Metrics

	Clock       clock.Config
	Breaker     breaker.Config
	Scheduler   scheduler.Config
	Coordinator coordinator.Config

	// ShutdownGrace bounds the wait for in-flight refreshes at teardown.
	ShutdownGrace time.Duration
}

// Log configures logging output.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "text" or "json".
	Format string
	Quiet  bool
}

// Fetch configures the built-in HTTP fetcher.
type Fetch struct {
	// Timeout bounds a single fetch attempt, including redirects.
	Timeout time.Duration
	// RetryCount is the number of transport-level retries per attempt.
	RetryCount int
	UserAgent  string
}

// Probe configures the connectivity probe that feeds network state into
// the scheduler.
type Probe struct {
	Enabled  bool
	URL      string
	Interval time.Duration
	Timeout  time.Duration
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool
	// Addr is the listen address, e.g. ":9090".
	Addr string
}

// ManagerConfig assembles the per-component configuration consumed by
// the refresh manager.
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		Clock:         c.Clock,
		Breaker:       c.Breaker,
		Scheduler:     c.Scheduler,
		Coordinator:   c.Coordinator,
		ShutdownGrace: c.ShutdownGrace,
	}
}

// Validate checks cross-field constraints the loader cannot express as
// simple defaults.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if c.Scheduler.MinInterval >= c.Scheduler.MaxInterval {
		return fmt.Errorf("scheduler: minInterval %s must be below maxInterval %s",
			c.Scheduler.MinInterval, c.Scheduler.MaxInterval)
	}
	if c.Coordinator.MaxConcurrent < 1 {
		return fmt.Errorf("coordinator: maxConcurrent must be at least 1")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics: addr must be set when metrics are enabled")
	}
	if c.Probe.Enabled && c.Probe.URL == "" {
		return fmt.Errorf("probe: url must be set when the probe is enabled")
	}
	return nil
}
