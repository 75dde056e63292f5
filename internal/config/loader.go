package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/refreshd/refreshd/internal/breaker"
	"github.com/refreshd/refreshd/internal/clock"
	"github.com/refreshd/refreshd/internal/coordinator"
	"github.com/refreshd/refreshd/internal/scheduler"
)

const envPrefix = "REFRESHD"

// Loader reads and merges configuration from the config file and
// REFRESHD_* environment variables on top of built-in defaults.
type Loader struct {
	v          *viper.Viper
	configFile string
	homeDir    string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigFile sets an explicit configuration file path.
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) {
		l.configFile = path
	}
}

// WithHomeDir overrides the default REFRESHD_HOME resolution.
func WithHomeDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.homeDir = dir
	}
}

// Load resolves the daemon configuration.
func Load(opts ...LoaderOption) (*Config, error) {
	l := &Loader{v: viper.New()}
	for _, opt := range opts {
		opt(l)
	}
	return l.load()
}

func (l *Loader) load() (*Config, error) {
	home := l.resolveHome()

	l.v.SetEnvPrefix(envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	l.setDefaults(home)

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.configFile, err)
		}
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(home)
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := l.build()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveHome returns the daemon home directory, creating nothing. The
// precedence is the explicit option, then REFRESHD_HOME, then
// ~/.config/refreshd.
func (l *Loader) resolveHome() string {
	if l.homeDir != "" {
		return l.homeDir
	}
	if dir := os.Getenv(envPrefix + "_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".refreshd"
	}
	return filepath.Join(home, ".config", "refreshd")
}

func (l *Loader) setDefaults(home string) {
	l.v.SetDefault("sourcesFile", filepath.Join(home, "sources.yaml"))

	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "text")
	l.v.SetDefault("log.quiet", false)

	l.v.SetDefault("fetch.timeout", 30*time.Second)
	l.v.SetDefault("fetch.retryCount", 0)
	l.v.SetDefault("fetch.userAgent", "refreshd")

	l.v.SetDefault("probe.enabled", false)
	l.v.SetDefault("probe.url", "https://www.gstatic.com/generate_204")
	l.v.SetDefault("probe.interval", 30*time.Second)
	l.v.SetDefault("probe.timeout", 5*time.Second)

	l.v.SetDefault("metrics.enabled", false)
	l.v.SetDefault("metrics.addr", ":9090")

	l.v.SetDefault("clock.checkInterval", time.Second)
	l.v.SetDefault("clock.jumpThreshold", 5*time.Second)
	l.v.SetDefault("clock.driftThreshold", 100*time.Millisecond)
	l.v.SetDefault("clock.wakeThreshold", 5*time.Minute)

	l.v.SetDefault("breaker.failureThreshold", 4)
	l.v.SetDefault("breaker.baseTimeout", 30*time.Second)
	l.v.SetDefault("breaker.maxTimeout", 10*time.Minute)
	l.v.SetDefault("breaker.healthyGap", 5*time.Minute)

	l.v.SetDefault("scheduler.minInterval", 10*time.Second)
	l.v.SetDefault("scheduler.maxInterval", 24*time.Hour)
	l.v.SetDefault("scheduler.maxConsecutiveFailures", 10)
	l.v.SetDefault("scheduler.offlineDebounce", 2*time.Second)
	l.v.SetDefault("scheduler.sweepInterval", 30*time.Second)
	l.v.SetDefault("scheduler.sweepBuffer", time.Minute)

	l.v.SetDefault("coordinator.maxConcurrent", 10)
	l.v.SetDefault("coordinator.maxQueueSize", 100)
	l.v.SetDefault("coordinator.defaultTimeout", 30*time.Second)

	l.v.SetDefault("shutdownGrace", 5*time.Second)
}

func (l *Loader) build() *Config {
	clk := clock.DefaultConfig()
	clk.CheckInterval = l.v.GetDuration("clock.checkInterval")
	clk.JumpThreshold = l.v.GetDuration("clock.jumpThreshold")
	clk.DriftThreshold = l.v.GetDuration("clock.driftThreshold")
	clk.WakeThreshold = l.v.GetDuration("clock.wakeThreshold")

	brk := breaker.DefaultConfig()
	brk.FailureThreshold = l.v.GetInt("breaker.failureThreshold")
	brk.BaseTimeout = l.v.GetDuration("breaker.baseTimeout")
	brk.MaxTimeout = l.v.GetDuration("breaker.maxTimeout")
	brk.HealthyGap = l.v.GetDuration("breaker.healthyGap")

	sch := scheduler.DefaultConfig()
	sch.MinInterval = l.v.GetDuration("scheduler.minInterval")
	sch.MaxInterval = l.v.GetDuration("scheduler.maxInterval")
	sch.MaxConsecutiveFailures = l.v.GetInt("scheduler.maxConsecutiveFailures")
	sch.OfflineDebounce = l.v.GetDuration("scheduler.offlineDebounce")
	sch.SweepInterval = l.v.GetDuration("scheduler.sweepInterval")
	sch.SweepBuffer = l.v.GetDuration("scheduler.sweepBuffer")

	coord := coordinator.DefaultConfig()
	coord.MaxConcurrent = l.v.GetInt64("coordinator.maxConcurrent")
	coord.MaxQueueSize = l.v.GetInt("coordinator.maxQueueSize")
	coord.DefaultTimeout = l.v.GetDuration("coordinator.defaultTimeout")

	return &Config{
		SourcesFile: l.v.GetString("sourcesFile"),
		Log: Log{
			Level:  strings.ToLower(l.v.GetString("log.level")),
			Format: strings.ToLower(l.v.GetString("log.format")),
			Quiet:  l.v.GetBool("log.quiet"),
		},
		Fetch: Fetch{
			Timeout:    l.v.GetDuration("fetch.timeout"),
			RetryCount: l.v.GetInt("fetch.retryCount"),
			UserAgent:  l.v.GetString("fetch.userAgent"),
		},
		Probe: Probe{
			Enabled:  l.v.GetBool("probe.enabled"),
			URL:      l.v.GetString("probe.url"),
			Interval: l.v.GetDuration("probe.interval"),
			Timeout:  l.v.GetDuration("probe.timeout"),
		},
		Metrics: Metrics{
			Enabled: l.v.GetBool("metrics.enabled"),
			Addr:    l.v.GetString("metrics.addr"),
		},
		Clock:         clk,
		Breaker:       brk,
		Scheduler:     sch,
		Coordinator:   coord,
		ShutdownGrace: l.v.GetDuration("shutdownGrace"),
	}
}
