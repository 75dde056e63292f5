// Package breaker implements a per-source circuit breaker with
// exponential, jittered backoff and half-open probing. It stops the
// scheduler from hammering a consistently failing source and resumes
// cautiously once the source might be healthy again.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/refreshd/refreshd/internal/backoff"
)

// ErrCircuitOpen is returned by Execute when the circuit rejects the
// attempt without invoking the operation.
var ErrCircuitOpen = errors.New("circuit open")

// State is the circuit state.
type State int

const (
	// StateClosed is normal operation; attempts flow through.
	StateClosed State = iota
	// StateOpen rejects attempts until the backoff window has elapsed.
	StateOpen
	// StateHalfOpen allows a single probe to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the breaker tuning knobs. All values have working defaults.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit from CLOSED.
	FailureThreshold int
	// BaseTimeout is the backoff for the first opening.
	BaseTimeout time.Duration
	// MaxTimeout bounds the backoff regardless of opening level.
	MaxTimeout time.Duration
	// Multiplier is the exponential growth factor per opening level.
	Multiplier float64
	// TimeoutJitter is the random perturbation fraction applied to each
	// computed timeout (0.25 means +/-25%).
	TimeoutJitter float64
	// HealthyGap is the minimum time since the last success after which a
	// recovery halves the opening counter instead of clearing it.
	HealthyGap time.Duration
	// HistorySize bounds the retained backoff computations.
	HistorySize int
}

// DefaultConfig returns the default breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 4,
		BaseTimeout:      30 * time.Second,
		MaxTimeout:       10 * time.Minute,
		Multiplier:       2.0,
		TimeoutJitter:    0.25,
		HealthyGap:       5 * time.Minute,
		HistorySize:      10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = d.BaseTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	if c.TimeoutJitter < 0 {
		c.TimeoutJitter = 0
	}
	if c.HealthyGap <= 0 {
		c.HealthyGap = d.HealthyGap
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

// BackoffRecord is one backoff computation, retained for diagnostics.
type BackoffRecord struct {
	At      time.Time
	Level   int
	Timeout time.Duration
}

// Status is a snapshot of the breaker for display and diagnostics.
type Status struct {
	State            State
	FailureCount     int
	OpeningLevel     int
	NextAttempt      time.Time
	UntilNextAttempt time.Duration
	ResetTimeout     time.Duration
	History          []BackoffRecord
}

// Breaker is the circuit breaker for a single source. A zero Breaker is
// not usable; construct with New.
type Breaker struct {
	cfg    Config
	policy backoff.RetryPolicy
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	openingLevel    int
	probing         bool
	nextAttemptTime time.Time
	resetTimeout    time.Duration
	lastSuccess     time.Time
	history         []BackoffRecord
}

// New creates a CLOSED breaker. The now function supplies current time;
// pass the clock service's Now so anomaly reconciliation applies here too.
func New(cfg Config, now func() time.Time) *Breaker {
	cfg = cfg.withDefaults()
	if now == nil {
		now = time.Now
	}
	base := &backoff.ExponentialBackoffPolicy{
		InitialInterval: cfg.BaseTimeout,
		BackoffFactor:   cfg.Multiplier,
		MaxInterval:     cfg.MaxTimeout,
	}
	return &Breaker{
		cfg:    cfg,
		policy: backoff.WithJitter(base, backoff.RangeJitter(cfg.TimeoutJitter)),
		now:    now,
		state:  StateClosed,
	}
}

// CanAttempt reports whether an attempt may proceed and performs the
// OPEN -> HALF_OPEN transition once the backoff window has elapsed. In
// HALF_OPEN only the first caller (the probe) is admitted.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canAttemptLocked()
}

func (b *Breaker) canAttemptLocked() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(b.nextAttemptTime) {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the circuit. After a long unhealthy stretch the
// opening counter is halved instead of cleared, so a flaky source's
// history decays rather than vanishing.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !b.lastSuccess.IsZero() && now.Sub(b.lastSuccess) > b.cfg.HealthyGap {
		b.openingLevel /= 2
	} else {
		b.openingLevel = 0
	}

	b.state = StateClosed
	b.failureCount = 0
	b.probing = false
	b.resetTimeout = 0
	b.nextAttemptTime = time.Time{}
	b.lastSuccess = now
}

// RecordFailure counts a failure. The circuit opens when the threshold is
// reached, or immediately on any HALF_OPEN failure; the cumulative
// backoff level is preserved across re-openings.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	b.failureCount++

	if b.state == StateHalfOpen || (b.state == StateClosed && b.failureCount >= b.cfg.FailureThreshold) {
		b.openLocked()
	}
}

// ReleaseProbe frees the HALF_OPEN probe slot without recording an
// outcome. Called when an admitted attempt resolves with no verdict on
// source health: it was skipped, canceled, or failed on transport.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

// openLocked transitions to OPEN and computes the next backoff window.
func (b *Breaker) openLocked() {
	timeout, err := b.policy.ComputeNextInterval(b.openingLevel, 0, nil)
	if err != nil {
		timeout = b.cfg.MaxTimeout
	}
	// Jitter can push the computed value past the cap or under the base;
	// the configured bounds win.
	if timeout > b.cfg.MaxTimeout {
		timeout = b.cfg.MaxTimeout
	}
	if timeout < b.cfg.BaseTimeout {
		timeout = b.cfg.BaseTimeout
	}

	now := b.now()
	b.state = StateOpen
	b.resetTimeout = timeout
	b.nextAttemptTime = now.Add(timeout)

	b.history = append(b.history, BackoffRecord{At: now, Level: b.openingLevel, Timeout: timeout})
	if len(b.history) > b.cfg.HistorySize {
		b.history = b.history[len(b.history)-b.cfg.HistorySize:]
	}

	b.openingLevel++
}

// ExecuteOptions alters Execute behavior.
type ExecuteOptions struct {
	// Bypass forces execution even while the circuit is OPEN. Success
	// resets the circuit; failure is recorded once, normally.
	Bypass bool
}

// Execute gates fn through the breaker. When the circuit rejects the
// attempt, fn is not invoked and ErrCircuitOpen is returned.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error, opts ExecuteOptions) error {
	if !b.CanAttempt() && !opts.Bypass {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state, applying the OPEN -> HALF_OPEN
// transition if the backoff window has elapsed, so readers and CanAttempt
// observe consistent states.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.nextAttemptTime) {
		b.state = StateHalfOpen
	}
	return b.state
}

// FailureCount returns the consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// BackoffRemaining returns how long until the next attempt is admitted,
// or zero if attempts are currently admitted.
func (b *Breaker) BackoffRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.nextAttemptTime.Sub(b.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Status returns a diagnostic snapshot including the bounded history of
// backoff computations.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	history := make([]BackoffRecord, len(b.history))
	copy(history, b.history)

	var until time.Duration
	if b.state == StateOpen {
		until = b.nextAttemptTime.Sub(b.now())
		if until < 0 {
			until = 0
		}
	}

	return Status{
		State:            b.state,
		FailureCount:     b.failureCount,
		OpeningLevel:     b.openingLevel,
		NextAttempt:      b.nextAttemptTime,
		UntilNextAttempt: until,
		ResetTimeout:     b.resetTimeout,
		History:          history,
	}
}
