// Package manager is the thin facade between the host (presentation
// layer, daemon wiring) and the scheduling core. It normalizes host
// input, owns component lifecycles, and exposes read-only status; it
// holds no scheduling logic of its own.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/refreshd/refreshd/internal/breaker"
	"github.com/refreshd/refreshd/internal/clock"
	"github.com/refreshd/refreshd/internal/coordinator"
	"github.com/refreshd/refreshd/internal/logger"
	"github.com/refreshd/refreshd/internal/scheduler"
)

// ErrNotInitialized is returned by operations invoked before Initialize.
var ErrNotInitialized = errors.New("manager not initialized")

// RefreshCallback performs one fetch for a source. The host owns the
// transport; a nil error reports success.
type RefreshCallback func(ctx context.Context, sourceID string, reason scheduler.Reason) error

// RefreshOptions carries the host-facing schedule settings.
type RefreshOptions struct {
	// Interval accepts "N second|minute|hour|day", a bare number of
	// minutes, or Go duration syntax.
	Interval string
	Enabled  bool
	// LastRefresh seeds the schedule when the host persisted it.
	LastRefresh   time.Time
	AlignToMinute bool
	AlignToHour   bool
	AlignToDay    bool
	// Cron, when set, supersedes Interval.
	Cron string
}

// SourceDescriptor registers one source with the manager.
type SourceDescriptor struct {
	SourceID       string
	SourceType     string
	RefreshOptions RefreshOptions
}

// RefreshStatus is the per-source view for display.
type RefreshStatus struct {
	SourceID     string
	Scheduled    bool
	IsRefreshing bool
	IsOverdue    bool
	LastRefresh  time.Time
	NextRefresh  time.Time
	Interval     time.Duration
	FailureCount int
	RetryCount   int
	Breaker      breaker.Status
}

// Statistics is the aggregate view for display.
type Statistics struct {
	Sources      int
	Active       int
	Execution    coordinator.Stats
	NetworkState scheduler.NetworkState
}

// Config aggregates the tuning of every owned component.
type Config struct {
	Clock       clock.Config
	Breaker     breaker.Config
	Scheduler   scheduler.Config
	Coordinator coordinator.Config
	// ShutdownGrace bounds the wait for in-flight refreshes at teardown.
	ShutdownGrace time.Duration
}

// DefaultConfig returns defaults for all components.
func DefaultConfig() Config {
	return Config{
		Clock:         clock.DefaultConfig(),
		Breaker:       breaker.DefaultConfig(),
		Scheduler:     scheduler.DefaultConfig(),
		Coordinator:   coordinator.DefaultConfig(),
		ShutdownGrace: 5 * time.Second,
	}
}

// Manager wires the clock, coordinator, and scheduler together.
type Manager struct {
	cfg   Config
	clk   *clock.Clock
	coord *coordinator.Coordinator
	sched *scheduler.Scheduler

	callback    atomic.Pointer[RefreshCallback]
	initialized atomic.Bool
}

// New creates an uninitialized Manager. No goroutines run until
// Initialize.
func New(cfg Config) *Manager {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	m := &Manager{cfg: cfg}
	m.clk = clock.New(cfg.Clock)
	m.coord = coordinator.New(cfg.Coordinator)
	m.sched = scheduler.New(cfg.Scheduler, m.clk, m.coord, cfg.Breaker, m.dispatch)
	return m
}

// dispatch routes scheduler-driven refreshes to the host callback. A
// refresh completing after teardown or unregistration lands here and is
// reported as canceled.
func (m *Manager) dispatch(ctx context.Context, sourceID string, reason scheduler.Reason) error {
	cb := m.callback.Load()
	if cb == nil {
		return ErrNotInitialized
	}
	return (*cb)(ctx, sourceID, reason)
}

// Initialize stores the refresh callback and starts the clock monitor
// and the scheduler. Must be called exactly once before scheduling.
func (m *Manager) Initialize(ctx context.Context, cb RefreshCallback) error {
	if cb == nil {
		return errors.New("refresh callback must not be nil")
	}
	if !m.initialized.CompareAndSwap(false, true) {
		return errors.New("manager already initialized")
	}
	m.callback.Store(&cb)
	m.clk.Start(ctx)
	m.sched.Start(ctx)
	logger.Info(ctx, "refresh manager initialized")
	return nil
}

// ScheduleSource registers or updates a source. Programmer errors (empty
// identifier) are rejected synchronously; invalid intervals leave the
// source unscheduled without surfacing an error to the host.
func (m *Manager) ScheduleSource(ctx context.Context, d SourceDescriptor) error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	if d.SourceID == "" {
		return errors.New("source id must not be empty")
	}

	desc := scheduler.Descriptor{
		SourceID:    d.SourceID,
		SourceType:  d.SourceType,
		Enabled:     d.RefreshOptions.Enabled,
		LastRefresh: d.RefreshOptions.LastRefresh,
		Align: clock.Alignment{
			ToMinute: d.RefreshOptions.AlignToMinute,
			ToHour:   d.RefreshOptions.AlignToHour,
			ToDay:    d.RefreshOptions.AlignToDay,
		},
		CronExpr: d.RefreshOptions.Cron,
	}

	if desc.CronExpr == "" {
		interval, err := ParseInterval(d.RefreshOptions.Interval)
		if err != nil {
			logger.Warn(ctx, "invalid refresh interval, source left unscheduled",
				"source", d.SourceID, "interval", d.RefreshOptions.Interval, "err", err)
			m.sched.UnscheduleSource(ctx, d.SourceID)
			return nil
		}
		desc.Interval = interval
	}

	if err := m.sched.ScheduleSource(ctx, desc); err != nil {
		if errors.Is(err, scheduler.ErrIntervalOutOfRange) {
			logger.Warn(ctx, "refresh interval out of range, source left unscheduled",
				"source", d.SourceID, "interval", desc.Interval.String())
			return nil
		}
		return fmt.Errorf("schedule source %s: %w", d.SourceID, err)
	}
	return nil
}

// UnscheduleSource removes a source and discards its queued refreshes.
func (m *Manager) UnscheduleSource(ctx context.Context, sourceID string) {
	m.sched.UnscheduleSource(ctx, sourceID)
}

// TriggerRefresh requests an immediate refresh. A no-op when the source
// is already refreshing.
func (m *Manager) TriggerRefresh(ctx context.Context, sourceID string, reason scheduler.Reason) error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	return m.sched.TriggerRefresh(ctx, sourceID, reason)
}

// ManualRefresh runs a user-requested refresh, bypassing the circuit
// breaker gate and queueing behind any in-flight refresh.
func (m *Manager) ManualRefresh(ctx context.Context, sourceID string) error {
	return m.TriggerRefresh(ctx, sourceID, scheduler.ReasonManual)
}

// RefreshAll refreshes every scheduled source in bounded chunks. Results
// flow back through the scheduler so last-refresh times, failure budgets,
// and breakers stay consistent with timer-driven refreshes.
func (m *Manager) RefreshAll(ctx context.Context, reason scheduler.Reason) []coordinator.Result {
	if !m.initialized.Load() {
		return nil
	}
	return m.sched.RefreshAll(ctx, reason)
}

// SetNetworkState pushes a connectivity change from the host.
func (m *Manager) SetNetworkState(ns scheduler.NetworkState) {
	m.sched.SetNetworkState(ns)
}

// GetRefreshStatus returns the display view for one source.
func (m *Manager) GetRefreshStatus(sourceID string) RefreshStatus {
	status := RefreshStatus{SourceID: sourceID}
	s, ok := m.sched.Snapshot(sourceID)
	if !ok {
		return status
	}
	now := m.clk.Now()
	status.Scheduled = true
	status.IsRefreshing = m.coord.IsActive(sourceID)
	status.IsOverdue = s.Overdue(now)
	status.LastRefresh = s.LastRefresh
	status.NextRefresh = s.NextRefresh
	status.Interval = s.Interval
	status.FailureCount = s.FailureCount
	status.RetryCount = s.RetryCount
	if br, ok := m.sched.BreakerStatus(sourceID); ok {
		status.Breaker = br
	}
	return status
}

// GetStatistics returns the aggregate display view.
func (m *Manager) GetStatistics() Statistics {
	return Statistics{
		Sources:      len(m.sched.Sources()),
		Active:       m.coord.ActiveCount(),
		Execution:    m.coord.Stats(),
		NetworkState: m.sched.NetworkState(),
	}
}

// Scheduler exposes the underlying scheduler for status collectors.
func (m *Manager) Scheduler() *scheduler.Scheduler {
	return m.sched
}

// Coordinator exposes the underlying coordinator for status collectors.
func (m *Manager) Coordinator() *coordinator.Coordinator {
	return m.coord
}

// Shutdown tears the core down: stops timers and sweeps, rejects queued
// refreshes, waits (bounded) for in-flight refreshes to settle, then
// stops the clock monitor.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.sched.Stop(ctx)
	m.coord.Close()

	deadline := time.Now().Add(m.cfg.ShutdownGrace)
	for m.coord.ActiveCount() > 0 {
		if time.Now().After(deadline) {
			logger.Warn(ctx, "shutdown grace elapsed with refreshes in flight",
				"active", m.coord.ActiveCount())
			break
		}
		select {
		case <-ctx.Done():
			m.clk.Stop()
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	m.clk.Stop()
	logger.Info(ctx, "refresh manager stopped")
	return nil
}
