package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/refreshd/refreshd/internal/clock"
)

// Error variables for scheduling states.
var (
	ErrUnknownSource      = errors.New("source is not scheduled")
	ErrSourceExhausted    = errors.New("source exceeded the consecutive-failure budget")
	ErrSchedulerStopped   = errors.New("scheduler is stopped")
	ErrIntervalOutOfRange = errors.New("interval out of range")
)

// Reason records why a refresh was triggered.
type Reason string

const (
	ReasonScheduled Reason = "scheduled"
	ReasonManual    Reason = "manual"
	ReasonCatchUp   Reason = "catch-up"
	ReasonSweep     Reason = "overdue-sweep"
	ReasonStartup   Reason = "startup"
)

// Descriptor registers or updates one source's schedule.
type Descriptor struct {
	SourceID   string
	SourceType string
	// Interval between refreshes. Validated to [MinInterval, MaxInterval].
	Interval time.Duration
	// Enabled gates scheduling; a disabled descriptor unschedules.
	Enabled bool
	// LastRefresh seeds the schedule when the host already knows the last
	// successful refresh time.
	LastRefresh time.Time
	// Align requests wall-clock-aligned fire times.
	Align clock.Alignment
	// CronExpr, when set, supersedes interval arithmetic with a standard
	// five-field cron schedule.
	CronExpr string
}

// Schedule is the per-source scheduling state. Values are stored by
// value in the schedule map; mutation happens only through the map's
// atomic update operations.
type Schedule struct {
	SourceID    string
	SourceType  string
	Interval    time.Duration
	LastRefresh time.Time
	NextRefresh time.Time
	// RetryCount counts attempts since the last success.
	RetryCount int
	// FailureCount counts consecutive counting failures; at
	// MaxConsecutiveFailures the source is unscheduled for good.
	FailureCount int
	Align        clock.Alignment
	CronExpr     string

	cronSchedule cron.Schedule

	// anchor, when set, replaces LastRefresh as the base for next-fire
	// arithmetic. Set when an interval change would otherwise make the
	// source retroactively overdue.
	anchor time.Time
}

// anchorTime returns the base time for next-fire arithmetic.
func (s Schedule) anchorTime() time.Time {
	if s.anchor.After(s.LastRefresh) {
		return s.anchor
	}
	return s.LastRefresh
}

// NeverRefreshed reports whether the source has no successful refresh yet.
func (s Schedule) NeverRefreshed() bool {
	return s.LastRefresh.IsZero()
}

// effectiveInterval returns the interval used for overdue arithmetic. For
// cron schedules it is derived from the gap between the next two fire
// times.
func (s Schedule) effectiveInterval(now time.Time) time.Duration {
	if s.cronSchedule == nil {
		return s.Interval
	}
	first := s.cronSchedule.Next(now)
	second := s.cronSchedule.Next(first)
	return second.Sub(first)
}

// overdueBy returns how far past due the source is. Never-refreshed
// sources are reported as overdue by the full interval.
func (s Schedule) overdueBy(now time.Time) time.Duration {
	interval := s.effectiveInterval(now)
	if s.NeverRefreshed() {
		return interval
	}
	return now.Sub(s.anchorTime()) - interval
}

// isOverdue reports whether the elapsed time since the last refresh
// exceeds the interval by more than buffer.
func (s Schedule) isOverdue(now time.Time, buffer time.Duration) bool {
	if s.NeverRefreshed() {
		return true
	}
	return s.overdueBy(now) > buffer
}

// Overdue reports whether the source is past due at the given time.
func (s Schedule) Overdue(now time.Time) bool {
	return s.isOverdue(now, 0)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// newSchedule validates a descriptor and builds its Schedule, preserving
// run state (last refresh, counters) from prev when the source was
// already registered.
func newSchedule(d Descriptor, prev *Schedule, minInterval, maxInterval time.Duration) (Schedule, error) {
	s := Schedule{
		SourceID:   d.SourceID,
		SourceType: d.SourceType,
		Interval:   d.Interval,
		Align:      d.Align,
		CronExpr:   d.CronExpr,
	}

	if d.SourceID == "" {
		return s, errors.New("source id must not be empty")
	}

	if d.CronExpr != "" {
		parsed, err := cronParser.Parse(d.CronExpr)
		if err != nil {
			return s, fmt.Errorf("invalid cron expression %q: %w", d.CronExpr, err)
		}
		s.cronSchedule = parsed
	} else if d.Interval < minInterval || d.Interval > maxInterval {
		return s, fmt.Errorf("%w: %s not in [%s, %s]", ErrIntervalOutOfRange, d.Interval, minInterval, maxInterval)
	}

	if prev != nil {
		s.LastRefresh = prev.LastRefresh
		s.RetryCount = prev.RetryCount
		s.FailureCount = prev.FailureCount
	} else if !d.LastRefresh.IsZero() {
		s.LastRefresh = d.LastRefresh
	}

	return s, nil
}
