// Package scheduler owns the authoritative next-fire time for every
// registered source and drives the timers that invoke refreshes. It
// respects network availability, circuit-breaker backoff, wall-clock
// alignment, and overdue catch-up, and delegates all execution to the
// coordinator so per-source serialization holds everywhere.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/refreshd/refreshd/internal/breaker"
	"github.com/refreshd/refreshd/internal/clock"
	"github.com/refreshd/refreshd/internal/coordinator"
	"github.com/refreshd/refreshd/internal/logger"
	"github.com/refreshd/refreshd/internal/syncutil"
)

// Callback performs one refresh attempt for a source. The host owns the
// transport; this is the only way the scheduler performs actual work.
type Callback func(ctx context.Context, sourceID string, reason Reason) error

// Config holds the scheduling thresholds. Values given in the design are
// defaults, not hard requirements; every knob is configuration.
type Config struct {
	// MinInterval and MaxInterval bound valid refresh intervals.
	MinInterval time.Duration
	MaxInterval time.Duration
	// MinimalDelay is the clamp applied when arithmetic yields a past
	// fire time.
	MinimalDelay time.Duration
	// MaxConsecutiveFailures unschedules a source for good once reached.
	MaxConsecutiveFailures int
	// FirstRefreshDelayMax bounds the jittered delay before a
	// never-refreshed source's first fire.
	FirstRefreshDelayMax time.Duration
	// OverdueJitterMin/Max bound the jittered delay for overdue sources,
	// so many of them do not fire in the same instant.
	OverdueJitterMin time.Duration
	OverdueJitterMax time.Duration
	// OfflineDebounce collapses rapid network flapping before timers are
	// cleared.
	OfflineDebounce time.Duration
	// CatchUpBuffer is the overdue margin that qualifies a source for the
	// post-recovery catch-up pass.
	CatchUpBuffer time.Duration
	// CatchUpMaxStagger and CatchUpWindow shape the catch-up stagger:
	// delay between sources is min(CatchUpMaxStagger, CatchUpWindow/n).
	CatchUpMaxStagger time.Duration
	CatchUpWindow     time.Duration
	// SweepInterval is the period of the overdue safety-net sweep.
	SweepInterval time.Duration
	// SweepBuffer is the overdue margin before the sweep intervenes.
	SweepBuffer time.Duration
	// SweepMaxTriggers caps refreshes triggered by one sweep pass.
	SweepMaxTriggers int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MinInterval:            10 * time.Second,
		MaxInterval:            24 * time.Hour,
		MinimalDelay:           time.Second,
		MaxConsecutiveFailures: 10,
		FirstRefreshDelayMax:   100 * time.Millisecond,
		OverdueJitterMin:       100 * time.Millisecond,
		OverdueJitterMax:       2 * time.Second,
		OfflineDebounce:        2 * time.Second,
		CatchUpBuffer:          10 * time.Second,
		CatchUpMaxStagger:      5 * time.Second,
		CatchUpWindow:          30 * time.Second,
		SweepInterval:          30 * time.Second,
		SweepBuffer:            60 * time.Second,
		SweepMaxTriggers:       3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MinimalDelay <= 0 {
		c.MinimalDelay = d.MinimalDelay
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if c.FirstRefreshDelayMax <= 0 {
		c.FirstRefreshDelayMax = d.FirstRefreshDelayMax
	}
	if c.OverdueJitterMin <= 0 {
		c.OverdueJitterMin = d.OverdueJitterMin
	}
	if c.OverdueJitterMax <= c.OverdueJitterMin {
		c.OverdueJitterMax = c.OverdueJitterMin + d.OverdueJitterMax
	}
	if c.OfflineDebounce <= 0 {
		c.OfflineDebounce = d.OfflineDebounce
	}
	if c.CatchUpBuffer <= 0 {
		c.CatchUpBuffer = d.CatchUpBuffer
	}
	if c.CatchUpMaxStagger <= 0 {
		c.CatchUpMaxStagger = d.CatchUpMaxStagger
	}
	if c.CatchUpWindow <= 0 {
		c.CatchUpWindow = d.CatchUpWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepBuffer <= 0 {
		c.SweepBuffer = d.SweepBuffer
	}
	if c.SweepMaxTriggers <= 0 {
		c.SweepMaxTriggers = d.SweepMaxTriggers
	}
	return c
}

// Scheduler drives per-source refresh timers. All shared state lives in
// the injected atomic maps; independent Scheduler instances can coexist.
type Scheduler struct {
	cfg        Config
	clk        *clock.Clock
	coord      *coordinator.Coordinator
	callback   Callback
	breakerCfg breaker.Config

	schedules *syncutil.Map[Schedule]
	timers    *syncutil.Map[*time.Timer]
	breakers  *syncutil.Map[*breaker.Breaker]

	sweepLimiter *rate.Limiter

	netMu    sync.Mutex
	network  NetworkState
	debounce *time.Timer

	stopped  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
	unsubClk func()

	baseCtx context.Context
}

// New creates a Scheduler. The coordinator enforces execution limits; the
// callback performs the actual fetch.
func New(cfg Config, clk *clock.Clock, coord *coordinator.Coordinator, breakerCfg breaker.Config, callback Callback) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:        cfg,
		clk:        clk,
		coord:      coord,
		callback:   callback,
		breakerCfg: breakerCfg,
		schedules:  syncutil.NewMap[Schedule](),
		timers:     syncutil.NewMap[*time.Timer](),
		breakers:   syncutil.NewMap[*breaker.Breaker](),
		sweepLimiter: rate.NewLimiter(
			rate.Every(cfg.SweepInterval/time.Duration(cfg.SweepMaxTriggers)),
			cfg.SweepMaxTriggers,
		),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		network: NetworkState{IsOnline: true, Quality: QualityGood},
		baseCtx: context.Background(),
	}
}

// Start launches the overdue sweep and subscribes to clock anomalies.
func (sc *Scheduler) Start(ctx context.Context) {
	if !sc.started.CompareAndSwap(false, true) {
		return
	}
	sc.baseCtx = ctx

	// Clock anomalies invalidate every computed fire time; recompute all
	// schedules so nextRefresh is never in the past.
	sc.unsubClk = sc.clk.Subscribe(func(events []clock.Event) {
		for _, ev := range events {
			switch ev.Kind {
			case clock.EventSystemWake, clock.EventTimeJumpForward, clock.EventTimeJumpBackward,
				clock.EventTimezoneChange, clock.EventDSTChange:
				logger.Info(ctx, "clock anomaly detected, rescheduling all sources",
					"kind", string(ev.Kind), "delta", ev.Delta.String())
				sc.rescheduleAll()
				return
			}
		}
	})

	go sc.runSweep(ctx)
}

// Stop halts timers and the sweep. In-flight refreshes are not aborted
// here; the owner bounds that wait at teardown.
func (sc *Scheduler) Stop(ctx context.Context) {
	if !sc.stopped.CompareAndSwap(false, true) {
		return
	}
	close(sc.stopCh)
	if sc.unsubClk != nil {
		sc.unsubClk()
	}
	if sc.started.Load() {
		<-sc.doneCh
	}

	sc.netMu.Lock()
	if sc.debounce != nil {
		sc.debounce.Stop()
		sc.debounce = nil
	}
	sc.netMu.Unlock()

	sc.clearAllTimers()
	logger.Info(ctx, "scheduler stopped")
}

// ScheduleSource validates the descriptor and creates or updates the
// source's schedule. Run state survives updates: re-scheduling with a
// shorter interval never retroactively marks a source overdue.
func (sc *Scheduler) ScheduleSource(ctx context.Context, d Descriptor) error {
	if sc.stopped.Load() {
		return ErrSchedulerStopped
	}
	if !d.Enabled {
		sc.UnscheduleSource(ctx, d.SourceID)
		return nil
	}

	now := sc.clk.Now()
	prevS, existed := sc.schedules.Get(d.SourceID)
	var prev *Schedule
	if existed {
		prev = &prevS
	}

	s, err := newSchedule(d, prev, sc.cfg.MinInterval, sc.cfg.MaxInterval)
	if err != nil {
		// Invalid descriptors leave the source unscheduled.
		if existed {
			sc.UnscheduleSource(ctx, d.SourceID)
		}
		return err
	}

	if existed && !prevS.NeverRefreshed() {
		wasOverdue := prevS.isOverdue(now, 0)
		isNowOverdue := s.isOverdue(now, 0)
		if isNowOverdue && !wasOverdue {
			// The interval shrank past the elapsed time. Anchor the next
			// computation at now instead of the stale lastRefresh.
			s.anchor = now
		} else {
			s.anchor = prevS.anchor
		}
	}

	sc.schedules.Set(d.SourceID, s)
	logger.Debug(ctx, "source scheduled",
		"source", d.SourceID, "interval", d.Interval.String(), "cron", d.CronExpr)

	sc.scheduleNext(d.SourceID)
	return nil
}

// UnscheduleSource clears the source's timer, discards queued requests,
// and deletes all per-source state. An in-flight refresh may still
// complete afterwards; its result is ignored because the schedule is
// gone.
func (sc *Scheduler) UnscheduleSource(ctx context.Context, sourceID string) {
	sc.clearTimer(sourceID)
	sc.coord.CancelPending(sourceID)
	if sc.schedules.Delete(sourceID) {
		logger.Debug(ctx, "source unscheduled", "source", sourceID)
	}
	sc.breakers.Delete(sourceID)
}

// TriggerRefresh runs a refresh for the source now, honoring the
// serialization gate and the circuit breaker. A no-op when the source is
// already refreshing (unless manual) or no longer scheduled.
func (sc *Scheduler) TriggerRefresh(ctx context.Context, sourceID string, reason Reason) error {
	if sc.stopped.Load() {
		return ErrSchedulerStopped
	}
	s, ok := sc.schedules.Get(sourceID)
	if !ok {
		return ErrUnknownSource
	}
	if s.FailureCount >= sc.cfg.MaxConsecutiveFailures {
		return ErrSourceExhausted
	}

	if reason != ReasonManual && sc.coord.IsActive(sourceID) {
		return nil
	}

	// Manual refreshes bypass the breaker gate: the user asked, so we
	// probe even while OPEN. Success resets the circuit; failure is
	// recorded once, normally.
	if reason != ReasonManual && !sc.breakerFor(sourceID).CanAttempt() {
		// Honor the backoff window instead of the normal interval.
		sc.scheduleNext(sourceID)
		return breaker.ErrCircuitOpen
	}

	res := sc.coord.ExecuteRefresh(ctx, sourceID, func(ctx context.Context) error {
		return sc.callback(ctx, sourceID, reason)
	}, coordinator.ExecOptions{SkipIfActive: reason != ReasonManual})

	sc.handleResult(ctx, sourceID, res)
	if res.Outcome == coordinator.OutcomeFailed {
		return res.Err
	}
	return nil
}

// handleResult applies a terminal execution result to the schedule and
// the breaker, then re-arms the timer.
func (sc *Scheduler) handleResult(ctx context.Context, sourceID string, res coordinator.Result) {
	switch res.Outcome {
	case coordinator.OutcomeSuccess:
		now := sc.clk.Now()
		sc.breakerFor(sourceID).RecordSuccess()
		sc.schedules.UpdateExisting(sourceID, func(s Schedule) Schedule {
			s.LastRefresh = now
			s.anchor = time.Time{}
			s.RetryCount = 0
			s.FailureCount = 0
			return s
		})
		sc.scheduleNext(sourceID)

	case coordinator.OutcomeFailed:
		counts := res.Kind.Counts()
		var exhausted bool
		sc.schedules.UpdateExisting(sourceID, func(s Schedule) Schedule {
			s.RetryCount++
			if counts {
				s.FailureCount++
				exhausted = s.FailureCount >= sc.cfg.MaxConsecutiveFailures
			}
			return s
		})
		if counts {
			sc.breakerFor(sourceID).RecordFailure()
		} else if br, ok := sc.breakers.Get(sourceID); ok {
			// No verdict on source health; return any half-open probe
			// slot so the next attempt is admitted.
			br.ReleaseProbe()
		}
		if exhausted {
			// Fatal policy: the host must explicitly re-register.
			logger.Error(ctx, "source exceeded consecutive-failure budget, unscheduling",
				"source", sourceID, "failures", sc.cfg.MaxConsecutiveFailures)
			sc.UnscheduleSource(ctx, sourceID)
			return
		}
		logger.Warn(ctx, "refresh failed",
			"source", sourceID, "kind", res.Kind.String(), "err", res.Err)
		sc.scheduleNext(sourceID)

	case coordinator.OutcomeSkipped, coordinator.OutcomeDropped, coordinator.OutcomeCanceled:
		// The in-flight execution (or teardown) owns rescheduling. The
		// attempt never ran, so any consumed probe slot comes back.
		if br, ok := sc.breakers.Get(sourceID); ok {
			br.ReleaseProbe()
		}
	}
}

// RefreshAll triggers a refresh for every scheduled source in bounded
// chunks. Each result feeds the schedule and breaker exactly as a
// timer-driven refresh would; sources inside a backoff window are
// reported as skipped without executing.
func (sc *Scheduler) RefreshAll(ctx context.Context, reason Reason) []coordinator.Result {
	if sc.stopped.Load() {
		return nil
	}

	ids := sc.schedules.Keys()
	runnable := make([]string, 0, len(ids))
	var rejected []coordinator.Result
	for _, id := range ids {
		if !sc.breakerFor(id).CanAttempt() {
			sc.scheduleNext(id)
			rejected = append(rejected, coordinator.Result{
				SourceID: id,
				Outcome:  coordinator.OutcomeSkipped,
				Err:      breaker.ErrCircuitOpen,
			})
			continue
		}
		runnable = append(runnable, id)
	}

	ops := make([]coordinator.BatchOperation, 0, len(runnable))
	for _, id := range runnable {
		id := id
		ops = append(ops, coordinator.BatchOperation{
			SourceID: id,
			Fn: func(ctx context.Context) error {
				return sc.callback(ctx, id, reason)
			},
			Opts: coordinator.ExecOptions{SkipIfActive: true},
		})
	}

	results := sc.coord.ExecuteBatch(ctx, ops, coordinator.BatchOptions{ContinueOnError: true})
	for i, res := range results {
		sc.handleResult(ctx, runnable[i], res)
	}
	return append(results, rejected...)
}

// scheduleNext recomputes the source's next fire time, stores it, and
// arms the timer unless the network is offline or the scheduler stopped.
// The stored nextRefresh survives outages so recovery can tell how
// overdue each source is.
func (sc *Scheduler) scheduleNext(sourceID string) {
	now := sc.clk.Now()
	var next time.Time
	found := sc.schedules.UpdateExisting(sourceID, func(s Schedule) Schedule {
		next = sc.computeNext(s, now)
		s.NextRefresh = next
		return s
	})
	if !found {
		return
	}
	if sc.online() {
		sc.armTimer(sourceID, next, ReasonScheduled)
	}
}

// computeNext decides the next fire time for a schedule. Precedence:
// breaker backoff, cron schedule, overdue jitter, interval arithmetic
// with alignment, all clamped to now+MinimalDelay.
func (sc *Scheduler) computeNext(s Schedule, now time.Time) time.Time {
	if br, ok := sc.breakers.Get(s.SourceID); ok {
		if remaining := br.BackoffRemaining(); remaining > 0 {
			return now.Add(remaining).Add(jitter(0, sc.cfg.OverdueJitterMin))
		}
	}

	if s.cronSchedule != nil {
		next := s.cronSchedule.Next(now)
		if minAt := now.Add(sc.cfg.MinimalDelay); next.Before(minAt) {
			next = minAt
		}
		return next
	}

	if s.NeverRefreshed() {
		return now.Add(jitter(10*time.Millisecond, sc.cfg.FirstRefreshDelayMax))
	}

	anchor := s.anchorTime()
	if now.Sub(anchor) > s.Interval {
		// Overdue: fire soon, but jittered so a crowd of overdue sources
		// does not stampede.
		return now.Add(jitter(sc.cfg.OverdueJitterMin, sc.cfg.OverdueJitterMax))
	}

	var next time.Time
	if !s.Align.None() {
		next = clock.NextAlignedTime(s.Interval, anchor, s.Align, now)
	} else {
		next = anchor.Add(s.Interval)
	}
	if minAt := now.Add(sc.cfg.MinimalDelay); next.Before(minAt) {
		next = minAt
	}
	return next
}

// armTimer sets the single live timer for the source, clearing any prior
// one first. A stopped scheduler never arms.
func (sc *Scheduler) armTimer(sourceID string, fireAt time.Time, reason Reason) {
	if sc.stopped.Load() {
		return
	}
	delay := fireAt.Sub(sc.clk.Now())
	if delay < 0 {
		delay = 0
	}

	t := time.AfterFunc(delay, func() {
		sc.onTimer(sourceID, reason)
	})
	sc.timers.Update(sourceID, func(old *time.Timer, ok bool) *time.Timer {
		if ok {
			old.Stop()
		}
		return t
	})

	// Stop may have raced with the store above.
	if sc.stopped.Load() {
		sc.clearTimer(sourceID)
	}
}

func (sc *Scheduler) onTimer(sourceID string, reason Reason) {
	if sc.stopped.Load() {
		return
	}
	if err := sc.TriggerRefresh(sc.baseCtx, sourceID, reason); err != nil {
		logger.Debug(sc.baseCtx, "timer-driven refresh not run",
			"source", sourceID, "reason", string(reason), "err", err)
	}
}

func (sc *Scheduler) clearTimer(sourceID string) {
	if t, ok := sc.timers.Get(sourceID); ok {
		t.Stop()
	}
	sc.timers.Delete(sourceID)
}

func (sc *Scheduler) clearAllTimers() {
	for _, id := range sc.timers.Keys() {
		sc.clearTimer(id)
	}
}

// rescheduleAll recomputes every schedule, correcting any fire time
// invalidated by a clock anomaly.
func (sc *Scheduler) rescheduleAll() {
	for _, id := range sc.schedules.Keys() {
		sc.scheduleNext(id)
	}
}

// breakerFor returns the source's breaker, creating it on first use.
func (sc *Scheduler) breakerFor(sourceID string) *breaker.Breaker {
	br, _ := sc.breakers.GetOrStore(sourceID, func() *breaker.Breaker {
		return breaker.New(sc.breakerCfg, sc.clk.Now)
	})
	return br
}

// BreakerStatus returns the breaker snapshot for a source, if one exists.
func (sc *Scheduler) BreakerStatus(sourceID string) (breaker.Status, bool) {
	br, ok := sc.breakers.Get(sourceID)
	if !ok {
		return breaker.Status{}, false
	}
	return br.Status(), true
}

// Snapshot returns a copy of the source's schedule.
func (sc *Scheduler) Snapshot(sourceID string) (Schedule, bool) {
	return sc.schedules.Get(sourceID)
}

// Sources returns the identifiers of all scheduled sources.
func (sc *Scheduler) Sources() []string {
	return sc.schedules.Keys()
}

// jitter returns a random duration in [min, max).
func jitter(minD, maxD time.Duration) time.Duration {
	if maxD <= minD {
		return minD
	}
	return minD + time.Duration(rand.Int63n(int64(maxD-minD)))
}
