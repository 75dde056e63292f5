package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/refreshd/refreshd/internal/breaker"
	"github.com/refreshd/refreshd/internal/clock"
	"github.com/refreshd/refreshd/internal/coordinator"
	"github.com/refreshd/refreshd/internal/scheduler"
)

// recorder is a refresh callback that records invocations.
type recorder struct {
	mu    sync.Mutex
	calls []call
	err   error
}

type call struct {
	sourceID string
	reason   scheduler.Reason
}

func (r *recorder) callback(_ context.Context, sourceID string, reason scheduler.Reason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{sourceID: sourceID, reason: reason})
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) firstReason() scheduler.Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return ""
	}
	return r.calls[0].reason
}

func (r *recorder) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// fastConfig shrinks every threshold so tests complete in milliseconds.
func fastConfig() scheduler.Config {
	return scheduler.Config{
		MinInterval:            10 * time.Millisecond,
		MaxInterval:            24 * time.Hour,
		MinimalDelay:           time.Millisecond,
		MaxConsecutiveFailures: 10,
		FirstRefreshDelayMax:   20 * time.Millisecond,
		OverdueJitterMin:       time.Millisecond,
		OverdueJitterMax:       5 * time.Millisecond,
		OfflineDebounce:        10 * time.Millisecond,
		CatchUpBuffer:          time.Millisecond,
		CatchUpMaxStagger:      5 * time.Millisecond,
		CatchUpWindow:          20 * time.Millisecond,
		SweepInterval:          time.Hour,
		SweepBuffer:            time.Minute,
		SweepMaxTriggers:       3,
	}
}

func newTestScheduler(t *testing.T, cfg scheduler.Config, brkCfg breaker.Config, rec *recorder) (*scheduler.Scheduler, func()) {
	t.Helper()
	clk := clock.New(clock.DefaultConfig())
	coord := coordinator.New(coordinator.Config{})
	sc := scheduler.New(cfg, clk, coord, brkCfg, rec.callback)
	sc.Start(context.Background())
	return sc, func() {
		sc.Stop(context.Background())
		coord.Close()
		clk.Stop()
	}
}

func TestScheduleSourceValidation(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	sc, cleanup := newTestScheduler(t, scheduler.Config{}, breaker.Config{}, rec)
	defer cleanup()

	ctx := context.Background()

	err := sc.ScheduleSource(ctx, scheduler.Descriptor{SourceID: "s", Enabled: true, Interval: time.Second})
	require.ErrorIs(t, err, scheduler.ErrIntervalOutOfRange)

	err = sc.ScheduleSource(ctx, scheduler.Descriptor{SourceID: "s", Enabled: true, Interval: 48 * time.Hour})
	require.ErrorIs(t, err, scheduler.ErrIntervalOutOfRange)

	err = sc.ScheduleSource(ctx, scheduler.Descriptor{SourceID: "", Enabled: true, Interval: time.Minute})
	require.Error(t, err)

	err = sc.ScheduleSource(ctx, scheduler.Descriptor{SourceID: "s", Enabled: true, CronExpr: "not a cron"})
	require.Error(t, err)

	err = sc.ScheduleSource(ctx, scheduler.Descriptor{SourceID: "s", Enabled: true, Interval: time.Minute})
	require.NoError(t, err)
	require.Contains(t, sc.Sources(), "s")
}

func TestDisabledDescriptorUnschedules(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	sc, cleanup := newTestScheduler(t, scheduler.Config{}, breaker.Config{}, rec)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, sc.ScheduleSource(ctx, scheduler.Descriptor{SourceID: "s", Enabled: true, Interval: time.Minute}))
	require.Contains(t, sc.Sources(), "s")

	require.NoError(t, sc.ScheduleSource(ctx, scheduler.Descriptor{SourceID: "s", Enabled: false, Interval: time.Minute}))
	require.NotContains(t, sc.Sources(), "s")
}

func TestFirstRefreshFiresQuickly(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	sc, cleanup := newTestScheduler(t, fastConfig(), breaker.Config{}, rec)
	defer cleanup()

	start := time.Now()
	require.NoError(t, sc.ScheduleSource(context.Background(), scheduler.Descriptor{
		SourceID: "fresh", Enabled: true, Interval: time.Hour,
	}))

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, time.Millisecond)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, scheduler.ReasonScheduled, rec.firstReason())
}

func TestPeriodicRefreshesContinue(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	sc, cleanup := newTestScheduler(t, fastConfig(), breaker.Config{}, rec)
	defer cleanup()

	require.NoError(t, sc.ScheduleSource(context.Background(), scheduler.Descriptor{
		SourceID: "tick", Enabled: true, Interval: 20 * time.Millisecond,
	}))

	require.Eventually(t, func() bool { return rec.count() >= 3 }, 2*time.Second, time.Millisecond)

	s, ok := sc.Snapshot("tick")
	require.True(t, ok)
	require.False(t, s.NeverRefreshed())
	require.Zero(t, s.FailureCount)
}

func TestTriggerRefreshGuards(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	sc, cleanup := newTestScheduler(t, scheduler.Config{}, breaker.Config{}, rec)

	err := sc.TriggerRefresh(context.Background(), "nope", scheduler.ReasonManual)
	require.ErrorIs(t, err, scheduler.ErrUnknownSource)

	cleanup()
	err = sc.TriggerRefresh(context.Background(), "nope", scheduler.ReasonManual)
	require.ErrorIs(t, err, scheduler.ErrSchedulerStopped)
}

func TestConsecutiveFailuresUnscheduleSource(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxConsecutiveFailures = 3

	rec := &recorder{err: errors.New("unexpected status 500")}
	// Breaker effectively out of the way so the failure budget is hit first.
	sc, cleanup := newTestScheduler(t, cfg, breaker.Config{FailureThreshold: 100}, rec)
	defer cleanup()

	require.NoError(t, sc.ScheduleSource(context.Background(), scheduler.Descriptor{
		SourceID: "broken", Enabled: true, Interval: time.Hour,
	}))

	require.Eventually(t, func() bool {
		_, ok := sc.Snapshot("broken")
		return !ok
	}, 2*time.Second, time.Millisecond)

	require.GreaterOrEqual(t, rec.count(), 3)
}

func TestNetworkErrorsDoNotCountAsFailures(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxConsecutiveFailures = 3

	rec := &recorder{err: syscall.ECONNREFUSED}
	sc, cleanup := newTestScheduler(t, cfg, breaker.Config{FailureThreshold: 100}, rec)
	defer cleanup()

	require.NoError(t, sc.ScheduleSource(context.Background(), scheduler.Descriptor{
		SourceID: "unreachable", Enabled: true, Interval: time.Hour,
	}))

	require.Eventually(t, func() bool { return rec.count() >= 4 }, 2*time.Second, time.Millisecond)

	s, ok := sc.Snapshot("unreachable")
	require.True(t, ok)
	require.Zero(t, s.FailureCount)
	require.GreaterOrEqual(t, s.RetryCount, 4)
}

func TestBreakerGatesScheduledButNotManual(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()

	boom := errors.New("unexpected status 500")
	rec := &recorder{err: boom}
	sc, cleanup := newTestScheduler(t, cfg, breaker.Config{
		FailureThreshold: 1,
		BaseTimeout:      time.Hour,
		TimeoutJitter:    -1, // clamped to 0
	}, rec)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, sc.ScheduleSource(ctx, scheduler.Descriptor{
		SourceID: "flaky", Enabled: true, Interval: time.Hour,
	}))

	// First failure opens the circuit.
	require.Eventually(t, func() bool {
		st, ok := sc.BreakerStatus("flaky")
		return ok && st.State == breaker.StateOpen
	}, 2*time.Second, time.Millisecond)
	before := rec.count()

	err := sc.TriggerRefresh(ctx, "flaky", scheduler.ReasonScheduled)
	require.ErrorIs(t, err, breaker.ErrCircuitOpen)
	require.Equal(t, before, rec.count())

	// Manual bypasses the gate; success closes the circuit.
	rec.setErr(nil)
	require.NoError(t, sc.TriggerRefresh(ctx, "flaky", scheduler.ReasonManual))
	require.Greater(t, rec.count(), before)

	st, ok := sc.BreakerStatus("flaky")
	require.True(t, ok)
	require.Equal(t, breaker.StateClosed, st.State)
}

func TestNetworkFailureDuringProbeDoesNotWedgeCircuit(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	rec := &recorder{err: errors.New("unexpected status 500")}
	sc, cleanup := newTestScheduler(t, cfg, breaker.Config{
		FailureThreshold: 1,
		BaseTimeout:      50 * time.Millisecond,
		MaxTimeout:       50 * time.Millisecond,
		TimeoutJitter:    -1, // clamped to 0
	}, rec)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, sc.ScheduleSource(ctx, scheduler.Descriptor{
		SourceID: "flaky", Enabled: true, Interval: time.Hour,
	}))

	// First failure opens the circuit.
	require.Eventually(t, func() bool {
		st, ok := sc.BreakerStatus("flaky")
		return ok && st.State != breaker.StateClosed
	}, 2*time.Second, time.Millisecond)

	// The half-open probe hits a connectivity error, which records no
	// verdict. The probe slot must come back so scheduled attempts are
	// still admitted afterwards.
	rec.setErr(syscall.ECONNREFUSED)
	require.Eventually(t, func() bool {
		err := sc.TriggerRefresh(ctx, "flaky", scheduler.ReasonScheduled)
		return err != nil && !errors.Is(err, breaker.ErrCircuitOpen)
	}, 2*time.Second, 10*time.Millisecond)

	// With the source healthy again, a scheduled attempt closes the
	// circuit without any manual intervention.
	rec.setErr(nil)
	require.Eventually(t, func() bool {
		return sc.TriggerRefresh(ctx, "flaky", scheduler.ReasonScheduled) == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		st, ok := sc.BreakerStatus("flaky")
		return ok && st.State == breaker.StateClosed
	}, 2*time.Second, time.Millisecond)
}

func TestRefreshAllAppliesResults(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	sc, cleanup := newTestScheduler(t, scheduler.Config{}, breaker.Config{}, rec)
	defer cleanup()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, sc.ScheduleSource(ctx, scheduler.Descriptor{
			SourceID: id, Enabled: true, Interval: time.Hour,
			LastRefresh: time.Now().Add(-30 * time.Minute),
		}))
	}

	results := sc.RefreshAll(ctx, scheduler.ReasonStartup)
	require.Len(t, results, 3)
	for _, res := range results {
		require.True(t, res.Success())
	}
	require.Equal(t, 3, rec.count())

	// Each success lands on the schedule like a timer-driven refresh.
	for _, id := range []string{"a", "b", "c"} {
		s, ok := sc.Snapshot(id)
		require.True(t, ok)
		require.Greater(t, time.Until(s.NextRefresh), 59*time.Minute)
	}
}

func TestIntervalShrinkDoesNotFireImmediately(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	sc, cleanup := newTestScheduler(t, scheduler.Config{}, breaker.Config{}, rec)
	defer cleanup()

	ctx := context.Background()
	lastRefresh := time.Now().Add(-30 * time.Minute)

	require.NoError(t, sc.ScheduleSource(ctx, scheduler.Descriptor{
		SourceID: "s", Enabled: true, Interval: time.Hour, LastRefresh: lastRefresh,
	}))
	s, _ := sc.Snapshot("s")
	require.False(t, s.Overdue(time.Now()))

	// Shrinking the interval below the elapsed time must not make the
	// source retroactively overdue; the next fire anchors at now.
	require.NoError(t, sc.ScheduleSource(ctx, scheduler.Descriptor{
		SourceID: "s", Enabled: true, Interval: 10 * time.Minute, LastRefresh: lastRefresh,
	}))

	s, ok := sc.Snapshot("s")
	require.True(t, ok)
	require.False(t, s.Overdue(time.Now()))
	require.Greater(t, time.Until(s.NextRefresh), 9*time.Minute)
	require.LessOrEqual(t, time.Until(s.NextRefresh), 10*time.Minute)
	require.Zero(t, rec.count())
}

func TestOfflineSuppressesRefreshes(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	rec := &recorder{}
	sc, cleanup := newTestScheduler(t, cfg, breaker.Config{}, rec)
	defer cleanup()

	sc.SetNetworkState(scheduler.NetworkState{IsOnline: false, Quality: scheduler.QualityPoor})
	time.Sleep(3 * cfg.OfflineDebounce)

	require.NoError(t, sc.ScheduleSource(context.Background(), scheduler.Descriptor{
		SourceID: "s", Enabled: true, Interval: 20 * time.Millisecond,
	}))

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, rec.count())

	// NextRefresh is still computed while offline.
	s, ok := sc.Snapshot("s")
	require.True(t, ok)
	require.False(t, s.NextRefresh.IsZero())
}

func TestOnlineRecoveryRunsCatchUp(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	rec := &recorder{}
	sc, cleanup := newTestScheduler(t, cfg, breaker.Config{}, rec)
	defer cleanup()

	sc.SetNetworkState(scheduler.NetworkState{IsOnline: false, Quality: scheduler.QualityPoor})
	time.Sleep(3 * cfg.OfflineDebounce)

	// Overdue while offline: last refresh far past the interval.
	require.NoError(t, sc.ScheduleSource(context.Background(), scheduler.Descriptor{
		SourceID: "stale", Enabled: true, Interval: 10 * time.Millisecond,
		LastRefresh: time.Now().Add(-time.Hour),
	}))
	require.Zero(t, rec.count())

	sc.SetNetworkState(scheduler.NetworkState{IsOnline: true, Quality: scheduler.QualityGood})

	require.Eventually(t, func() bool { return rec.count() >= 1 }, 2*time.Second, time.Millisecond)
	require.Equal(t, scheduler.ReasonCatchUp, rec.firstReason())
}

func TestOfflineFlappingDebounced(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.OfflineDebounce = 50 * time.Millisecond
	rec := &recorder{}
	sc, cleanup := newTestScheduler(t, cfg, breaker.Config{}, rec)
	defer cleanup()

	require.NoError(t, sc.ScheduleSource(context.Background(), scheduler.Descriptor{
		SourceID: "s", Enabled: true, Interval: 20 * time.Millisecond,
	}))

	// A brief blip shorter than the debounce must not clear timers.
	sc.SetNetworkState(scheduler.NetworkState{IsOnline: false, Quality: scheduler.QualityPoor})
	time.Sleep(10 * time.Millisecond)
	sc.SetNetworkState(scheduler.NetworkState{IsOnline: true, Quality: scheduler.QualityGood})

	require.Eventually(t, func() bool { return rec.count() >= 2 }, 2*time.Second, time.Millisecond)
}

func TestUnscheduleSourceRemovesAllState(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	sc, cleanup := newTestScheduler(t, scheduler.Config{}, breaker.Config{}, rec)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, sc.ScheduleSource(ctx, scheduler.Descriptor{
		SourceID: "s", Enabled: true, Interval: time.Minute,
	}))

	sc.UnscheduleSource(ctx, "s")
	_, ok := sc.Snapshot("s")
	require.False(t, ok)
	_, ok = sc.BreakerStatus("s")
	require.False(t, ok)
	require.NotContains(t, sc.Sources(), "s")
}

func TestCronSchedule(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	sc, cleanup := newTestScheduler(t, scheduler.Config{}, breaker.Config{}, rec)
	defer cleanup()

	require.NoError(t, sc.ScheduleSource(context.Background(), scheduler.Descriptor{
		SourceID: "cron", Enabled: true, CronExpr: "*/5 * * * *",
	}))

	s, ok := sc.Snapshot("cron")
	require.True(t, ok)
	require.False(t, s.NextRefresh.IsZero())
	require.True(t, s.NextRefresh.After(time.Now()))
	// Next fire lands on a five-minute boundary.
	require.Zero(t, s.NextRefresh.Minute()%5)
	require.Zero(t, s.NextRefresh.Second())
}
