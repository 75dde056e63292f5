package clock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/refreshd/refreshd/internal/clock"
)

// fakeTime drives a Clock deterministically: wall and monotonic time
// advance only when the test says so.
type fakeTime struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

func newFakeTime(start time.Time) *fakeTime {
	return &fakeTime{wall: start}
}

func (f *fakeTime) Wall() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall
}

func (f *fakeTime) Mono() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono
}

// Advance moves both clocks in lockstep, as in normal operation.
func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = f.wall.Add(d)
	f.mono += d
}

// JumpWall moves only the wall clock, simulating a time jump.
func (f *fakeTime) JumpWall(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = f.wall.Add(d)
}

func newTestClock(t *testing.T, ft *fakeTime) *clock.Clock {
	t.Helper()
	return clock.NewWithSources(clock.DefaultConfig(), ft.Wall, ft.Mono)
}

func TestCheckTimeNoAnomaly(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestClock(t, ft)

	ft.Advance(time.Second)
	events := c.CheckTime(context.Background())
	require.Empty(t, events)
}

func TestCheckTimeDetectsForwardJump(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestClock(t, ft)

	ft.Advance(time.Second)
	ft.JumpWall(time.Minute)

	events := c.CheckTime(context.Background())
	require.Len(t, events, 1)
	require.Equal(t, clock.EventTimeJumpForward, events[0].Kind)
	require.InDelta(t, float64(time.Minute), float64(events[0].Delta), float64(time.Millisecond))
}

func TestCheckTimeDetectsBackwardJump(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestClock(t, ft)

	ft.Advance(time.Second)
	ft.JumpWall(-time.Hour)

	events := c.CheckTime(context.Background())
	require.Len(t, events, 1)
	require.Equal(t, clock.EventTimeJumpBackward, events[0].Kind)
	require.Negative(t, events[0].Delta)
}

func TestCheckTimeIgnoresSubThresholdDeviation(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestClock(t, ft)

	ft.Advance(time.Second)
	ft.JumpWall(50 * time.Millisecond)

	events := c.CheckTime(context.Background())
	require.Empty(t, events)
}

func TestCheckTimeReportsDrift(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestClock(t, ft)

	ft.Advance(time.Second)
	ft.JumpWall(500 * time.Millisecond)

	events := c.CheckTime(context.Background())
	require.Len(t, events, 1)
	require.Equal(t, clock.EventClockDrift, events[0].Kind)
}

func TestCheckTimeDetectsSystemWake(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestClock(t, ft)

	// Both clocks advance together across a suspend long enough to trip
	// the wake threshold; no jump is reported because wall tracked mono.
	ft.Advance(10 * time.Minute)

	events := c.CheckTime(context.Background())
	require.Len(t, events, 1)
	require.Equal(t, clock.EventSystemWake, events[0].Kind)
	require.Equal(t, 10*time.Minute, events[0].Elapsed)
}

func TestCheckTimeWakeAndJumpTogether(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestClock(t, ft)

	ft.Advance(10 * time.Minute)
	ft.JumpWall(time.Hour)

	events := c.CheckTime(context.Background())
	require.Len(t, events, 2)

	kinds := []clock.EventKind{events[0].Kind, events[1].Kind}
	require.Contains(t, kinds, clock.EventSystemWake)
	require.Contains(t, kinds, clock.EventTimeJumpForward)
}

func TestListenersReceiveFullBatch(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestClock(t, ft)

	var got [][]clock.Event
	unsubscribe := c.Subscribe(func(events []clock.Event) {
		got = append(got, events)
	})

	ft.Advance(10 * time.Minute)
	ft.JumpWall(time.Hour)
	c.CheckTime(context.Background())

	require.Len(t, got, 1)
	require.Len(t, got[0], 2)

	unsubscribe()
	ft.JumpWall(time.Hour)
	c.CheckTime(context.Background())
	require.Len(t, got, 1)
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestClock(t, ft)

	c.Subscribe(func([]clock.Event) { panic("listener bug") })

	called := false
	c.Subscribe(func([]clock.Event) { called = true })

	ft.JumpWall(time.Minute)
	c.CheckTime(context.Background())
	require.True(t, called)
}

func TestStateResetAfterAnomaly(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestClock(t, ft)

	ft.JumpWall(time.Hour)
	require.NotEmpty(t, c.CheckTime(context.Background()))

	// The jump was absorbed into the baseline; a normal tick afterwards
	// is quiet.
	ft.Advance(time.Second)
	require.Empty(t, c.CheckTime(context.Background()))
}

func TestCheckTimeDetectsTimezoneChange(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestClock(t, ft)

	ft.mu.Lock()
	ft.wall = ft.wall.In(time.FixedZone("CET", 3600))
	ft.mu.Unlock()

	events := c.CheckTime(context.Background())
	require.Len(t, events, 1)
	require.Equal(t, clock.EventTimezoneChange, events[0].Kind)
	require.Equal(t, "CET", events[0].Zone)
	require.Equal(t, 3600, events[0].Offset)
}

func TestCheckTimeDetectsDSTShift(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600)))
	c := newTestClock(t, ft)

	// Same zone name, new offset: a DST transition.
	ft.mu.Lock()
	ft.wall = ft.wall.In(time.FixedZone("CET", 7200))
	ft.mu.Unlock()

	events := c.CheckTime(context.Background())
	require.Len(t, events, 1)
	require.Equal(t, clock.EventDSTChange, events[0].Kind)
	require.Equal(t, 7200, events[0].Offset)
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	ft := newFakeTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := clock.NewWithSources(clock.Config{CheckInterval: 10 * time.Millisecond}, ft.Wall, ft.Mono)

	c.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	c.Stop()

	// Stop is idempotent.
	c.Stop()
}
