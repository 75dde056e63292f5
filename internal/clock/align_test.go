package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/refreshd/refreshd/internal/clock"
)

func TestNextAlignedTimeNoAlignment(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base.Add(30 * time.Second)

	got := clock.NextAlignedTime(time.Minute, base, clock.Alignment{}, now)
	require.Equal(t, base.Add(time.Minute), got)
}

func TestNextAlignedTimeSkipsMissedIncrements(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base.Add(5*time.Minute + 30*time.Second)

	got := clock.NextAlignedTime(time.Minute, base, clock.Alignment{}, now)
	require.Equal(t, base.Add(6*time.Minute), got)
	require.True(t, got.After(now))
}

func TestNextAlignedTimeToMinute(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 42, 500, time.UTC)
	now := base

	got := clock.NextAlignedTime(5*time.Minute, base, clock.Alignment{ToMinute: true}, now)
	require.Equal(t, time.Date(2026, 3, 1, 12, 6, 0, 0, time.UTC), got)
	require.Zero(t, got.Second())
	require.Zero(t, got.Nanosecond())
}

func TestNextAlignedTimeToHour(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 17, 0, 0, time.UTC)
	now := base

	got := clock.NextAlignedTime(time.Hour, base, clock.Alignment{ToHour: true}, now)
	require.Equal(t, time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC), got)
}

func TestNextAlignedTimeToDayUsesLocalMidnight(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("CET", 3600)
	base := time.Date(2026, 3, 1, 18, 30, 0, 0, loc)
	now := base

	got := clock.NextAlignedTime(24*time.Hour, base, clock.Alignment{ToDay: true}, now)
	require.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, loc), got)
	require.Equal(t, loc.String(), got.Location().String())
}

func TestNextAlignedTimeAlwaysStrictlyAfterNow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	tests := []struct {
		name  string
		align clock.Alignment
		now   time.Time
	}{
		{"none, now far ahead", clock.Alignment{}, base.Add(100 * time.Minute)},
		{"minute, now equals boundary", clock.Alignment{ToMinute: true}, time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)},
		{"hour, now ahead", clock.Alignment{ToHour: true}, base.Add(3 * time.Hour)},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := clock.NextAlignedTime(time.Minute, base, tc.align, tc.now)
			require.True(t, got.After(tc.now))
		})
	}
}

func TestNextAlignedTimeNonPositiveInterval(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.Equal(t, now, clock.NextAlignedTime(0, past, clock.Alignment{}, now))
	require.Equal(t, now, clock.NextAlignedTime(-time.Minute, past, clock.Alignment{ToMinute: true}, now))
	require.Equal(t, future, clock.NextAlignedTime(0, future, clock.Alignment{ToHour: true}, now))
}

func TestAlignmentNone(t *testing.T) {
	t.Parallel()

	require.True(t, clock.Alignment{}.None())
	require.False(t, clock.Alignment{ToMinute: true}.None())
	require.False(t, clock.Alignment{ToDay: true}.None())
}
