package clock

import "time"

// Alignment requests wall-clock-aligned fire times instead of pure
// interval arithmetic. At most one flag is honored; the coarsest set
// flag wins.
type Alignment struct {
	ToMinute bool
	ToHour   bool
	ToDay    bool
}

// None reports whether no alignment is requested.
func (a Alignment) None() bool {
	return !a.ToMinute && !a.ToHour && !a.ToDay
}

// NextAlignedTime rounds base up to the next requested wall-clock
// boundary, adds interval, then advances by interval increments until the
// result is strictly after now. It is pure: all time inputs are explicit.
// A non-positive interval returns base if it is still ahead, otherwise
// now.
func NextAlignedTime(interval time.Duration, base time.Time, align Alignment, now time.Time) time.Time {
	if interval <= 0 {
		if base.After(now) {
			return base
		}
		return now
	}

	if align.None() {
		t := base.Add(interval)
		for !t.After(now) {
			t = t.Add(interval)
		}
		return t
	}

	t := nextBoundary(base, align).Add(interval)
	for !t.After(now) {
		t = t.Add(interval)
	}
	return t
}

// nextBoundary returns the first boundary strictly after base for the
// coarsest requested unit, computed in base's location so day boundaries
// land on local midnight.
func nextBoundary(base time.Time, align Alignment) time.Time {
	loc := base.Location()
	y, mo, d := base.Date()
	h, mi, _ := base.Clock()

	switch {
	case align.ToDay:
		return time.Date(y, mo, d, 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	case align.ToHour:
		return time.Date(y, mo, d, h, 0, 0, 0, loc).Add(time.Hour)
	default: // ToMinute
		return time.Date(y, mo, d, h, mi, 0, 0, loc).Add(time.Minute)
	}
}
