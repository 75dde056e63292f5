// Package clock provides a reconciled source of truth for "now" and
// detects system clock anomalies: jumps, timezone and DST shifts, and
// system sleep. Other components read time exclusively through a Clock so
// that anomaly handling and test control stay in one place.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/refreshd/refreshd/internal/logger"
)

// EventKind identifies a detected clock anomaly.
type EventKind string

const (
	EventTimeJumpForward  EventKind = "time-jump-forward"
	EventTimeJumpBackward EventKind = "time-jump-backward"
	EventSystemWake       EventKind = "system-wake"
	EventTimezoneChange   EventKind = "timezone-change"
	EventDSTChange        EventKind = "dst-change"
	EventClockDrift       EventKind = "clock-drift"
)

// Event describes one detected anomaly. A monitoring tick may produce
// several events; listeners always receive the full batch of one tick.
type Event struct {
	Kind EventKind
	// Delta is the wall-clock deviation from the monotonic expectation
	// (positive when the wall clock moved ahead).
	Delta time.Duration
	// Elapsed is the monotonic time since the previous tick.
	Elapsed time.Duration
	// Zone and Offset describe the current timezone for timezone-change
	// and dst-change events.
	Zone   string
	Offset int
	At     time.Time
}

// Listener receives the batch of events detected in one monitoring tick.
type Listener func(events []Event)

// Config holds the anomaly detection thresholds.
type Config struct {
	// CheckInterval is the monitoring tick period.
	CheckInterval time.Duration
	// JumpThreshold is the wall-vs-monotonic deviation above which a time
	// jump is reported.
	JumpThreshold time.Duration
	// DriftThreshold is the deviation above which an informational drift
	// event is reported.
	DriftThreshold time.Duration
	// WakeThreshold is the monotonic gap between ticks above which a
	// system wake is reported. Large enough to never trip on scheduling
	// jitter.
	WakeThreshold time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		CheckInterval:  time.Second,
		JumpThreshold:  5 * time.Second,
		DriftThreshold: 100 * time.Millisecond,
		WakeThreshold:  5 * time.Minute,
	}
}

// Clock produces reconciled time and emits anomaly events. Multiple
// independent instances can coexist; nothing in this package is global.
type Clock struct {
	cfg Config

	wallNow func() time.Time
	monoNow func() time.Duration

	mu        sync.Mutex
	listeners []registration
	nextID    int

	// last observed snapshot, mutated every tick
	lastWall   time.Time
	lastMono   time.Duration
	lastZone   string
	lastOffset int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

type registration struct {
	id int
	fn Listener
}

// New creates a Clock with the given thresholds.
func New(cfg Config) *Clock {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	base := time.Now()
	c := &Clock{
		cfg:     cfg,
		wallNow: time.Now,
		// time.Since reads the monotonic clock; wall adjustments never
		// affect it.
		monoNow: func() time.Duration { return time.Since(base) },
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	c.snapshot()
	return c
}

// NewWithSources creates a Clock reading time from the given functions.
// Used by tests to drive anomalies deterministically.
func NewWithSources(cfg Config, wallNow func() time.Time, monoNow func() time.Duration) *Clock {
	c := New(cfg)
	c.wallNow = wallNow
	c.monoNow = monoNow
	c.snapshot()
	return c
}

// Now returns the current wall-clock time.
func (c *Clock) Now() time.Time {
	return c.wallNow()
}

// Monotonic returns a monotonically increasing counter unaffected by
// wall-clock changes, for measuring elapsed durations.
func (c *Clock) Monotonic() time.Duration {
	return c.monoNow()
}

// Subscribe registers a listener and returns an unsubscribe handle.
// Listeners are invoked synchronously from the monitoring loop, in
// registration order.
func (c *Clock) Subscribe(fn Listener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners = append(c.listeners, registration{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, reg := range c.listeners {
			if reg.id == id {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// Start runs the monitoring loop until Stop is called or ctx is done.
func (c *Clock) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.tick(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the monitoring loop and waits for it to exit.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.doneCh
	}
}

// CheckTime runs one anomaly detection pass and dispatches any events.
// The monitoring loop calls this every tick; tests may call it directly.
func (c *Clock) CheckTime(ctx context.Context) []Event {
	c.mu.Lock()

	wall := c.wallNow()
	mono := c.monoNow()
	zone, offset := wall.Zone()

	elapsed := mono - c.lastMono
	expected := c.lastWall.Add(elapsed)
	delta := wall.Sub(expected)

	var events []Event

	if elapsed > c.cfg.WakeThreshold {
		events = append(events, Event{
			Kind: EventSystemWake, Delta: delta, Elapsed: elapsed, At: wall,
		})
	}

	absDelta := delta
	if absDelta < 0 {
		absDelta = -absDelta
	}
	switch {
	case absDelta > c.cfg.JumpThreshold:
		kind := EventTimeJumpForward
		if delta < 0 {
			kind = EventTimeJumpBackward
		}
		events = append(events, Event{Kind: kind, Delta: delta, Elapsed: elapsed, At: wall})
	case absDelta >= c.cfg.DriftThreshold:
		// Informational only; sub-threshold deviation.
		events = append(events, Event{Kind: EventClockDrift, Delta: delta, Elapsed: elapsed, At: wall})
	}

	if zone != c.lastZone {
		events = append(events, Event{
			Kind: EventTimezoneChange, Zone: zone, Offset: offset, At: wall,
		})
	} else if offset != c.lastOffset {
		// Same zone name, different UTC offset: a DST transition.
		events = append(events, Event{
			Kind: EventDSTChange, Zone: zone, Offset: offset, At: wall,
		})
	}

	c.lastWall = wall
	c.lastMono = mono
	c.lastZone = zone
	c.lastOffset = offset

	listeners := make([]registration, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	if len(events) > 0 {
		for _, reg := range listeners {
			c.dispatch(ctx, reg.fn, events)
		}
	}
	return events
}

func (c *Clock) tick(ctx context.Context) {
	c.CheckTime(ctx)
}

// dispatch invokes one listener, isolating the loop from panics so that a
// misbehaving listener cannot prevent the others from running.
func (c *Clock) dispatch(ctx context.Context, fn Listener, events []Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "clock listener panicked", "recovered", r)
		}
	}()
	fn(events)
}

func (c *Clock) snapshot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastWall = c.wallNow()
	c.lastMono = c.monoNow()
	c.lastZone, c.lastOffset = c.lastWall.Zone()
}
