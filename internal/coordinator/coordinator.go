// Package coordinator is the single execution gate for refreshes. It
// guarantees at most one in-flight refresh per source, bounds total
// parallelism with a weighted semaphore, queues excess requests behind a
// bounded per-source FIFO, and aggregates execution metrics.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/refreshd/refreshd/internal/logger"
	"github.com/refreshd/refreshd/internal/refresherr"
	"github.com/refreshd/refreshd/internal/syncutil"
)

var (
	// ErrDropped is returned to the oldest queued request when a source
	// queue overflows.
	ErrDropped = errors.New("refresh request dropped: queue full")
	// ErrCanceled is returned to queued requests discarded by
	// unscheduling or teardown.
	ErrCanceled = errors.New("refresh request canceled")
	// ErrTimeout is returned when a refresh does not settle within its
	// deadline. The underlying call may still be in flight but is no
	// longer awaited.
	ErrTimeout = errors.New("refresh timed out")
)

// RefreshFunc performs one refresh attempt.
type RefreshFunc func(ctx context.Context) error

// Outcome is the terminal status of an execution request.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailed
	OutcomeSkipped
	OutcomeDropped
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDropped:
		return "dropped"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result describes how an execution request ended.
type Result struct {
	SourceID string
	Outcome  Outcome
	Err      error
	Kind     refresherr.Kind
	Duration time.Duration
}

// Success reports whether the refresh completed successfully.
func (r Result) Success() bool { return r.Outcome == OutcomeSuccess }

// Config holds the coordinator limits.
type Config struct {
	// MaxConcurrent bounds refreshes in flight across all sources.
	MaxConcurrent int64
	// MaxQueueSize bounds pending requests per source; the oldest entry
	// is dropped when a new request arrives at capacity.
	MaxQueueSize int
	// DefaultTimeout applies when ExecOptions carries none.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  10,
		MaxQueueSize:   100,
		DefaultTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	return c
}

// ExecOptions alters a single execution request.
type ExecOptions struct {
	// SkipIfActive returns a skipped result instead of queueing when the
	// source already has a refresh in flight.
	SkipIfActive bool
	// Timeout overrides the coordinator default for this execution.
	Timeout time.Duration
}

// pending is a queued execution request. Exactly one of ready or done is
// signaled: ready hands the caller the active slot, done carries a
// terminal rejection.
type pending struct {
	ready    chan struct{}
	done     chan Result
	canceled bool
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg    Config
	active *syncutil.Set
	sem    *syncutil.Semaphore
	qmu    syncutil.Mutex
	queues map[string][]*pending
	stats  *stats
	closed bool
}

// New creates a Coordinator with the given limits.
func New(cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:    cfg,
		active: syncutil.NewSet(),
		sem:    syncutil.NewSemaphore(cfg.MaxConcurrent),
		queues: make(map[string][]*pending),
		stats:  &stats{},
	}
}

// ActiveCount returns the number of sources currently refreshing.
func (c *Coordinator) ActiveCount() int {
	return c.active.Len()
}

// IsActive reports whether the source has a refresh in flight.
func (c *Coordinator) IsActive(sourceID string) bool {
	return c.active.Has(sourceID)
}

// QueueLen returns the number of pending requests for the source.
func (c *Coordinator) QueueLen(sourceID string) int {
	var n int
	c.qmu.WithLock(func() {
		n = len(c.queues[sourceID])
	})
	return n
}

// ExecuteRefresh runs fn for the source, serialized per source and
// bounded globally. It blocks until the request reaches a terminal state:
// completed, skipped, dropped, or canceled.
func (c *Coordinator) ExecuteRefresh(ctx context.Context, sourceID string, fn RefreshFunc, opts ExecOptions) Result {
	acquired, p := c.acquireOrEnqueue(sourceID, opts)
	if !acquired && p == nil {
		// Already active and the caller asked not to queue.
		c.stats.record(OutcomeSkipped, 0)
		return Result{SourceID: sourceID, Outcome: OutcomeSkipped}
	}

	if p != nil {
		select {
		case <-p.ready:
			// The finishing execution handed us the active slot.
		case res := <-p.done:
			c.stats.record(res.Outcome, 0)
			return res
		case <-ctx.Done():
			c.abandon(sourceID, p)
			c.stats.record(OutcomeCanceled, 0)
			return Result{SourceID: sourceID, Outcome: OutcomeCanceled, Err: ctx.Err(), Kind: refresherr.KindCanceled}
		}
	}

	res := c.run(ctx, sourceID, fn, opts)
	c.release(sourceID)
	c.stats.record(res.Outcome, res.Duration)
	return res
}

// acquireOrEnqueue claims the active slot for the source, or parks the
// request behind the in-flight one. It returns (true, nil) when the slot
// was claimed, (false, p) when parked, and (false, nil) when the request
// should be skipped or rejected outright.
func (c *Coordinator) acquireOrEnqueue(sourceID string, opts ExecOptions) (bool, *pending) {
	var (
		acquired bool
		p        *pending
	)
	c.qmu.WithLock(func() {
		if c.closed {
			p = &pending{ready: make(chan struct{}), done: make(chan Result, 1)}
			p.canceled = true
			p.done <- Result{SourceID: sourceID, Outcome: OutcomeCanceled, Err: ErrCanceled, Kind: refresherr.KindCanceled}
			return
		}
		if c.active.TryAdd(sourceID) {
			acquired = true
			return
		}
		if opts.SkipIfActive {
			return
		}

		p = &pending{ready: make(chan struct{}), done: make(chan Result, 1)}
		q := c.queues[sourceID]
		if len(q) >= c.cfg.MaxQueueSize {
			// Back-pressure: reject the oldest entry, keep the newest.
			oldest := q[0]
			q = q[1:]
			oldest.canceled = true
			oldest.done <- Result{SourceID: sourceID, Outcome: OutcomeDropped, Err: ErrDropped}
		}
		c.queues[sourceID] = append(q, p)
	})
	return acquired, p
}

// release frees the source's active slot, handing it to the next queued
// request if one exists (FIFO). Entries abandoned by their callers are
// discarded.
func (c *Coordinator) release(sourceID string) {
	c.qmu.WithLock(func() {
		q := c.queues[sourceID]
		for len(q) > 0 {
			head := q[0]
			q = q[1:]
			if head.canceled {
				continue
			}
			c.queues[sourceID] = q
			close(head.ready)
			return
		}
		delete(c.queues, sourceID)
		c.active.Remove(sourceID)
	})
}

// abandon marks a parked request as canceled so release skips it. When
// the active slot was already handed over (ready closed racing the
// caller's context), the slot is passed on instead of leaking.
func (c *Coordinator) abandon(sourceID string, p *pending) {
	handed := false
	c.qmu.WithLock(func() {
		p.canceled = true
		select {
		case <-p.ready:
			handed = true
		default:
		}
	})
	if handed {
		c.release(sourceID)
	}
}

// run executes fn under the global semaphore with a timeout race. A
// refresh that does not settle within the deadline is treated as failed;
// its late completion is ignored.
func (c *Coordinator) run(ctx context.Context, sourceID string, fn RefreshFunc, opts ExecOptions) Result {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	opID := uuid.New().String()
	started := time.Now()

	var res Result
	err := c.sem.WithPermit(ctx, func() error {
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					errCh <- errFromPanic(r)
				}
			}()
			errCh <- fn(execCtx)
		}()

		select {
		case fnErr := <-errCh:
			res = c.resultFor(sourceID, fnErr, time.Since(started))
		case <-execCtx.Done():
			if ctx.Err() != nil {
				res = Result{SourceID: sourceID, Outcome: OutcomeCanceled, Err: ctx.Err(), Kind: refresherr.KindCanceled, Duration: time.Since(started)}
			} else {
				res = Result{SourceID: sourceID, Outcome: OutcomeFailed, Err: ErrTimeout, Kind: refresherr.KindTimeout, Duration: time.Since(started)}
			}
		}
		return nil
	})
	if err != nil {
		// Semaphore acquisition failed: context ended while waiting.
		return Result{SourceID: sourceID, Outcome: OutcomeCanceled, Err: err, Kind: refresherr.KindCanceled}
	}

	if res.Err != nil {
		logger.Debug(ctx, "refresh finished with error",
			"source", sourceID, "op", opID, "kind", res.Kind.String(), "err", res.Err)
	}
	return res
}

func (c *Coordinator) resultFor(sourceID string, err error, elapsed time.Duration) Result {
	if err == nil {
		return Result{SourceID: sourceID, Outcome: OutcomeSuccess, Duration: elapsed}
	}
	kind := refresherr.Classify(err)
	outcome := OutcomeFailed
	if kind == refresherr.KindCanceled {
		outcome = OutcomeCanceled
	}
	return Result{SourceID: sourceID, Outcome: outcome, Err: err, Kind: kind, Duration: elapsed}
}

// CancelPending rejects every queued request for the source. In-flight
// refreshes are not aborted; their late completion is safely ignored by
// the caller.
func (c *Coordinator) CancelPending(sourceID string) {
	c.qmu.WithLock(func() {
		for _, p := range c.queues[sourceID] {
			if !p.canceled {
				p.done <- Result{SourceID: sourceID, Outcome: OutcomeCanceled, Err: ErrCanceled, Kind: refresherr.KindCanceled}
				p.canceled = true
			}
		}
		delete(c.queues, sourceID)
	})
}

// Close rejects all queued requests and refuses new ones. It does not
// wait for in-flight refreshes; callers bound that wait themselves.
func (c *Coordinator) Close() {
	c.qmu.WithLock(func() {
		c.closed = true
		for sourceID, q := range c.queues {
			for _, p := range q {
				if !p.canceled {
					p.done <- Result{SourceID: sourceID, Outcome: OutcomeCanceled, Err: ErrCanceled, Kind: refresherr.KindCanceled}
					p.canceled = true
				}
			}
		}
		c.queues = make(map[string][]*pending)
	})
}

func errFromPanic(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.New("refresh callback panicked")
}
