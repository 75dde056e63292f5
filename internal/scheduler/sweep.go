package scheduler

import (
	"context"
	"time"

	"github.com/refreshd/refreshd/internal/logger"
)

// runSweep is the safety net against lost or corrupted timers: every
// SweepInterval it scans for sources overdue by more than SweepBuffer and
// triggers a small, rate-limited subset of them.
func (sc *Scheduler) runSweep(ctx context.Context) {
	defer close(sc.doneCh)

	ticker := time.NewTicker(sc.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.sweepOnce(ctx)
		case <-sc.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (sc *Scheduler) sweepOnce(ctx context.Context) {
	if !sc.online() || sc.stopped.Load() {
		return
	}

	now := sc.clk.Now()
	triggered := 0

	for _, id := range sc.schedules.Keys() {
		if triggered >= sc.cfg.SweepMaxTriggers {
			break
		}
		s, ok := sc.schedules.Get(id)
		if !ok || !s.isOverdue(now, sc.cfg.SweepBuffer) {
			continue
		}
		if sc.coord.IsActive(id) {
			continue
		}
		if !sc.sweepLimiter.Allow() {
			break
		}

		triggered++
		logger.Warn(ctx, "overdue sweep triggering refresh",
			"source", id, "overdue", s.overdueBy(now).String())
		go func(id string) {
			if err := sc.TriggerRefresh(ctx, id, ReasonSweep); err != nil {
				logger.Debug(ctx, "sweep refresh not run", "source", id, "err", err)
			}
		}(id)
	}
}
