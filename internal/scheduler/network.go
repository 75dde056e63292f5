package scheduler

import (
	"sort"
	"time"

	"github.com/refreshd/refreshd/internal/logger"
)

// NetworkQuality is the host's coarse connectivity grade.
type NetworkQuality string

const (
	QualityExcellent NetworkQuality = "excellent"
	QualityGood      NetworkQuality = "good"
	QualityFair      NetworkQuality = "fair"
	QualityModerate  NetworkQuality = "moderate"
	QualityPoor      NetworkQuality = "poor"
)

// NetworkState is pushed by the host whenever connectivity changes.
type NetworkState struct {
	IsOnline  bool
	Quality   NetworkQuality
	VPNActive bool
}

// SetNetworkState applies a connectivity change. Going offline clears all
// armed timers after a short debounce (collapsing rapid flapping) while
// preserving computed nextRefresh values; coming back online runs a
// staggered catch-up pass over overdue sources.
func (sc *Scheduler) SetNetworkState(ns NetworkState) {
	if sc.stopped.Load() {
		return
	}

	sc.netMu.Lock()
	prev := sc.network
	sc.network = ns

	if !ns.IsOnline {
		if prev.IsOnline && sc.debounce == nil {
			sc.debounce = time.AfterFunc(sc.cfg.OfflineDebounce, sc.onOfflineSettled)
		}
		sc.netMu.Unlock()
		return
	}

	if sc.debounce != nil {
		sc.debounce.Stop()
		sc.debounce = nil
	}
	wasOffline := !prev.IsOnline
	sc.netMu.Unlock()

	if wasOffline {
		logger.Info(sc.baseCtx, "network recovered, starting catch-up pass")
		sc.catchUp()
	}
}

// NetworkState returns the last pushed connectivity state.
func (sc *Scheduler) NetworkState() NetworkState {
	sc.netMu.Lock()
	defer sc.netMu.Unlock()
	return sc.network
}

func (sc *Scheduler) online() bool {
	sc.netMu.Lock()
	defer sc.netMu.Unlock()
	return sc.network.IsOnline
}

// onOfflineSettled fires when the offline debounce elapses with the
// network still down. Timers are cleared; schedules keep their computed
// nextRefresh so the outage leaves a usable record of how overdue each
// source is.
func (sc *Scheduler) onOfflineSettled() {
	sc.netMu.Lock()
	sc.debounce = nil
	online := sc.network.IsOnline
	sc.netMu.Unlock()

	if online || sc.stopped.Load() {
		return
	}
	logger.Info(sc.baseCtx, "network offline, clearing refresh timers")
	sc.clearAllTimers()
}

// catchUp fires every source overdue by more than the catch-up buffer,
// never-refreshed sources first, then most-overdue-first, with an
// inter-source stagger of min(CatchUpMaxStagger, CatchUpWindow/n) so
// recovery does not stampede the remote endpoints. Sources that are not
// overdue resume normal interval scheduling.
func (sc *Scheduler) catchUp() {
	now := sc.clk.Now()

	type candidate struct {
		id      string
		overdue time.Duration
		never   bool
	}
	var overdue []candidate
	var current []string

	sc.schedules.Range(func(id string, s Schedule) bool {
		if s.isOverdue(now, sc.cfg.CatchUpBuffer) {
			overdue = append(overdue, candidate{id: id, overdue: s.overdueBy(now), never: s.NeverRefreshed()})
		} else {
			current = append(current, id)
		}
		return true
	})

	sort.SliceStable(overdue, func(i, j int) bool {
		if overdue[i].never != overdue[j].never {
			return overdue[i].never
		}
		return overdue[i].overdue > overdue[j].overdue
	})

	if n := len(overdue); n > 0 {
		stagger := sc.cfg.CatchUpWindow / time.Duration(n)
		if stagger > sc.cfg.CatchUpMaxStagger {
			stagger = sc.cfg.CatchUpMaxStagger
		}
		logger.Info(sc.baseCtx, "staggering overdue refreshes",
			"count", n, "stagger", stagger.String())

		for i, cand := range overdue {
			fireAt := now.Add(time.Duration(i) * stagger).Add(jitter(0, sc.cfg.OverdueJitterMin))
			sc.schedules.UpdateExisting(cand.id, func(s Schedule) Schedule {
				s.NextRefresh = fireAt
				return s
			})
			sc.armTimer(cand.id, fireAt, ReasonCatchUp)
		}
	}

	for _, id := range current {
		sc.scheduleNext(id)
	}
}
