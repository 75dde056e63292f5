package coordinator

import (
	"sync"
	"time"
)

// Stats is a snapshot of coordinator counters.
type Stats struct {
	Total      int64
	Successful int64
	Failed     int64
	Skipped    int64
	Dropped    int64
	Canceled   int64
	// AverageDuration is the rolling mean over completed executions
	// (successes and failures).
	AverageDuration time.Duration
}

type stats struct {
	mu            sync.Mutex
	total         int64
	successful    int64
	failed        int64
	skipped       int64
	dropped       int64
	canceled      int64
	completed     int64
	totalDuration time.Duration
}

func (s *stats) record(outcome Outcome, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	switch outcome {
	case OutcomeSuccess:
		s.successful++
	case OutcomeFailed:
		s.failed++
	case OutcomeSkipped:
		s.skipped++
	case OutcomeDropped:
		s.dropped++
	case OutcomeCanceled:
		s.canceled++
	}

	if outcome == OutcomeSuccess || outcome == OutcomeFailed {
		s.completed++
		s.totalDuration += elapsed
	}
}

func (s *stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg time.Duration
	if s.completed > 0 {
		avg = s.totalDuration / time.Duration(s.completed)
	}
	return Stats{
		Total:           s.total,
		Successful:      s.successful,
		Failed:          s.failed,
		Skipped:         s.skipped,
		Dropped:         s.dropped,
		Canceled:        s.canceled,
		AverageDuration: avg,
	}
}

// Stats returns a snapshot of the execution counters.
func (c *Coordinator) Stats() Stats {
	return c.stats.snapshot()
}
