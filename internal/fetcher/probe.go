package fetcher

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/refreshd/refreshd/internal/backoff"
	"github.com/refreshd/refreshd/internal/config"
	"github.com/refreshd/refreshd/internal/logger"
	"github.com/refreshd/refreshd/internal/refresherr"
	"github.com/refreshd/refreshd/internal/scheduler"
)

// A check retries transient failures a couple of times before declaring
// the network offline, so one lost packet does not flap the scheduler.
const (
	probeRetryInterval = 500 * time.Millisecond
	probeMaxRetries    = 2
)

// NetworkSink receives connectivity updates. The refresh manager
// satisfies this.
type NetworkSink interface {
	SetNetworkState(ns scheduler.NetworkState)
}

// Probe periodically checks reachability of a well-known URL and pushes
// the resulting network state into the sink.
type Probe struct {
	cfg    config.Probe
	client *resty.Client
	policy backoff.RetryPolicy
	sink   NetworkSink

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProbe builds a connectivity probe.
func NewProbe(cfg config.Probe, sink NetworkSink) *Probe {
	return &Probe{
		cfg:    cfg,
		client: resty.New().SetTimeout(cfg.Timeout),
		policy: backoff.WithJitter(&backoff.ConstantBackoffPolicy{
			Interval:   probeRetryInterval,
			MaxRetries: probeMaxRetries,
		}, backoff.FullJitter),
		sink:   sink,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the probe loop until Stop. The first check runs
// immediately so the scheduler starts with a real state.
func (p *Probe) Start(ctx context.Context) {
	go func() {
		defer close(p.doneCh)

		p.check(ctx)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.check(ctx)
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the probe loop and waits for it to finish.
func (p *Probe) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Probe) check(ctx context.Context) {
	var (
		resp    *resty.Response
		latency time.Duration
	)
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		start := time.Now()
		r, err := p.client.R().SetContext(ctx).Get(p.cfg.URL)
		if err != nil {
			return err
		}
		resp = r
		latency = time.Since(start)
		return nil
	}, p.policy, refresherr.IsNetwork)
	if err != nil {
		logger.Debug(ctx, "connectivity probe failed", "url", p.cfg.URL, "err", err)
		p.sink.SetNetworkState(scheduler.NetworkState{IsOnline: false, Quality: scheduler.QualityPoor})
		return
	}

	ns := scheduler.NetworkState{
		IsOnline: resp.StatusCode() < 500,
		Quality:  gradeLatency(latency),
	}
	p.sink.SetNetworkState(ns)
}

func gradeLatency(latency time.Duration) scheduler.NetworkQuality {
	switch {
	case latency < 100*time.Millisecond:
		return scheduler.QualityExcellent
	case latency < 300*time.Millisecond:
		return scheduler.QualityGood
	case latency < 600*time.Millisecond:
		return scheduler.QualityFair
	case latency < time.Second:
		return scheduler.QualityModerate
	default:
		return scheduler.QualityPoor
	}
}
