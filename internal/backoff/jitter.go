package backoff

import (
	"math/rand"
	"time"
)

// JitterFunc perturbs a computed interval to avoid synchronized retries
// across many sources.
type JitterFunc func(interval time.Duration) time.Duration

// FullJitter returns a random interval in [0, interval).
func FullJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(interval)))
}

// RangeJitter returns a JitterFunc perturbing the interval by a random
// amount in [-fraction, +fraction] of its value.
func RangeJitter(fraction float64) JitterFunc {
	if fraction < 0 {
		fraction = 0
	}
	return func(interval time.Duration) time.Duration {
		if interval <= 0 || fraction == 0 {
			return interval
		}
		spread := (rand.Float64()*2 - 1) * fraction
		jittered := time.Duration(float64(interval) * (1 + spread))
		if jittered < 0 {
			return 0
		}
		return jittered
	}
}

// WithJitter wraps a policy so that every computed interval is perturbed
// by the given jitter function.
func WithJitter(policy RetryPolicy, jitter JitterFunc) RetryPolicy {
	return &jitteredPolicy{policy: policy, jitter: jitter}
}

type jitteredPolicy struct {
	policy RetryPolicy
	jitter JitterFunc
}

func (p *jitteredPolicy) ComputeNextInterval(retryCount int, elapsed time.Duration, err error) (time.Duration, error) {
	interval, computeErr := p.policy.ComputeNextInterval(retryCount, elapsed, err)
	if computeErr != nil {
		return 0, computeErr
	}
	return p.jitter(interval), nil
}
