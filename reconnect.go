package chatsync

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnector paces reconnection: exponential backoff from the base delay
// with ±50% jitter, never above the max delay. attempt counts failures since
// the last established connection; maxAttempts 0 means unlimited.
type reconnector struct {
	policy      *backoff.ExponentialBackOff
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.ReconnectBaseDelay
	policy.MaxInterval = config.ReconnectMaxDelay
	policy.RandomizationFactor = 0.5
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0
	policy.Reset()
	return &reconnector{
		policy:      policy,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

// markConnected starts the next outage from the base delay with a full
// attempt budget.
func (r *reconnector) markConnected() {
	r.attempt = 0
	r.policy.Reset()
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	delay := r.policy.NextBackOff()
	if delay == backoff.Stop || delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay
}
