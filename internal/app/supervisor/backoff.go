package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// reconnectDelay returns base * 2^(attempts-1), capped at ceiling.
func reconnectDelay(base, ceiling time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         ceiling,
	}
	policy.Reset()
	delay := base
	for i := 0; i < attempts; i++ {
		delay = policy.NextBackOff()
		if delay >= ceiling {
			return ceiling
		}
	}
	return delay
}
