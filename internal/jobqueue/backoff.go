package jobqueue

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 30 * time.Second
	// retryJitter is the largest extra fraction added on top of the delay.
	retryJitter = 0.2
)

// Backoff returns the retry delay after the given 1-based attempt: the
// base delay doubled per attempt, capped, plus up to 20% jitter. r must
// return values in [0, 1).
//
// The exponential schedule has its own randomization turned off; jitter
// here only ever lengthens the delay.
func Backoff(attempt int, r func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval: retryBaseDelay,
		Multiplier:      2,
		MaxInterval:     retryMaxDelay,
	}
	var delay time.Duration
	for i := 0; i < attempt && delay < retryMaxDelay; i++ {
		delay = b.NextBackOff()
	}
	if r != nil {
		delay += time.Duration(float64(delay) * retryJitter * r())
	}
	return delay
}
