package sync

import (
	"math/rand"
	"time"
)

const (
	// retryBaseDelay is the starting backoff interval (before jitter) for
	// automatic retries of errored uploads.
	retryBaseDelay = 2 * time.Second

	// retryMaxDelay caps the backoff interval.
	retryMaxDelay = 5 * time.Minute
)

// backoffDelay computes the delay after the given number of failed attempts,
// applying exponential growth with 50 to 100 % jitter.
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := retryMaxDelay
	if shift := attempts - 1; shift < 20 {
		delay = min(retryBaseDelay*(1<<shift), retryMaxDelay)
	}
	// Jitter: uniform in [delay/2, delay).
	jitter := time.Duration(rand.Int63n(int64(delay) / 2)) //nolint:gosec // jitter does not need crypto/rand
	return delay/2 + jitter
}
