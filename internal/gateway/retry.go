package gateway

import (
	"context"
	"math/rand"
	"time"
)

// defaultRetryDelays is the fixed backoff table applied between attempts
// against the same endpoint. Three tries per endpoint means two delays.
var defaultRetryDelays = []time.Duration{
	300 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

// jitterFraction widens each base delay by up to ±20%.
const jitterFraction = 0.2

// backoffDelay returns the jittered delay to sleep before retry number
// `retry` (1-based). Retries beyond the table reuse its last entry.
func backoffDelay(delays []time.Duration, retry int) time.Duration {
	idx := retry - 1
	if idx < 0 {
		idx = 0
	}

	if idx >= len(delays) {
		idx = len(delays) - 1
	}

	base := float64(delays[idx])
	jitter := 1 - jitterFraction + 2*jitterFraction*rand.Float64()

	return time.Duration(base * jitter)
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
