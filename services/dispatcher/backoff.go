package dispatcher

import (
	"math/rand"
	"time"
)

// backoffDelay computes the wait before the next attempt after attempt
// failures: base*2^(attempt-1), capped, with a random jitter fraction so
// retries against one domain do not land in lockstep.
func backoffDelay(attempt int, base, max time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	if jitter > 0 {
		offset := 1 + (rand.Float64()*2-1)*jitter
		delay = time.Duration(float64(delay) * offset)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
