package signal

import (
	"math/rand"
	"time"
)

// backoffDelay doubles the floor per attempt up to the ceiling and adds
// up to 25% jitter to avoid thundering reconnects.
func backoffDelay(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = defaultReconnectMin
	}
	if max <= 0 {
		max = defaultReconnectMax
	}
	d := min << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
