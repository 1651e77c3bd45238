package chatclient

import (
	"math/rand"
	"time"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// backoff returns the delay before reconnect attempt n (zero based): an
// exponentially growing ceiling capped at maxDelay, with the upper half jittered.
func backoff(attempt int, minDelay, maxDelay time.Duration) time.Duration {
	if minDelay <= 0 {
		minDelay = defaultMinBackoff
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxBackoff
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	ceiling := minDelay
	for i := 0; i < attempt && ceiling < maxDelay; i++ {
		ceiling *= 2
	}
	if ceiling > maxDelay {
		ceiling = maxDelay
	}

	half := ceiling / 2
	if half <= 0 {
		return ceiling
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
