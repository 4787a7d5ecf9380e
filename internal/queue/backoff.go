package queue

import (
	"math/rand"
	"time"
)

const (
	defaultRetryBase = 2 * time.Second
	defaultRetryCap  = 2 * time.Minute
)

// retryDelay computes the exponential backoff for the given delivery
// attempt: base doubled per prior attempt, capped, then jittered across
// [d/2, d] so a burst of same-attempt failures does not requeue in
// lockstep against the upstream that throttled them.
func retryDelay(attempts int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		base = defaultRetryBase
	}
	if limit <= 0 {
		limit = defaultRetryCap
	}
	d := base
	for i := 0; i < attempts && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
