package chunk

import (
	"math/rand"
	"time"
)

// DefaultMaxRetries is the default bounded retry count for a single
// chunk's tag-failure resend, per spec.md §4.3.
const DefaultMaxRetries = 3

// DefaultMaxBackoff caps the exponential backoff between chunk resends.
const DefaultMaxBackoff = 30 * time.Second

// Backoff computes the exponential-with-jitter delay before resend
// attempt n (0-indexed): 1s * 2^n, capped at DefaultMaxBackoff, plus up
// to 1s of jitter to avoid synchronized retries across parallel
// channels.
func Backoff(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if d > DefaultMaxBackoff || d <= 0 {
		d = DefaultMaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return d + jitter
}
