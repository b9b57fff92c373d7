// Package idgen generates opaque, unique-enough identifiers for EmailJob and
// User records without pulling in a dedicated UUID library.
package idgen

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var mu sync.Mutex

// New returns an identifier built from the current nanosecond timestamp and
// a random suffix. It is not cryptographically unpredictable, only unique
// across the lifetime of one process with overwhelming probability, which is
// all a job or user id needs to be.
func New() string {
	mu.Lock()
	n := rand.Int63()
	mu.Unlock()
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)
}

// RetryKey derives the distinct queue key used for a rate-limit deferral
// re-enqueue (spec §4.B kind 2): the original job id plus the instant the
// deferral was decided, so it never collides with the job's primary entry.
func RetryKey(jobID string, atNanos int64) string {
	return fmt.Sprintf("%s-retry-%d", jobID, atNanos)
}
