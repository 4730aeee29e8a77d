package oban

import (
	"math"
	"math/rand"
	"time"
)

const (
	defaultBackoffBase = 15 * time.Second
	defaultBackoffCap  = 24 * time.Hour
)

// DefaultBackoff computes the default retry delay for the given attempt
// number: min(cap, base * 2^(attempt-1)) plus up to one second of jitter.
// It's deterministic except for the jitter term, as required by spec §4.3.
func DefaultBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	exp := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(defaultBackoffBase) * exp)
	if delay > defaultBackoffCap || delay < 0 {
		delay = defaultBackoffCap
	}

	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return delay + jitter
}
