package genai

import (
	"math/rand"
	"time"
)

// backoffDelay computes the delay before retrying attempt n (1-based):
// base doubled per attempt with symmetric jitter, capped at max.
func backoffDelay(base, max time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		d = max
	}
	if jitter > 0 {
		spread := (rand.Float64()*2 - 1) * jitter * float64(d)
		d += time.Duration(spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}
