package ratelimit

import (
	"fmt"
	"time"
)

// BlockReason enumerates why the limiter refused or timed out a request.
type BlockReason string

const (
	// ReasonOverBudget: the request alone exceeds the window budget times
	// the safety multiplier. Never waits.
	ReasonOverBudget BlockReason = "over_budget"
	// ReasonBudgetFull: the window has no room left for this request.
	ReasonBudgetFull BlockReason = "budget_full"
	// ReasonNoPermit: the concurrency pool is exhausted.
	ReasonNoPermit BlockReason = "no_permit"
	// ReasonPermitTimeout: a blocking waiter's deadline expired.
	ReasonPermitTimeout BlockReason = "permit_timeout"
	// ReasonRateLimited: a server 429 retry window is active for the key.
	ReasonRateLimited BlockReason = "rate_limited"
)

// BlockedError is returned when a reservation cannot be granted.
type BlockedError struct {
	Reason BlockReason

	// RetryAt is when the caller may plausibly succeed: the retry window
	// end for rate_limited, the budget window end for budget_full. Zero
	// when unknown (permit-only shortage).
	RetryAt time.Time

	// RequestTooLarge marks over_budget rejections that no amount of
	// waiting can fix.
	RequestTooLarge bool
}

func (e *BlockedError) Error() string {
	if !e.RetryAt.IsZero() {
		return fmt.Sprintf("rate limiter blocked (%s), retry at %s", e.Reason, e.RetryAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("rate limiter blocked (%s)", e.Reason)
}
