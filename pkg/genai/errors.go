package genai

import (
	"fmt"
	"time"
)

// ValidationError reports a pre-flight failure on caller input, before any
// network traffic.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("invalid request: %s", e.Msg)
}

// RateLimitedError is a server 429 translated into a local retry window.
// QuotaMetric and QuotaID are filled when the server's QuotaFailure detail
// names them.
type RateLimitedError struct {
	RetryAt     time.Time
	QuotaMetric string
	QuotaID     string
}

func (e *RateLimitedError) Error() string {
	if e.QuotaID != "" {
		return fmt.Sprintf("rate limited (quota %s), retry at %s", e.QuotaID, e.RetryAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("rate limited, retry at %s", e.RetryAt.Format(time.RFC3339))
}
