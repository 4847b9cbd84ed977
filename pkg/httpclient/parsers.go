package httpclient

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// APIError is a structured non-2xx server response. Details carry the raw
// google.rpc detail messages so callers can extract RetryInfo, QuotaFailure
// and friends.
type APIError struct {
	StatusCode int
	Body       []byte

	Code    int
	Status  string
	Message string
	Details []json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

type errorEnvelope struct {
	Error struct {
		Code    int               `json:"code"`
		Message string            `json:"message"`
		Status  string            `json:"status"`
		Details []json.RawMessage `json:"details"`
	} `json:"error"`
}

// ParseAPIError interprets a non-2xx response body as the standard
// `{"error": {...}}` envelope. Bodies that do not parse still yield an
// APIError with the raw body attached.
func ParseAPIError(resp *Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Status = envelope.Error.Status
		apiErr.Details = envelope.Error.Details
	}

	return apiErr
}

type retryInfoDetail struct {
	Type       string `json:"@type"`
	RetryDelay string `json:"retryDelay"`
}

type quotaFailureDetail struct {
	Type       string `json:"@type"`
	Violations []struct {
		Subject     string `json:"subject"`
		Description string `json:"description"`
	} `json:"violations"`
	// ErrorInfo shape
	Metadata map[string]string `json:"metadata"`
	Reason   string            `json:"reason"`
}

// RetryDelay extracts the RetryInfo.retryDelay from a 429 error's details.
// The boolean is false when no parseable RetryInfo is present; callers fall
// back to their own default (60 s per the wire contract).
func (e *APIError) RetryDelay() (time.Duration, bool) {
	for _, raw := range e.Details {
		var detail retryInfoDetail
		if err := json.Unmarshal(raw, &detail); err != nil {
			continue
		}
		if !strings.HasSuffix(detail.Type, "RetryInfo") || detail.RetryDelay == "" {
			continue
		}
		if d, err := parseProtoDuration(detail.RetryDelay); err == nil {
			return d, true
		}
	}
	return 0, false
}

// QuotaInfo extracts the violated quota metric and id when the server
// attached a QuotaFailure or ErrorInfo detail.
func (e *APIError) QuotaInfo() (metric, id string) {
	for _, raw := range e.Details {
		var detail quotaFailureDetail
		if err := json.Unmarshal(raw, &detail); err != nil {
			continue
		}
		switch {
		case strings.HasSuffix(detail.Type, "QuotaFailure") && len(detail.Violations) > 0:
			return detail.Violations[0].Subject, detail.Violations[0].Description
		case strings.HasSuffix(detail.Type, "ErrorInfo") && detail.Metadata != nil:
			return detail.Metadata["quota_metric"], detail.Metadata["quota_limit"]
		}
	}
	return "", ""
}

// parseProtoDuration parses protobuf JSON durations like "2s" or "1.5s".
func parseProtoDuration(s string) (time.Duration, error) {
	if !strings.HasSuffix(s, "s") {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.ParseDuration(s)
}
