package genai

import (
	"time"

	"github.com/gemcall/gemcall/pkg/api"
	"github.com/gemcall/gemcall/pkg/auth"
)

// RequestOptions is the per-request option bag. The zero value defers every
// decision to the client configuration and the model registry.
type RequestOptions struct {
	// Auth overrides strategy auto-detection.
	Auth auth.Strategy
	// Model accepts a concrete id, a use-case alias, or empty for the
	// strategy default.
	Model string

	Timeout    time.Duration
	MaxRetries int
	MaxBackoff time.Duration

	DisableRateLimiter bool
	NonBlocking        bool

	// ConcurrencyKey partitions limiter state; empty means the model id.
	ConcurrencyKey         string
	MaxConcurrencyPerModel int
	// PermitTimeout bounds a blocking limiter wait. Zero waits forever.
	PermitTimeout time.Duration

	TokenBudgetPerWindow  int
	EstimatedInputTokens  int
	EstimatedCachedTokens int
	MaxBudgetWait         time.Duration

	CachedContent     string
	Tools             []api.Tool
	SystemInstruction any // string or api.Content
	GenerationConfig  *api.GenerationConfig
	SafetySettings    []api.SafetySetting
	ResponseMIMEType  string
	ResponseSchema    any
}

type RequestOption func(*RequestOptions)

func WithAuth(strategy auth.Strategy) RequestOption {
	return func(o *RequestOptions) { o.Auth = strategy }
}

func WithModel(model string) RequestOption {
	return func(o *RequestOptions) { o.Model = model }
}

// WithTimeout bounds each attempt, not the whole retried call.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *RequestOptions) { o.Timeout = d }
}

func WithMaxRetries(n int) RequestOption {
	return func(o *RequestOptions) { o.MaxRetries = n }
}

func WithMaxBackoff(d time.Duration) RequestOption {
	return func(o *RequestOptions) { o.MaxBackoff = d }
}

// WithoutRateLimiter bypasses the local limiter entirely.
func WithoutRateLimiter() RequestOption {
	return func(o *RequestOptions) { o.DisableRateLimiter = true }
}

// NonBlocking makes limiter shortfalls fail immediately instead of waiting.
func NonBlocking() RequestOption {
	return func(o *RequestOptions) { o.NonBlocking = true }
}

func WithConcurrencyKey(key string) RequestOption {
	return func(o *RequestOptions) { o.ConcurrencyKey = key }
}

func WithMaxConcurrency(n int) RequestOption {
	return func(o *RequestOptions) { o.MaxConcurrencyPerModel = n }
}

func WithPermitTimeout(d time.Duration) RequestOption {
	return func(o *RequestOptions) { o.PermitTimeout = d }
}

func WithTokenBudget(tokens int) RequestOption {
	return func(o *RequestOptions) { o.TokenBudgetPerWindow = tokens }
}

// WithEstimatedTokens overrides the client-side token estimate used for
// budget reservations.
func WithEstimatedTokens(input, cached int) RequestOption {
	return func(o *RequestOptions) {
		o.EstimatedInputTokens = input
		o.EstimatedCachedTokens = cached
	}
}

func WithMaxBudgetWait(d time.Duration) RequestOption {
	return func(o *RequestOptions) { o.MaxBudgetWait = d }
}

// WithCachedContent names a server-side content cache to reuse.
func WithCachedContent(name string) RequestOption {
	return func(o *RequestOptions) { o.CachedContent = name }
}

func WithTools(tools ...api.Tool) RequestOption {
	return func(o *RequestOptions) { o.Tools = tools }
}

// WithSystemInstruction accepts a string or an api.Content.
func WithSystemInstruction(instruction any) RequestOption {
	return func(o *RequestOptions) { o.SystemInstruction = instruction }
}

func WithGenerationConfig(cfg *api.GenerationConfig) RequestOption {
	return func(o *RequestOptions) { o.GenerationConfig = cfg }
}

func WithSafetySettings(settings ...api.SafetySetting) RequestOption {
	return func(o *RequestOptions) { o.SafetySettings = settings }
}

// WithResponseMIMEType asks for structured output ("application/json").
func WithResponseMIMEType(mimeType string) RequestOption {
	return func(o *RequestOptions) { o.ResponseMIMEType = mimeType }
}

// WithResponseSchema constrains JSON output to a schema.
func WithResponseSchema(schema any) RequestOption {
	return func(o *RequestOptions) { o.ResponseSchema = schema }
}

func buildOptions(opts []RequestOption) RequestOptions {
	var o RequestOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
