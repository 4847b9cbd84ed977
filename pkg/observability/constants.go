package observability

// Attribute keys shared across instrumented components.
const (
	AttrModel           = "genai.model"
	AttrAuthStrategy    = "genai.auth_strategy"
	AttrConcurrencyKey  = "ratelimit.key"
	AttrTokensEstimated = "genai.tokens.estimated"
	AttrStatusCode      = "http.status_code"
	AttrErrorType       = "error.type"

	SpanRequest     = "genai.request"
	SpanStream      = "genai.stream"
	SpanLiveSession = "genai.live_session"

	MetricRetryWindowSet = "gemcall.ratelimit.retry_window_set"
	MetricPermitWaits    = "gemcall.ratelimit.permit_waits"
	MetricBudgetRejects  = "gemcall.ratelimit.budget_rejects"
	MetricRequests       = "gemcall.requests"
)
