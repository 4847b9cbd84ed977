package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/gemcall/gemcall/pkg/api"
	"github.com/gemcall/gemcall/pkg/config"
	"github.com/gemcall/gemcall/pkg/httpclient"
	"github.com/gemcall/gemcall/pkg/observability"
	"github.com/gemcall/gemcall/pkg/operations"
	"github.com/gemcall/gemcall/pkg/ratelimit"
)

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			Strategy: config.StrategyGemini,
			APIKey:   "test-key",
		},
		HTTP: config.HTTPConfig{
			BaseBackoff: time.Millisecond,
			MaxBackoff:  5 * time.Millisecond,
		},
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(testConfig(), WithEndpoint(srv.URL))
	require.NoError(t, err)
	return c
}

func textResponse(text string, totalTokens int) string {
	resp := api.GenerateContentResponse{
		Candidates: []api.Candidate{{
			Content: &api.Content{Role: api.RoleModel, Parts: []api.Part{api.TextPart(text)}},
		}},
		UsageMetadata: &api.UsageMetadata{TotalTokenCount: totalTokens},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestGenerateUnary(t *testing.T) {
	var gotPath, gotKey string
	var gotReq api.GenerateContentRequest

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Goog-Api-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, textResponse("4", 6))
	}))

	resp, err := c.Generate(context.Background(), "What is 2+2?")
	require.NoError(t, err)

	assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)
	require.Len(t, gotReq.Contents, 1)
	assert.Equal(t, api.RoleUser, gotReq.Contents[0].Role)
	assert.Equal(t, "What is 2+2?", gotReq.Contents[0].Parts[0].Text)
	assert.Equal(t, "4", resp.Text())

	// The permit must be back after commit.
	inUse, _, _, reserved := c.Limiter().Usage("gemini-2.0-flash")
	assert.Zero(t, inUse)
	assert.Zero(t, reserved)
}

func TestGenerateResolvesAlias(t *testing.T) {
	var gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, textResponse("ok", 1))
	}))

	_, err := c.Generate(context.Background(), "hi", WithModel("reasoning"))
	require.NoError(t, err)
	assert.Equal(t, "/v1beta/models/gemini-2.0-pro-exp:generateContent", gotPath)
}

func TestGenerateAcceptsSnakeCaseResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "hi"}]}}],
			"usage_metadata": {"total_token_count": 7, "prompt_token_count": 5}
		}`)
	}))

	resp, err := c.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text())
	require.NotNil(t, resp.UsageMetadata)
	assert.Equal(t, 7, resp.UsageMetadata.TotalTokenCount)
}

func TestGenerate429OpensRetryWindow(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {
			"code": 429, "status": "RESOURCE_EXHAUSTED", "message": "quota exceeded",
			"details": [
				{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "2s"},
				{"@type": "type.googleapis.com/google.rpc.QuotaFailure",
				 "violations": [{"subject": "generate_requests", "description": "per minute"}]}
			]
		}}`)
	}))

	before := time.Now()
	_, err := c.Generate(context.Background(), "hi", NonBlocking())

	var rateErr *RateLimitedError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, "generate_requests", rateErr.QuotaMetric)
	// 2 s from the server plus bounded jitter.
	assert.True(t, rateErr.RetryAt.After(before.Add(2*time.Second)))
	assert.True(t, rateErr.RetryAt.Before(before.Add(4*time.Second)))
	assert.Equal(t, int32(1), calls.Load())

	// A second caller on the same key is blocked locally, no request made.
	_, err = c.Generate(context.Background(), "hi", NonBlocking())
	var blocked *ratelimit.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ratelimit.ReasonRateLimited, blocked.Reason)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerateOverBudgetFailsWithoutNetwork(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, textResponse("ok", 1))
	}))

	_, err := c.Generate(context.Background(), "hi",
		WithTokenBudget(10),
		WithEstimatedTokens(100, 0),
		NonBlocking(),
	)

	var blocked *ratelimit.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.True(t, blocked.RequestTooLarge)
	assert.Zero(t, calls.Load())
}

func TestGenerateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error": {"code": 500, "message": "transient"}}`)
			return
		}
		fmt.Fprint(w, textResponse("recovered", 3))
	}))

	resp, err := c.Generate(context.Background(), "hi", WithMaxRetries(2))
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text())
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateBadRequestDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"code": 400, "status": "INVALID_ARGUMENT", "message": "bad field"}}`)
	}))

	_, err := c.Generate(context.Background(), "hi")
	var apiErr *httpclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "bad field", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())

	// Permit released on failure too.
	inUse, _, _, _ := c.Limiter().Usage("gemini-2.0-flash")
	assert.Zero(t, inUse)
}

func TestGenerateStreamDeliversChunks(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, ":streamGenerateContent"))
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", textResponse("Hel", 0))
		fmt.Fprintf(w, "data: %s\n\n", textResponse("lo", 4))
	}))

	chunks, err := c.GenerateStream(context.Background(), "say hello")
	require.NoError(t, err)

	var text strings.Builder
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		text.WriteString(chunk.Response.Text())
	}
	assert.Equal(t, "Hello", text.String())
}

func TestGenerateRecordsRequestSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, textResponse("ok", 3))
	}))

	_, err := c.Generate(context.Background(), "hi")
	require.NoError(t, err)

	var reqSpan sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == observability.SpanRequest {
			reqSpan = span
		}
	}
	require.NotNil(t, reqSpan, "request span never recorded")

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range reqSpan.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "gemini-2.0-flash", attrs[attribute.Key(observability.AttrModel)].AsString())
	assert.Equal(t, int64(http.StatusOK), attrs[attribute.Key(observability.AttrStatusCode)].AsInt64())
}

func TestGenerateStreamAbandonedConsumerShutsDown(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", textResponse("Hel", 0))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := c.GenerateStream(ctx, "say hello")
	require.NoError(t, err)

	// Let the pump block on the unconsumed channel, then walk away.
	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-chunks:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond, "chunk channel never closed")
}

func TestCountTokens(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, ":countTokens"))
		fmt.Fprint(w, `{"totalTokens": 42}`)
	}))

	resp, err := c.CountTokens(context.Background(), "some prompt")
	require.NoError(t, err)
	assert.Equal(t, 42, resp.TotalTokens)
}

func TestEmbedContentUsesEmbeddingDefault(t *testing.T) {
	var gotPath string
	var gotReq api.EmbedContentRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, `{"embedding": {"values": [0.1, 0.2, 0.3]}}`)
	}))

	resp, err := c.EmbedContent(context.Background(), "embed me")
	require.NoError(t, err)
	assert.Equal(t, "/v1beta/models/text-embedding-004:embedContent", gotPath)
	assert.Equal(t, "models/text-embedding-004", gotReq.Model)
	require.NotNil(t, resp.Embedding)
	assert.Len(t, resp.Embedding.Values, 3)
}

func TestListModelsPaging(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models", r.URL.Path)
		assert.Equal(t, "abc", r.URL.Query().Get("pageToken"))
		assert.Equal(t, "2", r.URL.Query().Get("pageSize"))
		fmt.Fprint(w, `{"models": [{"name": "models/gemini-2.0-flash"}, {"name": "models/text-embedding-004"}], "nextPageToken": "def"}`)
	}))

	page, err := c.ListModels(context.Background(), ListModelsOptions{PageSize: 2, PageToken: "abc"})
	require.NoError(t, err)
	assert.Len(t, page.Models, 2)
	assert.Equal(t, "def", page.NextPageToken)
}

func TestGetModel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash", r.URL.Path)
		fmt.Fprint(w, `{"name": "models/gemini-2.0-flash", "inputTokenLimit": 1048576}`)
	}))

	model, err := c.GetModel(context.Background(), "models/gemini-2.0-flash")
	require.NoError(t, err)
	assert.Equal(t, 1048576, model.InputTokenLimit)
}

func TestOperationsWait(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/operations/op-1", r.URL.Path)
		if polls.Add(1) == 1 {
			fmt.Fprint(w, `{"name": "operations/op-1", "done": false, "metadata": {"progressPercent": 50}}`)
			return
		}
		fmt.Fprint(w, `{"name": "operations/op-1", "done": true, "response": {"ok": true}}`)
	}))

	var progressed bool
	op, err := c.Operations().Wait(context.Background(), "operations/op-1", operations.WaitOptions{
		BaseInterval: time.Millisecond,
		OnProgress:   func(json.RawMessage) { progressed = true },
	})
	require.NoError(t, err)
	assert.True(t, op.Done)
	assert.True(t, progressed)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestUploadFile(t *testing.T) {
	var mux http.ServeMux
	var srvURL string

	mux.HandleFunc("/upload/v1beta/files", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "resumable", r.Header.Get("X-Goog-Upload-Protocol"))
		assert.Equal(t, "start", r.Header.Get("X-Goog-Upload-Command"))
		assert.Equal(t, "image/png", r.Header.Get("X-Upload-Content-Type"))
		w.Header().Set("X-Goog-Upload-URL", srvURL+"/session")
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		fmt.Fprint(w, `{"file": {"name": "files/abc", "uri": "https://example/files/abc", "state": "ACTIVE"}}`)
	})

	srv := httptest.NewServer(&mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	c, err := New(testConfig(), WithEndpoint(srv.URL))
	require.NoError(t, err)

	pngHeader := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}
	file, err := c.UploadFile(context.Background(), pngHeader, UploadOptions{DisplayName: "pixel"})
	require.NoError(t, err)
	assert.Equal(t, "files/abc", file.Name)
	assert.Equal(t, "ACTIVE", file.State)
}

func TestNewRequiresValidConfig(t *testing.T) {
	cfg := &config.Config{
		Auth: config.AuthConfig{Strategy: config.StrategyVertexAI},
	}
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project_id")
}

func TestRequestTimeoutIsTransport(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, textResponse("late", 1))
	}))

	_, err := c.Generate(context.Background(), "hi",
		WithTimeout(20*time.Millisecond),
		WithMaxRetries(1),
	)
	require.Error(t, err)
	var transportErr *httpclient.TransportError
	assert.True(t, errors.As(err, &transportErr) || errors.Is(err, context.DeadlineExceeded))
}
