package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gemcall/gemcall/pkg/api"
	"github.com/gemcall/gemcall/pkg/logger"
)

// Result is the outcome of one executed call. IsError marks failures
// (unknown tool, handler error, panic, timeout); the batch itself never
// aborts.
type Result struct {
	ID       string
	Name     string
	Response map[string]any
	IsError  bool
}

// FunctionResponse converts the result to its wire form.
func (r Result) FunctionResponse() api.FunctionResponse {
	return api.FunctionResponse{ID: r.ID, Name: r.Name, Response: r.Response}
}

type execConfig struct {
	parallelism int
	callTimeout time.Duration
}

type ExecOption func(*execConfig)

// WithParallelism runs up to n calls concurrently. Results keep call order
// regardless.
func WithParallelism(n int) ExecOption {
	return func(c *execConfig) {
		c.parallelism = n
	}
}

// WithCallTimeout bounds each individual handler invocation.
func WithCallTimeout(d time.Duration) ExecOption {
	return func(c *execConfig) {
		c.callTimeout = d
	}
}

// ExecuteCalls runs every call and returns one result per call, in call
// order. Execution is sequential unless WithParallelism is given.
func (r *Registry) ExecuteCalls(ctx context.Context, calls []*api.FunctionCall, opts ...ExecOption) []Result {
	cfg := execConfig{parallelism: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	results := make([]Result, len(calls))
	if cfg.parallelism <= 1 {
		for i, call := range calls {
			results[i] = r.executeOne(ctx, call, cfg.callTimeout)
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.parallelism)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = r.executeOne(gctx, call, cfg.callTimeout)
			return nil
		})
	}
	g.Wait()
	return results
}

func (r *Registry) executeOne(ctx context.Context, call *api.FunctionCall, timeout time.Duration) (result Result) {
	result = Result{ID: call.ID, Name: call.Name}

	defer func() {
		if rec := recover(); rec != nil {
			logger.GetLogger().Error("tool handler panicked",
				"tool", call.Name, "panic", rec, "stack", string(debug.Stack()))
			result.IsError = true
			result.Response = errorResponse(fmt.Sprintf("tool %s panicked: %v", call.Name, rec))
		}
	}()

	handler, ok := r.Lookup(call.Name)
	if !ok {
		result.IsError = true
		result.Response = errorResponse(fmt.Sprintf("unknown tool: %s", call.Name))
		return result
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	response, err := handler(ctx, call.Args)
	if err != nil {
		result.IsError = true
		result.Response = errorResponse(err.Error())
		return result
	}
	if response == nil {
		response = map[string]any{}
	}
	result.Response = response
	return result
}

func errorResponse(msg string) map[string]any {
	return map[string]any{"error": msg}
}

// FunctionResponses converts a batch of results into wire-form parts for
// the follow-up user turn.
func FunctionResponses(results []Result) []api.Part {
	parts := make([]api.Part, len(results))
	for i, res := range results {
		fr := res.FunctionResponse()
		parts[i] = api.Part{FunctionResponse: &fr}
	}
	return parts
}
