package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gemcall/gemcall/pkg/api"
	"github.com/gemcall/gemcall/pkg/logger"
	"github.com/gemcall/gemcall/pkg/tools"
)

const defaultTurnLimit = 10

// Generator is the generation backend the orchestrator drives. The
// coordinator's client satisfies it with model and options pre-bound.
type Generator interface {
	Generate(ctx context.Context, req *api.GenerateContentRequest) (*api.GenerateContentResponse, error)
}

// StreamGenerator is the streaming side of the backend. The channel closes
// after the terminal chunk; a chunk with Err set is terminal.
type StreamGenerator interface {
	GenerateStream(ctx context.Context, req *api.GenerateContentRequest) (<-chan StreamChunk, error)
}

// StreamChunk is one streamed delivery: a response fragment or a terminal
// error.
type StreamChunk struct {
	Response *api.GenerateContentResponse
	Err      error
}

// TurnLimitExceededError reports a tool loop that never reached a terminal
// response.
type TurnLimitExceededError struct {
	Limit int
}

func (e *TurnLimitExceededError) Error() string {
	return fmt.Sprintf("tool-calling loop exceeded %d turns", e.Limit)
}

// Orchestrator runs the tool-calling loop: generate, execute requested
// tools, feed results back, repeat until the model answers without calls.
type Orchestrator struct {
	generator Generator
	registry  *tools.Registry
	log       *slog.Logger

	turnLimit int
	execOpts  []tools.ExecOption
}

type Option func(*Orchestrator)

// WithTurnLimit caps the number of generate rounds per Run.
func WithTurnLimit(n int) Option {
	return func(o *Orchestrator) {
		o.turnLimit = n
	}
}

// WithExecOptions forwards options (parallelism, per-call timeout) to tool
// execution.
func WithExecOptions(opts ...tools.ExecOption) Option {
	return func(o *Orchestrator) {
		o.execOpts = opts
	}
}

func NewOrchestrator(generator Generator, registry *tools.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		generator: generator,
		registry:  registry,
		log:       logger.GetLogger(),
		turnLimit: defaultTurnLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run appends the prompt as a user turn and loops until the model answers
// without function calls. Returns the final session (with all intermediate
// call/response turns recorded) and the terminal response.
func (o *Orchestrator) Run(ctx context.Context, session Session, prompt string) (Session, *api.GenerateContentResponse, error) {
	session = session.WithUserTurn(api.TextPart(prompt))

	for remaining := o.turnLimit; remaining > 0; remaining-- {
		resp, err := o.generator.Generate(ctx, session.request())
		if err != nil {
			return session, nil, err
		}

		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
				session = session.withTurn(*resp.Candidates[0].Content)
			}
			return session, resp, nil
		}

		o.log.Debug("executing tool calls", "count", len(calls))
		session = session.withTurn(*resp.Candidates[0].Content)
		results := o.registry.ExecuteCalls(ctx, calls, o.execOpts...)
		session = session.WithUserTurn(tools.FunctionResponses(results)...)
	}

	return session, nil, &TurnLimitExceededError{Limit: o.turnLimit}
}
