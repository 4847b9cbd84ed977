package chat

import (
	"context"
	"fmt"

	"github.com/gemcall/gemcall/pkg/api"
	"github.com/gemcall/gemcall/pkg/tools"
)

// RunStream is the streaming variant of Run. The first stream is buffered
// while it is inspected for function calls; if calls appear the stream is
// stopped, the tools run, and a second stream with the extended history is
// proxied to the caller unchanged. Without calls the buffered chunks are
// delivered as-is. An upstream error terminates the returned channel with
// that error.
func (o *Orchestrator) RunStream(ctx context.Context, session Session, prompt string) (<-chan StreamChunk, error) {
	streamer, ok := o.generator.(StreamGenerator)
	if !ok {
		return nil, fmt.Errorf("generator does not support streaming")
	}

	session = session.WithUserTurn(api.TextPart(prompt))
	out := make(chan StreamChunk)
	go o.runStream(ctx, streamer, session, out)
	return out, nil
}

func (o *Orchestrator) runStream(ctx context.Context, streamer StreamGenerator, session Session, out chan<- StreamChunk) {
	defer close(out)

	firstCtx, cancelFirst := context.WithCancel(ctx)
	defer cancelFirst()

	first, err := streamer.GenerateStream(firstCtx, session.request())
	if err != nil {
		out <- StreamChunk{Err: err}
		return
	}

	// AwaitingModelCall: buffer while watching for function calls.
	var buffered []StreamChunk
	var modelParts []api.Part
	var calls []*api.FunctionCall

	for chunk := range first {
		if chunk.Err != nil {
			out <- chunk
			return
		}
		buffered = append(buffered, chunk)
		if len(chunk.Response.Candidates) > 0 && chunk.Response.Candidates[0].Content != nil {
			modelParts = append(modelParts, chunk.Response.Candidates[0].Content.Parts...)
		}
		if c := chunk.Response.FunctionCalls(); len(c) > 0 {
			calls = append(calls, c...)
			break
		}
	}

	if len(calls) == 0 {
		// Pass-through: no tools requested, the first stream is the answer.
		for _, chunk := range buffered {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		return
	}

	// ExecutingTools: stop the first stream, run the calls, extend history.
	cancelFirst()
	for range first {
	}

	session = session.WithModelTurn(modelParts...)
	results := o.registry.ExecuteCalls(ctx, calls, o.execOpts...)
	session = session.WithUserTurn(tools.FunctionResponses(results)...)

	// AwaitingFinalResponse: proxy the second stream unchanged.
	second, err := streamer.GenerateStream(ctx, session.request())
	if err != nil {
		out <- StreamChunk{Err: err}
		return
	}
	for chunk := range second {
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
		if chunk.Err != nil {
			return
		}
	}
}
