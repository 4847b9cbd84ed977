// Package chat holds the conversation value object and the tool-calling
// orchestrator that drives multi-turn exchanges over a generation backend.
package chat

import (
	"fmt"

	"github.com/gemcall/gemcall/pkg/api"
)

// Session is an immutable conversation snapshot. Turn-appending methods
// return a new value; callers own their copies, so sessions can branch.
type Session struct {
	History           []api.Content
	SystemInstruction *api.Content
	Tools             []api.Tool
}

// NewSession builds an empty session.
func NewSession() Session {
	return Session{}
}

// WithSystemInstruction sets the system prompt.
func (s Session) WithSystemInstruction(text string) Session {
	content := api.Content{Parts: []api.Part{api.TextPart(text)}}
	s.SystemInstruction = &content
	return s
}

// WithTools sets the tools offered to the model.
func (s Session) WithTools(tools ...api.Tool) Session {
	s.Tools = tools
	return s
}

// WithUserTurn appends a user turn.
func (s Session) WithUserTurn(parts ...api.Part) Session {
	return s.withTurn(api.UserContent(parts...))
}

// WithModelTurn appends a model turn.
func (s Session) WithModelTurn(parts ...api.Part) Session {
	return s.withTurn(api.ModelContent(parts...))
}

func (s Session) withTurn(turn api.Content) Session {
	history := make([]api.Content, len(s.History), len(s.History)+1)
	copy(history, s.History)
	s.History = append(history, turn)
	return s
}

// LastTurn returns the most recent turn, or nil for an empty session.
func (s Session) LastTurn() *api.Content {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}

// Validate checks the function-call pairing rule: a model turn containing
// function calls must be followed by a user turn answering exactly those
// call ids. The orchestrator maintains this by construction; Validate
// guards histories assembled by hand.
func (s Session) Validate() error {
	for i, turn := range s.History {
		calls := turn.FunctionCalls()
		if turn.Role != api.RoleModel || len(calls) == 0 {
			continue
		}
		if i+1 >= len(s.History) {
			// Trailing calls are legal; the response turn is pending.
			continue
		}
		next := s.History[i+1]
		if next.Role != api.RoleUser {
			return fmt.Errorf("turn %d: model function calls must be followed by a user turn", i)
		}
		responses := make(map[string]bool)
		for _, p := range next.Parts {
			if p.FunctionResponse != nil {
				responses[p.FunctionResponse.ID] = true
			}
		}
		for _, call := range calls {
			if !responses[call.ID] {
				return fmt.Errorf("turn %d: function call %q (%s) has no matching response", i, call.ID, call.Name)
			}
		}
	}
	return nil
}

// request assembles the wire request for the session's current state.
func (s Session) request() *api.GenerateContentRequest {
	return &api.GenerateContentRequest{
		Contents:          s.History,
		SystemInstruction: s.SystemInstruction,
		Tools:             s.Tools,
	}
}
