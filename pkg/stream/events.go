package stream

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of a managed stream.
type State string

const (
	StateStarting  State = "starting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateStopped   State = "stopped"
)

// Terminal reports whether no further events can occur.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateStopped
}

// EventType tags the events fanned out to subscribers.
type EventType string

const (
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventStopped  EventType = "stopped"
)

// Event is one delivery to a subscriber. Chunk is set for EventChunk,
// Err for EventError.
type Event struct {
	Type  EventType
	Chunk json.RawMessage
	Err   error
}

// ErrorKind classifies stream failures.
type ErrorKind string

const (
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindConnect    ErrorKind = "connect"
	ErrKindMidStream  ErrorKind = "upstream_closed"
	ErrKindChunkParse ErrorKind = "chunk_parse"
	ErrKindServer     ErrorKind = "server"
)

// Error is an SSE-specific failure, carrying the attempt on which the
// stream gave up.
type Error struct {
	Kind    ErrorKind
	Attempt int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream error (%s, attempt %d): %v", e.Kind, e.Attempt, e.Err)
	}
	return fmt.Sprintf("stream error (%s, attempt %d)", e.Kind, e.Attempt)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrUnknownStream is returned for operations on an unknown or evicted id.
var ErrUnknownStream = fmt.Errorf("unknown stream")
