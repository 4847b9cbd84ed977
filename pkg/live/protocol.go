package live

import (
	"github.com/gemcall/gemcall/pkg/api"
)

// Outbound frames. Every client message is a single-key JSON object; the
// key names the variant.

type setupFrame struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model                    string                `json:"model"`
	GenerationConfig         *api.GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction        *api.Content          `json:"systemInstruction,omitempty"`
	Tools                    []api.Tool            `json:"tools,omitempty"`
	SessionResumption        *sessionResumption    `json:"sessionResumption,omitempty"`
	InputAudioTranscription  *transcriptionConfig  `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *transcriptionConfig  `json:"outputAudioTranscription,omitempty"`
}

type sessionResumption struct {
	Handle string `json:"handle,omitempty"`
}

type transcriptionConfig struct{}

type clientContentFrame struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []api.Content `json:"turns,omitempty"`
	TurnComplete bool          `json:"turnComplete"`
}

type realtimeInputFrame struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio          *api.Blob `json:"audio,omitempty"`
	Video          *api.Blob `json:"video,omitempty"`
	Text           string    `json:"text,omitempty"`
	ActivityStart  *struct{} `json:"activityStart,omitempty"`
	ActivityEnd    *struct{} `json:"activityEnd,omitempty"`
	AudioStreamEnd bool      `json:"audioStreamEnd,omitempty"`
}

type toolResponseFrame struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []api.FunctionResponse `json:"functionResponses"`
}

// ServerMessage is the inbound union. Exactly one variant field is set per
// frame; unknown variants are delivered through OnMessage untouched.
type ServerMessage struct {
	SetupComplete           *SetupComplete           `json:"setupComplete,omitempty"`
	ServerContent           *ServerContent           `json:"serverContent,omitempty"`
	ToolCall                *ToolCall                `json:"toolCall,omitempty"`
	ToolCallCancellation    *ToolCallCancellation    `json:"toolCallCancellation,omitempty"`
	GoAway                  *GoAway                  `json:"goAway,omitempty"`
	SessionResumptionUpdate *SessionResumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
	UsageMetadata           *api.UsageMetadata       `json:"usageMetadata,omitempty"`
}

// SetupComplete acknowledges the setup frame; the session is Ready.
type SetupComplete struct{}

// ServerContent carries incremental model output and turn signals.
type ServerContent struct {
	ModelTurn           *api.Content   `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	ActivityStart       *struct{}      `json:"activityStart,omitempty"`
	ActivityEnd         *struct{}      `json:"activityEnd,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

// Transcription is a speech-to-text fragment for one direction.
type Transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

// ToolCall asks the client to run the listed functions.
type ToolCall struct {
	FunctionCalls []*api.FunctionCall `json:"functionCalls"`
}

// ToolCallCancellation withdraws previously issued calls by id.
type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

// GoAway warns that the server will close the connection soon. TimeLeft is
// a protobuf duration string ("9.5s").
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// SessionResumptionUpdate delivers a fresh resumption handle.
type SessionResumptionUpdate struct {
	NewHandle string `json:"newHandle,omitempty"`
	Resumable bool   `json:"resumable,omitempty"`
}
