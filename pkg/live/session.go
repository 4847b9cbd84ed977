// Package live implements the bidirectional WebSocket session protocol:
// setup handshake, callback routing, serialized sends, session resumption
// and GoAway handling. The transport itself lives in pkg/wsclient.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gemcall/gemcall/pkg/api"
	"github.com/gemcall/gemcall/pkg/logger"
	"github.com/gemcall/gemcall/pkg/wsclient"
)

// State is the session's lifecycle position.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateSetupSent  State = "setup_sent"
	StateReady      State = "ready"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

const (
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	sendQueueSize     = 64

	closeNormal        = 1000
	closeInvalidData   = 1007
	closePolicy        = 1008
	closeInternalError = 1011
)

// ErrSessionClosed is returned by send operations after Close or a
// transport failure.
var ErrSessionClosed = fmt.Errorf("live session closed")

// SetupError reports a rejected setup handshake. Unsupported marks servers
// that do not know the bidi method or model at all.
type SetupError struct {
	Code        int
	Reason      string
	Unsupported bool
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("live setup failed (%d): %s", e.Code, e.Reason)
}

// TranscriptionDirection tags which side of the conversation was
// transcribed.
type TranscriptionDirection string

const (
	TranscriptionInput  TranscriptionDirection = "input"
	TranscriptionOutput TranscriptionDirection = "output"
)

// TranscriptionEvent is one speech-to-text fragment.
type TranscriptionEvent struct {
	Direction TranscriptionDirection
	Text      string
	Finished  bool
}

// VoiceActivityKind marks speech start or end.
type VoiceActivityKind string

const (
	VoiceActivityStart VoiceActivityKind = "start"
	VoiceActivityEnd   VoiceActivityKind = "end"
)

// Callbacks routes inbound server messages. Any subset may be set. All
// callbacks run synchronously on the reader goroutine in receipt order, so
// they must be cheap; hand heavy work to another goroutine.
type Callbacks struct {
	// OnMessage receives every inbound message, including variants with a
	// dedicated callback below.
	OnMessage func(*ServerMessage)

	// OnToolCall receives function calls. A non-nil return is sent back
	// immediately as a tool response frame.
	OnToolCall             func([]*api.FunctionCall) []api.FunctionResponse
	OnToolCallCancellation func(ids []string)

	OnError func(error)
	OnClose func(code int, reason string)

	OnTranscription     func(TranscriptionEvent)
	OnVoiceActivity     func(VoiceActivityKind)
	OnSessionResumption func(handle string, resumable bool)
	OnGoAway            func(timeLeft time.Duration)
}

// Config parameterizes one session. Model must be the full resource name
// the endpoint expects.
type Config struct {
	Model             string
	GenerationConfig  *api.GenerationConfig
	SystemInstruction *api.Content
	Tools             []api.Tool

	// ResumeHandle rehydrates server-side conversation context from an
	// earlier session. EnableResumption asks for handle updates even when
	// starting fresh.
	ResumeHandle     string
	EnableResumption bool

	TranscribeInput  bool
	TranscribeOutput bool

	Callbacks Callbacks
}

// Session is one live conversation. One reader goroutine owns inbound
// dispatch; one sender goroutine serializes outbound frames.
type Session struct {
	conn *wsclient.Conn
	cfg  Config
	log  *slog.Logger

	sendCh  chan []byte
	closing chan struct{}
	done    chan struct{}

	mu           sync.Mutex
	state        State
	handle       string
	deadlineHint time.Time
	pendingCalls map[string]struct{}
	closeOnce    sync.Once
	closeReason  string
}

// Open dials the endpoint, sends the setup frame and returns once the
// connection is up. Readiness is asynchronous: the server's SetupComplete
// moves the session to Ready; a rejected setup surfaces through OnError and
// OnClose.
func Open(ctx context.Context, url string, headers http.Header, cfg Config, dialOpts ...wsclient.DialOption) (*Session, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("live: model is required")
	}

	s := &Session{
		cfg:          cfg,
		log:          logger.GetLogger(),
		sendCh:       make(chan []byte, sendQueueSize),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		state:        StateConnecting,
		handle:       cfg.ResumeHandle,
		pendingCalls: make(map[string]struct{}),
	}

	conn, err := wsclient.Dial(ctx, url, headers, dialOpts...)
	if err != nil {
		s.setState(StateClosed)
		return nil, err
	}
	s.conn = conn

	// The setup frame must be the first thing on the wire, before the
	// sender goroutine starts.
	setup, err := json.Marshal(s.setupFrame())
	if err != nil {
		conn.Close(closeInternalError, "setup encode failed")
		s.setState(StateClosed)
		return nil, fmt.Errorf("live: encode setup: %w", err)
	}
	if err := conn.SendText(ctx, setup); err != nil {
		conn.Close(closeInternalError, "setup send failed")
		s.setState(StateClosed)
		return nil, fmt.Errorf("live: send setup: %w", err)
	}
	s.setState(StateSetupSent)

	go s.sendLoop()
	go s.receiveLoop()
	go s.keepaliveLoop()
	return s, nil
}

func (s *Session) setupFrame() setupFrame {
	frame := setupFrame{Setup: setupPayload{
		Model:             s.cfg.Model,
		GenerationConfig:  s.cfg.GenerationConfig,
		SystemInstruction: s.cfg.SystemInstruction,
		Tools:             s.cfg.Tools,
	}}
	if s.cfg.ResumeHandle != "" || s.cfg.EnableResumption {
		frame.Setup.SessionResumption = &sessionResumption{Handle: s.cfg.ResumeHandle}
	}
	if s.cfg.TranscribeInput {
		frame.Setup.InputAudioTranscription = &transcriptionConfig{}
	}
	if s.cfg.TranscribeOutput {
		frame.Setup.OutputAudioTranscription = &transcriptionConfig{}
	}
	return frame
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ResumptionHandle returns the latest handle the server issued (or the one
// the session was opened with). Pass it to a new session to resume.
func (s *Session) ResumptionHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// DeadlineHint returns the connection deadline announced by a GoAway, or
// zero when the server has not warned.
func (s *Session) DeadlineHint() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadlineHint
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SendClientContent appends complete turns to the server-side conversation.
// turnComplete signals the model to respond; sending while the model is
// generating interrupts it.
func (s *Session) SendClientContent(ctx context.Context, contents []api.Content, turnComplete bool) error {
	return s.enqueue(ctx, clientContentFrame{ClientContent: clientContent{
		Turns:        contents,
		TurnComplete: turnComplete,
	}})
}

// SendAudio streams one realtime audio chunk.
func (s *Session) SendAudio(ctx context.Context, mimeType string, data []byte) error {
	return s.enqueue(ctx, realtimeInputFrame{RealtimeInput: realtimeInput{
		Audio: &api.Blob{MIMEType: mimeType, Data: data},
	}})
}

// SendVideo streams one realtime video frame.
func (s *Session) SendVideo(ctx context.Context, mimeType string, data []byte) error {
	return s.enqueue(ctx, realtimeInputFrame{RealtimeInput: realtimeInput{
		Video: &api.Blob{MIMEType: mimeType, Data: data},
	}})
}

// SendRealtimeText streams text through the realtime input channel.
func (s *Session) SendRealtimeText(ctx context.Context, text string) error {
	return s.enqueue(ctx, realtimeInputFrame{RealtimeInput: realtimeInput{Text: text}})
}

// ActivityStart signals manual voice-activity start (manual VAD mode).
func (s *Session) ActivityStart(ctx context.Context) error {
	return s.enqueue(ctx, realtimeInputFrame{RealtimeInput: realtimeInput{ActivityStart: &struct{}{}}})
}

// ActivityEnd signals manual voice-activity end.
func (s *Session) ActivityEnd(ctx context.Context) error {
	return s.enqueue(ctx, realtimeInputFrame{RealtimeInput: realtimeInput{ActivityEnd: &struct{}{}}})
}

// AudioStreamEnd flushes the realtime audio stream.
func (s *Session) AudioStreamEnd(ctx context.Context) error {
	return s.enqueue(ctx, realtimeInputFrame{RealtimeInput: realtimeInput{AudioStreamEnd: true}})
}

// SendToolResponse submits results for an earlier ToolCall.
func (s *Session) SendToolResponse(ctx context.Context, responses []api.FunctionResponse) error {
	s.mu.Lock()
	for _, r := range responses {
		delete(s.pendingCalls, r.ID)
	}
	s.mu.Unlock()
	return s.enqueue(ctx, toolResponseFrame{ToolResponse: toolResponse{FunctionResponses: responses}})
}

// PendingToolCalls lists ids the server asked for and has not yet received
// a response or cancellation for.
func (s *Session) PendingToolCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pendingCalls))
	for id := range s.pendingCalls {
		ids = append(ids, id)
	}
	return ids
}

// Close drains queued sends best-effort, sends a close frame and waits for
// the reader to finish. Idempotent. Must not be called from inside a
// callback: callbacks run on the reader goroutine Close waits for.
func (s *Session) Close(reason string) error {
	s.closeOnce.Do(func() {
		if reason == "" {
			reason = "session closed"
		}
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		s.setState(StateClosing)
		close(s.closing)
	})
	<-s.done
	return nil
}

func (s *Session) enqueue(ctx context.Context, frame any) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateClosing || state == StateClosed {
		return ErrSessionClosed
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("live: encode frame: %w", err)
	}
	select {
	case s.sendCh <- data:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendLoop serializes outbound frames in send-call order. On close it
// drains whatever is already queued, then sends the close frame.
func (s *Session) sendLoop() {
	ctx := context.Background()
	for {
		select {
		case data := <-s.sendCh:
			if err := s.conn.SendText(ctx, data); err != nil {
				s.log.Debug("live send failed", "error", err)
			}
		case <-s.closing:
			for {
				select {
				case data := <-s.sendCh:
					_ = s.conn.SendText(ctx, data)
				default:
					s.mu.Lock()
					reason := s.closeReason
					s.mu.Unlock()
					if reason == "" {
						reason = "session closed"
					}
					s.conn.Close(closeNormal, reason)
					return
				}
			}
		}
	}
}

// receiveLoop is the single reader: it dispatches every inbound message to
// callbacks strictly in receipt order.
func (s *Session) receiveLoop() {
	defer close(s.done)
	ctx := context.Background()

	for {
		frame, err := s.conn.Receive(ctx)
		if err != nil {
			s.handleDisconnect(err)
			return
		}

		var msg ServerMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			// Skip malformed frames rather than killing the session.
			s.log.Debug("live: skipping malformed frame", "error", err)
			continue
		}

		// The first inbound frame must acknowledge the setup. Anything
		// else means the handshake failed.
		if s.State() == StateSetupSent && msg.SetupComplete == nil {
			if cb := s.cfg.Callbacks; cb.OnError != nil {
				cb.OnError(&SetupError{Code: -1, Reason: "setup not acknowledged"})
			}
			s.setState(StateClosing)
			s.conn.Close(closePolicy, "setup not acknowledged")
			s.finishClose(-1, "setup not acknowledged")
			return
		}
		s.dispatch(ctx, &msg)
	}
}

func (s *Session) dispatch(ctx context.Context, msg *ServerMessage) {
	cb := s.cfg.Callbacks

	switch {
	case msg.SetupComplete != nil:
		s.setState(StateReady)

	case msg.ServerContent != nil:
		sc := msg.ServerContent
		if cb.OnTranscription != nil {
			if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
				cb.OnTranscription(TranscriptionEvent{
					Direction: TranscriptionInput,
					Text:      sc.InputTranscription.Text,
					Finished:  sc.InputTranscription.Finished,
				})
			}
			if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
				cb.OnTranscription(TranscriptionEvent{
					Direction: TranscriptionOutput,
					Text:      sc.OutputTranscription.Text,
					Finished:  sc.OutputTranscription.Finished,
				})
			}
		}
		if cb.OnVoiceActivity != nil {
			if sc.ActivityStart != nil {
				cb.OnVoiceActivity(VoiceActivityStart)
			}
			if sc.ActivityEnd != nil {
				cb.OnVoiceActivity(VoiceActivityEnd)
			}
		}

	case msg.ToolCall != nil:
		s.mu.Lock()
		for _, call := range msg.ToolCall.FunctionCalls {
			if call.ID != "" {
				s.pendingCalls[call.ID] = struct{}{}
			}
		}
		s.mu.Unlock()
		if cb.OnToolCall != nil {
			if responses := cb.OnToolCall(msg.ToolCall.FunctionCalls); len(responses) > 0 {
				if err := s.SendToolResponse(ctx, responses); err != nil && cb.OnError != nil {
					cb.OnError(err)
				}
			}
		}

	case msg.ToolCallCancellation != nil:
		s.mu.Lock()
		for _, id := range msg.ToolCallCancellation.IDs {
			delete(s.pendingCalls, id)
		}
		s.mu.Unlock()
		if cb.OnToolCallCancellation != nil {
			cb.OnToolCallCancellation(msg.ToolCallCancellation.IDs)
		}

	case msg.GoAway != nil:
		timeLeft, err := time.ParseDuration(msg.GoAway.TimeLeft)
		if err != nil {
			timeLeft = 0
		}
		s.mu.Lock()
		s.deadlineHint = time.Now().Add(timeLeft)
		s.mu.Unlock()
		if cb.OnGoAway != nil {
			cb.OnGoAway(timeLeft)
		}

	case msg.SessionResumptionUpdate != nil:
		upd := msg.SessionResumptionUpdate
		if upd.Resumable && upd.NewHandle != "" {
			s.mu.Lock()
			s.handle = upd.NewHandle
			s.mu.Unlock()
		}
		if cb.OnSessionResumption != nil {
			cb.OnSessionResumption(upd.NewHandle, upd.Resumable)
		}
	}

	if cb.OnMessage != nil {
		cb.OnMessage(msg)
	}
}

// handleDisconnect interprets the close. A 1007/1008 before Ready is a
// setup rejection; "Unknown name" or "is not found" in the reason means the
// endpoint does not support the bidi method or model at all.
func (s *Session) handleDisconnect(err error) {
	s.mu.Lock()
	prior := s.state
	s.state = StateClosed
	s.mu.Unlock()

	cb := s.cfg.Callbacks
	code, reason := -1, ""
	var closeErr *wsclient.CloseError
	if errors.As(err, &closeErr) {
		code, reason = closeErr.Code, closeErr.Reason
	}

	switch {
	case prior == StateClosing:
		// Caller asked for it; nothing to report as an error.
	case prior == StateSetupSent, code == closeInvalidData, code == closePolicy:
		if cb.OnError != nil {
			cb.OnError(&SetupError{
				Code:        code,
				Reason:      reason,
				Unsupported: setupUnsupported(reason),
			})
		}
	case code == closeNormal:
		// Server-initiated clean close; OnClose alone covers it.
	default:
		if cb.OnError != nil {
			cb.OnError(err)
		}
	}

	s.finishClose(code, reason)
}

// finishClose records the terminal state and reports the close to the
// caller. Safe to reach from any shutdown path.
func (s *Session) finishClose(code int, reason string) {
	s.setState(StateClosed)
	if cb := s.cfg.Callbacks; cb.OnClose != nil {
		cb.OnClose(code, reason)
	}
	s.closeOnce.Do(func() {
		close(s.closing)
	})
}

func setupUnsupported(reason string) bool {
	return strings.Contains(reason, "Unknown name") || strings.Contains(reason, "is not found")
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.closing:
			return
		case <-ticker.C:
			_ = s.conn.Ping(context.Background(), keepaliveTimeout)
		}
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
