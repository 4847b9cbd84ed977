package stream

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gemcall/gemcall/pkg/config"
	"github.com/gemcall/gemcall/pkg/httpclient"
	"github.com/gemcall/gemcall/pkg/ratelimit"
)

// Stream is one live SSE generation. The worker goroutine in run() owns all
// transitions; everything else observes through the mutex.
type Stream struct {
	ID      string
	manager *Manager
	desc    Descriptor
	cancel  context.CancelFunc
	done    chan struct{}

	mu          sync.Mutex
	state       State
	finalErr    error
	buffer      []Event
	subscribers map[*Subscription]struct{}
}

// State returns the stream's lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if the stream ended in one.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

// Done is closed once the stream reaches a terminal state.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stop cancels the upstream request. Subscribers see a terminal stopped
// event; an already-terminal stream is left as it ended.
func (s *Stream) Stop() {
	s.cancel()
}

// Subscribe attaches a consumer. Already-buffered events are queued first,
// atomically with registration, so every subscriber sees the full sequence
// in chunk order no matter when it joined.
func (s *Stream) Subscribe() *Subscription {
	sub := &Subscription{
		stream: s,
		ch:     make(chan Event),
		notify: make(chan struct{}, 1),
	}
	sub.Events = sub.ch

	s.mu.Lock()
	sub.queue = make([]Event, len(s.buffer))
	copy(sub.queue, s.buffer)
	if !s.state.Terminal() {
		s.subscribers[sub] = struct{}{}
	}
	s.mu.Unlock()

	go sub.pump(s.receiveTimeout())
	return sub
}

// Unsubscribe detaches the consumer. The stream keeps running for the
// remaining subscribers.
func (s *Stream) Unsubscribe(sub *Subscription) {
	s.drop(sub)
	sub.detach()
}

func (s *Stream) drop(sub *Subscription) {
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
}

func (s *Stream) receiveTimeout() time.Duration {
	if s.manager.cfg.ReceiveTimeout > 0 {
		return s.manager.cfg.ReceiveTimeout
	}
	return config.DefaultStreamReceiveTimeout
}

// run is the worker: acquire the permit, open the SSE request (with bounded
// reconnects before the first chunk), fan out events, finish terminal.
func (s *Stream) run(ctx context.Context) {
	var res *ratelimit.Reservation
	if s.manager.limiter != nil && !s.desc.DisableRateLimiter {
		var err error
		res, err = s.manager.limiter.TryReserve(ctx, ratelimit.Request{
			Key:       s.desc.Key,
			Tokens:    s.desc.Tokens,
			OwnerID:   s.ID,
			OwnerDone: s.desc.OwnerDone,
		})
		if err != nil {
			s.finish(StateError, &Error{Kind: ErrKindConnect, Err: err})
			return
		}
	}

	firstChunk := false
	onChunk := func(frame json.RawMessage) error {
		firstChunk = true
		s.fanOut(Event{Type: EventChunk, Chunk: frame})
		return nil
	}

	maxRetries := s.manager.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = config.DefaultStreamMaxRetries
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		_, err := s.manager.http.DoSSE(ctx, http.MethodPost, s.desc.URL, s.desc.Headers, s.desc.Body, onChunk)
		if err == nil {
			if res != nil {
				s.manager.limiter.Commit(res.ID, s.desc.Tokens)
			}
			s.finish(StateCompleted, nil)
			return
		}

		if ctx.Err() != nil {
			if res != nil {
				s.manager.limiter.Cancel(res.ID)
			}
			s.finish(StateStopped, nil)
			return
		}

		lastErr = err

		// Reconnects only cover the window before the first chunk; once
		// data has flowed a retry would replay part of the sequence.
		retry, retryAt := s.retryable(ctx, err)
		if firstChunk || attempt > maxRetries || !retry {
			break
		}
		// A 429 dictates its own wait; everything else backs off.
		var waitErr error
		if !retryAt.IsZero() {
			waitErr = s.sleepUntil(ctx, retryAt)
		} else {
			waitErr = s.backoff(ctx, attempt)
		}
		if waitErr != nil {
			if res != nil {
				s.manager.limiter.Cancel(res.ID)
			}
			s.finish(StateStopped, nil)
			return
		}
	}

	if res != nil {
		s.manager.limiter.Cancel(res.ID)
	}
	s.finish(StateError, s.classify(lastErr, firstChunk))
}

// retryable reports whether the connection failure is worth another attempt.
// For a 429 the second return value is the time to sleep until before
// reconnecting, recorded into the limiter so other callers on the key wait
// too; zero means the caller's normal backoff applies.
func (s *Stream) retryable(ctx context.Context, err error) (bool, time.Time) {
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.Response.StatusCode
		if code == http.StatusTooManyRequests {
			apiErr := httpclient.ParseAPIError(statusErr.Response)
			delay, ok := apiErr.RetryDelay()
			if s.manager.limiter != nil && s.desc.Key != "" {
				return true, s.manager.limiter.RecordError(ctx, s.desc.Key, delay)
			}
			if ok {
				return true, time.Now().Add(delay)
			}
			return true, time.Time{}
		}
		return code >= 500, time.Time{}
	}
	var transportErr *httpclient.TransportError
	return errors.As(err, &transportErr), time.Time{}
}

func (s *Stream) sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) backoff(ctx context.Context, attempt int) error {
	base := s.manager.cfg.BaseBackoff
	if base <= 0 {
		base = config.DefaultBaseBackoff
	}
	maxBackoff := s.manager.cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = config.DefaultMaxBackoff
	}

	delay := base * (1 << (attempt - 1))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * config.DefaultJitterFactor * float64(delay))
	delay += jitter

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) classify(err error, firstChunk bool) error {
	if err == nil {
		return nil
	}
	var streamErr *Error
	if errors.As(err, &streamErr) {
		return err
	}

	kind := ErrKindConnect
	if firstChunk {
		kind = ErrKindMidStream
	}
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		kind = ErrKindServer
		err = httpclient.ParseAPIError(statusErr.Response)
	}
	var transportErr *httpclient.TransportError
	if errors.As(err, &transportErr) && transportErr.Kind == httpclient.TransportTimeout {
		kind = ErrKindTimeout
	}
	return &Error{Kind: kind, Err: err}
}

// fanOut appends the event to the replay buffer and every subscriber queue.
// Enqueueing never blocks; slow consumers are handled by their own pump.
func (s *Stream) fanOut(ev Event) {
	s.mu.Lock()
	if s.state == StateStarting && ev.Type == EventChunk {
		s.state = StateActive
	}
	s.buffer = append(s.buffer, ev)
	for sub := range s.subscribers {
		sub.enqueue(ev)
	}
	s.mu.Unlock()
}

// finish records the terminal state, emits the terminal event, and schedules
// eviction after the cleanup grace period.
func (s *Stream) finish(state State, err error) {
	var terminal Event
	switch state {
	case StateError:
		terminal = Event{Type: EventError, Err: err}
	case StateStopped:
		terminal = Event{Type: EventStopped}
	default:
		terminal = Event{Type: EventComplete}
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.finalErr = err
	s.buffer = append(s.buffer, terminal)
	for sub := range s.subscribers {
		sub.enqueue(terminal)
	}
	s.subscribers = make(map[*Subscription]struct{})
	s.mu.Unlock()

	close(s.done)
	s.manager.log.Debug("stream finished",
		"stream_id", s.ID, "state", string(state), "error", err)
	s.manager.evictLater(s.ID)
}

// Subscription is one consumer's view of a stream. Events arrive in chunk
// order; the channel closes after the terminal event. A single pump
// goroutine is the only sender and the only closer, so fan-out and
// unsubscription can never race a channel operation.
type Subscription struct {
	Events <-chan Event

	stream *Stream
	ch     chan Event
	notify chan struct{}

	mu       sync.Mutex
	queue    []Event
	detached bool
}

// Close detaches the subscription. Safe to call more than once; the Events
// channel is closed once the pump drains.
func (sub *Subscription) Close() {
	sub.stream.Unsubscribe(sub)
}

func (sub *Subscription) enqueue(ev Event) {
	sub.mu.Lock()
	if sub.detached {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *Subscription) detach() {
	sub.mu.Lock()
	sub.detached = true
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// pump drains the queue into the consumer channel. If no event arrives
// within the receive timeout, or the consumer fails to take one in time,
// this subscriber alone gets a timeout error; the stream is unaffected.
func (sub *Subscription) pump(timeout time.Duration) {
	defer close(sub.ch)
	for {
		ev, ok := sub.next(timeout)
		if !ok {
			return
		}
		select {
		case sub.ch <- ev:
		case <-time.After(timeout):
			sub.stream.drop(sub)
			return
		}
		if ev.Type.terminal() {
			sub.stream.drop(sub)
			return
		}
	}
}

// next blocks for the following queued event, synthesizing a terminal
// timeout error when the stream stays quiet past the receive timeout.
func (sub *Subscription) next(timeout time.Duration) (Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		sub.mu.Lock()
		if len(sub.queue) > 0 {
			ev := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()
			return ev, true
		}
		if sub.detached {
			sub.mu.Unlock()
			return Event{}, false
		}
		sub.mu.Unlock()

		select {
		case <-sub.notify:
		case <-deadline.C:
			sub.stream.drop(sub)
			return Event{
				Type: EventError,
				Err:  &Error{Kind: ErrKindTimeout, Err: errors.New("no event within receive timeout")},
			}, true
		}
	}
}

func (t EventType) terminal() bool {
	return t == EventComplete || t == EventError || t == EventStopped
}
