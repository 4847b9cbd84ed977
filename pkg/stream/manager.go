// Package stream owns the lifecycle of server-sent-event generation
// streams: one worker goroutine per stream holds a rate-limit permit for the
// stream's whole life, reads chunks from the transport, and fans them out to
// subscribers in receipt order. Terminal streams stay queryable for a grace
// period so late subscribers can still observe how the stream ended.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gemcall/gemcall/pkg/config"
	"github.com/gemcall/gemcall/pkg/httpclient"
	"github.com/gemcall/gemcall/pkg/logger"
	"github.com/gemcall/gemcall/pkg/ratelimit"
)

// Descriptor tells the manager how to open the upstream request. The
// coordinator builds it after auth resolution; the manager never touches
// credentials itself.
type Descriptor struct {
	URL     string
	Headers http.Header
	Body    any

	// Key and Tokens feed the rate limiter reservation held by the worker.
	Key    string
	Tokens int

	// OwnerDone, when set, stops the stream if the owning caller goes away.
	OwnerDone <-chan struct{}

	// DisableRateLimiter skips the permit acquisition entirely.
	DisableRateLimiter bool
}

// Manager supervises all live streams of one client.
type Manager struct {
	cfg     config.StreamingConfig
	http    *httpclient.Client
	limiter *ratelimit.Limiter
	log     *slog.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

func NewManager(cfg config.StreamingConfig, httpClient *httpclient.Client, limiter *ratelimit.Limiter) *Manager {
	return &Manager{
		cfg:     cfg,
		http:    httpClient,
		limiter: limiter,
		log:     logger.GetLogger(),
		streams: make(map[string]*Stream),
	}
}

// Start spawns a stream worker and returns immediately. The worker acquires
// its permit, opens the SSE request and begins fanning out chunks.
func (m *Manager) Start(ctx context.Context, desc Descriptor) (*Stream, error) {
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s := &Stream{
		ID:          uuid.NewString(),
		manager:     m,
		desc:        desc,
		state:       StateStarting,
		cancel:      cancel,
		done:        make(chan struct{}),
		subscribers: make(map[*Subscription]struct{}),
	}

	m.mu.Lock()
	m.streams[s.ID] = s
	m.mu.Unlock()

	if desc.OwnerDone != nil {
		go func() {
			select {
			case <-desc.OwnerDone:
				s.Stop()
			case <-s.done:
			}
		}()
	}

	go s.run(workerCtx)
	return s, nil
}

// Get returns a stream by id while it is live or within the cleanup grace
// period.
func (m *Manager) Get(streamID string) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, ErrUnknownStream
	}
	return s, nil
}

// Subscribe attaches a subscriber to a stream, replaying already-buffered
// events so late subscribers observe the full chunk sequence in order.
func (m *Manager) Subscribe(streamID string) (*Subscription, error) {
	s, err := m.Get(streamID)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(), nil
}

// Stop cancels the stream's HTTP request and releases its permit.
func (m *Manager) Stop(streamID string) error {
	s, err := m.Get(streamID)
	if err != nil {
		return err
	}
	s.Stop()
	return nil
}

// Status reports a stream's lifecycle state.
func (m *Manager) Status(streamID string) (State, error) {
	s, err := m.Get(streamID)
	if err != nil {
		return "", err
	}
	return s.State(), nil
}

// evictLater removes a terminal stream after the cleanup grace period.
func (m *Manager) evictLater(streamID string) {
	delay := m.cfg.CleanupDelay
	if delay <= 0 {
		delay = config.DefaultStreamCleanupDelay
	}
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.streams, streamID)
		m.mu.Unlock()
	})
}
