// Package ratelimit is the process-wide gatekeeper in front of the provider.
// For each concurrency key (model id by default) it combines a bounded
// permit pool, a sliding token budget with pre-flight reservations, and a
// shared retry window fed by server 429 responses. All state transitions
// happen under one lock; blocked callers park on per-waiter channels in
// strict FIFO order per key.
package ratelimit

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gemcall/gemcall/pkg/config"
	"github.com/gemcall/gemcall/pkg/logger"
	"github.com/gemcall/gemcall/pkg/observability"
)

const (
	// retryWindowJitterFrac bounds the jitter added when a retry window is
	// set, so released waiters do not all fire at once.
	retryWindowJitterFrac = 0.10

	// fallbackRetryDelay applies when a 429 carries no parseable RetryInfo.
	fallbackRetryDelay = 60 * time.Second
)

// Request describes one reservation attempt.
type Request struct {
	Key     string
	Permits int // defaults to 1
	Tokens  int

	// OwnerID groups reservations for crash reclamation; OwnerDone, when
	// set, is monitored and triggers ReleaseOwner on close.
	OwnerID   string
	OwnerDone <-chan struct{}

	NonBlocking bool

	// Deadline bounds a blocking wait. Zero falls back to the configured
	// permit timeout (zero there too means wait forever).
	Deadline time.Time

	// Per-request overrides; zero keeps the key's current setting.
	MaxConcurrency int
	BudgetTotal    int
}

// Reservation is an atomic pre-flight claim on permits and tokens. Commit
// it with actual usage after the response, or Cancel it on failure.
type Reservation struct {
	ID      string
	Key     string
	Permits int
	Tokens  int
	OwnerID string

	// settled unblocks the owner-done monitor once the reservation is
	// resolved, so completed requests do not pin a goroutine.
	settled chan struct{}
}

type waiter struct {
	req   Request
	ready chan struct{}
	res   *Reservation
	err   error
	done  bool
}

type keyState struct {
	// permit pool
	maxPermits int
	inUse      int
	waiters    []*waiter

	// sliding budget window
	budgetTotal    int
	windowStart    time.Time
	windowDuration time.Duration
	used           int
	reserved       int

	// retry window (429)
	retryAt time.Time

	// adaptive concurrency
	ceiling int
}

// Limiter is the process-wide limiter. Construct one per process (the
// coordinator does this) and share it across clients using the same keys.
type Limiter struct {
	mu           sync.Mutex
	cfg          config.RateLimitConfig
	states       map[string]*keyState
	reservations map[string]*Reservation
	owners       map[string]map[string]struct{} // ownerID -> reservation ids

	log *slog.Logger
	now func() time.Time

	retryWindowEvents metric.Int64Counter
	budgetRejects     metric.Int64Counter
	permitWaits       metric.Int64Counter
}

type Option func(*Limiter)

// WithClock swaps the time source. Tests use this to drive windows.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithMeter installs otel instruments for limiter events.
func WithMeter(meter metric.Meter) Option {
	return func(l *Limiter) {
		l.retryWindowEvents, _ = meter.Int64Counter(observability.MetricRetryWindowSet)
		l.budgetRejects, _ = meter.Int64Counter(observability.MetricBudgetRejects)
		l.permitWaits, _ = meter.Int64Counter(observability.MetricPermitWaits)
	}
}

func New(cfg config.RateLimitConfig, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:          cfg,
		states:       make(map[string]*keyState),
		reservations: make(map[string]*Reservation),
		owners:       make(map[string]map[string]struct{}),
		log:          logger.GetLogger(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckRetryWindow is the fast path for callers arriving during an active
// 429 window. Returns the retry time and true when the key is blocked.
func (l *Limiter) CheckRetryWindow(key string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.states[key]
	if !ok {
		return time.Time{}, false
	}
	if l.now().Before(state.retryAt) {
		return state.retryAt, true
	}
	return time.Time{}, false
}

// TryReserve atomically claims permits and budget tokens for the key.
// Non-blocking requests return a *BlockedError immediately on any
// shortfall. Blocking requests join the key's FIFO and wait for permit
// release, budget window reset, or deadline expiry. Over-budget requests
// (tokens beyond what a whole window can hold) never wait.
func (l *Limiter) TryReserve(ctx context.Context, req Request) (*Reservation, error) {
	if req.Permits <= 0 {
		req.Permits = 1
	}

	l.mu.Lock()
	state := l.keyState(req.Key, &req)

	// Retry window gate.
	if retryAt := state.retryAt; l.now().Before(retryAt) {
		l.mu.Unlock()
		if req.NonBlocking {
			return nil, &BlockedError{Reason: ReasonRateLimited, RetryAt: retryAt}
		}
		if err := l.sleepUntil(ctx, retryAt, req.Deadline); err != nil {
			return nil, err
		}
		l.mu.Lock()
		state = l.keyState(req.Key, &req)
	}

	l.slideWindow(req.Key, state)

	// A request larger than the whole window can never be admitted.
	if state.budgetTotal > 0 {
		ceiling := float64(state.budgetTotal) * l.safetyMultiplier()
		if float64(req.Tokens) > ceiling {
			l.mu.Unlock()
			l.countBudgetReject(ctx, req.Key)
			return nil, &BlockedError{Reason: ReasonOverBudget, RequestTooLarge: true}
		}
	}

	// Fast path: admit immediately when nothing is queued ahead.
	if len(state.waiters) == 0 {
		if res, ok := l.admit(state, &req); ok {
			l.mu.Unlock()
			return res, nil
		}
	}

	if req.NonBlocking {
		err := l.blockedReason(state, &req)
		l.mu.Unlock()
		if err.Reason == ReasonBudgetFull {
			l.countBudgetReject(ctx, req.Key)
		}
		return nil, err
	}

	// Park in FIFO order.
	w := &waiter{req: req, ready: make(chan struct{})}
	state.waiters = append(state.waiters, w)
	l.countPermitWait(ctx, req.Key)

	// Budget waiters need a wakeup at the window boundary.
	var resetTimer *time.Timer
	if state.budgetTotal > 0 {
		windowEnd := state.windowStart.Add(state.windowDuration)
		if d := windowEnd.Sub(l.now()); d > 0 {
			key := req.Key
			resetTimer = time.AfterFunc(d, func() { l.pump(key) })
		}
	}
	l.mu.Unlock()
	if resetTimer != nil {
		defer resetTimer.Stop()
	}

	deadline := req.Deadline
	if deadline.IsZero() && l.cfg.PermitTimeout > 0 {
		deadline = l.now().Add(l.cfg.PermitTimeout)
	}
	var deadlineC <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		deadlineC = t.C
	}

	select {
	case <-w.ready:
		return w.res, w.err
	case <-deadlineC:
		l.abandonWaiter(req.Key, w, &BlockedError{Reason: ReasonPermitTimeout})
		return w.res, w.err
	case <-ctx.Done():
		l.abandonWaiter(req.Key, w, ctx.Err())
		return w.res, w.err
	case <-req.OwnerDone:
		l.abandonWaiter(req.Key, w, &BlockedError{Reason: ReasonPermitTimeout})
		return w.res, w.err
	}
}

// Commit finishes a reservation with the actual token usage from the
// response, returning the surplus to the window and releasing permits.
func (l *Limiter) Commit(reservationID string, actualTokens int) {
	l.mu.Lock()
	res, ok := l.reservations[reservationID]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.reservations, reservationID)
	l.dropOwner(res)
	if res.settled != nil {
		close(res.settled)
	}

	state := l.states[res.Key]
	if state != nil {
		l.slideWindow(res.Key, state)
		if state.budgetTotal > 0 {
			state.reserved -= res.Tokens
			if state.reserved < 0 {
				state.reserved = 0
			}
			state.used += actualTokens
		}
		state.inUse -= res.Permits
		if state.inUse < 0 {
			state.inUse = 0
		}
		if l.cfg.AdaptiveConcurrency && state.maxPermits < state.ceiling {
			state.maxPermits++
		}
		l.admitWaitersLocked(res.Key, state)
	}
	l.mu.Unlock()
}

// Cancel releases a reservation without charging any usage.
func (l *Limiter) Cancel(reservationID string) {
	l.Commit(reservationID, 0)
}

// RecordError notes a server 429 for the key: it opens a retry window at
// now+retryAfter (plus bounded jitter) and, in adaptive mode, shrinks the
// permit ceiling. Pass zero retryAfter when the response carried no
// parseable RetryInfo; the 60 s fallback applies.
func (l *Limiter) RecordError(ctx context.Context, key string, retryAfter time.Duration) time.Time {
	if retryAfter <= 0 {
		retryAfter = fallbackRetryDelay
	}
	jitter := time.Duration(rand.Float64() * retryWindowJitterFrac * float64(retryAfter))

	l.mu.Lock()
	state := l.keyState(key, nil)
	state.retryAt = l.now().Add(retryAfter + jitter)
	retryAt := state.retryAt

	if l.cfg.AdaptiveConcurrency {
		state.maxPermits = state.maxPermits * 3 / 4
		if state.maxPermits < 1 {
			state.maxPermits = 1
		}
		// Waiters above the new ceiling stay queued.
	}
	l.mu.Unlock()

	if l.retryWindowEvents != nil {
		l.retryWindowEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String(observability.AttrConcurrencyKey, key),
		))
	}
	l.log.Debug("retry window set", "key", key, "retry_at", retryAt)
	return retryAt
}

// ReleaseOwner reclaims every outstanding reservation and queued wait that
// belongs to ownerID. Called when a permit holder dies.
func (l *Limiter) ReleaseOwner(ownerID string) {
	l.mu.Lock()
	ids := l.owners[ownerID]
	delete(l.owners, ownerID)

	keys := make(map[string]struct{})
	for id := range ids {
		res, ok := l.reservations[id]
		if !ok {
			continue
		}
		delete(l.reservations, id)
		if res.settled != nil {
			close(res.settled)
		}
		state := l.states[res.Key]
		if state == nil {
			continue
		}
		if state.budgetTotal > 0 {
			state.reserved -= res.Tokens
			if state.reserved < 0 {
				state.reserved = 0
			}
		}
		state.inUse -= res.Permits
		if state.inUse < 0 {
			state.inUse = 0
		}
		keys[res.Key] = struct{}{}
	}

	// Drop queued waiters owned by the departed caller.
	for key, state := range l.states {
		kept := state.waiters[:0]
		for _, w := range state.waiters {
			if w.req.OwnerID == ownerID && !w.done {
				w.done = true
				w.err = &BlockedError{Reason: ReasonPermitTimeout}
				close(w.ready)
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) != len(state.waiters) {
			state.waiters = kept
			keys[key] = struct{}{}
		}
	}

	for key := range keys {
		if state := l.states[key]; state != nil {
			l.admitWaitersLocked(key, state)
		}
	}
	l.mu.Unlock()
}

// MonitorOwner releases the owner's holdings when done closes. The caller
// wires this once per logical owner (e.g. a stream worker).
func (l *Limiter) MonitorOwner(ownerID string, done <-chan struct{}) {
	go func() {
		<-done
		l.ReleaseOwner(ownerID)
	}()
}

// Usage reports the current counters for a key; primarily for tests and
// debugging surfaces.
func (l *Limiter) Usage(key string) (inUse, maxPermits, used, reserved int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.states[key]
	if !ok {
		return 0, l.defaultMaxPermits(), 0, 0
	}
	l.slideWindow(key, state)
	return state.inUse, state.maxPermits, state.used, state.reserved
}

// --- internals; every helper below expects l.mu held unless noted ---

func (l *Limiter) keyState(key string, req *Request) *keyState {
	state, ok := l.states[key]
	if !ok {
		state = &keyState{
			maxPermits:     l.defaultMaxPermits(),
			budgetTotal:    l.cfg.TokenBudgetPerWindow,
			windowStart:    l.now(),
			windowDuration: l.cfg.WindowDuration,
			ceiling:        l.cfg.AdaptiveCeiling,
		}
		if state.windowDuration <= 0 {
			state.windowDuration = config.DefaultWindowDuration
		}
		l.states[key] = state
	}
	if req != nil {
		if req.MaxConcurrency > 0 {
			state.maxPermits = req.MaxConcurrency
		}
		if req.BudgetTotal > 0 {
			state.budgetTotal = req.BudgetTotal
		}
	}
	return state
}

func (l *Limiter) defaultMaxPermits() int {
	if l.cfg.MaxConcurrencyPerModel > 0 {
		return l.cfg.MaxConcurrencyPerModel
	}
	return config.DefaultMaxConcurrencyPerModel
}

func (l *Limiter) safetyMultiplier() float64 {
	if l.cfg.BudgetSafetyMultiplier > 0 {
		return l.cfg.BudgetSafetyMultiplier
	}
	return 1.0
}

// slideWindow resets the budget window when its duration elapsed. Ongoing
// reservations are re-charged against the new window.
func (l *Limiter) slideWindow(key string, state *keyState) {
	if state.budgetTotal <= 0 {
		return
	}
	now := l.now()
	if now.Before(state.windowStart.Add(state.windowDuration)) {
		return
	}
	state.windowStart = now
	state.used = 0
	state.reserved = 0
	for _, res := range l.reservations {
		if res.Key == key {
			state.reserved += res.Tokens
		}
	}
}

// admit grants the request when both the permit pool and the budget have
// room. Returns false without side effects otherwise.
func (l *Limiter) admit(state *keyState, req *Request) (*Reservation, bool) {
	if state.inUse+req.Permits > state.maxPermits {
		return nil, false
	}
	if state.budgetTotal > 0 && state.used+state.reserved+req.Tokens > state.budgetTotal {
		return nil, false
	}

	state.inUse += req.Permits
	if state.budgetTotal > 0 {
		state.reserved += req.Tokens
	}

	res := &Reservation{
		ID:      uuid.NewString(),
		Key:     req.Key,
		Permits: req.Permits,
		Tokens:  req.Tokens,
		OwnerID: req.OwnerID,
	}
	l.reservations[res.ID] = res
	if req.OwnerID != "" {
		if l.owners[req.OwnerID] == nil {
			l.owners[req.OwnerID] = make(map[string]struct{})
		}
		l.owners[req.OwnerID][res.ID] = struct{}{}
		if req.OwnerDone != nil {
			res.settled = make(chan struct{})
			l.monitorReservation(res, req.OwnerDone)
		}
	}
	return res, true
}

// monitorReservation cancels a reservation when its owner's done channel
// closes before Commit; a settled reservation releases the monitor.
func (l *Limiter) monitorReservation(res *Reservation, done <-chan struct{}) {
	go func() {
		select {
		case <-done:
			l.Cancel(res.ID)
		case <-res.settled:
		}
	}()
}

func (l *Limiter) blockedReason(state *keyState, req *Request) *BlockedError {
	if state.budgetTotal > 0 && state.used+state.reserved+req.Tokens > state.budgetTotal {
		return &BlockedError{
			Reason:  ReasonBudgetFull,
			RetryAt: state.windowStart.Add(state.windowDuration),
		}
	}
	return &BlockedError{Reason: ReasonNoPermit}
}

// admitWaitersLocked releases queued waiters strictly in FIFO order,
// stopping at the first one that does not fit.
func (l *Limiter) admitWaitersLocked(key string, state *keyState) {
	l.slideWindow(key, state)
	for len(state.waiters) > 0 {
		w := state.waiters[0]
		if w.done {
			state.waiters = state.waiters[1:]
			continue
		}
		res, ok := l.admit(state, &w.req)
		if !ok {
			return
		}
		w.res = res
		w.done = true
		close(w.ready)
		state.waiters = state.waiters[1:]
	}
}

// pump re-evaluates a key's queue; called from window-boundary timers.
func (l *Limiter) pump(key string) {
	l.mu.Lock()
	if state := l.states[key]; state != nil {
		l.admitWaitersLocked(key, state)
	}
	l.mu.Unlock()
}

// abandonWaiter removes a parked waiter after deadline or cancellation,
// unless it was granted concurrently, in which case the grant stands and
// the caller observes it instead of the timeout.
func (l *Limiter) abandonWaiter(key string, w *waiter, cause error) {
	l.mu.Lock()
	if w.done {
		l.mu.Unlock()
		// Lost the race with a grant; the caller observes the grant.
		return
	}
	w.done = true
	w.err = cause
	state := l.states[key]
	if state != nil {
		for i, queued := range state.waiters {
			if queued == w {
				state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
				break
			}
		}
	}
	close(w.ready)
	l.mu.Unlock()
}

func (l *Limiter) dropOwner(res *Reservation) {
	if res.OwnerID == "" {
		return
	}
	if ids := l.owners[res.OwnerID]; ids != nil {
		delete(ids, res.ID)
		if len(ids) == 0 {
			delete(l.owners, res.OwnerID)
		}
	}
}

// sleepUntil waits for a retry window to pass, bounded by ctx and deadline.
// Not called with the lock held.
func (l *Limiter) sleepUntil(ctx context.Context, t time.Time, deadline time.Time) error {
	if !deadline.IsZero() && t.After(deadline) {
		return &BlockedError{Reason: ReasonRateLimited, RetryAt: t}
	}
	d := t.Sub(l.now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) countBudgetReject(ctx context.Context, key string) {
	if l.budgetRejects != nil {
		l.budgetRejects.Add(ctx, 1, metric.WithAttributes(
			attribute.String(observability.AttrConcurrencyKey, key),
		))
	}
}

func (l *Limiter) countPermitWait(ctx context.Context, key string) {
	if l.permitWaits != nil {
		l.permitWaits.Add(ctx, 1, metric.WithAttributes(
			attribute.String(observability.AttrConcurrencyKey, key),
		))
	}
}
