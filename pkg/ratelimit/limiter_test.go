package ratelimit

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/gemcall/gemcall/pkg/config"
	"github.com/gemcall/gemcall/pkg/observability"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestReserveCommitReleasesPermit(t *testing.T) {
	l := New(config.RateLimitConfig{MaxConcurrencyPerModel: 1})
	ctx := context.Background()

	res, err := l.TryReserve(ctx, Request{Key: "m"})
	require.NoError(t, err)

	_, err = l.TryReserve(ctx, Request{Key: "m", NonBlocking: true})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonNoPermit, blocked.Reason)

	l.Commit(res.ID, 0)

	res2, err := l.TryReserve(ctx, Request{Key: "m", NonBlocking: true})
	require.NoError(t, err)
	l.Commit(res2.ID, 0)
}

func TestBudgetReservationAndSurplusReturn(t *testing.T) {
	l := New(config.RateLimitConfig{
		MaxConcurrencyPerModel: 4,
		TokenBudgetPerWindow:   100,
	})
	ctx := context.Background()

	res, err := l.TryReserve(ctx, Request{Key: "m", Tokens: 60})
	require.NoError(t, err)

	// 60 reserved + 60 requested exceeds the 100-token window.
	_, err = l.TryReserve(ctx, Request{Key: "m", Tokens: 60, NonBlocking: true})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonBudgetFull, blocked.Reason)
	assert.False(t, blocked.RetryAt.IsZero())

	// Actual usage was lower; the surplus goes back to the window.
	l.Commit(res.ID, 30)
	_, _, used, reserved := l.Usage("m")
	assert.Equal(t, 30, used)
	assert.Zero(t, reserved)

	res2, err := l.TryReserve(ctx, Request{Key: "m", Tokens: 60, NonBlocking: true})
	require.NoError(t, err)
	l.Commit(res2.ID, 60)
}

func TestOverBudgetRequestNeverWaits(t *testing.T) {
	l := New(config.RateLimitConfig{TokenBudgetPerWindow: 100})

	// Blocking request, but waiting cannot help: fail immediately.
	start := time.Now()
	_, err := l.TryReserve(context.Background(), Request{Key: "m", Tokens: 200})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonOverBudget, blocked.Reason)
	assert.True(t, blocked.RequestTooLarge)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBudgetSafetyMultiplierRaisesCeiling(t *testing.T) {
	l := New(config.RateLimitConfig{
		TokenBudgetPerWindow:   100,
		BudgetSafetyMultiplier: 2.0,
	})

	// 150 > 100 but within 100*2.0, so it queues rather than rejecting;
	// non-blocking surfaces budget_full instead of over_budget.
	_, err := l.TryReserve(context.Background(), Request{Key: "m", Tokens: 150, NonBlocking: true})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonBudgetFull, blocked.Reason)
	assert.False(t, blocked.RequestTooLarge)
}

func TestWindowSlideResetsUsage(t *testing.T) {
	clock := newFakeClock()
	l := New(config.RateLimitConfig{
		TokenBudgetPerWindow: 100,
		WindowDuration:       time.Minute,
	}, WithClock(clock.Now))
	ctx := context.Background()

	res, err := l.TryReserve(ctx, Request{Key: "m", Tokens: 80})
	require.NoError(t, err)
	l.Commit(res.ID, 80)

	_, err = l.TryReserve(ctx, Request{Key: "m", Tokens: 80, NonBlocking: true})
	require.Error(t, err)

	clock.Advance(61 * time.Second)

	res2, err := l.TryReserve(ctx, Request{Key: "m", Tokens: 80, NonBlocking: true})
	require.NoError(t, err)
	l.Commit(res2.ID, 80)
}

func TestWindowSlideRechargesLiveReservations(t *testing.T) {
	clock := newFakeClock()
	l := New(config.RateLimitConfig{
		TokenBudgetPerWindow: 100,
		WindowDuration:       time.Minute,
	}, WithClock(clock.Now))
	ctx := context.Background()

	// Still uncommitted when the window rolls over.
	res, err := l.TryReserve(ctx, Request{Key: "m", Tokens: 80})
	require.NoError(t, err)

	clock.Advance(61 * time.Second)

	// The live reservation is re-charged against the fresh window.
	_, err = l.TryReserve(ctx, Request{Key: "m", Tokens: 80, NonBlocking: true})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonBudgetFull, blocked.Reason)

	l.Commit(res.ID, 80)
}

func TestRetryWindowGate(t *testing.T) {
	l := New(config.RateLimitConfig{})
	ctx := context.Background()

	retryAt := l.RecordError(ctx, "m", 50*time.Millisecond)
	assert.True(t, retryAt.After(time.Now()))

	got, active := l.CheckRetryWindow("m")
	assert.True(t, active)
	assert.Equal(t, retryAt, got)

	_, err := l.TryReserve(ctx, Request{Key: "m", NonBlocking: true})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonRateLimited, blocked.Reason)
	assert.Equal(t, retryAt, blocked.RetryAt)

	// A blocking caller sleeps through the window and then succeeds.
	res, err := l.TryReserve(ctx, Request{Key: "m"})
	require.NoError(t, err)
	l.Commit(res.ID, 0)

	_, active = l.CheckRetryWindow("m")
	assert.False(t, active)
}

func TestRetryWindowBeyondDeadlineFailsFast(t *testing.T) {
	l := New(config.RateLimitConfig{})
	ctx := context.Background()

	l.RecordError(ctx, "m", time.Hour)

	start := time.Now()
	_, err := l.TryReserve(ctx, Request{
		Key:      "m",
		Deadline: time.Now().Add(10 * time.Millisecond),
	})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonRateLimited, blocked.Reason)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRecordErrorFallbackDelay(t *testing.T) {
	l := New(config.RateLimitConfig{})
	retryAt := l.RecordError(context.Background(), "m", 0)
	// No RetryInfo means the 60 s fallback window.
	assert.True(t, retryAt.After(time.Now().Add(59*time.Second)))
}

func TestWaitersGrantedInFIFOOrder(t *testing.T) {
	l := New(config.RateLimitConfig{MaxConcurrencyPerModel: 1})
	ctx := context.Background()

	res, err := l.TryReserve(ctx, Request{Key: "m"})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			granted, err := l.TryReserve(ctx, Request{Key: "m"})
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Commit(granted.ID, 0)
		}()
		// Stagger arrivals so queue order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	l.Commit(res.ID, 0)
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPermitWaitDeadline(t *testing.T) {
	l := New(config.RateLimitConfig{MaxConcurrencyPerModel: 1})
	ctx := context.Background()

	res, err := l.TryReserve(ctx, Request{Key: "m"})
	require.NoError(t, err)
	defer l.Commit(res.ID, 0)

	_, err = l.TryReserve(ctx, Request{
		Key:      "m",
		Deadline: time.Now().Add(30 * time.Millisecond),
	})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonPermitTimeout, blocked.Reason)
}

func TestOwnerDeathReclaimsHoldings(t *testing.T) {
	l := New(config.RateLimitConfig{MaxConcurrencyPerModel: 1})
	ctx := context.Background()

	done := make(chan struct{})
	_, err := l.TryReserve(ctx, Request{Key: "m", OwnerID: "worker-1", OwnerDone: done})
	require.NoError(t, err)

	inUse, _, _, _ := l.Usage("m")
	assert.Equal(t, 1, inUse)

	close(done)
	assert.Eventually(t, func() bool {
		inUse, _, _, _ := l.Usage("m")
		return inUse == 0
	}, time.Second, 5*time.Millisecond)
}

func TestCommitReleasesOwnerMonitor(t *testing.T) {
	l := New(config.RateLimitConfig{MaxConcurrencyPerModel: 4})
	ctx := context.Background()

	done := make(chan struct{})
	defer close(done)

	before := runtime.NumGoroutine()
	for i := 0; i < 25; i++ {
		res, err := l.TryReserve(ctx, Request{Key: "m", OwnerID: "worker-1", OwnerDone: done})
		require.NoError(t, err)
		if i%2 == 0 {
			l.Commit(res.ID, 0)
		} else {
			l.Cancel(res.ID)
		}
	}

	// Settled reservations must not keep their owner monitors alive.
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, time.Second, 10*time.Millisecond)
}

func TestBudgetRejectMetricIgnoresPermitShortfall(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("limiter-test")
	l := New(config.RateLimitConfig{
		MaxConcurrencyPerModel: 1,
		TokenBudgetPerWindow:   100,
	}, WithMeter(meter))
	ctx := context.Background()

	res, err := l.TryReserve(ctx, Request{Key: "m", Tokens: 10})
	require.NoError(t, err)

	// Permit shortfall with budget to spare: not a budget reject.
	_, err = l.TryReserve(ctx, Request{Key: "m", Tokens: 10, NonBlocking: true})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonNoPermit, blocked.Reason)
	assert.Zero(t, budgetRejectCount(t, reader))

	l.Commit(res.ID, 10)

	// A genuine budget shortfall still counts.
	_, err = l.TryReserve(ctx, Request{Key: "m", Tokens: 95, NonBlocking: true})
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, ReasonBudgetFull, blocked.Reason)
	assert.Equal(t, int64(1), budgetRejectCount(t, reader))
}

func budgetRejectCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != observability.MetricBudgetRejects {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestAdaptiveConcurrencyShrinksAndRecovers(t *testing.T) {
	l := New(config.RateLimitConfig{
		MaxConcurrencyPerModel: 4,
		AdaptiveConcurrency:    true,
		AdaptiveCeiling:        8,
	})
	ctx := context.Background()

	res, err := l.TryReserve(ctx, Request{Key: "m"})
	require.NoError(t, err)

	l.RecordError(ctx, "m", time.Millisecond)
	_, maxPermits, _, _ := l.Usage("m")
	assert.Equal(t, 3, maxPermits)

	// Each successful commit grows the pool back toward the ceiling.
	l.Commit(res.ID, 0)
	_, maxPermits, _, _ = l.Usage("m")
	assert.Equal(t, 4, maxPermits)
}

func TestCancelReturnsTokensUnused(t *testing.T) {
	l := New(config.RateLimitConfig{TokenBudgetPerWindow: 100})
	ctx := context.Background()

	res, err := l.TryReserve(ctx, Request{Key: "m", Tokens: 80})
	require.NoError(t, err)
	l.Cancel(res.ID)

	_, _, used, reserved := l.Usage("m")
	assert.Zero(t, used)
	assert.Zero(t, reserved)
}

func TestContextCancelAbandonsWaiter(t *testing.T) {
	l := New(config.RateLimitConfig{MaxConcurrencyPerModel: 1})

	res, err := l.TryReserve(context.Background(), Request{Key: "m"})
	require.NoError(t, err)
	defer l.Commit(res.ID, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = l.TryReserve(ctx, Request{Key: "m"})
	assert.ErrorIs(t, err, context.Canceled)
}
