package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/backlinehq/syncd/internal/errors"
)

func testConfig() Config {
	return Config{
		Capacity:    4,
		RefillRate:  100,
		Floor:       1,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  80 * time.Millisecond,
	}
}

func TestTryAcquire_ExhaustsBucket(t *testing.T) {
	l := New(Config{Capacity: 2, RefillRate: 0.001, Floor: 1}, nil, zerolog.Nop())

	assert.NoError(t, l.TryAcquire("ws1"))
	assert.NoError(t, l.TryAcquire("ws1"))
	assert.ErrorIs(t, l.TryAcquire("ws1"), serrors.ErrRateLimitExceeded)

	// Independent workspace has its own bucket.
	assert.NoError(t, l.TryAcquire("ws2"))
}

func TestAcquire_BlocksUntilRefill(t *testing.T) {
	l := New(Config{Capacity: 1, RefillRate: 50, Floor: 1}, nil, zerolog.Nop())

	require.NoError(t, l.TryAcquire("ws"))

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx, "ws"))

	// One token accrues in ~20ms at 50 tokens/sec.
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	l := New(Config{Capacity: 1, RefillRate: 0.001, Floor: 1}, nil, zerolog.Nop())
	require.NoError(t, l.TryAcquire("ws"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "ws")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, l.QueueDepth("ws"))
}

func TestConservation(t *testing.T) {
	// Over a window, admitted calls never exceed capacity + window*refill.
	cfg := Config{Capacity: 5, RefillRate: 50, Floor: 1}
	l := New(cfg, nil, zerolog.Nop())

	var admitted atomic.Int64
	deadline := time.Now().Add(200 * time.Millisecond)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				if l.TryAcquire("ws") == nil {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// 0.2s window: 5 + 0.2*50 = 15 tokens, with slack for timer skew.
	assert.LessOrEqual(t, admitted.Load(), int64(18))
}

func TestThrottleHalvesCapacity(t *testing.T) {
	l := New(testConfig(), nil, zerolog.Nop())
	l.TryAcquire("ws")

	delay := l.ReportOutcome("ws", OutcomeThrottled)
	assert.Equal(t, 10*time.Millisecond, delay)
	assert.Equal(t, 2.0, l.Capacity("ws"))

	// Second consecutive throttle doubles the backoff and keeps halving.
	delay = l.ReportOutcome("ws", OutcomeThrottled)
	assert.Equal(t, 20*time.Millisecond, delay)
	assert.Equal(t, 1.0, l.Capacity("ws"))

	// Floor is respected.
	l.ReportOutcome("ws", OutcomeThrottled)
	assert.Equal(t, 1.0, l.Capacity("ws"))
}

func TestBackoffCapped(t *testing.T) {
	l := New(testConfig(), nil, zerolog.Nop())
	var delay time.Duration
	for i := 0; i < 10; i++ {
		delay = l.ReportOutcome("ws", OutcomeThrottled)
	}
	assert.Equal(t, 80*time.Millisecond, delay)
}

func TestSuccessRecoversAdditively(t *testing.T) {
	l := New(testConfig(), nil, zerolog.Nop())
	l.ReportOutcome("ws", OutcomeThrottled)
	l.ReportOutcome("ws", OutcomeThrottled)
	require.Equal(t, 1.0, l.Capacity("ws"))

	l.ReportOutcome("ws", OutcomeSuccess)
	assert.Equal(t, 2.0, l.Capacity("ws"))
	l.ReportOutcome("ws", OutcomeSuccess)
	l.ReportOutcome("ws", OutcomeSuccess)
	assert.Equal(t, 4.0, l.Capacity("ws"))

	// Never exceeds the ceiling.
	l.ReportOutcome("ws", OutcomeSuccess)
	assert.Equal(t, 4.0, l.Capacity("ws"))
}

func TestThrottleOpensHoldWindow(t *testing.T) {
	l := New(testConfig(), nil, zerolog.Nop())
	l.ReportOutcome("ws", OutcomeThrottled)

	// Admissions refused during the hold window even with tokens available.
	assert.ErrorIs(t, l.TryAcquire("ws"), serrors.ErrRateLimitExceeded)

	time.Sleep(15 * time.Millisecond)
	assert.NoError(t, l.TryAcquire("ws"))
}

func TestAcquire_FIFOOrder(t *testing.T) {
	l := New(Config{Capacity: 1, RefillRate: 100, Floor: 1}, nil, zerolog.Nop())
	require.NoError(t, l.TryAcquire("ws"))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background(), "ws"))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
		// Stagger goroutine entry so queue order is deterministic.
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
}
