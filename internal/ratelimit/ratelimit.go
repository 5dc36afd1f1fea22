// Package ratelimit implements adaptive token-bucket admission control for
// outbound calls to the remote file API.
//
// Every outbound call acquires a token first. When the remote reports
// throttling, the bucket's capacity is halved (bounded by a floor) and an
// exponential backoff window opens; sustained success recovers capacity
// additively toward the configured ceiling.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/backlinehq/syncd/internal/errors"
	"github.com/backlinehq/syncd/internal/metrics"
)

// Outcome is the observed result of an admitted remote call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeThrottled
)

// Config holds token bucket parameters.
type Config struct {
	Capacity   float64 // bucket ceiling, tokens
	RefillRate float64 // tokens per second
	Floor      float64 // minimum adaptive capacity

	BackoffBase time.Duration // first backoff window after a throttle
	BackoffMax  time.Duration // cap on the backoff window
}

// DefaultConfig returns limits that sit well under the remote API's
// published per-user quotas.
func DefaultConfig() Config {
	return Config{
		Capacity:    10,
		RefillRate:  5,
		Floor:       1,
		BackoffBase: time.Second,
		BackoffMax:  64 * time.Second,
	}
}

// waiter is one queued blocking caller.
type waiter struct {
	id uint64
}

// bucket is per-workspace token bucket state.
type bucket struct {
	tokens     float64
	capacity   float64 // adaptive, floor <= capacity <= cfg.Capacity
	lastRefill time.Time

	queue     []waiter // FIFO of blocked callers
	nextID    uint64
	throttles int       // consecutive throttles, drives backoff growth
	holdUntil time.Time // no admissions before this instant
}

// Limiter is the shared admission gate. One bucket per workspace.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
	logger  zerolog.Logger
	metrics *metrics.Metrics

	now func() time.Time // injectable clock for tests
}

// New creates a limiter. metrics may be nil.
func New(cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = DefaultConfig().RefillRate
	}
	if cfg.Floor <= 0 {
		cfg.Floor = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 64 * time.Second
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

func (l *Limiter) bucketFor(workspace string) *bucket {
	b, ok := l.buckets[workspace]
	if !ok {
		b = &bucket{
			tokens:     l.cfg.Capacity,
			capacity:   l.cfg.Capacity,
			lastRefill: l.now(),
		}
		l.buckets[workspace] = b
	}
	return b
}

// refill accrues tokens since the last refill. Caller holds l.mu.
func (l *Limiter) refill(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.cfg.RefillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
}

// TryAcquire attempts a non-blocking admission. Returns
// errors.ErrRateLimitExceeded when no token is available right now.
func (l *Limiter) TryAcquire(workspace string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(workspace)
	l.refill(b)

	if l.now().Before(b.holdUntil) || len(b.queue) > 0 || b.tokens < 1 {
		return serrors.ErrRateLimitExceeded
	}
	b.tokens--
	l.observe(workspace, b)
	return nil
}

// Acquire blocks until a token is available or ctx is cancelled. Blocked
// callers are admitted in FIFO order, so no caller starves.
func (l *Limiter) Acquire(ctx context.Context, workspace string) error {
	l.mu.Lock()
	b := l.bucketFor(workspace)
	w := waiter{id: b.nextID}
	b.nextID++
	b.queue = append(b.queue, w)
	l.observe(workspace, b)
	l.mu.Unlock()

	for {
		l.mu.Lock()
		l.refill(b)

		var wait time.Duration
		now := l.now()
		switch {
		case now.Before(b.holdUntil):
			wait = b.holdUntil.Sub(now)
		case len(b.queue) > 0 && b.queue[0].id == w.id && b.tokens >= 1:
			b.tokens--
			b.queue = b.queue[1:]
			l.observe(workspace, b)
			l.mu.Unlock()
			return nil
		case len(b.queue) > 0 && b.queue[0].id == w.id:
			// Head of the queue, waiting for the next token to accrue.
			wait = time.Duration((1 - b.tokens) / l.cfg.RefillRate * float64(time.Second))
		default:
			// Not at the head yet; wake when one more token could exist.
			wait = time.Duration(float64(time.Second) / l.cfg.RefillRate)
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			l.dropWaiter(workspace, b, w)
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *Limiter) dropWaiter(workspace string, b *bucket, w waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, q := range b.queue {
		if q.id == w.id {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	l.observe(workspace, b)
}

// ReportOutcome adjusts the bucket after an admitted call completes. For a
// throttled outcome it returns the backoff delay the caller should apply
// before retrying; for success it returns zero.
func (l *Limiter) ReportOutcome(workspace string, outcome Outcome) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(workspace)
	l.refill(b)

	switch outcome {
	case OutcomeThrottled:
		b.capacity = b.capacity / 2
		if b.capacity < l.cfg.Floor {
			b.capacity = l.cfg.Floor
		}
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		delay := l.cfg.BackoffBase << b.throttles
		if delay > l.cfg.BackoffMax || delay <= 0 {
			delay = l.cfg.BackoffMax
		}
		b.throttles++
		b.holdUntil = l.now().Add(delay)
		l.logger.Warn().
			Str("workspace", workspace).
			Float64("capacity", b.capacity).
			Dur("backoff", delay).
			Msg("remote throttling observed, reducing rate")
		l.observe(workspace, b)
		return delay

	case OutcomeSuccess:
		b.throttles = 0
		if b.capacity < l.cfg.Capacity {
			b.capacity++
			if b.capacity > l.cfg.Capacity {
				b.capacity = l.cfg.Capacity
			}
		}
		l.observe(workspace, b)
	}
	return 0
}

// Capacity returns the current adaptive capacity for a workspace.
func (l *Limiter) Capacity(workspace string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketFor(workspace)
	return b.capacity
}

// QueueDepth returns the number of callers blocked on a workspace's bucket.
func (l *Limiter) QueueDepth(workspace string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketFor(workspace)
	return len(b.queue)
}

// observe publishes bucket gauges. Caller holds l.mu.
func (l *Limiter) observe(workspace string, b *bucket) {
	if l.metrics == nil {
		return
	}
	l.metrics.RateCapacity.WithLabelValues(workspace).Set(b.capacity)
	l.metrics.RateWaiters.WithLabelValues(workspace).Set(float64(len(b.queue)))
}
