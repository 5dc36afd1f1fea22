package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RateLimitConfig holds per-client API rate limiting.
type RateLimitConfig struct {
	RPS   int
	Burst int
}

type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	rps     int
	burst   int
}

type clientBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func (b *clientBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// NewRateLimitMiddleware returns a per-client-IP token bucket limiter for
// the management API. The adaptive limiter in internal/ratelimit protects
// the remote drive; this one protects the daemon itself.
func NewRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	rl := &rateLimiter{
		clients: make(map[string]*clientBucket),
		rps:     cfg.RPS,
		burst:   cfg.Burst,
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			rl.mu.Lock()
			now := time.Now()
			for ip, b := range rl.clients {
				if now.Sub(b.lastRefill) > 10*time.Minute {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}()

	return func(c *fiber.Ctx) error {
		if probePath(c.Path()) {
			return c.Next()
		}

		ip := c.IP()
		rl.mu.Lock()
		b, ok := rl.clients[ip]
		if !ok {
			b = &clientBucket{
				tokens:     float64(rl.burst),
				maxTokens:  float64(rl.burst),
				refillRate: float64(rl.rps),
				lastRefill: time.Now(),
			}
			rl.clients[ip] = b
		}
		allowed := b.allow()
		rl.mu.Unlock()

		if !allowed {
			c.Set("Retry-After", "1")
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limited", "Too Many Requests",
				"API rate limit exceeded")
		}
		return c.Next()
	}
}
