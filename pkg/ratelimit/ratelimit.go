// Package ratelimit provides per-client request limiting: an in-process
// token bucket for single-node deployments and a Redis bucket shared
// across replicas. Clients are keyed by API key when authenticated, by IP
// otherwise.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
)

// Limiter answers whether a client may proceed. Implementations fail open:
// a broken limiter degrades to no limiting, never to an outage.
type Limiter interface {
	Allow(ctx context.Context, client string) bool
}

// Config selects and tunes the limiter backend.
type Config struct {
	// RPS is the sustained per-client rate; zero disables limiting.
	RPS   float64
	Burst int
	// RedisAddr switches to the shared Redis bucket when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// New builds the configured limiter, or nil when limiting is disabled.
func New(cfg Config, log *slog.Logger) Limiter {
	if cfg.RPS <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(math.Ceil(cfg.RPS))
	}
	if cfg.RedisAddr != "" {
		return NewRedis(cfg, burst, log)
	}
	return NewMemory(cfg.RPS, burst)
}

// RetryAfter suggests a client backoff in whole seconds for a rate.
func RetryAfter(rps float64) int {
	if rps <= 0 {
		return 1
	}
	s := int(math.Ceil(1 / rps))
	if s < 1 {
		return 1
	}
	return s
}
