package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHonorsBurst(t *testing.T) {
	m := NewMemory(1, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, m.Allow(ctx, "client-a"), "request %d within burst", i)
	}
	assert.False(t, m.Allow(ctx, "client-a"), "burst exhausted")

	// Other clients have their own bucket.
	assert.True(t, m.Allow(ctx, "client-b"))
}

func TestMemorySweepPrunesStaleVisitors(t *testing.T) {
	m := NewMemory(1, 1)
	ctx := context.Background()

	m.Allow(ctx, "stale")
	m.Allow(ctx, "fresh")
	require.Equal(t, 2, m.size())

	m.mu.Lock()
	m.visitors["stale"].lastSeen = time.Now().Add(-10 * time.Minute)
	m.mu.Unlock()

	m.sweep(3 * time.Minute)
	assert.Equal(t, 1, m.size())

	// A pruned client simply gets a fresh bucket.
	assert.True(t, m.Allow(ctx, "stale"))
}

func TestRedisFailsOpenWhenUnreachable(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRedis(Config{RPS: 1, RedisAddr: "127.0.0.1:1"}, 1, log)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, r.Allow(ctx, "client-a"), "outage must not block traffic")
}

func TestNewSelectsBackend(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	assert.Nil(t, New(Config{}, log), "zero rps disables limiting")

	l := New(Config{RPS: 5}, log)
	_, ok := l.(*Memory)
	assert.True(t, ok)

	l = New(Config{RPS: 5, RedisAddr: "127.0.0.1:6379"}, log)
	_, ok = l.(*Redis)
	assert.True(t, ok)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 1, RetryAfter(2))
	assert.Equal(t, 4, RetryAfter(0.25))
	assert.Equal(t, 1, RetryAfter(0))
}
