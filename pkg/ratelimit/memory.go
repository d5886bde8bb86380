package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Memory is a per-client token bucket held in process memory. A janitor
// goroutine prunes clients idle for three minutes so the visitor map
// cannot grow without bound.
type Memory struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemory starts the limiter and its janitor.
func NewMemory(rps float64, burst int) *Memory {
	m := &Memory{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go m.janitor()
	return m
}

// Allow consumes one token from the client's bucket.
func (m *Memory) Allow(_ context.Context, client string) bool {
	return m.limiter(client).Allow()
}

func (m *Memory) limiter(client string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.visitors[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(m.rps, m.burst)}
		m.visitors[client] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (m *Memory) janitor() {
	for {
		time.Sleep(time.Minute)
		m.sweep(3 * time.Minute)
	}
}

func (m *Memory) sweep(staleAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client, v := range m.visitors {
		if time.Since(v.lastSeen) > staleAfter {
			delete(m.visitors, client)
		}
	}
}

func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.visitors)
}
