package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// MultiLimiter manages one rate limiter per backend surface
type MultiLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewMultiLimiter creates a new multi-limiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// AddLimiter adds a new rate limiter for a surface
// requestsPerSecond: the rate limit (e.g., 10 means 10 requests per second)
// burst: maximum burst size
func (m *MultiLimiter) AddLimiter(name string, requestsPerSecond float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[name] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Wait blocks until the limiter allows an event.
// Unknown names are not throttled.
func (m *MultiLimiter) Wait(ctx context.Context, name string) error {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return nil
	}

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("limiter %s: %w", name, err)
	}
	return nil
}

// Allow reports whether an event may happen now
func (m *MultiLimiter) Allow(name string) bool {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return true
	}

	return limiter.Allow()
}

// Limiter names
const (
	LimiterAPI       = "api"       // REST calls to the analysis backend
	LimiterStream    = "stream"    // websocket handshakes
	LimiterAnthropic = "anthropic" // digest generation
	LimiterSheets    = "sheets"    // Google Sheets export
)

// NewDefaultLimiter creates a limiter with default rate limits
func NewDefaultLimiter(apiPerSecond float64, apiBurst int) *MultiLimiter {
	m := NewMultiLimiter()

	if apiPerSecond <= 0 {
		apiPerSecond = 5
	}
	if apiBurst <= 0 {
		apiBurst = 10
	}
	m.AddLimiter(LimiterAPI, apiPerSecond, apiBurst)

	// Handshakes: 1 per second, burst 3
	m.AddLimiter(LimiterStream, 1, 3)

	// Anthropic: 10 requests per minute = ~0.17 per second, burst 2
	m.AddLimiter(LimiterAnthropic, 10.0/60, 2)

	// Sheets: 60 writes per minute, burst 5
	m.AddLimiter(LimiterSheets, 1, 5)

	return m
}
