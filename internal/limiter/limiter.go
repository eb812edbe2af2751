// Package limiter throttles login attempts with a sliding failure window and temporary lockouts.
package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether login is currently allowed and optional retry-after.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, key string) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, key string) (bool, time.Duration, error)
}

// Key combines an account and a client address; the address is hashed so raw IPs are never kept.
func Key(email, ip string) string {
	h := sha256.Sum256([]byte(ip))
	return email + "|" + hex.EncodeToString(h[:8])
}

type entry struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
}

// Memory is an in-process Limiter.
type Memory struct {
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time

	mu sync.Mutex
	m  map[string]*entry
}

var _ Limiter = (*Memory)(nil)

// NewMemory blocks a key for blockFor after maxFails failures within window.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now, m: map[string]*entry{}}
}

// Allow reports whether key may attempt a login now.
func (l *Memory) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[key]
	if !ok {
		return true, 0, nil
	}
	if wait := e.blockedUntil.Sub(l.now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Success forgets key.
func (l *Memory) Success(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.m, key)
	l.mu.Unlock()
	return nil
}

// Failure counts a failed attempt; failures older than the window restart the count.
func (l *Memory) Failure(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.m[key]
	if !ok || now.Sub(e.updatedAt) > l.window {
		e = &entry{}
		l.m[key] = e
	}
	e.fails++
	e.updatedAt = now
	if e.fails >= l.maxFails {
		e.blockedUntil = now.Add(l.blockFor)
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
