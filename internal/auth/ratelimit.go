package auth

import (
	"sync"
	"time"
)

// AttemptLimiter tracks consecutive credential failures per key in process
// memory. After max failures inside the window the key is locked for one
// window from the moment the limit was hit. State is best-effort and local:
// a process restart clears it.
type AttemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	entries map[string]*attemptEntry
}

type attemptEntry struct {
	failures    int
	firstFailed time.Time
	lockedUntil time.Time
}

func NewAttemptLimiter(max int, window time.Duration) *AttemptLimiter {
	return &AttemptLimiter{
		max:     max,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*attemptEntry),
	}
}

// Locked reports whether key is currently locked out. Expired entries are
// pruned as a side effect.
func (l *AttemptLimiter) Locked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return false
	}

	now := l.now()
	if !e.lockedUntil.IsZero() {
		if now.Before(e.lockedUntil) {
			return true
		}
		delete(l.entries, key)
		return false
	}
	if now.Sub(e.firstFailed) > l.window {
		delete(l.entries, key)
	}
	return false
}

// RecordFailure counts one failed attempt against key. Counting restarts
// when the previous failure streak fell outside the window.
func (l *AttemptLimiter) RecordFailure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok || (e.lockedUntil.IsZero() && now.Sub(e.firstFailed) > l.window) {
		l.entries[key] = &attemptEntry{failures: 1, firstFailed: now}
		return
	}
	e.failures++
	if e.failures >= l.max && e.lockedUntil.IsZero() {
		e.lockedUntil = now.Add(l.window)
	}
}

// Reset clears the failure streak for key after a successful validation.
func (l *AttemptLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}
