package ratelimit

import (
	"context"
	"sync"
	"time"
)

// How long an idle key keeps its bucket before the sweeper drops it, and how
// often the sweeper runs.
const (
	maxIdle       = 10 * time.Minute
	sweepInterval = time.Minute
)

// entry is the bucket state for one key. level counts fractional tokens;
// touched is the last refill time.
type entry struct {
	level   float64
	touched time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory. Suitable
// for a single instance; a multi-instance deployment would need a shared
// store behind the Limiter interface instead.
type MemoryLimiter struct {
	perSec   float64
	capacity float64

	mu      sync.Mutex
	entries map[string]*entry

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryLimiter creates a limiter allowing a sustained perSec requests per
// second per key, with bursts up to burst. A sweeper goroutine drops keys
// idle longer than maxIdle; Close stops it.
func NewMemoryLimiter(perSec float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		perSec:   perSec,
		capacity: float64(burst),
		entries:  make(map[string]*entry),
		closed:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Allow takes one token from key's bucket, reporting whether one was
// available. Buckets refill lazily on access; an unseen key starts full.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e := m.entries[key]
	if e == nil {
		e = &entry{level: m.capacity, touched: now}
		m.entries[key] = e
	} else {
		e.level += now.Sub(e.touched).Seconds() * m.perSec
		if e.level > m.capacity {
			e.level = m.capacity
		}
		e.touched = now
	}

	if e.level < 1 {
		return false, nil
	}
	e.level--
	return true, nil
}

// Close stops the sweeper. Idempotent.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *MemoryLimiter) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.closed:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

// sweep drops buckets idle past maxIdle.
func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	horizon := time.Now().Add(-maxIdle)
	for key, e := range m.entries {
		if e.touched.Before(horizon) {
			delete(m.entries, key)
		}
	}
}
