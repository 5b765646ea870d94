package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	defaultIdleTTL   = 10 * time.Minute
	defaultSweepTick = time.Minute
)

type limit struct {
	rate  float64
	burst float64
}

type bucket struct {
	tokens float64
	seen   time.Time
	limit
}

// refill credits the tokens earned since the bucket was last seen, capped at
// burst, and marks the bucket seen at now.
func (b *bucket) refill(now time.Time) {
	if d := now.Sub(b.seen); d > 0 {
		b.tokens = min(b.burst, b.tokens+d.Seconds()*b.rate)
	}
	b.seen = now
}

// MemoryLimiter is an in-process token bucket per key. A plugin starts with a
// full bucket of burst writes which refills at rate writes per second.
// Buckets idle for longer than the idle TTL are forgotten by a background
// sweeper; Close stops it.
type MemoryLimiter struct {
	def     limit
	keyed   map[string]limit
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock replaces time.Now. Tests use it to step refills deterministically.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// WithIdleTTL sets how long an untouched bucket is kept.
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(m *MemoryLimiter) {
		if d > 0 {
			m.idleTTL = d
		}
	}
}

// WithKeyRate gives key its own rate and burst instead of the defaults.
func WithKeyRate(key string, rate float64, burst int) MemoryOption {
	return func(m *MemoryLimiter) {
		m.keyed[key] = limit{rate: rate, burst: float64(max(burst, 1))}
	}
}

// NewMemoryLimiter returns a limiter allowing rate writes per second with
// bursts of up to burst writes. A burst below one is raised to one.
func NewMemoryLimiter(rate float64, burst int, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		def:     limit{rate: rate, burst: float64(max(burst, 1))},
		keyed:   make(map[string]limit),
		idleTTL: defaultIdleTTL,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.sweepLoop(defaultSweepTick)
	return m
}

// Allow spends one token from key's bucket and reports whether one was left.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bucketLocked(key)
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Tokens reports the writes key could make right now without being limited.
func (m *MemoryLimiter) Tokens(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bucketLocked(key).tokens
}

func (m *MemoryLimiter) bucketLocked(key string) *bucket {
	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		l, keyed := m.keyed[key]
		if !keyed {
			l = m.def
		}
		b = &bucket{tokens: l.burst, seen: now, limit: l}
		m.buckets[key] = b
		return b
	}
	b.refill(now)
	return b
}

// Reset forgets key. Its next write starts from a full bucket.
func (m *MemoryLimiter) Reset(key string) {
	m.mu.Lock()
	delete(m.buckets, key)
	m.mu.Unlock()
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the sweeper. It may be called more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

// sweep drops buckets idle past the TTL and returns how many it dropped.
func (m *MemoryLimiter) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.idleTTL)
	n := 0
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
			n++
		}
	}
	return n
}
