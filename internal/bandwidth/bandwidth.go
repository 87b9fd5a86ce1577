// Package bandwidth implements per-direction token-bucket throttling
// with an adaptive rolling-window mode and optional time-restricted
// enforcement.
package bandwidth

import (
	"context"
	"sync"
	"time"
)

// Direction distinguishes upload from download throttling.
type Direction int

const (
	Upload Direction = iota
	Download
)

// HourRange is a half-open [Start,End) hour-of-day window.
type HourRange struct {
	Start, End int
}

func (h *HourRange) activeAt(t time.Time) bool {
	if h == nil {
		return true
	}
	hour := t.Hour()
	return hour >= h.Start && hour < h.End
}

const rollingWindow = 10 * time.Second

// bucket is one direction's token bucket plus its rolling-window
// utilization sample.
type bucket struct {
	mu sync.Mutex

	maxBytesPerSec float64
	burst          float64
	tokens         float64
	lastRefill     time.Time

	originalLimit float64
	windowStart   time.Time
	windowUsed    int64
}

func newBucket(maxBytesPerSec, burst float64, now time.Time) *bucket {
	return &bucket{
		maxBytesPerSec: maxBytesPerSec,
		burst:          burst,
		tokens:         burst,
		lastRefill:     now,
		originalLimit:  maxBytesPerSec,
		windowStart:    now,
	}
}

func (b *bucket) refill(now time.Time, capacity float64) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.maxBytesPerSec
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastRefill = now
}

// Limiter holds one bucket per direction and an optional active-hours
// restriction applied to both.
type Limiter struct {
	buckets      map[Direction]*bucket
	allowedHours *HourRange
	adaptive     bool
}

// Config seeds a direction's initial token-bucket parameters.
type Config struct {
	MaxBytesPerSec float64
	BurstAllowance float64
}

// New builds a Limiter with independent upload/download buckets.
func New(upload, download Config, adaptive bool, allowedHours *HourRange) *Limiter {
	now := time.Now()
	return &Limiter{
		buckets: map[Direction]*bucket{
			Upload:   newBucket(upload.MaxBytesPerSec, upload.BurstAllowance, now),
			Download: newBucket(download.MaxBytesPerSec, download.BurstAllowance, now),
		},
		allowedHours: allowedHours,
		adaptive:     adaptive,
	}
}

// Throttle blocks until n bytes worth of tokens are available for dir,
// or ctx is cancelled. Outside allowedHours (if set) it returns
// immediately — throttling is not enforced.
func (l *Limiter) Throttle(ctx context.Context, dir Direction, n int64) error {
	b := l.buckets[dir]

	for {
		now := time.Now()
		if !l.allowedHours.activeAt(now) {
			return nil
		}

		b.mu.Lock()
		// A request larger than the burst allowance may accumulate up to
		// its own size, so it waits for refill instead of never fitting.
		capacity := b.burst
		if float64(n) > capacity {
			capacity = float64(n)
		}
		b.refill(now, capacity)
		if l.adaptive {
			b.observeAndAdapt(now, n)
		}
		if b.tokens >= float64(n) {
			b.tokens -= float64(n)
			b.mu.Unlock()
			return nil
		}
		deficit := float64(n) - b.tokens
		wait := time.Duration(deficit/b.maxBytesPerSec*float64(time.Second)) + time.Millisecond
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// observeAndAdapt implements the 10s rolling-utilization adjustment:
// >80% utilization shrinks the limit 20%, <30% grows it 10% (capped at
// the original configured limit). Must be called with b.mu held.
func (b *bucket) observeAndAdapt(now time.Time, n int64) {
	if now.Sub(b.windowStart) >= rollingWindow {
		utilization := float64(b.windowUsed) / (b.maxBytesPerSec * rollingWindow.Seconds())
		switch {
		case utilization > 0.8:
			b.maxBytesPerSec *= 0.8
		case utilization < 0.3:
			b.maxBytesPerSec = minFloat(b.maxBytesPerSec*1.1, b.originalLimit)
		}
		b.windowStart = now
		b.windowUsed = 0
	}
	b.windowUsed += n
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// CurrentLimit returns dir's live max_bytes_per_s, reflecting any
// adaptive adjustment applied so far.
func (l *Limiter) CurrentLimit(dir Direction) float64 {
	b := l.buckets[dir]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxBytesPerSec
}
