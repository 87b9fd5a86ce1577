package bandwidth

import (
	"context"
	"testing"
	"time"
)

func TestThrottleAllowsWithinBurst(t *testing.T) {
	l := New(Config{MaxBytesPerSec: 1000, BurstAllowance: 1000}, Config{MaxBytesPerSec: 1000, BurstAllowance: 1000}, false, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Throttle(ctx, Upload, 500); err != nil {
		t.Fatalf("expected immediate success within burst, got %v", err)
	}
}

func TestThrottleBlocksBeyondBurstThenSucceeds(t *testing.T) {
	l := New(Config{MaxBytesPerSec: 10000, BurstAllowance: 100}, Config{MaxBytesPerSec: 10000, BurstAllowance: 100}, false, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	if err := l.Throttle(ctx, Upload, 1000); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("expected throttle to actually wait for tokens to refill")
	}
}

func TestThrottleRespectsTimeRestriction(t *testing.T) {
	// Window excludes the current hour entirely (guaranteed empty range).
	hours := &HourRange{Start: 0, End: 0}
	l := New(Config{MaxBytesPerSec: 1, BurstAllowance: 1}, Config{MaxBytesPerSec: 1, BurstAllowance: 1}, false, hours)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := l.Throttle(ctx, Upload, 1_000_000); err != nil {
		t.Fatalf("expected throttling to be bypassed outside allowed hours, got %v", err)
	}
}

func TestAdaptiveShrinksUnderHighUtilization(t *testing.T) {
	l := New(Config{MaxBytesPerSec: 1000, BurstAllowance: 100000}, Config{MaxBytesPerSec: 1000, BurstAllowance: 100000}, true, nil)
	b := l.buckets[Upload]

	ctx := context.Background()
	if err := l.Throttle(ctx, Upload, 9000); err != nil { // >80% of 1000*10s window
		t.Fatal(err)
	}
	// Expire the window; the next call evaluates the 9000 bytes recorded above.
	b.windowStart = time.Now().Add(-rollingWindow - time.Second)
	if err := l.Throttle(ctx, Upload, 1); err != nil {
		t.Fatal(err)
	}
	if l.CurrentLimit(Upload) >= 1000 {
		t.Fatalf("expected limit to shrink under high utilization, got %v", l.CurrentLimit(Upload))
	}
}
