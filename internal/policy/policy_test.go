package policy

import (
	"testing"
	"time"
)

func TestShouldSyncDefaultsToInclude(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !e.ShouldSync("anything.txt", 100, time.Now()) {
		t.Fatal("expected default include=true with no rules")
	}
}

func TestShouldSyncGlobExclude(t *testing.T) {
	e, err := New([]Rule{{Pattern: "*.tmp", Priority: PriorityNormal, Include: false}})
	if err != nil {
		t.Fatal(err)
	}
	if e.ShouldSync("cache.tmp", 10, time.Now()) {
		t.Fatal("expected *.tmp to be excluded")
	}
	if !e.ShouldSync("cache.go", 10, time.Now()) {
		t.Fatal("expected non-matching path to remain included")
	}
}

func TestShouldSyncRegexPattern(t *testing.T) {
	e, err := New([]Rule{{Pattern: `/\.git\//`, Priority: PriorityNormal, Include: false}})
	if err != nil {
		t.Fatal(err)
	}
	if e.ShouldSync(".git/HEAD", 10, time.Now()) {
		t.Fatal("expected .git/ paths excluded by regex rule")
	}
}

func TestShouldSyncLiteralPattern(t *testing.T) {
	e, err := New([]Rule{{Pattern: "=node_modules", Priority: PriorityNormal, Include: false}})
	if err != nil {
		t.Fatal(err)
	}
	if e.ShouldSync("project/node_modules/x.js", 10, time.Now()) {
		t.Fatal("expected literal substring match to exclude")
	}
}

func TestShouldSyncHigherPriorityWins(t *testing.T) {
	e, err := New([]Rule{
		{Pattern: "*.log", Priority: PriorityLow, Include: false},
		{Pattern: "important.log", Priority: PriorityCritical, Include: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !e.ShouldSync("important.log", 10, time.Now()) {
		t.Fatal("expected critical-priority rule to override low-priority exclusion")
	}
}

func TestShouldSyncMaxSizeGate(t *testing.T) {
	e, err := New([]Rule{{Pattern: "*.bin", Priority: PriorityNormal, Include: false, MaxSize: 1000}})
	if err != nil {
		t.Fatal(err)
	}
	// Oversized file doesn't match the size-gated rule, so it keeps the
	// default include=true.
	if !e.ShouldSync("huge.bin", 5000, time.Now()) {
		t.Fatal("expected oversized file to skip the size-gated rule")
	}
	if e.ShouldSync("small.bin", 500, time.Now()) {
		t.Fatal("expected small file to be excluded by the size-gated rule")
	}
}

func TestShouldSyncActiveHoursGate(t *testing.T) {
	hours := &HourRange{Start: 9, End: 17}
	e, err := New([]Rule{{Pattern: "*.dat", Priority: PriorityNormal, Include: false, ActiveHours: hours}})
	if err != nil {
		t.Fatal(err)
	}
	inWindow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	outOfWindow := time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC)

	if e.ShouldSync("f.dat", 10, inWindow) {
		t.Fatal("expected exclusion rule to apply during active hours")
	}
	if !e.ShouldSync("f.dat", 10, outOfWindow) {
		t.Fatal("expected rule to be skipped outside active hours")
	}
}

func TestShouldSyncCachesDecision(t *testing.T) {
	e, err := New([]Rule{{Pattern: "*.tmp", Priority: PriorityNormal, Include: false}})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if e.ShouldSync("a.tmp", 10, now) {
		t.Fatal("expected exclusion")
	}
	e.InvalidateCache()
	if e.ShouldSync("a.tmp", 10, now.Add(10*time.Minute)) {
		t.Fatal("expected exclusion to persist after cache invalidation re-evaluates rules")
	}
}
