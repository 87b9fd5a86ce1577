// Package policy implements selective sync: a rule list gating which
// paths are synchronized at all, with a short-lived decision cache.
package policy

import (
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Priority orders which matching rule's include bit survives when
// several rules match the same path.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Rule is one selective-sync entry. Pattern is interpreted as glob
// (default), regex (delimited by a leading and trailing '/'), or a
// literal substring (prefixed with "="), matched against a
// slash-normalized path.
type Rule struct {
	Pattern     string
	Priority    Priority
	Include     bool
	ActiveHours *HourRange // nil = always active
	MaxSize     int64      // 0 = unbounded
	Tags        []string

	compiled *regexp.Regexp
}

// HourRange is a half-open [Start,End) hour-of-day window, local time.
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

const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	include bool
	expires time.Time
}

// Engine evaluates a rule list against candidate paths, caching
// decisions for cacheTTL.
type Engine struct {
	rules []Rule

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New compiles rules (regex patterns are precompiled once) and returns
// a ready Engine.
func New(rules []Rule) (*Engine, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		if strings.HasPrefix(r.Pattern, "/") && strings.HasSuffix(r.Pattern, "/") && len(r.Pattern) >= 2 {
			re, err := regexp.Compile(r.Pattern[1 : len(r.Pattern)-1])
			if err != nil {
				return nil, err
			}
			r.compiled = re
		}
		compiled[i] = r
	}
	return &Engine{rules: compiled, cache: make(map[string]cacheEntry)}, nil
}

func normalize(path string) string {
	return filepath.ToSlash(path)
}

func (r *Rule) matches(path string) bool {
	switch {
	case r.compiled != nil:
		return r.compiled.MatchString(path)
	case strings.HasPrefix(r.Pattern, "="):
		return strings.Contains(path, r.Pattern[1:])
	default:
		ok, err := filepath.Match(r.Pattern, path)
		return err == nil && ok
	}
}

// ShouldSync decides whether path is synchronized, honoring size and
// active-hours gates on the rule that last overrides the include bit.
// Starts from include=true and applies matching rules in order;
// the highest-priority matching rule's verdict wins ties by later
// insertion order.
func (e *Engine) ShouldSync(path string, size int64, now time.Time) bool {
	norm := normalize(path)

	e.mu.Lock()
	if entry, ok := e.cache[norm]; ok && now.Before(entry.expires) {
		e.mu.Unlock()
		return entry.include
	}
	e.mu.Unlock()

	include := true
	winningPriority := Priority(-1)
	for _, r := range e.rules {
		if !r.matches(norm) {
			continue
		}
		if r.MaxSize > 0 && size > r.MaxSize {
			continue
		}
		if !r.ActiveHours.activeAt(now) {
			continue
		}
		if r.Priority >= winningPriority {
			include = r.Include
			winningPriority = r.Priority
		}
	}

	e.mu.Lock()
	e.cache[norm] = cacheEntry{include: include, expires: now.Add(cacheTTL)}
	e.mu.Unlock()
	return include
}

// InvalidateCache drops every cached decision, forcing re-evaluation
// on next ShouldSync — used when the rule list itself changes.
func (e *Engine) InvalidateCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cacheEntry)
}
