// Package traffic tracks request outcomes in sliding windows for health
// decisions: overload (denials), idleness (volume) and degradation (5xx rate).
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies a finished request.
type Outcome int

const (
	// Success is any request answered below 500.
	Success Outcome = iota
	// Error is a request answered with a 5xx.
	Error
	// Denied is a request rejected by the rate limiter.
	Denied
	numOutcomes
)

// DefaultRetention bounds how far back any window can look.
const DefaultRetention = 30 * time.Minute

// Tracker keeps outcome timestamps. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	times     [numOutcomes][]time.Time
	retention time.Duration
	now       func() time.Time
}

// New returns a Tracker keeping timestamps for retention (DefaultRetention if <= 0).
func New(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{retention: retention, now: time.Now}
}

// Record records one outcome now.
func (t *Tracker) Record(o Outcome) {
	t.RecordN(o, 1)
}

// RecordN records n outcomes now. For synthetic load in testing mode.
func (t *Tracker) RecordN(o Outcome, n int) {
	if o < 0 || o >= numOutcomes || n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for i := 0; i < n; i++ {
		t.times[o] = append(t.times[o], now)
	}
	t.pruneLocked(now)
}

// Count returns how many outcomes of kind o fall within window.
func (t *Tracker) Count(o Outcome, window time.Duration) int {
	if o < 0 || o >= numOutcomes {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.times[o], t.now().Add(-window))
}

// RequestCount returns all outcomes (success, error, denied) within window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	n := 0
	for o := range t.times {
		n += countSince(t.times[o], cutoff)
	}
	return n
}

// ErrorRate returns (errors, total) within window, where total excludes denials.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errors = countSince(t.times[Error], cutoff)
	return errors, errors + countSince(t.times[Success], cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for o := range t.times {
		t.times[o] = nil
	}
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than the retention. Slices are appended
// in time order so the stale prefix is contiguous.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	for o := range t.times {
		times := t.times[o]
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			t.times[o] = append(times[:0], times[i:]...)
		}
	}
}
