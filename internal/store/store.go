// Package store holds the latest observation per station in a sharded,
// concurrency-safe map.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kjstillabower/weather-aggregation-service/internal/models"
)

const shardCount = 32

// ErrEmptyID is returned by Upsert when the observation has no identifier.
var ErrEmptyID = errors.New("store: observation id is empty")

// Outcome reports whether an upsert inserted a new station or replaced an existing one.
type Outcome int

const (
	Created Outcome = iota
	Updated
)

func (o Outcome) String() string {
	if o == Created {
		return "created"
	}
	return "updated"
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]models.Observation
}

// Store maps station id to its latest Observation. Upserts to different
// stations in different shards never contend; every read returns copies.
type Store struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used to stamp LastUpdated. For tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]models.Observation)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%shardCount]
}

// Upsert inserts obs or fully replaces the existing entry for obs.ID, stamping
// it with logicalTime and the current wall time. The outcome is decided under
// the shard lock, so concurrent upserts of the same id yield exactly one Created.
func (s *Store) Upsert(obs models.Observation, logicalTime int64) (Outcome, error) {
	if obs.ID == "" {
		return 0, ErrEmptyID
	}
	entry := obs.Clone()
	entry.LogicalTime = logicalTime

	sh := s.shardFor(obs.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry.LastUpdated = s.now()
	_, exists := sh.entries[obs.ID]
	sh.entries[obs.ID] = entry
	if exists {
		return Updated, nil
	}
	return Created, nil
}

// Get returns a copy of the entry for id.
func (s *Store) Get(id string) (models.Observation, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	obs, ok := sh.entries[id]
	if !ok {
		return models.Observation{}, false
	}
	return obs.Clone(), true
}

// Snapshot returns a point-in-time copy of every entry, sorted by id.
// All shard read locks are held together while copying, so the result never
// mixes states from before and after a concurrent mutation.
func (s *Store) Snapshot() []models.Observation {
	for _, sh := range s.shards {
		sh.mu.RLock()
	}
	n := 0
	for _, sh := range s.shards {
		n += len(sh.entries)
	}
	out := make([]models.Observation, 0, n)
	for _, sh := range s.shards {
		for _, obs := range sh.entries {
			out = append(out, obs.Clone())
		}
	}
	for _, sh := range s.shards {
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EvictOlderThan removes every entry whose LastUpdated is more than maxAge
// before now and returns how many were removed. Each entry is judged by its
// own timestamp under its shard lock, so entries refreshed during the pass survive.
func (s *Store) EvictOlderThan(maxAge time.Duration, now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, obs := range sh.entries {
			if now.Sub(obs.LastUpdated) > maxAge {
				delete(sh.entries, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Load hydrates the store from a persisted snapshot, keeping each entry's
// logical time. Entries without an id are skipped; entries without a
// LastUpdated are stamped now. It returns the number loaded and the highest
// logical time seen.
func (s *Store) Load(entries []models.Observation) (loaded int, maxLogical int64) {
	now := s.now()
	for _, obs := range entries {
		if obs.ID == "" {
			continue
		}
		entry := obs.Clone()
		if entry.LastUpdated.IsZero() {
			entry.LastUpdated = now
		}
		sh := s.shardFor(entry.ID)
		sh.mu.Lock()
		if _, exists := sh.entries[entry.ID]; !exists {
			loaded++
		}
		sh.entries[entry.ID] = entry
		sh.mu.Unlock()
		if entry.LogicalTime > maxLogical {
			maxLogical = entry.LogicalTime
		}
	}
	return loaded, maxLogical
}

// Clear removes all entries. Administrative reset; not part of the client protocol.
func (s *Store) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]models.Observation)
		sh.mu.Unlock()
	}
}

// Len returns the number of stations held.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
