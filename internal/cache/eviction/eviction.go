// Package eviction tracks how many features each cached cell holds and picks
// the cell to drop when the total goes over capacity.
package eviction

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	// Capacity is the maximum number of cached features.
	Capacity int
	Policy   Kind
	// HalfLife only applies to LFU.
	HalfLife time.Duration
}

type Stats struct {
	Accesses       int64 `json:"accesses"`
	Insertions     int64 `json:"insertions"`
	Evictions      int64 `json:"evictions"`
	Forgotten      int64 `json:"forgotten"`
	Entries        int   `json:"entries"`
	CachedFeatures int64 `json:"cached_features"`
	Capacity       int   `json:"capacity"`
	Policy         Kind  `json:"policy"`
}

// Tracker is safe for concurrent use.
type Tracker[K comparable] struct {
	capacity int
	kind     Kind

	mu     sync.Mutex
	policy Policy[K]
	counts map[K]int

	total      atomic.Int64
	accesses   atomic.Int64
	insertions atomic.Int64
	evictions  atomic.Int64
	forgotten  atomic.Int64
}

func New[K comparable](cfg Config) (*Tracker[K], error) {
	if cfg.Capacity <= 0 {
		return nil, errors.New("eviction capacity must be > 0")
	}
	if cfg.Policy == "" {
		cfg.Policy = LRU
	}
	p, err := NewPolicy[K](cfg.Policy, cfg.HalfLife)
	if err != nil {
		return nil, err
	}
	return &Tracker[K]{
		capacity: cfg.Capacity,
		kind:     cfg.Policy,
		policy:   p,
		counts:   make(map[K]int),
	}, nil
}

// RecordAccess notes a cache hit on k. Untracked keys only bump the counter.
func (t *Tracker[K]) RecordAccess(k K) {
	t.accesses.Add(1)
	t.mu.Lock()
	if _, ok := t.counts[k]; ok {
		t.policy.Touch(k)
	}
	t.mu.Unlock()
}

// RecordInsertion sets the feature count held by k, replacing any earlier count.
func (t *Tracker[K]) RecordInsertion(k K, features int) {
	if features < 0 {
		features = 0
	}
	t.insertions.Add(1)
	t.mu.Lock()
	prev := t.counts[k]
	t.counts[k] = features
	t.policy.Insert(k)
	t.total.Add(int64(features - prev))
	t.mu.Unlock()
}

// Forget drops k without counting an eviction. It reports whether k was tracked.
func (t *Tracker[K]) Forget(k K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.counts[k]
	if !ok {
		return false
	}
	delete(t.counts, k)
	t.policy.Remove(k)
	t.total.Add(-int64(n))
	t.forgotten.Add(1)
	return true
}

// SelectEvictionCandidate returns the next key to evict while the cached
// total is above capacity. The key is no longer tracked once returned.
func (t *Tracker[K]) SelectEvictionCandidate() (K, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero K
	if t.total.Load() <= int64(t.capacity) {
		return zero, false
	}
	k, ok := t.policy.Victim()
	if !ok {
		return zero, false
	}
	n := t.counts[k]
	delete(t.counts, k)
	t.total.Add(-int64(n))
	t.evictions.Add(1)
	return k, true
}

// Reset forgets every key. Counters keep running.
func (t *Tracker[K]) Reset() {
	t.mu.Lock()
	t.policy.Reset()
	t.counts = make(map[K]int)
	t.total.Store(0)
	t.mu.Unlock()
}

func (t *Tracker[K]) Evictions() int64 { return t.evictions.Load() }

// Total is the number of cached features across all tracked keys.
func (t *Tracker[K]) Total() int64 { return t.total.Load() }

func (t *Tracker[K]) Capacity() int { return t.capacity }

func (t *Tracker[K]) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}

func (t *Tracker[K]) Count(k K) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.counts[k]
	return n, ok
}

func (t *Tracker[K]) Statistics() Stats {
	return Stats{
		Accesses:       t.accesses.Load(),
		Insertions:     t.insertions.Load(),
		Evictions:      t.evictions.Load(),
		Forgotten:      t.forgotten.Load(),
		Entries:        t.Size(),
		CachedFeatures: t.total.Load(),
		Capacity:       t.capacity,
		Policy:         t.kind,
	}
}
