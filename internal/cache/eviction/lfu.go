package eviction

import (
	"math"
	"time"
)

type decayedEntry struct {
	score float64
	last  time.Time
	seq   uint64
}

// decayed scores keys by access count with exponential decay so a burst of
// old hits does not pin a cell forever.
type decayed[K comparable] struct {
	halfLife time.Duration
	now      func() time.Time
	seq      uint64
	m        map[K]*decayedEntry
}

func newDecayed[K comparable](halfLife time.Duration) *decayed[K] {
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	return &decayed[K]{halfLife: halfLife, now: time.Now, m: make(map[K]*decayedEntry)}
}

func (p *decayed[K]) Touch(k K) {
	e := p.m[k]
	if e == nil {
		return
	}
	n := p.now()
	e.score = decay(e.score, n.Sub(e.last).Seconds(), p.halfLife.Seconds()) + 1
	e.last = n
}

func (p *decayed[K]) Insert(k K) {
	if _, ok := p.m[k]; ok {
		return
	}
	p.seq++
	p.m[k] = &decayedEntry{last: p.now(), seq: p.seq}
}

func (p *decayed[K]) Remove(k K) { delete(p.m, k) }

func (p *decayed[K]) Victim() (K, bool) {
	var (
		victim K
		best   *decayedEntry
		bestS  float64
		found  bool
	)
	n := p.now()
	hl := p.halfLife.Seconds()
	for k, e := range p.m {
		s := decay(e.score, n.Sub(e.last).Seconds(), hl)
		if !found || s < bestS || (s == bestS && e.seq < best.seq) {
			victim, best, bestS, found = k, e, s, true
		}
	}
	if found {
		delete(p.m, victim)
	}
	return victim, found
}

func (p *decayed[K]) Len() int { return len(p.m) }

func (p *decayed[K]) Reset() { p.m = make(map[K]*decayedEntry) }

func decay(score, dt, halfLife float64) float64 {
	if score == 0 || dt <= 0 || halfLife <= 0 {
		return score
	}
	lambda := math.Ln2 / halfLife
	return score * math.Exp(-lambda*dt)
}
