package eviction

import (
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// recency keeps keys in a simplelru list sized far beyond any cell count;
// the tracker decides when to evict, so the list itself never drops keys.
type recency[K comparable] struct {
	list         *simplelru.LRU[K, struct{}]
	touchUpdates bool
}

func newRecency[K comparable](touchUpdates bool) (*recency[K], error) {
	l, err := simplelru.NewLRU[K, struct{}](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	return &recency[K]{list: l, touchUpdates: touchUpdates}, nil
}

func (p *recency[K]) Touch(k K) {
	if p.touchUpdates {
		p.list.Get(k)
	}
}

func (p *recency[K]) Insert(k K) {
	if !p.touchUpdates && p.list.Contains(k) {
		return
	}
	p.list.Add(k, struct{}{})
}

func (p *recency[K]) Remove(k K) { p.list.Remove(k) }

func (p *recency[K]) Victim() (K, bool) {
	k, _, ok := p.list.RemoveOldest()
	return k, ok
}

func (p *recency[K]) Len() int { return p.list.Len() }

func (p *recency[K]) Reset() { p.list.Purge() }
