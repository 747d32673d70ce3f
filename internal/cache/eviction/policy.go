package eviction

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	// LRU evicts the entry that was accessed least recently. Entries never
	// accessed since insertion go in insertion order.
	LRU Kind = "lru"
	// LFU evicts the entry with the lowest exponentially decayed access score.
	LFU Kind = "lfu"
	// FIFO evicts in insertion order and ignores accesses.
	FIFO Kind = "fifo"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return LRU, nil
	case LRU, LFU, FIFO:
		return k, nil
	default:
		return "", fmt.Errorf("unknown eviction policy %q", s)
	}
}

// Policy orders tracked keys for eviction. Implementations are not safe for
// concurrent use; Tracker serialises calls.
type Policy[K comparable] interface {
	// Touch records a hit on k.
	Touch(k K)
	// Insert records that k was (re)populated.
	Insert(k K)
	Remove(k K)
	// Victim removes and returns the key to evict next.
	Victim() (K, bool)
	Len() int
	Reset()
}

func NewPolicy[K comparable](kind Kind, halfLife time.Duration) (Policy[K], error) {
	switch kind {
	case LRU, "", FIFO:
		p, err := newRecency[K](kind != FIFO)
		if err != nil {
			return nil, err
		}
		return p, nil
	case LFU:
		return newDecayed[K](halfLife), nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", kind)
	}
}
