package grid

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// State is the lifecycle position of one cell instance.
type State int32

const (
	Unregistered State = iota
	PendingFetch
	Registered
	Evicted
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case PendingFetch:
		return "pending"
	case Registered:
		return "registered"
	case Evicted:
		return "evicted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type CellID struct {
	Row, Col int
}

func (id CellID) String() string { return fmt.Sprintf("r%d:c%d", id.Row, id.Col) }

// Ref names one instance of a cell. A slot that was evicted and filled again
// carries a new generation, so stale refs never touch the new instance.
type Ref struct {
	ID  CellID
	Gen uint64
}

func (r Ref) String() string { return fmt.Sprintf("%s:g%d", r.ID, r.Gen) }

type cell struct {
	gen   uint64
	state atomic.Int32
}

func (c *cell) load() State { return State(c.state.Load()) }

func (c *cell) cas(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// register moves the instance to Registered from any non-terminal state.
func (c *cell) register() bool {
	for {
		switch s := c.load(); s {
		case Registered:
			return true
		case Evicted:
			return false
		default:
			if c.cas(s, Registered) {
				return true
			}
		}
	}
}

func (c *cell) evict() bool {
	for {
		s := c.load()
		if s == Evicted {
			return false
		}
		if c.cas(s, Evicted) {
			return true
		}
	}
}

const numShards = 64

type shard struct {
	mu    sync.RWMutex
	slots map[CellID]*cell
}

func pick(shards *[numShards]shard, id CellID) *shard {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(id.Row))
	binary.LittleEndian.PutUint64(b[8:], uint64(id.Col))
	h := xxhash.Sum64(b[:])
	return &shards[h&(numShards-1)]
}
