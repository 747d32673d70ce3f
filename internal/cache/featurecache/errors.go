package featurecache

import (
	"errors"
	"fmt"
)

var (
	ErrClosed = errors.New("feature cache closed")
	// ErrLockWait is returned when the blocking variant gives up waiting for
	// another caller's fill of the same cell.
	ErrLockWait = errors.New("timed out waiting for cell fill")
)

// CacheOversizedError reports a single request whose result alone does not
// fit in the cache even after evicting everything else. It is not retryable.
type CacheOversizedError struct {
	Requested int
	Capacity  int
}

func (e *CacheOversizedError) Error() string {
	return fmt.Sprintf("cache oversized: request needs %d entries, capacity is %d", e.Requested, e.Capacity)
}

func IsOversized(err error) bool {
	var oe *CacheOversizedError
	return errors.As(err, &oe)
}
