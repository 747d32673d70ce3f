// Package storage persists opaque grid cell payloads keyed by identifier.
// Backends are chosen at construction time; the cache only sees Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/observability"
)

type Storage interface {
	// Put stores payload under id, replacing any previous value.
	Put(ctx context.Context, id string, payload []byte) error
	// Get returns the payload for id; found is false when nothing is stored.
	Get(ctx context.Context, id string) (payload []byte, found bool, err error)
	// Remove deletes id. Removing an absent id is not an error.
	Remove(ctx context.Context, id string) error
	// Clear removes every payload owned by this storage.
	Clear(ctx context.Context) error
	// Close releases the backend; disk storage also disposes its files.
	Close() error
	Name() string
}

// BatchGetter is implemented by backends that can read many payloads in one
// round trip. Ids without a payload are absent from the result.
type BatchGetter interface {
	GetMany(ctx context.Context, ids []string) (map[string][]byte, error)
}

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("storage closed")

// IOError is the failure kind of backends that talk to disk or network.
type IOError struct {
	Backend string
	Op      string
	ID      string
	Err     error
}

func (e *IOError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("storage %s %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s %q: %v", e.Backend, e.Op, e.ID, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func IsIOError(err error) bool {
	var ioe *IOError
	return errors.As(err, &ioe)
}

func ioErr(backend, op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Backend: backend, Op: op, ID: id, Err: err}
}

// observe records one storage operation; use as `defer observe(...)(&err)`.
func observe(backend, op string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		observability.ObserveStorageOp(backend, op, err, time.Since(start).Seconds())
	}
}
