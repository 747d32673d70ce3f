package router

import (
	"context"
	"errors"
	"net/http"

	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/featurecache"
	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/storage"
)

// StatusFor maps a cache error to the HTTP status returned to the client.
// Anything unrecognised came from the backing source.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case featurecache.IsOversized(err):
		return http.StatusRequestEntityTooLarge
	case storage.IsIOError(err),
		errors.Is(err, featurecache.ErrLockWait),
		errors.Is(err, featurecache.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
