package storage

import (
	"context"
	"time"

	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/redisstore"
)

// Redis stores payloads as plain string values under a namespace prefix so
// Clear never touches keys owned by anything else on the server.
type Redis struct {
	cli       *redisstore.Client
	ns        string
	opTimeout time.Duration
	ownsCli   bool
}

var (
	_ Storage     = (*Redis)(nil)
	_ BatchGetter = (*Redis)(nil)
)

type RedisOption func(*Redis)

// WithOpTimeout bounds every round trip; zero means the caller's context only.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.opTimeout = d }
}

// WithOwnedClient makes Close also close the underlying client.
func WithOwnedClient() RedisOption {
	return func(r *Redis) { r.ownsCli = true }
}

func NewRedis(cli *redisstore.Client, namespace string, opts ...RedisOption) *Redis {
	r := &Redis{cli: cli, ns: namespace}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Put(ctx context.Context, id string, payload []byte) (err error) {
	defer observe("redis", "put")(&err)
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return ioErr("redis", "put", id, r.cli.Set(ctx, r.ns+id, payload, 0))
}

func (r *Redis) Get(ctx context.Context, id string) (_ []byte, _ bool, err error) {
	defer observe("redis", "get")(&err)
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	b, ok, gerr := r.cli.Get(ctx, r.ns+id)
	if gerr != nil {
		return nil, false, ioErr("redis", "get", id, gerr)
	}
	return b, ok, nil
}

// GetMany reads all ids with a single MGET.
func (r *Redis) GetMany(ctx context.Context, ids []string) (_ map[string][]byte, err error) {
	defer observe("redis", "get_many")(&err)
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	full := make([]string, len(ids))
	for i, id := range ids {
		full[i] = r.ns + id
	}
	got, gerr := r.cli.MGet(ctx, full)
	if gerr != nil {
		return nil, ioErr("redis", "get_many", "", gerr)
	}
	out := make(map[string][]byte, len(got))
	for i, id := range ids {
		if b, ok := got[full[i]]; ok {
			out[id] = b
		}
	}
	return out, nil
}

func (r *Redis) Remove(ctx context.Context, id string) (err error) {
	defer observe("redis", "remove")(&err)
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return ioErr("redis", "remove", id, r.cli.Del(ctx, r.ns+id))
}

func (r *Redis) Clear(ctx context.Context) (err error) {
	defer observe("redis", "clear")(&err)
	_, cerr := r.cli.DelPrefix(ctx, r.ns)
	return ioErr("redis", "clear", "", cerr)
}

func (r *Redis) Close() error {
	if !r.ownsCli {
		return nil
	}
	return ioErr("redis", "close", "", r.cli.Close())
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}
