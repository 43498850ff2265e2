// Package kv is the storage substrate shared by the correlation store and
// the credential lifecycle: a string-keyed store with get, put, delete,
// prefix listing and optional per-key expiry.
//
// A key read after its TTL elapsed behaves exactly like a key that was
// never written: Get returns ErrNotFound and List omits it.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.io/infrasutra/mailgram/internal/clock"
)

var ErrNotFound = errors.New("kv: not found")

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Put replaces the value at key. A ttl <= 0 stores without expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error
	// List returns live keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Open selects a backend by name. For sqlite, dsn is a file path (empty
// means in-memory); for redis it is a redis:// URL.
func Open(ctx context.Context, backend, dsn string, clk clock.Clock) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendSQLite:
		return OpenSQLite(ctx, dsn, clk)
	case BackendRedis:
		return OpenRedis(ctx, dsn, "mailgram:")
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
