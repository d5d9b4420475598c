// Package store defines the shared key/value store used for gateway
// sessions, sticky bindings, cached upstream credentials, and refresh
// locks. It is the only cross-instance state the gateway relies on.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get-style operations when a key is absent.
// Callers generally treat this the same as an expired/revoked value.
var ErrNotFound = errors.New("store: not found")

// Store is the cross-instance KV surface. All keys are namespaced by the
// caller (see the gw:* prefixes in spec.md §6); Store itself is prefix
// agnostic so it can be backed by Redis or an in-memory TTL map in tests.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Get returns ErrNotFound if the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)
	// Set writes key=value with the given TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// SetNX sets key=value with the given TTL only if the key is absent.
	// Returns true if this call created the value.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals expect.
	// Used to release locks without clobbering another holder's lock.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)
}
