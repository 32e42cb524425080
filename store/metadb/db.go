// Package metadb provides the key-value persistence contract used by the
// metadata and image caches, with a bbolt implementation.
package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// Store is a namespaced key-value store. Put is an upsert. A positive ttl
// registers the entry for removal by DeleteExpired once it has passed;
// entries stored with a zero ttl are kept until deleted.
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace string) ([]string, error)

	// DeleteExpired removes up to limit entries whose expiry is before the
	// given time and returns how many were removed. limit <= 0 means no limit.
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)

	Close() error
}

// ExpiryEntry describes an entry registered for expiry.
type ExpiryEntry struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}
