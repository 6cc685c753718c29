// Package store keeps scan records under their run id for a limited time.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for missing or expired keys.
var ErrNotFound = errors.New("store: not found")

// Store is a TTL key-value store. A ttl <= 0 keeps the value until deleted.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
