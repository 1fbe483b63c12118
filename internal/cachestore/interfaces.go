package cachestore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read when no cache has been stored yet. Callers
// treat a missing cache as a fresh start, not a failure.
var ErrNotFound = errors.New("no stored cache")

// Store reads and writes the serialized token cache.
type Store interface {
	// Read returns the stored cache bytes. Returns ErrNotFound if nothing has
	// been stored yet.
	Read(ctx context.Context) ([]byte, error)

	// Write persists the cache bytes, replacing any previous content.
	Write(ctx context.Context, data []byte) error
}
