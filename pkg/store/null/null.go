// Package null provides a no-op store for metacache.
// All gets return not found, all sets are discarded.
// Useful for testing or when the Cache API is wanted without any storage.
package null

import (
	"context"
)

// Store implements a no-op persistence store.
// It satisfies the persist.Store interface without storing anything.
type Store struct{}

// New creates a new null store.
func New() *Store {
	return &Store{}
}

// Get always returns not found.
//
//nolint:revive // function-result-limit: required by Store interface
func (*Store) Get(_ context.Context, _ string) (value []byte, found bool, err error) {
	return nil, false, nil
}

// Set discards the value and returns nil.
func (*Store) Set(_ context.Context, _ string, _ []byte) error {
	return nil
}

// Delete is a no-op and returns nil.
func (*Store) Delete(_ context.Context, _ string) error {
	return nil
}

// Scan always returns an empty, complete page.
func (*Store) Scan(_ context.Context, _, _ string, _ int) (keys []string, next string, err error) {
	return nil, "", nil
}

// Close is a no-op and returns nil.
func (*Store) Close() error {
	return nil
}
