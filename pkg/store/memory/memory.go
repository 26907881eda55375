// Package memory provides an in-process store for metacache.
// It models a device storage area with a fixed byte quota, which makes it the
// reference backend for tests and for short-lived caches.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/codeGROOVE-dev/metacache/pkg/persist"
)

// Ops counts calls made against a Store.
type Ops struct {
	Gets    int
	Sets    int
	Deletes int
	Scans   int
}

// Store implements persist.Store on a map.
//
//nolint:govet // fieldalignment: semantic grouping preferred
type Store struct {
	mu    sync.RWMutex
	data  map[string][]byte
	used  int64
	quota int64 // 0 means unlimited
	ops   Ops
}

// Option configures a Store.
type Option func(*Store)

// WithQuota limits the total number of value bytes the store will hold.
// Writes that would exceed it fail with persist.ErrQuotaExceeded.
func WithQuota(bytes int64) Option {
	return func(s *Store) {
		s.quota = bytes
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{data: make(map[string][]byte)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the stored value.
//
//nolint:gocritic // unnamedResult: mirrors persist.Store
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops.Gets++
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

// Set stores a copy of value.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops.Sets++

	used := s.used - int64(len(s.data[key])) + int64(len(value))
	if s.quota > 0 && used > s.quota {
		return fmt.Errorf("set %q (%d bytes, %d/%d used): %w", key, len(value), s.used, s.quota, persist.ErrQuotaExceeded)
	}
	s.data[key] = slices.Clone(value)
	s.used = used
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops.Deletes++
	if v, ok := s.data[key]; ok {
		s.used -= int64(len(v))
		delete(s.data, key)
	}
	return nil
}

// Scan pages through keys with the given prefix in lexical order.
func (s *Store) Scan(_ context.Context, prefix, cursor string, count int) ([]string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops.Scans++
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	page, next := persist.Page(keys, prefix, cursor, count)
	return page, next, nil
}

// Close is a no-op.
func (*Store) Close() error {
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Used returns the number of value bytes currently stored.
func (s *Store) Used() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

// SetQuota changes the byte quota. Existing data is kept even if it exceeds it.
func (s *Store) SetQuota(bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quota = bytes
}

// Ops returns call counters since creation.
func (s *Store) Ops() Ops {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ops
}
