// Package datastore provides Google Cloud Datastore storage for metacache.
package datastore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	ds "github.com/codeGROOVE-dev/ds9/pkg/datastore"

	"github.com/codeGROOVE-dev/metacache/pkg/persist"
)

const (
	datastoreKind      = "MetaCacheRecord"
	maxDatastoreKeyLen = 1500 // Datastore has stricter key length limits
	maxEntityBytes     = 1 << 20
)

// Store implements persist.Store using Google Cloud Datastore.
type Store struct {
	client *ds.Client
	kind   string
}

// entity holds one record. The key is the entity key name.
// The value is base64-encoded to avoid datastore []byte limitations.
type entity struct {
	UpdatedAt time.Time `datastore:"updated_at"`
	Value     string    `datastore:"value,noindex"`
}

// New creates a Datastore-backed store.
// The cacheID is used as the Datastore database name.
// The project ID is auto-detected from the environment.
func New(ctx context.Context, cacheID string) (*Store, error) {
	client, err := ds.NewClientWithDatabase(ctx, "", cacheID)
	if err != nil {
		return nil, fmt.Errorf("create datastore client: %w", err)
	}

	slog.Debug("initialized datastore store", "database", cacheID, "kind", datastoreKind)

	return &Store{
		client: client,
		kind:   datastoreKind,
	}, nil
}

// ValidateKey checks if a key is valid for Datastore storage.
func (*Store) ValidateKey(key string) error {
	if len(key) > maxDatastoreKeyLen {
		return fmt.Errorf("key too long: %d bytes (max %d for datastore)", len(key), maxDatastoreKeyLen)
	}
	if key == "" {
		return errors.New("key cannot be empty")
	}
	return nil
}

// Location returns the Datastore key path for a given cache key.
// Format: "kind/key" (e.g., "MetaCacheRecord/mykey").
func (s *Store) Location(key string) string {
	return s.kind + "/" + key
}

func (s *Store) makeKey(key string) *ds.Key {
	return ds.NameKey(s.kind, key, nil)
}

// Get retrieves a value from Datastore.
//
//nolint:gocritic // unnamedResult - mirrors persist.Store
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ValidateKey(key); err != nil {
		return nil, false, err
	}
	var e entity
	if err := s.client.Get(ctx, s.makeKey(key), &e); err != nil {
		if errors.Is(err, ds.ErrNoSuchEntity) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("datastore get: %w", err)
	}
	b, err := base64.StdEncoding.DecodeString(e.Value)
	if err != nil {
		return nil, false, fmt.Errorf("decode base64: %w", err)
	}
	return b, true, nil
}

// Set saves a value to Datastore.
// Values that would exceed the entity size limit fail with persist.ErrQuotaExceeded.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.ValidateKey(key); err != nil {
		return err
	}
	v := base64.StdEncoding.EncodeToString(value)
	if len(v) > maxEntityBytes {
		return fmt.Errorf("entity for %q is %d bytes (max %d): %w", key, len(v), maxEntityBytes, persist.ErrQuotaExceeded)
	}
	e := entity{Value: v, UpdatedAt: time.Now()}
	if _, err := s.client.Put(ctx, s.makeKey(key), &e); err != nil {
		return fmt.Errorf("datastore put: %w", err)
	}
	return nil
}

// Delete removes a value from Datastore.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.Delete(ctx, s.makeKey(key)); err != nil {
		return fmt.Errorf("datastore delete: %w", err)
	}
	return nil
}

// Scan lists entity keys with a keys-only query and pages through them in
// key order.
func (s *Store) Scan(ctx context.Context, prefix, cursor string, count int) ([]string, string, error) {
	keys, err := s.client.GetAll(ctx, ds.NewQuery(s.kind).KeysOnly(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("query keys: %w", err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k.Name, prefix) {
			names = append(names, k.Name)
		}
	}
	slices.Sort(names)
	page, next := persist.Page(names, prefix, cursor, count)
	return page, next, nil
}

// Close releases Datastore client resources.
func (s *Store) Close() error {
	return s.client.Close()
}
