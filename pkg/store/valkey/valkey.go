// Package valkey provides Valkey/Redis storage for metacache.
package valkey

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/valkey-io/valkey-go"

	"github.com/codeGROOVE-dev/metacache/pkg/persist"
)

const (
	maxKeyLength = 512 // Maximum key length for Valkey
	defaultAddr  = "localhost:6379"
)

// Store implements persist.Store using Valkey/Redis.
type Store struct {
	client valkey.Client
	prefix string // Key prefix to namespace cache entries
}

// New creates a Valkey-backed store.
// The cacheID is used as a key prefix to namespace cache entries.
// addr should be in the format "host:port" (e.g., "localhost:6379").
func New(ctx context.Context, cacheID, addr string) (*Store, error) {
	if cacheID == "" {
		return nil, errors.New("cacheID cannot be empty")
	}
	if addr == "" {
		addr = defaultAddr
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	// Verify connectivity with PING
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey ping failed: %w", err)
	}

	return &Store{
		client: client,
		prefix: cacheID + ":",
	}, nil
}

// ValidateKey checks if a key is valid for Valkey storage.
func (*Store) ValidateKey(key string) error {
	if len(key) > maxKeyLength {
		return fmt.Errorf("key too long: %d bytes (max %d)", len(key), maxKeyLength)
	}
	if key == "" {
		return errors.New("key cannot be empty")
	}
	return nil
}

// Location returns the Valkey key for a given cache key.
func (s *Store) Location(key string) string {
	return s.prefix + key
}

// Get retrieves a value from Valkey.
//
//nolint:gocritic // unnamedResult - mirrors persist.Store
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ValidateKey(key); err != nil {
		return nil, false, err
	}
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.Location(key)).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("valkey get: %w", err)
	}
	return data, true, nil
}

// Set saves a value to Valkey without a TTL; expiry is tracked in the record.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.ValidateKey(key); err != nil {
		return err
	}
	cmd := s.client.B().Set().Key(s.Location(key)).Value(valkey.BinaryString(value)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey set: %w", quotaError(err))
	}
	return nil
}

// quotaError tags a maxmemory rejection with persist.ErrQuotaExceeded.
func quotaError(err error) error {
	if ve, ok := valkey.IsValkeyErr(err); ok && strings.HasPrefix(ve.Error(), "OOM") {
		return fmt.Errorf("%w: %w", persist.ErrQuotaExceeded, err)
	}
	return err
}

// Delete removes a value from Valkey.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.ValidateKey(key); err != nil {
		return err
	}
	cmd := s.client.B().Del().Key(s.Location(key)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey delete: %w", err)
	}
	return nil
}

// Scan runs one SCAN step over keys matching prefix.
// The cursor is the server's numeric cursor in decimal form. Valkey may
// return a key more than once over a full iteration, and may return empty
// pages before the iteration ends.
func (s *Store) Scan(ctx context.Context, prefix, cursor string, count int) ([]string, string, error) {
	var c uint64
	if cursor != "" {
		var err error
		if c, err = strconv.ParseUint(cursor, 10, 64); err != nil {
			return nil, "", fmt.Errorf("invalid scan cursor %q: %w", cursor, err)
		}
	}
	if count <= 0 {
		count = 100
	}

	pattern := escapeGlob(s.prefix+prefix) + "*"
	cmd := s.client.B().Scan().Cursor(c).Match(pattern).Count(int64(count)).Build()
	entry, err := s.client.Do(ctx, cmd).AsScanEntry()
	if err != nil {
		return nil, "", fmt.Errorf("scan keys: %w", err)
	}

	keys := make([]string, 0, len(entry.Elements))
	for _, vk := range entry.Elements {
		keys = append(keys, strings.TrimPrefix(vk, s.prefix))
	}
	next := ""
	if entry.Cursor != 0 {
		next = strconv.FormatUint(entry.Cursor, 10)
	}
	return keys, next, nil
}

// escapeGlob quotes the glob metacharacters understood by MATCH.
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close releases Valkey client resources.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}
