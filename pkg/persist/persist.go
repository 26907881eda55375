// Package persist defines the storage backend contract for metacache.
//
// A backend is an opaque byte key-value store. metacache owns the record
// encoding and all cache policy; a backend only has to get, set, delete and
// list keys, and report when it is out of space.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrQuotaExceeded is returned (possibly wrapped) by Store.Set when the
// backend has no room for the value.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Store is the persistence backend interface.
type Store interface {
	// Get returns the stored bytes for key. found is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key, replacing any previous value.
	// Implementations wrap ErrQuotaExceeded when they are out of space.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns up to count keys starting with prefix, resuming after cursor.
	// An empty cursor starts a new scan. An empty next cursor means the scan is
	// complete. Implementations may return fewer than count keys on any page.
	Scan(ctx context.Context, prefix, cursor string, count int) (keys []string, next string, err error)

	// Close releases any resources held by the store.
	Close() error
}

// ErrCorrupt marks stored bytes that the backend itself cannot decode.
var ErrCorrupt = errors.New("corrupt stored value")

// CorruptError is returned by Store.Get when a key exists but its stored
// bytes cannot be turned back into a value. Size is the stored length.
type CorruptError struct {
	Err  error
	Size int
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%v (%d bytes): %v", ErrCorrupt, e.Size, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Is matches ErrCorrupt.
func (*CorruptError) Is(target error) bool { return target == ErrCorrupt }

// CorruptSize reports the stored size when err is a CorruptError.
func CorruptSize(err error) (int, bool) {
	var ce *CorruptError
	if errors.As(err, &ce) {
		return ce.Size, true
	}
	return 0, false
}

// IsQuotaExceeded reports whether err signals an out-of-space condition.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// Page selects one Scan page from keys, which must be sorted ascending.
// The cursor is the last key of the previous page, so a page stays valid
// when keys are added or removed between calls.
func Page(keys []string, prefix, cursor string, count int) (page []string, next string) {
	if count <= 0 {
		count = len(keys)
	}
	start := sort.SearchStrings(keys, prefix)
	if cursor != "" {
		start = max(start, sort.Search(len(keys), func(i int) bool { return keys[i] > cursor }))
	}
	for _, k := range keys[start:] {
		if !strings.HasPrefix(k, prefix) {
			break
		}
		if len(page) == count {
			return page, page[len(page)-1]
		}
		page = append(page, k)
	}
	return page, ""
}
