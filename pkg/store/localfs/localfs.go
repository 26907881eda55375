// Package localfs provides local filesystem storage for metacache.
//
// Each key is one file. Files are spread over 256 subdirectories picked by
// the xxhash of the key, and the file name is the base64url form of the key,
// so a directory walk recovers every key without opening files.
// An optional byte quota makes the store behave like a bounded device
// storage area.
package localfs

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/codeGROOVE-dev/metacache/pkg/persist"
)

const (
	maxKeyLength = 180 // base64 of 180 bytes is 240 chars, under the 255 byte name limit
	fileExt      = ".rec"
	tempExt      = ".tmp"
)

// Compression selects how file contents are stored on disk.
type Compression byte

// Supported compression schemes. The scheme is recorded per file, so a store
// can read files written with a different setting.
const (
	None Compression = iota
	Zstd
	LZ4
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return "compression(" + strconv.Itoa(int(c)) + ")"
	}
}

// ParseCompression maps a name ("none", "zstd", "lz4") to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, fmt.Errorf("unknown compression %q", name)
	}
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest)) //nolint:errcheck // nil writer with valid options never fails
	zstdDecoder, _ = zstd.NewReader(nil)                                           //nolint:errcheck // nil reader never fails
)

// Store implements persist.Store using local files.
//
//nolint:govet // fieldalignment - current layout groups related fields logically (mutex with map it protects)
type Store struct {
	subdirsMu   sync.RWMutex
	Dir         string          // Exported for testing - directory path
	subdirsMade map[string]bool // Cache of created subdirectories

	mu          sync.Mutex // serialises writes so quota accounting stays exact
	sizes       map[string]int64
	used        int64
	quota       int64
	compression Compression
}

// Option configures a Store.
type Option func(*Store)

// WithQuota limits the total bytes of record files. 0 means unlimited.
func WithQuota(bytes int64) Option {
	return func(s *Store) {
		s.quota = bytes
	}
}

// WithCompression compresses new files with c.
func WithCompression(c Compression) Option {
	return func(s *Store) {
		s.compression = c
	}
}

// New creates a file-based store.
// The cacheID is used as a subdirectory name under dir, or under the OS cache
// directory when dir is empty.
func New(cacheID, dir string, opts ...Option) (*Store, error) {
	// Validate cacheID to prevent path traversal attacks
	if cacheID == "" {
		return nil, errors.New("cacheID cannot be empty")
	}
	if strings.Contains(cacheID, "..") || strings.ContainsAny(cacheID, `/\`) {
		return nil, errors.New("invalid cacheID: contains path separators or traversal sequences")
	}
	if strings.Contains(cacheID, "\x00") {
		return nil, errors.New("invalid cacheID: contains null byte")
	}

	var fullDir string
	if dir != "" {
		fullDir = filepath.Join(dir, cacheID)
	} else {
		baseDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("get user cache dir: %w", err)
		}
		fullDir = filepath.Join(baseDir, cacheID)
	}

	if err := os.MkdirAll(fullDir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	// Verify directory is writable by creating a test file
	testFile := filepath.Join(fullDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("cache dir not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove test file: %w", err)
	}

	s := &Store{
		Dir:         fullDir,
		subdirsMade: make(map[string]bool),
		sizes:       make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.compression > LZ4 {
		return nil, fmt.Errorf("unsupported compression %v", s.compression)
	}

	if err := s.walk(context.Background(), func(key string, size int64) {
		s.sizes[key] = size
		s.used += size
	}); err != nil {
		return nil, fmt.Errorf("index cache dir: %w", err)
	}
	slog.Debug("opened localfs store", "dir", fullDir, "files", len(s.sizes), "bytes", s.used, "quota", s.quota)

	return s, nil
}

// ValidateKey checks if a key is valid for file storage.
func (*Store) ValidateKey(key string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("key too long: %d bytes (max %d)", len(key), maxKeyLength)
	}
	return nil
}

// keyToFilename converts a key to a path relative to Dir.
// The low byte of the key's xxhash picks the subdirectory for even distribution
// (e.g., key "TEST_a" -> "<xx>/VEVTVF9h.rec").
func keyToFilename(key string) string {
	shard := strconv.FormatUint(xxhash.Sum64String(key)&0xff|0x100, 16)[1:]
	return filepath.Join(shard, base64.RawURLEncoding.EncodeToString([]byte(key))+fileExt)
}

// filenameToKey reverses keyToFilename for a base name.
func filenameToKey(name string) (string, bool) {
	enc, ok := strings.CutSuffix(name, fileExt)
	if !ok {
		return "", false
	}
	b, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// Location returns the full file path where a key is stored.
func (s *Store) Location(key string) string {
	return filepath.Join(s.Dir, keyToFilename(key))
}

// Get reads and decompresses the file for key.
//
//nolint:gocritic // unnamedResult - mirrors persist.Store
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ValidateKey(key); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(s.Location(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read file: %w", err)
	}

	value, err := unpack(data)
	if err != nil {
		return nil, false, &persist.CorruptError{Err: fmt.Errorf("decode file %s: %w", s.Location(key), err), Size: len(data)}
	}
	return value, true, nil
}

// Set writes value to a temp file and renames it into place.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := pack(s.compression, value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.used - s.sizes[key] + int64(len(data))
	if s.quota > 0 && used > s.quota {
		return fmt.Errorf("write %d bytes (%d/%d used): %w", len(data), s.used, s.quota, persist.ErrQuotaExceeded)
	}

	filename := s.Location(key)
	if err := s.ensureSubdir(filepath.Dir(filename)); err != nil {
		return quotaError(err)
	}

	// Write to temp file first, then rename for atomicity
	tempFile := filename + tempExt
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		rmErr := os.Remove(tempFile)
		if os.IsNotExist(rmErr) {
			rmErr = nil
		}
		return errors.Join(quotaError(fmt.Errorf("write temp file: %w", err)), rmErr)
	}
	if err := os.Rename(tempFile, filename); err != nil {
		rmErr := os.Remove(tempFile)
		return errors.Join(fmt.Errorf("rename file: %w", err), rmErr)
	}

	s.sizes[key] = int64(len(data))
	s.used = used
	return nil
}

// quotaError tags out-of-space filesystem errors with persist.ErrQuotaExceeded.
func quotaError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %w", persist.ErrQuotaExceeded, err)
	}
	return err
}

func (s *Store) ensureSubdir(subdir string) error {
	s.subdirsMu.RLock()
	exists := s.subdirsMade[subdir]
	s.subdirsMu.RUnlock()
	if exists {
		return nil
	}

	s.subdirsMu.Lock()
	defer s.subdirsMu.Unlock()
	if s.subdirsMade[subdir] {
		return nil
	}
	if err := os.MkdirAll(subdir, 0o750); err != nil {
		return fmt.Errorf("create subdirectory: %w", err)
	}
	s.subdirsMade[subdir] = true
	return nil
}

// Delete removes the file for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Location(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	s.used -= s.sizes[key]
	delete(s.sizes, key)
	return nil
}

// Scan walks the directory tree and pages through keys in lexical order.
func (s *Store) Scan(ctx context.Context, prefix, cursor string, count int) ([]string, string, error) {
	var keys []string
	if err := s.walk(ctx, func(key string, _ int64) {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}); err != nil {
		return nil, "", err
	}
	slices.Sort(keys)
	page, next := persist.Page(keys, prefix, cursor, count)
	return page, next, nil
}

// walk calls fn for every record file under Dir.
// Files whose names do not decode to a key are skipped.
func (s *Store) walk(ctx context.Context, fn func(key string, size int64)) error {
	var errs []error
	walkErr := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("walk %s: %w", path, err))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		key, ok := filenameToKey(d.Name())
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			errs = append(errs, fmt.Errorf("stat %s: %w", path, err))
			return nil
		}
		fn(key, info.Size())
		return nil
	})
	if walkErr != nil {
		errs = append(errs, fmt.Errorf("walk directory: %w", walkErr))
	}
	return errors.Join(errs...)
}

// Used returns the total size of record files.
func (s *Store) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Close cleans up resources.
func (*Store) Close() error {
	// No resources to clean up for file-based storage
	return nil
}

// pack prefixes the (possibly compressed) value with its compression tag.
func pack(c Compression, value []byte) ([]byte, error) {
	switch c {
	case None:
		out := make([]byte, 0, len(value)+1)
		out = append(out, byte(None))
		return append(out, value...), nil
	case Zstd:
		return zstdEncoder.EncodeAll(value, []byte{byte(Zstd)}), nil
	case LZ4:
		var buf bytes.Buffer
		buf.WriteByte(byte(LZ4))
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(value); err != nil {
			return nil, fmt.Errorf("lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression %v", c)
	}
}

func unpack(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty file")
	}
	body := data[1:]
	switch Compression(data[0]) {
	case None:
		return body, nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	case LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression tag %d", data[0])
	}
}
