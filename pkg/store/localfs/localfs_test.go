package localfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/codeGROOVE-dev/metacache/pkg/persist"
)

var _ persist.Store = (*Store)(nil)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New("test", dir, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("Close error: %v", err)
		}
	})
	return s
}

func TestFileStore_SetGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "key1", []byte("[1:1:2:1:0:3]value")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, found, err := s.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("key1 not found")
	}
	if string(v) != "[1:1:2:1:0:3]value" {
		t.Errorf("Get value = %q; want %q", v, "[1:1:2:1:0:3]value")
	}
}

func TestFileStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("missing key should not be found")
	}
}

func TestFileStore_EmptyValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, "empty", nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, found, err := s.Get(ctx, "empty")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || len(v) != 0 {
		t.Errorf("Get = %q, %v; want empty, true", v, found)
	}
}

func TestFileStore_Update(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "key", []byte("first")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "key", []byte("second value")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, _, err := s.Get(ctx, "key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "second value" {
		t.Errorf("Get value = %q; want %q", v, "second value")
	}
	// One tag byte per file.
	if got, want := s.Used(), int64(len("second value")+1); got != want {
		t.Errorf("Used() = %d; want %d", got, want)
	}
}

func TestFileStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "key1", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(ctx, "key1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, err := s.Get(ctx, "key1"); err != nil || found {
		t.Errorf("Get after Delete = %v, %v; want false, nil", found, err)
	}
	if _, err := os.Stat(s.Location("key1")); !os.IsNotExist(err) {
		t.Errorf("file should be removed, stat err = %v", err)
	}
	if s.Used() != 0 {
		t.Errorf("Used() = %d; want 0", s.Used())
	}
}

func TestFileStore_Delete_NonExistent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete(context.Background(), "missing"); err != nil {
		t.Errorf("Delete non-existent key should not error: %v", err)
	}
}

func TestFileStore_Quota(t *testing.T) {
	s := newTestStore(t, WithQuota(20))
	ctx := context.Background()

	if err := s.Set(ctx, "a", []byte("0123456789")); err != nil {
		t.Fatalf("Set a: %v", err)
	}
	err := s.Set(ctx, "b", []byte("0123456789"))
	if !errors.Is(err, persist.ErrQuotaExceeded) {
		t.Fatalf("Set b error = %v; want ErrQuotaExceeded", err)
	}
	if _, found, _ := s.Get(ctx, "b"); found { //nolint:errcheck // found is what matters
		t.Error("b should not have been written")
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Set(ctx, "b", []byte("0123456789")); err != nil {
		t.Errorf("Set b after freeing space: %v", err)
	}
}

func TestFileStore_Compression(t *testing.T) {
	value := []byte(strings.Repeat("[1:1700000000:1700000300:300:0:3]compressible ", 50))
	for _, c := range []Compression{None, Zstd, LZ4} {
		t.Run(c.String(), func(t *testing.T) {
			s := newTestStore(t, WithCompression(c))
			ctx := context.Background()
			if err := s.Set(ctx, "k", value); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, found, err := s.Get(ctx, "k")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !found || string(got) != string(value) {
				t.Errorf("Get = %d bytes, %v; want %d bytes, true", len(got), found, len(value))
			}
			if c != None && s.Used() >= int64(len(value)) {
				t.Errorf("Used() = %d; want less than %d with %v", s.Used(), len(value), c)
			}
		})
	}
}

func TestFileStore_MixedCompression(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := New("test", dir, WithCompression(Zstd))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Set(ctx, "k", []byte("written with zstd")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2, err := New("test", dir, WithCompression(LZ4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, found, err := s2.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Get = %v, %v", found, err)
	}
	if string(v) != "written with zstd" {
		t.Errorf("Get value = %q", v)
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", None, false},
		{"none", None, false},
		{"ZSTD", Zstd, false},
		{"lz4", LZ4, false},
		{"gzip", None, true},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseCompression(%q) = %v, %v; want %v, wantErr %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := os.WriteFile(s.Location("k"), []byte{0xee, 'x'}, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, _, err := s.Get(ctx, "k")
	if size, ok := persist.CorruptSize(err); !ok || size != 2 {
		t.Errorf("Get error = %v; want CorruptError of 2 bytes", err)
	}

	if err := os.WriteFile(s.Location("k"), nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, _, err := s.Get(ctx, "k"); !errors.Is(err, persist.ErrCorrupt) {
		t.Errorf("Get on empty file error = %v; want ErrCorrupt", err)
	}
}

func TestFileStore_Scan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		if err := s.Set(ctx, fmt.Sprintf("app_%d", i), []byte("x")); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := s.Set(ctx, "other", []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var all []string
	cursor := ""
	for {
		page, next, err := s.Scan(ctx, "app_", cursor, 2)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if len(page) > 2 {
			t.Errorf("page size = %d; want <= 2", len(page))
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	want := []string{"app_0", "app_1", "app_2", "app_3", "app_4"}
	if !slices.Equal(all, want) {
		t.Errorf("Scan = %v; want %v", all, want)
	}
}

func TestFileStore_ScanSkipsTempFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := os.WriteFile(s.Location("partial")+tempExt, []byte("junk"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	keys, _, err := s.Scan(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !slices.Equal(keys, []string{"k"}) {
		t.Errorf("Scan = %v; want [k]", keys)
	}
}

func TestFileStore_ReopenCountsExisting(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := New("test", dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := range 10 {
		if err := s1.Set(ctx, fmt.Sprintf("key-%d", i), []byte("0123456789")); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := New("test", dir, WithQuota(115))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s2.Used() != 110 {
		t.Errorf("Used() = %d; want 110 (entries from previous session)", s2.Used())
	}
	if err := s2.Set(ctx, "more", []byte("0123456789")); !errors.Is(err, persist.ErrQuotaExceeded) {
		t.Errorf("Set error = %v; want ErrQuotaExceeded", err)
	}
}

func TestFileStore_ContextCancellation(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Set(ctx, "k", []byte("v")); !errors.Is(err, context.Canceled) {
		t.Errorf("Set error = %v; want context.Canceled", err)
	}
	if _, _, err := s.Get(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("Get error = %v; want context.Canceled", err)
	}
	if _, _, err := s.Scan(ctx, "", "", 10); err == nil {
		t.Error("Scan should fail with cancelled context")
	}
}

func TestFileStore_New_Errors(t *testing.T) {
	tests := []struct {
		name    string
		cacheID string
		wantErr bool
	}{
		{"empty cacheID", "", true},
		{"path traversal ..", "../foo", true},
		{"path traversal with slash", "foo/bar", true},
		{"path traversal backslash", "foo\\bar", true},
		{"null byte", "foo\x00bar", true},
		{"valid alphanumeric", "myapp123", false},
		{"valid with dash", "my-app", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cacheID, t.TempDir())
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFileStore_ValidateKey(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid short key", "key123", false},
		{"valid with slash", "app/key/123", false},
		{"valid with unicode", "key-日本語", false}, //nolint:gosmopolitan // Testing unicode handling
		{"key at max length", strings.Repeat("a", maxKeyLength), false},
		{"key too long", strings.Repeat("a", maxKeyLength+1), true},
		{"empty key", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFileStore_KeysWithSeparators(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := "../escape/attempt\\x"
	if err := s.Set(ctx, key, []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !strings.HasPrefix(s.Location(key), s.Dir) {
		t.Errorf("Location(%q) = %q escapes %q", key, s.Location(key), s.Dir)
	}
	keys, _, err := s.Scan(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !slices.Equal(keys, []string{key}) {
		t.Errorf("Scan = %v; want [%s]", keys, key)
	}
}

func TestFileStore_Location(t *testing.T) {
	s := newTestStore(t)
	loc := s.Location("TEST_a")
	if filepath.Ext(loc) != fileExt {
		t.Errorf("Location ext = %q; want %q", filepath.Ext(loc), fileExt)
	}
	if base := filepath.Base(loc); base != "VEVTVF9h.rec" {
		t.Errorf("Location base = %q; want VEVTVF9h.rec", base)
	}
	if shard := filepath.Base(filepath.Dir(loc)); len(shard) != 2 {
		t.Errorf("shard dir = %q; want two hex digits", shard)
	}
}

func TestFileStore_New_UseDefaultCacheDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	s, err := New("metacache-default-dir-test", "")
	if err != nil {
		t.Skipf("no usable user cache dir: %v", err)
	}
	if filepath.Base(s.Dir) != "metacache-default-dir-test" {
		t.Errorf("Dir = %q; want cacheID as last element", s.Dir)
	}
}
