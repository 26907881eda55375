package cloudrun

import (
	"context"
	"testing"

	"github.com/codeGROOVE-dev/metacache/pkg/store/localfs"
)

func TestNew_LocalFallback(t *testing.T) {
	t.Setenv("K_SERVICE", "")
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	s, err := New(context.Background(), "test-cache")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close() //nolint:errcheck // test cleanup

	if _, ok := s.(*localfs.Store); !ok {
		t.Errorf("New() = %T; want *localfs.Store", s)
	}
}

func TestNew_BasicOperations(t *testing.T) {
	t.Setenv("K_SERVICE", "")
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	ctx := context.Background()

	s, err := New(ctx, "test-ops", localfs.WithCompression(localfs.Zstd))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close() //nolint:errcheck // test cleanup

	if err := s.Set(ctx, "answer", []byte("42")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	got, found, err := s.Get(ctx, "answer")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !found {
		t.Fatal("Get() should find stored value")
	}
	if string(got) != "42" {
		t.Errorf("Get() = %q, want 42", got)
	}
}
