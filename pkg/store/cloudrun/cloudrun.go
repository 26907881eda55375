// Package cloudrun provides automatic storage backend selection for Cloud Run environments.
// It detects Cloud Run via K_SERVICE environment variable and attempts to use Datastore,
// falling back to local files if Datastore is unavailable or if not running in Cloud Run.
package cloudrun

import (
	"context"
	"log/slog"
	"os"

	"github.com/codeGROOVE-dev/metacache/pkg/persist"
	"github.com/codeGROOVE-dev/metacache/pkg/store/datastore"
	"github.com/codeGROOVE-dev/metacache/pkg/store/localfs"
)

// New creates a store suited to the current environment:
//   - In Cloud Run (K_SERVICE env var set): tries Datastore, falls back to local files on error
//   - Outside Cloud Run: uses local files
//
// The cacheID is used as the database name for Datastore or subdirectory for local files.
// Local file options apply only when the local fallback is used.
func New(ctx context.Context, cacheID string, opts ...localfs.Option) (persist.Store, error) {
	if os.Getenv("K_SERVICE") != "" {
		s, err := datastore.New(ctx, cacheID)
		if err == nil {
			return s, nil
		}
		slog.Warn("datastore unavailable, falling back to local files", "cacheID", cacheID, "error", err)
	}
	return localfs.New(cacheID, "", opts...)
}
