package testutil

import (
	"path/filepath"
	"testing"

	"github.com/tetherapp/tether/internal/store"
)

// OpenStore creates an empty store in a test-scoped temp directory
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
