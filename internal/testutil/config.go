package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/plexusgw/plexus/internal/config"
)

// StoreFromYAML writes the YAML document to a temp file and loads it into a
// config.Store. Fails the test on load errors.
func StoreFromYAML(t testing.TB, doc string) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plexus.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	s, err := config.NewStore(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return s
}
