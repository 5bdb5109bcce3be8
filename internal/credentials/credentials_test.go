package credentials

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := NewFileBackend(path)

	if err := store.Set("sync_token", "secret-1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set("embedding_key", "secret-2"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := store.Get("sync_token")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "secret-1" {
		t.Errorf("Get = %q, want secret-1", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("credentials file mode = %o, want 600", perm)
	}

	if err := store.Delete("sync_token"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get("sync_token"); err == nil {
		t.Error("deleted credential should not resolve")
	}
	if _, err := store.Get("embedding_key"); err != nil {
		t.Errorf("unrelated credential lost: %v", err)
	}
}

func TestFileBackendMissingFile(t *testing.T) {
	store := NewFileBackend(filepath.Join(t.TempDir(), "credentials.json"))
	if _, err := store.Get("anything"); err == nil {
		t.Error("missing file should yield not found")
	}
}
