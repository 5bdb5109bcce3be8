package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/savecontext/savecontext/internal/config"
	"github.com/savecontext/savecontext/internal/credentials"
)

func initTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SAVECONTEXT_DATA_DIR", dir)
	if err := config.Init(); err != nil {
		t.Fatalf("config.Init failed: %v", err)
	}
	return dir
}

func TestBackupDatabaseCopiesFile(t *testing.T) {
	dir := initTestConfig(t)

	dbPath := filepath.Join(dir, "data", "savecontext.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dbPath, []byte("db contents"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := backupDatabase(dbPath); err != nil {
		t.Fatalf("backupDatabase failed: %v", err)
	}

	entries, err := os.ReadDir(config.BackupDir())
	if err != nil {
		t.Fatalf("backup dir missing: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d backups, want 1", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(config.BackupDir(), entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "db contents" {
		t.Errorf("backup content = %q", data)
	}
}

func TestBackupDatabaseMissingSourceIsNoop(t *testing.T) {
	dir := initTestConfig(t)

	if err := backupDatabase(filepath.Join(dir, "data", "missing.db")); err != nil {
		t.Fatalf("missing database should not fail: %v", err)
	}
	if _, err := os.Stat(config.BackupDir()); !os.IsNotExist(err) {
		t.Error("no backup should be written for a missing database")
	}
}

func TestBuildProviderDisabled(t *testing.T) {
	dir := initTestConfig(t)
	creds := credentials.Open(filepath.Join(dir, "credentials.json"))

	t.Setenv("SAVECONTEXT_EMBEDDING_PROVIDER", "none")
	if p := buildProvider(creds); p != nil {
		t.Errorf("provider none should disable embeddings, got %v", p.Name())
	}

	t.Setenv("SAVECONTEXT_EMBEDDING_PROVIDER", "something-else")
	if p := buildProvider(creds); p != nil {
		t.Errorf("unknown provider should disable embeddings, got %v", p.Name())
	}
}
