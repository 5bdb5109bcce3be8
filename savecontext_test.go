package savecontext_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/savecontext/savecontext"
	"github.com/savecontext/savecontext/internal/types"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	store, err := savecontext.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	sess := &types.Session{Name: "embedded", ProjectPath: "/tmp/embedded"}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Name != "embedded" {
		t.Errorf("name = %q", got.Name)
	}
}

func TestErrorCode(t *testing.T) {
	ctx := context.Background()
	store, err := savecontext.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	_, err = store.GetSession(ctx, "missing")
	if !savecontext.IsNotFound(err) {
		t.Errorf("IsNotFound = false for %v", err)
	}
	if savecontext.ErrorCode(err) != "not_found" {
		t.Errorf("code = %q", savecontext.ErrorCode(err))
	}
	if savecontext.ErrorCode(errors.New("plain")) != "internal" {
		t.Errorf("plain error code = %q", savecontext.ErrorCode(errors.New("plain")))
	}
}
